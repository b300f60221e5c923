package providers

import (
	"fmt"
	"regexp"
	"strings"
)

// SkipRules decides whether a model id should be excluded from sync and
// verification. Upstream /v1/models listings routinely include embedding,
// audio and image models that can never answer a chat probe; matching ids
// are dropped before verification instead of burning probe budget on them.
//
// Two matching modes:
//   - Exact match: the model id must equal the rule exactly.
//   - Regex match: the lowercased id is tested against a compiled regexp.
//
// A nil *SkipRules is safe to call; Matches always returns false.
type SkipRules struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// NewSkipRules compiles the given exact strings and regex patterns. Returns
// an error if any pattern fails to compile so that misconfiguration is
// caught at startup.
func NewSkipRules(exact, patterns []string) (*SkipRules, error) {
	sr := &SkipRules{
		exact: make(map[string]struct{}, len(exact)),
	}

	for _, e := range exact {
		if e != "" {
			sr.exact[e] = struct{}{}
		}
	}

	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("sync skip rule: invalid pattern %q: %w", p, err)
		}
		sr.patterns = append(sr.patterns, re)
	}

	return sr, nil
}

// Matches reports whether the given model id is excluded from sync.
// Exact rules are checked first (O(1)), then regex patterns in order.
func (sr *SkipRules) Matches(model string) bool {
	if sr == nil {
		return false
	}
	if _, ok := sr.exact[model]; ok {
		return true
	}
	lower := strings.ToLower(model)
	for _, re := range sr.patterns {
		if re.MatchString(lower) {
			return true
		}
	}
	return false
}

// Len returns the total number of rules configured.
func (sr *SkipRules) Len() int {
	if sr == nil {
		return 0
	}
	return len(sr.exact) + len(sr.patterns)
}
