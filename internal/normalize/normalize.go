// Package normalize canonicalizes model identifiers so that vendor prefixes,
// separator styles, and release-date tags collapse to a single comparable id.
// `openai/GPT-4o_Mini`, `models/gpt-4o-mini`, and `gpt-4o-mini-2024-07-18`
// all normalize to `gpt-4o-mini`. Distinct tiers (`gpt-4o` vs `gpt-4o-mini`)
// stay distinct; only a configured alias may merge two spellings.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
)

var (
	prefixRE  = regexp.MustCompile(`^(?i:models|model|m)/`)
	sepRE     = regexp.MustCompile(`[-_\s:]+`)
	longTagRE = regexp.MustCompile(`^\d{4,}$`)
	numericRE = regexp.MustCompile(`^\d+$`)
)

// Normalized is the decomposition of one raw model identifier.
type Normalized struct {
	// Raw is the identifier as received.
	Raw string
	// Cleaned is Raw trimmed, lowercased, with the models/ prefix stripped.
	Cleaned string
	// Canonical is Cleaned without the vendor segment or date tags, with
	// separators collapsed to "-".
	Canonical string
}

// Parse normalizes a raw model identifier. It is pure and deterministic;
// parsing an already-canonical id returns it unchanged.
func Parse(raw string) Normalized {
	cleaned := strings.ToLower(prefixRE.ReplaceAllString(strings.TrimSpace(raw), ""))

	withoutVendor := cleaned
	if i := strings.LastIndex(cleaned, "/"); i >= 0 {
		if tail := cleaned[i+1:]; tail != "" {
			withoutVendor = tail
		}
	}

	var tokens []string
	inDateTag := false
	for _, token := range sepRE.Split(withoutVendor, -1) {
		if token == "" {
			continue
		}
		// Release-date tags like 2024-07-18 carry no routing meaning. The
		// 4-digit token opens the tag; trailing numeric runs belong to it.
		if longTagRE.MatchString(token) {
			inDateTag = true
			continue
		}
		if inDateTag && numericRE.MatchString(token) {
			continue
		}
		inDateTag = false
		tokens = append(tokens, token)
	}

	canonical := strings.Join(tokens, "-")
	if canonical == "" {
		canonical = withoutVendor
	}

	return Normalized{Raw: raw, Cleaned: cleaned, Canonical: canonical}
}

// Table resolves model spellings to canonical ids. It is immutable once
// built; the registry rebuilds it on snapshot swaps.
type Table struct {
	variantToCanonical  map[string]string
	canonicalToVariants map[string][]string
	hash                string
}

// Build constructs a Table from the raw model lists of all providers plus
// optional static aliases (alias → canonical) from configuration. Alias
// targets are themselves normalized; one alias hop is applied.
func Build(modelSets [][]string, aliases map[string]string) *Table {
	hop := make(map[string]string, len(aliases))
	for alias, target := range aliases {
		a := Parse(alias).Canonical
		c := Parse(target).Canonical
		if a == "" || c == "" || a == c {
			continue
		}
		hop[a] = c
	}

	t := &Table{
		variantToCanonical:  make(map[string]string),
		canonicalToVariants: make(map[string][]string),
	}

	seen := make(map[string]map[string]struct{})
	for _, set := range modelSets {
		for _, raw := range set {
			info := Parse(raw)
			canon := info.Canonical
			if target, ok := hop[canon]; ok {
				canon = target
			}

			t.variantToCanonical[raw] = canon
			t.variantToCanonical[info.Cleaned] = canon
			t.variantToCanonical[info.Canonical] = canon
			t.variantToCanonical[canon] = canon

			vs, ok := seen[canon]
			if !ok {
				vs = make(map[string]struct{})
				seen[canon] = vs
			}
			vs[raw] = struct{}{}
		}
	}

	for alias, canon := range hop {
		if _, ok := t.variantToCanonical[alias]; !ok {
			t.variantToCanonical[alias] = canon
		}
		if _, ok := t.variantToCanonical[canon]; !ok {
			t.variantToCanonical[canon] = canon
		}
	}

	for canon, vs := range seen {
		variants := make([]string, 0, len(vs))
		for v := range vs {
			variants = append(variants, v)
		}
		sort.Strings(variants)
		t.canonicalToVariants[canon] = variants
	}

	t.hash = computeHash(t.variantToCanonical)
	return t
}

// Canonical resolves a requested model name to its canonical id. Unknown
// names fall through Parse so lookups stay deterministic.
func (t *Table) Canonical(raw string) string {
	info := Parse(raw)
	if t != nil {
		if c, ok := t.variantToCanonical[raw]; ok {
			return c
		}
		if c, ok := t.variantToCanonical[info.Cleaned]; ok {
			return c
		}
		if c, ok := t.variantToCanonical[info.Canonical]; ok {
			return c
		}
	}
	if info.Canonical != "" {
		return info.Canonical
	}
	return info.Cleaned
}

// Variants returns the raw spellings known for a canonical id, sorted.
// Unknown ids map to themselves.
func (t *Table) Variants(canonical string) []string {
	if t != nil {
		if vs, ok := t.canonicalToVariants[canonical]; ok {
			out := make([]string, len(vs))
			copy(out, vs)
			return out
		}
	}
	return []string{canonical}
}

// Canonicals returns all canonical ids observed in model sets, sorted.
func (t *Table) Canonicals() []string {
	if t == nil {
		return nil
	}
	out := make([]string, 0, len(t.canonicalToVariants))
	for c := range t.canonicalToVariants {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Hash is a stable digest of the variant mapping, used to key caches that
// must invalidate when the model universe or alias table changes.
func (t *Table) Hash() string {
	if t == nil {
		return ""
	}
	return t.hash
}

// Len reports the number of known variant mappings.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.variantToCanonical)
}

func computeHash(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(m[k]))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
