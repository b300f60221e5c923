// Package providers owns the registry of upstream providers: the durable
// configuration in the store, an in-memory copy-on-write snapshot for
// lock-free reads on the dispatch hot path, and the model synchronization
// workers that keep each provider's advertised model list fresh.
package providers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/nulpointcorp/hermes/internal/normalize"
	"github.com/nulpointcorp/hermes/internal/store"
)

// Snapshot is an immutable view of all providers plus the inverted
// model → providers index. Readers hold only a reference; the registry swaps
// in a fresh snapshot after every mutation.
type Snapshot struct {
	providers map[string]store.Provider
	order     []string // provider ids by creation time
	byModel   map[string][]string
	table     *normalize.Table
	hash      string
}

// Provider returns the provider with the given id.
func (s *Snapshot) Provider(id string) (store.Provider, bool) {
	p, ok := s.providers[id]
	return p, ok
}

// Providers returns all providers in creation order.
func (s *Snapshot) Providers() []store.Provider {
	out := make([]store.Provider, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.providers[id])
	}
	return out
}

// ProvidersFor returns the providers whose effective model set contains the
// canonical model id, in creation order.
func (s *Snapshot) ProvidersFor(canonical string) []store.Provider {
	ids := s.byModel[canonical]
	out := make([]store.Provider, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.providers[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Canonical resolves a requested model name against the snapshot's alias
// table.
func (s *Snapshot) Canonical(model string) string {
	return s.table.Canonical(model)
}

// Models returns every canonical model id served by at least one active
// provider, sorted.
func (s *Snapshot) Models() []string {
	out := make([]string, 0, len(s.byModel))
	for m := range s.byModel {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// OwnerOf returns the display name of the first provider advertising the
// canonical model. Used for the owned_by field of /v1/models.
func (s *Snapshot) OwnerOf(canonical string) string {
	ids := s.byModel[canonical]
	if len(ids) == 0 {
		return ""
	}
	if p, ok := s.providers[ids[0]]; ok {
		return p.Name
	}
	return ""
}

// Hash is a stable digest of the snapshot contents. It keys the /v1/models
// response cache: any provider or model change produces a new hash.
func (s *Snapshot) Hash() string { return s.hash }

// Len returns the number of providers in the snapshot.
func (s *Snapshot) Len() int { return len(s.providers) }

// buildSnapshot indexes the given providers. Only active providers feed the
// model index; pending and errored providers are visible by id but receive
// no traffic.
func buildSnapshot(provs []store.Provider, aliases map[string]string) *Snapshot {
	snap := &Snapshot{
		providers: make(map[string]store.Provider, len(provs)),
		order:     make([]string, 0, len(provs)),
		byModel:   make(map[string][]string),
	}

	modelSets := make([][]string, 0, len(provs))
	for _, p := range provs {
		snap.providers[p.ID] = p
		snap.order = append(snap.order, p.ID)
		if p.Status == store.StatusActive {
			modelSets = append(modelSets, p.EffectiveModels())
		}
	}
	snap.table = normalize.Build(modelSets, aliases)

	for _, p := range provs {
		if p.Status != store.StatusActive {
			continue
		}
		seen := make(map[string]struct{})
		for _, raw := range p.EffectiveModels() {
			canon := snap.table.Canonical(raw)
			if canon == "" {
				continue
			}
			if _, dup := seen[canon]; dup {
				continue
			}
			seen[canon] = struct{}{}
			snap.byModel[canon] = append(snap.byModel[canon], p.ID)
		}
	}

	snap.hash = snapshotHash(provs, snap.table)
	return snap
}

func snapshotHash(provs []store.Provider, table *normalize.Table) string {
	h := sha256.New()
	for _, p := range provs {
		fmt.Fprintf(h, "%s|%s|%s|%s\n", p.ID, p.Status, strings.Join(p.Models, ","),
			strings.Join(p.ModelBlacklist, ","))
	}
	h.Write([]byte(table.Hash()))
	return hex.EncodeToString(h.Sum(nil))
}

// dedupeSorted lowercases nothing and keeps first occurrences; used to
// collapse duplicate raw model ids before persisting.
func dedupeSorted(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
