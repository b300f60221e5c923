package providers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/hermes/internal/store"
)

// Registry is the authoritative in-memory view of all providers.
//
// Mutations go through the store first and then rebuild the snapshot under
// the registry mutex; reads load the snapshot pointer atomically and never
// block. Delete hooks let the dispatcher garbage-collect volatile per-provider
// state (scorer, breaker); change hooks invalidate the models cache.
type Registry struct {
	store   *store.Store
	aliases map[string]string
	log     *slog.Logger

	mu   sync.Mutex
	snap atomic.Pointer[Snapshot]

	hookMu   sync.Mutex
	onDelete []func(providerID string)
	onChange []func()
}

// NewRegistry creates an empty registry. Call Load before serving traffic.
func NewRegistry(st *store.Store, aliases map[string]string, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{store: st, aliases: aliases, log: log}
	r.snap.Store(buildSnapshot(nil, aliases))
	return r
}

// Load reads all providers from the store and builds the first snapshot.
func (r *Registry) Load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reloadLocked(ctx)
}

// Snapshot returns the current immutable snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.snap.Load()
}

// Provider returns one provider by id.
func (r *Registry) Provider(id string) (store.Provider, bool) {
	return r.Snapshot().Provider(id)
}

// Providers returns all providers in creation order.
func (r *Registry) Providers() []store.Provider {
	return r.Snapshot().Providers()
}

// ProvidersFor returns the providers serving the canonical model id.
func (r *Registry) ProvidersFor(canonical string) []store.Provider {
	return r.Snapshot().ProvidersFor(canonical)
}

// Canonical resolves a requested model name to its canonical id.
func (r *Registry) Canonical(model string) string {
	return r.Snapshot().Canonical(model)
}

// OnDelete registers a hook invoked after a provider is removed.
func (r *Registry) OnDelete(fn func(providerID string)) {
	r.hookMu.Lock()
	r.onDelete = append(r.onDelete, fn)
	r.hookMu.Unlock()
}

// OnChange registers a hook invoked after any snapshot swap.
func (r *Registry) OnChange(fn func()) {
	r.hookMu.Lock()
	r.onChange = append(r.onChange, fn)
	r.hookMu.Unlock()
}

// CreateInput is the admin payload for registering a provider.
type CreateInput struct {
	Name           string   `json:"name"`
	BaseURL        string   `json:"baseUrl"`
	APIKey         string   `json:"apiKey"`
	Models         []string `json:"models"`
	ModelBlacklist []string `json:"modelBlacklist"`
}

// Validate checks the semantic constraints an admin payload must satisfy.
func (in *CreateInput) Validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("name is required")
	}
	base := strings.TrimSpace(in.BaseURL)
	if base == "" {
		return fmt.Errorf("baseUrl is required")
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		return fmt.Errorf("baseUrl must start with http:// or https://")
	}
	return nil
}

// Create registers a new provider in status pending and appends the initial
// sync record in the same transaction. The first successful model sync moves
// it to active.
func (r *Registry) Create(ctx context.Context, in CreateInput) (store.Provider, error) {
	if err := in.Validate(); err != nil {
		return store.Provider{}, err
	}

	now := time.Now().UnixMilli()
	p := store.Provider{
		ID:             uuid.NewString(),
		Name:           strings.TrimSpace(in.Name),
		BaseURL:        strings.TrimRight(strings.TrimSpace(in.BaseURL), "/"),
		APIKey:         in.APIKey,
		Models:         dedupeSorted(in.Models),
		ModelBlacklist: dedupeSorted(in.ModelBlacklist),
		Status:         store.StatusPending,
		CreatedAt:      now,
	}

	initial := &store.SyncLog{
		ProviderID:   p.ID,
		ProviderName: p.Name,
		Result:       store.ResultOK,
		Message:      "provider registered",
		CreatedAt:    now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.store.UpsertProvider(ctx, p, initial); err != nil {
		return store.Provider{}, err
	}
	if err := r.reloadLocked(ctx); err != nil {
		return store.Provider{}, err
	}

	r.log.Info("provider created",
		slog.String("provider", p.ID),
		slog.String("name", p.Name),
	)
	return p, nil
}

// UpdateInput carries a partial provider update; nil fields are untouched.
type UpdateInput struct {
	Name           *string   `json:"name"`
	BaseURL        *string   `json:"baseUrl"`
	APIKey         *string   `json:"apiKey"`
	Models         *[]string `json:"models"`
	ModelBlacklist *[]string `json:"modelBlacklist"`
	Status         *string   `json:"status"`
}

// Update applies a partial update to an existing provider.
func (r *Registry) Update(ctx context.Context, id string, in UpdateInput) (store.Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.store.ProviderByID(ctx, id)
	if err != nil {
		return store.Provider{}, err
	}

	if in.Name != nil {
		if strings.TrimSpace(*in.Name) == "" {
			return store.Provider{}, fmt.Errorf("name must not be empty")
		}
		p.Name = strings.TrimSpace(*in.Name)
	}
	if in.BaseURL != nil {
		base := strings.TrimSpace(*in.BaseURL)
		if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
			return store.Provider{}, fmt.Errorf("baseUrl must start with http:// or https://")
		}
		p.BaseURL = strings.TrimRight(base, "/")
	}
	if in.APIKey != nil {
		p.APIKey = *in.APIKey
	}
	if in.Models != nil {
		p.Models = dedupeSorted(*in.Models)
	}
	if in.ModelBlacklist != nil {
		p.ModelBlacklist = dedupeSorted(*in.ModelBlacklist)
	}
	if in.Status != nil {
		switch *in.Status {
		case store.StatusActive, store.StatusPending, store.StatusError:
			p.Status = *in.Status
		default:
			return store.Provider{}, fmt.Errorf("invalid status %q", *in.Status)
		}
	}

	if err := r.store.UpsertProvider(ctx, p, nil); err != nil {
		return store.Provider{}, err
	}
	if err := r.reloadLocked(ctx); err != nil {
		return store.Provider{}, err
	}
	return p, nil
}

// Delete removes the provider and fires the delete hooks so volatile state
// attached to the id is released.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	err := r.store.DeleteProvider(ctx, id)
	if err == nil {
		err = r.reloadLocked(ctx)
	}
	r.mu.Unlock()
	if err != nil {
		return err
	}

	r.hookMu.Lock()
	hooks := append([]func(string){}, r.onDelete...)
	r.hookMu.Unlock()
	for _, fn := range hooks {
		fn(id)
	}

	r.log.Info("provider deleted", slog.String("provider", id))
	return nil
}

// ApplySync persists the outcome of a successful model sync and activates
// the provider.
func (r *Registry) ApplySync(ctx context.Context, id string, models []string, syncedAt int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.store.ProviderByID(ctx, id)
	if err != nil {
		return err
	}
	err = r.store.UpdateProviderModels(ctx, id, dedupeSorted(models), p.ModelBlacklist,
		store.StatusActive, syncedAt)
	if err != nil {
		return err
	}
	return r.reloadLocked(ctx)
}

// MarkSyncFailed records a failed sync. Existing models are kept; the status
// drops to error only when the provider never completed a sync.
func (r *Registry) MarkSyncFailed(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.store.ProviderByID(ctx, id)
	if err != nil {
		return err
	}
	if p.Status != store.StatusPending {
		return nil
	}
	if err := r.store.UpdateProviderStatus(ctx, id, store.StatusError); err != nil {
		return err
	}
	return r.reloadLocked(ctx)
}

// BlacklistModel adds every known raw spelling of the canonical model to the
// provider's blacklist. Called when an upstream 404s a model it advertised;
// the next sync may rediscover it.
func (r *Registry) BlacklistModel(ctx context.Context, id, canonical string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.store.ProviderByID(ctx, id)
	if err != nil {
		return err
	}

	snap := r.snap.Load()
	blacklist := p.ModelBlacklist
	for _, raw := range p.Models {
		if snap.Canonical(raw) == canonical {
			blacklist = append(blacklist, raw)
		}
	}
	blacklist = dedupeSorted(blacklist)
	if len(blacklist) == len(p.ModelBlacklist) {
		return nil
	}

	err = r.store.UpdateProviderModels(ctx, id, p.Models, blacklist, p.Status, p.LastSyncedAt)
	if err != nil {
		return err
	}
	if err := r.reloadLocked(ctx); err != nil {
		return err
	}

	r.log.Warn("model blacklisted",
		slog.String("provider", id),
		slog.String("model", canonical),
	)
	return nil
}

// TouchUsed stamps last_used_at on the provider row. Relaxed durability;
// ranking tie-breaks read the volatile copy held by the scorer.
func (r *Registry) TouchUsed(ctx context.Context, id string, ts int64) {
	if err := r.store.TouchProviderUsed(ctx, id, ts); err != nil {
		r.log.Warn("touch provider failed",
			slog.String("provider", id),
			slog.String("error", err.Error()),
		)
	}
}

// reloadLocked rebuilds and swaps the snapshot. Caller holds r.mu.
func (r *Registry) reloadLocked(ctx context.Context) error {
	provs, err := r.store.Providers(ctx)
	if err != nil {
		return fmt.Errorf("registry: reload: %w", err)
	}
	r.snap.Store(buildSnapshot(provs, r.aliases))

	r.hookMu.Lock()
	hooks := append([]func(){}, r.onChange...)
	r.hookMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
	return nil
}
