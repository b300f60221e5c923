package providers

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/sync/semaphore"

	"github.com/nulpointcorp/hermes/internal/config"
	"github.com/nulpointcorp/hermes/internal/logsink"
	"github.com/nulpointcorp/hermes/internal/metrics"
	"github.com/nulpointcorp/hermes/internal/store"
)

// Syncer keeps each provider's advertised model list in step with what the
// upstream actually serves.
//
// Three triggers share one code path: the periodic full sync, admin-requested
// re-syncs, and breaker-threshold re-syncs. Per provider, syncs are rate
// limited to one per MinInterval and concurrent requests coalesce onto the
// in-flight attempt. Full syncs run at most Concurrency providers at a time.
type Syncer struct {
	reg     *Registry
	sink    *logsink.Sink
	metrics *metrics.Registry
	skip    *SkipRules
	cfg     config.SyncConfig
	log     *slog.Logger

	sem *semaphore.Weighted
	now func() time.Time

	mu         sync.Mutex
	inflight   map[string]chan struct{}
	lastSync   map[string]time.Time
	lastResync map[string]time.Time

	// resyncCooldown reports the current breaker-resync floor; settings may
	// change it at runtime.
	resyncCooldown func() time.Duration
	syncInterval   func() time.Duration
}

// NewSyncer wires the sync workers. metrics may be nil.
func NewSyncer(
	reg *Registry,
	sink *logsink.Sink,
	met *metrics.Registry,
	skip *SkipRules,
	cfg config.SyncConfig,
	log *slog.Logger,
) *Syncer {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	s := &Syncer{
		reg:        reg,
		sink:       sink,
		metrics:    met,
		skip:       skip,
		cfg:        cfg,
		log:        log,
		sem:        semaphore.NewWeighted(int64(cfg.Concurrency)),
		now:        time.Now,
		inflight:   make(map[string]chan struct{}),
		lastSync:   make(map[string]time.Time),
		lastResync: make(map[string]time.Time),
	}
	s.resyncCooldown = func() time.Duration { return 10 * time.Minute }
	s.syncInterval = func() time.Duration { return cfg.Interval }
	return s
}

// SetTuning injects settings-backed overrides for the periodic interval and
// the breaker-resync cooldown.
func (s *Syncer) SetTuning(interval, cooldown func() time.Duration) {
	if interval != nil {
		s.syncInterval = interval
	}
	if cooldown != nil {
		s.resyncCooldown = cooldown
	}
}

// Run drives the periodic full sync until ctx is cancelled. The first pass
// starts immediately so a cold boot discovers models without waiting a full
// interval.
func (s *Syncer) Run(ctx context.Context) error {
	s.SyncAll(ctx, false)

	for {
		interval := s.syncInterval()
		if interval <= 0 {
			interval = time.Hour
		}
		select {
		case <-time.After(interval):
			s.SyncAll(ctx, false)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SyncAll syncs every provider with bounded concurrency and waits for
// completion.
func (s *Syncer) SyncAll(ctx context.Context, verify bool) {
	provs := s.reg.Providers()
	var wg sync.WaitGroup
	for _, p := range provs {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer s.sem.Release(1)
			if err := s.Sync(ctx, id, verify); err != nil {
				s.log.Warn("provider sync failed",
					slog.String("provider", id),
					slog.String("error", err.Error()),
				)
			}
		}(p.ID)
	}
	wg.Wait()
}

// RequestResync schedules a sync triggered by the breaker threshold rule.
// It is asynchronous and rate limited per provider by the resync cooldown.
func (s *Syncer) RequestResync(providerID string) {
	now := s.now()

	s.mu.Lock()
	if last, ok := s.lastResync[providerID]; ok && now.Sub(last) < s.resyncCooldown() {
		s.mu.Unlock()
		return
	}
	s.lastResync[providerID] = now
	s.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout+10*time.Second)
		defer cancel()
		if err := s.Sync(ctx, providerID, false); err != nil {
			s.log.Warn("breaker-triggered resync failed",
				slog.String("provider", providerID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Sync refreshes one provider's model list. Concurrent calls for the same
// provider coalesce: the late caller waits for the in-flight sync instead of
// issuing a second upstream request, and a sync within MinInterval of the
// previous one is a no-op.
func (s *Syncer) Sync(ctx context.Context, providerID string, verify bool) error {
	s.mu.Lock()
	if ch, ok := s.inflight[providerID]; ok {
		s.mu.Unlock()
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if last, ok := s.lastSync[providerID]; ok && s.now().Sub(last) < s.cfg.MinInterval {
		s.mu.Unlock()
		return nil
	}
	done := make(chan struct{})
	s.inflight[providerID] = done
	s.mu.Unlock()

	err := s.syncOne(ctx, providerID, verify)

	s.mu.Lock()
	s.lastSync[providerID] = s.now()
	delete(s.inflight, providerID)
	s.mu.Unlock()
	close(done)

	return err
}

func (s *Syncer) syncOne(ctx context.Context, providerID string, verify bool) error {
	p, ok := s.reg.Provider(providerID)
	if !ok {
		return store.ErrProviderNotFound
	}

	start := s.now()
	listCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	models, err := s.listModels(listCtx, p)
	if err != nil {
		s.recordResult(p, "", store.ResultError, fmt.Sprintf("model list failed: %v", err))
		if serr := s.reg.MarkSyncFailed(ctx, providerID); serr != nil {
			s.log.Warn("mark sync failed",
				slog.String("provider", providerID),
				slog.String("error", serr.Error()),
			)
		}
		return fmt.Errorf("sync %s: %w", p.Name, err)
	}

	kept := make([]string, 0, len(models))
	for _, m := range models {
		if s.skip.Matches(m) {
			continue
		}
		kept = append(kept, m)
	}
	sort.Strings(kept)

	if verify {
		kept = s.verifyModels(ctx, p, kept)
	}

	added, removed := diffModels(p.Models, kept)
	for _, m := range added {
		s.recordResult(p, m, store.ResultOK, "model added")
	}
	for _, m := range removed {
		s.recordResult(p, m, store.ResultOK, "model removed")
	}
	if len(added) == 0 && len(removed) == 0 {
		s.recordResult(p, "", store.ResultOK, "models unchanged")
	}

	if err := s.reg.ApplySync(ctx, providerID, kept, s.now().UnixMilli()); err != nil {
		return fmt.Errorf("sync %s: persist: %w", p.Name, err)
	}

	s.log.Info("provider synced",
		slog.String("provider", providerID),
		slog.String("name", p.Name),
		slog.Int("models", len(kept)),
		slog.Int("added", len(added)),
		slog.Int("removed", len(removed)),
		slog.Duration("elapsed", s.now().Sub(start)),
	)
	return nil
}

// listModels fetches GET {baseUrl}/v1/models through the OpenAI client.
func (s *Syncer) listModels(ctx context.Context, p store.Provider) ([]string, error) {
	client := openaiSDK.NewClient(
		option.WithAPIKey(p.APIKey),
		option.WithBaseURL(p.BaseURL+"/v1"),
		option.WithMaxRetries(0),
	)

	page, err := client.Models.List(ctx)
	if err != nil {
		return nil, err
	}

	var out []string
	for page != nil {
		for _, m := range page.Data {
			if m.ID != "" {
				out = append(out, m.ID)
			}
		}
		page, err = page.GetNextPage()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// verifyModels issues a one-token chat probe per model and drops the ones
// that cannot answer. Probes are paced by ProbeDelay so a verified sync does
// not trip upstream rate limits.
func (s *Syncer) verifyModels(ctx context.Context, p store.Provider, models []string) []string {
	client := openaiSDK.NewClient(
		option.WithAPIKey(p.APIKey),
		option.WithBaseURL(p.BaseURL+"/v1"),
		option.WithMaxRetries(0),
	)

	kept := make([]string, 0, len(models))
	for i, m := range models {
		if i > 0 && s.cfg.ProbeDelay > 0 {
			select {
			case <-time.After(s.cfg.ProbeDelay):
			case <-ctx.Done():
				kept = append(kept, models[i:]...)
				return kept
			}
		}

		probeCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		_, err := client.Chat.Completions.New(probeCtx, openaiSDK.ChatCompletionNewParams{
			Model:     m,
			Messages:  []openaiSDK.ChatCompletionMessageParamUnion{openaiSDK.UserMessage("ping")},
			MaxTokens: openaiSDK.Int(1),
		})
		cancel()

		if err != nil {
			s.recordResult(p, m, store.ResultError, fmt.Sprintf("verification probe failed: %v", err))
			continue
		}
		kept = append(kept, m)
	}
	return kept
}

func (s *Syncer) recordResult(p store.Provider, model, result, message string) {
	if s.metrics != nil {
		s.metrics.RecordSync(p.Name, result)
	}
	if s.sink == nil {
		return
	}
	s.sink.LogSync(store.SyncLog{
		ProviderID:   p.ID,
		ProviderName: p.Name,
		Model:        model,
		Result:       result,
		Message:      message,
		CreatedAt:    s.now().UnixMilli(),
	})
}

// diffModels returns the entries present only in next (added) and only in
// prev (removed).
func diffModels(prev, next []string) (added, removed []string) {
	prevSet := make(map[string]struct{}, len(prev))
	for _, m := range prev {
		prevSet[m] = struct{}{}
	}
	nextSet := make(map[string]struct{}, len(next))
	for _, m := range next {
		nextSet[m] = struct{}{}
		if _, ok := prevSet[m]; !ok {
			added = append(added, m)
		}
	}
	for _, m := range prev {
		if _, ok := nextSet[m]; !ok {
			removed = append(removed, m)
		}
	}
	return added, removed
}
