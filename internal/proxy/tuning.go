package proxy

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/nulpointcorp/hermes/internal/config"
	"github.com/nulpointcorp/hermes/internal/store"
)

// tuningTTL bounds how stale a settings read may be. Settings changes apply
// within this window without a restart.
const tuningTTL = 5 * time.Second

// Tuning exposes the runtime-tunable dispatch knobs stored in the settings
// table, with the config values as fallback defaults. Reads are cached for
// tuningTTL so the hot path never touches SQLite per request.
type Tuning struct {
	store *store.Store
	def   config.DispatcherConfig
	sync  config.SyncConfig
	rate  config.RateLimitConfig

	now func() time.Time

	mu      sync.Mutex
	cached  tuningValues
	loaded  bool
	expires time.Time
}

type tuningValues struct {
	maxRetries      int
	initialPenalty  time.Duration
	maxPenalty      time.Duration
	resyncThreshold int
	resyncCooldown  time.Duration
	syncInterval    time.Duration
	rateLimitMax    int
}

// NewTuning seeds the settings table with the config defaults (existing
// overrides win) and returns the reader.
func NewTuning(ctx context.Context, st *store.Store, cfg *config.Config) (*Tuning, error) {
	seeds := map[string]string{
		store.SettingChatMaxRetries:    strconv.Itoa(cfg.Dispatcher.MaxRetries),
		store.SettingInitialPenaltyMs:  strconv.FormatInt(cfg.Dispatcher.InitialPenalty.Milliseconds(), 10),
		store.SettingMaxPenaltyMs:      strconv.FormatInt(cfg.Dispatcher.MaxPenalty.Milliseconds(), 10),
		store.SettingResyncThreshold:   strconv.Itoa(cfg.Dispatcher.ResyncThreshold),
		store.SettingResyncCooldownMs:  strconv.FormatInt(cfg.Dispatcher.ResyncCooldown.Milliseconds(), 10),
		store.SettingSyncIntervalHours: strconv.FormatInt(int64(cfg.Sync.Interval.Hours()), 10),
		store.SettingRateLimitMax:      strconv.Itoa(cfg.RateLimit.Max),
		store.SettingRateLimitWindow:   strconv.FormatInt(int64(cfg.RateLimit.Window.Seconds()), 10),
	}
	for k, v := range seeds {
		if err := st.SeedSetting(ctx, k, v); err != nil {
			return nil, err
		}
	}

	return &Tuning{
		store: st,
		def:   cfg.Dispatcher,
		sync:  cfg.Sync,
		rate:  cfg.RateLimit,
		now:   time.Now,
	}, nil
}

func (t *Tuning) values() tuningValues {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if t.loaded && now.Before(t.expires) {
		return t.cached
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	v := tuningValues{
		maxRetries: int(t.store.GetSettingInt(ctx, store.SettingChatMaxRetries,
			int64(t.def.MaxRetries))),
		initialPenalty: time.Duration(t.store.GetSettingInt(ctx, store.SettingInitialPenaltyMs,
			t.def.InitialPenalty.Milliseconds())) * time.Millisecond,
		maxPenalty: time.Duration(t.store.GetSettingInt(ctx, store.SettingMaxPenaltyMs,
			t.def.MaxPenalty.Milliseconds())) * time.Millisecond,
		resyncThreshold: int(t.store.GetSettingInt(ctx, store.SettingResyncThreshold,
			int64(t.def.ResyncThreshold))),
		resyncCooldown: time.Duration(t.store.GetSettingInt(ctx, store.SettingResyncCooldownMs,
			t.def.ResyncCooldown.Milliseconds())) * time.Millisecond,
		syncInterval: time.Duration(t.store.GetSettingInt(ctx, store.SettingSyncIntervalHours,
			int64(t.sync.Interval.Hours()))) * time.Hour,
		rateLimitMax: int(t.store.GetSettingInt(ctx, store.SettingRateLimitMax,
			int64(t.rate.Max))),
	}
	if v.maxRetries < 1 {
		v.maxRetries = 1
	}
	if v.initialPenalty <= 0 {
		v.initialPenalty = t.def.InitialPenalty
	}
	if v.maxPenalty < v.initialPenalty {
		v.maxPenalty = v.initialPenalty
	}
	if v.syncInterval <= 0 {
		v.syncInterval = t.sync.Interval
	}
	if v.rateLimitMax < 1 {
		v.rateLimitMax = t.rate.Max
	}

	t.cached = v
	t.loaded = true
	t.expires = now.Add(tuningTTL)
	return v
}

// MaxRetries is the attempt budget per dispatch.
func (t *Tuning) MaxRetries() int { return t.values().maxRetries }

// Breaker returns the current penalty parameters.
func (t *Tuning) Breaker() BreakerConfig {
	v := t.values()
	return BreakerConfig{
		InitialPenalty:  v.initialPenalty,
		MaxPenalty:      v.maxPenalty,
		ResyncThreshold: v.resyncThreshold,
	}
}

// ResyncCooldown is the per-provider floor between breaker-triggered re-syncs.
func (t *Tuning) ResyncCooldown() time.Duration { return t.values().resyncCooldown }

// SyncInterval is the periodic full-sync cadence.
func (t *Tuning) SyncInterval() time.Duration { return t.values().syncInterval }

// RateLimitMax is the request budget per rate-limit window.
func (t *Tuning) RateLimitMax() int { return t.values().rateLimitMax }

// Invalidate drops the cache so the next read hits the settings table.
// Called after an admin settings write.
func (t *Tuning) Invalidate() {
	t.mu.Lock()
	t.loaded = false
	t.mu.Unlock()
}
