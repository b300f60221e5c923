package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/hermes/internal/cache"
	"github.com/nulpointcorp/hermes/internal/logsink"
	"github.com/nulpointcorp/hermes/internal/metrics"
	"github.com/nulpointcorp/hermes/internal/providers"
	"github.com/nulpointcorp/hermes/internal/proxy"
	"github.com/nulpointcorp/hermes/internal/ratelimit"
	"github.com/nulpointcorp/hermes/internal/store"
)

func (a *App) initStore(ctx context.Context) error {
	st, err := store.Open(ctx, a.cfg.DBPath, a.log)
	if err != nil {
		return err
	}
	a.st = st
	return nil
}

// initInfra connects optional external backends. Both are opt-in: an empty
// address means the in-process fallback is used instead.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Redis.Addr != "" {
		rdb, err := connectRedis(ctx, a.cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis %s: %w", a.cfg.Redis.Addr, err)
		}
		a.rdb = rdb
		a.log.Info("redis connected", slog.String("addr", a.cfg.Redis.Addr))
	}

	if a.cfg.ClickHouse.Addr != "" {
		ch, err := logsink.NewClickHouseWriter(ctx, logsink.ClickHouseOptions{
			Addr:     a.cfg.ClickHouse.Addr,
			Database: a.cfg.ClickHouse.Database,
			Username: a.cfg.ClickHouse.Username,
			Password: a.cfg.ClickHouse.Password,
		}, a.log)
		if err != nil {
			return fmt.Errorf("clickhouse %s: %w", a.cfg.ClickHouse.Addr, err)
		}
		a.chWriter = ch
		a.log.Info("clickhouse connected", slog.String("addr", a.cfg.ClickHouse.Addr))
	}
	return nil
}

// initServices builds the log sink, the metrics registry, the rate limiter
// and the response cache. The sink must exist before the metrics registry so
// its drop counter can be exported.
func (a *App) initServices(ctx context.Context) error {
	var analytics logsink.AnalyticsWriter
	if a.chWriter != nil {
		analytics = a.chWriter
	}
	sink, err := logsink.New(a.baseCtx, a.st, analytics, a.log)
	if err != nil {
		return err
	}
	a.sink = sink

	a.prom = metrics.New(a.sink.Dropped)
	a.prom.SetBuildInfo(a.version)

	// Runtime settings are not loaded yet at this point; the limiter is sized
	// from config and re-sized only across restarts.
	if a.rdb != nil {
		a.limiter = ratelimit.NewRedis(a.rdb, a.cfg.RateLimit.Max, a.log)
		a.cacheImpl = cache.NewRedisFromClient(a.rdb)
	} else {
		a.memLimiter = ratelimit.NewMemory(a.baseCtx, a.cfg.RateLimit.Max)
		a.limiter = a.memLimiter
		a.memCache = cache.NewMemory(a.baseCtx, 1024)
		a.cacheImpl = a.memCache
	}
	return nil
}

func (a *App) initRegistry(ctx context.Context) error {
	a.reg = providers.NewRegistry(a.st, a.cfg.ModelAliases, a.log)
	if err := a.reg.Load(ctx); err != nil {
		return err
	}

	skip, err := providers.NewSkipRules(nil, a.cfg.Sync.SkipPatterns)
	if err != nil {
		return fmt.Errorf("skip rules: %w", err)
	}

	a.syncer = providers.NewSyncer(a.reg, a.sink, a.prom, skip, a.cfg.Sync, a.log)
	return nil
}

func (a *App) initGateway(ctx context.Context) error {
	tuning, err := proxy.NewTuning(ctx, a.st, a.cfg)
	if err != nil {
		return err
	}
	a.tuning = tuning
	a.syncer.SetTuning(tuning.SyncInterval, tuning.ResyncCooldown)

	scorer := proxy.NewScorer()
	a.breaker = proxy.NewCircuitBreaker(tuning.Breaker)
	a.breaker.OnThreshold(a.syncer.RequestResync)

	upstream := proxy.NewUpstream(a.cfg.Upstream)

	dispatcher := proxy.NewDispatcher(a.reg, scorer, a.breaker, upstream, a.sink, a.prom, tuning, a.log)
	dispatcher.OnResync(a.syncer.RequestResync)

	// A deleted provider must not keep stale score or penalty state that a
	// later provider reusing the id would inherit.
	a.reg.OnDelete(func(providerID string) {
		scorer.Forget(providerID)
		a.breaker.Forget(providerID)
	})
	a.reg.OnChange(func() {
		if a.cacheImpl != nil {
			a.cacheImpl.Clear(context.Background())
		}
	})

	gw := proxy.NewGateway(a.reg, dispatcher, upstream, a.st, tuning, a.cfg.Secret, proxy.GatewayOptions{
		Limiter:        a.limiter,
		Cache:          a.cacheImpl,
		Sink:           a.sink,
		Metrics:        a.prom,
		ModelsCacheTTL: a.cfg.ModelsCacheTTL,
		Logger:         a.log,
	})

	admin := proxy.NewAdmin(a.reg, a.syncer, a.breaker, scorer, a.st, a.cacheImpl, tuning, a.sink, a.cfg.Secret, a.log)

	a.healer = proxy.NewHealer(a.reg, a.breaker, upstream, a.prom, a.log)
	a.server = proxy.NewServer(gw, admin, a.prom.Handler(), a.cfg.CORSOrigins)
	return nil
}
