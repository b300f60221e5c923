// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initStore    — SQLite store (migrations run here)
//  2. initInfra    — optional external connections (Redis, ClickHouse)
//  3. initServices — log sink, metrics registry, limiter, cache
//  4. initRegistry — provider registry + model sync workers
//  5. initGateway  — dispatch pipeline and HTTP surface
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	hermescache "github.com/nulpointcorp/hermes/internal/cache"
	"github.com/nulpointcorp/hermes/internal/config"
	"github.com/nulpointcorp/hermes/internal/logsink"
	"github.com/nulpointcorp/hermes/internal/metrics"
	"github.com/nulpointcorp/hermes/internal/providers"
	"github.com/nulpointcorp/hermes/internal/proxy"
	"github.com/nulpointcorp/hermes/internal/ratelimit"
	"github.com/nulpointcorp/hermes/internal/store"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	st *store.Store

	// Optional external connections — nil when not configured.
	rdb      *redis.Client
	chWriter *logsink.ClickHouseWriter

	sink *logsink.Sink
	prom *metrics.Registry

	limiter    ratelimit.Limiter
	memLimiter *ratelimit.Memory
	cacheImpl  hermescache.Cache
	memCache   *hermescache.Memory

	reg    *providers.Registry
	syncer *providers.Syncer
	tuning *proxy.Tuning

	breaker *proxy.CircuitBreaker
	healer  *proxy.Healer
	server  *proxy.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"store", a.initStore},
		{"infra", a.initInfra},
		{"services", a.initServices},
		{"registry", a.initRegistry},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and background workers, blocking until ctx is
// cancelled or a fatal error occurs. Resources are released on return.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting hermes",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.Int("providers", a.reg.Snapshot().Len()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.server.ListenAndServe(addr)
	})

	g.Go(func() error {
		err := a.syncer.Run(gctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})

	g.Go(func() error {
		err := a.healer.Run(gctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		if err := a.server.Shutdown(); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.sink != nil {
		if err := a.sink.Close(); err != nil {
			a.log.Error("sink close error", slog.String("error", err.Error()))
		}
		a.sink = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.memLimiter != nil {
		a.memLimiter.Close()
		a.memLimiter = nil
	}
	if a.chWriter != nil {
		if err := a.chWriter.Close(); err != nil {
			a.log.Error("clickhouse close error", slog.String("error", err.Error()))
		}
		a.chWriter = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
	if a.st != nil {
		if err := a.st.Close(); err != nil {
			a.log.Error("store close error", slog.String("error", err.Error()))
		}
		a.st = nil
	}
}

// connectRedis builds a client and verifies connectivity with a PING.
func connectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return rdb, nil
}
