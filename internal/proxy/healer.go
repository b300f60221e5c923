package proxy

import (
	"context"
	"log/slog"
	"time"

	"github.com/nulpointcorp/hermes/internal/metrics"
	"github.com/nulpointcorp/hermes/internal/providers"
)

// Healer is the background recovery loop. Providers sitting in HALF_OPEN
// with no organic traffic would stay penalized forever; the healer claims
// their probe slot and issues a cheap authenticated request so recovery does
// not depend on a client request arriving. Each sweep also refreshes the
// breaker state gauges.
type Healer struct {
	reg      *providers.Registry
	breaker  *CircuitBreaker
	upstream *Upstream
	metrics  *metrics.Registry
	log      *slog.Logger

	interval time.Duration
}

// NewHealer builds the loop; it probes at most once per provider per tick.
// metrics may be nil.
func NewHealer(reg *providers.Registry, breaker *CircuitBreaker, upstream *Upstream, met *metrics.Registry, log *slog.Logger) *Healer {
	if log == nil {
		log = slog.Default()
	}
	return &Healer{
		reg:      reg,
		breaker:  breaker,
		upstream: upstream,
		metrics:  met,
		log:      log,
		interval: 30 * time.Second,
	}
}

// Run drives the probe loop until ctx is cancelled.
func (h *Healer) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.sweep(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// sweep probes every HALF_OPEN provider whose probe slot is free.
func (h *Healer) sweep(ctx context.Context) {
	provs := h.reg.Providers()
	ids := make([]string, 0, len(provs))
	for _, p := range provs {
		ids = append(ids, p.ID)
		if h.metrics != nil {
			h.metrics.SetBreakerState(p.Name, int(h.breaker.State(p.ID)))
		}
	}

	for _, id := range h.breaker.probeEligible(ids) {
		if !h.breaker.TryProbe(id) {
			continue
		}
		p, ok := h.reg.Provider(id)
		if !ok {
			h.breaker.releaseProbe(id)
			continue
		}

		if err := h.upstream.Probe(ctx, p); err != nil {
			h.breaker.RecordFailure(id)
			h.log.Warn("recovery probe failed",
				slog.String("provider", p.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		h.breaker.RecordSuccess(id)
		h.log.Info("provider recovered", slog.String("provider", p.Name))
	}
}
