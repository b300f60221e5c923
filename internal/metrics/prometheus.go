// Package metrics provides the Prometheus registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// hermes_inflight_requests
	inFlight prometheus.Gauge

	// hermes_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// hermes_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// hermes_upstream_attempts_total{provider,outcome}
	upstreamAttempts *prometheus.CounterVec

	// hermes_upstream_attempt_duration_seconds{provider,outcome}
	upstreamDuration *prometheus.HistogramVec

	// hermes_circuit_breaker_state{provider} — 0=closed, 1=open, 2=half-open
	breakerState *prometheus.GaugeVec

	// hermes_sync_results_total{provider,result}
	syncResults *prometheus.CounterVec

	// hermes_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// hermes_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// hermes_logsink_dropped_total
	sinkDropped prometheus.CounterFunc

	// hermes_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

// New builds the registry. droppedFn reports the log sink's cumulative drop
// count; nil disables that series.
func New(droppedFn func() int64) *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hermes_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hermes_http_requests_total",
				Help: "Total HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hermes_http_request_duration_seconds",
				Help:    "End-to-end HTTP request duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"route"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hermes_upstream_attempts_total",
				Help: "Upstream provider attempts by classified outcome (includes failovers)",
			},
			[]string{"provider", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hermes_upstream_attempt_duration_seconds",
				Help:    "Upstream attempt duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "outcome"},
		),

		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hermes_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"provider"},
		),

		syncResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hermes_sync_results_total",
				Help: "Model sync records by result",
			},
			[]string{"provider", "result"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hermes_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hermes_cache_operations_total",
				Help: "Cache operations by type and result",
			},
			[]string{"op", "result"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hermes_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	if droppedFn != nil {
		r.sinkDropped = prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "hermes_logsink_dropped_total",
			Help: "Log sink records dropped due to full buffers",
		}, func() float64 { return float64(droppedFn()) })
		reg.MustRegister(r.sinkDropped)
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.breakerState,
		r.syncResults,
		r.rateLimitTotal,
		r.cacheOps,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records one handled HTTP request.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordUpstream records one classified upstream attempt.
func (r *Registry) RecordUpstream(provider, outcome string, seconds float64) {
	r.upstreamAttempts.WithLabelValues(provider, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, outcome).Observe(seconds)
}

// SetBreakerState exports the provider's breaker state gauge.
func (r *Registry) SetBreakerState(provider string, state int) {
	r.breakerState.WithLabelValues(provider).Set(float64(state))
}

// DropBreakerState removes the series of a deleted provider.
func (r *Registry) DropBreakerState(provider string) {
	r.breakerState.DeleteLabelValues(provider)
}

// RecordSync records one model-sync result.
func (r *Registry) RecordSync(provider, result string) {
	r.syncResults.WithLabelValues(provider, result).Inc()
}

// RecordRateLimit records one limiter decision ("allowed" or "blocked").
func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

// RecordCacheOp records one cache operation, e.g. ("get", "hit").
func (r *Registry) RecordCacheOp(op, result string) {
	r.cacheOps.WithLabelValues(op, result).Inc()
}

// SetBuildInfo pins the version label. Gauge so the series always exists.
func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

// Handler is the fasthttp adapter for GET /metrics.
func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

// PromRegistry exposes the underlying registry for tests.
func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
