package proxy

import (
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/hermes/internal/store"
)

// Health statuses. Degraded means traffic still flows but at reduced
// capacity (open breakers, errored providers); unhealthy means the gateway
// cannot serve (database down or zero usable providers).
const (
	healthHealthy   = "healthy"
	healthDegraded  = "degraded"
	healthUnhealthy = "unhealthy"
)

type providerHealth struct {
	Name   string  `json:"name"`
	Status string  `json:"status"`
	State  string  `json:"circuitState"`
	Score  float64 `json:"score"`
}

type healthReport struct {
	Status    string                    `json:"status"`
	Database  string                    `json:"database"`
	Providers map[string]providerHealth `json:"providers"`

	ProvidersActive int `json:"providersActive"`
	ProvidersTotal  int `json:"providersTotal"`
	BreakersOpen    int `json:"breakersOpen"`
	BreakersHalf    int `json:"breakersHalfOpen"`

	LatencyP50Ms int64 `json:"latencyP50Ms"`
	LatencyP90Ms int64 `json:"latencyP90Ms"`
	LatencyP99Ms int64 `json:"latencyP99Ms"`

	Cache any `json:"cache,omitempty"`
}

// handleHealth is GET /health. Unauthenticated by design: orchestrators poll
// it, and it exposes no secrets.
func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	report := healthReport{
		Database:  "ok",
		Providers: make(map[string]providerHealth),
	}

	dbOK := true
	if err := g.store.Ping(ctx); err != nil {
		dbOK = false
		report.Database = err.Error()
	}

	provs := g.reg.Providers()
	report.ProvidersTotal = len(provs)
	usable := 0
	for _, p := range provs {
		snap := g.dispatcher.breaker.Snapshot(p.ID)
		if p.Status == store.StatusActive {
			report.ProvidersActive++
			if snap.State != "open" {
				usable++
			}
		}
		switch snap.State {
		case "open":
			report.BreakersOpen++
		case "half_open":
			report.BreakersHalf++
		}
		report.Providers[p.ID] = providerHealth{
			Name:   p.Name,
			Status: p.Status,
			State:  snap.State,
			Score:  g.dispatcher.scorer.Score(p.ID),
		}
	}

	if g.sink != nil {
		report.LatencyP50Ms, report.LatencyP90Ms, report.LatencyP99Ms = g.sink.LatencyPercentiles()
	}
	if g.cache != nil {
		report.Cache = g.cache.Stats()
	}

	status := fasthttp.StatusOK
	switch {
	case !dbOK, len(provs) > 0 && usable == 0:
		report.Status = healthUnhealthy
		status = fasthttp.StatusServiceUnavailable
	case report.BreakersOpen > 0 || report.ProvidersActive < report.ProvidersTotal:
		report.Status = healthDegraded
	default:
		report.Status = healthHealthy
	}

	writeJSON(ctx, status, report)
}
