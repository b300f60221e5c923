package proxy

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/nulpointcorp/hermes/internal/logsink"
	"github.com/nulpointcorp/hermes/internal/metrics"
	"github.com/nulpointcorp/hermes/internal/providers"
	"github.com/nulpointcorp/hermes/internal/store"
	"github.com/nulpointcorp/hermes/pkg/apierr"
)

// Failure enumerates the terminal outcomes of a dispatch that produced no
// usable upstream response.
type Failure int

const (
	FailNone Failure = iota
	// FailNoProvider — no active provider serves the requested model.
	FailNoProvider
	// FailExhausted — every attempted candidate failed within the retry
	// budget.
	FailExhausted
	// FailClientError — an upstream rejected the request as malformed; its
	// response is surfaced verbatim in Attempt.
	FailClientError
	// FailCanceled — the downstream client went away mid-dispatch.
	FailCanceled
)

// Result is the outcome of one dispatch.
type Result struct {
	Failure Failure

	// Provider and Score describe the candidate that produced Attempt.
	Provider store.Provider
	Score    float64

	// Attempt is the upstream response: a success (buffered or streaming),
	// or the verbatim 4xx for FailClientError.
	Attempt *Attempt

	// Trail lists every try for the exhausted-failure envelope.
	Trail []apierr.Attempt

	// finish settles scorer and breaker state for a streaming success once
	// the stream has drained.
	finish func(totalMs int64, serr *StreamError)
}

// FinishStream reports the end of a streaming response. totalMs is the
// time-to-last-byte; serr is CopyStream's verdict. Safe to call on
// non-streaming results (no-op).
func (r *Result) FinishStream(totalMs int64, serr *StreamError) {
	if r.finish != nil {
		r.finish(totalMs, serr)
		r.finish = nil
	}
}

// Dispatcher routes one chat completion across the candidate providers for a
// model: rank by score, attempt in order, classify, and either hand back the
// first usable response or fail with the recorded trail.
type Dispatcher struct {
	reg      *providers.Registry
	scorer   *Scorer
	breaker  *CircuitBreaker
	upstream *Upstream
	sink     *logsink.Sink
	metrics  *metrics.Registry
	tuning   *Tuning
	log      *slog.Logger

	// resync schedules a model re-sync for the provider. Wired to the
	// syncer; nil-safe.
	resync func(providerID string)

	now func() time.Time
}

// NewDispatcher wires the dispatch pipeline. sink and metrics may be nil.
func NewDispatcher(
	reg *providers.Registry,
	scorer *Scorer,
	breaker *CircuitBreaker,
	upstream *Upstream,
	sink *logsink.Sink,
	met *metrics.Registry,
	tuning *Tuning,
	log *slog.Logger,
) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		reg:      reg,
		scorer:   scorer,
		breaker:  breaker,
		upstream: upstream,
		sink:     sink,
		metrics:  met,
		tuning:   tuning,
		log:      log,
		now:      time.Now,
	}
}

// OnResync registers the re-sync scheduler invoked on model-missing attempts.
func (d *Dispatcher) OnResync(fn func(providerID string)) {
	d.resync = fn
}

// candidate pairs a provider with its score at selection time.
type candidate struct {
	provider store.Provider
	score    float64
	probe    bool
}

// Dispatch runs the attempt loop for one request. body is forwarded to each
// candidate verbatim; wantStream keeps a successful streaming body open for
// the caller to drain.
func (d *Dispatcher) Dispatch(ctx context.Context, canonical string, body []byte, wantStream bool) *Result {
	provs := d.reg.ProvidersFor(canonical)
	if len(provs) == 0 {
		return &Result{Failure: FailNoProvider}
	}

	maxRetries := d.tuning.MaxRetries()
	tried := make(map[string]bool, len(provs))
	var trail []apierr.Attempt

	attempts := 0
	for attempts < maxRetries {
		cand, ok := d.pick(provs, tried)
		if !ok {
			break
		}
		tried[cand.provider.ID] = true

		res, outcome := d.attempt(ctx, cand, canonical, body, wantStream)
		if !outcome.Retryable() {
			res.Trail = trail
			return res
		}

		// Trail entries carry the provider id so callers can correlate the
		// 502 envelope with the admin API.
		trail = append(trail, apierr.Attempt{
			Provider: cand.provider.ID,
			Outcome:  outcome.String(),
		})
		// Model-missing attempts are catalog corrections, not provider
		// failures; they do not consume a retry slot.
		if outcome.BreakerTrip() {
			attempts++
		}
	}

	return &Result{Failure: FailExhausted, Trail: trail}
}

// pick returns the best untried candidate. CLOSED providers are preferred;
// a HALF_OPEN provider is offered only when no CLOSED candidate remains, and
// only if its single probe slot can be claimed.
func (d *Dispatcher) pick(provs []store.Provider, tried map[string]bool) (candidate, bool) {
	var closed, halfOpen []candidate
	for _, p := range provs {
		if tried[p.ID] {
			continue
		}
		switch d.breaker.State(p.ID) {
		case cbClosed:
			closed = append(closed, candidate{provider: p, score: d.scorer.Score(p.ID)})
		case cbHalfOpen:
			halfOpen = append(halfOpen, candidate{provider: p, score: d.scorer.Score(p.ID), probe: true})
		}
	}

	d.rank(closed)
	if len(closed) > 0 {
		return closed[0], true
	}

	d.rank(halfOpen)
	for _, c := range halfOpen {
		if d.breaker.TryProbe(c.provider.ID) {
			return c, true
		}
	}
	return candidate{}, false
}

// rank orders candidates by score descending; equal scores go to the one
// used least recently.
func (d *Dispatcher) rank(cands []candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		return d.scorer.LastUsed(cands[i].provider.ID).Before(d.scorer.LastUsed(cands[j].provider.ID))
	})
}

// attempt runs one upstream try. Non-retryable outcomes return a Result that
// ends the dispatch; retryable ones return nil and the loop moves on to the
// next candidate.
func (d *Dispatcher) attempt(ctx context.Context, cand candidate, canonical string, body []byte, wantStream bool) (*Result, Outcome) {
	p := cand.provider
	a := d.upstream.ChatCompletion(ctx, p, body, wantStream)

	d.observe(p, canonical, a)

	switch {
	case a.Outcome == OutcomeSuccess:
		now := d.now()
		d.scorer.MarkUsed(p.ID, now)
		d.reg.TouchUsed(ctx, p.ID, now.UnixMilli())

		res := &Result{Provider: p, Score: cand.score, Attempt: a}
		if a.Stream != nil {
			res.finish = d.streamFinisher(p.ID)
		} else {
			d.scorer.RecordSuccess(p.ID, a.DurationMs)
			d.breaker.RecordSuccess(p.ID)
		}
		return res, OutcomeSuccess

	case a.Outcome == OutcomeModelMissing:
		// The upstream advertised a model it cannot serve. Blacklist the
		// spelling locally and schedule a re-sync; this is a catalog problem,
		// not a health problem, so the breaker stays untouched and the try
		// does not consume a retry slot.
		if err := d.reg.BlacklistModel(ctx, p.ID, canonical); err != nil {
			d.log.Warn("blacklist failed",
				slog.String("provider", p.ID),
				slog.String("error", err.Error()),
			)
		}
		if d.resync != nil {
			d.resync(p.ID)
		}
		if cand.probe {
			d.breaker.RecordSuccess(p.ID)
		}
		return nil, OutcomeModelMissing

	case a.Outcome.BreakerTrip():
		d.scorer.RecordFailure(p.ID)
		d.breaker.RecordFailure(p.ID)
		d.log.Warn("upstream attempt failed",
			slog.String("provider", p.Name),
			slog.String("outcome", a.Outcome.String()),
			slog.Int("status", a.StatusCode),
		)
		return nil, a.Outcome

	case a.Outcome == OutcomeClientError:
		// The upstream answered; a malformed request is the caller's problem.
		// Release a claimed probe slot without penalty movement.
		if cand.probe {
			d.breaker.RecordSuccess(p.ID)
		}
		return &Result{Failure: FailClientError, Provider: p, Score: cand.score, Attempt: a}, a.Outcome

	default: // OutcomeCanceled
		if cand.probe {
			d.breaker.releaseProbe(p.ID)
		}
		return &Result{Failure: FailCanceled}, a.Outcome
	}
}

// streamFinisher settles scorer and breaker state once the stream drains.
// A clean or upstream-broken stream is a real sample; a downstream break
// teaches us nothing and updates nothing.
func (d *Dispatcher) streamFinisher(providerID string) func(totalMs int64, serr *StreamError) {
	return func(totalMs int64, serr *StreamError) {
		switch {
		case serr == nil:
			d.scorer.RecordSuccess(providerID, totalMs)
			d.breaker.RecordSuccess(providerID)
		case serr.Downstream:
			d.breaker.releaseProbe(providerID)
		default:
			d.scorer.RecordFailure(providerID)
			d.breaker.RecordFailure(providerID)
		}
	}
}

// observe feeds the attempt into metrics and the usage counters. Canceled
// attempts are invisible: the client walked away, the provider did nothing
// wrong.
func (d *Dispatcher) observe(p store.Provider, canonical string, a *Attempt) {
	if a.Outcome == OutcomeCanceled {
		return
	}
	if d.metrics != nil {
		d.metrics.RecordUpstream(p.Name, a.Outcome.String(), float64(a.DurationMs)/1000)
	}
	if d.sink == nil {
		return
	}
	d.sink.TrackUsage(logsink.Usage{
		Model:        canonical,
		ProviderID:   p.ID,
		ProviderName: p.Name,
		Error:        a.Outcome != OutcomeSuccess,
	})
}
