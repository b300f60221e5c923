package proxy

import (
	"sync"
	"time"
)

// cbState is the operational state of a per-provider circuit breaker.
//
//	cbClosed   — normal operation; all requests pass through.
//	cbOpen     — the provider is cooling down; the dispatcher must skip it.
//	cbHalfOpen — the cooldown elapsed; one probe decides recovery.
type cbState int

const (
	cbClosed   cbState = 0
	cbOpen     cbState = 1
	cbHalfOpen cbState = 2
)

func (s cbState) String() string {
	switch s {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// BreakerConfig holds the penalty parameters. The dispatcher reads them per
// transition so settings changes apply without restart.
type BreakerConfig struct {
	InitialPenalty  time.Duration
	MaxPenalty      time.Duration
	ResyncThreshold int
}

// breakerState is the volatile penalty record for one provider. The penalty
// doubles on every consecutive qualifying failure up to MaxPenalty; a
// successful probe clears everything.
type breakerState struct {
	mu sync.Mutex

	tripped             bool
	consecutiveFailures int
	currentPenalty      time.Duration
	penaltyUntil        time.Time
	probeInflight       bool
}

// CircuitBreaker manages independent penalty state for each provider. It is
// safe for concurrent use; a single per-provider mutex keeps each provider's
// transitions linearizable.
type CircuitBreaker struct {
	mu    sync.RWMutex
	state map[string]*breakerState

	cfg func() BreakerConfig
	now func() time.Time

	// onThreshold fires when consecutive failures reach the resync
	// threshold. Wired to the syncer; nil-safe.
	onThreshold func(providerID string)
}

// NewCircuitBreaker creates a breaker whose parameters are read from cfg on
// every transition.
func NewCircuitBreaker(cfg func() BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		state: make(map[string]*breakerState),
		cfg:   cfg,
		now:   time.Now,
	}
}

// OnThreshold registers the resync hook.
func (cb *CircuitBreaker) OnThreshold(fn func(providerID string)) {
	cb.onThreshold = fn
}

func (cb *CircuitBreaker) get(providerID string) *breakerState {
	cb.mu.RLock()
	st := cb.state[providerID]
	cb.mu.RUnlock()
	if st != nil {
		return st
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if st = cb.state[providerID]; st == nil {
		st = &breakerState{}
		cb.state[providerID] = st
	}
	return st
}

func (st *breakerState) stateAt(now time.Time) cbState {
	if !st.tripped {
		return cbClosed
	}
	if now.Before(st.penaltyUntil) {
		return cbOpen
	}
	return cbHalfOpen
}

// State returns the provider's current breaker state.
func (cb *CircuitBreaker) State(providerID string) cbState {
	st := cb.get(providerID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.stateAt(cb.now())
}

// Allow reports whether the provider may receive organic traffic right now.
// HALF_OPEN is not allowed here; the dispatcher opts into probe-through
// traffic explicitly via TryProbe.
func (cb *CircuitBreaker) Allow(providerID string) bool {
	return cb.State(providerID) != cbOpen
}

// TryProbe attempts to claim the single probe slot of a HALF_OPEN provider.
// Returns true when the caller now owns the probe and must report its result
// via RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) TryProbe(providerID string) bool {
	st := cb.get(providerID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.stateAt(cb.now()) != cbHalfOpen || st.probeInflight {
		return false
	}
	st.probeInflight = true
	return true
}

// RecordSuccess reports a successful attempt.
//
// A HALF_OPEN probe success resets all penalty state. A success while CLOSED
// clears the failure streak and halves the stored penalty toward the initial
// value without touching any active cooldown.
func (cb *CircuitBreaker) RecordSuccess(providerID string) {
	cfg := cb.cfg()
	st := cb.get(providerID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.tripped && !cb.now().Before(st.penaltyUntil) {
		// Probe success: full reset.
		st.tripped = false
		st.consecutiveFailures = 0
		st.currentPenalty = 0
		st.penaltyUntil = time.Time{}
		st.probeInflight = false
		return
	}

	st.consecutiveFailures = 0
	st.probeInflight = false
	if st.currentPenalty > cfg.InitialPenalty {
		st.currentPenalty /= 2
		if st.currentPenalty < cfg.InitialPenalty {
			st.currentPenalty = cfg.InitialPenalty
		}
	}
}

// RecordFailure reports a qualifying failure: the streak grows, the penalty
// doubles (first failure starts at the initial penalty, capped at max), and
// the provider goes OPEN until the penalty elapses. Reaching the resync
// threshold fires the resync hook.
func (cb *CircuitBreaker) RecordFailure(providerID string) {
	cfg := cb.cfg()
	st := cb.get(providerID)
	st.mu.Lock()

	st.consecutiveFailures++
	if st.currentPenalty < cfg.InitialPenalty {
		st.currentPenalty = cfg.InitialPenalty
	} else {
		st.currentPenalty *= 2
		if st.currentPenalty > cfg.MaxPenalty {
			st.currentPenalty = cfg.MaxPenalty
		}
	}
	st.penaltyUntil = cb.now().Add(st.currentPenalty)
	st.tripped = true
	st.probeInflight = false

	failures := st.consecutiveFailures
	st.mu.Unlock()

	if cb.onThreshold != nil && cfg.ResyncThreshold > 0 && failures >= cfg.ResyncThreshold {
		cb.onThreshold(providerID)
	}
}

// releaseProbe frees the probe slot without changing penalty state. Used
// when a claimed probe ends in an outcome that proves nothing about the
// provider's health (downstream cancellation).
func (cb *CircuitBreaker) releaseProbe(providerID string) {
	st := cb.get(providerID)
	st.mu.Lock()
	st.probeInflight = false
	st.mu.Unlock()
}

// Reset clears all penalty state for the provider. Admin escape hatch.
func (cb *CircuitBreaker) Reset(providerID string) {
	st := cb.get(providerID)
	st.mu.Lock()
	st.tripped = false
	st.consecutiveFailures = 0
	st.currentPenalty = 0
	st.penaltyUntil = time.Time{}
	st.probeInflight = false
	st.mu.Unlock()
}

// Forget drops the provider's state. Called when the provider is deleted.
func (cb *CircuitBreaker) Forget(providerID string) {
	cb.mu.Lock()
	delete(cb.state, providerID)
	cb.mu.Unlock()
}

// BreakerSnapshot is the per-provider view exported on /health and the admin
// circuit-breaker endpoint.
type BreakerSnapshot struct {
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	PenaltyMs           int64     `json:"penaltyMs"`
	PenaltyUntil        time.Time `json:"penaltyUntil,omitzero"`
}

// Snapshot returns the provider's current penalty state.
func (cb *CircuitBreaker) Snapshot(providerID string) BreakerSnapshot {
	st := cb.get(providerID)
	st.mu.Lock()
	defer st.mu.Unlock()

	snap := BreakerSnapshot{
		State:               st.stateAt(cb.now()).String(),
		ConsecutiveFailures: st.consecutiveFailures,
		PenaltyMs:           st.currentPenalty.Milliseconds(),
	}
	if st.tripped {
		snap.PenaltyUntil = st.penaltyUntil
	}
	return snap
}

// probeEligible returns the ids currently in HALF_OPEN with no probe in
// flight, for the self-heal loop.
func (cb *CircuitBreaker) probeEligible(ids []string) []string {
	now := cb.now()
	var out []string
	for _, id := range ids {
		st := cb.get(id)
		st.mu.Lock()
		if st.stateAt(now) == cbHalfOpen && !st.probeInflight {
			out = append(out, id)
		}
		st.mu.Unlock()
	}
	return out
}
