package proxy

import (
	"math"
	"sync"
	"time"
)

// Scoring weights and constants. The score composes three signals: the EWMA
// success rate, the EWMA latency normalized against latencyRefMs, and a
// freshness factor that halves every 24 h without a sample. A provider that
// was never observed scores exactly 0.65 (success 1.0, latency unknown 0.5,
// freshness 0), so new providers always get tried.
const (
	ewmaAlpha    = 0.2
	latencyRefMs = 10_000

	weightSuccess   = 0.5
	weightLatency   = 0.3
	weightFreshness = 0.2

	freshnessHalfLife = 24 * time.Hour
)

// scoreState is the volatile per-provider observation record. Latency is
// updated on successes only; failures move the success EWMA and leave
// latency untouched.
type scoreState struct {
	mu sync.Mutex

	ewmaSuccess   float64
	ewmaLatencyMs float64
	hasLatency    bool

	lastSampleAt time.Time
	hasSample    bool

	lastUsedAt time.Time
}

// Scorer ranks providers by observed behavior. State is created lazily on
// first observation, never persisted, and dropped when the provider is
// deleted.
type Scorer struct {
	mu    sync.RWMutex
	state map[string]*scoreState

	now func() time.Time
}

// NewScorer creates an empty scorer.
func NewScorer() *Scorer {
	return &Scorer{
		state: make(map[string]*scoreState),
		now:   time.Now,
	}
}

func (s *Scorer) get(providerID string) *scoreState {
	s.mu.RLock()
	st := s.state[providerID]
	s.mu.RUnlock()
	if st != nil {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st = s.state[providerID]; st == nil {
		st = &scoreState{ewmaSuccess: 1.0}
		s.state[providerID] = st
	}
	return st
}

// RecordSuccess folds one successful attempt of the given duration into the
// provider's EWMAs.
func (s *Scorer) RecordSuccess(providerID string, durationMs int64) {
	st := s.get(providerID)
	st.mu.Lock()
	defer st.mu.Unlock()

	d := float64(durationMs)
	if st.hasLatency {
		st.ewmaLatencyMs = ewmaAlpha*d + (1-ewmaAlpha)*st.ewmaLatencyMs
	} else {
		st.ewmaLatencyMs = d
		st.hasLatency = true
	}
	st.ewmaSuccess = ewmaAlpha*1 + (1-ewmaAlpha)*st.ewmaSuccess
	st.lastSampleAt = s.now()
	st.hasSample = true
}

// RecordFailure folds one provider-fault failure into the success EWMA.
func (s *Scorer) RecordFailure(providerID string) {
	st := s.get(providerID)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.ewmaSuccess = (1 - ewmaAlpha) * st.ewmaSuccess
	st.lastSampleAt = s.now()
	st.hasSample = true
}

// Score computes the routing score for the provider at the current time.
func (s *Scorer) Score(providerID string) float64 {
	st := s.get(providerID)
	st.mu.Lock()
	defer st.mu.Unlock()

	latNorm := 0.5
	if st.hasLatency {
		latNorm = clamp01(1 - st.ewmaLatencyMs/latencyRefMs)
	}

	freshness := 0.0
	if st.hasSample {
		age := s.now().Sub(st.lastSampleAt).Seconds()
		if age < 0 {
			age = 0
		}
		freshness = math.Pow(0.5, age/freshnessHalfLife.Seconds())
	}

	return weightSuccess*st.ewmaSuccess + weightLatency*latNorm + weightFreshness*freshness
}

// MarkUsed stamps the provider's volatile last-used time, the ranking
// tie-breaker.
func (s *Scorer) MarkUsed(providerID string, t time.Time) {
	st := s.get(providerID)
	st.mu.Lock()
	st.lastUsedAt = t
	st.mu.Unlock()
}

// LastUsed returns the volatile last-used time; zero when never used.
func (s *Scorer) LastUsed(providerID string) time.Time {
	st := s.get(providerID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lastUsedAt
}

// Forget drops the provider's state. Called when the provider is deleted.
func (s *Scorer) Forget(providerID string) {
	s.mu.Lock()
	delete(s.state, providerID)
	s.mu.Unlock()
}

// ScoreSnapshot is the per-provider view exported on /health.
type ScoreSnapshot struct {
	Success   float64 `json:"ewmaSuccess"`
	LatencyMs float64 `json:"ewmaLatencyMs"`
	Score     float64 `json:"score"`
}

// Snapshot returns the current observation state for the provider.
func (s *Scorer) Snapshot(providerID string) ScoreSnapshot {
	score := s.Score(providerID)

	st := s.get(providerID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return ScoreSnapshot{
		Success:   st.ewmaSuccess,
		LatencyMs: st.ewmaLatencyMs,
		Score:     score,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
