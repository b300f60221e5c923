package proxy

import (
	"math"
	"testing"
	"time"
)

func newTestScorer(t *testing.T) (*Scorer, *time.Time) {
	t.Helper()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := &base
	s := NewScorer()
	s.now = func() time.Time { return *now }
	return s, now
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestScoreUnseenProvider(t *testing.T) {
	s, _ := newTestScorer(t)

	// success 1.0, latency unknown 0.5, freshness 0.
	want := 0.5*1.0 + 0.3*0.5 + 0.2*0.0
	if got := s.Score("p1"); !almostEqual(got, want) {
		t.Fatalf("unseen score = %v, want %v", got, want)
	}
}

func TestScoreAfterSuccess(t *testing.T) {
	s, _ := newTestScorer(t)

	s.RecordSuccess("p1", 1000)

	// First sample seeds the latency EWMA directly.
	latNorm := 1 - 1000.0/10000.0
	want := 0.5*1.0 + 0.3*latNorm + 0.2*1.0
	if got := s.Score("p1"); !almostEqual(got, want) {
		t.Fatalf("score = %v, want %v", got, want)
	}
}

func TestFailureLeavesLatencyUntouched(t *testing.T) {
	s, _ := newTestScorer(t)

	s.RecordSuccess("p1", 2000)
	before := s.Snapshot("p1")

	s.RecordFailure("p1")
	after := s.Snapshot("p1")

	if after.LatencyMs != before.LatencyMs {
		t.Fatalf("latency changed on failure: %v -> %v", before.LatencyMs, after.LatencyMs)
	}
	wantSuccess := (1 - 0.2) * 1.0
	if !almostEqual(after.Success, wantSuccess) {
		t.Fatalf("success EWMA = %v, want %v", after.Success, wantSuccess)
	}
}

func TestLatencyEWMAFold(t *testing.T) {
	s, _ := newTestScorer(t)

	s.RecordSuccess("p1", 1000)
	s.RecordSuccess("p1", 3000)

	snap := s.Snapshot("p1")
	want := 0.2*3000 + 0.8*1000
	if !almostEqual(snap.LatencyMs, want) {
		t.Fatalf("latency EWMA = %v, want %v", snap.LatencyMs, want)
	}
}

func TestFreshnessDecay(t *testing.T) {
	s, now := newTestScorer(t)

	s.RecordSuccess("p1", 1000)
	fresh := s.Score("p1")

	// One half-life later the freshness term halves: the score drops by
	// exactly 0.2 * 0.5.
	*now = now.Add(24 * time.Hour)
	stale := s.Score("p1")

	if !almostEqual(fresh-stale, 0.2*0.5) {
		t.Fatalf("score drop after half-life = %v, want %v", fresh-stale, 0.2*0.5)
	}
}

func TestLatencyNormClamped(t *testing.T) {
	s, _ := newTestScorer(t)

	// Slower than the reference latency must clamp to zero, not go negative.
	s.RecordSuccess("p1", 50_000)
	want := 0.5*1.0 + 0.3*0.0 + 0.2*1.0
	if got := s.Score("p1"); !almostEqual(got, want) {
		t.Fatalf("score = %v, want %v", got, want)
	}
}

func TestRepeatedFailuresConvergeToZero(t *testing.T) {
	s, _ := newTestScorer(t)

	for range 50 {
		s.RecordFailure("p1")
	}
	snap := s.Snapshot("p1")
	if snap.Success > 0.001 {
		t.Fatalf("success EWMA after 50 failures = %v, want ~0", snap.Success)
	}
}

func TestForgetResetsState(t *testing.T) {
	s, _ := newTestScorer(t)

	for range 10 {
		s.RecordFailure("p1")
	}
	s.Forget("p1")

	want := 0.5*1.0 + 0.3*0.5 + 0.2*0.0
	if got := s.Score("p1"); !almostEqual(got, want) {
		t.Fatalf("score after Forget = %v, want unseen %v", got, want)
	}
}

func TestMarkUsed(t *testing.T) {
	s, now := newTestScorer(t)

	if !s.LastUsed("p1").IsZero() {
		t.Fatal("LastUsed of unseen provider should be zero")
	}
	s.MarkUsed("p1", *now)
	if got := s.LastUsed("p1"); !got.Equal(*now) {
		t.Fatalf("LastUsed = %v, want %v", got, *now)
	}
}
