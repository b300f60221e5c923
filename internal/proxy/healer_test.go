package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestHealer(env *dispatchEnv) *Healer {
	return NewHealer(env.reg, env.breaker, NewUpstream(testDispatchConfig().Upstream), nil, nil)
}

func TestHealerRecoversHalfOpenProvider(t *testing.T) {
	env := newDispatchEnv(t)
	srv := httptest.NewServer(chatOK("x"))
	defer srv.Close()
	p := env.addProvider(t, "one", srv.URL, "test-model")

	env.breaker.RecordFailure(p.ID)
	if got := env.breaker.State(p.ID); got != cbOpen {
		t.Fatalf("state after failure = %v, want open", got)
	}
	*env.now = env.now.Add(31 * time.Minute)

	newTestHealer(env).sweep(context.Background())

	if got := env.breaker.State(p.ID); got != cbClosed {
		t.Fatalf("state after sweep = %v, want closed", got)
	}
	// Probe success is a full reset: the next failure starts the penalty
	// schedule over at the initial cooldown.
	env.breaker.RecordFailure(p.ID)
	snap := env.breaker.Snapshot(p.ID)
	if got := snap.PenaltyUntil.Sub(*env.now); got != 30*time.Minute {
		t.Fatalf("penalty after reset = %v, want 30m", got)
	}
}

func TestHealerProbeFailureReopens(t *testing.T) {
	env := newDispatchEnv(t)
	srv := httptest.NewServer(chatStatus(http.StatusInternalServerError, `{"error":{"message":"down"}}`))
	defer srv.Close()
	p := env.addProvider(t, "one", srv.URL, "test-model")

	env.breaker.RecordFailure(p.ID)
	*env.now = env.now.Add(31 * time.Minute)

	newTestHealer(env).sweep(context.Background())

	if got := env.breaker.State(p.ID); got != cbOpen {
		t.Fatalf("state after failed probe = %v, want open", got)
	}
	// Doubled penalty from the failed probe.
	snap := env.breaker.Snapshot(p.ID)
	if got := snap.PenaltyUntil.Sub(*env.now); got != time.Hour {
		t.Fatalf("penalty after failed probe = %v, want 1h", got)
	}
}

func TestHealerLeavesClosedProvidersAlone(t *testing.T) {
	env := newDispatchEnv(t)

	var probes atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		probes.Add(1)
		chatOK("x")(w, r)
	}))
	defer srv.Close()
	env.addProvider(t, "one", srv.URL, "test-model")

	newTestHealer(env).sweep(context.Background())

	if got := probes.Load(); got != 0 {
		t.Fatalf("healthy provider probed %d times, want 0", got)
	}
}
