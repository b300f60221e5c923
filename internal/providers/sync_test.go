package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nulpointcorp/hermes/internal/config"
	"github.com/nulpointcorp/hermes/internal/store"
)

// fakeUpstream is an OpenAI-compatible model catalog for sync tests.
type fakeUpstream struct {
	srv *httptest.Server

	mu        sync.Mutex
	models    []string
	failList  bool
	badModels map[string]bool
	listCalls int
}

func newFakeUpstream(t *testing.T, models ...string) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{models: models, badModels: map[string]bool{}}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeUpstream) handle(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/v1/models":
		f.mu.Lock()
		f.listCalls++
		fail, models := f.failList, f.models
		f.mu.Unlock()

		if fail {
			http.Error(w, `{"error":{"message":"upstream exploded"}}`, http.StatusInternalServerError)
			return
		}
		type entry struct {
			ID     string `json:"id"`
			Object string `json:"object"`
		}
		data := make([]entry, 0, len(models))
		for _, m := range models {
			data = append(data, entry{ID: m, Object: "model"})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data})

	case "/v1/chat/completions":
		var req struct {
			Model string `json:"model"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		f.mu.Lock()
		bad := f.badModels[req.Model]
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if bad {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprintf(w, `{"error":{"message":"The model %q does not exist","type":"invalid_request_error","code":"model_not_found"}}`, req.Model)
			return
		}
		fmt.Fprintf(w, `{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":%q,`+
			`"choices":[{"index":0,"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`, req.Model)

	default:
		http.NotFound(w, r)
	}
}

func (f *fakeUpstream) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func newTestSyncer(t *testing.T, reg *Registry, skip *SkipRules, cfg config.SyncConfig) (*Syncer, *time.Time) {
	t.Helper()
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 2
	}
	s := NewSyncer(reg, nil, nil, skip, cfg, nil)
	now := time.Now()
	s.now = func() time.Time { return now }
	return s, &now
}

func TestSyncActivatesAndSortsModels(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	up := newFakeUpstream(t, "zeta-chat", "alpha-chat")
	s, _ := newTestSyncer(t, reg, nil, config.SyncConfig{})

	p := mustCreate(t, reg, CreateInput{Name: "one", BaseURL: up.srv.URL})
	if err := s.Sync(context.Background(), p.ID, false); err != nil {
		t.Fatalf("sync: %v", err)
	}

	got, _ := reg.Provider(p.ID)
	if got.Status != store.StatusActive {
		t.Fatalf("status = %q, want active", got.Status)
	}
	if len(got.Models) != 2 || got.Models[0] != "alpha-chat" || got.Models[1] != "zeta-chat" {
		t.Fatalf("models = %v, want sorted catalog", got.Models)
	}
	if serving := reg.ProvidersFor(reg.Canonical("alpha-chat")); len(serving) != 1 {
		t.Fatalf("ProvidersFor = %v", serving)
	}
}

func TestSyncAppliesSkipRules(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	up := newFakeUpstream(t, "chat-1", "text-embedding-3", "whisper-large")
	skip, err := NewSkipRules(nil, []string{"embed", "whisper"})
	if err != nil {
		t.Fatalf("skip rules: %v", err)
	}
	s, _ := newTestSyncer(t, reg, skip, config.SyncConfig{})

	p := mustCreate(t, reg, CreateInput{Name: "one", BaseURL: up.srv.URL})
	if err := s.Sync(context.Background(), p.ID, false); err != nil {
		t.Fatalf("sync: %v", err)
	}

	got, _ := reg.Provider(p.ID)
	if len(got.Models) != 1 || got.Models[0] != "chat-1" {
		t.Fatalf("models = %v, want only chat-1", got.Models)
	}
}

func TestSyncFailureDowngradesPendingProvider(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	up := newFakeUpstream(t)
	up.failList = true
	s, _ := newTestSyncer(t, reg, nil, config.SyncConfig{})

	p := mustCreate(t, reg, CreateInput{Name: "one", BaseURL: up.srv.URL})
	if err := s.Sync(context.Background(), p.ID, false); err == nil {
		t.Fatal("sync of a failing upstream must error")
	}

	got, _ := reg.Provider(p.ID)
	if got.Status != store.StatusError {
		t.Fatalf("status = %q, want error", got.Status)
	}
}

func TestSyncMinIntervalFloor(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	up := newFakeUpstream(t, "m1")
	s, now := newTestSyncer(t, reg, nil, config.SyncConfig{MinInterval: 5 * time.Second})

	p := mustCreate(t, reg, CreateInput{Name: "one", BaseURL: up.srv.URL})
	ctx := context.Background()

	if err := s.Sync(ctx, p.ID, false); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if err := s.Sync(ctx, p.ID, false); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if got := up.calls(); got != 1 {
		t.Fatalf("list calls = %d, want the second sync suppressed", got)
	}

	*now = now.Add(10 * time.Second)
	if err := s.Sync(ctx, p.ID, false); err != nil {
		t.Fatalf("third sync: %v", err)
	}
	if got := up.calls(); got != 2 {
		t.Fatalf("list calls = %d, want 2 after the floor elapsed", got)
	}
}

func TestSyncCoalescesConcurrentCalls(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	var calls int
	var mu sync.Mutex
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		once.Do(func() { close(entered) })
		<-release
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"object":"list","data":[{"id":"m1","object":"model"}]}`))
	}))
	defer up.Close()

	s, _ := newTestSyncer(t, reg, nil, config.SyncConfig{})
	p := mustCreate(t, reg, CreateInput{Name: "one", BaseURL: up.URL})
	ctx := context.Background()

	errs := make(chan error, 2)
	go func() { errs <- s.Sync(ctx, p.ID, false) }()
	<-entered
	go func() { errs <- s.Sync(ctx, p.ID, false) }()
	time.Sleep(50 * time.Millisecond)
	close(release)

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("sync: %v", err)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("upstream hit %d times, want the late caller coalesced", calls)
	}
}

func TestRequestResyncCooldown(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	up := newFakeUpstream(t, "m1")
	s, _ := newTestSyncer(t, reg, nil, config.SyncConfig{MinInterval: 0})

	p := mustCreate(t, reg, CreateInput{Name: "one", BaseURL: up.srv.URL})

	s.RequestResync(p.ID)
	s.RequestResync(p.ID)

	deadline := time.Now().Add(2 * time.Second)
	for up.calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	if got := up.calls(); got != 1 {
		t.Fatalf("list calls = %d, want the second resync cooled down", got)
	}
}

func TestSyncVerifyDropsFailingModels(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	up := newFakeUpstream(t, "answers", "broken")
	up.badModels["broken"] = true
	s, _ := newTestSyncer(t, reg, nil, config.SyncConfig{})

	p := mustCreate(t, reg, CreateInput{Name: "one", BaseURL: up.srv.URL})
	if err := s.Sync(context.Background(), p.ID, true); err != nil {
		t.Fatalf("sync: %v", err)
	}

	got, _ := reg.Provider(p.ID)
	if len(got.Models) != 1 || got.Models[0] != "answers" {
		t.Fatalf("models = %v, want the broken model dropped", got.Models)
	}
}

func TestDiffModels(t *testing.T) {
	cases := []struct {
		name           string
		prev, next     []string
		added, removed int
	}{
		{"no change", []string{"a", "b"}, []string{"a", "b"}, 0, 0},
		{"all new", nil, []string{"a", "b"}, 2, 0},
		{"all gone", []string{"a", "b"}, nil, 0, 2},
		{"churn", []string{"a", "b"}, []string{"b", "c"}, 1, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			added, removed := diffModels(tc.prev, tc.next)
			if len(added) != tc.added || len(removed) != tc.removed {
				t.Fatalf("diff = +%v -%v, want %d added / %d removed",
					added, removed, tc.added, tc.removed)
			}
		})
	}
}
