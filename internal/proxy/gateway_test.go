package proxy

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/hermes/internal/cache"
	"github.com/nulpointcorp/hermes/internal/logsink"
	"github.com/nulpointcorp/hermes/internal/providers"
	"github.com/nulpointcorp/hermes/internal/ratelimit"
	"github.com/nulpointcorp/hermes/internal/store"
)

const testSecret = "test-secret"

// gatewayEnv is the whole HTTP surface over the dispatch pipeline, served on
// an in-memory listener.
type gatewayEnv struct {
	*dispatchEnv
	sink   *logsink.Sink
	client *http.Client
}

func newGatewayEnv(t *testing.T, opts GatewayOptions) *gatewayEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	de := newDispatchEnv(t)
	cfg := testDispatchConfig()

	sink, err := logsink.New(ctx, de.st, nil, nil)
	if err != nil {
		t.Fatalf("sink: %v", err)
	}
	t.Cleanup(func() { sink.Close() })
	if opts.Sink == nil {
		opts.Sink = sink
	}

	gw := NewGateway(de.reg, de.dispatcher, de.dispatcher.upstream, de.st,
		de.dispatcher.tuning, testSecret, opts)

	skip, err := providers.NewSkipRules(nil, nil)
	if err != nil {
		t.Fatalf("skip rules: %v", err)
	}
	syncer := providers.NewSyncer(de.reg, sink, nil, skip, cfg.Sync, nil)
	admin := NewAdmin(de.reg, syncer, de.breaker, de.scorer, de.st,
		opts.Cache, de.dispatcher.tuning, sink, testSecret, nil)

	srv := NewServer(gw, admin, nil, nil)

	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = fasthttp.Serve(ln, srv.Handler()) }()
	t.Cleanup(func() { ln.Close() })

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}

	return &gatewayEnv{dispatchEnv: de, sink: sink, client: client}
}

func (e *gatewayEnv) do(t *testing.T, method, path, token string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, "http://hermes"+path, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func readAll(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func chatBody(model string, stream bool) []byte {
	b, _ := json.Marshal(map[string]any{
		"model":    model,
		"stream":   stream,
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	return b
}

func TestChatRequiresAuth(t *testing.T) {
	env := newGatewayEnv(t, GatewayOptions{})

	resp := env.do(t, "POST", "/v1/chat/completions", "", chatBody("m", false))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	body := readAll(t, resp)
	if !bytes.Contains(body, []byte("invalid_api_key")) {
		t.Fatalf("body = %s", body)
	}
}

func TestChatCompletionEndToEnd(t *testing.T) {
	env := newGatewayEnv(t, GatewayOptions{})

	up := httptest.NewServer(chatOK("chatcmpl-e2e"))
	defer up.Close()
	p := env.addProvider(t, "primary", up.URL, "test-model")

	resp := env.do(t, "POST", "/v1/chat/completions", testSecret, chatBody("test-model", false))
	body := readAll(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	if !bytes.Contains(body, []byte("chatcmpl-e2e")) {
		t.Fatalf("body = %s", body)
	}
	// The header carries the provider id, the same identifier the admin API
	// uses, so clients can correlate the two.
	if got := resp.Header.Get("X-Hermes-Provider"); got != p.ID {
		t.Errorf("X-Hermes-Provider = %q, want %q", got, p.ID)
	}
	if resp.Header.Get("X-Hermes-Score") == "" {
		t.Error("X-Hermes-Score header missing")
	}
	if resp.Header.Get("X-Hermes-Trace") == "" {
		t.Error("X-Hermes-Trace header missing")
	}
}

func TestChatRejectsMissingModel(t *testing.T) {
	env := newGatewayEnv(t, GatewayOptions{})

	resp := env.do(t, "POST", "/v1/chat/completions", testSecret, []byte(`{"messages":[]}`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	readAll(t, resp)
}

func TestChatUnknownModelIs404(t *testing.T) {
	env := newGatewayEnv(t, GatewayOptions{})

	resp := env.do(t, "POST", "/v1/chat/completions", testSecret, chatBody("no-such-model", false))
	body := readAll(t, resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if !bytes.Contains(body, []byte("model_not_found")) {
		t.Fatalf("body = %s", body)
	}
}

func TestChatExhaustedIs502WithTrail(t *testing.T) {
	env := newGatewayEnv(t, GatewayOptions{})

	up := httptest.NewServer(chatStatus(http.StatusBadGateway, "down"))
	defer up.Close()
	p := env.addProvider(t, "broken", up.URL, "test-model")

	resp := env.do(t, "POST", "/v1/chat/completions", testSecret, chatBody("test-model", false))
	body := readAll(t, resp)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
		Attempts []struct {
			Provider string `json:"provider"`
			Outcome  string `json:"outcome"`
		} `json:"attempts"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("unmarshal %s: %v", body, err)
	}
	if envelope.Error.Code != "upstream_exhausted" {
		t.Fatalf("code = %q", envelope.Error.Code)
	}
	if len(envelope.Attempts) == 0 || envelope.Attempts[0].Provider != p.ID {
		t.Fatalf("attempts = %+v, want provider id %s", envelope.Attempts, p.ID)
	}
}

func TestChatStreamingPassThrough(t *testing.T) {
	env := newGatewayEnv(t, GatewayOptions{})

	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"delta\":\"hel\"}\n\n")
		flusher.Flush()
		fmt.Fprint(w, "data: {\"delta\":\"lo\"}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer up.Close()
	p := env.addProvider(t, "streamer", up.URL, "test-model")

	resp := env.do(t, "POST", "/v1/chat/completions", testSecret, chatBody("test-model", true))
	body := readAll(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content-type = %q", ct)
	}
	if !bytes.Contains(body, []byte("[DONE]")) {
		t.Fatalf("stream body = %s", body)
	}

	// The stream drained cleanly, so the scorer sampled the provider. The
	// drain settles asynchronously after the response is written.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if env.scorer.Score(p.ID) > 0.7 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("stream success never settled, score = %v", env.scorer.Score(p.ID))
}

func TestModelsListAndCache(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mem := cache.NewMemory(ctx, 16)
	defer mem.Close()

	env := newGatewayEnv(t, GatewayOptions{Cache: mem})

	up := httptest.NewServer(chatOK("x"))
	defer up.Close()
	env.addProvider(t, "one", up.URL, "model-a", "model-b")

	resp := env.do(t, "GET", "/v1/models", testSecret, nil)
	body := readAll(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Cache"); got != "MISS" {
		t.Fatalf("first X-Cache = %q, want MISS", got)
	}

	var list struct {
		Object string `json:"object"`
		Data   []struct {
			ID      string `json:"id"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("unmarshal %s: %v", body, err)
	}
	if list.Object != "list" || len(list.Data) != 2 {
		t.Fatalf("list = %+v", list)
	}
	if list.Data[0].OwnedBy != "one" {
		t.Fatalf("owned_by = %q", list.Data[0].OwnedBy)
	}

	resp = env.do(t, "GET", "/v1/models", testSecret, nil)
	readAll(t, resp)
	if got := resp.Header.Get("X-Cache"); got != "HIT" {
		t.Fatalf("second X-Cache = %q, want HIT", got)
	}
}

func TestRateLimitBlocksWithHeaders(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	limiter := ratelimit.NewMemory(ctx, 1)
	defer limiter.Close()

	env := newGatewayEnv(t, GatewayOptions{Limiter: limiter})

	resp := env.do(t, "GET", "/v1/models", testSecret, nil)
	readAll(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first request status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-RateLimit-Limit"); got != "1" {
		t.Fatalf("X-RateLimit-Limit = %q", got)
	}

	resp = env.do(t, "GET", "/v1/models", testSecret, nil)
	body := readAll(t, resp)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
	if !bytes.Contains(body, []byte("rate_limit_exceeded")) {
		t.Fatalf("body = %s", body)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	env := newGatewayEnv(t, GatewayOptions{})

	const plaintext = "hermes-abc123"
	sum := sha256.Sum256([]byte(plaintext))
	err := env.st.InsertKey(context.Background(), store.Key{
		ID:          "k1",
		KeyHash:     hex.EncodeToString(sum[:]),
		Description: "test key",
		CreatedAt:   time.Now().UnixMilli(),
	})
	if err != nil {
		t.Fatalf("insert key: %v", err)
	}

	resp := env.do(t, "GET", "/v1/models", plaintext, nil)
	readAll(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status with valid key = %d, want 200", resp.StatusCode)
	}

	resp = env.do(t, "GET", "/v1/models", "hermes-wrong", nil)
	readAll(t, resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status with bogus key = %d, want 401", resp.StatusCode)
	}
}

func TestHealthIsUnauthenticated(t *testing.T) {
	env := newGatewayEnv(t, GatewayOptions{})

	resp := env.do(t, "GET", "/health", "", nil)
	body := readAll(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	var report struct {
		Status   string `json:"status"`
		Database string `json:"database"`
	}
	if err := json.Unmarshal(body, &report); err != nil {
		t.Fatalf("unmarshal %s: %v", body, err)
	}
	if report.Status != "healthy" || report.Database != "ok" {
		t.Fatalf("report = %+v", report)
	}
}

func TestSecurityAndTraceHeaders(t *testing.T) {
	env := newGatewayEnv(t, GatewayOptions{})

	resp := env.do(t, "GET", "/health", "", nil)
	readAll(t, resp)
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if resp.Header.Get("X-Hermes-Trace") == "" {
		t.Error("X-Hermes-Trace missing")
	}
	if resp.Header.Get("X-Response-Time") == "" {
		t.Error("X-Response-Time missing")
	}
}

func TestClientErrorPassedVerbatim(t *testing.T) {
	env := newGatewayEnv(t, GatewayOptions{})

	upstreamBody := `{"error":{"message":"messages is required","type":"invalid_request_error"}}`
	up := httptest.NewServer(chatStatus(http.StatusBadRequest, upstreamBody))
	defer up.Close()
	env.addProvider(t, "strict", up.URL, "test-model")

	resp := env.do(t, "POST", "/v1/chat/completions", testSecret, chatBody("test-model", false))
	body := readAll(t, resp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want upstream's 400", resp.StatusCode)
	}
	if string(body) != upstreamBody {
		t.Fatalf("body = %s, want verbatim upstream response", body)
	}
}
