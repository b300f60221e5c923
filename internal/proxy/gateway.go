// Package proxy is the core request dispatcher of the gateway.
//
// The Gateway receives an incoming OpenAI-compatible request, authenticates
// it, applies rate limiting, resolves the canonical model, and hands the
// request to the Dispatcher — which ranks the candidate providers by observed
// score and walks them until one answers or the retry budget runs out.
//
// Key design constraints:
//   - No blocking I/O on the hot path: audit logging and usage counting ride
//     the async sink, provider snapshots are lock-free reads.
//   - Cache, limiter, and metrics are optional and nil-safe.
//   - Streaming responses are pass-through (SSE); they are never cached.
package proxy

import (
	"bufio"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/hermes/internal/cache"
	"github.com/nulpointcorp/hermes/internal/logsink"
	"github.com/nulpointcorp/hermes/internal/metrics"
	"github.com/nulpointcorp/hermes/internal/providers"
	"github.com/nulpointcorp/hermes/internal/ratelimit"
	"github.com/nulpointcorp/hermes/internal/store"
	"github.com/nulpointcorp/hermes/pkg/apierr"
)

// GatewayOptions holds the optional collaborators of a Gateway. All fields
// are nil-safe.
type GatewayOptions struct {
	// Limiter is the per-client sliding-window admission limiter.
	Limiter ratelimit.Limiter

	// Cache stores the rendered /v1/models payload.
	Cache cache.Cache

	// Sink receives request audit rows and usage counters.
	Sink *logsink.Sink

	// Metrics enables Prometheus collection.
	Metrics *metrics.Registry

	// ModelsCacheTTL bounds staleness of the cached models payload.
	// Default: 30s.
	ModelsCacheTTL time.Duration

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Gateway is the public API surface. All dependencies are injected so they
// can be replaced with doubles in unit tests.
type Gateway struct {
	reg        *providers.Registry
	dispatcher *Dispatcher
	upstream   *Upstream
	store      *store.Store
	tuning     *Tuning

	limiter ratelimit.Limiter
	cache   cache.Cache
	sink    *logsink.Sink
	metrics *metrics.Registry

	secret    []byte
	modelsTTL time.Duration
	log       *slog.Logger
	now       func() time.Time
}

// NewGateway wires the public surface. secret is the admin backdoor token;
// it also authenticates on the public routes.
func NewGateway(
	reg *providers.Registry,
	dispatcher *Dispatcher,
	upstream *Upstream,
	st *store.Store,
	tuning *Tuning,
	secret string,
	opts GatewayOptions,
) *Gateway {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	ttl := opts.ModelsCacheTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Gateway{
		reg:        reg,
		dispatcher: dispatcher,
		upstream:   upstream,
		store:      st,
		tuning:     tuning,
		limiter:    opts.Limiter,
		cache:      opts.Cache,
		sink:       opts.Sink,
		metrics:    opts.Metrics,
		secret:     []byte(secret),
		modelsTTL:  ttl,
		log:        log,
		now:        time.Now,
	}
}

// identity is the authenticated caller of a public route.
type identity struct {
	// keyID is empty for the backdoor secret.
	keyID string
	// limitKey partitions the rate limiter: the key hash for API keys, the
	// client IP for the backdoor.
	limitKey string
}

// authenticate validates the bearer token against the backdoor secret and
// the stored key hashes. Key usage is stamped asynchronously.
func (g *Gateway) authenticate(ctx *fasthttp.RequestCtx) (identity, bool) {
	token := parseBearerToken(string(ctx.Request.Header.Peek("Authorization")))
	if token == "" {
		return identity{}, false
	}

	if len(g.secret) > 0 && subtle.ConstantTimeCompare([]byte(token), g.secret) == 1 {
		return identity{limitKey: "ip:" + ctx.RemoteIP().String()}, true
	}

	sum := sha256.Sum256([]byte(token))
	hash := hex.EncodeToString(sum[:])
	k, err := g.store.KeyByHash(ctx, hash)
	if err != nil {
		return identity{}, false
	}

	ts := g.now().UnixMilli()
	go func() {
		touchCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := g.store.TouchKeyUsed(touchCtx, k.ID, ts); err != nil {
			g.log.Warn("touch key failed", slog.String("error", err.Error()))
		}
	}()

	return identity{keyID: k.ID, limitKey: "key:" + hash}, true
}

func parseBearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// admit runs the sliding-window limiter and writes the X-RateLimit headers.
// Returns false when the request was rejected (response already written).
// A broken limiter backend fails open.
func (g *Gateway) admit(ctx *fasthttp.RequestCtx, id identity) bool {
	if g.limiter == nil {
		return true
	}

	res := g.limiter.Allow(ctx, id.limitKey)
	h := &ctx.Response.Header
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", strconv.Itoa(res.ResetSeconds))

	if res.Allowed {
		if g.metrics != nil {
			g.metrics.RecordRateLimit("allowed")
		}
		return true
	}
	if g.metrics != nil {
		g.metrics.RecordRateLimit("blocked")
	}
	apierr.WriteRateLimit(ctx, res.RetryAfter)
	return false
}

// inboundChat is the subset of the chat-completions body the gateway reads.
// The full body is forwarded to the upstream verbatim.
type inboundChat struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

// handleChatCompletions is POST /v1/chat/completions.
func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	start := g.now()
	trace, _ := ctx.UserValue("trace_id").(string)
	model := ""
	streaming := false

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	finishHTTP := func(status int) {
		dur := g.now().Sub(start)
		if g.metrics != nil {
			g.metrics.DecInFlight()
			g.metrics.ObserveHTTP("chat_completions", status, dur)
		}
		g.logRequest(ctx, model, status, dur.Milliseconds())
	}

	id, ok := g.authenticate(ctx)
	if !ok {
		apierr.WriteUnauthorized(ctx)
		finishHTTP(fasthttp.StatusUnauthorized)
		return
	}
	if !g.admit(ctx, id) {
		finishHTTP(fasthttp.StatusTooManyRequests)
		return
	}

	var req inboundChat
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		finishHTTP(fasthttp.StatusBadRequest)
		return
	}
	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		finishHTTP(fasthttp.StatusBadRequest)
		return
	}

	canonical := g.reg.Canonical(req.Model)
	model = canonical
	if canonical == "" || len(g.reg.ProvidersFor(canonical)) == 0 {
		apierr.Write(ctx, fasthttp.StatusNotFound,
			fmt.Sprintf("model %q does not exist or no provider serves it", req.Model),
			apierr.TypeInvalidRequest, apierr.CodeModelNotFound)
		finishHTTP(fasthttp.StatusNotFound)
		return
	}

	g.log.Info("chat request",
		slog.String("trace", trace),
		slog.String("model", canonical),
		slog.Bool("stream", req.Stream),
	)

	body := append([]byte(nil), ctx.PostBody()...)
	res := g.dispatcher.Dispatch(ctx, canonical, body, req.Stream)

	switch res.Failure {
	case FailNone:
		// Handled below.
	case FailNoProvider:
		apierr.Write(ctx, fasthttp.StatusNotFound,
			fmt.Sprintf("model %q does not exist or no provider serves it", req.Model),
			apierr.TypeInvalidRequest, apierr.CodeModelNotFound)
		finishHTTP(fasthttp.StatusNotFound)
		return
	case FailExhausted:
		g.log.Error("all upstreams failed",
			slog.String("trace", trace),
			slog.String("model", canonical),
			slog.Int("attempts", len(res.Trail)),
		)
		apierr.WriteUpstreamExhausted(ctx, res.Trail)
		finishHTTP(fasthttp.StatusBadGateway)
		return
	case FailClientError:
		// Surface the upstream's rejection verbatim.
		ctx.SetStatusCode(res.Attempt.StatusCode)
		if res.Attempt.ContentType != "" {
			ctx.SetContentType(res.Attempt.ContentType)
		}
		ctx.SetBody(res.Attempt.Body)
		finishHTTP(res.Attempt.StatusCode)
		return
	default: // FailCanceled
		finishHTTP(fasthttp.StatusRequestTimeout)
		return
	}

	g.setDispatchHeaders(ctx, trace, canonical, res)

	if res.Attempt.Stream != nil {
		streaming = true
		g.streamResponse(ctx, trace, canonical, res, start)
	}
	if streaming {
		return
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	if res.Attempt.ContentType != "" {
		ctx.SetContentType(res.Attempt.ContentType)
	} else {
		ctx.SetContentType("application/json")
	}
	ctx.SetBody(res.Attempt.Body)
	ctx.Response.Header.Set("X-Hermes-Latency", strconv.FormatInt(res.Attempt.DurationMs, 10))
	finishHTTP(fasthttp.StatusOK)
}

// streamResponse pipes the open upstream body through fasthttp's stream
// writer. Scorer and breaker settle on the time-to-last-byte once the stream
// drains; a client that walks away mid-stream settles nothing.
func (g *Gateway) streamResponse(ctx *fasthttp.RequestCtx, trace, model string, res *Result, start time.Time) {
	ctx.SetStatusCode(fasthttp.StatusOK)
	if res.Attempt.ContentType != "" {
		ctx.SetContentType(res.Attempt.ContentType)
	} else {
		ctx.SetContentType("text/event-stream")
	}
	ctx.Response.Header.Set("Cache-Control", "no-cache")

	method := string(ctx.Method())
	path := string(ctx.Path())
	clientIP := ctx.RemoteIP().String()

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { _ = recover() }()

		totalMs, serr := g.upstream.CopyStream(w, w.Flush, res.Attempt)
		res.FinishStream(totalMs, serr)

		dur := g.now().Sub(start)
		if g.metrics != nil {
			g.metrics.DecInFlight()
			g.metrics.ObserveHTTP("chat_completions", fasthttp.StatusOK, dur)
		}
		if g.sink != nil {
			g.sink.LogRequest(store.RequestLog{
				Method:     method,
				Path:       path,
				Model:      model,
				Status:     fasthttp.StatusOK,
				DurationMs: dur.Milliseconds(),
				ClientIP:   clientIP,
			})
		}

		if serr != nil {
			g.log.Warn("stream broken",
				slog.String("trace", trace),
				slog.String("provider", res.Provider.Name),
				slog.Bool("downstream", serr.Downstream),
				slog.String("error", serr.Err.Error()),
			)
		}
	})
}

func (g *Gateway) setDispatchHeaders(ctx *fasthttp.RequestCtx, trace, model string, res *Result) {
	h := &ctx.Response.Header
	h.Set("X-Hermes-Provider", res.Provider.ID)
	h.Set("X-Hermes-Score", strconv.FormatFloat(res.Score, 'f', 4, 64))
	h.Set("X-Hermes-Model", model)
	h.Set("X-Hermes-Trace", trace)
}

// modelEntry is one element of the OpenAI GET /v1/models list.
type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

// handleModels is GET /v1/models. The rendered payload is cached keyed on
// the provider snapshot hash, so any provider or model change produces a
// fresh entry and stale ones age out by TTL.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	start := g.now()
	status := fasthttp.StatusOK
	defer func() {
		if g.metrics != nil {
			g.metrics.ObserveHTTP("models", status, g.now().Sub(start))
		}
	}()

	id, ok := g.authenticate(ctx)
	if !ok {
		status = fasthttp.StatusUnauthorized
		apierr.WriteUnauthorized(ctx)
		return
	}
	if !g.admit(ctx, id) {
		status = fasthttp.StatusTooManyRequests
		return
	}

	snap := g.reg.Snapshot()
	cacheKey := "models:" + snap.Hash()

	if g.cache != nil {
		if body, ok := g.cache.Get(ctx, cacheKey); ok {
			ctx.Response.Header.Set("X-Cache", "HIT")
			ctx.SetContentType("application/json")
			ctx.SetBody(body)
			return
		}
	}

	created := g.now().Unix()
	models := snap.Models()
	list := modelList{Object: "list", Data: make([]modelEntry, 0, len(models))}
	for _, m := range models {
		list.Data = append(list.Data, modelEntry{
			ID:      m,
			Object:  "model",
			Created: created,
			OwnedBy: snap.OwnerOf(m),
		})
	}

	body, err := json.Marshal(list)
	if err != nil {
		status = fasthttp.StatusInternalServerError
		apierr.Write(ctx, status, "failed to serialize response",
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	if g.cache != nil {
		if err := g.cache.Set(ctx, cacheKey, body, g.modelsTTL); err != nil {
			g.log.Warn("models cache set failed", slog.String("error", err.Error()))
		}
	}

	ctx.Response.Header.Set("X-Cache", "MISS")
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// logRequest enqueues one audit row on the async sink. Never blocks.
func (g *Gateway) logRequest(ctx *fasthttp.RequestCtx, model string, status int, durationMs int64) {
	if g.sink == nil {
		return
	}
	g.sink.LogRequest(store.RequestLog{
		Method:     string(ctx.Method()),
		Path:       string(ctx.Path()),
		Model:      model,
		Status:     status,
		DurationMs: durationMs,
		ClientIP:   ctx.RemoteIP().String(),
	})
}

// newTraceID returns the short per-request id carried in logs and the
// X-Hermes-Trace header.
func newTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
