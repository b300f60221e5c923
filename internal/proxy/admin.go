package proxy

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/hermes/internal/cache"
	"github.com/nulpointcorp/hermes/internal/logsink"
	"github.com/nulpointcorp/hermes/internal/providers"
	"github.com/nulpointcorp/hermes/internal/store"
	"github.com/nulpointcorp/hermes/pkg/apierr"
)

// Admin implements the management API: provider CRUD and re-sync, key
// management, logs, counters, settings, breaker inspection, and cache
// control. Authentication accepts the backdoor secret or any gateway key.
type Admin struct {
	reg     *providers.Registry
	syncer  *providers.Syncer
	breaker *CircuitBreaker
	scorer  *Scorer
	store   *store.Store
	cache   cache.Cache
	tuning  *Tuning
	sink    *logsink.Sink

	secret []byte
	log    *slog.Logger
	now    func() time.Time
}

// NewAdmin wires the management surface. cache and sink may be nil.
func NewAdmin(
	reg *providers.Registry,
	syncer *providers.Syncer,
	breaker *CircuitBreaker,
	scorer *Scorer,
	st *store.Store,
	c cache.Cache,
	tuning *Tuning,
	sink *logsink.Sink,
	secret string,
	log *slog.Logger,
) *Admin {
	if log == nil {
		log = slog.Default()
	}
	return &Admin{
		reg:     reg,
		syncer:  syncer,
		breaker: breaker,
		scorer:  scorer,
		store:   st,
		cache:   c,
		tuning:  tuning,
		sink:    sink,
		secret:  []byte(secret),
		log:     log,
		now:     time.Now,
	}
}

// authorize guards every admin route.
func (a *Admin) authorize(ctx *fasthttp.RequestCtx) bool {
	token := parseBearerToken(string(ctx.Request.Header.Peek("Authorization")))
	if token == "" {
		apierr.WriteUnauthorized(ctx)
		return false
	}
	if len(a.secret) > 0 && subtle.ConstantTimeCompare([]byte(token), a.secret) == 1 {
		return true
	}
	sum := sha256.Sum256([]byte(token))
	if _, err := a.store.KeyByHash(ctx, hex.EncodeToString(sum[:])); err == nil {
		return true
	}
	apierr.WriteUnauthorized(ctx)
	return false
}

// guard wraps a handler with admin authentication.
func (a *Admin) guard(h fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if !a.authorize(ctx) {
			return
		}
		h(ctx)
	}
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func writeStoreErr(ctx *fasthttp.RequestCtx, err error) {
	switch {
	case errors.Is(err, store.ErrProviderNotFound):
		apierr.Write(ctx, fasthttp.StatusNotFound, "provider not found",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
	case errors.Is(err, store.ErrKeyNotFound):
		apierr.Write(ctx, fasthttp.StatusNotFound, "key not found",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
	default:
		apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(),
			apierr.TypeServerError, apierr.CodeInternalError)
	}
}

// redact hides the stored API key on read endpoints. Export keeps it.
func redact(p store.Provider) store.Provider {
	if p.APIKey != "" {
		p.APIKey = "••••" + tail(p.APIKey, 4)
	}
	return p
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// ── Providers ────────────────────────────────────────────────────────────────

func (a *Admin) handleProvidersList(ctx *fasthttp.RequestCtx) {
	provs := a.reg.Providers()
	out := make([]store.Provider, 0, len(provs))
	for _, p := range provs {
		out = append(out, redact(p))
	}
	writeJSON(ctx, fasthttp.StatusOK, out)
}

func (a *Admin) handleProvidersCreate(ctx *fasthttp.RequestCtx) {
	var in providers.CreateInput
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	p, err := a.reg.Create(ctx, in)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusUnprocessableEntity, err.Error(),
			apierr.TypeInvalidRequest, apierr.CodeValidationFailed)
		return
	}
	// First sync immediately so the provider goes active without waiting for
	// the periodic pass.
	go func() {
		syncCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.syncer.Sync(syncCtx, p.ID, false); err != nil {
			a.log.Warn("initial sync failed",
				slog.String("provider", p.ID),
				slog.String("error", err.Error()),
			)
		}
	}()
	writeJSON(ctx, fasthttp.StatusCreated, redact(p))
}

func (a *Admin) handleProvidersGet(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	p, ok := a.reg.Provider(id)
	if !ok {
		writeStoreErr(ctx, store.ErrProviderNotFound)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, redact(p))
}

func (a *Admin) handleProvidersPatch(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	var in providers.UpdateInput
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	p, err := a.reg.Update(ctx, id, in)
	if err != nil {
		if errors.Is(err, store.ErrProviderNotFound) {
			writeStoreErr(ctx, err)
			return
		}
		apierr.Write(ctx, fasthttp.StatusUnprocessableEntity, err.Error(),
			apierr.TypeInvalidRequest, apierr.CodeValidationFailed)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, redact(p))
}

func (a *Admin) handleProvidersDelete(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	if err := a.reg.Delete(ctx, id); err != nil {
		writeStoreErr(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "deleted", "id": id})
}

func (a *Admin) handleProvidersResync(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	if _, ok := a.reg.Provider(id); !ok {
		writeStoreErr(ctx, store.ErrProviderNotFound)
		return
	}
	verify := string(ctx.QueryArgs().Peek("verify")) == "true"

	if err := a.syncer.Sync(ctx, id, verify); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadGateway, err.Error(),
			apierr.TypeProviderError, apierr.CodeProviderError)
		return
	}
	p, _ := a.reg.Provider(id)
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"status":   "synced",
		"id":       id,
		"models":   len(p.Models),
		"verified": verify,
	})
}

// exportRecord is the portable provider shape. API keys are included: the
// export exists to move a fleet between instances.
type exportRecord struct {
	Name           string   `json:"name"`
	BaseURL        string   `json:"baseUrl"`
	APIKey         string   `json:"apiKey"`
	Models         []string `json:"models"`
	ModelBlacklist []string `json:"modelBlacklist"`
}

func (a *Admin) handleProvidersExport(ctx *fasthttp.RequestCtx) {
	provs := a.reg.Providers()
	out := make([]exportRecord, 0, len(provs))
	for _, p := range provs {
		out = append(out, exportRecord{
			Name:           p.Name,
			BaseURL:        p.BaseURL,
			APIKey:         p.APIKey,
			Models:         p.Models,
			ModelBlacklist: p.ModelBlacklist,
		})
	}
	ctx.Response.Header.Set("Content-Disposition", `attachment; filename="providers.json"`)
	writeJSON(ctx, fasthttp.StatusOK, out)
}

func (a *Admin) handleProvidersImport(ctx *fasthttp.RequestCtx) {
	var records []exportRecord
	if err := json.Unmarshal(ctx.PostBody(), &records); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	byName := make(map[string]store.Provider)
	for _, p := range a.reg.Providers() {
		byName[p.Name] = p
	}

	created, updated, skipped := 0, 0, 0
	for _, rec := range records {
		in := providers.CreateInput{
			Name:           rec.Name,
			BaseURL:        rec.BaseURL,
			APIKey:         rec.APIKey,
			Models:         rec.Models,
			ModelBlacklist: rec.ModelBlacklist,
		}
		if err := in.Validate(); err != nil {
			skipped++
			continue
		}

		if existing, ok := byName[rec.Name]; ok {
			_, err := a.reg.Update(ctx, existing.ID, providers.UpdateInput{
				BaseURL:        &rec.BaseURL,
				APIKey:         &rec.APIKey,
				Models:         &rec.Models,
				ModelBlacklist: &rec.ModelBlacklist,
			})
			if err != nil {
				skipped++
				continue
			}
			updated++
			continue
		}

		if _, err := a.reg.Create(ctx, in); err != nil {
			skipped++
			continue
		}
		created++
	}

	writeJSON(ctx, fasthttp.StatusOK, map[string]int{
		"created": created,
		"updated": updated,
		"skipped": skipped,
	})
}

// ── Logs & counters ──────────────────────────────────────────────────────────

func (a *Admin) handleRequestLogs(ctx *fasthttp.RequestCtx) {
	limit, _ := strconv.Atoi(string(ctx.QueryArgs().Peek("limit")))
	since, _ := strconv.ParseInt(string(ctx.QueryArgs().Peek("since")), 10, 64)
	logs, err := a.store.RequestLogs(ctx, limit, since)
	if err != nil {
		writeStoreErr(ctx, err)
		return
	}
	if logs == nil {
		logs = []store.RequestLog{}
	}
	writeJSON(ctx, fasthttp.StatusOK, logs)
}

func (a *Admin) handleSyncLogs(ctx *fasthttp.RequestCtx) {
	limit, _ := strconv.Atoi(string(ctx.QueryArgs().Peek("limit")))
	providerID := string(ctx.QueryArgs().Peek("providerId"))
	logs, err := a.store.SyncLogs(ctx, providerID, limit)
	if err != nil {
		writeStoreErr(ctx, err)
		return
	}
	if logs == nil {
		logs = []store.SyncLog{}
	}
	writeJSON(ctx, fasthttp.StatusOK, logs)
}

func (a *Admin) handleMetrics(ctx *fasthttp.RequestCtx) {
	counters, err := a.store.Counters(ctx)
	if err != nil {
		writeStoreErr(ctx, err)
		return
	}
	models, err := a.store.ModelCounts(ctx)
	if err != nil {
		writeStoreErr(ctx, err)
		return
	}
	provs, err := a.store.ProviderCounts(ctx)
	if err != nil {
		writeStoreErr(ctx, err)
		return
	}

	type providerMetric struct {
		Name   string `json:"name"`
		Count  int64  `json:"count"`
		Errors int64  `json:"errors"`
	}
	byProvider := make(map[string]providerMetric, len(provs))
	for id, d := range provs {
		byProvider[id] = providerMetric{Name: d.Name, Count: d.Count, Errors: d.Errors}
	}

	out := map[string]any{
		"totalRequests":  counters[logsink.CounterTotalRequests],
		"upstreamErrors": counters[logsink.CounterUpstreamErrors],
		"models":         models,
		"providers":      byProvider,
		"sinkDropped":    int64(0),
	}
	if a.sink != nil {
		out["sinkDropped"] = a.sink.Dropped()
	}
	writeJSON(ctx, fasthttp.StatusOK, out)
}

// ── Keys ─────────────────────────────────────────────────────────────────────

func (a *Admin) handleKeysList(ctx *fasthttp.RequestCtx) {
	keys, err := a.store.Keys(ctx)
	if err != nil {
		writeStoreErr(ctx, err)
		return
	}
	if keys == nil {
		keys = []store.Key{}
	}
	writeJSON(ctx, fasthttp.StatusOK, keys)
}

// handleKeysCreate registers a key whose plaintext the caller already owns:
// only the hash crosses the wire.
func (a *Admin) handleKeysCreate(ctx *fasthttp.RequestCtx) {
	var in struct {
		KeyHash     string `json:"keyHash"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if len(in.KeyHash) != 64 {
		apierr.Write(ctx, fasthttp.StatusUnprocessableEntity,
			"keyHash must be a 64-char SHA-256 hex digest",
			apierr.TypeInvalidRequest, apierr.CodeValidationFailed)
		return
	}

	k := store.Key{
		ID:          uuid.NewString(),
		KeyHash:     in.KeyHash,
		Description: in.Description,
		CreatedAt:   a.now().UnixMilli(),
	}
	if err := a.store.InsertKey(ctx, k); err != nil {
		writeStoreErr(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusCreated, k)
}

// handleKeysGenerate mints a fresh gateway key. The plaintext is returned
// exactly once; only its hash is stored.
func (a *Admin) handleKeysGenerate(ctx *fasthttp.RequestCtx) {
	var in struct {
		Description string `json:"description"`
	}
	if len(ctx.PostBody()) > 0 {
		if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				fmt.Sprintf("invalid JSON: %s", err.Error()),
				apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
	}

	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "entropy unavailable",
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	plaintext := "hermes-" + hex.EncodeToString(raw)
	sum := sha256.Sum256([]byte(plaintext))

	k := store.Key{
		ID:          uuid.NewString(),
		KeyHash:     hex.EncodeToString(sum[:]),
		Description: in.Description,
		CreatedAt:   a.now().UnixMilli(),
	}
	if err := a.store.InsertKey(ctx, k); err != nil {
		writeStoreErr(ctx, err)
		return
	}

	writeJSON(ctx, fasthttp.StatusCreated, map[string]any{
		"id":          k.ID,
		"key":         plaintext,
		"description": k.Description,
		"createdAt":   k.CreatedAt,
	})
}

func (a *Admin) handleKeysDelete(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	if err := a.store.DeleteKey(ctx, id); err != nil {
		writeStoreErr(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "deleted", "id": id})
}

// ── Settings ─────────────────────────────────────────────────────────────────

// settableKeys are the runtime-tunable settings accepted by POST.
var settableKeys = map[string]bool{
	store.SettingSyncIntervalHours: true,
	store.SettingChatMaxRetries:    true,
	store.SettingInitialPenaltyMs:  true,
	store.SettingMaxPenaltyMs:      true,
	store.SettingResyncThreshold:   true,
	store.SettingResyncCooldownMs:  true,
	store.SettingRateLimitMax:      true,
	store.SettingRateLimitWindow:   true,
}

func (a *Admin) handleSettingsGet(ctx *fasthttp.RequestCtx) {
	settings, err := a.store.AllSettings(ctx)
	if err != nil {
		writeStoreErr(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, settings)
}

func (a *Admin) handleSettingsPost(ctx *fasthttp.RequestCtx) {
	var in map[string]string
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	for key, value := range in {
		if !settableKeys[key] {
			apierr.Write(ctx, fasthttp.StatusUnprocessableEntity,
				fmt.Sprintf("unknown setting %q", key),
				apierr.TypeInvalidRequest, apierr.CodeValidationFailed)
			return
		}
		if n, err := strconv.ParseInt(value, 10, 64); err != nil || n < 0 {
			apierr.Write(ctx, fasthttp.StatusUnprocessableEntity,
				fmt.Sprintf("setting %q must be a non-negative integer", key),
				apierr.TypeInvalidRequest, apierr.CodeValidationFailed)
			return
		}
	}
	for key, value := range in {
		if err := a.store.SetSetting(ctx, key, value); err != nil {
			writeStoreErr(ctx, err)
			return
		}
	}
	a.tuning.Invalidate()

	settings, err := a.store.AllSettings(ctx)
	if err != nil {
		writeStoreErr(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, settings)
}

// ── Circuit breaker ──────────────────────────────────────────────────────────

func (a *Admin) handleBreakerGet(ctx *fasthttp.RequestCtx) {
	type entry struct {
		Name string `json:"name"`
		BreakerSnapshot
		Score float64 `json:"score"`
	}
	out := make(map[string]entry)
	for _, p := range a.reg.Providers() {
		out[p.ID] = entry{
			Name:            p.Name,
			BreakerSnapshot: a.breaker.Snapshot(p.ID),
			Score:           a.scorer.Score(p.ID),
		}
	}
	writeJSON(ctx, fasthttp.StatusOK, out)
}

func (a *Admin) handleBreakerReset(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("providerId").(string)
	if _, ok := a.reg.Provider(id); !ok {
		writeStoreErr(ctx, store.ErrProviderNotFound)
		return
	}
	a.breaker.Reset(id)
	a.log.Info("breaker reset", slog.String("provider", id))
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"status": "reset",
		"id":     id,
		"state":  a.breaker.Snapshot(id),
	})
}

// ── Cache ────────────────────────────────────────────────────────────────────

func (a *Admin) handleCacheInvalidate(ctx *fasthttp.RequestCtx) {
	if a.cache != nil {
		if err := a.cache.Clear(ctx); err != nil {
			apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(),
				apierr.TypeServerError, apierr.CodeInternalError)
			return
		}
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "invalidated"})
}

func (a *Admin) handleCacheStats(ctx *fasthttp.RequestCtx) {
	if a.cache == nil {
		writeJSON(ctx, fasthttp.StatusOK, cache.Stats{})
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, a.cache.Stats())
}
