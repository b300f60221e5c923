package proxy

import (
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// Server owns the fasthttp listener and the route table.
type Server struct {
	srv *fasthttp.Server
}

// NewServer builds the HTTP surface: public OpenAI-compatible routes, the
// admin API, health, and the optional Prometheus exposition handler.
func NewServer(gw *Gateway, admin *Admin, metricsHandler fasthttp.RequestHandler, corsOrigins []string) *Server {
	r := router.New()

	// Public surface.
	r.POST("/v1/chat/completions", gw.handleChatCompletions)
	r.GET("/v1/models", gw.handleModels)
	r.GET("/health", gw.handleHealth)
	if metricsHandler != nil {
		r.GET("/metrics", metricsHandler)
	}

	// Management surface.
	r.GET("/admin/providers", admin.guard(admin.handleProvidersList))
	r.POST("/admin/providers", admin.guard(admin.handleProvidersCreate))
	r.GET("/admin/providers/export", admin.guard(admin.handleProvidersExport))
	r.POST("/admin/providers/import", admin.guard(admin.handleProvidersImport))
	r.GET("/admin/providers/{id}", admin.guard(admin.handleProvidersGet))
	r.PATCH("/admin/providers/{id}", admin.guard(admin.handleProvidersPatch))
	r.DELETE("/admin/providers/{id}", admin.guard(admin.handleProvidersDelete))
	r.POST("/admin/providers/{id}/resync", admin.guard(admin.handleProvidersResync))

	r.GET("/admin/request-logs", admin.guard(admin.handleRequestLogs))
	r.GET("/admin/sync-logs", admin.guard(admin.handleSyncLogs))
	r.GET("/admin/metrics", admin.guard(admin.handleMetrics))

	r.GET("/admin/keys", admin.guard(admin.handleKeysList))
	r.POST("/admin/keys", admin.guard(admin.handleKeysCreate))
	r.POST("/admin/keys/generate", admin.guard(admin.handleKeysGenerate))
	r.DELETE("/admin/keys/{id}", admin.guard(admin.handleKeysDelete))

	r.GET("/admin/settings", admin.guard(admin.handleSettingsGet))
	r.POST("/admin/settings", admin.guard(admin.handleSettingsPost))

	r.GET("/admin/circuit-breaker", admin.guard(admin.handleBreakerGet))
	r.POST("/admin/circuit-breaker/{providerId}/reset", admin.guard(admin.handleBreakerReset))

	r.POST("/admin/cache/invalidate", admin.guard(admin.handleCacheInvalidate))
	r.GET("/admin/cache/stats", admin.guard(admin.handleCacheStats))

	handler := applyMiddleware(r.Handler,
		recovery,
		traceID,
		timing,
		corsHandler(corsOrigins),
		securityHeaders,
	)

	return &Server{
		srv: &fasthttp.Server{
			Handler: handler,
			Name:    "hermes",
			// Long write timeout: streaming responses stay open for minutes.
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Minute,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Handler exposes the composed handler for in-process tests.
func (s *Server) Handler() fasthttp.RequestHandler {
	return s.srv.Handler
}

// ListenAndServe blocks serving addr (e.g. ":8000").
func (s *Server) ListenAndServe(addr string) error {
	return s.srv.ListenAndServe(addr)
}

// Shutdown drains in-flight requests and closes the listener.
func (s *Server) Shutdown() error {
	return s.srv.Shutdown()
}
