package routing

import (
	"net/http"

	"radiochat/internal/handlers"
	"radiochat/internal/metrics"
	"radiochat/internal/middleware"

	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Config holds the configuration needed for setting up routes
type Config struct {
	Handlers  *handlers.Handler
	Logger    zerolog.Logger
	RateLimit *middleware.RateLimitConfig
}

// SetupRouter creates and configures the HTTP router with all routes and middleware
func SetupRouter(cfg Config) http.Handler {
	h := cfg.Handlers
	mux := http.NewServeMux()

	// Probes
	mux.HandleFunc("GET /healthz", h.HandleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	// The websocket endpoint must not be compressed: gzhttp's writer cannot
	// be hijacked.
	mux.HandleFunc("GET /ws", h.HandleWebSocket)

	// Chat page
	mux.Handle("GET /{$}", gzhttp.GzipHandler(http.HandlerFunc(h.HandleChatPage)))

	// Admin API (bearer token authenticated)
	mux.Handle("GET /api/stats", gzhttp.GzipHandler(http.HandlerFunc(h.HandleStats)))
	mux.Handle("GET /admin/blocked-users", gzhttp.GzipHandler(http.HandlerFunc(h.HandleBlockedUsers)))
	mux.Handle("GET /admin/block-history", gzhttp.GzipHandler(http.HandlerFunc(h.HandleBlockHistory)))
	mux.HandleFunc("POST /admin/block", h.HandleBlock)
	mux.HandleFunc("POST /admin/unblock", h.HandleUnblock)
	mux.HandleFunc("POST /admin/blocks/cleanup", h.HandleBlockCleanup)
	mux.HandleFunc("POST /admin/tokens", h.HandleIssueToken)

	// Apply middleware in order (outermost first, innermost last)
	var handler http.Handler = mux

	// 1. Trace every request except the probes
	handler = otelhttp.NewHandler(handler, "radiochat",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/healthz" && r.URL.Path != "/metrics"
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + metrics.NormalizePath(r.URL.Path)
		}),
	)

	// 2. Limit request body size
	handler = middleware.LimitBodyMiddleware(handler)

	// 3. Apply rate limiting
	rateLimitConfig := cfg.RateLimit
	if rateLimitConfig == nil {
		rateLimitConfig = middleware.NewDefaultRateLimitConfig()
	}
	handler = middleware.RateLimitMiddleware(rateLimitConfig)(handler)

	// 4. Apply security headers
	handler = middleware.SecurityHeadersMiddleware(handler)

	// 5. Apply logging middleware (outermost - wraps everything)
	handler = middleware.LoggingMiddleware(cfg.Logger)(handler)

	return handler
}
