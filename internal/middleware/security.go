package middleware

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

type contextKey string

const cspNonceKey contextKey = "csp_nonce"

// maxBodySize bounds admin request bodies.
const maxBodySize = 64 << 10

// generateNonce returns 16 random bytes, base64 encoded.
func generateNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// CSPNonceFromContext returns the nonce set by SecurityHeadersMiddleware.
func CSPNonceFromContext(ctx context.Context) string {
	nonce, _ := ctx.Value(cspNonceKey).(string)
	return nonce
}

// SecurityHeadersMiddleware sets the standard security headers and a
// per-request CSP nonce for inline scripts.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nonce, err := generateNonce()
		if err != nil {
			log.Error().Err(err).Msg("Failed to generate CSP nonce")
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		h := w.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		h.Set("Content-Security-Policy", strings.Join([]string{
			"default-src 'self'",
			"script-src 'self' 'nonce-" + nonce + "'",
			"style-src 'self' 'unsafe-inline'",
			"connect-src 'self' ws: wss:",
			"frame-ancestors 'none'",
		}, "; "))

		ctx := context.WithValue(r.Context(), cspNonceKey, nonce)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LimitBodyMiddleware caps request bodies at maxBodySize.
func LimitBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimiter hands out one token bucket per client IP.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	window   time.Duration
	idle     time.Duration
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows requests per window for each IP, refilling evenly.
func NewRateLimiter(requests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(float64(requests) / window.Seconds()),
		burst:    requests,
		window:   window,
		idle:     2 * window,
	}
}

// Allow consumes one token for ip.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// Cleanup forgets visitors idle since before now minus the idle period.
func (rl *RateLimiter) Cleanup(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	n := 0
	for ip, v := range rl.visitors {
		if now.Sub(v.lastSeen) > rl.idle {
			delete(rl.visitors, ip)
			n++
		}
	}
	return n
}

// retryAfter is the Retry-After header value in seconds.
func (rl *RateLimiter) retryAfter() string {
	return strconv.Itoa(int(rl.window.Seconds()))
}

// RateLimitConfig selects a limiter per route class.
type RateLimitConfig struct {
	AdminLimiter  *RateLimiter
	GlobalLimiter *RateLimiter
}

// NewDefaultRateLimitConfig returns the production limits.
func NewDefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		AdminLimiter:  NewRateLimiter(30, time.Minute),
		GlobalLimiter: NewRateLimiter(300, time.Minute),
	}
}

// StartCleanup drops idle visitors until ctx is cancelled.
func (c *RateLimitConfig) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				c.AdminLimiter.Cleanup(now)
				c.GlobalLimiter.Cleanup(now)
			}
		}
	}()
}

// RateLimitMiddleware rejects clients that exceed their limiter with 429.
// Health and metrics probes are exempt.
func RateLimitMiddleware(config *RateLimitConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if path == "/healthz" || path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			limiter := config.GlobalLimiter
			if strings.HasPrefix(path, "/admin/") || strings.HasPrefix(path, "/api/") {
				limiter = config.AdminLimiter
			}

			ip := GetClientIP(r)
			if !limiter.Allow(ip) {
				log.Warn().Str("client_ip", ip).Str("path", path).Msg("Rate limit exceeded")
				w.Header().Set("Retry-After", limiter.retryAfter())
				http.Error(w, "Too many requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
