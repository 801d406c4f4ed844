package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "radiochat_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "radiochat_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"method", "path"})
)

// Chat metrics
var (
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "radiochat_connected_clients",
		Help: "Number of identified clients in the registry",
	})

	WebSocketConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "radiochat_websocket_connections_total",
		Help: "Total number of accepted websocket upgrades",
	})

	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "radiochat_frames_total",
		Help: "Total number of inbound frames by type and outcome",
	}, []string{"type", "outcome"})

	SendFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "radiochat_send_failures_total",
		Help: "Total number of outbound sends that could not be queued",
	}, []string{"reason"})

	EvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "radiochat_evictions_total",
		Help: "Total number of connections removed by the server",
	}, []string{"reason"})
)

// Moderation metrics
var (
	BlockedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "radiochat_blocked_clients",
		Help: "Number of client ids with an active block",
	})

	ModerationActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "radiochat_moderation_actions_total",
		Help: "Total number of moderation commands by action and outcome",
	}, []string{"action", "outcome"})

	StoreOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "radiochat_store_operation_duration_seconds",
		Help:    "Block store operation duration in seconds",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
	}, []string{"backend", "op"})
)

// NormalizePath keeps the path label space bounded. Known routes are kept
// as-is; everything else collapses into one label.
func NormalizePath(path string) string {
	switch path {
	case "/", "/ws", "/healthz", "/metrics", "/api/stats",
		"/admin/blocked-users", "/admin/block", "/admin/unblock",
		"/admin/block-history", "/admin/blocks/cleanup", "/admin/tokens":
		return path
	}
	if strings.HasPrefix(path, "/static/") {
		return "/static/*"
	}
	return "/other"
}
