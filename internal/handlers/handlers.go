package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"radiochat/internal/auth"
	"radiochat/internal/chat"
	"radiochat/internal/moderation"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Error codes returned in JSON error bodies.
const (
	CodeNotAuthenticated        = "NOT_AUTHENTICATED"
	CodeInsufficientPermissions = "INSUFFICIENT_PERMISSIONS"
	CodeInvalidRequest          = "INVALID_REQUEST"
	CodeNotFound                = "NOT_FOUND"
	CodeInternalError           = "INTERNAL_ERROR"
)

// Config holds handler configuration options
type Config struct {
	// AllowedOrigins lists the Origin values accepted on websocket upgrades.
	// "*" accepts any origin.
	AllowedOrigins []string

	// Conn is applied to every accepted websocket connection.
	Conn chat.ConnConfig

	// Title is shown on the chat page.
	Title string

	// RequireToken makes the chat page ask for a session token.
	RequireToken bool
}

// Handler contains all HTTP handler methods and their dependencies.
type Handler struct {
	// ctx is the server lifetime; websocket connections outlive the
	// upgrade request and are closed when it is cancelled.
	ctx context.Context

	registry *chat.Registry
	hub      *chat.Hub
	router   *chat.Router
	gate     *moderation.Gate
	resolver moderation.PermissionResolver
	sessions *auth.Manager

	upgrader websocket.Upgrader
	config   Config

	// conns tracks upgraded connections still being served.
	conns sync.WaitGroup
}

// Deps are the collaborators a Handler serves.
type Deps struct {
	Registry *chat.Registry
	Hub      *chat.Hub
	Router   *chat.Router
	Gate     *moderation.Gate
	Resolver moderation.PermissionResolver
	Sessions *auth.Manager
}

// NewHandler creates a new Handler with all required dependencies.
func NewHandler(ctx context.Context, deps Deps, config Config) *Handler {
	policy := chat.NewOriginPolicy(config.AllowedOrigins)
	return &Handler{
		ctx:      ctx,
		registry: deps.Registry,
		hub:      deps.Hub,
		router:   deps.Router,
		gate:     deps.Gate,
		resolver: deps.Resolver,
		sessions: deps.Sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     policy.Check,
		},
		config: config,
	}
}

// errorResponse is the JSON body of every failed API call.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, v any, entityName string) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode " + entityName + " response")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: message, Code: code})
}

// requireCapability authenticates the bearer token and resolves the caller's
// current role. It writes the error response and returns nil when the caller
// may not proceed.
func (h *Handler) requireCapability(w http.ResponseWriter, r *http.Request, c moderation.Capability) *moderation.Principal {
	token := auth.BearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, CodeNotAuthenticated, "Authentication required")
		return nil
	}

	username, err := h.sessions.Verify(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, CodeNotAuthenticated, "Invalid or expired session token")
			return nil
		}
		log.Error().Err(err).Msg("Failed to verify session token")
		writeError(w, http.StatusInternalServerError, CodeInternalError, "Internal server error")
		return nil
	}

	p, err := h.resolver.ResolveByUsername(r.Context(), username)
	if err != nil && !errors.Is(err, moderation.ErrPrincipalNotFound) {
		log.Error().Err(err).Str("username", username).Msg("Failed to resolve principal")
		writeError(w, http.StatusInternalServerError, CodeInternalError, "Internal server error")
		return nil
	}

	if !p.HasCapability(c) {
		log.Warn().
			Str("username", username).
			Str("capability", string(c)).
			Str("endpoint", r.URL.Path).
			Msg("Denied: insufficient permissions")
		writeError(w, http.StatusForbidden, CodeInsufficientPermissions, "Permission denied")
		return nil
	}
	return p
}

// HandleHealth handles GET /healthz
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok"))
}
