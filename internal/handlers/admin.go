package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"radiochat/internal/chat"
	"radiochat/internal/metrics"
	"radiochat/internal/moderation"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog/log"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
	defaultCleanupDays  = 30
	maxCleanupDays      = 36500
)

// StatsResponse is returned by GET /api/stats.
type StatsResponse struct {
	ConnectedClients int `json:"connectedClients"`
	BlockedClients   int `json:"blockedClients"`
	TotalClients     int `json:"totalClients"`

	// Lifetime counters since process start.
	WebSocketConnections int `json:"websocketConnections"`
	MessagesRelayed      int `json:"messagesRelayed"`
}

// HandleStats handles GET /api/stats
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if h.requireCapability(w, r, moderation.CapabilityAdminPanel) == nil {
		return
	}

	connected := h.registry.Count()
	blocked := h.gate.Count()
	writeJSON(w, StatsResponse{
		ConnectedClients:     connected,
		BlockedClients:       blocked,
		TotalClients:         connected + blocked,
		WebSocketConnections: int(getCounterValue(metrics.WebSocketConnectionsTotal)),
		MessagesRelayed:      int(getCounterValue(metrics.FramesTotal.WithLabelValues(chat.TypeChat, "accepted"))),
	}, "stats")
}

// getCounterValue reads the current value of a prometheus.Counter.
func getCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	if m.Counter != nil {
		return m.GetCounter().GetValue()
	}
	return 0
}

// BlockedUsersResponse is returned by GET /admin/blocked-users.
type BlockedUsersResponse struct {
	BlockedClientIDs []string                 `json:"blockedClientIds"`
	BlockedClients   []moderation.BlockRecord `json:"blockedClients"`
}

// HandleBlockedUsers handles GET /admin/blocked-users
func (h *Handler) HandleBlockedUsers(w http.ResponseWriter, r *http.Request) {
	if h.requireCapability(w, r, moderation.CapabilityChatModerate) == nil {
		return
	}

	records, err := h.gate.ActiveRecords(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list blocked clients")
		writeError(w, http.StatusInternalServerError, CodeInternalError, "Failed to list blocked clients")
		return
	}

	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.ClientID)
	}
	if records == nil {
		records = []moderation.BlockRecord{}
	}

	writeJSON(w, BlockedUsersResponse{BlockedClientIDs: ids, BlockedClients: records}, "blocked users")
}

// blockRequest is the body of POST /admin/block and POST /admin/unblock.
type blockRequest struct {
	ClientID string `json:"clientId"`
	Reason   string `json:"reason,omitempty"`
}

// actionResponse is returned by successful moderation actions.
type actionResponse struct {
	Success bool                    `json:"success"`
	Message string                  `json:"message"`
	Evicted bool                    `json:"evicted,omitempty"`
	Record  *moderation.BlockRecord `json:"record,omitempty"`
}

func decodeBlockRequest(w http.ResponseWriter, r *http.Request) (blockRequest, bool) {
	var req blockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid request body")
		return req, false
	}
	req.ClientID = strings.TrimSpace(req.ClientID)
	if req.ClientID == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "clientId is required")
		return req, false
	}
	return req, true
}

// HandleBlock handles POST /admin/block
func (h *Handler) HandleBlock(w http.ResponseWriter, r *http.Request) {
	p := h.requireCapability(w, r, moderation.CapabilityChatModerate)
	if p == nil {
		return
	}

	req, ok := decodeBlockRequest(w, r)
	if !ok {
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = chat.DefaultBlockReason
	}

	res, err := h.gate.ApplyBlock(r.Context(), p, req.ClientID, reason)
	if err != nil {
		h.writeModerationError(w, err, req.ClientID)
		return
	}

	log.Info().
		Str("target", req.ClientID).
		Str("actor", p.Username).
		Bool("evicted", res.Evicted).
		Msg("Client blocked via admin API")

	h.hub.BroadcastSystem(chat.NoticeUserBlocked)
	writeJSON(w, actionResponse{
		Success: true,
		Message: "Client blocked",
		Evicted: res.Evicted,
		Record:  res.Record,
	}, "block")
}

// HandleUnblock handles POST /admin/unblock
func (h *Handler) HandleUnblock(w http.ResponseWriter, r *http.Request) {
	p := h.requireCapability(w, r, moderation.CapabilityChatModerate)
	if p == nil {
		return
	}

	req, ok := decodeBlockRequest(w, r)
	if !ok {
		return
	}

	res, err := h.gate.ApplyUnblock(r.Context(), p, req.ClientID)
	if err != nil {
		h.writeModerationError(w, err, req.ClientID)
		return
	}

	if res.Outcome == moderation.OutcomeNoop {
		writeError(w, http.StatusNotFound, CodeNotFound, "Client not found or not blocked")
		return
	}

	log.Info().Str("target", req.ClientID).Str("actor", p.Username).Msg("Client unblocked via admin API")

	h.hub.BroadcastSystem(chat.NoticeUserUnblocked)
	writeJSON(w, actionResponse{Success: true, Message: "Client unblocked"}, "unblock")
}

func (h *Handler) writeModerationError(w http.ResponseWriter, err error, target string) {
	switch {
	case errors.Is(err, moderation.ErrForbidden):
		writeError(w, http.StatusForbidden, CodeInsufficientPermissions, "Permission denied")
	case errors.Is(err, moderation.ErrMissingTarget):
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "clientId is required")
	default:
		log.Error().Err(err).Str("target", target).Msg("Moderation action failed")
		writeError(w, http.StatusInternalServerError, CodeInternalError, "Moderation action failed")
	}
}

// HandleBlockHistory handles GET /admin/block-history
func (h *Handler) HandleBlockHistory(w http.ResponseWriter, r *http.Request) {
	if h.requireCapability(w, r, moderation.CapabilityChatModerate) == nil {
		return
	}

	limit, ok := queryInt(w, r, "limit", defaultHistoryLimit)
	if !ok {
		return
	}
	limit = min(limit, maxHistoryLimit)

	records, err := h.gate.History(r.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load block history")
		writeError(w, http.StatusInternalServerError, CodeInternalError, "Failed to load block history")
		return
	}
	if records == nil {
		records = []moderation.BlockRecord{}
	}

	writeJSON(w, map[string]any{"records": records, "limit": limit}, "block history")
}

// HandleBlockCleanup handles POST /admin/blocks/cleanup
func (h *Handler) HandleBlockCleanup(w http.ResponseWriter, r *http.Request) {
	p := h.requireCapability(w, r, moderation.CapabilityAdminPanel)
	if p == nil {
		return
	}

	days, ok := queryInt(w, r, "days", defaultCleanupDays)
	if !ok {
		return
	}
	if days > maxCleanupDays {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "days must be at most "+strconv.Itoa(maxCleanupDays))
		return
	}

	cutoff := time.Now().AddDate(0, 0, -days)
	n, err := h.gate.Purge(r.Context(), cutoff)
	if err != nil {
		log.Error().Err(err).Msg("Failed to purge block history")
		writeError(w, http.StatusInternalServerError, CodeInternalError, "Failed to purge block history")
		return
	}

	log.Info().Int("removed", n).Int("days", days).Str("actor", p.Username).Msg("Inactive block records purged")
	writeJSON(w, map[string]int{"removed": n}, "cleanup")
}

// tokenRequest is the body of POST /admin/tokens.
type tokenRequest struct {
	Username string `json:"username"`
	// TTL is a Go duration string such as "24h". Empty uses the default.
	TTL string `json:"ttl,omitempty"`
}

// HandleIssueToken handles POST /admin/tokens
func (h *Handler) HandleIssueToken(w http.ResponseWriter, r *http.Request) {
	p := h.requireCapability(w, r, moderation.CapabilityAdminUsers)
	if p == nil {
		return
	}

	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid request body")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "username is required")
		return
	}

	var ttl time.Duration
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, "ttl must be a positive duration")
			return
		}
		ttl = d
	}

	issued, err := h.sessions.Issue(r.Context(), req.Username, ttl)
	if err != nil {
		log.Error().Err(err).Str("username", req.Username).Msg("Failed to issue session token")
		writeError(w, http.StatusInternalServerError, CodeInternalError, "Failed to issue token")
		return
	}

	log.Info().Str("username", req.Username).Str("actor", p.Username).Msg("Session token issued via admin API")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(issued); err != nil {
		log.Error().Err(err).Msg("Failed to encode token response")
	}
}

// queryInt parses a positive integer query parameter, falling back to def
// when it is absent.
func queryInt(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, name+" must be a positive integer")
		return 0, false
	}
	return n, true
}
