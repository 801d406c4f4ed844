package handlers

import (
	"net/http"

	"radiochat/internal/middleware"
	"radiochat/internal/web/pages"

	"github.com/rs/zerolog/log"
)

const defaultTitle = "Radio Chat"

// HandleChatPage handles GET /
func (h *Handler) HandleChatPage(w http.ResponseWriter, r *http.Request) {
	title := h.config.Title
	if title == "" {
		title = defaultTitle
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := pages.Chat(pages.ChatProps{
		Title:         title,
		WebSocketPath: "/ws",
		Nonce:         middleware.CSPNonceFromContext(r.Context()),
		RequireToken:  h.config.RequireToken,
	}).Render(r.Context(), w)
	if err != nil {
		log.Error().Err(err).Msg("Failed to render chat page")
		http.Error(w, "Failed to render page", http.StatusInternalServerError)
	}
}
