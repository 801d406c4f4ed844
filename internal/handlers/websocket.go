package handlers

import (
	"context"
	"net/http"

	"radiochat/internal/chat"

	"github.com/rs/zerolog/log"
)

// HandleWebSocket handles GET /ws. The connection is served until the client
// disconnects, is evicted, or the server shuts down.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.conns.Add(1)
	defer h.conns.Done()

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		log.Warn().Err(err).Str("origin", r.Header.Get("Origin")).Msg("WebSocket upgrade failed")
		return
	}

	conn := chat.NewConn(ws, r.RemoteAddr, h.config.Conn)
	conn.Run(h.ctx, h.router)
}

// WaitConnections blocks until every websocket connection has stopped
// handling frames, or until ctx is done.
func (h *Handler) WaitConnections(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
