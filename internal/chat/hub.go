package chat

import (
	"encoding/json"
	"errors"
	"time"

	"radiochat/internal/metrics"

	"github.com/rs/zerolog/log"
)

// System notices
const (
	NoticeUserBlocked    = "User blocked by moderator"
	NoticeUserUnblocked  = "User unblocked by moderator"
	NoticeNotBlocked     = "That user is not blocked."
	NoticeReplaced       = "You connected from another window; this one is closing."
	NoticeForbidden      = "You do not have permission to do that."
	NoticeActionFailed   = "Moderation action failed, please try again."
	NoticeInvalidToken   = "Your session token is invalid or expired."
	NoticeYouAreBlocked  = "You are blocked from this chat."
	NoticeServerShutdown = "The chat server is shutting down."
)

// Hub fans frames out to the peers in a Registry. Sends never block: a peer
// whose send fails is evicted in the background.
type Hub struct {
	registry *Registry
	now      func() time.Time
}

// NewHub creates a hub over registry.
func NewHub(registry *Registry) *Hub {
	return &Hub{registry: registry, now: time.Now}
}

// BroadcastAll sends frame to every peer registered at call time.
func (h *Hub) BroadcastAll(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Error().Err(err).Msg("chat: failed to marshal broadcast frame")
		return
	}

	for p := range h.registry.Targets() {
		h.send(p, data)
	}
}

// SendTo sends frame to a single peer.
func (h *Hub) SendTo(p Peer, frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Error().Err(err).Msg("chat: failed to marshal frame")
		return
	}
	h.send(p, data)
}

// SendSystem sends a system notice to a single peer.
func (h *Hub) SendSystem(p Peer, msg string) {
	h.SendTo(p, newSystemFrame(msg, h.now()))
}

// BroadcastSystem sends a system notice to everyone.
func (h *Hub) BroadcastSystem(msg string) {
	h.BroadcastAll(newSystemFrame(msg, h.now()))
}

// AnnounceCount broadcasts the current listener count.
func (h *Hub) AnnounceCount() {
	h.BroadcastAll(ListenerCountFrame{Type: TypeListenerCount, Count: h.registry.Count()})
}

// AnnounceJoin broadcasts that displayName joined.
func (h *Hub) AnnounceJoin(displayName string) {
	h.BroadcastSystem(displayName + " joined the chat")
}

// AnnounceLeave broadcasts that displayName left.
func (h *Hub) AnnounceLeave(displayName string) {
	h.BroadcastSystem(displayName + " left the chat")
}

// Evict removes clientID from the registry, delivers notice and closes the
// connection, then re-broadcasts the listener count. It reports whether a
// connection was found.
func (h *Hub) Evict(clientID, notice string) bool {
	_, peer, ok := h.registry.Lookup(clientID)
	if !ok {
		return false
	}
	if _, _, ok := h.registry.UnregisterPeer(peer); !ok {
		// Lost a race with another removal.
		return false
	}

	if notice != "" {
		h.SendSystem(peer, notice)
	}
	peer.Close()

	metrics.EvictionsTotal.WithLabelValues("blocked").Inc()
	log.Info().Str("client_id", clientID).Str("peer", peer.ID()).Msg("chat: connection evicted")

	h.AnnounceCount()
	return true
}

// Shutdown notifies and closes every registered peer.
func (h *Hub) Shutdown() {
	data, _ := json.Marshal(newSystemFrame(NoticeServerShutdown, h.now()))
	n := 0
	for p := range h.registry.Targets() {
		_ = p.Send(data)
		p.Close()
		n++
	}
	log.Info().Int("connections", n).Msg("chat: hub shut down")
}

func (h *Hub) send(p Peer, data []byte) {
	err := p.Send(data)
	if err == nil {
		return
	}

	reason := "closed"
	if errors.Is(err, ErrSendBufferFull) {
		reason = "full"
	}
	metrics.SendFailuresTotal.WithLabelValues(reason).Inc()
	log.Debug().Err(err).Str("peer", p.ID()).Msg("chat: send failed, scheduling eviction")

	go h.evictPeer(p, reason)
}

// evictPeer drops a peer that can no longer be written to.
func (h *Hub) evictPeer(p Peer, reason string) {
	_, displayName, ok := h.registry.UnregisterPeer(p)
	p.Close()
	if !ok {
		return
	}

	metrics.EvictionsTotal.WithLabelValues("send_" + reason).Inc()
	h.AnnounceCount()
	h.AnnounceLeave(displayName)
}
