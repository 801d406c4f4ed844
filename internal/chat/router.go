package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"radiochat/internal/auth"
	"radiochat/internal/metrics"
	"radiochat/internal/moderation"

	"github.com/rs/zerolog/log"
)

const (
	maxClientIDLength = 128
	maxUsernameLength = 64
)

// DefaultBlockReason is recorded when a block command carries no reason.
const DefaultBlockReason = "Blocked by moderator"

// State is the protocol state of one connection.
type State int

const (
	StateAnonymous State = iota
	StateIdentified
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateIdentified:
		return "identified"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is the per-connection state owned by the connection's read
// goroutine.
type Session struct {
	peer     Peer
	state    State
	clientID string
	name     string
	// verified is the username bound by a session token, empty in legacy
	// mode.
	verified string
}

// State returns the current protocol state.
func (s *Session) State() State { return s.state }

// ClientID returns the registered client id, empty before REGISTER.
func (s *Session) ClientID() string { return s.clientID }

// identity is the username capabilities are resolved for.
func (s *Session) identity() string {
	if s.verified != "" {
		return s.verified
	}
	return s.name
}

// TokenVerifier maps a session token to a username.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// RouterConfig wires a Router.
type RouterConfig struct {
	Registry *Registry
	Hub      *Hub
	Gate     *moderation.Gate
	Resolver moderation.PermissionResolver
	// Verifier checks REGISTER tokens. Nil disables tokens.
	Verifier TokenVerifier
	// RequireToken rejects REGISTER frames without a valid token.
	RequireToken bool
}

// Router applies the chat protocol to inbound frames.
type Router struct {
	registry     *Registry
	hub          *Hub
	gate         *moderation.Gate
	resolver     moderation.PermissionResolver
	verifier     TokenVerifier
	requireToken bool
	now          func() time.Time
}

// NewRouter creates a Router.
func NewRouter(cfg RouterConfig) *Router {
	return &Router{
		registry:     cfg.Registry,
		hub:          cfg.Hub,
		gate:         cfg.Gate,
		resolver:     cfg.Resolver,
		verifier:     cfg.Verifier,
		requireToken: cfg.RequireToken,
		now:          time.Now,
	}
}

// Open starts a session for a new connection.
func (r *Router) Open(peer Peer) *Session {
	return &Session{peer: peer, state: StateAnonymous}
}

// Handle processes one inbound frame. Every error is resolved here; only
// transport failures end a connection, apart from a blocked REGISTER.
func (r *Router) Handle(ctx context.Context, s *Session, data []byte) {
	if s.state == StateClosed {
		return
	}

	frame, err := ParseFrame(data)
	if err != nil {
		outcome := "malformed"
		if errors.Is(err, ErrUnknownFrameType) {
			outcome = "unknown_type"
		}
		metrics.FramesTotal.WithLabelValues("invalid", outcome).Inc()
		log.Debug().Err(err).Str("peer", s.peer.ID()).Msg("chat: dropping frame")
		return
	}

	// A connection replaced by a newer REGISTER or evicted by a block stays
	// readable until its socket closes; nothing it sends may take effect.
	if s.state == StateIdentified && !r.attached(s) {
		s.state = StateClosed
		metrics.FramesTotal.WithLabelValues(frame.Type, "detached").Inc()
		log.Debug().Str("peer", s.peer.ID()).Str("client_id", s.clientID).Msg("chat: frame from detached connection dropped")
		return
	}

	switch frame.Type {
	case TypeRegister:
		err = r.handleRegister(ctx, s, frame)
	case TypeChat:
		err = r.handleChat(s, frame)
	case TypeBlock:
		err = r.handleBlock(ctx, s, frame)
	case TypeUnblock:
		err = r.handleUnblock(ctx, s, frame)
	}

	outcome := r.resolve(s, frame, err)
	metrics.FramesTotal.WithLabelValues(frame.Type, outcome).Inc()
}

// attached reports whether the registry still maps the session's peer to
// its client id.
func (r *Router) attached(s *Session) bool {
	id, ok := r.registry.ResolveByPeer(s.peer)
	return ok && id == s.clientID
}

// resolve turns a handler error into a reply and a metrics outcome.
func (r *Router) resolve(s *Session, frame *InboundFrame, err error) string {
	logger := log.With().Str("peer", s.peer.ID()).Str("type", frame.Type).Str("client_id", s.clientID).Logger()

	var (
		blocked    *moderation.BlockedError
		validation *ValidationError
	)

	switch {
	case err == nil:
		return "accepted"

	case errors.Is(err, errIgnored):
		logger.Debug().Str("state", s.state.String()).Msg("chat: frame ignored")
		return "ignored"

	case errors.As(err, &blocked):
		r.hub.SendSystem(s.peer, NoticeYouAreBlocked)
		if frame.Type == TypeRegister {
			s.state = StateClosed
			s.peer.Close()
		}
		logger.Info().Str("target", blocked.ClientID).Msg("chat: frame from blocked client refused")
		return "blocked"

	case errors.As(err, &validation):
		r.hub.SendSystem(s.peer, validation.Message)
		logger.Debug().Err(err).Msg("chat: invalid frame")
		return "invalid"

	case errors.Is(err, auth.ErrInvalidToken):
		r.hub.SendSystem(s.peer, NoticeInvalidToken)
		logger.Info().Msg("chat: register with invalid session token")
		return "unauthenticated"

	case errors.Is(err, moderation.ErrForbidden), errors.Is(err, moderation.ErrPrincipalNotFound):
		r.hub.SendSystem(s.peer, NoticeForbidden)
		logger.Warn().Str("actor", s.identity()).Str("target", frame.TargetClientID).Msg("chat: moderation command refused")
		return "forbidden"

	case errors.Is(err, moderation.ErrPersistence):
		r.hub.SendSystem(s.peer, NoticeActionFailed)
		logger.Error().Err(err).Str("target", frame.TargetClientID).Msg("chat: moderation command failed")
		return "error"

	default:
		if frame.Type == TypeBlock || frame.Type == TypeUnblock {
			r.hub.SendSystem(s.peer, NoticeActionFailed)
		}
		logger.Error().Err(err).Msg("chat: frame handling failed")
		return "error"
	}
}

func (r *Router) handleRegister(ctx context.Context, s *Session, f *InboundFrame) error {
	if s.state != StateAnonymous {
		return errIgnored
	}

	clientID := strings.TrimSpace(f.ClientID)
	name := strings.TrimSpace(f.Username)
	switch {
	case clientID == "":
		return &ValidationError{Field: "clientId", Message: "A client id is required."}
	case len(clientID) > maxClientIDLength:
		return &ValidationError{Field: "clientId", Message: "The client id is too long."}
	case name == "":
		return &ValidationError{Field: "username", Message: "A username is required."}
	case len(name) > maxUsernameLength:
		return &ValidationError{Field: "username", Message: "The username is too long."}
	}

	var verified string
	if f.Token != "" && r.verifier != nil {
		username, err := r.verifier.Verify(ctx, f.Token)
		if err != nil {
			return err
		}
		verified = username
	} else if r.requireToken {
		return auth.ErrInvalidToken
	}

	// The announcements stay under the client id's lock so a block for the
	// same id cannot be broadcast before the join it undoes.
	return r.gate.Guard(clientID, func() {
		previous := r.registry.Register(clientID, name, s.peer)

		s.state = StateIdentified
		s.clientID = clientID
		s.name = name
		s.verified = verified

		if previous != nil {
			r.hub.SendSystem(previous, NoticeReplaced)
			previous.Close()
			metrics.EvictionsTotal.WithLabelValues("replaced").Inc()
		}

		log.Info().
			Str("client_id", clientID).
			Str("username", name).
			Bool("verified", verified != "").
			Str("peer", s.peer.ID()).
			Msg("chat: client registered")

		r.hub.AnnounceCount()
		r.hub.AnnounceJoin(name)
	})
}

// checkIdentity rejects frames that claim a different identity than the
// one the connection registered with.
func (s *Session) checkIdentity(f *InboundFrame) error {
	if f.ClientID != "" && f.ClientID != s.clientID {
		return &ValidationError{Field: "clientId", Message: "The client id does not match this connection."}
	}
	if f.Username != "" && f.Username != s.name {
		return &ValidationError{Field: "username", Message: "The username does not match this connection."}
	}
	return nil
}

func (r *Router) handleChat(s *Session, f *InboundFrame) error {
	if s.state != StateIdentified {
		return errIgnored
	}
	if err := s.checkIdentity(f); err != nil {
		return err
	}
	if err := r.gate.Admit(s.clientID); err != nil {
		return err
	}

	msg := strings.TrimSpace(f.Message)
	if msg == "" {
		return &ValidationError{Field: "message", Message: "Messages cannot be empty."}
	}

	r.hub.BroadcastAll(ChatFrame{
		Type:      TypeChat,
		ClientID:  s.clientID,
		Username:  s.name,
		Message:   msg,
		Timestamp: FormatTimestamp(r.now()),
	})
	return nil
}

func (r *Router) moderationTarget(s *Session, f *InboundFrame) (string, error) {
	if s.state != StateIdentified {
		return "", errIgnored
	}
	if err := s.checkIdentity(f); err != nil {
		return "", err
	}
	target := strings.TrimSpace(f.TargetClientID)
	if target == "" {
		return "", &ValidationError{Field: "targetClientId", Message: "A target client id is required."}
	}
	return target, nil
}

func (r *Router) handleBlock(ctx context.Context, s *Session, f *InboundFrame) error {
	target, err := r.moderationTarget(s, f)
	if err != nil {
		return err
	}
	if target == s.clientID {
		return &ValidationError{Field: "targetClientId", Message: "You cannot block yourself."}
	}

	principal, err := r.resolver.ResolveByUsername(ctx, s.identity())
	if err != nil {
		return err
	}

	reason := strings.TrimSpace(f.Reason)
	if reason == "" {
		reason = DefaultBlockReason
	}

	res, err := r.gate.ApplyBlock(ctx, principal, target, reason)
	if err != nil {
		return err
	}

	log.Info().
		Str("actor", principal.Username).
		Str("target", target).
		Bool("evicted", res.Evicted).
		Msg("chat: block applied")

	r.hub.BroadcastSystem(NoticeUserBlocked)
	return nil
}

func (r *Router) handleUnblock(ctx context.Context, s *Session, f *InboundFrame) error {
	target, err := r.moderationTarget(s, f)
	if err != nil {
		return err
	}

	principal, err := r.resolver.ResolveByUsername(ctx, s.identity())
	if err != nil {
		return err
	}

	res, err := r.gate.ApplyUnblock(ctx, principal, target)
	if err != nil {
		return err
	}

	if res.Outcome == moderation.OutcomeNoop {
		r.hub.SendSystem(s.peer, NoticeNotBlocked)
		return nil
	}

	log.Info().Str("actor", principal.Username).Str("target", target).Msg("chat: unblock applied")
	r.hub.BroadcastSystem(NoticeUserUnblocked)
	return nil
}

// Closed ends a session after its transport closed. The registry entry is
// removed only if it still belongs to this connection.
func (r *Router) Closed(s *Session) {
	prev := s.state
	s.state = StateClosed
	if prev != StateIdentified {
		return
	}

	clientID, name, ok := r.registry.UnregisterPeer(s.peer)
	if !ok {
		return
	}

	log.Info().Str("client_id", clientID).Str("username", name).Msg("chat: client left")
	r.hub.AnnounceCount()
	r.hub.AnnounceLeave(name)
}
