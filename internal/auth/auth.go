// Package auth verifies the bearer session tokens that bind a websocket
// connection or an admin request to a username.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrInvalidToken is returned for unknown, malformed or expired tokens.
	ErrInvalidToken = errors.New("invalid or expired session token")

	// ErrSessionNotFound is returned by SessionStore implementations.
	ErrSessionNotFound = errors.New("session not found")
)

// DefaultTTL is used when a token is issued without an explicit lifetime.
const DefaultTTL = 24 * time.Hour

// Session binds a token to a username. Only the SHA-256 of the token is
// persisted; the raw token is returned once, at issue time.
type Session struct {
	TokenHash string    `json:"token_hash"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the session is no longer valid at now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// SessionStore persists sessions keyed by token hash.
type SessionStore interface {
	SaveSession(ctx context.Context, sess Session) error
	// GetSession returns ErrSessionNotFound for unknown hashes.
	GetSession(ctx context.Context, tokenHash string) (*Session, error)
	DeleteSession(ctx context.Context, tokenHash string) error
}

// Issued is the result of Manager.Issue.
type Issued struct {
	Token     string    `json:"token"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Manager issues and verifies session tokens.
type Manager struct {
	store SessionStore
	now   func() time.Time
}

// NewManager creates a Manager backed by store.
func NewManager(store SessionStore) *Manager {
	return &Manager{store: store, now: time.Now}
}

// Issue mints a new token for username valid for ttl.
func (m *Manager) Issue(ctx context.Context, username string, ttl time.Duration) (*Issued, error) {
	if strings.TrimSpace(username) == "" {
		return nil, fmt.Errorf("username is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	token, err := NewToken()
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	sess := Session{
		TokenHash: HashToken(token),
		Username:  username,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := m.store.SaveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	log.Info().Str("username", username).Time("expires_at", sess.ExpiresAt).Msg("auth: session token issued")
	return &Issued{Token: token, Username: username, ExpiresAt: sess.ExpiresAt}, nil
}

// Verify returns the username bound to token. Expired sessions are deleted
// on sight.
func (m *Manager) Verify(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}

	hash := HashToken(token)
	sess, err := m.store.GetSession(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return "", ErrInvalidToken
		}
		return "", fmt.Errorf("failed to load session: %w", err)
	}

	if sess.Expired(m.now()) {
		if err := m.store.DeleteSession(ctx, hash); err != nil {
			log.Warn().Err(err).Msg("auth: failed to delete expired session")
		}
		return "", ErrInvalidToken
	}
	return sess.Username, nil
}

// Revoke deletes the session for token.
func (m *Manager) Revoke(ctx context.Context, token string) error {
	return m.store.DeleteSession(ctx, HashToken(token))
}

// NewToken returns 32 random bytes, hex encoded.
func NewToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// HashToken returns the hex SHA-256 of token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}
