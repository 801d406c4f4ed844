package auth

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSessions struct {
	mu       sync.Mutex
	sessions map[string]Session
}

func newMemSessions() *memSessions {
	return &memSessions{sessions: make(map[string]Session)}
}

func (m *memSessions) SaveSession(_ context.Context, sess Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.TokenHash] = sess
	return nil
}

func (m *memSessions) GetSession(_ context.Context, hash string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[hash]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return &s, nil
}

func (m *memSessions) DeleteSession(_ context.Context, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, hash)
	return nil
}

func TestManager_IssueAndVerify(t *testing.T) {
	store := newMemSessions()
	m := NewManager(store)
	ctx := context.Background()

	issued, err := m.Issue(ctx, "carol", time.Hour)
	require.NoError(t, err)
	assert.Len(t, issued.Token, 64)
	assert.Equal(t, "carol", issued.Username)

	// Raw token is never persisted.
	_, stored := store.sessions[issued.Token]
	assert.False(t, stored)

	username, err := m.Verify(ctx, issued.Token)
	require.NoError(t, err)
	assert.Equal(t, "carol", username)
}

func TestManager_VerifyUnknown(t *testing.T) {
	m := NewManager(newMemSessions())

	_, err := m.Verify(context.Background(), "deadbeef")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = m.Verify(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestManager_VerifyExpired(t *testing.T) {
	store := newMemSessions()
	m := NewManager(store)
	ctx := context.Background()

	issued, err := m.Issue(ctx, "carol", time.Minute)
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = m.Verify(ctx, issued.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Empty(t, store.sessions, "expired session should be deleted")
}

func TestManager_IssueDefaults(t *testing.T) {
	m := NewManager(newMemSessions())

	issued, err := m.Issue(context.Background(), "dave", 0)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(DefaultTTL), issued.ExpiresAt, time.Minute)

	_, err = m.Issue(context.Background(), "  ", time.Hour)
	assert.Error(t, err)
}

func TestManager_Revoke(t *testing.T) {
	m := NewManager(newMemSessions())
	ctx := context.Background()

	issued, err := m.Issue(ctx, "carol", time.Hour)
	require.NoError(t, err)
	require.NoError(t, m.Revoke(ctx, issued.Token))

	_, err = m.Verify(ctx, issued.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header   string
		expected string
	}{
		{"Bearer abc123", "abc123"},
		{"bearer abc123", "abc123"},
		{"Bearer   abc123  ", "abc123"},
		{"Basic Zm9vOmJhcg==", ""},
		{"Bearer", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.expected, BearerToken(r))
		})
	}
}
