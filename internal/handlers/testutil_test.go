package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"radiochat/internal/auth"
	"radiochat/internal/chat"
	"radiochat/internal/database/sqlitestore"
	"radiochat/internal/moderation"

	"github.com/stretchr/testify/require"
)

// testPeer is a registry entry without a transport.
type testPeer struct {
	id string

	mu     sync.Mutex
	sent   []string
	closed bool
}

func (p *testPeer) ID() string { return p.id }

func (p *testPeer) Send(msg []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return chat.ErrPeerClosed
	}
	p.sent = append(p.sent, string(msg))
	return nil
}

func (p *testPeer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *testPeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// TestContext wires a Handler to a real SQLite database.
type TestContext struct {
	Handler  *Handler
	Registry *chat.Registry
	Gate     *moderation.Gate
	Store    *sqlitestore.Store

	// Tokens maps a username to a valid session token.
	Tokens map[string]string
}

func NewTestContext(t *testing.T) *TestContext {
	t.Helper()
	ctx := context.Background()

	store, err := sqlitestore.Open(ctx, filepath.Join(t.TempDir(), "handlers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	users := store.UserStore()
	require.NoError(t, users.AddUser(ctx, "alice", moderation.RoleUser, ""))
	require.NoError(t, users.AddUser(ctx, "carol", moderation.RoleModerator, ""))
	require.NoError(t, users.AddUser(ctx, "root", moderation.RoleAdmin, ""))

	registry := chat.NewRegistry()
	hub := chat.NewHub(registry)
	gate := moderation.NewGate(store.BlockStore(), moderation.WithEvictor(hub))
	require.NoError(t, gate.Reload(ctx))
	sessions := auth.NewManager(store.SessionStore())

	router := chat.NewRouter(chat.RouterConfig{
		Registry: registry,
		Hub:      hub,
		Gate:     gate,
		Resolver: users,
		Verifier: sessions,
	})

	serverCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)

	h := NewHandler(serverCtx, Deps{
		Registry: registry,
		Hub:      hub,
		Router:   router,
		Gate:     gate,
		Resolver: users,
		Sessions: sessions,
	}, Config{})

	tokens := make(map[string]string)
	for _, name := range []string{"alice", "carol", "root", "ghost"} {
		issued, err := sessions.Issue(ctx, name, 0)
		require.NoError(t, err)
		tokens[name] = issued.Token
	}

	return &TestContext{
		Handler:  h,
		Registry: registry,
		Gate:     gate,
		Store:    store,
		Tokens:   tokens,
	}
}

// Connect registers a peer for clientID.
func (tc *TestContext) Connect(clientID, name string) *testPeer {
	p := &testPeer{id: "peer-" + clientID}
	tc.Registry.Register(clientID, name, p)
	return p
}

// NewAuthenticatedRequest builds a request carrying username's session token.
func (tc *TestContext) NewAuthenticatedRequest(method, target, username string, body any) *http.Request {
	var r io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if username != "" {
		req.Header.Set("Authorization", "Bearer "+tc.Tokens[username])
	}
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}
