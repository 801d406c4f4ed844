package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"radiochat/internal/auth"
	"radiochat/internal/chat"
	"radiochat/internal/config"
	"radiochat/internal/database/boltstore"
	"radiochat/internal/database/sqlitestore"
	"radiochat/internal/handlers"
	"radiochat/internal/moderation"
	"radiochat/internal/routing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testServer runs the full HTTP stack over a fresh SQLite database with an
// admin named root.
type testServer struct {
	URL       string
	Store     *sqlitestore.Store
	RootToken string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store, err := sqlitestore.Open(ctx, filepath.Join(t.TempDir(), "chatctl.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	users := store.UserStore()
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

	h := handlers.NewHandler(ctx, handlers.Deps{
		Registry: registry,
		Hub:      hub,
		Router:   router,
		Gate:     gate,
		Resolver: users,
		Sessions: sessions,
	}, handlers.Config{})

	srv := httptest.NewServer(routing.SetupRouter(routing.Config{Handlers: h, Logger: zerolog.Nop()}))
	t.Cleanup(srv.Close)

	issued, err := sessions.Issue(ctx, "root", time.Hour)
	require.NoError(t, err)

	return &testServer{URL: srv.URL, Store: store, RootToken: issued.Token}
}

// run executes a chatctl command line against g and returns stdout.
func run(t *testing.T, g globals, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := rootCommand(&g, &stdout).execute(args, &stderr)
	return stdout.String(), err
}

func TestLoadGlobals(t *testing.T) {
	g := loadGlobals(func(string) string { return "" })
	assert.Equal(t, "http://localhost:8080", g.Server)
	assert.Equal(t, config.BackendBolt, g.Backend)
	assert.Empty(t, g.Token)

	env := map[string]string{
		"CHATCTL_SERVER":    "https://radio.example/",
		"CHATCTL_TOKEN":     "secret",
		"RADIOCHAT_DB_PATH": "/tmp/x.sqlite",
		"STORE_BACKEND":     "sqlite",
	}
	g = loadGlobals(func(k string) string { return env[k] })
	assert.Equal(t, "https://radio.example", g.Server)
	assert.Equal(t, "secret", g.Token)
	assert.Equal(t, "/tmp/x.sqlite", g.DBPath)
	assert.Equal(t, config.BackendSQLite, g.Backend)
}

func TestExecute_Dispatch(t *testing.T) {
	g := loadGlobals(func(string) string { return "" })

	t.Run("no command", func(t *testing.T) {
		_, err := run(t, g)
		assert.ErrorIs(t, err, errUsage)
	})

	t.Run("unknown command", func(t *testing.T) {
		_, err := run(t, g, "frobnicate")
		require.ErrorIs(t, err, errUsage)
		assert.Contains(t, err.Error(), "frobnicate")
	})

	t.Run("help", func(t *testing.T) {
		var stderr bytes.Buffer
		err := rootCommand(&g, &bytes.Buffer{}).execute([]string{"--help"}, &stderr)
		require.NoError(t, err)
		assert.Contains(t, stderr.String(), "blocks")
		assert.Contains(t, stderr.String(), "say")
	})

	t.Run("unknown flag", func(t *testing.T) {
		_, err := run(t, g, "blocks", "list", "--nope")
		assert.ErrorIs(t, err, errUsage)
	})

	t.Run("missing required flag", func(t *testing.T) {
		_, err := run(t, g, "token", "issue")
		assert.ErrorIs(t, err, errUsage)
	})

	t.Run("block needs one id", func(t *testing.T) {
		_, err := run(t, g, "blocks", "block")
		assert.ErrorIs(t, err, errUsage)
	})
}

func TestAdminClient_Do(t *testing.T) {
	var gotQuery, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path == "/fail" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"error":"Permission denied","code":"INSUFFICIENT_PERMISSIONS"}`))
			return
		}
		w.Write([]byte(`{"limit":5}`))
	}))
	defer srv.Close()

	c := newAdminClient(srv.URL, "tok")
	ctx := context.Background()

	var out struct {
		Limit int `json:"limit"`
	}
	require.NoError(t, c.do(ctx, http.MethodGet, "/x", historyOptions{Limit: 5}, nil, &out))
	assert.Equal(t, "limit=5", gotQuery)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, 5, out.Limit)

	require.NoError(t, c.do(ctx, http.MethodGet, "/x", cleanupOptions{}, nil, nil))
	assert.Empty(t, gotQuery, "zero options are omitted")

	err := c.do(ctx, http.MethodGet, "/fail", nil, nil, nil)
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, "INSUFFICIENT_PERMISSIONS", apiErr.Code)
	assert.Equal(t, "Permission denied", apiErr.Message)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)

	out, err := run(t, globals{Server: srv.URL}, "health")
	require.NoError(t, err)
	assert.Equal(t, "server: ok\n", out)

	out, err = run(t, globals{Server: srv.URL, Token: srv.RootToken}, "health")
	require.NoError(t, err)
	assert.Contains(t, out, "connected: 0")
	assert.Contains(t, out, "blocked: 0")
}

func TestBlocksCommands(t *testing.T) {
	srv := newTestServer(t)
	g := globals{Server: srv.URL, Token: srv.RootToken}

	out, err := run(t, g, "blocks", "block", "c-1", "--reason", "spam")
	require.NoError(t, err)
	assert.Equal(t, "blocked c-1 (disconnected: false)\n", out)

	out, err = run(t, g, "blocks", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "c-1")
	assert.Contains(t, out, "spam")

	out, err = run(t, g, "blocks", "unblock", "c-1")
	require.NoError(t, err)
	assert.Equal(t, "unblocked c-1\n", out)

	out, err = run(t, g, "blocks", "unblock", "c-1")
	require.NoError(t, err)
	assert.Equal(t, "c-1 was not blocked\n", out)

	out, err = run(t, g, "blocks", "history", "--limit", "10")
	require.NoError(t, err)
	assert.Contains(t, out, "c-1")
	assert.Contains(t, out, "false")

	out, err = run(t, g, "blocks", "cleanup", "--days", "1")
	require.NoError(t, err)
	assert.Equal(t, "removed 0 records\n", out)
}

func TestBlocksCommands_RequireToken(t *testing.T) {
	srv := newTestServer(t)

	_, err := run(t, globals{Server: srv.URL}, "blocks", "list")
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
}

func TestTokenIssue(t *testing.T) {
	t.Run("bolt database", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tokens.db")
		out, err := run(t, globals{DBPath: path, Backend: config.BackendBolt}, "token", "issue", "--user", "alice", "--ttl", "1h")
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(out, "token: "))
		token := strings.TrimSpace(strings.TrimPrefix(strings.SplitN(out, "\n", 2)[0], "token: "))

		db, err := boltstore.Open(boltstore.Options{Path: path})
		require.NoError(t, err)
		defer db.Close()
		username, err := auth.NewManager(db.SessionStore()).Verify(context.Background(), token)
		require.NoError(t, err)
		assert.Equal(t, "alice", username)
	})

	t.Run("remote", func(t *testing.T) {
		srv := newTestServer(t)
		out, err := run(t, globals{Server: srv.URL, Token: srv.RootToken}, "token", "issue", "--user", "alice", "--remote")
		require.NoError(t, err)
		assert.Contains(t, out, "token: ")
		assert.Contains(t, out, "expires: ")
	})

	t.Run("unknown backend", func(t *testing.T) {
		_, err := run(t, globals{DBPath: "x", Backend: "postgres"}, "token", "issue", "--user", "alice")
		assert.ErrorIs(t, err, errUsage)
	})
}

func TestUserCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.sqlite")
	g := globals{DBPath: path, Backend: config.BackendSQLite}

	out, err := run(t, g, "user", "add", "--username", "dj", "--note", "evening show")
	require.NoError(t, err)
	assert.Equal(t, "added dj as user\n", out)

	out, err = run(t, g, "user", "promote", "--username", "dj", "--role", "moderator")
	require.NoError(t, err)
	assert.Equal(t, "dj is now moderator\n", out)

	out, err = run(t, g, "user", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "USERNAME")
	assert.Contains(t, out, "dj")
	assert.Contains(t, out, "moderator")
	assert.Contains(t, out, "evening show")

	_, err = run(t, g, "user", "promote", "--username", "dj", "--role", "overlord")
	assert.Error(t, err)

	_, err = run(t, globals{DBPath: path, Backend: config.BackendBolt}, "user", "list")
	assert.ErrorIs(t, err, errUsage)
}

func TestWebsocketURL(t *testing.T) {
	tests := []struct {
		base    string
		want    string
		wantErr bool
	}{
		{base: "http://localhost:8080", want: "ws://localhost:8080/ws"},
		{base: "https://radio.example/", want: "wss://radio.example/ws"},
		{base: "https://radio.example/chat", want: "wss://radio.example/chat/ws"},
		{base: "ftp://radio.example", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			got, err := websocketURL(tt.base)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSay(t *testing.T) {
	srv := newTestServer(t)

	out, err := run(t, globals{Server: srv.URL}, "say", "--client-id", "cli-1", "--username", "tester", "-m", "  hello there  ")
	require.NoError(t, err)
	assert.Contains(t, out, "listeners: 1")
	assert.Contains(t, out, "<tester> hello there")
}

func TestSay_Blocked(t *testing.T) {
	srv := newTestServer(t)
	_, err := run(t, globals{Server: srv.URL, Token: srv.RootToken}, "blocks", "block", "cli-1")
	require.NoError(t, err)

	out, err := run(t, globals{Server: srv.URL}, "say", "--client-id", "cli-1", "--username", "tester", "-m", "hi", "--wait", "2s")
	require.ErrorIs(t, err, errNoEcho)
	assert.Contains(t, out, "* ")
}
