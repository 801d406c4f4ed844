package chat

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"radiochat/internal/database/boltstore"
	"radiochat/internal/moderation"

	"github.com/stretchr/testify/require"
)

var peerSeq atomic.Int64

// fakePeer records what the hub sends it.
type fakePeer struct {
	id string

	mu     sync.Mutex
	msgs   [][]byte
	closed bool
	full   bool
}

func newFakePeer() *fakePeer {
	return &fakePeer{id: "peer-" + strconv.FormatInt(peerSeq.Add(1), 10)}
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(msg []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPeerClosed
	}
	if p.full {
		return ErrSendBufferFull
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *fakePeer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) frames() []map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]map[string]any, 0, len(p.msgs))
	for _, m := range p.msgs {
		var f map[string]any
		if err := json.Unmarshal(m, &f); err == nil {
			out = append(out, f)
		}
	}
	return out
}

func (p *fakePeer) framesOfType(typ string) []map[string]any {
	var out []map[string]any
	for _, f := range p.frames() {
		if f["type"] == typ {
			out = append(out, f)
		}
	}
	return out
}

func (p *fakePeer) systemMessages() []string {
	var out []string
	for _, f := range p.framesOfType(TypeSystem) {
		out = append(out, f["message"].(string))
	}
	return out
}

func (p *fakePeer) lastCount() int {
	counts := p.framesOfType(TypeListenerCount)
	if len(counts) == 0 {
		return -1
	}
	return int(counts[len(counts)-1]["count"].(float64))
}

func (p *fakePeer) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = nil
}

type mapResolver map[string]*moderation.Principal

func (m mapResolver) ResolveByUsername(_ context.Context, username string) (*moderation.Principal, error) {
	p, ok := m[username]
	if !ok {
		return nil, moderation.ErrPrincipalNotFound
	}
	return p, nil
}

type testEnv struct {
	registry *Registry
	hub      *Hub
	gate     *moderation.Gate
	router   *Router
	store    moderation.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := boltstore.Open(boltstore.Options{Path: filepath.Join(t.TempDir(), "chat.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := db.BlockStore()

	registry := NewRegistry()
	hub := NewHub(registry)
	gate := moderation.NewGate(store, moderation.WithEvictor(hub))
	resolver := mapResolver{
		"carol": {
			ID:           "carol",
			Username:     "carol",
			Role:         moderation.RoleModerator,
			Capabilities: []moderation.Capability{moderation.CapabilityChatSend, moderation.CapabilityChatModerate},
		},
		"alice": {
			ID:           "alice",
			Username:     "alice",
			Role:         moderation.RoleUser,
			Capabilities: []moderation.Capability{moderation.CapabilityChatSend},
		},
	}
	router := NewRouter(RouterConfig{
		Registry: registry,
		Hub:      hub,
		Gate:     gate,
		Resolver: resolver,
	})

	return &testEnv{registry: registry, hub: hub, gate: gate, router: router, store: store}
}

func frame(t *testing.T, f InboundFrame) []byte {
	t.Helper()
	data, err := json.Marshal(f)
	require.NoError(t, err)
	return data
}

// join opens a session and registers it.
func (e *testEnv) join(t *testing.T, clientID, username string) (*fakePeer, *Session) {
	t.Helper()
	p := newFakePeer()
	s := e.router.Open(p)
	e.router.Handle(context.Background(), s, frame(t, InboundFrame{Type: TypeRegister, ClientID: clientID, Username: username}))
	return p, s
}
