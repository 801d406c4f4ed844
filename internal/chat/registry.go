package chat

import (
	"iter"
	"sync"

	"radiochat/internal/metrics"
)

// Peer is one live connection as seen by the registry and hub.
type Peer interface {
	// ID is unique per connection for the life of the process.
	ID() string
	// Send queues msg without blocking.
	Send(msg []byte) error
	// Close stops the connection after queued messages are flushed. It is
	// safe to call more than once.
	Close()
}

type entry struct {
	clientID    string
	displayName string
	peer        Peer
}

// Registry holds the identified connections, one per client id, with a
// reverse index from peer id to client id.
type Registry struct {
	mu       sync.RWMutex
	byClient map[string]*entry
	byPeer   map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byClient: make(map[string]*entry),
		byPeer:   make(map[string]string),
	}
}

// Register binds clientID to peer. If another peer held clientID it is
// returned so the caller can close it; the registry no longer references it.
func (r *Registry) Register(clientID, displayName string, peer Peer) Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	// A peer holds at most one client id.
	if oldID, ok := r.byPeer[peer.ID()]; ok && oldID != clientID {
		delete(r.byClient, oldID)
	}

	var previous Peer
	if old, ok := r.byClient[clientID]; ok && old.peer.ID() != peer.ID() {
		previous = old.peer
		delete(r.byPeer, old.peer.ID())
	}

	r.byClient[clientID] = &entry{clientID: clientID, displayName: displayName, peer: peer}
	r.byPeer[peer.ID()] = clientID
	metrics.ConnectedClients.Set(float64(len(r.byClient)))

	return previous
}

// Unregister removes clientID regardless of which peer holds it.
func (r *Registry) Unregister(clientID string) (displayName string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byClient[clientID]
	if !ok {
		return "", false
	}
	r.remove(e)
	return e.displayName, true
}

// UnregisterPeer removes the entry held by peer. A peer that was already
// replaced under its client id finds nothing to remove.
func (r *Registry) UnregisterPeer(peer Peer) (clientID, displayName string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	clientID, ok = r.byPeer[peer.ID()]
	if !ok {
		return "", "", false
	}
	e := r.byClient[clientID]
	if e == nil || e.peer.ID() != peer.ID() {
		delete(r.byPeer, peer.ID())
		return "", "", false
	}
	r.remove(e)
	return e.clientID, e.displayName, true
}

// caller must hold the write lock
func (r *Registry) remove(e *entry) {
	delete(r.byClient, e.clientID)
	delete(r.byPeer, e.peer.ID())
	metrics.ConnectedClients.Set(float64(len(r.byClient)))
}

// ResolveByPeer returns the client id peer is registered under.
func (r *Registry) ResolveByPeer(peer Peer) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byPeer[peer.ID()]
	return id, ok
}

// Lookup returns the entry for clientID.
func (r *Registry) Lookup(clientID string) (displayName string, peer Peer, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byClient[clientID]
	if !ok {
		return "", nil, false
	}
	return e.displayName, e.peer, true
}

// Count returns the number of identified connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byClient)
}

// Targets yields a snapshot of the peers registered at the time of the call.
func (r *Registry) Targets() iter.Seq[Peer] {
	r.mu.RLock()
	peers := make([]Peer, 0, len(r.byClient))
	for _, e := range r.byClient {
		peers = append(peers, e.peer)
	}
	r.mu.RUnlock()

	return func(yield func(Peer) bool) {
		for _, p := range peers {
			if !yield(p) {
				return
			}
		}
	}
}
