package moderation

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"radiochat/internal/metrics"
	"radiochat/internal/tracing"

	"github.com/rs/zerolog/log"
)

// NoticeBlocked is sent to a connected client right before it is evicted.
const NoticeBlocked = "You have been blocked by a moderator."

// ErrMissingTarget is returned when a moderation command names no client id.
var ErrMissingTarget = errors.New("target client id is required")

// Evictor forcibly closes the live connection of a client id, delivering
// notice first. It reports whether a connection was found.
type Evictor interface {
	Evict(clientID, notice string) bool
}

// Outcome describes what a moderation command did.
type Outcome int

const (
	OutcomeApplied Outcome = iota + 1
	// OutcomeNoop means the command was valid but changed nothing, e.g. an
	// unblock for a client that was not blocked.
	OutcomeNoop
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeNoop:
		return "noop"
	default:
		return "unknown"
	}
}

// Result is returned by successful moderation commands.
type Result struct {
	Outcome Outcome
	Record  *BlockRecord
	Evicted bool
}

// Gate is the in-memory mirror of the durable block list. It is consulted on
// every inbound frame and is the only writer of block records.
//
// Writes are write-through: the store is updated first and the cache only
// after the store confirms. Mutations for one client id are serialized.
type Gate struct {
	store   Store
	evictor Evictor
	timeout time.Duration
	now     func() time.Time

	// opsMu is held shared by mutations and exclusively by Reload so a full
	// resync never interleaves with an incremental update.
	opsMu sync.RWMutex
	keys  keyedMutex

	mu      sync.RWMutex
	blocked map[string]string // client id -> reason
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithEvictor sets the component that closes live connections of blocked
// clients.
func WithEvictor(e Evictor) GateOption {
	return func(g *Gate) { g.evictor = e }
}

// WithStoreTimeout bounds every store call made by the gate.
func WithStoreTimeout(d time.Duration) GateOption {
	return func(g *Gate) { g.timeout = d }
}

// WithClock overrides the time source used for record timestamps.
func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

// NewGate creates a gate with an empty cache. Call Reload before serving.
func NewGate(store Store, opts ...GateOption) *Gate {
	g := &Gate{
		store:   store,
		timeout: 5 * time.Second,
		now:     time.Now,
		blocked: make(map[string]string),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Admit returns a *BlockedError if clientID is currently blocked.
func (g *Gate) Admit(clientID string) error {
	g.mu.RLock()
	reason, blocked := g.blocked[clientID]
	g.mu.RUnlock()

	if blocked {
		return &BlockedError{ClientID: clientID, Reason: reason}
	}
	return nil
}

// Guard runs fn only if clientID is admitted, while holding the client id's
// lock. A block for the same id either completes before the check or waits
// until fn has returned, at which point the evictor will find the entry fn
// created.
func (g *Gate) Guard(clientID string, fn func()) error {
	g.opsMu.RLock()
	defer g.opsMu.RUnlock()

	unlock := g.keys.Lock(clientID)
	defer unlock()

	if err := g.Admit(clientID); err != nil {
		return err
	}
	fn()
	return nil
}

// ApplyBlock blocks target on behalf of p.
func (g *Gate) ApplyBlock(ctx context.Context, p *Principal, target, reason string) (Result, error) {
	ctx, span := tracing.ModerationSpan(ctx, "block", target)
	defer span.End()

	if !p.HasCapability(CapabilityChatModerate) {
		metrics.ModerationActionsTotal.WithLabelValues("block", "forbidden").Inc()
		return Result{}, ErrForbidden
	}
	if target == "" {
		return Result{}, ErrMissingTarget
	}

	g.opsMu.RLock()
	defer g.opsMu.RUnlock()

	unlock := g.keys.Lock(target)
	defer unlock()

	rec := BlockRecord{
		ID:        NewRecordID(),
		ClientID:  target,
		Active:    true,
		ActorID:   p.ID,
		Reason:    reason,
		BlockedAt: g.now().UTC(),
	}

	storeCtx, cancel := g.storeContext(ctx)
	err := g.store.AddBlock(storeCtx, rec)
	cancel()
	if err != nil {
		metrics.ModerationActionsTotal.WithLabelValues("block", "error").Inc()
		perr := &PersistenceError{Op: "add block", Err: err}
		tracing.EndWithError(span, perr)
		return Result{}, perr
	}

	g.mu.Lock()
	g.blocked[target] = reason
	count := len(g.blocked)
	g.mu.Unlock()
	metrics.BlockedClients.Set(float64(count))

	evicted := false
	if g.evictor != nil {
		evicted = g.evictor.Evict(target, NoticeBlocked)
	}

	metrics.ModerationActionsTotal.WithLabelValues("block", "applied").Inc()
	log.Info().
		Str("target", target).
		Str("actor", p.Username).
		Str("reason", reason).
		Bool("evicted", evicted).
		Msg("moderation: client blocked")

	return Result{Outcome: OutcomeApplied, Record: &rec, Evicted: evicted}, nil
}

// ApplyUnblock lifts the active block on target on behalf of p. Unblocking a
// client that is not blocked yields OutcomeNoop.
func (g *Gate) ApplyUnblock(ctx context.Context, p *Principal, target string) (Result, error) {
	ctx, span := tracing.ModerationSpan(ctx, "unblock", target)
	defer span.End()

	if !p.HasCapability(CapabilityChatModerate) {
		metrics.ModerationActionsTotal.WithLabelValues("unblock", "forbidden").Inc()
		return Result{}, ErrForbidden
	}
	if target == "" {
		return Result{}, ErrMissingTarget
	}

	g.opsMu.RLock()
	defer g.opsMu.RUnlock()

	unlock := g.keys.Lock(target)
	defer unlock()

	storeCtx, cancel := g.storeContext(ctx)
	removed, err := g.store.RemoveBlock(storeCtx, target, p.ID)
	cancel()
	if err != nil {
		metrics.ModerationActionsTotal.WithLabelValues("unblock", "error").Inc()
		perr := &PersistenceError{Op: "remove block", Err: err}
		tracing.EndWithError(span, perr)
		return Result{}, perr
	}

	if !removed {
		metrics.ModerationActionsTotal.WithLabelValues("unblock", "noop").Inc()
		log.Info().Str("target", target).Str("actor", p.Username).Msg("moderation: unblock for client that was not blocked")
		return Result{Outcome: OutcomeNoop}, nil
	}

	g.mu.Lock()
	delete(g.blocked, target)
	count := len(g.blocked)
	g.mu.Unlock()
	metrics.BlockedClients.Set(float64(count))

	metrics.ModerationActionsTotal.WithLabelValues("unblock", "applied").Inc()
	log.Info().Str("target", target).Str("actor", p.Username).Msg("moderation: client unblocked")

	return Result{Outcome: OutcomeApplied}, nil
}

// Reload replaces the cache with the store's active records. The swap is a
// single assignment under the write lock so concurrent Admit calls see
// either the old or the new set, never a partial one.
func (g *Gate) Reload(ctx context.Context) error {
	g.opsMu.Lock()
	defer g.opsMu.Unlock()

	storeCtx, cancel := g.storeContext(ctx)
	records, err := g.store.ListActive(storeCtx)
	cancel()
	if err != nil {
		return &PersistenceError{Op: "list active", Err: err}
	}

	next := make(map[string]string, len(records))
	for _, rec := range records {
		next[rec.ClientID] = rec.Reason
	}

	g.mu.Lock()
	g.blocked = next
	g.mu.Unlock()
	metrics.BlockedClients.Set(float64(len(next)))

	log.Info().Int("blocked", len(next)).Msg("moderation: block list loaded")
	return nil
}

// Count returns the number of blocked client ids.
func (g *Gate) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.blocked)
}

// Blocked returns the blocked client ids, sorted.
func (g *Gate) Blocked() []string {
	g.mu.RLock()
	ids := make([]string, 0, len(g.blocked))
	for id := range g.blocked {
		ids = append(ids, id)
	}
	g.mu.RUnlock()

	slices.Sort(ids)
	return ids
}

// ActiveRecords returns the durable active records.
func (g *Gate) ActiveRecords(ctx context.Context) ([]BlockRecord, error) {
	storeCtx, cancel := g.storeContext(ctx)
	defer cancel()

	records, err := g.store.ListActive(storeCtx)
	if err != nil {
		return nil, &PersistenceError{Op: "list active", Err: err}
	}
	return records, nil
}

// History returns up to limit records, newest first.
func (g *Gate) History(ctx context.Context, limit int) ([]BlockRecord, error) {
	storeCtx, cancel := g.storeContext(ctx)
	defer cancel()

	records, err := g.store.History(storeCtx, limit)
	if err != nil {
		return nil, &PersistenceError{Op: "history", Err: err}
	}
	return records, nil
}

// Purge deletes inactive records blocked before the cutoff. Active records
// are never touched, so the cache is unaffected.
func (g *Gate) Purge(ctx context.Context, before time.Time) (int, error) {
	storeCtx, cancel := g.storeContext(ctx)
	defer cancel()

	n, err := g.store.PurgeInactive(storeCtx, before)
	if err != nil {
		return 0, &PersistenceError{Op: "purge inactive", Err: err}
	}
	return n, nil
}

func (g *Gate) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.timeout)
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Lock blocks until key is free and returns the matching unlock func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
