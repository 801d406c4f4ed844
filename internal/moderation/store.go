package moderation

import (
	"context"
	"time"
)

// Store defines the persistence interface for block records.
// Implementations must be safe for concurrent use.
type Store interface {
	// IsBlocked reports whether clientID has an active block record.
	IsBlocked(ctx context.Context, clientID string) (bool, error)

	// AddBlock deactivates any active record for rec.ClientID and stores rec
	// as the new active record.
	AddBlock(ctx context.Context, rec BlockRecord) error

	// RemoveBlock deactivates the active record for clientID. It returns false
	// when there was nothing to deactivate.
	RemoveBlock(ctx context.Context, clientID, actorID string) (bool, error)

	// ListActive returns all active records.
	ListActive(ctx context.Context) ([]BlockRecord, error)

	// History returns the most recent records, active or not, newest first.
	History(ctx context.Context, limit int) ([]BlockRecord, error)

	// PurgeInactive deletes inactive records blocked before the cutoff and
	// returns how many were removed.
	PurgeInactive(ctx context.Context, before time.Time) (int, error)
}

// PermissionResolver looks up the current role state of a user.
type PermissionResolver interface {
	// ResolveByUsername returns ErrPrincipalNotFound for unknown users.
	ResolveByUsername(ctx context.Context, username string) (*Principal, error)
}
