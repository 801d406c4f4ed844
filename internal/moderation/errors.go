package moderation

import (
	"errors"
	"fmt"
)

var (
	// ErrBlocked matches any *BlockedError.
	ErrBlocked = errors.New("client is blocked")

	// ErrForbidden is returned when the acting principal lacks the
	// capability required for a command.
	ErrForbidden = errors.New("insufficient capability")

	// ErrPersistence matches any *PersistenceError.
	ErrPersistence = errors.New("persistence failure")

	// ErrPrincipalNotFound is returned by resolvers for unknown users.
	ErrPrincipalNotFound = errors.New("principal not found")
)

// BlockedError is returned by Gate.Admit for client ids with an active block.
type BlockedError struct {
	ClientID string
	Reason   string
}

func (e *BlockedError) Error() string {
	if e.Reason == "" {
		return "client " + e.ClientID + " is blocked"
	}
	return "client " + e.ClientID + " is blocked: " + e.Reason
}

func (e *BlockedError) Is(target error) bool {
	return target == ErrBlocked
}

// PersistenceError wraps a failed store call. The gate leaves its cache
// untouched when it returns one.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("moderation store %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}
