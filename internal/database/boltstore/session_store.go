package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"radiochat/internal/auth"

	bolt "go.etcd.io/bbolt"
)

// SessionStore implements auth.SessionStore using BoltDB for persistence,
// allowing session tokens to survive server restarts.
type SessionStore struct {
	db *bolt.DB
}

// Ensure SessionStore implements auth.SessionStore
var _ auth.SessionStore = (*SessionStore)(nil)

// GetSession retrieves a session by token hash.
func (s *SessionStore) GetSession(ctx context.Context, tokenHash string) (*auth.Session, error) {
	var session *auth.Session

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(BucketSessions).Get([]byte(tokenHash))
		if data == nil {
			return auth.ErrSessionNotFound
		}

		session = &auth.Session{}
		return json.Unmarshal(data, session)
	})
	if err != nil {
		return nil, err
	}

	return session, nil
}

// SaveSession persists a session (upsert operation).
func (s *SessionStore) SaveSession(ctx context.Context, sess auth.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(BucketSessions).Put([]byte(sess.TokenHash), data)
	})
}

// DeleteSession removes a session by token hash.
func (s *SessionStore) DeleteSession(ctx context.Context, tokenHash string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(BucketSessions).Delete([]byte(tokenHash))
	})
}

// PurgeExpired deletes sessions that expired before now.
func (s *SessionStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	var removed int

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketSessions)

		var expired [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			var sess auth.Session
			if err := json.Unmarshal(v, &sess); err != nil {
				// Unreadable entries can never verify.
				expired = append(expired, k)
				return nil
			}
			if sess.Expired(now) {
				expired = append(expired, k)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range expired {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(expired)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}

	return removed, nil
}
