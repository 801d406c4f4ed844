package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"radiochat/internal/metrics"
	"radiochat/internal/moderation"
	"radiochat/internal/tracing"

	bolt "go.etcd.io/bbolt"
)

// BlockStore implements moderation.Store using BoltDB.
//
// Records live in BucketBlocks keyed by id. BucketActiveBlocks maps a client
// id to the id of its active record and is updated in the same transaction
// as the record, so a client id has at most one active record.
type BlockStore struct {
	db *bolt.DB
}

// Ensure BlockStore implements the interface at compile time.
var _ moderation.Store = (*BlockStore)(nil)

func observe(op string, start time.Time) {
	metrics.StoreOperationDuration.WithLabelValues("bolt", op).Observe(time.Since(start).Seconds())
}

func getRecord(bucket *bolt.Bucket, id []byte) (*moderation.BlockRecord, error) {
	data := bucket.Get(id)
	if data == nil {
		return nil, nil
	}
	var rec moderation.BlockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal block record %s: %w", id, err)
	}
	return &rec, nil
}

func putRecord(bucket *bolt.Bucket, rec *moderation.BlockRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal block record: %w", err)
	}
	return bucket.Put([]byte(rec.ID), data)
}

// IsBlocked reports whether clientID has an active record.
func (s *BlockStore) IsBlocked(ctx context.Context, clientID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	defer observe("is_blocked", time.Now())

	var blocked bool
	err := s.db.View(func(tx *bolt.Tx) error {
		blocked = tx.Bucket(BucketActiveBlocks).Get([]byte(clientID)) != nil
		return nil
	})
	return blocked, err
}

// AddBlock deactivates any active record for rec.ClientID and stores rec as
// the new active record.
func (s *BlockStore) AddBlock(ctx context.Context, rec moderation.BlockRecord) error {
	_, span := tracing.StoreSpan(ctx, "bolt", "add_block")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return err
	}
	defer observe("add_block", time.Now())

	rec.Active = true
	err := s.db.Update(func(tx *bolt.Tx) error {
		blocks := tx.Bucket(BucketBlocks)
		active := tx.Bucket(BucketActiveBlocks)

		if prevID := active.Get([]byte(rec.ClientID)); prevID != nil {
			prev, err := getRecord(blocks, prevID)
			if err != nil {
				return err
			}
			if prev != nil {
				prev.Active = false
				if err := putRecord(blocks, prev); err != nil {
					return err
				}
			}
		}

		if err := putRecord(blocks, &rec); err != nil {
			return err
		}
		return active.Put([]byte(rec.ClientID), []byte(rec.ID))
	})
	if err != nil {
		tracing.EndWithError(span, err)
		return fmt.Errorf("add block: %w", err)
	}
	return nil
}

// RemoveBlock deactivates the active record for clientID.
func (s *BlockStore) RemoveBlock(ctx context.Context, clientID, actorID string) (bool, error) {
	_, span := tracing.StoreSpan(ctx, "bolt", "remove_block")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return false, err
	}
	defer observe("remove_block", time.Now())

	var removed bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		blocks := tx.Bucket(BucketBlocks)
		active := tx.Bucket(BucketActiveBlocks)

		id := active.Get([]byte(clientID))
		if id == nil {
			return nil
		}

		rec, err := getRecord(blocks, id)
		if err != nil {
			return err
		}
		if rec != nil {
			now := time.Now().UTC()
			rec.Active = false
			rec.UnblockedAt = &now
			rec.UnblockedBy = actorID
			if err := putRecord(blocks, rec); err != nil {
				return err
			}
		}

		removed = true
		return active.Delete([]byte(clientID))
	})
	if err != nil {
		tracing.EndWithError(span, err)
		return false, fmt.Errorf("remove block: %w", err)
	}
	return removed, nil
}

// ListActive returns all active records.
func (s *BlockStore) ListActive(ctx context.Context) ([]moderation.BlockRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer observe("list_active", time.Now())

	var records []moderation.BlockRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		blocks := tx.Bucket(BucketBlocks)
		return tx.Bucket(BucketActiveBlocks).ForEach(func(_, id []byte) error {
			rec, err := getRecord(blocks, id)
			if err != nil {
				return err
			}
			if rec != nil {
				records = append(records, *rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list active blocks: %w", err)
	}
	return records, nil
}

// History returns up to limit records, newest first.
func (s *BlockStore) History(ctx context.Context, limit int) ([]moderation.BlockRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer observe("history", time.Now())

	var records []moderation.BlockRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(BucketBlocks).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(records) >= limit {
				break
			}
			var rec moderation.BlockRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				// Skip malformed entries
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("block history: %w", err)
	}
	return records, nil
}

// PurgeInactive deletes inactive records blocked before the cutoff.
func (s *BlockStore) PurgeInactive(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	defer observe("purge_inactive", time.Now())

	var removed int
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketBlocks)

		// Collect keys to delete (can't delete while iterating)
		var keysToDelete [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			var rec moderation.BlockRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			if !rec.Active && rec.BlockedAt.Before(before) {
				keysToDelete = append(keysToDelete, append([]byte{}, k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range keysToDelete {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(keysToDelete)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("purge inactive blocks: %w", err)
	}
	return removed, nil
}
