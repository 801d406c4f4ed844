package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"radiochat/internal/metrics"
	"radiochat/internal/moderation"
	"radiochat/internal/tracing"
)

// BlockStore implements moderation.Store using SQLite.
type BlockStore struct {
	db *sql.DB
}

// NewBlockStore creates a BlockStore backed by the given database.
// The database must already have the schema applied.
func NewBlockStore(db *sql.DB) *BlockStore {
	return &BlockStore{db: db}
}

// Ensure BlockStore implements the interface at compile time.
var _ moderation.Store = (*BlockStore)(nil)

func observe(op string, start time.Time) {
	metrics.StoreOperationDuration.WithLabelValues("sqlite", op).Observe(time.Since(start).Seconds())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

const recordColumns = `id, client_id, blocked_by, reason, blocked_at, unblocked_at, unblocked_by, is_active`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (moderation.BlockRecord, error) {
	var (
		rec         moderation.BlockRecord
		blockedAt   string
		unblockedAt sql.NullString
		active      int
	)
	err := row.Scan(&rec.ID, &rec.ClientID, &rec.ActorID, &rec.Reason, &blockedAt, &unblockedAt, &rec.UnblockedBy, &active)
	if err != nil {
		return rec, err
	}
	rec.BlockedAt = parseTime(blockedAt)
	if unblockedAt.Valid {
		t := parseTime(unblockedAt.String)
		rec.UnblockedAt = &t
	}
	rec.Active = active == 1
	return rec, nil
}

func (s *BlockStore) IsBlocked(ctx context.Context, clientID string) (bool, error) {
	defer observe("is_blocked", time.Now())

	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM blocked_sessions WHERE client_id = ? AND is_active = 1`, clientID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is blocked: %w", err)
	}
	return true, nil
}

// AddBlock deactivates any prior active record and inserts rec in one
// transaction.
func (s *BlockStore) AddBlock(ctx context.Context, rec moderation.BlockRecord) error {
	ctx, span := tracing.StoreSpan(ctx, "sqlite", "add_block")
	defer span.End()
	defer observe("add_block", time.Now())

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE blocked_sessions SET is_active = 0 WHERE client_id = ? AND is_active = 1`,
			rec.ClientID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO blocked_sessions (id, client_id, blocked_by, reason, blocked_at, is_active)
			VALUES (?, ?, ?, ?, ?, 1)
		`, rec.ID, rec.ClientID, rec.ActorID, rec.Reason, formatTime(rec.BlockedAt))
		return err
	})
	if err != nil {
		tracing.EndWithError(span, err)
		return fmt.Errorf("add block: %w", err)
	}
	return nil
}

func (s *BlockStore) RemoveBlock(ctx context.Context, clientID, actorID string) (bool, error) {
	ctx, span := tracing.StoreSpan(ctx, "sqlite", "remove_block")
	defer span.End()
	defer observe("remove_block", time.Now())

	res, err := s.db.ExecContext(ctx, `
		UPDATE blocked_sessions
		SET is_active = 0, unblocked_at = ?, unblocked_by = ?
		WHERE client_id = ? AND is_active = 1
	`, formatTime(time.Now()), actorID, clientID)
	if err != nil {
		tracing.EndWithError(span, err)
		return false, fmt.Errorf("remove block: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove block: %w", err)
	}
	return n > 0, nil
}

func (s *BlockStore) ListActive(ctx context.Context) ([]moderation.BlockRecord, error) {
	defer observe("list_active", time.Now())

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM blocked_sessions WHERE is_active = 1 ORDER BY blocked_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list active blocks: %w", err)
	}
	defer rows.Close()

	var records []moderation.BlockRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list active blocks: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// History returns up to limit records, newest first. A limit of zero or less
// returns everything.
func (s *BlockStore) History(ctx context.Context, limit int) ([]moderation.BlockRecord, error) {
	defer observe("history", time.Now())

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM blocked_sessions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("block history: %w", err)
	}
	defer rows.Close()

	var records []moderation.BlockRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("block history: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *BlockStore) PurgeInactive(ctx context.Context, before time.Time) (int, error) {
	defer observe("purge_inactive", time.Now())

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM blocked_sessions WHERE is_active = 0 AND blocked_at < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("purge inactive blocks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge inactive blocks: %w", err)
	}
	return int(n), nil
}

func (s *BlockStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
