// Package sqlitestore provides SQLite-backed store implementations.
//
// Block records are accessed with hand-written SQL through database/sql;
// users, roles and sessions go through gorm on the same connection pool.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/XSAM/otelsql"
	"go.opentelemetry.io/otel/attribute"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS blocked_sessions (
	id           TEXT PRIMARY KEY,
	client_id    TEXT NOT NULL,
	blocked_by   TEXT NOT NULL DEFAULT '',
	reason       TEXT NOT NULL DEFAULT '',
	blocked_at   TEXT NOT NULL,
	unblocked_at TEXT,
	unblocked_by TEXT NOT NULL DEFAULT '',
	is_active    INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_blocked_sessions_client ON blocked_sessions(client_id);
CREATE INDEX IF NOT EXISTS idx_blocked_sessions_blocked_at ON blocked_sessions(blocked_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_blocked_sessions_one_active
	ON blocked_sessions(client_id) WHERE is_active = 1;
`

// Store owns the SQLite connection pool.
type Store struct {
	db   *sql.DB
	gorm *gorm.DB
}

// Open opens (creating if needed) the database at path, applies the schema
// and seeds the default roles.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = "radiochat.sqlite"
	}
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := otelsql.Open("sqlite", dsn,
		otelsql.WithAttributes(attribute.String("db.system", "sqlite")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	gdb, err := gorm.Open(gormsqlite.New(gormsqlite.Config{DriverName: "sqlite", Conn: db}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open gorm: %w", err)
	}

	s := &Store{db: db, gorm: gdb}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// BlockStore returns the block record store.
func (s *Store) BlockStore() *BlockStore {
	return NewBlockStore(s.db)
}

// UserStore returns the users/roles store.
func (s *Store) UserStore() *UserStore {
	return &UserStore{db: s.gorm}
}

// SessionStore returns the session token store.
func (s *Store) SessionStore() *SessionStore {
	return &SessionStore{db: s.gorm}
}
