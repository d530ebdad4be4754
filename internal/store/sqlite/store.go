// Package sqlite persists circuit-breaker blocks in a SQLite database so
// they survive gateway restarts.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/koltyakov/tunnelguard/internal/fsutil"
)

// Block writes are rare (one per blocked source), so a single connection
// serialises them without SQLITE_BUSY retries.
const maxConns = 1

// Store holds the blocked_ips table.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if err := fsutil.EnsureParentDir(path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(normal)")
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)

	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the blocks table and its expiry index.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS blocked_ips (
	ip TEXT PRIMARY KEY,
	blocked_until INTEGER NOT NULL,
	reason TEXT NOT NULL,
	failed_attempts INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_blocked_ips_until ON blocked_ips(blocked_until);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}
