// Package queue is the durable, crash-recoverable store of jobs and of
// the processed-message ledger. It is the single source of truth for
// idempotency: no in-memory cache may substitute for its checks.
package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// ErrDurableStore marks any failure of the underlying database. The
// orchestrator aborts the run when it sees one, because proceeding
// without idempotency guarantees would risk double-sends.
var ErrDurableStore = errors.New("durable store failure")

// storeErr tags a database error so callers can recognize it as fatal.
func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrDurableStore, err)
}

// Store wraps sqlx.DB
type Store struct {
	*sqlx.DB
}

// New creates a new database connection
func New(path string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Connect with WAL mode and foreign keys enabled
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &Store{db}, nil
}

// Migrate runs database migrations
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
