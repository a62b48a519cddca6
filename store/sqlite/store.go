package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	conveyor "github.com/prefect421/conveyor"
	"github.com/prefect421/conveyor/job"
)

// Compile-time interface checks.
var (
	_ job.Store       = (*Store)(nil)
	_ conveyor.Storer = (*Store)(nil)
)

// Store is the embedded SQLite backend, built on Bun with the
// sqliteshim driver. It is the default store for single-process
// deployments.
type Store struct {
	db     *bun.DB
	logger *slog.Logger

	// owned is set when Open created the connection; Close then owns it.
	owned bool
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Open opens a SQLite database at path and wraps it in a Store.
// Use ":memory:" for an ephemeral database.
func Open(path string, opts ...Option) (*Store, error) {
	sqldb, err := sql.Open(sqliteshim.ShimName, path)
	if err != nil {
		return nil, fmt.Errorf("conveyor/sqlite: open %q: %w", path, err)
	}
	// SQLite is single-writer; one connection avoids lock contention
	// and keeps an in-memory database from vanishing between queries.
	sqldb.SetMaxOpenConns(1)

	s := New(bun.NewDB(sqldb, sqlitedialect.New()), opts...)
	s.owned = true
	return s, nil
}

// New wraps an existing *bun.DB. The caller owns the db lifecycle —
// the Store will not close it on Close().
func New(db *bun.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying *bun.DB for advanced usage.
func (s *Store) DB() *bun.DB {
	return s.db
}

// Migrate creates the jobs table and its indexes.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.NewCreateTable().
		Model((*jobModel)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/sqlite: create jobs table: %w", err)
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_conveyor_jobs_lease
			ON conveyor_jobs (queue, priority DESC, run_at ASC)`,
		`CREATE INDEX IF NOT EXISTS idx_conveyor_jobs_state
			ON conveyor_jobs (state)`,
	}
	for _, stmt := range indexes {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("conveyor/sqlite: create index: %w", err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection when Open created it; a Store wrapping a
// caller-provided db leaves the lifecycle to the caller.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

// ── helpers ──────────────────────────────────────────────────────

// isNoRows returns true when err indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// isDuplicateKey checks if a SQLite error is a unique constraint violation.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
