package redis

import (
	"context"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	conveyor "github.com/prefect421/conveyor"
	"github.com/prefect421/conveyor/job"
)

// Compile-time interface checks.
var (
	_ job.Store       = (*Store)(nil)
	_ conveyor.Storer = (*Store)(nil)
)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements job.Store backed by Redis. Jobs are stored as
// Hashes; each queue is a Sorted Set scored by priority and run time.
// Suited to high-throughput workloads where job history is short-lived.
type Store struct {
	client goredis.UniversalClient
	logger *slog.Logger
}

// New creates a Redis store from an existing client. The caller owns
// the client lifecycle; Close is a no-op.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client: client,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Client returns the underlying Redis client for advanced usage.
func (s *Store) Client() goredis.UniversalClient {
	return s.client
}

// Migrate is a no-op: Redis needs no schema.
func (s *Store) Migrate(_ context.Context) error {
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op because the caller owns the client lifecycle.
func (s *Store) Close() error {
	return nil
}
