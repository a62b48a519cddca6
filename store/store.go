// Package store defines the aggregate persistence interface. The job
// subsystem defines its own store interface; the composite Store adds
// the lifecycle operations every backend shares. Backends: Memory,
// SQLite, Postgres, and Redis.
package store

import (
	"context"

	"github.com/prefect421/conveyor/job"
)

// Store is the aggregate persistence interface. A single backend
// (sqlite, postgres, redis, memory) implements all of it.
type Store interface {
	job.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
