// Package store defines the aggregate persistence interface.
//
// The job subsystem defines its own store interface (job.Store); the
// composite [Store] adds the lifecycle operations. A backend need only
// implement Store to plug into the engine.
//
// # Available Backends
//
//   - store/memory — in-memory store for development and testing
//   - store/sqlite — embedded SQLite backend using Bun (default)
//   - store/postgres — PostgreSQL backend using pgx/v5
//   - store/redis — Redis backend using go-redis
//
// # Usage
//
//	import "github.com/prefect421/conveyor/store/sqlite"
//
//	s, err := sqlite.Open("conveyor.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close()
//
//	eng, err := conveyor.New(conveyor.WithStore(s))
//
// # Migrations
//
// Call Migrate once at startup to create or update the schema:
//
//	if err := s.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
package store
