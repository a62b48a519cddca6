// Package sqlite implements job.Store on SQLite via the Bun query
// builder and the sqliteshim driver. Suitable for embedded and
// single-process deployments; it is the engine's default durable store.
//
// Open a database directly, or wrap an existing *bun.DB:
//
//	import "github.com/prefect421/conveyor/store/sqlite"
//
//	store, err := sqlite.Open("conveyor.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//	store.Migrate(ctx)
package sqlite
