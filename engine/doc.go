// Package engine wires all Conveyor subsystems together and provides
// the primary application-level API for registering task types and
// submitting jobs.
//
// The engine package exists to break a fundamental import cycle: the
// root conveyor package defines Entity and Config (imported by job,
// worker, supervisor, etc.) and therefore cannot import those packages
// back. Engine sits above all subsystem packages and below the
// application layer.
//
// # Building an Engine
//
//	st, err := sqlite.Open("conveyor.db")
//	eng, err := engine.New(
//	    engine.WithStore(st),
//	    engine.WithConfig(cfg),
//	    engine.WithLogger(logger),
//	    engine.WithQueueConfig(queue.Config{
//	        Name:          "fetch",
//	        MaxConcurrent: 4,
//	    }),
//	)
//
// # Registering Task Types
//
//	engine.Register(eng, tasks.NewFetch(fetchCfg, logger))
//	engine.Register(eng, tasks.NewAnalyze(analyzeCfg, logger))
//
// # Submitting Work
//
//	jobID, err := eng.Submit(ctx, "media.fetch", payload)
//
//	snap, err := eng.GetStatus(ctx, jobID)
//	err = eng.Cancel(ctx, jobID)
//
// # Lifecycle
//
// Start runs store migrations, then starts the worker pool and the
// supervisor. Stop drains the pool within the shutdown timeout and
// fires the extension shutdown hooks.
package engine
