// Package conveyor provides a composable background-job engine for
// long-running media operations: remote content fetches, bulk metadata
// enrichment, and media analysis, with durable queues and real-time
// progress streaming.
//
// Conveyor is designed as a library, not a service. Import it, configure
// a store, register task handlers as ordinary Go functions, and submit
// jobs. Progress flows from handlers through an in-process event bus to
// WebSocket subscribers.
//
// # Quick Start
//
//	eng, err := engine.New(
//	    engine.WithStore(st),
//	    engine.WithConfig(conveyor.DefaultConfig()),
//	)
//
// # Architecture
//
// Conveyor follows a composable store pattern: the job subsystem defines
// its store interface and a single backend (memory, sqlite, postgres, or
// redis) implements it. Delivery is at-least-once: jobs are leased, not
// removed, and a supervisor re-queues work whose lease expired.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package conveyor
