// Package job defines the job entity, state machine, typed task
// definitions, and store interface.
//
// # Job Entity
//
// A [Job] represents a unit of work. It embeds [conveyor.Entity] for
// timestamps, carries a typed payload (JSON), and progresses through a
// state machine:
//
//	queued → running → completed
//	queued → running → retrying → queued → running → ...
//	queued → running → failed
//	queued → cancelled
//	running → cancelled
//
// Fields of note:
//   - Queue: which queue the job belongs to ("fetch", "enrichment", ...)
//   - Priority: higher values are leased first
//   - MaxRetries / RetryCount: controls the transient-retry budget
//   - RunAt: earliest time the job may be leased (backoff scheduling)
//   - LeaseExpiresAt: lease deadline; expired leases are re-queued
//   - CancelRequested: set-once cooperative cancellation flag
//
// # Defining a Task
//
// Use [Definition] with a typed handler. The payload is JSON-serialized
// at submit time and deserialized (and validated) before the handler
// runs:
//
//	var Fetch = job.NewDefinition("media.fetch",
//	    func(ctx context.Context, rt *job.Runtime, input FetchInput) error {
//	        return fetcher.Run(ctx, rt, input)
//	    },
//	    job.WithQueue("fetch"),
//	)
//
// # Registry
//
// [Registry] maps task types to type-erased [HandlerFunc] values and
// validates inbound payloads with go-playground/validator struct tags.
// Register definitions at startup via [RegisterDefinition]:
//
//	job.RegisterDefinition(registry, Fetch)
//	job.RegisterDefinition(registry, Analyze)
//
// The engine package provides higher-level engine.Register and
// engine.Submit wrappers.
package job
