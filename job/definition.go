package job

import "context"

// Definition is a typed task definition with a handler function.
// T is the payload type (must be JSON-serializable). Struct payloads
// may carry `validate:` tags; they are checked at submit time and
// again before the handler runs.
type Definition[T any] struct {
	// Type is the unique identifier for this task type.
	Type string

	// Handler processes the payload. The runtime carries the progress
	// reporter and result sink; cancellation arrives through ctx.
	Handler func(ctx context.Context, rt *Runtime, payload T) error

	// Opts configures retries, queue, priority, and timeout.
	Opts Options
}

// NewDefinition creates a typed task definition.
func NewDefinition[T any](taskType string, handler func(ctx context.Context, rt *Runtime, payload T) error, opts ...Option) *Definition[T] {
	def := &Definition[T]{
		Type:    taskType,
		Handler: handler,
		Opts:    DefaultOptions(),
	}
	for _, opt := range opts {
		opt(&def.Opts)
	}
	return def
}
