package job

import "time"

// Options configures per-task behavior such as retries, queue, and priority.
type Options struct {
	// MaxRetries is the maximum number of retry attempts for transient
	// failures before the job fails terminally. Zero means the engine's
	// configured default.
	MaxRetries int

	// Queue is the queue name jobs of this type are enqueued to. Empty
	// means the first queue the engine is configured to poll.
	Queue string

	// Priority determines lease ordering. Higher values are processed first.
	Priority int

	// Timeout is the soft execution deadline. Zero means the engine's
	// configured default.
	Timeout time.Duration

	// RunAt schedules the job for future execution. Zero means immediate.
	RunAt time.Time
}

// DefaultOptions returns the zero Options. Fields left unset resolve
// against the engine configuration at submit time, so a definition that
// sets nothing lands on the first configured queue with the configured
// retry budget and soft timeout.
func DefaultOptions() Options {
	return Options{}
}

// Option is a functional option for configuring a task definition.
type Option func(*Options)

// WithMaxRetries sets the maximum number of retry attempts.
func WithMaxRetries(n int) Option {
	return func(o *Options) {
		o.MaxRetries = n
	}
}

// WithQueue sets the queue name for the task type.
func WithQueue(q string) Option {
	return func(o *Options) {
		o.Queue = q
	}
}

// WithPriority sets the job priority. Higher values are processed first.
func WithPriority(p int) Option {
	return func(o *Options) {
		o.Priority = p
	}
}

// WithTimeout sets the soft execution deadline for the task type.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.Timeout = d
	}
}

// WithRunAt schedules the job for execution at a specific time.
func WithRunAt(t time.Time) Option {
	return func(o *Options) {
		o.RunAt = t
	}
}
