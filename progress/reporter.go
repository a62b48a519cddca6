// Package progress implements the throttled progress reporter handed to
// task handlers. Updates flow to the job store and to the stream broker
// through the extension registry; neither write ever blocks or fails the
// handler.
package progress

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prefect421/conveyor/ext"
	"github.com/prefect421/conveyor/job"
)

// MinInterval is the floor for update propagation. Handlers may call
// Report as often as they like; updates inside the window are coalesced
// to the latest value and dropped.
const MinInterval = 250 * time.Millisecond

// Compile-time check: Reporter satisfies the handler-facing interface.
var _ job.Reporter = (*Reporter)(nil)

// Reporter throttles and persists progress for one execution attempt.
// Progress is monotonic within an attempt: a handler reporting a lower
// value than it already reported is clamped up to the previous value.
type Reporter struct {
	j      *job.Job
	store  job.Store
	hooks  *ext.Registry
	logger *slog.Logger

	interval time.Duration

	mu       sync.Mutex
	lastEmit time.Time
	floor    float64
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithInterval overrides the propagation interval. Values below
// MinInterval are raised to it.
func WithInterval(d time.Duration) Option {
	return func(r *Reporter) {
		if d < MinInterval {
			d = MinInterval
		}
		r.interval = d
	}
}

// NewReporter creates a reporter for one attempt of the given job.
func NewReporter(j *job.Job, store job.Store, hooks *ext.Registry, logger *slog.Logger, opts ...Option) *Reporter {
	r := &Reporter{
		j:        j,
		store:    store,
		hooks:    hooks,
		logger:   logger,
		interval: MinInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Report records a progress update. Percent is clamped to [0,100] and
// kept monotonic within the attempt. Updates are throttled to one per
// interval; the first update of an attempt and any update reaching 100
// always propagate.
func (r *Reporter) Report(ctx context.Context, percent float64, message string) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	// The lock spans the job mutation, the store write, and the hook
	// emission: batch handlers report from concurrent goroutines, and
	// two updates that both clear the throttle must not reach the store
	// or subscribers out of order.
	r.mu.Lock()
	defer r.mu.Unlock()

	if percent < r.floor {
		percent = r.floor
	}
	r.floor = percent

	now := time.Now()
	if !r.lastEmit.IsZero() && now.Sub(r.lastEmit) < r.interval && percent < 100 {
		return
	}
	r.lastEmit = now

	r.j.Progress = percent
	if message != "" {
		r.j.Message = message
	}

	if r.store != nil {
		if err := r.store.UpdateJob(ctx, r.j); err != nil {
			// Progress persistence is best-effort; the next update or
			// the terminal write will catch the store up.
			r.logger.Warn("progress update not persisted",
				slog.String("job_id", r.j.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	if r.hooks != nil {
		r.hooks.EmitJobProgress(ctx, r.j)
	}
}

// ResetForAttempt clears the monotonic floor at a retry boundary and
// announces the new attempt, so subscribers see the reset explicitly
// rather than progress silently jumping backwards.
func (r *Reporter) ResetForAttempt(ctx context.Context, attempt int) {
	r.mu.Lock()
	r.floor = 0
	r.lastEmit = time.Time{}
	r.mu.Unlock()

	r.Report(ctx, 0, attemptMessage(attempt))
}

func attemptMessage(attempt int) string {
	if attempt <= 1 {
		return "starting"
	}
	return fmt.Sprintf("retrying (attempt %d)", attempt)
}
