package job

import (
	"context"
	"encoding/json"
	"fmt"
)

// Reporter receives progress updates from a running handler. The
// concrete implementation (progress.Reporter) throttles, clamps, and
// fans updates out to the store and the event bus.
type Reporter interface {
	// Report records progress in percent (0-100) with an optional
	// status message. It never blocks the handler.
	Report(ctx context.Context, percent float64, message string)
}

// nopReporter discards updates. Used when no reporter is wired (tests).
type nopReporter struct{}

func (nopReporter) Report(context.Context, float64, string) {}

// Runtime is the per-execution environment handed to task handlers.
type Runtime struct {
	// Job is the record being executed. Handlers treat it as read-only.
	Job *Job

	reporter Reporter
	result   json.RawMessage
}

// NewRuntime builds a runtime for one execution attempt.
func NewRuntime(j *Job, rep Reporter) *Runtime {
	if rep == nil {
		rep = nopReporter{}
	}
	return &Runtime{Job: j, reporter: rep}
}

// Progress reports handler progress. Percent is clamped to 0-100 and
// kept monotonic within the attempt by the reporter.
func (rt *Runtime) Progress(ctx context.Context, percent float64, message string) {
	rt.reporter.Report(ctx, percent, message)
}

// SetResult records the handler's output, serialized as JSON. It is
// persisted with the job on successful completion.
func (rt *Runtime) SetResult(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal result for job %s: %w", rt.Job.ID, err)
	}
	rt.result = data
	return nil
}

// Result returns the recorded result, or nil if none was set.
func (rt *Runtime) Result() json.RawMessage { return rt.result }
