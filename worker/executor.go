// Package worker provides the job execution engine — an Executor that
// invokes registered handlers through middleware, and a Pool that
// manages concurrent worker goroutines leasing jobs from queues.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prefect421/conveyor/backoff"
	"github.com/prefect421/conveyor/ext"
	"github.com/prefect421/conveyor/fault"
	"github.com/prefect421/conveyor/id"
	"github.com/prefect421/conveyor/job"
	"github.com/prefect421/conveyor/middleware"
	"github.com/prefect421/conveyor/progress"
)

// Executor runs a single job through middleware and the registered handler,
// then classifies the outcome into a terminal state or a retry.
type Executor struct {
	registry   *job.Registry
	extensions *ext.Registry
	store      job.Store
	backoff    backoff.Strategy
	mw         middleware.Middleware
	logger     *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	registry *job.Registry,
	extensions *ext.Registry,
	store job.Store,
	bo backoff.Strategy,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		registry:   registry,
		extensions: extensions,
		store:      store,
		backoff:    bo,
		mw:         middleware.Chain(mws...),
		logger:     logger,
	}
}

// Execute runs a job through the middleware chain and handler.
// On success: marks completed, emits JobCompleted.
// On a transient failure with retries remaining: marks retrying with
// backoff, emits JobRetrying. Permanent and validation failures skip
// the retry loop entirely. A cancelled context from an operator cancel
// request lands the job in StateCancelled.
func (e *Executor) Execute(ctx context.Context, j *job.Job) error {
	handler, ok := e.registry.Get(j.Type)
	if !ok {
		err := fault.New(fault.ClassPermanent, "unknown_task", "no handler registered for task %q", j.Type)
		return e.handleFailure(ctx, j, err, time.Now().UTC())
	}

	reporter := progress.NewReporter(j, e.store, e.extensions, e.logger)
	reporter.ResetForAttempt(ctx, j.RetryCount+1)
	rt := job.NewRuntime(j, reporter)

	start := time.Now()

	// The terminal handler that decodes the payload and calls the
	// registered task handler.
	terminal := func(ctx context.Context) error {
		return handler(ctx, rt)
	}

	err := e.mw(ctx, j, terminal)
	elapsed := time.Since(start)

	now := time.Now().UTC()
	j.UpdatedAt = now

	if err != nil {
		return e.handleFailure(ctx, j, err, now)
	}

	j.Result = rt.Result()
	return e.handleSuccess(ctx, j, now, elapsed)
}

// handleSuccess marks the job as completed and emits the lifecycle event.
func (e *Executor) handleSuccess(ctx context.Context, j *job.Job, now time.Time, elapsed time.Duration) error {
	j.State = job.StateCompleted
	j.Progress = 100
	j.CompletedAt = &now
	j.Error = nil

	if updateErr := e.store.UpdateJob(ctx, j); updateErr != nil {
		e.logger.Error("failed to update job after success",
			slog.String("job_id", j.ID.String()),
			slog.String("task_type", j.Type),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}

	e.extensions.EmitJobCompleted(ctx, j, elapsed)
	return nil
}

// handleFailure classifies the handler error and routes the job to
// cancelled, retrying, or failed.
func (e *Executor) handleFailure(ctx context.Context, j *job.Job, handlerErr error, now time.Time) error {
	class := fault.ClassOf(handlerErr)
	j.Error = &job.ErrorInfo{
		Code:    fault.CodeOf(handlerErr),
		Message: handlerErr.Error(),
	}

	if class == fault.ClassCancelled || j.CancelRequested {
		return e.markCancelled(ctx, j, now)
	}

	if fault.IsTransient(handlerErr) {
		j.RetryCount++
		if j.RetryCount <= j.MaxRetries {
			return e.scheduleRetry(ctx, j, now)
		}
		j.Error.Code = "max_retries_exceeded"
	}

	return e.markFailed(ctx, j, handlerErr, now)
}

// markCancelled finalizes a job whose execution was cancelled.
func (e *Executor) markCancelled(ctx context.Context, j *job.Job, now time.Time) error {
	j.State = job.StateCancelled
	j.CompletedAt = &now

	if updateErr := e.store.UpdateJob(ctx, j); updateErr != nil {
		e.logger.Error("failed to update cancelled job",
			slog.String("job_id", j.ID.String()),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}

	e.extensions.EmitJobCancelled(ctx, j)

	e.logger.Info("job cancelled",
		slog.String("job_id", j.ID.String()),
		slog.String("task_type", j.Type),
	)

	return nil
}

// scheduleRetry sets the job to StateRetrying with a backoff delay.
func (e *Executor) scheduleRetry(ctx context.Context, j *job.Job, now time.Time) error {
	delay := e.backoff.Delay(j.RetryCount)
	nextRunAt := now.Add(delay)
	j.RunAt = nextRunAt
	j.State = job.StateRetrying
	j.WorkerID = id.WorkerID{}
	j.LeaseExpiresAt = nil

	if updateErr := e.store.UpdateJob(ctx, j); updateErr != nil {
		e.logger.Error("failed to update job for retry",
			slog.String("job_id", j.ID.String()),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}

	e.extensions.EmitJobRetrying(ctx, j, j.RetryCount, nextRunAt)

	e.logger.Info("job scheduled for retry",
		slog.String("job_id", j.ID.String()),
		slog.String("task_type", j.Type),
		slog.Int("attempt", j.RetryCount),
		slog.Int("max_retries", j.MaxRetries),
		slog.Duration("delay", delay),
	)

	return fmt.Errorf("job %s retry %d/%d: %s", j.ID, j.RetryCount, j.MaxRetries, j.Error.Message)
}

// markFailed finalizes a job that exhausted its retries or hit a
// non-retryable error.
func (e *Executor) markFailed(ctx context.Context, j *job.Job, handlerErr error, now time.Time) error {
	j.State = job.StateFailed
	j.CompletedAt = &now

	if updateErr := e.store.UpdateJob(ctx, j); updateErr != nil {
		e.logger.Error("failed to update job as failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}

	e.extensions.EmitJobFailed(ctx, j, handlerErr)

	e.logger.Warn("job failed",
		slog.String("job_id", j.ID.String()),
		slog.String("task_type", j.Type),
		slog.Int("retry_count", j.RetryCount),
		slog.String("error_code", j.Error.Code),
		slog.String("error", handlerErr.Error()),
	)

	return handlerErr
}
