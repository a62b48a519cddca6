package worker_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	conveyor "github.com/prefect421/conveyor"
	"github.com/prefect421/conveyor/backoff"
	"github.com/prefect421/conveyor/ext"
	"github.com/prefect421/conveyor/fault"
	"github.com/prefect421/conveyor/id"
	"github.com/prefect421/conveyor/job"
	"github.com/prefect421/conveyor/middleware"
	"github.com/prefect421/conveyor/store/memory"
	"github.com/prefect421/conveyor/worker"
)

func setupTestPool(t *testing.T, concurrency int, pollInterval time.Duration) (
	*worker.Pool, *memory.Store, *job.Registry,
) {
	t.Helper()
	logger := slog.Default()
	s := memory.New()
	reg := job.NewRegistry()
	extensions := ext.NewRegistry(logger)

	bo := backoff.NewConstant(10 * time.Millisecond)

	executor := worker.NewExecutor(
		reg, extensions, s, bo, logger,
		middleware.Recover(logger),
	)

	pool := worker.NewPool(s, executor, extensions, logger,
		worker.WithPoolConcurrency(concurrency),
		worker.WithPollInterval(pollInterval),
		worker.WithPoolQueues([]string{"default"}),
		worker.WithLeaseTTL(time.Minute),
	)

	return pool, s, reg
}

func enqueueTestJob(t *testing.T, s *memory.Store, taskType string, payload any) *job.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	j := &job.Job{
		Entity:     conveyor.NewEntity(),
		ID:         id.NewJobID(),
		Type:       taskType,
		Queue:      "default",
		Payload:    raw,
		State:      job.StateQueued,
		MaxRetries: 3,
		RunAt:      time.Now().UTC(),
	}
	if err := s.EnqueueJob(context.Background(), j); err != nil {
		t.Fatalf("enqueue error: %v", err)
	}
	return j
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal(msg)
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func stopPool(t *testing.T, pool *worker.Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("stop error: %v", err)
	}
}

func TestPool_StartStop(t *testing.T) {
	pool, _, _ := setupTestPool(t, 2, 50*time.Millisecond)

	err := pool.Start(context.Background())
	if err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}

	// Double start should be no-op.
	err = pool.Start(context.Background())
	if err != nil {
		t.Fatalf("unexpected double-start error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = pool.Stop(ctx)
	if err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}

	// Double stop should be no-op.
	err = pool.Stop(ctx)
	if err != nil {
		t.Fatalf("unexpected double-stop error: %v", err)
	}
}

func TestPool_ProcessesJob(t *testing.T) {
	pool, s, reg := setupTestPool(t, 1, 10*time.Millisecond)

	var processed atomic.Bool
	job.RegisterDefinition(reg, job.NewDefinition("greet", func(_ context.Context, _ *job.Runtime, p struct{ Name string }) error {
		if p.Name != "Alice" {
			t.Errorf("payload.Name = %q, want %q", p.Name, "Alice")
		}
		processed.Store(true)
		return nil
	}))

	j := enqueueTestJob(t, s, "greet", struct{ Name string }{Name: "Alice"})

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	waitFor(t, processed.Load, "timed out waiting for job to be processed")
	stopPool(t, pool)

	// Verify job state.
	got, err := s.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("get job error: %v", err)
	}
	if got.State != job.StateCompleted {
		t.Errorf("job state = %q, want %q", got.State, job.StateCompleted)
	}
	if got.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}
	if got.Progress != 100 {
		t.Errorf("progress = %v, want 100", got.Progress)
	}
}

func TestPool_PermanentFailureSkipsRetry(t *testing.T) {
	pool, s, reg := setupTestPool(t, 1, 10*time.Millisecond)

	var attempts atomic.Int32
	job.RegisterDefinition(reg, job.NewDefinition("broken", func(_ context.Context, _ *job.Runtime, _ struct{}) error {
		attempts.Add(1)
		return fault.New(fault.ClassPermanent, "probe_failed", "no video stream")
	}))

	j := enqueueTestJob(t, s, "broken", struct{}{})

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	waitFor(t, func() bool {
		got, err := s.GetJob(context.Background(), j.ID)
		return err == nil && got.State == job.StateFailed
	}, "timed out waiting for job to fail")
	stopPool(t, pool)

	if n := attempts.Load(); n != 1 {
		t.Errorf("handler ran %d times, want 1 (permanent errors do not retry)", n)
	}

	got, _ := s.GetJob(context.Background(), j.ID)
	if got.Error == nil {
		t.Fatal("expected error info on failed job")
	}
	if got.Error.Code != "probe_failed" {
		t.Errorf("error code = %q, want %q", got.Error.Code, "probe_failed")
	}
}

func TestPool_TransientFailureRetries(t *testing.T) {
	pool, s, reg := setupTestPool(t, 1, 10*time.Millisecond)

	var attempts atomic.Int32
	job.RegisterDefinition(reg, job.NewDefinition("flaky", func(_ context.Context, _ *job.Runtime, _ struct{}) error {
		if attempts.Add(1) < 3 {
			return fault.New(fault.ClassTransient, "network_error", "connection reset")
		}
		return nil
	}))

	j := enqueueTestJob(t, s, "flaky", struct{}{})

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	waitFor(t, func() bool {
		got, err := s.GetJob(context.Background(), j.ID)
		return err == nil && got.State == job.StateCompleted
	}, "timed out waiting for retried job to complete")
	stopPool(t, pool)

	if n := attempts.Load(); n != 3 {
		t.Errorf("handler ran %d times, want 3", n)
	}
}

func TestPool_RetriesExhausted(t *testing.T) {
	pool, s, reg := setupTestPool(t, 1, 10*time.Millisecond)

	job.RegisterDefinition(reg, job.NewDefinition("doomed", func(_ context.Context, _ *job.Runtime, _ struct{}) error {
		return fault.New(fault.ClassTransient, "network_error", "still down")
	}))

	raw, _ := json.Marshal(struct{}{})
	j := &job.Job{
		Entity:     conveyor.NewEntity(),
		ID:         id.NewJobID(),
		Type:       "doomed",
		Queue:      "default",
		Payload:    raw,
		State:      job.StateQueued,
		MaxRetries: 1,
		RunAt:      time.Now().UTC(),
	}
	if err := s.EnqueueJob(context.Background(), j); err != nil {
		t.Fatalf("enqueue error: %v", err)
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	waitFor(t, func() bool {
		got, err := s.GetJob(context.Background(), j.ID)
		return err == nil && got.State == job.StateFailed
	}, "timed out waiting for job to exhaust retries")
	stopPool(t, pool)

	got, _ := s.GetJob(context.Background(), j.ID)
	if got.RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", got.RetryCount)
	}
	if got.Error == nil || got.Error.Code != "max_retries_exceeded" {
		t.Errorf("error = %+v, want code max_retries_exceeded", got.Error)
	}
}

func TestPool_CancelRequestStopsJob(t *testing.T) {
	pool, s, reg := setupTestPool(t, 1, 10*time.Millisecond)

	started := make(chan struct{})
	job.RegisterDefinition(reg, job.NewDefinition("long-running", func(ctx context.Context, _ *job.Runtime, _ struct{}) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))

	j := enqueueTestJob(t, s, "long-running", struct{}{})

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	<-started

	if _, err := s.RequestCancel(context.Background(), j.ID); err != nil {
		t.Fatalf("request cancel error: %v", err)
	}

	waitFor(t, func() bool {
		got, err := s.GetJob(context.Background(), j.ID)
		return err == nil && got.State == job.StateCancelled
	}, "timed out waiting for job to be cancelled")
	stopPool(t, pool)
}

func TestPool_LeaseTimeCancelEmitsEvent(t *testing.T) {
	logger := slog.Default()
	s := memory.New()
	reg := job.NewRegistry()
	extensions := ext.NewRegistry(logger)

	tracker := &trackingExt{}
	extensions.Register(tracker)

	bo := backoff.NewConstant(10 * time.Millisecond)
	executor := worker.NewExecutor(reg, extensions, s, bo, logger)
	pool := worker.NewPool(s, executor, extensions, logger,
		worker.WithPoolConcurrency(1),
		worker.WithPollInterval(10*time.Millisecond),
	)

	var ran atomic.Bool
	job.RegisterDefinition(reg, job.NewDefinition("never-runs", func(_ context.Context, _ *job.Runtime, _ struct{}) error {
		ran.Store(true)
		return nil
	}))

	// A cancel request that lands before any worker leases the job.
	raw, _ := json.Marshal(struct{}{})
	j := &job.Job{
		Entity:          conveyor.NewEntity(),
		ID:              id.NewJobID(),
		Type:            "never-runs",
		Queue:           "default",
		Payload:         raw,
		State:           job.StateQueued,
		CancelRequested: true,
		MaxRetries:      3,
		RunAt:           time.Now().UTC(),
	}
	if err := s.EnqueueJob(context.Background(), j); err != nil {
		t.Fatalf("enqueue error: %v", err)
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	waitFor(t, tracker.cancelled.Load, "timed out waiting for cancellation event")
	stopPool(t, pool)

	if ran.Load() {
		t.Error("handler ran for a cancel-requested job")
	}
	got, err := s.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("get job error: %v", err)
	}
	if got.State != job.StateCancelled {
		t.Errorf("job state = %q, want %q", got.State, job.StateCancelled)
	}
}

func TestPool_UnknownTaskFails(t *testing.T) {
	pool, s, _ := setupTestPool(t, 1, 10*time.Millisecond)

	j := enqueueTestJob(t, s, "not-registered", struct{}{})

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	waitFor(t, func() bool {
		got, err := s.GetJob(context.Background(), j.ID)
		return err == nil && got.State == job.StateFailed
	}, "timed out waiting for unknown-task job to fail")
	stopPool(t, pool)

	got, _ := s.GetJob(context.Background(), j.ID)
	if got.Error == nil || got.Error.Code != "unknown_task" {
		t.Errorf("error = %+v, want code unknown_task", got.Error)
	}
}

func TestPool_GracefulShutdown(t *testing.T) {
	pool, _, _ := setupTestPool(t, 4, 50*time.Millisecond)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}

	// Allow workers to start polling.
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := pool.Stop(ctx)
	if err != nil {
		t.Fatalf("graceful shutdown failed: %v", err)
	}
}

func TestPool_ExtensionFires(t *testing.T) {
	logger := slog.Default()
	s := memory.New()
	reg := job.NewRegistry()
	extensions := ext.NewRegistry(logger)

	// Register a tracking extension.
	tracker := &trackingExt{}
	extensions.Register(tracker)

	bo := backoff.NewConstant(10 * time.Millisecond)

	executor := worker.NewExecutor(reg, extensions, s, bo, logger)
	pool := worker.NewPool(s, executor, extensions, logger,
		worker.WithPoolConcurrency(1),
		worker.WithPollInterval(10*time.Millisecond),
	)

	var processed atomic.Bool
	job.RegisterDefinition(reg, job.NewDefinition("tracked", func(_ context.Context, _ *job.Runtime, _ struct{}) error {
		processed.Store(true)
		return nil
	}))

	enqueueTestJob(t, s, "tracked", struct{}{})

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	waitFor(t, processed.Load, "timed out waiting for job")
	stopPool(t, pool)

	if !tracker.started.Load() {
		t.Error("expected OnJobStarted to fire")
	}
	if !tracker.completed.Load() {
		t.Error("expected OnJobCompleted to fire")
	}
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

// trackingExt records which hooks fired.
type trackingExt struct {
	started   atomic.Bool
	completed atomic.Bool
	failed    atomic.Bool
	cancelled atomic.Bool
}

func (e *trackingExt) Name() string { return "tracker" }

func (e *trackingExt) OnJobStarted(_ context.Context, _ *job.Job) error {
	e.started.Store(true)
	return nil
}

func (e *trackingExt) OnJobCompleted(_ context.Context, _ *job.Job, _ time.Duration) error {
	e.completed.Store(true)
	return nil
}

func (e *trackingExt) OnJobFailed(_ context.Context, _ *job.Job, _ error) error {
	e.failed.Store(true)
	return nil
}

func (e *trackingExt) OnJobCancelled(_ context.Context, _ *job.Job) error {
	e.cancelled.Store(true)
	return nil
}
