package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/prefect421/conveyor/ext"
	"github.com/prefect421/conveyor/id"
	"github.com/prefect421/conveyor/job"
)

// ActiveCounter reports how many jobs are executing right now.
// worker.Pool satisfies this interface.
type ActiveCounter interface {
	ActiveCount() int
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithSweepInterval sets how often the lease sweep and terminal purge run.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Supervisor) { s.sweepInterval = d }
}

// WithStaleThreshold sets how long a running job may go without a
// heartbeat before it counts as abandoned.
func WithStaleThreshold(d time.Duration) Option {
	return func(s *Supervisor) { s.staleThreshold = d }
}

// WithJobTTL sets how long terminal job records are retained.
func WithJobTTL(d time.Duration) Option {
	return func(s *Supervisor) { s.jobTTL = d }
}

// WithHealthInterval sets how often the health snapshot is refreshed.
func WithHealthInterval(d time.Duration) Option {
	return func(s *Supervisor) { s.healthInterval = d }
}

// Supervisor runs the background maintenance loops: re-queueing or
// failing jobs whose worker lease expired, purging old terminal
// records, and keeping a current health snapshot.
type Supervisor struct {
	store      job.Store
	extensions *ext.Registry
	workers    ActiveCounter
	logger     *slog.Logger

	sweepInterval  time.Duration
	staleThreshold time.Duration
	jobTTL         time.Duration
	healthInterval time.Duration

	failures *failureRing
	health   *healthState

	cron *cronlib.Cron
}

// New creates a Supervisor. workers may be nil when no pool runs in
// this process; the health snapshot then reports zero active workers.
func New(
	store job.Store,
	extensions *ext.Registry,
	workers ActiveCounter,
	logger *slog.Logger,
	opts ...Option,
) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		store:          store,
		extensions:     extensions,
		workers:        workers,
		logger:         logger,
		sweepInterval:  30 * time.Second,
		staleThreshold: 90 * time.Second,
		jobTTL:         2 * time.Hour,
		healthInterval: 15 * time.Second,
		failures:       newFailureRing(),
		health:         &healthState{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name identifies the supervisor as an extension. Registering it with
// the ext registry feeds the completion and failure counters that back
// the rolling failure rate.
func (s *Supervisor) Name() string { return "supervisor" }

// OnJobCompleted records a success in the failure-rate window.
func (s *Supervisor) OnJobCompleted(_ context.Context, _ *job.Job, _ time.Duration) error {
	s.failures.record(time.Now().UTC(), false)
	return nil
}

// OnJobFailed records a terminal failure in the failure-rate window.
func (s *Supervisor) OnJobFailed(_ context.Context, _ *job.Job, _ error) error {
	s.failures.record(time.Now().UTC(), true)
	return nil
}

// Start schedules the maintenance loops.
func (s *Supervisor) Start(_ context.Context) error {
	s.cron = cronlib.New()
	if _, err := s.cron.AddFunc(every(s.sweepInterval), s.runSweep); err != nil {
		return fmt.Errorf("schedule lease sweep: %w", err)
	}
	if _, err := s.cron.AddFunc(every(s.sweepInterval), s.runPurge); err != nil {
		return fmt.Errorf("schedule terminal purge: %w", err)
	}
	if _, err := s.cron.AddFunc(every(s.healthInterval), s.runHealth); err != nil {
		return fmt.Errorf("schedule health snapshot: %w", err)
	}
	s.cron.Start()
	s.logger.Info("supervisor started",
		slog.Duration("sweep_interval", s.sweepInterval),
		slog.Duration("stale_threshold", s.staleThreshold),
		slog.Duration("job_ttl", s.jobTTL),
	)
	return nil
}

// Stop halts the schedules and waits for any in-flight run to finish.
func (s *Supervisor) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.logger.Info("supervisor stopped")
	return nil
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

func (s *Supervisor) runSweep() {
	ctx := context.Background()
	if err := s.Sweep(ctx); err != nil {
		s.logger.Error("lease sweep error", slog.String("error", err.Error()))
	}
}

// Sweep finds running jobs whose lease expired or whose heartbeat went
// silent and re-queues each of them once. A job that expires a second
// time is failed for good.
func (s *Supervisor) Sweep(ctx context.Context) error {
	expired, err := s.store.ExpiredLeases(ctx, s.staleThreshold)
	if err != nil {
		return fmt.Errorf("list expired leases: %w", err)
	}

	now := time.Now().UTC()
	for _, j := range expired {
		switch {
		case j.CancelRequested:
			s.cancelExpired(ctx, j, now)
		case j.ReapCount == 0:
			s.requeueExpired(ctx, j, now)
		default:
			s.failExpired(ctx, j, now)
		}
	}
	return nil
}

func (s *Supervisor) requeueExpired(ctx context.Context, j *job.Job, now time.Time) {
	j.State = job.StateQueued
	j.ReapCount++
	j.WorkerID = id.WorkerID{}
	j.LeaseExpiresAt = nil
	j.HeartbeatAt = nil
	j.RunAt = now
	j.Touch(now)

	if err := s.store.UpdateJob(ctx, j); err != nil {
		s.logger.Error("requeue expired job",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.Warn("lease expired, job re-queued",
		slog.String("job_id", j.ID.String()),
		slog.String("task_type", j.Type),
		slog.Int("reap_count", j.ReapCount),
	)
}

func (s *Supervisor) failExpired(ctx context.Context, j *job.Job, now time.Time) {
	j.State = job.StateFailed
	j.Error = &job.ErrorInfo{
		Code:    "supervisor_timeout",
		Message: fmt.Sprintf("lease expired %d times without completion", j.ReapCount+1),
	}
	j.WorkerID = id.WorkerID{}
	j.LeaseExpiresAt = nil
	j.CompletedAt = &now
	j.Touch(now)

	if err := s.store.UpdateJob(ctx, j); err != nil {
		s.logger.Error("fail expired job",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.Error("lease expired again, job failed",
		slog.String("job_id", j.ID.String()),
		slog.String("task_type", j.Type),
	)
	s.extensions.EmitJobFailed(ctx, j, fmt.Errorf("%s: %s", j.Error.Code, j.Error.Message))
}

func (s *Supervisor) cancelExpired(ctx context.Context, j *job.Job, now time.Time) {
	j.State = job.StateCancelled
	j.WorkerID = id.WorkerID{}
	j.LeaseExpiresAt = nil
	j.CompletedAt = &now
	j.Touch(now)

	if err := s.store.UpdateJob(ctx, j); err != nil {
		s.logger.Error("cancel expired job",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	s.extensions.EmitJobCancelled(ctx, j)
}

func (s *Supervisor) runPurge() {
	ctx := context.Background()
	n, err := s.Purge(ctx)
	if err != nil {
		s.logger.Error("terminal purge error", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		s.logger.Info("purged terminal jobs", slog.Int64("count", n))
	}
}

// Purge deletes terminal job records older than the retention TTL and
// returns how many were removed.
func (s *Supervisor) Purge(ctx context.Context) (int64, error) {
	return s.store.PurgeTerminal(ctx, s.jobTTL)
}

func (s *Supervisor) runHealth() {
	ctx := context.Background()
	if _, err := s.Refresh(ctx); err != nil {
		s.logger.Error("health snapshot error", slog.String("error", err.Error()))
	}
}

// Refresh rebuilds the health snapshot and returns it.
func (s *Supervisor) Refresh(ctx context.Context) (Health, error) {
	depths, err := s.store.QueueDepths(ctx)
	if err != nil {
		return Health{}, fmt.Errorf("queue depths: %w", err)
	}

	active := 0
	if s.workers != nil {
		active = s.workers.ActiveCount()
	}

	now := time.Now().UTC()
	h := Health{
		QueueDepths:   depths,
		ActiveWorkers: active,
		FailureRate:   s.failures.rate(now),
		Window:        failureWindow,
		GeneratedAt:   now,
	}
	s.health.set(h)
	return h, nil
}

// Health returns the most recent snapshot. A zero GeneratedAt means no
// refresh has run yet.
func (s *Supervisor) Health() Health {
	return s.health.get()
}
