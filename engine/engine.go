// Package engine wires all Conveyor subsystems together. It creates the
// extension registry, task registry, middleware chain, worker pool,
// stream broker, and supervisor, and provides the Submit/GetStatus/
// Cancel/ListActive operations.
//
// This package exists to break the import cycle: the root conveyor
// package defines Entity and Config (imported by job, worker, etc.)
// and so cannot import those packages back. The engine package sits
// above all subsystem packages and below the application layer.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	conveyor "github.com/prefect421/conveyor"
	"github.com/prefect421/conveyor/backoff"
	"github.com/prefect421/conveyor/ext"
	"github.com/prefect421/conveyor/id"
	"github.com/prefect421/conveyor/job"
	mw "github.com/prefect421/conveyor/middleware"
	"github.com/prefect421/conveyor/queue"
	"github.com/prefect421/conveyor/stream"
	"github.com/prefect421/conveyor/supervisor"
	"github.com/prefect421/conveyor/worker"
)

// Engine is the application-level entry point. Register task types,
// call Start, then Submit work.
type Engine struct {
	cfg        conveyor.Config
	store      job.Store
	storer     conveyor.Storer
	extensions *ext.Registry
	registry   *job.Registry
	broker     *stream.Broker
	bo         backoff.Strategy
	pool       *worker.Pool
	sup        *supervisor.Supervisor
	mws        []mw.Middleware
	exts       []ext.Extension
	logger     *slog.Logger

	queueConfigs []queue.Config
	queueManager *queue.Manager

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	started bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore sets the persistence backend. The store must implement
// job.Store; backends that also implement conveyor.Storer get their
// migrations run on Start.
func WithStore(s job.Store) Option {
	return func(eng *Engine) {
		eng.store = s
		if st, ok := s.(conveyor.Storer); ok {
			eng.storer = st
		}
	}
}

// WithConfig sets the engine configuration. DefaultConfig is used
// otherwise.
func WithConfig(cfg conveyor.Config) Option {
	return func(eng *Engine) { eng.cfg = cfg }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(eng *Engine) { eng.logger = logger }
}

// WithExtension registers a lifecycle extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) { eng.exts = append(eng.exts, e) }
}

// WithMiddleware appends middleware to the engine's execution chain,
// after the default stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) { eng.mws = append(eng.mws, m) }
}

// WithBackoff sets the retry backoff strategy. If not set, the retry
// policy from Config is used (exponential with jitter).
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) { eng.bo = b }
}

// WithQueueConfig registers per-queue concurrency caps and rate
// limits. Queues not listed have no limits.
func WithQueueConfig(configs ...queue.Config) Option {
	return func(eng *Engine) {
		eng.queueConfigs = append(eng.queueConfigs, configs...)
	}
}

// WithTracerProvider sets a custom OTel TracerProvider. If not set,
// the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) { eng.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider. If not set, the
// global otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// New builds an Engine and wires its subsystems. The store option is
// required.
func New(opts ...Option) (*Engine, error) {
	eng := &Engine{
		cfg:      conveyor.DefaultConfig(),
		registry: job.NewRegistry(),
		logger:   slog.Default(),
	}

	for _, opt := range opts {
		opt(eng)
	}

	if eng.store == nil {
		return nil, conveyor.ErrNoStore
	}

	eng.extensions = ext.NewRegistry(eng.logger)
	for _, e := range eng.exts {
		eng.extensions.Register(e)
	}

	if eng.bo == nil {
		eng.bo = backoff.NewExponentialWithJitter(eng.cfg.RetryBackoffBase, eng.cfg.RetryBackoffCap)
	}

	// The broker feeds live events to gateway subscribers.
	eng.broker = stream.NewBroker(eng.logger)
	eng.extensions.Register(eng.broker)

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer("github.com/prefect421/conveyor"))
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter("github.com/prefect421/conveyor"))
	} else {
		metricsMw = mw.Metrics()
	}

	// Default middleware stack: recover → tracing → metrics → logging → timeout.
	defaultMws := []mw.Middleware{
		mw.Recover(eng.logger),
		tracingMw,
		metricsMw,
		mw.Logging(eng.logger),
		mw.Timeout(eng.logger),
	}
	allMws := make([]mw.Middleware, 0, len(defaultMws)+len(eng.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, eng.mws...)

	executor := worker.NewExecutor(eng.registry, eng.extensions, eng.store, eng.bo, eng.logger, allMws...)

	poolOpts := []worker.PoolOption{
		worker.WithPoolConcurrency(eng.cfg.Concurrency),
		worker.WithPoolQueues(eng.cfg.Queues),
		worker.WithPollInterval(eng.cfg.PollInterval),
		worker.WithLeaseTTL(eng.cfg.LeaseTTL),
		worker.WithHeartbeatInterval(eng.cfg.HeartbeatInterval),
	}
	if len(eng.queueConfigs) > 0 {
		eng.queueManager = queue.NewManager(eng.queueConfigs...)
		poolOpts = append(poolOpts, worker.WithQueueManager(eng.queueManager))
	}
	eng.pool = worker.NewPool(eng.store, executor, eng.extensions, eng.logger, poolOpts...)

	eng.sup = supervisor.New(eng.store, eng.extensions, eng.pool, eng.logger,
		supervisor.WithSweepInterval(eng.cfg.SweepInterval),
		supervisor.WithStaleThreshold(eng.cfg.StaleJobThreshold),
		supervisor.WithJobTTL(eng.cfg.JobTTL),
	)
	eng.extensions.Register(eng.sup)

	return eng, nil
}

// Register registers a typed task definition with the engine.
func Register[T any](eng *Engine, def *job.Definition[T]) {
	job.RegisterDefinition(eng.registry, def)
}

// Submit validates the payload against the task type's definition and
// enqueues a job. Validation failures are rejected here; nothing is
// persisted.
func (eng *Engine) Submit(ctx context.Context, taskType string, payload json.RawMessage, opts ...job.Option) (id.JobID, error) {
	defOpts, ok := eng.registry.Options(taskType)
	if !ok {
		return id.JobID{}, fmt.Errorf("%w: %q", conveyor.ErrTaskNotFound, taskType)
	}

	if err := eng.registry.ValidatePayload(taskType, payload); err != nil {
		return id.JobID{}, err
	}

	for _, opt := range opts {
		opt(&defOpts)
	}

	// Unset definition options resolve against the engine configuration,
	// so env overrides like CONVEYOR_MAX_RETRIES reach jobs whose
	// definitions do not pin their own values.
	if defOpts.Queue == "" {
		if len(eng.cfg.Queues) > 0 {
			defOpts.Queue = eng.cfg.Queues[0]
		} else {
			defOpts.Queue = "default"
		}
	}
	if defOpts.MaxRetries == 0 {
		defOpts.MaxRetries = eng.cfg.MaxRetries
	}
	if defOpts.Timeout == 0 {
		defOpts.Timeout = eng.cfg.SoftTimeout
	}

	now := time.Now().UTC()
	j := &job.Job{
		Entity:     conveyor.NewEntity(),
		ID:         id.NewJobID(),
		Type:       taskType,
		Queue:      defOpts.Queue,
		Payload:    payload,
		State:      job.StateQueued,
		Priority:   defOpts.Priority,
		MaxRetries: defOpts.MaxRetries,
		Timeout:    defOpts.Timeout,
		RunAt:      now,
	}
	if !defOpts.RunAt.IsZero() {
		j.RunAt = defOpts.RunAt
	}

	if err := eng.store.EnqueueJob(ctx, j); err != nil {
		return id.JobID{}, err
	}

	eng.extensions.EmitJobEnqueued(ctx, j)
	return j.ID, nil
}

// GetStatus returns the external view of a job.
func (eng *Engine) GetStatus(ctx context.Context, jobID id.JobID) (job.Snapshot, error) {
	j, err := eng.store.GetJob(ctx, jobID)
	if err != nil {
		return job.Snapshot{}, err
	}
	return j.Snapshot(), nil
}

// Cancel requests cancellation of a job. Queued and retrying jobs move
// straight to cancelled; running jobs get a set-once flag the worker
// pool acts on.
func (eng *Engine) Cancel(ctx context.Context, jobID id.JobID) error {
	j, err := eng.store.RequestCancel(ctx, jobID)
	if err != nil {
		return err
	}
	if j.State == job.StateCancelled {
		eng.extensions.EmitJobCancelled(ctx, j)
	}
	return nil
}

// ListFilter narrows a ListActive call.
type ListFilter struct {
	Queue string
	Type  string
	Limit int
}

// ListActive returns snapshots of all non-terminal jobs matching the
// filter, newest first.
func (eng *Engine) ListActive(ctx context.Context, filter ListFilter) ([]job.Snapshot, error) {
	jobs, err := eng.store.ListJobs(ctx, job.ListOpts{
		Queue:  filter.Queue,
		Type:   filter.Type,
		Limit:  filter.Limit,
		States: []job.State{job.StateQueued, job.StateRunning, job.StateRetrying},
	})
	if err != nil {
		return nil, err
	}

	snaps := make([]job.Snapshot, 0, len(jobs))
	for _, j := range jobs {
		snaps = append(snaps, j.Snapshot())
	}
	return snaps, nil
}

// Start runs migrations when the backend supports them, then starts
// the worker pool and supervisor.
func (eng *Engine) Start(ctx context.Context) error {
	if eng.started {
		return nil
	}

	if eng.storer != nil {
		if err := eng.storer.Migrate(ctx); err != nil {
			return fmt.Errorf("engine: migrate: %w", err)
		}
	}

	if err := eng.pool.Start(ctx); err != nil {
		return fmt.Errorf("engine: start pool: %w", err)
	}
	if err := eng.sup.Start(ctx); err != nil {
		return fmt.Errorf("engine: start supervisor: %w", err)
	}

	eng.started = true
	eng.logger.Info("engine started",
		slog.Int("concurrency", eng.cfg.Concurrency),
		slog.Any("queues", eng.cfg.Queues),
	)
	return nil
}

// Stop gracefully shuts down the engine: supervisor first, then the
// worker pool drains within the context deadline, then extensions get
// the shutdown hook.
func (eng *Engine) Stop(ctx context.Context) error {
	if !eng.started {
		return nil
	}
	eng.started = false

	if err := eng.sup.Stop(ctx); err != nil {
		eng.logger.Error("supervisor stop error", slog.String("error", err.Error()))
	}

	stopCtx := ctx
	if _, ok := ctx.Deadline(); !ok && eng.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		stopCtx, cancel = context.WithTimeout(ctx, eng.cfg.ShutdownTimeout)
		defer cancel()
	}
	err := eng.pool.Stop(stopCtx)

	eng.extensions.EmitShutdown(context.WithoutCancel(ctx))
	eng.logger.Info("engine stopped")
	return err
}

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Registry returns the task registry.
func (eng *Engine) Registry() *job.Registry { return eng.registry }

// Broker returns the stream broker feeding gateway subscribers.
func (eng *Engine) Broker() *stream.Broker { return eng.broker }

// Store returns the job store.
func (eng *Engine) Store() job.Store { return eng.store }

// Pool returns the worker pool.
func (eng *Engine) Pool() *worker.Pool { return eng.pool }

// Supervisor returns the supervisor.
func (eng *Engine) Supervisor() *supervisor.Supervisor { return eng.sup }

// Config returns the engine configuration.
func (eng *Engine) Config() conveyor.Config { return eng.cfg }

// Logger returns the engine logger.
func (eng *Engine) Logger() *slog.Logger { return eng.logger }
