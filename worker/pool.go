package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	conveyor "github.com/prefect421/conveyor"
	"github.com/prefect421/conveyor/ext"
	"github.com/prefect421/conveyor/id"
	"github.com/prefect421/conveyor/job"
)

// QueueManager gates job execution with per-queue rate limiting and
// concurrency caps. The worker pool calls Acquire before executing a
// leased job and Release after execution completes.
type QueueManager interface {
	// Acquire checks rate limits and concurrency for the queue.
	// Returns true if the job is allowed to proceed.
	Acquire(queue string) bool
	// Release decrements the active count for the queue.
	Release(queue string)
}

// Pool manages a set of concurrent worker goroutines that lease jobs
// from the store and execute them through the Executor. Leases are
// renewed by a heartbeat goroutine while jobs run; a lost lease cancels
// the job's context so two workers never run the same job to completion.
type Pool struct {
	store        job.Store
	executor     *Executor
	extensions   *ext.Registry
	concurrency  int
	queues       []string
	pollInterval time.Duration
	workerID     id.WorkerID
	logger       *slog.Logger

	// Lease configuration.
	leaseTTL          time.Duration
	heartbeatInterval time.Duration

	// Queue manager (optional).
	queueManager QueueManager

	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	nextQueue  int
	activeJobs map[id.JobID]context.CancelFunc
	activeMu   sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPoolQueues sets the queues the pool will lease from.
func WithPoolQueues(queues []string) PoolOption {
	return func(p *Pool) { p.queues = queues }
}

// WithPollInterval sets how often idle workers poll for new jobs.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithLeaseTTL sets the lease duration claimed on each job. The lease
// must outlive the heartbeat interval or running jobs will be reaped.
func WithLeaseTTL(d time.Duration) PoolOption {
	return func(p *Pool) { p.leaseTTL = d }
}

// WithHeartbeatInterval sets how often the pool renews leases for
// active jobs. A zero value disables heartbeats.
func WithHeartbeatInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.heartbeatInterval = d }
}

// WithQueueManager sets the queue manager for rate limiting and
// concurrency control.
func WithQueueManager(m QueueManager) PoolOption {
	return func(p *Pool) { p.queueManager = m }
}

// NewPool creates a worker pool.
func NewPool(
	store job.Store,
	executor *Executor,
	extensions *ext.Registry,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	p := &Pool{
		store:             store,
		executor:          executor,
		extensions:        extensions,
		concurrency:       10,
		queues:            []string{"default"},
		pollInterval:      time.Second,
		leaseTTL:          60 * time.Second,
		heartbeatInterval: 10 * time.Second,
		workerID:          id.NewWorkerID(),
		logger:            logger,
		stopCh:            make(chan struct{}),
		activeJobs:        make(map[id.JobID]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// ActiveCount returns the number of jobs currently executing.
func (p *Pool) ActiveCount() int {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	return len(p.activeJobs)
}

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
		slog.Any("queues", p.queues),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.leaseLoop()
	}

	// Launch lease renewal goroutine if configured.
	if p.heartbeatInterval > 0 {
		p.wg.Add(1)
		go p.heartbeatLoop()
	}

	// Launch cancel watch goroutine.
	p.wg.Add(1)
	go p.cancelWatchLoop()

	return nil
}

// Stop signals all workers to stop and waits for them to finish.
// If the context has a deadline, active jobs are cancelled when time runs out.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	// Signal all workers to stop.
	close(p.stopCh)

	// Wait for completion or context deadline.
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
		p.cancelActiveJobs()
		p.wg.Wait()
	}

	return nil
}

// leaseLoop is run by each worker goroutine. Queues are polled in a
// rotating order so a busy queue cannot starve the others.
func (p *Pool) leaseLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		j := p.leaseOne()
		if j == nil {
			p.sleep()
			continue
		}

		// The store resolves pending cancel requests at lease time and
		// hands those jobs back already terminal. Surface the event so
		// live subscribers see the cancellation, then move on.
		if j.State == job.StateCancelled {
			p.extensions.EmitJobCancelled(context.Background(), j)
			continue
		}

		// Check queue rate limit and concurrency.
		if p.queueManager != nil && !p.queueManager.Acquire(j.Queue) {
			// Over the queue's limit. Return the job with a small delay.
			j.State = job.StateQueued
			j.WorkerID = id.WorkerID{}
			j.LeaseExpiresAt = nil
			j.RunAt = time.Now().Add(p.pollInterval)
			if updateErr := p.store.UpdateJob(context.Background(), j); updateErr != nil {
				p.logger.Error("failed to re-queue rate-limited job",
					slog.String("job_id", j.ID.String()),
					slog.String("error", updateErr.Error()),
				)
			}
			p.sleep()
			continue
		}

		p.extensions.EmitJobStarted(context.Background(), j)

		ctx, cancel := context.WithCancel(context.Background())
		p.trackJob(j.ID, cancel)

		execErr := p.executor.Execute(ctx, j)
		if execErr != nil {
			p.logger.Debug("job execution failed",
				slog.String("job_id", j.ID.String()),
				slog.String("task_type", j.Type),
				slog.String("error", execErr.Error()),
			)
		}

		p.untrackJob(j.ID)
		cancel()

		if p.queueManager != nil {
			p.queueManager.Release(j.Queue)
		}
	}
}

// leaseOne tries each queue once, starting from a rotating offset,
// and returns the first leased job or nil.
func (p *Pool) leaseOne() *job.Job {
	p.mu.Lock()
	start := p.nextQueue
	p.nextQueue = (p.nextQueue + 1) % len(p.queues)
	p.mu.Unlock()

	for i := range p.queues {
		q := p.queues[(start+i)%len(p.queues)]
		jobs, err := p.store.LeaseJobs(context.Background(), []string{q}, 1, p.leaseTTL, p.workerID)
		if err != nil {
			p.logger.Error("lease error",
				slog.String("queue", q),
				slog.String("error", err.Error()),
			)
			return nil
		}
		if len(jobs) > 0 {
			return jobs[0]
		}
	}
	return nil
}

// heartbeatLoop periodically renews leases for all active jobs.
func (p *Pool) heartbeatLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.renewLeases()
		}
	}
}

func (p *Pool) renewLeases() {
	for _, jobID := range p.activeJobIDs() {
		err := p.store.ExtendLease(context.Background(), jobID, p.workerID, p.leaseTTL)
		if err == nil {
			continue
		}
		if errors.Is(err, conveyor.ErrLeaseLost) || errors.Is(err, conveyor.ErrJobNotFound) {
			// Another worker owns this job now. Stop our attempt.
			p.logger.Warn("lease lost, cancelling local execution",
				slog.String("job_id", jobID.String()),
			)
			p.cancelJob(jobID)
			continue
		}
		p.logger.Warn("lease renewal failed",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// cancelWatchLoop polls active jobs for operator cancel requests and
// cancels the local execution context when one is found.
func (p *Pool) cancelWatchLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.checkCancelRequests()
		}
	}
}

func (p *Pool) checkCancelRequests() {
	for _, jobID := range p.activeJobIDs() {
		j, err := p.store.GetJob(context.Background(), jobID)
		if err != nil {
			continue
		}
		if j.CancelRequested {
			p.logger.Info("cancel requested, stopping job",
				slog.String("job_id", jobID.String()),
				slog.String("task_type", j.Type),
			)
			p.cancelJob(jobID)
		}
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.stopCh:
	}
}

func (p *Pool) activeJobIDs() []id.JobID {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	ids := make([]id.JobID, 0, len(p.activeJobs))
	for jobID := range p.activeJobs {
		ids = append(ids, jobID)
	}
	return ids
}

func (p *Pool) trackJob(jobID id.JobID, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[jobID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(jobID id.JobID) {
	p.activeMu.Lock()
	delete(p.activeJobs, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelJob(jobID id.JobID) {
	p.activeMu.Lock()
	cancel, ok := p.activeJobs[jobID]
	p.activeMu.Unlock()
	if ok {
		cancel()
	}
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for jobID, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active job", slog.String("job_id", jobID.String()))
		cancel()
	}
}
