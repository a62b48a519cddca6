package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	conveyor "github.com/prefect421/conveyor"
	"github.com/prefect421/conveyor/id"
	"github.com/prefect421/conveyor/job"
)

// Ensure Store satisfies the persistence contracts at compile time.
var (
	_ job.Store       = (*Store)(nil)
	_ conveyor.Storer = (*Store)(nil)
)

// Store is a fully in-memory implementation of job.Store.
// Safe for concurrent access. Intended for unit testing and development.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*job.Job
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs: make(map[string]*job.Job),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

// EnqueueJob persists a new job in queued state.
func (m *Store) EnqueueJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return conveyor.ErrJobAlreadyExists
	}
	cp := *j
	m.jobs[key] = &cp
	return nil
}

// LeaseJobs atomically claims up to limit due jobs from the given queues,
// sets them running with a lease, and returns them. Jobs with a pending
// cancel request are moved to cancelled and returned in that state so
// the caller can emit their terminal event.
func (m *Store) LeaseJobs(_ context.Context, queues []string, limit int, leaseTTL time.Duration, workerID id.WorkerID) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	queueSet := make(map[string]struct{}, len(queues))
	for _, q := range queues {
		queueSet[q] = struct{}{}
	}

	now := time.Now().UTC()

	// Collect candidates.
	var cancelled []*job.Job
	candidates := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if j.State != job.StateQueued && j.State != job.StateRetrying {
			continue
		}
		if !j.RunAt.IsZero() && j.RunAt.After(now) {
			continue
		}
		if len(queueSet) > 0 {
			if _, ok := queueSet[j.Queue]; !ok {
				continue
			}
		}
		if j.CancelRequested {
			j.State = job.StateCancelled
			n := now
			j.CompletedAt = &n
			j.UpdatedAt = now
			cp := *j
			cancelled = append(cancelled, &cp)
			continue
		}
		candidates = append(candidates, j)
	}

	// Sort: priority DESC, RunAt ASC.
	sort.Slice(candidates, func(i, k int) bool {
		if candidates[i].Priority != candidates[k].Priority {
			return candidates[i].Priority > candidates[k].Priority
		}
		return candidates[i].RunAt.Before(candidates[k].RunAt)
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	result := make([]*job.Job, 0, len(cancelled)+len(candidates))
	result = append(result, cancelled...)
	for _, j := range candidates {
		j.State = job.StateRunning
		n := now
		j.StartedAt = &n
		j.HeartbeatAt = &n
		expires := now.Add(leaseTTL)
		j.LeaseExpiresAt = &expires
		j.WorkerID = workerID
		j.UpdatedAt = now
		// Return a copy so callers can mutate without racing with the store.
		cp := *j
		result = append(result, &cp)
	}

	return result, nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, conveyor.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

// UpdateJob persists changes to an existing job. State changes are
// validated against the transition table.
func (m *Store) UpdateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	existing, ok := m.jobs[key]
	if !ok {
		return conveyor.ErrJobNotFound
	}

	if existing.State != j.State {
		if existing.State.Terminal() {
			return conveyor.ErrJobTerminal
		}
		if !job.CanTransition(existing.State, j.State) {
			return conveyor.ErrInvalidState
		}
	}

	cp := *j
	cp.UpdatedAt = time.Now().UTC()
	m.jobs[key] = &cp
	return nil
}

// DeleteJob removes a job by ID.
func (m *Store) DeleteJob(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := jobID.String()
	if _, ok := m.jobs[key]; !ok {
		return conveyor.ErrJobNotFound
	}
	delete(m.jobs, key)
	return nil
}

// ListJobs returns jobs matching the given options, newest first.
func (m *Store) ListJobs(_ context.Context, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stateSet := make(map[job.State]struct{}, len(opts.States))
	for _, s := range opts.States {
		stateSet[s] = struct{}{}
	}

	result := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if len(stateSet) > 0 {
			if _, ok := stateSet[j.State]; !ok {
				continue
			}
		}
		if opts.Queue != "" && j.Queue != opts.Queue {
			continue
		}
		if opts.Type != "" && j.Type != opts.Type {
			continue
		}
		cp := *j
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.After(result[k].CreatedAt)
	})

	// Apply offset / limit.
	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}

// CountJobs returns the number of jobs matching the given options.
func (m *Store) CountJobs(_ context.Context, opts job.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, j := range m.jobs {
		if opts.Queue != "" && j.Queue != opts.Queue {
			continue
		}
		if opts.State != "" && j.State != opts.State {
			continue
		}
		count++
	}
	return count, nil
}

// ExtendLease renews the lease on a running job owned by the worker.
func (m *Store) ExtendLease(_ context.Context, jobID id.JobID, workerID id.WorkerID, leaseTTL time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return conveyor.ErrJobNotFound
	}
	if j.State != job.StateRunning || j.WorkerID != workerID {
		return conveyor.ErrLeaseLost
	}
	now := time.Now().UTC()
	j.HeartbeatAt = &now
	expires := now.Add(leaseTTL)
	j.LeaseExpiresAt = &expires
	return nil
}

// RequestCancel sets the set-once cancellation flag. Jobs waiting to run
// move straight to cancelled; running jobs keep the flag for the worker
// pool's cancel watch.
func (m *Store) RequestCancel(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, conveyor.ErrJobNotFound
	}
	if j.State.Terminal() {
		return nil, conveyor.ErrJobTerminal
	}
	if j.CancelRequested {
		return nil, conveyor.ErrCancelRequested
	}

	now := time.Now().UTC()
	j.CancelRequested = true
	j.UpdatedAt = now

	if j.State == job.StateQueued || j.State == job.StateRetrying {
		j.State = job.StateCancelled
		j.CompletedAt = &now
	}

	cp := *j
	return &cp, nil
}

// ExpiredLeases returns running jobs whose lease has expired or whose
// last heartbeat is older than staleAfter.
func (m *Store) ExpiredLeases(_ context.Context, staleAfter time.Duration) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now().UTC()
	cutoff := now.Add(-staleAfter)
	var stale []*job.Job
	for _, j := range m.jobs {
		if j.State != job.StateRunning {
			continue
		}
		expired := j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now)
		silent := j.HeartbeatAt != nil && j.HeartbeatAt.Before(cutoff)
		if expired || silent {
			cp := *j
			stale = append(stale, &cp)
		}
	}
	return stale, nil
}

// PurgeTerminal deletes terminal jobs whose completion is older than the
// retention window. Returns the number purged.
func (m *Store) PurgeTerminal(_ context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	var count int64
	for key, j := range m.jobs {
		if !j.State.Terminal() {
			continue
		}
		if j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			delete(m.jobs, key)
			count++
		}
	}
	return count, nil
}

// QueueDepths returns the number of queued or retrying jobs per queue.
func (m *Store) QueueDepths(_ context.Context) (map[string]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	depths := make(map[string]int64)
	for _, j := range m.jobs {
		if j.State == job.StateQueued || j.State == job.StateRetrying {
			depths[j.Queue]++
		}
	}
	return depths, nil
}
