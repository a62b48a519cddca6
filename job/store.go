package job

import (
	"context"
	"time"

	"github.com/prefect421/conveyor/id"
)

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
	// Queue filters by queue name. Empty means all queues.
	Queue string
	// Type filters by task type. Empty means all types.
	Type string
	// States filters by job state. Empty means all states.
	States []State
}

// CountOpts controls filtering for job count queries.
type CountOpts struct {
	// Queue filters by queue name. Empty means all queues.
	Queue string
	// State filters by job state. Empty means all states.
	State State
}

// Store defines the persistence contract for jobs. Delivery is
// at-least-once: leasing marks a job running without removing it, and
// expired leases surface through ExpiredLeases for re-queueing.
type Store interface {
	// EnqueueJob persists a new job in queued state.
	EnqueueJob(ctx context.Context, j *Job) error

	// LeaseJobs atomically claims up to limit due jobs from the given
	// queues, sets them running with a lease expiring after leaseTTL,
	// assigns the worker, and returns them. Jobs are ordered by
	// priority (descending) then RunAt (ascending). A job whose
	// CancelRequested flag is set is not leased; it is moved straight
	// to cancelled and returned in that state, without counting
	// against limit, so the caller can emit its terminal event.
	LeaseJobs(ctx context.Context, queues []string, limit int, leaseTTL time.Duration, workerID id.WorkerID) ([]*Job, error)

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// UpdateJob persists changes to an existing job. Writes that would
	// move a terminal job return conveyor.ErrJobTerminal; illegal state
	// changes return conveyor.ErrInvalidState.
	UpdateJob(ctx context.Context, j *Job) error

	// DeleteJob removes a job by ID.
	DeleteJob(ctx context.Context, jobID id.JobID) error

	// ListJobs returns jobs matching the given options, newest first.
	ListJobs(ctx context.Context, opts ListOpts) ([]*Job, error)

	// CountJobs returns the number of jobs matching the given options.
	CountJobs(ctx context.Context, opts CountOpts) (int64, error)

	// ExtendLease pushes a running job's lease out by leaseTTL and
	// stamps HeartbeatAt. Returns conveyor.ErrLeaseLost if the job is
	// no longer running under this worker.
	ExtendLease(ctx context.Context, jobID id.JobID, workerID id.WorkerID, leaseTTL time.Duration) error

	// RequestCancel sets the set-once cancellation flag. Queued and
	// retrying jobs move directly to cancelled; running jobs keep the
	// flag for the pool's cancel watch. Terminal jobs return
	// conveyor.ErrJobTerminal; an already-set flag returns
	// conveyor.ErrCancelRequested.
	RequestCancel(ctx context.Context, jobID id.JobID) (*Job, error)

	// ExpiredLeases returns running jobs whose lease has expired or
	// whose last heartbeat is older than the stale threshold.
	ExpiredLeases(ctx context.Context, staleAfter time.Duration) ([]*Job, error)

	// PurgeTerminal deletes terminal jobs whose completion is older
	// than the retention window. Returns the number purged.
	PurgeTerminal(ctx context.Context, olderThan time.Duration) (int64, error)

	// QueueDepths returns the number of queued (due or scheduled) jobs
	// per queue.
	QueueDepths(ctx context.Context) (map[string]int64, error)
}
