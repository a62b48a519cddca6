package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	conveyor "github.com/prefect421/conveyor"
	"github.com/prefect421/conveyor/id"
	"github.com/prefect421/conveyor/job"
)

// EnqueueJob persists a new job in queued state.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	m := toJobModel(j)
	_, err := s.db.NewInsert().Model(m).Exec(ctx)
	if err != nil {
		if isDuplicateKey(err) {
			return conveyor.ErrJobAlreadyExists
		}
		return fmt.Errorf("conveyor/sqlite: enqueue job: %w", err)
	}
	return nil
}

// LeaseJobs claims up to limit due jobs from the given queues inside a
// transaction. Jobs with a pending cancel request are moved straight
// to cancelled and returned in that state so the caller can emit their
// terminal event.
func (s *Store) LeaseJobs(ctx context.Context, queues []string, limit int, leaseTTL time.Duration, workerID id.WorkerID) ([]*job.Job, error) {
	if limit <= 0 || len(queues) == 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	var leased []*job.Job

	err := s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		// Resolve pending cancel requests before leasing.
		var pending []jobModel
		if err := tx.NewSelect().
			Model(&pending).
			Where("cancel_requested = ?", true).
			Where("state IN (?)", bun.In([]string{string(job.StateQueued), string(job.StateRetrying)})).
			Where("queue IN (?)", bun.In(queues)).
			Scan(ctx); err != nil {
			return fmt.Errorf("cancel sweep select: %w", err)
		}
		for i := range pending {
			m := &pending[i]
			m.State = string(job.StateCancelled)
			m.CompletedAt = &now
			m.UpdatedAt = now
			if _, err := tx.NewUpdate().Model(m).WherePK().Exec(ctx); err != nil {
				return fmt.Errorf("cancel sweep: %w", err)
			}
			j, convErr := fromJobModel(m)
			if convErr != nil {
				return convErr
			}
			leased = append(leased, j)
		}

		var models []jobModel
		if err := tx.NewSelect().
			Model(&models).
			Where("state IN (?)", bun.In([]string{string(job.StateQueued), string(job.StateRetrying)})).
			Where("queue IN (?)", bun.In(queues)).
			Where("run_at <= ?", now).
			Order("priority DESC", "run_at ASC").
			Limit(limit).
			Scan(ctx); err != nil {
			return fmt.Errorf("select due jobs: %w", err)
		}

		expiry := now.Add(leaseTTL)
		for i := range models {
			m := &models[i]
			m.State = string(job.StateRunning)
			m.WorkerID = workerID.String()
			m.StartedAt = &now
			m.HeartbeatAt = &now
			m.LeaseExpiresAt = &expiry
			m.UpdatedAt = now

			if _, err := tx.NewUpdate().Model(m).WherePK().Exec(ctx); err != nil {
				return fmt.Errorf("mark leased: %w", err)
			}

			j, convErr := fromJobModel(m)
			if convErr != nil {
				return convErr
			}
			leased = append(leased, j)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("conveyor/sqlite: lease jobs: %w", err)
	}
	return leased, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	m := new(jobModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", jobID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, conveyor.ErrJobNotFound
		}
		return nil, fmt.Errorf("conveyor/sqlite: get job: %w", err)
	}
	return fromJobModel(m)
}

// UpdateJob persists changes to an existing job, enforcing the state
// machine: terminal jobs are immutable and only legal transitions are
// accepted.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	err := s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		var currentState string
		err := tx.NewSelect().
			Model((*jobModel)(nil)).
			Column("state").
			Where("id = ?", j.ID.String()).
			Scan(ctx, &currentState)
		if err != nil {
			if isNoRows(err) {
				return conveyor.ErrJobNotFound
			}
			return fmt.Errorf("read current state: %w", err)
		}

		from := job.State(currentState)
		if from != j.State {
			if from.Terminal() {
				return conveyor.ErrJobTerminal
			}
			if !job.CanTransition(from, j.State) {
				return conveyor.ErrInvalidState
			}
		}

		m := toJobModel(j)
		m.UpdatedAt = time.Now().UTC()
		if _, err := tx.NewUpdate().Model(m).WherePK().Exec(ctx); err != nil {
			return fmt.Errorf("write job: %w", err)
		}
		return nil
	})
	if err != nil {
		if isStoreSentinel(err) {
			return err
		}
		return fmt.Errorf("conveyor/sqlite: update job: %w", err)
	}
	return nil
}

// DeleteJob removes a job by ID.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	res, err := s.db.NewDelete().
		Model((*jobModel)(nil)).
		Where("id = ?", jobID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("conveyor/sqlite: delete job: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return conveyor.ErrJobNotFound
	}
	return nil
}

// ListJobs returns jobs matching the given options, newest first.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	var models []jobModel
	q := s.db.NewSelect().Model(&models)

	if opts.Queue != "" {
		q = q.Where("queue = ?", opts.Queue)
	}
	if opts.Type != "" {
		q = q.Where("type = ?", opts.Type)
	}
	if len(opts.States) > 0 {
		states := make([]string, len(opts.States))
		for i, st := range opts.States {
			states[i] = string(st)
		}
		q = q.Where("state IN (?)", bun.In(states))
	}

	q = q.Order("created_at DESC")

	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("conveyor/sqlite: list jobs: %w", err)
	}

	jobs := make([]*job.Job, 0, len(models))
	for i := range models {
		j, convErr := fromJobModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("conveyor/sqlite: list jobs convert: %w", convErr)
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	q := s.db.NewSelect().Model((*jobModel)(nil))

	if opts.Queue != "" {
		q = q.Where("queue = ?", opts.Queue)
	}
	if opts.State != "" {
		q = q.Where("state = ?", string(opts.State))
	}

	count, err := q.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("conveyor/sqlite: count jobs: %w", err)
	}
	return int64(count), nil
}

// ExtendLease pushes a running job's lease out by leaseTTL and stamps
// the heartbeat. The write only lands while the job is still running
// under the same worker.
func (s *Store) ExtendLease(ctx context.Context, jobID id.JobID, workerID id.WorkerID, leaseTTL time.Duration) error {
	now := time.Now().UTC()
	res, err := s.db.NewUpdate().
		Model((*jobModel)(nil)).
		Set("lease_expires_at = ?", now.Add(leaseTTL)).
		Set("heartbeat_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", jobID.String()).
		Where("state = ?", string(job.StateRunning)).
		Where("worker_id = ?", workerID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("conveyor/sqlite: extend lease: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		exists, existsErr := s.db.NewSelect().
			Model((*jobModel)(nil)).
			Where("id = ?", jobID.String()).
			Exists(ctx)
		if existsErr != nil {
			return fmt.Errorf("conveyor/sqlite: extend lease check: %w", existsErr)
		}
		if !exists {
			return conveyor.ErrJobNotFound
		}
		return conveyor.ErrLeaseLost
	}
	return nil
}

// RequestCancel sets the set-once cancellation flag. Queued and
// retrying jobs move directly to cancelled; running jobs keep the flag
// for the worker's cancel watch.
func (s *Store) RequestCancel(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	var result *job.Job

	err := s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		m := new(jobModel)
		err := tx.NewSelect().Model(m).
			Where("id = ?", jobID.String()).
			Limit(1).
			Scan(ctx)
		if err != nil {
			if isNoRows(err) {
				return conveyor.ErrJobNotFound
			}
			return fmt.Errorf("read job: %w", err)
		}

		state := job.State(m.State)
		if state.Terminal() {
			return conveyor.ErrJobTerminal
		}
		if m.CancelRequested {
			return conveyor.ErrCancelRequested
		}

		now := time.Now().UTC()
		m.CancelRequested = true
		if state == job.StateQueued || state == job.StateRetrying {
			m.State = string(job.StateCancelled)
			m.CompletedAt = &now
		}
		m.UpdatedAt = now

		if _, err := tx.NewUpdate().Model(m).WherePK().Exec(ctx); err != nil {
			return fmt.Errorf("write cancel: %w", err)
		}

		j, convErr := fromJobModel(m)
		if convErr != nil {
			return convErr
		}
		result = j
		return nil
	})
	if err != nil {
		if isStoreSentinel(err) {
			return nil, err
		}
		return nil, fmt.Errorf("conveyor/sqlite: request cancel: %w", err)
	}
	return result, nil
}

// ExpiredLeases returns running jobs whose lease has expired or whose
// last heartbeat is older than the stale threshold.
func (s *Store) ExpiredLeases(ctx context.Context, staleAfter time.Duration) ([]*job.Job, error) {
	now := time.Now().UTC()
	var models []jobModel
	err := s.db.NewSelect().Model(&models).
		Where("state = ?", string(job.StateRunning)).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.
				Where("lease_expires_at IS NOT NULL AND lease_expires_at < ?", now).
				WhereOr("heartbeat_at IS NOT NULL AND heartbeat_at < ?", now.Add(-staleAfter))
		}).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("conveyor/sqlite: expired leases: %w", err)
	}

	jobs := make([]*job.Job, 0, len(models))
	for i := range models {
		j, convErr := fromJobModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("conveyor/sqlite: expired leases convert: %w", convErr)
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// PurgeTerminal deletes terminal jobs whose completion is older than
// the retention window and returns the number purged.
func (s *Store) PurgeTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.NewDelete().
		Model((*jobModel)(nil)).
		Where("state IN (?)", bun.In(terminalStates())).
		Where("completed_at IS NOT NULL AND completed_at < ?", cutoff).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("conveyor/sqlite: purge terminal: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return rows, nil
}

// QueueDepths returns the number of queued or retrying jobs per queue.
func (s *Store) QueueDepths(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Queue string `bun:"queue"`
		Depth int64  `bun:"depth"`
	}
	err := s.db.NewSelect().
		Model((*jobModel)(nil)).
		ColumnExpr("queue").
		ColumnExpr("COUNT(*) AS depth").
		Where("state IN (?)", bun.In([]string{string(job.StateQueued), string(job.StateRetrying)})).
		Group("queue").
		Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("conveyor/sqlite: queue depths: %w", err)
	}

	depths := make(map[string]int64, len(rows))
	for _, r := range rows {
		depths[r.Queue] = r.Depth
	}
	return depths, nil
}

func terminalStates() []string {
	return []string{
		string(job.StateCompleted),
		string(job.StateFailed),
		string(job.StateCancelled),
	}
}

// isStoreSentinel reports whether err is one of the shared store
// sentinels that must pass through unwrapped.
func isStoreSentinel(err error) bool {
	switch err {
	case conveyor.ErrJobNotFound,
		conveyor.ErrJobTerminal,
		conveyor.ErrInvalidState,
		conveyor.ErrCancelRequested,
		conveyor.ErrLeaseLost,
		conveyor.ErrJobAlreadyExists:
		return true
	}
	return false
}
