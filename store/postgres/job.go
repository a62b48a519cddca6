package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	conveyor "github.com/prefect421/conveyor"
	"github.com/prefect421/conveyor/id"
	"github.com/prefect421/conveyor/job"
)

// jobColumns is the canonical column list shared by every SELECT and
// RETURNING clause so scanJob stays in sync with one definition.
const jobColumns = `
	id, type, queue, payload, state, priority, progress, message,
	result, error_code, error_message,
	max_retries, retry_count, reap_count, cancel_requested, worker_id,
	run_at, lease_expires_at, started_at, completed_at, heartbeat_at,
	timeout, created_at, updated_at`

// EnqueueJob persists a new job in queued state.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	errCode, errMsg := errorFields(j)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conveyor_jobs (
			id, type, queue, payload, state, priority, progress, message,
			result, error_code, error_message,
			max_retries, retry_count, reap_count, cancel_requested, worker_id,
			run_at, lease_expires_at, started_at, completed_at, heartbeat_at,
			timeout, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11,
			$12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21,
			$22, $23, $24
		)`,
		j.ID.String(), j.Type, j.Queue, j.Payload, string(j.State),
		j.Priority, j.Progress, j.Message,
		j.Result, errCode, errMsg,
		j.MaxRetries, j.RetryCount, j.ReapCount, j.CancelRequested, j.WorkerID.String(),
		j.RunAt, j.LeaseExpiresAt, j.StartedAt, j.CompletedAt, j.HeartbeatAt,
		j.Timeout.Nanoseconds(), j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return conveyor.ErrJobAlreadyExists
		}
		return fmt.Errorf("conveyor/postgres: enqueue job: %w", err)
	}
	return nil
}

// LeaseJobs atomically claims up to limit due jobs from the given
// queues using FOR UPDATE SKIP LOCKED, so concurrent worker processes
// never lease the same job twice. Jobs with a pending cancel request
// are moved straight to cancelled and returned in that state so the
// caller can emit their terminal event.
func (s *Store) LeaseJobs(ctx context.Context, queues []string, limit int, leaseTTL time.Duration, workerID id.WorkerID) ([]*job.Job, error) {
	if limit <= 0 || len(queues) == 0 {
		return nil, nil
	}

	var cancelled, leased []*job.Job
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Resolve pending cancel requests before leasing.
		cancelRows, err := tx.Query(ctx, `
			UPDATE conveyor_jobs
			SET state = 'cancelled', completed_at = NOW(), updated_at = NOW()
			WHERE cancel_requested
			  AND state IN ('queued', 'retrying')
			  AND queue = ANY($1)
			RETURNING `+jobColumns,
			queues,
		)
		if err != nil {
			return fmt.Errorf("cancel sweep: %w", err)
		}
		cancelled, err = collectJobs(cancelRows)
		cancelRows.Close()
		if err != nil {
			return fmt.Errorf("cancel sweep collect: %w", err)
		}

		rows, err := tx.Query(ctx, `
			WITH leased AS (
				UPDATE conveyor_jobs
				SET state = 'running',
				    worker_id = $3,
				    started_at = NOW(),
				    heartbeat_at = NOW(),
				    lease_expires_at = NOW() + $4::interval,
				    updated_at = NOW()
				WHERE id IN (
					SELECT id FROM conveyor_jobs
					WHERE state IN ('queued', 'retrying')
					  AND NOT cancel_requested
					  AND queue = ANY($1)
					  AND run_at <= NOW()
					ORDER BY priority DESC, run_at ASC
					FOR UPDATE SKIP LOCKED
					LIMIT $2
				)
				RETURNING `+jobColumns+`
			)
			SELECT * FROM leased ORDER BY priority DESC, run_at ASC`,
			queues, limit, workerID.String(), leaseTTL.String(),
		)
		if err != nil {
			return fmt.Errorf("lease query: %w", err)
		}
		defer rows.Close()

		leased, err = collectJobs(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: lease jobs: %w", err)
	}
	return append(cancelled, leased...), nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM conveyor_jobs WHERE id = $1`,
		jobID.String(),
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, conveyor.ErrJobNotFound
		}
		return nil, fmt.Errorf("conveyor/postgres: get job: %w", err)
	}
	return j, nil
}

// UpdateJob persists changes to an existing job, enforcing the state
// machine: terminal jobs are immutable and only legal transitions are
// accepted.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var currentState string
		err := tx.QueryRow(ctx,
			`SELECT state FROM conveyor_jobs WHERE id = $1 FOR UPDATE`,
			j.ID.String(),
		).Scan(&currentState)
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

		errCode, errMsg := errorFields(j)
		_, err = tx.Exec(ctx, `
			UPDATE conveyor_jobs SET
				type = $2, queue = $3, payload = $4, state = $5,
				priority = $6, progress = $7, message = $8,
				result = $9, error_code = $10, error_message = $11,
				max_retries = $12, retry_count = $13, reap_count = $14,
				cancel_requested = $15, worker_id = $16,
				run_at = $17, lease_expires_at = $18, started_at = $19,
				completed_at = $20, heartbeat_at = $21, timeout = $22,
				updated_at = NOW()
			WHERE id = $1`,
			j.ID.String(), j.Type, j.Queue, j.Payload, string(j.State),
			j.Priority, j.Progress, j.Message,
			j.Result, errCode, errMsg,
			j.MaxRetries, j.RetryCount, j.ReapCount,
			j.CancelRequested, j.WorkerID.String(),
			j.RunAt, j.LeaseExpiresAt, j.StartedAt,
			j.CompletedAt, j.HeartbeatAt, j.Timeout.Nanoseconds(),
		)
		if err != nil {
			return fmt.Errorf("write job: %w", err)
		}
		return nil
	})
	if err != nil {
		if isStoreSentinel(err) {
			return err
		}
		return fmt.Errorf("conveyor/postgres: update job: %w", err)
	}
	return nil
}

// DeleteJob removes a job by ID.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM conveyor_jobs WHERE id = $1`, jobID.String())
	if err != nil {
		return fmt.Errorf("conveyor/postgres: delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conveyor.ErrJobNotFound
	}
	return nil
}

// ListJobs returns jobs matching the given options, newest first.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM conveyor_jobs WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Queue != "" {
		query += fmt.Sprintf(" AND queue = $%d", argIdx)
		args = append(args, opts.Queue)
		argIdx++
	}
	if opts.Type != "" {
		query += fmt.Sprintf(" AND type = $%d", argIdx)
		args = append(args, opts.Type)
		argIdx++
	}
	if len(opts.States) > 0 {
		states := make([]string, len(opts.States))
		for i, st := range opts.States {
			states[i] = string(st)
		}
		query += fmt.Sprintf(" AND state = ANY($%d)", argIdx)
		args = append(args, states)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: list jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM conveyor_jobs WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Queue != "" {
		query += fmt.Sprintf(" AND queue = $%d", argIdx)
		args = append(args, opts.Queue)
		argIdx++
	}
	if opts.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, string(opts.State))
	}

	var count int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("conveyor/postgres: count jobs: %w", err)
	}
	return count, nil
}

// ExtendLease pushes a running job's lease out by leaseTTL and stamps
// the heartbeat. The write only lands while the job is still running
// under the same worker.
func (s *Store) ExtendLease(ctx context.Context, jobID id.JobID, workerID id.WorkerID, leaseTTL time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conveyor_jobs
		SET lease_expires_at = NOW() + $3::interval,
		    heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1
		  AND state = 'running'
		  AND worker_id = $2`,
		jobID.String(), workerID.String(), leaseTTL.String(),
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: extend lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if checkErr := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM conveyor_jobs WHERE id = $1)`,
			jobID.String(),
		).Scan(&exists); checkErr != nil {
			return fmt.Errorf("conveyor/postgres: extend lease check: %w", checkErr)
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

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT `+jobColumns+` FROM conveyor_jobs WHERE id = $1 FOR UPDATE`,
			jobID.String(),
		)
		j, err := scanJob(row)
		if err != nil {
			if isNoRows(err) {
				return conveyor.ErrJobNotFound
			}
			return fmt.Errorf("read job: %w", err)
		}

		if j.State.Terminal() {
			return conveyor.ErrJobTerminal
		}
		if j.CancelRequested {
			return conveyor.ErrCancelRequested
		}

		now := time.Now().UTC()
		j.CancelRequested = true
		if j.State == job.StateQueued || j.State == job.StateRetrying {
			j.State = job.StateCancelled
			j.CompletedAt = &now
		}
		j.UpdatedAt = now

		_, err = tx.Exec(ctx, `
			UPDATE conveyor_jobs
			SET cancel_requested = TRUE,
			    state = $2,
			    completed_at = $3,
			    updated_at = NOW()
			WHERE id = $1`,
			j.ID.String(), string(j.State), j.CompletedAt,
		)
		if err != nil {
			return fmt.Errorf("write cancel: %w", err)
		}
		result = j
		return nil
	})
	if err != nil {
		if isStoreSentinel(err) {
			return nil, err
		}
		return nil, fmt.Errorf("conveyor/postgres: request cancel: %w", err)
	}
	return result, nil
}

// ExpiredLeases returns running jobs whose lease has expired or whose
// last heartbeat is older than the stale threshold.
func (s *Store) ExpiredLeases(ctx context.Context, staleAfter time.Duration) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM conveyor_jobs
		WHERE state = 'running'
		  AND (
		    (lease_expires_at IS NOT NULL AND lease_expires_at < NOW())
		    OR (heartbeat_at IS NOT NULL AND heartbeat_at < NOW() - $1::interval)
		  )`,
		staleAfter.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: expired leases: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// PurgeTerminal deletes terminal jobs whose completion is older than
// the retention window and returns the number purged.
func (s *Store) PurgeTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM conveyor_jobs
		WHERE state IN ('completed', 'failed', 'cancelled')
		  AND completed_at IS NOT NULL
		  AND completed_at < NOW() - $1::interval`,
		olderThan.String(),
	)
	if err != nil {
		return 0, fmt.Errorf("conveyor/postgres: purge terminal: %w", err)
	}
	return tag.RowsAffected(), nil
}

// QueueDepths returns the number of queued or retrying jobs per queue.
func (s *Store) QueueDepths(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT queue, COUNT(*)
		FROM conveyor_jobs
		WHERE state IN ('queued', 'retrying')
		GROUP BY queue`)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: queue depths: %w", err)
	}
	defer rows.Close()

	depths := make(map[string]int64)
	for rows.Next() {
		var queue string
		var depth int64
		if err := rows.Scan(&queue, &depth); err != nil {
			return nil, fmt.Errorf("conveyor/postgres: scan queue depth: %w", err)
		}
		depths[queue] = depth
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conveyor/postgres: iterate queue depths: %w", err)
	}
	return depths, nil
}
