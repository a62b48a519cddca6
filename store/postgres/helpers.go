package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	conveyor "github.com/prefect421/conveyor"
	"github.com/prefect421/conveyor/id"
	"github.com/prefect421/conveyor/job"
)

// isNoRows returns true when err indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows)
}

// isDuplicateKey checks if a PostgreSQL error is a unique_violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// isStoreSentinel reports whether err is one of the shared store
// sentinels that must pass through unwrapped.
func isStoreSentinel(err error) bool {
	switch {
	case errors.Is(err, conveyor.ErrJobNotFound),
		errors.Is(err, conveyor.ErrJobTerminal),
		errors.Is(err, conveyor.ErrInvalidState),
		errors.Is(err, conveyor.ErrCancelRequested),
		errors.Is(err, conveyor.ErrLeaseLost),
		errors.Is(err, conveyor.ErrJobAlreadyExists):
		return true
	}
	return false
}

// errorFields flattens the structured error record into columns.
func errorFields(j *job.Job) (code, message string) {
	if j.Error == nil {
		return "", ""
	}
	return j.Error.Code, j.Error.Message
}

// scanJob scans a single job row in jobColumns order.
func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j         job.Job
		idStr     string
		stateStr  string
		workerStr string
		errCode   string
		errMsg    string
		timeoutNs int64
	)
	err := row.Scan(
		&idStr, &j.Type, &j.Queue, &j.Payload, &stateStr,
		&j.Priority, &j.Progress, &j.Message,
		&j.Result, &errCode, &errMsg,
		&j.MaxRetries, &j.RetryCount, &j.ReapCount, &j.CancelRequested, &workerStr,
		&j.RunAt, &j.LeaseExpiresAt, &j.StartedAt, &j.CompletedAt, &j.HeartbeatAt,
		&timeoutNs, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.State = job.State(stateStr)
	j.Timeout = time.Duration(timeoutNs)
	if errCode != "" || errMsg != "" {
		j.Error = &job.ErrorInfo{Code: errCode, Message: errMsg}
	}

	parsedID, parseErr := id.ParseJobID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("conveyor/postgres: parse job id %q: %w", idStr, parseErr)
	}
	j.ID = parsedID

	if workerStr != "" {
		parsedWorker, workerErr := id.ParseWorkerID(workerStr)
		if workerErr == nil {
			j.WorkerID = parsedWorker
		}
	}
	return &j, nil
}

// collectJobs collects all jobs from query rows.
func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("conveyor/postgres: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conveyor/postgres: iterate job rows: %w", err)
	}
	return jobs, nil
}
