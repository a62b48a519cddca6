package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	conveyor "github.com/prefect421/conveyor"
	"github.com/prefect421/conveyor/id"
	"github.com/prefect421/conveyor/job"
)

// Queue sorted sets are scored by run time in milliseconds. Due jobs
// are fetched with ZRANGEBYSCORE up to now; priority ordering is
// applied among the due candidates at lease time, and ZREM serves as
// the atomic claim so two workers never lease the same member.

// EnqueueJob stores the job as a Hash and adds it to its queue's
// Sorted Set.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	key := jobKey(jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("conveyor/redis: enqueue check exists: %w", err)
	}
	if exists > 0 {
		return conveyor.ErrJobAlreadyExists
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, jobToMap(j))
	pipe.SAdd(ctx, jobIDsKey, jID)
	if j.State == job.StateQueued || j.State == job.StateRetrying {
		pipe.ZAdd(ctx, queueKey(j.Queue), goredis.Z{
			Score:  float64(j.RunAt.UnixMilli()),
			Member: jID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: enqueue job: %w", err)
	}
	return nil
}

// LeaseJobs claims up to limit due jobs from the given queues. A
// successful ZREM is the claim; a job another worker removed first is
// skipped. Jobs with a pending cancel request are moved straight to
// cancelled and returned in that state so the caller can emit their
// terminal event.
func (s *Store) LeaseJobs(ctx context.Context, queues []string, limit int, leaseTTL time.Duration, workerID id.WorkerID) ([]*job.Job, error) {
	if limit <= 0 || len(queues) == 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	var cancelled, leased []*job.Job

	for _, q := range queues {
		if len(leased) >= limit {
			break
		}
		qk := queueKey(q)

		// Fetch more candidates than needed so cancel-requested and
		// already-claimed members do not starve the lease.
		dueIDs, err := s.client.ZRangeByScore(ctx, qk, &goredis.ZRangeBy{
			Min:   "-inf",
			Max:   strconv.FormatInt(now.UnixMilli(), 10),
			Count: int64((limit - len(leased)) * 4),
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("conveyor/redis: lease range: %w", err)
		}
		if len(dueIDs) == 0 {
			continue
		}

		candidates := make([]*job.Job, 0, len(dueIDs))
		for _, jID := range dueIDs {
			j, getErr := s.getJobByKey(ctx, jobKey(jID))
			if getErr != nil {
				// Orphaned queue entry; drop it.
				s.client.ZRem(ctx, qk, jID)
				continue
			}
			candidates = append(candidates, j)
		}

		sort.SliceStable(candidates, func(i, k int) bool {
			if candidates[i].Priority != candidates[k].Priority {
				return candidates[i].Priority > candidates[k].Priority
			}
			return candidates[i].RunAt.Before(candidates[k].RunAt)
		})

		for _, j := range candidates {
			if len(leased) >= limit {
				break
			}

			claimed, remErr := s.client.ZRem(ctx, qk, j.ID.String()).Result()
			if remErr != nil {
				return nil, fmt.Errorf("conveyor/redis: lease claim: %w", remErr)
			}
			if claimed == 0 {
				continue // another worker got it
			}

			if j.CancelRequested {
				if cancelErr := s.markCancelled(ctx, j, now); cancelErr != nil {
					return nil, cancelErr
				}
				cancelled = append(cancelled, j)
				continue
			}

			expiry := now.Add(leaseTTL)
			j.State = job.StateRunning
			j.WorkerID = workerID
			j.StartedAt = &now
			j.HeartbeatAt = &now
			j.LeaseExpiresAt = &expiry
			j.Touch(now)

			if _, setErr := s.client.HSet(ctx, jobKey(j.ID.String()), jobToMap(j)).Result(); setErr != nil {
				return nil, fmt.Errorf("conveyor/redis: lease update: %w", setErr)
			}
			leased = append(leased, j)
		}
	}
	return append(cancelled, leased...), nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return s.getJobByKey(ctx, jobKey(jobID.String()))
}

// UpdateJob persists changes to an existing job, enforcing the state
// machine, and keeps the queue Sorted Set in step with the new state.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	key := jobKey(j.ID.String())

	currentState, err := s.client.HGet(ctx, key, "state").Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return conveyor.ErrJobNotFound
		}
		return fmt.Errorf("conveyor/redis: update read state: %w", err)
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

	fields := jobToMap(j)
	fields["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if j.State == job.StateQueued || j.State == job.StateRetrying {
		pipe.ZAdd(ctx, queueKey(j.Queue), goredis.Z{
			Score:  float64(j.RunAt.UnixMilli()),
			Member: j.ID.String(),
		})
	} else {
		pipe.ZRem(ctx, queueKey(j.Queue), j.ID.String())
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: update job: %w", err)
	}
	return nil
}

// DeleteJob removes a job by ID.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	jID := jobID.String()
	key := jobKey(jID)

	q, err := s.client.HGet(ctx, key, "queue").Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return conveyor.ErrJobNotFound
		}
		return fmt.Errorf("conveyor/redis: delete job get queue: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, jobIDsKey, jID)
	pipe.ZRem(ctx, queueKey(q), jID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: delete job: %w", err)
	}
	return nil
}

// ListJobs returns jobs matching the given options, newest first.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	all, err := s.scanJobs(ctx, func(j *job.Job) bool {
		if opts.Queue != "" && j.Queue != opts.Queue {
			return false
		}
		if opts.Type != "" && j.Type != opts.Type {
			return false
		}
		if len(opts.States) > 0 {
			match := false
			for _, st := range opts.States {
				if j.State == st {
					match = true
					break
				}
			}
			if !match {
				return false
			}
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(all, func(i, k int) bool {
		return all[i].CreatedAt.After(all[k].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(all) {
			return nil, nil
		}
		all = all[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(all) {
		all = all[:opts.Limit]
	}
	return all, nil
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	matched, err := s.scanJobs(ctx, func(j *job.Job) bool {
		if opts.Queue != "" && j.Queue != opts.Queue {
			return false
		}
		if opts.State != "" && j.State != opts.State {
			return false
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	return int64(len(matched)), nil
}

// ExtendLease pushes a running job's lease out by leaseTTL and stamps
// the heartbeat. The write only lands while the job is still running
// under the same worker.
func (s *Store) ExtendLease(ctx context.Context, jobID id.JobID, workerID id.WorkerID, leaseTTL time.Duration) error {
	key := jobKey(jobID.String())

	vals, err := s.client.HMGet(ctx, key, "state", "worker_id").Result()
	if err != nil {
		return fmt.Errorf("conveyor/redis: extend lease read: %w", err)
	}
	state, _ := vals[0].(string)
	worker, _ := vals[1].(string)
	if state == "" {
		return conveyor.ErrJobNotFound
	}
	if job.State(state) != job.StateRunning || worker != workerID.String() {
		return conveyor.ErrLeaseLost
	}

	now := time.Now().UTC()
	_, err = s.client.HSet(ctx, key,
		"lease_expires_at", now.Add(leaseTTL).Format(time.RFC3339Nano),
		"heartbeat_at", now.Format(time.RFC3339Nano),
		"updated_at", now.Format(time.RFC3339Nano),
	).Result()
	if err != nil {
		return fmt.Errorf("conveyor/redis: extend lease: %w", err)
	}
	return nil
}

// RequestCancel sets the set-once cancellation flag. Queued and
// retrying jobs move directly to cancelled; running jobs keep the flag
// for the worker's cancel watch.
func (s *Store) RequestCancel(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	j, err := s.getJobByKey(ctx, jobKey(jobID.String()))
	if err != nil {
		return nil, err
	}

	if j.State.Terminal() {
		return nil, conveyor.ErrJobTerminal
	}
	if j.CancelRequested {
		return nil, conveyor.ErrCancelRequested
	}

	now := time.Now().UTC()
	j.CancelRequested = true
	if j.State == job.StateQueued || j.State == job.StateRetrying {
		if err := s.markCancelled(ctx, j, now); err != nil {
			return nil, err
		}
		return j, nil
	}

	j.Touch(now)
	if _, err := s.client.HSet(ctx, jobKey(j.ID.String()), jobToMap(j)).Result(); err != nil {
		return nil, fmt.Errorf("conveyor/redis: request cancel: %w", err)
	}
	return j, nil
}

// ExpiredLeases returns running jobs whose lease has expired or whose
// last heartbeat is older than the stale threshold.
func (s *Store) ExpiredLeases(ctx context.Context, staleAfter time.Duration) ([]*job.Job, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-staleAfter)

	return s.scanJobs(ctx, func(j *job.Job) bool {
		if j.State != job.StateRunning {
			return false
		}
		if j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now) {
			return true
		}
		return j.HeartbeatAt != nil && j.HeartbeatAt.Before(cutoff)
	})
}

// PurgeTerminal deletes terminal jobs whose completion is older than
// the retention window and returns the number purged.
func (s *Store) PurgeTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	stale, err := s.scanJobs(ctx, func(j *job.Job) bool {
		return j.State.Terminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff)
	})
	if err != nil {
		return 0, err
	}

	var purged int64
	for _, j := range stale {
		if delErr := s.DeleteJob(ctx, j.ID); delErr != nil {
			if errors.Is(delErr, conveyor.ErrJobNotFound) {
				continue
			}
			return purged, delErr
		}
		purged++
	}
	return purged, nil
}

// QueueDepths returns the number of queued or retrying jobs per queue.
func (s *Store) QueueDepths(ctx context.Context) (map[string]int64, error) {
	pending, err := s.scanJobs(ctx, func(j *job.Job) bool {
		return j.State == job.StateQueued || j.State == job.StateRetrying
	})
	if err != nil {
		return nil, err
	}

	depths := make(map[string]int64)
	for _, j := range pending {
		depths[j.Queue]++
	}
	return depths, nil
}

// ── helpers ──

// markCancelled moves a job to cancelled and drops its queue entry.
func (s *Store) markCancelled(ctx context.Context, j *job.Job, now time.Time) error {
	j.State = job.StateCancelled
	j.CancelRequested = true
	j.CompletedAt = &now
	j.Touch(now)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, jobKey(j.ID.String()), jobToMap(j))
	pipe.ZRem(ctx, queueKey(j.Queue), j.ID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: mark cancelled: %w", err)
	}
	return nil
}

// scanJobs enumerates all jobs and returns those matching the filter.
func (s *Store) scanJobs(ctx context.Context, match func(*job.Job) bool) ([]*job.Job, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: scan smembers: %w", err)
	}

	var jobs []*job.Job
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue // skip missing
		}
		if match(j) {
			jobs = append(jobs, j)
		}
	}
	return jobs, nil
}

func (s *Store) getJobByKey(ctx context.Context, key string) (*job.Job, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, conveyor.ErrJobNotFound
	}
	return mapToJob(vals)
}

func jobToMap(j *job.Job) map[string]interface{} {
	m := map[string]interface{}{
		"id":               j.ID.String(),
		"type":             j.Type,
		"queue":            j.Queue,
		"payload":          string(j.Payload),
		"state":            string(j.State),
		"priority":         strconv.Itoa(j.Priority),
		"progress":         strconv.FormatFloat(j.Progress, 'f', -1, 64),
		"message":          j.Message,
		"result":           string(j.Result),
		"max_retries":      strconv.Itoa(j.MaxRetries),
		"retry_count":      strconv.Itoa(j.RetryCount),
		"reap_count":       strconv.Itoa(j.ReapCount),
		"cancel_requested": strconv.FormatBool(j.CancelRequested),
		"worker_id":        j.WorkerID.String(),
		"run_at":           j.RunAt.Format(time.RFC3339Nano),
		"timeout":          strconv.FormatInt(int64(j.Timeout), 10),
		"created_at":       j.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":       j.UpdatedAt.Format(time.RFC3339Nano),
	}
	if j.Error != nil {
		m["error_code"] = j.Error.Code
		m["error_message"] = j.Error.Message
	} else {
		m["error_code"] = ""
		m["error_message"] = ""
	}
	for field, t := range map[string]*time.Time{
		"lease_expires_at": j.LeaseExpiresAt,
		"started_at":       j.StartedAt,
		"completed_at":     j.CompletedAt,
		"heartbeat_at":     j.HeartbeatAt,
	} {
		if t != nil {
			m[field] = t.Format(time.RFC3339Nano)
		} else {
			m[field] = ""
		}
	}
	return m
}

func mapToJob(m map[string]string) (*job.Job, error) {
	jID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: parse job id: %w", err)
	}

	priority, _ := strconv.Atoi(m["priority"])                    //nolint:errcheck // best-effort parse from trusted Redis data
	progress, _ := strconv.ParseFloat(m["progress"], 64)          //nolint:errcheck // best-effort parse from trusted Redis data
	maxRetries, _ := strconv.Atoi(m["max_retries"])               //nolint:errcheck // best-effort parse from trusted Redis data
	retryCount, _ := strconv.Atoi(m["retry_count"])               //nolint:errcheck // best-effort parse from trusted Redis data
	reapCount, _ := strconv.Atoi(m["reap_count"])                 //nolint:errcheck // best-effort parse from trusted Redis data
	cancelReq, _ := strconv.ParseBool(m["cancel_requested"])      //nolint:errcheck // best-effort parse from trusted Redis data
	timeout, _ := strconv.ParseInt(m["timeout"], 10, 64)          //nolint:errcheck // best-effort parse from trusted Redis data
	runAt, _ := time.Parse(time.RFC3339Nano, m["run_at"])         //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	j := &job.Job{
		Entity: conveyor.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:              jID,
		Type:            m["type"],
		Queue:           m["queue"],
		Payload:         []byte(m["payload"]),
		State:           job.State(m["state"]),
		Priority:        priority,
		Progress:        progress,
		Message:         m["message"],
		MaxRetries:      maxRetries,
		RetryCount:      retryCount,
		ReapCount:       reapCount,
		CancelRequested: cancelReq,
		RunAt:           runAt,
		Timeout:         time.Duration(timeout),
	}

	if v := m["result"]; v != "" {
		j.Result = []byte(v)
	}
	if m["error_code"] != "" || m["error_message"] != "" {
		j.Error = &job.ErrorInfo{Code: m["error_code"], Message: m["error_message"]}
	}
	if wid := m["worker_id"]; wid != "" {
		j.WorkerID, _ = id.ParseWorkerID(wid) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	for field, dst := range map[string]**time.Time{
		"lease_expires_at": &j.LeaseExpiresAt,
		"started_at":       &j.StartedAt,
		"completed_at":     &j.CompletedAt,
		"heartbeat_at":     &j.HeartbeatAt,
	} {
		if v := m[field]; v != "" {
			t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
			*dst = &t
		}
	}
	return j, nil
}
