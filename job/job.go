package job

import (
	"encoding/json"
	"time"

	conveyor "github.com/prefect421/conveyor"
	"github.com/prefect421/conveyor/id"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StateQueued means the job is waiting to be leased by a worker.
	StateQueued State = "queued"
	// StateRunning means a worker holds a lease and is executing the job.
	StateRunning State = "running"
	// StateRetrying means the job failed transiently and is scheduled
	// for another attempt at RunAt.
	StateRetrying State = "retrying"
	// StateCompleted means the job finished successfully.
	StateCompleted State = "completed"
	// StateFailed means the job failed and will not be retried.
	StateFailed State = "failed"
	// StateCancelled means the job was explicitly cancelled.
	StateCancelled State = "cancelled"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// transitions is the set of legal state changes. Terminal states have
// no outgoing edges; stores reject any write that would move a
// terminal job.
var transitions = map[State][]State{
	StateQueued:   {StateRunning, StateCancelled},
	StateRunning:  {StateCompleted, StateFailed, StateCancelled, StateRetrying, StateQueued},
	StateRetrying: {StateQueued, StateRunning, StateCancelled},
}

// CanTransition reports whether moving from one state to another is legal.
// running → queued covers lease-expiry re-queueing by the supervisor.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrorInfo is the structured failure record persisted with a job.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Job represents a unit of work to be processed by a worker.
type Job struct {
	conveyor.Entity

	ID       id.JobID        `json:"id"`
	Type     string          `json:"type"`
	Queue    string          `json:"queue"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	State    State           `json:"state"`
	Priority int             `json:"priority"`

	// Progress is 0-100 within the current attempt. Message is the
	// latest human-readable status line from the handler.
	Progress float64 `json:"progress"`
	Message  string  `json:"message,omitempty"`

	// Result holds handler output for completed jobs.
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorInfo      `json:"error,omitempty"`

	MaxRetries int `json:"max_retries"`
	RetryCount int `json:"retry_count"`

	// ReapCount counts supervisor re-queues after lease expiry. A job
	// is re-queued once; the second expiry fails it.
	ReapCount int `json:"reap_count"`

	// CancelRequested is a set-once flag. Running jobs observe it via
	// the pool's cancel watch; queued jobs move straight to cancelled.
	CancelRequested bool `json:"cancel_requested"`

	WorkerID       id.WorkerID   `json:"worker_id,omitempty"`
	RunAt          time.Time     `json:"run_at"`
	LeaseExpiresAt *time.Time    `json:"lease_expires_at,omitempty"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	HeartbeatAt    *time.Time    `json:"heartbeat_at,omitempty"`
	Timeout        time.Duration `json:"timeout,omitempty"`
}

// Snapshot is the externally visible view of a job, served by the
// engine's status queries and the gateway's subscribe snapshot.
type Snapshot struct {
	ID          id.JobID        `json:"id"`
	Type        string          `json:"type"`
	Queue       string          `json:"queue"`
	State       State           `json:"state"`
	Progress    float64         `json:"progress"`
	Message     string          `json:"message,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *ErrorInfo      `json:"error,omitempty"`
	RetryCount  int             `json:"retry_count"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Snapshot builds the external view of the job.
func (j *Job) Snapshot() Snapshot {
	return Snapshot{
		ID:          j.ID,
		Type:        j.Type,
		Queue:       j.Queue,
		State:       j.State,
		Progress:    j.Progress,
		Message:     j.Message,
		Result:      j.Result,
		Error:       j.Error,
		RetryCount:  j.RetryCount,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
}
