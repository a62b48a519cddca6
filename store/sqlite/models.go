package sqlite

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"

	conveyor "github.com/prefect421/conveyor"
	"github.com/prefect421/conveyor/id"
	"github.com/prefect421/conveyor/job"
)

type jobModel struct {
	bun.BaseModel `bun:"table:conveyor_jobs"`

	ID              string     `bun:"id,pk"`
	Type            string     `bun:"type,notnull"`
	Queue           string     `bun:"queue,notnull,default:'default'"`
	Payload         []byte     `bun:"payload"`
	State           string     `bun:"state,notnull,default:'queued'"`
	Priority        int        `bun:"priority,notnull,default:0"`
	Progress        float64    `bun:"progress,notnull,default:0"`
	Message         string     `bun:"message"`
	Result          []byte     `bun:"result"`
	ErrorCode       string     `bun:"error_code"`
	ErrorMessage    string     `bun:"error_message"`
	MaxRetries      int        `bun:"max_retries,notnull,default:3"`
	RetryCount      int        `bun:"retry_count,notnull,default:0"`
	ReapCount       int        `bun:"reap_count,notnull,default:0"`
	CancelRequested bool       `bun:"cancel_requested,notnull,default:false"`
	WorkerID        string     `bun:"worker_id"`
	RunAt           time.Time  `bun:"run_at,notnull"`
	LeaseExpiresAt  *time.Time `bun:"lease_expires_at"`
	StartedAt       *time.Time `bun:"started_at"`
	CompletedAt     *time.Time `bun:"completed_at"`
	HeartbeatAt     *time.Time `bun:"heartbeat_at"`
	Timeout         int64      `bun:"timeout,notnull,default:0"`
	CreatedAt       time.Time  `bun:"created_at,notnull"`
	UpdatedAt       time.Time  `bun:"updated_at,notnull"`
}

func toJobModel(j *job.Job) *jobModel {
	m := &jobModel{
		ID:              j.ID.String(),
		Type:            j.Type,
		Queue:           j.Queue,
		Payload:         j.Payload,
		State:           string(j.State),
		Priority:        j.Priority,
		Progress:        j.Progress,
		Message:         j.Message,
		Result:          j.Result,
		MaxRetries:      j.MaxRetries,
		RetryCount:      j.RetryCount,
		ReapCount:       j.ReapCount,
		CancelRequested: j.CancelRequested,
		WorkerID:        j.WorkerID.String(),
		RunAt:           j.RunAt,
		LeaseExpiresAt:  j.LeaseExpiresAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
		HeartbeatAt:     j.HeartbeatAt,
		Timeout:         j.Timeout.Nanoseconds(),
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
	}
	if j.Error != nil {
		m.ErrorCode = j.Error.Code
		m.ErrorMessage = j.Error.Message
	}
	return m
}

func fromJobModel(m *jobModel) (*job.Job, error) {
	parsedID, err := id.ParseJobID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("conveyor/sqlite: parse job id %q: %w", m.ID, err)
	}

	j := &job.Job{
		Entity: conveyor.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:              parsedID,
		Type:            m.Type,
		Queue:           m.Queue,
		Payload:         m.Payload,
		State:           job.State(m.State),
		Priority:        m.Priority,
		Progress:        m.Progress,
		Message:         m.Message,
		Result:          m.Result,
		MaxRetries:      m.MaxRetries,
		RetryCount:      m.RetryCount,
		ReapCount:       m.ReapCount,
		CancelRequested: m.CancelRequested,
		RunAt:           m.RunAt,
		LeaseExpiresAt:  m.LeaseExpiresAt,
		StartedAt:       m.StartedAt,
		CompletedAt:     m.CompletedAt,
		HeartbeatAt:     m.HeartbeatAt,
		Timeout:         time.Duration(m.Timeout),
	}

	if m.ErrorCode != "" || m.ErrorMessage != "" {
		j.Error = &job.ErrorInfo{Code: m.ErrorCode, Message: m.ErrorMessage}
	}
	if m.WorkerID != "" {
		parsedWorker, wErr := id.ParseWorkerID(m.WorkerID)
		if wErr == nil {
			j.WorkerID = parsedWorker
		}
	}
	return j, nil
}
