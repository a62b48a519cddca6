// Package stream provides a real-time event broker for job lifecycle
// and progress events. It bridges the ext.Extension system to connected
// clients via topic-based pub/sub.
//
// Delivery to subscribers is fire-and-forget: a slow subscriber drops
// intermediate events rather than blocking publishers. The gateway
// layers terminal-event retry and snapshot-on-subscribe on top.
package stream

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	EventJobEnqueued  EventType = "job.enqueued"
	EventJobStarted   EventType = "job.started"
	EventJobProgress  EventType = "job.progress"
	EventJobCompleted EventType = "job.completed"
	EventJobFailed    EventType = "job.failed"
	EventJobRetrying  EventType = "job.retrying"
	EventJobCancelled EventType = "job.cancelled"

	// EventJobSnapshot carries the full current state of a job. Sent
	// once per subscription, before any deltas.
	EventJobSnapshot EventType = "job.snapshot"
)

// Terminal reports whether the event announces a final job state.
// Terminal events get delivery retries in the gateway; deltas do not.
func (t EventType) Terminal() bool {
	switch t {
	case EventJobCompleted, EventJobFailed, EventJobCancelled:
		return true
	default:
		return false
	}
}

// Event is the envelope sent to subscribers on a topic channel.
type Event struct {
	// Type identifies the lifecycle event.
	Type EventType `json:"type"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"ts"`

	// Topic is the channel this event was published on.
	Topic string `json:"topic"`

	// Data is the event-specific payload.
	Data json.RawMessage `json:"data"`
}

// JobEventData is the payload for job lifecycle events.
type JobEventData struct {
	JobID    string  `json:"job_id"`
	TaskType string  `json:"task_type"`
	Queue    string  `json:"queue"`
	State    string  `json:"state,omitempty"`
	Progress float64 `json:"progress,omitempty"`
	Message  string  `json:"message,omitempty"`

	// Result is present only on job.completed.
	Result json.RawMessage `json:"result,omitempty"`

	ElapsedMs int64  `json:"elapsed_ms,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	NextRunAt string `json:"next_run_at,omitempty"`
}
