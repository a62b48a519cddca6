package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/prefect421/conveyor/gateway"
	"github.com/prefect421/conveyor/job"
)

// Submit submits a job to the remote gateway and returns its ID.
func (c *Client) Submit(ctx context.Context, taskType string, payload any, opts ...SubmitOption) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	req := gateway.JobSubmitRequest{
		Type:    taskType,
		Payload: raw,
	}
	for _, opt := range opts {
		opt(&req)
	}

	resp, reqErr := c.request(ctx, gateway.MethodJobSubmit, req)
	if reqErr != nil {
		return "", reqErr
	}

	var result gateway.JobSubmitResponse
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	return result.JobID, nil
}

// Get retrieves a job snapshot by ID.
func (c *Client) Get(ctx context.Context, jobID string) (*job.Snapshot, error) {
	resp, err := c.request(ctx, gateway.MethodJobGet, gateway.JobGetRequest{
		JobID: jobID,
	})
	if err != nil {
		return nil, err
	}

	var snap job.Snapshot
	if unmarshalErr := json.Unmarshal(resp.Data, &snap); unmarshalErr != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", unmarshalErr)
	}
	return &snap, nil
}

// Cancel requests cancellation of a job by ID.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	_, err := c.request(ctx, gateway.MethodJobCancel, gateway.JobCancelRequest{
		JobID: jobID,
	})
	return err
}

// List returns snapshots of active jobs matching the filter.
func (c *Client) List(ctx context.Context, queue, taskType string, limit int) ([]job.Snapshot, error) {
	resp, err := c.request(ctx, gateway.MethodJobList, gateway.JobListRequest{
		Queue: queue,
		Type:  taskType,
		Limit: limit,
	})
	if err != nil {
		return nil, err
	}

	var snaps []job.Snapshot
	if unmarshalErr := json.Unmarshal(resp.Data, &snaps); unmarshalErr != nil {
		return nil, fmt.Errorf("unmarshal list: %w", unmarshalErr)
	}
	return snaps, nil
}

// SubmitOption configures a submit request.
type SubmitOption func(*gateway.JobSubmitRequest)

// WithQueue sets the target queue.
func WithQueue(queue string) SubmitOption {
	return func(r *gateway.JobSubmitRequest) { r.Queue = queue }
}

// WithPriority sets the job priority.
func WithPriority(priority int) SubmitOption {
	return func(r *gateway.JobSubmitRequest) { r.Priority = priority }
}
