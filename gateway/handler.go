package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	conveyor "github.com/prefect421/conveyor"
	"github.com/prefect421/conveyor/engine"
	"github.com/prefect421/conveyor/fault"
	"github.com/prefect421/conveyor/id"
	"github.com/prefect421/conveyor/job"
	"github.com/prefect421/conveyor/stream"
)

// Handler dispatches request frames to engine operations.
type Handler struct {
	eng    *engine.Engine
	broker *stream.Broker
	conns  *ConnectionManager
	logger *slog.Logger
}

// NewHandler creates a method handler backed by the engine.
func NewHandler(eng *engine.Engine, conns *ConnectionManager, logger *slog.Logger) *Handler {
	return &Handler{
		eng:    eng,
		broker: eng.Broker(),
		conns:  conns,
		logger: logger,
	}
}

// Handle processes a single request frame and returns a response.
func (h *Handler) Handle(ctx context.Context, frame *Frame, conn *Connection) *Frame {
	switch frame.Method {
	case MethodJobSubmit:
		return h.handleJobSubmit(ctx, frame)
	case MethodJobGet:
		return h.handleJobGet(ctx, frame)
	case MethodJobCancel:
		return h.handleJobCancel(ctx, frame)
	case MethodJobList:
		return h.handleJobList(ctx, frame)
	case MethodSubscribe:
		return h.handleSubscribe(frame)
	case MethodUnsubscribe:
		return h.handleUnsubscribe(frame)
	case MethodStats:
		return h.handleStats(frame)
	default:
		return NewErrorFrame(frame.ID, ErrCodeMethodNotFound, "unknown method: "+frame.Method)
	}
}

// mustResponseFrame creates a response frame, returning an error frame
// on marshal failure.
func mustResponseFrame(frameID string, data any) *Frame {
	resp, err := NewResponseFrame(frameID, data)
	if err != nil {
		return NewErrorFrame(frameID, ErrCodeInternal, "marshal response: "+err.Error())
	}
	return resp
}

// errorFrameFor maps engine errors to wire error codes.
func errorFrameFor(frameID string, err error) *Frame {
	switch {
	case fault.IsValidation(err):
		return NewErrorFrame(frameID, ErrCodeBadRequest, err.Error())
	case errors.Is(err, conveyor.ErrTaskNotFound):
		return NewErrorFrame(frameID, ErrCodeNotFound, err.Error())
	case errors.Is(err, conveyor.ErrJobNotFound):
		return NewErrorFrame(frameID, ErrCodeNotFound, err.Error())
	case errors.Is(err, conveyor.ErrJobTerminal),
		errors.Is(err, conveyor.ErrCancelRequested),
		errors.Is(err, conveyor.ErrJobAlreadyExists):
		return NewErrorFrame(frameID, ErrCodeConflict, err.Error())
	default:
		return NewErrorFrame(frameID, ErrCodeInternal, err.Error())
	}
}

func (h *Handler) handleJobSubmit(ctx context.Context, frame *Frame) *Frame {
	var req JobSubmitRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}

	opts := make([]job.Option, 0, 2)
	if req.Queue != "" {
		opts = append(opts, job.WithQueue(req.Queue))
	}
	if req.Priority > 0 {
		opts = append(opts, job.WithPriority(req.Priority))
	}

	jobID, err := h.eng.Submit(ctx, req.Type, req.Payload, opts...)
	if err != nil {
		return errorFrameFor(frame.ID, err)
	}

	return mustResponseFrame(frame.ID, JobSubmitResponse{
		JobID: jobID.String(),
		State: string(job.StateQueued),
	})
}

func (h *Handler) handleJobGet(ctx context.Context, frame *Frame) *Frame {
	var req JobGetRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}

	jobID, err := id.ParseJobID(req.JobID)
	if err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid job ID: "+err.Error())
	}

	snap, getErr := h.eng.GetStatus(ctx, jobID)
	if getErr != nil {
		return errorFrameFor(frame.ID, getErr)
	}

	return mustResponseFrame(frame.ID, snap)
}

func (h *Handler) handleJobCancel(ctx context.Context, frame *Frame) *Frame {
	var req JobCancelRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}

	jobID, err := id.ParseJobID(req.JobID)
	if err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid job ID: "+err.Error())
	}

	if cancelErr := h.eng.Cancel(ctx, jobID); cancelErr != nil {
		return errorFrameFor(frame.ID, cancelErr)
	}

	return mustResponseFrame(frame.ID, map[string]string{"status": "cancel_requested"})
}

func (h *Handler) handleJobList(ctx context.Context, frame *Frame) *Frame {
	var req JobListRequest
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
		}
	}

	snaps, err := h.eng.ListActive(ctx, engine.ListFilter{
		Queue: req.Queue,
		Type:  req.Type,
		Limit: req.Limit,
	})
	if err != nil {
		return errorFrameFor(frame.ID, err)
	}

	return mustResponseFrame(frame.ID, snaps)
}

func (h *Handler) handleSubscribe(frame *Frame) *Frame {
	var req SubscribeRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}

	if err := stream.ValidateTopic(req.Channel); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, err.Error())
	}

	// Actual subscription and the snapshot send happen in the server
	// loop after the response goes out.
	return mustResponseFrame(frame.ID, map[string]string{
		"channel": req.Channel,
		"status":  "subscribed",
	})
}

func (h *Handler) handleUnsubscribe(frame *Frame) *Frame {
	var req UnsubscribeRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return NewErrorFrame(frame.ID, ErrCodeBadRequest, "invalid request: "+err.Error())
	}

	// Actual unsubscription is done in the server loop after the
	// response is sent.
	return mustResponseFrame(frame.ID, map[string]string{
		"channel": req.Channel,
		"status":  "unsubscribed",
	})
}

func (h *Handler) handleStats(frame *Frame) *Frame {
	stats := map[string]any{
		"broker":      h.broker.Stats(),
		"connections": h.conns.Count(),
		"health":      h.eng.Supervisor().Health(),
	}
	return mustResponseFrame(frame.ID, stats)
}
