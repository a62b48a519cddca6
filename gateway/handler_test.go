package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/prefect421/conveyor/engine"
	"github.com/prefect421/conveyor/id"
	"github.com/prefect421/conveyor/job"
	"github.com/prefect421/conveyor/store/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

type fetchPayload struct {
	URL string `json:"url" validate:"required"`
}

func newTestHandler(t *testing.T) (*Handler, *memory.Store) {
	t.Helper()

	st := memory.New()
	eng, err := engine.New(
		engine.WithStore(st),
		engine.WithLogger(testLogger()),
	)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	engine.Register(eng, job.NewDefinition("media.fetch",
		func(_ context.Context, _ *job.Runtime, _ fetchPayload) error { return nil },
		job.WithQueue("fetch"),
	))

	return NewHandler(eng, NewConnectionManager(), testLogger()), st
}

func testConn() *Connection {
	return NewConnection("conn-1", &Identity{Subject: "test", Scopes: []string{"*"}}, &JSONCodec{})
}

func submitJob(t *testing.T, h *Handler) string {
	t.Helper()

	frame := &Frame{
		ID:     "submit-1",
		Type:   FrameRequest,
		Method: MethodJobSubmit,
		Data: mustJSON(t, JobSubmitRequest{
			Type:    "media.fetch",
			Payload: mustJSON(t, fetchPayload{URL: "https://example.com/v"}),
		}),
	}
	resp := h.Handle(context.Background(), frame, testConn())
	if resp.Type != FrameResponse {
		t.Fatalf("submit response type = %q (err: %+v)", resp.Type, resp.Error)
	}
	var result JobSubmitResponse
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		t.Fatalf("unmarshal submit response: %v", err)
	}
	return result.JobID
}

// ────────────────────────────────────────────────────────────

func TestHandler_JobSubmit(t *testing.T) {
	h, st := newTestHandler(t)

	jobIDStr := submitJob(t, h)

	jobID, err := id.ParseJobID(jobIDStr)
	if err != nil {
		t.Fatalf("response job ID %q invalid: %v", jobIDStr, err)
	}
	j, getErr := st.GetJob(context.Background(), jobID)
	if getErr != nil {
		t.Fatalf("GetJob: %v", getErr)
	}
	if j.Queue != "fetch" {
		t.Errorf("queue = %q, want fetch", j.Queue)
	}
	if j.State != job.StateQueued {
		t.Errorf("state = %q, want queued", j.State)
	}
}

func TestHandler_JobSubmitInvalidPayload(t *testing.T) {
	h, _ := newTestHandler(t)

	frame := &Frame{
		ID:     "submit-bad",
		Type:   FrameRequest,
		Method: MethodJobSubmit,
		Data: mustJSON(t, JobSubmitRequest{
			Type:    "media.fetch",
			Payload: json.RawMessage(`{}`), // missing required url
		}),
	}
	resp := h.Handle(context.Background(), frame, testConn())
	if resp.Type != FrameErr {
		t.Fatalf("Type = %q, want error", resp.Type)
	}
	if resp.Error.Code != ErrCodeBadRequest {
		t.Errorf("Error.Code = %d, want %d", resp.Error.Code, ErrCodeBadRequest)
	}
}

func TestHandler_JobSubmitUnknownType(t *testing.T) {
	h, _ := newTestHandler(t)

	frame := &Frame{
		ID:     "submit-unknown",
		Type:   FrameRequest,
		Method: MethodJobSubmit,
		Data: mustJSON(t, JobSubmitRequest{
			Type:    "media.transcode",
			Payload: json.RawMessage(`{}`),
		}),
	}
	resp := h.Handle(context.Background(), frame, testConn())
	if resp.Type != FrameErr {
		t.Fatalf("Type = %q, want error", resp.Type)
	}
	if resp.Error.Code != ErrCodeNotFound {
		t.Errorf("Error.Code = %d, want %d", resp.Error.Code, ErrCodeNotFound)
	}
}

func TestHandler_JobGet(t *testing.T) {
	h, _ := newTestHandler(t)

	jobIDStr := submitJob(t, h)

	frame := &Frame{
		ID:     "get-1",
		Type:   FrameRequest,
		Method: MethodJobGet,
		Data:   mustJSON(t, JobGetRequest{JobID: jobIDStr}),
	}
	resp := h.Handle(context.Background(), frame, testConn())
	if resp.Type != FrameResponse {
		t.Fatalf("Type = %q, want response (err: %+v)", resp.Type, resp.Error)
	}

	var snap job.Snapshot
	if err := json.Unmarshal(resp.Data, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if snap.Type != "media.fetch" {
		t.Errorf("type = %q, want media.fetch", snap.Type)
	}
	if snap.State != job.StateQueued {
		t.Errorf("state = %q, want queued", snap.State)
	}
}

func TestHandler_JobGetMissing(t *testing.T) {
	h, _ := newTestHandler(t)

	frame := &Frame{
		ID:     "get-missing",
		Type:   FrameRequest,
		Method: MethodJobGet,
		Data:   mustJSON(t, JobGetRequest{JobID: id.NewJobID().String()}),
	}
	resp := h.Handle(context.Background(), frame, testConn())
	if resp.Type != FrameErr || resp.Error.Code != ErrCodeNotFound {
		t.Fatalf("resp = %+v, want 404 error", resp)
	}
}

func TestHandler_JobGetMalformedID(t *testing.T) {
	h, _ := newTestHandler(t)

	frame := &Frame{
		ID:     "get-bad-id",
		Type:   FrameRequest,
		Method: MethodJobGet,
		Data:   mustJSON(t, JobGetRequest{JobID: "not-an-id!"}),
	}
	resp := h.Handle(context.Background(), frame, testConn())
	if resp.Type != FrameErr || resp.Error.Code != ErrCodeBadRequest {
		t.Fatalf("resp = %+v, want 400 error", resp)
	}
}

func TestHandler_JobCancel(t *testing.T) {
	h, st := newTestHandler(t)

	jobIDStr := submitJob(t, h)

	frame := &Frame{
		ID:     "cancel-1",
		Type:   FrameRequest,
		Method: MethodJobCancel,
		Data:   mustJSON(t, JobCancelRequest{JobID: jobIDStr}),
	}
	resp := h.Handle(context.Background(), frame, testConn())
	if resp.Type != FrameResponse {
		t.Fatalf("Type = %q, want response (err: %+v)", resp.Type, resp.Error)
	}

	jobID, _ := id.ParseJobID(jobIDStr) //nolint:errcheck // validated in submitJob
	j, getErr := st.GetJob(context.Background(), jobID)
	if getErr != nil {
		t.Fatalf("GetJob: %v", getErr)
	}
	if j.State != job.StateCancelled {
		t.Errorf("state = %q, want cancelled", j.State)
	}
}

func TestHandler_JobList(t *testing.T) {
	h, _ := newTestHandler(t)

	submitJob(t, h)
	submitJob(t, h)

	frame := &Frame{
		ID:     "list-1",
		Type:   FrameRequest,
		Method: MethodJobList,
		Data:   mustJSON(t, JobListRequest{Queue: "fetch"}),
	}
	resp := h.Handle(context.Background(), frame, testConn())
	if resp.Type != FrameResponse {
		t.Fatalf("Type = %q, want response (err: %+v)", resp.Type, resp.Error)
	}

	var snaps []job.Snapshot
	if err := json.Unmarshal(resp.Data, &snaps); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(snaps) != 2 {
		t.Errorf("active jobs = %d, want 2", len(snaps))
	}
}

func TestHandler_Subscribe(t *testing.T) {
	h, _ := newTestHandler(t)

	frame := &Frame{
		ID:     "sub-1",
		Type:   FrameRequest,
		Method: MethodSubscribe,
		Data:   mustJSON(t, SubscribeRequest{Channel: "jobs"}),
	}
	resp := h.Handle(context.Background(), frame, testConn())
	if resp.Type != FrameResponse {
		t.Fatalf("Type = %q, want response", resp.Type)
	}
	if resp.CorrelID != "sub-1" {
		t.Errorf("CorrelID = %q, want sub-1", resp.CorrelID)
	}

	var result map[string]string
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result["status"] != "subscribed" {
		t.Errorf("status = %q, want subscribed", result["status"])
	}
}

func TestHandler_SubscribeInvalidTopic(t *testing.T) {
	h, _ := newTestHandler(t)

	frame := &Frame{
		ID:     "sub-bad",
		Type:   FrameRequest,
		Method: MethodSubscribe,
		Data:   mustJSON(t, SubscribeRequest{Channel: "invalid"}),
	}
	resp := h.Handle(context.Background(), frame, testConn())
	if resp.Type != FrameErr || resp.Error.Code != ErrCodeBadRequest {
		t.Fatalf("resp = %+v, want 400 error", resp)
	}
}

func TestHandler_Unsubscribe(t *testing.T) {
	h, _ := newTestHandler(t)

	frame := &Frame{
		ID:     "unsub-1",
		Type:   FrameRequest,
		Method: MethodUnsubscribe,
		Data:   mustJSON(t, UnsubscribeRequest{Channel: "jobs"}),
	}
	resp := h.Handle(context.Background(), frame, testConn())
	if resp.Type != FrameResponse {
		t.Fatalf("Type = %q, want response", resp.Type)
	}
}

func TestHandler_UnknownMethod(t *testing.T) {
	h, _ := newTestHandler(t)

	frame := &Frame{
		ID:     "unknown-1",
		Type:   FrameRequest,
		Method: "nonexistent.method",
	}
	resp := h.Handle(context.Background(), frame, testConn())
	if resp.Type != FrameErr || resp.Error.Code != ErrCodeMethodNotFound {
		t.Fatalf("resp = %+v, want 405 error", resp)
	}
}

func TestHandler_Stats(t *testing.T) {
	h, _ := newTestHandler(t)

	frame := &Frame{
		ID:     "stats-1",
		Type:   FrameRequest,
		Method: MethodStats,
	}
	resp := h.Handle(context.Background(), frame, testConn())
	if resp.Type != FrameResponse {
		t.Fatalf("Type = %q, want response", resp.Type)
	}

	var stats map[string]json.RawMessage
	if err := json.Unmarshal(resp.Data, &stats); err != nil {
		t.Fatalf("unmarshal stats: %v", err)
	}
	for _, key := range []string{"broker", "connections", "health"} {
		if _, ok := stats[key]; !ok {
			t.Errorf("stats missing %q", key)
		}
	}
}
