package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/prefect421/conveyor/id"
	"github.com/prefect421/conveyor/job"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestBrokerSubscribeAndPublish(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())

	sub := b.Subscribe("sub-1", TopicJobs)

	evt := &Event{
		Type:      EventJobEnqueued,
		Timestamp: time.Now().UTC(),
		Topic:     JobTopic("job-123"),
		Data:      json.RawMessage(`{"job_id":"job-123"}`),
	}
	b.publish(evt, "fetch")

	// Event should arrive on the subscriber channel.
	select {
	case received := <-sub.C():
		if received.Type != EventJobEnqueued {
			t.Errorf("Type = %q, want %q", received.Type, EventJobEnqueued)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBrokerMultipleTopics(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())

	// Subscribe to firehose — should get everything.
	firehose := b.Subscribe("firehose-sub", TopicFirehose)

	// Subscribe to just the fetch queue.
	queueSub := b.Subscribe("queue-sub", QueueTopic("fetch"))

	// Publish a job event on the fetch queue.
	evt := &Event{
		Type:      EventJobCompleted,
		Timestamp: time.Now().UTC(),
		Topic:     JobTopic("job-456"),
		Data:      json.RawMessage(`{}`),
	}
	b.publish(evt, "fetch")

	// Both should receive the event.
	for _, sub := range []*Subscriber{firehose, queueSub} {
		select {
		case <-sub.C():
			// ok
		case <-time.After(time.Second):
			t.Fatalf("subscriber %s timed out", sub.ID())
		}
	}
}

func TestBrokerJobTopicIsolation(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())

	// Subscribe to a specific job.
	sub := b.Subscribe("job-sub", JobTopic("job-abc"))

	// Publish event for that job.
	evt := &Event{
		Type:      EventJobProgress,
		Timestamp: time.Now().UTC(),
		Topic:     JobTopic("job-abc"),
		Data:      json.RawMessage(`{"progress":42}`),
	}
	b.publish(evt, "fetch")

	select {
	case received := <-sub.C():
		if received.Type != EventJobProgress {
			t.Errorf("Type = %q, want %q", received.Type, EventJobProgress)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for progress event")
	}

	// Publish event for a different job — should NOT arrive.
	evt2 := &Event{
		Type:      EventJobStarted,
		Timestamp: time.Now().UTC(),
		Topic:     JobTopic("job-other"),
		Data:      json.RawMessage(`{}`),
	}
	b.publish(evt2, "fetch")

	select {
	case <-sub.C():
		t.Fatal("should not receive event for different job")
	case <-time.After(50 * time.Millisecond):
		// ok — no event
	}
}

func TestBrokerHooksPublish(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())
	j := &job.Job{
		ID:       id.NewJobID(),
		Type:     "media.fetch",
		Queue:    "fetch",
		State:    job.StateRunning,
		Progress: 50,
		Message:  "downloading",
	}

	sub := b.Subscribe("hook-sub", JobTopic(j.ID.String()))

	if err := b.OnJobProgress(context.Background(), j); err != nil {
		t.Fatalf("OnJobProgress: %v", err)
	}

	select {
	case received := <-sub.C():
		if received.Type != EventJobProgress {
			t.Fatalf("Type = %q, want %q", received.Type, EventJobProgress)
		}
		var data JobEventData
		if err := json.Unmarshal(received.Data, &data); err != nil {
			t.Fatalf("unmarshal event data: %v", err)
		}
		if data.Progress != 50 || data.Message != "downloading" {
			t.Errorf("unexpected data: %+v", data)
		}
		if data.TaskType != "media.fetch" {
			t.Errorf("TaskType = %q, want media.fetch", data.TaskType)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for hook event")
	}
}

func TestBrokerUnsubscribe(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())

	sub := b.Subscribe("sub-rm", TopicFirehose)

	// Remove subscriber.
	b.RemoveSubscriber("sub-rm")

	evt := &Event{
		Type:      EventJobEnqueued,
		Timestamp: time.Now().UTC(),
		Topic:     JobTopic("j1"),
		Data:      json.RawMessage(`{}`),
	}
	b.publish(evt, "fetch")

	// Channel should be closed.
	select {
	case _, ok := <-sub.C():
		if ok {
			t.Fatal("channel should be closed after RemoveSubscriber")
		}
	case <-time.After(100 * time.Millisecond):
		// ok
	}
}

func TestBrokerStats(t *testing.T) {
	t.Parallel()

	b := NewBroker(testLogger())

	_ = b.Subscribe("s1", TopicJobs)
	_ = b.Subscribe("s2", QueueTopic("fetch"), TopicFirehose)

	stats := b.Stats()
	if stats.SubscriberCount != 2 {
		t.Errorf("SubscriberCount = %d, want 2", stats.SubscriberCount)
	}
	if stats.TopicCount < 2 {
		t.Errorf("TopicCount = %d, want >= 2", stats.TopicCount)
	}
}

func TestSubscriberCredits(t *testing.T) {
	t.Parallel()

	sub := NewSubscriber("credit-sub", 10, 2)

	evt := &Event{Type: EventJobEnqueued, Timestamp: time.Now().UTC(), Data: json.RawMessage(`{}`)}

	// Should accept 2 events (initial credits).
	if !sub.send(evt) {
		t.Fatal("first send should succeed")
	}
	if !sub.send(evt) {
		t.Fatal("second send should succeed")
	}

	// Third should fail — no credits.
	if sub.send(evt) {
		t.Fatal("third send should fail (no credits)")
	}

	// Replenish credits.
	sub.AddCredits(5)
	if sub.Credits() != 5 {
		t.Errorf("Credits = %d, want 5", sub.Credits())
	}

	if !sub.send(evt) {
		t.Fatal("send after credit replenishment should succeed")
	}
}

func TestSubscriberTerminalBypass(t *testing.T) {
	t.Parallel()

	sub := NewSubscriber("terminal-sub", 2, 0)

	delta := &Event{Type: EventJobProgress, Timestamp: time.Now().UTC(), Data: json.RawMessage(`{}`)}
	terminal := &Event{Type: EventJobCompleted, Timestamp: time.Now().UTC(), Data: json.RawMessage(`{}`)}

	// No credits: deltas are dropped, terminal events still land.
	if sub.send(delta) {
		t.Fatal("delta should be dropped with zero credits")
	}
	if !sub.send(terminal) {
		t.Fatal("terminal event should bypass credits")
	}

	// Fill the buffer with terminal events, then send one more: the
	// oldest buffered event is evicted so the new one fits.
	if !sub.send(terminal) {
		t.Fatal("second terminal send should succeed")
	}
	failed := &Event{Type: EventJobFailed, Timestamp: time.Now().UTC(), Data: json.RawMessage(`{}`)}
	if !sub.send(failed) {
		t.Fatal("terminal send into a full buffer should evict and succeed")
	}

	// Drain: two events remain, the last one is the evicting sender.
	<-sub.C()
	got := <-sub.C()
	if got.Type != EventJobFailed {
		t.Errorf("last buffered event = %q, want %q", got.Type, EventJobFailed)
	}
}

func TestSubscriberFilter(t *testing.T) {
	t.Parallel()

	sub := NewSubscriber("filter-sub", 10, 100)
	sub.SetFilter(func(e *Event) bool {
		return e.Type == EventJobFailed
	})

	// Should be rejected by filter.
	if sub.send(&Event{Type: EventJobCompleted, Timestamp: time.Now().UTC(), Data: json.RawMessage(`{}`)}) {
		t.Fatal("completed event should be filtered out")
	}

	// Should pass filter.
	if !sub.send(&Event{Type: EventJobFailed, Timestamp: time.Now().UTC(), Data: json.RawMessage(`{}`)}) {
		t.Fatal("failed event should pass filter")
	}
}

func TestEventTypeTerminal(t *testing.T) {
	t.Parallel()

	terminal := []EventType{EventJobCompleted, EventJobFailed, EventJobCancelled}
	for _, et := range terminal {
		if !et.Terminal() {
			t.Errorf("%q should be terminal", et)
		}
	}
	deltas := []EventType{EventJobEnqueued, EventJobStarted, EventJobProgress, EventJobRetrying, EventJobSnapshot}
	for _, et := range deltas {
		if et.Terminal() {
			t.Errorf("%q should not be terminal", et)
		}
	}
}

func TestTopicValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		topic string
		valid bool
	}{
		{TopicJobs, true},
		{TopicFirehose, true},
		{"job:job-123", true},
		{"queue:fetch", true},
		{"invalid", false},
		{"unknown:entity", false},
		{"batch:run-abc", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			err := ValidateTopic(tt.topic)
			if tt.valid && err != nil {
				t.Errorf("ValidateTopic(%q) returned error: %v", tt.topic, err)
			}
			if !tt.valid && err == nil {
				t.Errorf("ValidateTopic(%q) should return error", tt.topic)
			}
		})
	}
}

func TestTopicRegistry(t *testing.T) {
	t.Parallel()

	tr := NewTopicRegistry()

	sub1 := NewSubscriber("s1", 10, 100)
	sub2 := NewSubscriber("s2", 10, 100)

	tr.Subscribe("topic-a", sub1)
	tr.Subscribe("topic-a", sub2)
	tr.Subscribe("topic-b", sub1)

	if tr.TopicCount() != 2 {
		t.Errorf("TopicCount = %d, want 2", tr.TopicCount())
	}
	if tr.SubscriberCount("topic-a") != 2 {
		t.Errorf("SubscriberCount(topic-a) = %d, want 2", tr.SubscriberCount("topic-a"))
	}

	// Unsubscribe s2 from topic-a.
	tr.Unsubscribe("topic-a", "s2")
	if tr.SubscriberCount("topic-a") != 1 {
		t.Errorf("SubscriberCount(topic-a) = %d, want 1", tr.SubscriberCount("topic-a"))
	}

	// UnsubscribeAll for s1.
	tr.UnsubscribeAll("s1")
	if tr.TopicCount() != 0 {
		t.Errorf("TopicCount after UnsubscribeAll = %d, want 0", tr.TopicCount())
	}
}

func TestBroadcastDeduplication(t *testing.T) {
	t.Parallel()

	tr := NewTopicRegistry()
	sub := NewSubscriber("dedup-sub", 10, 100)

	// Subscribe to multiple topics.
	tr.Subscribe("topic-x", sub)
	tr.Subscribe("topic-y", sub)

	evt := &Event{Type: EventJobEnqueued, Timestamp: time.Now().UTC(), Data: json.RawMessage(`{}`)}

	delivered, dropped := tr.Broadcast([]string{"topic-x", "topic-y"}, evt)
	if delivered != 1 {
		t.Errorf("Broadcast delivered to %d subscribers, want 1 (deduplicated)", delivered)
	}
	if dropped != 0 {
		t.Errorf("Broadcast dropped %d, want 0", dropped)
	}
}

func TestBroadcastCountsDrops(t *testing.T) {
	t.Parallel()

	tr := NewTopicRegistry()
	// Zero credits — every send is dropped.
	sub := NewSubscriber("starved-sub", 10, 0)
	tr.Subscribe("topic-z", sub)

	evt := &Event{Type: EventJobProgress, Timestamp: time.Now().UTC(), Data: json.RawMessage(`{}`)}

	delivered, dropped := tr.Broadcast([]string{"topic-z"}, evt)
	if delivered != 0 || dropped != 1 {
		t.Errorf("delivered=%d dropped=%d, want 0/1", delivered, dropped)
	}
}

func TestResolveTopics(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		evt      *Event
		queue    string
		expected []string
	}{
		{
			name:     "job event with queue",
			evt:      &Event{Type: EventJobEnqueued, Topic: "job:j1"},
			queue:    "fetch",
			expected: []string{TopicFirehose, TopicJobs, "queue:fetch", "job:j1"},
		},
		{
			name:     "no queue",
			evt:      &Event{Type: EventJobStarted, Topic: "job:j2"},
			queue:    "",
			expected: []string{TopicFirehose, TopicJobs, "job:j2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			topics := resolveTopics(tt.evt, tt.queue)
			if len(topics) != len(tt.expected) {
				t.Errorf("got %d topics, want %d: %v", len(topics), len(tt.expected), topics)
				return
			}
			for i, topic := range topics {
				if topic != tt.expected[i] {
					t.Errorf("topic[%d] = %q, want %q", i, topic, tt.expected[i])
				}
			}
		})
	}
}

func TestSnapshotEvent(t *testing.T) {
	t.Parallel()

	j := &job.Job{
		ID:       id.NewJobID(),
		Type:     "media.analyze",
		Queue:    "analysis",
		State:    job.StateCompleted,
		Progress: 100,
		Result:   json.RawMessage(`{"quality_score":87}`),
	}

	evt := SnapshotEvent(j)
	if evt.Type != EventJobSnapshot {
		t.Fatalf("Type = %q, want %q", evt.Type, EventJobSnapshot)
	}
	if evt.Topic != JobTopic(j.ID.String()) {
		t.Errorf("Topic = %q, want %q", evt.Topic, JobTopic(j.ID.String()))
	}

	var data JobEventData
	if err := json.Unmarshal(evt.Data, &data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if data.State != string(job.StateCompleted) {
		t.Errorf("State = %q, want completed", data.State)
	}
	if string(data.Result) != `{"quality_score":87}` {
		t.Errorf("Result = %s", data.Result)
	}
}
