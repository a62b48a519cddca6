package progress

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prefect421/conveyor/id"
	"github.com/prefect421/conveyor/job"
)

// recordingStore captures UpdateJob calls; every other Store method is
// unused by the reporter.
type recordingStore struct {
	job.Store

	mu      sync.Mutex
	updates []float64
}

func (s *recordingStore) UpdateJob(_ context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, j.Progress)
	return nil
}

func (s *recordingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates)
}

func (s *recordingStore) snapshot() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float64, len(s.updates))
	copy(out, s.updates)
	return out
}

func (s *recordingStore) last() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.updates) == 0 {
		return -1
	}
	return s.updates[len(s.updates)-1]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestReporter(t *testing.T, opts ...Option) (*Reporter, *recordingStore, *job.Job) {
	t.Helper()
	j := &job.Job{ID: id.NewJobID(), Type: "media.fetch", Queue: "fetch", State: job.StateRunning}
	st := &recordingStore{}
	return NewReporter(j, st, nil, testLogger(), opts...), st, j
}

func TestReporter_FirstUpdatePropagates(t *testing.T) {
	r, st, j := newTestReporter(t)

	r.Report(context.Background(), 10, "downloading")

	if st.count() != 1 {
		t.Fatalf("expected 1 store update, got %d", st.count())
	}
	if j.Progress != 10 || j.Message != "downloading" {
		t.Errorf("job not updated: progress=%v message=%q", j.Progress, j.Message)
	}
}

func TestReporter_ThrottlesBurst(t *testing.T) {
	r, st, _ := newTestReporter(t)

	ctx := context.Background()
	// 50 rapid-fire updates within one interval.
	for i := 1; i <= 50; i++ {
		r.Report(ctx, float64(i), "")
	}

	// Only the first should have propagated.
	if st.count() != 1 {
		t.Fatalf("expected 1 propagated update, got %d", st.count())
	}
}

func TestReporter_HundredAlwaysPropagates(t *testing.T) {
	r, st, _ := newTestReporter(t)

	ctx := context.Background()
	r.Report(ctx, 10, "")
	r.Report(ctx, 50, "") // throttled
	r.Report(ctx, 100, "done")

	if st.count() != 2 {
		t.Fatalf("expected 2 propagated updates, got %d", st.count())
	}
	if st.last() != 100 {
		t.Errorf("last propagated = %v, want 100", st.last())
	}
}

func TestReporter_PropagatesAfterInterval(t *testing.T) {
	r, st, _ := newTestReporter(t)

	ctx := context.Background()
	r.Report(ctx, 10, "")
	time.Sleep(MinInterval + 50*time.Millisecond)
	r.Report(ctx, 20, "")

	if st.count() != 2 {
		t.Fatalf("expected 2 propagated updates, got %d", st.count())
	}
}

func TestReporter_MonotonicWithinAttempt(t *testing.T) {
	r, st, j := newTestReporter(t)

	ctx := context.Background()
	r.Report(ctx, 40, "")
	time.Sleep(MinInterval + 50*time.Millisecond)
	// Handler reports a regression; it must be clamped up.
	r.Report(ctx, 25, "")

	if st.count() != 2 {
		t.Fatalf("expected 2 propagated updates, got %d", st.count())
	}
	if j.Progress != 40 {
		t.Errorf("Progress = %v, want 40 (clamped)", j.Progress)
	}
}

func TestReporter_ConcurrentReportsStayMonotonic(t *testing.T) {
	r, st, j := newTestReporter(t)
	ctx := context.Background()

	// Batch handlers report from concurrent goroutines. Every
	// reported value here is either a first update or 100, so each
	// clears the throttle and reaches the store.
	var wg sync.WaitGroup
	for i := 1; i <= 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Report(ctx, float64(i)*10, "step")
			r.Report(ctx, 100, "done")
		}(i)
	}
	wg.Wait()

	updates := st.snapshot()
	if len(updates) == 0 {
		t.Fatal("no updates propagated")
	}
	for i := 1; i < len(updates); i++ {
		if updates[i] < updates[i-1] {
			t.Fatalf("persisted progress regressed: %v then %v (sequence %v)",
				updates[i-1], updates[i], updates)
		}
	}
	if j.Progress != 100 {
		t.Errorf("Progress = %v, want 100", j.Progress)
	}
}

func TestReporter_ClampsRange(t *testing.T) {
	r, _, j := newTestReporter(t)

	ctx := context.Background()
	r.Report(ctx, -5, "")
	if j.Progress != 0 {
		t.Errorf("Progress = %v, want 0", j.Progress)
	}

	time.Sleep(MinInterval + 50*time.Millisecond)
	r.Report(ctx, 150, "")
	if j.Progress != 100 {
		t.Errorf("Progress = %v, want 100", j.Progress)
	}
}

func TestReporter_ResetForAttempt(t *testing.T) {
	r, st, j := newTestReporter(t)

	ctx := context.Background()
	r.Report(ctx, 80, "")

	r.ResetForAttempt(ctx, 2)

	if j.Progress != 0 {
		t.Errorf("Progress = %v, want 0 after reset", j.Progress)
	}
	if j.Message != "retrying (attempt 2)" {
		t.Errorf("Message = %q", j.Message)
	}
	if st.last() != 0 {
		t.Errorf("last propagated = %v, want 0", st.last())
	}

	// Fresh floor: lower values propagate again.
	time.Sleep(MinInterval + 50*time.Millisecond)
	r.Report(ctx, 30, "")
	if j.Progress != 30 {
		t.Errorf("Progress = %v, want 30 after reset", j.Progress)
	}
}

func TestReporter_NilStoreSafe(t *testing.T) {
	j := &job.Job{ID: id.NewJobID(), State: job.StateRunning}
	r := NewReporter(j, nil, nil, testLogger())

	// Must not panic.
	r.Report(context.Background(), 50, "halfway")
	if j.Progress != 50 {
		t.Errorf("Progress = %v, want 50", j.Progress)
	}
}
