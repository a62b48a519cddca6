package tasks

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"

	"github.com/prefect421/conveyor/fault"
	"github.com/prefect421/conveyor/job"
)

// batchStubTool succeeds or fails based on the URL handed to it, so one
// script can drive mixed batch outcomes.
func batchStubTool(t *testing.T) string {
	t.Helper()
	return writeStubTool(t, `
for arg in "$@"; do last="$arg"; done
case "$last" in
  *fail*)
    echo "ERROR: Connection reset" >&2
    exit 1
    ;;
esac
echo "[download] 100.0%"
echo "[download] Destination: out.mp4"
exit 0
`)
}

func batchConfig(t *testing.T, threshold float64) BatchConfig {
	t.Helper()
	return BatchConfig{
		Fetch:            FetchConfig{Tool: batchStubTool(t)},
		Concurrency:      2,
		FailureThreshold: threshold,
	}
}

func runBatch(t *testing.T, cfg BatchConfig, p BatchPayload) (*BatchResult, error) {
	t.Helper()
	def := NewBatchFetch(cfg, slog.Default())
	rt := job.NewRuntime(&job.Job{}, nil)
	err := def.Handler(context.Background(), rt, p)

	var res *BatchResult
	if raw := rt.Result(); raw != nil {
		res = &BatchResult{}
		if derr := json.Unmarshal(raw, res); derr != nil {
			t.Fatalf("decode batch result: %v", derr)
		}
	}
	return res, err
}

func TestBatchFetch_AllSucceed(t *testing.T) {
	res, err := runBatch(t, batchConfig(t, 0), BatchPayload{
		Items: []FetchPayload{
			{URL: "https://example.com/a"},
			{URL: "https://example.com/b"},
			{URL: "https://example.com/c"},
		},
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if res.Total != 3 || res.Succeeded != 3 || res.Failed != 0 {
		t.Errorf("result = %+v, want 3/3/0", res)
	}
	for _, item := range res.Items {
		if !item.OK {
			t.Errorf("item %s failed: %s", item.URL, item.Error)
		}
		if item.OutputPath == "" {
			t.Errorf("item %s has no output path", item.URL)
		}
	}
}

func TestBatchFetch_PartialFailureCompletes(t *testing.T) {
	res, err := runBatch(t, batchConfig(t, 0), BatchPayload{
		Items: []FetchPayload{
			{URL: "https://example.com/ok"},
			{URL: "https://example.com/fail-1"},
			{URL: "https://example.com/fail-2"},
		},
	})
	if err != nil {
		t.Fatalf("partial failure must not fail the batch at threshold 1.0: %v", err)
	}
	if res.Succeeded != 1 || res.Failed != 2 {
		t.Errorf("result = %+v, want 1 succeeded / 2 failed", res)
	}

	// Failed items are named in the detail.
	var failedURLs []string
	for _, item := range res.Items {
		if !item.OK {
			failedURLs = append(failedURLs, item.URL)
			if item.Error == "" {
				t.Errorf("failed item %s carries no error detail", item.URL)
			}
		}
	}
	if len(failedURLs) != 2 {
		t.Errorf("failed items = %v, want 2 entries", failedURLs)
	}
}

func TestBatchFetch_AllFail(t *testing.T) {
	res, err := runBatch(t, batchConfig(t, 0), BatchPayload{
		Items: []FetchPayload{
			{URL: "https://example.com/fail-1"},
			{URL: "https://example.com/fail-2"},
		},
	})
	if err == nil {
		t.Fatal("expected batch failure when every item fails")
	}
	if !fault.IsTransient(err) {
		t.Errorf("error class = %v, want transient", fault.ClassOf(err))
	}
	if fault.CodeOf(err) != "batch_failed" {
		t.Errorf("error code = %q, want batch_failed", fault.CodeOf(err))
	}

	// The partial result is still persisted.
	if res == nil {
		t.Fatal("expected result detail alongside the failure")
	}
	if res.Failed != 2 {
		t.Errorf("failed = %d, want 2", res.Failed)
	}
}

func TestBatchFetch_LowThreshold(t *testing.T) {
	// Threshold 0.5: two failures out of three exceed it.
	_, err := runBatch(t, batchConfig(t, 0.5), BatchPayload{
		Items: []FetchPayload{
			{URL: "https://example.com/ok"},
			{URL: "https://example.com/fail-1"},
			{URL: "https://example.com/fail-2"},
		},
	})
	if err == nil {
		t.Fatal("expected batch failure at threshold 0.5 with two thirds of the items failed")
	}
}

func TestBatchFetch_FailureAtThresholdCompletes(t *testing.T) {
	// One failure out of five lands exactly on a 20% threshold. The
	// batch completes; only exceeding the threshold fails it.
	res, err := runBatch(t, batchConfig(t, 0.2), BatchPayload{
		Items: []FetchPayload{
			{URL: "https://example.com/a"},
			{URL: "https://example.com/b"},
			{URL: "https://example.com/c"},
			{URL: "https://example.com/d"},
			{URL: "https://example.com/fail"},
		},
	})
	if err != nil {
		t.Fatalf("batch at exactly the failure threshold must complete: %v", err)
	}
	if res.Succeeded != 4 || res.Failed != 1 {
		t.Errorf("result = %+v, want 4 succeeded / 1 failed", res)
	}

	// The failed item is named in the detail.
	var found bool
	for _, item := range res.Items {
		if !item.OK {
			found = true
			if item.URL != "https://example.com/fail" {
				t.Errorf("failed item = %q, want the fail URL", item.URL)
			}
			if item.Error == "" {
				t.Error("failed item carries no error detail")
			}
		}
	}
	if !found {
		t.Error("no failed item recorded in the result detail")
	}
}

func TestBatchFetch_ReportsProgress(t *testing.T) {
	def := NewBatchFetch(batchConfig(t, 0), slog.Default())

	rec := &recordingReporter{}
	rt := job.NewRuntime(&job.Job{}, rec)
	err := def.Handler(context.Background(), rt, BatchPayload{
		Items: []FetchPayload{
			{URL: "https://example.com/a"},
			{URL: "https://example.com/b"},
		},
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if len(rec.percents) != 2 {
		t.Fatalf("saw %d progress updates, want 2: %v", len(rec.percents), rec.percents)
	}
	var max float64
	for _, pct := range rec.percents {
		if pct > max {
			max = pct
		}
	}
	if max != 100 {
		t.Errorf("highest progress = %v, want 100", max)
	}
}

// recordingReporter captures progress updates for assertions.
type recordingReporter struct {
	mu       sync.Mutex
	percents []float64
	messages []string
}

func (r *recordingReporter) Report(_ context.Context, pct float64, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.percents = append(r.percents, pct)
	r.messages = append(r.messages, msg)
}
