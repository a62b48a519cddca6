package supervisor

import (
	"sync"
	"time"
)

// failureWindow is the span of the rolling failure-rate window.
const failureWindow = 15 * time.Minute

const ringBuckets = 15

// Health is a point-in-time view of the subsystem, served by the
// engine's stats endpoint.
type Health struct {
	QueueDepths   map[string]int64 `json:"queue_depths"`
	ActiveWorkers int              `json:"active_workers"`
	FailureRate   float64          `json:"failure_rate"`
	Window        time.Duration    `json:"window"`
	GeneratedAt   time.Time        `json:"generated_at"`
}

type healthState struct {
	mu   sync.RWMutex
	last Health
}

func (h *healthState) set(v Health) {
	h.mu.Lock()
	h.last = v
	h.mu.Unlock()
}

func (h *healthState) get() Health {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.last
}

// failureRing tracks job outcomes in per-minute buckets. Each bucket
// is keyed by its absolute minute so stale slots are discarded on
// write and skipped on read instead of needing a sweeper.
type failureRing struct {
	mu      sync.Mutex
	buckets [ringBuckets]ringBucket
}

type ringBucket struct {
	minute    int64
	completed int64
	failed    int64
}

func newFailureRing() *failureRing {
	return &failureRing{}
}

func (r *failureRing) record(now time.Time, failed bool) {
	minute := now.Unix() / 60
	idx := minute % ringBuckets

	r.mu.Lock()
	defer r.mu.Unlock()

	b := &r.buckets[idx]
	if b.minute != minute {
		*b = ringBucket{minute: minute}
	}
	if failed {
		b.failed++
	} else {
		b.completed++
	}
}

// rate returns failed/(failed+completed) over the window, or 0 when no
// jobs finished in it.
func (r *failureRing) rate(now time.Time) float64 {
	minute := now.Unix() / 60
	oldest := minute - ringBuckets + 1

	r.mu.Lock()
	defer r.mu.Unlock()

	var completed, failed int64
	for i := range r.buckets {
		b := r.buckets[i]
		if b.minute < oldest || b.minute > minute {
			continue
		}
		completed += b.completed
		failed += b.failed
	}
	total := completed + failed
	if total == 0 {
		return 0
	}
	return float64(failed) / float64(total)
}
