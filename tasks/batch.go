package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/prefect421/conveyor/fault"
	"github.com/prefect421/conveyor/job"
)

// TypeBatchFetch is the task type tag for batch retrieval.
const TypeBatchFetch = "media.fetch_batch"

// BatchPayload describes a batch of retrievals processed as one job.
type BatchPayload struct {
	// Items are the individual retrievals.
	Items []FetchPayload `json:"items" validate:"required,min=1,dive"`

	// Concurrency caps how many items run at once. Zero uses the
	// configured default.
	Concurrency int `json:"concurrency,omitempty" validate:"omitempty,min=1"`
}

// BatchItemResult records the outcome of one item in the batch.
type BatchItemResult struct {
	URL        string `json:"url"`
	OK         bool   `json:"ok"`
	OutputPath string `json:"output_path,omitempty"`
	Error      string `json:"error,omitempty"`
}

// BatchResult is persisted as the job result. It is written even when
// the batch fails so partial outcomes are never lost.
type BatchResult struct {
	Total     int               `json:"total"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Items     []BatchItemResult `json:"items"`
}

// BatchConfig configures batch retrieval.
type BatchConfig struct {
	// Fetch is the per-item tool configuration.
	Fetch FetchConfig

	// Concurrency is the default number of items running at once.
	Concurrency int

	// FailureThreshold is the failed fraction (0-1] the batch may reach
	// without failing; only exceeding it fails the job. A fully failed
	// batch always fails. The default 1.0 therefore fails the batch
	// only when every item failed.
	FailureThreshold float64
}

func (c *BatchConfig) defaults() {
	c.Fetch.defaults()
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	if c.FailureThreshold <= 0 || c.FailureThreshold > 1 {
		c.FailureThreshold = 1.0
	}
}

// NewBatchFetch returns the task definition for batch retrieval.
// Items run concurrently under an errgroup limit; the job's progress is
// the completed-item fraction, and per-item outcomes land in the result.
func NewBatchFetch(cfg BatchConfig, logger *slog.Logger) *job.Definition[BatchPayload] {
	cfg.defaults()
	return job.NewDefinition(TypeBatchFetch,
		func(ctx context.Context, rt *job.Runtime, p BatchPayload) error {
			limit := p.Concurrency
			if limit <= 0 {
				limit = cfg.Concurrency
			}

			total := len(p.Items)
			results := make([]BatchItemResult, total)
			var completed atomic.Int64
			var mu sync.Mutex

			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(limit)

			for i, item := range p.Items {
				g.Go(func() error {
					res, err := runFetch(gctx, cfg.Fetch, item, logger, func(float64) {})

					mu.Lock()
					if err != nil {
						results[i] = BatchItemResult{URL: item.URL, Error: err.Error()}
					} else {
						results[i] = BatchItemResult{URL: item.URL, OK: true, OutputPath: res.OutputPath}
					}
					mu.Unlock()

					done := completed.Add(1)
					rt.Progress(gctx, float64(done)/float64(total)*100,
						fmt.Sprintf("%d/%d items", done, total))

					// Item failures are collected, not propagated. Only
					// cancellation stops the group early.
					if err != nil && fault.IsCancelled(err) {
						return err
					}
					return nil
				})
			}

			if err := g.Wait(); err != nil {
				return fault.Wrap(fault.ClassCancelled, "batch_interrupted", err)
			}

			summary := BatchResult{Total: total, Items: results}
			for _, r := range results {
				if r.OK {
					summary.Succeeded++
				} else {
					summary.Failed++
				}
			}
			if err := rt.SetResult(summary); err != nil {
				return err
			}

			// Failing the batch requires exceeding the threshold, not
			// merely reaching it; a batch with every item failed has
			// nothing to show and fails regardless.
			failedFrac := float64(summary.Failed) / float64(total)
			if failedFrac > cfg.FailureThreshold || summary.Failed == total {
				return fault.New(fault.ClassTransient, "batch_failed",
					"%d/%d items failed", summary.Failed, total)
			}

			if summary.Failed > 0 {
				logger.Warn("batch completed with failures",
					slog.Int("total", total),
					slog.Int("failed", summary.Failed),
				)
			}
			return nil
		},
		job.WithQueue("fetch"),
		job.WithMaxRetries(cfg.Fetch.MaxRetries),
	)
}
