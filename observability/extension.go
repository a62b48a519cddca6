package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/prefect421/conveyor/ext"
	"github.com/prefect421/conveyor/job"
)

// meterName is the instrumentation scope name for conveyor metrics.
const meterName = "github.com/prefect421/conveyor"

// Compile-time interface checks.
var (
	_ ext.Extension    = (*MetricsExtension)(nil)
	_ ext.JobEnqueued  = (*MetricsExtension)(nil)
	_ ext.JobCompleted = (*MetricsExtension)(nil)
	_ ext.JobFailed    = (*MetricsExtension)(nil)
	_ ext.JobRetrying  = (*MetricsExtension)(nil)
	_ ext.JobCancelled = (*MetricsExtension)(nil)
)

// MetricsExtension records system-wide lifecycle counters. Register it as
// an engine extension to track enqueue rates, completion counts, failure
// rates, retry counts, and cancellations. Unlike middleware.Metrics, which
// measures individual executions, this extension counts state transitions,
// including ones that happen outside the executor (cancel of a queued job,
// supervisor reaping).
//
// Instruments, each with task_type and queue attributes:
//   - conveyor.job.enqueued (Int64Counter)
//   - conveyor.job.completed (Int64Counter)
//   - conveyor.job.failed (Int64Counter)
//   - conveyor.job.retried (Int64Counter)
//   - conveyor.job.cancelled (Int64Counter)
//   - conveyor.job.lifetime (Float64Histogram): enqueue-to-completion in seconds
type MetricsExtension struct {
	enqueued  metric.Int64Counter
	completed metric.Int64Counter
	failed    metric.Int64Counter
	retried   metric.Int64Counter
	cancelled metric.Int64Counter
	lifetime  metric.Float64Histogram
}

// NewMetricsExtension creates a MetricsExtension using the global OTel
// MeterProvider. If none is configured, noop instruments are used.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the provided
// meter. This variant allows injecting a specific MeterProvider for testing.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	m := &MetricsExtension{}

	// On error the OTel API returns noop instruments, so the extension
	// degrades gracefully.
	m.enqueued, _ = meter.Int64Counter( //nolint:errcheck // noop fallback guaranteed by OTel API contract
		"conveyor.job.enqueued",
		metric.WithDescription("Total number of jobs enqueued"),
		metric.WithUnit("{job}"),
	)
	m.completed, _ = meter.Int64Counter( //nolint:errcheck // noop fallback guaranteed by OTel API contract
		"conveyor.job.completed",
		metric.WithDescription("Total number of jobs completed"),
		metric.WithUnit("{job}"),
	)
	m.failed, _ = meter.Int64Counter( //nolint:errcheck // noop fallback guaranteed by OTel API contract
		"conveyor.job.failed",
		metric.WithDescription("Total number of jobs terminally failed"),
		metric.WithUnit("{job}"),
	)
	m.retried, _ = meter.Int64Counter( //nolint:errcheck // noop fallback guaranteed by OTel API contract
		"conveyor.job.retried",
		metric.WithDescription("Total number of retry schedulings"),
		metric.WithUnit("{retry}"),
	)
	m.cancelled, _ = meter.Int64Counter( //nolint:errcheck // noop fallback guaranteed by OTel API contract
		"conveyor.job.cancelled",
		metric.WithDescription("Total number of jobs cancelled"),
		metric.WithUnit("{job}"),
	)
	m.lifetime, _ = meter.Float64Histogram( //nolint:errcheck // noop fallback guaranteed by OTel API contract
		"conveyor.job.lifetime",
		metric.WithDescription("Time from enqueue to successful completion in seconds"),
		metric.WithUnit("s"),
	)

	return m
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func jobAttrs(j *job.Job) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("task_type", j.Type),
		attribute.String("queue", j.Queue),
	)
}

// OnJobEnqueued implements ext.JobEnqueued.
func (m *MetricsExtension) OnJobEnqueued(ctx context.Context, j *job.Job) error {
	m.enqueued.Add(ctx, 1, jobAttrs(j))
	return nil
}

// OnJobCompleted implements ext.JobCompleted.
func (m *MetricsExtension) OnJobCompleted(ctx context.Context, j *job.Job, _ time.Duration) error {
	attrs := jobAttrs(j)
	m.completed.Add(ctx, 1, attrs)
	if !j.CreatedAt.IsZero() {
		m.lifetime.Record(ctx, time.Since(j.CreatedAt).Seconds(), attrs)
	}
	return nil
}

// OnJobFailed implements ext.JobFailed.
func (m *MetricsExtension) OnJobFailed(ctx context.Context, j *job.Job, _ error) error {
	m.failed.Add(ctx, 1, jobAttrs(j))
	return nil
}

// OnJobRetrying implements ext.JobRetrying.
func (m *MetricsExtension) OnJobRetrying(ctx context.Context, j *job.Job, _ int, _ time.Time) error {
	m.retried.Add(ctx, 1, jobAttrs(j))
	return nil
}

// OnJobCancelled implements ext.JobCancelled.
func (m *MetricsExtension) OnJobCancelled(ctx context.Context, j *job.Job) error {
	m.cancelled.Add(ctx, 1, jobAttrs(j))
	return nil
}
