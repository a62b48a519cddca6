// Package observability provides an OpenTelemetry metrics extension for
// Conveyor. The MetricsExtension implements lifecycle hooks to record
// system-wide counters for job enqueue, completion, failure, retry, and
// cancellation events.
//
// For per-execution tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
