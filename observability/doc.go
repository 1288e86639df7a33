// Package observability provides a Prometheus metrics extension for
// neoqueue. The MetricsExtension implements lifecycle hooks to record
// system-wide counters for dispatched, processed, released and failed
// jobs, finished batches and scheduled tasks, plus a histogram of handler
// durations.
//
// For per-execution tracing and OpenTelemetry metrics, see the middleware
// package: middleware.Tracing() and middleware.Metrics().
package observability
