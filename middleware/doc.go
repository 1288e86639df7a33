// Package middleware provides composable middleware for job execution.
//
// A [Middleware] wraps a job handler. Middleware are composed into a chain
// using [Chain]; the first middleware in the slice is the outermost wrapper.
//
//	// logging → recover → handler
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// # Built-in Middleware
//
//   - [Logging] logs job name, queue, duration and outcome
//   - [Recover] catches panics and converts them to errors
//   - [Timeout] abandons an execution that outlives the envelope's Timeout
//   - [Tracing] wraps execution in an OpenTelemetry span
//   - [Metrics] records per-job duration and outcome counters
//
// # Per-job Middleware
//
// Envelopes carry [envelope.MiddlewareRef] values that a [Registry] turns
// into middleware at execution time, so they survive serialization:
//
//   - [WithoutOverlapping] holds a shared lock while the job runs and
//     releases the job when another instance holds it
//   - [RateLimit] releases jobs that exceed a token bucket
//
// Middleware MUST call next to continue the chain unless intentionally
// short-circuiting.
package middleware
