// Package queue gates reservations per named queue.
//
// Queues are named routing keys. Envelopes carry a Queue field that
// determines which queue they belong to, and a worker polls its queue list
// in priority order: the first queue is always drained before the next one
// is consulted.
//
// # Per-Queue Configuration
//
// Use [Config] to set per-queue rate limits and concurrency caps:
//
//	queue.Config{
//	    Name:           "emails",
//	    MaxConcurrency: 5,      // max 5 concurrent email jobs
//	    RateLimit:      10,     // max 10 reservations/s from this queue
//	    RateBurst:      20,     // allow bursts up to 20
//	}
//
// # Manager
//
// [Manager] enforces the limits before each reservation using a
// token-bucket rate limiter (golang.org/x/time/rate) and an active-count
// gate. It also supports pausing a queue locally:
//
//	m := queue.NewManager(configs...)
//	if m.Acquire(queueName) {
//	    defer m.Release(queueName)
//	    // reserve and process one job
//	}
//
// Queues without a [Config] have no limits beyond the pool-wide concurrency.
package queue
