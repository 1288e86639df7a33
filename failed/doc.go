// Package failed holds jobs that exhausted their tries or exceptions.
//
// Entries are written atomically by the backend when a worker fails a job
// and are never re-enqueued automatically. [Service] implements the
// operator actions behind the CLI: retry (one or all), forget, flush and
// prune.
package failed
