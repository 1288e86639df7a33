// Package schedule fires recurring tasks from cron expressions.
//
// A [Task] either dispatches a job command or calls a function inline on
// the scheduler goroutine. Expressions use the standard 5-field cron
// syntax plus descriptors such as "@hourly" and "@every 30s".
//
// # Fleet coordination
//
// Every process may run a [Scheduler] with the same tasks. A task marked
// OnOneServer claims each occurrence through the lock store, so exactly one
// process fires it. A task marked WithoutOverlapping skips an occurrence
// while the previous run still executes; for commands the guard is the
// without_overlapping job middleware, so it spans the worker that runs the
// job.
//
// # Conditions
//
// Conditions added with [Task.When] gate each occurrence. [WhenPending]
// fires a task only while a queue has work waiting:
//
//	s.Register(schedule.Dispatch("drain-reports", "*/5 * * * *", cmd).
//	    When(schedule.WhenPending(store, "reports")).
//	    SingleServer())
//
// The [ext.TaskScheduled] extension hook fires after each occurrence runs.
package schedule
