package audithook

// Audit event actions. Each constant corresponds to one ext lifecycle hook
// and becomes the Action field of the audit event.
const (
	ActionJobDispatched   = "job.dispatched"
	ActionJobProcessing   = "job.processing"
	ActionJobProcessed    = "job.processed"
	ActionJobReleased     = "job.released"
	ActionJobFailed       = "job.failed"
	ActionBatchDispatched = "batch.dispatched"
	ActionBatchFinished   = "batch.finished"
	ActionTaskScheduled   = "task.scheduled"
)

// Audit event categories group related actions.
const (
	CategoryJob      = "neoqueue.job"
	CategoryBatch    = "neoqueue.batch"
	CategorySchedule = "neoqueue.schedule"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceJob   = "job"
	ResourceBatch = "batch"
	ResourceTask  = "scheduled_task"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionJobDispatched,
		ActionJobProcessing,
		ActionJobProcessed,
		ActionJobReleased,
		ActionJobFailed,
		ActionBatchDispatched,
		ActionBatchFinished,
		ActionTaskScheduled,
	}
}
