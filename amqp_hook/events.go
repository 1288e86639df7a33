package amqphook

import (
	"time"
)

// Lifecycle event types. Each constant maps to one ext lifecycle hook and
// is used as the routing key and the AMQP message type.
const (
	EventJobDispatched   = "neoqueue.job.dispatched"
	EventJobProcessing   = "neoqueue.job.processing"
	EventJobProcessed    = "neoqueue.job.processed"
	EventJobReleased     = "neoqueue.job.released"
	EventJobFailed       = "neoqueue.job.failed"
	EventBatchDispatched = "neoqueue.batch.dispatched"
	EventBatchFinished   = "neoqueue.batch.finished"
	EventTaskScheduled   = "neoqueue.task.scheduled"
)

// AllEvents returns every event type in hook order.
func AllEvents() []string {
	return []string{
		EventJobDispatched,
		EventJobProcessing,
		EventJobProcessed,
		EventJobReleased,
		EventJobFailed,
		EventBatchDispatched,
		EventBatchFinished,
		EventTaskScheduled,
	}
}

// DefaultExchange is the topic exchange events are published to.
const DefaultExchange = "neoqueue.events"

// Event is the message body of every published event.
type Event struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data"`
}

// ── Default payload types ───────────────────────────

type jobPayload struct {
	JobID    string `json:"job_id"`
	JobName  string `json:"job_name"`
	Queue    string `json:"queue"`
	Attempts int    `json:"attempts"`
	BatchID  string `json:"batch_id,omitempty"`
}

type jobProcessedPayload struct {
	jobPayload
	ElapsedMs int64 `json:"elapsed_ms"`
}

type jobReleasedPayload struct {
	jobPayload
	DelayMs int64  `json:"delay_ms"`
	Error   string `json:"error,omitempty"`
}

type jobFailedPayload struct {
	jobPayload
	Error string `json:"error"`
}

type batchPayload struct {
	BatchID     string  `json:"batch_id"`
	Name        string  `json:"name,omitempty"`
	TotalJobs   int     `json:"total_jobs"`
	PendingJobs int     `json:"pending_jobs"`
	FailedJobs  int     `json:"failed_jobs"`
	Progress    float64 `json:"progress"`
	Cancelled   bool    `json:"cancelled"`
}

type taskPayload struct {
	Task  string `json:"task"`
	JobID string `json:"job_id,omitempty"`
}
