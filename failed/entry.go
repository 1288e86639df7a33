package failed

import (
	"time"

	"github.com/neonextechnologies/neoqueue/envelope"
	"github.com/neonextechnologies/neoqueue/id"
)

// Entry is a job that failed terminally. It never re-enters a queue on its
// own; an operator retries or forgets it.
type Entry struct {
	ID        id.FailedID `json:"id"`
	JobID     id.JobID    `json:"job_id"`
	Name      string      `json:"name"`
	Queue     string      `json:"queue"`
	Payload   []byte      `json:"payload"`
	Exception string      `json:"exception"`
	FailedAt  time.Time   `json:"failed_at"`

	// Envelope is the full snapshot taken at failure time, used by Retry.
	Envelope *envelope.Envelope `json:"envelope"`
}

// NewEntry builds an Entry from the envelope being failed.
func NewEntry(env *envelope.Envelope, exception string, at time.Time) *Entry {
	snap := env.Clone()
	snap.ReservedUntil = nil
	snap.LastError = exception
	return &Entry{
		ID:        id.NewFailedID(),
		JobID:     env.ID,
		Name:      env.Name,
		Queue:     env.Queue,
		Payload:   env.Payload,
		Exception: exception,
		FailedAt:  at.UTC(),
		Envelope:  snap,
	}
}
