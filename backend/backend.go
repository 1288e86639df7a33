// Package backend defines the storage/transport contract every queue
// implementation satisfies. Concrete backends live under store/.
//
// All operations are atomic with respect to concurrent workers: two
// workers never hold a live reservation on the same envelope. Transport
// failures are reported as neoqueue.ErrBackendUnavailable.
package backend

import (
	"context"
	"time"

	"github.com/neonextechnologies/neoqueue/envelope"
	"github.com/neonextechnologies/neoqueue/id"
)

// Backend stores envelopes and hands them out under visibility leases.
type Backend interface {
	// Enqueue stores an envelope. It becomes reservable once
	// now >= AvailableAt. Returns neoqueue.ErrJobAlreadyExists on a
	// duplicate ID.
	Enqueue(ctx context.Context, env *envelope.Envelope) error

	// Reserve atomically claims the visible envelope on queue with the
	// oldest AvailableAt (ties by insertion order) and leases it until
	// now+visibility. An envelope whose lease expired is visible again.
	// Returns nil, nil when nothing is available.
	Reserve(ctx context.Context, queue string, visibility time.Duration) (*envelope.Envelope, error)

	// Ack permanently removes an envelope. Acking a missing ID is a no-op.
	Ack(ctx context.Context, jobID id.JobID) error

	// Release clears the reservation, increments Attempts and makes the
	// envelope available after delay. A non-nil cause also increments
	// Exceptions and is recorded as LastError.
	Release(ctx context.Context, jobID id.JobID, delay time.Duration, cause error) error

	// Fail moves the envelope into the failed-job store and removes it from
	// its queue in one step. Returns neoqueue.ErrJobNotFound when the
	// envelope is already gone, so only one caller runs failure side
	// effects.
	Fail(ctx context.Context, jobID id.JobID, exception string) error

	// CountPending returns the number of waiting (unreserved) envelopes on
	// queue, delayed ones included.
	CountPending(ctx context.Context, queue string) (int64, error)

	// Delete removes an envelope that is not reserved. Returns
	// neoqueue.ErrJobNotFound or neoqueue.ErrJobReserved.
	Delete(ctx context.Context, jobID id.JobID) error
}
