package failed

import (
	"context"
	"time"

	"github.com/neonextechnologies/neoqueue/id"
)

// ListOpts controls pagination and filtering for failed-job queries.
type ListOpts struct {
	// Limit is the maximum number of entries to return. Zero means no limit.
	Limit int
	// Offset is the number of entries to skip.
	Offset int
	// Queue filters by queue name. Empty means all queues.
	Queue string
}

// Store defines the persistence contract for failed jobs. Entries are
// written by backend.Backend.Fail; this interface covers inspection and
// operator actions.
type Store interface {
	// GetFailed retrieves an entry. Returns neoqueue.ErrFailedJobNotFound.
	GetFailed(ctx context.Context, entryID id.FailedID) (*Entry, error)

	// ListFailed returns entries, newest first.
	ListFailed(ctx context.Context, opts ListOpts) ([]*Entry, error)

	// ForgetFailed deletes one entry. Returns neoqueue.ErrFailedJobNotFound.
	ForgetFailed(ctx context.Context, entryID id.FailedID) error

	// FlushFailed deletes every entry and returns how many were removed.
	FlushFailed(ctx context.Context) (int64, error)

	// PruneFailed deletes entries that failed before the given time.
	PruneFailed(ctx context.Context, before time.Time) (int64, error)

	// CountFailed returns the number of stored entries.
	CountFailed(ctx context.Context) (int64, error)
}
