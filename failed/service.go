package failed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/neonextechnologies/neoqueue"
	"github.com/neonextechnologies/neoqueue/envelope"
	"github.com/neonextechnologies/neoqueue/id"
)

// Enqueuer puts a retried envelope back on its queue. backend.Backend
// satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, env *envelope.Envelope) error
}

// Service provides operator actions over the failed-job store.
type Service struct {
	store  Store
	queue  Enqueuer
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a failed-job service.
func NewService(store Store, queue Enqueuer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, queue: queue, logger: logger, now: time.Now}
}

// Store returns the underlying store for direct List/Get/Count access.
func (s *Service) Store() Store { return s.store }

// Retry re-enqueues a failed job with fresh counters and removes the entry.
// The retried envelope keeps its job ID but leaves its batch: the batch has
// already counted the failure.
func (s *Service) Retry(ctx context.Context, entryID id.FailedID) (*envelope.Envelope, error) {
	entry, err := s.store.GetFailed(ctx, entryID)
	if err != nil {
		return nil, err
	}

	env := entry.Envelope.Clone()
	if env == nil {
		env = envelope.New(entry.Name, entry.Payload, envelope.WithQueue(entry.Queue), envelope.WithID(entry.JobID))
	}
	now := s.now().UTC()
	env.Attempts = 0
	env.Exceptions = 0
	env.LastError = ""
	env.ReservedUntil = nil
	env.BatchID = id.Nil
	env.AvailableAt = now

	if err := s.queue.Enqueue(ctx, env); err != nil && !errors.Is(err, neoqueue.ErrJobAlreadyExists) {
		return nil, fmt.Errorf("retry failed job %s: %w", entryID, err)
	}
	if err := s.store.ForgetFailed(ctx, entryID); err != nil && !errors.Is(err, neoqueue.ErrFailedJobNotFound) {
		return nil, fmt.Errorf("forget retried job %s: %w", entryID, err)
	}

	s.logger.Info("failed job retried",
		slog.String("failed_id", entryID.String()),
		slog.String("job_id", env.ID.String()),
		slog.String("job_name", env.Name),
		slog.String("queue", env.Queue),
	)
	return env, nil
}

// RetryAll retries every stored entry and returns how many were pushed back.
func (s *Service) RetryAll(ctx context.Context) (int, error) {
	entries, err := s.store.ListFailed(ctx, ListOpts{})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if _, err := s.Retry(ctx, e.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Forget deletes one entry.
func (s *Service) Forget(ctx context.Context, entryID id.FailedID) error {
	return s.store.ForgetFailed(ctx, entryID)
}

// Flush deletes every entry.
func (s *Service) Flush(ctx context.Context) (int64, error) {
	return s.store.FlushFailed(ctx)
}

// Prune deletes entries older than age.
func (s *Service) Prune(ctx context.Context, age time.Duration) (int64, error) {
	return s.store.PruneFailed(ctx, s.now().UTC().Add(-age))
}

// List returns stored entries.
func (s *Service) List(ctx context.Context, opts ListOpts) ([]*Entry, error) {
	return s.store.ListFailed(ctx, opts)
}
