package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/neonextechnologies/neoqueue"
	"github.com/neonextechnologies/neoqueue/batch"
	"github.com/neonextechnologies/neoqueue/id"
)

const outcomeFailure = "failure"

// CreateBatch persists a batch as a hash.
func (s *Store) CreateBatch(ctx context.Context, b *batch.Batch) error {
	cancelOnFailure := "0"
	if b.CancelOnFailure {
		cancelOnFailure = "1"
	}
	fields := map[string]any{
		"id":                b.ID.String(),
		"name":              b.Name,
		"total":             b.TotalJobs,
		"pending":           b.PendingJobs,
		"failed":            b.FailedJobs,
		"then":              b.Then,
		"catch":             b.Catch,
		"finally":           b.Finally,
		"cancel_on_failure": cancelOnFailure,
		"created_at":        millis(b.CreatedAt),
	}
	if b.CancelledAt != nil {
		fields["cancelled_at"] = millis(*b.CancelledAt)
	}
	if err := s.client.HSet(ctx, batchKey(b.ID.String()), fields).Err(); err != nil {
		return unavailable("create batch", err)
	}
	return nil
}

// GetBatch returns a batch.
func (s *Store) GetBatch(ctx context.Context, batchID id.BatchID) (*batch.Batch, error) {
	key := batchID.String()
	pipe := s.client.Pipeline()
	hash := pipe.HGetAll(ctx, batchKey(key))
	failedIDs := pipe.LRange(ctx, batchFailedKey(key), 0, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, unavailable("get batch", err)
	}
	vals := hash.Val()
	if len(vals) == 0 {
		return nil, neoqueue.ErrBatchNotFound
	}

	b := &batch.Batch{
		ID:              batchID,
		Name:            vals["name"],
		TotalJobs:       int(num(vals["total"])),
		PendingJobs:     int(num(vals["pending"])),
		FailedJobs:      int(num(vals["failed"])),
		Then:            vals["then"],
		Catch:           vals["catch"],
		Finally:         vals["finally"],
		CancelOnFailure: vals["cancel_on_failure"] == "1",
		CancelledAt:     optionalMillis(vals["cancelled_at"]),
		FinishedAt:      optionalMillis(vals["finished_at"]),
		CreatedAt:       fromMillis(num(vals["created_at"])),
	}
	for _, raw := range failedIDs.Val() {
		jobID, err := id.ParseJobID(raw)
		if err != nil {
			return nil, fmt.Errorf("neoqueue/redis: batch %s: %w", key, err)
		}
		b.FailedJobIDs = append(b.FailedJobIDs, jobID)
	}
	return b, nil
}

// RecordSuccess settles one job as successful.
func (s *Store) RecordSuccess(ctx context.Context, batchID id.BatchID, jobID id.JobID) (batch.Counts, error) {
	return s.record(ctx, batchID, jobID, "success")
}

// RecordFailure settles one job as failed.
func (s *Store) RecordFailure(ctx context.Context, batchID id.BatchID, jobID id.JobID) (batch.Counts, error) {
	return s.record(ctx, batchID, jobID, outcomeFailure)
}

// RecordSkip settles one job skipped by cancellation.
func (s *Store) RecordSkip(ctx context.Context, batchID id.BatchID, jobID id.JobID) (batch.Counts, error) {
	return s.record(ctx, batchID, jobID, "skip")
}

func (s *Store) record(ctx context.Context, batchID id.BatchID, jobID id.JobID, outcome string) (batch.Counts, error) {
	key := batchID.String()
	raw, err := batchRecordScript.Run(ctx, s.client,
		[]string{batchKey(key), batchDoneKey(key), batchFailedKey(key)},
		jobID.String(), outcome,
	).Int64Slice()
	if isMissing(err) {
		return batch.Counts{}, neoqueue.ErrBatchNotFound
	}
	if err != nil {
		return batch.Counts{}, unavailable("record batch outcome", err)
	}
	if len(raw) != 5 {
		return batch.Counts{}, fmt.Errorf("neoqueue/redis: record batch outcome: unexpected reply of %d elements", len(raw))
	}
	return batch.Counts{
		Applied:   raw[0] == 1,
		Total:     int(raw[1]),
		Pending:   int(raw[2]),
		Failed:    int(raw[3]),
		Cancelled: raw[4] == 1,
	}, nil
}

// CancelBatch marks a batch cancelled.
func (s *Store) CancelBatch(ctx context.Context, batchID id.BatchID) error {
	_, err := s.mark(ctx, batchID, "cancelled_at", millis(s.now().UTC()))
	return err
}

// MarkCallbackFired sets the fired flag for kind once.
func (s *Store) MarkCallbackFired(ctx context.Context, batchID id.BatchID, kind batch.CallbackKind) (bool, error) {
	return s.mark(ctx, batchID, "fired_"+string(kind), 1)
}

// MarkFinished stamps FinishedAt.
func (s *Store) MarkFinished(ctx context.Context, batchID id.BatchID) error {
	_, err := s.mark(ctx, batchID, "finished_at", millis(s.now().UTC()))
	return err
}

func (s *Store) mark(ctx context.Context, batchID id.BatchID, field string, value any) (bool, error) {
	res, err := batchMarkScript.Run(ctx, s.client,
		[]string{batchKey(batchID.String())},
		field, value,
	).Int64()
	if err != nil {
		return false, unavailable("mark batch", err)
	}
	if res < 0 {
		return false, neoqueue.ErrBatchNotFound
	}
	return res == 1, nil
}

func optionalMillis(v string) *time.Time {
	if v == "" {
		return nil
	}
	t := fromMillis(num(v))
	return &t
}
