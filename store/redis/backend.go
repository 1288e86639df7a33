package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/neonextechnologies/neoqueue"
	"github.com/neonextechnologies/neoqueue/envelope"
	"github.com/neonextechnologies/neoqueue/id"
)

// Enqueue stores env and schedules it on its queue at AvailableAt.
func (s *Store) Enqueue(ctx context.Context, env *envelope.Envelope) error {
	snap := env.Clone()
	snap.ReservedUntil = nil
	if snap.Queue == "" {
		snap.Queue = envelope.DefaultQueue
	}
	data, err := s.codec.Encode(snap)
	if err != nil {
		return fmt.Errorf("neoqueue/redis: encode envelope: %w", err)
	}

	key := env.ID.String()
	res, err := enqueueScript.Run(ctx, s.client,
		[]string{jobKey(key), queueKey(snap.Queue), seqKey},
		data, snap.Queue, millis(env.AvailableAt), key,
		env.Attempts, env.Exceptions, env.LastError,
	).Int64()
	if err != nil {
		return unavailable("enqueue", err)
	}
	if res == 0 {
		return neoqueue.ErrJobAlreadyExists
	}
	return nil
}

// Reserve leases the oldest visible envelope on queue. Ties on
// AvailableAt fall back to enqueue order. An envelope that cannot be
// decoded is moved to the failed store and reported as
// neoqueue.ErrCorruptEnvelope.
func (s *Store) Reserve(ctx context.Context, queue string, visibility time.Duration) (*envelope.Envelope, error) {
	now := s.now().UTC()
	raw, err := reserveScript.Run(ctx, s.client,
		[]string{queueKey(queue), reservedKey(queue)},
		millis(now), visibility.Milliseconds(), jobKeyPrefix,
	).Slice()
	if isMissing(err) {
		return nil, nil //nolint:nilnil // empty queue is not an error
	}
	if err != nil {
		return nil, unavailable("reserve", err)
	}
	if len(raw) != 7 {
		return nil, fmt.Errorf("neoqueue/redis: reserve: unexpected reply of %d elements", len(raw))
	}

	env, err := s.codec.Decode([]byte(str(raw[2])))
	if err != nil {
		return nil, s.failCorrupt(ctx, str(raw[0]), err)
	}
	lease := fromMillis(num(raw[1]))
	env.ReservedUntil = &lease
	env.Attempts = int(num(raw[3]))
	env.Exceptions = int(num(raw[4]))
	env.LastError = str(raw[5])
	env.AvailableAt = fromMillis(num(raw[6]))
	return env, nil
}

// Ack removes an envelope. A missing envelope is not an error.
func (s *Store) Ack(ctx context.Context, jobID id.JobID) error {
	key := jobID.String()
	if err := ackScript.Run(ctx, s.client,
		[]string{jobKey(key)},
		queueKeyPrefix, reservedKeyPrefix, key,
	).Err(); err != nil {
		return unavailable("ack", err)
	}
	return nil
}

// Release ends the lease and makes the envelope visible after delay.
func (s *Store) Release(ctx context.Context, jobID id.JobID, delay time.Duration, cause error) error {
	key := jobID.String()
	at := s.now().UTC().Add(max(delay, 0))
	hasCause, lastErr := "0", ""
	if cause != nil {
		hasCause, lastErr = "1", cause.Error()
	}
	res, err := releaseScript.Run(ctx, s.client,
		[]string{jobKey(key)},
		queueKeyPrefix, reservedKeyPrefix, key, millis(at), hasCause, lastErr,
	).Int64()
	if err != nil {
		return unavailable("release", err)
	}
	if res == 0 {
		return neoqueue.ErrJobNotFound
	}
	return nil
}

// Fail moves the envelope into the failed-job index.
func (s *Store) Fail(ctx context.Context, jobID id.JobID, exception string) error {
	key := jobID.String()
	entryID := id.NewFailedID().String()
	res, err := failScript.Run(ctx, s.client,
		[]string{jobKey(key), failedKey(entryID), failedIndexKey},
		queueKeyPrefix, reservedKeyPrefix, key, entryID, exception, millis(s.now().UTC()),
	).Int64()
	if err != nil {
		return unavailable("fail", err)
	}
	if res == 0 {
		return neoqueue.ErrJobNotFound
	}
	return nil
}

// failCorrupt parks an undecodable envelope in the failed store so it is
// not reserved again after every lease.
func (s *Store) failCorrupt(ctx context.Context, key string, cause error) error {
	jobID, err := id.ParseJobID(key)
	if err != nil {
		return fmt.Errorf("neoqueue/redis: reserve: bad job id %q: %w", key, err)
	}
	if err := s.Fail(ctx, jobID, "decode envelope: "+cause.Error()); err != nil {
		return fmt.Errorf("neoqueue/redis: park corrupt envelope %s: %w", key, err)
	}
	return fmt.Errorf("%w: %s: %w", neoqueue.ErrCorruptEnvelope, key, cause)
}

// CountPending counts waiting envelopes plus reserved ones whose lease has
// already expired.
func (s *Store) CountPending(ctx context.Context, queue string) (int64, error) {
	now := strconv.FormatInt(millis(s.now().UTC()), 10)
	pipe := s.client.Pipeline()
	waiting := pipe.ZCard(ctx, queueKey(queue))
	expired := pipe.ZCount(ctx, reservedKey(queue), "-inf", now)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, unavailable("count pending", err)
	}
	return waiting.Val() + expired.Val(), nil
}

// Delete removes an envelope that no live lease holds.
func (s *Store) Delete(ctx context.Context, jobID id.JobID) error {
	key := jobID.String()
	res, err := deleteScript.Run(ctx, s.client,
		[]string{jobKey(key)},
		queueKeyPrefix, reservedKeyPrefix, key, millis(s.now().UTC()),
	).Int64()
	if err != nil {
		return unavailable("delete", err)
	}
	switch res {
	case 0:
		return neoqueue.ErrJobNotFound
	case -1:
		return neoqueue.ErrJobReserved
	}
	return nil
}
