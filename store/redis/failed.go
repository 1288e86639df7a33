package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/neonextechnologies/neoqueue"
	"github.com/neonextechnologies/neoqueue/failed"
	"github.com/neonextechnologies/neoqueue/id"
)

// GetFailed returns a failed-job entry.
func (s *Store) GetFailed(ctx context.Context, entryID id.FailedID) (*failed.Entry, error) {
	vals, err := s.client.HGetAll(ctx, failedKey(entryID.String())).Result()
	if err != nil {
		return nil, unavailable("get failed", err)
	}
	if len(vals) == 0 {
		return nil, neoqueue.ErrFailedJobNotFound
	}
	return s.entryFromHash(vals)
}

// ListFailed returns entries newest first.
func (s *Store) ListFailed(ctx context.Context, opts failed.ListOpts) ([]*failed.Entry, error) {
	// Without a queue filter the index can be paged directly.
	start, stop := int64(0), int64(-1)
	if opts.Queue == "" {
		start = int64(max(opts.Offset, 0))
		if opts.Limit > 0 {
			stop = start + int64(opts.Limit) - 1
		}
	}
	ids, err := s.client.ZRevRange(ctx, failedIndexKey, start, stop).Result()
	if err != nil {
		return nil, unavailable("list failed", err)
	}
	if len(ids) == 0 {
		return []*failed.Entry{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, eid := range ids {
		cmds[i] = pipe.HGetAll(ctx, failedKey(eid))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, unavailable("list failed", err)
	}

	out := make([]*failed.Entry, 0, len(ids))
	for _, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			continue
		}
		if opts.Queue != "" && vals["queue"] != opts.Queue {
			continue
		}
		e, err := s.entryFromHash(vals)
		if err != nil {
			s.logger.Warn("skipping unreadable failed job",
				"entry_id", vals["id"],
				"error", err,
			)
			continue
		}
		out = append(out, e)
	}
	if opts.Queue != "" {
		out = paginate(out, opts.Offset, opts.Limit)
	}
	return out, nil
}

// ForgetFailed deletes one entry.
func (s *Store) ForgetFailed(ctx context.Context, entryID id.FailedID) error {
	key := entryID.String()
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, failedKey(key))
	pipe.ZRem(ctx, failedIndexKey, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("forget failed", err)
	}
	if del.Val() == 0 {
		return neoqueue.ErrFailedJobNotFound
	}
	return nil
}

// FlushFailed deletes every entry.
func (s *Store) FlushFailed(ctx context.Context) (int64, error) {
	ids, err := s.client.ZRange(ctx, failedIndexKey, 0, -1).Result()
	if err != nil {
		return 0, unavailable("flush failed", err)
	}
	return s.dropFailed(ctx, ids)
}

// PruneFailed deletes entries that failed strictly before the given time.
func (s *Store) PruneFailed(ctx context.Context, before time.Time) (int64, error) {
	ids, err := s.client.ZRangeByScore(ctx, failedIndexKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(millis(before), 10),
	}).Result()
	if err != nil {
		return 0, unavailable("prune failed", err)
	}
	return s.dropFailed(ctx, ids)
}

// CountFailed returns the number of entries.
func (s *Store) CountFailed(ctx context.Context) (int64, error) {
	n, err := s.client.ZCard(ctx, failedIndexKey).Result()
	if err != nil {
		return 0, unavailable("count failed", err)
	}
	return n, nil
}

func (s *Store) dropFailed(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	keys := make([]string, len(ids))
	members := make([]any, len(ids))
	for i, eid := range ids {
		keys[i] = failedKey(eid)
		members[i] = eid
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, keys...)
	rem := pipe.ZRem(ctx, failedIndexKey, members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, unavailable("drop failed", err)
	}
	return rem.Val(), nil
}

// entryFromHash rebuilds an entry from the fields written by failScript.
func (s *Store) entryFromHash(vals map[string]string) (*failed.Entry, error) {
	entryID, err := id.ParseFailedID(vals["id"])
	if err != nil {
		return nil, fmt.Errorf("neoqueue/redis: parse failed id: %w", err)
	}
	env, err := s.codec.Decode([]byte(vals["data"]))
	if err != nil {
		return nil, fmt.Errorf("neoqueue/redis: decode failed job %s: %w", vals["id"], err)
	}
	env.Attempts = int(num(vals["attempts"]))
	env.Exceptions = int(num(vals["exceptions"]))
	env.AvailableAt = fromMillis(num(vals["available_at"]))
	env.ReservedUntil = nil
	env.LastError = vals["exception"]

	return &failed.Entry{
		ID:        entryID,
		JobID:     env.ID,
		Name:      env.Name,
		Queue:     vals["queue"],
		Payload:   env.Payload,
		Exception: vals["exception"],
		FailedAt:  fromMillis(num(vals["failed_at"])),
		Envelope:  env,
	}, nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return []T{}
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
