package middleware

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/neonextechnologies/neoqueue"
	"github.com/neonextechnologies/neoqueue/envelope"
	"github.com/neonextechnologies/neoqueue/lock"
)

// NameWithoutOverlapping is the registry name of the overlap guard.
const NameWithoutOverlapping = "without_overlapping"

// DefaultOverlapTTL bounds how long an overlap lock survives a crashed holder.
const DefaultOverlapTTL = 5 * time.Minute

// WithoutOverlapping returns a reference that keeps two jobs sharing key
// from running at the same time. A job that finds the key held is released
// back to its queue after releaseAfter.
func WithoutOverlapping(key string, ttl, releaseAfter time.Duration) envelope.MiddlewareRef {
	params := map[string]string{}
	if key != "" {
		params["key"] = key
	}
	if ttl > 0 {
		params["ttl"] = ttl.String()
	}
	if releaseAfter > 0 {
		params["release_after"] = releaseAfter.String()
	}
	return envelope.MiddlewareRef{Name: NameWithoutOverlapping, Params: params}
}

// OverlapFactory builds overlap guards backed by locks.
func OverlapFactory(locks *lock.Manager, logger *slog.Logger) Factory {
	return func(ref envelope.MiddlewareRef) (Middleware, error) {
		ttl, err := paramDuration(ref, "ttl", DefaultOverlapTTL)
		if err != nil {
			return nil, err
		}
		releaseAfter, err := paramDuration(ref, "release_after", 0)
		if err != nil {
			return nil, err
		}
		key := ref.Params["key"]

		return func(ctx context.Context, env *envelope.Envelope, next Handler) error {
			k := key
			if k == "" {
				k = env.Name
			}
			l, err := locks.Acquire(ctx, "overlap:"+k, ttl)
			if errors.Is(err, neoqueue.ErrLockUnavailable) {
				logger.Debug("job overlaps running instance",
					slog.String("job_name", env.Name),
					slog.String("job_id", env.ID.String()),
					slog.String("key", k),
				)
				return neoqueue.Release(releaseAfter, "overlapping instance running")
			}
			if err != nil {
				return err
			}
			defer func() {
				if _, err := locks.Release(context.WithoutCancel(ctx), l); err != nil {
					logger.Warn("overlap lock release failed", slog.String("key", k), slog.String("error", err.Error()))
				}
			}()
			return next(ctx)
		}, nil
	}
}
