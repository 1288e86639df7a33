package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/neonextechnologies/neoqueue"
	"github.com/neonextechnologies/neoqueue/envelope"
)

// Timeout returns middleware that enforces the envelope's Timeout.
//
// The handler runs on its own goroutine under a deadline context. If the
// deadline passes first the middleware returns an error wrapping
// neoqueue.ErrTimeoutExceeded without waiting for the handler; a handler
// that ignores its context keeps running in the background.
func Timeout(logger *slog.Logger) Middleware {
	return func(ctx context.Context, env *envelope.Envelope, next Handler) error {
		if env.Timeout <= 0 {
			return next(ctx)
		}

		ctx, cancel := context.WithTimeout(ctx, env.Timeout)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in job %s: %v", env.Name, r)
				}
			}()
			done <- next(ctx)
		}()

		var err error
		select {
		case err = <-done:
			if err == nil || !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return err
			}
		case <-ctx.Done():
			if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ctx.Err()
			}
		}
		logger.Warn("job timed out",
			slog.String("job_name", env.Name),
			slog.String("job_id", env.ID.String()),
			slog.Duration("timeout", env.Timeout),
		)
		return fmt.Errorf("%w: job %s ran longer than %s", neoqueue.ErrTimeoutExceeded, env.Name, env.Timeout)
	}
}
