package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/neonextechnologies/neoqueue/envelope"
)

// Logging returns middleware that logs each execution and its outcome.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, env *envelope.Envelope, next Handler) error {
		logger.Debug("job processing",
			slog.String("job_name", env.Name),
			slog.String("job_id", env.ID.String()),
			slog.String("queue", env.Queue),
			slog.Int("attempt", env.Attempts+1),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Warn("job errored",
				slog.String("job_name", env.Name),
				slog.String("job_id", env.ID.String()),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
			return err
		}
		logger.Info("job processed",
			slog.String("job_name", env.Name),
			slog.String("job_id", env.ID.String()),
			slog.Duration("elapsed", elapsed),
		)
		return nil
	}
}
