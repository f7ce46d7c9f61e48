package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/beacon/job"
)

// Logging returns middleware that logs job start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, jc *job.Context, next Handler) error {
		attrs := []any{
			slog.String("job", jc.JobKey.String()),
			slog.String("trigger", jc.TriggerGroup+"."+jc.TriggerName),
			slog.String("entry_id", jc.EntryID),
		}
		if jc.Recovering {
			attrs = append(attrs, slog.Bool("recovering", true))
		}
		logger.Info("job started", attrs...)

		start := time.Now()
		err := next(ctx)
		attrs = append(attrs, slog.Duration("elapsed", time.Since(start)))

		if err != nil {
			logger.Error("job failed", append(attrs, slog.String("error", err.Error()))...)
		} else {
			logger.Info("job completed", attrs...)
		}
		return err
	}
}
