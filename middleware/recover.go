package middleware

import (
	"context"
	"log/slog"
	"runtime/debug"

	"github.com/cockroachdb/errors"

	"github.com/xraph/beacon/job"
)

// Recover returns middleware that recovers from panics in the handler chain.
// Panics are converted to errors and logged with a stack trace.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, jc *job.Context, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("job handler panicked",
					slog.String("job", jc.JobKey.String()),
					slog.String("entry_id", jc.EntryID),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				retErr = errors.Newf("panic in job %s: %v", jc.JobKey, r)
			}
		}()
		return next(ctx)
	}
}
