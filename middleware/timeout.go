package middleware

import (
	"context"
	"time"

	"github.com/xraph/beacon/job"
)

// Timeout returns middleware that cancels the handler context after d. A
// non-positive d disables the deadline. Handlers should return once their
// context is done.
func Timeout(d time.Duration) Middleware {
	return func(ctx context.Context, _ *job.Context, next Handler) error {
		if d <= 0 {
			return next(ctx)
		}
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return next(ctx)
	}
}
