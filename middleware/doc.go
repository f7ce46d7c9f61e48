// Package middleware provides composable middleware for job execution.
//
// A [Middleware] wraps the handler of a fired job. Middleware are composed
// with [Chain] and run around every execution; the first middleware in the
// slice is the outermost wrapper.
//
//	// logging → recover → handler
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// # Built-in Middleware
//
//   - [Logging] logs job key, trigger, duration and outcome
//   - [Recover] turns handler panics into errors
//   - [Timeout] cancels the handler context after a fixed duration
//   - [Tracing] wraps execution in an OpenTelemetry span
//
// # Writing Custom Middleware
//
//	func MyMiddleware() middleware.Middleware {
//	    return func(ctx context.Context, jc *job.Context, next middleware.Handler) error {
//	        // pre-processing
//	        err := next(ctx)
//	        // post-processing
//	        return err
//	    }
//	}
package middleware
