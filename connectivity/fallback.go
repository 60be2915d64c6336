package connectivity

import (
	"context"
	"log/slog"
)

// WithFallback returns a HandlerMiddleware that retries a failed remote
// call against a local handler. A miner configured to classify through
// a remote endpoint can keep working on the in-process path when that
// endpoint is unreachable.
//
// When local is nil the middleware is a no-op. A context that is
// already done is never retried locally: the caller abandoned the
// call, the remote did not fail it.
func WithFallback(local Handler, service string, logger *slog.Logger) HandlerMiddleware {
	return func(next Handler) Handler {
		if local == nil {
			return next
		}
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			resp, err := next(ctx, payload)
			if err == nil {
				return resp, nil
			}

			if ctx.Err() != nil {
				return nil, err
			}

			if logger != nil {
				logger.WarnContext(ctx, "remote failed, falling back to local",
					"service", service,
					"remote_error", err)
			}

			return local(ctx, payload)
		}
	}
}
