package agent

import (
	"context"
	"log/slog"
	"math"
	"time"
)

// retryWithBackoff runs fn up to maxRetries+1 times, sleeping
// base*2^attempt between failures. The last error is returned on
// exhaustion; context cancellation stops the loop immediately.
func retryWithBackoff[T any](
	ctx context.Context,
	logger *slog.Logger,
	maxRetries int,
	base time.Duration,
	fn func(ctx context.Context) (T, error),
) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
			logger.Warn("retrying after failure",
				"attempt", attempt+1, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
	}

	return zero, lastErr
}
