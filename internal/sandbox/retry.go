package sandbox

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// withLifecycleRetry wraps a sandbox lifecycle operation (create,
// reconnect) with bounded exponential-backoff retry, per §4.7's
// "lifecycle operations retry up to lifecycleRetryMaxAttempt times"
// note. onFailed is invoked once per failed attempt (including the
// final one) so the caller can log/metric before the error surfaces.
func withLifecycleRetry(ctx context.Context, maxAttempts int, onFailed func(attempt int, err error), op func(ctx context.Context) error) error {
	backoff, err := retry.NewExponential(100 * time.Millisecond)
	if err != nil {
		return err
	}
	backoff = retry.WithMaxRetries(uint64(maxAttempts-1), backoff)

	attempt := 0
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if opErr := op(ctx); opErr != nil {
			if onFailed != nil {
				onFailed(attempt, opErr)
			}
			return retry.RetryableError(opErr)
		}
		return nil
	})
	return err
}
