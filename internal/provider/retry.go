package provider

import (
	"context"
	"time"
)

// retryBaseDelay is doubled on each failed attempt.
const retryBaseDelay = 500 * time.Millisecond

// Retry runs fn up to maxRetries+1 times, sleeping 500ms * 2^attempt
// between attempts. Non-retryable errors and exhausted budgets return the
// last error untouched. A rate-limited error's suggested wait overrides
// the backoff when longer.
func Retry(ctx context.Context, maxRetries int, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if attempt >= maxRetries || !Retryable(err) {
			return err
		}

		delay := retryBaseDelay * (1 << attempt)
		if ra := RetryAfterOf(err); ra > delay {
			delay = ra
		}
		select {
		case <-ctx.Done():
			return NewError(CodeCanceled, ctx.Err())
		case <-time.After(delay):
		}
	}
}
