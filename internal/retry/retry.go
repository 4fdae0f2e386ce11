// Package retry provides the bounded fixed-delay retry used for controller
// API dispatch. One utility, used uniformly, instead of ad hoc retry loops
// per operation.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Do runs fn, retrying on error up to retries additional attempts with a
// fixed delay between attempts. The delay honours context cancellation.
//
// Returns nil on the first success, the context error if cancelled while
// waiting, or the last attempt's error once all attempts are exhausted.
func Do(ctx context.Context, retries int, delay time.Duration, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry aborted: %w", ctx.Err())
			case <-timer.C:
			}
		}

		if lastErr = fn(); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("after %d attempts: %w", retries+1, lastErr)
}
