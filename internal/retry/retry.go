// Package retry implements the capped exponential backoff used for REST
// reads in the indicator collector.
// Generalized from the reconnect backoff in
// aristath-sentinel/internal/clients/tradernet/websocket_client.go
// (calculateBackoff: base * 2^attempt, capped).
//
// Writes to the exchange (place/cancel/close/set-leverage) are never
// retried here — they are not idempotent and must fail immediately.
package retry

import (
	"context"
	"time"
)

// Backoff returns base * 2^attempt (attempt is 0-indexed), capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// Do calls fn up to maxAttempts times, sleeping Backoff(attempt, base, max)
// between attempts. It returns the first nil error, or the last error
// after exhausting attempts. ctx cancellation aborts immediately.
func Do(ctx context.Context, maxAttempts int, base, max time.Duration, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt < maxAttempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(Backoff(attempt, base, max)):
			}
		}
	}
	return lastErr
}
