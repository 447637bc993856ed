package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	// defaultMaxAttempts is the number of tries before Retry gives up.
	defaultMaxAttempts = 3

	// baseDelay is the starting backoff interval (before jitter).
	baseDelay = 500 * time.Millisecond

	// maxDelay caps the backoff interval.
	maxDelay = 5 * time.Second
)

// newBackOff returns the exponential schedule shared by REST retries and
// realtime reconnects: 500ms doubling up to 5s with ±50% jitter.
func newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseDelay
	b.MaxInterval = maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	return b
}

// Retry runs fn up to maxAttempts times, backing off between attempts with b.
// Only errors matching [ErrRemoteUnavailable] are retried; any other error is
// returned immediately.
func Retry[T any](ctx context.Context, b backoff.BackOff, maxAttempts int, fn func() (T, error)) (T, error) {
	if err := ctx.Err(); err != nil {
		var zero T
		return zero, fmt.Errorf("retry cancelled: %w", err)
	}

	v, err := backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err != nil && !IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(max(maxAttempts, 1))),
	)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Unwrap()
		}
		return v, err
	}
	return v, nil
}
