// Package retry runs an operation with exponential backoff and jitter.
//
// It is used for short local retries only (for example Postgres
// serialization failures during payout settlement). Outbound calls to
// collaborators are never retried inline; the webhook sender's redelivery
// is the retry mechanism for those.
package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

// DoIf calls fn up to maxAttempts times. It stops on success, when
// retryable reports false for the error, or when ctx is done. A nil
// classifier retries every error. baseDelay doubles after each failed
// attempt with +-25% jitter.
func DoIf(ctx context.Context, maxAttempts int, baseDelay time.Duration, retryable func(error) bool, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	delay := baseDelay
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}

		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt >= maxAttempts {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(delay)):
		}
		delay *= 2
	}
}

func jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	j := int64(d / 4)
	return d - time.Duration(j) + time.Duration(rand.Int64N(2*j+1))
}
