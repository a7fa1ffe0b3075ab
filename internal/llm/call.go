package llm

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds the in-stage retry of a model call.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy matches the service defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 4, InitialBackoff: 500 * time.Millisecond, MaxBackoff: 8 * time.Second}
}

// Call sends prompt to c and parses the reply, retrying transient failures
// (including replies parse rejects as malformed) with exponential backoff.
// It returns the parsed value, the number of attempts made, and the last
// error once attempts are exhausted or a permanent error occurs.
func Call[T any](
	ctx context.Context,
	c Completer,
	prompt string,
	parse func(string) (T, error),
	policy RetryPolicy,
	logger *slog.Logger,
) (T, int, error) {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	b := backoff.NewExponentialBackOff()
	if policy.InitialBackoff > 0 {
		b.InitialInterval = policy.InitialBackoff
	}
	if policy.MaxBackoff > 0 {
		b.MaxInterval = policy.MaxBackoff
	}

	attempts := 0
	op := func() (T, error) {
		attempts++
		var zero T
		reply, err := c.Complete(ctx, prompt)
		if err == nil {
			var parsed T
			parsed, err = parse(reply)
			if err == nil {
				return parsed, nil
			}
		}
		// A cancelled parent context is never worth another attempt, even
		// though the per-call deadline error looks transient.
		if ctx.Err() != nil || !IsTransient(err) {
			return zero, backoff.Permanent(err)
		}
		return zero, err
	}

	result, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(policy.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("llm: call failed, retrying",
				"attempt", attempts, "max_attempts", policy.MaxAttempts,
				"backoff", next, "error", err)
		}),
	)
	return result, attempts, err
}
