package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Throttled limits the rate of calls to the wrapped Completer. Calls wait
// for a token instead of failing, so bursts of webhooks queue behind the
// model's rate limit rather than tripping it.
type Throttled struct {
	next    Completer
	limiter *rate.Limiter
}

// NewThrottled wraps next with a token bucket of rps refill and burst size.
// A non-positive rps disables throttling.
func NewThrottled(next Completer, rps float64, burst int) *Throttled {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttled{next: next, limiter: rate.NewLimiter(limit, burst)}
}

func (t *Throttled) Complete(ctx context.Context, prompt string) (string, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("llm: throttle: %w", err)
	}
	return t.next.Complete(ctx, prompt)
}
