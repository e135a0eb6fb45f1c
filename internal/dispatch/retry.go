package dispatch

import (
	"context"
	"math/rand"
	"time"

	"github.com/flowquant/flowquant/internal/broker"
)

// Policy controls retry behavior for idempotent data lookups. Order
// placement is never retried: a duplicate order is worse than a missed
// lookup.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultPolicy matches the engine default: two retries with exponential
// backoff on transient transport errors only.
var DefaultPolicy = Policy{
	MaxRetries: 2,
	BaseDelay:  200 * time.Millisecond,
	MaxDelay:   2 * time.Second,
}

// backoff returns the delay before the given retry attempt, with +/-50%
// jitter so concurrent executions do not hammer the broker in lockstep.
func (p Policy) backoff(attempt int) time.Duration {
	d := p.BaseDelay << attempt
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1)) // #nosec G404 non-crypto
}

// withRetry runs fn, retrying transient failures up to the policy bound.
// Permanent errors and context cancellation return immediately.
func withRetry[T any](ctx context.Context, p Policy, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; ; attempt++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err
		if attempt >= p.MaxRetries || !broker.Transient(err) {
			return zero, lastErr
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(p.backoff(attempt)):
		}
	}
}
