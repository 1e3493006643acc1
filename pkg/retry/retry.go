// Package retry runs outbound calls with bounded exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retried operation. The wait before attempt n+1 is
// BaseDelay * 2^(n-1), capped by MaxDelay when set.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Default is one initial attempt plus two retries starting at one second.
var Default = Policy{MaxAttempts: 3, BaseDelay: time.Second}

// Do runs op until it succeeds, the attempts are exhausted, op returns a
// permanent error (see Permanent) or ctx is done. It returns the number of
// attempts made and the last error.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) (int, error) {
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		return op(ctx)
	}, p.backOff(ctx))
	return attempts, err
}

// Permanent stops retrying and returns err from Do unchanged.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = base << 10
	}
	exp := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(base),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxInterval(maxDelay),
		backoff.WithMaxElapsedTime(0),
	)
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(maxAttempts-1)), ctx)
}
