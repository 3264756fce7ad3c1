package provider

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     3,
	InitialInterval: 2 * time.Second,
	MaxInterval:     30 * time.Second,
}

// Retry runs op with jittered exponential backoff. Permanent errors stop
// immediately; rate-limit errors wait at least the provider's Retry-After.
func Retry[T any](ctx context.Context, policy RetryPolicy, op func(context.Context) (T, error)) (T, error) {
	if policy.MaxAttempts == 0 {
		policy.MaxAttempts = 1
	}
	exp := backoff.NewExponentialBackOff()
	if policy.InitialInterval > 0 {
		exp.InitialInterval = policy.InitialInterval
	}
	if policy.MaxInterval > 0 {
		exp.MaxInterval = policy.MaxInterval
	}
	b := &hintedBackOff{BackOff: exp}

	return backoff.Retry(ctx, func() (T, error) {
		out, err := op(ctx)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return out, backoff.Permanent(err)
		}
		var pe *Error
		if errors.As(err, &pe) {
			switch pe.Kind {
			case KindPermanent:
				return out, backoff.Permanent(err)
			case KindRateLimited:
				b.hint = pe.RetryAfter
			}
		}
		return out, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(policy.MaxAttempts), backoff.WithMaxElapsedTime(0))
}

// hintedBackOff never waits less than the last server-provided hint.
type hintedBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (b *hintedBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next != backoff.Stop && b.hint > next {
		next = b.hint
	}
	b.hint = 0
	return next
}
