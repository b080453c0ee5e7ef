package utils

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy bounds the uniform retry applied at the remote-client boundary.
type RetryPolicy struct {
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:  3,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  2 * time.Second,
	}
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	delay := p.BaseBackoff << uint(attempt)
	if delay > p.MaxBackoff {
		return p.MaxBackoff
	}
	return delay
}

// retryAfterHint is implemented by errors that carry the server's Retry-After
// value, e.g. a 429 response.
type retryAfterHint interface {
	RetryAfterDuration() time.Duration
}

// delay picks the wait before the next attempt: a server-provided Retry-After
// wins over the computed backoff, the server knows its own window.
func (p RetryPolicy) delay(attempt int, err error) time.Duration {
	var hint retryAfterHint
	if errors.As(err, &hint) {
		if after := hint.RetryAfterDuration(); after > 0 {
			return after
		}
	}
	return p.backoff(attempt)
}

// WithRetry runs fn, retrying only when retryable reports true for the
// returned error. Everything else propagates immediately: retrying a
// validation rejection or a stale sync token never succeeds.
func WithRetry[T any](ctx context.Context, policy RetryPolicy, retryable func(error) bool, fn func() (T, error)) (T, error) {
	var (
		result T
		err    error
	)
	for attempt := 0; ; attempt++ {
		result, err = fn()
		if err == nil || !retryable(err) || attempt >= policy.MaxRetries {
			return result, err
		}
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(policy.delay(attempt, err)):
		}
	}
}
