package syncengine

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter bounds concurrent ledger-side work during a sweep: a small fixed
// number of in-flight operations plus a minimum spacing between starts, to
// stay inside the ledger's rate limits.
type Limiter struct {
	sem   chan struct{}
	pacer *rate.Limiter
}

func NewLimiter(concurrency int, minSpacing time.Duration) *Limiter {
	if concurrency <= 0 {
		concurrency = 4
	}
	if minSpacing <= 0 {
		minSpacing = 200 * time.Millisecond
	}
	return &Limiter{
		sem:   make(chan struct{}, concurrency),
		pacer: rate.NewLimiter(rate.Every(minSpacing), 1),
	}
}

// Do runs fn once a slot and a pacing token are available.
func (l *Limiter) Do(ctx context.Context, fn func()) error {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l.sem }()

	if err := l.pacer.Wait(ctx); err != nil {
		return err
	}
	fn()
	return nil
}
