package orchestrator

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays: exponential growth from Base, capped at Cap,
// with equal jitter.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

// Delay returns the wait before retry number n (n >= 1). A Retry-After hint
// longer than the computed delay replaces it, still bounded by Cap.
func (b Backoff) Delay(n int, retryAfter time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	d := b.Base
	for i := 1; i < n && d < b.Cap; i++ {
		d *= 2
	}
	d = min(d, b.Cap)

	random := b.Rand
	if random == nil {
		random = rand.Float64
	}
	half := d / 2
	d = half + time.Duration(random()*float64(d-half))

	if retryAfter > d {
		d = min(retryAfter, b.Cap)
	}
	return d
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
