package loop

import (
	"context"

	"golang.org/x/time/rate"
)

// Scheduler paces cycles to the display refresh rate.
type Scheduler interface {
	// Wait blocks until the next cycle may start.
	Wait(ctx context.Context) error
}

// RateScheduler ticks at a fixed rate. A slow cycle is not followed by a burst:
// the bucket holds a single token.
type RateScheduler struct {
	limiter *rate.Limiter
}

func NewScheduler(hz float64) *RateScheduler {
	return &RateScheduler{limiter: rate.NewLimiter(rate.Limit(hz), 1)}
}

func (s *RateScheduler) Wait(ctx context.Context) error {
	return s.limiter.Wait(ctx)
}

// Immediate never waits. Used for offline rendering of files.
type Immediate struct{}

func (Immediate) Wait(ctx context.Context) error {
	return ctx.Err()
}
