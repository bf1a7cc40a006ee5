package taoapi

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/subnetlab/taometrics/internal/errors"
)

const maxJitter = 100 * time.Millisecond

// RateLimiter enforces a minimum spacing between granted calls. The mutex is
// held for the full wait so concurrent callers are granted strictly one at a
// time and never compute overlapping sleep windows from a stale last-request
// read.
type RateLimiter struct {
	interval time.Duration
	clock    clockwork.Clock

	mu   sync.Mutex
	last time.Time
}

func NewRateLimiter(requestsPerMinute int, clock clockwork.Clock) *RateLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &RateLimiter{
		interval: time.Duration(float64(time.Minute) / float64(requestsPerMinute)),
		clock:    clock,
	}
}

// Interval returns the minimum spacing between granted calls.
func (r *RateLimiter) Interval() time.Duration {
	return r.interval
}

// Wait blocks until at least one interval has elapsed since the last granted
// call, plus a small random jitter to avoid synchronized bursts. Returns early
// with an error when the context is canceled mid-wait.
func (r *RateLimiter) Wait(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.last.IsZero() {
		elapsed := r.clock.Since(r.last)
		if elapsed < r.interval {
			sleep := r.interval - elapsed + time.Duration(rand.Int63n(int64(maxJitter)))
			select {
			case <-r.clock.After(sleep):
			case <-ctx.Done():
				return errors.New().Wrap(errors.ErrCanceled, ctx.Err())
			}
		}
	}

	r.last = r.clock.Now()

	return nil
}
