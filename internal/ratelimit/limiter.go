// Package ratelimit paces outbound REST calls with a token bucket so the
// client stays under the exchange's request ceiling instead of discovering
// it through 429 responses.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

type Limiter struct {
	bucket *rate.Limiter
}

// New builds a limiter allowing perSecond sustained requests with the
// given burst. A non-positive perSecond disables pacing entirely.
func New(perSecond float64, burst int) *Limiter {
	if perSecond <= 0 {
		return &Limiter{bucket: rate.NewLimiter(rate.Inf, 1)}
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{bucket: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Acquire blocks until a request slot is available or ctx is done. The
// returned error is the context's error when cancelled mid-wait.
func (l *Limiter) Acquire(ctx context.Context) error {
	return l.AcquireN(ctx, 1)
}

// AcquireN reserves cost slots for one weighted call. Waiters are served
// in arrival order. A cost above the configured burst can never be
// satisfied and returns an error immediately.
func (l *Limiter) AcquireN(ctx context.Context, cost int) error {
	if cost < 1 {
		cost = 1
	}
	return l.bucket.WaitN(ctx, cost)
}

// Allow reports whether a slot is available right now without waiting.
func (l *Limiter) Allow() bool {
	return l.bucket.Allow()
}
