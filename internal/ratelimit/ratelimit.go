// Package ratelimit enforces the single shared spacing budget for calls to
// the upstream status provider.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter serializes upstream calls so that consecutive grants are never
// closer together than the configured interval, across all callers.
//
// There is deliberately no burst allowance: burst is pinned to 1, so a cycle
// that needs N fetches spends N-1 full intervals waiting. That keeps upstream
// load conservative no matter how many trackers are subscribed.
type Limiter struct {
	mu  sync.Mutex
	lim *rate.Limiter
	d   time.Duration
}

// New creates a limiter with the given minimum spacing. The first Acquire
// is granted immediately.
func New(interval time.Duration) *Limiter {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Limiter{
		lim: rate.NewLimiter(rate.Every(interval), 1),
		d:   interval,
	}
}

// Acquire blocks until the next upstream call is allowed, or until ctx is
// done. Concurrent callers are serialized: each successful return advances
// the shared cursor by one interval.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	lim := l.lim
	l.mu.Unlock()
	return lim.Wait(ctx)
}

// Interval returns the current minimum spacing.
func (l *Limiter) Interval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.d
}

// SetInterval changes the spacing at runtime (config reload). The already
// reserved budget is kept; only the refill rate changes.
func (l *Limiter) SetInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if interval == l.d {
		return
	}
	l.d = interval
	l.lim.SetLimit(rate.Every(interval))
}
