// Package ratelimit implements a sliding-window-log admission check for a
// single protected upstream. One Limiter instance guards one upstream; there
// is no shared global state.
package ratelimit

import (
	"sync"
	"time"

	"marketpipe/pkg/clock"
)

const (
	defaultMaxRequests = 30
	defaultWindow      = time.Minute
)

// Limiter admits at most maxRequests calls inside a rolling window.
// All methods are safe for concurrent use and never return errors; callers
// translate a denial into a retryable error carrying the wait hint.
type Limiter struct {
	clock       clock.Clock
	window      time.Duration
	maxRequests int

	mu         sync.Mutex
	timestamps []time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock injects an alternative time source.
func WithClock(clk clock.Clock) Option {
	return func(l *Limiter) {
		if clk != nil {
			l.clock = clk
		}
	}
}

// New constructs a limiter admitting maxRequests per window. Non-positive
// arguments fall back to defaults.
func New(maxRequests int, window time.Duration, opts ...Option) *Limiter {
	if maxRequests <= 0 {
		maxRequests = defaultMaxRequests
	}
	if window <= 0 {
		window = defaultWindow
	}
	limiter := &Limiter{
		clock:       clock.NewSystem(),
		window:      window,
		maxRequests: maxRequests,
		timestamps:  make([]time.Time, 0, maxRequests),
	}
	for _, opt := range opts {
		opt(limiter)
	}
	return limiter
}

// Allow records and admits the call when the window has capacity.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.prune(now)
	if len(l.timestamps) >= l.maxRequests {
		return false
	}
	l.timestamps = append(l.timestamps, now)
	return true
}

// TimeUntilReset returns how long until the oldest recorded call leaves the
// window, or zero when the window is empty.
func (l *Limiter) TimeUntilReset() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.prune(now)
	if len(l.timestamps) == 0 {
		return 0
	}
	wait := l.window - now.Sub(l.timestamps[0])
	if wait < 0 {
		return 0
	}
	return wait
}

// Count returns the number of calls currently inside the window.
func (l *Limiter) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.clock.Now())
	return len(l.timestamps)
}

// Limit returns the configured window capacity.
func (l *Limiter) Limit() int {
	return l.maxRequests
}

// prune drops timestamps older than the window. Timestamps are appended in
// order, so scanning from the front is enough. Caller holds the lock.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	idx := 0
	for idx < len(l.timestamps) && !l.timestamps[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		l.timestamps = l.timestamps[idx:]
	}
}
