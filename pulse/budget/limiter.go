// Package budget holds the pacing primitives shared by the trigger server and
// the batch dispatcher: a sliding-window call limiter and a between-batch pacer.
package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/teranos/drip/errors"
)

// ErrRateLimited is the cause of every Allow rejection
var ErrRateLimited = errors.New("rate limit exceeded")

// Limiter enforces max calls per time window using a sliding window.
// A limit of 0 disables limiting.
type Limiter struct {
	maxCalls  int
	window    time.Duration
	mu        sync.Mutex
	callTimes []time.Time
	timeNow   func() time.Time // Injectable for testing
}

// NewLimiter creates a per-minute rate limiter with real time
func NewLimiter(maxCallsPerMinute int) *Limiter {
	return NewLimiterWithClock(maxCallsPerMinute, time.Now)
}

// NewLimiterWithClock creates a per-minute rate limiter with injectable clock (for testing)
func NewLimiterWithClock(maxCallsPerMinute int, timeNow func() time.Time) *Limiter {
	return NewWindowLimiter(maxCallsPerMinute, time.Minute, timeNow)
}

// NewWindowLimiter creates a limiter over an arbitrary window
func NewWindowLimiter(maxCalls int, window time.Duration, timeNow func() time.Time) *Limiter {
	if timeNow == nil {
		timeNow = time.Now
	}
	capacity := maxCalls
	if capacity < 0 {
		capacity = 0
	}
	return &Limiter{
		maxCalls:  maxCalls,
		window:    window,
		callTimes: make([]time.Time, 0, capacity),
		timeNow:   timeNow,
	}
}

// Allow checks if a call is allowed under rate limits and records it if so.
// The returned error wraps ErrRateLimited.
func (r *Limiter) Allow() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxCalls <= 0 {
		return nil
	}

	now := r.timeNow()
	r.removeExpiredCalls(now)

	if len(r.callTimes) >= r.maxCalls {
		err := errors.Wrapf(ErrRateLimited, "%d calls in the last %s (limit: %d)",
			len(r.callTimes), r.window, r.maxCalls)
		err = errors.WithDetail(err, fmt.Sprintf("Retry after: %s", r.retryAfterLocked(now)))
		return err
	}

	r.callTimes = append(r.callTimes, now)
	return nil
}

// RetryAfter returns how long until the oldest call in the window expires.
// Zero means a call would be allowed now.
func (r *Limiter) RetryAfter() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxCalls <= 0 {
		return 0
	}
	now := r.timeNow()
	r.removeExpiredCalls(now)
	if len(r.callTimes) < r.maxCalls {
		return 0
	}
	return r.retryAfterLocked(now)
}

// retryAfterLocked must be called with lock held and a non-empty window
func (r *Limiter) retryAfterLocked(now time.Time) time.Duration {
	if len(r.callTimes) == 0 {
		return 0
	}
	d := r.callTimes[0].Add(r.window).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Wait blocks until a call is allowed under rate limits
// Returns error if context is cancelled
func (r *Limiter) Wait(ctx context.Context) error {
	for {
		if err := r.Allow(); err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// removeExpiredCalls removes call timestamps that are outside the sliding window
// Must be called with lock held
func (r *Limiter) removeExpiredCalls(now time.Time) {
	cutoff := now.Add(-r.window)

	// Timestamps are ordered, so count expired calls from the front
	expired := 0
	for _, callTime := range r.callTimes {
		if !callTime.After(cutoff) {
			expired++
		} else {
			break
		}
	}

	r.callTimes = r.callTimes[expired:]
}

// SetLimit changes the maximum calls per window (config hot reload)
func (r *Limiter) SetLimit(maxCalls int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxCalls = maxCalls
}

// Reset clears the rate limiter state
func (r *Limiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.callTimes = r.callTimes[:0]
}

// Stats returns current rate limiter statistics
func (r *Limiter) Stats() (callsInWindow int, remaining int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeExpiredCalls(r.timeNow())

	callsInWindow = len(r.callTimes)
	remaining = r.maxCalls - callsInWindow
	if remaining < 0 {
		remaining = 0
	}

	return callsInWindow, remaining
}
