package server

import (
	"sync"
	"time"
)

const retryRounding = time.Second

// RateLimiter is a per-user sliding-window request limiter. It bounds
// request arrival at the HTTP surface; billable consumption is the quota
// gate's concern. A denied request is rejected immediately rather than
// queued.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	now    func() time.Time
	hits   map[string][]time.Time
}

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithWindow overrides the one-minute default window.
func WithWindow(d time.Duration) RateLimiterOption {
	return func(l *RateLimiter) {
		if d > 0 {
			l.window = d
		}
	}
}

// WithClock pins the limiter's clock.
func WithClock(now func() time.Time) RateLimiterOption {
	return func(l *RateLimiter) { l.now = now }
}

// NewRateLimiter allows limit requests per user per window. A non-positive
// limit disables the limiter.
func NewRateLimiter(limit int, opts ...RateLimiterOption) *RateLimiter {
	l := &RateLimiter{
		limit:  limit,
		window: time.Minute,
		now:    time.Now,
		hits:   make(map[string][]time.Time),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Allow records one request for userID if the window has room. When denied
// it reports how long until the oldest recorded request leaves the window.
func (l *RateLimiter) Allow(userID string) (bool, time.Duration) {
	if l.limit <= 0 {
		return true, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	window := pruneBefore(l.hits[userID], cutoff)

	if len(window) >= l.limit {
		l.hits[userID] = window
		return false, window[0].Add(l.window).Sub(now)
	}
	l.hits[userID] = append(window, now)
	return true, 0
}

// pruneBefore removes entries older than cutoff from a sorted time slice.
func pruneBefore(s []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(s) && s[i].Before(cutoff) {
		i++
	}
	return s[i:]
}
