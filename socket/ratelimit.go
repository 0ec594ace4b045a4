package socket

import (
	"sync"
	"time"
)

// Default gateway limits.
const (
	RateWindow    = time.Minute
	JoinsPerMin   = 10
	ActionsPerMin = 30
)

type rateBucket struct {
	count   int
	resetAt time.Time
}

// RateLimiter is a fixed-window counter keyed on connection identity.
// Exceeding the limit rejects the event; it never disconnects.
type RateLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	buckets map[string]*rateBucket

	now func() time.Time
}

func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		max:     max,
		window:  window,
		buckets: make(map[string]*rateBucket),
		now:     time.Now,
	}
}

// Allow records one action for the key and reports whether it fits in the
// current window.
func (l *RateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok || now.After(b.resetAt) {
		l.buckets[key] = &rateBucket{count: 1, resetAt: now.Add(l.window)}
		return true
	}
	if b.count >= l.max {
		return false
	}
	b.count++
	return true
}

// Forget drops the key's window, freeing its memory once the connection is
// gone.
func (l *RateLimiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}
