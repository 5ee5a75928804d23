package utils

import (
	"sync"
	"time"
)

// RateLimiter admits at most one event per key per interval. Rejected
// events are dropped, not queued. It is safe for concurrent use.
type RateLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[int]time.Time
}

// NewRateLimiter creates a limiter with the given interval. If interval <= 0,
// every event is admitted.
func NewRateLimiter(interval time.Duration) *RateLimiter {
	return &RateLimiter{interval: interval, last: make(map[int]time.Time, 16)}
}

// Allow reports whether an event for key at time now is admitted, and
// records it if so.
func (r *RateLimiter) Allow(key int, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.interval <= 0 {
		r.last[key] = now
		return true
	}
	if prev, ok := r.last[key]; ok && now.Sub(prev) < r.interval {
		return false
	}
	r.last[key] = now
	return true
}
