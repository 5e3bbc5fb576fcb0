package log

import (
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"
)

// RateLimiter suppresses repeats of the same log key within an interval,
// so a misbehaving peer cannot flood the log.
type RateLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[string]time.Time
	sweep    time.Time
	now      func() time.Time
}

func NewRateLimiter(interval time.Duration) *RateLimiter {
	return &RateLimiter{
		interval: interval,
		last:     make(map[string]time.Time),
		now:      time.Now,
	}
}

// Allow reports whether a message under key may be logged now.
func (r *RateLimiter) Allow(key string) bool {
	if r == nil || key == "" {
		return true
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if last, ok := r.last[key]; ok && now.Sub(last) < r.interval {
		return false
	}
	r.last[key] = now
	if now.Sub(r.sweep) > 2*r.interval {
		for k, ts := range r.last {
			if now.Sub(ts) > 4*r.interval {
				delete(r.last, k)
			}
		}
		r.sweep = now
	}
	return true
}

// Warningf logs through l when key is not currently suppressed.
func (r *RateLimiter) Warningf(l *logging.Logger, key, format string, args ...any) {
	if r.Allow(key) {
		l.Warningf(format, args...)
	}
}
