package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a per-connection requests-per-minute budget on
// inbound text_input frames. rpm <= 0 disables limiting entirely, so
// deployments that never set rateLimitRpm see no behavior change.
type RateLimiter struct {
	rpm   int
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewRateLimiter(rpm int) *RateLimiter {
	return &RateLimiter{rpm: rpm, burst: 5, limiters: make(map[string]*rate.Limiter)}
}

func (r *RateLimiter) Enabled() bool { return r.rpm > 0 }

// Allow reports whether connID may send another frame right now,
// lazily creating its bucket on first use.
func (r *RateLimiter) Allow(connID string) bool {
	if !r.Enabled() {
		return true
	}
	r.mu.Lock()
	l, ok := r.limiters[connID]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(r.rpm)), r.burst)
		r.limiters[connID] = l
	}
	r.mu.Unlock()
	return l.Allow()
}

// Forget drops a connection's bucket once it disconnects, so the map
// doesn't grow unbounded across the server's lifetime.
func (r *RateLimiter) Forget(connID string) {
	r.mu.Lock()
	delete(r.limiters, connID)
	r.mu.Unlock()
}
