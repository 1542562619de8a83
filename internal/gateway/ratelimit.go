package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a per-connection request rate.
// rpm <= 0 disables limiting entirely.
type RateLimiter struct {
	rpm   int
	burst int

	mu    sync.Mutex
	conns map[string]*rate.Limiter
}

// NewRateLimiter creates a limiter at rpm requests per minute with the given
// burst headroom.
func NewRateLimiter(rpm, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{rpm: rpm, burst: burst, conns: make(map[string]*rate.Limiter)}
}

// Enabled reports whether limiting is active.
func (r *RateLimiter) Enabled() bool { return r.rpm > 0 }

// Allow reports whether connID may issue one more request now.
func (r *RateLimiter) Allow(connID string) bool {
	if !r.Enabled() {
		return true
	}
	r.mu.Lock()
	lim, ok := r.conns[connID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(r.rpm)/60.0), r.burst)
		r.conns[connID] = lim
	}
	r.mu.Unlock()
	return lim.Allow()
}

// Forget drops per-connection state after disconnect.
func (r *RateLimiter) Forget(connID string) {
	r.mu.Lock()
	delete(r.conns, connID)
	r.mu.Unlock()
}
