// Package ratelimit implements a per-IP token-bucket limiter for the
// connection accept loop and sign-on attempts, grounded on the teacher's
// per-IP connection cap (room.go's CanConnect/TrackIPConnect) generalized
// with golang.org/x/time/rate instead of a bare counter.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IPLimiter enforces a per-IP token bucket. Unlike the OSCAR reference this
// is grounded on, entries never expire on a TTL cache (that dependency
// isn't in this module's stack) — a bounded sweep removes idle entries
// instead.
type IPLimiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	r        rate.Limit
	burst    int
	idleTTL  time.Duration
}

type entry struct {
	limiter    *rate.Limiter
	lastTouch  time.Time
}

// New constructs an IPLimiter allowing r events per second with the given
// burst, evicting IPs idle for longer than idleTTL on each Allow call's
// opportunistic sweep.
func New(r rate.Limit, burst int, idleTTL time.Duration) *IPLimiter {
	return &IPLimiter{
		limiters: make(map[string]*entry),
		r:        r,
		burst:    burst,
		idleTTL:  idleTTL,
	}
}

// Allow reports whether a new event (connection or sign-on attempt) from ip
// is within its bucket.
func (l *IPLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.limiters[ip]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.r, l.burst)}
		l.limiters[ip] = e
	}
	e.lastTouch = time.Now()
	l.sweepLocked()
	return e.limiter.Allow()
}

// sweepLocked drops limiters idle longer than idleTTL. Called with mu held.
func (l *IPLimiter) sweepLocked() {
	if l.idleTTL <= 0 {
		return
	}
	cutoff := time.Now().Add(-l.idleTTL)
	for ip, e := range l.limiters {
		if e.lastTouch.Before(cutoff) {
			delete(l.limiters, ip)
		}
	}
}
