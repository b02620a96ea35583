// Package server implements a token bucket rate limiter for per-connection
// throttling that protects the relay from abuse.
package server

import (
	"time"

	"golang.org/x/time/rate"
)

// rateLimiter wraps a token bucket. A nil *rateLimiter allows everything.
type rateLimiter struct {
	limiter *rate.Limiter
}

// newRateLimiter returns a limiter that admits burst messages per interval,
// or nil when burst is not positive.
func newRateLimiter(burst int, interval time.Duration) *rateLimiter {
	if burst <= 0 {
		return nil
	}
	if interval <= 0 {
		interval = time.Second
	}

	every := rate.Limit(float64(burst) / interval.Seconds())
	return &rateLimiter{limiter: rate.NewLimiter(every, burst)}
}

func (rl *rateLimiter) allow() bool {
	if rl == nil {
		return true
	}
	return rl.limiter.Allow()
}
