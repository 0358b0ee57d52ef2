package util

import (
	"sync"
	"time"
)

// RateLimiter implements a token-bucket rate limiter that replenishes tokens
// at a fixed rate. A limiter built with a non-positive rate never throttles.
type RateLimiter struct {
	rate     float64 // tokens per second
	burst    float64
	tokens   float64
	lastTime time.Time
	now      func() time.Time
	mu       sync.Mutex
}

// NewRateLimiter creates a RateLimiter that allows perSecond operations per
// second with a burst of the same size.
func NewRateLimiter(perSecond int) *RateLimiter {
	burst := float64(perSecond)
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		rate:     float64(perSecond),
		burst:    burst,
		tokens:   burst,
		lastTime: time.Now(),
		now:      time.Now,
	}
}

func (rl *RateLimiter) refill() {
	now := rl.now()
	elapsed := now.Sub(rl.lastTime).Seconds()
	rl.tokens += elapsed * rl.rate
	if rl.tokens > rl.burst {
		rl.tokens = rl.burst
	}
	rl.lastTime = now
}

// Allow takes a token if one is available and reports whether it did. It
// never blocks, so it is safe to call from an event loop.
func (rl *RateLimiter) Allow() bool {
	if rl == nil || rl.rate <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill()
	if rl.tokens >= 1 {
		rl.tokens--
		return true
	}
	return false
}
