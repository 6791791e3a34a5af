package reqflow

import (
	"sync/atomic"
	"time"
)

// RateLimiter is a lock-free token bucket refilled one token per refillRate.
type RateLimiter struct {
	name       string
	maxTokens  int64
	refillRate time.Duration
	tokens     atomic.Int64
	lastRefill atomic.Int64
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(maxTokens int, refillRate time.Duration) *RateLimiter {
	rl := &RateLimiter{
		name:       "default",
		maxTokens:  int64(maxTokens),
		refillRate: refillRate,
	}
	rl.tokens.Store(int64(maxTokens))
	rl.lastRefill.Store(time.Now().UnixNano())
	return rl
}

// Allow consumes a token if one is available.
func (rl *RateLimiter) Allow() bool {
	rl.refill(time.Now().UnixNano())
	for {
		current := rl.tokens.Load()
		if current <= 0 {
			return false
		}
		if rl.tokens.CompareAndSwap(current, current-1) {
			return true
		}
	}
}

// Tokens returns the tokens currently available.
func (rl *RateLimiter) Tokens() int {
	rl.refill(time.Now().UnixNano())
	return int(rl.tokens.Load())
}

func (rl *RateLimiter) refill(now int64) {
	if rl.refillRate <= 0 {
		return
	}
	for {
		last := rl.lastRefill.Load()
		add := (now - last) / int64(rl.refillRate)
		if add <= 0 {
			return
		}
		if !rl.lastRefill.CompareAndSwap(last, last+add*int64(rl.refillRate)) {
			continue
		}
		for {
			current := rl.tokens.Load()
			next := min(current+add, rl.maxTokens)
			if rl.tokens.CompareAndSwap(current, next) {
				return
			}
		}
	}
}
