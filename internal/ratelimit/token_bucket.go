package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a thread-safe token bucket for burst control.
// The bucket refills at a constant rate and allows bursts up to capacity.
// Callers supply the clock so stores and tests control time.
type TokenBucket struct {
	capacity   float64
	refillRate float64 // tokens per second
	tokens     float64
	lastRefill time.Time
	mu         sync.Mutex
}

// NewTokenBucket creates a full bucket.
//   - capacity: maximum number of tokens (burst size)
//   - refillRate: tokens added per second (sustained rate)
func NewTokenBucket(capacity, refillRate float64, now time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		refillRate: refillRate,
		tokens:     capacity,
		lastRefill: now,
	}
}

// Take consumes one token if available. It returns whether the request is
// allowed and the token level after the call.
func (tb *TokenBucket) Take(now time.Time) (bool, float64) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	if tb.tokens >= 1 {
		tb.tokens--
		return true, tb.tokens
	}
	return false, tb.tokens
}

// Level returns the current token level without consuming.
func (tb *TokenBucket) Level(now time.Time) float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	return tb.tokens
}

// Reset restores the bucket to full capacity.
func (tb *TokenBucket) Reset(now time.Time) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.tokens = tb.capacity
	tb.lastRefill = now
}

// refill adds tokens based on elapsed time. Must be called with lock held.
func (tb *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens = min(tb.capacity, tb.tokens+elapsed*tb.refillRate)
	tb.lastRefill = now
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
