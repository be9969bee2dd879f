package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket is a deterministic token bucket refilling at an integer
// tokens/sec rate from an injected Clock.
//
// Accounting is done in nanoseconds-worth of tokens so refill math stays in
// integers: one token equals 1e9 nano-tokens, and a rate of R tokens/sec adds
// R nano-tokens per elapsed nanosecond.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacity int64 // nano-tokens
	rate     int64 // tokens/sec == nano-tokens/ns

	available int64 // nano-tokens
	last      time.Time
}

const nanoPerToken = int64(time.Second)

// NewTokenBucket returns a bucket holding up to capacity tokens, refilled at
// rate tokens/sec. The bucket starts full.
func NewTokenBucket(clock Clock, capacity, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if rate < 0 {
		rate = 0
	}
	return &TokenBucket{
		clock:     clock,
		capacity:  capacity * nanoPerToken,
		rate:      rate,
		available: capacity * nanoPerToken,
		last:      clock.Now(),
	}
}

// Allow consumes n tokens if available. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := n * nanoPerToken

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards; re-anchor without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now

	if elapsed <= 0 || b.rate <= 0 || b.available >= b.capacity {
		return
	}

	// Clamp before multiplying so elapsed*rate cannot overflow.
	need := b.capacity - b.available
	if elapsed >= need/b.rate+1 {
		b.available = b.capacity
		return
	}
	b.available += elapsed * b.rate
	if b.available > b.capacity {
		b.available = b.capacity
	}
}
