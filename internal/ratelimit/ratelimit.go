// Package ratelimit provides a deterministic token bucket used to bound the
// inbound signaling message rate per connection.
package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time so tests can drive refill deterministically.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// TokenBucket refills at an integer rate of tokens per second. Accounting is
// done in nanotokens (1 token = 1e9 nanotokens) so refill needs no floats:
// a rate of R tokens/sec adds exactly R nanotokens per elapsed nanosecond.
type TokenBucket struct {
	mu sync.Mutex

	clock    Clock
	capacity int64 // nanotokens
	rate     int64 // tokens/sec == nanotokens/ns

	available int64 // nanotokens
	last      time.Time
}

const nanotokensPerToken = int64(time.Second)

// NewTokenBucket returns a full bucket with the given capacity (tokens) and
// refill rate (tokens/sec). A nil clock means wall time.
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
		capacity:  capacity * nanotokensPerToken,
		rate:      rate,
		available: capacity * nanotokensPerToken,
		last:      clock.Now(),
	}
}

// Allow consumes n tokens if available. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()

	cost := n * nanotokensPerToken
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refill() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Clock moved backwards; re-anchor without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now

	if b.rate <= 0 || elapsed <= 0 {
		return
	}

	need := b.capacity - b.available
	if need <= 0 {
		return
	}
	// elapsed*rate overflows only when the bucket would fill anyway.
	if elapsed >= need/b.rate+1 {
		b.available = b.capacity
		return
	}
	b.available += elapsed * b.rate
	if b.available > b.capacity {
		b.available = b.capacity
	}
}
