// Package ratelimit caps inbound signaling traffic per WebSocket connection.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket admits up to capacity tokens in a burst and refills at an
// integer rate of tokens per second. Refill accounting is integer-only:
// elapsed time too short to mint a whole token is carried forward, so slow
// steady callers are not rounded down to zero.
type TokenBucket struct {
	mu sync.Mutex

	clock    Clock
	capacity int64
	rate     int64 // tokens per second

	available int64
	carry     time.Duration // elapsed time not yet converted to tokens
	last      time.Time
}

// NewTokenBucket returns a bucket that starts full. A nil clock uses real
// time.
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
		capacity:  capacity,
		rate:      rate,
		available: capacity,
		last:      clock.Now(),
	}
}

// Allow consumes the given number of tokens if the bucket holds enough.
// tokens <= 0 always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.available < tokens {
		return false
	}
	b.available -= tokens
	return true
}

func (b *TokenBucket) refill() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Clock went backwards. Move the reference point without minting.
		b.last = now
		b.carry = 0
		return
	}
	elapsed := now.Sub(b.last) + b.carry
	b.last = now

	if b.rate <= 0 || b.capacity <= 0 || elapsed <= 0 {
		b.carry = 0
		return
	}

	// Time past a full refill from empty mints nothing extra, and keeps the
	// arithmetic below within int64.
	fillAll := time.Duration(b.capacity) * time.Second / time.Duration(b.rate)
	if elapsed >= fillAll {
		b.available = b.capacity
		b.carry = 0
		return
	}

	minted := int64(elapsed) * b.rate / int64(time.Second)
	b.carry = elapsed - time.Duration(minted*int64(time.Second)/b.rate)
	b.available += minted
	if b.available > b.capacity {
		b.available = b.capacity
		b.carry = 0
	}
}
