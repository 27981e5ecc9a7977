package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Step(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTokenBucket_BurstThenRefill(t *testing.T) {
	clk := &stepClock{now: time.Unix(100, 0)}
	b := NewTokenBucket(clk, 10, 5)

	// The bucket starts full; the whole burst is admitted at once.
	if !b.Allow(10) {
		t.Fatalf("full bucket rejected burst")
	}
	if b.Allow(1) {
		t.Fatalf("empty bucket admitted a token")
	}

	// 5 tokens/sec: 400ms mints exactly 2.
	clk.Step(400 * time.Millisecond)
	if !b.Allow(2) {
		t.Fatalf("expected 2 tokens after 400ms at 5/s")
	}
	if b.Allow(1) {
		t.Fatalf("bucket should be empty again")
	}
}

func TestTokenBucket_CapacityClamp(t *testing.T) {
	clk := &stepClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 3, 1)

	if !b.Allow(3) {
		t.Fatalf("initial capacity not available")
	}

	// An hour idle refills to capacity, not beyond.
	clk.Step(time.Hour)
	if !b.Allow(3) {
		t.Fatalf("expected refill to capacity")
	}
	if b.Allow(1) {
		t.Fatalf("refill exceeded capacity")
	}
}

func TestTokenBucket_CarriesSubTokenElapsed(t *testing.T) {
	clk := &stepClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 5, 2) // one token per 500ms

	if !b.Allow(5) {
		t.Fatalf("initial capacity not available")
	}

	// Each 200ms step is too short to mint a token on its own, but the carry
	// accumulates to 600ms, worth one whole token.
	for i := 0; i < 2; i++ {
		clk.Step(200 * time.Millisecond)
		if b.Allow(1) {
			t.Fatalf("minted a token from %dms of carry", (i+1)*200)
		}
	}
	clk.Step(200 * time.Millisecond)
	if !b.Allow(1) {
		t.Fatalf("carry did not accumulate into a token")
	}
}

func TestTokenBucket_ClockGoingBackwards(t *testing.T) {
	clk := &stepClock{now: time.Unix(1000, 0)}
	b := NewTokenBucket(clk, 2, 1)

	if !b.Allow(2) {
		t.Fatalf("initial capacity not available")
	}

	clk.Step(-time.Hour)
	if b.Allow(1) {
		t.Fatalf("backwards clock minted tokens")
	}

	// Refill resumes from the new reference point.
	clk.Step(time.Second)
	if !b.Allow(1) {
		t.Fatalf("expected refill after clock recovered")
	}
}

func TestTokenBucket_NonPositiveRequests(t *testing.T) {
	b := NewTokenBucket(&stepClock{now: time.Unix(0, 0)}, 0, 0)

	if !b.Allow(0) {
		t.Fatalf("zero-token request must succeed")
	}
	if !b.Allow(-3) {
		t.Fatalf("negative request must succeed")
	}
	if b.Allow(1) {
		t.Fatalf("zero-capacity bucket admitted a token")
	}
}
