package ratelimit

import (
	"math"
	"time"
)

// Window is one of the three rate-limit periods.
type Window int

const (
	Minute Window = iota
	Hour
	Day
)

var windows = [...]Window{Minute, Hour, Day}

// String returns "minute", "hour", or "day".
func (w Window) String() string {
	switch w {
	case Minute:
		return "minute"
	case Hour:
		return "hour"
	case Day:
		return "day"
	}
	return "unknown"
}

// Period is the time over which a full bucket refills.
func (w Window) Period() time.Duration {
	switch w {
	case Hour:
		return time.Hour
	case Day:
		return 24 * time.Hour
	}
	return time.Minute
}

// epsilon absorbs float drift so a bucket refilled to exactly 1 token
// is not rejected as 0.9999999.
const epsilon = 1e-9

// bucket is a lazily refilled token bucket. It is not safe for concurrent
// use; the owning entry serializes access.
type bucket struct {
	capacity   float64
	period     float64 // seconds for a full refill; rate is capacity/period
	tokens     float64
	lastRefill time.Time
}

func newBucket(capacity int, period time.Duration, now time.Time) bucket {
	c := float64(capacity)
	return bucket{
		capacity:   c,
		period:     period.Seconds(),
		tokens:     c,
		lastRefill: now,
	}
}

// resize applies a new ceiling, keeping the current fill but never above
// the new capacity.
func (b *bucket) resize(capacity int, period time.Duration) {
	c := float64(capacity)
	if c == b.capacity {
		return
	}
	b.capacity = c
	b.period = period.Seconds()
	if b.tokens > c {
		b.tokens = c
	}
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.capacity/b.period)
	b.lastRefill = now
}

// take consumes one token if available.
func (b *bucket) take() bool {
	if b.tokens+epsilon >= 1 {
		b.tokens--
		if b.tokens < 0 {
			b.tokens = 0
		}
		return true
	}
	return false
}

// retryAfter is how long until one whole token is available, rounded up to
// the millisecond.
func (b *bucket) retryAfter() time.Duration {
	if b.tokens+epsilon >= 1 {
		return 0
	}
	return ceilMillis((1 - b.tokens) * b.period / b.capacity)
}

// untilFull is how long until the bucket is back at capacity.
func (b *bucket) untilFull() time.Duration {
	missing := b.capacity - b.tokens
	if missing <= epsilon {
		return 0
	}
	return ceilMillis(missing * b.period / b.capacity)
}

func ceilMillis(secs float64) time.Duration {
	return time.Duration(math.Ceil(secs*1000-epsilon)) * time.Millisecond
}
