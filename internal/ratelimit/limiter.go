// Package ratelimit implements per-identifier admission control with three
// independent token buckets (minute, hour, day) per identifier.
//
// Buckets live in process memory only. A restart refills every bucket to
// capacity, and limits are not coordinated across processes.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Limits holds the per-window ceilings. A zero field falls back to the
// limiter's default for that window.
type Limits struct {
	PerMinute int
	PerHour   int
	PerDay    int
}

func (l Limits) ceiling(w Window) int {
	switch w {
	case Hour:
		return l.PerHour
	case Day:
		return l.PerDay
	}
	return l.PerMinute
}

// withDefaults fills zero or negative ceilings from d.
func (l Limits) withDefaults(d Limits) Limits {
	if l.PerMinute <= 0 {
		l.PerMinute = d.PerMinute
	}
	if l.PerHour <= 0 {
		l.PerHour = d.PerHour
	}
	if l.PerDay <= 0 {
		l.PerDay = d.PerDay
	}
	return l
}

// DefaultLimits are used when the limiter is built with a zero Limits.
var DefaultLimits = Limits{PerMinute: 60, PerHour: 1000, PerDay: 10000}

// DefaultTTL is how long an idle identifier's buckets are kept.
const DefaultTTL = time.Hour

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool
	// Window is the window that rejected the request. Only meaningful when
	// Allowed is false.
	Window Window
	// Limit is the ceiling reported to the caller: the minute ceiling on
	// success, the rejecting window's ceiling on failure.
	Limit int
	// Remaining is the whole number of minute tokens left, or 0 on failure.
	Remaining int
	// Reset is when the minute bucket is full again on success, or when the
	// rejecting window regains one token on failure.
	Reset time.Time
	// RetryAfter is set on failure.
	RetryAfter time.Duration
}

// KeyIdentifier is the bucket identifier for traffic authenticated by an
// API key.
func KeyIdentifier(keyID string) string { return "api_key:" + keyID }

// IPIdentifier is the bucket identifier for traffic without a resolved key.
func IPIdentifier(addr string) string { return "ip:" + addr }

type entry struct {
	mu       sync.Mutex
	buckets  [3]bucket
	lastSeen time.Time
	dead     bool // set by Purge; a dead entry is replaced on next use
}

// Limiter owns the bucket table. Entries for different identifiers never
// contend; requests for the same identifier serialize on its entry lock.
type Limiter struct {
	defaults Limits
	ttl      time.Duration
	now      func() time.Time

	entries sync.Map // string -> *entry
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithTTL sets how long idle identifiers survive a Purge.
func WithTTL(ttl time.Duration) Option {
	return func(l *Limiter) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// New creates a Limiter. Zero fields of defaults take DefaultLimits.
func New(defaults Limits, opts ...Option) *Limiter {
	l := &Limiter{
		defaults: defaults.withDefaults(DefaultLimits),
		ttl:      DefaultTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Defaults returns the global ceilings.
func (l *Limiter) Defaults() Limits { return l.defaults }

// Allow refills the identifier's buckets and tries to take one token from
// each window in order minute, hour, day. The first window without a token
// rejects the request. Tokens already taken from earlier windows in the
// same call are not returned.
func (l *Limiter) Allow(id string, limits Limits) Decision {
	limits = limits.withDefaults(l.defaults)
	now := l.now()

	for {
		e := l.load(id, limits, now)
		e.mu.Lock()
		if e.dead {
			// Lost a race with Purge; retry with a fresh entry.
			e.mu.Unlock()
			continue
		}
		d := e.allow(limits, now)
		e.mu.Unlock()
		return d
	}
}

func (l *Limiter) load(id string, limits Limits, now time.Time) *entry {
	if v, ok := l.entries.Load(id); ok {
		return v.(*entry)
	}
	e := &entry{lastSeen: now}
	for _, w := range windows {
		e.buckets[w] = newBucket(limits.ceiling(w), w.Period(), now)
	}
	v, _ := l.entries.LoadOrStore(id, e)
	return v.(*entry)
}

func (e *entry) allow(limits Limits, now time.Time) Decision {
	e.lastSeen = now
	for _, w := range windows {
		b := &e.buckets[w]
		b.resize(limits.ceiling(w), w.Period())
		b.refill(now)
	}

	for _, w := range windows {
		b := &e.buckets[w]
		if !b.take() {
			wait := b.retryAfter()
			return Decision{
				Allowed:    false,
				Window:     w,
				Limit:      limits.ceiling(w),
				Remaining:  0,
				Reset:      now.Add(wait),
				RetryAfter: wait,
			}
		}
	}

	m := &e.buckets[Minute]
	return Decision{
		Allowed:   true,
		Limit:     limits.PerMinute,
		Remaining: int(math.Floor(m.tokens + epsilon)),
		Reset:     now.Add(m.untilFull()),
	}
}

// Purge removes identifiers idle for longer than the TTL and returns how
// many were removed.
func (l *Limiter) Purge() int {
	cutoff := l.now().Add(-l.ttl)
	removed := 0
	l.entries.Range(func(k, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if e.lastSeen.Before(cutoff) {
			e.dead = true
			l.entries.CompareAndDelete(k, v)
			removed++
		}
		e.mu.Unlock()
		return true
	})
	return removed
}

// Len returns the number of tracked identifiers.
func (l *Limiter) Len() int {
	n := 0
	l.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Reset drops all state for one identifier.
func (l *Limiter) Reset(id string) {
	if v, ok := l.entries.LoadAndDelete(id); ok {
		e := v.(*entry)
		e.mu.Lock()
		e.dead = true
		e.mu.Unlock()
	}
}
