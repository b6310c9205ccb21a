package ratelimit

import (
	"math"
	"time"
)

// Limit is the shape of one bucket: how many tokens it holds and how fast they return.
type Limit struct {
	Capacity        float64
	RefillPerSecond float64
}

// PerMinute builds a Limit holding capacity tokens that refills perMinute tokens a minute.
func PerMinute(capacity int, perMinute float64) Limit {
	return Limit{Capacity: float64(capacity), RefillPerSecond: perMinute / 60}
}

// FullRefill is how long an empty bucket takes to fill up again.
func (l Limit) FullRefill() time.Duration {
	if l.RefillPerSecond <= 0 {
		return time.Hour
	}
	return time.Duration(math.Ceil(l.Capacity/l.RefillPerSecond)) * time.Second
}

// TokenBucket holds between 0 and Capacity tokens. It refills lazily on every access.
// It is not safe for concurrent use; stores guard each bucket with its own lock.
type TokenBucket struct {
	Capacity        float64
	RefillPerSecond float64
	Tokens          float64
	LastRefill      time.Time
}

// NewTokenBucket returns a full bucket.
func NewTokenBucket(l Limit, now time.Time) *TokenBucket {
	return &TokenBucket{
		Capacity:        l.Capacity,
		RefillPerSecond: l.RefillPerSecond,
		Tokens:          l.Capacity,
		LastRefill:      now,
	}
}

func (b *TokenBucket) Refill(now time.Time) {
	elapsed := now.Sub(b.LastRefill).Seconds()
	if elapsed > 0 {
		b.Tokens = math.Min(b.Capacity, b.Tokens+elapsed*b.RefillPerSecond)
		b.LastRefill = now
	}
}

// TryConsume takes one token if at least one is available. A denied call leaves
// the token count unchanged.
func (b *TokenBucket) TryConsume(now time.Time) bool {
	b.Refill(now)
	if b.Tokens >= 1 {
		b.Tokens--
		return true
	}
	return false
}

// Refund gives back one token, never going above capacity.
func (b *TokenBucket) Refund(now time.Time) {
	b.Refill(now)
	b.Tokens = math.Min(b.Capacity, b.Tokens+1)
}

// Adopt switches the bucket to a new limit. Tokens earned under the old rate are
// credited first, then clamped to the new capacity.
func (b *TokenBucket) Adopt(l Limit, now time.Time) {
	if b.Capacity == l.Capacity && b.RefillPerSecond == l.RefillPerSecond {
		return
	}
	b.Refill(now)
	b.Capacity = l.Capacity
	b.RefillPerSecond = l.RefillPerSecond
	b.Tokens = math.Max(0, math.Min(b.Capacity, b.Tokens))
}
