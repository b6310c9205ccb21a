package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultBucketCacheSize = 100_000

type lockedBucket struct {
	mu     sync.Mutex
	bucket *TokenBucket
}

// MemoryBuckets keeps buckets in a bounded LRU. Each bucket has its own lock, so
// identities never contend with each other. An evicted bucket starts full again
// when next referenced.
type MemoryBuckets struct {
	buckets *lru.Cache[string, *lockedBucket]
}

func NewMemoryBuckets(size int) (*MemoryBuckets, error) {
	if size <= 0 {
		size = DefaultBucketCacheSize
	}
	cache, err := lru.New[string, *lockedBucket](size)
	if err != nil {
		return nil, fmt.Errorf("create bucket cache: %w", err)
	}
	return &MemoryBuckets{buckets: cache}, nil
}

func (m *MemoryBuckets) get(key string, l Limit, now time.Time) *lockedBucket {
	if b, ok := m.buckets.Get(key); ok {
		return b
	}
	fresh := &lockedBucket{bucket: NewTokenBucket(l, now)}
	if prev, ok, _ := m.buckets.PeekOrAdd(key, fresh); ok {
		return prev
	}
	return fresh
}

func (m *MemoryBuckets) Take(_ context.Context, key string, l Limit, now time.Time) (bool, error) {
	b := m.get(key, l, now)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bucket.Adopt(l, now)
	return b.bucket.TryConsume(now), nil
}

func (m *MemoryBuckets) Refund(_ context.Context, key string, l Limit, now time.Time) error {
	b := m.get(key, l, now)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bucket.Adopt(l, now)
	b.bucket.Refund(now)
	return nil
}

// Tokens reports a bucket's current level without creating it.
func (m *MemoryBuckets) Tokens(key string, now time.Time) (float64, bool) {
	b, ok := m.buckets.Peek(key)
	if !ok {
		return 0, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bucket.Refill(now)
	return b.bucket.Tokens, true
}

func (m *MemoryBuckets) Len() int {
	return m.buckets.Len()
}
