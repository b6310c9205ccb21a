package ratelimit

import (
	"math/rand"
	"testing"
	"time"
)

var epoch = time.Unix(1_700_000_000, 0)

func TestTokenBucket_StartsFull(t *testing.T) {
	b := NewTokenBucket(PerMinute(3, 3), epoch)

	for i := 0; i < 3; i++ {
		if !b.TryConsume(epoch) {
			t.Fatalf("consume %d should succeed", i+1)
		}
	}
	if b.TryConsume(epoch) {
		t.Error("fourth consume without elapsed time should be denied")
	}
	if b.Tokens != 0 {
		t.Errorf("denied consume must leave tokens unchanged, got %v", b.Tokens)
	}
}

func TestTokenBucket_Refill(t *testing.T) {
	b := NewTokenBucket(PerMinute(6, 6), epoch)
	b.Tokens = 0

	b.Refill(epoch.Add(30 * time.Second))
	if b.Tokens != 3 {
		t.Errorf("expected 3 tokens after 30s at 6/min, got %v", b.Tokens)
	}

	b.Refill(epoch.Add(10 * time.Minute))
	if b.Tokens != 6 {
		t.Errorf("refill must cap at capacity, got %v", b.Tokens)
	}
}

func TestTokenBucket_RefundCapped(t *testing.T) {
	b := NewTokenBucket(PerMinute(2, 2), epoch)

	b.Refund(epoch)
	if b.Tokens != 2 {
		t.Errorf("refund on a full bucket must not exceed capacity, got %v", b.Tokens)
	}

	b.TryConsume(epoch)
	b.Refund(epoch)
	if b.Tokens != 2 {
		t.Errorf("expected 2 tokens after consume+refund, got %v", b.Tokens)
	}
}

func TestTokenBucket_Adopt(t *testing.T) {
	b := NewTokenBucket(PerMinute(10, 10), epoch)

	b.Adopt(PerMinute(4, 4), epoch)
	if b.Tokens != 4 || b.Capacity != 4 {
		t.Errorf("shrinking capacity should clamp tokens, got tokens=%v capacity=%v", b.Tokens, b.Capacity)
	}

	b.Adopt(PerMinute(8, 8), epoch)
	if b.Tokens != 4 {
		t.Errorf("growing capacity should not mint tokens, got %v", b.Tokens)
	}
}

func TestTokenBucket_NeverOutOfBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	b := NewTokenBucket(PerMinute(5, 30), epoch)
	now := epoch

	for i := 0; i < 5000; i++ {
		now = now.Add(time.Duration(rng.Intn(500)) * time.Millisecond)
		switch rng.Intn(3) {
		case 0, 1:
			b.TryConsume(now)
		case 2:
			b.Refund(now)
		}
		if b.Tokens < 0 || b.Tokens > b.Capacity {
			t.Fatalf("step %d: tokens %v outside [0, %v]", i, b.Tokens, b.Capacity)
		}
	}
}

func TestLimit_FullRefill(t *testing.T) {
	if got := PerMinute(10, 10).FullRefill(); got != time.Minute {
		t.Errorf("FullRefill() = %v, want 1m", got)
	}
	if got := (Limit{Capacity: 1}).FullRefill(); got != time.Hour {
		t.Errorf("zero rate FullRefill() = %v, want 1h", got)
	}
}
