package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/felipepmaragno/chat-relay/internal/domain"
)

// MemoryBreaker keeps its state in process. Each relay instance trips on its own.
type MemoryBreaker struct {
	mu        sync.Mutex
	cfg       Config
	now       func() time.Time
	state     State
	failures  int
	successes int
	openedAt  time.Time
}

func NewMemory(cfg Config) *MemoryBreaker {
	return &MemoryBreaker{cfg: cfg, now: time.Now}
}

// Allow moves an open breaker to half-open once the cooldown has passed.
func (b *MemoryBreaker) Allow(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return domain.ErrCircuitBreakerOpen
		}
		b.state = StateHalfOpen
		b.successes = 0
	}
	return nil
}

func (b *MemoryBreaker) RecordSuccess(context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
		}
	}
}

func (b *MemoryBreaker) RecordFailure(context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	case StateHalfOpen:
		b.trip()
	}
}

func (b *MemoryBreaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.failures = 0
	b.successes = 0
}

func (b *MemoryBreaker) State(context.Context) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures is the count of consecutive failures while closed.
func (b *MemoryBreaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
