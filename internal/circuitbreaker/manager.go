package circuitbreaker

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/chat-relay/internal/provider"
)

// Manager hands out one breaker per provider configuration.
type Manager struct {
	mu         sync.Mutex
	cfg        Config
	breakers   map[ID]Breaker
	newBreaker func(ID) Breaker
}

type ManagerOption func(*Manager)

// WithRedisClient shares breaker state through Redis.
func WithRedisClient(client *redis.Client) ManagerOption {
	return func(m *Manager) {
		m.newBreaker = func(id ID) Breaker {
			return NewRedis(client, id, m.cfg)
		}
	}
}

func NewManager(cfg Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:      cfg,
		breakers: make(map[ID]Breaker),
		newBreaker: func(ID) Breaker {
			return NewMemory(cfg)
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// For returns the breaker of d's configuration, creating it closed on first use.
func (m *Manager) For(d provider.Descriptor) Breaker {
	id := IDFor(d)

	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[id]; ok {
		return b
	}
	b := m.newBreaker(id)
	m.breakers[id] = b
	return b
}

// Retain forgets every breaker not in ids. Calls still holding a dropped breaker
// keep using it until they finish.
func (m *Manager) Retain(ids []ID) {
	keep := make(map[ID]bool, len(ids))
	for _, id := range ids {
		keep[id] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.breakers {
		if !keep[id] {
			delete(m.breakers, id)
		}
	}
}

// States reports the state of each provider's current breaker.
func (m *Manager) States() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx := context.Background()
	states := make(map[string]string, len(m.breakers))
	for id, b := range m.breakers {
		states[string(id.Provider)] = b.State(ctx).String()
	}
	return states
}
