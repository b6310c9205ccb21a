// Package circuitbreaker lets the router skip a provider that keeps failing.
//
// A breaker belongs to one provider configuration, identified by the provider key
// and the descriptor fingerprint. Publishing a new credential, endpoint or model
// for a provider therefore starts it on a closed breaker.
package circuitbreaker

import (
	"context"
	"time"

	"github.com/felipepmaragno/chat-relay/internal/provider"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func parseState(s string) State {
	switch s {
	case "open":
		return StateOpen
	case "half-open":
		return StateHalfOpen
	default:
		return StateClosed
	}
}

type Config struct {
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold int
	// SuccessThreshold successes while half-open close it again.
	SuccessThreshold int
	// Cooldown is how long an open breaker rejects calls before letting one through.
	Cooldown time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
	}
}

// Breaker guards calls to one provider configuration.
type Breaker interface {
	// Allow returns domain.ErrCircuitBreakerOpen while the breaker is open.
	Allow(ctx context.Context) error
	RecordSuccess(ctx context.Context)
	RecordFailure(ctx context.Context)
	State(ctx context.Context) State
}

// ID names the breaker of one provider configuration.
type ID struct {
	Provider    provider.Key
	Fingerprint string
}

func IDFor(d provider.Descriptor) ID {
	return ID{Provider: d.Key, Fingerprint: d.Fingerprint()}
}

func (id ID) String() string {
	return string(id.Provider) + "@" + id.Fingerprint
}
