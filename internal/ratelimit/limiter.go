// Package ratelimit gates user-originated requests with two token buckets, one per
// user and one per guild. Buckets live in memory (single instance) or in Redis
// (shared across instances).
package ratelimit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/felipepmaragno/chat-relay/internal/domain"
)

const (
	ReasonDisabled = "Rate limiting is disabled."
	ReasonGuild    = "Guild rate limit exceeded. Please wait a moment."
	ReasonUser     = "User rate limit exceeded. Please wait a moment."
	ReasonAllowed  = "Allowed."
)

type Scope string

const (
	ScopeNone  Scope = ""
	ScopeGuild Scope = "guild"
	ScopeUser  Scope = "user"
)

// Decision is the outcome of a check. A denial is a normal result, not an error.
type Decision struct {
	Allowed bool
	Reason  string
	Scope   Scope
}

// Settings configures both scopes. A zero refill rate means the bucket refills its
// full capacity once a minute.
type Settings struct {
	Enabled              bool    `json:"enabled" yaml:"enabled"`
	UserLimit            int     `json:"user_limit" yaml:"user_limit"`
	GuildLimit           int     `json:"guild_limit" yaml:"guild_limit"`
	UserRefillPerMinute  float64 `json:"user_refill_per_minute,omitempty" yaml:"user_refill_per_minute"`
	GuildRefillPerMinute float64 `json:"guild_refill_per_minute,omitempty" yaml:"guild_refill_per_minute"`
}

func DefaultSettings() Settings {
	return Settings{
		Enabled:    true,
		UserLimit:  5,
		GuildLimit: 20,
	}
}

func (s Settings) Validate() error {
	if s.UserLimit < 1 || s.GuildLimit < 1 {
		return fmt.Errorf("%w: rate limits must be at least 1 (user=%d guild=%d)",
			domain.ErrInvalidSettings, s.UserLimit, s.GuildLimit)
	}
	if s.UserRefillPerMinute < 0 || s.GuildRefillPerMinute < 0 {
		return fmt.Errorf("%w: refill rates must not be negative", domain.ErrInvalidSettings)
	}
	return nil
}

func (s Settings) UserBucket() Limit {
	return PerMinute(s.UserLimit, orDefault(s.UserRefillPerMinute, s.UserLimit))
}

func (s Settings) GuildBucket() Limit {
	return PerMinute(s.GuildLimit, orDefault(s.GuildRefillPerMinute, s.GuildLimit))
}

func orDefault(rate float64, limit int) float64 {
	if rate > 0 {
		return rate
	}
	return float64(limit)
}

// BucketStore owns the buckets. Take and Refund must be atomic per key; different
// keys must not contend.
type BucketStore interface {
	Take(ctx context.Context, key string, l Limit, now time.Time) (bool, error)
	Refund(ctx context.Context, key string, l Limit, now time.Time) error
}

type Limiter struct {
	buckets  BucketStore
	settings atomic.Pointer[Settings]
	now      func() time.Time
}

type Option func(*Limiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

func NewLimiter(buckets BucketStore, s Settings, opts ...Option) *Limiter {
	l := &Limiter{
		buckets: buckets,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.Configure(s)
	return l
}

// Configure publishes new settings. Existing buckets pick up the new limits the next
// time they are touched.
func (l *Limiter) Configure(s Settings) {
	l.settings.Store(&s)
}

func (l *Limiter) Settings() Settings {
	return *l.settings.Load()
}

// CheckAndConsume checks the guild bucket, then the user bucket. When the user is
// denied after the guild token was taken, that token is given back so the rejected
// request costs the guild nothing.
func (l *Limiter) CheckAndConsume(ctx context.Context, userID, guildID string) (Decision, error) {
	return l.CheckWith(ctx, *l.settings.Load(), userID, guildID)
}

// CheckWith is CheckAndConsume under the given settings instead of the published ones,
// for callers that pin a whole configuration epoch per request.
func (l *Limiter) CheckWith(ctx context.Context, s Settings, userID, guildID string) (Decision, error) {
	if !s.Enabled {
		return Decision{Allowed: true, Reason: ReasonDisabled}, nil
	}

	now := l.now()
	guildKey, guildLimit := "guild:"+guildID, s.GuildBucket()

	if guildID != "" {
		ok, err := l.buckets.Take(ctx, guildKey, guildLimit, now)
		if err != nil {
			return Decision{}, fmt.Errorf("guild bucket: %w", err)
		}
		if !ok {
			return Decision{Reason: ReasonGuild, Scope: ScopeGuild}, nil
		}
	}

	if userID != "" {
		ok, err := l.buckets.Take(ctx, "user:"+userID, s.UserBucket(), now)
		if err != nil {
			return Decision{}, fmt.Errorf("user bucket: %w", err)
		}
		if !ok {
			if guildID != "" {
				if err := l.buckets.Refund(ctx, guildKey, guildLimit, now); err != nil {
					return Decision{}, fmt.Errorf("refund guild bucket: %w", err)
				}
			}
			return Decision{Reason: ReasonUser, Scope: ScopeUser}, nil
		}
	}

	return Decision{Allowed: true, Reason: ReasonAllowed}, nil
}
