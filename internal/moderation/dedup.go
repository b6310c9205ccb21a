package moderation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// Deduplicator makes sure a flagged message is reported once, even when several
// relay instances see the same message.
type Deduplicator interface {
	// ShouldAlert returns true for the first caller per message id.
	ShouldAlert(ctx context.Context, messageID string) bool
}

// InMemoryDeduplicator remembers the most recent message ids of this instance.
type InMemoryDeduplicator struct {
	seen *lru.Cache[string, struct{}]
}

func NewInMemoryDeduplicator(size int) (*InMemoryDeduplicator, error) {
	if size <= 0 {
		size = 10_000
	}
	seen, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("create dedup cache: %w", err)
	}
	return &InMemoryDeduplicator{seen: seen}, nil
}

func (d *InMemoryDeduplicator) ShouldAlert(ctx context.Context, messageID string) bool {
	// ContainsOrAdd is atomic, so exactly one caller sees false
	ok, _ := d.seen.ContainsOrAdd(messageID, struct{}{})
	return !ok
}

// RedisDeduplicator shares alert state across instances.
type RedisDeduplicator struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduplicator connects to redisURL. ttl is how long a message id is
// remembered.
func NewRedisDeduplicator(redisURL string, ttl time.Duration) (*RedisDeduplicator, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewRedisDeduplicatorWithClient(client, ttl), nil
}

func NewRedisDeduplicatorWithClient(client *redis.Client, ttl time.Duration) *RedisDeduplicator {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDeduplicator{
		client: client,
		ttl:    ttl,
	}
}

func (d *RedisDeduplicator) key(messageID string) string {
	return "relay:modalert:" + messageID
}

// ShouldAlert uses SETNX, so only one instance wins. On a Redis error the alert is
// allowed (fail open).
func (d *RedisDeduplicator) ShouldAlert(ctx context.Context, messageID string) bool {
	acquired, err := d.client.SetNX(ctx, d.key(messageID), time.Now().Unix(), d.ttl).Result()
	if err != nil {
		slog.Warn("moderation dedup unavailable, alerting anyway", "message_id", messageID, "error", err)
		return true
	}
	return acquired
}

func (d *RedisDeduplicator) Close() error {
	return d.client.Close()
}
