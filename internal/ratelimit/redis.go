package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// bucketScript refills a bucket and applies one take or refund atomically.
// Keys: [bucket_key]
// Args: [capacity, refill_per_second, now_seconds, op ("take"|"refund"), ttl_seconds]
// Returns: 1 when the operation succeeded, 0 when a take was denied
var bucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
    tokens = capacity
    ts = now
end

if now > ts then
    tokens = math.min(capacity, tokens + (now - ts) * rate)
    ts = now
end
tokens = math.max(0, math.min(capacity, tokens))

local ok = 1
if ARGV[4] == 'take' then
    if tokens >= 1 then
        tokens = tokens - 1
    else
        ok = 0
    end
else
    tokens = math.min(capacity, tokens + 1)
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', tostring(ts))
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[5]))
return ok
`)

// RedisBuckets stores buckets as Redis hashes so several relay instances share quota.
// A key expires once its bucket would have refilled completely.
type RedisBuckets struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisBuckets(redisURL string) (*RedisBuckets, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return NewRedisBucketsWithClient(client), nil
}

// NewRedisBucketsWithClient shares an existing connection pool.
func NewRedisBucketsWithClient(client *redis.Client) *RedisBuckets {
	return &RedisBuckets{client: client, keyPrefix: "relay:bucket:"}
}

func (r *RedisBuckets) Take(ctx context.Context, key string, l Limit, now time.Time) (bool, error) {
	ok, err := r.run(ctx, key, l, now, "take")
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (r *RedisBuckets) Refund(ctx context.Context, key string, l Limit, now time.Time) error {
	_, err := r.run(ctx, key, l, now, "refund")
	return err
}

func (r *RedisBuckets) run(ctx context.Context, key string, l Limit, now time.Time, op string) (bool, error) {
	ttl := int64(l.FullRefill().Seconds()) + 1
	res, err := bucketScript.Run(ctx, r.client, []string{r.keyPrefix + key},
		formatFloat(l.Capacity),
		formatFloat(l.RefillPerSecond),
		formatFloat(float64(now.UnixMicro())/1e6),
		op,
		ttl,
	).Int()
	if err != nil {
		return false, fmt.Errorf("bucket script %s: %w", key, err)
	}
	return res == 1, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func (r *RedisBuckets) Close() error {
	return r.client.Close()
}
