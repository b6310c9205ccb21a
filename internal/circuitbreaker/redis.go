package circuitbreaker

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/chat-relay/internal/domain"
)

// idleTTL removes the state of a configuration nobody has used for a day, which is
// what happens to the old fingerprint after a credential change.
const idleTTL = 24 * time.Hour

// breakerScript applies one operation to a breaker hash and returns the new state.
// Keys: [breaker_key]
// Args: [op, failure_threshold, success_threshold, cooldown_seconds, ttl_seconds]
// op is one of allow, success, failure or state; state does not write.
var breakerScript = redis.NewScript(`
local op = ARGV[1]
local h = redis.call('HMGET', KEYS[1], 'state', 'failures', 'successes', 'opened_at')
local state = h[1] or 'closed'
if op == 'state' then
    return state
end

local failures = tonumber(h[2]) or 0
local successes = tonumber(h[3]) or 0
local openedAt = tonumber(h[4]) or 0
local now = tonumber(redis.call('TIME')[1])

if state == 'open' and now - openedAt >= tonumber(ARGV[4]) then
    state = 'half-open'
    successes = 0
end

if op == 'success' then
    if state == 'closed' then
        failures = 0
    elseif state == 'half-open' then
        successes = successes + 1
        if successes >= tonumber(ARGV[3]) then
            state = 'closed'
            failures = 0
            successes = 0
        end
    end
elseif op == 'failure' then
    if state == 'closed' then
        failures = failures + 1
        if failures >= tonumber(ARGV[2]) then
            state = 'open'
            openedAt = now
            failures = 0
        end
    elseif state == 'half-open' then
        state = 'open'
        openedAt = now
        successes = 0
    end
end

redis.call('HSET', KEYS[1], 'state', state, 'failures', failures, 'successes', successes, 'opened_at', openedAt)
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[5]))
return state
`)

// RedisBreaker keeps breaker state in a Redis hash so every relay instance sees the
// same provider health. When Redis is unreachable the breaker lets calls through.
type RedisBreaker struct {
	client *redis.Client
	key    string
	cfg    Config
}

func NewRedis(client *redis.Client, id ID, cfg Config) *RedisBreaker {
	return &RedisBreaker{
		client: client,
		key:    "relay:cb:" + string(id.Provider) + ":" + id.Fingerprint,
		cfg:    cfg,
	}
}

func (b *RedisBreaker) run(ctx context.Context, op string) (State, error) {
	res, err := breakerScript.Run(ctx, b.client, []string{b.key},
		op,
		b.cfg.FailureThreshold,
		b.cfg.SuccessThreshold,
		int64(b.cfg.Cooldown.Seconds()),
		int64(idleTTL.Seconds()),
	).Text()
	if err != nil {
		return StateClosed, err
	}
	return parseState(res), nil
}

func (b *RedisBreaker) Allow(ctx context.Context) error {
	st, err := b.run(ctx, "allow")
	if err != nil {
		slog.Warn("circuit breaker unavailable, allowing call", "key", b.key, "error", err)
		return nil
	}
	if st == StateOpen {
		return domain.ErrCircuitBreakerOpen
	}
	return nil
}

func (b *RedisBreaker) RecordSuccess(ctx context.Context) {
	if _, err := b.run(ctx, "success"); err != nil {
		slog.Debug("failed to record breaker success", "key", b.key, "error", err)
	}
}

func (b *RedisBreaker) RecordFailure(ctx context.Context) {
	if _, err := b.run(ctx, "failure"); err != nil {
		slog.Debug("failed to record breaker failure", "key", b.key, "error", err)
	}
}

func (b *RedisBreaker) State(ctx context.Context) State {
	st, _ := b.run(ctx, "state")
	return st
}

// Reset forgets the breaker's state.
func (b *RedisBreaker) Reset(ctx context.Context) error {
	return b.client.Del(ctx, b.key).Err()
}
