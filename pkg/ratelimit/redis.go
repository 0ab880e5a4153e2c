package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript runs the bucket atomically in Redis.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = current unix time (fractional seconds)
// Returns {allowed, retry_after_seconds}.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
local retry = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
else
    retry = math.ceil((1 - tokens) / rate)
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 300)

return {allowed, retry}
`)

// Redis is a limiter shared across replicas through a Redis instance.
type Redis struct {
	client *redis.Client
	cfg    Config
	prefix string
}

// NewRedis builds a Redis-backed limiter.
func NewRedis(client *redis.Client, cfg Config, prefix string) *Redis {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if prefix == "" {
		prefix = "butler:ratelimit"
	}
	return &Redis{client: client, cfg: cfg, prefix: prefix}
}

// Allow runs the bucket script for the key.
func (r *Redis) Allow(ctx context.Context, key string) (Decision, error) {
	now := float64(time.Now().UnixMicro()) / 1e6
	res, err := tokenBucketScript.Run(ctx, r.client,
		[]string{r.prefix + ":" + key},
		float64(r.cfg.perSecond()), r.cfg.Burst, now).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis script: %w", err)
	}

	vals, ok := res.([]any)
	if !ok || len(vals) != 2 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script result %T", res)
	}
	allowed, _ := vals[0].(int64)
	retry, _ := vals[1].(int64)
	return Decision{
		Allowed:    allowed == 1,
		RetryAfter: time.Duration(retry) * time.Second,
	}, nil
}
