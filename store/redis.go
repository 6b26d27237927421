package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript runs the whole refill-compare-consume sequence server-side so
// concurrent callers on any number of client instances observe linearizable
// decisions. Timestamps are unix milliseconds supplied by the caller; the
// script never reads the Redis clock so decisions replay identically.
const takeScript = `
local state_key = KEYS[1]
local block_key = KEYS[2]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

if redis.call("EXISTS", block_key) == 1 then
	local current = redis.call("HGET", state_key, "tokens")
	if not current then
		current = tostring(capacity)
	end
	return {0, current, tostring(now), 1}
end

local entry = redis.call("HMGET", state_key, "tokens", "lastRefillAt")
local tokens = tonumber(entry[1])
local last = tonumber(entry[2])
if tokens == nil or last == nil then
	tokens = capacity
	last = now
end

local elapsed = (now - last) / 1000.0
if elapsed > 0 then
	tokens = tokens + elapsed * rate
end
if tokens > capacity then
	tokens = capacity
end

local allowed = 0
if tokens >= cost then
	tokens = tokens - cost
	allowed = 1
end

redis.call("HSET", state_key, "tokens", tostring(tokens), "lastRefillAt", tostring(now))
if ttl > 0 then
	redis.call("EXPIRE", state_key, ttl)
end
return {allowed, tostring(tokens), tostring(now), 0}
`

// adjustScript refills and then applies a signed delta: capped above at
// capacity, no floor below (penalties may push the balance negative).
const adjustScript = `
local state_key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local delta = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local entry = redis.call("HMGET", state_key, "tokens", "lastRefillAt")
local tokens = tonumber(entry[1])
local last = tonumber(entry[2])
if tokens == nil or last == nil then
	tokens = capacity
	last = now
end

local elapsed = (now - last) / 1000.0
if elapsed > 0 then
	tokens = tokens + elapsed * rate
end
if tokens > capacity then
	tokens = capacity
end

local before = tokens
tokens = tokens + delta
if tokens > capacity then
	tokens = capacity
end

redis.call("HSET", state_key, "tokens", tostring(tokens), "lastRefillAt", tostring(now))
if ttl > 0 then
	redis.call("EXPIRE", state_key, ttl)
end
return {tostring(before), tostring(tokens)}
`

// RedisStore implements Store on a Redis client. The client is injected so
// callers keep control of pooling, timeouts and retries; any Redis error,
// including a timeout, surfaces to the caller unchanged.
type RedisStore struct {
	client *redis.Client
	take   *redis.Script
	adjust *redis.Script
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps an existing go-redis client. Scripts are registered
// lazily via EVALSHA with an EVAL fallback, so a Redis restart that clears
// the script cache heals itself.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		take:   redis.NewScript(takeScript),
		adjust: redis.NewScript(adjustScript),
	}
}

func (s *RedisStore) TakeTokens(ctx context.Context, stateKey, blockKey string, capacity, refillRate, cost float64, now time.Time, ttl time.Duration) (TakeResult, error) {
	res, err := s.take.Run(ctx, s.client, []string{stateKey, blockKey},
		formatFloat(capacity),
		formatFloat(refillRate),
		formatFloat(cost),
		now.UnixMilli(),
		ttlSeconds(ttl),
	).Result()
	if err != nil {
		return TakeResult{}, err
	}

	values, ok := res.([]interface{})
	if !ok || len(values) != 4 {
		return TakeResult{}, fmt.Errorf("unexpected take script reply: %v", res)
	}
	return TakeResult{
		Allowed: replyInt(values[0]) == 1,
		Tokens:  replyFloat(values[1]),
		Now:     time.UnixMilli(int64(replyFloat(values[2]))),
		Blocked: replyInt(values[3]) == 1,
	}, nil
}

func (s *RedisStore) AdjustTokens(ctx context.Context, stateKey string, capacity, refillRate, delta float64, now time.Time, ttl time.Duration) (AdjustResult, error) {
	res, err := s.adjust.Run(ctx, s.client, []string{stateKey},
		formatFloat(capacity),
		formatFloat(refillRate),
		formatFloat(delta),
		now.UnixMilli(),
		ttlSeconds(ttl),
	).Result()
	if err != nil {
		return AdjustResult{}, err
	}

	values, ok := res.([]interface{})
	if !ok || len(values) != 2 {
		return AdjustResult{}, fmt.Errorf("unexpected adjust script reply: %v", res)
	}
	return AdjustResult{
		Before: replyFloat(values[0]),
		After:  replyFloat(values[1]),
	}, nil
}

func (s *RedisStore) ReadState(ctx context.Context, key string) (map[string]string, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return fields, nil
}

func (s *RedisStore) WriteState(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, values)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return s.client.Del(ctx, keys...).Result()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func ttlSeconds(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	secs := int64(ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// replyFloat converts a Lua script reply element. Redis returns Lua numbers
// as integers, so floats travel as strings.
func replyFloat(v interface{}) float64 {
	switch val := v.(type) {
	case int64:
		return float64(val)
	case float64:
		return val
	case string:
		f, _ := strconv.ParseFloat(val, 64)
		return f
	default:
		return 0
	}
}

func replyInt(v interface{}) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case string:
		n, _ := strconv.ParseInt(val, 10, 64)
		return n
	default:
		return 0
	}
}
