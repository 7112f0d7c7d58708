package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// takeWindowSlotLua trims, counts, and conditionally records in one atomic
// step. Stale members leave via the score-range trim and the key TTL.
const takeWindowSlotLua = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
local count = redis.call("ZCARD", key)
if count < limit then
	redis.call("ZADD", key, now, member)
	redis.call("PEXPIRE", key, window)
	return {1, count + 1}
end
return {0, count}
`

// takeTokenLua is the lazy-refill token bucket: load, refill by elapsed
// time, consume when at least one token is available.
const takeTokenLua = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local entry = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = capacity
local last_refill = now
if entry[1] then
	tokens = tonumber(entry[1])
	last_refill = tonumber(entry[2])
end

local elapsed = now - last_refill
if elapsed > 0 then
	tokens = tokens + elapsed * rate
end
if tokens > capacity then
	tokens = capacity
end

local allowed = 0
if tokens >= 1 then
	tokens = tokens - 1
	allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "last_refill", now)
local ttl = math.ceil((capacity / rate) * 2)
if ttl < 10 then
	ttl = 10
end
redis.call("EXPIRE", key, ttl)

return {allowed, tostring(tokens)}
`

// RedisStore implements a distributed rate limit store using Redis.
// Both algorithms run as pre-compiled Lua scripts for atomicity: the
// sliding window as a sorted set keyed by event time, the bucket as a
// small hash with lazy refill.
type RedisStore struct {
	client     *redis.Client
	takeWindow *redis.Script
	takeToken  *redis.Script
}

// NewRedisStore creates a Redis-backed rate limit store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:     client,
		takeWindow: redis.NewScript(takeWindowSlotLua),
		takeToken:  redis.NewScript(takeTokenLua),
	}
}

// TakeWindowSlot implements Store.
func (s *RedisStore) TakeWindowSlot(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (int, bool, error) {
	member := strconv.FormatInt(now.UnixNano(), 10) + ":" + uuid.NewString()
	res, err := s.takeWindow.Run(ctx, s.client, []string{key},
		now.UnixMilli(), window.Milliseconds(), limit, member).Result()
	if err != nil {
		return 0, false, fmt.Errorf("window slot: %w", err)
	}
	allowed, count, err := decodeWindowReply(res)
	if err != nil {
		return 0, false, fmt.Errorf("window slot: %w", err)
	}
	return count, allowed, nil
}

// TakeToken implements Store.
func (s *RedisStore) TakeToken(ctx context.Context, key string, now time.Time, capacity, refillPerSec float64) (bool, float64, error) {
	nowSec := float64(now.UnixNano()) / 1e9
	res, err := s.takeToken.Run(ctx, s.client, []string{key}, capacity, refillPerSec, nowSec).Result()
	if err != nil {
		return false, 0, fmt.Errorf("take token: %w", err)
	}
	allowed, tokens, err := decodeTokenReply(res)
	if err != nil {
		return false, 0, fmt.Errorf("take token: %w", err)
	}
	return allowed, tokens, nil
}

// decodeWindowReply parses the {allowed, count} pair from takeWindowSlotLua.
// Replies are validated rather than asserted so a non-conforming proxy or
// cluster response fails closed instead of panicking.
func decodeWindowReply(res interface{}) (bool, int, error) {
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("unexpected reply %v", res)
	}
	flag, ok := arr[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected allowed flag %v", arr[0])
	}
	count, ok := arr[1].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected count %v", arr[1])
	}
	return flag == 1, int(count), nil
}

// decodeTokenReply parses the {allowed, tokens} pair from takeTokenLua.
func decodeTokenReply(res interface{}) (bool, float64, error) {
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("unexpected reply %v", res)
	}
	flag, ok := arr[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected allowed flag %v", arr[0])
	}
	tokensStr, ok := arr[1].(string)
	if !ok {
		return false, 0, fmt.Errorf("unexpected token level %v", arr[1])
	}
	tokens, err := strconv.ParseFloat(tokensStr, 64)
	if err != nil {
		return false, 0, fmt.Errorf("unexpected token level %q: %w", tokensStr, err)
	}
	return flag == 1, tokens, nil
}

// WindowCount implements Store.
func (s *RedisStore) WindowCount(ctx context.Context, key string, now time.Time, window time.Duration) (int, error) {
	cutoff := strconv.FormatInt(now.UnixMilli()-window.Milliseconds(), 10)
	if err := s.client.ZRemRangeByScore(ctx, key, "-inf", cutoff).Err(); err != nil {
		return 0, fmt.Errorf("window trim: %w", err)
	}
	n, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("window count: %w", err)
	}
	return int(n), nil
}

// BucketTokens implements Store. The level is computed client-side from the
// stored state without consuming.
func (s *RedisStore) BucketTokens(ctx context.Context, key string, now time.Time, capacity, refillPerSec float64) (float64, error) {
	entry, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("bucket state: %w", err)
	}
	if len(entry) == 0 {
		return capacity, nil
	}
	tokens, _ := strconv.ParseFloat(entry["tokens"], 64)
	lastRefill, _ := strconv.ParseFloat(entry["last_refill"], 64)

	elapsed := float64(now.UnixNano())/1e9 - lastRefill
	if elapsed > 0 {
		tokens += elapsed * refillPerSec
	}
	if tokens > capacity {
		tokens = capacity
	}
	return tokens, nil
}

// Reset removes the given keys.
func (s *RedisStore) Reset(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("reset rate limit keys: %w", err)
	}
	return nil
}

// Close releases the client connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
