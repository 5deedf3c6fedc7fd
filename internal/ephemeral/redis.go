package ephemeral

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// slidingWindowScript implements spec §4.1's atomic check-and-consume over
// a single sorted-set key: evict entries older than the window, count
// survivors, and — only if under limit — insert the new entry. Returns
// {allowed(0/1), current, oldest_timestamp_or_-1}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window_ms)
local current = redis.call('ZCARD', key)

local allowed = 0
if current < limit then
  redis.call('ZADD', key, now, member)
  redis.call('PEXPIRE', key, window_ms + 1000)
  allowed = 1
  current = current + 1
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local oldest_ts = -1
if #oldest > 0 then
  oldest_ts = tonumber(oldest[2])
end

return {allowed, current, oldest_ts}
`)

// combinedSlidingWindowScript implements the two-key variant: both keys are
// evaluated, and only incremented together if both are currently under
// their limit (spec §4.1 "only increments either when both pass").
var combinedSlidingWindowScript = redis.NewScript(`
local tenant_key = KEYS[1]
local entity_key = KEYS[2]
local now = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local tenant_limit = tonumber(ARGV[3])
local entity_limit = tonumber(ARGV[4])
local member = ARGV[5]

redis.call('ZREMRANGEBYSCORE', tenant_key, '-inf', now - window_ms)
redis.call('ZREMRANGEBYSCORE', entity_key, '-inf', now - window_ms)

local tenant_current = redis.call('ZCARD', tenant_key)
local entity_current = redis.call('ZCARD', entity_key)

local tenant_ok = tenant_current < tenant_limit
local entity_ok = entity_current < entity_limit

local blocked = ""
if not tenant_ok then blocked = "tenant" end
if not entity_ok and blocked == "" then blocked = "entity" end

local allowed = 0
if tenant_ok and entity_ok then
  redis.call('ZADD', tenant_key, now, member)
  redis.call('PEXPIRE', tenant_key, window_ms + 1000)
  redis.call('ZADD', entity_key, now, member)
  redis.call('PEXPIRE', entity_key, window_ms + 1000)
  allowed = 1
  tenant_current = tenant_current + 1
  entity_current = entity_current + 1
end

return {allowed, blocked, tenant_current, entity_current}
`)

// setNXScript is a plain SET NX PX — Redis already makes this atomic, this
// wrapper exists only to keep the call surface uniform with CompareAndDelete
// below.
var setNXScript = redis.NewScript(`
return redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2])
`)

// compareAndDeleteScript deletes a key only if its value matches, giving
// the distributed lock's release a safe "only the holder may release"
// semantics without a separate GET+DEL race.
var compareAndDeleteScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
else
  return 0
end
`)

// RedisStore is the production Store backed by go-redis/v8, matching the
// teacher's cache/rate-limit packages' use of redis.Client with Lua EVAL
// scripts for compound atomic operations.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an already-configured *redis.Client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) CheckAndConsumeSlidingWindow(ctx context.Context, key string, window time.Duration, limit int, now time.Time) (SlidingWindowResult, error) {
	member := uuid.NewString()
	res, err := slidingWindowScript.Run(ctx, s.client, []string{key},
		now.UnixMilli(), window.Milliseconds(), limit, member).Result()
	if err != nil {
		return SlidingWindowResult{}, fmt.Errorf("ephemeral: sliding window script: %w", err)
	}
	values := res.([]interface{})
	allowed := values[0].(int64) == 1
	current := int(values[1].(int64))
	oldestMs := values[2].(int64)

	resetInS := int(window.Seconds())
	if oldestMs >= 0 {
		oldest := time.UnixMilli(oldestMs)
		remaining := window - now.Sub(oldest)
		if remaining > 0 {
			resetInS = int(remaining.Seconds()) + 1
		} else {
			resetInS = 0
		}
	}

	return SlidingWindowResult{
		Allowed:  allowed,
		Current:  current,
		Limit:    limit,
		ResetInS: resetInS,
	}, nil
}

func (s *RedisStore) CheckAndConsumeCombined(ctx context.Context, tenantKey, entityKey string, window time.Duration, tenantLimit, entityLimit int, now time.Time) (bool, string, SlidingWindowResult, SlidingWindowResult, error) {
	member := uuid.NewString()
	res, err := combinedSlidingWindowScript.Run(ctx, s.client, []string{tenantKey, entityKey},
		now.UnixMilli(), window.Milliseconds(), tenantLimit, entityLimit, member).Result()
	if err != nil {
		return false, "", SlidingWindowResult{}, SlidingWindowResult{}, fmt.Errorf("ephemeral: combined sliding window script: %w", err)
	}
	values := res.([]interface{})
	allowed := values[0].(int64) == 1
	blocked := ""
	switch scope, _ := values[1].(string); scope {
	case "tenant":
		blocked = tenantKey
	case "entity":
		blocked = entityKey
	}
	tenantCurrent := int(values[2].(int64))
	entityCurrent := int(values[3].(int64))

	tenantResult := SlidingWindowResult{Allowed: allowed, Current: tenantCurrent, Limit: tenantLimit, ResetInS: int(window.Seconds())}
	entityResult := SlidingWindowResult{Allowed: allowed, Current: entityCurrent, Limit: entityLimit, ResetInS: int(window.Seconds())}
	return allowed, blocked, tenantResult, entityResult, nil
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	res, err := setNXScript.Run(ctx, s.client, []string{key}, value, ttl.Milliseconds()).Result()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, fmt.Errorf("ephemeral: setnx: %w", err)
	}
	_, ok := res.(string)
	return ok, nil
}

func (s *RedisStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	res, err := compareAndDeleteScript.Run(ctx, s.client, []string{key}, expected).Result()
	if err != nil {
		return false, fmt.Errorf("ephemeral: compare-and-delete: %w", err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("ephemeral: get %s: %w", key, err)
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("ephemeral: set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("ephemeral: delete %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) ZAddTimestamp(ctx context.Context, key, member string, score float64, ttl time.Duration) error {
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, &redis.Z{Score: score, Member: member})
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ephemeral: zadd %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	members, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: fmt.Sprintf("%f", min),
		Max: fmt.Sprintf("%f", max),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("ephemeral: zrangebyscore %s: %w", key, err)
	}
	return members, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
