package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// reserveScript checks every ceiling, then applies every increment. Running
// inside Redis makes the check-then-increment atomic across gateway instances.
//
// KEYS: counter keys. ARGV: limit, increment, expire-at (ms) per key.
// Returns {1, 0, counts...} when allowed or {0, index, current} when denied.
var reserveScript = redis.NewScript(`
local n = #KEYS
for i = 1, n do
  local limit = tonumber(ARGV[(i - 1) * 3 + 1])
  local incr = tonumber(ARGV[(i - 1) * 3 + 2])
  local current = tonumber(redis.call('GET', KEYS[i]) or '0')
  local need = incr
  if need < 1 then need = 1 end
  if limit > 0 and current + need > limit then
    return {0, i, current}
  end
end
local result = {1, 0}
for i = 1, n do
  local incr = tonumber(ARGV[(i - 1) * 3 + 2])
  local expireAt = tonumber(ARGV[(i - 1) * 3 + 3])
  local value
  if incr > 0 then
    value = redis.call('INCRBY', KEYS[i], incr)
    redis.call('PEXPIREAT', KEYS[i], expireAt)
  else
    value = tonumber(redis.call('GET', KEYS[i]) or '0')
  end
  result[#result + 1] = value
end
return result
`)

// RedisStore is a CounterStore shared by every gateway instance
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an existing client
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// NewRedisClient parses a redis:// URL and verifies the connection
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

// Reserve implements CounterStore
func (s *RedisStore) Reserve(ctx context.Context, checks []Check) (*ReserveResult, error) {
	keys := make([]string, len(checks))
	args := make([]interface{}, 0, len(checks)*3)
	for i, check := range checks {
		keys[i] = check.Key
		args = append(args, check.Limit, check.Increment, check.ExpireAt.UnixMilli())
	}

	raw, err := reserveScript.Run(ctx, s.client, keys, args...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to run reserve script: %w", err)
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) < 2 {
		return nil, fmt.Errorf("unexpected reserve script result: %v", raw)
	}

	ints := make([]int64, len(values))
	for i, v := range values {
		n, ok := v.(int64)
		if !ok {
			return nil, fmt.Errorf("unexpected reserve script value at %d: %v", i, v)
		}
		ints[i] = n
	}

	if ints[0] == 0 {
		return &ReserveResult{Allowed: false, Denied: int(ints[1]) - 1, Counts: ints[2:]}, nil
	}
	return &ReserveResult{Allowed: true, Denied: -1, Counts: ints[2:]}, nil
}

// IncrBy implements CounterStore
func (s *RedisStore) IncrBy(ctx context.Context, key string, n int64, expireAt time.Time) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.IncrBy(ctx, key, n)
	pipe.PExpireAt(ctx, key, expireAt)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", key, err)
	}

	return incr.Val(), nil
}

// Get implements CounterStore
func (s *RedisStore) Get(ctx context.Context, keys ...string) ([]int64, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	raw, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read counters: %w", err)
	}

	values := make([]int64, len(keys))
	for i, v := range raw {
		str, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("counter %s holds a non-integer value: %w", keys[i], err)
		}
		values[i] = n
	}
	return values, nil
}

// Ping verifies the connection for readiness checks
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
