package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Each key is a sorted set of members scored by hit time in milliseconds.
// The script prunes, checks and inserts across all keys in one atomic step.
//
// Returns {allowed, blocked_index (1-based, 0 if none), count, oldest_ms}.
var acquireScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

for i, key in ipairs(KEYS) do
  redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
  local count = redis.call('ZCARD', key)
  if count >= limit then
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    return {0, i, count, tonumber(oldest[2])}
  end
end

local max = 0
for _, key in ipairs(KEYS) do
  redis.call('ZADD', key, now, member)
  redis.call('PEXPIRE', key, window)
  local count = redis.call('ZCARD', key)
  if count > max then max = count end
end
return {1, 0, max, 0}
`)

var windowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local count = redis.call('ZCARD', KEYS[1])
if count == 0 then return {0, 0} end
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
return {count, tonumber(oldest[2])}
`)

// RedisStore is the shared CounterStore used in deployment.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) Acquire(ctx context.Context, keys []string, member string, now time.Time, window time.Duration, limit int) (Decision, error) {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.prefix + k
	}
	res, err := acquireScript.Run(ctx, r.client, full,
		now.UnixMilli(), window.Milliseconds(), limit, member).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit acquire: %w", err)
	}
	if len(res) != 4 {
		return Decision{}, fmt.Errorf("rate limit acquire: unexpected reply %v", res)
	}
	d := Decision{Allowed: res[0] == 1, Blocked: int(res[1]) - 1, Count: int(res[2])}
	if !d.Allowed {
		d.Oldest = time.UnixMilli(res[3])
	}
	return d, nil
}

func (r *RedisStore) Add(ctx context.Context, key, member string, now time.Time, window time.Duration) error {
	k := r.prefix + key
	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, k, "-inf", fmt.Sprint(now.Add(-window).UnixMilli()))
	pipe.ZAdd(ctx, k, redis.Z{Score: float64(now.UnixMilli()), Member: member})
	pipe.PExpire(ctx, k, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rate limit add: %w", err)
	}
	return nil
}

func (r *RedisStore) Window(ctx context.Context, key string, now time.Time, window time.Duration) (int, time.Time, error) {
	res, err := windowScript.Run(ctx, r.client, []string{r.prefix + key},
		now.UnixMilli(), window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("rate limit window: %w", err)
	}
	if len(res) != 2 || res[0] == 0 {
		return 0, time.Time{}, nil
	}
	return int(res[0]), time.UnixMilli(res[1]), nil
}
