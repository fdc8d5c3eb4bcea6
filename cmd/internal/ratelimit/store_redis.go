package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrementWindowLua atomically performs read -> reset-or-increment on a counter hash.
// KEYS[1] = counter key
// ARGV[1] = limit
// ARGV[2] = window expiry (unix ms)
// ARGV[3] = now (unix ms)
//
// Returns {count, limit, expires_at_ms}.
var incrementWindowLua = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'count', 'limit', 'expires_at')
local now = tonumber(ARGV[3])

if (not cur[1]) or (not cur[3]) or tonumber(cur[3]) <= now then
  redis.call('HSET', KEYS[1], 'count', 1, 'limit', ARGV[1], 'expires_at', ARGV[2])
  redis.call('PEXPIREAT', KEYS[1], ARGV[2])
  return {1, tonumber(ARGV[1]), tonumber(ARGV[2])}
end

local n = redis.call('HINCRBY', KEYS[1], 'count', 1)
return {n, tonumber(cur[2]), tonumber(cur[3])}
`)

// RedisStore keeps counters as Redis hashes that expire with their window.
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewRedisStore constructs a RedisStore. An empty prefix defaults to "wlrl".
func NewRedisStore(client redis.UniversalClient, prefix string) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("ratelimit: nil redis client")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "wlrl"
	}
	return &RedisStore{redis: client, prefix: prefix}, nil
}

// Increment implements CounterStore.
func (s *RedisStore) Increment(ctx context.Context, key string, limit int, expiresAt, now time.Time) (Counter, error) {
	if key == "" {
		return Counter{}, errors.New("ratelimit: empty key")
	}

	res, err := incrementWindowLua.Run(ctx, s.redis,
		[]string{s.prefix + ":" + key},
		limit, expiresAt.UnixMilli(), now.UnixMilli(),
	).Int64Slice()
	if err != nil {
		return Counter{}, fmt.Errorf("redis increment: %w", err)
	}
	if len(res) != 3 {
		return Counter{}, fmt.Errorf("redis increment: unexpected reply length %d", len(res))
	}

	return Counter{
		Key:       key,
		Count:     int(res[0]),
		Limit:     int(res[1]),
		ExpiresAt: time.UnixMilli(res[2]).UTC(),
	}, nil
}
