package admission

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript performs read, refill, compare and write for one key in
// a single server-side step. Stored timestamps never move backwards, so a
// gateway with a lagging clock cannot mint tokens.
//
// KEYS[1] bucket key
// ARGV[1] capacity, ARGV[2] refill per second, ARGV[3] now (ms), ARGV[4] ttl (ms)
var tokenBucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = capacity
  ts = now
end
if now < ts then
  now = ts
end

tokens = math.min(capacity, tokens + ((now - ts) / 1000) * rate)
local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', tostring(now))
redis.call('PEXPIRE', KEYS[1], ttl)
return allowed
`)

// RedisStore is the shared token bucket, correct across any number of
// gateway instances pointing at the same server.
type RedisStore struct {
	client redis.UniversalClient
	limits Limits
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStore wraps client. Keys are "<prefix>:<identity>" and expire one
// refill window (plus a second) after their last use.
func NewRedisStore(client redis.UniversalClient, l Limits, prefix string, now func() time.Time) *RedisStore {
	if now == nil {
		now = time.Now
	}
	return &RedisStore{
		client: client,
		limits: l,
		prefix: prefix,
		ttl:    l.Window() + time.Second,
		now:    now,
	}
}

// DialRedis parses a redis:// URL and returns a client. It does not connect.
func DialRedis(rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Ping checks the server is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return classify(err)
	}
	return nil
}

// CheckAndConsume implements Store.
func (s *RedisStore) CheckAndConsume(ctx context.Context, key string) (bool, error) {
	res, err := tokenBucketScript.Run(ctx, s.client,
		[]string{s.prefix + ":" + key},
		strconv.FormatFloat(s.limits.Capacity, 'f', -1, 64),
		strconv.FormatFloat(s.limits.RefillRate, 'f', -1, 64),
		s.now().UnixMilli(),
		s.ttl.Milliseconds(),
	).Int64()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			// The caller gave up; says nothing about the store.
			return false, ctxErr
		}
		return false, classify(err)
	}
	return res == 1, nil
}

// Close releases the client.
func (s *RedisStore) Close() error { return s.client.Close() }

// classify separates server replies (the store answered with an error)
// from transport failures, which are wrapped in ErrUnavailable.
func classify(err error) error {
	var rerr redis.Error
	if errors.As(err, &rerr) {
		return fmt.Errorf("redis: %w", err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
