package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript trims, counts and appends in one atomic step so
// concurrent API instances share an exact window per key.
//
// KEYS[1] window key; ARGV: now ms, window ms, max, member.
// Returns {allowed, count, retry_after_ms}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= max then
  local retry = window
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  if #oldest > 0 then
    retry = tonumber(oldest[2]) + window - now
  end
  return {0, count, retry}
end

redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return {1, count + 1, 0}
`)

// RedisLimiter keeps each key's window in a sorted set scored by admission
// time in milliseconds.
type RedisLimiter struct {
	cfg    Config
	client redis.Scripter
	prefix string
	clock  func() time.Time
}

// NewRedisLimiter creates a limiter backed by Redis.
func NewRedisLimiter(client redis.Scripter, prefix string, cfg Config) *RedisLimiter {
	return &RedisLimiter{
		cfg:    cfg,
		client: client,
		prefix: prefix,
		clock:  time.Now,
	}
}

// WithClock overrides the time source.
func (l *RedisLimiter) WithClock(clock func() time.Time) *RedisLimiter {
	l.clock = clock
	return l
}

func (l *RedisLimiter) Config() Config {
	return l.cfg
}

func (l *RedisLimiter) Admit(ctx context.Context, key string) (Decision, error) {
	now := l.clock().UnixMilli()
	member := strconv.FormatInt(now, 10) + "-" + uuid.NewString()

	res, err := slidingWindowScript.Run(ctx, l.client,
		[]string{l.key(key)},
		now,
		l.cfg.Window.Milliseconds(),
		l.cfg.Max,
		member,
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}

	d := Decision{
		Allowed: res[0] == 1,
		Limit:   l.cfg.Max,
	}
	if d.Allowed {
		d.Remaining = l.cfg.Max - int(res[1])
	} else {
		d.RetryAfter = time.Duration(res[2]) * time.Millisecond
	}
	return d, nil
}

func (l *RedisLimiter) key(key string) string {
	return fmt.Sprintf("%s:%s:%s", l.prefix, l.cfg.Scope, normalizeKey(key))
}
