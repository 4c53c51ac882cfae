package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuongbtq/convo-transfer/internal/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisLimiter_RejectsAfterMax(t *testing.T) {
	_, client := newTestRedis(t)
	clock := testutil.NewFakeClock(windowStart)
	limiter := NewRedisLimiter(client, "test", Config{Scope: ScopeIP, Max: 3, Window: 15 * time.Minute}).WithClock(clock.Now)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := limiter.Admit(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i+1)
		assert.Equal(t, 3-(i+1), d.Remaining)
	}

	clock.Advance(time.Minute)
	d, err := limiter.Admit(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 3, d.Limit)
	assert.Equal(t, 14*time.Minute, d.RetryAfter)
}

func TestRedisLimiter_WindowResets(t *testing.T) {
	_, client := newTestRedis(t)
	clock := testutil.NewFakeClock(windowStart)
	limiter := NewRedisLimiter(client, "test", Config{Scope: ScopeUser, Max: 2, Window: time.Minute}).WithClock(clock.Now)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := limiter.Admit(ctx, "u1")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := limiter.Admit(ctx, "u1")
	require.NoError(t, err)
	require.False(t, d.Allowed)

	clock.Advance(time.Minute)
	d, err = limiter.Admit(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)
}

func TestRedisLimiter_KeysExpire(t *testing.T) {
	mr, client := newTestRedis(t)
	limiter := NewRedisLimiter(client, "test", Config{Scope: ScopeUser, Max: 5, Window: time.Minute})

	_, err := limiter.Admit(context.Background(), "")
	require.NoError(t, err)

	key := "test:user:" + NullKey
	assert.True(t, mr.Exists(key))
	assert.Equal(t, time.Minute, mr.TTL(key))

	mr.FastForward(time.Minute + time.Second)
	assert.False(t, mr.Exists(key))
}

func TestRedisLimiter_ConcurrentAdmitsAreExact(t *testing.T) {
	_, client := newTestRedis(t)
	limiter := NewRedisLimiter(client, "test", Config{Scope: ScopeIP, Max: 20, Window: time.Hour})
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		allowed atomic.Int64
	)
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := limiter.Admit(ctx, "shared")
			if err == nil && d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(20), allowed.Load())
}

func TestRedisLimiter_BackendError(t *testing.T) {
	mr, client := newTestRedis(t)
	limiter := NewRedisLimiter(client, "test", Config{Scope: ScopeIP, Max: 1, Window: time.Minute})
	mr.Close()

	_, err := limiter.Admit(context.Background(), "10.0.0.1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit script")
}
