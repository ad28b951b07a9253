package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalfence/redisrate/core"
)

func newTestRedis(t *testing.T, opts ...RedisOption) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	return newTestRedisAt(t, miniredis.RunT(t), opts...)
}

func newTestRedisAt(t *testing.T, mr *miniredis.Miniredis, opts ...RedisOption) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisStore(client, opts...)
}

func TestRedisStore_Drain(t *testing.T) {
	_, s := newTestRedis(t)
	ctx := context.Background()
	limit := core.PerSecond(5)

	for want := int64(4); want >= 0; want-- {
		d, err := s.Evaluate(ctx, "user:1", Request{Limit: limit, Cost: 1, Now: epoch})
		require.NoError(t, err)
		assert.False(t, d.Limited)
		assert.Equal(t, want, d.Remaining)
		assert.Equal(t, limit, d.Limit)
	}

	d, err := s.Evaluate(ctx, "user:1", Request{Limit: limit, Cost: 1, Now: epoch})
	require.NoError(t, err)
	assert.True(t, d.Limited)
	assert.Equal(t, int64(0), d.Remaining)
	assert.Equal(t, 200*time.Millisecond, d.RetryAfter)
	assert.Equal(t, time.Second, d.ResetAfter)
}

// The script and core.Check must agree step for step.
func TestRedisStore_MatchesCore(t *testing.T) {
	_, s := newTestRedis(t)
	ctx := context.Background()
	limit := core.MustLimit(3, 6, 9*time.Second)

	steps := []struct {
		offset time.Duration
		cost   int64
	}{
		{0, 2}, {0, 3}, {0, 2}, {time.Second, 1}, {3 * time.Second, 1},
		{3 * time.Second, 4}, {10 * time.Second, 6}, {10 * time.Second, 1},
	}

	var tat time.Time
	for i, step := range steps {
		now := epoch.Add(step.offset)
		want, next := core.Check(limit, tat, now, step.cost)
		tat = next

		got, err := s.Evaluate(ctx, "k", Request{Limit: limit, Cost: step.cost, Now: now})
		require.NoError(t, err)
		assert.Equal(t, want, got.Decision, "step %d", i)
	}
}

func TestRedisStore_RejectionsAreFree(t *testing.T) {
	mr, s := newTestRedis(t)
	ctx := context.Background()
	limit := core.PerMinute(1)

	_, err := s.Evaluate(ctx, "k", Request{Limit: limit, Cost: 1, Now: epoch})
	require.NoError(t, err)
	stored, err := mr.Get(DefaultPrefix + "k")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		d, err := s.Evaluate(ctx, "k", Request{Limit: limit, Cost: 1, Now: epoch})
		require.NoError(t, err)
		assert.True(t, d.Limited)
		assert.Equal(t, time.Minute, d.RetryAfter)
	}

	after, err := mr.Get(DefaultPrefix + "k")
	require.NoError(t, err)
	assert.Equal(t, stored, after)
}

func TestRedisStore_StateTTL(t *testing.T) {
	mr, s := newTestRedis(t)
	limit := core.PerSecond(5)

	_, err := s.Evaluate(context.Background(), "k", Request{Limit: limit, Cost: 1, Now: epoch})
	require.NoError(t, err)

	// dvt (1s) + ei (200ms), rounded up to ms plus one.
	assert.Equal(t, 1201*time.Millisecond, mr.TTL(DefaultPrefix+"k"))

	mr.FastForward(1201 * time.Millisecond)
	assert.False(t, mr.Exists(DefaultPrefix+"k"))
}

func TestRedisStore_Prefix(t *testing.T) {
	mr, s := newTestRedis(t, WithPrefix("app:"))

	_, err := s.Evaluate(context.Background(), "k", Request{Limit: core.PerSecond(1), Cost: 1, Now: epoch})
	require.NoError(t, err)

	assert.True(t, mr.Exists("app:k"))
	assert.False(t, mr.Exists(DefaultPrefix+"k"))
}

func TestRedisStore_ServerClock(t *testing.T) {
	mr, s := newTestRedis(t, WithServerClock())
	mr.SetTime(epoch)
	ctx := context.Background()
	limit := core.PerSecond(1)

	// The caller's clock is ignored in server clock mode.
	d, err := s.Evaluate(ctx, "k", Request{Limit: limit, Cost: 1, Now: epoch.Add(time.Hour)})
	require.NoError(t, err)
	assert.False(t, d.Limited)

	d, err = s.Evaluate(ctx, "k", Request{Limit: limit, Cost: 1, Now: epoch.Add(2 * time.Hour)})
	require.NoError(t, err)
	assert.True(t, d.Limited)
	assert.Equal(t, time.Second, d.RetryAfter)

	mr.SetTime(epoch.Add(time.Second))
	d, err = s.Evaluate(ctx, "k", Request{Limit: limit, Cost: 1})
	require.NoError(t, err)
	assert.False(t, d.Limited)
}

func TestRedisStore_Reset(t *testing.T) {
	mr, s := newTestRedis(t)
	ctx := context.Background()
	limit := core.PerMinute(1)

	_, err := s.Evaluate(ctx, "k", Request{Limit: limit, Cost: 1, Now: epoch})
	require.NoError(t, err)

	_, err = s.Reset(ctx, "k")
	require.NoError(t, err)
	assert.False(t, mr.Exists(DefaultPrefix+"k"))

	d, err := s.Evaluate(ctx, "k", Request{Limit: limit, Cost: 1, Now: epoch})
	require.NoError(t, err)
	assert.False(t, d.Limited)
}

// Versions are read from the server clock whatever clock the caller uses, so
// every process orders evaluations and resets the same way.
func TestRedisStore_VersionsFromServerClock(t *testing.T) {
	mr, s := newTestRedis(t)
	ctx := context.Background()
	limit := core.PerMinute(1)

	mr.SetTime(epoch)
	res, err := s.Evaluate(ctx, "k", Request{Limit: limit, Cost: 1, Now: epoch.Add(-time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, epoch.UnixMicro(), res.Version)

	mr.SetTime(epoch.Add(time.Second))
	version, err := s.Reset(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(time.Second).UnixMicro(), version)

	mr.SetTime(epoch.Add(2 * time.Second))
	res, err = s.Evaluate(ctx, "k", Request{Limit: limit, Cost: 1, Now: epoch.Add(time.Hour)})
	require.NoError(t, err)
	assert.Greater(t, res.Version, version)
}

// Both scripts read TIME and then write, which older servers only accept
// with effects replication turned on.
func TestScripts_ReplicateEffects(t *testing.T) {
	for name, src := range map[string]string{"gcra": gcraScript, "reset": resetScript} {
		t.Run(name, func(t *testing.T) {
			guard := strings.Index(src, "if redis.replicate_commands then")
			require.GreaterOrEqual(t, guard, 0)
			assert.Contains(t, src, "pcall(redis.replicate_commands)")
			assert.Less(t, guard, strings.Index(src, `redis.call("TIME")`))
		})
	}
}

func TestRedisStore_Unavailable(t *testing.T) {
	mr, s := newTestRedis(t)
	mr.Close()

	_, err := s.Evaluate(context.Background(), "k", Request{Limit: core.PerSecond(1), Cost: 1, Now: epoch})
	assert.Error(t, err)
	assert.Error(t, s.Ping(context.Background()))
}

func TestRedisStore_PubSub(t *testing.T) {
	_, s := newTestRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sub, err := s.Subscribe(ctx, "redis_rate_channel")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, s.Publish(ctx, "redis_rate_channel", []byte(`{"limit_key":"k"}`)))

	msg, err := sub.Receive(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"limit_key":"k"}`, string(msg))

	require.NoError(t, sub.Close())
	_, err = sub.Receive(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}
