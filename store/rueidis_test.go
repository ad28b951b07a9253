package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/rueidis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalfence/redisrate/core"
)

func newTestRueidis(t *testing.T) (*miniredis.Miniredis, *RueidisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  []string{mr.Addr()},
		DisableCache: true,
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return mr, NewRueidisStore(client)
}

func TestRueidisStore_Drain(t *testing.T) {
	_, s := newTestRueidis(t)
	ctx := context.Background()
	limit := core.MustLimit(2, 4, time.Second)

	for want := int64(3); want >= 0; want-- {
		d, err := s.Evaluate(ctx, "k", Request{Limit: limit, Cost: 1, Now: epoch})
		require.NoError(t, err)
		assert.False(t, d.Limited)
		assert.Equal(t, want, d.Remaining)
	}

	d, err := s.Evaluate(ctx, "k", Request{Limit: limit, Cost: 1, Now: epoch})
	require.NoError(t, err)
	assert.True(t, d.Limited)
	assert.Equal(t, 500*time.Millisecond, d.RetryAfter)
}

// Both clients run the same script against the same key layout.
func TestRueidisStore_SharesStateWithRedisStore(t *testing.T) {
	mr, rs := newTestRueidis(t)
	ctx := context.Background()
	limit := core.PerMinute(2)

	_, err := rs.Evaluate(ctx, "shared", Request{Limit: limit, Cost: 1, Now: epoch})
	require.NoError(t, err)
	assert.True(t, mr.Exists(DefaultPrefix+"shared"))

	_, gs := newTestRedisAt(t, mr)
	d, err := gs.Evaluate(ctx, "shared", Request{Limit: limit, Cost: 1, Now: epoch})
	require.NoError(t, err)
	assert.False(t, d.Limited)
	assert.Equal(t, int64(0), d.Remaining)

	d, err = rs.Evaluate(ctx, "shared", Request{Limit: limit, Cost: 1, Now: epoch})
	require.NoError(t, err)
	assert.True(t, d.Limited)
}

func TestRueidisStore_Reset(t *testing.T) {
	mr, s := newTestRueidis(t)
	ctx := context.Background()

	_, err := s.Evaluate(ctx, "k", Request{Limit: core.PerMinute(1), Cost: 1, Now: epoch})
	require.NoError(t, err)
	require.True(t, mr.Exists(DefaultPrefix+"k"))

	mr.SetTime(epoch)
	version, err := s.Reset(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, epoch.UnixMicro(), version)
	assert.False(t, mr.Exists(DefaultPrefix+"k"))
}

// A message published right after Subscribe returns must arrive: the
// subscription is confirmed by the server before Subscribe returns.
func TestRueidisStore_SubscribeIsLive(t *testing.T) {
	mr, s := newTestRueidis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sub, err := s.Subscribe(ctx, "redis_rate_channel")
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, 1, mr.PubSubNumSub("redis_rate_channel")["redis_rate_channel"])
	assert.Equal(t, 1, mr.Publish("redis_rate_channel", `{"limit_key":"k"}`))

	msg, err := sub.Receive(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"limit_key":"k"}`, string(msg))

	require.NoError(t, sub.Close())
	_, err = sub.Receive(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRueidisStore_SubscribeCanceled(t *testing.T) {
	_, s := newTestRueidis(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Subscribe(ctx, "redis_rate_channel")
	assert.ErrorIs(t, err, context.Canceled)
}
