package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

var (
	gcra       = redis.NewScript(gcraScript)
	resetState = redis.NewScript(resetScript)
)

// RedisStore keeps GCRA state in Redis and doubles as the invalidation
// broker through Redis pub/sub.
type RedisStore struct {
	client      redis.UniversalClient
	prefix      string
	serverClock bool
}

// Ensure RedisStore implements Store and Broker
var (
	_ Store  = (*RedisStore)(nil)
	_ Broker = (*RedisStore)(nil)
)

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithPrefix sets the key prefix (default "redis_rate:").
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// WithServerClock makes the script read Redis TIME instead of trusting the
// caller's clock, so processes with skewed clocks agree on "now".
func WithServerClock() RedisOption {
	return func(s *RedisStore) { s.serverClock = true }
}

// RedisConfig for creating a Redis store from connection settings
type RedisConfig struct {
	Addr     string // Redis address (e.g., "localhost:6379")
	Password string // Redis password (empty for no auth)
	DB       int    // Redis database number
}

// NewRedisStore wraps an existing client. The client is owned by the caller.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DialRedis creates a client from config and wraps it.
func DialRedis(config RedisConfig, opts ...RedisOption) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	return NewRedisStore(client, opts...)
}

// Evaluate runs the GCRA script. Run uses EVALSHA and falls back to EVAL when
// the script cache is cold.
func (s *RedisStore) Evaluate(ctx context.Context, key string, req Request) (Result, error) {
	vals, err := gcra.Run(ctx, s.client, []string{s.prefix + key}, toAny(scriptArgs(req, s.serverClock))...).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("redis evaluate %q: %w", key, err)
	}
	return decodeReply(vals, req.Limit)
}

// Reset deletes the key's state. The returned version is the server clock
// in microseconds when the delete ran.
func (s *RedisStore) Reset(ctx context.Context, key string) (int64, error) {
	version, err := resetState.Run(ctx, s.client, []string{s.prefix + key}).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis reset %q: %w", key, err)
	}
	return version, nil
}

// Publish sends payload on channel.
func (s *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	return s.client.Publish(ctx, channel, payload).Err()
}

// Subscribe opens a dedicated pub/sub connection on channel. It waits for the
// subscription confirmation so that a returned Subscription is live.
func (s *RedisStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := s.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %q: %w", channel, err)
	}
	return &redisSubscription{ps: ps}, nil
}

// Ping checks if Redis connection is alive
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

type redisSubscription struct {
	ps *redis.PubSub
}

// Receive returns the next message payload. go-redis reconnects the pub/sub
// connection on its own after an error, but the error is still surfaced so
// that the caller learns messages may have been lost.
func (r *redisSubscription) Receive(ctx context.Context) ([]byte, error) {
	msg, err := r.ps.ReceiveMessage(ctx)
	if err != nil {
		if errors.Is(err, redis.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	return []byte(msg.Payload), nil
}

func (r *redisSubscription) Close() error {
	return r.ps.Close()
}

func toAny(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
