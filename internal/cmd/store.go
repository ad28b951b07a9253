package cmd

import (
	"context"
	"fmt"

	"github.com/redis/rueidis"

	"github.com/signalfence/redisrate/config"
	"github.com/signalfence/redisrate/store"
)

// backend is an opened store with its connection lifecycle.
type backend struct {
	store store.Store
	ping  func(ctx context.Context) error
	close func()
}

// openBackend connects to Redis with the client named in cfg and checks
// the connection.
func openBackend(ctx context.Context, cfg config.RedisConfig, opts []store.RedisOption) (*backend, error) {
	var b *backend

	switch cfg.Client {
	case config.ClientRueidis:
		client, err := rueidis.NewClient(rueidis.ClientOption{
			InitAddress:  []string{cfg.Addr},
			Password:     cfg.Password,
			SelectDB:     cfg.DB,
			DisableCache: true,
		})
		if err != nil {
			return nil, fmt.Errorf("rueidis connect %s: %w", cfg.Addr, err)
		}
		b = &backend{
			store: store.NewRueidisStore(client, opts...),
			ping: func(ctx context.Context) error {
				return client.Do(ctx, client.B().Ping().Build()).Error()
			},
			close: client.Close,
		}

	default:
		rs := store.DialRedis(store.RedisConfig{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}, opts...)
		b = &backend{
			store: rs,
			ping:  rs.Ping,
			close: func() { _ = rs.Close() },
		}
	}

	if err := b.ping(ctx); err != nil {
		b.close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return b, nil
}
