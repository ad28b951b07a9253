package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/rueidis"
)

// RueidisStore is the rueidis flavour of RedisStore. It shares the script and
// key layout, so both can serve the same deployment side by side.
type RueidisStore struct {
	client      rueidis.Client
	script      *rueidis.Lua
	reset       *rueidis.Lua
	prefix      string
	serverClock bool
}

var (
	_ Store  = (*RueidisStore)(nil)
	_ Broker = (*RueidisStore)(nil)
)

// NewRueidisStore wraps an existing client. The client is owned by the caller.
// Accepts the same options as NewRedisStore.
func NewRueidisStore(client rueidis.Client, opts ...RedisOption) *RueidisStore {
	// Borrow the option set from RedisStore rather than duplicating it.
	var cfg RedisStore
	cfg.prefix = DefaultPrefix
	for _, opt := range opts {
		opt(&cfg)
	}
	return &RueidisStore{
		client:      client,
		script:      rueidis.NewLuaScript(gcraScript),
		reset:       rueidis.NewLuaScript(resetScript),
		prefix:      cfg.prefix,
		serverClock: cfg.serverClock,
	}
}

func (s *RueidisStore) Evaluate(ctx context.Context, key string, req Request) (Result, error) {
	msgs, err := s.script.Exec(ctx, s.client, []string{s.prefix + key}, scriptArgs(req, s.serverClock)).ToArray()
	if err != nil {
		return Result{}, fmt.Errorf("rueidis evaluate %q: %w", key, err)
	}
	vals := make([]int64, len(msgs))
	for i, m := range msgs {
		if vals[i], err = m.AsInt64(); err != nil {
			return Result{}, fmt.Errorf("rueidis evaluate %q: %w", key, err)
		}
	}
	return decodeReply(vals, req.Limit)
}

func (s *RueidisStore) Reset(ctx context.Context, key string) (int64, error) {
	version, err := s.reset.Exec(ctx, s.client, []string{s.prefix + key}, nil).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("rueidis reset %q: %w", key, err)
	}
	return version, nil
}

func (s *RueidisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	cmd := s.client.B().Publish().Channel(channel).Message(string(payload)).Build()
	return s.client.Do(ctx, cmd).Error()
}

// Subscribe takes a dedicated connection, registers pub/sub hooks on it and
// sends SUBSCRIBE. It returns once the server has confirmed the subscription,
// so messages published after Subscribe returns are delivered. The
// subscription ends when the connection drops or Close is called.
func (s *RueidisStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dc, release := s.client.Dedicate()
	sub := &rueidisSubscription{
		msgs:    make(chan []byte, 64),
		done:    make(chan struct{}),
		release: release,
	}

	confirmed := make(chan struct{})
	var confirm sync.Once
	wait := dc.SetPubSubHooks(rueidis.PubSubHooks{
		OnMessage: func(m rueidis.PubSubMessage) {
			select {
			case sub.msgs <- []byte(m.Message):
			default:
				// Full buffer: drop, delivery is at most once anyway.
			}
		},
		OnSubscription: func(ev rueidis.PubSubSubscription) {
			if ev.Kind == "subscribe" && ev.Channel == channel {
				confirm.Do(func() { close(confirmed) })
			}
		},
	})

	if err := dc.Do(ctx, dc.B().Subscribe().Channel(channel).Build()).Error(); err != nil {
		release()
		return nil, fmt.Errorf("rueidis subscribe %q: %w", channel, err)
	}

	select {
	case <-confirmed:
	case err := <-wait:
		release()
		if err == nil {
			err = ErrClosed
		}
		return nil, fmt.Errorf("rueidis subscribe %q: %w", channel, err)
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}

	go func() {
		err, ok := <-wait
		if !ok || err == nil {
			err = ErrClosed
		}
		sub.finish(err)
	}()

	return sub, nil
}

type rueidisSubscription struct {
	msgs    chan []byte
	done    chan struct{}
	release func()

	once    sync.Once
	err     error
	closing sync.Once
}

func (r *rueidisSubscription) finish(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

func (r *rueidisSubscription) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-r.msgs:
		return msg, nil
	case <-r.done:
		return nil, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close returns the dedicated connection, which ends the hooks.
func (r *rueidisSubscription) Close() error {
	r.finish(ErrClosed)
	r.closing.Do(r.release)
	return nil
}
