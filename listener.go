package redisrate

import (
	"context"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/signalfence/redisrate/cache"
	"github.com/signalfence/redisrate/store"
)

// SyncListener applies reset events from other processes to a local cache.
// Build one with Limiter.Listener.
type SyncListener struct {
	broker   store.Broker
	cache    *cache.Cache
	channel  string
	origin   string
	clock    clockwork.Clock
	logger   *zap.Logger
	recorder Recorder

	readyOnce sync.Once
	ready     chan struct{}
}

// Ready is closed once the broker has confirmed the first subscription.
// Events published before that are not seen.
func (s *SyncListener) Ready() <-chan struct{} { return s.ready }

// Run subscribes and processes events until ctx is done, in which case it
// returns nil, or until the subscription fails, in which case it returns an
// error wrapping ErrListenerDisconnected. Run never reconnects on its own;
// see Supervise.
func (s *SyncListener) Run(ctx context.Context) error {
	sub, err := s.broker.Subscribe(ctx, s.channel)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%w: subscribe %q: %w", ErrListenerDisconnected, s.channel, err)
	}
	defer sub.Close()

	s.logger.Debug("subscribed", zap.String("channel", s.channel))
	s.readyOnce.Do(func() { close(s.ready) })

	for {
		payload, err := sub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: %w", ErrListenerDisconnected, err)
		}
		s.handle(payload)
	}
}

func (s *SyncListener) handle(payload []byte) {
	event, err := ParseEvent(payload)
	if err != nil {
		s.logger.Warn("dropping invalid event", zap.ByteString("payload", payload), zap.Error(err))
		return
	}

	if event.Origin != "" && event.Origin == s.origin {
		return
	}
	if event.Type != EventReset {
		s.logger.Debug("ignoring event", zap.String("event", event.Type), zap.String("key", event.Key))
		return
	}

	var cleared bool
	if event.Version > 0 {
		cleared = s.cache.ClearBefore(event.Key, event.Version, s.clock.Now())
	} else {
		cleared = s.cache.Clear(event.Key)
	}
	s.logger.Debug("reset event",
		zap.String("key", event.Key),
		zap.String("origin", event.Origin),
		zap.Int64("version", event.Version),
		zap.Bool("cleared", cleared),
	)
	if cleared {
		s.recorder.ObserveInvalidation(event.Key)
	}
}
