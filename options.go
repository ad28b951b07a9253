package redisrate

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/signalfence/redisrate/cache"
	"github.com/signalfence/redisrate/store"
)

const (
	// DefaultChannel is the pub/sub channel reset events are published on.
	DefaultChannel = "redis_rate_channel"

	// DefaultTimeout bounds each store call.
	DefaultTimeout = time.Second
)

// Option is a functional option for configuring a Limiter.
type Option func(*Limiter) error

// WithClock sets the clock used for "now". Tests pass a fake clock.
func WithClock(clock clockwork.Clock) Option {
	return func(l *Limiter) error {
		if clock == nil {
			return fmt.Errorf("%w: clock cannot be nil", ErrInvalidConfig)
		}
		l.clock = clock
		return nil
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) error {
		if logger == nil {
			return fmt.Errorf("%w: logger cannot be nil", ErrInvalidConfig)
		}
		l.logger = logger
		return nil
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(l *Limiter) error {
		if r == nil {
			return fmt.Errorf("%w: recorder cannot be nil", ErrInvalidConfig)
		}
		l.recorder = r
		return nil
	}
}

// WithTimeout bounds every store call. Zero disables the limiter's own
// timeout and leaves deadlines to the caller's context.
// Default: 1 second
func WithTimeout(d time.Duration) Option {
	return func(l *Limiter) error {
		if d < 0 {
			return fmt.Errorf("%w: timeout cannot be negative", ErrInvalidConfig)
		}
		l.timeout = d
		return nil
	}
}

// WithBroker sets the invalidation broker. When the store passed to New is
// also a store.Broker (RedisStore, RueidisStore) it is used by default.
func WithBroker(b store.Broker) Option {
	return func(l *Limiter) error {
		if b == nil {
			return fmt.Errorf("%w: broker cannot be nil", ErrInvalidConfig)
		}
		l.broker = b
		return nil
	}
}

// WithChannel sets the invalidation channel.
// Default: "redis_rate_channel"
func WithChannel(channel string) Option {
	return func(l *Limiter) error {
		if channel == "" {
			return fmt.Errorf("%w: channel cannot be empty", ErrInvalidConfig)
		}
		l.channel = channel
		return nil
	}
}

// WithAcceleration turns the local rejection cache on or off.
// Default: on
func WithAcceleration(enabled bool) Option {
	return func(l *Limiter) error {
		l.accelerate = enabled
		return nil
	}
}

// WithCache supplies the acceleration cache, e.g. to share one between
// limiters in the same process. Implies WithAcceleration(true).
func WithCache(c *cache.Cache) Option {
	return func(l *Limiter) error {
		if c == nil {
			return fmt.Errorf("%w: cache cannot be nil", ErrInvalidConfig)
		}
		l.cache = c
		l.accelerate = true
		return nil
	}
}
