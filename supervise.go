package redisrate

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Backoff controls how Supervise waits between restarts.
type Backoff struct {
	Initial time.Duration // first wait; default 100ms
	Max     time.Duration // cap; default 30s
	Clock   clockwork.Clock
}

func (b Backoff) withDefaults() Backoff {
	if b.Initial <= 0 {
		b.Initial = 100 * time.Millisecond
	}
	if b.Max <= 0 {
		b.Max = 30 * time.Second
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.Clock == nil {
		b.Clock = clockwork.NewRealClock()
	}
	return b
}

// Supervise calls run until ctx is done, restarting it with exponential
// backoff whenever it returns an error. It returns nil once ctx is done or
// run returns nil.
//
// Typical use keeps a limiter's listener alive:
//
//	go redisrate.Supervise(ctx, limiter.Listen, redisrate.Backoff{}, logger)
func Supervise(ctx context.Context, run func(context.Context) error, backoff Backoff, logger *zap.Logger) error {
	b := backoff.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	delay := b.Initial
	for {
		err := run(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}

		logger.Warn("restarting after failure", zap.Error(err), zap.Duration("backoff", delay))

		timer := b.Clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.Chan():
		}

		delay *= 2
		if delay > b.Max {
			delay = b.Max
		}
	}
}
