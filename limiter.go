package redisrate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/signalfence/redisrate/cache"
	"github.com/signalfence/redisrate/core"
	"github.com/signalfence/redisrate/store"
)

// Limiter makes rate limit decisions against a shared store, answering
// known rejections from a local cache when acceleration is on.
//
// A Limiter is safe for concurrent use. Decisions for one key are
// serialized by the store only; the Limiter holds no lock across a round
// trip.
type Limiter struct {
	store    store.Store
	broker   store.Broker
	cache    *cache.Cache
	clock    clockwork.Clock
	logger   *zap.Logger
	recorder Recorder

	id         string
	channel    string
	timeout    time.Duration
	accelerate bool
}

// New creates a Limiter over st.
//
// Example:
//
//	st := store.NewRedisStore(client)
//	limiter, err := redisrate.New(st, redisrate.WithLogger(logger))
//	go limiter.Listen(ctx)
func New(st store.Store, opts ...Option) (*Limiter, error) {
	if st == nil {
		return nil, fmt.Errorf("%w: store cannot be nil", ErrInvalidConfig)
	}

	l := &Limiter{
		store:      st,
		clock:      clockwork.NewRealClock(),
		logger:     zap.NewNop(),
		recorder:   noopRecorder{},
		id:         uuid.NewString(),
		channel:    DefaultChannel,
		timeout:    DefaultTimeout,
		accelerate: true,
	}
	if b, ok := st.(store.Broker); ok {
		l.broker = b
	}

	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	switch {
	case !l.accelerate:
		l.cache = nil
	case l.cache == nil:
		l.cache = cache.New()
	}

	return l, nil
}

// ID identifies this limiter in the reset events it publishes.
func (l *Limiter) ID() string { return l.id }

// Cache returns the acceleration cache, or nil when acceleration is off.
func (l *Limiter) Cache() *cache.Cache { return l.cache }

// Allow checks one unit-cost request for key.
func (l *Limiter) Allow(ctx context.Context, key string, limit Limit) (Decision, error) {
	return l.AllowN(ctx, key, limit, 1)
}

// AllowN checks a request of cost n for key under limit.
//
// A limited Decision is not an error. An error means no decision could be
// made; it wraps ErrBackendUnavailable and the store's cause.
func (l *Limiter) AllowN(ctx context.Context, key string, limit Limit, n int64) (Decision, error) {
	if key == "" {
		return Decision{}, ErrInvalidKey
	}
	if limit.IsZero() {
		return Decision{}, fmt.Errorf("%w: zero limit", ErrInvalidLimit)
	}
	if n < 1 {
		return Decision{}, fmt.Errorf("%w: got %d", ErrInvalidCost, n)
	}

	now := l.clock.Now()

	if l.cache != nil {
		if d, ok := l.cache.Check(key, now); ok {
			// The entry holds the unit-cost deadline; a larger request
			// needs n-1 more emission intervals on top.
			extra := limit.EmissionInterval() * time.Duration(n-1)
			d.RetryAfter += extra
			if d.ResetAfter < d.RetryAfter {
				d.ResetAfter = d.RetryAfter
			}
			d.Limit = limit
			l.recorder.ObserveDecision(key, d, true)
			return d, nil
		}
	}

	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	res, err := l.store.Evaluate(ctx, key, store.Request{Limit: limit, Cost: n, Now: now})
	if err != nil {
		l.recorder.ObserveBackendError(key, err)
		l.logger.Warn("rate limit store evaluate failed",
			zap.String("key", key),
			zap.Error(err),
		)
		return Decision{}, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}

	d := res.Decision
	if l.cache != nil {
		// Dropped by the cache if a reset with a later version got there
		// first.
		l.cache.Record(key, entryFor(limit, now, d, n, res.Version))
	}
	l.recorder.ObserveDecision(key, d, false)
	return d, nil
}

// entryFor converts a store decision taken at now into a cache entry that
// holds the earliest instant a unit-cost request could pass.
func entryFor(limit Limit, now time.Time, d Decision, n int64, version int64) cache.Entry {
	var blockedUntil time.Time
	if d.Limited {
		blockedUntil = now.Add(d.RetryAfter - limit.EmissionInterval()*time.Duration(n-1))
	} else {
		blockedUntil = core.BlockedUntil(limit, now.Add(d.ResetAfter))
	}
	return cache.Entry{
		BlockedUntil: blockedUntil,
		ResetAt:      now.Add(d.ResetAfter),
		Version:      version,
	}
}

// Reset clears the stored state for key, drops the local cache entry and,
// when a broker is configured, tells every other process to drop theirs.
// The cache remembers the reset's store version so that a reply from an
// evaluation that ran before the reset but returns after it is not cached.
//
// If the store reset succeeds but publishing fails the returned error wraps
// ErrBackendUnavailable. The reset itself has taken effect; other processes
// keep rejecting from cache until their entries expire. Calling Reset again
// is safe.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	if key == "" {
		return ErrInvalidKey
	}

	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	version, err := l.store.Reset(ctx, key)
	if err != nil {
		l.recorder.ObserveBackendError(key, err)
		l.logger.Warn("rate limit store reset failed",
			zap.String("key", key),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}

	if l.cache == nil {
		return nil
	}
	l.cache.ClearBefore(key, version, l.clock.Now())

	if l.broker == nil {
		return nil
	}

	payload, err := NewResetEvent(key, version, l.id).Marshal()
	if err != nil {
		return err
	}
	if err := l.broker.Publish(ctx, l.channel, payload); err != nil {
		l.logger.Warn("publish reset event failed",
			zap.String("key", key),
			zap.String("channel", l.channel),
			zap.Error(err),
		)
		return fmt.Errorf("%w: publish reset: %w", ErrBackendUnavailable, err)
	}
	return nil
}

// Listener returns a SyncListener that keeps this limiter's cache in step
// with resets made by other processes.
func (l *Limiter) Listener() (*SyncListener, error) {
	if l.cache == nil || l.broker == nil {
		return nil, ErrAccelerationDisabled
	}
	return &SyncListener{
		broker:   l.broker,
		cache:    l.cache,
		channel:  l.channel,
		origin:   l.id,
		clock:    l.clock,
		logger:   l.logger.Named("listener"),
		recorder: l.recorder,
		ready:    make(chan struct{}),
	}, nil
}

// Listen runs a SyncListener until ctx is done or the subscription breaks.
// See SyncListener.Run for the return values.
func (l *Limiter) Listen(ctx context.Context) error {
	s, err := l.Listener()
	if err != nil {
		return err
	}
	return s.Run(ctx)
}

// StartBackgroundSweep periodically drops expired cache entries. Call the
// returned function to stop it. It is a no-op when acceleration is off.
func (l *Limiter) StartBackgroundSweep(interval time.Duration) func() {
	if l.cache == nil {
		return func() {}
	}
	return l.cache.StartBackgroundSweep(l.clock, interval)
}

func (l *Limiter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, l.timeout)
}
