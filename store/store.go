package store

import (
	"context"
	"errors"
	"time"

	"github.com/signalfence/redisrate/core"
)

// DefaultPrefix namespaces limiter state in the shared store.
const DefaultPrefix = "redis_rate:"

// ErrClosed is returned by a Subscription after Close, or when the broker
// drops it.
var ErrClosed = errors.New("subscription closed")

// Request is one GCRA evaluation.
type Request struct {
	Limit core.Limit
	Cost  int64     // Cells requested, at least 1
	Now   time.Time // Caller's clock; ignored by stores running on server time
}

// Result is the outcome of one Evaluate.
type Result struct {
	core.Decision

	// Version orders this evaluation against resets of the same key. It is
	// assigned by the store, so it is comparable across processes whatever
	// their local clocks say.
	Version int64
}

// Store performs the atomic GCRA read-modify-write for a key. Implementations
// must make Evaluate atomic per key with respect to every other caller of the
// same backing store, in any process, without serializing different keys.
//
// Versions returned by Evaluate and Reset for one key must not decrease in
// the order the store applied the operations.
type Store interface {
	Evaluate(ctx context.Context, key string, req Request) (Result, error)
	// Reset deletes key's state and returns the version of the deletion.
	Reset(ctx context.Context, key string) (int64, error)
}

// Broker is a fire-and-forget publish/subscribe channel. Delivery is at most
// once; subscribers must tolerate loss.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription yields messages from one channel. Receive returns an error
// when the underlying transport fails; the subscription is then unusable.
type Subscription interface {
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}
