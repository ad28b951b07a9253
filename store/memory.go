package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/signalfence/redisrate/core"
)

// MemoryStore keeps GCRA state in process memory. It gives the same per-key
// atomicity as the Redis script, but only within one process: use it for
// tests and single-instance deployments.
type MemoryStore struct {
	entries sync.Map // map[string]*memoryEntry
	calls   atomic.Int64
	version atomic.Int64
}

// Ensure MemoryStore implements Store interface
var _ Store = (*MemoryStore)(nil)

type memoryEntry struct {
	mu      sync.Mutex
	tat     time.Time
	expires time.Time
	dead    bool // removed from the map; reload before use
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// lock returns the live entry for key with its mutex held.
func (s *MemoryStore) lock(key string) *memoryEntry {
	for {
		val, _ := s.entries.LoadOrStore(key, &memoryEntry{})
		e := val.(*memoryEntry)
		e.mu.Lock()
		if !e.dead {
			return e
		}
		e.mu.Unlock()
	}
}

// Evaluate runs one GCRA step for key. Calls for the same key serialize on
// that key's mutex; other keys are unaffected. Versions come from a counter
// shared by every key, taken under the key's mutex.
func (s *MemoryStore) Evaluate(ctx context.Context, key string, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	s.calls.Add(1)

	e := s.lock(key)
	defer e.mu.Unlock()
	version := s.version.Add(1)

	tat := e.tat
	if !e.expires.IsZero() && !req.Now.Before(e.expires) {
		tat = time.Time{}
	}

	decision, newTAT := core.Check(req.Limit, tat, req.Now, req.Cost)
	if !decision.Limited {
		e.tat = newTAT
		e.expires = req.Now.Add(core.StateTTL(req.Limit))
	}
	return Result{Decision: decision, Version: version}, nil
}

// Reset clears the state for key. It takes the key's mutex even when there
// is no state so that its version is ordered after every evaluation that
// already ran.
func (s *MemoryStore) Reset(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.calls.Add(1)

	e := s.lock(key)
	defer e.mu.Unlock()
	e.tat = time.Time{}
	e.expires = time.Time{}
	return s.version.Add(1), nil
}

// Cleanup removes entries whose state expired at or before now and returns
// how many were removed.
func (s *MemoryStore) Cleanup(now time.Time) int {
	removed := 0
	s.entries.Range(func(key, value interface{}) bool {
		e := value.(*memoryEntry)
		e.mu.Lock()
		if e.tat.IsZero() || (!e.expires.IsZero() && !now.Before(e.expires)) {
			e.dead = true
			s.entries.Delete(key)
			removed++
		}
		e.mu.Unlock()
		return true
	})
	return removed
}

// Count returns the number of keys currently held.
func (s *MemoryStore) Count() int {
	n := 0
	s.entries.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// StartBackgroundCleanup runs Cleanup every interval on clock until the
// returned function is called. A zero interval disables cleanup.
func (s *MemoryStore) StartBackgroundCleanup(clock clockwork.Clock, interval time.Duration) func() {
	if interval <= 0 {
		return func() {}
	}

	ticker := clock.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.Chan():
				s.Cleanup(clock.Now())
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
	}
}

// Calls returns how many Evaluate and Reset calls reached the store.
func (s *MemoryStore) Calls() int64 {
	return s.calls.Load()
}

// MemoryBroker delivers messages to in-process subscribers. Each subscriber
// has a bounded buffer; when it is full the message is dropped for that
// subscriber, matching the at-most-once contract of Redis pub/sub.
type MemoryBroker struct {
	mu   sync.Mutex
	subs map[string]map[*memorySubscription]struct{}
}

// Ensure MemoryBroker implements Broker interface
var _ Broker = (*MemoryBroker)(nil)

// NewMemoryBroker constructs an in-memory broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[*memorySubscription]struct{})}
}

// Subscribe registers a subscriber on channel.
func (b *MemoryBroker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &memorySubscription{
		broker:  b,
		channel: channel,
		msgs:    make(chan []byte, 64),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*memorySubscription]struct{})
	}
	b.subs[channel][sub] = struct{}{}
	b.mu.Unlock()

	return sub, nil
}

// Publish delivers payload to current subscribers of channel.
func (b *MemoryBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs[channel] {
		data := make([]byte, len(payload))
		copy(data, payload)
		select {
		case sub.msgs <- data:
		default:
		}
	}
	return nil
}

// Disconnect drops every subscriber with err, as a transport failure would.
func (b *MemoryBroker) Disconnect(err error) {
	b.mu.Lock()
	var all []*memorySubscription
	for _, subs := range b.subs {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	b.subs = make(map[string]map[*memorySubscription]struct{})
	b.mu.Unlock()

	for _, sub := range all {
		sub.finish(err)
	}
}

// Subscribers returns the number of live subscribers on channel.
func (b *MemoryBroker) Subscribers(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channel])
}

func (b *MemoryBroker) remove(sub *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[sub.channel]
	delete(subs, sub)
	if len(subs) == 0 {
		delete(b.subs, sub.channel)
	}
}

type memorySubscription struct {
	broker  *MemoryBroker
	channel string
	msgs    chan []byte
	done    chan struct{}

	once sync.Once
	err  error
}

func (s *memorySubscription) finish(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

func (s *memorySubscription) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-s.msgs:
		return msg, nil
	case <-s.done:
		return nil, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *memorySubscription) Close() error {
	s.broker.remove(s)
	s.finish(ErrClosed)
	return nil
}
