// Package cache holds the process-local acceleration cache.
//
// The cache only ever answers "this key is certainly still limited". It never
// claims a request is allowed, so a stale or missing entry costs a round trip
// to the store, never a wrong admission.
package cache

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jonboulle/clockwork"

	"github.com/signalfence/redisrate/core"
)

const shardCount = 64

// TombstoneTTL is how long a reset is remembered after the entry it cleared.
// Evaluations that ran before the reset but whose replies arrive later than
// this are cached as if the reset had not happened.
const TombstoneTTL = time.Minute

// Entry is what the cache knows about one key.
type Entry struct {
	// BlockedUntil is the instant before which a unit-cost request for the
	// key is guaranteed to be rejected.
	BlockedUntil time.Time

	// ResetAt is when the key returns to its initial state, as last reported
	// by the store.
	ResetAt time.Time

	// Version is the store version of the evaluation that produced this
	// entry. Merges and invalidations compare on it.
	Version int64
}

// A tombstone records a reset: it has a version but no deadline, so Check
// never answers from it.
func (e Entry) tombstone() bool { return e.BlockedUntil.IsZero() }

// Cache maps limit keys to rejection deadlines. It is safe for concurrent use;
// locking is per shard so a hot key never stalls lookups for unrelated keys.
type Cache struct {
	shards [shardCount]shard
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// New returns an empty cache.
func New() *Cache {
	c := &Cache{}
	for i := range c.shards {
		c.shards[i].entries = make(map[string]Entry)
	}
	return c
}

func (c *Cache) shardFor(key string) *shard {
	return &c.shards[xxhash.Sum64String(key)%shardCount]
}

// Check returns a synthesized rejection when key is known to be limited at
// now. The second return value is false when the store must be consulted.
func (c *Cache) Check(key string, now time.Time) (core.Decision, bool) {
	s := c.shardFor(key)
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok || !now.Before(e.BlockedUntil) {
		return core.Decision{}, false
	}

	retry := e.BlockedUntil.Sub(now)
	reset := e.ResetAt.Sub(now)
	if reset < retry {
		reset = retry
	}
	return core.Decision{
		Limited:    true,
		Remaining:  0,
		RetryAfter: retry,
		ResetAfter: reset,
	}, true
}

// Record merges e into the cache. An entry with an older version than the
// one present is dropped, as is one no newer than a reset already seen; on
// equal versions the later deadline wins. It reports whether the cache
// changed.
func (c *Cache) Record(key string, e Entry) bool {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.entries[key]; ok {
		switch {
		case e.Version < cur.Version:
			return false
		case cur.tombstone() && e.Version == cur.Version:
			return false
		case e.Version == cur.Version && !e.BlockedUntil.After(cur.BlockedUntil):
			return false
		}
	}
	s.entries[key] = e
	return true
}

// Get returns the entry for key. Remembered resets are not reported.
func (c *Cache) Get(key string) (Entry, bool) {
	s := c.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok || e.tombstone() {
		return Entry{}, false
	}
	return e, true
}

// Clear removes key unconditionally, including any remembered reset. It
// reports whether a live entry was removed.
func (c *Cache) Clear(key string) bool {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.entries[key]
	delete(s.entries, key)
	return ok && !cur.tombstone()
}

// ClearBefore applies a reset with the given store version at now. An entry
// with a later version is kept: the reset says nothing about it. Otherwise
// the entry is replaced by a tombstone so that replies to evaluations older
// than the reset are dropped by Record until TombstoneTTL has passed. It
// reports whether a live entry was removed.
func (c *Cache) ClearBefore(key string, version int64, now time.Time) bool {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.entries[key]
	if ok && cur.Version > version {
		return false
	}
	s.entries[key] = Entry{ResetAt: now.Add(TombstoneTTL), Version: version}
	return ok && !cur.tombstone()
}

// Sweep drops entries whose deadline has passed, and tombstones older than
// TombstoneTTL, and returns how many were removed.
func (c *Cache) Sweep(now time.Time) int {
	removed := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for key, e := range s.entries {
			if !now.Before(e.BlockedUntil) && !now.Before(e.ResetAt) {
				delete(s.entries, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of entries, expired ones and tombstones included.
func (c *Cache) Len() int {
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// StartBackgroundSweep runs Sweep every interval until the returned function
// is called. A non-positive interval disables sweeping.
func (c *Cache) StartBackgroundSweep(clock clockwork.Clock, interval time.Duration) func() {
	if interval <= 0 {
		return func() {}
	}

	ticker := clock.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.Chan():
				c.Sweep(clock.Now())
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
