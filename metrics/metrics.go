// Package metrics keeps in-process counters for a redisrate.Limiter.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/signalfence/redisrate/core"
)

const (
	// TopKeys is how many keys a Snapshot lists.
	TopKeys = 10

	// MaxTrackedKeys bounds the per-key table. When it is full the least
	// recently seen quarter is dropped, so a flood of one-off keys cannot
	// grow memory without limit.
	MaxTrackedKeys = 10000
)

// Metrics tracks rate limiting statistics. It implements redisrate.Recorder.
type Metrics struct {
	totalRequests   atomic.Int64
	allowedRequests atomic.Int64
	limitedRequests atomic.Int64
	cacheHits       atomic.Int64
	backendErrors   atomic.Int64
	invalidations   atomic.Int64

	// Per-key stats
	mu          sync.RWMutex
	keyStats    map[string]*KeyStats
	maxKeys     int
	evictedKeys int64
	clock       clockwork.Clock
	startTime   time.Time
}

// KeyStats tracks statistics for a single limit key
type KeyStats struct {
	Key             string    `json:"key"`
	TotalRequests   int64     `json:"total_requests"`
	AllowedRequests int64     `json:"allowed_requests"`
	LimitedRequests int64     `json:"limited_requests"`
	CacheHits       int64     `json:"cache_hits"`
	FirstRequestAt  time.Time `json:"first_request_at"`
	LastRequestAt   time.Time `json:"last_request_at"`
}

// NewMetrics creates a new metrics tracker
func NewMetrics() *Metrics {
	return NewMetricsWithClock(clockwork.NewRealClock())
}

// NewMetricsWithClock is NewMetrics with an explicit clock.
func NewMetricsWithClock(clock clockwork.Clock) *Metrics {
	return &Metrics{
		keyStats:  make(map[string]*KeyStats),
		maxKeys:   MaxTrackedKeys,
		clock:     clock,
		startTime: clock.Now(),
	}
}

// ObserveDecision records a decision returned by the limiter.
func (m *Metrics) ObserveDecision(key string, d core.Decision, cached bool) {
	m.totalRequests.Add(1)
	if d.Limited {
		m.limitedRequests.Add(1)
	} else {
		m.allowedRequests.Add(1)
	}
	if cached {
		m.cacheHits.Add(1)
	}

	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	stats, exists := m.keyStats[key]
	if !exists {
		if len(m.keyStats) >= m.maxKeys {
			m.evictLocked()
		}
		stats = &KeyStats{Key: key, FirstRequestAt: now}
		m.keyStats[key] = stats
	}

	stats.TotalRequests++
	if d.Limited {
		stats.LimitedRequests++
	} else {
		stats.AllowedRequests++
	}
	if cached {
		stats.CacheHits++
	}
	stats.LastRequestAt = now
}

// evictLocked drops the least recently seen quarter of the per-key table,
// at least one key. m.mu must be held for writing.
func (m *Metrics) evictLocked() {
	all := make([]*KeyStats, 0, len(m.keyStats))
	for _, stats := range m.keyStats {
		all = append(all, stats)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].LastRequestAt.Equal(all[j].LastRequestAt) {
			return all[i].LastRequestAt.Before(all[j].LastRequestAt)
		}
		return all[i].Key < all[j].Key
	})

	n := len(all) / 4
	if n < 1 {
		n = 1
	}
	for _, stats := range all[:n] {
		delete(m.keyStats, stats.Key)
	}
	m.evictedKeys += int64(n)
}

// ObserveBackendError counts a failed store call.
func (m *Metrics) ObserveBackendError(string, error) {
	m.backendErrors.Add(1)
}

// ObserveInvalidation counts a cache entry cleared by a remote reset.
func (m *Metrics) ObserveInvalidation(string) {
	m.invalidations.Add(1)
}

// Snapshot returns a point-in-time copy of the metrics.
func (m *Metrics) Snapshot() *Snapshot {
	m.mu.RLock()
	topKeys := make([]KeyStats, 0, len(m.keyStats))
	for _, stats := range m.keyStats {
		topKeys = append(topKeys, *stats)
	}
	uniqueKeys := int64(len(m.keyStats))
	evictedKeys := m.evictedKeys
	m.mu.RUnlock()

	sort.Slice(topKeys, func(i, j int) bool {
		if topKeys[i].TotalRequests != topKeys[j].TotalRequests {
			return topKeys[i].TotalRequests > topKeys[j].TotalRequests
		}
		return topKeys[i].Key < topKeys[j].Key
	})
	if len(topKeys) > TopKeys {
		topKeys = topKeys[:TopKeys]
	}

	return &Snapshot{
		TotalRequests:   m.totalRequests.Load(),
		AllowedRequests: m.allowedRequests.Load(),
		LimitedRequests: m.limitedRequests.Load(),
		CacheHits:       m.cacheHits.Load(),
		BackendErrors:   m.backendErrors.Load(),
		Invalidations:   m.invalidations.Load(),
		UniqueKeys:      uniqueKeys,
		EvictedKeys:     evictedKeys,
		TopKeys:         topKeys,
		UptimeSeconds:   int64(m.clock.Since(m.startTime).Seconds()),
		StartTime:       m.startTime,
	}
}

// Snapshot represents a point-in-time view of metrics
type Snapshot struct {
	TotalRequests   int64      `json:"total_requests"`
	AllowedRequests int64      `json:"allowed_requests"`
	LimitedRequests int64      `json:"limited_requests"`
	CacheHits       int64      `json:"cache_hits"`
	BackendErrors   int64      `json:"backend_errors"`
	Invalidations   int64      `json:"invalidations"`
	UniqueKeys      int64      `json:"unique_keys"` // keys currently tracked
	EvictedKeys     int64      `json:"evicted_keys"`
	TopKeys         []KeyStats `json:"top_keys"`
	UptimeSeconds   int64      `json:"uptime_seconds"`
	StartTime       time.Time  `json:"start_time"`
}
