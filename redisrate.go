package redisrate

import (
	"time"

	"github.com/signalfence/redisrate/core"
)

// Re-export the core value types so most callers only import this package.
type (
	Limit    = core.Limit
	Decision = core.Decision
)

// NewLimit validates rate, burst and period and builds a Limit.
func NewLimit(rate, burst int64, period time.Duration) (Limit, error) {
	return core.NewLimit(rate, burst, period)
}

// MustLimit is like NewLimit but panics on invalid input.
func MustLimit(rate, burst int64, period time.Duration) Limit {
	return core.MustLimit(rate, burst, period)
}

var (
	PerSecond = core.PerSecond
	PerMinute = core.PerMinute
	PerHour   = core.PerHour
)
