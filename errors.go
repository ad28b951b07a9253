package redisrate

import (
	"errors"

	"github.com/signalfence/redisrate/core"
)

var (
	// ErrInvalidLimit is returned when a Limit is zero or fails validation
	ErrInvalidLimit = core.ErrInvalidLimit

	// ErrInvalidKey is returned when the rate limit key is empty
	ErrInvalidKey = errors.New("rate limit key cannot be empty")

	// ErrInvalidCost is returned when AllowN is called with n < 1
	ErrInvalidCost = errors.New("cost must be at least 1")

	// ErrBackendUnavailable is returned when the store cannot be reached or
	// does not answer in time. No decision is made in that case.
	ErrBackendUnavailable = errors.New("rate limit backend unavailable")

	// ErrListenerDisconnected is returned by SyncListener.Run when the
	// invalidation subscription breaks
	ErrListenerDisconnected = errors.New("invalidation listener disconnected")

	// ErrAccelerationDisabled is returned by Listen when the limiter has no
	// cache or no broker
	ErrAccelerationDisabled = errors.New("acceleration disabled")

	// ErrInvalidConfig is returned when an option is invalid
	ErrInvalidConfig = errors.New("invalid configuration")
)
