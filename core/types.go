package core

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidLimit is returned when a Limit cannot be constructed.
var ErrInvalidLimit = errors.New("invalid limit")

// Limit describes a rate limit policy: Rate requests per Period, with bursts
// of up to Burst requests. A Limit is immutable once built; copy it freely.
type Limit struct {
	rate   int64
	burst  int64
	period time.Duration

	emissionInterval time.Duration // period / rate
	delayTolerance   time.Duration // emissionInterval * burst
}

// NewLimit validates and builds a Limit.
//
// Burst must be at least Rate. The emission interval (period/rate) must be at
// least one microsecond, the resolution used by the shared store.
func NewLimit(rate, burst int64, period time.Duration) (Limit, error) {
	if rate <= 0 {
		return Limit{}, fmt.Errorf("%w: rate must be positive, got %d", ErrInvalidLimit, rate)
	}
	if period <= 0 {
		return Limit{}, fmt.Errorf("%w: period must be positive, got %s", ErrInvalidLimit, period)
	}
	if burst < rate {
		return Limit{}, fmt.Errorf("%w: burst (%d) must be >= rate (%d)", ErrInvalidLimit, burst, rate)
	}

	interval := period / time.Duration(rate)
	if interval < time.Microsecond {
		return Limit{}, fmt.Errorf("%w: emission interval %s is below 1µs", ErrInvalidLimit, interval)
	}

	return Limit{
		rate:             rate,
		burst:            burst,
		period:           period,
		emissionInterval: interval,
		delayTolerance:   interval * time.Duration(burst),
	}, nil
}

// MustLimit is like NewLimit but panics on invalid input. Intended for
// package-level policy variables.
func MustLimit(rate, burst int64, period time.Duration) Limit {
	l, err := NewLimit(rate, burst, period)
	if err != nil {
		panic(err)
	}
	return l
}

// PerSecond returns a limit of rate requests per second with burst == rate.
func PerSecond(rate int64) Limit { return MustLimit(rate, rate, time.Second) }

// PerMinute returns a limit of rate requests per minute with burst == rate.
func PerMinute(rate int64) Limit { return MustLimit(rate, rate, time.Minute) }

// PerHour returns a limit of rate requests per hour with burst == rate.
func PerHour(rate int64) Limit { return MustLimit(rate, rate, time.Hour) }

func (l Limit) Rate() int64                     { return l.rate }
func (l Limit) Burst() int64                    { return l.burst }
func (l Limit) Period() time.Duration           { return l.period }
func (l Limit) EmissionInterval() time.Duration { return l.emissionInterval }

// DelayTolerance is how far ahead of schedule arrivals may be absorbed.
func (l Limit) DelayTolerance() time.Duration { return l.delayTolerance }

// IsZero reports whether l is the zero Limit, which is never valid.
func (l Limit) IsZero() bool { return l.rate == 0 }

func (l Limit) String() string {
	return fmt.Sprintf("%d/%s (burst %d)", l.rate, l.period, l.burst)
}

// Decision is the outcome of a rate limit check. A limited Decision is a
// normal result, not an error.
type Decision struct {
	Limited    bool          // Whether the request was rejected
	Remaining  int64         // Requests still admissible right now
	RetryAfter time.Duration // Wait before retrying; 0 when not limited
	ResetAfter time.Duration // Time until the key is back to its initial state
	Limit      Limit         // Policy the decision was made under
}

// Allowed is the negation of Limited.
func (d Decision) Allowed() bool { return !d.Limited }
