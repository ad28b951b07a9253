package core

import "time"

// Check runs one step of the Generic Cell Rate Algorithm.
//
// tat is the stored theoretical arrival time for the key; the zero time means
// no state. cost is the number of cells requested. It returns the decision and
// the TAT to persist. When the request is limited the returned TAT equals tat
// and nothing must be written, so rejected requests never consume quota.
//
// store/gcra.lua implements the same arithmetic in microseconds.
func Check(limit Limit, tat, now time.Time, cost int64) (Decision, time.Time) {
	interval := limit.EmissionInterval()
	tolerance := limit.DelayTolerance()

	base := tat
	if base.Before(now) {
		base = now
	}
	newTAT := base.Add(interval * time.Duration(cost))
	allowAt := newTAT.Add(-tolerance)

	if now.Before(allowAt) {
		remaining := int64(now.Add(tolerance).Sub(base) / interval)
		if remaining < 0 {
			remaining = 0
		}
		return Decision{
			Limited:    true,
			Remaining:  remaining,
			RetryAfter: allowAt.Sub(now),
			ResetAfter: base.Sub(now),
			Limit:      limit,
		}, tat
	}

	return Decision{
		Limited:    false,
		Remaining:  int64(now.Add(tolerance).Sub(newTAT) / interval),
		RetryAfter: 0,
		ResetAfter: newTAT.Sub(now),
		Limit:      limit,
	}, newTAT
}

// BlockedUntil returns the earliest instant a unit-cost request could be
// allowed given a stored TAT. Before that instant every request is rejected.
func BlockedUntil(limit Limit, tat time.Time) time.Time {
	return tat.Add(limit.EmissionInterval() - limit.DelayTolerance())
}

// StateTTL is how long a persisted TAT must be kept before it can no longer
// influence a decision.
func StateTTL(limit Limit) time.Duration {
	return limit.DelayTolerance() + limit.EmissionInterval()
}
