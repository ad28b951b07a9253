package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func entry(version int64, blocked, reset time.Duration) Entry {
	return Entry{
		Version:      version,
		BlockedUntil: epoch.Add(blocked),
		ResetAt:      epoch.Add(reset),
	}
}

func TestCheck_Miss(t *testing.T) {
	c := New()
	_, ok := c.Check("nobody", epoch)
	assert.False(t, ok)
}

func TestCheck_SynthesizesRejection(t *testing.T) {
	c := New()
	c.Record("k", entry(0, 2*time.Second, 10*time.Second))

	d, ok := c.Check("k", epoch.Add(500*time.Millisecond))
	require.True(t, ok)
	assert.True(t, d.Limited)
	assert.Equal(t, int64(0), d.Remaining)
	assert.Equal(t, 1500*time.Millisecond, d.RetryAfter)
	assert.Equal(t, 9500*time.Millisecond, d.ResetAfter)
}

func TestCheck_RetryAfterDecreasesTowardDeadline(t *testing.T) {
	c := New()
	c.Record("k", entry(0, time.Second, time.Second))

	prev := time.Duration(1<<63 - 1)
	for step := time.Duration(0); step < time.Second; step += 100 * time.Millisecond {
		d, ok := c.Check("k", epoch.Add(step))
		require.True(t, ok)
		assert.Less(t, d.RetryAfter, prev)
		assert.Equal(t, epoch.Add(time.Second), epoch.Add(step).Add(d.RetryAfter))
		prev = d.RetryAfter
	}

	_, ok := c.Check("k", epoch.Add(time.Second))
	assert.False(t, ok, "entry must not answer at or after its deadline")
}

func TestCheck_ResetAfterNeverBelowRetry(t *testing.T) {
	c := New()
	c.Record("k", entry(0, 5*time.Second, time.Second))

	d, ok := c.Check("k", epoch)
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, d.ResetAfter)
}

func TestRecord_LastWriteWinsByVersion(t *testing.T) {
	tests := []struct {
		name      string
		first     Entry
		second    Entry
		wantWrite bool
		want      Entry
	}{
		{
			name:      "newer version replaces",
			first:     entry(0, 5*time.Second, 5*time.Second),
			second:    entry(1, 2*time.Second, 2*time.Second),
			wantWrite: true,
			want:      entry(1, 2*time.Second, 2*time.Second),
		},
		{
			name:      "stale version is dropped",
			first:     entry(1, 2*time.Second, 2*time.Second),
			second:    entry(0, 5*time.Second, 5*time.Second),
			wantWrite: false,
			want:      entry(1, 2*time.Second, 2*time.Second),
		},
		{
			name:      "tie keeps later deadline",
			first:     entry(0, 5*time.Second, 5*time.Second),
			second:    entry(0, 2*time.Second, 2*time.Second),
			wantWrite: false,
			want:      entry(0, 5*time.Second, 5*time.Second),
		},
		{
			name:      "tie with later deadline replaces",
			first:     entry(0, 2*time.Second, 2*time.Second),
			second:    entry(0, 5*time.Second, 5*time.Second),
			wantWrite: true,
			want:      entry(0, 5*time.Second, 5*time.Second),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New()
			require.True(t, c.Record("k", tt.first))
			assert.Equal(t, tt.wantWrite, c.Record("k", tt.second))

			got, ok := c.Get("k")
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClear(t *testing.T) {
	c := New()
	c.Record("k", entry(1, 2*time.Hour, 2*time.Hour))
	assert.True(t, c.Clear("k"))

	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
	assert.False(t, c.Clear("k"))
}

func TestClearBefore_StaleResetKeepsNewerEntry(t *testing.T) {
	c := New()
	c.Record("k", entry(7, 10*time.Second, 10*time.Second))

	// A reset the store ran before the rejection was evaluated.
	assert.False(t, c.ClearBefore("k", 6, epoch))
	_, ok := c.Check("k", epoch.Add(3*time.Second))
	assert.True(t, ok)

	// A reset at or after the evaluation clears it.
	assert.True(t, c.ClearBefore("k", 7, epoch))
	_, ok = c.Check("k", epoch.Add(3*time.Second))
	assert.False(t, ok)
	_, ok = c.Get("k")
	assert.False(t, ok)

	assert.False(t, c.ClearBefore("missing", 1, epoch))
}

// A reply from an evaluation that the store ran before a reset can reach the
// cache after the reset was applied. It must not bring the rejection back.
func TestClearBefore_DropsRepliesOlderThanReset(t *testing.T) {
	c := New()
	c.Record("k", entry(3, time.Minute, time.Minute))
	require.True(t, c.ClearBefore("k", 5, epoch))

	assert.False(t, c.Record("k", entry(4, time.Minute, time.Minute)), "evaluated before the reset")
	assert.False(t, c.Record("k", entry(5, time.Minute, time.Minute)), "same version as the reset")
	_, ok := c.Check("k", epoch.Add(time.Second))
	assert.False(t, ok)

	assert.True(t, c.Record("k", entry(6, time.Minute, time.Minute)), "evaluated after the reset")
	_, ok = c.Check("k", epoch.Add(time.Second))
	assert.True(t, ok)
}

func TestClearBefore_WithoutEntryStillRemembersReset(t *testing.T) {
	c := New()
	assert.False(t, c.ClearBefore("k", 5, epoch))
	assert.Equal(t, 1, c.Len())

	assert.False(t, c.Record("k", entry(4, time.Minute, time.Minute)))

	// An older reset arriving late does not weaken the newer one.
	assert.False(t, c.ClearBefore("k", 2, epoch))
	assert.False(t, c.Record("k", entry(3, time.Minute, time.Minute)))
}

func TestTombstoneExpires(t *testing.T) {
	c := New()
	c.ClearBefore("k", 5, epoch)

	assert.Equal(t, 0, c.Sweep(epoch.Add(TombstoneTTL-time.Second)))
	assert.Equal(t, 1, c.Sweep(epoch.Add(TombstoneTTL)))
	assert.Equal(t, 0, c.Len())

	assert.True(t, c.Record("k", entry(4, time.Minute, time.Minute)))
}

func TestSweep(t *testing.T) {
	c := New()
	c.Record("expired", entry(0, time.Second, time.Second))
	c.Record("blocked", entry(0, time.Minute, time.Minute))
	c.Record("resetting", entry(0, time.Second, time.Minute))

	removed := c.Sweep(epoch.Add(2 * time.Second))
	assert.Equal(t, 1, removed)
	assert.Equal(t, 2, c.Len())

	_, ok := c.Get("expired")
	assert.False(t, ok)
}

func TestStartBackgroundSweep(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	c := New()
	c.Record("k", entry(0, time.Second, time.Second))

	stop := c.StartBackgroundSweep(clock, time.Minute)
	defer stop()

	clock.BlockUntil(1)
	clock.Advance(time.Minute)

	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)

	stop()
	stop()
}

func TestStartBackgroundSweep_Disabled(t *testing.T) {
	stop := New().StartBackgroundSweep(clockwork.NewFakeClock(), 0)
	stop()
}

func TestConcurrentAccess(t *testing.T) {
	c := New()
	var wg sync.WaitGroup

	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("key-%d", i%20)
				at := time.Duration(g*1000+i) * time.Millisecond
				version := int64(g*1000 + i)
				c.Record(key, entry(version, at+time.Second, at+time.Second))
				c.Check(key, epoch.Add(at))
				if i%7 == 0 {
					c.ClearBefore(key, version, epoch.Add(at))
				}
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 20)
}
