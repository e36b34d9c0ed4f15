package cycle_test

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/progress-engine/core"
	"github.com/warp/progress-engine/cycle"
)

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

// =============================================================================
// CALENDAR DAY POLICY
// =============================================================================

func TestResolve_CalendarDay_UsesTargetTimezone(t *testing.T) {
	// GIVEN: 2024-06-01 23:30 UTC
	// WHEN: Resolving in UTC and in Asia/Tokyo (UTC+9)
	// THEN: UTC is still June 1, Tokyo is already June 2
	instant := time.Date(2024, 6, 1, 23, 30, 0, 0, time.UTC)

	assert.Equal(t, core.CycleKey("2024-06-01"), cycle.Resolve(instant, cycle.CalendarDay(time.UTC)))
	assert.Equal(t, core.CycleKey("2024-06-02"), cycle.Resolve(instant, cycle.CalendarDay(mustLoad(t, "Asia/Tokyo"))))
}

func TestResolve_CalendarDay_NilLocationIsUTC(t *testing.T) {
	instant := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, core.CycleKey("2024-01-31"), cycle.Resolve(instant, cycle.Policy{Kind: cycle.PolicyCalendarDay}))
}

// =============================================================================
// ROLLOVER POLICY
// =============================================================================

func TestResolve_Rollover_BeforeHourIsPreviousDay(t *testing.T) {
	p := cycle.RolloverAt(6, time.UTC)

	tests := []struct {
		name    string
		instant time.Time
		want    core.CycleKey
	}{
		{"midnight", time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC), "2024-06-01"},
		{"just before rollover", time.Date(2024, 6, 2, 5, 59, 59, 0, time.UTC), "2024-06-01"},
		{"at rollover", time.Date(2024, 6, 2, 6, 0, 0, 0, time.UTC), "2024-06-02"},
		{"evening", time.Date(2024, 6, 2, 22, 0, 0, 0, time.UTC), "2024-06-02"},
		{"month boundary", time.Date(2024, 7, 1, 3, 0, 0, 0, time.UTC), "2024-06-30"},
		{"year boundary", time.Date(2025, 1, 1, 5, 0, 0, 0, time.UTC), "2024-12-31"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cycle.Resolve(tt.instant, p))
		})
	}
}

func TestResolve_Rollover_HourZeroMatchesCalendarDay(t *testing.T) {
	loc := mustLoad(t, "Europe/Paris")
	instant := time.Date(2024, 3, 15, 23, 10, 0, 0, time.UTC)
	assert.Equal(t, cycle.Resolve(instant, cycle.CalendarDay(loc)), cycle.Resolve(instant, cycle.RolloverAt(0, loc)))
}

func TestResolve_SameWindowSameKey(t *testing.T) {
	// GIVEN: A 06:00 rollover in New York
	// WHEN: Resolving every 17 minutes across one window
	// THEN: All instants resolve to the same key
	loc := mustLoad(t, "America/New_York")
	p := cycle.RolloverAt(6, loc)
	start, end := cycle.Bounds("2024-06-01", p)

	for at := start; at.Before(end); at = at.Add(17 * time.Minute) {
		require.Equal(t, core.CycleKey("2024-06-01"), cycle.Resolve(at, p), "instant %s", at)
	}
	assert.Equal(t, core.CycleKey("2024-06-02"), cycle.Resolve(end, p))
	assert.Equal(t, core.CycleKey("2024-05-31"), cycle.Resolve(start.Add(-time.Nanosecond), p))
}

// =============================================================================
// DST
// =============================================================================

func TestBounds_DSTWindowLengths(t *testing.T) {
	loc := mustLoad(t, "America/New_York")
	p := cycle.RolloverAt(6, loc)

	// Spring forward at 02:00 on 2024-03-10: the 03-09 06:00 -> 03-10 06:00 window is 23h
	start, end := cycle.Bounds("2024-03-09", p)
	assert.Equal(t, 23*time.Hour, end.Sub(start))

	// Fall back at 02:00 on 2024-11-03: the 11-02 window is 25h
	start, end = cycle.Bounds("2024-11-02", p)
	assert.Equal(t, 25*time.Hour, end.Sub(start))

	// Ordinary day: 24h
	start, end = cycle.Bounds("2024-06-01", p)
	assert.Equal(t, 24*time.Hour, end.Sub(start))
}

func TestResolve_FallBackRepeatedHour(t *testing.T) {
	// 01:30 happens twice on 2024-11-03 in New York; both belong to 11-03
	// under calendar days and to 11-02 under a 06:00 rollover.
	loc := mustLoad(t, "America/New_York")
	first := time.Date(2024, 11, 3, 5, 30, 0, 0, time.UTC)  // 01:30 EDT
	second := time.Date(2024, 11, 3, 6, 30, 0, 0, time.UTC) // 01:30 EST

	assert.Equal(t, core.CycleKey("2024-11-03"), cycle.Resolve(first, cycle.CalendarDay(loc)))
	assert.Equal(t, core.CycleKey("2024-11-03"), cycle.Resolve(second, cycle.CalendarDay(loc)))
	assert.Equal(t, core.CycleKey("2024-11-02"), cycle.Resolve(first, cycle.RolloverAt(6, loc)))
	assert.Equal(t, core.CycleKey("2024-11-02"), cycle.Resolve(second, cycle.RolloverAt(6, loc)))
}

// =============================================================================
// POLICY VALIDATION AND RESOLVER
// =============================================================================

func TestParsePolicy(t *testing.T) {
	p, err := cycle.ParsePolicy("rollover", "Europe/Paris", 6)
	require.NoError(t, err)
	assert.Equal(t, cycle.PolicyRollover, p.Kind)
	assert.Equal(t, 6, p.RolloverHour)

	_, err = cycle.ParsePolicy("weekly", "UTC", 0)
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = cycle.ParsePolicy("rollover", "UTC", 24)
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = cycle.ParsePolicy("calendar_day", "Mars/Olympus", 0)
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestResolver_CurrentClosedFuture(t *testing.T) {
	now := time.Date(2024, 6, 2, 5, 0, 0, 0, time.UTC)
	r := cycle.MustResolver(cycle.RolloverAt(6, time.UTC), core.FixedClock{T: now})

	assert.Equal(t, core.CycleKey("2024-06-01"), r.Current())
	assert.False(t, r.IsClosed("2024-06-01"), "current cycle is open")
	assert.True(t, r.IsClosed("2024-05-31"))
	assert.True(t, r.IsFuture("2024-06-02"))
	assert.False(t, r.IsFuture("2024-06-01"))
}

func TestParseCycleKey(t *testing.T) {
	k, err := core.ParseCycleKey("2024-06-01")
	require.NoError(t, err)
	assert.Equal(t, core.CycleKey("2024-06-01"), k)
	assert.Equal(t, core.CycleKey("2024-05-31"), k.AddDays(-1))

	for _, bad := range []string{"", "2024-6-1", "2024/06/01", "2024-02-30"} {
		_, err := core.ParseCycleKey(bad)
		assert.ErrorIs(t, err, core.ErrValidation, bad)
	}
}
