package countdown_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/progress-engine/access"
	"github.com/warp/progress-engine/core"
	"github.com/warp/progress-engine/countdown"
	"github.com/warp/progress-engine/cycle"
	"github.com/warp/progress-engine/store/sqlite"
)

var jan1 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	store *sqlite.Store
	proc  *countdown.Processor
	now   *time.Time
}

// setup returns a processor whose clock reads f.now.
func setup(t *testing.T, start time.Time) fixture {
	t.Helper()
	ctx := context.Background()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.SaveParticipant(ctx, core.Participant{ID: "p1", Name: "Ada", GroupID: "g1", CreatedAt: jan1}))
	require.NoError(t, s.SaveRole(ctx, core.RoleRecord{UserID: "coach", Role: core.RoleCoach, Scope: "g1"}))

	now := start
	clock := core.FuncClock(func() time.Time { return now })
	cycles := cycle.MustResolver(cycle.CalendarDay(time.UTC), clock)
	proc := countdown.NewProcessor(s, access.NewResolver(s, access.BatchFirst), cycles, core.NewPoints(5))
	return fixture{store: s, proc: proc, now: &now}
}

func (f fixture) set(t *testing.T, skill core.SkillID, deadline time.Time, intervalDays int) {
	t.Helper()
	_, err := f.proc.SetCountdown(context.Background(), "coach", core.CountdownEntry{
		ParticipantID: "p1",
		SkillID:       skill,
		DeadlineAt:    deadline,
		IntervalDays:  intervalDays,
	})
	require.NoError(t, err)
}

func (f fixture) points(t *testing.T) core.Points {
	t.Helper()
	entries, err := f.store.LedgerEntries(context.Background(), "p1")
	require.NoError(t, err)
	return core.BalanceOf("p1", entries).Points
}

// =============================================================================
// LAPSE ARITHMETIC
// =============================================================================

func TestLapsed(t *testing.T) {
	oneShot := core.CountdownEntry{DeadlineAt: jan1}
	weekly := core.CountdownEntry{DeadlineAt: jan1, IntervalDays: 7}

	tests := []struct {
		name  string
		entry core.CountdownEntry
		now   time.Time
		want  int
	}{
		{"before deadline", oneShot, jan1.Add(-time.Hour), 0},
		{"exactly at deadline", oneShot, jan1, 0},
		{"one-shot long after", oneShot, jan1.AddDate(0, 0, 9), 1},
		{"repeating first period", weekly, jan1.Add(time.Second), 1},
		{"repeating at second deadline", weekly, jan1.AddDate(0, 0, 7), 1},
		{"repeating just past second deadline", weekly, jan1.AddDate(0, 0, 7).Add(time.Second), 2},
		{"repeating three weeks later", weekly, jan1.AddDate(0, 0, 20), 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, countdown.Lapsed(tt.entry, tt.now))
		})
	}
}

// =============================================================================
// PROCESS PENALTIES
// =============================================================================

func TestProcessPenalties_DeadlineCheckedNineDaysLate(t *testing.T) {
	// GIVEN: A deadline of 2024-01-01 that has never been checked
	// WHEN: Processing on 2024-01-10
	// THEN: Exactly one penalty is applied, not ten
	ctx := context.Background()
	f := setup(t, time.Date(2023, 12, 20, 0, 0, 0, 0, time.UTC))
	f.set(t, "fractions", jan1, 0)

	*f.now = time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	res, err := f.proc.ProcessPenalties(ctx, "p1", "coach")
	require.NoError(t, err)
	require.Len(t, res.Applied, 1)
	assert.Equal(t, 1, res.Applied[0].Period)
	assert.True(t, f.points(t).Equal(core.NewPoints(-5)))
}

func TestProcessPenalties_SecondCallAppliesNothing(t *testing.T) {
	ctx := context.Background()
	f := setup(t, jan1.AddDate(0, 0, -1))
	f.set(t, "fractions", jan1, 1)

	*f.now = jan1.AddDate(0, 0, 3)
	first, err := f.proc.ProcessPenalties(ctx, "p1", "coach")
	require.NoError(t, err)
	assert.Len(t, first.Applied, 3)

	second, err := f.proc.ProcessPenalties(ctx, "p1", "coach")
	require.NoError(t, err)
	assert.Empty(t, second.Applied)
	assert.True(t, f.points(t).Equal(core.NewPoints(-15)))
}

func TestProcessPenalties_MultiPeriodLapseOnceEach(t *testing.T) {
	// GIVEN: A weekly deadline processed once in week 1
	// WHEN: Two more weeks pass unprocessed
	// THEN: The next pass applies exactly the two missed periods
	ctx := context.Background()
	f := setup(t, jan1.AddDate(0, 0, -1))
	f.set(t, "reading", jan1, 7)

	*f.now = jan1.AddDate(0, 0, 2)
	res, err := f.proc.ProcessPenalties(ctx, "p1", "ada-parent-none")
	assert.ErrorIs(t, err, core.ErrAuthorizationDenied)
	assert.Nil(t, res)

	res, err = f.proc.ProcessPenalties(ctx, "p1", "coach")
	require.NoError(t, err)
	require.Len(t, res.Applied, 1)

	*f.now = jan1.AddDate(0, 0, 16)
	res, err = f.proc.ProcessPenalties(ctx, "p1", "coach")
	require.NoError(t, err)
	require.Len(t, res.Applied, 2)
	assert.Equal(t, 2, res.Applied[0].Period)
	assert.Equal(t, 3, res.Applied[1].Period)
}

func TestProcessPenalties_ResolvedEntriesNeverAccrue(t *testing.T) {
	ctx := context.Background()
	f := setup(t, jan1.AddDate(0, 0, -1))
	f.set(t, "geometry", jan1, 1)

	resolved, err := f.proc.Resolve(ctx, "coach", "p1", "geometry")
	require.NoError(t, err)
	require.NotNil(t, resolved.ResolvedAt)

	_, err = f.proc.Resolve(ctx, "coach", "p1", "geometry")
	require.NoError(t, err, "resolving twice is benign")

	*f.now = jan1.AddDate(0, 1, 0)
	res, err := f.proc.ProcessPenalties(ctx, "p1", "coach")
	require.NoError(t, err)
	assert.Empty(t, res.Applied)
	assert.True(t, f.points(t).IsZero())
}

func TestSetCountdown_RestartResetsCount(t *testing.T) {
	ctx := context.Background()
	f := setup(t, jan1.AddDate(0, 0, -1))
	f.set(t, "fractions", jan1, 0)

	*f.now = jan1.AddDate(0, 0, 2)
	_, err := f.proc.ProcessPenalties(ctx, "p1", "coach")
	require.NoError(t, err)

	// A new deadline starts a fresh count
	f.set(t, "fractions", jan1.AddDate(0, 0, 5), 0)
	*f.now = jan1.AddDate(0, 0, 6)
	res, err := f.proc.ProcessPenalties(ctx, "p1", "coach")
	require.NoError(t, err)
	assert.Len(t, res.Applied, 1)
	assert.True(t, f.points(t).Equal(core.NewPoints(-10)))

	snap, err := f.proc.FetchSnapshot(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, snap.Rows, 1)
	assert.Equal(t, 1, snap.Rows[0].Entry.PenaltyAppliedCount)
}

func TestSetCountdown_Validation(t *testing.T) {
	ctx := context.Background()
	f := setup(t, jan1)

	_, err := f.proc.SetCountdown(ctx, "coach", core.CountdownEntry{ParticipantID: "p1", SkillID: "x"})
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = f.proc.SetCountdown(ctx, "coach", core.CountdownEntry{ParticipantID: "p1", SkillID: "x", DeadlineAt: jan1, IntervalDays: -1})
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = f.proc.SetCountdown(ctx, "", core.CountdownEntry{ParticipantID: "p1", SkillID: "x", DeadlineAt: jan1})
	assert.ErrorIs(t, err, core.ErrAuthenticationMissing)
}

// =============================================================================
// SNAPSHOT
// =============================================================================

func TestFetchSnapshot_ReflectsJustAppliedPenalties(t *testing.T) {
	ctx := context.Background()
	f := setup(t, jan1.AddDate(0, 0, -1))
	f.set(t, "fractions", jan1, 0)
	f.set(t, "reading", jan1.AddDate(0, 0, 30), 0)
	f.set(t, "geometry", jan1, 0)
	_, err := f.proc.Resolve(ctx, "coach", "p1", "geometry")
	require.NoError(t, err)

	*f.now = jan1.AddDate(0, 0, 3)
	before, err := f.proc.FetchSnapshot(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, countdown.Summary{Total: 3, OnTrack: 1, Lapsed: 1, Resolved: 1}, before.Summary)

	_, err = f.proc.ProcessPenalties(ctx, "p1", "coach")
	require.NoError(t, err)

	after, err := f.proc.FetchSnapshot(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, after.Summary.PenaltiesApplied)
	for _, row := range after.Rows {
		assert.Zero(t, row.Pending, "skill %s", row.Entry.SkillID)
	}
}
