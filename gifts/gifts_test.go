package gifts_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/progress-engine/core"
	"github.com/warp/progress-engine/cycle"
	"github.com/warp/progress-engine/gifts"
	"github.com/warp/progress-engine/leaderboard"
	"github.com/warp/progress-engine/store/sqlite"
)

var anchor = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	store *sqlite.Store
	sched *gifts.Scheduler
}

func setup(t *testing.T, now time.Time, maxCatchUp int) fixture {
	t.Helper()
	ctx := context.Background()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	for i, id := range []core.ParticipantID{"p1", "p2", "p3"} {
		group := core.GroupID("g1")
		if i == 2 {
			group = "g2"
		}
		require.NoError(t, s.SaveParticipant(ctx, core.Participant{ID: id, Name: string(id), GroupID: group, CreatedAt: anchor}))
	}

	cycles := cycle.MustResolver(cycle.CalendarDay(time.UTC), core.FixedClock{T: now})
	boards := leaderboard.NewService(s, cycles, []leaderboard.Board{{Key: "weekly"}})
	return fixture{store: s, sched: gifts.NewScheduler(s, boards, cycles, maxCatchUp)}
}

func weeklyRule(target core.TargetSelector) core.GiftRule {
	return core.GiftRule{
		ID:         "weekly-sticker",
		Name:       "Weekly sticker",
		Enabled:    true,
		Schedule:   core.Schedule{Kind: core.ScheduleInterval, Anchor: anchor, EveryDays: 7},
		Target:     target,
		GiftItemID: "sticker",
		Quantity:   1,
	}
}

func itemCount(t *testing.T, s *sqlite.Store, id core.ParticipantID) int {
	t.Helper()
	entries, err := s.LedgerEntries(context.Background(), id)
	require.NoError(t, err)
	return core.BalanceOf(id, entries).Items["sticker"]
}

// =============================================================================
// SCHEDULE
// =============================================================================

func TestDue_IntervalStartsAfterAnchor(t *testing.T) {
	sched := core.Schedule{Kind: core.ScheduleInterval, Anchor: anchor, EveryDays: 7}

	assert.Empty(t, gifts.Due(sched, 0, anchor, 0), "the anchor itself is not an occurrence")

	due := gifts.Due(sched, 0, time.Date(2024, 1, 22, 0, 0, 0, 0, time.UTC), 0)
	require.Len(t, due, 3)
	assert.Equal(t, "2024-01-08T00:00:00Z", due[0].ID)
	assert.Equal(t, 3, due[2].Seq)

	assert.Len(t, gifts.Due(sched, 1, time.Date(2024, 1, 22, 0, 0, 0, 0, time.UTC), 0), 2)
	assert.Len(t, gifts.Due(sched, 0, time.Date(2024, 1, 22, 0, 0, 0, 0, time.UTC), 1), 1, "limit")
}

func TestDue_Once(t *testing.T) {
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	sched := core.Schedule{Kind: core.ScheduleOnce, At: at}

	assert.Empty(t, gifts.Due(sched, 0, at.Add(-time.Second), 0))
	assert.Len(t, gifts.Due(sched, 0, at.AddDate(1, 0, 0), 0), 1)
	assert.Empty(t, gifts.Due(sched, 1, at.AddDate(1, 0, 0), 0))
}

// =============================================================================
// RUN DUE
// =============================================================================

func TestRunDue_SevenDayScenario(t *testing.T) {
	// GIVEN: A rule firing every 7 days from 2024-01-01
	// WHEN: Running at 2024-01-08T00:00:01, then again at 12:00 the same day
	// THEN: Exactly one occurrence fires across both runs
	ctx := context.Background()
	f := setup(t, anchor, 0)
	_, err := f.sched.SaveRule(ctx, weeklyRule(core.TargetSelector{Kind: core.TargetAll}))
	require.NoError(t, err)

	first, err := f.sched.RunDue(ctx, time.Date(2024, 1, 8, 0, 0, 1, 0, time.UTC), gifts.RunOptions{GrantedBy: "system"})
	require.NoError(t, err)
	require.Len(t, first.Fired, 1)
	assert.Equal(t, "2024-01-08T00:00:00Z", first.Fired[0].OccurrenceID)
	assert.Len(t, first.Fired[0].Grants, 3)
	assert.Empty(t, first.Failures)

	second, err := f.sched.RunDue(ctx, time.Date(2024, 1, 8, 12, 0, 0, 0, time.UTC), gifts.RunOptions{GrantedBy: "system"})
	require.NoError(t, err)
	assert.Empty(t, second.Fired)

	for _, id := range []core.ParticipantID{"p1", "p2", "p3"} {
		assert.Equal(t, 1, itemCount(t, f.store, id), id)
	}

	rule, err := f.sched.GetRule(ctx, "weekly-sticker")
	require.NoError(t, err)
	assert.Equal(t, 1, rule.LastFiredSeq)
	assert.Equal(t, "2024-01-08T00:00:00Z", rule.LastFiredOccurrence)

	occs, err := f.sched.Occurrences(ctx, "weekly-sticker")
	require.NoError(t, err)
	require.Len(t, occs, 1)
	assert.Equal(t, 3, occs[0].GrantCount)
	assert.Equal(t, core.UserID("system"), occs[0].GrantedBy)
}

func TestRunDue_OverlappingRunsFireOnce(t *testing.T) {
	ctx := context.Background()
	f := setup(t, anchor, 0)
	_, err := f.sched.SaveRule(ctx, weeklyRule(core.TargetSelector{Kind: core.TargetGroup, GroupID: "g1"}))
	require.NoError(t, err)

	now := time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fired int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.sched.RunDue(ctx, now, gifts.RunOptions{})
			assert.NoError(t, err)
			assert.Empty(t, res.Failures)
			mu.Lock()
			fired += len(res.Fired)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, fired, "01-08 and 01-15, once each")
	assert.Equal(t, 2, itemCount(t, f.store, "p1"))
	assert.Equal(t, 0, itemCount(t, f.store, "p3"), "p3 is in g2")
}

func TestRunDue_DryRunWritesNothing(t *testing.T) {
	ctx := context.Background()
	f := setup(t, anchor, 0)
	_, err := f.sched.SaveRule(ctx, weeklyRule(core.TargetSelector{Kind: core.TargetExplicit, Participants: []core.ParticipantID{"p2", "p2", "ghost"}}))
	require.NoError(t, err)

	now := time.Date(2024, 1, 9, 0, 0, 0, 0, time.UTC)
	preview, err := f.sched.RunDue(ctx, now, gifts.RunOptions{DryRun: true})
	require.NoError(t, err)
	require.Len(t, preview.Fired, 1)
	require.Len(t, preview.Fired[0].Grants, 1, "deduplicated, unknown skipped")
	assert.False(t, preview.Fired[0].Grants[0].Issued)

	assert.Equal(t, 0, itemCount(t, f.store, "p2"))
	rule, err := f.sched.GetRule(ctx, "weekly-sticker")
	require.NoError(t, err)
	assert.Equal(t, 0, rule.LastFiredSeq)

	committed, err := f.sched.RunDue(ctx, now, gifts.RunOptions{})
	require.NoError(t, err)
	require.Len(t, committed.Fired, 1)
	assert.True(t, committed.Fired[0].Grants[0].Issued)
}

func TestRunDue_MaxCatchUp(t *testing.T) {
	ctx := context.Background()
	f := setup(t, anchor, 2)
	_, err := f.sched.SaveRule(ctx, weeklyRule(core.TargetSelector{Kind: core.TargetAll}))
	require.NoError(t, err)

	// Five occurrences are due (01-08 .. 02-05)
	now := time.Date(2024, 2, 5, 1, 0, 0, 0, time.UTC)
	counts := []int{2, 2, 1, 0}
	for i, want := range counts {
		res, err := f.sched.RunDue(ctx, now, gifts.RunOptions{})
		require.NoError(t, err)
		assert.Len(t, res.Fired, want, "run %d", i+1)
	}
	assert.Equal(t, 5, itemCount(t, f.store, "p1"))
}

func TestRunDue_BoardTopAndDisabledRules(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC)
	f := setup(t, now, 0)

	require.NoError(t, f.store.AppendLedger(ctx, core.PointsEntry("p3", core.NewPoints(50), core.SourceActivity, "", "", "", now.Add(-time.Hour))))
	require.NoError(t, f.store.AppendLedger(ctx, core.PointsEntry("p2", core.NewPoints(40), core.SourceActivity, "", "", "", now.Add(-time.Hour))))

	top := weeklyRule(core.TargetSelector{Kind: core.TargetBoardTop, Board: "weekly", Top: 2})
	_, err := f.sched.SaveRule(ctx, top)
	require.NoError(t, err)

	off := weeklyRule(core.TargetSelector{Kind: core.TargetAll})
	off.ID, off.Enabled = "paused", false
	_, err = f.sched.SaveRule(ctx, off)
	require.NoError(t, err)

	res, err := f.sched.RunDue(ctx, now, gifts.RunOptions{})
	require.NoError(t, err)
	require.Len(t, res.Fired, 1)
	assert.Equal(t, core.RuleID("weekly-sticker"), res.Fired[0].RuleID)

	assert.Equal(t, 0, itemCount(t, f.store, "p1"))
	assert.Equal(t, 1, itemCount(t, f.store, "p2"))
	assert.Equal(t, 1, itemCount(t, f.store, "p3"))
}

func TestRunDue_UnknownBoardIsReportedAsFailure(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC)
	f := setup(t, now, 0)

	_, err := f.sched.SaveRule(ctx, weeklyRule(core.TargetSelector{Kind: core.TargetBoardTop, Board: "monthly", Top: 3}))
	require.NoError(t, err)

	res, err := f.sched.RunDue(ctx, now, gifts.RunOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Fired)
	require.Len(t, res.Failures, 1)
	assert.ErrorIs(t, res.Failures[0].Err, core.ErrValidation)

	rule, err := f.sched.GetRule(ctx, "weekly-sticker")
	require.NoError(t, err)
	assert.Equal(t, 0, rule.LastFiredSeq, "nothing advanced")
}

// =============================================================================
// RULE MANAGEMENT
// =============================================================================

func TestSaveRule_ValidationAndWatermarkKept(t *testing.T) {
	ctx := context.Background()
	f := setup(t, anchor, 0)

	bad := weeklyRule(core.TargetSelector{Kind: core.TargetAll})
	bad.Schedule.EveryDays = 0
	_, err := f.sched.SaveRule(ctx, bad)
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = f.sched.SaveRule(ctx, weeklyRule(core.TargetSelector{Kind: core.TargetBoardTop, Board: "weekly"}))
	assert.ErrorIs(t, err, core.ErrValidation, "top is required")

	_, err = f.sched.SaveRule(ctx, weeklyRule(core.TargetSelector{Kind: core.TargetAll}))
	require.NoError(t, err)
	_, err = f.sched.RunDue(ctx, time.Date(2024, 1, 8, 1, 0, 0, 0, time.UTC), gifts.RunOptions{})
	require.NoError(t, err)

	disabled, err := f.sched.SetEnabled(ctx, "weekly-sticker", false)
	require.NoError(t, err)
	assert.False(t, disabled.Enabled)
	assert.Equal(t, 1, disabled.LastFiredSeq)

	_, err = f.sched.GetRule(ctx, "nope")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestSeed_SkipsExistingRules(t *testing.T) {
	ctx := context.Background()
	f := setup(t, anchor, 0)

	rule := weeklyRule(core.TargetSelector{Kind: core.TargetAll})
	n, err := f.sched.Seed(ctx, []core.GiftRule{rule})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.sched.SetEnabled(ctx, rule.ID, false)
	require.NoError(t, err)

	n, err = f.sched.Seed(ctx, []core.GiftRule{rule})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := f.sched.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled, "operator edit survives a restart")
}
