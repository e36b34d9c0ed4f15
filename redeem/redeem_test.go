package redeem_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/progress-engine/core"
	"github.com/warp/progress-engine/cycle"
	"github.com/warp/progress-engine/leaderboard"
	"github.com/warp/progress-engine/redeem"
	"github.com/warp/progress-engine/store/sqlite"
)

var now = time.Date(2024, 6, 1, 18, 0, 0, 0, time.UTC)

type fixture struct {
	store  *sqlite.Store
	engine *redeem.Engine
	boards *leaderboard.Service
}

// setup ranks p1..p4 on "weekly" with 30, 20, 10 and 5 points.
func setup(t *testing.T, cfg redeem.Config) fixture {
	t.Helper()
	ctx := context.Background()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	scores := map[core.ParticipantID]int64{"p1": 30, "p2": 20, "p3": 10, "p4": 5}
	for id, pts := range scores {
		require.NoError(t, s.SaveParticipant(ctx, core.Participant{ID: id, Name: string(id), CreatedAt: now.AddDate(0, -1, 0)}))
		require.NoError(t, s.AppendLedger(ctx, core.PointsEntry(id, core.NewPoints(pts), core.SourceActivity, "", "", "", now.Add(-time.Hour))))
	}

	cycles := cycle.MustResolver(cycle.CalendarDay(time.UTC), core.FixedClock{T: now})
	boards := leaderboard.NewService(s, cycles, []leaderboard.Board{{Key: "weekly", WindowDays: 7}})
	return fixture{store: s, boards: boards, engine: redeem.NewEngine(s, boards, cycles, cfg)}
}

func defaultConfig() redeem.Config {
	return redeem.Config{RankThreshold: 3, Boards: []core.BoardKey{"weekly"}, RewardPoints: core.NewPoints(10)}
}

// =============================================================================
// STATUS
// =============================================================================

func TestClaim_RankTwoTopThreeScenario(t *testing.T) {
	// GIVEN: P has rank 2 on "weekly" for 2024-06-01 and the threshold is top 3
	// WHEN: Checking status, claiming, then checking again
	// THEN: eligible before, already_redeemed after
	ctx := context.Background()
	f := setup(t, defaultConfig())

	bundle, err := f.boards.GetOrBuild(ctx, "2024-06-01")
	require.NoError(t, err)

	st, err := f.engine.ComputeStatus(ctx, "p2", bundle, "2024-06-01")
	require.NoError(t, err)
	assert.True(t, st.Eligible)
	assert.False(t, st.AlreadyRedeemed)
	assert.Equal(t, 2, st.Rank)

	res, err := f.engine.Claim(ctx, "p2", "2024-06-01", "coach")
	require.NoError(t, err)
	assert.True(t, res.Claimed)
	require.Len(t, res.Granted, 1)

	st, err = f.engine.ComputeStatus(ctx, "p2", bundle, "2024-06-01")
	require.NoError(t, err)
	assert.False(t, st.Eligible)
	assert.True(t, st.AlreadyRedeemed)
	assert.Equal(t, redeem.ReasonAlreadyRedeemed, st.Reason)
}

func TestComputeStatus_Reasons(t *testing.T) {
	ctx := context.Background()
	f := setup(t, defaultConfig())

	bundle, err := f.boards.GetOrBuild(ctx, "2024-06-01")
	require.NoError(t, err)

	st, err := f.engine.ComputeStatus(ctx, "p4", bundle, "2024-06-01")
	require.NoError(t, err)
	assert.False(t, st.Eligible)
	assert.Equal(t, redeem.ReasonRankBelowThreshold, st.Reason)
	assert.Equal(t, 4, st.Rank)

	st, err = f.engine.ComputeStatus(ctx, "stranger", bundle, "2024-06-01")
	require.NoError(t, err)
	assert.Equal(t, redeem.ReasonNotRanked, st.Reason)

	_, err = f.engine.ComputeStatus(ctx, "p1", bundle, "2024-05-31")
	assert.ErrorIs(t, err, core.ErrValidation, "bundle for another cycle")
}

func TestComputeStatuses_OneBundleForTheBatch(t *testing.T) {
	// GIVEN: A bundle fetched before p4 earns enough to rank first
	// WHEN: Evaluating the batch against that bundle
	// THEN: Every participant is judged on the same point-in-time ranking
	ctx := context.Background()
	f := setup(t, defaultConfig())

	bundle, err := f.boards.GetOrBuild(ctx, "2024-06-01")
	require.NoError(t, err)
	require.NoError(t, f.store.AppendLedger(ctx,
		core.PointsEntry("p4", core.NewPoints(1000), core.SourceActivity, "", "", "", now.Add(-time.Minute))))

	_, err = f.engine.Claim(ctx, "p1", "2024-06-01", "")
	require.NoError(t, err)

	statuses, err := f.engine.ComputeStatuses(ctx, []core.ParticipantID{"p1", "p2", "p4"}, bundle, "2024-06-01")
	require.NoError(t, err)
	require.Len(t, statuses, 3)
	assert.True(t, statuses[0].AlreadyRedeemed)
	assert.True(t, statuses[1].Eligible)
	assert.Equal(t, redeem.ReasonRankBelowThreshold, statuses[2].Reason)

	_, err = f.engine.ComputeStatuses(ctx, nil, bundle, "2024-06-01")
	assert.ErrorIs(t, err, core.ErrValidation)
}

// =============================================================================
// CLAIM
// =============================================================================

func TestClaim_TwiceYieldsOneRecordAndOneGrant(t *testing.T) {
	ctx := context.Background()
	f := setup(t, defaultConfig())

	first, err := f.engine.Claim(ctx, "p1", "2024-06-01", "")
	require.NoError(t, err)
	assert.True(t, first.Claimed)

	second, err := f.engine.Claim(ctx, "p1", "2024-06-01", "")
	require.NoError(t, err)
	assert.False(t, second.Claimed)
	assert.True(t, second.Status.AlreadyRedeemed)
	assert.Empty(t, second.Granted)

	entries, err := f.store.LedgerEntries(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, entries, 2, "the seeded activity entry plus one reward")

	history, err := f.engine.History(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, first.Record.LedgerEntryID, history[0].LedgerEntryID)
}

func TestClaim_ConcurrentDoubleTap(t *testing.T) {
	ctx := context.Background()
	f := setup(t, defaultConfig())

	const attempts = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.engine.Claim(ctx, "p3", "2024-06-01", "")
			assert.NoError(t, err)
			if res.Claimed {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, claimed)
	bal := core.BalanceOf("p3", mustEntries(t, f.store, "p3"))
	assert.True(t, bal.Points.Equal(core.NewPoints(20)), "10 seeded + one 10-point reward, got %s", bal.Points)
}

func TestClaim_ItemRewardAndIneligible(t *testing.T) {
	ctx := context.Background()
	cfg := defaultConfig()
	cfg.RewardPoints = core.Points{}
	cfg.RewardItem = "star"
	cfg.RewardQuantity = 2
	f := setup(t, cfg)

	res, err := f.engine.Claim(ctx, "p1", "2024-06-01", "")
	require.NoError(t, err)
	require.Len(t, res.Granted, 1)
	assert.Equal(t, core.EntryItem, res.Granted[0].Kind)
	assert.Equal(t, "redeem:p1:2024-06-01:item", res.Granted[0].IdempotencyKey)

	res, err = f.engine.Claim(ctx, "p4", "2024-06-01", "")
	require.NoError(t, err)
	assert.False(t, res.Claimed)
	assert.Equal(t, redeem.ReasonRankBelowThreshold, res.Status.Reason)

	rec, err := f.store.GetRedeem(ctx, "p4", "2024-06-01")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestClaim_Validation(t *testing.T) {
	ctx := context.Background()
	f := setup(t, defaultConfig())

	_, err := f.engine.Claim(ctx, "p1", "2024-05-31", "")
	assert.ErrorIs(t, err, core.ErrValidation, "past cycle")

	_, err = f.engine.Claim(ctx, "", "2024-06-01", "")
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = f.engine.Claim(ctx, "ghost", "2024-06-01", "")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func mustEntries(t *testing.T, s *sqlite.Store, id core.ParticipantID) []core.LedgerEntry {
	t.Helper()
	entries, err := s.LedgerEntries(context.Background(), id)
	require.NoError(t, err)
	return entries
}
