package leaderboard_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/progress-engine/core"
	"github.com/warp/progress-engine/cycle"
	"github.com/warp/progress-engine/leaderboard"
	"github.com/warp/progress-engine/store/sqlite"
)

var boards = []leaderboard.Board{
	{Key: "weekly", Name: "Weekly points", WindowDays: 7},
	{Key: "pulse", Name: "Skill pulse", Source: core.SourceSkillPulse},
}

func at(month time.Month, day, hour int) time.Time {
	return time.Date(2024, month, day, hour, 0, 0, 0, time.UTC)
}

// seed writes three participants and a small ledger around cycle 2024-06-01.
func seed(t *testing.T) *sqlite.Store {
	t.Helper()
	ctx := context.Background()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	for _, id := range []core.ParticipantID{"p1", "p2", "p3"} {
		require.NoError(t, s.SaveParticipant(ctx, core.Participant{ID: id, Name: string(id), CreatedAt: at(1, 1, 0)}))
	}

	grant := func(id core.ParticipantID, pts int64, src core.Source, when time.Time) {
		require.NoError(t, s.AppendLedger(ctx, core.PointsEntry(id, core.NewPoints(pts), src, "", "", "", when)))
	}
	grant("p1", 10, core.SourceActivity, at(6, 1, 10))
	grant("p1", 5, core.SourceSkillPulse, at(6, 1, 11))
	grant("p2", 20, core.SourceActivity, at(5, 30, 9))
	grant("p2", 50, core.SourceActivity, at(5, 20, 9)) // before the 7-day window
	grant("p3", 5, core.SourceSkillPulse, at(6, 1, 12))
	grant("p3", 100, core.SourceActivity, at(6, 2, 8)) // after the cycle closed
	return s
}

func newService(s core.Store, now time.Time) *leaderboard.Service {
	return leaderboard.NewService(s, cycle.MustResolver(cycle.CalendarDay(time.UTC), core.FixedClock{T: now}), boards)
}

type goldenRow struct {
	Board         string `json:"board"`
	ParticipantID string `json:"participant_id"`
	Rank          int    `json:"rank"`
	Score         string `json:"score"`
}

func render(t *testing.T, b *leaderboard.Bundle) []byte {
	t.Helper()
	var out []goldenRow
	for _, key := range b.BoardKeys() {
		for _, r := range b.Boards[key] {
			out = append(out, goldenRow{string(r.Board), string(r.ParticipantID), r.Rank, r.Score.String()})
		}
	}
	data, err := json.MarshalIndent(out, "", "  ")
	require.NoError(t, err)
	return append(data, '\n')
}

// =============================================================================
// RANKING
// =============================================================================

func TestCompute_TiesBrokenByLowerID(t *testing.T) {
	participants := []core.Participant{{ID: "b"}, {ID: "a"}, {ID: "c"}}
	entries := []core.LedgerEntry{
		core.PointsEntry("b", core.NewPoints(5), core.SourceActivity, "", "", "", at(6, 1, 0)),
		core.PointsEntry("a", core.NewPoints(5), core.SourceActivity, "", "", "", at(6, 1, 0)),
		core.PointsEntry("ghost", core.NewPoints(99), core.SourceActivity, "", "", "", at(6, 1, 0)),
	}

	rows := leaderboard.Compute(leaderboard.Board{Key: "k"}, "2024-06-01", participants, entries)
	require.Len(t, rows, 3, "unknown participants are not ranked")
	assert.Equal(t, core.ParticipantID("a"), rows[0].ParticipantID)
	assert.Equal(t, core.ParticipantID("b"), rows[1].ParticipantID)
	assert.Equal(t, core.ParticipantID("c"), rows[2].ParticipantID)
	assert.Equal(t, []int{1, 2, 3}, []int{rows[0].Rank, rows[1].Rank, rows[2].Rank})

	asc := leaderboard.Compute(leaderboard.Board{Key: "k", Order: leaderboard.OrderAsc}, "2024-06-01", participants, entries)
	assert.Equal(t, core.ParticipantID("c"), asc[0].ParticipantID, "zero score leads an ascending board")
}

// =============================================================================
// GET OR BUILD
// =============================================================================

func TestGetOrBuild_ScoresWindowAndSource(t *testing.T) {
	ctx := context.Background()
	svc := newService(seed(t), at(6, 3, 0))

	bundle, err := svc.GetOrBuild(ctx, "2024-06-01")
	require.NoError(t, err)
	assert.True(t, bundle.Final)

	rank, ok := bundle.Rank("weekly", "p2")
	require.True(t, ok)
	assert.Equal(t, 1, rank, "p2 leads weekly with 20")

	rank, _ = bundle.Rank("weekly", "p3")
	assert.Equal(t, 3, rank, "p3's 100 points landed after the cycle closed")

	board, rank, ok := bundle.Best("p1", nil)
	require.True(t, ok)
	assert.Equal(t, core.BoardKey("pulse"), board)
	assert.Equal(t, 1, rank)
}

func TestGetOrBuild_CacheHitReturnsStoredRows(t *testing.T) {
	// GIVEN: A built snapshot for 2024-06-01
	// WHEN: New ledger data arrives inside the window and GetOrBuild runs again
	// THEN: The stored rows are returned unchanged until an explicit rebuild
	ctx := context.Background()
	store := seed(t)
	svc := newService(store, at(6, 3, 0))

	first, err := svc.GetOrBuild(ctx, "2024-06-01")
	require.NoError(t, err)

	require.NoError(t, store.AppendLedger(ctx,
		core.PointsEntry("p3", core.NewPoints(500), core.SourceActivity, "correction", "", "", at(6, 1, 20))))

	second, err := svc.GetOrBuild(ctx, "2024-06-01")
	require.NoError(t, err)
	assert.Equal(t, first.Boards, second.Boards)

	rebuilt, err := svc.Rebuild(ctx, "2024-06-01")
	require.NoError(t, err)
	rank, _ := rebuilt.Rank("weekly", "p3")
	assert.Equal(t, 1, rank)
}

func TestGetOrBuild_BuildsOnlyMissingBoards(t *testing.T) {
	ctx := context.Background()
	store := seed(t)

	one := leaderboard.NewService(store, cycle.MustResolver(cycle.CalendarDay(time.UTC), core.FixedClock{T: at(6, 3, 0)}), boards[:1])
	_, err := one.GetOrBuild(ctx, "2024-06-01")
	require.NoError(t, err)

	bundle, err := newService(store, at(6, 3, 0)).GetOrBuild(ctx, "2024-06-01")
	require.NoError(t, err)
	assert.Len(t, bundle.Boards["weekly"], 3)
	assert.Len(t, bundle.Boards["pulse"], 3)
}

func TestGetOrBuild_CurrentCycleUsesNow(t *testing.T) {
	ctx := context.Background()
	svc := newService(seed(t), at(6, 1, 10).Add(30*time.Minute))

	bundle, err := svc.GetOrBuild(ctx, "2024-06-01")
	require.NoError(t, err)
	assert.False(t, bundle.Final)

	// Neither pulse entry (11:00, 12:00) has happened yet
	rows := bundle.Boards["pulse"]
	require.Len(t, rows, 3)
	for _, r := range rows {
		assert.True(t, r.Score.IsZero(), "participant %s", r.ParticipantID)
	}
}

func TestGetOrBuild_RejectsBadKeys(t *testing.T) {
	ctx := context.Background()
	svc := newService(seed(t), at(6, 3, 0))

	_, err := svc.GetOrBuild(ctx, "2024-06-04")
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = svc.GetOrBuild(ctx, "June 1st")
	assert.ErrorIs(t, err, core.ErrValidation)
}

// =============================================================================
// REBUILD
// =============================================================================

func TestRebuild_Deterministic(t *testing.T) {
	// GIVEN: A closed cycle
	// WHEN: Rebuilding twice in a row
	// THEN: Both runs produce byte-identical rows matching the golden file
	ctx := context.Background()
	svc := newService(seed(t), at(6, 3, 0))
	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))

	first, err := svc.Rebuild(ctx, "2024-06-01")
	require.NoError(t, err)
	second, err := svc.Rebuild(ctx, "2024-06-01")
	require.NoError(t, err)

	assert.Equal(t, render(t, first), render(t, second))
	g.Assert(t, "rebuild_2024-06-01", render(t, second))
}

// failingStore fails InsertSnapshot for one board to exercise rollback.
type failingStore struct {
	core.Store
	board core.BoardKey
}

type failingTx struct {
	core.Tx
	board core.BoardKey
}

var errInjected = errors.New("disk full")

func (f failingStore) WithTx(ctx context.Context, fn func(core.Tx) error) error {
	return f.Store.WithTx(ctx, func(tx core.Tx) error {
		return fn(failingTx{Tx: tx, board: f.board})
	})
}

func (f failingTx) InsertSnapshot(ctx context.Context, b core.SnapshotBuild, rows []core.SnapshotRow) error {
	if b.Board == f.board {
		return errInjected
	}
	return f.Tx.InsertSnapshot(ctx, b, rows)
}

func TestRebuild_FailureKeepsPreviousRows(t *testing.T) {
	ctx := context.Background()
	store := seed(t)

	before, err := newService(store, at(6, 3, 0)).GetOrBuild(ctx, "2024-06-01")
	require.NoError(t, err)

	broken := newService(failingStore{Store: store, board: "pulse"}, at(6, 3, 0))
	_, err = broken.Rebuild(ctx, "2024-06-01")
	require.ErrorIs(t, err, errInjected)

	after, err := newService(store, at(6, 3, 0)).GetOrBuild(ctx, "2024-06-01")
	require.NoError(t, err)
	assert.Equal(t, before.Boards, after.Boards)
}
