/*
Package leaderboard materializes per-cycle rankings into snapshot rows.

PURPOSE:
  Scores change continuously as the ledger grows. Redeem eligibility and
  "top N" gift targets must instead be judged against one fixed ranking
  per cycle key. This package builds that ranking once, persists it, and
  serves it back unchanged on later reads.

GET-OR-BUILD:
  If every configured board has a build marker for the key, the stored
  rows are returned as-is. Missing boards are computed from the ledger
  and inserted in the same transaction the markers are checked in, so two
  concurrent callers cannot both build the same board.

REBUILD:
  The only path that replaces rows. Deletes every configured board's rows
  for the key and recomputes them inside one transaction: a failure leaves
  the previous rows in place.

SCORING:
  score = sum of points deltas whose source matches the board (empty
  Source = every source) with created_at in [windowStart, asOf), where
    asOf        = min(now, cycle end)
    windowStart = cycle end - WindowDays   (WindowDays 0 = all time)

RANKING:
  Every participant appears on every board. Rows are ordered by score
  (desc unless the board says asc), ties broken by lower participant id.
  Ranks run 1..N without gaps or repeats.

SEE ALSO:
  - cycle/cycle.go: Bounds and IsClosed
  - redeem/redeem.go: consumes Bundle
*/
package leaderboard

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/warp/progress-engine/core"
	"github.com/warp/progress-engine/cycle"
	"github.com/warp/progress-engine/logging"
)

// =============================================================================
// BOARDS
// =============================================================================

type Order string

const (
	OrderDesc Order = "desc"
	OrderAsc  Order = "asc"
)

// Board is one ranking category.
type Board struct {
	Key        core.BoardKey
	Name       string
	Order      Order       // empty = desc
	Source     core.Source // empty = every source
	WindowDays int         // 0 = all time
}

func (b Board) ascending() bool { return b.Order == OrderAsc }

func (b Board) counts(e core.LedgerEntry) bool {
	return e.Kind == core.EntryPoints && (b.Source == "" || e.Source == b.Source)
}

// =============================================================================
// BUNDLE - All boards for one cycle key
// =============================================================================

type Bundle struct {
	CycleKey core.CycleKey
	Boards   map[core.BoardKey][]core.SnapshotRow
	BuiltAt  time.Time
	Final    bool // cycle has closed; rows will not change without a rebuild
}

// Rank returns participant's rank on board.
func (b *Bundle) Rank(board core.BoardKey, id core.ParticipantID) (int, bool) {
	for _, row := range b.Boards[board] {
		if row.ParticipantID == id {
			return row.Rank, true
		}
	}
	return 0, false
}

// Best returns the board on which participant ranks highest. Among equal
// ranks the board key sorting first wins. Only boards listed in among are
// considered; nil means all boards in the bundle.
func (b *Bundle) Best(id core.ParticipantID, among []core.BoardKey) (core.BoardKey, int, bool) {
	if among == nil {
		among = b.BoardKeys()
	}
	var (
		bestBoard core.BoardKey
		bestRank  int
		found     bool
	)
	for _, key := range among {
		rank, ok := b.Rank(key, id)
		if !ok {
			continue
		}
		if !found || rank < bestRank || (rank == bestRank && key < bestBoard) {
			bestBoard, bestRank, found = key, rank, true
		}
	}
	return bestBoard, bestRank, found
}

// Top returns the first n rows of board.
func (b *Bundle) Top(board core.BoardKey, n int) []core.SnapshotRow {
	rows := b.Boards[board]
	if n < len(rows) {
		rows = rows[:n]
	}
	return rows
}

// BoardKeys returns the bundle's board keys in sorted order.
func (b *Bundle) BoardKeys() []core.BoardKey {
	keys := make([]core.BoardKey, 0, len(b.Boards))
	for k := range b.Boards {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	store  core.Store
	cycles *cycle.Resolver
	boards []Board
	log    *logging.Logger
}

func NewService(store core.Store, cycles *cycle.Resolver, boards []Board) *Service {
	return &Service{
		store:  store,
		cycles: cycles,
		boards: boards,
		log:    logging.New("Leaderboard"),
	}
}

// Boards returns the configured boards.
func (s *Service) Boards() []Board { return s.boards }

// Board looks up a configured board by key.
func (s *Service) Board(key core.BoardKey) (Board, bool) {
	for _, b := range s.boards {
		if b.Key == key {
			return b, true
		}
	}
	return Board{}, false
}

// GetOrBuild returns the snapshot for key, building missing boards.
func (s *Service) GetOrBuild(ctx context.Context, key core.CycleKey) (*Bundle, error) {
	if err := s.checkKey(key); err != nil {
		return nil, err
	}

	var bundle *Bundle
	err := s.store.WithTx(ctx, func(tx core.Tx) error {
		builds, err := tx.SnapshotBuilds(ctx, key)
		if err != nil {
			return err
		}
		built := make(map[core.BoardKey]bool, len(builds))
		for _, b := range builds {
			built[b.Board] = true
		}

		var missing []Board
		for _, b := range s.boards {
			if !built[b.Key] {
				missing = append(missing, b)
			}
		}
		if len(missing) > 0 {
			if err := s.build(ctx, tx, key, missing); err != nil {
				return err
			}
		}

		bundle, err = s.load(ctx, tx, key)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("leaderboard %s: %w", key, err)
	}
	return bundle, nil
}

// Rebuild replaces every configured board's rows for key.
func (s *Service) Rebuild(ctx context.Context, key core.CycleKey) (*Bundle, error) {
	if err := s.checkKey(key); err != nil {
		return nil, err
	}

	keys := make([]core.BoardKey, len(s.boards))
	for i, b := range s.boards {
		keys[i] = b.Key
	}

	var bundle *Bundle
	err := s.store.WithTx(ctx, func(tx core.Tx) error {
		if err := tx.DeleteSnapshot(ctx, key, keys); err != nil {
			return err
		}
		if err := s.build(ctx, tx, key, s.boards); err != nil {
			return err
		}
		var err error
		bundle, err = s.load(ctx, tx, key)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("rebuild %s: %w", key, err)
	}

	s.log.Infof("rebuilt cycle=%s boards=%d", key, len(keys))
	return bundle, nil
}

func (s *Service) checkKey(key core.CycleKey) error {
	if _, err := core.ParseCycleKey(string(key)); err != nil {
		return err
	}
	if s.cycles.IsFuture(key) {
		return core.Invalid("cycle_key", fmt.Sprintf("%s has not started", key))
	}
	return nil
}

// build computes and inserts boards for key inside tx.
func (s *Service) build(ctx context.Context, tx core.Tx, key core.CycleKey, boards []Board) error {
	participants, err := tx.ListParticipants(ctx)
	if err != nil {
		return err
	}

	now := s.cycles.Now()
	_, end := s.cycles.Bounds(key)
	asOf := end
	if now.Before(end) {
		asOf = now
	}

	for _, b := range boards {
		var from time.Time
		if b.WindowDays > 0 {
			from = end.AddDate(0, 0, -b.WindowDays)
		}
		entries, err := tx.PointEntries(ctx, from, asOf)
		if err != nil {
			return err
		}

		rows := Compute(b, key, participants, entries)
		build := core.SnapshotBuild{Board: b.Key, CycleKey: key, BuiltAt: now, RowCount: len(rows)}
		if err := tx.InsertSnapshot(ctx, build, rows); err != nil {
			return err
		}
		s.log.Debugf("built cycle=%s board=%s rows=%d", key, b.Key, len(rows))
	}
	return nil
}

func (s *Service) load(ctx context.Context, tx core.Tx, key core.CycleKey) (*Bundle, error) {
	rows, err := tx.SnapshotRows(ctx, key)
	if err != nil {
		return nil, err
	}
	builds, err := tx.SnapshotBuilds(ctx, key)
	if err != nil {
		return nil, err
	}

	configured := make(map[core.BoardKey]bool, len(s.boards))
	bundle := &Bundle{
		CycleKey: key,
		Boards:   make(map[core.BoardKey][]core.SnapshotRow, len(s.boards)),
		Final:    s.cycles.IsClosed(key),
	}
	for _, b := range s.boards {
		configured[b.Key] = true
		bundle.Boards[b.Key] = []core.SnapshotRow{}
	}
	for _, r := range rows {
		if configured[r.Board] {
			bundle.Boards[r.Board] = append(bundle.Boards[r.Board], r)
		}
	}
	for _, b := range builds {
		if configured[b.Board] && b.BuiltAt.After(bundle.BuiltAt) {
			bundle.BuiltAt = b.BuiltAt
		}
	}
	return bundle, nil
}

// =============================================================================
// RANKING
// =============================================================================

// Compute ranks participants on board from entries. Rows are returned
// in rank order.
func Compute(b Board, key core.CycleKey, participants []core.Participant, entries []core.LedgerEntry) []core.SnapshotRow {
	scores := make(map[core.ParticipantID]core.Points, len(participants))
	for _, p := range participants {
		scores[p.ID] = core.Points{}
	}
	for _, e := range entries {
		score, known := scores[e.ParticipantID]
		if !known || !b.counts(e) {
			continue
		}
		scores[e.ParticipantID] = score.Add(e.Delta)
	}

	rows := make([]core.SnapshotRow, 0, len(scores))
	for id, score := range scores {
		rows = append(rows, core.SnapshotRow{Board: b.Key, CycleKey: key, ParticipantID: id, Score: score})
	}

	sort.Slice(rows, func(i, j int) bool {
		c := rows[i].Score.Cmp(rows[j].Score)
		if b.ascending() {
			c = -c
		}
		if c != 0 {
			return c > 0
		}
		return rows[i].ParticipantID < rows[j].ParticipantID
	})

	for i := range rows {
		rows[i].Rank = i + 1
	}
	return rows
}
