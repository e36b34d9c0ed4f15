/*
Package redeem implements the once-per-cycle daily reward claim.

PURPOSE:
  A participant ranked at or above the threshold on any configured board
  may claim a reward once per cycle key. Status checks are cheap reads;
  the claim is the only side effect.

CRITICAL INVARIANT:
  At most one DailyRedeemRecord per (participant, cycle key). The store's
  primary key is the arbiter: a claim that collides with an existing
  record is reported as already redeemed, never as an error, so
  double-taps and retried requests are safe.

ELIGIBILITY:
  eligible = best rank over Config.Boards <= RankThreshold
             AND no record for (participant, cycle key)

BATCH:
  ComputeStatuses judges every participant against the one bundle it is
  given and fetches redeem records in a single query.

REWARD:
  Issued as ledger entries in the same transaction as the record, keyed
  redeem:{participant}:{cycle} (and :item for the item grant).

SEE ALSO:
  - leaderboard/leaderboard.go: Bundle, GetOrBuild
  - core/ledger.go: Issue
*/
package redeem

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/progress-engine/core"
	"github.com/warp/progress-engine/cycle"
	"github.com/warp/progress-engine/leaderboard"
	"github.com/warp/progress-engine/logging"
)

// Config is the redeem section of the application config.
type Config struct {
	RankThreshold  int
	Boards         []core.BoardKey // empty = every board in the bundle
	RewardPoints   core.Points
	RewardItem     core.ItemID
	RewardQuantity int
}

type Reason string

const (
	ReasonNotRanked          Reason = "not_ranked"
	ReasonRankBelowThreshold Reason = "rank_below_threshold"
	ReasonAlreadyRedeemed    Reason = "already_redeemed"
)

// Status is a participant's redeem standing for one cycle.
type Status struct {
	ParticipantID   core.ParticipantID
	CycleKey        core.CycleKey
	Eligible        bool
	AlreadyRedeemed bool
	Board           core.BoardKey // best board, when ranked
	Rank            int           // 0 when not ranked
	Reason          Reason        // empty when eligible
}

// ClaimResult reports what a claim did.
type ClaimResult struct {
	Claimed bool // false when the participant was ineligible or had already claimed
	Status  Status
	Record  *core.RedeemRecord
	Granted []core.LedgerEntry
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store  core.Store
	boards *leaderboard.Service
	cycles *cycle.Resolver
	cfg    Config
	log    *logging.Logger
}

func NewEngine(store core.Store, boards *leaderboard.Service, cycles *cycle.Resolver, cfg Config) *Engine {
	if cfg.RankThreshold <= 0 {
		cfg.RankThreshold = 1
	}
	return &Engine{
		store:  store,
		boards: boards,
		cycles: cycles,
		cfg:    cfg,
		log:    logging.New("Redeem"),
	}
}

// ComputeStatus evaluates one participant against bundle.
func (e *Engine) ComputeStatus(ctx context.Context, id core.ParticipantID, bundle *leaderboard.Bundle, key core.CycleKey) (Status, error) {
	if id == "" {
		return Status{}, core.Invalid("participant_id", "required")
	}
	if err := checkBundle(bundle, key); err != nil {
		return Status{}, err
	}

	record, err := e.store.GetRedeem(ctx, id, key)
	if err != nil {
		return Status{}, err
	}
	return e.evaluate(bundle, id, record), nil
}

// ComputeStatuses evaluates many participants against the same bundle.
func (e *Engine) ComputeStatuses(ctx context.Context, ids []core.ParticipantID, bundle *leaderboard.Bundle, key core.CycleKey) ([]Status, error) {
	if len(ids) == 0 {
		return nil, core.Invalid("participant_ids", "batch is empty")
	}
	for _, id := range ids {
		if id == "" {
			return nil, core.Invalid("participant_ids", "empty participant id")
		}
	}
	if err := checkBundle(bundle, key); err != nil {
		return nil, err
	}

	records, err := e.store.RedeemsForCycle(ctx, key, ids)
	if err != nil {
		return nil, err
	}

	out := make([]Status, len(ids))
	for i, id := range ids {
		var record *core.RedeemRecord
		if r, ok := records[id]; ok {
			record = &r
		}
		out[i] = e.evaluate(bundle, id, record)
	}
	return out, nil
}

// CurrentStatus builds (or loads) the current cycle's bundle and
// evaluates id against it.
func (e *Engine) CurrentStatus(ctx context.Context, id core.ParticipantID) (Status, error) {
	key := e.cycles.Current()
	bundle, err := e.boards.GetOrBuild(ctx, key)
	if err != nil {
		return Status{}, err
	}
	return e.ComputeStatus(ctx, id, bundle, key)
}

// Claim records a redeem for id in cycle key and issues the reward.
// Only the current cycle may be claimed.
func (e *Engine) Claim(ctx context.Context, id core.ParticipantID, key core.CycleKey, by core.UserID) (ClaimResult, error) {
	if id == "" {
		return ClaimResult{}, core.Invalid("participant_id", "required")
	}
	if _, err := core.ParseCycleKey(string(key)); err != nil {
		return ClaimResult{}, err
	}
	if current := e.cycles.Current(); key != current {
		return ClaimResult{}, core.Invalid("cycle_key", fmt.Sprintf("claims are accepted for %s only", current))
	}

	participant, err := e.store.GetParticipant(ctx, id)
	if err != nil {
		return ClaimResult{}, err
	}
	if participant == nil {
		return ClaimResult{}, fmt.Errorf("participant %s: %w", id, core.ErrNotFound)
	}

	bundle, err := e.boards.GetOrBuild(ctx, key)
	if err != nil {
		return ClaimResult{}, err
	}

	var result ClaimResult
	err = e.store.WithTx(ctx, func(tx core.Tx) error {
		existing, err := tx.GetRedeem(ctx, id, key)
		if err != nil {
			return err
		}
		status := e.evaluate(bundle, id, existing)
		result.Status = status
		if !status.Eligible {
			return nil
		}

		now := e.cycles.Now()
		grants := e.rewardEntries(id, key, by, now)
		record := core.RedeemRecord{
			ParticipantID: id,
			CycleKey:      key,
			RedeemedAt:    now,
			Board:         status.Board,
			Rank:          status.Rank,
		}
		if len(grants) > 0 {
			record.LedgerEntryID = grants[0].ID
		}

		// The record goes first: losing the race writes nothing else.
		if err := tx.InsertRedeem(ctx, record); err != nil {
			if core.IsAlreadyApplied(err) {
				result.Status = alreadyRedeemed(status)
				return nil
			}
			return err
		}

		for _, g := range grants {
			issued, err := core.Issue(ctx, tx, g)
			if err != nil {
				return err
			}
			if issued {
				result.Granted = append(result.Granted, g)
			}
		}

		result.Claimed = true
		result.Record = &record
		result.Status = alreadyRedeemed(status)
		return nil
	})
	if err != nil {
		return ClaimResult{}, fmt.Errorf("claim %s/%s: %w", id, key, err)
	}

	if result.Claimed {
		e.log.Infof("claimed participant=%s cycle=%s board=%s rank=%d grants=%d",
			id, key, result.Status.Board, result.Status.Rank, len(result.Granted))
	}
	return result, nil
}

// History lists a participant's redeem records, newest first.
func (e *Engine) History(ctx context.Context, id core.ParticipantID) ([]core.RedeemRecord, error) {
	if id == "" {
		return nil, core.Invalid("participant_id", "required")
	}
	return e.store.RedeemHistory(ctx, id)
}

// =============================================================================
// EVALUATION
// =============================================================================

func (e *Engine) evaluate(bundle *leaderboard.Bundle, id core.ParticipantID, record *core.RedeemRecord) Status {
	status := Status{ParticipantID: id, CycleKey: bundle.CycleKey}

	board, rank, ranked := bundle.Best(id, e.cfg.Boards)
	if ranked {
		status.Board, status.Rank = board, rank
	}

	switch {
	case record != nil:
		return alreadyRedeemed(status)
	case !ranked:
		status.Reason = ReasonNotRanked
	case rank > e.cfg.RankThreshold:
		status.Reason = ReasonRankBelowThreshold
	default:
		status.Eligible = true
	}
	return status
}

func alreadyRedeemed(s Status) Status {
	s.Eligible = false
	s.AlreadyRedeemed = true
	s.Reason = ReasonAlreadyRedeemed
	return s
}

func (e *Engine) rewardEntries(id core.ParticipantID, key core.CycleKey, by core.UserID, at time.Time) []core.LedgerEntry {
	base := fmt.Sprintf("redeem:%s:%s", id, key)
	reason := fmt.Sprintf("daily redeem %s", key)

	var out []core.LedgerEntry
	if e.cfg.RewardPoints.IsPositive() {
		out = append(out, core.PointsEntry(id, e.cfg.RewardPoints, core.SourceDailyRedeem, reason, base, by, at))
	}
	if e.cfg.RewardItem != "" && e.cfg.RewardQuantity > 0 {
		out = append(out, core.ItemEntry(id, e.cfg.RewardItem, e.cfg.RewardQuantity, core.SourceDailyRedeem, reason, base+":item", by, at))
	}
	return out
}

func checkBundle(bundle *leaderboard.Bundle, key core.CycleKey) error {
	if bundle == nil {
		return core.Invalid("bundle", "required")
	}
	if bundle.CycleKey != key {
		return core.Invalid("cycle_key", fmt.Sprintf("bundle is for %s, not %s", bundle.CycleKey, key))
	}
	return nil
}
