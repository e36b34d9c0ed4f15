/*
Package gifts grants scheduled gifts exactly once per due occurrence.

PURPOSE:
  Operators configure rules such as "every 7 days give each member of
  group g1 one sticker". An external trigger (ticker, cron, admin button)
  calls RunDue; this package decides which occurrences are due and issues
  the grants.

WATERMARK:
  Each rule persists last_fired_seq. Occurrence seq is due when its instant
  has passed and seq > last_fired_seq. Nothing about firing state lives in
  memory, so restarts and overlapping runs are safe.

ONE TRANSACTION PER OCCURRENCE:
  1. Compare-and-set last_fired_seq from seq-1 to seq
  2. Issue an item grant per target (key gift:{rule}:{seq}:{participant})
  3. Insert the gift_occurrences row (primary key (rule_id, seq))
  A run that loses the race at step 1 or 3 rolls back and reports the
  occurrence as already fired. A crash before commit leaves nothing behind.

DRY RUN:
  Evaluates due occurrences and targets, writes nothing.

SEE ALSO:
  - schedule.go: occurrence arithmetic
  - api/trigger.go: periodic trigger
*/
package gifts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/warp/progress-engine/core"
	"github.com/warp/progress-engine/cycle"
	"github.com/warp/progress-engine/leaderboard"
	"github.com/warp/progress-engine/logging"
)

// errAlreadyFired rolls back an occurrence another run committed first.
var errAlreadyFired = errors.New("occurrence already fired")

// RunOptions control a RunDue call.
type RunOptions struct {
	DryRun    bool
	GrantedBy core.UserID
}

// Grant is one participant's share of an occurrence.
type Grant struct {
	ParticipantID core.ParticipantID
	ItemID        core.ItemID
	Quantity      int
	Issued        bool // false in dry run or when the key already existed
}

// Fired describes one occurrence handled (or previewed) by a run.
type Fired struct {
	RuleID       core.RuleID
	OccurrenceID string
	Seq          int
	At           time.Time
	Grants       []Grant
}

// Failure records a rule that could not be processed.
type Failure struct {
	RuleID core.RuleID
	Err    error
}

type RunResult struct {
	Now      time.Time
	DryRun   bool
	Fired    []Fired
	Failures []Failure
}

// =============================================================================
// SCHEDULER
// =============================================================================

type Scheduler struct {
	store      core.Store
	boards     *leaderboard.Service
	cycles     *cycle.Resolver
	maxCatchUp int
	log        *logging.Logger
}

// NewScheduler creates a scheduler. maxCatchUp bounds the occurrences
// fired per rule per run; 0 means no bound.
func NewScheduler(store core.Store, boards *leaderboard.Service, cycles *cycle.Resolver, maxCatchUp int) *Scheduler {
	return &Scheduler{
		store:      store,
		boards:     boards,
		cycles:     cycles,
		maxCatchUp: maxCatchUp,
		log:        logging.New("Gifts"),
	}
}

// RunDue fires every due occurrence of every enabled rule as of now.
// Per-rule problems are reported in Failures; the returned error is set
// only when the rules themselves cannot be read.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time, opts RunOptions) (*RunResult, error) {
	if now.IsZero() {
		now = s.cycles.Now()
	}
	rules, err := s.store.ListGiftRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("list gift rules: %w", err)
	}

	result := &RunResult{Now: now, DryRun: opts.DryRun}
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		due := Due(rule.Schedule, rule.LastFiredSeq, now, s.maxCatchUp)
		if len(due) == 0 {
			continue
		}

		targets, err := s.ResolveTargets(ctx, rule.Target)
		if err != nil {
			result.Failures = append(result.Failures, Failure{RuleID: rule.ID, Err: err})
			s.log.Errorf("rule=%s resolve targets: %v", rule.ID, err)
			continue
		}

		for _, occ := range due {
			if opts.DryRun {
				result.Fired = append(result.Fired, preview(rule, occ, targets))
				continue
			}

			fired, err := s.fire(ctx, rule, occ, targets, opts.GrantedBy)
			if errors.Is(err, errAlreadyFired) {
				s.log.Debugf("rule=%s seq=%d already fired", rule.ID, occ.Seq)
				break
			}
			if err != nil {
				result.Failures = append(result.Failures, Failure{RuleID: rule.ID, Err: err})
				s.log.Errorf("rule=%s seq=%d: %v", rule.ID, occ.Seq, err)
				break
			}
			result.Fired = append(result.Fired, fired)
			s.log.Infof("fired rule=%s occurrence=%s grants=%d", rule.ID, occ.ID, len(fired.Grants))
		}
	}
	return result, nil
}

// fire commits one occurrence. Returns errAlreadyFired when another run
// got there first.
func (s *Scheduler) fire(ctx context.Context, rule core.GiftRule, occ Occurrence, targets []core.ParticipantID, by core.UserID) (Fired, error) {
	fired := Fired{RuleID: rule.ID, OccurrenceID: occ.ID, Seq: occ.Seq, At: occ.At}

	err := s.store.WithTx(ctx, func(tx core.Tx) error {
		firedAt := s.cycles.Now()
		if err := tx.AdvanceGiftWatermark(ctx, rule.ID, occ.Seq-1, occ.Seq, occ.ID, firedAt); err != nil {
			if core.IsAlreadyApplied(err) {
				return errAlreadyFired
			}
			return err
		}

		reason := fmt.Sprintf("gift %s occurrence %s", rule.Name, occ.ID)
		issuedCount := 0
		for _, pid := range targets {
			key := fmt.Sprintf("gift:%s:%d:%s", rule.ID, occ.Seq, pid)
			entry := core.ItemEntry(pid, rule.GiftItemID, rule.Quantity, core.SourceGiftSchedule, reason, key, by, firedAt)
			issued, err := core.Issue(ctx, tx, entry)
			if err != nil {
				return err
			}
			if issued {
				issuedCount++
			}
			fired.Grants = append(fired.Grants, Grant{ParticipantID: pid, ItemID: rule.GiftItemID, Quantity: rule.Quantity, Issued: issued})
		}

		err := tx.InsertGiftOccurrence(ctx, core.GiftOccurrence{
			RuleID:       rule.ID,
			Seq:          occ.Seq,
			OccurrenceID: occ.ID,
			FiredAt:      firedAt,
			GrantedBy:    by,
			GrantCount:   issuedCount,
		})
		if core.IsAlreadyApplied(err) {
			return errAlreadyFired
		}
		return err
	})
	if err != nil {
		return Fired{}, err
	}
	return fired, nil
}

func preview(rule core.GiftRule, occ Occurrence, targets []core.ParticipantID) Fired {
	f := Fired{RuleID: rule.ID, OccurrenceID: occ.ID, Seq: occ.Seq, At: occ.At}
	for _, pid := range targets {
		f.Grants = append(f.Grants, Grant{ParticipantID: pid, ItemID: rule.GiftItemID, Quantity: rule.Quantity})
	}
	return f
}

// =============================================================================
// TARGETS
// =============================================================================

// ResolveTargets evaluates a selector at run time. The result is sorted
// and free of duplicates.
func (s *Scheduler) ResolveTargets(ctx context.Context, sel core.TargetSelector) ([]core.ParticipantID, error) {
	var ids []core.ParticipantID

	switch sel.Kind {
	case core.TargetExplicit:
		for _, id := range sel.Participants {
			p, err := s.store.GetParticipant(ctx, id)
			if err != nil {
				return nil, err
			}
			if p == nil {
				s.log.Warnf("skipping unknown participant %s", id)
				continue
			}
			ids = append(ids, id)
		}

	case core.TargetGroup:
		ps, err := s.store.ListParticipantsInGroup(ctx, sel.GroupID)
		if err != nil {
			return nil, err
		}
		for _, p := range ps {
			ids = append(ids, p.ID)
		}

	case core.TargetAll:
		ps, err := s.store.ListParticipants(ctx)
		if err != nil {
			return nil, err
		}
		for _, p := range ps {
			ids = append(ids, p.ID)
		}

	case core.TargetBoardTop:
		if _, ok := s.boards.Board(sel.Board); !ok {
			return nil, core.Invalid("target.board", fmt.Sprintf("unknown board %q", sel.Board))
		}
		bundle, err := s.boards.GetOrBuild(ctx, s.cycles.Current())
		if err != nil {
			return nil, err
		}
		for _, row := range bundle.Top(sel.Board, sel.Top) {
			ids = append(ids, row.ParticipantID)
		}

	default:
		return nil, core.Invalid("target.kind", fmt.Sprintf("unknown kind %q", sel.Kind))
	}

	return dedupe(ids), nil
}

func dedupe(ids []core.ParticipantID) []core.ParticipantID {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := ids[:0]
	for i, id := range ids {
		if i == 0 || id != ids[i-1] {
			out = append(out, id)
		}
	}
	return out
}

// ValidateTarget checks a selector's shape.
func ValidateTarget(sel core.TargetSelector) error {
	switch sel.Kind {
	case core.TargetExplicit:
		if len(sel.Participants) == 0 {
			return core.Invalid("target.participants", "required for explicit targets")
		}
	case core.TargetGroup:
		if sel.GroupID == "" {
			return core.Invalid("target.group_id", "required for group targets")
		}
	case core.TargetAll:
	case core.TargetBoardTop:
		if sel.Board == "" {
			return core.Invalid("target.board", "required for board_top targets")
		}
		if sel.Top < 1 {
			return core.Invalid("target.top", "must be at least 1")
		}
	default:
		return core.Invalid("target.kind", fmt.Sprintf("unknown kind %q", sel.Kind))
	}
	return nil
}
