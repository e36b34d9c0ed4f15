/*
Package countdown penalizes lapsed skill deadlines exactly once per period.

PURPOSE:
  A participant's skill may carry a deadline. When it passes unresolved,
  points are deducted. Repeating deadlines (IntervalDays > 0) lapse again
  every interval until the skill is resolved.

COUNTING, NOT FLAGGING:
  penalty_applied_count records how many periods have been penalized.
  Each pass computes the periods lapsed as of now and applies only the
  difference:

    lapsed(now) = 0                               now <= deadline
                = 1                               one-shot entry
                = ceil((now - deadline) / interval) repeating entry

  Period n of a repeating entry ends at deadline + (n-1)*interval and
  lapses strictly after that instant.

  Two missed periods between passes give two penalties; two passes with no
  time between them give zero on the second.

IDEMPOTENCY:
  Each penalty is a ledger entry keyed
  countdown:{participant}:{skill}:{deadline}:{n}
  and the count moves by compare-and-set, all in one transaction per
  participant. Restarting a countdown with a new deadline starts new keys.

SEE ALSO:
  - core/records.go: CountdownEntry
  - core/ledger.go: Issue
*/
package countdown

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/warp/progress-engine/access"
	"github.com/warp/progress-engine/core"
	"github.com/warp/progress-engine/cycle"
	"github.com/warp/progress-engine/logging"
)

const day = 24 * time.Hour

// errCountMoved rolls back a pass whose compare-and-set lost.
var errCountMoved = errors.New("penalty count moved")

type State string

const (
	StateOnTrack  State = "on_track"
	StateLapsed   State = "lapsed"
	StateResolved State = "resolved"
)

// Lapsed returns the number of deadline periods elapsed at now.
func Lapsed(e core.CountdownEntry, now time.Time) int {
	if !now.After(e.DeadlineAt) {
		return 0
	}
	if e.IntervalDays <= 0 {
		return 1
	}
	interval := time.Duration(e.IntervalDays) * day
	return int((now.Sub(e.DeadlineAt)-1)/interval) + 1
}

// NextDeadline returns the end of the period now falls in.
func NextDeadline(e core.CountdownEntry, now time.Time) time.Time {
	n := Lapsed(e, now)
	if n == 0 || e.IntervalDays <= 0 {
		return e.DeadlineAt
	}
	return e.DeadlineAt.Add(time.Duration(n*e.IntervalDays) * day)
}

// StateOf classifies an entry at now.
func StateOf(e core.CountdownEntry, now time.Time) State {
	switch {
	case e.ResolvedAt != nil:
		return StateResolved
	case Lapsed(e, now) > 0:
		return StateLapsed
	default:
		return StateOnTrack
	}
}

// =============================================================================
// RESULTS
// =============================================================================

// Penalty is one applied deduction.
type Penalty struct {
	SkillID core.SkillID
	Period  int
	Points  core.Points // positive amount deducted
	EntryID core.EntryID
}

type ProcessResult struct {
	ParticipantID core.ParticipantID
	CheckedAt     time.Time
	Applied       []Penalty
}

type Row struct {
	Entry         core.CountdownEntry
	State         State
	LapsedPeriods int
	Pending       int // lapsed periods not yet penalized
	NextDeadline  time.Time
}

type Summary struct {
	Total            int
	OnTrack          int
	Lapsed           int
	Resolved         int
	PenaltiesApplied int
}

type Snapshot struct {
	ParticipantID core.ParticipantID
	AsOf          time.Time
	Rows          []Row
	Summary       Summary
}

// =============================================================================
// PROCESSOR
// =============================================================================

type Processor struct {
	store          core.Store
	access         *access.Resolver
	cycles         *cycle.Resolver
	defaultPenalty core.Points
	log            *logging.Logger
}

func NewProcessor(store core.Store, acl *access.Resolver, cycles *cycle.Resolver, defaultPenalty core.Points) *Processor {
	return &Processor{
		store:          store,
		access:         acl,
		cycles:         cycles,
		defaultPenalty: defaultPenalty,
		log:            logging.New("Countdown"),
	}
}

// ProcessPenalties applies one penalty per newly lapsed period across all
// of id's open entries.
func (p *Processor) ProcessPenalties(ctx context.Context, id core.ParticipantID, acting core.UserID) (*ProcessResult, error) {
	if id == "" {
		return nil, core.Invalid("participant_id", "required")
	}
	if _, err := p.access.Require(ctx, acting, id, access.AnyRole...); err != nil {
		return nil, err
	}

	now := p.cycles.Now()
	result := &ProcessResult{ParticipantID: id, CheckedAt: now}

	err := p.store.WithTx(ctx, func(tx core.Tx) error {
		result.Applied = nil

		entries, err := tx.CountdownEntries(ctx, id)
		if err != nil {
			return err
		}

		for _, e := range entries {
			if e.ResolvedAt != nil {
				continue
			}
			lapsed := Lapsed(e, now)
			if lapsed <= e.PenaltyAppliedCount {
				if err := tx.TouchCountdown(ctx, id, e.SkillID, now); err != nil {
					return err
				}
				continue
			}

			amount := p.penaltyFor(e)
			for n := e.PenaltyAppliedCount + 1; n <= lapsed; n++ {
				key := fmt.Sprintf("countdown:%s:%s:%s:%d", id, e.SkillID, e.DeadlineAt.UTC().Format(time.RFC3339), n)
				reason := fmt.Sprintf("skill %s deadline lapsed (period %d)", e.SkillID, n)
				entry := core.PointsEntry(id, amount.Neg(), core.SourceSkillCountdown, reason, key, acting, now)

				issued, err := core.Issue(ctx, tx, entry)
				if err != nil {
					return err
				}
				if issued {
					result.Applied = append(result.Applied, Penalty{SkillID: e.SkillID, Period: n, Points: amount, EntryID: entry.ID})
				}
			}

			err := tx.UpdateCountdownPenalties(ctx, id, e.SkillID, e.PenaltyAppliedCount, lapsed, now)
			if core.IsAlreadyApplied(err) {
				return errCountMoved
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, errCountMoved) {
		p.log.Debugf("participant=%s count moved under us; nothing applied", id)
		result.Applied = nil
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("process penalties %s: %w", id, err)
	}

	if len(result.Applied) > 0 {
		p.log.Infof("participant=%s penalties=%d", id, len(result.Applied))
	}
	return result, nil
}

// FetchSnapshot reads id's entries with a summary. It writes nothing.
func (p *Processor) FetchSnapshot(ctx context.Context, id core.ParticipantID) (*Snapshot, error) {
	if id == "" {
		return nil, core.Invalid("participant_id", "required")
	}
	entries, err := p.store.CountdownEntries(ctx, id)
	if err != nil {
		return nil, err
	}

	now := p.cycles.Now()
	snap := &Snapshot{ParticipantID: id, AsOf: now, Rows: make([]Row, 0, len(entries))}
	for _, e := range entries {
		row := Row{Entry: e, State: StateOf(e, now), NextDeadline: NextDeadline(e, now)}
		if row.State != StateResolved {
			row.LapsedPeriods = Lapsed(e, now)
			if pending := row.LapsedPeriods - e.PenaltyAppliedCount; pending > 0 {
				row.Pending = pending
			}
		}
		snap.Rows = append(snap.Rows, row)

		snap.Summary.Total++
		snap.Summary.PenaltiesApplied += e.PenaltyAppliedCount
		switch row.State {
		case StateResolved:
			snap.Summary.Resolved++
		case StateLapsed:
			snap.Summary.Lapsed++
		default:
			snap.Summary.OnTrack++
		}
	}
	return snap, nil
}

// SetCountdown starts (or restarts) a countdown for a skill.
func (p *Processor) SetCountdown(ctx context.Context, acting core.UserID, e core.CountdownEntry) (*core.CountdownEntry, error) {
	switch {
	case e.ParticipantID == "":
		return nil, core.Invalid("participant_id", "required")
	case e.SkillID == "":
		return nil, core.Invalid("skill_id", "required")
	case e.DeadlineAt.IsZero():
		return nil, core.Invalid("deadline_at", "required")
	case e.IntervalDays < 0:
		return nil, core.Invalid("interval_days", "must not be negative")
	case e.PenaltyPoints.IsNegative():
		return nil, core.Invalid("penalty_points", "must not be negative")
	}
	if _, err := p.access.Require(ctx, acting, e.ParticipantID, access.AnyRole...); err != nil {
		return nil, err
	}

	if e.PenaltyPoints.IsZero() {
		e.PenaltyPoints = p.defaultPenalty
	}
	e.PenaltyAppliedCount = 0
	e.LastCheckedAt = nil
	e.ResolvedAt = nil

	if err := p.store.SaveCountdown(ctx, e); err != nil {
		return nil, err
	}
	p.log.Infof("set participant=%s skill=%s deadline=%s", e.ParticipantID, e.SkillID, e.DeadlineAt.Format(time.RFC3339))
	return &e, nil
}

// Resolve closes a countdown. Resolving twice is not an error.
func (p *Processor) Resolve(ctx context.Context, acting core.UserID, id core.ParticipantID, skill core.SkillID) (*core.CountdownEntry, error) {
	if id == "" {
		return nil, core.Invalid("participant_id", "required")
	}
	if skill == "" {
		return nil, core.Invalid("skill_id", "required")
	}
	if _, err := p.access.Require(ctx, acting, id, access.AnyRole...); err != nil {
		return nil, err
	}

	err := p.store.ResolveCountdown(ctx, id, skill, p.cycles.Now())
	if err != nil && !core.IsAlreadyApplied(err) {
		return nil, err
	}

	entries, err := p.store.CountdownEntries(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.SkillID == skill {
			return &e, nil
		}
	}
	return nil, fmt.Errorf("countdown %s/%s: %w", id, skill, core.ErrNotFound)
}

func (p *Processor) penaltyFor(e core.CountdownEntry) core.Points {
	if e.PenaltyPoints.IsPositive() {
		return e.PenaltyPoints
	}
	return p.defaultPenalty
}
