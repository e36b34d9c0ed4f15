/*
Package core provides the shared kernel of the progress engine.

PURPOSE:
  Holds the domain vocabulary every component speaks: participant and user
  identifiers, point amounts, ledger entries, the error taxonomy, the clock,
  and the persistence interfaces. The cycle, leaderboard, redeem, gifts and
  countdown packages build on these types and never on each other's tables.

KEY CONCEPTS IN THIS FILE (types.go):
  - Points: A decimal quantity of points (scores, rewards, penalties)
  - LedgerEntry: An immutable record of a point delta or item grant
  - Participant: A student whose progress is tracked
  - Typed IDs: ParticipantID, UserID, BoardKey, RuleID, SkillID, ItemID

DESIGN PRINCIPLES:
  1. Immutability: Ledger entries are never modified
  2. Precision: Uses decimal.Decimal to avoid floating-point drift in scores
  3. Type Safety: Strong typing keeps participant and user identifiers apart
  4. Idempotency: Every side-effecting entry carries an idempotency key

USAGE:
  entry := core.LedgerEntry{
      ParticipantID:  "stu-42",
      Kind:           core.EntryPoints,
      Delta:          core.NewPoints(25),
      Source:         core.SourceDailyRedeem,
      IdempotencyKey: "redeem:stu-42:2024-06-01",
  }

SEE ALSO:
  - errors.go: Error taxonomy
  - store.go: Persistence interfaces
  - ledger.go: Entry construction helpers
*/
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// POINTS - Decimal quantity used for scores, rewards and penalties
// =============================================================================

type Points struct {
	Value decimal.Decimal
}

func NewPoints(value int64) Points { return Points{Value: decimal.NewFromInt(value)} }

func NewPointsFromFloat(value float64) Points { return Points{Value: decimal.NewFromFloat(value)} }

// ParsePoints parses a decimal string. Empty input is zero.
func ParsePoints(s string) (Points, error) {
	if s == "" {
		return Points{}, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Points{}, err
	}
	return Points{Value: d}, nil
}

func (p Points) Add(o Points) Points { return Points{Value: p.Value.Add(o.Value)} }
func (p Points) Sub(o Points) Points { return Points{Value: p.Value.Sub(o.Value)} }
func (p Points) Neg() Points { return Points{Value: p.Value.Neg()} }
func (p Points) Cmp(o Points) int { return p.Value.Cmp(o.Value) }
func (p Points) IsZero() bool { return p.Value.IsZero() }
func (p Points) IsNegative() bool { return p.Value.IsNegative() }
func (p Points) IsPositive() bool { return p.Value.IsPositive() }
func (p Points) MulInt(n int64) Points { return Points{Value: p.Value.Mul(decimal.NewFromInt(n))} }
func (p Points) String() string { return p.Value.String() }
func (p Points) Equal(o Points) bool { return p.Value.Equal(o.Value) }
func (p Points) GreaterThan(o Points) bool { return p.Value.GreaterThan(o.Value) }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ParticipantID string
type UserID string
type GroupID string
type BoardKey string
type RuleID string
type SkillID string
type ItemID string
type EntryID string

// =============================================================================
// PARTICIPANT
// =============================================================================

// Participant is a student whose points, ranks and deadlines are tracked.
type Participant struct {
	ID        ParticipantID
	Name      string
	GroupID   GroupID
	CreatedAt time.Time
}

// =============================================================================
// LEDGER ENTRY - Durable record of a point delta or item grant
// =============================================================================

type EntryKind string

const (
	EntryPoints EntryKind = "points" // Point delta (positive grant or negative penalty)
	EntryItem   EntryKind = "item"   // Gift item grant
)

// Source names the subsystem that issued an entry. Boards aggregate by source.
type Source string

const (
	SourceActivity       Source = "activity"        // Regular classwork and practice points
	SourceSkillPulse     Source = "skill_pulse"     // Skill-pulse exercises
	SourceDailyRedeem    Source = "daily_redeem"    // Daily bonus claims
	SourceGiftSchedule   Source = "gift_schedule"   // Scheduled gift grants
	SourceSkillCountdown Source = "skill_countdown" // Lapsed deadline penalties
	SourceAdjustment     Source = "adjustment"      // Manual coach/admin correction
)

type LedgerEntry struct {
	ID             EntryID
	ParticipantID  ParticipantID
	Kind           EntryKind
	Delta          Points // Points entries only
	ItemID         ItemID // Item entries only
	Quantity       int    // Item entries only
	Reason         string
	Source         Source
	IdempotencyKey string

	// Audit fields
	CreatedBy UserID // Empty for system-issued entries
	CreatedAt time.Time
}

// Balance is the derived point total and item counts for a participant.
type Balance struct {
	ParticipantID ParticipantID
	Points        Points
	Items         map[ItemID]int
	Entries       int
}
