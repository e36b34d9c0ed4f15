package core

import (
	"time"
)

// =============================================================================
// CYCLE KEY - Canonical identifier of one logical day
// =============================================================================

// CycleKeyLayout is the YYYY-MM-DD form every cycle key takes.
const CycleKeyLayout = "2006-01-02"

// CycleKey partitions snapshot and redemption rows. Keys compare as strings.
// Resolution from wall-clock time lives in the cycle package.
type CycleKey string

// ParseCycleKey validates a YYYY-MM-DD key.
func ParseCycleKey(s string) (CycleKey, error) {
	t, err := time.Parse(CycleKeyLayout, s)
	if err != nil {
		return "", Invalid("cycle_key", "expected YYYY-MM-DD")
	}
	// Round-trip rejects non-canonical forms such as "2024-6-1".
	if t.Format(CycleKeyLayout) != s {
		return "", Invalid("cycle_key", "expected YYYY-MM-DD")
	}
	return CycleKey(s), nil
}

// KeyOf formats a calendar date (year, month, day of t) as a key.
func KeyOf(t time.Time) CycleKey { return CycleKey(t.Format(CycleKeyLayout)) }

// Date returns the key's calendar date at midnight UTC.
func (k CycleKey) Date() time.Time {
	t, _ := time.Parse(CycleKeyLayout, string(k))
	return t
}

func (k CycleKey) AddDays(n int) CycleKey { return KeyOf(k.Date().AddDate(0, 0, n)) }
func (k CycleKey) Before(o CycleKey) bool { return k < o }
func (k CycleKey) After(o CycleKey) bool { return k > o }
func (k CycleKey) IsZero() bool { return k == "" }
func (k CycleKey) String() string { return string(k) }

// =============================================================================
// ROLES - Authorization vocabulary
// =============================================================================

type Role string

const (
	RoleSelf      Role = "self"      // Acting user is the participant (via link)
	RoleParent    Role = "parent"    // Acting user is linked as a parent
	RoleCoach     Role = "coach"     // Coach, optionally scoped to a group
	RoleClassroom Role = "classroom" // Shared classroom account, optionally scoped
	RoleAdmin     Role = "admin"     // Global administrator
)

// RoleRecord is one stored role grant. Empty Scope means every group.
type RoleRecord struct {
	UserID UserID
	Role   Role
	Scope  GroupID
}

// Link ties a user account to a participant as self or parent.
type Link struct {
	UserID        UserID
	ParticipantID ParticipantID
	Relation      Role // RoleSelf or RoleParent
}

// =============================================================================
// LEADERBOARD SNAPSHOTS
// =============================================================================

// SnapshotRow is one participant's standing on one board for one cycle.
type SnapshotRow struct {
	Board         BoardKey
	CycleKey      CycleKey
	ParticipantID ParticipantID
	Rank          int
	Score         Points
}

// SnapshotBuild marks a board as materialized for a cycle, including
// boards that had no participants to rank.
type SnapshotBuild struct {
	Board    BoardKey
	CycleKey CycleKey
	BuiltAt  time.Time
	RowCount int
}

// =============================================================================
// DAILY REDEEM
// =============================================================================

// RedeemRecord exists at most once per (participant, cycle).
type RedeemRecord struct {
	ParticipantID ParticipantID
	CycleKey      CycleKey
	RedeemedAt    time.Time
	Board         BoardKey
	Rank          int
	LedgerEntryID EntryID
}

// =============================================================================
// GIFT AUTO-ASSIGNMENT RULES
// =============================================================================

type ScheduleKind string

const (
	ScheduleInterval ScheduleKind = "interval" // Every N days counted from an anchor
	ScheduleOnce     ScheduleKind = "once"     // A single fixed instant
)

type Schedule struct {
	Kind      ScheduleKind `json:"kind" yaml:"kind"`
	Anchor    time.Time    `json:"anchor,omitempty" yaml:"anchor,omitempty"`
	EveryDays int          `json:"every_days,omitempty" yaml:"every_days,omitempty"`
	At        time.Time    `json:"at,omitempty" yaml:"at,omitempty"`
}

type TargetKind string

const (
	TargetExplicit TargetKind = "explicit"  // Fixed participant list
	TargetGroup    TargetKind = "group"     // Everyone in a group at run time
	TargetAll      TargetKind = "all"       // Every participant at run time
	TargetBoardTop TargetKind = "board_top" // Top N of a board in the current snapshot
)

type TargetSelector struct {
	Kind         TargetKind      `json:"kind" yaml:"kind"`
	Participants []ParticipantID `json:"participants,omitempty" yaml:"participants,omitempty"`
	GroupID      GroupID         `json:"group_id,omitempty" yaml:"group_id,omitempty"`
	Board        BoardKey        `json:"board,omitempty" yaml:"board,omitempty"`
	Top          int             `json:"top,omitempty" yaml:"top,omitempty"`
}

// GiftRule grants GiftItemID x Quantity to its targets on each occurrence.
// LastFiredSeq is the persisted watermark; 0 means never fired.
type GiftRule struct {
	ID                  RuleID
	Name                string
	Enabled             bool
	Schedule            Schedule
	Target              TargetSelector
	GiftItemID          ItemID
	Quantity            int
	LastFiredSeq        int
	LastFiredOccurrence string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// GiftOccurrence records one fired occurrence of a rule.
type GiftOccurrence struct {
	RuleID       RuleID
	Seq          int
	OccurrenceID string
	FiredAt      time.Time
	GrantedBy    UserID
	GrantCount   int
}

// =============================================================================
// SKILL COUNTDOWNS
// =============================================================================

// CountdownEntry is an open skill deadline. IntervalDays > 0 makes the
// deadline repeat; PenaltyAppliedCount counts the periods already penalized.
type CountdownEntry struct {
	ParticipantID       ParticipantID
	SkillID             SkillID
	DeadlineAt          time.Time
	IntervalDays        int
	PenaltyPoints       Points
	PenaltyAppliedCount int
	LastCheckedAt       *time.Time
	ResolvedAt          *time.Time
}
