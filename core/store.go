/*
store.go - Persistence interface for the progress engine

PURPOSE:
  Defines the interface between the temporal core and the relational store.
  Components are stateless computation: each logical operation (claim,
  rebuild, penalty pass, scheduler occurrence) reads and writes through one
  Tx so a competing operation sees either the full pre-state or the full
  post-state.

KEY INTERFACES:
  Tx:    Every read and write the core performs
  Store: Tx with autocommit semantics plus WithTx for atomic units

UNIQUENESS CONTRACT:
  The store is the sole arbiter of first-writer-wins. Inserts that collide
  with a uniqueness constraint, and compare-and-set updates whose expected
  value no longer holds, return ErrAlreadyApplied:
  - AppendLedger:             ledger_entries.idempotency_key
  - InsertRedeem:             (participant_id, cycle_key)
  - InsertSnapshot:           (board, cycle_key[, participant_id])
  - InsertGiftOccurrence:     (rule_id, seq)
  - AdvanceGiftWatermark:     last_fired_seq compare-and-set
  - UpdateCountdownPenalties: penalty_applied_count compare-and-set

LOOKUPS:
  Single-record getters return (nil, nil) when the record doesn't exist.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite, fixed versioned schema

SEE ALSO:
  - errors.go: ErrAlreadyApplied, StoreError
  - ledger.go: Entry construction used with AppendLedger
*/
package core

import (
	"context"
	"time"
)

// =============================================================================
// TX - Operations available inside (and outside) a transaction
// =============================================================================

type Tx interface {
	ParticipantReader
	AccessReader
	LedgerWriter

	// LedgerEntries returns a participant's entries, oldest first.
	LedgerEntries(ctx context.Context, id ParticipantID) ([]LedgerEntry, error)

	// PointEntries returns points entries with CreatedAt in [from, to).
	// A zero from means no lower bound.
	PointEntries(ctx context.Context, from, to time.Time) ([]LedgerEntry, error)

	// Leaderboard snapshots
	SnapshotRows(ctx context.Context, key CycleKey) ([]SnapshotRow, error)
	SnapshotBuilds(ctx context.Context, key CycleKey) ([]SnapshotBuild, error)
	InsertSnapshot(ctx context.Context, build SnapshotBuild, rows []SnapshotRow) error
	DeleteSnapshot(ctx context.Context, key CycleKey, boards []BoardKey) error

	// Daily redeem
	GetRedeem(ctx context.Context, id ParticipantID, key CycleKey) (*RedeemRecord, error)
	RedeemsForCycle(ctx context.Context, key CycleKey, ids []ParticipantID) (map[ParticipantID]RedeemRecord, error)
	InsertRedeem(ctx context.Context, r RedeemRecord) error
	RedeemHistory(ctx context.Context, id ParticipantID) ([]RedeemRecord, error)

	// Gift rules
	ListGiftRules(ctx context.Context) ([]GiftRule, error)
	GetGiftRule(ctx context.Context, id RuleID) (*GiftRule, error)
	// SaveGiftRule upserts the definition and never touches the watermark.
	SaveGiftRule(ctx context.Context, r GiftRule) error
	AdvanceGiftWatermark(ctx context.Context, id RuleID, fromSeq, toSeq int, occurrenceID string, at time.Time) error
	InsertGiftOccurrence(ctx context.Context, o GiftOccurrence) error
	GiftOccurrences(ctx context.Context, id RuleID) ([]GiftOccurrence, error)

	// Skill countdowns
	CountdownEntries(ctx context.Context, id ParticipantID) ([]CountdownEntry, error)
	// SaveCountdown upserts an entry, resetting its penalty count and resolution.
	SaveCountdown(ctx context.Context, e CountdownEntry) error
	UpdateCountdownPenalties(ctx context.Context, id ParticipantID, skill SkillID, fromCount, toCount int, checkedAt time.Time) error
	TouchCountdown(ctx context.Context, id ParticipantID, skill SkillID, checkedAt time.Time) error
	ResolveCountdown(ctx context.Context, id ParticipantID, skill SkillID, at time.Time) error
}

// ParticipantReader looks up participants.
type ParticipantReader interface {
	GetParticipant(ctx context.Context, id ParticipantID) (*Participant, error)
	ListParticipants(ctx context.Context) ([]Participant, error)
	ListParticipantsInGroup(ctx context.Context, group GroupID) ([]Participant, error)
}

// AccessReader is the role storage collaborator.
type AccessReader interface {
	RoleRecords(ctx context.Context, user UserID) ([]RoleRecord, error)
	Links(ctx context.Context, user UserID) ([]Link, error)
}

// LedgerWriter is the grant issuance collaborator.
type LedgerWriter interface {
	// AppendLedger records an entry. Returns ErrAlreadyApplied when the
	// idempotency key already exists.
	AppendLedger(ctx context.Context, e LedgerEntry) error
}

// =============================================================================
// STORE - Autocommit access plus atomic units
// =============================================================================

type Store interface {
	Tx

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// fn must only use the Tx it is given.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}
