/*
ledger.go - Append-only grant and penalty log

PURPOSE:
  The ledger is the durable record of every point delta and item grant.
  Scores and balances are always computed by replaying entries; there is
  no stored balance field that can drift.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: entries are never updated or deleted
  2. IDEMPOTENT: one idempotency key = at most one entry
  3. AUDITABLE: every entry names its source, reason and actor

IDEMPOTENCY KEYS:
  redeem:{participant}:{cycle}            daily redeem reward
  redeem:{participant}:{cycle}:item       daily redeem item reward
  gift:{rule}:{seq}:{participant}         scheduled gift grant
  countdown:{participant}:{skill}:{deadline}:{n}
                                          n-th lapsed period penalty

SEE ALSO:
  - store.go: LedgerWriter
  - redeem/, gifts/, countdown/: issuers
*/
package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// ENTRY CONSTRUCTION
// =============================================================================

// PointsEntry builds a points entry with a fresh ID.
func PointsEntry(id ParticipantID, delta Points, source Source, reason, key string, by UserID, at time.Time) LedgerEntry {
	return LedgerEntry{
		ID:             EntryID(NewID()),
		ParticipantID:  id,
		Kind:           EntryPoints,
		Delta:          delta,
		Reason:         reason,
		Source:         source,
		IdempotencyKey: key,
		CreatedBy:      by,
		CreatedAt:      at,
	}
}

// ItemEntry builds an item grant with a fresh ID.
func ItemEntry(id ParticipantID, item ItemID, quantity int, source Source, reason, key string, by UserID, at time.Time) LedgerEntry {
	return LedgerEntry{
		ID:             EntryID(NewID()),
		ParticipantID:  id,
		Kind:           EntryItem,
		ItemID:         item,
		Quantity:       quantity,
		Reason:         reason,
		Source:         source,
		IdempotencyKey: key,
		CreatedBy:      by,
		CreatedAt:      at,
	}
}

// Issue appends e and reports whether it was newly written.
// A duplicate idempotency key is not an error.
func Issue(ctx context.Context, w LedgerWriter, e LedgerEntry) (bool, error) {
	if e.IdempotencyKey == "" {
		return false, Invalid("idempotency_key", "required for issued entries")
	}
	if err := w.AppendLedger(ctx, e); err != nil {
		if errors.Is(err, ErrAlreadyApplied) {
			return false, nil
		}
		return false, fmt.Errorf("issue %s: %w", e.IdempotencyKey, err)
	}
	return true, nil
}

// =============================================================================
// BALANCE - Derived from entries
// =============================================================================

// BalanceOf replays entries into a balance.
func BalanceOf(id ParticipantID, entries []LedgerEntry) Balance {
	b := Balance{ParticipantID: id, Items: map[ItemID]int{}}
	for _, e := range entries {
		switch e.Kind {
		case EntryPoints:
			b.Points = b.Points.Add(e.Delta)
		case EntryItem:
			b.Items[e.ItemID] += e.Quantity
		}
		b.Entries++
	}
	return b
}
