package gifts

import (
	"context"
	"fmt"

	"github.com/warp/progress-engine/core"
)

// =============================================================================
// RULE MANAGEMENT
// =============================================================================

// ValidateRule checks a rule definition before it is stored.
func ValidateRule(r core.GiftRule) error {
	if r.Name == "" {
		return core.Invalid("name", "required")
	}
	if r.GiftItemID == "" {
		return core.Invalid("gift_item_id", "required")
	}
	if r.Quantity < 1 {
		return core.Invalid("quantity", "must be at least 1")
	}
	if err := ValidateSchedule(r.Schedule); err != nil {
		return err
	}
	return ValidateTarget(r.Target)
}

// SaveRule creates or updates a rule definition. The watermark of an
// existing rule is preserved.
func (s *Scheduler) SaveRule(ctx context.Context, r core.GiftRule) (*core.GiftRule, error) {
	if err := ValidateRule(r); err != nil {
		return nil, err
	}
	if r.ID == "" {
		r.ID = core.RuleID(core.NewID())
	}

	now := s.cycles.Now()
	existing, err := s.store.GetGiftRule(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		r.CreatedAt = existing.CreatedAt
	} else {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	if err := s.store.SaveGiftRule(ctx, r); err != nil {
		return nil, err
	}
	return s.store.GetGiftRule(ctx, r.ID)
}

func (s *Scheduler) ListRules(ctx context.Context) ([]core.GiftRule, error) {
	return s.store.ListGiftRules(ctx)
}

// GetRule returns ErrNotFound for unknown ids.
func (s *Scheduler) GetRule(ctx context.Context, id core.RuleID) (*core.GiftRule, error) {
	r, err := s.store.GetGiftRule(ctx, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("gift rule %s: %w", id, core.ErrNotFound)
	}
	return r, nil
}

func (s *Scheduler) SetEnabled(ctx context.Context, id core.RuleID, enabled bool) (*core.GiftRule, error) {
	r, err := s.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	r.Enabled = enabled
	return s.SaveRule(ctx, *r)
}

// Occurrences lists what a rule has fired so far.
func (s *Scheduler) Occurrences(ctx context.Context, id core.RuleID) ([]core.GiftOccurrence, error) {
	if _, err := s.GetRule(ctx, id); err != nil {
		return nil, err
	}
	return s.store.GiftOccurrences(ctx, id)
}

// Seed stores configured rules that don't exist yet. Rules already in the
// store are left alone so operator edits and watermarks survive restarts.
func (s *Scheduler) Seed(ctx context.Context, rules []core.GiftRule) (int, error) {
	created := 0
	for _, r := range rules {
		if r.ID == "" {
			return created, core.Invalid("gifts.rules.id", "seeded rules need a stable id")
		}
		existing, err := s.store.GetGiftRule(ctx, r.ID)
		if err != nil {
			return created, err
		}
		if existing != nil {
			continue
		}
		if _, err := s.SaveRule(ctx, r); err != nil {
			return created, fmt.Errorf("seed rule %s: %w", r.ID, err)
		}
		created++
	}
	if created > 0 {
		s.log.Infof("seeded %d gift rules", created)
	}
	return created, nil
}
