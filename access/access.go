/*
Package access resolves which roles an acting user holds over a participant.

PURPOSE:
  Every inbound operation resolves identity first, then asks this package
  whether the identity may act on the target. Roles are a set, not a
  single enum: a coach may also be a parent of one of their students.

ROLES:
  self       user is linked to the participant as themselves
  parent     user is linked to the participant as a parent
  coach      role record, scoped to a group or (empty scope) every group
  classroom  shared classroom account, scoped like coach
  admin      global

BATCH GATE:
  Batch calls (many participants at once) need one of {admin, coach,
  classroom}. In BatchFirst mode only the first participant is checked;
  BatchEach checks every participant in the list.

SEE ALSO:
  - core/records.go: Role, RoleRecord, Link
  - api/middleware.go: identity resolution
*/
package access

import (
	"context"
	"fmt"
	"sort"

	"github.com/warp/progress-engine/core"
)

// BatchMode selects how RequireBatch checks a participant list.
type BatchMode string

const (
	BatchFirst BatchMode = "first"
	BatchEach  BatchMode = "each"
)

// ParseBatchMode accepts "" as BatchFirst.
func ParseBatchMode(s string) (BatchMode, error) {
	switch BatchMode(s) {
	case "", BatchFirst:
		return BatchFirst, nil
	case BatchEach:
		return BatchEach, nil
	default:
		return "", core.Invalid("access.batch_check", fmt.Sprintf("unknown mode %q", s))
	}
}

// Privileged roles may run batch operations.
var Privileged = []core.Role{core.RoleAdmin, core.RoleCoach, core.RoleClassroom}

// AnyRole accepts every relation to a participant.
var AnyRole = []core.Role{core.RoleSelf, core.RoleParent, core.RoleCoach, core.RoleClassroom, core.RoleAdmin}

// =============================================================================
// ROLE SET
// =============================================================================

type RoleSet map[core.Role]bool

// HasAny reports whether at least one of roles is in the set.
func (s RoleSet) HasAny(roles ...core.Role) bool {
	for _, r := range roles {
		if s[r] {
			return true
		}
	}
	return false
}

// List returns the roles sorted by name.
func (s RoleSet) List() []core.Role {
	out := make([]core.Role, 0, len(s))
	for r := range s {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// =============================================================================
// RESOLVER
// =============================================================================

// Store is the role storage the resolver reads.
type Store interface {
	core.AccessReader
	core.ParticipantReader
}

type Resolver struct {
	store Store
	mode  BatchMode
}

func NewResolver(store Store, mode BatchMode) *Resolver {
	if mode == "" {
		mode = BatchFirst
	}
	return &Resolver{store: store, mode: mode}
}

func (r *Resolver) Mode() BatchMode { return r.mode }

// ResolveAccess returns the roles user holds over target. With an empty
// target it returns the roles user holds anywhere (admin, plus coach and
// classroom in any scope).
func (r *Resolver) ResolveAccess(ctx context.Context, user core.UserID, target core.ParticipantID) (RoleSet, error) {
	if user == "" {
		return nil, core.ErrAuthenticationMissing
	}

	records, err := r.store.RoleRecords(ctx, user)
	if err != nil {
		return nil, err
	}

	roles := RoleSet{}
	if target == "" {
		for _, rec := range records {
			roles[rec.Role] = true
		}
		return roles, nil
	}

	participant, err := r.store.GetParticipant(ctx, target)
	if err != nil {
		return nil, err
	}
	if participant == nil {
		return nil, fmt.Errorf("participant %s: %w", target, core.ErrNotFound)
	}

	for _, rec := range records {
		switch rec.Role {
		case core.RoleAdmin:
			roles[core.RoleAdmin] = true
		case core.RoleCoach, core.RoleClassroom:
			if rec.Scope == "" || rec.Scope == participant.GroupID {
				roles[rec.Role] = true
			}
		}
	}

	links, err := r.store.Links(ctx, user)
	if err != nil {
		return nil, err
	}
	for _, l := range links {
		if l.ParticipantID == target && (l.Relation == core.RoleSelf || l.Relation == core.RoleParent) {
			roles[l.Relation] = true
		}
	}

	return roles, nil
}

// Require fails with *core.AuthorizationError unless user holds one of roles over target.
func (r *Resolver) Require(ctx context.Context, user core.UserID, target core.ParticipantID, roles ...core.Role) (RoleSet, error) {
	held, err := r.ResolveAccess(ctx, user, target)
	if err != nil {
		return nil, err
	}
	if !held.HasAny(roles...) {
		return nil, denied(user, target, roles)
	}
	return held, nil
}

// RequireAdmin gates operator actions: rebuilds, gift runs, rule management.
func (r *Resolver) RequireAdmin(ctx context.Context, user core.UserID) error {
	_, err := r.Require(ctx, user, "", core.RoleAdmin)
	return err
}

// RequireBatch gates an operation over participants.
func (r *Resolver) RequireBatch(ctx context.Context, user core.UserID, participants []core.ParticipantID) error {
	if user == "" {
		return core.ErrAuthenticationMissing
	}
	if len(participants) == 0 {
		return core.Invalid("participant_ids", "batch is empty")
	}

	check := participants[:1]
	if r.mode == BatchEach {
		check = participants
	}
	for _, id := range check {
		if id == "" {
			return core.Invalid("participant_ids", "empty participant id")
		}
		if _, err := r.Require(ctx, user, id, Privileged...); err != nil {
			return err
		}
	}
	return nil
}

func denied(user core.UserID, target core.ParticipantID, roles []core.Role) error {
	names := make([]string, len(roles))
	for i, role := range roles {
		names[i] = string(role)
	}
	return &core.AuthorizationError{UserID: user, ParticipantID: target, Required: names}
}
