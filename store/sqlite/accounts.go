package sqlite

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/warp/progress-engine/core"
)

// =============================================================================
// ACCOUNTS - Participants, roles, links and sessions
// =============================================================================
//
// These writes belong to the surrounding application (enrolment, staff
// administration, login). The core only reads them; the store exposes them
// for seeding, the CLI and tests.

// SaveParticipant inserts or updates a participant.
func (s *Store) SaveParticipant(ctx context.Context, p core.Participant) error {
	if p.ID == "" {
		return core.Invalid("participant_id", "required")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO participants (id, name, group_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			group_id = excluded.group_id`,
		p.ID, p.Name, p.GroupID, formatTime(p.CreatedAt))
	return core.StoreErr("save participant", err)
}

// SaveRole grants a role. Granting the same role twice is a no-op.
func (s *Store) SaveRole(ctx context.Context, r core.RoleRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_roles (user_id, role, scope) VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING`,
		r.UserID, r.Role, r.Scope)
	return core.StoreErr("save role", err)
}

// SaveLink records a self or parent relation between a user and a participant.
func (s *Store) SaveLink(ctx context.Context, l core.Link) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_links (user_id, participant_id, relation) VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING`,
		l.UserID, l.ParticipantID, l.Relation)
	return core.StoreErr("save link", err)
}

// CreateSession issues an opaque bearer token for user, valid until now+ttl.
func (s *Store) CreateSession(ctx context.Context, user core.UserID, ttl time.Duration, now time.Time) (string, error) {
	if user == "" {
		return "", core.Invalid("user_id", "required")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	token := hex.EncodeToString(buf)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (token, user_id, expires_at, created_at)
		VALUES (?, ?, ?, ?)`,
		token, user, formatTime(now.Add(ttl)), formatTime(now))
	if err != nil {
		return "", core.StoreErr("create session", err)
	}
	return token, nil
}

// ResolveSession returns the user behind token. Unknown or expired tokens
// yield ErrAuthenticationMissing.
func (s *Store) ResolveSession(ctx context.Context, token string, now time.Time) (core.UserID, error) {
	if token == "" {
		return "", core.ErrAuthenticationMissing
	}
	var user core.UserID
	err := s.db.QueryRowContext(ctx,
		"SELECT user_id FROM sessions WHERE token = ? AND expires_at > ?",
		token, formatTime(now)).Scan(&user)
	if errors.Is(err, sql.ErrNoRows) {
		return "", core.ErrAuthenticationMissing
	}
	if err != nil {
		return "", core.StoreErr("resolve session", err)
	}
	return user, nil
}
