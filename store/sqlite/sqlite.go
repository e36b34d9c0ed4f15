/*
Package sqlite provides a SQLite-backed implementation of core.Store.

PURPOSE:
  Persists the five time-bucketed entities of the progress engine
  (snapshot rows, daily redeem records, gift rules with their watermark,
  skill countdowns, and the grant ledger) plus the lookup tables the core
  reads (participants, roles, links, sessions).

SCHEMA:
  Fixed and versioned. migrate() creates every table on New() and records
  schemaVersion; opening a database stamped with another version fails
  instead of guessing at its shape.

KEY TABLES:
  ledger_entries:        Append-only grants and penalties (idempotency_key UNIQUE)
  leaderboard_snapshots: One row per (board, cycle_key, participant_id)
  snapshot_builds:       One row per built (board, cycle_key)
  daily_redeems:         PRIMARY KEY (participant_id, cycle_key)
  gift_rules:            Rule definitions + last_fired_seq watermark
  gift_occurrences:      PRIMARY KEY (rule_id, seq)
  skill_countdowns:      PRIMARY KEY (participant_id, skill_id)

UNIQUENESS:
  Constraint violations (UNIQUE / PRIMARY KEY) surface as
  core.ErrAlreadyApplied so callers can treat them as "already done".
  Every other driver error is wrapped in *core.StoreError.

CONCURRENCY:
  One open connection and a writer mutex: each WithTx is a serialized
  unit, and autocommit calls wait for the connection while a transaction
  holds it. A function passed to WithTx must only use the Tx it receives.

TIME ENCODING:
  Instants are stored as fixed-width UTC text (timeLayout) so that SQL
  string comparison orders them chronologically.

USAGE:
  store, err := sqlite.New("./data/progress.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - core/store.go: Interface definitions
  - accounts.go: Participants, roles, links, sessions
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/progress-engine/core"
)

const schemaVersion = 1

const timeLayout = "2006-01-02T15:04:05.000000Z"

// Store implements core.Store using SQLite.
type Store struct {
	queries
	db *sql.DB
	mu sync.Mutex
}

var _ core.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite3", dbPath+sep+"_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection keeps ":memory:" databases shared and makes
	// every transaction a serialized writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, queries: queries{q: db}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER NOT NULL
	);

	-- Participants (students) and the account tables the access resolver reads
	CREATE TABLE IF NOT EXISTS participants (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		group_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_participants_group
		ON participants(group_id);

	CREATE TABLE IF NOT EXISTS user_links (
		user_id TEXT NOT NULL,
		participant_id TEXT NOT NULL,
		relation TEXT NOT NULL,
		PRIMARY KEY (user_id, participant_id, relation)
	);

	CREATE TABLE IF NOT EXISTS user_roles (
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		scope TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (user_id, role, scope)
	);

	CREATE TABLE IF NOT EXISTS sessions (
		token TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Ledger (append-only grants and penalties)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		participant_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		delta TEXT NOT NULL DEFAULT '0',
		item_id TEXT NOT NULL DEFAULT '',
		quantity INTEGER NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL,
		idempotency_key TEXT UNIQUE,
		created_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_participant_created
		ON ledger_entries(participant_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_ledger_kind_created
		ON ledger_entries(kind, created_at);

	-- Leaderboard snapshots (rebuilt only by delete-then-recompute)
	CREATE TABLE IF NOT EXISTS leaderboard_snapshots (
		board TEXT NOT NULL,
		cycle_key TEXT NOT NULL,
		participant_id TEXT NOT NULL,
		rank INTEGER NOT NULL,
		score TEXT NOT NULL,
		PRIMARY KEY (board, cycle_key, participant_id)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_snapshot_rank
		ON leaderboard_snapshots(board, cycle_key, rank);

	CREATE TABLE IF NOT EXISTS snapshot_builds (
		board TEXT NOT NULL,
		cycle_key TEXT NOT NULL,
		built_at TEXT NOT NULL,
		row_count INTEGER NOT NULL,
		PRIMARY KEY (board, cycle_key)
	);

	-- CRITICAL: at most one daily redeem per participant per cycle
	CREATE TABLE IF NOT EXISTS daily_redeems (
		participant_id TEXT NOT NULL,
		cycle_key TEXT NOT NULL,
		redeemed_at TEXT NOT NULL,
		board TEXT NOT NULL DEFAULT '',
		rank INTEGER NOT NULL DEFAULT 0,
		ledger_entry_id TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (participant_id, cycle_key)
	);

	-- Gift auto-assignment rules and fired occurrences
	CREATE TABLE IF NOT EXISTS gift_rules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		schedule_json TEXT NOT NULL,
		target_json TEXT NOT NULL,
		gift_item_id TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		last_fired_seq INTEGER NOT NULL DEFAULT 0,
		last_fired_occurrence TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS gift_occurrences (
		rule_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		occurrence_id TEXT NOT NULL,
		fired_at TEXT NOT NULL,
		granted_by TEXT NOT NULL DEFAULT '',
		grant_count INTEGER NOT NULL,
		PRIMARY KEY (rule_id, seq)
	);

	-- Skill countdowns
	CREATE TABLE IF NOT EXISTS skill_countdowns (
		participant_id TEXT NOT NULL,
		skill_id TEXT NOT NULL,
		deadline_at TEXT NOT NULL,
		interval_days INTEGER NOT NULL DEFAULT 0,
		penalty_points TEXT NOT NULL,
		penalty_applied_count INTEGER NOT NULL DEFAULT 0,
		last_checked_at TEXT,
		resolved_at TEXT,
		PRIMARY KEY (participant_id, skill_id)
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion)
		return err
	case err != nil:
		return err
	case version != schemaVersion:
		return fmt.Errorf("unsupported schema version %d (want %d)", version, schemaVersion)
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes fn within a database transaction.
// The transaction ignores caller cancellation: once started it either
// commits or rolls back as a whole.
func (s *Store) WithTx(ctx context.Context, fn func(tx core.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.StoreErr("begin", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: detachedTx{tx: sqlTx, ctx: ctx}}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return core.StoreErr("commit", err)
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// detachedTx runs every statement under the transaction's own context so
// a caller cancelling mid-unit cannot leave it half-applied.
type detachedTx struct {
	tx  *sql.Tx
	ctx context.Context
}

func (d detachedTx) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	return d.tx.ExecContext(d.ctx, query, args...)
}

func (d detachedTx) QueryContext(_ context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.tx.QueryContext(d.ctx, query, args...)
}

func (d detachedTx) QueryRowContext(_ context.Context, query string, args ...any) *sql.Row {
	return d.tx.QueryRowContext(d.ctx, query, args...)
}

// queries implements core.Tx over a querier.
type queries struct {
	q querier
}

var _ core.Tx = (*queries)(nil)

// =============================================================================
// PARTICIPANTS (core.ParticipantReader)
// =============================================================================

const participantColumns = "id, name, group_id, created_at"

func (qs *queries) GetParticipant(ctx context.Context, id core.ParticipantID) (*core.Participant, error) {
	rows, err := qs.q.QueryContext(ctx,
		"SELECT "+participantColumns+" FROM participants WHERE id = ?", id)
	if err != nil {
		return nil, core.StoreErr("get participant", err)
	}
	ps, err := scanParticipants(rows)
	if err != nil || len(ps) == 0 {
		return nil, err
	}
	return &ps[0], nil
}

func (qs *queries) ListParticipants(ctx context.Context) ([]core.Participant, error) {
	rows, err := qs.q.QueryContext(ctx,
		"SELECT "+participantColumns+" FROM participants ORDER BY id")
	if err != nil {
		return nil, core.StoreErr("list participants", err)
	}
	return scanParticipants(rows)
}

func (qs *queries) ListParticipantsInGroup(ctx context.Context, group core.GroupID) ([]core.Participant, error) {
	rows, err := qs.q.QueryContext(ctx,
		"SELECT "+participantColumns+" FROM participants WHERE group_id = ? ORDER BY id", group)
	if err != nil {
		return nil, core.StoreErr("list group participants", err)
	}
	return scanParticipants(rows)
}

func scanParticipants(rows *sql.Rows) ([]core.Participant, error) {
	defer rows.Close()

	var ps []core.Participant
	for rows.Next() {
		var p core.Participant
		var createdAt string
		if err := rows.Scan(&p.ID, &p.Name, &p.GroupID, &createdAt); err != nil {
			return nil, core.StoreErr("scan participant", err)
		}
		p.CreatedAt = parseTime(createdAt)
		ps = append(ps, p)
	}
	return ps, core.StoreErr("scan participants", rows.Err())
}

// =============================================================================
// ROLE STORAGE (core.AccessReader)
// =============================================================================

func (qs *queries) RoleRecords(ctx context.Context, user core.UserID) ([]core.RoleRecord, error) {
	rows, err := qs.q.QueryContext(ctx,
		"SELECT user_id, role, scope FROM user_roles WHERE user_id = ? ORDER BY role, scope", user)
	if err != nil {
		return nil, core.StoreErr("role records", err)
	}
	defer rows.Close()

	var out []core.RoleRecord
	for rows.Next() {
		var r core.RoleRecord
		if err := rows.Scan(&r.UserID, &r.Role, &r.Scope); err != nil {
			return nil, core.StoreErr("scan role", err)
		}
		out = append(out, r)
	}
	return out, core.StoreErr("scan roles", rows.Err())
}

func (qs *queries) Links(ctx context.Context, user core.UserID) ([]core.Link, error) {
	rows, err := qs.q.QueryContext(ctx,
		"SELECT user_id, participant_id, relation FROM user_links WHERE user_id = ? ORDER BY participant_id", user)
	if err != nil {
		return nil, core.StoreErr("links", err)
	}
	defer rows.Close()

	var out []core.Link
	for rows.Next() {
		var l core.Link
		if err := rows.Scan(&l.UserID, &l.ParticipantID, &l.Relation); err != nil {
			return nil, core.StoreErr("scan link", err)
		}
		out = append(out, l)
	}
	return out, core.StoreErr("scan links", rows.Err())
}

// =============================================================================
// LEDGER (core.LedgerWriter)
// =============================================================================

const ledgerColumns = `id, participant_id, kind, delta, item_id, quantity, reason, source,
	idempotency_key, created_by, created_at`

// AppendLedger adds an entry. A reused idempotency key is ErrAlreadyApplied.
func (qs *queries) AppendLedger(ctx context.Context, e core.LedgerEntry) error {
	if e.ID == "" {
		e.ID = core.EntryID(core.NewID())
	}
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO ledger_entries (`+ledgerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ParticipantID, e.Kind, e.Delta.String(), e.ItemID, e.Quantity,
		e.Reason, e.Source, nullString(e.IdempotencyKey), e.CreatedBy, formatTime(e.CreatedAt),
	)
	return mapWriteErr("append ledger", err)
}

func (qs *queries) LedgerEntries(ctx context.Context, id core.ParticipantID) ([]core.LedgerEntry, error) {
	rows, err := qs.q.QueryContext(ctx, `
		SELECT `+ledgerColumns+` FROM ledger_entries
		WHERE participant_id = ?
		ORDER BY created_at ASC, id ASC`, id)
	if err != nil {
		return nil, core.StoreErr("ledger entries", err)
	}
	return scanLedger(rows)
}

func (qs *queries) PointEntries(ctx context.Context, from, to time.Time) ([]core.LedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + ` FROM ledger_entries
		WHERE kind = 'points' AND created_at < ?`
	args := []any{formatTime(to)}
	if !from.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, formatTime(from))
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.StoreErr("point entries", err)
	}
	return scanLedger(rows)
}

func scanLedger(rows *sql.Rows) ([]core.LedgerEntry, error) {
	defer rows.Close()

	var out []core.LedgerEntry
	for rows.Next() {
		var (
			e              core.LedgerEntry
			delta          string
			idempotencyKey sql.NullString
			createdAt      string
		)
		err := rows.Scan(&e.ID, &e.ParticipantID, &e.Kind, &delta, &e.ItemID, &e.Quantity,
			&e.Reason, &e.Source, &idempotencyKey, &e.CreatedBy, &createdAt)
		if err != nil {
			return nil, core.StoreErr("scan ledger entry", err)
		}
		e.Delta = parsePoints(delta)
		e.IdempotencyKey = idempotencyKey.String
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, core.StoreErr("scan ledger", rows.Err())
}

// =============================================================================
// LEADERBOARD SNAPSHOTS
// =============================================================================

func (qs *queries) SnapshotRows(ctx context.Context, key core.CycleKey) ([]core.SnapshotRow, error) {
	rows, err := qs.q.QueryContext(ctx, `
		SELECT board, cycle_key, participant_id, rank, score
		FROM leaderboard_snapshots
		WHERE cycle_key = ?
		ORDER BY board ASC, rank ASC`, key)
	if err != nil {
		return nil, core.StoreErr("snapshot rows", err)
	}
	defer rows.Close()

	var out []core.SnapshotRow
	for rows.Next() {
		var r core.SnapshotRow
		var score string
		if err := rows.Scan(&r.Board, &r.CycleKey, &r.ParticipantID, &r.Rank, &score); err != nil {
			return nil, core.StoreErr("scan snapshot row", err)
		}
		r.Score = parsePoints(score)
		out = append(out, r)
	}
	return out, core.StoreErr("scan snapshot rows", rows.Err())
}

func (qs *queries) SnapshotBuilds(ctx context.Context, key core.CycleKey) ([]core.SnapshotBuild, error) {
	rows, err := qs.q.QueryContext(ctx, `
		SELECT board, cycle_key, built_at, row_count
		FROM snapshot_builds
		WHERE cycle_key = ?
		ORDER BY board ASC`, key)
	if err != nil {
		return nil, core.StoreErr("snapshot builds", err)
	}
	defer rows.Close()

	var out []core.SnapshotBuild
	for rows.Next() {
		var b core.SnapshotBuild
		var builtAt string
		if err := rows.Scan(&b.Board, &b.CycleKey, &builtAt, &b.RowCount); err != nil {
			return nil, core.StoreErr("scan snapshot build", err)
		}
		b.BuiltAt = parseTime(builtAt)
		out = append(out, b)
	}
	return out, core.StoreErr("scan snapshot builds", rows.Err())
}

// InsertSnapshot writes a board's build marker and all of its rows.
func (qs *queries) InsertSnapshot(ctx context.Context, build core.SnapshotBuild, rows []core.SnapshotRow) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO snapshot_builds (board, cycle_key, built_at, row_count)
		VALUES (?, ?, ?, ?)`,
		build.Board, build.CycleKey, formatTime(build.BuiltAt), len(rows))
	if err := mapWriteErr("insert snapshot build", err); err != nil {
		return err
	}

	for _, r := range rows {
		_, err := qs.q.ExecContext(ctx, `
			INSERT INTO leaderboard_snapshots (board, cycle_key, participant_id, rank, score)
			VALUES (?, ?, ?, ?, ?)`,
			r.Board, r.CycleKey, r.ParticipantID, r.Rank, r.Score.String())
		if err := mapWriteErr("insert snapshot row", err); err != nil {
			return err
		}
	}
	return nil
}

// DeleteSnapshot removes rows and build markers for key on the given boards.
func (qs *queries) DeleteSnapshot(ctx context.Context, key core.CycleKey, boards []core.BoardKey) error {
	if len(boards) == 0 {
		return nil
	}
	in, args := inClause(boards)
	args = append([]any{key}, args...)

	if _, err := qs.q.ExecContext(ctx,
		"DELETE FROM leaderboard_snapshots WHERE cycle_key = ? AND board IN "+in, args...); err != nil {
		return core.StoreErr("delete snapshot rows", err)
	}
	if _, err := qs.q.ExecContext(ctx,
		"DELETE FROM snapshot_builds WHERE cycle_key = ? AND board IN "+in, args...); err != nil {
		return core.StoreErr("delete snapshot builds", err)
	}
	return nil
}

// =============================================================================
// DAILY REDEEM
// =============================================================================

const redeemColumns = "participant_id, cycle_key, redeemed_at, board, rank, ledger_entry_id"

func (qs *queries) GetRedeem(ctx context.Context, id core.ParticipantID, key core.CycleKey) (*core.RedeemRecord, error) {
	rows, err := qs.q.QueryContext(ctx,
		"SELECT "+redeemColumns+" FROM daily_redeems WHERE participant_id = ? AND cycle_key = ?", id, key)
	if err != nil {
		return nil, core.StoreErr("get redeem", err)
	}
	out, err := scanRedeems(rows)
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return &out[0], nil
}

// RedeemsForCycle returns records for key, limited to ids when non-empty.
func (qs *queries) RedeemsForCycle(ctx context.Context, key core.CycleKey, ids []core.ParticipantID) (map[core.ParticipantID]core.RedeemRecord, error) {
	query := "SELECT " + redeemColumns + " FROM daily_redeems WHERE cycle_key = ?"
	args := []any{key}
	if len(ids) > 0 {
		in, idArgs := inClause(ids)
		query += " AND participant_id IN " + in
		args = append(args, idArgs...)
	}

	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.StoreErr("redeems for cycle", err)
	}
	list, err := scanRedeems(rows)
	if err != nil {
		return nil, err
	}

	out := make(map[core.ParticipantID]core.RedeemRecord, len(list))
	for _, r := range list {
		out[r.ParticipantID] = r
	}
	return out, nil
}

// InsertRedeem relies on the (participant_id, cycle_key) primary key;
// a second claim returns ErrAlreadyApplied.
func (qs *queries) InsertRedeem(ctx context.Context, r core.RedeemRecord) error {
	_, err := qs.q.ExecContext(ctx,
		"INSERT INTO daily_redeems ("+redeemColumns+") VALUES (?, ?, ?, ?, ?, ?)",
		r.ParticipantID, r.CycleKey, formatTime(r.RedeemedAt), r.Board, r.Rank, r.LedgerEntryID)
	return mapWriteErr("insert redeem", err)
}

func (qs *queries) RedeemHistory(ctx context.Context, id core.ParticipantID) ([]core.RedeemRecord, error) {
	rows, err := qs.q.QueryContext(ctx,
		"SELECT "+redeemColumns+" FROM daily_redeems WHERE participant_id = ? ORDER BY cycle_key DESC", id)
	if err != nil {
		return nil, core.StoreErr("redeem history", err)
	}
	return scanRedeems(rows)
}

func scanRedeems(rows *sql.Rows) ([]core.RedeemRecord, error) {
	defer rows.Close()

	var out []core.RedeemRecord
	for rows.Next() {
		var r core.RedeemRecord
		var redeemedAt string
		if err := rows.Scan(&r.ParticipantID, &r.CycleKey, &redeemedAt, &r.Board, &r.Rank, &r.LedgerEntryID); err != nil {
			return nil, core.StoreErr("scan redeem", err)
		}
		r.RedeemedAt = parseTime(redeemedAt)
		out = append(out, r)
	}
	return out, core.StoreErr("scan redeems", rows.Err())
}

// =============================================================================
// GIFT RULES
// =============================================================================

const giftRuleColumns = `id, name, enabled, schedule_json, target_json, gift_item_id, quantity,
	last_fired_seq, last_fired_occurrence, created_at, updated_at`

func (qs *queries) ListGiftRules(ctx context.Context) ([]core.GiftRule, error) {
	rows, err := qs.q.QueryContext(ctx, "SELECT "+giftRuleColumns+" FROM gift_rules ORDER BY id")
	if err != nil {
		return nil, core.StoreErr("list gift rules", err)
	}
	return scanGiftRules(rows)
}

func (qs *queries) GetGiftRule(ctx context.Context, id core.RuleID) (*core.GiftRule, error) {
	rows, err := qs.q.QueryContext(ctx, "SELECT "+giftRuleColumns+" FROM gift_rules WHERE id = ?", id)
	if err != nil {
		return nil, core.StoreErr("get gift rule", err)
	}
	out, err := scanGiftRules(rows)
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return &out[0], nil
}

// SaveGiftRule upserts the rule definition. The watermark columns are
// written on insert only; updates never move them.
func (qs *queries) SaveGiftRule(ctx context.Context, r core.GiftRule) error {
	scheduleJSON, err := json.Marshal(r.Schedule)
	if err != nil {
		return core.Invalid("schedule", err.Error())
	}
	targetJSON, err := json.Marshal(r.Target)
	if err != nil {
		return core.Invalid("target", err.Error())
	}

	created := r.CreatedAt
	if created.IsZero() {
		created = r.UpdatedAt
	}

	_, err = qs.q.ExecContext(ctx, `
		INSERT INTO gift_rules (`+giftRuleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, '', ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			enabled = excluded.enabled,
			schedule_json = excluded.schedule_json,
			target_json = excluded.target_json,
			gift_item_id = excluded.gift_item_id,
			quantity = excluded.quantity,
			updated_at = excluded.updated_at`,
		r.ID, r.Name, r.Enabled, string(scheduleJSON), string(targetJSON), r.GiftItemID, r.Quantity,
		formatTime(created), formatTime(r.UpdatedAt),
	)
	return core.StoreErr("save gift rule", err)
}

// AdvanceGiftWatermark moves last_fired_seq from fromSeq to toSeq.
// If another writer moved it first, returns ErrAlreadyApplied.
func (qs *queries) AdvanceGiftWatermark(ctx context.Context, id core.RuleID, fromSeq, toSeq int, occurrenceID string, at time.Time) error {
	res, err := qs.q.ExecContext(ctx, `
		UPDATE gift_rules
		SET last_fired_seq = ?, last_fired_occurrence = ?, updated_at = ?
		WHERE id = ? AND last_fired_seq = ?`,
		toSeq, occurrenceID, formatTime(at), id, fromSeq)
	if err != nil {
		return core.StoreErr("advance watermark", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.StoreErr("advance watermark", err)
	}
	if n == 0 {
		rule, err := qs.GetGiftRule(ctx, id)
		if err != nil {
			return err
		}
		if rule == nil {
			return fmt.Errorf("gift rule %s: %w", id, core.ErrNotFound)
		}
		return core.ErrAlreadyApplied
	}
	return nil
}

func (qs *queries) InsertGiftOccurrence(ctx context.Context, o core.GiftOccurrence) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO gift_occurrences (rule_id, seq, occurrence_id, fired_at, granted_by, grant_count)
		VALUES (?, ?, ?, ?, ?, ?)`,
		o.RuleID, o.Seq, o.OccurrenceID, formatTime(o.FiredAt), o.GrantedBy, o.GrantCount)
	return mapWriteErr("insert gift occurrence", err)
}

func (qs *queries) GiftOccurrences(ctx context.Context, id core.RuleID) ([]core.GiftOccurrence, error) {
	rows, err := qs.q.QueryContext(ctx, `
		SELECT rule_id, seq, occurrence_id, fired_at, granted_by, grant_count
		FROM gift_occurrences WHERE rule_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return nil, core.StoreErr("gift occurrences", err)
	}
	defer rows.Close()

	var out []core.GiftOccurrence
	for rows.Next() {
		var o core.GiftOccurrence
		var firedAt string
		if err := rows.Scan(&o.RuleID, &o.Seq, &o.OccurrenceID, &firedAt, &o.GrantedBy, &o.GrantCount); err != nil {
			return nil, core.StoreErr("scan gift occurrence", err)
		}
		o.FiredAt = parseTime(firedAt)
		out = append(out, o)
	}
	return out, core.StoreErr("scan gift occurrences", rows.Err())
}

func scanGiftRules(rows *sql.Rows) ([]core.GiftRule, error) {
	defer rows.Close()

	var out []core.GiftRule
	for rows.Next() {
		var (
			r                        core.GiftRule
			scheduleJSON, targetJSON string
			createdAt, updatedAt     string
		)
		err := rows.Scan(&r.ID, &r.Name, &r.Enabled, &scheduleJSON, &targetJSON, &r.GiftItemID, &r.Quantity,
			&r.LastFiredSeq, &r.LastFiredOccurrence, &createdAt, &updatedAt)
		if err != nil {
			return nil, core.StoreErr("scan gift rule", err)
		}
		if err := json.Unmarshal([]byte(scheduleJSON), &r.Schedule); err != nil {
			return nil, core.StoreErr("decode schedule", err)
		}
		if err := json.Unmarshal([]byte(targetJSON), &r.Target); err != nil {
			return nil, core.StoreErr("decode target", err)
		}
		r.CreatedAt = parseTime(createdAt)
		r.UpdatedAt = parseTime(updatedAt)
		out = append(out, r)
	}
	return out, core.StoreErr("scan gift rules", rows.Err())
}

// =============================================================================
// SKILL COUNTDOWNS
// =============================================================================

const countdownColumns = `participant_id, skill_id, deadline_at, interval_days, penalty_points,
	penalty_applied_count, last_checked_at, resolved_at`

func (qs *queries) CountdownEntries(ctx context.Context, id core.ParticipantID) ([]core.CountdownEntry, error) {
	rows, err := qs.q.QueryContext(ctx, `
		SELECT `+countdownColumns+` FROM skill_countdowns
		WHERE participant_id = ?
		ORDER BY deadline_at ASC, skill_id ASC`, id)
	if err != nil {
		return nil, core.StoreErr("countdown entries", err)
	}
	defer rows.Close()

	var out []core.CountdownEntry
	for rows.Next() {
		var (
			e                     core.CountdownEntry
			deadlineAt, penalty   string
			lastChecked, resolved sql.NullString
		)
		err := rows.Scan(&e.ParticipantID, &e.SkillID, &deadlineAt, &e.IntervalDays, &penalty,
			&e.PenaltyAppliedCount, &lastChecked, &resolved)
		if err != nil {
			return nil, core.StoreErr("scan countdown", err)
		}
		e.DeadlineAt = parseTime(deadlineAt)
		e.PenaltyPoints = parsePoints(penalty)
		e.LastCheckedAt = parseNullTime(lastChecked)
		e.ResolvedAt = parseNullTime(resolved)
		out = append(out, e)
	}
	return out, core.StoreErr("scan countdowns", rows.Err())
}

// SaveCountdown upserts an entry. Setting a new deadline starts a fresh
// countdown: the applied count and resolution come from e.
func (qs *queries) SaveCountdown(ctx context.Context, e core.CountdownEntry) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO skill_countdowns (`+countdownColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(participant_id, skill_id) DO UPDATE SET
			deadline_at = excluded.deadline_at,
			interval_days = excluded.interval_days,
			penalty_points = excluded.penalty_points,
			penalty_applied_count = excluded.penalty_applied_count,
			last_checked_at = excluded.last_checked_at,
			resolved_at = excluded.resolved_at`,
		e.ParticipantID, e.SkillID, formatTime(e.DeadlineAt), e.IntervalDays, e.PenaltyPoints.String(),
		e.PenaltyAppliedCount, nullTime(e.LastCheckedAt), nullTime(e.ResolvedAt),
	)
	return core.StoreErr("save countdown", err)
}

// UpdateCountdownPenalties moves penalty_applied_count from fromCount to
// toCount. A concurrent writer that got there first yields ErrAlreadyApplied.
func (qs *queries) UpdateCountdownPenalties(ctx context.Context, id core.ParticipantID, skill core.SkillID, fromCount, toCount int, checkedAt time.Time) error {
	res, err := qs.q.ExecContext(ctx, `
		UPDATE skill_countdowns
		SET penalty_applied_count = ?, last_checked_at = ?
		WHERE participant_id = ? AND skill_id = ? AND penalty_applied_count = ? AND resolved_at IS NULL`,
		toCount, formatTime(checkedAt), id, skill, fromCount)
	if err != nil {
		return core.StoreErr("update countdown penalties", err)
	}
	return expectOneRow(res, "update countdown penalties")
}

func (qs *queries) TouchCountdown(ctx context.Context, id core.ParticipantID, skill core.SkillID, checkedAt time.Time) error {
	_, err := qs.q.ExecContext(ctx,
		"UPDATE skill_countdowns SET last_checked_at = ? WHERE participant_id = ? AND skill_id = ?",
		formatTime(checkedAt), id, skill)
	return core.StoreErr("touch countdown", err)
}

// ResolveCountdown closes an open entry. Already resolved is ErrAlreadyApplied.
func (qs *queries) ResolveCountdown(ctx context.Context, id core.ParticipantID, skill core.SkillID, at time.Time) error {
	res, err := qs.q.ExecContext(ctx, `
		UPDATE skill_countdowns SET resolved_at = ?
		WHERE participant_id = ? AND skill_id = ? AND resolved_at IS NULL`,
		formatTime(at), id, skill)
	if err != nil {
		return core.StoreErr("resolve countdown", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.StoreErr("resolve countdown", err)
	}
	if n > 0 {
		return nil
	}

	var count int
	if err := qs.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM skill_countdowns WHERE participant_id = ? AND skill_id = ?", id, skill,
	).Scan(&count); err != nil {
		return core.StoreErr("resolve countdown", err)
	}
	if count == 0 {
		return fmt.Errorf("countdown %s/%s: %w", id, skill, core.ErrNotFound)
	}
	return core.ErrAlreadyApplied
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func parsePoints(s string) core.Points {
	p, _ := core.ParsePoints(s)
	return p
}

// inClause renders "(?, ?, ...)" for values.
func inClause[T ~string](values []T) (string, []any) {
	args := make([]any, len(values))
	marks := make([]string, len(values))
	for i, v := range values {
		args[i] = string(v)
		marks[i] = "?"
	}
	return "(" + strings.Join(marks, ", ") + ")", args
}

func expectOneRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return core.StoreErr(op, err)
	}
	if n == 0 {
		return core.ErrAlreadyApplied
	}
	return nil
}

// mapWriteErr turns constraint violations into ErrAlreadyApplied.
func mapWriteErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if isUniqueConstraintError(err) {
		return core.ErrAlreadyApplied
	}
	return core.StoreErr(op, err)
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
