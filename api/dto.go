/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AMOUNTS AND TIMES:
  Points travel as decimal strings ("12.5") so no precision is lost.
  Instants are RFC3339 in UTC.

ENVELOPE:
  Success: {"ok": true, "data": ...}
  Failure: {"ok": false, "error": "...", "details": "..."}

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/progress-engine/core"
	"github.com/warp/progress-engine/countdown"
	"github.com/warp/progress-engine/gifts"
	"github.com/warp/progress-engine/leaderboard"
	"github.com/warp/progress-engine/redeem"
)

// =============================================================================
// ENVELOPES
// =============================================================================

type OKResponse struct {
	OK   bool `json:"ok"`
	Data any  `json:"data"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CYCLE AND LEADERBOARDS
// =============================================================================

type CycleDTO struct {
	Key    string `json:"key"`
	Start  string `json:"start"`
	End    string `json:"end"`
	Policy string `json:"policy"`
	Now    string `json:"now"`
}

type BoardRowDTO struct {
	ParticipantID string `json:"participant_id"`
	Rank          int    `json:"rank"`
	Score         string `json:"score"`
}

type BundleDTO struct {
	CycleKey string                   `json:"cycle_key"`
	BuiltAt  string                   `json:"built_at"`
	Final    bool                     `json:"final"`
	Boards   map[string][]BoardRowDTO `json:"boards"`
}

// =============================================================================
// REDEEM
// =============================================================================

type RedeemStatusDTO struct {
	ParticipantID   string `json:"participant_id"`
	CycleKey        string `json:"cycle_key"`
	Eligible        bool   `json:"eligible"`
	AlreadyRedeemed bool   `json:"already_redeemed"`
	Board           string `json:"board,omitempty"`
	Rank            int    `json:"rank,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

type RedeemRecordDTO struct {
	ParticipantID string `json:"participant_id"`
	CycleKey      string `json:"cycle_key"`
	RedeemedAt    string `json:"redeemed_at"`
	Board         string `json:"board,omitempty"`
	Rank          int    `json:"rank"`
	LedgerEntryID string `json:"ledger_entry_id,omitempty"`
}

// ClaimRequest may name a cycle; empty means the current one.
type ClaimRequest struct {
	CycleKey string `json:"cycle_key,omitempty"`
}

type ClaimDTO struct {
	Claimed bool             `json:"claimed"`
	Status  RedeemStatusDTO  `json:"status"`
	Record  *RedeemRecordDTO `json:"record,omitempty"`
	Granted []LedgerEntryDTO `json:"granted"`
}

type BatchStatusRequest struct {
	ParticipantIDs []string `json:"participant_ids"`
	CycleKey       string   `json:"cycle_key,omitempty"`
}

// =============================================================================
// LEDGER
// =============================================================================

type LedgerEntryDTO struct {
	ID             string `json:"id"`
	ParticipantID  string `json:"participant_id"`
	Kind           string `json:"kind"`
	Delta          string `json:"delta,omitempty"`
	ItemID         string `json:"item_id,omitempty"`
	Quantity       int    `json:"quantity,omitempty"`
	Reason         string `json:"reason,omitempty"`
	Source         string `json:"source"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	CreatedBy      string `json:"created_by,omitempty"`
	CreatedAt      string `json:"created_at"`
}

type BalanceDTO struct {
	ParticipantID string         `json:"participant_id"`
	Points        string         `json:"points"`
	Items         map[string]int `json:"items"`
	Entries       int            `json:"entries"`
}

// LedgerRequest records activity points, an adjustment or an item grant.
// Exactly one of Points or ItemID is set.
type LedgerRequest struct {
	ParticipantID  string `json:"participant_id"`
	Points         string `json:"points,omitempty"`
	ItemID         string `json:"item_id,omitempty"`
	Quantity       int    `json:"quantity,omitempty"`
	Source         string `json:"source"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// =============================================================================
// COUNTDOWNS
// =============================================================================

type SetCountdownRequest struct {
	DeadlineAt    string `json:"deadline_at"` // RFC3339
	IntervalDays  int    `json:"interval_days"`
	PenaltyPoints string `json:"penalty_points,omitempty"` // empty = configured default
}

type CountdownDTO struct {
	SkillID             string `json:"skill_id"`
	DeadlineAt          string `json:"deadline_at"`
	IntervalDays        int    `json:"interval_days"`
	PenaltyPoints       string `json:"penalty_points"`
	PenaltyAppliedCount int    `json:"penalty_applied_count"`
	LastCheckedAt       string `json:"last_checked_at,omitempty"`
	ResolvedAt          string `json:"resolved_at,omitempty"`
}

type CountdownRowDTO struct {
	CountdownDTO
	State         string `json:"state"`
	LapsedPeriods int    `json:"lapsed_periods"`
	Pending       int    `json:"pending"`
	NextDeadline  string `json:"next_deadline"`
}

type CountdownSnapshotDTO struct {
	ParticipantID string            `json:"participant_id"`
	AsOf          string            `json:"as_of"`
	Rows          []CountdownRowDTO `json:"rows"`
	Summary       SummaryDTO        `json:"summary"`
}

type SummaryDTO struct {
	Total            int `json:"total"`
	OnTrack          int `json:"on_track"`
	Lapsed           int `json:"lapsed"`
	Resolved         int `json:"resolved"`
	PenaltiesApplied int `json:"penalties_applied"`
}

type PenaltyDTO struct {
	SkillID string `json:"skill_id"`
	Period  int    `json:"period"`
	Points  string `json:"points"`
	EntryID string `json:"entry_id"`
}

type ProcessResultDTO struct {
	ParticipantID string       `json:"participant_id"`
	CheckedAt     string       `json:"checked_at"`
	Applied       []PenaltyDTO `json:"applied"`
}

// =============================================================================
// GIFTS
// =============================================================================

type GiftRuleDTO struct {
	ID                  string              `json:"id"`
	Name                string              `json:"name"`
	Enabled             bool                `json:"enabled"`
	Schedule            core.Schedule       `json:"schedule"`
	Target              core.TargetSelector `json:"target"`
	GiftItemID          string              `json:"gift_item_id"`
	Quantity            int                 `json:"quantity"`
	LastFiredSeq        int                 `json:"last_fired_seq"`
	LastFiredOccurrence string              `json:"last_fired_occurrence,omitempty"`
	NextOccurrence      string              `json:"next_occurrence,omitempty"`
	CreatedAt           string              `json:"created_at,omitempty"`
	UpdatedAt           string              `json:"updated_at,omitempty"`
}

type GiftRuleRequest struct {
	ID         string              `json:"id,omitempty"`
	Name       string              `json:"name"`
	Enabled    *bool               `json:"enabled,omitempty"` // nil = enabled
	Schedule   core.Schedule       `json:"schedule"`
	Target     core.TargetSelector `json:"target"`
	GiftItemID string              `json:"gift_item_id"`
	Quantity   int                 `json:"quantity"`
}

type GiftOccurrenceDTO struct {
	Seq          int    `json:"seq"`
	OccurrenceID string `json:"occurrence_id"`
	FiredAt      string `json:"fired_at"`
	GrantedBy    string `json:"granted_by,omitempty"`
	GrantCount   int    `json:"grant_count"`
}

// RunRequest triggers the scheduler. Now, when set, is RFC3339; a real
// run never accepts a now in the future.
type RunRequest struct {
	DryRun bool   `json:"dry_run"`
	Now    string `json:"now,omitempty"`
}

type GrantDTO struct {
	ParticipantID string `json:"participant_id"`
	ItemID        string `json:"item_id"`
	Quantity      int    `json:"quantity"`
	Issued        bool   `json:"issued"`
}

type FiredDTO struct {
	RuleID       string     `json:"rule_id"`
	OccurrenceID string     `json:"occurrence_id"`
	Seq          int        `json:"seq"`
	Grants       []GrantDTO `json:"grants"`
}

type FailureDTO struct {
	RuleID string `json:"rule_id"`
	Error  string `json:"error"`
}

type RunResultDTO struct {
	Now      string       `json:"now"`
	DryRun   bool         `json:"dry_run"`
	Fired    []FiredDTO   `json:"fired"`
	Failures []FailureDTO `json:"failures"`
}

type TriggerStatusDTO struct {
	Enabled  bool          `json:"enabled"`
	Interval string        `json:"interval"`
	LastRun  string        `json:"last_run,omitempty"`
	NextRun  string        `json:"next_run,omitempty"`
	Last     *RunResultDTO `json:"last,omitempty"`
}

// =============================================================================
// DIRECTORY (admin)
// =============================================================================

type ParticipantRequest struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	GroupID string `json:"group_id"`
}

type ParticipantDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	GroupID   string `json:"group_id,omitempty"`
	CreatedAt string `json:"created_at"`
}

type RoleRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	Scope  string `json:"scope,omitempty"`
}

type LinkRequest struct {
	UserID        string `json:"user_id"`
	ParticipantID string `json:"participant_id"`
	Relation      string `json:"relation"`
}

type SessionRequest struct {
	UserID string `json:"user_id"`
	TTL    string `json:"ttl,omitempty"` // Go duration; empty = configured default
}

type SessionDTO struct {
	Token     string `json:"token"`
	UserID    string `json:"user_id"`
	ExpiresAt string `json:"expires_at"`
}

type AccessDTO struct {
	UserID        string   `json:"user_id"`
	ParticipantID string   `json:"participant_id,omitempty"`
	Roles         []string `json:"roles"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func toBundleDTO(b *leaderboard.Bundle) BundleDTO {
	dto := BundleDTO{
		CycleKey: string(b.CycleKey),
		BuiltAt:  formatTime(b.BuiltAt),
		Final:    b.Final,
		Boards:   make(map[string][]BoardRowDTO, len(b.Boards)),
	}
	for key, rows := range b.Boards {
		out := make([]BoardRowDTO, len(rows))
		for i, r := range rows {
			out[i] = BoardRowDTO{ParticipantID: string(r.ParticipantID), Rank: r.Rank, Score: r.Score.String()}
		}
		dto.Boards[string(key)] = out
	}
	return dto
}

func toStatusDTO(s redeem.Status) RedeemStatusDTO {
	return RedeemStatusDTO{
		ParticipantID:   string(s.ParticipantID),
		CycleKey:        string(s.CycleKey),
		Eligible:        s.Eligible,
		AlreadyRedeemed: s.AlreadyRedeemed,
		Board:           string(s.Board),
		Rank:            s.Rank,
		Reason:          string(s.Reason),
	}
}

func toRecordDTO(r core.RedeemRecord) RedeemRecordDTO {
	return RedeemRecordDTO{
		ParticipantID: string(r.ParticipantID),
		CycleKey:      string(r.CycleKey),
		RedeemedAt:    formatTime(r.RedeemedAt),
		Board:         string(r.Board),
		Rank:          r.Rank,
		LedgerEntryID: string(r.LedgerEntryID),
	}
}

func toClaimDTO(res redeem.ClaimResult) ClaimDTO {
	dto := ClaimDTO{
		Claimed: res.Claimed,
		Status:  toStatusDTO(res.Status),
		Granted: toLedgerDTOs(res.Granted),
	}
	if res.Record != nil {
		rec := toRecordDTO(*res.Record)
		dto.Record = &rec
	}
	return dto
}

func toLedgerDTO(e core.LedgerEntry) LedgerEntryDTO {
	dto := LedgerEntryDTO{
		ID:             string(e.ID),
		ParticipantID:  string(e.ParticipantID),
		Kind:           string(e.Kind),
		ItemID:         string(e.ItemID),
		Quantity:       e.Quantity,
		Reason:         e.Reason,
		Source:         string(e.Source),
		IdempotencyKey: e.IdempotencyKey,
		CreatedBy:      string(e.CreatedBy),
		CreatedAt:      formatTime(e.CreatedAt),
	}
	if e.Kind == core.EntryPoints {
		dto.Delta = e.Delta.String()
	}
	return dto
}

func toLedgerDTOs(entries []core.LedgerEntry) []LedgerEntryDTO {
	dtos := make([]LedgerEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toLedgerDTO(e)
	}
	return dtos
}

func toBalanceDTO(b core.Balance) BalanceDTO {
	items := make(map[string]int, len(b.Items))
	for id, n := range b.Items {
		items[string(id)] = n
	}
	return BalanceDTO{
		ParticipantID: string(b.ParticipantID),
		Points:        b.Points.String(),
		Items:         items,
		Entries:       b.Entries,
	}
}

func toCountdownDTO(e core.CountdownEntry) CountdownDTO {
	return CountdownDTO{
		SkillID:             string(e.SkillID),
		DeadlineAt:          formatTime(e.DeadlineAt),
		IntervalDays:        e.IntervalDays,
		PenaltyPoints:       e.PenaltyPoints.String(),
		PenaltyAppliedCount: e.PenaltyAppliedCount,
		LastCheckedAt:       formatTimePtr(e.LastCheckedAt),
		ResolvedAt:          formatTimePtr(e.ResolvedAt),
	}
}

func toSnapshotDTO(s *countdown.Snapshot) CountdownSnapshotDTO {
	dto := CountdownSnapshotDTO{
		ParticipantID: string(s.ParticipantID),
		AsOf:          formatTime(s.AsOf),
		Rows:          make([]CountdownRowDTO, len(s.Rows)),
		Summary: SummaryDTO{
			Total:            s.Summary.Total,
			OnTrack:          s.Summary.OnTrack,
			Lapsed:           s.Summary.Lapsed,
			Resolved:         s.Summary.Resolved,
			PenaltiesApplied: s.Summary.PenaltiesApplied,
		},
	}
	for i, row := range s.Rows {
		dto.Rows[i] = CountdownRowDTO{
			CountdownDTO:  toCountdownDTO(row.Entry),
			State:         string(row.State),
			LapsedPeriods: row.LapsedPeriods,
			Pending:       row.Pending,
			NextDeadline:  formatTime(row.NextDeadline),
		}
	}
	return dto
}

func toProcessDTO(r *countdown.ProcessResult) ProcessResultDTO {
	dto := ProcessResultDTO{
		ParticipantID: string(r.ParticipantID),
		CheckedAt:     formatTime(r.CheckedAt),
		Applied:       make([]PenaltyDTO, len(r.Applied)),
	}
	for i, p := range r.Applied {
		dto.Applied[i] = PenaltyDTO{SkillID: string(p.SkillID), Period: p.Period, Points: p.Points.String(), EntryID: string(p.EntryID)}
	}
	return dto
}

func toRuleDTO(r core.GiftRule) GiftRuleDTO {
	dto := GiftRuleDTO{
		ID:                  string(r.ID),
		Name:                r.Name,
		Enabled:             r.Enabled,
		Schedule:            r.Schedule,
		Target:              r.Target,
		GiftItemID:          string(r.GiftItemID),
		Quantity:            r.Quantity,
		LastFiredSeq:        r.LastFiredSeq,
		LastFiredOccurrence: r.LastFiredOccurrence,
		CreatedAt:           formatTime(r.CreatedAt),
		UpdatedAt:           formatTime(r.UpdatedAt),
	}
	if next, ok := gifts.Next(r.Schedule, r.LastFiredSeq); ok {
		dto.NextOccurrence = next.ID
	}
	return dto
}

func (req GiftRuleRequest) toRule() core.GiftRule {
	return core.GiftRule{
		ID:         core.RuleID(req.ID),
		Name:       req.Name,
		Enabled:    req.Enabled == nil || *req.Enabled,
		Schedule:   req.Schedule,
		Target:     req.Target,
		GiftItemID: core.ItemID(req.GiftItemID),
		Quantity:   req.Quantity,
	}
}

func toOccurrenceDTO(o core.GiftOccurrence) GiftOccurrenceDTO {
	return GiftOccurrenceDTO{
		Seq:          o.Seq,
		OccurrenceID: o.OccurrenceID,
		FiredAt:      formatTime(o.FiredAt),
		GrantedBy:    string(o.GrantedBy),
		GrantCount:   o.GrantCount,
	}
}

func toRunDTO(r *gifts.RunResult) RunResultDTO {
	dto := RunResultDTO{
		Now:      formatTime(r.Now),
		DryRun:   r.DryRun,
		Fired:    make([]FiredDTO, 0, len(r.Fired)),
		Failures: make([]FailureDTO, 0, len(r.Failures)),
	}
	for _, f := range r.Fired {
		fd := FiredDTO{RuleID: string(f.RuleID), OccurrenceID: f.OccurrenceID, Seq: f.Seq, Grants: make([]GrantDTO, len(f.Grants))}
		for i, g := range f.Grants {
			fd.Grants[i] = GrantDTO{ParticipantID: string(g.ParticipantID), ItemID: string(g.ItemID), Quantity: g.Quantity, Issued: g.Issued}
		}
		dto.Fired = append(dto.Fired, fd)
	}
	for _, f := range r.Failures {
		dto.Failures = append(dto.Failures, FailureDTO{RuleID: string(f.RuleID), Error: f.Err.Error()})
	}
	return dto
}

func toParticipantDTO(p core.Participant) ParticipantDTO {
	return ParticipantDTO{
		ID:        string(p.ID),
		Name:      p.Name,
		GroupID:   string(p.GroupID),
		CreatedAt: formatTime(p.CreatedAt),
	}
}
