package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/progress-engine/core"
	"github.com/warp/progress-engine/gifts"
)

// =============================================================================
// ADMIN GATE
// =============================================================================

// AdminOnly rejects requests whose acting user is not an admin.
func (h *Handler) AdminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := h.Access.RequireAdmin(r.Context(), UserFrom(r.Context())); err != nil {
			writeDomainError(w, "Admin access required", err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// LEADERBOARD REBUILD
// =============================================================================

// RebuildLeaderboards discards and recomputes every board for a cycle.
// POST /api/admin/leaderboards/{cycleKey}/rebuild
func (h *Handler) RebuildLeaderboards(w http.ResponseWriter, r *http.Request) {
	key, err := h.cycleKeyParam(r)
	if err != nil {
		writeDomainError(w, "Invalid cycle key", err)
		return
	}
	bundle, err := h.Boards.Rebuild(r.Context(), key)
	if err != nil {
		writeDomainError(w, "Rebuild failed", err)
		return
	}
	h.log.Infof("rebuild cycle=%s by=%s", key, UserFrom(r.Context()))
	writeOK(w, http.StatusOK, toBundleDTO(bundle))
}

// =============================================================================
// GIFT RULES
// =============================================================================

// ListGiftRules returns every rule with its watermark.
// GET /api/admin/gifts/rules
func (h *Handler) ListGiftRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.Gifts.ListRules(r.Context())
	if err != nil {
		writeDomainError(w, "Failed to list rules", err)
		return
	}
	dtos := make([]GiftRuleDTO, len(rules))
	for i, rule := range rules {
		dtos[i] = toRuleDTO(rule)
	}
	writeOK(w, http.StatusOK, dtos)
}

// SaveGiftRule creates a rule, or updates the one named by {id}.
// POST /api/admin/gifts/rules
// PUT  /api/admin/gifts/rules/{id}
func (h *Handler) SaveGiftRule(w http.ResponseWriter, r *http.Request) {
	var req GiftRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	status := http.StatusCreated
	if id := chi.URLParam(r, "id"); id != "" {
		if _, err := h.Gifts.GetRule(r.Context(), core.RuleID(id)); err != nil {
			writeDomainError(w, "Rule not found", err)
			return
		}
		req.ID = id
		status = http.StatusOK
	}

	rule, err := h.Gifts.SaveRule(r.Context(), req.toRule())
	if err != nil {
		writeDomainError(w, "Failed to save rule", err)
		return
	}
	writeOK(w, status, toRuleDTO(*rule))
}

// GetGiftRule returns one rule.
// GET /api/admin/gifts/rules/{id}
func (h *Handler) GetGiftRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.Gifts.GetRule(r.Context(), core.RuleID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to load rule", err)
		return
	}
	writeOK(w, http.StatusOK, toRuleDTO(*rule))
}

// EnableGiftRule and DisableGiftRule toggle a rule without touching its watermark.
// POST /api/admin/gifts/rules/{id}/enable
// POST /api/admin/gifts/rules/{id}/disable
func (h *Handler) EnableGiftRule(w http.ResponseWriter, r *http.Request) {
	h.setRuleEnabled(w, r, true)
}

func (h *Handler) DisableGiftRule(w http.ResponseWriter, r *http.Request) {
	h.setRuleEnabled(w, r, false)
}

func (h *Handler) setRuleEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	rule, err := h.Gifts.SetEnabled(r.Context(), core.RuleID(chi.URLParam(r, "id")), enabled)
	if err != nil {
		writeDomainError(w, "Failed to update rule", err)
		return
	}
	writeOK(w, http.StatusOK, toRuleDTO(*rule))
}

// ListGiftOccurrences lists what a rule has fired.
// GET /api/admin/gifts/rules/{id}/occurrences
func (h *Handler) ListGiftOccurrences(w http.ResponseWriter, r *http.Request) {
	occs, err := h.Gifts.Occurrences(r.Context(), core.RuleID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to list occurrences", err)
		return
	}
	dtos := make([]GiftOccurrenceDTO, len(occs))
	for i, o := range occs {
		dtos[i] = toOccurrenceDTO(o)
	}
	writeOK(w, http.StatusOK, dtos)
}

// RunGifts fires (or previews) due occurrences now.
// POST /api/admin/gifts/run    {"dry_run": true, "now": "2024-06-01T00:00:00Z"}
func (h *Handler) RunGifts(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	now := h.Cycles.Now()
	if req.Now != "" {
		at, err := time.Parse(time.RFC3339, req.Now)
		if err != nil {
			writeDomainError(w, "Invalid now", core.Invalid("now", "expected RFC3339"))
			return
		}
		if !req.DryRun && at.After(now) {
			writeDomainError(w, "Invalid now", core.Invalid("now", "a real run cannot be dated in the future"))
			return
		}
		now = at
	}

	result, err := h.Gifts.RunDue(r.Context(), now, gifts.RunOptions{
		DryRun:    req.DryRun,
		GrantedBy: UserFrom(r.Context()),
	})
	if err != nil {
		writeDomainError(w, "Gift run failed", err)
		return
	}
	writeOK(w, http.StatusOK, toRunDTO(result))
}

// GetTriggerStatus reports the periodic trigger.
// GET /api/admin/gifts/trigger
func (h *Handler) GetTriggerStatus(w http.ResponseWriter, r *http.Request) {
	if h.Trigger == nil {
		writeOK(w, http.StatusOK, TriggerStatusDTO{})
		return
	}
	lastRun, last := h.Trigger.Last()
	dto := TriggerStatusDTO{
		Enabled:  h.Trigger.Enabled(),
		Interval: h.Trigger.Interval.String(),
		LastRun:  formatTime(lastRun),
		NextRun:  formatTime(h.Trigger.NextRunTime()),
	}
	if last != nil {
		run := toRunDTO(last)
		dto.Last = &run
	}
	writeOK(w, http.StatusOK, dto)
}

// =============================================================================
// DIRECTORY
// =============================================================================

// ListParticipants returns every participant.
// GET /api/admin/participants
func (h *Handler) ListParticipants(w http.ResponseWriter, r *http.Request) {
	ps, err := h.Store.ListParticipants(r.Context())
	if err != nil {
		writeDomainError(w, "Failed to list participants", err)
		return
	}
	dtos := make([]ParticipantDTO, len(ps))
	for i, p := range ps {
		dtos[i] = toParticipantDTO(p)
	}
	writeOK(w, http.StatusOK, dtos)
}

// SaveParticipant creates or renames a participant.
// POST /api/admin/participants
func (h *Handler) SaveParticipant(w http.ResponseWriter, r *http.Request) {
	var req ParticipantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.Name == "" {
		writeDomainError(w, "Invalid participant", core.Invalid("id", "id and name are required"))
		return
	}

	p := core.Participant{
		ID:        core.ParticipantID(req.ID),
		Name:      req.Name,
		GroupID:   core.GroupID(req.GroupID),
		CreatedAt: h.Cycles.Now(),
	}
	if existing, err := h.Store.GetParticipant(r.Context(), p.ID); err == nil && existing != nil {
		p.CreatedAt = existing.CreatedAt
	}
	if err := h.Directory.SaveParticipant(r.Context(), p); err != nil {
		writeDomainError(w, "Failed to save participant", err)
		return
	}
	writeOK(w, http.StatusCreated, toParticipantDTO(p))
}

// GrantRole records a role for a user.
// POST /api/admin/roles
func (h *Handler) GrantRole(w http.ResponseWriter, r *http.Request) {
	var req RoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	role := core.Role(req.Role)
	switch role {
	case core.RoleAdmin, core.RoleCoach, core.RoleClassroom:
	default:
		writeDomainError(w, "Invalid role", core.Invalid("role", "must be admin, coach or classroom"))
		return
	}
	if req.UserID == "" {
		writeDomainError(w, "Invalid role", core.Invalid("user_id", "required"))
		return
	}

	rec := core.RoleRecord{UserID: core.UserID(req.UserID), Role: role, Scope: core.GroupID(req.Scope)}
	if err := h.Directory.SaveRole(r.Context(), rec); err != nil {
		writeDomainError(w, "Failed to save role", err)
		return
	}
	writeOK(w, http.StatusCreated, req)
}

// LinkUser ties a user to a participant as self or parent.
// POST /api/admin/links
func (h *Handler) LinkUser(w http.ResponseWriter, r *http.Request) {
	var req LinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	relation := core.Role(req.Relation)
	if relation != core.RoleSelf && relation != core.RoleParent {
		writeDomainError(w, "Invalid link", core.Invalid("relation", "must be self or parent"))
		return
	}
	if req.UserID == "" || req.ParticipantID == "" {
		writeDomainError(w, "Invalid link", core.Invalid("user_id", "user_id and participant_id are required"))
		return
	}

	p, err := h.Store.GetParticipant(r.Context(), core.ParticipantID(req.ParticipantID))
	if err != nil {
		writeDomainError(w, "Failed to load participant", err)
		return
	}
	if p == nil {
		writeDomainError(w, "Participant not found", core.ErrNotFound)
		return
	}

	link := core.Link{UserID: core.UserID(req.UserID), ParticipantID: p.ID, Relation: relation}
	if err := h.Directory.SaveLink(r.Context(), link); err != nil {
		writeDomainError(w, "Failed to save link", err)
		return
	}
	writeOK(w, http.StatusCreated, req)
}

// CreateSession issues a bearer token for a user.
// POST /api/admin/sessions
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	ttl := h.SessionTTL
	if req.TTL != "" {
		parsed, err := time.ParseDuration(req.TTL)
		if err != nil || parsed <= 0 {
			writeDomainError(w, "Invalid ttl", core.Invalid("ttl", "expected a positive duration"))
			return
		}
		ttl = parsed
	}

	now := h.Cycles.Now()
	token, err := h.Directory.CreateSession(r.Context(), core.UserID(req.UserID), ttl, now)
	if err != nil {
		writeDomainError(w, "Failed to create session", err)
		return
	}
	writeOK(w, http.StatusCreated, SessionDTO{Token: token, UserID: req.UserID, ExpiresAt: formatTime(now.Add(ttl))})
}

// RecordLedgerEntry appends activity points, an adjustment or an item grant.
// Repeating a request with the same idempotency key records nothing new.
// POST /api/admin/ledger
func (h *Handler) RecordLedgerEntry(w http.ResponseWriter, r *http.Request) {
	var req LedgerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	entry, err := h.ledgerEntryFrom(r, req)
	if err != nil {
		writeDomainError(w, "Invalid ledger entry", err)
		return
	}

	issued, err := core.Issue(r.Context(), h.Store, entry)
	if err != nil {
		writeDomainError(w, "Failed to record entry", err)
		return
	}
	status := http.StatusOK
	if issued {
		status = http.StatusCreated
	}
	writeOK(w, status, map[string]any{"issued": issued, "entry": toLedgerDTO(entry)})
}

func (h *Handler) ledgerEntryFrom(r *http.Request, req LedgerRequest) (core.LedgerEntry, error) {
	id := core.ParticipantID(req.ParticipantID)
	if id == "" {
		return core.LedgerEntry{}, core.Invalid("participant_id", "required")
	}
	p, err := h.Store.GetParticipant(r.Context(), id)
	if err != nil {
		return core.LedgerEntry{}, err
	}
	if p == nil {
		return core.LedgerEntry{}, core.ErrNotFound
	}

	source := core.Source(req.Source)
	switch source {
	case core.SourceActivity, core.SourceSkillPulse, core.SourceAdjustment:
	case "":
		source = core.SourceActivity
	default:
		return core.LedgerEntry{}, core.Invalid("source", "must be activity, skill_pulse or adjustment")
	}

	key := req.IdempotencyKey
	if key == "" {
		key = "manual:" + core.NewID()
	}
	by := UserFrom(r.Context())
	now := h.Cycles.Now()

	switch {
	case req.ItemID != "" && req.Points != "":
		return core.LedgerEntry{}, core.Invalid("points", "set points or item_id, not both")
	case req.ItemID != "":
		if req.Quantity < 1 {
			return core.LedgerEntry{}, core.Invalid("quantity", "must be at least 1")
		}
		return core.ItemEntry(id, core.ItemID(req.ItemID), req.Quantity, source, req.Reason, key, by, now), nil
	default:
		points, err := core.ParsePoints(req.Points)
		if err != nil || points.IsZero() {
			return core.LedgerEntry{}, core.Invalid("points", "expected a non-zero decimal amount")
		}
		return core.PointsEntry(id, points, source, req.Reason, key, by, now), nil
	}
}
