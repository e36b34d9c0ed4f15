/*
handlers.go - HTTP API handlers for the progress engine

PURPOSE:
  Exposes the temporal core via REST API. Handles HTTP request/response,
  JSON serialization and identity, and delegates to the domain packages.

ENDPOINTS:
  Public:
    GET    /api/health                               Liveness
    GET    /api/cycle                                Current cycle key and window

  Participants (any role on the participant):
    GET    /api/participants/{id}/redeem             Redeem status, current cycle
    POST   /api/participants/{id}/redeem             Claim the daily redeem
    GET    /api/participants/{id}/redeem/history     Past redeem records
    GET    /api/participants/{id}/ledger             Ledger entries
    GET    /api/participants/{id}/balance            Derived balance
    GET    /api/participants/{id}/countdowns         Countdown snapshot
    POST   /api/participants/{id}/countdowns/process Apply lapsed penalties
    PUT    /api/participants/{id}/countdowns/{skill} Start or restart a countdown
    POST   /api/participants/{id}/countdowns/{skill}/resolve

  Authenticated:
    GET    /api/me/access                            Roles of the acting user
    GET    /api/leaderboards/{cycleKey}              Get-or-build snapshot bundle
    POST   /api/redeem/status                        Batch status (coach/classroom/admin)

  Admin: see handlers_admin.go

ARCHITECTURE:
  Handler holds the domain services built once in cmd/server. Every
  service shares the same cycle.Resolver, so the key a handler shows is
  the key the service writes under.

ERROR HANDLING:
  Errors are returned as JSON {"ok":false,"error","details"}:
  - 401: No resolvable identity
  - 403: Identity lacks the required role
  - 400: Validation errors, invalid input
  - 404: Participant, rule or countdown doesn't exist
  - 500: Store and internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - middleware.go: Bearer token identity
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/progress-engine/access"
	"github.com/warp/progress-engine/core"
	"github.com/warp/progress-engine/countdown"
	"github.com/warp/progress-engine/cycle"
	"github.com/warp/progress-engine/gifts"
	"github.com/warp/progress-engine/leaderboard"
	"github.com/warp/progress-engine/logging"
	"github.com/warp/progress-engine/redeem"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Directory manages accounts: participants, roles, links and sessions.
type Directory interface {
	IdentityResolver
	SaveParticipant(ctx context.Context, p core.Participant) error
	SaveRole(ctx context.Context, r core.RoleRecord) error
	SaveLink(ctx context.Context, l core.Link) error
	CreateSession(ctx context.Context, user core.UserID, ttl time.Duration, now time.Time) (string, error)
}

// Services are the dependencies every handler draws on.
type Services struct {
	Store      core.Store
	Directory  Directory
	Cycles     *cycle.Resolver
	Access     *access.Resolver
	Boards     *leaderboard.Service
	Redeem     *redeem.Engine
	Gifts      *gifts.Scheduler
	Countdown  *countdown.Processor
	Trigger    *GiftTrigger // optional
	SessionTTL time.Duration
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Services
	log *logging.Logger
}

// NewHandler creates a handler over s.
func NewHandler(s Services) *Handler {
	if s.SessionTTL <= 0 {
		s.SessionTTL = 30 * 24 * time.Hour
	}
	return &Handler{Services: s, log: logging.New("API")}
}

// =============================================================================
// PUBLIC
// =============================================================================

// Health reports liveness.
// GET /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeOK(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetCycle returns the current cycle key and its instant window.
// GET /api/cycle
func (h *Handler) GetCycle(w http.ResponseWriter, r *http.Request) {
	key := h.Cycles.Current()
	start, end := h.Cycles.Bounds(key)
	writeOK(w, http.StatusOK, CycleDTO{
		Key:    string(key),
		Start:  formatTime(start),
		End:    formatTime(end),
		Policy: h.Cycles.Policy().String(),
		Now:    formatTime(h.Cycles.Now()),
	})
}

// =============================================================================
// ACCESS
// =============================================================================

// GetAccess returns the acting user's roles, optionally over one participant.
// GET /api/me/access?participant_id=
func (h *Handler) GetAccess(w http.ResponseWriter, r *http.Request) {
	user := UserFrom(r.Context())
	target := core.ParticipantID(r.URL.Query().Get("participant_id"))

	roles, err := h.Access.ResolveAccess(r.Context(), user, target)
	if err != nil {
		writeDomainError(w, "Failed to resolve access", err)
		return
	}

	dto := AccessDTO{UserID: string(user), ParticipantID: string(target), Roles: []string{}}
	for _, role := range roles.List() {
		dto.Roles = append(dto.Roles, string(role))
	}
	writeOK(w, http.StatusOK, dto)
}

// requireParticipant checks that the acting user holds any role over {id}.
func (h *Handler) requireParticipant(w http.ResponseWriter, r *http.Request) (core.ParticipantID, bool) {
	id := core.ParticipantID(chi.URLParam(r, "id"))
	if _, err := h.Access.Require(r.Context(), UserFrom(r.Context()), id, access.AnyRole...); err != nil {
		writeDomainError(w, "Access denied", err)
		return "", false
	}
	return id, true
}

// =============================================================================
// LEADERBOARDS
// =============================================================================

// GetLeaderboards returns every board for a cycle, building missing ones.
// GET /api/leaderboards/{cycleKey}    ("current" names the current cycle)
func (h *Handler) GetLeaderboards(w http.ResponseWriter, r *http.Request) {
	if UserFrom(r.Context()) == "" {
		writeDomainError(w, "Authentication required", core.ErrAuthenticationMissing)
		return
	}
	key, err := h.cycleKeyParam(r)
	if err != nil {
		writeDomainError(w, "Invalid cycle key", err)
		return
	}

	bundle, err := h.Boards.GetOrBuild(r.Context(), key)
	if err != nil {
		writeDomainError(w, "Failed to load leaderboards", err)
		return
	}
	writeOK(w, http.StatusOK, toBundleDTO(bundle))
}

func (h *Handler) cycleKeyParam(r *http.Request) (core.CycleKey, error) {
	raw := chi.URLParam(r, "cycleKey")
	if raw == "" || raw == "current" {
		return h.Cycles.Current(), nil
	}
	return core.ParseCycleKey(raw)
}

// =============================================================================
// DAILY REDEEM
// =============================================================================

// GetRedeemStatus returns the participant's status for the current cycle.
// GET /api/participants/{id}/redeem
func (h *Handler) GetRedeemStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireParticipant(w, r)
	if !ok {
		return
	}
	status, err := h.Redeem.CurrentStatus(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to compute redeem status", err)
		return
	}
	writeOK(w, http.StatusOK, toStatusDTO(status))
}

// ClaimRedeem claims the daily redeem. Claiming twice returns the
// already-redeemed status, not an error.
// POST /api/participants/{id}/redeem
func (h *Handler) ClaimRedeem(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireParticipant(w, r)
	if !ok {
		return
	}

	var req ClaimRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	key := h.Cycles.Current()
	if req.CycleKey != "" {
		key = core.CycleKey(req.CycleKey)
	}

	result, err := h.Redeem.Claim(r.Context(), id, key, UserFrom(r.Context()))
	if err != nil {
		writeDomainError(w, "Failed to claim", err)
		return
	}

	status := http.StatusOK
	if result.Claimed {
		status = http.StatusCreated
	}
	writeOK(w, status, toClaimDTO(result))
}

// GetRedeemHistory lists the participant's redeem records.
// GET /api/participants/{id}/redeem/history
func (h *Handler) GetRedeemHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireParticipant(w, r)
	if !ok {
		return
	}
	records, err := h.Redeem.History(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to load history", err)
		return
	}
	dtos := make([]RedeemRecordDTO, len(records))
	for i, rec := range records {
		dtos[i] = toRecordDTO(rec)
	}
	writeOK(w, http.StatusOK, dtos)
}

// BatchRedeemStatus computes statuses for many participants from one
// snapshot bundle.
// POST /api/redeem/status
func (h *Handler) BatchRedeemStatus(w http.ResponseWriter, r *http.Request) {
	var req BatchStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ids := make([]core.ParticipantID, len(req.ParticipantIDs))
	for i, id := range req.ParticipantIDs {
		ids[i] = core.ParticipantID(id)
	}
	if err := h.Access.RequireBatch(r.Context(), UserFrom(r.Context()), ids); err != nil {
		writeDomainError(w, "Batch access denied", err)
		return
	}

	key := h.Cycles.Current()
	if req.CycleKey != "" {
		parsed, err := core.ParseCycleKey(req.CycleKey)
		if err != nil {
			writeDomainError(w, "Invalid cycle key", err)
			return
		}
		key = parsed
	}

	bundle, err := h.Boards.GetOrBuild(r.Context(), key)
	if err != nil {
		writeDomainError(w, "Failed to load leaderboards", err)
		return
	}
	statuses, err := h.Redeem.ComputeStatuses(r.Context(), ids, bundle, key)
	if err != nil {
		writeDomainError(w, "Failed to compute statuses", err)
		return
	}

	dtos := make([]RedeemStatusDTO, len(statuses))
	for i, s := range statuses {
		dtos[i] = toStatusDTO(s)
	}
	writeOK(w, http.StatusOK, dtos)
}

// =============================================================================
// LEDGER
// =============================================================================

// GetLedger lists a participant's ledger entries, oldest first.
// GET /api/participants/{id}/ledger
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireParticipant(w, r)
	if !ok {
		return
	}
	entries, err := h.Store.LedgerEntries(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to load ledger", err)
		return
	}
	writeOK(w, http.StatusOK, toLedgerDTOs(entries))
}

// GetBalance replays the ledger into points and item counts.
// GET /api/participants/{id}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireParticipant(w, r)
	if !ok {
		return
	}
	entries, err := h.Store.LedgerEntries(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to load ledger", err)
		return
	}
	writeOK(w, http.StatusOK, toBalanceDTO(core.BalanceOf(id, entries)))
}

// =============================================================================
// SKILL COUNTDOWNS
// =============================================================================

// GetCountdowns returns the countdown snapshot. It never writes.
// GET /api/participants/{id}/countdowns
func (h *Handler) GetCountdowns(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireParticipant(w, r)
	if !ok {
		return
	}
	snap, err := h.Countdown.FetchSnapshot(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to load countdowns", err)
		return
	}
	writeOK(w, http.StatusOK, toSnapshotDTO(snap))
}

// ProcessCountdowns applies penalties for newly lapsed periods.
// POST /api/participants/{id}/countdowns/process
func (h *Handler) ProcessCountdowns(w http.ResponseWriter, r *http.Request) {
	id := core.ParticipantID(chi.URLParam(r, "id"))
	result, err := h.Countdown.ProcessPenalties(r.Context(), id, UserFrom(r.Context()))
	if err != nil {
		writeDomainError(w, "Failed to process penalties", err)
		return
	}
	writeOK(w, http.StatusOK, toProcessDTO(result))
}

// SetCountdown starts or restarts a countdown for a skill.
// PUT /api/participants/{id}/countdowns/{skill}
func (h *Handler) SetCountdown(w http.ResponseWriter, r *http.Request) {
	var req SetCountdownRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	deadline, err := time.Parse(time.RFC3339, req.DeadlineAt)
	if err != nil {
		writeDomainError(w, "Invalid deadline", core.Invalid("deadline_at", "expected RFC3339"))
		return
	}
	penalty, err := core.ParsePoints(req.PenaltyPoints)
	if err != nil {
		writeDomainError(w, "Invalid penalty", core.Invalid("penalty_points", "expected a decimal amount"))
		return
	}

	entry, err := h.Countdown.SetCountdown(r.Context(), UserFrom(r.Context()), core.CountdownEntry{
		ParticipantID: core.ParticipantID(chi.URLParam(r, "id")),
		SkillID:       core.SkillID(chi.URLParam(r, "skill")),
		DeadlineAt:    deadline.UTC(),
		IntervalDays:  req.IntervalDays,
		PenaltyPoints: penalty,
	})
	if err != nil {
		writeDomainError(w, "Failed to set countdown", err)
		return
	}
	writeOK(w, http.StatusOK, toCountdownDTO(*entry))
}

// ResolveCountdown closes a countdown. Resolving twice is not an error.
// POST /api/participants/{id}/countdowns/{skill}/resolve
func (h *Handler) ResolveCountdown(w http.ResponseWriter, r *http.Request) {
	entry, err := h.Countdown.Resolve(r.Context(), UserFrom(r.Context()),
		core.ParticipantID(chi.URLParam(r, "id")), core.SkillID(chi.URLParam(r, "skill")))
	if err != nil {
		writeDomainError(w, "Failed to resolve countdown", err)
		return
	}
	writeOK(w, http.StatusOK, toCountdownDTO(*entry))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeOK(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, OKResponse{OK: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError picks the status from the error taxonomy.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	writeError(w, statusFor(err), message, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrAuthenticationMissing):
		return http.StatusUnauthorized
	case errors.Is(err, core.ErrAuthorizationDenied):
		return http.StatusForbidden
	case errors.Is(err, core.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// decodeOptional decodes a JSON body when one was sent.
func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}
