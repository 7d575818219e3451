package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/warp/loan-engine/cob"
	"github.com/warp/loan-engine/loan"
	"github.com/warp/loan-engine/replay"
	"github.com/warp/loan-engine/store/sqlite"
)

// =============================================================================
// LOCK HANDLERS
// =============================================================================

// GetLock returns the loan's lock, or 204 when it is unlocked.
func (h *Handler) GetLock(w http.ResponseWriter, r *http.Request) {
	lock, err := h.Coordinator.Gate.Lock(r.Context(), loanID(r))
	if err != nil {
		h.writeDomainError(w, "Failed to read lock", err)
		return
	}
	if lock == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, lock)
}

func (h *Handler) PlaceLock(w http.ResponseWriter, r *http.Request) {
	var req PlaceLockRequest
	if !decode(w, r, &req) {
		return
	}
	id := loanID(r)
	if _, err := h.Coordinator.Loan(r.Context(), id); err != nil {
		h.writeDomainError(w, "Failed to lock loan", err)
		return
	}
	lock, err := h.Coordinator.Gate.PlaceLock(r.Context(), id, req.Stage, req.Reason)
	if err != nil {
		h.writeDomainError(w, "Failed to lock loan", err)
		return
	}
	writeJSON(w, http.StatusCreated, lock)
}

// ReleaseLock removes the lock of the stage given in ?stage=.
func (h *Handler) ReleaseLock(w http.ResponseWriter, r *http.Request) {
	stage := loan.LockStage(r.URL.Query().Get("stage"))
	if !stage.IsValid() {
		writeError(w, http.StatusBadRequest, "Invalid stage", nil)
		return
	}
	if err := h.Coordinator.Gate.ReleaseLock(r.Context(), loanID(r), stage); err != nil {
		h.writeDomainError(w, "Failed to release lock", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// COB HANDLERS
// =============================================================================

// RunLoanCOB brings one loan up to the COB date inline.
func (h *Handler) RunLoanCOB(w http.ResponseWriter, r *http.Request) {
	id := loanID(r)
	if err := h.Runner.Inline(r.Context(), []loan.LoanID{id}); err != nil {
		h.writeDomainError(w, "Inline COB failed", err)
		return
	}
	l, err := h.Coordinator.Loan(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get loan", err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (h *Handler) CatchUp(w http.ResponseWriter, r *http.Request) {
	run, err := h.runCatchUp(r.Context())
	if err != nil {
		h.writeDomainError(w, "Catch-up failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toCOBRunDTO(run))
}

// ListCOBRuns returns recent runs, newest first. ?limit= defaults to 20.
func (h *Handler) ListCOBRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}
	runs, err := h.Store.GetCOBRuns(r.Context(), limit)
	if err != nil {
		h.writeDomainError(w, "Failed to list COB runs", err)
		return
	}
	dtos := make([]COBRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toCOBRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// runCatchUp runs catch-up COB and stores the report.
func (h *Handler) runCatchUp(ctx context.Context) (sqlite.COBRun, error) {
	report, err := h.Runner.CatchUp(ctx)
	if err != nil {
		return sqlite.COBRun{}, err
	}
	completed := report.CompletedAt
	run := sqlite.COBRun{
		ID:          report.RunID,
		COBDate:     report.COBDate,
		DaysClosed:  report.DaysClosed(),
		Advanced:    report.Advanced,
		Halted:      report.Halted,
		Failed:      report.Failed,
		StartedAt:   report.StartedAt,
		CompletedAt: &completed,
	}
	if err := h.Store.SaveCOBRun(ctx, run); err != nil {
		return run, err
	}
	h.Logger.Info("catch-up COB finished",
		zap.String("run_id", run.ID),
		zap.String("cob_date", run.COBDate.String()),
		zap.Int("days_closed", run.DaysClosed),
		zap.Int("halted", len(run.Halted)),
		zap.Int("failed", len(run.Failed)))
	return run, nil
}

func toCOBRunDTO(run sqlite.COBRun) COBRunDTO {
	dto := COBRunDTO{
		ID:         run.ID,
		COBDate:    run.COBDate,
		DaysClosed: run.DaysClosed,
		Advanced:   make(map[string]int, len(run.Advanced)),
		StartedAt:  run.StartedAt.Format(time.RFC3339),
	}
	for id, n := range run.Advanced {
		dto.Advanced[string(id)] = n
	}
	for _, id := range run.Halted {
		dto.Halted = append(dto.Halted, string(id))
	}
	if len(run.Failed) > 0 {
		dto.Failed = make(map[string]string, len(run.Failed))
		for id, msg := range run.Failed {
			dto.Failed[string(id)] = msg
		}
	}
	if run.CompletedAt != nil {
		dto.CompletedAt = run.CompletedAt.Format(time.RFC3339)
	}
	return dto
}

// =============================================================================
// BUSINESS DATE
// =============================================================================

func (h *Handler) GetBusinessDate(w http.ResponseWriter, r *http.Request) {
	_, settable := h.Clock.(*loan.FixedClock)
	writeJSON(w, http.StatusOK, BusinessDateDTO{
		BusinessDate: h.Clock.BusinessDate(),
		COBDate:      h.Clock.COBDate(),
		Settable:     settable,
	})
}

// SetBusinessDate moves a pinned business date. The wall clock cannot be set.
func (h *Handler) SetBusinessDate(w http.ResponseWriter, r *http.Request) {
	fixed, ok := h.Clock.(*loan.FixedClock)
	if !ok {
		writeError(w, http.StatusConflict, "Business date follows the system clock", nil)
		return
	}
	var req SetBusinessDateRequest
	if !decode(w, r, &req) {
		return
	}
	fixed.Set(req.Date)
	h.Logger.Info("business date set", zap.String("business_date", req.Date.String()))
	h.GetBusinessDate(w, r)
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

// InlineCOBMiddleware closes the loan's missing business days before a
// mutating request reaches it.
func (h *Handler) InlineCOBMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.InlineCOB || r.Method == http.MethodGet || h.Runner == nil {
			next.ServeHTTP(w, r)
			return
		}
		id := loanID(r)
		stale, err := h.Runner.Stale(r.Context(), id)
		if err != nil {
			if loan.IsNotFound(err) {
				next.ServeHTTP(w, r)
				return
			}
			h.writeDomainError(w, "Failed to check loan", err)
			return
		}
		if stale {
			h.Logger.Info("inline COB before mutation", zap.String("loan_id", string(id)))
			if err := h.Runner.Inline(r.Context(), []loan.LoanID{id}); err != nil {
				h.writeDomainError(w, "Inline COB failed", err)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// ActorHeader attributes mutations in the audit log.
const ActorHeader = "X-Actor-ID"

func actorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if actor := r.Header.Get(ActorHeader); actor != "" {
			r = r.WithContext(replay.WithActor(r.Context(), actor))
		}
		next.ServeHTTP(w, r)
	})
}

var _ cob.DayCloser = (*replay.Coordinator)(nil)
