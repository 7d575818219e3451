/*
handlers.go - HTTP API handlers for the loan engine

PURPOSE:
  Exposes the replay coordinator, the COB gate and the product catalog via
  REST. Handlers parse requests, delegate to the domain and map domain
  errors to HTTP status codes.

ENDPOINTS:
  Products:
    GET    /api/products                         List products
    POST   /api/products                         Create or version a product
    GET    /api/products/{id}                    Get product

  Loans:
    GET    /api/loans                            List loans with lock state
    POST   /api/loans                            Create (and optionally disburse)
    GET    /api/loans/{loanID}                   Full aggregate
    PUT    /api/loans/{loanID}/product           Change product
    GET    /api/loans/{loanID}/audit             Audit trail
    POST   /api/loans/{loanID}/repair            Replay a faulted loan
    POST   /api/loans/{loanID}/repost            Send postings again

  Transactions:
    GET    /api/loans/{loanID}/transactions      Ledger
    POST   /api/loans/{loanID}/transactions      Submit a transaction
    POST   /api/loans/{loanID}/transactions/{txID}/reverse
    POST   /api/loans/{loanID}/transactions/{txID}/chargeback
    POST   /api/loans/{loanID}/transactions/reverse-batch
    POST   /api/loans/{loanID}/batch             Mixed ops

  Charges:
    POST   /api/loans/{loanID}/charges
    DELETE /api/loans/{loanID}/charges/{chargeID}
    POST   /api/loans/{loanID}/charges/{chargeID}/waive

  COB endpoints live in cob.go.

ERROR HANDLING:
  Errors are returned as JSON with a status chosen by error class:
  - 400: Validation errors, invalid input
  - 404: Loan, transaction, charge or product not found
  - 409: Conflict (already reversed, policy conflict, stale version)
  - 423: Loan locked by COB
  - 503: Timed out waiting for the loan
  - 500: Faulted loans and internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - cob.go: Lock, COB and business date handlers
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/loan-engine/cob"
	"github.com/warp/loan-engine/factory"
	"github.com/warp/loan-engine/loan"
	"github.com/warp/loan-engine/replay"
	"github.com/warp/loan-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store       *sqlite.Store
	Coordinator *replay.Coordinator
	Runner      *cob.Runner
	Clock       loan.Clock
	Products    *factory.ProductFactory
	Logger      *zap.Logger

	// InlineCOB closes stale loans before mutating them.
	InlineCOB bool

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler. The coordinator's gate is shared with the
// runner.
func NewHandler(store *sqlite.Store, coord *replay.Coordinator, runner *cob.Runner, clock loan.Clock, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Store:       store,
		Coordinator: coord,
		Runner:      runner,
		Clock:       clock,
		Products:    factory.NewProductFactory(),
		Logger:      logger.Named("api"),
		InlineCOB:   true,
	}
}

// =============================================================================
// PRODUCT HANDLERS
// =============================================================================

func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.Store.ListProducts(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to list products", err)
		return
	}
	dtos := make([]ProductDTO, len(products))
	for i, p := range products {
		dtos[i] = h.productDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.Store.GetProduct(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to get product", err)
		return
	}
	writeJSON(w, http.StatusOK, h.productDTO(*p))
}

// CreateProduct stores a product from its JSON definition. Saving an
// existing id creates a new version.
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req CreateProductRequest
	if !decode(w, r, &req) {
		return
	}
	product, err := h.Products.FromJSON(req.Config)
	if err != nil {
		h.writeDomainError(w, "Invalid product", err)
		return
	}
	saved, err := h.Store.SaveProduct(r.Context(), product)
	if err != nil {
		h.writeDomainError(w, "Failed to save product", err)
		return
	}
	writeJSON(w, http.StatusCreated, h.productDTO(saved))
}

func (h *Handler) productDTO(p loan.Product) ProductDTO {
	return ProductDTO{ID: p.ID, Name: p.Name, Version: p.Version, Config: h.Products.ToJSON(p)}
}

// =============================================================================
// LOAN HANDLERS
// =============================================================================

func (h *Handler) ListLoans(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	refs, err := h.Store.ListLoans(ctx)
	if err != nil {
		h.writeDomainError(w, "Failed to list loans", err)
		return
	}
	locks, err := h.Store.ListLocks(ctx)
	if err != nil {
		h.writeDomainError(w, "Failed to list locks", err)
		return
	}
	stages := make(map[loan.LoanID]loan.LockStage, len(locks))
	for _, l := range locks {
		stages[l.LoanID] = l.Stage
	}

	dtos := make([]LoanSummaryDTO, len(refs))
	for i, ref := range refs {
		stage, locked := stages[ref.ID]
		dtos[i] = LoanSummaryDTO{
			ID:                     string(ref.ID),
			Status:                 string(ref.Status),
			ReplayState:            string(ref.ReplayState),
			LastClosedBusinessDate: ref.LastClosedBusinessDate,
			Locked:                 locked,
			LockStage:              string(stage),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetLoan(w http.ResponseWriter, r *http.Request) {
	l, err := h.Coordinator.Loan(r.Context(), loanID(r))
	if err != nil {
		h.writeDomainError(w, "Failed to get loan", err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// CreateLoan creates a loan under a stored product.
func (h *Handler) CreateLoan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req CreateLoanRequest
	if !decode(w, r, &req) {
		return
	}
	product, err := h.Store.GetProduct(ctx, req.ProductID)
	if err != nil {
		h.writeDomainError(w, "Unknown product", err)
		return
	}

	l, err := h.Coordinator.CreateLoan(ctx, replay.CreateLoanRequest{
		ID:         loan.LoanID(req.ID),
		ExternalID: req.ExternalID,
		Product:    *product,
		Terms:      req.Terms,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to create loan", err)
		return
	}
	if req.Disburse {
		res, err := h.Coordinator.Disburse(ctx, l.ID, req.Terms.Principal, req.Terms.DisbursementDate, "")
		if err != nil {
			h.writeDomainError(w, "Loan created but disbursement failed", err)
			return
		}
		l = res.Loan
	}
	writeJSON(w, http.StatusCreated, l)
}

func (h *Handler) ChangeProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req ChangeProductRequest
	if !decode(w, r, &req) {
		return
	}
	product, err := h.Store.GetProduct(ctx, req.ProductID)
	if err != nil {
		h.writeDomainError(w, "Unknown product", err)
		return
	}
	res, err := h.Coordinator.ChangeProduct(ctx, loanID(r), *product)
	if err != nil {
		h.writeDomainError(w, "Failed to change product", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetAudit returns the loan's audit trail, optionally filtered by action.
func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	id := loanID(r)
	filter := loan.AuditFilter{LoanID: &id}
	if a := r.URL.Query().Get("action"); a != "" {
		filter.Actions = []loan.AuditAction{loan.AuditAction(a)}
	}
	entries, err := h.Store.QueryAudit(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, "Failed to query audit log", err)
		return
	}
	if entries == nil {
		entries = []loan.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) RepairLoan(w http.ResponseWriter, r *http.Request) {
	l, err := h.Coordinator.Repair(r.Context(), loanID(r))
	if err != nil {
		h.writeDomainError(w, "Repair failed", err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (h *Handler) RepostLoan(w http.ResponseWriter, r *http.Request) {
	n, err := h.Coordinator.Repost(r.Context(), loanID(r))
	if err != nil {
		h.writeDomainError(w, "Repost failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"postings": n})
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	l, err := h.Coordinator.Loan(r.Context(), loanID(r))
	if err != nil {
		h.writeDomainError(w, "Failed to get loan", err)
		return
	}
	txs := l.Transactions
	if txs == nil {
		txs = []loan.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// SubmitTransaction records a transaction of any submittable type.
func (h *Handler) SubmitTransaction(w http.ResponseWriter, r *http.Request) {
	var req TransactionRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Coordinator.Submit(r.Context(), loanID(r), req.toReplay())
	if err != nil {
		h.writeDomainError(w, "Transaction rejected", err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) ReverseTransaction(w http.ResponseWriter, r *http.Request) {
	txID, ok := int64Param(w, r, "txID")
	if !ok {
		return
	}
	res, err := h.Coordinator.Reverse(r.Context(), loanID(r), loan.TransactionID(txID))
	if err != nil {
		h.writeDomainError(w, "Reversal rejected", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) ChargebackTransaction(w http.ResponseWriter, r *http.Request) {
	txID, ok := int64Param(w, r, "txID")
	if !ok {
		return
	}
	var req TransactionRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Coordinator.Chargeback(r.Context(), loanID(r), loan.TransactionID(txID), req.toReplay())
	if err != nil {
		h.writeDomainError(w, "Chargeback rejected", err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// ReverseBatch reverses several transactions. Mode defaults to independent.
func (h *Handler) ReverseBatch(w http.ResponseWriter, r *http.Request) {
	var req ReverseBatchRequest
	if !decode(w, r, &req) {
		return
	}
	ops := make([]replay.Op, len(req.TransactionIDs))
	for i, id := range req.TransactionIDs {
		ops[i] = replay.Op{Kind: replay.OpReverse, TransactionID: id}
	}
	h.runBatch(w, r, req.Mode, ops)
}

func (h *Handler) Batch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if !decode(w, r, &req) {
		return
	}
	h.runBatch(w, r, req.Mode, req.Ops)
}

func (h *Handler) runBatch(w http.ResponseWriter, r *http.Request, mode replay.BatchMode, ops []replay.Op) {
	if mode == "" {
		mode = replay.BatchIndependent
	}
	res, err := h.Coordinator.Batch(r.Context(), loanID(r), mode, ops)
	if err != nil {
		h.writeDomainError(w, "Batch rejected", err)
		return
	}

	out := BatchResponse{Mode: res.Mode, Failed: res.Failed(), Loan: res.Loan}
	for _, it := range res.Items {
		item := BatchItemDTO{Index: it.Index, OK: it.Err == nil, Error: it.Error}
		if it.Result != nil && mode == replay.BatchIndependent {
			item.Transaction = it.Result.Transaction
		}
		out.Items = append(out.Items, item)
	}
	status := http.StatusOK
	if out.Failed > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, out)
}

// =============================================================================
// CHARGE HANDLERS
// =============================================================================

func (h *Handler) AddCharge(w http.ResponseWriter, r *http.Request) {
	var req ChargeRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Coordinator.AddCharge(r.Context(), loanID(r), replay.ChargeRequest{
		Name:    req.Name,
		Kind:    req.Kind,
		Amount:  req.Amount,
		DueDate: req.DueDate,
	})
	if err != nil {
		h.writeDomainError(w, "Charge rejected", err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) RemoveCharge(w http.ResponseWriter, r *http.Request) {
	chargeID, ok := int64Param(w, r, "chargeID")
	if !ok {
		return
	}
	res, err := h.Coordinator.RemoveCharge(r.Context(), loanID(r), loan.ChargeID(chargeID))
	if err != nil {
		h.writeDomainError(w, "Charge removal rejected", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// WaiveCharge waives what is left of a charge, dated today unless given.
func (h *Handler) WaiveCharge(w http.ResponseWriter, r *http.Request) {
	chargeID, ok := int64Param(w, r, "chargeID")
	if !ok {
		return
	}
	var req WaiveChargeRequest
	if r.ContentLength > 0 && !decode(w, r, &req) {
		return
	}
	on := h.Clock.BusinessDate()
	if req.Date != nil {
		on = *req.Date
	}
	res, err := h.Coordinator.WaiveCharge(r.Context(), loanID(r), loan.ChargeID(chargeID), on)
	if err != nil {
		h.writeDomainError(w, "Waiver rejected", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// =============================================================================
// HELPERS
// =============================================================================

func loanID(r *http.Request) loan.LoanID {
	return loan.LoanID(chi.URLParam(r, "loanID"))
}

func int64Param(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	v, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s", name), err)
		return 0, false
	}
	return v, true
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// statusFor maps a domain error to its HTTP status and a short code.
func statusFor(err error) (int, string) {
	var locked *loan.LockedError
	switch {
	case errors.As(err, &locked) || errors.Is(err, loan.ErrLoanLocked):
		return http.StatusLocked, "locked"
	case errors.Is(err, loan.ErrLockTimeout):
		return http.StatusServiceUnavailable, "busy"
	case loan.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case loan.IsClientError(err):
		return http.StatusBadRequest, "invalid"
	case loan.IsConflict(err):
		return http.StatusConflict, "conflict"
	case loan.IsFatal(err):
		return http.StatusInternalServerError, "faulted"
	}
	return http.StatusInternalServerError, "internal"
}

func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error(message, zap.Error(err))
	}
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
