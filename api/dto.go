/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Domain types that
  already carry stable JSON (loan.Loan, loan.Money, loan.Date) are returned
  as they are; wrappers exist where a response combines several of them.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Products:     ProductDTO, CreateProductRequest
  Loans:        CreateLoanRequest, LoanSummaryDTO
  Transactions: TransactionRequest, ReverseBatchRequest, BatchRequest
  Charges:      ChargeRequest, WaiveChargeRequest
  COB:          PlaceLockRequest, BusinessDateDTO, COBRunDTO
  Scenarios:    ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Validation is done by the coordinator, not in DTOs. DTOs are pure data
  carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/product.go: ProductJSON type
*/
package api

import (
	"github.com/warp/loan-engine/factory"
	"github.com/warp/loan-engine/loan"
	"github.com/warp/loan-engine/replay"
)

// =============================================================================
// PRODUCTS
// =============================================================================

type ProductDTO struct {
	ID      string              `json:"id"`
	Name    string              `json:"name"`
	Version int                 `json:"version"`
	Config  factory.ProductJSON `json:"config"`
}

type CreateProductRequest struct {
	Config factory.ProductJSON `json:"config"`
}

// =============================================================================
// LOANS
// =============================================================================

// CreateLoanRequest creates a loan under a stored product. When Disburse is
// set the principal is disbursed on the terms' disbursement date.
type CreateLoanRequest struct {
	ID         string     `json:"id,omitempty"`
	ExternalID string     `json:"external_id,omitempty"`
	ProductID  string     `json:"product_id"`
	Terms      loan.Terms `json:"terms"`
	Disburse   bool       `json:"disburse,omitempty"`
}

// LoanSummaryDTO is one row of the loan list.
type LoanSummaryDTO struct {
	ID                     string     `json:"id"`
	Status                 string     `json:"status"`
	ReplayState            string     `json:"replay_state"`
	LastClosedBusinessDate *loan.Date `json:"last_closed_business_date,omitempty"`
	Locked                 bool       `json:"locked"`
	LockStage              string     `json:"lock_stage,omitempty"`
}

// ChangeProductRequest moves a loan to another stored product.
type ChangeProductRequest struct {
	ProductID string `json:"product_id"`
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// TransactionRequest submits one transaction. Type defaults to repayment.
type TransactionRequest struct {
	Type       loan.TransactionType `json:"type,omitempty"`
	Amount     loan.Money           `json:"amount"`
	Date       loan.Date            `json:"date"`
	ExternalID string               `json:"external_id,omitempty"`
}

func (r TransactionRequest) toReplay() replay.TransactionRequest {
	t := r.Type
	if t == "" {
		t = loan.TxRepayment
	}
	return replay.TransactionRequest{Type: t, Amount: r.Amount, Date: r.Date, ExternalID: r.ExternalID}
}

// ReverseBatchRequest reverses several transactions of one loan.
type ReverseBatchRequest struct {
	TransactionIDs []loan.TransactionID `json:"transaction_ids"`
	Mode           replay.BatchMode     `json:"mode,omitempty"`
}

// BatchRequest applies arbitrary ops to one loan.
type BatchRequest struct {
	Mode replay.BatchMode `json:"mode,omitempty"`
	Ops  []replay.Op      `json:"ops"`
}

// BatchItemDTO is one op outcome; Transaction is set for committed ops that
// recorded or reversed a transaction.
type BatchItemDTO struct {
	Index       int               `json:"index"`
	OK          bool              `json:"ok"`
	Error       string            `json:"error,omitempty"`
	Transaction *loan.Transaction `json:"transaction,omitempty"`
}

type BatchResponse struct {
	Mode   replay.BatchMode `json:"mode"`
	Failed int              `json:"failed"`
	Items  []BatchItemDTO   `json:"items"`
	Loan   *loan.Loan       `json:"loan,omitempty"`
}

// =============================================================================
// CHARGES
// =============================================================================

type ChargeRequest struct {
	Name    string          `json:"name"`
	Kind    loan.ChargeKind `json:"kind"`
	Amount  loan.Money      `json:"amount"`
	DueDate loan.Date       `json:"due_date"`
}

type WaiveChargeRequest struct {
	Date *loan.Date `json:"date,omitempty"`
}

// =============================================================================
// COB
// =============================================================================

type PlaceLockRequest struct {
	Stage  loan.LockStage `json:"stage"`
	Reason string         `json:"reason,omitempty"`
}

type BusinessDateDTO struct {
	BusinessDate loan.Date `json:"business_date"`
	COBDate      loan.Date `json:"cob_date"`
	Settable     bool      `json:"settable"`
}

type SetBusinessDateRequest struct {
	Date loan.Date `json:"date"`
}

// COBRunDTO is a catch-up run as reported to clients.
type COBRunDTO struct {
	ID          string            `json:"id"`
	COBDate     loan.Date         `json:"cob_date"`
	DaysClosed  int               `json:"days_closed"`
	Advanced    map[string]int    `json:"advanced"`
	Halted      []string          `json:"halted,omitempty"`
	Failed      map[string]string `json:"failed,omitempty"`
	StartedAt   string            `json:"started_at"`
	CompletedAt string            `json:"completed_at,omitempty"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
