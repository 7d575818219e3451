/*
store.go - Persistence interfaces for loans, locks and audit

PURPOSE:
  Defines the interface between the domain logic and the database. Loans
  are stored as aggregates (schedule, transactions, relations, charges)
  and written back with an optimistic version check. Locks and audit
  entries have their own interfaces so the COB gate and the HTTP layer
  depend only on what they use.

KEY INTERFACES:
  Store:     Aggregate persistence (create, load, save with version check)
  TxStore:   Transactional operations (all-or-nothing replay commits)
  LockStore: Persisted COB lock records
  AuditLog:  Who did what when

OPTIMISTIC CONCURRENCY:
  SaveLoan(l, expected) succeeds only if the stored version equals
  expected; it then stores l with Version = expected+1. A mismatch returns
  ErrConcurrentModification and nothing is written.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite persistence
  - loan/store/memory.go: In-memory for testing

SEE ALSO:
  - ledger.go: Entry bookkeeping on the aggregate
  - ../cob/gate.go: Lock placement and mutation guard
*/
package loan

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Loan aggregate persistence
// =============================================================================

// LoanRef is the light row used to scan loans without loading aggregates.
type LoanRef struct {
	ID                     LoanID      `json:"id"`
	Status                 Status      `json:"status"`
	ReplayState            ReplayState `json:"replay_state"`
	LastClosedBusinessDate *Date       `json:"last_closed_business_date,omitempty"`
}

type Store interface {
	// CreateLoan persists a new aggregate with Version 1.
	CreateLoan(ctx context.Context, l *Loan) error

	// LoadLoan returns the aggregate or ErrLoanNotFound.
	LoadLoan(ctx context.Context, id LoanID) (*Loan, error)

	// SaveLoan writes l if the stored version equals expectedVersion.
	SaveLoan(ctx context.Context, l *Loan, expectedVersion int64) error

	// ListLoans returns every loan ordered by id.
	ListLoans(ctx context.Context) ([]LoanRef, error)

	// LoansBehind returns loans whose last closed business date is before cob.
	LoansBehind(ctx context.Context, cob Date) ([]LoanID, error)

	// AppendAudit records an audit entry. Append-only.
	AppendAudit(ctx context.Context, entry AuditEntry) error
}

// =============================================================================
// TRANSACTIONAL STORE - For atomic operations across multiple writes
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// LOCK STORE
// =============================================================================

type LockStore interface {
	// GetLock returns the lock on a loan, or nil.
	GetLock(ctx context.Context, loanID LoanID) (*LoanLock, error)

	// PlaceLock stores lock. Placing the stage already held returns the
	// existing record; a different stage returns a LockConflictError.
	PlaceLock(ctx context.Context, lock LoanLock) (LoanLock, error)

	// ReleaseLock removes the lock if held by stage. Releasing an absent
	// lock is a no-op.
	ReleaseLock(ctx context.Context, loanID LoanID, stage LockStage) error

	// ListLocks returns all locks ordered by loan id.
	ListLocks(ctx context.Context) ([]LoanLock, error)
}

// =============================================================================
// AUDIT LOG - Separate from ledger, tracks who did what when
// =============================================================================

type AuditEntry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	ActorID   string         `json:"actor_id"`
	Action    AuditAction    `json:"action"`
	LoanID    LoanID         `json:"loan_id"`
	Payload   map[string]any `json:"payload,omitempty"`
}

type AuditAction string

const (
	AuditLoanCreated    AuditAction = "loan_created"
	AuditTransaction    AuditAction = "transaction_recorded"
	AuditReversal       AuditAction = "transaction_reversed"
	AuditChargeAdded    AuditAction = "charge_added"
	AuditChargeRemoved  AuditAction = "charge_removed"
	AuditProductChanged AuditAction = "product_changed"
	AuditDayClosed      AuditAction = "business_day_closed"
	AuditLoanFaulted    AuditAction = "loan_faulted"
	AuditLoanRepaired   AuditAction = "loan_repaired"
	AuditBatch          AuditAction = "batch_applied"
)

type AuditLog interface {
	QueryAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

type AuditFilter struct {
	LoanID  *LoanID
	ActorID *string
	Actions []AuditAction
	From    *time.Time
	To      *time.Time
}

// Matches reports whether e passes the filter.
func (f AuditFilter) Matches(e AuditEntry) bool {
	if f.LoanID != nil && e.LoanID != *f.LoanID {
		return false
	}
	if f.ActorID != nil && e.ActorID != *f.ActorID {
		return false
	}
	if len(f.Actions) > 0 {
		found := false
		for _, a := range f.Actions {
			if a == e.Action {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.From != nil && e.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && e.Timestamp.After(*f.To) {
		return false
	}
	return true
}
