/*
errors.go - Centralized error types for loan servicing

PURPOSE:
  All error types in one place for consistency and discoverability.
  Allocation, replay, the COB gate and the HTTP layer classify errors
  through the helpers at the bottom of this file.

ERROR CATEGORIES:
  1. Validation errors - Bad input, rejected before any state change
  2. Conflict errors - Valid input that collides with current state
  3. Fatal errors - Replay could not converge or broke an invariant
  4. Retryable errors - Lock timeouts and optimistic-lock failures

USAGE:
  if loan.IsConflict(err) {
      // 409 for the caller, nothing was applied
  }

SEE ALSO:
  - ../replay/coordinator.go: Marks loans faulted on fatal errors
  - ../api/handlers.go: Maps categories to HTTP status codes
*/
package loan

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidTransaction is the generic validation failure for a request.
	ErrInvalidTransaction = errors.New("invalid transaction")

	// ErrInvalidAmount is returned for zero, negative or mis-scaled amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidDate is returned for malformed or out-of-range dates.
	ErrInvalidDate = errors.New("invalid date")

	// ErrOverRefund is returned when a refund or chargeback exceeds what is
	// available to give back.
	ErrOverRefund = errors.New("amount exceeds refundable balance")

	// ErrDuplicateExternalID is returned when an external id is reused on a loan.
	ErrDuplicateExternalID = errors.New("duplicate external id")

	// ErrInvalidPolicy is returned when a product or allocation rule is malformed.
	ErrInvalidPolicy = errors.New("invalid allocation policy")

	// ErrNotDisbursed is returned for money movements on an undisbursed loan.
	ErrNotDisbursed = errors.New("loan not disbursed")

	// ErrUnsupported is returned for operations the loan cannot perform.
	ErrUnsupported = errors.New("unsupported operation")

	// ErrInvalidCOBDate is returned when a day close skips or repeats a date.
	ErrInvalidCOBDate = errors.New("invalid close of business date")

	// ErrLockConflict is returned when a loan is locked by a different stage.
	ErrLockConflict = errors.New("loan lock held by another stage")

	// ErrLoanLocked is returned when a mutation hits a loan under COB.
	ErrLoanLocked = errors.New("loan is locked")

	// ErrLockTimeout is returned when the per-loan critical section could
	// not be entered in time. Safe to retry.
	ErrLockTimeout = errors.New("timed out acquiring loan lock")

	// ErrAlreadyReversed is returned when reversing a reversed transaction.
	ErrAlreadyReversed = errors.New("transaction already reversed")

	// ErrHasChargebacks is returned when reversing a transaction that still
	// has active chargebacks against it.
	ErrHasChargebacks = errors.New("transaction has active chargebacks")

	// ErrPolicyConflict is returned when a policy edit cannot be reconciled
	// with the loan's existing history.
	ErrPolicyConflict = errors.New("policy change conflicts with loan history")

	// ErrConcurrentModification is returned when optimistic locking detects a conflict.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrReplayDiverged is returned when replaying an unchanged prefix does not
	// reproduce the stored breakdowns.
	ErrReplayDiverged = errors.New("replay diverged from stored history")

	// ErrInvariantViolation is returned when an installment bucket no longer
	// balances after replay.
	ErrInvariantViolation = errors.New("installment invariant violated")

	// ErrInvalidTransition is returned for an illegal replay state change.
	ErrInvalidTransition = errors.New("invalid replay state transition")

	// ErrLoanFaulted is returned for mutations on a loan that needs repair.
	ErrLoanFaulted = errors.New("loan is faulted")

	// ErrLoanNotFound is returned when a referenced loan doesn't exist.
	ErrLoanNotFound = errors.New("loan not found")

	// ErrTransactionNotFound is returned when a referenced transaction doesn't exist.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrChargeNotFound is returned when a referenced charge doesn't exist.
	ErrChargeNotFound = errors.New("charge not found")

	// ErrProductNotFound is returned when a referenced product doesn't exist.
	ErrProductNotFound = errors.New("product not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes a rejected request field.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%v: %s", e.Unwrap(), e.Message)
	}
	return fmt.Sprintf("%v: %s: %s", e.Unwrap(), e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	if e.Err == nil {
		return ErrInvalidTransaction
	}
	return e.Err
}

// OverRefundError reports how much was requested against what is available.
type OverRefundError struct {
	Requested Money
	Available Money
}

func (e *OverRefundError) Error() string {
	return fmt.Sprintf("amount exceeds refundable balance: requested %s, available %s",
		e.Requested, e.Available)
}

func (e *OverRefundError) Unwrap() error {
	return ErrOverRefund
}

// LockedError reports the stage holding a loan.
type LockedError struct {
	LoanID LoanID
	Stage  LockStage
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("loan %s is locked by %s", e.LoanID, e.Stage)
}

func (e *LockedError) Unwrap() error {
	return ErrLoanLocked
}

// LockConflictError reports a lock request against a lock of another stage.
type LockConflictError struct {
	LoanID    LoanID
	Held      LockStage
	Requested LockStage
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("loan %s: cannot place %s lock, %s lock is held",
		e.LoanID, e.Requested, e.Held)
}

func (e *LockConflictError) Unwrap() error {
	return ErrLockConflict
}

// LockTimeoutError reports how long a caller waited for a loan.
type LockTimeoutError struct {
	LoanID LoanID
	Waited time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("loan %s: timed out after %s waiting for lock", e.LoanID, e.Waited)
}

func (e *LockTimeoutError) Unwrap() error {
	return ErrLockTimeout
}

// InvariantViolationError pinpoints the unbalanced bucket.
type InvariantViolationError struct {
	Installment int
	Bucket      Bucket
	Balance     BucketBalance
}

func (e *InvariantViolationError) Error() string {
	b := e.Balance
	return fmt.Sprintf("installment %d %s: due %s != paid %s + waived %s + outstanding %s",
		e.Installment, e.Bucket, b.Due, b.Paid, b.Waived, b.Outstanding)
}

func (e *InvariantViolationError) Unwrap() error {
	return ErrInvariantViolation
}

// ReplayDivergedError reports a prefix transaction whose breakdown changed
// although it sorts before the replay window.
type ReplayDivergedError struct {
	TransactionID TransactionID
	Stored        Portions
	Replayed      Portions
}

func (e *ReplayDivergedError) Error() string {
	return fmt.Sprintf("transaction %d: stored breakdown %s, replayed %s",
		e.TransactionID, e.Stored, e.Replayed)
}

func (e *ReplayDivergedError) Unwrap() error {
	return ErrReplayDiverged
}

// TransitionError reports an illegal replay state change.
type TransitionError struct {
	From ReplayState
	To   ReplayState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid replay transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrLockTimeout)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidTransaction) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidDate) ||
		errors.Is(err, ErrOverRefund) ||
		errors.Is(err, ErrDuplicateExternalID) ||
		errors.Is(err, ErrInvalidPolicy) ||
		errors.Is(err, ErrNotDisbursed) ||
		errors.Is(err, ErrUnsupported) ||
		errors.Is(err, ErrInvalidCOBDate)
}

// IsConflict returns true if the request was valid but collides with state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrLockConflict) ||
		errors.Is(err, ErrLoanLocked) ||
		errors.Is(err, ErrAlreadyReversed) ||
		errors.Is(err, ErrHasChargebacks) ||
		errors.Is(err, ErrPolicyConflict) ||
		errors.Is(err, ErrConcurrentModification)
}

// IsFatal returns true if the loan needs manual repair.
func IsFatal(err error) bool {
	return errors.Is(err, ErrReplayDiverged) ||
		errors.Is(err, ErrInvariantViolation) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrLoanFaulted)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrLoanNotFound) ||
		errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrChargeNotFound) ||
		errors.Is(err, ErrProductNotFound)
}

// Invalid builds a ValidationError for field.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
