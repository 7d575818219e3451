/*
ledger.go - Per-loan transaction ledger

PURPOSE:
  The ledger is the record of every monetary event of a loan. Records are
  never deleted: a mistake is corrected by reversing the transaction, which
  keeps the record and removes its effect on the schedule.

CRITICAL INVARIANTS:
  1. Amount, type and effective date of a recorded transaction never change
  2. External ids are unique per loan, reversed records included
  3. Ids are monotonic and shared with charges (same-day tie-break)

CHRONOLOGY:
  Entries() merges active charges and non-reversed transactions and orders
  them by (effective date, insertion sequence). Allocation replays entries
  in exactly this order.

SEE ALSO:
  - transaction.go: Entry payloads
  - ../replay/coordinator.go: Records, reverses and replays entries
*/
package loan

import (
	"context"
	"sort"
	"time"
)

// =============================================================================
// LEDGER
// =============================================================================

// Ledger records entries on a loan aggregate.
type Ledger interface {
	// Record validates and appends tx, assigning its id.
	Record(ctx context.Context, l *Loan, tx Transaction) (*Transaction, error)

	// RecordCharge appends an active charge, assigning its id.
	RecordCharge(ctx context.Context, l *Loan, c Charge) (*Charge, error)

	// Reverse marks a transaction reversed on the given business date.
	Reverse(ctx context.Context, l *Loan, id TransactionID, on Date) (*Transaction, error)
}

// DefaultLedger implements Ledger on the in-memory aggregate.
type DefaultLedger struct {
	now func() time.Time
}

func NewLedger() *DefaultLedger {
	return &DefaultLedger{now: time.Now}
}

func (lg *DefaultLedger) Record(_ context.Context, l *Loan, tx Transaction) (*Transaction, error) {
	if !tx.Type.IsValid() {
		return nil, &ValidationError{Field: "type", Message: "unknown transaction type " + string(tx.Type), Err: ErrUnsupported}
	}
	if !tx.Amount.IsPositive() {
		return nil, &ValidationError{Field: "amount", Message: "must be positive", Err: ErrInvalidAmount}
	}
	if !tx.Amount.Equal(l.Currency().Round(tx.Amount)) {
		return nil, &ValidationError{Field: "amount", Message: "more decimals than the currency allows", Err: ErrInvalidAmount}
	}
	if tx.Date.IsZero() {
		return nil, &ValidationError{Field: "date", Message: "required", Err: ErrInvalidDate}
	}
	if l.ExternalIDTaken(tx.ExternalID) {
		return nil, &ValidationError{Field: "external_id", Message: tx.ExternalID, Err: ErrDuplicateExternalID}
	}

	tx.ID = TransactionID(l.NextID())
	tx.LoanID = l.ID
	tx.Reversed = false
	tx.ReversedOn = nil
	tx.Revision = 0
	tx.CreatedAt = lg.now().UTC()
	if tx.Type.HasDerivedBreakdown() {
		tx.Portions = Portions{}
		tx.Mappings = nil
	}
	l.Transactions = append(l.Transactions, tx)
	return &l.Transactions[len(l.Transactions)-1], nil
}

func (lg *DefaultLedger) RecordCharge(_ context.Context, l *Loan, c Charge) (*Charge, error) {
	if c.Kind != ChargeFee && c.Kind != ChargePenalty {
		return nil, Invalid("kind", "unknown charge kind %q", c.Kind)
	}
	if !c.Amount.IsPositive() {
		return nil, &ValidationError{Field: "amount", Message: "must be positive", Err: ErrInvalidAmount}
	}
	if c.DueDate.IsZero() {
		return nil, &ValidationError{Field: "due_date", Message: "required", Err: ErrInvalidDate}
	}
	c.ID = ChargeID(l.NextID())
	c.LoanID = l.ID
	c.Active = true
	c.Installment = 0
	c.Waived = Zero()
	c.CreatedAt = lg.now().UTC()
	l.Charges = append(l.Charges, c)
	return &l.Charges[len(l.Charges)-1], nil
}

func (lg *DefaultLedger) Reverse(_ context.Context, l *Loan, id TransactionID, on Date) (*Transaction, error) {
	tx, ok := l.Transaction(id)
	if !ok {
		return nil, ErrTransactionNotFound
	}
	if tx.Reversed {
		return nil, ErrAlreadyReversed
	}
	reversedOn := on
	tx.Reversed = true
	tx.ReversedOn = &reversedOn
	return tx, nil
}

// =============================================================================
// CHRONOLOGY
// =============================================================================

// Entry is either a transaction or a charge in replay order.
type Entry struct {
	Date   Date
	Seq    int64
	Tx     *Transaction
	Charge *Charge
}

func entryLess(d1 Date, s1 int64, d2 Date, s2 int64) bool {
	if !d1.Equal(d2) {
		return d1.Before(d2)
	}
	return s1 < s2
}

// Entries returns the active entries of l in replay order. Pointers refer
// into l, so allocation writes breakdowns straight onto the aggregate.
func Entries(l *Loan) []Entry {
	entries := make([]Entry, 0, len(l.Transactions)+len(l.Charges))
	for i := range l.Transactions {
		tx := &l.Transactions[i]
		if tx.Reversed {
			continue
		}
		entries = append(entries, Entry{Date: tx.Date, Seq: int64(tx.ID), Tx: tx})
	}
	for i := range l.Charges {
		c := &l.Charges[i]
		if !c.Active {
			continue
		}
		entries = append(entries, Entry{Date: c.DueDate, Seq: int64(c.ID), Charge: c})
	}
	sort.SliceStable(entries, func(a, b int) bool {
		return entryLess(entries[a].Date, entries[a].Seq, entries[b].Date, entries[b].Seq)
	})
	return entries
}
