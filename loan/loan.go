package loan

import (
	"sort"
	"time"
)

// =============================================================================
// LOAN - Aggregate root
// =============================================================================

type Loan struct {
	ID         LoanID  `json:"id"`
	ExternalID string  `json:"external_id,omitempty"`
	Product    Product `json:"product"`
	Terms      Terms   `json:"terms"`
	Status     Status  `json:"status"`

	ReplayState ReplayState `json:"replay_state"`
	FaultReason string      `json:"fault_reason,omitempty"`

	// BaseSchedule is what the generator produced; replay starts from it.
	BaseSchedule Schedule `json:"base_schedule"`
	Schedule     Schedule `json:"schedule"`

	Transactions []Transaction `json:"transactions"`
	Charges      []Charge      `json:"charges"`
	Overpayment  Money         `json:"overpayment"`

	LastClosedBusinessDate *Date `json:"last_closed_business_date,omitempty"`

	NextSeq   int64     `json:"next_seq"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (l *Loan) Currency() Currency { return l.Product.Currency }

// NextID draws the next value of the sequence shared by transactions and
// charges.
func (l *Loan) NextID() int64 {
	l.NextSeq++
	return l.NextSeq
}

func (l *Loan) Transaction(id TransactionID) (*Transaction, bool) {
	for i := range l.Transactions {
		if l.Transactions[i].ID == id {
			return &l.Transactions[i], true
		}
	}
	return nil, false
}

func (l *Loan) Charge(id ChargeID) (*Charge, bool) {
	for i := range l.Charges {
		if l.Charges[i].ID == id {
			return &l.Charges[i], true
		}
	}
	return nil, false
}

// InitialDisbursement returns the earliest active disbursement.
func (l *Loan) InitialDisbursement() (*Transaction, bool) {
	var first *Transaction
	for i := range l.Transactions {
		tx := &l.Transactions[i]
		if tx.Type != TxDisbursement || tx.Reversed {
			continue
		}
		if first == nil || tx.Date.Before(first.Date) || (tx.Date.Equal(first.Date) && tx.ID < first.ID) {
			first = tx
		}
	}
	return first, first != nil
}

// Chargebacks returns the active chargebacks of original, oldest first.
func (l *Loan) Chargebacks(original TransactionID) []*Transaction {
	var out []*Transaction
	for i := range l.Transactions {
		tx := &l.Transactions[i]
		if tx.Reversed {
			continue
		}
		if to, ok := tx.ChargebackOf(); ok && to == original {
			out = append(out, tx)
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return entryLess(out[a].Date, int64(out[a].ID), out[b].Date, int64(out[b].ID)) })
	return out
}

// ExternalIDTaken reports whether an active or reversed transaction already
// uses externalID.
func (l *Loan) ExternalIDTaken(externalID string) bool {
	if externalID == "" {
		return false
	}
	for i := range l.Transactions {
		if l.Transactions[i].ExternalID == externalID {
			return true
		}
	}
	return false
}

// RefreshStatus derives the loan status from its schedule and overpayment.
func (l *Loan) RefreshStatus() {
	switch {
	case !l.Schedule.AllPaid():
		l.Status = StatusActive
	case l.Overpayment.IsPositive():
		l.Status = StatusOverpaid
	default:
		l.Status = StatusClosed
	}
}

// Summary is the read model of a loan balance.
type Summary struct {
	LoanID           LoanID `json:"loan_id"`
	Status           Status `json:"status"`
	Totals           Totals `json:"totals"`
	TotalOutstanding Money  `json:"total_outstanding"`
	TotalPaid        Money  `json:"total_paid"`
	Overpayment      Money  `json:"overpayment"`
}

func (l *Loan) Summary() Summary {
	t := l.Schedule.Totals()
	return Summary{
		LoanID:           l.ID,
		Status:           l.Status,
		Totals:           t,
		TotalOutstanding: t.Outstanding(),
		TotalPaid:        t.Paid(),
		Overpayment:      l.Overpayment,
	}
}

// Clone deep-copies the aggregate; replay works on the copy.
func (l *Loan) Clone() *Loan {
	c := *l
	c.BaseSchedule = l.BaseSchedule.Clone()
	c.Schedule = l.Schedule.Clone()
	c.Transactions = make([]Transaction, len(l.Transactions))
	for i, tx := range l.Transactions {
		c.Transactions[i] = tx.Clone()
	}
	c.Charges = append([]Charge(nil), l.Charges...)
	if l.LastClosedBusinessDate != nil {
		d := *l.LastClosedBusinessDate
		c.LastClosedBusinessDate = &d
	}
	c.Product.PaymentRules = append([]PaymentAllocationRule(nil), l.Product.PaymentRules...)
	c.Product.CreditRules = append([]CreditAllocationRule(nil), l.Product.CreditRules...)
	return &c
}
