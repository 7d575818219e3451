/*
transaction.go - Ledger entries: transactions and charges

PURPOSE:
  A Transaction is a dated monetary event against a loan. Its amount, type
  and date never change after creation; its bucket breakdown (Portions) and
  per-installment Mappings are derived by allocation and are re-derived
  whenever a replay touches it. Revision counts those re-derivations.

  A Charge is a fee or penalty obligation with a due date. Charges are
  ledger entries too: they sort with transactions and are replayed with
  the same rules.

ORDERING:
  Entries sort by effective date, then by insertion sequence. Transactions
  and charges share one per-loan sequence, so a same-day charge added after
  a repayment sorts after it.

REVERSAL:
  A reversed transaction keeps its record (and last breakdown for audit)
  but is excluded from replay, so its effect on installments is zero.

SEE ALSO:
  - ledger.go: Chronological view and external id checks
  - ../allocation/session.go: Derives Portions and Mappings
*/
package loan

import (
	"fmt"
	"sort"
	"time"
)

// =============================================================================
// PORTIONS - Per-bucket breakdown of a transaction
// =============================================================================

type Portions struct {
	Principal   Money `json:"principal"`
	Interest    Money `json:"interest"`
	Fee         Money `json:"fee"`
	Penalty     Money `json:"penalty"`
	Overpayment Money `json:"overpayment"`
}

func (p Portions) Get(b Bucket) Money {
	switch b {
	case BucketPrincipal:
		return p.Principal
	case BucketInterest:
		return p.Interest
	case BucketFee:
		return p.Fee
	case BucketPenalty:
		return p.Penalty
	}
	return Zero()
}

func (p *Portions) Add(b Bucket, m Money) {
	switch b {
	case BucketPrincipal:
		p.Principal = p.Principal.Add(m)
	case BucketInterest:
		p.Interest = p.Interest.Add(m)
	case BucketFee:
		p.Fee = p.Fee.Add(m)
	case BucketPenalty:
		p.Penalty = p.Penalty.Add(m)
	}
}

// Allocated is the total applied to buckets, excluding overpayment.
func (p Portions) Allocated() Money {
	return SumMoney(p.Principal, p.Interest, p.Fee, p.Penalty)
}

func (p Portions) Total() Money {
	return p.Allocated().Add(p.Overpayment)
}

func (p Portions) Equal(o Portions) bool {
	return p.Principal.Equal(o.Principal) && p.Interest.Equal(o.Interest) &&
		p.Fee.Equal(o.Fee) && p.Penalty.Equal(o.Penalty) &&
		p.Overpayment.Equal(o.Overpayment)
}

func (p Portions) String() string {
	return fmt.Sprintf("{principal %s interest %s fee %s penalty %s overpayment %s}",
		p.Principal, p.Interest, p.Fee, p.Penalty, p.Overpayment)
}

// InstallmentMapping records what a transaction did to one installment.
type InstallmentMapping struct {
	Installment int   `json:"installment"`
	Principal   Money `json:"principal"`
	Interest    Money `json:"interest"`
	Fee         Money `json:"fee"`
	Penalty     Money `json:"penalty"`
}

// Get returns the amount mapped to bucket b.
func (m InstallmentMapping) Get(b Bucket) Money {
	switch b {
	case BucketPrincipal:
		return m.Principal
	case BucketInterest:
		return m.Interest
	case BucketFee:
		return m.Fee
	case BucketPenalty:
		return m.Penalty
	}
	return Zero()
}

func (m InstallmentMapping) Total() Money {
	return SumMoney(m.Principal, m.Interest, m.Fee, m.Penalty)
}

func mappingsEqual(a, b []InstallmentMapping) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.Installment != y.Installment || !x.Principal.Equal(y.Principal) ||
			!x.Interest.Equal(y.Interest) || !x.Fee.Equal(y.Fee) || !x.Penalty.Equal(y.Penalty) {
			return false
		}
	}
	return true
}

// =============================================================================
// TRANSACTION
// =============================================================================

type Relation struct {
	Type RelationType  `json:"type"`
	ToID TransactionID `json:"to_id"`
}

type Transaction struct {
	ID          TransactionID   `json:"id"`
	LoanID      LoanID          `json:"loan_id"`
	Type        TransactionType `json:"type"`
	Amount      Money           `json:"amount"`
	SubmittedOn Date            `json:"submitted_on"`
	Date        Date            `json:"date"`
	ExternalID  string          `json:"external_id,omitempty"`
	ChargeID    ChargeID        `json:"charge_id,omitempty"`
	Relations   []Relation      `json:"relations,omitempty"`

	Reversed   bool  `json:"reversed"`
	ReversedOn *Date `json:"reversed_on,omitempty"`

	// Derived by allocation.
	Portions Portions             `json:"portions"`
	Mappings []InstallmentMapping `json:"mappings,omitempty"`
	Revision int                  `json:"revision"`

	CreatedAt time.Time `json:"created_at"`
}

// ChargebackOf returns the transaction this chargeback gives money back for.
func (t *Transaction) ChargebackOf() (TransactionID, bool) {
	if t.Type != TxChargeback {
		return 0, false
	}
	for _, r := range t.Relations {
		if r.Type == RelationChargeback {
			return r.ToID, true
		}
	}
	return 0, false
}

// ResetDerived clears the allocation-derived fields before a replay.
func (t *Transaction) ResetDerived() {
	if !t.Type.HasDerivedBreakdown() {
		return
	}
	t.Portions = Portions{}
	t.Mappings = nil
}

// SameBreakdown compares the derived fields of two versions of a transaction.
func (t *Transaction) SameBreakdown(o *Transaction) bool {
	return t.Portions.Equal(o.Portions) && mappingsEqual(t.Mappings, o.Mappings)
}

func (t Transaction) Clone() Transaction {
	c := t
	c.Relations = append([]Relation(nil), t.Relations...)
	c.Mappings = append([]InstallmentMapping(nil), t.Mappings...)
	if t.ReversedOn != nil {
		on := *t.ReversedOn
		c.ReversedOn = &on
	}
	return c
}

// =============================================================================
// CHARGE
// =============================================================================

type ChargeKind string

const (
	ChargeFee     ChargeKind = "fee"
	ChargePenalty ChargeKind = "penalty"
)

type Charge struct {
	ID          ChargeID   `json:"id"`
	LoanID      LoanID     `json:"loan_id"`
	Name        string     `json:"name"`
	Kind        ChargeKind `json:"kind"`
	Amount      Money      `json:"amount"`
	DueDate     Date       `json:"due_date"`
	SubmittedOn Date       `json:"submitted_on"`
	Active      bool       `json:"active"`

	// Derived by allocation.
	Installment int   `json:"installment"`
	Waived      Money `json:"waived"`

	CreatedAt time.Time `json:"created_at"`
}

func (c Charge) Bucket() Bucket {
	if c.Kind == ChargePenalty {
		return BucketPenalty
	}
	return BucketFee
}

// =============================================================================
// MAPPING ACCUMULATOR
// =============================================================================

// MappingSet accumulates per-installment effects in installment order.
type MappingSet struct {
	byNumber map[int]*InstallmentMapping
}

func NewMappingSet(existing []InstallmentMapping) *MappingSet {
	ms := &MappingSet{byNumber: make(map[int]*InstallmentMapping)}
	for _, m := range existing {
		m := m
		ms.byNumber[m.Installment] = &m
	}
	return ms
}

func (ms *MappingSet) Add(installment int, b Bucket, amount Money) {
	if amount.IsZero() {
		return
	}
	m, ok := ms.byNumber[installment]
	if !ok {
		m = &InstallmentMapping{Installment: installment}
		ms.byNumber[installment] = m
	}
	switch b {
	case BucketPrincipal:
		m.Principal = m.Principal.Add(amount)
	case BucketInterest:
		m.Interest = m.Interest.Add(amount)
	case BucketFee:
		m.Fee = m.Fee.Add(amount)
	case BucketPenalty:
		m.Penalty = m.Penalty.Add(amount)
	}
}

// List returns mappings sorted by installment number.
func (ms *MappingSet) List() []InstallmentMapping {
	if len(ms.byNumber) == 0 {
		return nil
	}
	out := make([]InstallmentMapping, 0, len(ms.byNumber))
	for _, m := range ms.byNumber {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Installment < out[j].Installment })
	return out
}
