/*
policy.go - Allocation policies and loan products

PURPOSE:
  A Product is the configuration a loan is created from. It carries the
  currency, the processing mode and the allocation rules that decide which
  bucket of which installment an incoming amount pays first.

PAYMENT ALLOCATION RULE:
  An ordered permutation of the twelve allocation types
  {PAST_DUE, DUE, IN_ADVANCE} x {PENALTY, FEE, PRINCIPAL, INTEREST}
  plus a future installment rule deciding which in-advance installments
  are eligible. Every product must define a "default" rule; other rules
  are keyed by transaction type.

CREDIT ALLOCATION RULE:
  An ordered permutation of the four buckets used to decide which part of
  the original payment a chargeback gives back first.

VALIDATION:
  Products are validated when defined, never at allocation time. A rule
  that misses or repeats an allocation type is rejected.

SEE ALSO:
  - ../factory/product.go: JSON product definitions
  - ../allocation/engine.go: Consumes these rules
*/
package loan

import (
	"fmt"
	"strings"
)

// =============================================================================
// ALLOCATION TYPE
// =============================================================================

type AllocationType struct {
	Due    DueType
	Bucket Bucket
}

func (a AllocationType) String() string { return string(a.Due) + "_" + string(a.Bucket) }

// ParseAllocationType parses names such as "PAST_DUE_PENALTY".
func ParseAllocationType(s string) (AllocationType, error) {
	for _, due := range DueTypes {
		prefix := string(due) + "_"
		if !strings.HasPrefix(s, prefix) {
			continue
		}
		b := Bucket(strings.TrimPrefix(s, prefix))
		if b.IsValid() {
			return AllocationType{Due: due, Bucket: b}, nil
		}
	}
	return AllocationType{}, fmt.Errorf("%w: unknown allocation type %q", ErrInvalidPolicy, s)
}

func (a AllocationType) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *AllocationType) UnmarshalText(text []byte) error {
	parsed, err := ParseAllocationType(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// DefaultAllocationOrder is penalty, fee, principal, interest within each
// due type, past due first.
func DefaultAllocationOrder() []AllocationType {
	order := make([]AllocationType, 0, len(DueTypes)*len(Buckets))
	for _, due := range DueTypes {
		for _, b := range Buckets {
			order = append(order, AllocationType{Due: due, Bucket: b})
		}
	}
	return order
}

// =============================================================================
// RULES
// =============================================================================

type ProcessingMode string

const (
	ProcessingHorizontal ProcessingMode = "horizontal"
	ProcessingVertical   ProcessingMode = "vertical"
)

type PaymentAllocationRule struct {
	TransactionType TransactionType       `json:"transaction_type"`
	Order           []AllocationType      `json:"order"`
	FutureRule      FutureInstallmentRule `json:"future_installment_rule"`
}

func (r PaymentAllocationRule) Validate() error {
	if r.TransactionType != TxDefault && !r.TransactionType.IsRepaymentLike() {
		return fmt.Errorf("%w: %q cannot carry a payment allocation rule", ErrInvalidPolicy, r.TransactionType)
	}
	if !r.FutureRule.IsValid() {
		return fmt.Errorf("%w: %s: unknown future installment rule %q", ErrInvalidPolicy, r.TransactionType, r.FutureRule)
	}
	want := len(DueTypes) * len(Buckets)
	if len(r.Order) != want {
		return fmt.Errorf("%w: %s: order has %d allocation types, want %d", ErrInvalidPolicy, r.TransactionType, len(r.Order), want)
	}
	seen := make(map[AllocationType]bool, want)
	for _, at := range r.Order {
		if !at.Due.IsValid() || !at.Bucket.IsValid() {
			return fmt.Errorf("%w: %s: unknown allocation type %s", ErrInvalidPolicy, r.TransactionType, at)
		}
		if seen[at] {
			return fmt.Errorf("%w: %s: allocation type %s listed twice", ErrInvalidPolicy, r.TransactionType, at)
		}
		seen[at] = true
	}
	return nil
}

type CreditAllocationRule struct {
	TransactionType TransactionType `json:"transaction_type"`
	Order           []Bucket        `json:"order"`
}

func (r CreditAllocationRule) Validate() error {
	if r.TransactionType != TxChargeback {
		return fmt.Errorf("%w: credit allocation only applies to chargebacks, got %q", ErrInvalidPolicy, r.TransactionType)
	}
	if len(r.Order) != len(Buckets) {
		return fmt.Errorf("%w: credit order has %d buckets, want %d", ErrInvalidPolicy, len(r.Order), len(Buckets))
	}
	seen := make(map[Bucket]bool, len(Buckets))
	for _, b := range r.Order {
		if !b.IsValid() || seen[b] {
			return fmt.Errorf("%w: credit order bucket %q invalid or repeated", ErrInvalidPolicy, b)
		}
		seen[b] = true
	}
	return nil
}

// DefaultCreditOrder gives back penalty, fee, interest, principal.
var DefaultCreditOrder = []Bucket{BucketPenalty, BucketFee, BucketInterest, BucketPrincipal}

// =============================================================================
// PRODUCT
// =============================================================================

type Product struct {
	ID             string                  `json:"id"`
	Name           string                  `json:"name"`
	Currency       Currency                `json:"currency"`
	ProcessingMode ProcessingMode          `json:"processing_mode"`
	PaymentRules   []PaymentAllocationRule `json:"payment_allocation"`
	CreditRules    []CreditAllocationRule  `json:"credit_allocation,omitempty"`
	Version        int                     `json:"version"`
}

// Validate rejects products whose rules are incomplete or ambiguous.
func (p Product) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: product id required", ErrInvalidPolicy)
	}
	if err := p.Currency.Validate(); err != nil {
		return err
	}
	switch p.ProcessingMode {
	case ProcessingHorizontal, ProcessingVertical:
	default:
		return fmt.Errorf("%w: unknown processing mode %q", ErrInvalidPolicy, p.ProcessingMode)
	}

	hasDefault := false
	seen := make(map[TransactionType]bool)
	for _, r := range p.PaymentRules {
		if err := r.Validate(); err != nil {
			return err
		}
		if seen[r.TransactionType] {
			return fmt.Errorf("%w: duplicate rule for %q", ErrInvalidPolicy, r.TransactionType)
		}
		seen[r.TransactionType] = true
		if r.TransactionType == TxDefault {
			hasDefault = true
		}
	}
	if !hasDefault {
		return fmt.Errorf("%w: a default payment allocation rule is required", ErrInvalidPolicy)
	}

	if len(p.CreditRules) > 1 {
		return fmt.Errorf("%w: at most one credit allocation rule", ErrInvalidPolicy)
	}
	for _, r := range p.CreditRules {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// PaymentRule returns the rule for t, falling back to the default rule.
func (p Product) PaymentRule(t TransactionType) PaymentAllocationRule {
	var def PaymentAllocationRule
	for _, r := range p.PaymentRules {
		if r.TransactionType == t {
			return r
		}
		if r.TransactionType == TxDefault {
			def = r
		}
	}
	return def
}

// CreditOrder returns the chargeback bucket order.
func (p Product) CreditOrder() []Bucket {
	for _, r := range p.CreditRules {
		if r.TransactionType == TxChargeback {
			return r.Order
		}
	}
	return DefaultCreditOrder
}

// SameRules reports whether two products allocate identically.
func (p Product) SameRules(o Product) bool {
	if p.ProcessingMode != o.ProcessingMode || p.Currency != o.Currency ||
		len(p.PaymentRules) != len(o.PaymentRules) || len(p.CreditRules) != len(o.CreditRules) {
		return false
	}
	for i := range p.PaymentRules {
		a, b := p.PaymentRules[i], o.PaymentRules[i]
		if a.TransactionType != b.TransactionType || a.FutureRule != b.FutureRule || len(a.Order) != len(b.Order) {
			return false
		}
		for j := range a.Order {
			if a.Order[j] != b.Order[j] {
				return false
			}
		}
	}
	for i := range p.CreditRules {
		a, b := p.CreditRules[i], o.CreditRules[i]
		if len(a.Order) != len(b.Order) {
			return false
		}
		for j := range a.Order {
			if a.Order[j] != b.Order[j] {
				return false
			}
		}
	}
	return true
}

// DefaultProduct is a horizontal product with the default order and
// next-installment prepayment.
func DefaultProduct(id string, currency Currency) Product {
	return Product{
		ID:             id,
		Name:           "Standard " + currency.Code,
		Currency:       currency,
		ProcessingMode: ProcessingHorizontal,
		PaymentRules: []PaymentAllocationRule{{
			TransactionType: TxDefault,
			Order:           DefaultAllocationOrder(),
			FutureRule:      FutureNextInstallment,
		}},
		CreditRules: []CreditAllocationRule{{
			TransactionType: TxChargeback,
			Order:           append([]Bucket(nil), DefaultCreditOrder...),
		}},
		Version: 1,
	}
}
