/*
Package loan provides the core loan servicing model.

PURPOSE:
  This package contains the types every other package shares: money and
  currency, the installment schedule, the transaction ledger, allocation
  policies and the loan aggregate itself. Allocation and replay algorithms
  live in their own packages and operate on these types.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: An arbitrary precision amount (never float64)
  - Currency: Scale and rounding mode used for every split
  - Bucket: One of principal / interest / fee / penalty
  - TransactionType: Closed set of ledger entry kinds

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal, rounded only at currency scale
  2. Type Safety: Strong typing for IDs prevents mixing loans and transactions
  3. Determinism: Same inputs always produce the same split

USAGE:
  usd := loan.Currency{Code: "USD", Scale: 2, Rounding: loan.RoundHalfEven}
  share, last := usd.Split(loan.MustParseMoney("100"), 3) // 33.33, 33.34

SEE ALSO:
  - installment.go: Bucket balances per installment
  - transaction.go: Ledger entries and their breakdowns
  - policy.go: Allocation rules
*/
package loan

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Decimal amount, currency is carried by the loan
// =============================================================================

type Money struct {
	Value decimal.Decimal
}

func NewMoney(value decimal.Decimal) Money { return Money{Value: value} }

func NewMoneyFromInt(value int64) Money { return Money{Value: decimal.NewFromInt(value)} }

// ParseMoney parses a decimal string such as "125.50".
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("parse money %q: %w", s, err)
	}
	return Money{Value: d}, nil
}

// MustParseMoney is ParseMoney for literals; it panics on malformed input.
func MustParseMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return m
}

func Zero() Money { return Money{Value: decimal.Zero} }

func (m Money) Add(b Money) Money               { return Money{Value: m.Value.Add(b.Value)} }
func (m Money) Sub(b Money) Money               { return Money{Value: m.Value.Sub(b.Value)} }
func (m Money) Mul(s decimal.Decimal) Money     { return Money{Value: m.Value.Mul(s)} }
func (m Money) Neg() Money                      { return Money{Value: m.Value.Neg()} }
func (m Money) IsNegative() bool                { return m.Value.IsNegative() }
func (m Money) IsZero() bool                    { return m.Value.IsZero() }
func (m Money) IsPositive() bool                { return m.Value.IsPositive() }
func (m Money) Equal(b Money) bool              { return m.Value.Equal(b.Value) }
func (m Money) GreaterThan(b Money) bool        { return m.Value.GreaterThan(b.Value) }
func (m Money) GreaterThanOrEqual(b Money) bool { return m.Value.GreaterThanOrEqual(b.Value) }
func (m Money) LessThan(b Money) bool           { return m.Value.LessThan(b.Value) }
func (m Money) LessThanOrEqual(b Money) bool    { return m.Value.LessThanOrEqual(b.Value) }
func (m Money) String() string                  { return m.Value.String() }

func (m Money) Min(b Money) Money {
	if m.LessThan(b) {
		return m
	}
	return b
}

func (m Money) Max(b Money) Money {
	if m.GreaterThan(b) {
		return m
	}
	return b
}

// MarshalJSON encodes money as a decimal string to keep full precision.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Value.String())
}

func (m *Money) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return err
	}
	m.Value = d
	return nil
}

// SumMoney adds up a list of amounts.
func SumMoney(values ...Money) Money {
	total := Zero()
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

// =============================================================================
// CURRENCY - Scale and rounding policy
// =============================================================================

type Rounding string

const (
	RoundHalfEven Rounding = "half_even"
	RoundHalfUp   Rounding = "half_up"
)

func (r Rounding) IsValid() bool { return r == RoundHalfEven || r == RoundHalfUp }

type Currency struct {
	Code     string   `json:"code"`
	Scale    int32    `json:"scale"`
	Rounding Rounding `json:"rounding"`
}

// USD is a two-decimal currency with banker's rounding.
var USD = Currency{Code: "USD", Scale: 2, Rounding: RoundHalfEven}

func (c Currency) Validate() error {
	if c.Code == "" {
		return fmt.Errorf("%w: currency code required", ErrInvalidPolicy)
	}
	if c.Scale < 0 || c.Scale > 8 {
		return fmt.Errorf("%w: currency scale %d out of range", ErrInvalidPolicy, c.Scale)
	}
	if !c.Rounding.IsValid() {
		return fmt.Errorf("%w: unknown rounding mode %q", ErrInvalidPolicy, c.Rounding)
	}
	return nil
}

// Round rounds m to the currency scale using the configured mode.
func (c Currency) Round(m Money) Money {
	if c.Rounding == RoundHalfUp {
		return Money{Value: m.Value.Round(c.Scale)}
	}
	return Money{Value: m.Value.RoundBank(c.Scale)}
}

// Split divides m into n shares rounded to scale. Every share but the last
// equals share; last absorbs the rounding remainder.
func (c Currency) Split(m Money, n int) (share, last Money) {
	if n <= 1 {
		return m, m
	}
	count := decimal.NewFromInt(int64(n))
	share = c.Round(Money{Value: m.Value.Div(count)})
	last = m.Sub(share.Mul(decimal.NewFromInt(int64(n - 1))))
	if last.IsNegative() {
		share = Money{Value: m.Value.Div(count).Truncate(c.Scale)}
		last = m.Sub(share.Mul(decimal.NewFromInt(int64(n - 1))))
	}
	return share, last
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type LoanID string

// TransactionID is monotonic per loan. Charges draw from the same sequence.
type TransactionID int64

type ChargeID int64

// =============================================================================
// BUCKETS AND DUE TYPES
// =============================================================================

type Bucket string

const (
	BucketPenalty   Bucket = "PENALTY"
	BucketFee       Bucket = "FEE"
	BucketPrincipal Bucket = "PRINCIPAL"
	BucketInterest  Bucket = "INTEREST"
)

// Buckets lists the buckets in the default allocation order.
var Buckets = []Bucket{BucketPenalty, BucketFee, BucketPrincipal, BucketInterest}

func (b Bucket) IsValid() bool {
	switch b {
	case BucketPenalty, BucketFee, BucketPrincipal, BucketInterest:
		return true
	}
	return false
}

type DueType string

const (
	DuePastDue   DueType = "PAST_DUE"
	DueToday     DueType = "DUE"
	DueInAdvance DueType = "IN_ADVANCE"
)

var DueTypes = []DueType{DuePastDue, DueToday, DueInAdvance}

func (d DueType) IsValid() bool {
	switch d {
	case DuePastDue, DueToday, DueInAdvance:
		return true
	}
	return false
}

// FutureInstallmentRule selects which in-advance installments receive money.
type FutureInstallmentRule string

const (
	FutureNextInstallment FutureInstallmentRule = "NEXT_INSTALLMENT"
	FutureLastInstallment FutureInstallmentRule = "LAST_INSTALLMENT"
	FutureReamortization  FutureInstallmentRule = "REAMORTIZATION"
)

func (r FutureInstallmentRule) IsValid() bool {
	switch r {
	case FutureNextInstallment, FutureLastInstallment, FutureReamortization:
		return true
	}
	return false
}

// =============================================================================
// TRANSACTION TYPES
// =============================================================================

type TransactionType string

const (
	TxDisbursement         TransactionType = "disbursement"
	TxDownPayment          TransactionType = "down_payment"
	TxRepayment            TransactionType = "repayment"
	TxMerchantIssuedRefund TransactionType = "merchant_issued_refund"
	TxPayoutRefund         TransactionType = "payout_refund"
	TxGoodwillCredit       TransactionType = "goodwill_credit"
	TxInterestRefund       TransactionType = "interest_refund"
	TxCreditBalanceRefund  TransactionType = "credit_balance_refund"
	TxChargeback           TransactionType = "chargeback"
	TxAccrual              TransactionType = "accrual"
	TxInterestWaiver       TransactionType = "interest_waiver"
	TxChargeWaiver         TransactionType = "charge_waiver"
	TxReAmortize           TransactionType = "reamortize"
)

// TxDefault keys the fallback allocation rule of a product.
const TxDefault TransactionType = "default"

var TransactionTypes = []TransactionType{
	TxDisbursement, TxDownPayment, TxRepayment, TxMerchantIssuedRefund,
	TxPayoutRefund, TxGoodwillCredit, TxInterestRefund, TxCreditBalanceRefund,
	TxChargeback, TxAccrual, TxInterestWaiver, TxChargeWaiver, TxReAmortize,
}

func (t TransactionType) IsValid() bool {
	for _, known := range TransactionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// IsRepaymentLike reports whether money of this type is allocated through a
// payment allocation rule.
func (t TransactionType) IsRepaymentLike() bool {
	switch t {
	case TxDownPayment, TxRepayment, TxMerchantIssuedRefund, TxPayoutRefund,
		TxGoodwillCredit, TxInterestRefund:
		return true
	}
	return false
}

// HasDerivedBreakdown is false for types whose portions are fixed at creation.
func (t TransactionType) HasDerivedBreakdown() bool {
	return t != TxAccrual
}

type RelationType string

const (
	RelationChargeback RelationType = "CHARGEBACK"
	RelationRelated    RelationType = "RELATED"
)

// =============================================================================
// LOAN STATUS
// =============================================================================

type Status string

const (
	StatusActive   Status = "active"
	StatusOverpaid Status = "overpaid"
	StatusClosed   Status = "closed_obligations_met"
)
