package loan

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// MONEY & CURRENCY
// =============================================================================

func TestMoney_JSONKeepsPrecision(t *testing.T) {
	data, err := json.Marshal(MustParseMoney("0.10"))
	require.NoError(t, err)
	assert.Equal(t, `"0.1"`, string(data))

	var m Money
	require.NoError(t, json.Unmarshal([]byte(`"123.456789"`), &m))
	assert.True(t, m.Equal(MustParseMoney("123.456789")))

	require.NoError(t, json.Unmarshal([]byte(`42.5`), &m))
	assert.True(t, m.Equal(MustParseMoney("42.5")))

	_, err = ParseMoney("ten")
	assert.Error(t, err)
}

func TestMoney_MinMaxSum(t *testing.T) {
	a, b := MustParseMoney("3"), MustParseMoney("5")
	assert.True(t, a.Min(b).Equal(a))
	assert.True(t, a.Max(b).Equal(b))
	assert.True(t, SumMoney(a, b, MustParseMoney("0.5")).Equal(MustParseMoney("8.5")))
	assert.True(t, SumMoney().IsZero())
}

func TestCurrency_Round(t *testing.T) {
	even := Currency{Code: "USD", Scale: 2, Rounding: RoundHalfEven}
	up := Currency{Code: "USD", Scale: 2, Rounding: RoundHalfUp}

	assert.Equal(t, "0.12", even.Round(MustParseMoney("0.125")).String())
	assert.Equal(t, "0.13", up.Round(MustParseMoney("0.125")).String())
	assert.Equal(t, "0.14", even.Round(MustParseMoney("0.135")).String())
}

func TestCurrency_Split(t *testing.T) {
	jpy := Currency{Code: "JPY", Scale: 0, Rounding: RoundHalfEven}

	tests := []struct {
		name        string
		currency    Currency
		amount      string
		n           int
		share, last string
	}{
		{"even split", USD, "300", 3, "100", "100"},
		{"remainder on last", USD, "100", 3, "33.33", "33.34"},
		{"zero scale", jpy, "10", 3, "3", "4"},
		{"rounding up would overdraw", jpy, "4", 6, "0", "4"},
		{"single share", USD, "17.5", 1, "17.5", "17.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			share, last := tt.currency.Split(MustParseMoney(tt.amount), tt.n)
			assert.True(t, share.Equal(MustParseMoney(tt.share)), "share %s", share)
			assert.True(t, last.Equal(MustParseMoney(tt.last)), "last %s", last)
		})
	}
}

func TestCurrency_Validate(t *testing.T) {
	assert.NoError(t, USD.Validate())

	for _, c := range []Currency{
		{Scale: 2, Rounding: RoundHalfEven},
		{Code: "USD", Scale: 9, Rounding: RoundHalfEven},
		{Code: "USD", Scale: -1, Rounding: RoundHalfEven},
		{Code: "USD", Scale: 2, Rounding: "ceiling"},
	} {
		assert.ErrorIs(t, c.Validate(), ErrInvalidPolicy, "%+v", c)
	}
}

// =============================================================================
// DATES & CLOCK
// =============================================================================

func TestDate_ParseAndJSON(t *testing.T) {
	d := MustParseDate("2024-02-29")
	assert.Equal(t, "2024-03-01", d.AddDays(1).String())
	assert.Equal(t, "2024-03-29", d.AddMonths(1).String())
	assert.Equal(t, 29, DaysBetween(MustParseDate("2024-02-01"), MustParseDate("2024-03-01")))

	_, err := ParseDate("2024-13-01")
	assert.ErrorIs(t, err, ErrInvalidDate)

	var parsed Date
	require.NoError(t, json.Unmarshal([]byte(`"2024-05-06"`), &parsed))
	assert.True(t, parsed.Equal(NewDate(2024, 5, 6)))
	assert.Error(t, json.Unmarshal([]byte(`""`), &parsed))

	data, err := json.Marshal(parsed)
	require.NoError(t, err)
	assert.Equal(t, `"2024-05-06"`, string(data))
}

func TestDate_Scan(t *testing.T) {
	var d Date
	require.NoError(t, d.Scan("2024-01-15"))
	assert.Equal(t, "2024-01-15", d.String())
	require.NoError(t, d.Scan([]byte("2024-01-16")))
	assert.Equal(t, "2024-01-16", d.String())
	assert.Error(t, d.Scan(42))

	v, err := d.Value()
	require.NoError(t, err)
	assert.Equal(t, "2024-01-16", v)
}

func TestDate_Compare(t *testing.T) {
	a, b := MustParseDate("2024-01-01"), MustParseDate("2024-01-02")
	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, b.Compare(a))
	assert.Equal(t, 0, a.Compare(a))
	assert.Equal(t, a, MinDate(b, a))
}

func TestFixedClock(t *testing.T) {
	c := NewFixedClock(MustParseDate("2024-03-01"))
	assert.Equal(t, "2024-02-29", c.COBDate().String())

	c.Advance(2)
	assert.Equal(t, "2024-03-03", c.BusinessDate().String())

	c.Set(MustParseDate("2025-01-01"))
	assert.Equal(t, "2024-12-31", c.COBDate().String())
}

// =============================================================================
// ALLOCATION TYPES & PRODUCTS
// =============================================================================

func TestParseAllocationType(t *testing.T) {
	at, err := ParseAllocationType("PAST_DUE_PENALTY")
	require.NoError(t, err)
	assert.Equal(t, AllocationType{Due: DuePastDue, Bucket: BucketPenalty}, at)

	at, err = ParseAllocationType("IN_ADVANCE_INTEREST")
	require.NoError(t, err)
	assert.Equal(t, AllocationType{Due: DueInAdvance, Bucket: BucketInterest}, at)

	_, err = ParseAllocationType("DUE_TAX")
	assert.ErrorIs(t, err, ErrInvalidPolicy)

	var decoded []AllocationType
	require.NoError(t, json.Unmarshal([]byte(`["DUE_FEE","PAST_DUE_PRINCIPAL"]`), &decoded))
	assert.Equal(t, "DUE_FEE", decoded[0].String())
	assert.Equal(t, "PAST_DUE_PRINCIPAL", decoded[1].String())
}

func TestDefaultAllocationOrder(t *testing.T) {
	order := DefaultAllocationOrder()
	require.Len(t, order, 12)
	assert.Equal(t, "PAST_DUE_PENALTY", order[0].String())
	assert.Equal(t, "IN_ADVANCE_INTEREST", order[11].String())
}

func TestProduct_Validate(t *testing.T) {
	require.NoError(t, DefaultProduct("p", USD).Validate())

	tests := []struct {
		name   string
		mutate func(p *Product)
	}{
		{"missing id", func(p *Product) { p.ID = "" }},
		{"unknown mode", func(p *Product) { p.ProcessingMode = "diagonal" }},
		{"no default rule", func(p *Product) { p.PaymentRules[0].TransactionType = TxRepayment }},
		{"short order", func(p *Product) { p.PaymentRules[0].Order = p.PaymentRules[0].Order[:11] }},
		{"repeated type", func(p *Product) { p.PaymentRules[0].Order[1] = p.PaymentRules[0].Order[0] }},
		{"bad future rule", func(p *Product) { p.PaymentRules[0].FutureRule = "SOMETIMES" }},
		{"rule for non repayment", func(p *Product) {
			p.PaymentRules = append(p.PaymentRules, PaymentAllocationRule{
				TransactionType: TxChargeback, Order: DefaultAllocationOrder(), FutureRule: FutureNextInstallment,
			})
		}},
		{"duplicate rule", func(p *Product) { p.PaymentRules = append(p.PaymentRules, p.PaymentRules[0]) }},
		{"two credit rules", func(p *Product) { p.CreditRules = append(p.CreditRules, p.CreditRules[0]) }},
		{"short credit order", func(p *Product) { p.CreditRules[0].Order = p.CreditRules[0].Order[:3] }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultProduct("p", USD)
			tt.mutate(&p)
			assert.ErrorIs(t, p.Validate(), ErrInvalidPolicy)
		})
	}
}

func TestProduct_RulesLookup(t *testing.T) {
	p := DefaultProduct("p", USD)
	goodwill := PaymentAllocationRule{
		TransactionType: TxGoodwillCredit,
		Order:           DefaultAllocationOrder(),
		FutureRule:      FutureReamortization,
	}
	p.PaymentRules = append(p.PaymentRules, goodwill)
	require.NoError(t, p.Validate())

	assert.Equal(t, FutureReamortization, p.PaymentRule(TxGoodwillCredit).FutureRule)
	assert.Equal(t, TxDefault, p.PaymentRule(TxRepayment).TransactionType)
	assert.Equal(t, DefaultCreditOrder, p.CreditOrder())

	p.CreditRules = nil
	assert.Equal(t, DefaultCreditOrder, p.CreditOrder())

	q := DefaultProduct("q", USD)
	assert.True(t, q.SameRules(DefaultProduct("other", USD)))
	assert.False(t, q.SameRules(p))
}

// =============================================================================
// ERRORS
// =============================================================================

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		is   func(error) bool
	}{
		{"validation", Invalid("amount", "must be positive"), IsClientError},
		{"over refund", &OverRefundError{Requested: MustParseMoney("10"), Available: Zero()}, IsClientError},
		{"locked", &LockedError{LoanID: "L1", Stage: StageChunkedCOB}, IsConflict},
		{"lock conflict", &LockConflictError{LoanID: "L1", Held: StageChunkedCOB, Requested: StageInlineCOB}, IsConflict},
		{"lock timeout", &LockTimeoutError{LoanID: "L1"}, IsRetryable},
		{"diverged", &ReplayDivergedError{TransactionID: 3}, IsFatal},
		{"invariant", &InvariantViolationError{Installment: 1, Bucket: BucketFee}, IsFatal},
		{"transition", &TransitionError{From: ReplayReplaying, To: ReplayUnwinding}, IsFatal},
		{"missing loan", ErrLoanNotFound, IsNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.is(tt.err), tt.err.Error())
		})
	}

	assert.False(t, IsClientError(&LockTimeoutError{}))
	assert.False(t, IsConflict(ErrLoanNotFound))

	var locked *LockedError
	assert.True(t, errors.As(wrap(&LockedError{LoanID: "L9", Stage: StageInlineCOB}), &locked))
	assert.Equal(t, LoanID("L9"), locked.LoanID)
}

func wrap(err error) error { return &ValidationError{Field: "x", Message: "wrapped", Err: err} }

func TestValidationError_DefaultsToInvalidTransaction(t *testing.T) {
	err := Invalid("date", "after business date %s", "2024-01-01")
	assert.ErrorIs(t, err, ErrInvalidTransaction)
	assert.Contains(t, err.Error(), "date: after business date 2024-01-01")
}
