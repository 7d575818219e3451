package loan

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func monthlyTerms(principal string, rate int64, n int) Terms {
	d := MustParseDate("2024-01-01")
	return Terms{
		Principal:          MustParseMoney(principal),
		AnnualInterestRate: decimal.NewFromInt(rate),
		NumberOfRepayments: n,
		RepaymentEvery:     1,
		Frequency:          FrequencyMonths,
		SubmittedOn:        d,
		DisbursementDate:   d,
		RepaymentStart:     StartFromDisbursement,
	}
}

func dueDates(s Schedule) []string {
	out := make([]string, len(s))
	for i, inst := range s {
		out[i] = inst.DueDate.String()
	}
	return out
}

// =============================================================================
// GENERATOR
// =============================================================================

func TestFlatGenerator_Monthly(t *testing.T) {
	s, err := FlatGenerator{}.Generate(monthlyTerms("300", 12, 3), USD)
	require.NoError(t, err)

	require.Len(t, s, 3)
	assert.Equal(t, []string{"2024-02-01", "2024-03-01", "2024-04-01"}, dueDates(s))
	assert.Equal(t, "2024-02-01", s[1].FromDate.String())
	for _, inst := range s {
		assert.True(t, inst.Principal.Due.Equal(MustParseMoney("100")))
		assert.True(t, inst.Interest.Due.Equal(MustParseMoney("3")))
		assert.True(t, inst.Fee.Due.IsZero())
	}
	assert.True(t, s.Totals().Outstanding().Equal(MustParseMoney("309")))
}

func TestFlatGenerator_RemainderOnLast(t *testing.T) {
	s, err := FlatGenerator{}.Generate(monthlyTerms("100", 0, 3), USD)
	require.NoError(t, err)

	assert.Equal(t, "33.33", s[0].Principal.Due.String())
	assert.Equal(t, "33.34", s[2].Principal.Due.String())
	assert.True(t, s.Totals().Principal.Due.Equal(MustParseMoney("100")))
}

func TestFlatGenerator_DownPayment(t *testing.T) {
	terms := monthlyTerms("1000", 0, 3)
	terms.DownPaymentPercent = decimal.NewFromInt(25)

	s, err := FlatGenerator{}.Generate(terms, USD)
	require.NoError(t, err)

	require.Len(t, s, 4)
	assert.True(t, s[0].DownPayment)
	assert.Equal(t, "2024-01-01", s[0].DueDate.String())
	assert.True(t, s[0].Principal.Due.Equal(MustParseMoney("250")))
	assert.True(t, s[1].Principal.Due.Equal(MustParseMoney("250")))
	assert.Equal(t, 4, s[3].Number)
}

func TestFlatGenerator_FirstDueDate(t *testing.T) {
	weekly := monthlyTerms("70", 0, 2)
	weekly.Frequency = FrequencyWeeks
	weekly.MinDaysToFirstRepayment = 10

	explicit := monthlyTerms("70", 0, 2)
	explicit.RepaymentStart = StartExplicit
	explicit.FirstRepaymentOn = MustParseDate("2024-01-20")

	submitted := monthlyTerms("70", 0, 2)
	submitted.SubmittedOn = MustParseDate("2023-12-20")
	submitted.RepaymentStart = StartFromSubmittedOn

	everyTwoDays := monthlyTerms("70", 0, 2)
	everyTwoDays.Frequency = FrequencyDays
	everyTwoDays.RepaymentEvery = 2

	tests := []struct {
		name  string
		terms Terms
		want  []string
	}{
		{"pushed by minimum days", weekly, []string{"2024-01-11", "2024-01-18"}},
		{"explicit", explicit, []string{"2024-01-20", "2024-02-20"}},
		{"from submission", submitted, []string{"2024-01-20", "2024-02-20"}},
		{"every two days", everyTwoDays, []string{"2024-01-03", "2024-01-05"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := FlatGenerator{}.Generate(tt.terms, USD)
			require.NoError(t, err)
			assert.Equal(t, tt.want, dueDates(s))
		})
	}
}

func TestTerms_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Terms)
		target error
	}{
		{"zero principal", func(t *Terms) { t.Principal = Zero() }, ErrInvalidAmount},
		{"no repayments", func(t *Terms) { t.NumberOfRepayments = 0 }, ErrInvalidTransaction},
		{"unknown frequency", func(t *Terms) { t.Frequency = "fortnights" }, ErrInvalidTransaction},
		{"negative rate", func(t *Terms) { t.AnnualInterestRate = decimal.NewFromInt(-1) }, ErrInvalidTransaction},
		{"missing disbursement", func(t *Terms) { t.DisbursementDate = Date{} }, ErrInvalidDate},
		{"disbursed before submission", func(t *Terms) { t.SubmittedOn = MustParseDate("2024-02-01") }, ErrInvalidDate},
		{"explicit not after disbursement", func(t *Terms) {
			t.RepaymentStart = StartExplicit
			t.FirstRepaymentOn = t.DisbursementDate
		}, ErrInvalidDate},
		{"full down payment", func(t *Terms) { t.DownPaymentPercent = decimal.NewFromInt(100) }, ErrInvalidTransaction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			terms := monthlyTerms("300", 12, 3)
			tt.mutate(&terms)
			_, err := FlatGenerator{}.Generate(terms, USD)
			assert.ErrorIs(t, err, tt.target)
		})
	}
}

// =============================================================================
// INSTALLMENTS & SCHEDULE QUERIES
// =============================================================================

func TestInstallment_BucketInvariant(t *testing.T) {
	on := MustParseDate("2024-02-01")
	inst := NewInstallment(1, MustParseDate("2024-01-01"), on, MustParseMoney("100"), MustParseMoney("3"))

	assert.True(t, inst.Pay(BucketInterest, on, MustParseMoney("5")).Equal(MustParseMoney("3")))
	assert.True(t, inst.Pay(BucketPrincipal, on, MustParseMoney("60")).Equal(MustParseMoney("60")))
	assert.True(t, inst.Waive(BucketPrincipal, on, MustParseMoney("10")).Equal(MustParseMoney("10")))
	assert.True(t, inst.Unpay(BucketPrincipal, on, MustParseMoney("80")).Equal(MustParseMoney("60")))
	require.NoError(t, inst.Validate())

	assert.True(t, inst.Principal.Outstanding.Equal(MustParseMoney("90")))
	assert.True(t, inst.Principal.Waived.Equal(MustParseMoney("10")))
	assert.False(t, inst.Completed)

	inst.Principal.Paid = MustParseMoney("1")
	var violation *InvariantViolationError
	assert.ErrorAs(t, inst.Validate(), &violation)
	assert.Equal(t, BucketPrincipal, violation.Bucket)
}

func TestInstallment_CompletionTracksObligations(t *testing.T) {
	due := MustParseDate("2024-02-01")
	inst := NewInstallment(1, MustParseDate("2024-01-01"), due, MustParseMoney("50"), Zero())

	inst.Pay(BucketPrincipal, MustParseDate("2024-01-20"), MustParseMoney("50"))
	require.True(t, inst.Completed)
	assert.Equal(t, "2024-01-20", inst.ObligationsMetOn.String())

	inst.Credit(BucketPrincipal, MustParseDate("2024-03-01"), MustParseMoney("20"))
	assert.False(t, inst.Completed)
	assert.Nil(t, inst.ObligationsMetOn)
	assert.True(t, inst.CreditedPrincipal.Equal(MustParseMoney("20")))
	assert.True(t, inst.Principal.Due.Equal(MustParseMoney("70")))

	assert.True(t, inst.ReduceDue(BucketPrincipal, MustParseDate("2024-03-02"), MustParseMoney("30")).Equal(MustParseMoney("20")))
	assert.True(t, inst.Completed)
}

func TestSchedule_Queries(t *testing.T) {
	s, err := FlatGenerator{}.Generate(monthlyTerms("300", 12, 3), USD)
	require.NoError(t, err)

	on := MustParseDate("2024-03-01")
	assert.Equal(t, 1, s.OldestPastDue(on).Number)
	assert.Equal(t, 2, s.DueOn(on).Number)
	assert.Equal(t, 3, s.InAdvance(on, FutureNextInstallment)[0].Number)

	s[0].Pay(BucketInterest, on, MustParseMoney("3"))
	assert.Equal(t, 2, s.DueOnWith(on, BucketInterest).Number)
	assert.Nil(t, s.PastDueWith(on, BucketInterest))
	assert.Equal(t, 1, s.PastDueWith(on, BucketPrincipal).Number)

	jan := MustParseDate("2024-01-15")
	assert.Len(t, s.InAdvance(jan, FutureReamortization), 3)
	assert.Equal(t, 3, s.InAdvance(jan, FutureLastInstallment)[0].Number)
	assert.Equal(t, 1, s.InAdvanceWith(jan, BucketPrincipal, FutureNextInstallment)[0].Number)

	assert.Equal(t, 1, s.ForDate(MustParseDate("2024-01-01")).Number)
	assert.Equal(t, 1, s.ForDate(MustParseDate("2024-02-01")).Number)
	assert.Equal(t, 2, s.ForDate(MustParseDate("2024-02-02")).Number)
	assert.Nil(t, s.ForDate(MustParseDate("2024-05-01")))
}

func TestSchedule_CloneIsIndependent(t *testing.T) {
	s, err := FlatGenerator{}.Generate(monthlyTerms("300", 12, 3), USD)
	require.NoError(t, err)

	c := s.Clone()
	require.True(t, s.Equivalent(c))

	c[0].Pay(BucketPrincipal, MustParseDate("2024-01-05"), MustParseMoney("10"))
	assert.False(t, s.Equivalent(c))
	assert.True(t, s[0].Principal.Paid.IsZero())
	assert.False(t, s.AllPaid())
}

// =============================================================================
// REPLAY STATE
// =============================================================================

func TestLoan_Transition(t *testing.T) {
	l := &Loan{}
	require.NoError(t, l.Transition(ReplayUnwinding))
	require.NoError(t, l.Transition(ReplayReplaying))

	err := l.Transition(ReplayUnwinding)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, ReplayReplaying, l.ReplayState)

	require.NoError(t, l.Transition(ReplayFaulted))
	assert.False(t, CanTransition(ReplayFaulted, ReplayReplaying))
	require.NoError(t, l.Transition(ReplayIdle))
}
