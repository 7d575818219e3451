package loan

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SCHEDULE GENERATION
// =============================================================================

type Frequency string

const (
	FrequencyDays   Frequency = "days"
	FrequencyWeeks  Frequency = "weeks"
	FrequencyMonths Frequency = "months"
)

func (f Frequency) periodsPerYear() int64 {
	switch f {
	case FrequencyDays:
		return 365
	case FrequencyWeeks:
		return 52
	}
	return 12
}

func (f Frequency) step(d Date, n int) Date {
	switch f {
	case FrequencyDays:
		return d.AddDays(n)
	case FrequencyWeeks:
		return d.AddDays(7 * n)
	}
	return d.AddMonths(n)
}

// RepaymentStart decides the anchor the first due date is counted from.
type RepaymentStart string

const (
	StartFromSubmittedOn  RepaymentStart = "submitted_on"
	StartFromDisbursement RepaymentStart = "disbursement"
	StartExplicit         RepaymentStart = "explicit"
)

// Terms are the inputs of schedule generation.
type Terms struct {
	Principal          Money           `json:"principal"`
	AnnualInterestRate decimal.Decimal `json:"annual_interest_rate"` // percent, flat
	NumberOfRepayments int             `json:"number_of_repayments"`
	RepaymentEvery     int             `json:"repayment_every"`
	Frequency          Frequency       `json:"frequency"`
	SubmittedOn        Date            `json:"submitted_on"`
	DisbursementDate   Date            `json:"disbursement_date"`
	RepaymentStart     RepaymentStart  `json:"repayment_start"`
	FirstRepaymentOn   Date            `json:"first_repayment_on,omitempty"`

	// MinDaysToFirstRepayment pushes the first due date out when it falls
	// too close to disbursement.
	MinDaysToFirstRepayment int `json:"min_days_to_first_repayment,omitempty"`

	// DownPaymentPercent, when positive, adds a down payment installment due
	// on the disbursement date.
	DownPaymentPercent decimal.Decimal `json:"down_payment_percent,omitempty"`
}

func (t Terms) Validate() error {
	if !t.Principal.IsPositive() {
		return &ValidationError{Field: "principal", Message: "must be positive", Err: ErrInvalidAmount}
	}
	if t.NumberOfRepayments <= 0 {
		return Invalid("number_of_repayments", "must be positive")
	}
	if t.RepaymentEvery <= 0 {
		return Invalid("repayment_every", "must be positive")
	}
	switch t.Frequency {
	case FrequencyDays, FrequencyWeeks, FrequencyMonths:
	default:
		return Invalid("frequency", "unknown frequency %q", t.Frequency)
	}
	if t.AnnualInterestRate.IsNegative() {
		return Invalid("annual_interest_rate", "must not be negative")
	}
	if t.DisbursementDate.IsZero() {
		return &ValidationError{Field: "disbursement_date", Message: "required", Err: ErrInvalidDate}
	}
	if !t.SubmittedOn.IsZero() && t.DisbursementDate.Before(t.SubmittedOn) {
		return &ValidationError{Field: "disbursement_date", Message: "before submitted_on", Err: ErrInvalidDate}
	}
	if t.RepaymentStart == StartExplicit && !t.FirstRepaymentOn.After(t.DisbursementDate) {
		return &ValidationError{Field: "first_repayment_on", Message: "must be after disbursement", Err: ErrInvalidDate}
	}
	if t.DownPaymentPercent.IsNegative() || t.DownPaymentPercent.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		return Invalid("down_payment_percent", "must be in [0, 100)")
	}
	return nil
}

// ScheduleGenerator builds the base installment schedule of a loan.
type ScheduleGenerator interface {
	Generate(terms Terms, currency Currency) (Schedule, error)
}

// FlatGenerator splits principal evenly and charges flat interest on the
// original principal. Rounding remainders land on the last installment.
type FlatGenerator struct{}

func (FlatGenerator) Generate(terms Terms, currency Currency) (Schedule, error) {
	if err := terms.Validate(); err != nil {
		return nil, fmt.Errorf("generate schedule: %w", err)
	}

	var schedule Schedule
	principal := terms.Principal
	if terms.DownPaymentPercent.IsPositive() {
		down := currency.Round(principal.Mul(terms.DownPaymentPercent.Div(decimal.NewFromInt(100))))
		inst := NewInstallment(1, terms.DisbursementDate, terms.DisbursementDate, down, Zero())
		inst.DownPayment = true
		schedule = append(schedule, inst)
		principal = principal.Sub(down)
	}

	n := terms.NumberOfRepayments
	principalShare, principalLast := currency.Split(principal, n)

	periodRate := terms.AnnualInterestRate.
		Div(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(terms.Frequency.periodsPerYear())).
		Mul(decimal.NewFromInt(int64(terms.RepaymentEvery)))
	totalInterest := currency.Round(principal.Mul(periodRate.Mul(decimal.NewFromInt(int64(n)))))
	interestShare, interestLast := currency.Split(totalInterest, n)

	first := firstDueDate(terms)
	from := terms.DisbursementDate
	for k := 0; k < n; k++ {
		due := terms.Frequency.step(first, k*terms.RepaymentEvery)
		p, i := principalShare, interestShare
		if k == n-1 {
			p, i = principalLast, interestLast
		}
		schedule = append(schedule, NewInstallment(len(schedule)+1, from, due, p, i))
		from = due
	}
	return schedule, nil
}

func firstDueDate(t Terms) Date {
	var first Date
	switch t.RepaymentStart {
	case StartExplicit:
		first = t.FirstRepaymentOn
	case StartFromSubmittedOn:
		anchor := t.SubmittedOn
		if anchor.IsZero() {
			anchor = t.DisbursementDate
		}
		first = t.Frequency.step(anchor, t.RepaymentEvery)
	default:
		first = t.Frequency.step(t.DisbursementDate, t.RepaymentEvery)
	}
	if t.MinDaysToFirstRepayment > 0 {
		if earliest := t.DisbursementDate.AddDays(t.MinDaysToFirstRepayment); first.Before(earliest) {
			first = earliest
		}
	}
	if !first.After(t.DisbursementDate) {
		first = t.Frequency.step(t.DisbursementDate, t.RepaymentEvery)
	}
	return first
}
