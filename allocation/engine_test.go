package allocation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loan-engine/loan"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func money(s string) loan.Money { return loan.MustParseMoney(s) }
func day(s string) loan.Date    { return loan.MustParseDate(s) }

func product(future loan.FutureInstallmentRule) loan.Product {
	p := loan.DefaultProduct("test", loan.USD)
	p.PaymentRules[0].FutureRule = future
	return p
}

// threeMonthSchedule: 100 principal + 10 interest due on the 1st of Feb, Mar, Apr.
func threeMonthSchedule() loan.Schedule {
	return loan.Schedule{
		loan.NewInstallment(1, day("2024-01-01"), day("2024-02-01"), money("100"), money("10")),
		loan.NewInstallment(2, day("2024-02-01"), day("2024-03-01"), money("100"), money("10")),
		loan.NewInstallment(3, day("2024-03-01"), day("2024-04-01"), money("100"), money("10")),
	}
}

func disbursed() []loan.Transaction {
	return []loan.Transaction{{ID: 1, Type: loan.TxDisbursement, Amount: money("300"), Date: day("2024-01-01")}}
}

func tx(id int64, typ loan.TransactionType, amount, date string) loan.Transaction {
	return loan.Transaction{ID: loan.TransactionID(id), Type: typ, Amount: money(amount), Date: day(date)}
}

func assertMoney(t *testing.T, want string, got loan.Money, msgAndArgs ...any) {
	t.Helper()
	assert.True(t, money(want).Equal(got), append([]any{"want %s, got %s", want, got}, msgAndArgs...)...)
}

// =============================================================================
// HORIZONTAL PROCESSING
// =============================================================================

func TestAllocate_PastDue_OldestInstallmentFirst(t *testing.T) {
	// GIVEN: two installments past due on Mar 15
	e := NewEngine()

	// WHEN: 150 arrives
	res, err := e.Allocate(threeMonthSchedule(), loan.Zero(), tx(2, loan.TxRepayment, "150", "2024-03-15"), product(loan.FutureNextInstallment), disbursed())
	require.NoError(t, err)

	// THEN: installment 1 is settled, installment 2 gets the remaining principal
	assertMoney(t, "140", res.Portions.Principal)
	assertMoney(t, "10", res.Portions.Interest)
	assertMoney(t, "0", res.Portions.Overpayment)
	require.Len(t, res.Mappings, 2)
	assert.Equal(t, 1, res.Mappings[0].Installment)
	assertMoney(t, "110", res.Mappings[0].Total())
	assertMoney(t, "40", res.Mappings[1].Principal)

	assert.True(t, res.Schedule[0].Completed)
	assertMoney(t, "60", res.Schedule[1].Principal.Outstanding)
	assertMoney(t, "10", res.Schedule[1].Interest.Outstanding)
	require.NoError(t, res.Schedule.Validate())
}

func TestAllocate_LeftoverBecomesOverpayment(t *testing.T) {
	e := NewEngine()

	res, err := e.Allocate(threeMonthSchedule(), loan.Zero(), tx(2, loan.TxRepayment, "400", "2024-01-15"), product(loan.FutureNextInstallment), disbursed())
	require.NoError(t, err)

	assertMoney(t, "300", res.Portions.Principal)
	assertMoney(t, "30", res.Portions.Interest)
	assertMoney(t, "70", res.Portions.Overpayment)
	assertMoney(t, "70", res.Overpayment)
	assert.True(t, res.Schedule.AllPaid())
}

func TestAllocate_InAdvance_LastInstallment(t *testing.T) {
	e := NewEngine()

	res, err := e.Allocate(threeMonthSchedule(), loan.Zero(), tx(2, loan.TxRepayment, "50", "2024-01-15"), product(loan.FutureLastInstallment), disbursed())
	require.NoError(t, err)

	assertMoney(t, "50", res.Portions.Principal)
	require.Len(t, res.Mappings, 1)
	assert.Equal(t, 3, res.Mappings[0].Installment)
	assertMoney(t, "100", res.Schedule[0].Principal.Outstanding)
	assertMoney(t, "50", res.Schedule[2].Principal.Outstanding)
}

func TestAllocate_InAdvance_ReamortizationSplitsEvenly(t *testing.T) {
	e := NewEngine()

	res, err := e.Allocate(threeMonthSchedule(), loan.Zero(), tx(2, loan.TxRepayment, "100", "2024-01-15"), product(loan.FutureReamortization), disbursed())
	require.NoError(t, err)

	// 100 / 3 rounds to 33.33; the last installment absorbs the cent
	assertMoney(t, "66.67", res.Schedule[0].Principal.Outstanding)
	assertMoney(t, "66.67", res.Schedule[1].Principal.Outstanding)
	assertMoney(t, "66.66", res.Schedule[2].Principal.Outstanding)
	assertMoney(t, "100", res.Portions.Principal)
}

func TestAllocate_VerticalSettlesOneTypeAcrossInstallments(t *testing.T) {
	// GIVEN: interest ranks before principal for past due money
	order := []loan.AllocationType{
		{Due: loan.DuePastDue, Bucket: loan.BucketPenalty},
		{Due: loan.DuePastDue, Bucket: loan.BucketFee},
		{Due: loan.DuePastDue, Bucket: loan.BucketInterest},
		{Due: loan.DuePastDue, Bucket: loan.BucketPrincipal},
	}
	order = append(order, loan.DefaultAllocationOrder()[4:]...)

	horizontal := product(loan.FutureNextInstallment)
	horizontal.PaymentRules[0].Order = order
	vertical := horizontal
	vertical.ProcessingMode = loan.ProcessingVertical
	require.NoError(t, horizontal.Validate())
	require.NoError(t, vertical.Validate())

	e := NewEngine()
	repay := tx(2, loan.TxRepayment, "30", "2024-04-15")

	// WHEN: the same 30 is allocated in both modes
	h, err := e.Allocate(threeMonthSchedule(), loan.Zero(), repay, horizontal, disbursed())
	require.NoError(t, err)
	v, err := e.Allocate(threeMonthSchedule(), loan.Zero(), repay, vertical, disbursed())
	require.NoError(t, err)

	// THEN: horizontal finishes installment 1 first, vertical takes all interest
	assertMoney(t, "10", h.Portions.Interest)
	assertMoney(t, "20", h.Portions.Principal)
	assertMoney(t, "30", v.Portions.Interest)
	assertMoney(t, "0", v.Portions.Principal)
	require.Len(t, v.Mappings, 3)
}

func TestAllocate_DoesNotTouchCallerSchedule(t *testing.T) {
	schedule := threeMonthSchedule()
	_, err := NewEngine().Allocate(schedule, loan.Zero(), tx(2, loan.TxRepayment, "150", "2024-03-15"), product(loan.FutureNextInstallment), disbursed())
	require.NoError(t, err)

	assertMoney(t, "100", schedule[0].Principal.Outstanding)
	assert.False(t, schedule[0].Completed)
}

func TestAllocate_Deterministic(t *testing.T) {
	e := NewEngine()
	p := product(loan.FutureReamortization)
	repay := tx(2, loan.TxRepayment, "257.35", "2024-02-10")

	first, err := e.Allocate(threeMonthSchedule(), loan.Zero(), repay, p, disbursed())
	require.NoError(t, err)
	second, err := e.Allocate(threeMonthSchedule(), loan.Zero(), repay, p, disbursed())
	require.NoError(t, err)

	assert.True(t, first.Portions.Equal(second.Portions))
	assert.Equal(t, first.Mappings, second.Mappings)
	assert.True(t, first.Schedule.Equivalent(second.Schedule))
}

func TestAllocate_RepaymentBeforeDisbursement(t *testing.T) {
	_, err := NewEngine().Allocate(threeMonthSchedule(), loan.Zero(), tx(2, loan.TxRepayment, "10", "2024-01-15"), product(loan.FutureNextInstallment), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, loan.ErrNotDisbursed)
}

// =============================================================================
// CHARGEBACKS AND REFUNDS
// =============================================================================

func singleInstallment() loan.Schedule {
	return loan.Schedule{
		loan.NewInstallment(1, day("2024-01-01"), day("2024-02-01"), money("1000"), loan.Zero()),
	}
}

func TestAllocate_ChargebackAfterMaturity_AddsInstallment(t *testing.T) {
	// GIVEN: a closed single-installment loan repaid in full
	e := NewEngine()
	p := product(loan.FutureNextInstallment)
	history := []loan.Transaction{tx(1, loan.TxDisbursement, "1000", "2024-01-01")}
	paid, err := e.Allocate(singleInstallment(), loan.Zero(), tx(2, loan.TxRepayment, "1000", "2024-02-01"), p, history)
	require.NoError(t, err)
	require.True(t, paid.Schedule.AllPaid())

	repayment := tx(2, loan.TxRepayment, "1000", "2024-02-01")
	repayment.Portions = paid.Portions
	repayment.Mappings = paid.Mappings
	history = append(history, repayment)

	// WHEN: 200 of it is charged back after maturity
	cb := tx(3, loan.TxChargeback, "200", "2024-03-01")
	cb.Relations = []loan.Relation{{Type: loan.RelationChargeback, ToID: 2}}
	res, err := e.Allocate(paid.Schedule, loan.Zero(), cb, p, history)
	require.NoError(t, err)

	// THEN: an additional installment carries 200 principal
	require.Len(t, res.Schedule, 2)
	extra := res.Schedule[1]
	assert.True(t, extra.Additional)
	assert.Equal(t, 2, extra.Number)
	assert.Equal(t, day("2024-03-01"), extra.DueDate)
	assert.Nil(t, extra.ObligationsMetOn)
	assertMoney(t, "200", extra.Principal.Outstanding)
	assertMoney(t, "200", extra.CreditedPrincipal)
	assertMoney(t, "200", res.Portions.Principal)
	assert.True(t, res.Schedule[0].Completed)
}

func TestAllocate_ChargebackConsumesOverpaymentFirst(t *testing.T) {
	e := NewEngine()
	p := product(loan.FutureNextInstallment)
	history := []loan.Transaction{tx(1, loan.TxDisbursement, "1000", "2024-01-01")}
	paid, err := e.Allocate(singleInstallment(), loan.Zero(), tx(2, loan.TxRepayment, "1100", "2024-01-20"), p, history)
	require.NoError(t, err)
	assertMoney(t, "100", paid.Overpayment)

	repayment := tx(2, loan.TxRepayment, "1100", "2024-01-20")
	repayment.Portions = paid.Portions
	repayment.Mappings = paid.Mappings
	history = append(history, repayment)

	cb := tx(3, loan.TxChargeback, "150", "2024-01-25")
	cb.Relations = []loan.Relation{{Type: loan.RelationChargeback, ToID: 2}}
	res, err := e.Allocate(paid.Schedule, paid.Overpayment, cb, p, history)
	require.NoError(t, err)

	assertMoney(t, "100", res.Portions.Overpayment)
	assertMoney(t, "50", res.Portions.Principal)
	assertMoney(t, "0", res.Overpayment)
	// installment 1 is still due after the chargeback date, so its paid principal reopens
	require.Len(t, res.Schedule, 1)
	assertMoney(t, "50", res.Schedule[0].Principal.Outstanding)
	assertMoney(t, "950", res.Schedule[0].Principal.Paid)
	assertMoney(t, "1000", res.Schedule[0].Principal.Due)
	assertMoney(t, "0", res.Schedule[0].CreditedPrincipal)
}

// chargedSchedule: threeMonthSchedule with a 50 fee and a 20 penalty on
// installment 1, repaid 100 on its due date (penalty 20, fee 50, principal 30).
func chargedSchedule(t *testing.T) (loan.Schedule, []loan.Transaction) {
	t.Helper()
	schedule := threeMonthSchedule()
	schedule[0].AddDue(loan.BucketFee, day("2024-01-15"), money("50"))
	schedule[0].AddDue(loan.BucketPenalty, day("2024-01-15"), money("20"))

	paid, err := NewEngine().Allocate(schedule, loan.Zero(), tx(2, loan.TxRepayment, "100", "2024-02-01"), product(loan.FutureNextInstallment), disbursed())
	require.NoError(t, err)
	assertMoney(t, "20", paid.Portions.Penalty)
	assertMoney(t, "50", paid.Portions.Fee)
	assertMoney(t, "30", paid.Portions.Principal)

	repayment := tx(2, loan.TxRepayment, "100", "2024-02-01")
	repayment.Portions = paid.Portions
	repayment.Mappings = paid.Mappings
	return paid.Schedule, append(disbursed(), repayment)
}

func TestAllocate_ChargebackReopensSettledBuckets(t *testing.T) {
	// GIVEN: installment 1 settled penalty 20, fee 50, principal 30
	schedule, history := chargedSchedule(t)

	// WHEN: the whole 100 is charged back while installment 1 is still due
	cb := tx(3, loan.TxChargeback, "100", "2024-02-01")
	cb.Relations = []loan.Relation{{Type: loan.RelationChargeback, ToID: 2}}
	res, err := NewEngine().Allocate(schedule, loan.Zero(), cb, product(loan.FutureNextInstallment), history)
	require.NoError(t, err)

	// THEN: paid is reduced in penalty, fee, interest, principal order
	assertMoney(t, "20", res.Portions.Penalty)
	assertMoney(t, "50", res.Portions.Fee)
	assertMoney(t, "0", res.Portions.Interest)
	assertMoney(t, "30", res.Portions.Principal)

	first := res.Schedule[0]
	assertMoney(t, "0", first.Penalty.Paid)
	assertMoney(t, "20", first.Penalty.Outstanding)
	assertMoney(t, "0", first.Fee.Paid)
	assertMoney(t, "50", first.Fee.Outstanding)
	assertMoney(t, "0", first.Principal.Paid)
	assertMoney(t, "100", first.Principal.Outstanding)
	assertMoney(t, "100", first.Principal.Due, "due is untouched")
	assertMoney(t, "0", first.CreditedPrincipal)

	require.Len(t, res.Schedule, 3)
	assertMoney(t, "100", res.Schedule[1].Principal.Due)
	require.Len(t, res.Mappings, 1)
	assert.Equal(t, 1, res.Mappings[0].Installment)
	assertMoney(t, "100", res.Mappings[0].Total())
	require.NoError(t, res.Schedule.Validate())
}

func TestAllocate_ChargebackAfterDueDateCreditsNextInstallment(t *testing.T) {
	schedule, history := chargedSchedule(t)

	cb := tx(3, loan.TxChargeback, "100", "2024-02-10")
	cb.Relations = []loan.Relation{{Type: loan.RelationChargeback, ToID: 2}}
	res, err := NewEngine().Allocate(schedule, loan.Zero(), cb, product(loan.FutureNextInstallment), history)
	require.NoError(t, err)

	// installment 1 was past due, its history stays as paid
	assertMoney(t, "30", res.Schedule[0].Principal.Paid)
	assertMoney(t, "50", res.Schedule[0].Fee.Paid)

	second := res.Schedule[1]
	assertMoney(t, "130", second.Principal.Due)
	assertMoney(t, "50", second.Fee.Due)
	assertMoney(t, "20", second.Penalty.Due)
	assertMoney(t, "30", second.CreditedPrincipal)
	assertMoney(t, "50", second.CreditedFee)
	assertMoney(t, "20", second.CreditedPenalty)
	require.Len(t, res.Mappings, 1)
	assert.Equal(t, 2, res.Mappings[0].Installment)
}

func TestAllocate_ChargebackBeyondOriginal(t *testing.T) {
	e := NewEngine()
	p := product(loan.FutureNextInstallment)
	repayment := tx(2, loan.TxRepayment, "100", "2024-01-20")
	repayment.Portions = loan.Portions{Principal: money("100")}
	history := []loan.Transaction{tx(1, loan.TxDisbursement, "1000", "2024-01-01"), repayment}

	cb := tx(3, loan.TxChargeback, "100.01", "2024-01-25")
	cb.Relations = []loan.Relation{{Type: loan.RelationChargeback, ToID: 2}}
	_, err := e.Allocate(singleInstallment(), loan.Zero(), cb, p, history)
	require.Error(t, err)
	assert.ErrorIs(t, err, loan.ErrOverRefund)
}

func TestAllocate_CreditBalanceRefund(t *testing.T) {
	e := NewEngine()
	p := product(loan.FutureNextInstallment)

	res, err := e.Allocate(threeMonthSchedule(), money("70"), tx(3, loan.TxCreditBalanceRefund, "50", "2024-01-20"), p, disbursed())
	require.NoError(t, err)
	assertMoney(t, "20", res.Overpayment)
	assertMoney(t, "50", res.Portions.Overpayment)

	_, err = e.Allocate(threeMonthSchedule(), money("70"), tx(3, loan.TxCreditBalanceRefund, "71", "2024-01-20"), p, disbursed())
	assert.ErrorIs(t, err, loan.ErrOverRefund)
}

// =============================================================================
// WAIVERS, TRANCHES, RE-AMORTIZATION
// =============================================================================

func TestAllocate_InterestWaiverOldestFirst(t *testing.T) {
	res, err := NewEngine().Allocate(threeMonthSchedule(), loan.Zero(), tx(2, loan.TxInterestWaiver, "15", "2024-03-15"), product(loan.FutureNextInstallment), disbursed())
	require.NoError(t, err)

	assertMoney(t, "15", res.Portions.Interest)
	assertMoney(t, "10", res.Schedule[0].Interest.Waived)
	assertMoney(t, "5", res.Schedule[1].Interest.Waived)
	assertMoney(t, "5", res.Schedule[1].Interest.Outstanding)
	require.NoError(t, res.Schedule.Validate())
}

func TestAllocate_TrancheSpreadsPrincipal(t *testing.T) {
	res, err := NewEngine().Allocate(threeMonthSchedule(), loan.Zero(), tx(2, loan.TxDisbursement, "100", "2024-02-15"), product(loan.FutureNextInstallment), disbursed())
	require.NoError(t, err)

	assertMoney(t, "100", res.Schedule[0].Principal.Due)
	assertMoney(t, "150", res.Schedule[1].Principal.Due)
	assertMoney(t, "150", res.Schedule[2].Principal.Due)
}

func TestAllocate_DisbursementSpendsHeldOverpayment(t *testing.T) {
	res, err := NewEngine().Allocate(threeMonthSchedule(), money("50"), tx(2, loan.TxDisbursement, "90", "2024-02-15"), product(loan.FutureNextInstallment), disbursed())
	require.NoError(t, err)

	// 50 of overpayment pays installment 1's principal, which was past due
	assertMoney(t, "50", res.Portions.Overpayment)
	assertMoney(t, "0", res.Overpayment)
	assertMoney(t, "50", res.Schedule[0].Principal.Paid)
}

func TestAllocate_ReAmortizeMovesOverduePrincipal(t *testing.T) {
	res, err := NewEngine().Allocate(threeMonthSchedule(), loan.Zero(), tx(2, loan.TxReAmortize, "200", "2024-03-15"), product(loan.FutureNextInstallment), disbursed())
	require.NoError(t, err)

	assertMoney(t, "200", res.Portions.Principal)
	assertMoney(t, "0", res.Schedule[0].Principal.Due)
	assertMoney(t, "0", res.Schedule[1].Principal.Due)
	assertMoney(t, "300", res.Schedule[2].Principal.Due)
	// interest stays where it was
	assertMoney(t, "10", res.Schedule[0].Interest.Outstanding)
	require.NoError(t, res.Schedule.Validate())
}

// =============================================================================
// SESSIONS
// =============================================================================

func TestSession_UnpaidChargeReusesOverpayment(t *testing.T) {
	// GIVEN: a repayment that overpaid the whole loan by 70
	s := NewEngine().NewSession(threeMonthSchedule(), loan.Zero(), product(loan.FutureNextInstallment))
	disb := tx(1, loan.TxDisbursement, "300", "2024-01-01")
	require.NoError(t, s.Apply(&disb))
	repay := tx(2, loan.TxRepayment, "400", "2024-01-15")
	require.NoError(t, s.Apply(&repay))
	assertMoney(t, "70", s.Overpayment())

	// WHEN: a 50 fee due in March lands on installment 3
	fee := loan.Charge{ID: 3, Kind: loan.ChargeFee, Amount: money("50"), DueDate: day("2024-03-10"), Active: true}
	require.NoError(t, s.ApplyCharge(&fee))

	// THEN: the overpayment pays it and the repayment's breakdown shows the fee
	assert.Equal(t, 3, fee.Installment)
	assertMoney(t, "20", s.Overpayment())
	assertMoney(t, "50", repay.Portions.Fee)
	assertMoney(t, "20", repay.Portions.Overpayment)
	assert.True(t, s.Schedule().AllPaid())
}

func TestSession_ChargeAfterMaturityExtendsSchedule(t *testing.T) {
	s := NewEngine().NewSession(threeMonthSchedule(), loan.Zero(), product(loan.FutureNextInstallment))
	first := loan.Charge{ID: 2, Kind: loan.ChargePenalty, Amount: money("5"), DueDate: day("2024-05-01"), Active: true}
	second := loan.Charge{ID: 3, Kind: loan.ChargePenalty, Amount: money("7"), DueDate: day("2024-06-01"), Active: true}
	require.NoError(t, s.ApplyCharge(&first))
	require.NoError(t, s.ApplyCharge(&second))

	schedule := s.Schedule()
	require.Len(t, schedule, 4)
	assert.True(t, schedule[3].Additional)
	assert.Equal(t, day("2024-04-01"), schedule[3].FromDate)
	assert.Equal(t, day("2024-06-01"), schedule[3].DueDate)
	assertMoney(t, "12", schedule[3].Penalty.Outstanding)
}

func TestSession_ScheduleIsACopy(t *testing.T) {
	s := NewEngine().NewSession(threeMonthSchedule(), loan.Zero(), product(loan.FutureNextInstallment))
	view := s.Schedule()
	view[0].Pay(loan.BucketPrincipal, day("2024-01-02"), money("100"))

	assertMoney(t, "100", s.Schedule()[0].Principal.Outstanding)
}
