package allocation

import (
	"fmt"

	"github.com/warp/loan-engine/loan"
)

// =============================================================================
// SESSION - One unit of allocation work
// =============================================================================

type Session struct {
	product     loan.Product
	currency    loan.Currency
	schedule    loan.Schedule
	overpayment loan.Money

	processed map[loan.TransactionID]*loan.Transaction
	order     []*loan.Transaction
	charges   map[loan.ChargeID]*loan.Charge
	disbursed bool
}

// Schedule returns a copy of the session's schedule.
func (s *Session) Schedule() loan.Schedule { return s.schedule.Clone() }

// Overpayment returns the loan's overpayment balance after the work so far.
func (s *Session) Overpayment() loan.Money { return s.overpayment }

// Observe registers a transaction that is already reflected in the
// session's starting schedule.
func (s *Session) Observe(tx *loan.Transaction) {
	if tx.Reversed {
		return
	}
	if tx.Type == loan.TxDisbursement {
		s.disbursed = true
	}
	s.processed[tx.ID] = tx
	s.order = append(s.order, tx)
}

// ObserveCharge registers a charge already applied to the starting schedule.
func (s *Session) ObserveCharge(c *loan.Charge) {
	if c.Active {
		s.charges[c.ID] = c
	}
}

// Apply allocates tx and writes its breakdown onto it.
func (s *Session) Apply(tx *loan.Transaction) error {
	if tx.Reversed {
		return nil
	}
	tx.ResetDerived()

	var err error
	switch tx.Type {
	case loan.TxDisbursement:
		err = s.disburse(tx)
	case loan.TxDownPayment, loan.TxRepayment, loan.TxMerchantIssuedRefund,
		loan.TxPayoutRefund, loan.TxGoodwillCredit, loan.TxInterestRefund:
		err = s.repay(tx)
	case loan.TxChargeback:
		err = s.chargeback(tx)
	case loan.TxCreditBalanceRefund:
		err = s.refundCredit(tx)
	case loan.TxInterestWaiver:
		err = s.waiveInterest(tx)
	case loan.TxChargeWaiver:
		err = s.waiveCharge(tx)
	case loan.TxReAmortize:
		err = s.reamortize(tx)
	case loan.TxAccrual:
		// accruals are bookkeeping only
	default:
		err = &loan.ValidationError{Field: "type", Message: "no allocation for " + string(tx.Type), Err: loan.ErrUnsupported}
	}
	if err != nil {
		return fmt.Errorf("allocate transaction %d (%s): %w", tx.ID, tx.Type, err)
	}
	s.Observe(tx)
	return nil
}

// =============================================================================
// REPAYMENTS
// =============================================================================

func (s *Session) repay(tx *loan.Transaction) error {
	if !s.disbursed {
		return &loan.ValidationError{Field: "date", Message: "no disbursement on or before " + tx.Date.String(), Err: loan.ErrNotDisbursed}
	}
	ms := loan.NewMappingSet(nil)
	left := s.allocate(tx.Date, tx.Amount, s.product.PaymentRule(tx.Type), &tx.Portions, ms)
	if left.IsPositive() {
		tx.Portions.Overpayment = left
		s.overpayment = s.overpayment.Add(left)
	}
	tx.Mappings = ms.List()
	return nil
}

// =============================================================================
// DISBURSEMENTS
// =============================================================================

// disburse handles the initial disbursement (already in the generated
// schedule) and later tranches, which spread their principal over the
// installments still to come. Held overpayment is then used up.
// Portions.Overpayment on a disbursement is the overpayment consumed.
func (s *Session) disburse(tx *loan.Transaction) error {
	tx.Portions.Principal = tx.Amount
	if s.disbursed {
		if err := s.spreadTranche(tx); err != nil {
			return err
		}
	}
	s.disbursed = true

	if !s.overpayment.IsPositive() {
		return nil
	}
	ms := loan.NewMappingSet(nil)
	var applied loan.Portions
	left := s.allocate(tx.Date, s.overpayment, s.product.PaymentRule(loan.TxDefault), &applied, ms)
	tx.Portions.Overpayment = s.overpayment.Sub(left)
	s.overpayment = left
	tx.Mappings = ms.List()
	return nil
}

func (s *Session) spreadTranche(tx *loan.Transaction) error {
	var targets loan.Schedule
	for _, inst := range s.schedule {
		if inst.DueDate.After(tx.Date) && !inst.DownPayment && !inst.Additional {
			targets = append(targets, inst)
		}
	}
	if len(targets) == 0 {
		return &loan.ValidationError{Field: "date", Message: "no installment due after tranche date " + tx.Date.String(), Err: loan.ErrUnsupported}
	}
	share, last := s.currency.Split(tx.Amount, len(targets))
	for i, inst := range targets {
		part := share
		if i == len(targets)-1 {
			part = last
		}
		inst.AddDue(loan.BucketPrincipal, tx.Date, part)
	}
	return nil
}

// =============================================================================
// WAIVERS
// =============================================================================

func (s *Session) waiveInterest(tx *loan.Transaction) error {
	ms := loan.NewMappingSet(nil)
	left := tx.Amount
	for _, inst := range s.schedule {
		if !left.IsPositive() {
			break
		}
		w := inst.Waive(loan.BucketInterest, tx.Date, left)
		if w.IsPositive() {
			left = left.Sub(w)
			tx.Portions.Interest = tx.Portions.Interest.Add(w)
			ms.Add(inst.Number, loan.BucketInterest, w)
		}
	}
	tx.Mappings = ms.List()
	return nil
}

func (s *Session) waiveCharge(tx *loan.Transaction) error {
	c, ok := s.charges[tx.ChargeID]
	if !ok {
		return &loan.ValidationError{Field: "charge_id", Message: fmt.Sprintf("charge %d is not active", tx.ChargeID), Err: loan.ErrChargeNotFound}
	}
	inst := s.schedule.Find(c.Installment)
	if inst == nil {
		return &loan.ValidationError{Field: "charge_id", Message: fmt.Sprintf("charge %d is not on the schedule", c.ID), Err: loan.ErrChargeNotFound}
	}
	remaining := c.Amount.Sub(c.Waived).Min(tx.Amount)
	w := inst.Waive(c.Bucket(), tx.Date, remaining)
	c.Waived = c.Waived.Add(w)
	tx.Portions.Add(c.Bucket(), w)
	ms := loan.NewMappingSet(nil)
	ms.Add(inst.Number, c.Bucket(), w)
	tx.Mappings = ms.List()
	return nil
}

// =============================================================================
// RE-AMORTIZATION
// =============================================================================

// reamortize moves principal overdue on tx.Date onto the installments due
// after it, evenly, with the remainder on the last one.
func (s *Session) reamortize(tx *loan.Transaction) error {
	var future loan.Schedule
	for _, inst := range s.schedule {
		if inst.DueDate.After(tx.Date) && !inst.DownPayment {
			future = append(future, inst)
		}
	}
	if len(future) == 0 {
		return &loan.ValidationError{Field: "date", Message: "no installment due after " + tx.Date.String(), Err: loan.ErrUnsupported}
	}

	ms := loan.NewMappingSet(nil)
	moved := loan.Zero()
	for _, inst := range s.schedule {
		if !inst.DueDate.Before(tx.Date) {
			continue
		}
		m := inst.ReduceDue(loan.BucketPrincipal, tx.Date, inst.Principal.Outstanding)
		if m.IsPositive() {
			moved = moved.Add(m)
			ms.Add(inst.Number, loan.BucketPrincipal, m.Neg())
		}
	}
	if moved.IsZero() {
		return nil
	}

	share, last := s.currency.Split(moved, len(future))
	for i, inst := range future {
		part := share
		if i == len(future)-1 {
			part = last
		}
		inst.AddDue(loan.BucketPrincipal, tx.Date, part)
		ms.Add(inst.Number, loan.BucketPrincipal, part)
	}
	tx.Portions.Principal = moved
	tx.Mappings = ms.List()
	return nil
}
