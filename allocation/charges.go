package allocation

import (
	"fmt"

	"github.com/warp/loan-engine/loan"
)

// =============================================================================
// CHARGES
// =============================================================================

// ApplyCharge adds a fee or penalty to the installment whose period contains
// its due date. Charges due after maturity go to the additional installment.
// When the charge stays unpaid and the loan holds overpayment, earlier
// overpaid repayments are re-spent on it.
func (s *Session) ApplyCharge(c *loan.Charge) error {
	c.Installment = 0
	c.Waived = loan.Zero()
	if !c.Active {
		return nil
	}

	inst := s.schedule.ForDate(c.DueDate)
	if inst == nil {
		last := s.schedule.Last()
		if last == nil {
			return fmt.Errorf("apply charge %d: empty schedule", c.ID)
		}
		if c.DueDate.After(last.DueDate) {
			inst = s.additionalFor(c.DueDate)
		} else {
			inst = s.firstRegular()
		}
	}
	if inst == nil {
		return fmt.Errorf("apply charge %d: no installment for %s", c.ID, c.DueDate)
	}

	inst.AddDue(c.Bucket(), c.DueDate, c.Amount)
	c.Installment = inst.Number
	s.charges[c.ID] = c

	if inst.Bucket(c.Bucket()).Outstanding.IsPositive() && s.overpayment.IsPositive() {
		s.reprocessOverpaid()
	}
	return nil
}

func (s *Session) additionalFor(due loan.Date) *loan.Installment {
	if inst := s.additional(); inst != nil {
		if due.After(inst.DueDate) {
			inst.DueDate = due
		}
		return inst
	}
	return s.appendAdditional(due)
}

func (s *Session) firstRegular() *loan.Installment {
	for _, inst := range s.schedule {
		if !inst.DownPayment {
			return inst
		}
	}
	return nil
}

// reprocessOverpaid spends overpayment held by earlier repayments on newly
// opened obligations, oldest repayment first, as of each repayment's date.
func (s *Session) reprocessOverpaid() {
	for _, tx := range s.order {
		if !s.overpayment.IsPositive() {
			return
		}
		if !tx.Type.IsRepaymentLike() || !tx.Portions.Overpayment.IsPositive() {
			continue
		}
		amount := tx.Portions.Overpayment.Min(s.overpayment)
		tx.Portions.Overpayment = tx.Portions.Overpayment.Sub(amount)
		s.overpayment = s.overpayment.Sub(amount)

		ms := loan.NewMappingSet(tx.Mappings)
		left := s.allocate(tx.Date, amount, s.product.PaymentRule(tx.Type), &tx.Portions, ms)
		tx.Portions.Overpayment = tx.Portions.Overpayment.Add(left)
		s.overpayment = s.overpayment.Add(left)
		tx.Mappings = ms.List()
		if left.IsPositive() {
			return
		}
	}
}
