package allocation

import (
	"fmt"

	"github.com/warp/loan-engine/loan"
)

// =============================================================================
// CHARGEBACK - Money given back to the borrower re-opens obligations
// =============================================================================

// chargeback gives back part of an earlier repayment. Held overpayment is
// consumed first. The rest is split over the buckets the original payment
// settled, in credit policy order, minus what earlier chargebacks of the
// same payment already took; anything beyond that lands on principal.
// Each bucket amount first reduces Paid on the installments the original
// payment settled that are not yet past due on the chargeback date; the
// remainder is credited to the placement installment as new Due.
func (s *Session) chargeback(tx *loan.Transaction) error {
	originalID, ok := tx.ChargebackOf()
	if !ok {
		return loan.Invalid("relations", "chargeback needs a CHARGEBACK relation")
	}
	original, ok := s.processed[originalID]
	if !ok {
		return &loan.ValidationError{Field: "relations", Message: fmt.Sprintf("original transaction %d is not active before %s", originalID, tx.Date), Err: loan.ErrTransactionNotFound}
	}
	if !original.Type.IsRepaymentLike() {
		return &loan.ValidationError{Field: "relations", Message: fmt.Sprintf("cannot charge back a %s", original.Type), Err: loan.ErrUnsupported}
	}

	remaining := original.Portions
	available := original.Amount
	settled := loan.NewMappingSet(nil)
	for _, m := range original.Mappings {
		for _, b := range loan.Buckets {
			settled.Add(m.Installment, b, m.Get(b))
		}
	}
	for _, prior := range s.order {
		if prior.ID == tx.ID {
			continue
		}
		if to, ok := prior.ChargebackOf(); ok && to == originalID {
			available = available.Sub(prior.Amount)
			for _, b := range loan.Buckets {
				remaining.Add(b, prior.Portions.Get(b).Neg())
			}
			for _, m := range prior.Mappings {
				for _, b := range loan.Buckets {
					settled.Add(m.Installment, b, m.Get(b).Neg())
				}
			}
		}
	}
	if tx.Amount.GreaterThan(available) {
		return &loan.OverRefundError{Requested: tx.Amount, Available: available}
	}

	consumed := tx.Amount.Min(s.overpayment)
	s.overpayment = s.overpayment.Sub(consumed)
	tx.Portions.Overpayment = consumed
	distribute := tx.Amount.Sub(consumed)
	if !distribute.IsPositive() {
		return nil
	}

	order := s.product.CreditOrder()
	split := make(map[loan.Bucket]loan.Money, len(order))
	for _, b := range order {
		take := distribute.Min(remaining.Get(b).Max(loan.Zero()))
		split[b] = take
		distribute = distribute.Sub(take)
	}
	if distribute.IsPositive() {
		split[loan.BucketPrincipal] = split[loan.BucketPrincipal].Add(distribute)
	}

	reopen := settled.List()
	var target *loan.Installment
	ms := loan.NewMappingSet(nil)
	for _, b := range order {
		amount := split[b]
		if !amount.IsPositive() {
			continue
		}
		tx.Portions.Add(b, amount)
		for _, m := range reopen {
			inst := s.schedule.Find(m.Installment)
			if inst == nil || inst.DueDate.Before(tx.Date) || !amount.IsPositive() {
				continue
			}
			portion := inst.Unpay(b, tx.Date, amount.Min(m.Get(b).Max(loan.Zero())))
			amount = amount.Sub(portion)
			ms.Add(inst.Number, b, portion)
		}
		if !amount.IsPositive() {
			continue
		}
		if target == nil {
			target = s.chargebackTarget(tx.Date)
		}
		target.Credit(b, tx.Date, amount)
		ms.Add(target.Number, b, amount)
	}
	tx.Mappings = ms.List()
	return nil
}

// chargebackTarget picks the installment that carries a chargeback dated
// on: the first regular installment due after it, else the additional
// installment (its due date pushed out if needed), else the last
// installment when due on that day, else a new additional installment.
func (s *Session) chargebackTarget(on loan.Date) *loan.Installment {
	for _, inst := range s.schedule {
		if !inst.Additional && !inst.DownPayment && inst.DueDate.After(on) {
			return inst
		}
	}
	if inst := s.additional(); inst != nil {
		if on.After(inst.DueDate) {
			inst.DueDate = on
		}
		return inst
	}
	if last := s.schedule.Last(); last != nil && last.DueDate.Equal(on) {
		return last
	}
	return s.appendAdditional(on)
}

func (s *Session) additional() *loan.Installment {
	for i := len(s.schedule) - 1; i >= 0; i-- {
		if s.schedule[i].Additional {
			return s.schedule[i]
		}
	}
	return nil
}

// appendAdditional adds installment N+1 running from the last due date to due.
func (s *Session) appendAdditional(due loan.Date) *loan.Installment {
	from := due
	if last := s.schedule.Last(); last != nil {
		from = last.DueDate
	}
	inst := loan.NewInstallment(len(s.schedule)+1, from, due, loan.Zero(), loan.Zero())
	inst.Additional = true
	s.schedule = append(s.schedule, inst)
	return inst
}

// =============================================================================
// CREDIT BALANCE REFUND
// =============================================================================

func (s *Session) refundCredit(tx *loan.Transaction) error {
	if tx.Amount.GreaterThan(s.overpayment) {
		return &loan.OverRefundError{Requested: tx.Amount, Available: s.overpayment}
	}
	s.overpayment = s.overpayment.Sub(tx.Amount)
	tx.Portions.Overpayment = tx.Amount
	return nil
}
