package allocation

import "github.com/warp/loan-engine/loan"

// =============================================================================
// PROCESSING MODES
// =============================================================================

// allocate spends amount on the schedule as of date on and returns what is
// left over.
func (s *Session) allocate(on loan.Date, amount loan.Money, rule loan.PaymentAllocationRule, portions *loan.Portions, ms *loan.MappingSet) loan.Money {
	if s.product.ProcessingMode == loan.ProcessingVertical {
		return s.allocateVertical(on, amount, rule, portions, ms)
	}
	return s.allocateHorizontal(on, amount, rule, portions, ms)
}

// groupByDueType splits the order into runs sharing a due type, keeping the
// order in which each due type first appears.
func groupByDueType(order []loan.AllocationType) [][]loan.AllocationType {
	var groups [][]loan.AllocationType
	index := make(map[loan.DueType]int, len(loan.DueTypes))
	for _, at := range order {
		i, ok := index[at.Due]
		if !ok {
			i = len(groups)
			index[at.Due] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], at)
	}
	return groups
}

// allocateHorizontal settles one installment at a time: for each due type
// group it repeatedly targets the oldest past due installment, the
// installment due today and the in-advance set, paying buckets in policy
// order, until the group runs out of targets or money.
func (s *Session) allocateHorizontal(on loan.Date, amount loan.Money, rule loan.PaymentAllocationRule, portions *loan.Portions, ms *loan.MappingSet) loan.Money {
	for _, group := range groupByDueType(rule.Order) {
		for amount.IsPositive() {
			pastDue := s.schedule.OldestPastDue(on)
			dueToday := s.schedule.DueOn(on)
			inAdvance := s.schedule.InAdvance(on, rule.FutureRule)

			exit := false
			paid := loan.Zero()
			for _, at := range group {
				if !amount.IsPositive() {
					break
				}
				var p loan.Money
				switch at.Due {
				case loan.DuePastDue:
					if pastDue == nil {
						exit = true
						continue
					}
					p = s.pay(pastDue, at.Bucket, on, amount, portions, ms)
				case loan.DueToday:
					if dueToday == nil {
						exit = true
						continue
					}
					p = s.pay(dueToday, at.Bucket, on, amount, portions, ms)
				case loan.DueInAdvance:
					if len(inAdvance) == 0 {
						exit = true
						continue
					}
					p = s.payEvenly(inAdvance, at.Bucket, on, amount, portions, ms)
				}
				amount = amount.Sub(p)
				paid = paid.Add(p)
			}
			if exit || paid.IsZero() || s.schedule.AllPaid() {
				break
			}
		}
	}
	return amount
}

// allocateVertical settles one allocation type at a time across every
// installment before moving to the next type.
func (s *Session) allocateVertical(on loan.Date, amount loan.Money, rule loan.PaymentAllocationRule, portions *loan.Portions, ms *loan.MappingSet) loan.Money {
	for _, at := range rule.Order {
		for amount.IsPositive() {
			p := s.verticalStep(on, at, rule.FutureRule, amount, portions, ms)
			if p.IsZero() {
				break
			}
			amount = amount.Sub(p)
		}
	}
	return amount
}

func (s *Session) verticalStep(on loan.Date, at loan.AllocationType, future loan.FutureInstallmentRule, amount loan.Money, portions *loan.Portions, ms *loan.MappingSet) loan.Money {
	switch at.Due {
	case loan.DuePastDue:
		if inst := s.schedule.PastDueWith(on, at.Bucket); inst != nil {
			return s.pay(inst, at.Bucket, on, amount, portions, ms)
		}
	case loan.DueToday:
		if inst := s.schedule.DueOnWith(on, at.Bucket); inst != nil {
			return s.pay(inst, at.Bucket, on, amount, portions, ms)
		}
	case loan.DueInAdvance:
		if targets := s.schedule.InAdvanceWith(on, at.Bucket, future); len(targets) > 0 {
			return s.payEvenly(targets, at.Bucket, on, amount, portions, ms)
		}
	}
	return loan.Zero()
}

// =============================================================================
// PAYING
// =============================================================================

func (s *Session) pay(inst *loan.Installment, b loan.Bucket, on loan.Date, amount loan.Money, portions *loan.Portions, ms *loan.MappingSet) loan.Money {
	p := inst.Pay(b, on, amount)
	if p.IsPositive() {
		portions.Add(b, p)
		ms.Add(inst.Number, b, p)
	}
	return p
}

// payEvenly splits amount over targets; the last target takes the rounding
// remainder.
func (s *Session) payEvenly(targets loan.Schedule, b loan.Bucket, on loan.Date, amount loan.Money, portions *loan.Portions, ms *loan.MappingSet) loan.Money {
	share, last := s.currency.Split(amount, len(targets))
	total := loan.Zero()
	for i, inst := range targets {
		part := share
		if i == len(targets)-1 {
			part = last
		}
		total = total.Add(s.pay(inst, b, on, part, portions, ms))
	}
	return total
}
