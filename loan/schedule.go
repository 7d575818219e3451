package loan

import "sort"

// =============================================================================
// SCHEDULE - Installments ordered by due date
// =============================================================================

type Schedule []*Installment

// Clone deep-copies the schedule.
func (s Schedule) Clone() Schedule {
	out := make(Schedule, len(s))
	for i, inst := range s {
		out[i] = inst.Clone()
	}
	return out
}

// Sort orders installments by due date, then number.
func (s Schedule) Sort() {
	sort.SliceStable(s, func(a, b int) bool {
		if !s[a].DueDate.Equal(s[b].DueDate) {
			return s[a].DueDate.Before(s[b].DueDate)
		}
		return s[a].Number < s[b].Number
	})
}

func (s Schedule) Find(number int) *Installment {
	for _, inst := range s {
		if inst.Number == number {
			return inst
		}
	}
	return nil
}

func (s Schedule) Last() *Installment {
	if len(s) == 0 {
		return nil
	}
	return s[len(s)-1]
}

// OldestPastDue returns the earliest unpaid installment due before on.
func (s Schedule) OldestPastDue(on Date) *Installment {
	for _, inst := range s {
		if inst.DueDate.Before(on) && !inst.IsFullyPaid() {
			return inst
		}
	}
	return nil
}

// DueOn returns the unpaid installment due exactly on on.
func (s Schedule) DueOn(on Date) *Installment {
	for _, inst := range s {
		if inst.DueDate.Equal(on) && !inst.IsFullyPaid() {
			return inst
		}
	}
	return nil
}

// InAdvance returns the unpaid installments due after on selected by rule.
func (s Schedule) InAdvance(on Date, rule FutureInstallmentRule) Schedule {
	var future Schedule
	for _, inst := range s {
		if inst.DueDate.After(on) && !inst.IsFullyPaid() {
			future = append(future, inst)
		}
	}
	return selectFuture(future, rule)
}

// PastDueWith returns the earliest installment due before on with
// outstanding in bucket b.
func (s Schedule) PastDueWith(on Date, b Bucket) *Installment {
	for _, inst := range s {
		if inst.DueDate.Before(on) && inst.Bucket(b).Outstanding.IsPositive() {
			return inst
		}
	}
	return nil
}

// DueOnWith returns the installment due on on with outstanding in bucket b.
func (s Schedule) DueOnWith(on Date, b Bucket) *Installment {
	for _, inst := range s {
		if inst.DueDate.Equal(on) && inst.Bucket(b).Outstanding.IsPositive() {
			return inst
		}
	}
	return nil
}

// InAdvanceWith returns installments due after on with outstanding in
// bucket b, selected by rule.
func (s Schedule) InAdvanceWith(on Date, b Bucket, rule FutureInstallmentRule) Schedule {
	var future Schedule
	for _, inst := range s {
		if inst.DueDate.After(on) && inst.Bucket(b).Outstanding.IsPositive() {
			future = append(future, inst)
		}
	}
	return selectFuture(future, rule)
}

func selectFuture(future Schedule, rule FutureInstallmentRule) Schedule {
	if len(future) == 0 {
		return nil
	}
	switch rule {
	case FutureNextInstallment:
		return Schedule{future[0]}
	case FutureLastInstallment:
		return Schedule{future[len(future)-1]}
	}
	return future
}

// ForDate returns the installment whose period (from, due] contains d. The
// first installment also covers its from date.
func (s Schedule) ForDate(d Date) *Installment {
	for idx, inst := range s {
		if inst.DownPayment {
			continue
		}
		inPeriod := inst.FromDate.Before(d) && d.BeforeOrEqual(inst.DueDate)
		if idx == 0 || (idx > 0 && s[idx-1].DownPayment) {
			inPeriod = inst.FromDate.BeforeOrEqual(d) && d.BeforeOrEqual(inst.DueDate)
		}
		if inPeriod {
			return inst
		}
	}
	return nil
}

// AllPaid reports whether nothing is outstanding.
func (s Schedule) AllPaid() bool {
	for _, inst := range s {
		if !inst.IsFullyPaid() {
			return false
		}
	}
	return true
}

// Validate checks every installment's invariant.
func (s Schedule) Validate() error {
	for _, inst := range s {
		if err := inst.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Totals aggregates bucket balances over the schedule.
type Totals struct {
	Principal BucketBalance `json:"principal"`
	Interest  BucketBalance `json:"interest"`
	Fee       BucketBalance `json:"fee"`
	Penalty   BucketBalance `json:"penalty"`
}

func (t Totals) Outstanding() Money {
	return SumMoney(t.Principal.Outstanding, t.Interest.Outstanding, t.Fee.Outstanding, t.Penalty.Outstanding)
}

func (t Totals) Paid() Money {
	return SumMoney(t.Principal.Paid, t.Interest.Paid, t.Fee.Paid, t.Penalty.Paid)
}

func (s Schedule) Totals() Totals {
	var t Totals
	for _, inst := range s {
		t.Principal = t.Principal.Add(inst.Principal)
		t.Interest = t.Interest.Add(inst.Interest)
		t.Fee = t.Fee.Add(inst.Fee)
		t.Penalty = t.Penalty.Add(inst.Penalty)
	}
	return t
}

// Equivalent compares two schedules installment by installment.
func (s Schedule) Equivalent(o Schedule) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if !s[i].Equivalent(o[i]) {
			return false
		}
	}
	return true
}
