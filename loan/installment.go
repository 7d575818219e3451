/*
installment.go - Installments and their four bucket balances

PURPOSE:
  An installment is one scheduled obligation. It owns four buckets
  (principal, interest, fee, penalty) and each bucket tracks how much is
  due, how much was paid, how much was waived and what is still
  outstanding.

INVARIANT:
  For every bucket: Due = Paid + Waived + Outstanding and Outstanding >= 0.
  The mutators below keep the invariant; Validate checks it after replay.

LIFECYCLE:
  Installments come from the schedule generator (the base schedule) or are
  synthesized by allocation (additional installments after maturity). They
  are only mutated inside an allocation session and are rebuilt from the
  base schedule when a loan is replayed.

SEE ALSO:
  - schedule.go: Queries over an ordered list of installments
  - ../allocation/session.go: The only writer during replay
*/
package loan

// =============================================================================
// BUCKET BALANCE
// =============================================================================

type BucketBalance struct {
	Due         Money `json:"due"`
	Paid        Money `json:"paid"`
	Waived      Money `json:"waived"`
	Outstanding Money `json:"outstanding"`
}

// NewBucket returns a fully outstanding bucket.
func NewBucket(due Money) BucketBalance {
	return BucketBalance{Due: due, Paid: Zero(), Waived: Zero(), Outstanding: due}
}

// Balanced reports whether the bucket satisfies its invariant.
func (b BucketBalance) Balanced() bool {
	if b.Outstanding.IsNegative() || b.Paid.IsNegative() || b.Waived.IsNegative() {
		return false
	}
	return b.Due.Equal(SumMoney(b.Paid, b.Waived, b.Outstanding))
}

func (b BucketBalance) Add(o BucketBalance) BucketBalance {
	return BucketBalance{
		Due:         b.Due.Add(o.Due),
		Paid:        b.Paid.Add(o.Paid),
		Waived:      b.Waived.Add(o.Waived),
		Outstanding: b.Outstanding.Add(o.Outstanding),
	}
}

func (b *BucketBalance) pay(amount Money) Money {
	portion := amount.Min(b.Outstanding)
	if !portion.IsPositive() {
		return Zero()
	}
	b.Paid = b.Paid.Add(portion)
	b.Outstanding = b.Outstanding.Sub(portion)
	return portion
}

func (b *BucketBalance) unpay(amount Money) Money {
	portion := amount.Min(b.Paid)
	if !portion.IsPositive() {
		return Zero()
	}
	b.Paid = b.Paid.Sub(portion)
	b.Outstanding = b.Outstanding.Add(portion)
	return portion
}

func (b *BucketBalance) waive(amount Money) Money {
	portion := amount.Min(b.Outstanding)
	if !portion.IsPositive() {
		return Zero()
	}
	b.Waived = b.Waived.Add(portion)
	b.Outstanding = b.Outstanding.Sub(portion)
	return portion
}

func (b *BucketBalance) addDue(amount Money) {
	b.Due = b.Due.Add(amount)
	b.Outstanding = b.Outstanding.Add(amount)
}

// reduceDue removes unpaid obligation; it never touches Paid or Waived.
func (b *BucketBalance) reduceDue(amount Money) Money {
	portion := amount.Min(b.Outstanding)
	if !portion.IsPositive() {
		return Zero()
	}
	b.Due = b.Due.Sub(portion)
	b.Outstanding = b.Outstanding.Sub(portion)
	return portion
}

// =============================================================================
// INSTALLMENT
// =============================================================================

type Installment struct {
	Number            int   `json:"number"`
	FromDate          Date  `json:"from_date"`
	DueDate           Date  `json:"due_date"`
	OriginalPrincipal Money `json:"original_principal"`

	Principal BucketBalance `json:"principal"`
	Interest  BucketBalance `json:"interest"`
	Fee       BucketBalance `json:"fee"`
	Penalty   BucketBalance `json:"penalty"`

	// Amounts added back to Due by chargebacks.
	CreditedPrincipal Money `json:"credited_principal"`
	CreditedFee       Money `json:"credited_fee"`
	CreditedPenalty   Money `json:"credited_penalty"`

	Additional       bool  `json:"additional"`
	DownPayment      bool  `json:"down_payment"`
	Completed        bool  `json:"completed"`
	ObligationsMetOn *Date `json:"obligations_met_on,omitempty"`
}

// NewInstallment creates a scheduled installment with nothing paid.
func NewInstallment(number int, from, due Date, principal, interest Money) *Installment {
	return &Installment{
		Number:            number,
		FromDate:          from,
		DueDate:           due,
		OriginalPrincipal: principal,
		Principal:         NewBucket(principal),
		Interest:          NewBucket(interest),
		Fee:               NewBucket(Zero()),
		Penalty:           NewBucket(Zero()),
		CreditedPrincipal: Zero(),
		CreditedFee:       Zero(),
		CreditedPenalty:   Zero(),
	}
}

// Bucket returns the balance for b.
func (i *Installment) Bucket(b Bucket) *BucketBalance {
	switch b {
	case BucketPrincipal:
		return &i.Principal
	case BucketInterest:
		return &i.Interest
	case BucketFee:
		return &i.Fee
	case BucketPenalty:
		return &i.Penalty
	}
	panic("loan: unknown bucket " + string(b))
}

func (i *Installment) TotalDue() Money {
	return SumMoney(i.Principal.Due, i.Interest.Due, i.Fee.Due, i.Penalty.Due)
}

func (i *Installment) TotalPaid() Money {
	return SumMoney(i.Principal.Paid, i.Interest.Paid, i.Fee.Paid, i.Penalty.Paid)
}

func (i *Installment) TotalOutstanding() Money {
	return SumMoney(i.Principal.Outstanding, i.Interest.Outstanding, i.Fee.Outstanding, i.Penalty.Outstanding)
}

func (i *Installment) IsFullyPaid() bool { return i.TotalOutstanding().IsZero() }

// Pay applies up to amount to bucket b and returns the portion applied.
func (i *Installment) Pay(b Bucket, on Date, amount Money) Money {
	portion := i.Bucket(b).pay(amount)
	i.refreshObligations(on)
	return portion
}

// Unpay gives back up to amount previously paid on bucket b.
func (i *Installment) Unpay(b Bucket, on Date, amount Money) Money {
	portion := i.Bucket(b).unpay(amount)
	i.refreshObligations(on)
	return portion
}

// Waive forgives up to amount of bucket b.
func (i *Installment) Waive(b Bucket, on Date, amount Money) Money {
	portion := i.Bucket(b).waive(amount)
	i.refreshObligations(on)
	return portion
}

// AddDue raises the obligation of bucket b.
func (i *Installment) AddDue(b Bucket, on Date, amount Money) {
	i.Bucket(b).addDue(amount)
	i.refreshObligations(on)
}

// Credit raises the obligation of bucket b on behalf of a chargeback.
func (i *Installment) Credit(b Bucket, on Date, amount Money) {
	switch b {
	case BucketPrincipal:
		i.CreditedPrincipal = i.CreditedPrincipal.Add(amount)
	case BucketFee:
		i.CreditedFee = i.CreditedFee.Add(amount)
	case BucketPenalty:
		i.CreditedPenalty = i.CreditedPenalty.Add(amount)
	}
	i.AddDue(b, on, amount)
}

// ReduceDue removes up to amount of unpaid obligation from bucket b.
func (i *Installment) ReduceDue(b Bucket, on Date, amount Money) Money {
	portion := i.Bucket(b).reduceDue(amount)
	i.refreshObligations(on)
	return portion
}

func (i *Installment) refreshObligations(on Date) {
	if i.IsFullyPaid() && i.TotalDue().IsPositive() {
		if !i.Completed {
			met := on
			i.Completed = true
			i.ObligationsMetOn = &met
		}
		return
	}
	i.Completed = false
	i.ObligationsMetOn = nil
}

// Validate checks the bucket invariant on all four buckets.
func (i *Installment) Validate() error {
	for _, b := range Buckets {
		if bal := *i.Bucket(b); !bal.Balanced() {
			return &InvariantViolationError{Installment: i.Number, Bucket: b, Balance: bal}
		}
	}
	return nil
}

// Clone returns an independent copy.
func (i *Installment) Clone() *Installment {
	c := *i
	if i.ObligationsMetOn != nil {
		met := *i.ObligationsMetOn
		c.ObligationsMetOn = &met
	}
	return &c
}

// Equivalent compares the financial state of two installments.
func (i *Installment) Equivalent(o *Installment) bool {
	if i.Number != o.Number || !i.DueDate.Equal(o.DueDate) || i.Additional != o.Additional {
		return false
	}
	for _, b := range Buckets {
		x, y := *i.Bucket(b), *o.Bucket(b)
		if !x.Due.Equal(y.Due) || !x.Paid.Equal(y.Paid) || !x.Waived.Equal(y.Waived) || !x.Outstanding.Equal(y.Outstanding) {
			return false
		}
	}
	return true
}
