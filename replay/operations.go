package replay

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/loan-engine/loan"
)

// =============================================================================
// REQUESTS
// =============================================================================

// TransactionRequest is a monetary transaction as submitted by a caller.
type TransactionRequest struct {
	Type       loan.TransactionType `json:"type"`
	Amount     loan.Money           `json:"amount"`
	Date       loan.Date            `json:"date"`
	ExternalID string               `json:"external_id,omitempty"`
}

type ChargeRequest struct {
	Name    string          `json:"name"`
	Kind    loan.ChargeKind `json:"kind"`
	Amount  loan.Money      `json:"amount"`
	DueDate loan.Date       `json:"due_date"`
}

type CreateLoanRequest struct {
	ID         loan.LoanID  `json:"id,omitempty"`
	ExternalID string       `json:"external_id,omitempty"`
	Product    loan.Product `json:"product"`
	Terms      loan.Terms   `json:"terms"`
}

// =============================================================================
// LOAN LIFECYCLE
// =============================================================================

// CreateLoan generates the base schedule and stores an undisbursed loan.
func (c *Coordinator) CreateLoan(ctx context.Context, req CreateLoanRequest) (*loan.Loan, error) {
	if err := req.Product.Validate(); err != nil {
		return nil, err
	}
	schedule, err := c.Generator.Generate(req.Terms, req.Product.Currency)
	if err != nil {
		return nil, err
	}
	id := req.ID
	if id == "" {
		id = loan.LoanID(uuid.NewString())
	}
	now := c.now().UTC()
	cobDate := c.Clock.COBDate()
	l := &loan.Loan{
		ID:                     id,
		ExternalID:             req.ExternalID,
		Product:                req.Product,
		Terms:                  req.Terms,
		Status:                 loan.StatusActive,
		ReplayState:            loan.ReplayIdle,
		BaseSchedule:           schedule,
		Schedule:               schedule.Clone(),
		Overpayment:            loan.Zero(),
		LastClosedBusinessDate: &cobDate,
		CreatedAt:              now,
		UpdatedAt:              now,
	}

	err = c.Store.WithTx(ctx, func(s loan.Store) error {
		if err := s.CreateLoan(ctx, l); err != nil {
			return err
		}
		return c.audit(ctx, s, l.ID, loan.AuditLoanCreated, map[string]any{
			"product":   req.Product.ID,
			"principal": req.Terms.Principal.String(),
		})
	})
	if err != nil {
		return nil, err
	}
	c.Logger.Info("loan created", zap.String("loan_id", string(l.ID)), zap.String("product", req.Product.ID))
	return l, nil
}

// Loan returns the stored aggregate.
func (c *Coordinator) Loan(ctx context.Context, id loan.LoanID) (*loan.Loan, error) {
	return c.Store.LoadLoan(ctx, id)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// Submit records any caller-submittable transaction type.
func (c *Coordinator) Submit(ctx context.Context, loanID loan.LoanID, req TransactionRequest) (*Result, error) {
	return c.mutate(ctx, loanID, c.recordOp(req, nil, 0))
}

func (c *Coordinator) Disburse(ctx context.Context, loanID loan.LoanID, amount loan.Money, on loan.Date, externalID string) (*Result, error) {
	return c.Submit(ctx, loanID, TransactionRequest{Type: loan.TxDisbursement, Amount: amount, Date: on, ExternalID: externalID})
}

// Pay records a repayment-like transaction (repayment, down payment,
// refunds, goodwill credit).
func (c *Coordinator) Pay(ctx context.Context, loanID loan.LoanID, req TransactionRequest) (*Result, error) {
	if req.Type == "" {
		req.Type = loan.TxRepayment
	}
	if !req.Type.IsRepaymentLike() {
		return nil, &loan.ValidationError{Field: "type", Message: string(req.Type) + " is not a payment", Err: loan.ErrUnsupported}
	}
	return c.Submit(ctx, loanID, req)
}

// Chargeback gives back amount of the repayment original.
func (c *Coordinator) Chargeback(ctx context.Context, loanID loan.LoanID, original loan.TransactionID, req TransactionRequest) (*Result, error) {
	return c.mutate(ctx, loanID, c.chargebackOp(original, req))
}

func (c *Coordinator) WaiveInterest(ctx context.Context, loanID loan.LoanID, amount loan.Money, on loan.Date) (*Result, error) {
	return c.Submit(ctx, loanID, TransactionRequest{Type: loan.TxInterestWaiver, Amount: amount, Date: on})
}

func (c *Coordinator) RefundCreditBalance(ctx context.Context, loanID loan.LoanID, amount loan.Money, on loan.Date, externalID string) (*Result, error) {
	return c.Submit(ctx, loanID, TransactionRequest{Type: loan.TxCreditBalanceRefund, Amount: amount, Date: on, ExternalID: externalID})
}

// ReAmortize moves the principal overdue on the given date onto the
// installments still to come.
func (c *Coordinator) ReAmortize(ctx context.Context, loanID loan.LoanID, on loan.Date) (*Result, error) {
	return c.mutate(ctx, loanID, c.reamortizeOp(on))
}

// Reverse removes a transaction's effect and replays everything after it.
func (c *Coordinator) Reverse(ctx context.Context, loanID loan.LoanID, txID loan.TransactionID) (*Result, error) {
	return c.mutate(ctx, loanID, c.reverseOp(txID))
}

func (c *Coordinator) recordOp(req TransactionRequest, relations []loan.Relation, chargeID loan.ChargeID) mutation {
	return func(ctx context.Context, l *loan.Loan) (change, error) {
		if err := c.validate(l, req); err != nil {
			return change{}, err
		}
		tx, err := c.Ledger.Record(ctx, l, loan.Transaction{
			Type:        req.Type,
			Amount:      req.Amount,
			Date:        req.Date,
			SubmittedOn: c.Clock.BusinessDate(),
			ExternalID:  req.ExternalID,
			Relations:   relations,
			ChargeID:    chargeID,
		})
		if err != nil {
			return change{}, err
		}
		return change{
			trigger:  tx.Date,
			appended: true,
			seq:      int64(tx.ID),
			tx:       tx.ID,
			action:   loan.AuditTransaction,
			payload: map[string]any{
				"transaction_id": int64(tx.ID),
				"type":           string(tx.Type),
				"amount":         tx.Amount.String(),
				"date":           tx.Date.String(),
			},
		}, nil
	}
}

// validate applies the checks that depend on the loan's current state.
// Allocation repeats the balance checks during replay.
func (c *Coordinator) validate(l *loan.Loan, req TransactionRequest) error {
	switch req.Type {
	case loan.TxAccrual, loan.TxDefault, "":
		return &loan.ValidationError{Field: "type", Message: fmt.Sprintf("%q cannot be submitted", req.Type), Err: loan.ErrUnsupported}
	}
	if req.Date.IsZero() {
		return &loan.ValidationError{Field: "date", Message: "required", Err: loan.ErrInvalidDate}
	}
	if business := c.Clock.BusinessDate(); req.Date.After(business) {
		return &loan.ValidationError{Field: "date", Message: fmt.Sprintf("%s is after business date %s", req.Date, business), Err: loan.ErrInvalidDate}
	}

	initial, disbursed := l.InitialDisbursement()
	switch req.Type {
	case loan.TxDisbursement:
		if !disbursed {
			if !req.Amount.Equal(l.Terms.Principal) {
				return &loan.ValidationError{Field: "amount", Message: fmt.Sprintf("initial disbursement must be %s", l.Terms.Principal), Err: loan.ErrInvalidAmount}
			}
			if !req.Date.Equal(l.Terms.DisbursementDate) {
				return &loan.ValidationError{Field: "date", Message: fmt.Sprintf("initial disbursement must be on %s", l.Terms.DisbursementDate), Err: loan.ErrInvalidDate}
			}
		} else if req.Date.Before(initial.Date) {
			return &loan.ValidationError{Field: "date", Message: "tranche before the initial disbursement", Err: loan.ErrInvalidDate}
		}
	case loan.TxCreditBalanceRefund:
		if req.Amount.GreaterThan(l.Overpayment) {
			return &loan.OverRefundError{Requested: req.Amount, Available: l.Overpayment}
		}
	case loan.TxInterestWaiver:
		if outstanding := l.Schedule.Totals().Interest.Outstanding; req.Amount.GreaterThan(outstanding) {
			return &loan.ValidationError{Field: "amount", Message: fmt.Sprintf("only %s interest outstanding", outstanding), Err: loan.ErrInvalidAmount}
		}
	default:
		if req.Type.IsRepaymentLike() && !disbursed {
			return &loan.ValidationError{Field: "type", Message: "loan has no disbursement", Err: loan.ErrNotDisbursed}
		}
	}
	return nil
}

func (c *Coordinator) chargebackOp(original loan.TransactionID, req TransactionRequest) mutation {
	req.Type = loan.TxChargeback
	record := c.recordOp(req, []loan.Relation{{Type: loan.RelationChargeback, ToID: original}}, 0)
	return func(ctx context.Context, l *loan.Loan) (change, error) {
		orig, ok := l.Transaction(original)
		if !ok {
			return change{}, fmt.Errorf("chargeback of transaction %d: %w", original, loan.ErrTransactionNotFound)
		}
		if orig.Reversed {
			return change{}, fmt.Errorf("chargeback of transaction %d: %w", original, loan.ErrAlreadyReversed)
		}
		if !orig.Type.IsRepaymentLike() {
			return change{}, &loan.ValidationError{Field: "transaction_id", Message: fmt.Sprintf("cannot charge back a %s", orig.Type), Err: loan.ErrUnsupported}
		}
		if req.Date.Before(orig.Date) {
			return change{}, &loan.ValidationError{Field: "date", Message: "chargeback before the original transaction", Err: loan.ErrInvalidDate}
		}
		available := orig.Amount
		for _, cb := range l.Chargebacks(original) {
			available = available.Sub(cb.Amount)
		}
		if req.Amount.GreaterThan(available) {
			return change{}, &loan.OverRefundError{Requested: req.Amount, Available: available}
		}
		return record(ctx, l)
	}
}

func (c *Coordinator) reamortizeOp(on loan.Date) mutation {
	return func(ctx context.Context, l *loan.Loan) (change, error) {
		overdue := loan.Zero()
		for _, inst := range l.Schedule {
			if inst.DueDate.Before(on) {
				overdue = overdue.Add(inst.Principal.Outstanding)
			}
		}
		if !overdue.IsPositive() {
			return change{}, &loan.ValidationError{Field: "date", Message: "no principal overdue on " + on.String(), Err: loan.ErrInvalidAmount}
		}
		req := TransactionRequest{Type: loan.TxReAmortize, Amount: overdue, Date: on}
		return c.recordOp(req, nil, 0)(ctx, l)
	}
}

func (c *Coordinator) reverseOp(txID loan.TransactionID) mutation {
	return func(ctx context.Context, l *loan.Loan) (change, error) {
		tx, ok := l.Transaction(txID)
		if !ok {
			return change{}, fmt.Errorf("reverse transaction %d: %w", txID, loan.ErrTransactionNotFound)
		}
		if tx.Reversed {
			return change{}, fmt.Errorf("reverse transaction %d: %w", txID, loan.ErrAlreadyReversed)
		}
		if initial, ok := l.InitialDisbursement(); ok && initial.ID == txID {
			return change{}, &loan.ValidationError{Field: "transaction_id", Message: "the initial disbursement cannot be reversed", Err: loan.ErrUnsupported}
		}
		if tx.Type == loan.TxAccrual {
			return change{}, &loan.ValidationError{Field: "transaction_id", Message: "accruals are reversed by close of business only", Err: loan.ErrUnsupported}
		}
		if cbs := l.Chargebacks(txID); len(cbs) > 0 {
			return change{}, fmt.Errorf("reverse transaction %d (chargeback %d): %w", txID, cbs[0].ID, loan.ErrHasChargebacks)
		}
		if _, err := c.Ledger.Reverse(ctx, l, txID, c.Clock.BusinessDate()); err != nil {
			return change{}, fmt.Errorf("reverse transaction %d: %w", txID, err)
		}
		return change{
			trigger: tx.Date,
			tx:      txID,
			action:  loan.AuditReversal,
			payload: map[string]any{"transaction_id": int64(txID), "type": string(tx.Type)},
		}, nil
	}
}

// =============================================================================
// CHARGES
// =============================================================================

func (c *Coordinator) AddCharge(ctx context.Context, loanID loan.LoanID, req ChargeRequest) (*Result, error) {
	return c.mutate(ctx, loanID, c.addChargeOp(req))
}

func (c *Coordinator) RemoveCharge(ctx context.Context, loanID loan.LoanID, chargeID loan.ChargeID) (*Result, error) {
	return c.mutate(ctx, loanID, c.removeChargeOp(chargeID))
}

// WaiveCharge waives what is left of a charge as of on.
func (c *Coordinator) WaiveCharge(ctx context.Context, loanID loan.LoanID, chargeID loan.ChargeID, on loan.Date) (*Result, error) {
	return c.mutate(ctx, loanID, c.waiveChargeOp(chargeID, on))
}

func (c *Coordinator) addChargeOp(req ChargeRequest) mutation {
	return func(ctx context.Context, l *loan.Loan) (change, error) {
		if req.DueDate.Before(l.Terms.DisbursementDate) {
			return change{}, &loan.ValidationError{Field: "due_date", Message: "before the disbursement date", Err: loan.ErrInvalidDate}
		}
		if !req.Amount.Equal(l.Currency().Round(req.Amount)) {
			return change{}, &loan.ValidationError{Field: "amount", Message: "more decimals than the currency allows", Err: loan.ErrInvalidAmount}
		}
		ch, err := c.Ledger.RecordCharge(ctx, l, loan.Charge{
			Name:        req.Name,
			Kind:        req.Kind,
			Amount:      req.Amount,
			DueDate:     req.DueDate,
			SubmittedOn: c.Clock.BusinessDate(),
		})
		if err != nil {
			return change{}, err
		}
		return change{
			trigger:  ch.DueDate,
			appended: true,
			seq:      int64(ch.ID),
			charge:   true,
			chargeID: ch.ID,
			action:   loan.AuditChargeAdded,
			payload: map[string]any{
				"charge_id": int64(ch.ID),
				"kind":      string(ch.Kind),
				"amount":    ch.Amount.String(),
				"due_date":  ch.DueDate.String(),
			},
		}, nil
	}
}

func (c *Coordinator) removeChargeOp(chargeID loan.ChargeID) mutation {
	return func(_ context.Context, l *loan.Loan) (change, error) {
		ch, ok := l.Charge(chargeID)
		if !ok || !ch.Active {
			return change{}, fmt.Errorf("remove charge %d: %w", chargeID, loan.ErrChargeNotFound)
		}
		for i := range l.Transactions {
			tx := &l.Transactions[i]
			if !tx.Reversed && tx.Type == loan.TxChargeWaiver && tx.ChargeID == chargeID {
				return change{}, &loan.ValidationError{Field: "charge_id", Message: fmt.Sprintf("charge has active waiver %d", tx.ID), Err: loan.ErrUnsupported}
			}
		}
		ch.Active = false
		return change{
			trigger:  ch.DueDate,
			charge:   true,
			chargeID: chargeID,
			action:   loan.AuditChargeRemoved,
			payload:  map[string]any{"charge_id": int64(chargeID)},
		}, nil
	}
}

func (c *Coordinator) waiveChargeOp(chargeID loan.ChargeID, on loan.Date) mutation {
	return func(ctx context.Context, l *loan.Loan) (change, error) {
		ch, ok := l.Charge(chargeID)
		if !ok || !ch.Active {
			return change{}, fmt.Errorf("waive charge %d: %w", chargeID, loan.ErrChargeNotFound)
		}
		inst := l.Schedule.Find(ch.Installment)
		if inst == nil {
			return change{}, fmt.Errorf("waive charge %d: %w", chargeID, loan.ErrChargeNotFound)
		}
		amount := ch.Amount.Sub(ch.Waived).Min(inst.Bucket(ch.Bucket()).Outstanding)
		if !amount.IsPositive() {
			return change{}, &loan.ValidationError{Field: "charge_id", Message: "nothing left to waive", Err: loan.ErrInvalidAmount}
		}
		req := TransactionRequest{Type: loan.TxChargeWaiver, Amount: amount, Date: on}
		return c.recordOp(req, nil, chargeID)(ctx, l)
	}
}

// =============================================================================
// PRODUCT
// =============================================================================

// ChangeProduct switches a loan to another product. Different allocation
// rules are only accepted while nothing has been allocated under the old
// ones.
func (c *Coordinator) ChangeProduct(ctx context.Context, loanID loan.LoanID, product loan.Product) (*Result, error) {
	return c.mutate(ctx, loanID, func(_ context.Context, l *loan.Loan) (change, error) {
		if err := product.Validate(); err != nil {
			return change{}, err
		}
		if product.Currency != l.Product.Currency {
			return change{}, fmt.Errorf("currency %s -> %s: %w", l.Product.Currency.Code, product.Currency.Code, loan.ErrPolicyConflict)
		}
		if !product.SameRules(l.Product) && hasAllocations(l) {
			return change{}, fmt.Errorf("product %s: %w", product.ID, loan.ErrPolicyConflict)
		}
		old := l.Product.ID
		l.Product = product
		return change{
			trigger: l.Terms.DisbursementDate,
			action:  loan.AuditProductChanged,
			payload: map[string]any{"from": old, "to": product.ID},
		}, nil
	})
}

// hasAllocations reports whether any active transaction was allocated
// under the loan's payment or credit rules.
func hasAllocations(l *loan.Loan) bool {
	for i := range l.Transactions {
		tx := &l.Transactions[i]
		if tx.Reversed {
			continue
		}
		if tx.Type.IsRepaymentLike() || tx.Type == loan.TxChargeback {
			return true
		}
		if tx.Type == loan.TxDisbursement && tx.Portions.Overpayment.IsPositive() {
			return true
		}
	}
	return false
}

// =============================================================================
// CLOSE OF BUSINESS
// =============================================================================

// CloseDay closes exactly the day after the loan's last closed business
// date, posting that day's accruals.
func (c *Coordinator) CloseDay(ctx context.Context, loanID loan.LoanID, day loan.Date) error {
	_, err := c.mutate(ctx, loanID, c.closeDayOp(day))
	return err
}

func (c *Coordinator) closeDayOp(day loan.Date) mutation {
	return func(ctx context.Context, l *loan.Loan) (change, error) {
		expected := l.Terms.DisbursementDate
		if l.LastClosedBusinessDate != nil {
			expected = l.LastClosedBusinessDate.AddDays(1)
		}
		if !day.Equal(expected) {
			return change{}, &loan.ValidationError{Field: "day", Message: fmt.Sprintf("next day to close is %s, got %s", expected, day), Err: loan.ErrInvalidCOBDate}
		}
		if cobDate := c.Clock.COBDate(); day.After(cobDate) {
			return change{}, &loan.ValidationError{Field: "day", Message: fmt.Sprintf("%s is after the COB date %s", day, cobDate), Err: loan.ErrInvalidCOBDate}
		}

		ch := change{
			trigger:    day,
			skipReplay: true,
			action:     loan.AuditDayClosed,
			payload:    map[string]any{"day": day.String()},
		}
		var accrued loan.Portions
		for _, inst := range l.Schedule {
			if inst.DueDate.Equal(day) {
				accrued.Interest = accrued.Interest.Add(inst.Interest.Due)
				accrued.Fee = accrued.Fee.Add(inst.Fee.Due)
				accrued.Penalty = accrued.Penalty.Add(inst.Penalty.Due)
			}
		}
		if amount := accrued.Allocated(); amount.IsPositive() {
			tx, err := c.Ledger.Record(ctx, l, loan.Transaction{
				Type:        loan.TxAccrual,
				Amount:      amount,
				Date:        day,
				SubmittedOn: day,
				ExternalID:  fmt.Sprintf("accrual-%s-%s", l.ID, day),
				Portions:    accrued,
			})
			if err != nil {
				return change{}, err
			}
			ch.tx = tx.ID
			ch.payload["accrual"] = amount.String()
		}
		closed := day
		l.LastClosedBusinessDate = &closed
		return ch, nil
	}
}
