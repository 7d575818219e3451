package replay

import (
	"context"
	"fmt"

	"github.com/warp/loan-engine/loan"
)

// =============================================================================
// BATCH - Several mutations of one loan in one request
// =============================================================================

type BatchMode string

const (
	// BatchIndependent commits each op on its own; earlier successes stay
	// committed when a later op fails.
	BatchIndependent BatchMode = "independent"

	// BatchAtomic commits all ops or none.
	BatchAtomic BatchMode = "atomic"
)

type OpKind string

const (
	OpTransaction  OpKind = "transaction"
	OpReverse      OpKind = "reverse"
	OpChargeback   OpKind = "chargeback"
	OpAddCharge    OpKind = "add_charge"
	OpRemoveCharge OpKind = "remove_charge"
	OpWaiveCharge  OpKind = "waive_charge"
)

// Op is one entry of a batch. Which fields are read depends on Kind.
type Op struct {
	Kind          OpKind              `json:"kind"`
	Transaction   *TransactionRequest `json:"transaction,omitempty"`
	TransactionID loan.TransactionID  `json:"transaction_id,omitempty"`
	Charge        *ChargeRequest      `json:"charge,omitempty"`
	ChargeID      loan.ChargeID       `json:"charge_id,omitempty"`
	Date          loan.Date           `json:"date,omitempty"`
}

type BatchItem struct {
	Index  int     `json:"index"`
	Result *Result `json:"-"`
	Error  string  `json:"error,omitempty"`
	Err    error   `json:"-"`
}

type BatchResult struct {
	Mode  BatchMode   `json:"mode"`
	Items []BatchItem `json:"items"`
	Loan  *loan.Loan  `json:"loan,omitempty"`
}

// Failed counts items that did not commit.
func (r *BatchResult) Failed() int {
	n := 0
	for _, it := range r.Items {
		if it.Err != nil {
			n++
		}
	}
	return n
}

func (c *Coordinator) opMutation(op Op) (mutation, error) {
	switch op.Kind {
	case OpTransaction:
		if op.Transaction == nil {
			return nil, loan.Invalid("transaction", "required for %s", op.Kind)
		}
		return c.recordOp(*op.Transaction, nil, 0), nil
	case OpReverse:
		return c.reverseOp(op.TransactionID), nil
	case OpChargeback:
		if op.Transaction == nil {
			return nil, loan.Invalid("transaction", "required for %s", op.Kind)
		}
		return c.chargebackOp(op.TransactionID, *op.Transaction), nil
	case OpAddCharge:
		if op.Charge == nil {
			return nil, loan.Invalid("charge", "required for %s", op.Kind)
		}
		return c.addChargeOp(*op.Charge), nil
	case OpRemoveCharge:
		return c.removeChargeOp(op.ChargeID), nil
	case OpWaiveCharge:
		return c.waiveChargeOp(op.ChargeID, op.Date), nil
	}
	return nil, &loan.ValidationError{Field: "kind", Message: fmt.Sprintf("unknown op %q", op.Kind), Err: loan.ErrUnsupported}
}

// Batch applies ops to one loan in order. In independent mode per-op
// failures are reported in the items and the call itself succeeds; in
// atomic mode the first failure aborts the batch and is returned.
func (c *Coordinator) Batch(ctx context.Context, loanID loan.LoanID, mode BatchMode, ops []Op) (*BatchResult, error) {
	if len(ops) == 0 {
		return nil, loan.Invalid("ops", "empty batch")
	}
	muts := make([]mutation, len(ops))
	for i, op := range ops {
		m, err := c.opMutation(op)
		if err != nil {
			return nil, fmt.Errorf("op %d: %w", i, err)
		}
		muts[i] = m
	}

	switch mode {
	case BatchIndependent:
		return c.batchIndependent(ctx, loanID, muts), nil
	case BatchAtomic:
		return c.batchAtomic(ctx, loanID, muts)
	}
	return nil, loan.Invalid("mode", "unknown batch mode %q", mode)
}

func (c *Coordinator) batchIndependent(ctx context.Context, loanID loan.LoanID, muts []mutation) *BatchResult {
	out := &BatchResult{Mode: BatchIndependent}
	for i, m := range muts {
		item := BatchItem{Index: i}
		res, err := c.mutate(ctx, loanID, m)
		if err != nil {
			item.Err = err
			item.Error = err.Error()
		} else {
			item.Result = res
			out.Loan = res.Loan
		}
		out.Items = append(out.Items, item)
	}
	return out
}

func (c *Coordinator) batchAtomic(ctx context.Context, loanID loan.LoanID, muts []mutation) (*BatchResult, error) {
	indexed := make([]mutation, len(muts)+1)
	for i, m := range muts {
		i, m := i, m
		indexed[i] = func(ctx context.Context, l *loan.Loan) (change, error) {
			ch, err := m(ctx, l)
			if err != nil {
				return ch, fmt.Errorf("op %d: %w", i, err)
			}
			return ch, nil
		}
	}
	indexed[len(muts)] = func(_ context.Context, _ *loan.Loan) (change, error) {
		return change{
			skipReplay: true,
			action:     loan.AuditBatch,
			payload:    map[string]any{"ops": len(muts), "mode": string(BatchAtomic)},
		}, nil
	}

	res, err := c.mutate(ctx, loanID, indexed...)
	if err != nil {
		return nil, err
	}
	out := &BatchResult{Mode: BatchAtomic, Loan: res.Loan}
	for i := range muts {
		out.Items = append(out.Items, BatchItem{Index: i, Result: res})
	}
	return out, nil
}
