/*
Package allocation distributes transaction amounts over an installment
schedule.

PURPOSE:
  Given a schedule, a transaction and the loan's product, decide which
  bucket of which installment every unit of money goes to. The result is
  the transaction's per-bucket breakdown, its per-installment mappings and
  the changed schedule.

KEY CONCEPTS:
  - Engine: Stateless entry point
  - Session: A unit of work owning a private copy of the schedule. Replay
    opens one session per replay window and applies entries in order.
  - Horizontal processing: Walk due types (past due, due, in advance) and
    within each the buckets in policy order
  - Vertical processing: Walk allocation types one at a time across all
    installments

OWNERSHIP:
  A session never touches the schedule it was created from. Callers read
  results through Session.Schedule, which returns a copy, and commit that
  copy themselves.

DETERMINISM:
  Installment selection only depends on schedule order and dates. The same
  schedule, transaction and product always produce the same result.

SEE ALSO:
  - session.go: Dispatch by transaction type
  - horizontal.go: The two processing modes
  - credit.go: Chargebacks and credit balance refunds
  - ../replay/coordinator.go: Drives sessions during replay
*/
package allocation

import "github.com/warp/loan-engine/loan"

// Engine creates allocation sessions.
type Engine struct{}

func NewEngine() *Engine {
	return &Engine{}
}

// Result is the outcome of a single allocation.
type Result struct {
	Schedule    loan.Schedule
	Portions    loan.Portions
	Mappings    []loan.InstallmentMapping
	Overpayment loan.Money
}

// Allocate applies tx to a copy of schedule. history lists transactions
// already allocated on that schedule, oldest first; chargebacks look up
// their original there.
func (e *Engine) Allocate(schedule loan.Schedule, overpayment loan.Money, tx loan.Transaction, product loan.Product, history []loan.Transaction) (Result, error) {
	s := e.NewSession(schedule, overpayment, product)
	past := make([]loan.Transaction, len(history))
	for i := range history {
		past[i] = history[i].Clone()
		s.Observe(&past[i])
	}

	applied := tx.Clone()
	if err := s.Apply(&applied); err != nil {
		return Result{}, err
	}
	return Result{
		Schedule:    s.Schedule(),
		Portions:    applied.Portions,
		Mappings:    applied.Mappings,
		Overpayment: s.Overpayment(),
	}, nil
}

// NewSession opens a unit of work on a private copy of schedule.
func (e *Engine) NewSession(schedule loan.Schedule, overpayment loan.Money, product loan.Product) *Session {
	own := schedule.Clone()
	own.Sort()
	return &Session{
		product:     product,
		currency:    product.Currency,
		schedule:    own,
		overpayment: overpayment,
		processed:   make(map[loan.TransactionID]*loan.Transaction),
		charges:     make(map[loan.ChargeID]*loan.Charge),
	}
}
