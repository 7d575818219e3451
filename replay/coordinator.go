/*
Package replay keeps a loan's schedule consistent with its ledger.

PURPOSE:
  Every mutation of a loan (a new transaction, a reversal, a charge, a
  product change, a day close) runs through the Coordinator. It records the
  entry, re-derives the schedule and the breakdown of every affected
  transaction, and commits the result as one unit.

REPLAY WINDOW:
  The trigger date D of a mutation is the effective date of the entry it
  touches. When nothing allocated sorts after the new entry, the fast path
  applies only that entry to the current schedule. Otherwise the loan is
  unwound to its base schedule and every active entry is replayed in
  (effective date, insertion sequence) order.

  Entries dated before D must come out of a full replay with the breakdown
  they had. The one exception: when the window holds a charge, earlier
  repayments may re-spend their overpayment on it, which moves the window
  start back to them. Any other difference means history cannot be
  reproduced; the loan is marked faulted and the mutation discarded.

STATE MACHINE:
  idle -> unwinding -> replaying -> idle, any state -> faulted.
  A faulted loan rejects mutations until Repair succeeds.

ATOMICITY:
  Work happens on a clone of the aggregate inside Gate.Guard and
  Store.WithTx. A failed mutation leaves the stored loan untouched.
  Postings go to the accounting poster after the commit.

SEE ALSO:
  - ../allocation/session.go: Per-entry allocation
  - ../cob/gate.go: Critical section and COB locks
  - operations.go: The mutations themselves
  - batch.go: Independent and atomic batches
*/
package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/loan-engine/accounting"
	"github.com/warp/loan-engine/allocation"
	"github.com/warp/loan-engine/cob"
	"github.com/warp/loan-engine/loan"
)

// =============================================================================
// COORDINATOR
// =============================================================================

type Coordinator struct {
	Store     loan.TxStore
	Gate      *cob.Gate
	Engine    *allocation.Engine
	Ledger    loan.Ledger
	Generator loan.ScheduleGenerator
	Poster    accounting.Poster
	Clock     loan.Clock
	Logger    *zap.Logger

	now func() time.Time
}

func NewCoordinator(store loan.TxStore, gate *cob.Gate, poster accounting.Poster, clock loan.Clock, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if poster == nil {
		poster = accounting.NewMemoryPoster()
	}
	return &Coordinator{
		Store:     store,
		Gate:      gate,
		Engine:    allocation.NewEngine(),
		Ledger:    loan.NewLedger(),
		Generator: loan.FlatGenerator{},
		Poster:    poster,
		Clock:     clock,
		Logger:    logger.Named("replay"),
		now:       time.Now,
	}
}

type actorKey struct{}

// WithActor attributes the mutations made with ctx to actor in the audit log.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func ActorFrom(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok && actor != "" {
		return actor
	}
	return "system"
}

// Result describes a committed mutation.
type Result struct {
	Loan        *loan.Loan        `json:"loan"`
	Transaction *loan.Transaction `json:"transaction,omitempty"`
	Charge      *loan.Charge      `json:"charge,omitempty"`

	// ReplayedFrom is the start of the replay window; nil on the fast path.
	ReplayedFrom *loan.Date `json:"replayed_from,omitempty"`

	// Revised lists transactions whose breakdown changed.
	Revised []loan.TransactionID `json:"revised,omitempty"`
}

// mutation edits the working copy of a loan and reports what it touched.
type mutation func(ctx context.Context, l *loan.Loan) (change, error)

type change struct {
	trigger loan.Date

	// appended is set when the mutation only added the entry with seq.
	appended bool
	seq      int64

	// charge is set when the mutation added or removed a charge.
	charge     bool
	skipReplay bool

	tx       loan.TransactionID
	chargeID loan.ChargeID
	action   loan.AuditAction
	payload  map[string]any
}

// =============================================================================
// MUTATION PIPELINE
// =============================================================================

func (c *Coordinator) mutate(ctx context.Context, loanID loan.LoanID, muts ...mutation) (*Result, error) {
	var (
		result   *Result
		postings []accounting.Posting
	)
	err := c.Gate.Guard(ctx, loanID, func(ctx context.Context) error {
		err := c.Store.WithTx(ctx, func(s loan.Store) error {
			var err error
			result, postings, err = c.commit(ctx, s, loanID, muts)
			return err
		})
		if err != nil && loan.IsFatal(err) && !errors.Is(err, loan.ErrLoanFaulted) {
			c.markFaulted(ctx, loanID, err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	c.post(ctx, postings)
	return result, nil
}

func (c *Coordinator) commit(ctx context.Context, s loan.Store, loanID loan.LoanID, muts []mutation) (*Result, []accounting.Posting, error) {
	stored, err := s.LoadLoan(ctx, loanID)
	if err != nil {
		return nil, nil, err
	}
	if stored.ReplayState == loan.ReplayFaulted {
		return nil, nil, fmt.Errorf("loan %s (%s): %w", loanID, stored.FaultReason, loan.ErrLoanFaulted)
	}

	work := stored.Clone()
	result := &Result{}
	var changes []change
	for _, m := range muts {
		before := work.Clone()
		ch, err := m(ctx, work)
		if err != nil {
			return nil, nil, err
		}
		if !ch.skipReplay {
			if err := c.reprocess(before, work, ch, result); err != nil {
				return nil, nil, err
			}
		}
		changes = append(changes, ch)
	}

	if err := c.finish(ctx, s, stored, work); err != nil {
		return nil, nil, err
	}
	for _, ch := range changes {
		if err := c.audit(ctx, s, loanID, ch.action, ch.payload); err != nil {
			return nil, nil, err
		}
	}

	last := changes[len(changes)-1]
	result.Loan = work
	if last.tx != 0 {
		result.Transaction, _ = work.Transaction(last.tx)
	}
	if last.chargeID != 0 {
		result.Charge, _ = work.Charge(last.chargeID)
	}
	return result, postingsBetween(stored, work), nil
}

// finish validates the working copy and writes it back.
func (c *Coordinator) finish(ctx context.Context, s loan.Store, stored, work *loan.Loan) error {
	if err := work.Schedule.Validate(); err != nil {
		return fmt.Errorf("loan %s: %w", work.ID, err)
	}
	work.RefreshStatus()
	work.UpdatedAt = c.now().UTC()
	if err := s.SaveLoan(ctx, work, stored.Version); err != nil {
		return err
	}
	return nil
}

func (c *Coordinator) audit(ctx context.Context, s loan.Store, loanID loan.LoanID, action loan.AuditAction, payload map[string]any) error {
	if action == "" {
		return nil
	}
	return s.AppendAudit(ctx, loan.AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: c.now().UTC(),
		ActorID:   ActorFrom(ctx),
		Action:    action,
		LoanID:    loanID,
		Payload:   payload,
	})
}

// =============================================================================
// REPROCESSING
// =============================================================================

func (c *Coordinator) reprocess(before, work *loan.Loan, ch change, result *Result) error {
	if ch.appended && nothingAfter(before, ch.trigger) {
		return c.applyFast(before, work, ch.seq, result)
	}
	return c.replayFull(before, work, ch, result)
}

// nothingAfter reports whether no active entry of l is dated after d.
func nothingAfter(l *loan.Loan, d loan.Date) bool {
	if l.ReplayState != loan.ReplayIdle && l.ReplayState != "" {
		return false
	}
	entries := loan.Entries(l)
	return len(entries) == 0 || !entries[len(entries)-1].Date.After(d)
}

// applyFast allocates the one new entry onto the current schedule.
func (c *Coordinator) applyFast(before, work *loan.Loan, seq int64, result *Result) error {
	sess := c.Engine.NewSession(work.Schedule, work.Overpayment, work.Product)
	var fresh *loan.Entry
	for _, e := range loan.Entries(work) {
		switch {
		case e.Seq == seq:
			fresh = &e
		case e.Tx != nil:
			sess.Observe(e.Tx)
		default:
			sess.ObserveCharge(e.Charge)
		}
	}
	if fresh == nil {
		return fmt.Errorf("entry %d not found on loan %s", seq, work.ID)
	}

	var err error
	if fresh.Tx != nil {
		err = sess.Apply(fresh.Tx)
	} else {
		err = sess.ApplyCharge(fresh.Charge)
	}
	if err != nil {
		return err
	}
	work.Schedule = sess.Schedule()
	work.Overpayment = sess.Overpayment()
	revise(before, work, result)
	return nil
}

// replayFull rebuilds the schedule from the base schedule and every active
// entry, then checks the entries before the trigger date came out as they
// were stored.
func (c *Coordinator) replayFull(before, work *loan.Loan, ch change, result *Result) error {
	from := ch.trigger
	if err := work.Transition(loan.ReplayUnwinding); err != nil {
		return err
	}
	sess := c.Engine.NewSession(work.BaseSchedule, loan.Zero(), work.Product)

	if err := work.Transition(loan.ReplayReplaying); err != nil {
		return err
	}
	windowHasCharge := ch.charge
	entries := loan.Entries(work)
	for _, e := range entries {
		var err error
		if e.Tx != nil {
			err = sess.Apply(e.Tx)
		} else {
			err = sess.ApplyCharge(e.Charge)
			if !e.Date.Before(from) {
				windowHasCharge = true
			}
		}
		if err != nil {
			return err
		}
	}
	work.Schedule = sess.Schedule()
	work.Overpayment = sess.Overpayment()

	start := from
	for i := range work.Transactions {
		tx := &work.Transactions[i]
		if tx.Reversed || !tx.Date.Before(from) || !tx.Type.HasDerivedBreakdown() {
			continue
		}
		old, ok := before.Transaction(tx.ID)
		if !ok || old.Reversed || tx.SameBreakdown(old) {
			continue
		}
		if windowHasCharge && tx.Type.IsRepaymentLike() {
			if tx.Date.Before(start) {
				start = tx.Date
			}
			continue
		}
		return &loan.ReplayDivergedError{TransactionID: tx.ID, Stored: old.Portions, Replayed: tx.Portions}
	}

	if err := work.Transition(loan.ReplayIdle); err != nil {
		return err
	}
	revise(before, work, result)
	if result.ReplayedFrom == nil || start.Before(*result.ReplayedFrom) {
		result.ReplayedFrom = &start
	}
	c.Logger.Debug("replayed",
		zap.String("loan_id", string(work.ID)),
		zap.String("from", start.String()),
		zap.Int("entries", len(entries)))
	return nil
}

// revise bumps the revision of every transaction whose breakdown differs
// from before.
func revise(before, work *loan.Loan, result *Result) {
	for i := range work.Transactions {
		tx := &work.Transactions[i]
		if tx.Reversed {
			continue
		}
		old, ok := before.Transaction(tx.ID)
		if !ok || old.Reversed || tx.SameBreakdown(old) {
			continue
		}
		tx.Revision = old.Revision + 1
		result.Revised = appendUnique(result.Revised, tx.ID)
	}
}

func appendUnique(ids []loan.TransactionID, id loan.TransactionID) []loan.TransactionID {
	for _, x := range ids {
		if x == id {
			return ids
		}
	}
	return append(ids, id)
}

// =============================================================================
// ACCOUNTING
// =============================================================================

func postingsBetween(stored, work *loan.Loan) []accounting.Posting {
	var out []accounting.Posting
	for i := range work.Transactions {
		after := &work.Transactions[i]
		before, _ := stored.Transaction(after.ID)
		out = append(out, accounting.Changes(before, after)...)
	}
	return out
}

// post hands postings to the poster. The mutation is already committed, so
// a failure is logged for re-posting rather than returned.
func (c *Coordinator) post(ctx context.Context, postings []accounting.Posting) {
	for _, p := range postings {
		if err := c.Poster.Post(ctx, p); err != nil {
			c.Logger.Error("posting failed",
				zap.String("key", p.Key),
				zap.String("loan_id", string(p.LoanID)),
				zap.Error(err))
		}
	}
}

// Repost sends the postings of a loan's current state again. Posters skip
// keys they already hold.
func (c *Coordinator) Repost(ctx context.Context, loanID loan.LoanID) (int, error) {
	l, err := c.Store.LoadLoan(ctx, loanID)
	if err != nil {
		return 0, err
	}
	postings := postingsBetween(&loan.Loan{}, l)
	for _, p := range postings {
		if err := c.Poster.Post(ctx, p); err != nil {
			return 0, err
		}
	}
	return len(postings), nil
}

// =============================================================================
// FAULTS
// =============================================================================

// markFaulted persists only the faulted flag; everything the failed
// mutation did has been rolled back.
func (c *Coordinator) markFaulted(ctx context.Context, loanID loan.LoanID, cause error) {
	c.Logger.Error("loan faulted", zap.String("loan_id", string(loanID)), zap.Error(cause))
	err := c.Store.WithTx(ctx, func(s loan.Store) error {
		l, err := s.LoadLoan(ctx, loanID)
		if err != nil {
			return err
		}
		expected := l.Version
		if err := l.Transition(loan.ReplayFaulted); err != nil {
			return err
		}
		l.FaultReason = cause.Error()
		l.UpdatedAt = c.now().UTC()
		if err := s.SaveLoan(ctx, l, expected); err != nil {
			return err
		}
		return c.audit(ctx, s, loanID, loan.AuditLoanFaulted, map[string]any{"reason": cause.Error()})
	})
	if err != nil {
		c.Logger.Error("could not mark loan faulted", zap.String("loan_id", string(loanID)), zap.Error(err))
	}
}

// Repair replays a faulted loan from its base schedule with no prefix
// check and returns it to idle when the result is consistent.
func (c *Coordinator) Repair(ctx context.Context, loanID loan.LoanID) (*loan.Loan, error) {
	var repaired *loan.Loan
	var postings []accounting.Posting
	err := c.Gate.Guard(ctx, loanID, func(ctx context.Context) error {
		return c.Store.WithTx(ctx, func(s loan.Store) error {
			stored, err := s.LoadLoan(ctx, loanID)
			if err != nil {
				return err
			}
			if stored.ReplayState != loan.ReplayFaulted {
				return &loan.TransitionError{From: stored.ReplayState, To: loan.ReplayIdle}
			}
			work := stored.Clone()
			if err := work.Transition(loan.ReplayIdle); err != nil {
				return err
			}
			work.FaultReason = ""
			if err := c.replayFull(stored, work, change{}, &Result{}); err != nil {
				return err
			}
			if err := c.finish(ctx, s, stored, work); err != nil {
				return err
			}
			repaired = work
			postings = postingsBetween(stored, work)
			return c.audit(ctx, s, loanID, loan.AuditLoanRepaired, nil)
		})
	})
	if err != nil {
		return nil, err
	}
	c.post(ctx, postings)
	return repaired, nil
}
