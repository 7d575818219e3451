/*
Package accounting turns allocated transactions into balanced journal
postings.

PURPOSE:
  Every allocated transaction has a bucket breakdown. A Posting expresses
  that breakdown as debit and credit lines against account roles. When a
  replay changes a breakdown, the old revision is reversed and the new one
  posted, so the journal always adds up to the current state of the loan.

IDEMPOTENCY:
  A posting is keyed by loan, transaction, revision and direction. Posting
  the same key twice has no further effect, so retries after a failed
  commit are harmless.

KEY TYPES:
  - Posting, Line: The journal tuple
  - Poster: Where postings go (MemoryPoster, DedupPoster, PgPoster)

SEE ALSO:
  - ../replay/coordinator.go: Hands postings to the poster after commit
*/
package accounting

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/loan-engine/loan"
)

// =============================================================================
// ACCOUNT ROLES
// =============================================================================

type Role string

const (
	RoleLoanPortfolio        Role = "loan_portfolio"
	RoleFundSource           Role = "fund_source"
	RoleInterestReceivable   Role = "interest_receivable"
	RoleFeeReceivable        Role = "fee_receivable"
	RolePenaltyReceivable    Role = "penalty_receivable"
	RoleInterestIncome       Role = "interest_income"
	RoleFeeIncome            Role = "fee_income"
	RolePenaltyIncome        Role = "penalty_income"
	RoleOverpaymentLiability Role = "overpayment_liability"
	RoleGoodwillExpense      Role = "goodwill_expense"
	RoleWaiverExpense        Role = "waiver_expense"
)

type Side string

const (
	Debit  Side = "DR"
	Credit Side = "CR"
)

func (s Side) opposite() Side {
	if s == Debit {
		return Credit
	}
	return Debit
}

// Line is one debit or credit of a posting.
type Line struct {
	Role   Role       `json:"role"`
	Side   Side       `json:"side"`
	Amount loan.Money `json:"amount"`
}

// =============================================================================
// POSTING
// =============================================================================

type Posting struct {
	Key           string               `json:"key"`
	LoanID        loan.LoanID          `json:"loan_id"`
	TransactionID loan.TransactionID   `json:"transaction_id"`
	Revision      int                  `json:"revision"`
	Type          loan.TransactionType `json:"type"`
	Date          loan.Date            `json:"date"`
	Reversal      bool                 `json:"reversal"`
	Lines         []Line               `json:"lines"`
	CreatedAt     time.Time            `json:"created_at"`
}

// Key identifies a posting. A reversal of a revision has its own key.
func Key(loanID loan.LoanID, txID loan.TransactionID, revision int, reversal bool) string {
	k := fmt.Sprintf("%s:%d:%d", loanID, txID, revision)
	if reversal {
		k += ":reversal"
	}
	return k
}

// Balanced reports whether debits equal credits.
func (p Posting) Balanced() bool {
	dr, cr := loan.Zero(), loan.Zero()
	for _, l := range p.Lines {
		if l.Side == Debit {
			dr = dr.Add(l.Amount)
		} else {
			cr = cr.Add(l.Amount)
		}
	}
	return dr.Equal(cr)
}

// Empty reports whether the posting moves no money.
func (p Posting) Empty() bool { return len(p.Lines) == 0 }

// Reverse returns the posting that cancels p.
func (p Posting) Reverse() Posting {
	r := p
	r.Reversal = !p.Reversal
	r.Key = Key(p.LoanID, p.TransactionID, p.Revision, r.Reversal)
	r.Lines = make([]Line, len(p.Lines))
	for i, l := range p.Lines {
		r.Lines[i] = Line{Role: l.Role, Side: l.Side.opposite(), Amount: l.Amount}
	}
	return r
}

type lines []Line

func (ls *lines) add(role Role, side Side, amount loan.Money) {
	if amount.IsZero() {
		return
	}
	*ls = append(*ls, Line{Role: role, Side: side, Amount: amount})
}

// receivables credits (or debits, for side Debit) the bucket breakdown of
// p against the loan's asset accounts.
func (ls *lines) receivables(side Side, p loan.Portions) {
	ls.add(RoleLoanPortfolio, side, p.Principal)
	ls.add(RoleInterestReceivable, side, p.Interest)
	ls.add(RoleFeeReceivable, side, p.Fee)
	ls.add(RolePenaltyReceivable, side, p.Penalty)
	ls.add(RoleOverpaymentLiability, side, p.Overpayment)
}

// Build derives the posting of tx's current revision.
func Build(tx loan.Transaction) Posting {
	p := Posting{
		Key:           Key(tx.LoanID, tx.ID, tx.Revision, false),
		LoanID:        tx.LoanID,
		TransactionID: tx.ID,
		Revision:      tx.Revision,
		Type:          tx.Type,
		Date:          tx.Date,
		CreatedAt:     time.Now().UTC(),
	}
	var ls lines
	portions := tx.Portions

	switch tx.Type {
	case loan.TxDisbursement:
		ls.add(RoleLoanPortfolio, Debit, tx.Amount)
		ls.add(RoleFundSource, Credit, tx.Amount)
		// held overpayment spent on the new schedule
		if portions.Overpayment.IsPositive() {
			ls.add(RoleOverpaymentLiability, Debit, portions.Overpayment)
			ls.receivables(Credit, spent(tx))
		}
	case loan.TxRepayment, loan.TxDownPayment, loan.TxMerchantIssuedRefund, loan.TxPayoutRefund:
		ls.add(RoleFundSource, Debit, tx.Amount)
		ls.receivables(Credit, portions)
	case loan.TxGoodwillCredit:
		ls.add(RoleGoodwillExpense, Debit, tx.Amount)
		ls.receivables(Credit, portions)
	case loan.TxInterestRefund:
		ls.add(RoleInterestIncome, Debit, tx.Amount)
		ls.receivables(Credit, portions)
	case loan.TxChargeback:
		ls.receivables(Debit, portions)
		ls.add(RoleFundSource, Credit, tx.Amount)
	case loan.TxCreditBalanceRefund:
		ls.add(RoleOverpaymentLiability, Debit, tx.Amount)
		ls.add(RoleFundSource, Credit, tx.Amount)
	case loan.TxAccrual:
		ls.add(RoleInterestReceivable, Debit, portions.Interest)
		ls.add(RoleInterestIncome, Credit, portions.Interest)
		ls.add(RoleFeeReceivable, Debit, portions.Fee)
		ls.add(RoleFeeIncome, Credit, portions.Fee)
		ls.add(RolePenaltyReceivable, Debit, portions.Penalty)
		ls.add(RolePenaltyIncome, Credit, portions.Penalty)
	case loan.TxInterestWaiver, loan.TxChargeWaiver:
		ls.add(RoleWaiverExpense, Debit, portions.Allocated())
		ls.receivables(Credit, loan.Portions{Interest: portions.Interest, Fee: portions.Fee, Penalty: portions.Penalty})
	case loan.TxReAmortize:
		// moves principal between installments only
	}
	p.Lines = ls
	return p
}

// spent is the bucket breakdown of overpayment consumed by a disbursement,
// read off its mappings.
func spent(tx loan.Transaction) loan.Portions {
	var p loan.Portions
	for _, m := range tx.Mappings {
		p.Principal = p.Principal.Add(m.Principal)
		p.Interest = p.Interest.Add(m.Interest)
		p.Fee = p.Fee.Add(m.Fee)
		p.Penalty = p.Penalty.Add(m.Penalty)
	}
	return p
}

// =============================================================================
// POSTER
// =============================================================================

// Poster receives postings. Implementations must ignore a key they have
// already accepted.
type Poster interface {
	Post(ctx context.Context, p Posting) error
}

// Changes returns the postings that move the journal from before to after
// for one transaction. before may be nil for a new transaction; a reversed
// after cancels before.
func Changes(before, after *loan.Transaction) []Posting {
	var out []Posting
	if before != nil && !before.Reversed {
		if after != nil && !after.Reversed && after.Revision == before.Revision {
			return nil
		}
		if old := Build(*before); !old.Empty() {
			out = append(out, old.Reverse())
		}
	}
	if after != nil && !after.Reversed {
		if p := Build(*after); !p.Empty() {
			out = append(out, p)
		}
	}
	return out
}
