package cob

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/loan-engine/loan"
)

// =============================================================================
// RUNNER - Inline and catch-up close of business
// =============================================================================

// DayCloser closes exactly one business day of one loan. Implementations
// must reject a day that is not the day after the loan's last closed date.
type DayCloser interface {
	CloseDay(ctx context.Context, loanID loan.LoanID, day loan.Date) error
}

type Runner struct {
	Gate    *Gate
	Store   loan.Store
	Closer  DayCloser
	Clock   loan.Clock
	Workers int
	Logger  *zap.Logger
}

func NewRunner(gate *Gate, store loan.Store, closer DayCloser, clock loan.Clock, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		Gate:    gate,
		Store:   store,
		Closer:  closer,
		Clock:   clock,
		Workers: 4,
		Logger:  logger.Named("cob.runner"),
	}
}

// Report summarizes one catch-up run.
type Report struct {
	RunID       string                 `json:"run_id"`
	COBDate     loan.Date              `json:"cob_date"`
	Advanced    map[loan.LoanID]int    `json:"advanced"`
	Halted      []loan.LoanID          `json:"halted,omitempty"`
	Failed      map[loan.LoanID]string `json:"failed,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt time.Time              `json:"completed_at"`
}

// DaysClosed is the total number of loan-days closed by the run.
func (r *Report) DaysClosed() int {
	total := 0
	for _, n := range r.Advanced {
		total += n
	}
	return total
}

// =============================================================================
// INLINE COB
// =============================================================================

// Inline brings the given loans up to the COB date synchronously, holding
// the inline lock on each loan while it is processed.
func (r *Runner) Inline(ctx context.Context, loanIDs []loan.LoanID) error {
	for _, id := range loanIDs {
		if err := r.inlineOne(ctx, id); err != nil {
			return fmt.Errorf("inline COB for loan %s: %w", id, err)
		}
	}
	return nil
}

func (r *Runner) inlineOne(ctx context.Context, id loan.LoanID) (err error) {
	if _, err := r.Gate.TakeLock(ctx, id, loan.StageInlineCOB, "inline close of business"); err != nil {
		return err
	}
	defer func() {
		if rerr := r.Gate.ReleaseLock(context.WithoutCancel(ctx), id, loan.StageInlineCOB); rerr != nil && err == nil {
			err = rerr
		}
	}()

	target := r.Clock.COBDate()
	stageCtx := WithStage(ctx, loan.StageInlineCOB)
	for {
		next, done, err := r.nextDay(ctx, id, target)
		if err != nil || done {
			return err
		}
		if err := r.Closer.CloseDay(stageCtx, id, next); err != nil {
			return err
		}
	}
}

// Stale reports whether a loan's last closed business date is behind the
// COB date.
func (r *Runner) Stale(ctx context.Context, id loan.LoanID) (bool, error) {
	_, done, err := r.nextDay(ctx, id, r.Clock.COBDate())
	return !done, err
}

func (r *Runner) nextDay(ctx context.Context, id loan.LoanID, target loan.Date) (loan.Date, bool, error) {
	l, err := r.Store.LoadLoan(ctx, id)
	if err != nil {
		return loan.Date{}, false, err
	}
	next := l.Terms.DisbursementDate
	if l.LastClosedBusinessDate != nil {
		next = l.LastClosedBusinessDate.AddDays(1)
	}
	return next, next.After(target), nil
}

// =============================================================================
// CATCH-UP COB
// =============================================================================

// CatchUp advances every loan behind the COB date one day at a time. Each
// day runs under a chunk lock that is released afterwards, so a lock placed
// by someone else between days halts that loan and only that loan.
func (r *Runner) CatchUp(ctx context.Context) (*Report, error) {
	target := r.Clock.COBDate()
	report := &Report{
		RunID:     uuid.NewString(),
		COBDate:   target,
		Advanced:  make(map[loan.LoanID]int),
		Failed:    make(map[loan.LoanID]string),
		StartedAt: time.Now().UTC(),
	}

	ids, err := r.Store.LoansBehind(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("list loans behind %s: %w", target, err)
	}
	r.Logger.Info("catch-up started",
		zap.String("run_id", report.RunID),
		zap.String("cob_date", target.String()),
		zap.Int("loans", len(ids)))

	workers := r.Workers
	if workers < 1 {
		workers = 1
	}
	jobs := make(chan loan.LoanID)
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				days, halted, err := r.catchUpLoan(ctx, id, target)
				mu.Lock()
				if days > 0 {
					report.Advanced[id] = days
				}
				if halted {
					report.Halted = append(report.Halted, id)
				}
				if err != nil {
					report.Failed[id] = err.Error()
				}
				mu.Unlock()
			}
		}()
	}

dispatch:
	for _, id := range ids {
		select {
		case jobs <- id:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	sort.Slice(report.Halted, func(i, j int) bool { return report.Halted[i] < report.Halted[j] })
	report.CompletedAt = time.Now().UTC()
	r.Logger.Info("catch-up finished",
		zap.String("run_id", report.RunID),
		zap.Int("days_closed", report.DaysClosed()),
		zap.Int("halted", len(report.Halted)),
		zap.Int("failed", len(report.Failed)))
	return report, ctx.Err()
}

func (r *Runner) catchUpLoan(ctx context.Context, id loan.LoanID, target loan.Date) (days int, halted bool, err error) {
	for {
		if err := ctx.Err(); err != nil {
			return days, false, err
		}
		next, done, err := r.nextDay(ctx, id, target)
		if err != nil || done {
			return days, false, err
		}

		lock, err := r.Gate.Lock(ctx, id)
		if err != nil {
			return days, false, err
		}
		if lock != nil {
			r.Logger.Info("loan locked, catch-up halted",
				zap.String("loan_id", string(id)), zap.String("stage", string(lock.Stage)))
			return days, true, nil
		}
		if _, err := r.Gate.TakeLock(ctx, id, loan.StageChunkedCOB, "catch-up close of business"); err != nil {
			if errors.Is(err, loan.ErrLoanLocked) {
				return days, true, nil
			}
			return days, false, err
		}

		err = r.Closer.CloseDay(WithStage(ctx, loan.StageChunkedCOB), id, next)
		if rerr := r.Gate.ReleaseLock(context.WithoutCancel(ctx), id, loan.StageChunkedCOB); rerr != nil && err == nil {
			err = rerr
		}
		if err != nil {
			r.Logger.Error("close day failed",
				zap.String("loan_id", string(id)), zap.String("day", next.String()), zap.Error(err))
			return days, false, err
		}
		days++
	}
}
