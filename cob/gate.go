package cob

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/loan-engine/loan"
)

// =============================================================================
// GATE - Stage locks and the mutation guard
// =============================================================================

// DefaultLockTimeout bounds how long a mutation waits for a busy loan.
const DefaultLockTimeout = 5 * time.Second

type Gate struct {
	Locks   loan.LockStore
	Mutex   Mutex
	Timeout time.Duration
	Logger  *zap.Logger
}

func NewGate(locks loan.LockStore, mutex Mutex, logger *zap.Logger) *Gate {
	if mutex == nil {
		mutex = NewLocalMutex()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		Locks:   locks,
		Mutex:   mutex,
		Timeout: DefaultLockTimeout,
		Logger:  logger.Named("cob.gate"),
	}
}

type stageKey struct{}

// WithStage marks ctx as running on behalf of the holder of stage. Guard
// lets such callers through a lock of the same stage.
func WithStage(ctx context.Context, stage loan.LockStage) context.Context {
	return context.WithValue(ctx, stageKey{}, stage)
}

// StageFrom returns the stage carried by ctx.
func StageFrom(ctx context.Context) (loan.LockStage, bool) {
	stage, ok := ctx.Value(stageKey{}).(loan.LockStage)
	return stage, ok
}

// PlaceLock locks a loan for stage. Placing the stage already held is a
// no-op; a different stage is a conflict.
func (g *Gate) PlaceLock(ctx context.Context, loanID loan.LoanID, stage loan.LockStage, reason string) (loan.LoanLock, error) {
	if !stage.IsValid() {
		return loan.LoanLock{}, loan.Invalid("stage", "unknown lock stage %q", stage)
	}
	lock, err := g.Locks.PlaceLock(ctx, loan.LoanLock{
		LoanID:     loanID,
		Stage:      stage,
		Reason:     reason,
		Owner:      uuid.NewString(),
		AcquiredAt: time.Now().UTC(),
	})
	if err != nil {
		return lock, err
	}
	g.Logger.Debug("lock placed", zap.String("loan_id", string(loanID)), zap.String("stage", string(stage)))
	return lock, nil
}

// TakeLock places a fresh lock for stage and fails with a LockedError when
// the loan already carries any lock, including one of the same stage.
// Only the caller that took the lock may release it.
func (g *Gate) TakeLock(ctx context.Context, loanID loan.LoanID, stage loan.LockStage, reason string) (loan.LoanLock, error) {
	if !stage.IsValid() {
		return loan.LoanLock{}, loan.Invalid("stage", "unknown lock stage %q", stage)
	}
	owner := uuid.NewString()
	lock, err := g.Locks.PlaceLock(ctx, loan.LoanLock{
		LoanID:     loanID,
		Stage:      stage,
		Reason:     reason,
		Owner:      owner,
		AcquiredAt: time.Now().UTC(),
	})
	if err != nil {
		var conflict *loan.LockConflictError
		if errors.As(err, &conflict) {
			return lock, &loan.LockedError{LoanID: loanID, Stage: conflict.Held}
		}
		return lock, err
	}
	if lock.Owner != owner {
		return lock, &loan.LockedError{LoanID: loanID, Stage: lock.Stage}
	}
	g.Logger.Debug("lock taken", zap.String("loan_id", string(loanID)), zap.String("stage", string(stage)))
	return lock, nil
}

// ReleaseLock removes the lock held by stage.
func (g *Gate) ReleaseLock(ctx context.Context, loanID loan.LoanID, stage loan.LockStage) error {
	if err := g.Locks.ReleaseLock(ctx, loanID, stage); err != nil {
		return err
	}
	g.Logger.Debug("lock released", zap.String("loan_id", string(loanID)), zap.String("stage", string(stage)))
	return nil
}

// Lock returns the current lock of a loan, or nil.
func (g *Gate) Lock(ctx context.Context, loanID loan.LoanID) (*loan.LoanLock, error) {
	return g.Locks.GetLock(ctx, loanID)
}

// Guard runs fn inside the loan's critical section. It fails with a
// LockTimeoutError when the section stays busy past Timeout and with a
// LockedError when a stage lock is held that ctx does not carry.
func (g *Gate) Guard(ctx context.Context, loanID loan.LoanID, fn func(ctx context.Context) error) error {
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	release, err := g.Mutex.Acquire(waitCtx, string(loanID))
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			g.Logger.Warn("lock wait timed out", zap.String("loan_id", string(loanID)), zap.Duration("waited", timeout))
			return &loan.LockTimeoutError{LoanID: loanID, Waited: timeout}
		}
		return fmt.Errorf("enter loan %s: %w", loanID, err)
	}
	defer release()

	lock, err := g.Locks.GetLock(ctx, loanID)
	if err != nil {
		return fmt.Errorf("read lock of loan %s: %w", loanID, err)
	}
	if lock != nil {
		if held, ok := StageFrom(ctx); !ok || held != lock.Stage {
			return &loan.LockedError{LoanID: loanID, Stage: lock.Stage}
		}
	}
	return fn(ctx)
}
