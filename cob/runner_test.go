package cob

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loan-engine/loan"
	"github.com/warp/loan-engine/loan/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// fakeCloser advances the loan's last closed date and records each call.
type fakeCloser struct {
	store *store.Memory
	gate  *Gate

	mu     sync.Mutex
	closed map[loan.LoanID][]loan.Date
	stages []loan.LockStage

	fail loan.LoanID
}

func (f *fakeCloser) CloseDay(ctx context.Context, id loan.LoanID, day loan.Date) error {
	return f.gate.Guard(ctx, id, func(ctx context.Context) error {
		if id == f.fail {
			return errors.New("boom")
		}
		l, err := f.store.LoadLoan(ctx, id)
		if err != nil {
			return err
		}
		d := day
		l.LastClosedBusinessDate = &d
		if err := f.store.SaveLoan(ctx, l, l.Version); err != nil {
			return err
		}
		stage, _ := StageFrom(ctx)
		f.mu.Lock()
		f.closed[id] = append(f.closed[id], day)
		f.stages = append(f.stages, stage)
		f.mu.Unlock()
		return nil
	})
}

func setupRunner(t *testing.T, business string, loans map[loan.LoanID]string) (*Runner, *fakeCloser, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	for id, last := range loans {
		l := &loan.Loan{ID: id, Terms: loan.Terms{DisbursementDate: loan.MustParseDate("2024-01-01")}, ReplayState: loan.ReplayIdle}
		if last != "" {
			d := loan.MustParseDate(last)
			l.LastClosedBusinessDate = &d
		}
		require.NoError(t, st.CreateLoan(context.Background(), l))
	}
	gate := NewGate(st, nil, nil)
	closer := &fakeCloser{store: st, gate: gate, closed: make(map[loan.LoanID][]loan.Date)}
	clock := loan.NewFixedClock(loan.MustParseDate(business))
	return NewRunner(gate, st, closer, clock, nil), closer, st
}

// =============================================================================
// INLINE
// =============================================================================

func TestInline_ClosesEveryMissingDayUnderInlineLock(t *testing.T) {
	runner, closer, st := setupRunner(t, "2024-03-05", map[loan.LoanID]string{"L1": "2024-03-01"})

	require.NoError(t, runner.Inline(context.Background(), []loan.LoanID{"L1"}))

	assert.Equal(t, []loan.Date{
		loan.MustParseDate("2024-03-02"),
		loan.MustParseDate("2024-03-03"),
		loan.MustParseDate("2024-03-04"),
	}, closer.closed["L1"])
	for _, s := range closer.stages {
		assert.Equal(t, loan.StageInlineCOB, s)
	}

	lock, err := st.GetLock(context.Background(), "L1")
	require.NoError(t, err)
	assert.Nil(t, lock, "inline lock is released")

	stale, err := runner.Stale(context.Background(), "L1")
	require.NoError(t, err)
	assert.False(t, stale)
}

func TestInline_ReleasesLockOnFailure(t *testing.T) {
	runner, closer, st := setupRunner(t, "2024-03-05", map[loan.LoanID]string{"L1": "2024-03-01"})
	closer.fail = "L1"

	err := runner.Inline(context.Background(), []loan.LoanID{"L1"})
	assert.Error(t, err)

	lock, err := st.GetLock(context.Background(), "L1")
	require.NoError(t, err)
	assert.Nil(t, lock)
}

func TestInline_ConflictsWithChunkLock(t *testing.T) {
	runner, _, _ := setupRunner(t, "2024-03-05", map[loan.LoanID]string{"L1": "2024-03-01"})
	_, err := runner.Gate.PlaceLock(context.Background(), "L1", loan.StageChunkedCOB, "")
	require.NoError(t, err)

	err = runner.Inline(context.Background(), []loan.LoanID{"L1"})
	assert.ErrorIs(t, err, loan.ErrLoanLocked)
}

func TestInline_LeavesForeignInlineLockInPlace(t *testing.T) {
	ctx := context.Background()
	runner, closer, st := setupRunner(t, "2024-03-05", map[loan.LoanID]string{"L1": "2024-03-01"})
	held, err := runner.Gate.PlaceLock(ctx, "L1", loan.StageInlineCOB, "operator hold")
	require.NoError(t, err)

	err = runner.Inline(ctx, []loan.LoanID{"L1"})
	assert.ErrorIs(t, err, loan.ErrLoanLocked)
	assert.True(t, loan.IsConflict(err))
	assert.Empty(t, closer.closed["L1"])

	lock, err := st.GetLock(ctx, "L1")
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, held.Owner, lock.Owner)
	assert.Equal(t, "operator hold", lock.Reason)
}

// =============================================================================
// CATCH-UP
// =============================================================================

func TestCatchUp_AdvancesAllLoansBehind(t *testing.T) {
	runner, closer, _ := setupRunner(t, "2024-03-05", map[loan.LoanID]string{
		"L1": "2024-03-01",
		"L2": "2024-03-03",
		"L3": "2024-03-04",
	})

	report, err := runner.CatchUp(context.Background())
	require.NoError(t, err)

	assert.Equal(t, map[loan.LoanID]int{"L1": 3, "L2": 1}, report.Advanced)
	assert.Equal(t, 4, report.DaysClosed())
	assert.Empty(t, report.Halted)
	assert.Empty(t, closer.closed["L3"])
	for _, s := range closer.stages {
		assert.Equal(t, loan.StageChunkedCOB, s)
	}
}

func TestCatchUp_HaltsLoanAlreadyLocked(t *testing.T) {
	runner, _, st := setupRunner(t, "2024-03-05", map[loan.LoanID]string{"L1": "2024-03-01"})
	_, err := st.PlaceLock(context.Background(), loan.LoanLock{LoanID: "L1", Stage: loan.StageInlineCOB})
	require.NoError(t, err)

	report, err := runner.CatchUp(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []loan.LoanID{"L1"}, report.Halted)
	assert.Zero(t, report.Advanced["L1"])
}

func TestCatchUp_RecordsFailures(t *testing.T) {
	runner, closer, _ := setupRunner(t, "2024-03-05", map[loan.LoanID]string{
		"L1": "2024-03-03",
		"L2": "2024-03-03",
	})
	closer.fail = "L1"

	report, err := runner.CatchUp(context.Background())
	require.NoError(t, err)
	assert.Contains(t, report.Failed, loan.LoanID("L1"))
	assert.Equal(t, 1, report.Advanced["L2"])
}
