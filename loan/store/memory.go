// Package store provides Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/loan-engine/loan"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu    sync.RWMutex
	loans map[loan.LoanID]*loan.Loan
	locks map[loan.LoanID]loan.LoanLock
	audit []loan.AuditEntry
}

func NewMemory() *Memory {
	return &Memory{
		loans: make(map[loan.LoanID]*loan.Loan),
		locks: make(map[loan.LoanID]loan.LoanLock),
	}
}

func (m *Memory) CreateLoan(_ context.Context, l *loan.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(l)
}

func (m *Memory) createLocked(l *loan.Loan) error {
	if _, ok := m.loans[l.ID]; ok {
		return loan.Invalid("id", "loan %s already exists", l.ID)
	}
	l.Version = 1
	m.loans[l.ID] = l.Clone()
	return nil
}

func (m *Memory) LoadLoan(_ context.Context, id loan.LoanID) (*loan.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadLocked(id)
}

func (m *Memory) loadLocked(id loan.LoanID) (*loan.Loan, error) {
	l, ok := m.loans[id]
	if !ok {
		return nil, fmt.Errorf("loan %s: %w", id, loan.ErrLoanNotFound)
	}
	return l.Clone(), nil
}

func (m *Memory) SaveLoan(_ context.Context, l *loan.Loan, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked(l, expectedVersion)
}

func (m *Memory) saveLocked(l *loan.Loan, expectedVersion int64) error {
	stored, ok := m.loans[l.ID]
	if !ok {
		return fmt.Errorf("loan %s: %w", l.ID, loan.ErrLoanNotFound)
	}
	if stored.Version != expectedVersion {
		return fmt.Errorf("loan %s at version %d, expected %d: %w",
			l.ID, stored.Version, expectedVersion, loan.ErrConcurrentModification)
	}
	l.Version = expectedVersion + 1
	m.loans[l.ID] = l.Clone()
	return nil
}

func (m *Memory) ListLoans(_ context.Context) ([]loan.LoanRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked(), nil
}

func (m *Memory) listLocked() []loan.LoanRef {
	refs := make([]loan.LoanRef, 0, len(m.loans))
	for _, l := range m.loans {
		ref := loan.LoanRef{ID: l.ID, Status: l.Status, ReplayState: l.ReplayState}
		if l.LastClosedBusinessDate != nil {
			d := *l.LastClosedBusinessDate
			ref.LastClosedBusinessDate = &d
		}
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs
}

func (m *Memory) LoansBehind(_ context.Context, cob loan.Date) ([]loan.LoanID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return behind(m.listLocked(), cob), nil
}

func behind(refs []loan.LoanRef, cob loan.Date) []loan.LoanID {
	var ids []loan.LoanID
	for _, r := range refs {
		if r.ReplayState == loan.ReplayFaulted {
			continue
		}
		if r.LastClosedBusinessDate == nil || r.LastClosedBusinessDate.Before(cob) {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

func (m *Memory) AppendAudit(_ context.Context, entry loan.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entry)
	return nil
}

func (m *Memory) QueryAudit(_ context.Context, filter loan.AuditFilter) ([]loan.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []loan.AuditEntry
	for _, e := range m.audit {
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// =============================================================================
// LOCKS
// =============================================================================

func (m *Memory) GetLock(_ context.Context, loanID loan.LoanID) (*loan.LoanLock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lock, ok := m.locks[loanID]
	if !ok {
		return nil, nil
	}
	return &lock, nil
}

func (m *Memory) PlaceLock(_ context.Context, lock loan.LoanLock) (loan.LoanLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.locks[lock.LoanID]; ok {
		if held.Stage == lock.Stage {
			return held, nil
		}
		return held, &loan.LockConflictError{LoanID: lock.LoanID, Held: held.Stage, Requested: lock.Stage}
	}
	if lock.AcquiredAt.IsZero() {
		lock.AcquiredAt = time.Now().UTC()
	}
	m.locks[lock.LoanID] = lock
	return lock, nil
}

func (m *Memory) ReleaseLock(_ context.Context, loanID loan.LoanID, stage loan.LockStage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	held, ok := m.locks[loanID]
	if !ok {
		return nil
	}
	if held.Stage != stage {
		return &loan.LockConflictError{LoanID: loanID, Held: held.Stage, Requested: stage}
	}
	delete(m.locks, loanID)
	return nil
}

func (m *Memory) ListLocks(_ context.Context) ([]loan.LoanLock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]loan.LoanLock, 0, len(m.locks))
	for _, l := range m.locks {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LoanID < out[j].LoanID })
	return out, nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(loan.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	view := &txMemoryView{parent: tm}

	if err := fn(view); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	loans map[loan.LoanID]*loan.Loan
	audit []loan.AuditEntry
}

func (tm *TxMemory) snapshot() memorySnapshot {
	loans := make(map[loan.LoanID]*loan.Loan, len(tm.loans))
	for id, l := range tm.loans {
		loans[id] = l
	}
	return memorySnapshot{loans: loans, audit: append([]loan.AuditEntry(nil), tm.audit...)}
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.loans = s.loans
	tm.audit = s.audit
}

// txMemoryView runs under the parent's write lock.
type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) CreateLoan(_ context.Context, l *loan.Loan) error {
	return tv.parent.createLocked(l)
}

func (tv *txMemoryView) LoadLoan(_ context.Context, id loan.LoanID) (*loan.Loan, error) {
	return tv.parent.loadLocked(id)
}

func (tv *txMemoryView) SaveLoan(_ context.Context, l *loan.Loan, expectedVersion int64) error {
	return tv.parent.saveLocked(l, expectedVersion)
}

func (tv *txMemoryView) ListLoans(_ context.Context) ([]loan.LoanRef, error) {
	return tv.parent.listLocked(), nil
}

func (tv *txMemoryView) LoansBehind(_ context.Context, cob loan.Date) ([]loan.LoanID, error) {
	return behind(tv.parent.listLocked(), cob), nil
}

func (tv *txMemoryView) AppendAudit(_ context.Context, entry loan.AuditEntry) error {
	tv.parent.audit = append(tv.parent.audit, entry)
	return nil
}
