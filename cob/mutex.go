/*
Package cob guards loans against concurrent mutation and runs close of
business.

PURPOSE:
  Two mechanisms keep replay safe:

  1. A per-loan critical section (Mutex). Every mutation of a loan runs
     inside it, so two reversals of the same loan replay one after the
     other while different loans proceed in parallel.

  2. A persisted stage lock (loan.LoanLock). While close of business is
     working on a loan, mutations from anyone not holding that stage are
     rejected instead of queued.

KEY TYPES:
  - Mutex: LocalMutex (one process) or RedisMutex (several instances)
  - Gate: Lock placement plus the Guard every mutation goes through
  - Runner: Inline COB and the catch-up worker pool

SEE ALSO:
  - ../replay/coordinator.go: Mutations run inside Gate.Guard
  - ../api/scheduler.go: Periodic catch-up
*/
package cob

import (
	"context"
	"sync"
)

// =============================================================================
// MUTEX - Per-loan critical section
// =============================================================================

// Mutex serializes work per key. Acquire blocks until the key is free or ctx
// is done; the returned func releases the key.
type Mutex interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// LocalMutex is an in-process Mutex with one slot per key.
type LocalMutex struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewLocalMutex() *LocalMutex {
	return &LocalMutex{slots: make(map[string]chan struct{})}
}

func (m *LocalMutex) slot(key string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		m.slots[key] = ch
	}
	return ch
}

func (m *LocalMutex) Acquire(ctx context.Context, key string) (func(), error) {
	ch := m.slot(key)
	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
