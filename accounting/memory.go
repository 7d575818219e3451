package accounting

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/loan-engine/loan"
)

// MemoryPoster keeps postings in memory. Used by tests and the demo server.
type MemoryPoster struct {
	mu       sync.RWMutex
	byKey    map[string]Posting
	postings []Posting
}

func NewMemoryPoster() *MemoryPoster {
	return &MemoryPoster{byKey: make(map[string]Posting)}
}

func (m *MemoryPoster) Post(_ context.Context, p Posting) error {
	if !p.Balanced() {
		return &loan.ValidationError{Field: "lines", Message: "posting " + p.Key + " is not balanced", Err: loan.ErrInvariantViolation}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byKey[p.Key]; ok {
		return nil
	}
	m.byKey[p.Key] = p
	m.postings = append(m.postings, p)
	return nil
}

// Postings returns the postings of a loan in the order they were accepted.
func (m *MemoryPoster) Postings(loanID loan.LoanID) []Posting {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Posting
	for _, p := range m.postings {
		if p.LoanID == loanID {
			out = append(out, p)
		}
	}
	return out
}

// Balance is the net debit balance of role for a loan.
func (m *MemoryPoster) Balance(loanID loan.LoanID, role Role) loan.Money {
	total := loan.Zero()
	for _, p := range m.Postings(loanID) {
		for _, l := range p.Lines {
			if l.Role != role {
				continue
			}
			if l.Side == Debit {
				total = total.Add(l.Amount)
			} else {
				total = total.Sub(l.Amount)
			}
		}
	}
	return total
}

// Keys returns every accepted key, sorted.
func (m *MemoryPoster) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.byKey))
	for k := range m.byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
