/*
handlers_test.go - HTTP tests for the loan API

Tests for:
- Product catalog endpoints
- Loan creation, transactions, reversal and chargeback
- Error status mapping (400/404/409/423)
- Lock, inline COB, catch-up and business date endpoints
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loan-engine/accounting"
	"github.com/warp/loan-engine/cob"
	"github.com/warp/loan-engine/loan"
	"github.com/warp/loan-engine/replay"
	"github.com/warp/loan-engine/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type testServer struct {
	handler *Handler
	router  http.Handler
	store   *sqlite.Store
	clock   *loan.FixedClock
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := loan.NewFixedClock(loan.MustParseDate("2024-06-01"))
	gate := cob.NewGate(store, nil, nil)
	coord := replay.NewCoordinator(store, gate, accounting.NewMemoryPoster(), clock, nil)
	runner := cob.NewRunner(gate, store, coord, clock, nil)

	h := NewHandler(store, coord, runner, clock, nil)
	require.NoError(t, h.SeedProducts(context.Background()))

	return &testServer{handler: h, router: NewRouter(h, RouterOptions{}), store: store, clock: clock}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// createLoan creates and disburses 300 at 12% flat over three months from 2024-01-01.
func (s *testServer) createLoan(t *testing.T, id string) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/loans", CreateLoanRequest{
		ID:        id,
		ProductID: standardProductID,
		Terms:     scenarioTerms("300", 12, 3, "2024-01-01"),
		Disburse:  true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (s *testServer) pay(t *testing.T, id, amount, date string) *httptest.ResponseRecorder {
	t.Helper()
	return s.do(t, http.MethodPost, "/api/loans/"+id+"/transactions", map[string]string{
		"amount": amount,
		"date":   date,
	})
}

// =============================================================================
// PRODUCTS
// =============================================================================

func TestProducts(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/products", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]ProductDTO](t, rec), 3)

	rec = s.do(t, http.MethodPost, "/api/products", map[string]any{
		"config": map[string]any{
			"id":              "eur-vertical",
			"currency":        map[string]any{"code": "EUR"},
			"processing_mode": "vertical",
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[ProductDTO](t, rec)
	assert.Equal(t, 1, created.Version)
	assert.Equal(t, "vertical", created.Config.ProcessingMode)

	rec = s.do(t, http.MethodGet, "/api/products/eur-vertical", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/products/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/products", map[string]any{
		"config": map[string]any{"id": "bad", "currency": map[string]any{"code": "USD", "rounding": "up"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// LOANS AND TRANSACTIONS
// =============================================================================

func TestCreateLoan(t *testing.T) {
	s := newTestServer(t)
	s.createLoan(t, "L1")

	rec := s.do(t, http.MethodGet, "/api/loans/L1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	l := decodeBody[loan.Loan](t, rec)
	assert.Len(t, l.Schedule, 3)
	require.Len(t, l.Transactions, 1)
	assert.Equal(t, loan.TxDisbursement, l.Transactions[0].Type)

	rec = s.do(t, http.MethodGet, "/api/loans", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[[]LoanSummaryDTO](t, rec)
	require.Len(t, list, 1)
	assert.False(t, list[0].Locked)

	rec = s.do(t, http.MethodPost, "/api/loans", CreateLoanRequest{ID: "L2", ProductID: "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/loans/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRepaymentAndReversal(t *testing.T) {
	// GIVEN: a disbursed loan with one repayment
	s := newTestServer(t)
	s.createLoan(t, "L1")

	rec := s.pay(t, "L1", "103", "2024-02-01")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decodeBody[replay.Result](t, rec)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, loan.TxRepayment, res.Transaction.Type)
	assert.True(t, res.Loan.Schedule[0].Completed)

	// WHEN: the repayment is reversed
	path := fmt.Sprintf("/api/loans/L1/transactions/%d/reverse", res.Transaction.ID)
	rec = s.do(t, http.MethodPost, path, nil)

	// THEN: the installment is open again and a second reversal conflicts
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	reversed := decodeBody[replay.Result](t, rec)
	assert.False(t, reversed.Loan.Schedule[0].Completed)

	rec = s.do(t, http.MethodPost, path, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", decodeBody[ErrorResponse](t, rec).Code)

	rec = s.do(t, http.MethodPost, "/api/loans/L1/transactions/999/reverse", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/loans/L1/transactions/abc/reverse", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitTransaction_Invalid(t *testing.T) {
	s := newTestServer(t)
	s.createLoan(t, "L1")

	rec := s.pay(t, "L1", "-5", "2024-02-01")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.pay(t, "L1", "10", "2024-07-01")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "date after the business date")

	req := httptest.NewRequest(http.MethodPost, "/api/loans/L1/transactions", bytes.NewBufferString("{"))
	out := httptest.NewRecorder()
	s.router.ServeHTTP(out, req)
	assert.Equal(t, http.StatusBadRequest, out.Code)
}

func TestChargeback(t *testing.T) {
	s := newTestServer(t)
	s.createLoan(t, "L1")
	res := decodeBody[replay.Result](t, s.pay(t, "L1", "103", "2024-02-01"))

	path := fmt.Sprintf("/api/loans/L1/transactions/%d/chargeback", res.Transaction.ID)
	rec := s.do(t, http.MethodPost, path, map[string]string{"amount": "50", "date": "2024-02-10"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, loan.TxChargeback, decodeBody[replay.Result](t, rec).Transaction.Type)

	rec = s.do(t, http.MethodPost, path, map[string]string{"amount": "60", "date": "2024-02-10"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "over refund")

	// A charged-back repayment cannot be reversed
	rec = s.do(t, http.MethodPost, fmt.Sprintf("/api/loans/L1/transactions/%d/reverse", res.Transaction.ID), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestReverseBatch_PartialFailure(t *testing.T) {
	s := newTestServer(t)
	s.createLoan(t, "L1")
	r1 := decodeBody[replay.Result](t, s.pay(t, "L1", "50", "2024-01-15"))
	r2 := decodeBody[replay.Result](t, s.pay(t, "L1", "50", "2024-01-20"))

	rec := s.do(t, http.MethodPost, "/api/loans/L1/transactions/reverse-batch", ReverseBatchRequest{
		TransactionIDs: []loan.TransactionID{r1.Transaction.ID, 999, r2.Transaction.ID},
	})
	require.Equal(t, http.StatusMultiStatus, rec.Code, rec.Body.String())
	out := decodeBody[BatchResponse](t, rec)
	assert.Equal(t, 1, out.Failed)
	assert.True(t, out.Items[0].OK)
	assert.False(t, out.Items[1].OK)
	assert.True(t, out.Items[2].OK)

	rec = s.do(t, http.MethodPost, "/api/loans/L1/transactions/reverse-batch", ReverseBatchRequest{
		TransactionIDs: []loan.TransactionID{r1.Transaction.ID},
		Mode:           replay.BatchAtomic,
	})
	assert.Equal(t, http.StatusConflict, rec.Code, "already reversed aborts the atomic batch")
}

func TestCharges(t *testing.T) {
	s := newTestServer(t)
	s.createLoan(t, "L1")

	rec := s.do(t, http.MethodPost, "/api/loans/L1/charges", ChargeRequest{
		Name:    "Late fee",
		Kind:    loan.ChargePenalty,
		Amount:  loan.MustParseMoney("10"),
		DueDate: loan.MustParseDate("2024-02-05"),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	charge := decodeBody[replay.Result](t, rec).Charge
	require.NotNil(t, charge)

	rec = s.do(t, http.MethodPost, fmt.Sprintf("/api/loans/L1/charges/%d/waive", charge.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, loan.TxChargeWaiver, decodeBody[replay.Result](t, rec).Transaction.Type)

	rec = s.do(t, http.MethodDelete, "/api/loans/L1/charges/77", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuditRecordsActor(t *testing.T) {
	s := newTestServer(t)
	s.createLoan(t, "L1")

	rec := s.do(t, http.MethodPost, "/api/loans/L1/transactions",
		map[string]string{"amount": "10", "date": "2024-01-10"}, ActorHeader, "teller-7")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/loans/L1/audit?action="+string(loan.AuditTransaction), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decodeBody[[]loan.AuditEntry](t, rec)
	require.NotEmpty(t, entries)
	assert.Equal(t, "teller-7", entries[len(entries)-1].ActorID)
}

// =============================================================================
// LOCKS AND COB
// =============================================================================

func TestLockedLoanRejectsMutations(t *testing.T) {
	s := newTestServer(t)
	s.createLoan(t, "L1")

	rec := s.do(t, http.MethodGet, "/api/loans/L1/lock", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/loans/L1/lock", PlaceLockRequest{Stage: loan.StageChunkedCOB})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/loans/L1/lock", PlaceLockRequest{Stage: loan.StageInlineCOB})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.pay(t, "L1", "10", "2024-01-10")
	assert.Equal(t, http.StatusLocked, rec.Code)
	assert.Equal(t, "locked", decodeBody[ErrorResponse](t, rec).Code)

	rec = s.do(t, http.MethodGet, "/api/loans", nil)
	assert.True(t, decodeBody[[]LoanSummaryDTO](t, rec)[0].Locked)

	rec = s.do(t, http.MethodDelete, "/api/loans/L1/lock?stage="+string(loan.StageChunkedCOB), nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.pay(t, "L1", "10", "2024-01-10")
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodDelete, "/api/loans/L1/lock?stage=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInlineCOBBeforeMutation(t *testing.T) {
	// GIVEN: a loan two days behind the COB date
	s := newTestServer(t)
	s.createLoan(t, "L1")
	s.clock.Advance(2)

	// WHEN: a payment arrives
	rec := s.pay(t, "L1", "10", "2024-01-10")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// THEN: the missing days were closed first and the lock is gone
	l := decodeBody[replay.Result](t, rec).Loan
	require.NotNil(t, l.LastClosedBusinessDate)
	assert.Equal(t, s.clock.COBDate(), *l.LastClosedBusinessDate)

	lock, err := s.store.GetLock(context.Background(), "L1")
	require.NoError(t, err)
	assert.Nil(t, lock)
}

func TestInlineCOBKeepsHeldInlineLock(t *testing.T) {
	// GIVEN: a stale loan an operator locked for inline COB
	s := newTestServer(t)
	s.createLoan(t, "L1")
	rec := s.do(t, http.MethodPost, "/api/loans/L1/lock", PlaceLockRequest{Stage: loan.StageInlineCOB, Reason: "operator hold"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	s.clock.Advance(2)

	// WHEN: a payment arrives
	rec = s.pay(t, "L1", "10", "2024-01-10")

	// THEN: it is rejected and the operator's lock survives
	assert.Equal(t, http.StatusLocked, rec.Code, rec.Body.String())
	lock, err := s.store.GetLock(context.Background(), "L1")
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, loan.StageInlineCOB, lock.Stage)
	assert.Equal(t, "operator hold", lock.Reason)

	rec = s.do(t, http.MethodPost, "/api/loans/L1/cob", nil)
	assert.Equal(t, http.StatusLocked, rec.Code)
}

func TestInlineCOBDisabled(t *testing.T) {
	s := newTestServer(t)
	s.handler.InlineCOB = false
	s.createLoan(t, "L1")
	s.clock.Advance(2)

	rec := s.pay(t, "L1", "10", "2024-01-10")
	require.Equal(t, http.StatusCreated, rec.Code)
	l := decodeBody[replay.Result](t, rec).Loan
	assert.True(t, l.LastClosedBusinessDate.Before(s.clock.COBDate()))
}

func TestRunLoanCOB(t *testing.T) {
	s := newTestServer(t)
	s.createLoan(t, "L1")
	s.clock.Advance(1)

	rec := s.do(t, http.MethodPost, "/api/loans/L1/cob", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	l := decodeBody[loan.Loan](t, rec)
	assert.Equal(t, s.clock.COBDate(), *l.LastClosedBusinessDate)
}

func TestCatchUpAndRuns(t *testing.T) {
	s := newTestServer(t)
	s.createLoan(t, "L1")
	s.createLoan(t, "L2")
	s.clock.Advance(3)

	rec := s.do(t, http.MethodPost, "/api/cob/catch-up", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	run := decodeBody[COBRunDTO](t, rec)
	assert.Equal(t, 6, run.DaysClosed)
	assert.Equal(t, map[string]int{"L1": 3, "L2": 3}, run.Advanced)

	rec = s.do(t, http.MethodGet, "/api/cob/runs?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decodeBody[[]COBRunDTO](t, rec)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)

	rec = s.do(t, http.MethodGet, "/api/cob/runs?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBusinessDate(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/business-date", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[BusinessDateDTO](t, rec)
	assert.Equal(t, loan.MustParseDate("2024-06-01"), got.BusinessDate)
	assert.Equal(t, loan.MustParseDate("2024-05-31"), got.COBDate)
	assert.True(t, got.Settable)

	rec = s.do(t, http.MethodPut, "/api/business-date", SetBusinessDateRequest{Date: loan.MustParseDate("2024-07-01")})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, loan.MustParseDate("2024-07-01"), s.clock.BusinessDate())

	s.handler.Clock = loan.SystemClock{}
	rec = s.do(t, http.MethodPut, "/api/business-date", SetBusinessDateRequest{Date: loan.MustParseDate("2024-07-02")})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestScheduler_RunNow(t *testing.T) {
	s := newTestServer(t)
	s.createLoan(t, "L1")
	sched := NewCOBScheduler(s.handler, nil)

	assert.False(t, sched.RunNow(context.Background()), "nothing behind")

	s.clock.Advance(2)
	assert.True(t, sched.RunNow(context.Background()))

	runs, err := s.store.GetCOBRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 2, runs[0].DaysClosed)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"locked", &loan.LockedError{LoanID: "L1", Stage: loan.StageChunkedCOB}, http.StatusLocked},
		{"timeout", &loan.LockTimeoutError{LoanID: "L1"}, http.StatusServiceUnavailable},
		{"not found", fmt.Errorf("load: %w", loan.ErrLoanNotFound), http.StatusNotFound},
		{"validation", loan.Invalid("amount", "must be positive"), http.StatusBadRequest},
		{"already reversed", loan.ErrAlreadyReversed, http.StatusConflict},
		{"stale version", loan.ErrConcurrentModification, http.StatusConflict},
		{"faulted", loan.ErrLoanFaulted, http.StatusInternalServerError},
		{"unknown", errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := statusFor(tt.err)
			assert.Equal(t, tt.want, got)
		})
	}
}
