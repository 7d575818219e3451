/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with loans
	demonstrating the replay engine: backdated charges, chargebacks,
	overpayment, vertical allocation and stale COB.

AVAILABLE SCENARIOS:

	backdated-penalty:         Penalty dated before two repayments re-allocates them
	chargeback-after-maturity: Chargeback on a repaid loan adds an installment
	overpaid-loan:             Payment beyond the balance leaves a credit
	vertical-allocation:       Interest-first allocation across overdue installments
	stale-cob:                 Loans behind the COB date, one chunk-locked

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Store the preset products via the factory
 3. Pin the business date when the clock is settable
 4. Create and disburse loans through the coordinator
 5. Submit transactions and charges

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "backdated-penalty"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Loan and transaction handlers
  - factory/product.go: Product presets
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/warp/loan-engine/factory"
	"github.com/warp/loan-engine/loan"
	"github.com/warp/loan-engine/replay"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "backdated-penalty",
		Name:        "Backdated Penalty",
		Description: "A penalty dated before two repayments pulls money away from principal",
		Category:    "replay",
	},
	{
		ID:          "chargeback-after-maturity",
		Name:        "Chargeback After Maturity",
		Description: "Charging back a repayment of a repaid loan creates an additional installment",
		Category:    "replay",
	},
	{
		ID:          "overpaid-loan",
		Name:        "Overpaid Loan",
		Description: "A payment beyond the outstanding balance is held as overpayment",
		Category:    "allocation",
	},
	{
		ID:          "vertical-allocation",
		Name:        "Vertical Allocation",
		Description: "Interest of every overdue installment is paid before any principal",
		Category:    "allocation",
	},
	{
		ID:          "stale-cob",
		Name:        "Stale COB",
		Description: "Loans three days behind the COB date; one is held by a chunk lock",
		Category:    "cob",
	},
}

const (
	standardProductID = "standard-usd"
	verticalProductID = "vertical-usd"
	termProductID     = "term-reduction-usd"
)

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}

	loaders := map[string]func(context.Context) error{
		"backdated-penalty":         h.loadBackdatedPenaltyScenario,
		"chargeback-after-maturity": h.loadChargebackScenario,
		"overpaid-loan":             h.loadOverpaidScenario,
		"vertical-allocation":       h.loadVerticalScenario,
		"stale-cob":                 h.loadStaleCOBScenario,
	}
	load, ok := loaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	if err := load(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.currentScenario = req.ScenarioID

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data and re-seeds the preset products.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) reset(ctx context.Context) error {
	h.currentScenario = ""
	if err := h.Store.Reset(ctx); err != nil {
		return err
	}
	return h.SeedProducts(ctx)
}

// SeedProducts stores the preset products.
func (h *Handler) SeedProducts(ctx context.Context) error {
	presets := []string{
		factory.StandardProductJSON(standardProductID, "USD"),
		factory.VerticalProductJSON(verticalProductID, "USD"),
		factory.LastInstallmentProductJSON(termProductID, "USD"),
	}
	for _, js := range presets {
		p, err := h.Products.ParseProduct(js)
		if err != nil {
			return err
		}
		if _, err := h.Store.SaveProduct(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadBackdatedPenaltyScenario(ctx context.Context) error {
	h.pinDate("2024-02-15")
	id, err := h.scenarioLoan(ctx, "loan-penalty", standardProductID, scenarioTerms("1000", 0, 1, "2024-01-01"))
	if err != nil {
		return err
	}
	for _, p := range []struct{ amount, date string }{
		{"500", "2024-01-10"}, {"450", "2024-01-20"}, {"100", "2024-02-01"},
	} {
		if err := h.scenarioPay(ctx, id, p.amount, p.date); err != nil {
			return err
		}
	}
	_, err = h.Coordinator.AddCharge(ctx, id, replay.ChargeRequest{
		Name:    "Late fee",
		Kind:    loan.ChargePenalty,
		Amount:  loan.MustParseMoney("50"),
		DueDate: loan.MustParseDate("2024-01-15"),
	})
	return err
}

func (h *Handler) loadChargebackScenario(ctx context.Context) error {
	h.pinDate("2024-03-15")
	id, err := h.scenarioLoan(ctx, "loan-chargeback", standardProductID, scenarioTerms("1000", 0, 1, "2024-01-01"))
	if err != nil {
		return err
	}
	res, err := h.Coordinator.Pay(ctx, id, replay.TransactionRequest{
		Amount: loan.MustParseMoney("1000"),
		Date:   loan.MustParseDate("2024-02-01"),
	})
	if err != nil {
		return err
	}
	_, err = h.Coordinator.Chargeback(ctx, id, res.Transaction.ID, replay.TransactionRequest{
		Amount: loan.MustParseMoney("200"),
		Date:   loan.MustParseDate("2024-03-01"),
	})
	return err
}

func (h *Handler) loadOverpaidScenario(ctx context.Context) error {
	h.pinDate("2024-04-15")
	id, err := h.scenarioLoan(ctx, "loan-overpaid", termProductID, scenarioTerms("300", 12, 3, "2024-01-01"))
	if err != nil {
		return err
	}
	if err := h.scenarioPay(ctx, id, "103", "2024-02-01"); err != nil {
		return err
	}
	return h.scenarioPay(ctx, id, "250", "2024-03-01")
}

func (h *Handler) loadVerticalScenario(ctx context.Context) error {
	h.pinDate("2024-04-15")
	id, err := h.scenarioLoan(ctx, "loan-vertical", verticalProductID, scenarioTerms("300", 12, 3, "2024-01-01"))
	if err != nil {
		return err
	}
	// Three installments overdue; 9 covers the interest of all three.
	return h.scenarioPay(ctx, id, "59", "2024-04-10")
}

func (h *Handler) loadStaleCOBScenario(ctx context.Context) error {
	fixed, settable := h.Clock.(*loan.FixedClock)
	if settable {
		fixed.Set(loan.MustParseDate("2024-03-01"))
	}
	for _, id := range []string{"loan-stale-1", "loan-stale-2"} {
		if _, err := h.scenarioLoan(ctx, id, standardProductID, scenarioTerms("300", 12, 3, "2024-01-01")); err != nil {
			return err
		}
	}
	if settable {
		fixed.Advance(3)
	}
	_, err := h.Coordinator.Gate.PlaceLock(ctx, "loan-stale-2", loan.StageChunkedCOB, "scenario: chunk in progress")
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

// pinDate sets the business date when the clock is settable.
func (h *Handler) pinDate(date string) {
	if fixed, ok := h.Clock.(*loan.FixedClock); ok {
		fixed.Set(loan.MustParseDate(date))
	}
}

func scenarioTerms(principal string, rate int64, repayments int, disbursed string) loan.Terms {
	d := loan.MustParseDate(disbursed)
	return loan.Terms{
		Principal:          loan.MustParseMoney(principal),
		AnnualInterestRate: decimal.NewFromInt(rate),
		NumberOfRepayments: repayments,
		RepaymentEvery:     1,
		Frequency:          loan.FrequencyMonths,
		SubmittedOn:        d,
		DisbursementDate:   d,
		RepaymentStart:     loan.StartFromDisbursement,
	}
}

func (h *Handler) scenarioLoan(ctx context.Context, id, productID string, terms loan.Terms) (loan.LoanID, error) {
	product, err := h.Store.GetProduct(ctx, productID)
	if err != nil {
		return "", err
	}
	l, err := h.Coordinator.CreateLoan(ctx, replay.CreateLoanRequest{
		ID:      loan.LoanID(id),
		Product: *product,
		Terms:   terms,
	})
	if err != nil {
		return "", err
	}
	if _, err := h.Coordinator.Disburse(ctx, l.ID, terms.Principal, terms.DisbursementDate, ""); err != nil {
		return "", err
	}
	return l.ID, nil
}

func (h *Handler) scenarioPay(ctx context.Context, id loan.LoanID, amount, date string) error {
	_, err := h.Coordinator.Pay(ctx, id, replay.TransactionRequest{
		Amount: loan.MustParseMoney(amount),
		Date:   loan.MustParseDate(date),
	})
	return err
}
