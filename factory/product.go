/*
Package factory provides JSON to Go product conversion.

PURPOSE:
  Converts JSON product definitions into loan.Product values. Allocation
  rules can be configured without code changes: operations define the
  bucket order per transaction type in JSON and the factory fills in
  defaults and validates the result.

JSON SCHEMA:
  {
    "id": "consumer-usd",
    "name": "Consumer USD",
    "currency": {"code": "USD", "scale": 2, "rounding": "half_even"},
    "processing_mode": "horizontal",
    "payment_allocation": [
      {
        "transaction_type": "default",
        "order": ["PAST_DUE_PENALTY", "PAST_DUE_FEE", ...],
        "future_installment_rule": "NEXT_INSTALLMENT"
      },
      {
        "transaction_type": "goodwill_credit",
        "future_installment_rule": "LAST_INSTALLMENT"
      }
    ],
    "credit_allocation": [
      {"transaction_type": "chargeback", "order": ["PENALTY", "FEE", "INTEREST", "PRINCIPAL"]}
    ]
  }

DEFAULTS:
  - currency scale from the known currency table, else 2; rounding half_even
  - processing_mode horizontal
  - a rule without "order" uses the default order
  - a rule without "future_installment_rule" uses NEXT_INSTALLMENT
  - a product without a "default" rule gets one
  - a product without credit_allocation gets the default chargeback order

USAGE:
  factory := NewProductFactory()
  product, err := factory.ParseProduct(jsonString)

SEE ALSO:
  - loan/policy.go: Product and rule types
*/
package factory

import (
	"encoding/json"
	"fmt"

	"github.com/warp/loan-engine/loan"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// ProductJSON is the JSON representation of a product.
type ProductJSON struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Currency       CurrencyJSON      `json:"currency"`
	ProcessingMode string            `json:"processing_mode,omitempty"`
	Payment        []PaymentRuleJSON `json:"payment_allocation,omitempty"`
	Credit         []CreditRuleJSON  `json:"credit_allocation,omitempty"`
}

type CurrencyJSON struct {
	Code     string `json:"code"`
	Scale    *int32 `json:"scale,omitempty"`
	Rounding string `json:"rounding,omitempty"`
}

type PaymentRuleJSON struct {
	TransactionType string   `json:"transaction_type"`
	Order           []string `json:"order,omitempty"`
	FutureRule      string   `json:"future_installment_rule,omitempty"`
}

type CreditRuleJSON struct {
	TransactionType string   `json:"transaction_type"`
	Order           []string `json:"order"`
}

// knownScales are minor-unit digits of common currencies.
var knownScales = map[string]int32{
	"USD": 2, "EUR": 2, "GBP": 2, "CHF": 2,
	"JPY": 0, "KRW": 0,
	"KWD": 3, "BHD": 3,
}

// =============================================================================
// PRODUCT FACTORY
// =============================================================================

// ProductFactory converts JSON products to loan.Product.
type ProductFactory struct{}

func NewProductFactory() *ProductFactory {
	return &ProductFactory{}
}

// ParseProduct parses and validates a JSON product.
func (f *ProductFactory) ParseProduct(jsonStr string) (loan.Product, error) {
	var pj ProductJSON
	if err := json.Unmarshal([]byte(jsonStr), &pj); err != nil {
		return loan.Product{}, fmt.Errorf("failed to parse product JSON: %w", err)
	}
	return f.FromJSON(pj)
}

// FromJSON converts ProductJSON to a validated loan.Product.
func (f *ProductFactory) FromJSON(pj ProductJSON) (loan.Product, error) {
	if pj.ID == "" {
		return loan.Product{}, fmt.Errorf("%w: product id is required", loan.ErrInvalidPolicy)
	}
	currency, err := parseCurrency(pj.Currency)
	if err != nil {
		return loan.Product{}, err
	}

	p := loan.Product{
		ID:             pj.ID,
		Name:           pj.Name,
		Currency:       currency,
		ProcessingMode: parseProcessingMode(pj.ProcessingMode),
		Version:        1,
	}
	if p.Name == "" {
		p.Name = pj.ID
	}

	hasDefault := false
	for _, rj := range pj.Payment {
		rule, err := parsePaymentRule(rj)
		if err != nil {
			return loan.Product{}, err
		}
		if rule.TransactionType == loan.TxDefault {
			hasDefault = true
		}
		p.PaymentRules = append(p.PaymentRules, rule)
	}
	if !hasDefault {
		p.PaymentRules = append(p.PaymentRules, loan.PaymentAllocationRule{
			TransactionType: loan.TxDefault,
			Order:           loan.DefaultAllocationOrder(),
			FutureRule:      loan.FutureNextInstallment,
		})
	}

	for _, cj := range pj.Credit {
		rule, err := parseCreditRule(cj)
		if err != nil {
			return loan.Product{}, err
		}
		p.CreditRules = append(p.CreditRules, rule)
	}
	if len(p.CreditRules) == 0 {
		p.CreditRules = []loan.CreditAllocationRule{{
			TransactionType: loan.TxChargeback,
			Order:           append([]loan.Bucket(nil), loan.DefaultCreditOrder...),
		}}
	}

	if err := p.Validate(); err != nil {
		return loan.Product{}, err
	}
	return p, nil
}

// ToJSON converts a product to its JSON form with every default spelled out.
func (f *ProductFactory) ToJSON(p loan.Product) ProductJSON {
	scale := p.Currency.Scale
	pj := ProductJSON{
		ID:   p.ID,
		Name: p.Name,
		Currency: CurrencyJSON{
			Code:     p.Currency.Code,
			Scale:    &scale,
			Rounding: string(p.Currency.Rounding),
		},
		ProcessingMode: string(p.ProcessingMode),
	}
	for _, r := range p.PaymentRules {
		rj := PaymentRuleJSON{TransactionType: string(r.TransactionType), FutureRule: string(r.FutureRule)}
		for _, at := range r.Order {
			rj.Order = append(rj.Order, at.String())
		}
		pj.Payment = append(pj.Payment, rj)
	}
	for _, r := range p.CreditRules {
		cj := CreditRuleJSON{TransactionType: string(r.TransactionType)}
		for _, b := range r.Order {
			cj.Order = append(cj.Order, string(b))
		}
		pj.Credit = append(pj.Credit, cj)
	}
	return pj
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseCurrency(cj CurrencyJSON) (loan.Currency, error) {
	c := loan.Currency{Code: cj.Code, Scale: 2, Rounding: loan.RoundHalfEven}
	if s, ok := knownScales[cj.Code]; ok {
		c.Scale = s
	}
	if cj.Scale != nil {
		c.Scale = *cj.Scale
	}
	if cj.Rounding != "" {
		c.Rounding = loan.Rounding(cj.Rounding)
	}
	if err := c.Validate(); err != nil {
		return loan.Currency{}, err
	}
	return c, nil
}

func parseProcessingMode(s string) loan.ProcessingMode {
	switch s {
	case "vertical":
		return loan.ProcessingVertical
	default:
		return loan.ProcessingHorizontal
	}
}

func parsePaymentRule(rj PaymentRuleJSON) (loan.PaymentAllocationRule, error) {
	rule := loan.PaymentAllocationRule{
		TransactionType: loan.TransactionType(rj.TransactionType),
		FutureRule:      loan.FutureInstallmentRule(rj.FutureRule),
	}
	if rule.TransactionType == "" {
		rule.TransactionType = loan.TxDefault
	}
	if rule.FutureRule == "" {
		rule.FutureRule = loan.FutureNextInstallment
	}
	if len(rj.Order) == 0 {
		rule.Order = loan.DefaultAllocationOrder()
		return rule, nil
	}
	for _, s := range rj.Order {
		at, err := loan.ParseAllocationType(s)
		if err != nil {
			return rule, err
		}
		rule.Order = append(rule.Order, at)
	}
	return rule, nil
}

func parseCreditRule(cj CreditRuleJSON) (loan.CreditAllocationRule, error) {
	rule := loan.CreditAllocationRule{TransactionType: loan.TransactionType(cj.TransactionType)}
	if rule.TransactionType == "" {
		rule.TransactionType = loan.TxChargeback
	}
	for _, s := range cj.Order {
		b := loan.Bucket(s)
		if !b.IsValid() {
			return rule, fmt.Errorf("%w: unknown bucket %q", loan.ErrInvalidPolicy, s)
		}
		rule.Order = append(rule.Order, b)
	}
	return rule, nil
}

// =============================================================================
// PRESET PRODUCTS
// =============================================================================

// StandardProductJSON is a horizontal product with the default order.
func StandardProductJSON(id, currency string) string {
	return fmt.Sprintf(`{
		"id": %q,
		"name": "Standard %s",
		"currency": {"code": %q},
		"processing_mode": "horizontal"
	}`, id, currency, currency)
}

// VerticalProductJSON settles each bucket across installments before the
// next bucket, interest first.
func VerticalProductJSON(id, currency string) string {
	return fmt.Sprintf(`{
		"id": %q,
		"name": "Vertical %s",
		"currency": {"code": %q},
		"processing_mode": "vertical",
		"payment_allocation": [{
			"transaction_type": "default",
			"order": [
				"PAST_DUE_INTEREST", "PAST_DUE_PENALTY", "PAST_DUE_FEE", "PAST_DUE_PRINCIPAL",
				"DUE_INTEREST", "DUE_PENALTY", "DUE_FEE", "DUE_PRINCIPAL",
				"IN_ADVANCE_INTEREST", "IN_ADVANCE_PENALTY", "IN_ADVANCE_FEE", "IN_ADVANCE_PRINCIPAL"
			],
			"future_installment_rule": "NEXT_INSTALLMENT"
		}]
	}`, id, currency, currency)
}

// LastInstallmentProductJSON sends prepayments to the end of the schedule,
// shortening the term instead of the next payment.
func LastInstallmentProductJSON(id, currency string) string {
	return fmt.Sprintf(`{
		"id": %q,
		"name": "Term reduction %s",
		"currency": {"code": %q},
		"payment_allocation": [
			{"transaction_type": "default", "future_installment_rule": "LAST_INSTALLMENT"},
			{"transaction_type": "goodwill_credit", "future_installment_rule": "REAMORTIZATION"}
		]
	}`, id, currency, currency)
}
