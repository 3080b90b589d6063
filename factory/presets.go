package factory

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// PRESETS - ready-made schemes for demos and tests
// =============================================================================

// Bracket is a compact rule definition for presets.
type Bracket struct {
	MinSales   int
	MaxSales   *int // nil = unbounded
	Percentage float64
}

func ptr(v int) *int { return &v }

// StandardFinancedBrackets are the volume brackets used for financed sales
// with a 12-36 month term.
var StandardFinancedBrackets = []Bracket{
	{MinSales: 0, MaxSales: ptr(3), Percentage: 0},
	{MinSales: 4, MaxSales: ptr(5), Percentage: 2},
	{MinSales: 6, MaxSales: ptr(7), Percentage: 3},
	{MinSales: 8, MaxSales: nil, Percentage: 4},
}

// StandardScheme builds a default scheme with the standard financed brackets
// plus a flat cash rule.
func StandardScheme(name string, effectiveFrom time.Time, cashPercent float64) settlement.CommissionScheme {
	scheme := settlement.CommissionScheme{
		Name:          name,
		EffectiveFrom: settlement.DateOf(effectiveFrom),
		IsDefault:     true,
	}
	for _, b := range StandardFinancedBrackets {
		scheme.Rules = append(scheme.Rules, settlement.CommissionRule{
			MinSales:      b.MinSales,
			MaxSales:      b.MaxSales,
			TermMinMonths: ptr(12),
			TermMaxMonths: ptr(36),
			SaleType:      settlement.SaleFinanced,
			Percentage:    decimal.NewFromFloat(b.Percentage),
		})
	}
	scheme.Rules = append(scheme.Rules, settlement.CommissionRule{
		SaleType:   settlement.SaleCash,
		Percentage: decimal.NewFromFloat(cashPercent),
	})
	return scheme
}

// StandardSchemeJSON returns the JSON form of StandardScheme.
func StandardSchemeJSON(name, effectiveFrom string, cashPercent float64) string {
	return fmt.Sprintf(`{
  "name": %q,
  "effective_from": %q,
  "is_default": true,
  "rules": [
    {"min_sales": 0, "max_sales": 3, "term_min_months": 12, "term_max_months": 36, "sale_type": "financed", "percentage": 0},
    {"min_sales": 4, "max_sales": 5, "term_min_months": 12, "term_max_months": 36, "sale_type": "financed", "percentage": 2},
    {"min_sales": 6, "max_sales": 7, "term_min_months": 12, "term_max_months": 36, "sale_type": "financed", "percentage": 3},
    {"min_sales": 8, "term_min_months": 12, "term_max_months": 36, "sale_type": "financed", "percentage": 4},
    {"min_sales": 0, "sale_type": "cash", "percentage": %s}
  ]
}`, name, effectiveFrom, decimal.NewFromFloat(cashPercent).String())
}
