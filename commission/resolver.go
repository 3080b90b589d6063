/*
Package commission decides what an employee earns on a contract and when
that commission becomes payable.

PURPOSE:
  Three parts, all operating on the entities of package settlement:
  - Resolve: pure bracket lookup of the applicable CommissionRule
  - Granter: creates the Commission record once, at signing
  - Pipeline: consumes payment events and advances verification status

RULE RESOLUTION:
  1. Schemes whose [EffectiveFrom, EffectiveTo] window contains the date.
     If none is active, the default scheme.
  2. MinSales <= period sales <= MaxSales (nil = unbounded)
  3. TermMinMonths <= contract term <= TermMaxMonths (nil = unbounded)
  4. rule SaleType equals the contract's, or is "both"
  Highest Priority wins. Equal priorities go to the lowest rule ID so the
  result never depends on input order.

EXAMPLE:
  m, err := commission.Resolve(schemes, 4, settlement.SaleFinanced, 24, signedAt)
  if errors.Is(err, commission.ErrNoMatchingRule) {
      // zero commission, still a valid grant
  }

SEE ALSO:
  - grant.go: uses Resolve to fix the commission amount
  - verification.go: payment-dependent verification
*/
package commission

import (
	"errors"
	"time"

	"github.com/warp/settlement-engine/settlement"
)

// ErrNoMatchingRule is a business state, not a failure: the grant records a
// zero commission.
var ErrNoMatchingRule = errors.New("no matching commission rule")

// Match is the rule selected for a sale, with the scheme it belongs to.
type Match struct {
	Scheme settlement.CommissionScheme
	Rule   settlement.CommissionRule
}

// Resolve selects the applicable rule. It has no side effects.
func Resolve(schemes []settlement.CommissionScheme, periodSales int, saleType settlement.SaleType, termMonths int, asOf time.Time) (Match, error) {
	day := settlement.DateOf(asOf)

	candidates := activeSchemes(schemes, day)
	if len(candidates) == 0 {
		candidates = defaultSchemes(schemes)
	}

	var (
		best  Match
		found bool
	)
	for _, scheme := range candidates {
		for _, rule := range scheme.Rules {
			if !Matches(rule, periodSales, saleType, termMonths) {
				continue
			}
			if !found || better(rule, best.Rule) {
				best = Match{Scheme: scheme, Rule: rule}
				found = true
			}
		}
	}
	if !found {
		return Match{}, ErrNoMatchingRule
	}
	return best, nil
}

// Matches reports whether a single rule applies to the sale.
func Matches(rule settlement.CommissionRule, periodSales int, saleType settlement.SaleType, termMonths int) bool {
	if periodSales < rule.MinSales {
		return false
	}
	if rule.MaxSales != nil && periodSales > *rule.MaxSales {
		return false
	}
	if rule.TermMinMonths != nil && termMonths < *rule.TermMinMonths {
		return false
	}
	if rule.TermMaxMonths != nil && termMonths > *rule.TermMaxMonths {
		return false
	}
	return rule.SaleType == settlement.SaleBoth || rule.SaleType == saleType
}

func better(a, b settlement.CommissionRule) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.ID < b.ID
}

func activeSchemes(schemes []settlement.CommissionScheme, day time.Time) []settlement.CommissionScheme {
	var out []settlement.CommissionScheme
	for _, s := range schemes {
		if s.ActiveAt(day) {
			out = append(out, s)
		}
	}
	return out
}

// defaultSchemes returns the default scheme with the lowest ID, if any.
func defaultSchemes(schemes []settlement.CommissionScheme) []settlement.CommissionScheme {
	var (
		def   settlement.CommissionScheme
		found bool
	)
	for _, s := range schemes {
		if s.IsDefault && (!found || s.ID < def.ID) {
			def = s
			found = true
		}
	}
	if !found {
		return nil
	}
	return []settlement.CommissionScheme{def}
}
