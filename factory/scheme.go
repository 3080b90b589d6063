/*
Package factory provides JSON to Go commission scheme conversion.

PURPOSE:
  Converts JSON scheme definitions into settlement.CommissionScheme values,
  so that commission brackets can be configured by back-office staff and
  stored or versioned without code changes.

JSON SCHEMA:
  {
    "name": "Standard 2024",
    "effective_from": "2024-01-01",
    "effective_to": "2024-12-31",
    "is_default": true,
    "rules": [
      {"min_sales": 0, "max_sales": 3, "sale_type": "financed",
       "term_min_months": 12, "term_max_months": 36, "percentage": "0"},
      {"min_sales": 4, "max_sales": 5, "sale_type": "financed",
       "term_min_months": 12, "term_max_months": 36, "percentage": "2"}
    ]
  }

VALIDATION:
  Struct tags are checked with go-playground/validator. Cross-field rules
  (max >= min, percentage within 0..100) are checked by hand afterwards.

USAGE:
  f := factory.NewSchemeFactory()
  scheme, err := f.ParseScheme(jsonString)
  scheme, err = store.SaveScheme(ctx, scheme)

SEE ALSO:
  - settlement/commission.go: CommissionScheme and CommissionRule
  - commission/resolver.go: rule selection
*/
package factory

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/settlement"
)

// ErrInvalidScheme wraps every validation failure.
var ErrInvalidScheme = errors.New("invalid commission scheme")

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// SchemeJSON is the JSON representation of a commission scheme.
type SchemeJSON struct {
	ID            int64      `json:"id,omitempty"`
	Name          string     `json:"name" validate:"required,max=200"`
	EffectiveFrom string     `json:"effective_from" validate:"required,datetime=2006-01-02"`
	EffectiveTo   *string    `json:"effective_to,omitempty" validate:"omitempty,datetime=2006-01-02"`
	IsDefault     bool       `json:"is_default,omitempty"`
	Rules         []RuleJSON `json:"rules" validate:"dive"`
}

// RuleJSON represents one bracket. Percentage accepts a JSON number or string.
type RuleJSON struct {
	ID            int64           `json:"id,omitempty"`
	MinSales      int             `json:"min_sales" validate:"gte=0"`
	MaxSales      *int            `json:"max_sales,omitempty" validate:"omitempty,gte=0"`
	TermMinMonths *int            `json:"term_min_months,omitempty" validate:"omitempty,gte=0"`
	TermMaxMonths *int            `json:"term_max_months,omitempty" validate:"omitempty,gte=0"`
	SaleType      string          `json:"sale_type" validate:"required,oneof=cash financed both"`
	Percentage    decimal.Decimal `json:"percentage"`
	Priority      int             `json:"priority,omitempty"`
}

// =============================================================================
// SCHEME FACTORY
// =============================================================================

// SchemeFactory converts JSON schemes to settlement types.
type SchemeFactory struct {
	validate *validator.Validate
}

func NewSchemeFactory() *SchemeFactory {
	return &SchemeFactory{validate: validator.New()}
}

// ParseScheme parses a JSON string into a CommissionScheme.
func (f *SchemeFactory) ParseScheme(jsonStr string) (settlement.CommissionScheme, error) {
	var sj SchemeJSON
	if err := json.Unmarshal([]byte(jsonStr), &sj); err != nil {
		return settlement.CommissionScheme{}, fmt.Errorf("failed to parse scheme JSON: %w", err)
	}
	return f.FromJSON(sj)
}

// FromJSON validates sj and converts it.
func (f *SchemeFactory) FromJSON(sj SchemeJSON) (settlement.CommissionScheme, error) {
	if err := f.validate.Struct(sj); err != nil {
		return settlement.CommissionScheme{}, fmt.Errorf("%w: %v", ErrInvalidScheme, err)
	}

	from, _ := time.Parse(settlement.DateLayout, sj.EffectiveFrom)
	scheme := settlement.CommissionScheme{
		ID:            settlement.SchemeID(sj.ID),
		Name:          sj.Name,
		EffectiveFrom: from,
		IsDefault:     sj.IsDefault,
	}
	if sj.EffectiveTo != nil {
		to, _ := time.Parse(settlement.DateLayout, *sj.EffectiveTo)
		if to.Before(from) {
			return settlement.CommissionScheme{}, fmt.Errorf("%w: effective_to %s before effective_from %s", ErrInvalidScheme, *sj.EffectiveTo, sj.EffectiveFrom)
		}
		scheme.EffectiveTo = &to
	}

	hundred := decimal.NewFromInt(100)
	for i, rj := range sj.Rules {
		if rj.Percentage.IsNegative() || rj.Percentage.GreaterThan(hundred) {
			return settlement.CommissionScheme{}, fmt.Errorf("%w: rule %d percentage %s outside 0..100", ErrInvalidScheme, i, rj.Percentage)
		}
		if rj.MaxSales != nil && *rj.MaxSales < rj.MinSales {
			return settlement.CommissionScheme{}, fmt.Errorf("%w: rule %d max_sales below min_sales", ErrInvalidScheme, i)
		}
		if rj.TermMinMonths != nil && rj.TermMaxMonths != nil && *rj.TermMaxMonths < *rj.TermMinMonths {
			return settlement.CommissionScheme{}, fmt.Errorf("%w: rule %d term_max_months below term_min_months", ErrInvalidScheme, i)
		}
		scheme.Rules = append(scheme.Rules, settlement.CommissionRule{
			ID:            settlement.RuleID(rj.ID),
			SchemeID:      scheme.ID,
			MinSales:      rj.MinSales,
			MaxSales:      rj.MaxSales,
			TermMinMonths: rj.TermMinMonths,
			TermMaxMonths: rj.TermMaxMonths,
			SaleType:      settlement.SaleType(rj.SaleType),
			Percentage:    rj.Percentage,
			Priority:      rj.Priority,
		})
	}
	return scheme, nil
}

// ToJSON converts a scheme back to its JSON representation.
func ToJSON(s settlement.CommissionScheme) SchemeJSON {
	sj := SchemeJSON{
		ID:            int64(s.ID),
		Name:          s.Name,
		EffectiveFrom: s.EffectiveFrom.Format(settlement.DateLayout),
		IsDefault:     s.IsDefault,
		Rules:         make([]RuleJSON, 0, len(s.Rules)),
	}
	if s.EffectiveTo != nil {
		to := s.EffectiveTo.Format(settlement.DateLayout)
		sj.EffectiveTo = &to
	}
	for _, r := range s.Rules {
		sj.Rules = append(sj.Rules, RuleJSON{
			ID:            int64(r.ID),
			MinSales:      r.MinSales,
			MaxSales:      r.MaxSales,
			TermMinMonths: r.TermMinMonths,
			TermMaxMonths: r.TermMaxMonths,
			SaleType:      string(r.SaleType),
			Percentage:    r.Percentage,
			Priority:      r.Priority,
		})
	}
	return sj
}
