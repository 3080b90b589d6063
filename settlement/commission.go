package settlement

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// COMMISSION SCHEME / RULE - static configuration, never mutated by engines
// =============================================================================

// CommissionScheme groups rules under an effective date window.
// EffectiveTo nil means open-ended.
type CommissionScheme struct {
	ID            SchemeID
	Name          string
	EffectiveFrom time.Time
	EffectiveTo   *time.Time
	IsDefault     bool
	Rules         []CommissionRule
}

// ActiveAt reports whether the scheme's window contains at.
func (s CommissionScheme) ActiveAt(at time.Time) bool {
	if at.Before(s.EffectiveFrom) {
		return false
	}
	return s.EffectiveTo == nil || !at.After(*s.EffectiveTo)
}

// CommissionRule is one bracket of a scheme. Nil maxima are unbounded.
type CommissionRule struct {
	ID            RuleID
	SchemeID      SchemeID
	MinSales      int
	MaxSales      *int
	TermMinMonths *int
	TermMaxMonths *int
	SaleType      SaleType
	Percentage    decimal.Decimal
	Priority      int
}

// =============================================================================
// COMMISSION - one grant per (contract, employee)
// =============================================================================

type VerificationStatus string

const (
	VerificationPending VerificationStatus = "pending_verification"
	VerificationFirst   VerificationStatus = "first_payment_verified"
	VerificationSecond  VerificationStatus = "second_payment_verified"
	VerificationFully   VerificationStatus = "fully_verified"
	VerificationFailed  VerificationStatus = "verification_failed"
)

// Rank orders the forward path; the failure state ranks above everything so
// that no transition can leave it.
func (s VerificationStatus) Rank() int {
	switch s {
	case VerificationFirst:
		return 1
	case VerificationSecond:
		return 2
	case VerificationFully:
		return 3
	case VerificationFailed:
		return 4
	default:
		return 0
	}
}

// Terminal reports whether no further transition is possible.
func (s VerificationStatus) Terminal() bool {
	return s == VerificationFully || s == VerificationFailed
}

type DependencyType string

const (
	DependencyNone           DependencyType = "none"
	DependencyClientPayments DependencyType = "client_payments"
)

// Commission records what an employee earns on a contract and whether it
// can be disbursed yet. Amount, percentage and rule reference are fixed at
// grant time; only the verification fields move afterwards.
type Commission struct {
	ID                        CommissionID
	ContractID                ContractID
	EmployeeID                EmployeeID
	CommissionAmount          decimal.Decimal
	SaleAmount                decimal.Decimal
	Percentage                decimal.Decimal
	RuleID                    *RuleID
	SchemeID                  *SchemeID
	PaymentDependencyType     DependencyType
	PaymentVerificationStatus VerificationStatus
	RequiredClientPayments    int
	ClientPaymentsVerified    int
	RetryCount                int
	LastVerificationAttempt   *time.Time
	IsPayable                 bool
	PeriodStart               time.Time
	PeriodEnd                 time.Time
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
}

// InWindow reports whether a payment date falls inside the dependency window.
func (c Commission) InWindow(at time.Time) bool {
	if !c.PeriodStart.IsZero() && at.Before(c.PeriodStart) {
		return false
	}
	if !c.PeriodEnd.IsZero() && at.After(c.PeriodEnd) {
		return false
	}
	return true
}
