/*
Package settlement provides the financial settlement core for installment
lot sales.

PURPOSE:
  This package holds the plain entities, the repository interfaces and the
  engines that move money through a contract: the Installment Ledger and the
  Payment Allocation Engine. Commission resolution and verification live in
  the commission package and operate on the entities defined here.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: decimal.Decimal with epsilon-aware comparisons
  - Contract: read-only view of the sale supplied by a collaborator
  - InstallmentSchedule: one due obligation of a contract
  - PaymentTransaction: one customer remittance
  - Payment: one ledger posting of a remittance onto one schedule

DESIGN PRINCIPLES:
  1. Entities carry no behavior beyond trivial accessors
  2. Precision: decimal.Decimal for every amount, epsilon for "covers" checks
  3. Type Safety: distinct ID types so schedules and payments never mix
  4. Auditability: postings are append-only, schedules only move forward

USAGE:
  s := settlement.InstallmentSchedule{
      ContractID:        "c-1",
      InstallmentNumber: 1,
      Amount:            settlement.NewMoney(100),
  }
  settlement.Covers(s.AmountPaid, s.Amount) // false until fully paid

SEE ALSO:
  - ledger.go: per-row invariants on schedules
  - allocation.go: distributes a remittance across schedules
  - store.go: repository interfaces
*/
package settlement

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - decimal amounts with epsilon comparisons
// =============================================================================

// Epsilon absorbs rounding noise in every monetary comparison.
var Epsilon = decimal.New(1, -5)

// NewMoney converts a float into a decimal amount.
func NewMoney(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

// MustParseMoney parses a decimal string, returning zero on malformed input.
func MustParseMoney(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Covers reports whether paid settles amount within epsilon.
func Covers(paid, amount decimal.Decimal) bool {
	return paid.GreaterThanOrEqual(amount.Sub(Epsilon))
}

// Exceeds reports whether paid is above amount by more than epsilon.
func Exceeds(paid, amount decimal.Decimal) bool {
	return paid.GreaterThan(amount.Add(Epsilon))
}

// IsPositive reports whether d is greater than epsilon.
func IsPositive(d decimal.Decimal) bool { return d.GreaterThan(Epsilon) }

// ClampNonNegative returns max(0, d).
func ClampNonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ContractID string
type ScheduleID string
type TransactionID string
type PaymentID string
type EventID string
type CommissionID string
type EmployeeID string
type SchemeID int64
type RuleID int64

// =============================================================================
// CONTRACT - collaborator-owned sale record, read-only to this package
// =============================================================================

type SaleType string

const (
	SaleCash     SaleType = "cash"
	SaleFinanced SaleType = "financed"
	SaleBoth     SaleType = "both" // only valid on commission rules
)

// Contract exposes the fields the settlement core needs from a signed sale.
// PeriodStart/PeriodEnd bound the window in which client payments count
// towards commission verification; zero values mean unbounded.
type Contract struct {
	ID          ContractID
	AdvisorID   EmployeeID
	SaleType    SaleType
	TermMonths  int
	SaleAmount  decimal.Decimal
	SignedAt    time.Time
	PeriodStart time.Time
	PeriodEnd   time.Time
	CreatedAt   time.Time
}

// =============================================================================
// INSTALLMENT SCHEDULE - one due obligation
// =============================================================================

type ScheduleStatus string

const (
	SchedulePending ScheduleStatus = "pending"
	SchedulePaid    ScheduleStatus = "paid"
)

// InstallmentSchedule is a single installment of a contract.
//
// INVARIANTS:
//   - AmountPaid <= Amount + Epsilon
//   - Status == SchedulePaid iff AmountPaid >= Amount - Epsilon
//   - AmountPaid never decreases
type InstallmentSchedule struct {
	ID                ScheduleID
	ContractID        ContractID
	InstallmentNumber int
	DueDate           time.Time
	Amount            decimal.Decimal
	AmountPaid        decimal.Decimal
	Status            ScheduleStatus
	PaidDate          *time.Time
	PaymentDate       *time.Time
	PaymentMethod     string
	Notes             string
	Seq               int64 // creation order, tie-break after InstallmentNumber
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Remaining returns max(0, Amount - AmountPaid).
func (s InstallmentSchedule) Remaining() decimal.Decimal {
	return ClampNonNegative(s.Amount.Sub(s.AmountPaid))
}

// InstallmentType classifies a schedule for event consumers.
func (s InstallmentSchedule) InstallmentType() string {
	if s.InstallmentNumber == 0 {
		return InstallmentTypeDownPayment
	}
	return InstallmentTypeRegular
}

const (
	InstallmentTypeDownPayment = "down_payment"
	InstallmentTypeRegular     = "installment"
)

// =============================================================================
// PAYMENT TRANSACTION / PAYMENT - remittance and its postings
// =============================================================================

// DefaultPaymentMethod is used when a remittance does not name one.
const DefaultPaymentMethod = "transfer"

// PaymentTransaction is one customer remittance. It may settle several
// installments; each settlement is a Payment row.
type PaymentTransaction struct {
	ID              TransactionID
	ContractID      ContractID
	StartScheduleID ScheduleID
	PaymentDate     time.Time
	Amount          decimal.Decimal
	Method          string
	Reference       string
	Notes           string
	CreatedBy       string
	CreatedAt       time.Time
}

// Payment is a single posting of a remittance onto one schedule. Append-only.
type Payment struct {
	ID            PaymentID
	TransactionID TransactionID
	ScheduleID    ScheduleID
	ContractID    ContractID
	Amount        decimal.Decimal
	Method        string
	Reference     string
	PaymentDate   time.Time
	CreatedAt     time.Time
}
