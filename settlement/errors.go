/*
errors.go - Centralized error types for the settlement core

PURPOSE:
  All error types in one place for consistency and discoverability.
  The commission package and the HTTP layer classify errors with the
  helpers at the bottom of this file.

ERROR CATEGORIES:
  1. Lookup errors - contract, schedule or commission missing
  2. Ledger errors - per-row invariant violations
  3. Configuration errors - missing financial template
  4. Idempotency errors - duplicate remittance or grant

USAGE:
  result, err := engine.ApplyPayment(ctx, req)
  if settlement.IsNotFound(err) {
      // 404
  }

SEE ALSO:
  - ledger.go: raises ErrOverpayment and ErrAmountPaidDecrease
  - allocation.go: raises NotFoundError and ErrDuplicateTransaction
*/
package settlement

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrContractNotFound is returned when a contract does not exist.
	ErrContractNotFound = errors.New("contract not found")

	// ErrScheduleNotFound is returned when an installment schedule does not exist.
	ErrScheduleNotFound = errors.New("installment schedule not found")

	// ErrCommissionNotFound is returned when a commission does not exist.
	ErrCommissionNotFound = errors.New("commission not found")

	// ErrEventNotFound is returned when a payment event does not exist.
	ErrEventNotFound = errors.New("payment event not found")

	// ErrOverpayment is returned when a posting would push amount_paid
	// above the installment amount.
	ErrOverpayment = errors.New("amount paid exceeds installment amount")

	// ErrAmountPaidDecrease is returned when a write would lower amount_paid.
	ErrAmountPaidDecrease = errors.New("amount paid cannot decrease")

	// ErrDuplicateTransaction is returned when a remittance with the same
	// transaction ID has already been allocated. Expected on client retries.
	ErrDuplicateTransaction = errors.New("payment transaction already allocated")

	// ErrDuplicateSchedule is returned when an installment number is reused
	// within a contract.
	ErrDuplicateSchedule = errors.New("duplicate installment number")

	// ErrSchedulePaymentsExist is returned when regenerating a schedule that
	// already carries payments.
	ErrSchedulePaymentsExist = errors.New("schedule already has payments")

	// ErrMissingFinancialTemplate is returned when a schedule must be generated
	// but no financial template is configured.
	ErrMissingFinancialTemplate = errors.New("missing financial template")

	// ErrInvalidFinancialTemplate is returned for out-of-range template terms.
	ErrInvalidFinancialTemplate = errors.New("invalid financial template")

	// ErrCommissionExists is returned when a commission was already granted
	// for the contract and employee.
	ErrCommissionExists = errors.New("commission already granted")

	// ErrAlreadyApplied is returned when an event was already applied to a
	// commission.
	ErrAlreadyApplied = errors.New("event already applied to commission")

	// ErrLockTimeout is returned when the contract lock cannot be acquired.
	ErrLockTimeout = errors.New("contract lock acquisition timed out")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string
	ID   string
	Err  error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return e.Err
}

// OverpaymentError provides details about a rejected posting.
type OverpaymentError struct {
	ScheduleID ScheduleID
	Amount     decimal.Decimal
	Requested  decimal.Decimal
}

func (e *OverpaymentError) Error() string {
	return fmt.Sprintf("overpayment on schedule %s: amount %s, requested amount paid %s",
		e.ScheduleID, e.Amount, e.Requested)
}

func (e *OverpaymentError) Unwrap() error {
	return ErrOverpayment
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf) ||
		errors.Is(err, ErrContractNotFound) ||
		errors.Is(err, ErrScheduleNotFound) ||
		errors.Is(err, ErrCommissionNotFound) ||
		errors.Is(err, ErrEventNotFound)
}

// IsConflict returns true if the error is an idempotency or uniqueness clash.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateTransaction) ||
		errors.Is(err, ErrDuplicateSchedule) ||
		errors.Is(err, ErrCommissionExists) ||
		errors.Is(err, ErrSchedulePaymentsExist)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrOverpayment) ||
		errors.Is(err, ErrAmountPaidDecrease) ||
		errors.Is(err, ErrMissingFinancialTemplate) ||
		errors.Is(err, ErrInvalidFinancialTemplate) ||
		IsConflict(err)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}
