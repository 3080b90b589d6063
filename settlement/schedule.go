package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// FINANCIAL TEMPLATE - how a contract's price is split into installments
// =============================================================================

// FinancialTemplate holds the payment terms of a contract.
// InstallmentCount defaults to the contract's TermMonths. FirstDueDate
// defaults to one month after signing.
type FinancialTemplate struct {
	DownPaymentPercent decimal.Decimal
	InstallmentCount   int
	FirstDueDate       time.Time
}

var hundred = decimal.NewFromInt(100)

// GenerateSchedule splits the contract's sale amount into an optional down
// payment (installment 0) and monthly installments. Amounts are rounded to
// cents; the rounding remainder lands on the last installment so the rows
// always sum to SaleAmount. The count shrinks when the financed amount has
// fewer cents than installments.
func GenerateSchedule(c Contract, tmpl *FinancialTemplate, now time.Time) ([]InstallmentSchedule, error) {
	if tmpl == nil {
		return nil, fmt.Errorf("%w: contract %s", ErrMissingFinancialTemplate, c.ID)
	}
	if tmpl.DownPaymentPercent.IsNegative() || tmpl.DownPaymentPercent.GreaterThan(hundred) {
		return nil, fmt.Errorf("%w: down payment percent %s", ErrInvalidFinancialTemplate, tmpl.DownPaymentPercent)
	}
	if !c.SaleAmount.IsPositive() {
		return nil, fmt.Errorf("%w: sale amount %s", ErrInvalidFinancialTemplate, c.SaleAmount)
	}

	signed := DateOf(c.SignedAt)
	if c.SignedAt.IsZero() {
		signed = DateOf(now)
	}
	firstDue := DateOf(tmpl.FirstDueDate)
	if tmpl.FirstDueDate.IsZero() {
		firstDue = signed.AddDate(0, 1, 0)
	}

	now = now.UTC()
	row := func(number int, due time.Time, amount decimal.Decimal) InstallmentSchedule {
		return InstallmentSchedule{
			ID:                ScheduleID(uuid.NewString()),
			ContractID:        c.ID,
			InstallmentNumber: number,
			DueDate:           due,
			Amount:            amount,
			AmountPaid:        decimal.Zero,
			Status:            SchedulePending,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
	}

	var out []InstallmentSchedule
	down := c.SaleAmount.Mul(tmpl.DownPaymentPercent).Div(hundred).Round(2)
	if down.IsPositive() {
		out = append(out, row(0, signed, down))
	}

	financed := c.SaleAmount.Sub(down)
	if !IsPositive(financed) {
		return out, nil
	}

	count := tmpl.InstallmentCount
	if count <= 0 {
		count = c.TermMonths
	}
	if count <= 0 {
		count = 1
	}
	// Every row carries at least one cent.
	if cents := financed.Shift(2).IntPart(); cents >= 1 && int64(count) > cents {
		count = int(cents)
	}

	each := financed.Div(decimal.NewFromInt(int64(count))).Truncate(2)
	last := financed.Sub(each.Mul(decimal.NewFromInt(int64(count - 1))))
	for i := 1; i <= count; i++ {
		amount := each
		if i == count {
			amount = last
		}
		out = append(out, row(i, firstDue.AddDate(0, i-1, 0), amount))
	}
	return out, nil
}

// ReplaceSchedule swaps a contract's schedule for a freshly generated one.
// Refuses once any payment has been posted against the contract.
func ReplaceSchedule(ctx context.Context, store TxStore, contractID ContractID, schedules []InstallmentSchedule) error {
	return store.WithTx(ctx, func(tx Store) error {
		payments, err := tx.PaymentsByContract(ctx, contractID)
		if err != nil {
			return err
		}
		if len(payments) > 0 {
			return fmt.Errorf("%w: contract %s has %d payments", ErrSchedulePaymentsExist, contractID, len(payments))
		}
		if err := tx.DeleteSchedules(ctx, contractID); err != nil {
			return err
		}
		return tx.SaveSchedules(ctx, schedules)
	})
}
