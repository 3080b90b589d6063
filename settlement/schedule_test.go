package settlement_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/settlement-engine/settlement"
	"github.com/warp/settlement-engine/settlement/store"
)

func testContract(amount string, term int) settlement.Contract {
	return settlement.Contract{
		ID:         "c-sched",
		AdvisorID:  "advisor-1",
		SaleType:   settlement.SaleFinanced,
		TermMonths: term,
		SaleAmount: settlement.MustParseMoney(amount),
		SignedAt:   settlement.Date(2025, time.January, 31),
	}
}

func TestGenerateSchedule_DownPaymentAndRemainderOnLast(t *testing.T) {
	// GIVEN: 1000.00 with 10% down over 3 installments
	// WHEN: the schedule is generated
	// THEN: 100 down at signing, 300 x 3, amounts sum to the sale

	c := testContract("1000", 3)
	rows, err := settlement.GenerateSchedule(c, &settlement.FinancialTemplate{
		DownPaymentPercent: decimal.NewFromInt(10),
	}, payDay)
	require.NoError(t, err)
	require.Len(t, rows, 4)

	assert.Equal(t, 0, rows[0].InstallmentNumber)
	assert.Equal(t, settlement.InstallmentTypeDownPayment, rows[0].InstallmentType())
	assert.Equal(t, c.SignedAt, rows[0].DueDate)
	assertMoney(t, "100", rows[0].Amount)

	sum := decimal.Zero
	for i, r := range rows {
		sum = sum.Add(r.Amount)
		assert.Equal(t, settlement.SchedulePending, r.Status)
		assert.True(t, r.AmountPaid.IsZero())
		assert.NotEmpty(t, r.ID)
		if i > 0 {
			assert.Equal(t, i, r.InstallmentNumber)
		}
	}
	assertMoney(t, "1000", sum)

	// Jan 31 + 1 month normalizes into March.
	assert.Equal(t, settlement.Date(2025, time.March, 3), rows[1].DueDate)
}

func TestGenerateSchedule_RoundingRemainder(t *testing.T) {
	rows, err := settlement.GenerateSchedule(testContract("100", 3), &settlement.FinancialTemplate{}, payDay)
	require.NoError(t, err)
	require.Len(t, rows, 3, "no down payment row at 0%")

	assertMoney(t, "33.33", rows[0].Amount)
	assertMoney(t, "33.33", rows[1].Amount)
	assertMoney(t, "33.34", rows[2].Amount)
}

func TestGenerateSchedule_ExplicitCountAndFirstDue(t *testing.T) {
	first := settlement.Date(2025, time.March, 15)
	rows, err := settlement.GenerateSchedule(testContract("1200", 24), &settlement.FinancialTemplate{
		InstallmentCount: 12,
		FirstDueDate:     first,
	}, payDay)
	require.NoError(t, err)
	require.Len(t, rows, 12)

	assert.Equal(t, first, rows[0].DueDate)
	assert.Equal(t, settlement.Date(2026, time.February, 15), rows[11].DueDate)
	assertMoney(t, "100", rows[11].Amount)
}

func TestGenerateSchedule_TinyAmountNeverYieldsZeroRows(t *testing.T) {
	// GIVEN: 0.05 financed over 12 months
	// WHEN: the schedule is generated
	// THEN: five one-cent rows, none of them zero

	rows, err := settlement.GenerateSchedule(testContract("0.05", 12), &settlement.FinancialTemplate{}, payDay)
	require.NoError(t, err)
	require.Len(t, rows, 5)

	sum := decimal.Zero
	for _, r := range rows {
		assertMoney(t, "0.01", r.Amount)
		sum = sum.Add(r.Amount)
	}
	assertMoney(t, "0.05", sum)
}

func TestGenerateSchedule_FullDownPayment(t *testing.T) {
	rows, err := settlement.GenerateSchedule(testContract("500", 0), &settlement.FinancialTemplate{
		DownPaymentPercent: decimal.NewFromInt(100),
	}, payDay)

	require.NoError(t, err)
	require.Len(t, rows, 1)
	assertMoney(t, "500", rows[0].Amount)
}

func TestGenerateSchedule_Errors(t *testing.T) {
	_, err := settlement.GenerateSchedule(testContract("1000", 12), nil, payDay)
	assert.ErrorIs(t, err, settlement.ErrMissingFinancialTemplate)

	_, err = settlement.GenerateSchedule(testContract("1000", 12), &settlement.FinancialTemplate{
		DownPaymentPercent: decimal.NewFromInt(120),
	}, payDay)
	assert.ErrorIs(t, err, settlement.ErrInvalidFinancialTemplate)

	_, err = settlement.GenerateSchedule(testContract("0", 12), &settlement.FinancialTemplate{}, payDay)
	assert.ErrorIs(t, err, settlement.ErrInvalidFinancialTemplate)
	assert.True(t, settlement.IsClientError(err))
}

func TestReplaceSchedule_RefusesOncePaid(t *testing.T) {
	// GIVEN: a generated schedule
	// WHEN: it is regenerated before and after a payment
	// THEN: the first replacement succeeds, the second is refused

	st := store.NewTxMemory()
	ctx := context.Background()
	c := testContract("300", 3)
	require.NoError(t, st.SaveContract(ctx, c))

	gen := func() []settlement.InstallmentSchedule {
		rows, err := settlement.GenerateSchedule(c, &settlement.FinancialTemplate{}, payDay)
		require.NoError(t, err)
		return rows
	}
	require.NoError(t, settlement.ReplaceSchedule(ctx, st, c.ID, gen()))
	require.NoError(t, settlement.ReplaceSchedule(ctx, st, c.ID, gen()))

	rows, err := st.LoadSchedules(ctx, c.ID, 0)
	require.NoError(t, err)
	assert.Len(t, rows, 3, "replacement does not duplicate rows")

	engine := settlement.NewAllocationEngine(st, nil, quietLogger())
	_, err = engine.ApplyPayment(ctx, settlement.PaymentRequest{ContractID: c.ID, Amount: decimal.NewFromInt(10)})
	require.NoError(t, err)

	err = settlement.ReplaceSchedule(ctx, st, c.ID, gen())
	assert.ErrorIs(t, err, settlement.ErrSchedulePaymentsExist)
	assert.True(t, settlement.IsConflict(err))
}
