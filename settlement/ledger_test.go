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

// =============================================================================
// LEDGER INVARIANTS
// =============================================================================

func newTestLedger(t *testing.T) (*settlement.Ledger, *store.TxMemory, []settlement.ScheduleID) {
	t.Helper()
	st := store.NewTxMemory()
	ids := seedContract(t, st, "c-ledger", 100, 100, 100)
	ledger := settlement.NewLedger(st)
	ledger.Now = func() time.Time { return payDay }
	return ledger, st, ids
}

func TestLedger_RecordPartialTransitionsAtAmount(t *testing.T) {
	ledger, _, ids := newTestLedger(t)
	ctx := context.Background()

	s, err := ledger.RecordPartial(ctx, ids[0], decimal.NewFromInt(60), payDay, "cash")
	require.NoError(t, err)
	assert.Equal(t, settlement.SchedulePending, s.Status)
	assert.Nil(t, s.PaidDate)

	s, err = ledger.RecordPartial(ctx, ids[0], decimal.NewFromInt(100), payDay.AddDate(0, 0, 1), "transfer")
	require.NoError(t, err)
	assert.Equal(t, settlement.SchedulePaid, s.Status)
	require.NotNil(t, s.PaidDate)
	assert.Equal(t, payDay.AddDate(0, 0, 1), *s.PaidDate)
	assert.Equal(t, "cash", s.PaymentMethod, "first method survives")
}

func TestLedger_RecordPartialWithinEpsilonIsPaid(t *testing.T) {
	ledger, _, ids := newTestLedger(t)

	s, err := ledger.RecordPartial(context.Background(), ids[0], settlement.MustParseMoney("99.999995"), payDay, "cash")

	require.NoError(t, err)
	assert.Equal(t, settlement.SchedulePaid, s.Status)
}

func TestLedger_RejectsDecrease(t *testing.T) {
	ledger, st, ids := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.RecordPartial(ctx, ids[0], decimal.NewFromInt(50), payDay, "cash")
	require.NoError(t, err)

	_, err = ledger.RecordPartial(ctx, ids[0], decimal.NewFromInt(40), payDay, "cash")
	assert.ErrorIs(t, err, settlement.ErrAmountPaidDecrease)
	assertMoney(t, "50", schedule(t, st, ids[0]).AmountPaid)
}

func TestLedger_RejectsOverpayment(t *testing.T) {
	ledger, _, ids := newTestLedger(t)

	_, err := ledger.RecordPartial(context.Background(), ids[0], decimal.NewFromInt(101), payDay, "cash")

	require.Error(t, err)
	assert.ErrorIs(t, err, settlement.ErrOverpayment)
	var over *settlement.OverpaymentError
	require.ErrorAs(t, err, &over)
	assert.Equal(t, ids[0], over.ScheduleID)
	assert.True(t, settlement.IsClientError(err))
}

func TestLedger_MarkPaidIsIdempotent(t *testing.T) {
	ledger, _, ids := newTestLedger(t)
	ctx := context.Background()

	first, err := ledger.MarkPaid(ctx, ids[1], payDay, "cash")
	require.NoError(t, err)
	assert.Equal(t, settlement.SchedulePaid, first.Status)
	assertMoney(t, "100", first.AmountPaid)

	second, err := ledger.MarkPaid(ctx, ids[1], payDay.AddDate(0, 1, 0), "transfer")
	require.NoError(t, err)
	assert.Equal(t, first.PaidDate, second.PaidDate, "no-op on a paid schedule")
	assert.Equal(t, "cash", second.PaymentMethod)
}

func TestLedger_ListPendingSkipsPaidAndEarlier(t *testing.T) {
	ledger, _, ids := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.MarkPaid(ctx, ids[1], payDay, "cash")
	require.NoError(t, err)

	pending, err := ledger.ListPending(ctx, "c-ledger", 1)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, ids[0], pending[0].ID)
	assert.Equal(t, ids[2], pending[1].ID)

	pending, err = ledger.ListPending(ctx, "c-ledger", 3)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 3, pending[0].InstallmentNumber)
}

func TestLedger_AnnotateAppends(t *testing.T) {
	ledger, st, ids := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.Annotate(ctx, ids[0], "first"))
	require.NoError(t, ledger.Annotate(ctx, ids[0], "   "))
	require.NoError(t, ledger.Annotate(ctx, ids[0], "second"))

	assert.Equal(t, "first\nsecond", schedule(t, st, ids[0]).Notes)
}

func TestLedger_UnknownSchedule(t *testing.T) {
	ledger, _, _ := newTestLedger(t)

	_, err := ledger.MarkPaid(context.Background(), "missing", payDay, "cash")

	assert.True(t, settlement.IsNotFound(err))
	assert.ErrorIs(t, err, settlement.ErrScheduleNotFound)
}

// =============================================================================
// MONEY HELPERS
// =============================================================================

func TestMoney_EpsilonComparisons(t *testing.T) {
	hundred := decimal.NewFromInt(100)

	assert.True(t, settlement.Covers(settlement.MustParseMoney("99.999991"), hundred))
	assert.False(t, settlement.Covers(settlement.MustParseMoney("99.99"), hundred))
	assert.False(t, settlement.Exceeds(settlement.MustParseMoney("100.000009"), hundred))
	assert.True(t, settlement.Exceeds(settlement.MustParseMoney("100.01"), hundred))
	assert.False(t, settlement.IsPositive(settlement.MustParseMoney("0.000001")))
	assert.True(t, settlement.ClampNonNegative(decimal.NewFromInt(-5)).IsZero())
	assert.True(t, settlement.MustParseMoney("abc").IsZero())
}

func TestPeriodFor(t *testing.T) {
	d := settlement.Date(2025, time.May, 20)

	month := settlement.PeriodMonth.PeriodFor(d)
	assert.Equal(t, settlement.Date(2025, time.May, 1), month.Start)
	assert.Equal(t, settlement.Date(2025, time.May, 31), month.End)

	quarter := settlement.PeriodQuarter.PeriodFor(d)
	assert.Equal(t, settlement.Date(2025, time.April, 1), quarter.Start)
	assert.Equal(t, settlement.Date(2025, time.June, 30), quarter.End)

	year := settlement.ParsePeriodType("calendar_year").PeriodFor(d)
	assert.Equal(t, settlement.Date(2025, time.January, 1), year.Start)
	assert.True(t, year.Contains(settlement.Date(2025, time.December, 31)))
	assert.False(t, year.Contains(settlement.Date(2026, time.January, 1)))

	assert.Equal(t, settlement.PeriodMonth, settlement.ParsePeriodType("bogus"))
}
