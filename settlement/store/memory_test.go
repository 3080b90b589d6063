package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/settlement-engine/settlement"
	"github.com/warp/settlement-engine/settlement/store"
)

func row(contract string, id string, number int, amount int64) settlement.InstallmentSchedule {
	return settlement.InstallmentSchedule{
		ID:                settlement.ScheduleID(id),
		ContractID:        settlement.ContractID(contract),
		InstallmentNumber: number,
		DueDate:           settlement.Date(2025, time.March, number),
		Amount:            decimal.NewFromInt(amount),
		Status:            settlement.SchedulePending,
	}
}

func TestMemory_SchedulesOrderedByNumber(t *testing.T) {
	m := store.NewTxMemory()
	ctx := context.Background()

	require.NoError(t, m.SaveSchedules(ctx, []settlement.InstallmentSchedule{
		row("c1", "s3", 3, 100),
		row("c1", "s1", 1, 100),
		row("c1", "s2", 2, 100),
		row("c2", "x1", 1, 100),
	}))

	rows, err := m.LoadSchedules(ctx, "c1", 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, settlement.ScheduleID("s2"), rows[0].ID)
	assert.Equal(t, settlement.ScheduleID("s3"), rows[1].ID)
	assert.NotZero(t, rows[0].Seq)
}

func TestMemory_DuplicateInstallmentNumberRejectsWholeBatch(t *testing.T) {
	m := store.NewTxMemory()
	ctx := context.Background()
	require.NoError(t, m.SaveSchedules(ctx, []settlement.InstallmentSchedule{row("c1", "s1", 1, 100)}))

	err := m.SaveSchedules(ctx, []settlement.InstallmentSchedule{
		row("c1", "s2", 2, 100),
		row("c1", "s1b", 1, 100),
	})
	assert.ErrorIs(t, err, settlement.ErrDuplicateSchedule)

	got, err := m.GetSchedule(ctx, "s2")
	require.NoError(t, err)
	assert.Nil(t, got, "rejected batch leaves nothing behind")
}

func TestMemory_GetMissingReturnsNil(t *testing.T) {
	m := store.NewTxMemory()
	ctx := context.Background()

	c, err := m.GetContract(ctx, "nope")
	assert.NoError(t, err)
	assert.Nil(t, c)

	e, err := m.GetEvent(ctx, "nope")
	assert.NoError(t, err)
	assert.Nil(t, e)

	err = m.UpdateSchedule(ctx, row("c1", "ghost", 1, 1))
	assert.True(t, settlement.IsNotFound(err))
}

func TestMemory_WithTxRollsBackOnError(t *testing.T) {
	// GIVEN: a transaction that writes and then fails
	// WHEN: WithTx returns
	// THEN: none of the writes are visible

	m := store.NewTxMemory()
	ctx := context.Background()
	boom := errors.New("boom")

	err := m.WithTx(ctx, func(tx settlement.Store) error {
		require.NoError(t, tx.SaveContract(ctx, settlement.Contract{ID: "c1"}))
		require.NoError(t, tx.AppendEvent(ctx, settlement.PaymentEvent{ID: "e1", ContractID: "c1"}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	c, err := m.GetContract(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, c)
	events, err := m.UnprocessedEvents(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestMemory_EventsInCreationOrderAndBookkeepingOnly(t *testing.T) {
	m := store.NewTxMemory()
	ctx := context.Background()

	for _, id := range []settlement.EventID{"e1", "e2", "e3"} {
		require.NoError(t, m.AppendEvent(ctx, settlement.PaymentEvent{
			ID:         id,
			Type:       settlement.EventClientPaymentReceived,
			ContractID: "c1",
			Payload:    map[string]string{"k": string(id)},
		}))
	}

	batch, err := m.UnprocessedEvents(ctx, 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, settlement.EventID("e1"), batch[0].ID)
	assert.Less(t, batch[0].Seq, batch[1].Seq)

	now := time.Now().UTC()
	e := batch[0]
	e.Processed = true
	e.ProcessedAt = &now
	e.Type = settlement.EventInstallmentPaid // ignored
	require.NoError(t, m.UpdateEvent(ctx, e))

	stored, err := m.GetEvent(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, stored.Processed)
	assert.Equal(t, settlement.EventClientPaymentReceived, stored.Type, "event facts are immutable")

	rest, err := m.UnprocessedEvents(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, rest, 2)

	e2 := rest[0]
	e2.Processed = true
	e2.ErrorMessage = "fatal: contract missing"
	require.NoError(t, m.UpdateEvent(ctx, e2))
	failed, err := m.FailedEvents(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, settlement.EventID("e2"), failed[0].ID)
}

func TestMemory_SchemeIDsAssigned(t *testing.T) {
	m := store.NewTxMemory()
	ctx := context.Background()

	saved, err := m.SaveScheme(ctx, settlement.CommissionScheme{
		Name: "s",
		Rules: []settlement.CommissionRule{
			{SaleType: settlement.SaleCash, Percentage: decimal.NewFromInt(1)},
			{SaleType: settlement.SaleFinanced, Percentage: decimal.NewFromInt(2)},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, settlement.SchemeID(1), saved.ID)
	assert.Equal(t, settlement.RuleID(1), saved.Rules[0].ID)
	assert.Equal(t, settlement.RuleID(2), saved.Rules[1].ID)
	assert.Equal(t, saved.ID, saved.Rules[1].SchemeID)

	list, err := m.ListSchemes(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Len(t, list[0].Rules, 2)
}

func TestMemory_CommissionUniquenessAndApplications(t *testing.T) {
	m := store.NewTxMemory()
	ctx := context.Background()
	c := settlement.Commission{ID: "cm1", ContractID: "c1", EmployeeID: "e1"}

	require.NoError(t, m.SaveCommission(ctx, c))
	err := m.SaveCommission(ctx, settlement.Commission{ID: "cm2", ContractID: "c1", EmployeeID: "e1"})
	assert.ErrorIs(t, err, settlement.ErrCommissionExists)

	require.NoError(t, m.RecordApplication(ctx, "cm1", "ev1", time.Now()))
	assert.ErrorIs(t, m.RecordApplication(ctx, "cm1", "ev1", time.Now()), settlement.ErrAlreadyApplied)
	ok, err := m.HasApplication(ctx, "cm1", "ev1")
	require.NoError(t, err)
	assert.True(t, ok)

	err = m.UpdateCommission(ctx, settlement.Commission{ID: "ghost"})
	assert.True(t, settlement.IsNotFound(err))
}

func TestMemory_CountSalesAndReset(t *testing.T) {
	m := store.NewTxMemory()
	ctx := context.Background()
	for i, day := range []int{1, 15, 31} {
		require.NoError(t, m.SaveContract(ctx, settlement.Contract{
			ID:        settlement.ContractID(string(rune('a' + i))),
			AdvisorID: "adv",
			SignedAt:  settlement.Date(2025, time.March, day),
		}))
	}
	require.NoError(t, m.SaveContract(ctx, settlement.Contract{ID: "z", AdvisorID: "adv", SignedAt: settlement.Date(2025, time.April, 1)}))

	n, err := m.CountSalesByAdvisor(ctx, "adv", settlement.Date(2025, time.March, 1), settlement.Date(2025, time.March, 31))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, m.Reset(ctx))
	n, err = m.CountSalesByAdvisor(ctx, "adv", settlement.Date(2025, time.March, 1), settlement.Date(2025, time.March, 31))
	require.NoError(t, err)
	assert.Zero(t, n)
}
