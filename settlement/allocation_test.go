package settlement_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/settlement-engine/settlement"
	"github.com/warp/settlement-engine/settlement/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var payDay = settlement.Date(2025, time.March, 5)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T) (*settlement.AllocationEngine, *store.TxMemory) {
	t.Helper()
	st := store.NewTxMemory()
	engine := settlement.NewAllocationEngine(st, nil, quietLogger())
	engine.Now = func() time.Time { return payDay }
	return engine, st
}

// seedContract stores a contract with one schedule per amount, numbered
// from 1, and returns the schedule IDs in order.
func seedContract(t *testing.T, st settlement.Store, id string, amounts ...int64) []settlement.ScheduleID {
	t.Helper()
	ctx := context.Background()
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(decimal.NewFromInt(a))
	}
	require.NoError(t, st.SaveContract(ctx, settlement.Contract{
		ID:         settlement.ContractID(id),
		AdvisorID:  "advisor-1",
		SaleType:   settlement.SaleFinanced,
		TermMonths: len(amounts),
		SaleAmount: total,
		SignedAt:   settlement.Date(2025, time.January, 10),
	}))

	var (
		ids       []settlement.ScheduleID
		schedules []settlement.InstallmentSchedule
	)
	for i, a := range amounts {
		sid := settlement.ScheduleID(fmt.Sprintf("%s-%d", id, i+1))
		ids = append(ids, sid)
		schedules = append(schedules, settlement.InstallmentSchedule{
			ID:                sid,
			ContractID:        settlement.ContractID(id),
			InstallmentNumber: i + 1,
			DueDate:           settlement.Date(2025, time.February, 10).AddDate(0, i, 0),
			Amount:            decimal.NewFromInt(a),
			AmountPaid:        decimal.Zero,
			Status:            settlement.SchedulePending,
		})
	}
	require.NoError(t, st.SaveSchedules(ctx, schedules))
	return ids
}

func pay(contractID string, start int, amount int64) settlement.PaymentRequest {
	return settlement.PaymentRequest{
		ContractID:       settlement.ContractID(contractID),
		StartInstallment: start,
		PaymentDate:      payDay,
		Amount:           decimal.NewFromInt(amount),
	}
}

func schedule(t *testing.T, st settlement.Store, id settlement.ScheduleID) settlement.InstallmentSchedule {
	t.Helper()
	s, err := st.GetSchedule(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, s, "schedule %s should exist", id)
	return *s
}

func assertMoney(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.Truef(t, settlement.MustParseMoney(want).Equal(got), "want %s, got %s %v", want, got, msgAndArgs)
}

func assertBalanced(t *testing.T, r *settlement.AllocationResult) {
	t.Helper()
	sum := decimal.Zero
	for _, a := range r.Allocations {
		sum = sum.Add(a.AppliedAmount)
	}
	assert.True(t, sum.Equal(r.AppliedAmount), "allocations must sum to applied amount")
	assert.True(t, r.AppliedAmount.Add(r.UnappliedAmount).Equal(r.RequestedAmount), "applied + unapplied must equal requested")
	assert.False(t, r.AppliedAmount.GreaterThan(r.RequestedAmount))
}

// =============================================================================
// ALLOCATION ORDER
// =============================================================================

func TestApplyPayment_PartialAcrossInstallments(t *testing.T) {
	// GIVEN: three pending installments of 100
	// WHEN: 150 is applied starting at installment 1
	// THEN: installment 1 is paid, installment 2 holds 50, installment 3 is untouched

	engine, st := newTestEngine(t)
	ids := seedContract(t, st, "c-a", 100, 100, 100)

	result, err := engine.ApplyPayment(context.Background(), pay("c-a", 1, 150))
	require.NoError(t, err)

	assertMoney(t, "150", result.AppliedAmount)
	assertMoney(t, "0", result.UnappliedAmount)
	assert.Equal(t, []settlement.ScheduleID{ids[0], ids[1]}, result.ScheduleIDsTouched)
	assertBalanced(t, result)

	first := schedule(t, st, ids[0])
	assert.Equal(t, settlement.SchedulePaid, first.Status)
	assertMoney(t, "100", first.AmountPaid)
	require.NotNil(t, first.PaidDate)
	assert.Equal(t, payDay, *first.PaidDate)

	second := schedule(t, st, ids[1])
	assert.Equal(t, settlement.SchedulePending, second.Status)
	assertMoney(t, "50", second.AmountPaid)
	assert.Nil(t, second.PaidDate)

	third := schedule(t, st, ids[2])
	assertMoney(t, "0", third.AmountPaid)
	assert.Nil(t, third.PaymentDate)

	// One client_payment_received per posting plus installment_paid for #1.
	assert.Len(t, result.EventIDs, 3)
}

func TestApplyPayment_SecondRemittanceCompletesAndSpills(t *testing.T) {
	// GIVEN: installment 1 paid, installment 2 holding 50
	// WHEN: 60 is applied starting at installment 2
	// THEN: installment 2 completes and installment 3 receives 10

	engine, st := newTestEngine(t)
	ids := seedContract(t, st, "c-b", 100, 100, 100)
	ctx := context.Background()

	_, err := engine.ApplyPayment(ctx, pay("c-b", 1, 150))
	require.NoError(t, err)

	result, err := engine.ApplyPayment(ctx, pay("c-b", 2, 60))
	require.NoError(t, err)

	assertMoney(t, "60", result.AppliedAmount)
	assertMoney(t, "0", result.UnappliedAmount)
	assertBalanced(t, result)
	require.Len(t, result.Allocations, 2)
	assertMoney(t, "50", result.Allocations[0].AppliedAmount)
	assertMoney(t, "10", result.Allocations[1].AppliedAmount)

	assert.Equal(t, settlement.SchedulePaid, schedule(t, st, ids[1]).Status)
	third := schedule(t, st, ids[2])
	assert.Equal(t, settlement.SchedulePending, third.Status)
	assertMoney(t, "10", third.AmountPaid)
}

func TestApplyPayment_FullyPaidContractLeavesAmountUnapplied(t *testing.T) {
	// GIVEN: every installment already paid
	// WHEN: 500 is applied
	// THEN: nothing is applied, no transaction or event is written

	engine, st := newTestEngine(t)
	seedContract(t, st, "c-c", 100, 100, 100)
	ctx := context.Background()

	_, err := engine.ApplyPayment(ctx, pay("c-c", 1, 300))
	require.NoError(t, err)
	before, err := st.UnprocessedEvents(ctx, 0)
	require.NoError(t, err)

	req := pay("c-c", 1, 500)
	req.TransactionID = "tx-extra"
	result, err := engine.ApplyPayment(ctx, req)
	require.NoError(t, err)

	assertMoney(t, "0", result.AppliedAmount)
	assertMoney(t, "500", result.UnappliedAmount)
	assert.Empty(t, result.Allocations)
	assert.Empty(t, result.EventIDs)

	tx, err := st.GetTransaction(ctx, "tx-extra")
	require.NoError(t, err)
	assert.Nil(t, tx, "no transaction without a posting")

	after, err := st.UnprocessedEvents(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, after, len(before))
}

func TestApplyPayment_OverpaymentReturnsRemainder(t *testing.T) {
	engine, st := newTestEngine(t)
	ids := seedContract(t, st, "c-over", 100, 100, 100)

	result, err := engine.ApplyPayment(context.Background(), pay("c-over", 1, 1000))
	require.NoError(t, err)

	assertMoney(t, "300", result.AppliedAmount)
	assertMoney(t, "700", result.UnappliedAmount)
	assertBalanced(t, result)
	for _, id := range ids {
		s := schedule(t, st, id)
		assert.Equal(t, settlement.SchedulePaid, s.Status)
		assert.False(t, settlement.Exceeds(s.AmountPaid, s.Amount))
	}
}

func TestApplyPayment_SkipsInstallmentsBeforeStart(t *testing.T) {
	engine, st := newTestEngine(t)
	ids := seedContract(t, st, "c-start", 100, 100, 100)

	result, err := engine.ApplyPayment(context.Background(), pay("c-start", 2, 250))
	require.NoError(t, err)

	assertMoney(t, "200", result.AppliedAmount)
	assertMoney(t, "50", result.UnappliedAmount)
	assertMoney(t, "0", schedule(t, st, ids[0]).AmountPaid, "installment 1 precedes the start")
}

// =============================================================================
// INPUT HANDLING
// =============================================================================

func TestApplyPayment_ZeroAndNegativeAreNoOps(t *testing.T) {
	engine, st := newTestEngine(t)
	ids := seedContract(t, st, "c-zero", 100)
	ctx := context.Background()

	for _, amount := range []int64{0, -50} {
		result, err := engine.ApplyPayment(ctx, pay("c-zero", 1, amount))
		require.NoError(t, err, "amount %d", amount)
		assert.True(t, result.AppliedAmount.IsZero())
		assert.True(t, result.UnappliedAmount.IsZero())
		assert.True(t, result.RequestedAmount.IsZero(), "negative input is clamped")
		assert.Empty(t, result.ScheduleIDsTouched)
	}

	assertMoney(t, "0", schedule(t, st, ids[0]).AmountPaid)
	payments, err := st.PaymentsByContract(ctx, "c-zero")
	require.NoError(t, err)
	assert.Empty(t, payments)
}

func TestApplyPayment_MissingContract(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.ApplyPayment(context.Background(), pay("nope", 1, 100))

	require.Error(t, err)
	assert.True(t, settlement.IsNotFound(err))
	assert.ErrorIs(t, err, settlement.ErrContractNotFound)
}

func TestApplyPayment_NoSchedulesIsNotAnError(t *testing.T) {
	engine, st := newTestEngine(t)
	require.NoError(t, st.SaveContract(context.Background(), settlement.Contract{ID: "c-empty", SaleAmount: decimal.NewFromInt(100)}))

	result, err := engine.ApplyPayment(context.Background(), pay("c-empty", 1, 100))

	require.NoError(t, err)
	assertMoney(t, "100", result.UnappliedAmount)
}

func TestApplyPayment_DefaultsMethodAndKeepsFirstPaymentMetadata(t *testing.T) {
	engine, st := newTestEngine(t)
	ids := seedContract(t, st, "c-meta", 100)
	ctx := context.Background()

	_, err := engine.ApplyPayment(ctx, pay("c-meta", 1, 40))
	require.NoError(t, err)

	later := pay("c-meta", 1, 60)
	later.PaymentDate = payDay.AddDate(0, 0, 10)
	later.Method = "cash"
	_, err = engine.ApplyPayment(ctx, later)
	require.NoError(t, err)

	s := schedule(t, st, ids[0])
	assert.Equal(t, settlement.DefaultPaymentMethod, s.PaymentMethod, "first method is kept")
	require.NotNil(t, s.PaymentDate)
	assert.Equal(t, payDay, *s.PaymentDate, "first payment date is kept")
	require.NotNil(t, s.PaidDate)
	assert.Equal(t, later.PaymentDate, *s.PaidDate, "paid date is the completing payment")

	payments, err := st.PaymentsByContract(ctx, "c-meta")
	require.NoError(t, err)
	require.Len(t, payments, 2)
	assert.Equal(t, "transfer", payments[0].Method)
	assert.Equal(t, "cash", payments[1].Method)
}

func TestApplyPayment_NotesOnlyOnStartInstallment(t *testing.T) {
	engine, st := newTestEngine(t)
	ids := seedContract(t, st, "c-notes", 100, 100)

	req := pay("c-notes", 1, 200)
	req.Notes = "paid at branch office"
	_, err := engine.ApplyPayment(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "paid at branch office", schedule(t, st, ids[0]).Notes)
	assert.Empty(t, schedule(t, st, ids[1]).Notes)
}

func TestApplyPayment_StaleScheduleCorrectedWithoutPosting(t *testing.T) {
	// GIVEN: installment 1 is pending but its amount_paid already covers it
	// WHEN: a remittance arrives
	// THEN: installment 1 is corrected to paid and the money goes to installment 2

	engine, st := newTestEngine(t)
	ids := seedContract(t, st, "c-stale", 100, 100)
	ctx := context.Background()

	stale := schedule(t, st, ids[0])
	stale.AmountPaid = decimal.NewFromInt(100)
	require.NoError(t, st.UpdateSchedule(ctx, stale))

	result, err := engine.ApplyPayment(ctx, pay("c-stale", 1, 30))
	require.NoError(t, err)

	assert.Equal(t, []settlement.ScheduleID{ids[1]}, result.ScheduleIDsTouched)
	assert.Equal(t, settlement.SchedulePaid, schedule(t, st, ids[0]).Status)
	assertMoney(t, "30", schedule(t, st, ids[1]).AmountPaid)
}

// =============================================================================
// IDEMPOTENCY / ATOMICITY
// =============================================================================

func TestApplyPayment_DuplicateTransactionRejected(t *testing.T) {
	engine, st := newTestEngine(t)
	ids := seedContract(t, st, "c-dup", 100, 100)
	ctx := context.Background()

	req := pay("c-dup", 1, 50)
	req.TransactionID = "bank-ref-42"
	first, err := engine.ApplyPayment(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, settlement.TransactionID("bank-ref-42"), first.TransactionID)

	_, err = engine.ApplyPayment(ctx, req)
	require.Error(t, err)
	assert.ErrorIs(t, err, settlement.ErrDuplicateTransaction)
	assert.True(t, settlement.IsConflict(err))

	assertMoney(t, "50", schedule(t, st, ids[0]).AmountPaid, "retry must not post twice")
}

func TestApplyPayment_GeneratesTransactionID(t *testing.T) {
	engine, st := newTestEngine(t)
	seedContract(t, st, "c-txid", 100)

	result, err := engine.ApplyPayment(context.Background(), pay("c-txid", 1, 100))
	require.NoError(t, err)
	require.NotEmpty(t, result.TransactionID)

	tx, err := st.GetTransaction(context.Background(), result.TransactionID)
	require.NoError(t, err)
	require.NotNil(t, tx)
	assertMoney(t, "100", tx.Amount)
	assert.Equal(t, settlement.ScheduleID("c-txid-1"), tx.StartScheduleID)
}

type failingEvents struct{ settlement.Store }

func (failingEvents) AppendEvent(context.Context, settlement.PaymentEvent) error {
	return errors.New("outbox unavailable")
}

type failingTxStore struct{ *store.TxMemory }

func (f failingTxStore) WithTx(ctx context.Context, fn func(settlement.Store) error) error {
	return f.TxMemory.WithTx(ctx, func(tx settlement.Store) error { return fn(failingEvents{tx}) })
}

func TestApplyPayment_RollsBackWhenEventWriteFails(t *testing.T) {
	// GIVEN: a store whose event outbox fails
	// WHEN: a remittance is applied
	// THEN: no posting, transaction or schedule change survives

	mem := store.NewTxMemory()
	ids := seedContract(t, mem, "c-rb", 100, 100)
	engine := settlement.NewAllocationEngine(failingTxStore{mem}, nil, quietLogger())
	ctx := context.Background()

	req := pay("c-rb", 1, 150)
	req.TransactionID = "tx-rb"
	_, err := engine.ApplyPayment(ctx, req)
	require.Error(t, err)

	for _, id := range ids {
		assertMoney(t, "0", schedule(t, mem, id).AmountPaid)
	}
	payments, err := mem.PaymentsByContract(ctx, "c-rb")
	require.NoError(t, err)
	assert.Empty(t, payments)
	tx, err := mem.GetTransaction(ctx, "tx-rb")
	require.NoError(t, err)
	assert.Nil(t, tx)
}

func TestApplyPayment_ConcurrentRemittancesNeverOverpay(t *testing.T) {
	// GIVEN: 300 owed across three installments
	// WHEN: 40 remittances of 10 race each other
	// THEN: exactly 300 is applied and no installment exceeds its amount

	engine, st := newTestEngine(t)
	ids := seedContract(t, st, "c-race", 100, 100, 100)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied = decimal.Zero
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := engine.ApplyPayment(ctx, pay("c-race", 1, 10))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			applied = applied.Add(result.AppliedAmount)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assertMoney(t, "300", applied)
	total := decimal.Zero
	for _, id := range ids {
		s := schedule(t, st, id)
		assert.False(t, settlement.Exceeds(s.AmountPaid, s.Amount))
		total = total.Add(s.AmountPaid)
	}
	assertMoney(t, "300", total)
}

func TestApplyPayment_LockTimeoutIsRetryable(t *testing.T) {
	engine, st := newTestEngine(t)
	seedContract(t, st, "c-lock", 100)

	unlock, err := engine.Locker.Lock(context.Background(), settlement.ContractLockKey("c-lock"))
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = engine.ApplyPayment(ctx, pay("c-lock", 1, 100))

	require.Error(t, err)
	assert.True(t, settlement.IsRetryable(err))
}

// =============================================================================
// EVENTS / NOTIFICATION
// =============================================================================

type recordingNotifier struct {
	mu        sync.Mutex
	contracts []settlement.ContractID
}

func (n *recordingNotifier) Notify(id settlement.ContractID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.contracts = append(n.contracts, id)
}

func TestApplyPayment_EmitsEventsAndNotifies(t *testing.T) {
	engine, st := newTestEngine(t)
	seedContract(t, st, "c-ev", 100, 100)
	notifier := &recordingNotifier{}
	engine.Notifier = notifier
	ctx := context.Background()

	_, err := engine.ApplyPayment(ctx, pay("c-ev", 0, 130))
	require.NoError(t, err)

	events, err := st.UnprocessedEvents(ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, settlement.EventClientPaymentReceived, events[0].Type)
	assert.Equal(t, settlement.EventInstallmentPaid, events[1].Type)
	assert.Equal(t, settlement.EventClientPaymentReceived, events[2].Type)
	assert.Equal(t, "1", events[0].Payload[settlement.PayloadInstallmentNumber])
	assert.Equal(t, "30", events[2].Payload[settlement.PayloadAppliedAmount])
	assert.Equal(t, payDay, events[2].PaymentDate())
	assert.Equal(t, settlement.InstallmentTypeRegular, events[0].InstallmentType)
	assert.NotEmpty(t, events[0].PaymentID)

	assert.Equal(t, []settlement.ContractID{"c-ev"}, notifier.contracts)

	// No events, no notification.
	_, err = engine.ApplyPayment(ctx, pay("c-ev", 0, 0))
	require.NoError(t, err)
	assert.Len(t, notifier.contracts, 1)
}
