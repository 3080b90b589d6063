/*
ledger.go - Installment Ledger

PURPOSE:
  The Ledger is the authoritative record of what each installment owes and
  how much of it has been paid. It enforces the per-row invariants and
  nothing else: deciding how much of a remittance goes where is the job of
  the AllocationEngine.

CRITICAL INVARIANTS:
  1. AmountPaid never decreases
  2. AmountPaid never exceeds Amount + Epsilon
  3. Status is paid exactly when AmountPaid >= Amount - Epsilon
  4. MarkPaid on a paid schedule is a no-op, not an error

METADATA:
  PaymentDate and PaymentMethod are only filled while empty, so the first
  partial payment's details survive later postings. PaidDate is stamped on
  the transition to paid.

EXAMPLE:
  ledger := settlement.NewLedger(store)
  s, err := ledger.RecordPartial(ctx, scheduleID, settlement.NewMoney(50), payDate, "cash")
  // s.Status == pending while 50 < Amount

SEE ALSO:
  - allocation.go: the only caller that posts remittances
  - store.go: LedgerStore
*/
package settlement

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	Store LedgerStore
	Now   func() time.Time
}

func NewLedger(store LedgerStore) *Ledger {
	return &Ledger{Store: store, Now: time.Now}
}

// ListPending returns unpaid schedules numbered fromInstallment or later,
// ordered by (InstallmentNumber, Seq).
func (l *Ledger) ListPending(ctx context.Context, contractID ContractID, fromInstallment int) ([]InstallmentSchedule, error) {
	all, err := l.Store.LoadSchedules(ctx, contractID, fromInstallment)
	if err != nil {
		return nil, err
	}
	pending := make([]InstallmentSchedule, 0, len(all))
	for _, s := range all {
		if s.Status != SchedulePaid {
			pending = append(pending, s)
		}
	}
	return pending, nil
}

// MarkPaid settles a schedule in full. A schedule already paid is returned
// unchanged.
func (l *Ledger) MarkPaid(ctx context.Context, id ScheduleID, paymentDate time.Time, method string) (InstallmentSchedule, error) {
	s, err := l.get(ctx, id)
	if err != nil {
		return InstallmentSchedule{}, err
	}
	if s.Status == SchedulePaid {
		return s, nil
	}

	paid := decimal.Max(s.AmountPaid, s.Amount)
	l.apply(&s, paid, paymentDate, method)
	s.Status = SchedulePaid
	if err := l.Store.UpdateSchedule(ctx, s); err != nil {
		return InstallmentSchedule{}, err
	}
	return s, nil
}

// RecordPartial sets AmountPaid to newAmountPaid, transitioning the schedule
// to paid when the new value covers the amount.
func (l *Ledger) RecordPartial(ctx context.Context, id ScheduleID, newAmountPaid decimal.Decimal, paymentDate time.Time, method string) (InstallmentSchedule, error) {
	s, err := l.get(ctx, id)
	if err != nil {
		return InstallmentSchedule{}, err
	}
	if newAmountPaid.LessThan(s.AmountPaid) {
		return InstallmentSchedule{}, ErrAmountPaidDecrease
	}
	if Exceeds(newAmountPaid, s.Amount) {
		return InstallmentSchedule{}, &OverpaymentError{ScheduleID: id, Amount: s.Amount, Requested: newAmountPaid}
	}
	if s.Status == SchedulePaid && newAmountPaid.Equal(s.AmountPaid) {
		return s, nil
	}

	l.apply(&s, newAmountPaid, paymentDate, method)
	if err := l.Store.UpdateSchedule(ctx, s); err != nil {
		return InstallmentSchedule{}, err
	}
	return s, nil
}

// Annotate appends a free-text note to a schedule.
func (l *Ledger) Annotate(ctx context.Context, id ScheduleID, note string) error {
	note = strings.TrimSpace(note)
	if note == "" {
		return nil
	}
	s, err := l.get(ctx, id)
	if err != nil {
		return err
	}
	if s.Notes == "" {
		s.Notes = note
	} else {
		s.Notes = s.Notes + "\n" + note
	}
	s.UpdatedAt = l.Now().UTC()
	return l.Store.UpdateSchedule(ctx, s)
}

func (l *Ledger) get(ctx context.Context, id ScheduleID) (InstallmentSchedule, error) {
	s, err := l.Store.GetSchedule(ctx, id)
	if err != nil {
		return InstallmentSchedule{}, err
	}
	if s == nil {
		return InstallmentSchedule{}, &NotFoundError{Kind: "schedule", ID: string(id), Err: ErrScheduleNotFound}
	}
	return *s, nil
}

func (l *Ledger) apply(s *InstallmentSchedule, amountPaid decimal.Decimal, paymentDate time.Time, method string) {
	s.AmountPaid = amountPaid
	day := DateOf(paymentDate)
	if s.PaymentDate == nil {
		s.PaymentDate = &day
	}
	if s.PaymentMethod == "" {
		s.PaymentMethod = method
	}
	if Covers(s.AmountPaid, s.Amount) {
		s.Status = SchedulePaid
		if s.PaidDate == nil {
			s.PaidDate = &day
		}
	}
	s.UpdatedAt = l.Now().UTC()
}
