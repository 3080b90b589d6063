/*
allocation.go - Payment Allocation Engine

PURPOSE:
  Distributes one customer remittance across a contract's installments in
  installment order, posting a Payment row for each installment it touches
  and emitting the payment events the commission verification pipeline
  consumes.

ALLOCATION FLOW:
  ┌──────────────────────────────────────────────────────────────────┐
  │                                                                  │
  │  clamp amount ──▶ lock contract ──▶ WithTx ──▶ walk schedules    │
  │                                                  │               │
  │                                                  ▼               │
  │                         Payment row + RecordPartial + events     │
  │                                                  │               │
  │                                                  ▼               │
  │                               commit ──▶ unlock ──▶ notify       │
  │                                                                  │
  └──────────────────────────────────────────────────────────────────┘

RULES:
  - Amounts are clamped to >= 0. A non-positive amount is a no-op that
    reports everything unapplied. Negative input is not an error.
  - Method defaults to "transfer".
  - Schedules numbered below StartInstallment are never touched.
  - Paid schedules are skipped. A pending schedule whose AmountPaid already
    covers its Amount is corrected to paid without a posting.
  - Each touched schedule gets min(schedule remaining, remittance remaining).
  - Notes are attached only to the schedule numbered StartInstallment.
  - No eligible schedule is not an error: the amount comes back unapplied.

ATOMICITY:
  Ledger mutation, Payment rows, the PaymentTransaction and every event are
  written inside one TxStore.WithTx call, while the contract lock is held.
  Two remittances for the same contract never read the same balance.

EVENTS:
  client_payment_received   one per posted schedule
  installment_paid          one per schedule that transitioned to paid

SEE ALSO:
  - ledger.go: per-row invariants
  - lock.go: per-contract Locker
  - commission/verification.go: event consumer
*/
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// REQUEST / RESULT
// =============================================================================

// PaymentRequest describes a remittance to allocate. TransactionID is
// optional; when set it doubles as the idempotency key of the remittance.
type PaymentRequest struct {
	ContractID       ContractID
	StartInstallment int
	PaymentDate      time.Time
	Amount           decimal.Decimal
	Method           string
	Reference        string
	Notes            string
	TransactionID    TransactionID
	CreatedBy        string
}

// Allocation is the part of a remittance posted to one schedule.
type Allocation struct {
	ScheduleID        ScheduleID
	InstallmentNumber int
	PaymentID         PaymentID
	AppliedAmount     decimal.Decimal
	AmountPaid        decimal.Decimal
	Status            ScheduleStatus
}

// AllocationResult reports what happened to a remittance.
// AppliedAmount + UnappliedAmount == RequestedAmount.
type AllocationResult struct {
	ContractID         ContractID
	TransactionID      TransactionID
	RequestedAmount    decimal.Decimal
	AppliedAmount      decimal.Decimal
	UnappliedAmount    decimal.Decimal
	Allocations        []Allocation
	ScheduleIDsTouched []ScheduleID
	EventIDs           []EventID
}

// Notifier is told about contracts with fresh payment events. It must not
// block.
type Notifier interface {
	Notify(contractID ContractID)
}

// =============================================================================
// ALLOCATION ENGINE
// =============================================================================

type AllocationEngine struct {
	Store    TxStore
	Locker   Locker
	Notifier Notifier
	Logger   *slog.Logger
	Now      func() time.Time
	NewID    func() string
}

func NewAllocationEngine(store TxStore, locker Locker, logger *slog.Logger) *AllocationEngine {
	if locker == nil {
		locker = NewKeyedMutex()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AllocationEngine{
		Store:  store,
		Locker: locker,
		Logger: logger.With("component", "allocation"),
		Now:    time.Now,
		NewID:  uuid.NewString,
	}
}

// ApplyPayment allocates a remittance across the contract's installments.
func (e *AllocationEngine) ApplyPayment(ctx context.Context, req PaymentRequest) (*AllocationResult, error) {
	amount := ClampNonNegative(req.Amount)
	result := &AllocationResult{
		ContractID:         req.ContractID,
		TransactionID:      req.TransactionID,
		RequestedAmount:    amount,
		AppliedAmount:      decimal.Zero,
		UnappliedAmount:    amount,
		Allocations:        []Allocation{},
		ScheduleIDsTouched: []ScheduleID{},
		EventIDs:           []EventID{},
	}
	if !IsPositive(amount) {
		return result, nil
	}

	if req.Method == "" {
		req.Method = DefaultPaymentMethod
	}
	if req.PaymentDate.IsZero() {
		req.PaymentDate = e.Now()
	}
	req.PaymentDate = DateOf(req.PaymentDate)
	if req.TransactionID == "" {
		req.TransactionID = TransactionID(e.NewID())
	}
	result.TransactionID = req.TransactionID

	unlock, err := e.Locker.Lock(ctx, ContractLockKey(req.ContractID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var staged AllocationResult
	err = e.Store.WithTx(ctx, func(tx Store) error {
		staged = *result
		staged.Allocations = []Allocation{}
		staged.ScheduleIDsTouched = []ScheduleID{}
		staged.EventIDs = []EventID{}
		return e.allocate(ctx, tx, req, amount, &staged)
	})
	if err != nil {
		return nil, err
	}
	*result = staged

	e.Logger.Info("payment allocated",
		"contract_id", req.ContractID,
		"transaction_id", result.TransactionID,
		"requested", result.RequestedAmount.String(),
		"applied", result.AppliedAmount.String(),
		"unapplied", result.UnappliedAmount.String(),
		"schedules", len(result.ScheduleIDsTouched),
	)

	if e.Notifier != nil && len(result.EventIDs) > 0 {
		e.Notifier.Notify(req.ContractID)
	}
	return result, nil
}

func (e *AllocationEngine) allocate(ctx context.Context, tx Store, req PaymentRequest, amount decimal.Decimal, result *AllocationResult) error {
	contract, err := tx.GetContract(ctx, req.ContractID)
	if err != nil {
		return fmt.Errorf("load contract: %w", err)
	}
	if contract == nil {
		return &NotFoundError{Kind: "contract", ID: string(req.ContractID), Err: ErrContractNotFound}
	}

	existing, err := tx.GetTransaction(ctx, req.TransactionID)
	if err != nil {
		return fmt.Errorf("load transaction: %w", err)
	}
	if existing != nil {
		postings, err := tx.PaymentsByTransaction(ctx, req.TransactionID)
		if err != nil {
			return fmt.Errorf("load postings: %w", err)
		}
		if len(postings) > 0 {
			return fmt.Errorf("%w: %s", ErrDuplicateTransaction, req.TransactionID)
		}
	}

	schedules, err := tx.LoadSchedules(ctx, req.ContractID, req.StartInstallment)
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}

	ledger := &Ledger{Store: tx, Now: e.Now}
	now := e.Now().UTC()
	applied := decimal.Zero
	transactionWritten := existing != nil

	for _, s := range schedules {
		remaining := amount.Sub(applied)
		if !IsPositive(remaining) {
			break
		}
		if s.Status == SchedulePaid {
			continue
		}

		owed := s.Remaining()
		if !IsPositive(owed) {
			if _, err := ledger.MarkPaid(ctx, s.ID, req.PaymentDate, req.Method); err != nil {
				return fmt.Errorf("correct schedule %s: %w", s.ID, err)
			}
			e.Logger.Warn("stale schedule corrected to paid",
				"contract_id", req.ContractID,
				"schedule_id", s.ID,
				"installment_number", s.InstallmentNumber,
			)
			continue
		}

		if !transactionWritten {
			if err := tx.AppendTransaction(ctx, PaymentTransaction{
				ID:              req.TransactionID,
				ContractID:      req.ContractID,
				StartScheduleID: startScheduleID(schedules, req.StartInstallment),
				PaymentDate:     req.PaymentDate,
				Amount:          amount,
				Method:          req.Method,
				Reference:       req.Reference,
				Notes:           req.Notes,
				CreatedBy:       req.CreatedBy,
				CreatedAt:       now,
			}); err != nil {
				return fmt.Errorf("append transaction: %w", err)
			}
			transactionWritten = true
		}

		portion := decimal.Min(owed, remaining)
		payment := Payment{
			ID:            PaymentID(e.NewID()),
			TransactionID: req.TransactionID,
			ScheduleID:    s.ID,
			ContractID:    req.ContractID,
			Amount:        portion,
			Method:        req.Method,
			Reference:     req.Reference,
			PaymentDate:   req.PaymentDate,
			CreatedAt:     now,
		}
		if err := tx.AppendPayment(ctx, payment); err != nil {
			return fmt.Errorf("append payment: %w", err)
		}

		updated, err := ledger.RecordPartial(ctx, s.ID, s.AmountPaid.Add(portion), req.PaymentDate, req.Method)
		if err != nil {
			return fmt.Errorf("post to schedule %s: %w", s.ID, err)
		}
		if s.InstallmentNumber == req.StartInstallment && req.Notes != "" {
			if err := ledger.Annotate(ctx, s.ID, req.Notes); err != nil {
				return fmt.Errorf("annotate schedule %s: %w", s.ID, err)
			}
		}

		applied = applied.Add(portion)
		result.Allocations = append(result.Allocations, Allocation{
			ScheduleID:        s.ID,
			InstallmentNumber: s.InstallmentNumber,
			PaymentID:         payment.ID,
			AppliedAmount:     portion,
			AmountPaid:        updated.AmountPaid,
			Status:            updated.Status,
		})
		result.ScheduleIDsTouched = append(result.ScheduleIDsTouched, s.ID)

		ids, err := e.emit(ctx, tx, req, payment, updated, s.Status != SchedulePaid && updated.Status == SchedulePaid, now)
		if err != nil {
			return err
		}
		result.EventIDs = append(result.EventIDs, ids...)
	}

	result.AppliedAmount = applied
	result.UnappliedAmount = amount.Sub(applied)
	return nil
}

func (e *AllocationEngine) emit(ctx context.Context, tx Store, req PaymentRequest, p Payment, s InstallmentSchedule, transitioned bool, now time.Time) ([]EventID, error) {
	payload := map[string]string{
		PayloadScheduleID:        string(s.ID),
		PayloadInstallmentNumber: strconv.Itoa(s.InstallmentNumber),
		PayloadAppliedAmount:     p.Amount.String(),
		PayloadAmountPaid:        s.AmountPaid.String(),
		PayloadStatus:            string(s.Status),
		PayloadPaymentDate:       req.PaymentDate.Format(DateLayout),
		PayloadTransactionID:     string(req.TransactionID),
	}

	types := []EventType{EventClientPaymentReceived}
	if transitioned {
		types = append(types, EventInstallmentPaid)
	}

	ids := make([]EventID, 0, len(types))
	for _, t := range types {
		ev := PaymentEvent{
			ID:              EventID(e.NewID()),
			Type:            t,
			PaymentID:       p.ID,
			ContractID:      req.ContractID,
			InstallmentType: s.InstallmentType(),
			Payload:         payload,
			CreatedAt:       now,
		}
		if err := tx.AppendEvent(ctx, ev); err != nil {
			return nil, fmt.Errorf("append %s event: %w", t, err)
		}
		ids = append(ids, ev.ID)
	}
	return ids, nil
}

func startScheduleID(schedules []InstallmentSchedule, number int) ScheduleID {
	for _, s := range schedules {
		if s.InstallmentNumber == number {
			return s.ID
		}
	}
	if len(schedules) > 0 {
		return schedules[0].ID
	}
	return ""
}
