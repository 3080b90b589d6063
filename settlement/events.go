package settlement

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PAYMENT EVENT - outbox between allocation and commission verification
// =============================================================================

type EventType string

const (
	EventClientPaymentReceived EventType = "client_payment_received"
	EventInstallmentPaid       EventType = "installment_paid"
	EventVerificationRequested EventType = "commission_verification_requested"
)

// Payload keys written by the allocation engine.
const (
	PayloadScheduleID        = "schedule_id"
	PayloadInstallmentNumber = "installment_number"
	PayloadAppliedAmount     = "applied_amount"
	PayloadAmountPaid        = "amount_paid"
	PayloadStatus            = "status"
	PayloadPaymentDate       = "payment_date"
	PayloadTransactionID     = "transaction_id"
	PayloadRequestedBy       = "requested_by"
)

// PaymentEvent is an immutable fact produced inside the allocation unit of
// work. Processing bookkeeping (Processed, RetryCount, LastRetryAt,
// ErrorMessage, ProcessedAt) is the only part that changes afterwards.
type PaymentEvent struct {
	ID              EventID
	Type            EventType
	PaymentID       PaymentID // empty for operator-requested events
	ContractID      ContractID
	InstallmentType string
	Payload         map[string]string
	Processed       bool
	RetryCount      int
	LastRetryAt     *time.Time
	ErrorMessage    string
	Seq             int64
	CreatedAt       time.Time
	ProcessedAt     *time.Time
}

// PaymentDate returns the payment date carried in the payload, falling back
// to the event creation time.
func (e PaymentEvent) PaymentDate() time.Time {
	if v, ok := e.Payload[PayloadPaymentDate]; ok {
		if t, err := time.Parse(DateLayout, v); err == nil {
			return t
		}
	}
	return e.CreatedAt
}

// AppliedAmount returns the posted amount carried in the payload.
func (e PaymentEvent) AppliedAmount() decimal.Decimal {
	return MustParseMoney(e.Payload[PayloadAppliedAmount])
}

// Failed reports whether the event was given up on.
func (e PaymentEvent) Failed() bool {
	return e.Processed && e.ErrorMessage != ""
}
