/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the settlement entities from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Contracts:     ContractDTO, CreateContractRequest
  Schedules:     ScheduleDTO, GenerateScheduleRequest
  Payments:      ApplyPaymentRequest, AllocationResultDTO, PaymentDTO
  Commissions:   CommissionDTO, GrantCommissionRequest
  Verification:  EventDTO, VerificationRequest, RunSummaryDTO
  Scenarios:     ScenarioDTO, LoadScenarioRequest

MONEY:
  Amounts are decimal.Decimal and travel as JSON strings ("150.00"). Numbers
  are accepted on input.

VALIDATION:
  Request types carry go-playground/validator tags, checked by
  Handler.decode before any domain call.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/scheme.go: SchemeJSON, used as-is for schemes
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/commission"
	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// CONTRACTS
// =============================================================================

// ContractDTO represents a contract with its ledger totals.
type ContractDTO struct {
	ID          string          `json:"id"`
	AdvisorID   string          `json:"advisor_id"`
	SaleType    string          `json:"sale_type"`
	TermMonths  int             `json:"term_months"`
	SaleAmount  decimal.Decimal `json:"sale_amount"`
	SignedAt    string          `json:"signed_at"`
	PeriodStart string          `json:"period_start,omitempty"`
	PeriodEnd   string          `json:"period_end,omitempty"`

	Scheduled   decimal.Decimal `json:"scheduled"`
	Paid        decimal.Decimal `json:"paid"`
	Outstanding decimal.Decimal `json:"outstanding"`
}

// CreateContractRequest registers a signed sale. ID is generated when empty.
type CreateContractRequest struct {
	ID          string          `json:"id" validate:"omitempty,max=100"`
	AdvisorID   string          `json:"advisor_id" validate:"required,max=100"`
	SaleType    string          `json:"sale_type" validate:"required,oneof=cash financed"`
	TermMonths  int             `json:"term_months" validate:"gte=0,lte=600"`
	SaleAmount  decimal.Decimal `json:"sale_amount"`
	SignedAt    string          `json:"signed_at" validate:"required,datetime=2006-01-02"`
	PeriodStart string          `json:"period_start" validate:"omitempty,datetime=2006-01-02"`
	PeriodEnd   string          `json:"period_end" validate:"omitempty,datetime=2006-01-02"`
}

// =============================================================================
// SCHEDULES
// =============================================================================

// ScheduleDTO represents one installment.
type ScheduleDTO struct {
	ID                string          `json:"id"`
	InstallmentNumber int             `json:"installment_number"`
	InstallmentType   string          `json:"installment_type"`
	DueDate           string          `json:"due_date"`
	Amount            decimal.Decimal `json:"amount"`
	AmountPaid        decimal.Decimal `json:"amount_paid"`
	Remaining         decimal.Decimal `json:"remaining"`
	Status            string          `json:"status"`
	PaidDate          string          `json:"paid_date,omitempty"`
	PaymentDate       string          `json:"payment_date,omitempty"`
	PaymentMethod     string          `json:"payment_method,omitempty"`
	Notes             string          `json:"notes,omitempty"`
}

// GenerateScheduleRequest carries the financial template. An empty body
// means no template is configured.
type GenerateScheduleRequest struct {
	DownPaymentPercent decimal.Decimal `json:"down_payment_percent"`
	InstallmentCount   int             `json:"installment_count" validate:"gte=0,lte=600"`
	FirstDueDate       string          `json:"first_due_date" validate:"omitempty,datetime=2006-01-02"`
}

// =============================================================================
// PAYMENTS
// =============================================================================

// ApplyPaymentRequest is one remittance. TransactionID may also be sent as
// the Idempotency-Key header.
type ApplyPaymentRequest struct {
	StartInstallment int             `json:"start_installment" validate:"gte=0"`
	PaymentDate      string          `json:"payment_date" validate:"omitempty,datetime=2006-01-02"`
	Amount           decimal.Decimal `json:"amount"`
	Method           string          `json:"method" validate:"omitempty,max=50"`
	Reference        string          `json:"reference" validate:"omitempty,max=200"`
	Notes            string          `json:"notes" validate:"omitempty,max=2000"`
	TransactionID    string          `json:"transaction_id" validate:"omitempty,max=100"`
	CreatedBy        string          `json:"created_by" validate:"omitempty,max=100"`
}

// AllocationDTO is the part of a remittance posted to one installment.
type AllocationDTO struct {
	ScheduleID        string          `json:"schedule_id"`
	InstallmentNumber int             `json:"installment_number"`
	PaymentID         string          `json:"payment_id"`
	AppliedAmount     decimal.Decimal `json:"applied_amount"`
	AmountPaid        decimal.Decimal `json:"amount_paid"`
	Status            string          `json:"status"`
}

// AllocationResultDTO reports the outcome of a remittance.
type AllocationResultDTO struct {
	ContractID         string          `json:"contract_id"`
	TransactionID      string          `json:"transaction_id,omitempty"`
	RequestedAmount    decimal.Decimal `json:"requested_amount"`
	AppliedAmount      decimal.Decimal `json:"applied_amount"`
	UnappliedAmount    decimal.Decimal `json:"unapplied_amount"`
	Allocations        []AllocationDTO `json:"allocations"`
	ScheduleIDsTouched []string        `json:"schedule_ids_touched"`
	EventIDs           []string        `json:"event_ids"`
}

// PaymentDTO is one ledger posting.
type PaymentDTO struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id"`
	ScheduleID    string          `json:"schedule_id"`
	Amount        decimal.Decimal `json:"amount"`
	Method        string          `json:"method"`
	Reference     string          `json:"reference,omitempty"`
	PaymentDate   string          `json:"payment_date"`
	CreatedAt     string          `json:"created_at"`
}

// =============================================================================
// COMMISSIONS
// =============================================================================

// CommissionDTO represents a granted commission and its verification state.
type CommissionDTO struct {
	ID                        string          `json:"id"`
	ContractID                string          `json:"contract_id"`
	EmployeeID                string          `json:"employee_id"`
	CommissionAmount          decimal.Decimal `json:"commission_amount"`
	SaleAmount                decimal.Decimal `json:"sale_amount"`
	Percentage                decimal.Decimal `json:"percentage"`
	RuleID                    *int64          `json:"rule_id,omitempty"`
	SchemeID                  *int64          `json:"scheme_id,omitempty"`
	PaymentDependencyType     string          `json:"payment_dependency_type"`
	PaymentVerificationStatus string          `json:"payment_verification_status"`
	RequiredClientPayments    int             `json:"required_client_payments"`
	ClientPaymentsVerified    int             `json:"client_payments_verified"`
	RetryCount                int             `json:"retry_count"`
	LastVerificationAttempt   string          `json:"last_verification_attempt,omitempty"`
	IsPayable                 bool            `json:"is_payable"`
	PeriodStart               string          `json:"period_start,omitempty"`
	PeriodEnd                 string          `json:"period_end,omitempty"`
}

// GrantCommissionRequest grants the contract's commission. EmployeeID
// defaults to the contract's advisor.
type GrantCommissionRequest struct {
	EmployeeID             string `json:"employee_id" validate:"omitempty,max=100"`
	DependencyType         string `json:"payment_dependency_type" validate:"omitempty,oneof=none client_payments"`
	RequiredClientPayments *int   `json:"required_client_payments" validate:"omitempty,gte=0,lte=120"`
	PeriodStart            string `json:"period_start" validate:"omitempty,datetime=2006-01-02"`
	PeriodEnd              string `json:"period_end" validate:"omitempty,datetime=2006-01-02"`
}

// =============================================================================
// VERIFICATION
// =============================================================================

// VerificationRequest asks for a re-evaluation of a contract's commissions.
type VerificationRequest struct {
	RequestedBy string `json:"requested_by" validate:"omitempty,max=100"`
}

// EventDTO represents a payment event.
type EventDTO struct {
	ID              string            `json:"id"`
	Type            string            `json:"type"`
	PaymentID       string            `json:"payment_id,omitempty"`
	ContractID      string            `json:"contract_id"`
	InstallmentType string            `json:"installment_type,omitempty"`
	Payload         map[string]string `json:"payload"`
	Processed       bool              `json:"processed"`
	RetryCount      int               `json:"retry_count"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	CreatedAt       string            `json:"created_at"`
	ProcessedAt     string            `json:"processed_at,omitempty"`
}

// RunSummaryDTO reports one verification run.
type RunSummaryDTO struct {
	Events    int `json:"events"`
	Processed int `json:"processed"`
	Applied   int `json:"applied"`
	Retried   int `json:"retried"`
	Fatal     int `json:"fatal"`
	Deferred  int `json:"deferred"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the request to load a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// ErrorResponse is returned for every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatOptionalDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(settlement.DateLayout)
}

func formatDatePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(settlement.DateLayout)
}

func toContractDTO(c settlement.Contract, schedules []settlement.InstallmentSchedule) ContractDTO {
	dto := ContractDTO{
		ID:          string(c.ID),
		AdvisorID:   string(c.AdvisorID),
		SaleType:    string(c.SaleType),
		TermMonths:  c.TermMonths,
		SaleAmount:  c.SaleAmount,
		SignedAt:    formatOptionalDate(c.SignedAt),
		PeriodStart: formatOptionalDate(c.PeriodStart),
		PeriodEnd:   formatOptionalDate(c.PeriodEnd),
		Scheduled:   decimal.Zero,
		Paid:        decimal.Zero,
		Outstanding: decimal.Zero,
	}
	for _, s := range schedules {
		dto.Scheduled = dto.Scheduled.Add(s.Amount)
		dto.Paid = dto.Paid.Add(s.AmountPaid)
		dto.Outstanding = dto.Outstanding.Add(s.Remaining())
	}
	return dto
}

func toScheduleDTO(s settlement.InstallmentSchedule) ScheduleDTO {
	return ScheduleDTO{
		ID:                string(s.ID),
		InstallmentNumber: s.InstallmentNumber,
		InstallmentType:   s.InstallmentType(),
		DueDate:           formatOptionalDate(s.DueDate),
		Amount:            s.Amount,
		AmountPaid:        s.AmountPaid,
		Remaining:         s.Remaining(),
		Status:            string(s.Status),
		PaidDate:          formatDatePtr(s.PaidDate),
		PaymentDate:       formatDatePtr(s.PaymentDate),
		PaymentMethod:     s.PaymentMethod,
		Notes:             s.Notes,
	}
}

func toScheduleDTOs(schedules []settlement.InstallmentSchedule) []ScheduleDTO {
	out := make([]ScheduleDTO, len(schedules))
	for i, s := range schedules {
		out[i] = toScheduleDTO(s)
	}
	return out
}

func toAllocationResultDTO(r *settlement.AllocationResult) AllocationResultDTO {
	dto := AllocationResultDTO{
		ContractID:         string(r.ContractID),
		TransactionID:      string(r.TransactionID),
		RequestedAmount:    r.RequestedAmount,
		AppliedAmount:      r.AppliedAmount,
		UnappliedAmount:    r.UnappliedAmount,
		Allocations:        make([]AllocationDTO, len(r.Allocations)),
		ScheduleIDsTouched: make([]string, len(r.ScheduleIDsTouched)),
		EventIDs:           make([]string, len(r.EventIDs)),
	}
	for i, a := range r.Allocations {
		dto.Allocations[i] = AllocationDTO{
			ScheduleID:        string(a.ScheduleID),
			InstallmentNumber: a.InstallmentNumber,
			PaymentID:         string(a.PaymentID),
			AppliedAmount:     a.AppliedAmount,
			AmountPaid:        a.AmountPaid,
			Status:            string(a.Status),
		}
	}
	for i, id := range r.ScheduleIDsTouched {
		dto.ScheduleIDsTouched[i] = string(id)
	}
	for i, id := range r.EventIDs {
		dto.EventIDs[i] = string(id)
	}
	return dto
}

func toPaymentDTO(p settlement.Payment) PaymentDTO {
	return PaymentDTO{
		ID:            string(p.ID),
		TransactionID: string(p.TransactionID),
		ScheduleID:    string(p.ScheduleID),
		Amount:        p.Amount,
		Method:        p.Method,
		Reference:     p.Reference,
		PaymentDate:   formatOptionalDate(p.PaymentDate),
		CreatedAt:     p.CreatedAt.Format(time.RFC3339),
	}
}

func toCommissionDTO(c settlement.Commission) CommissionDTO {
	dto := CommissionDTO{
		ID:                        string(c.ID),
		ContractID:                string(c.ContractID),
		EmployeeID:                string(c.EmployeeID),
		CommissionAmount:          c.CommissionAmount,
		SaleAmount:                c.SaleAmount,
		Percentage:                c.Percentage,
		PaymentDependencyType:     string(c.PaymentDependencyType),
		PaymentVerificationStatus: string(c.PaymentVerificationStatus),
		RequiredClientPayments:    c.RequiredClientPayments,
		ClientPaymentsVerified:    c.ClientPaymentsVerified,
		RetryCount:                c.RetryCount,
		IsPayable:                 c.IsPayable,
		PeriodStart:               formatOptionalDate(c.PeriodStart),
		PeriodEnd:                 formatOptionalDate(c.PeriodEnd),
	}
	if c.RuleID != nil {
		id := int64(*c.RuleID)
		dto.RuleID = &id
	}
	if c.SchemeID != nil {
		id := int64(*c.SchemeID)
		dto.SchemeID = &id
	}
	if c.LastVerificationAttempt != nil {
		dto.LastVerificationAttempt = c.LastVerificationAttempt.Format(time.RFC3339)
	}
	return dto
}

func toEventDTO(e settlement.PaymentEvent) EventDTO {
	dto := EventDTO{
		ID:              string(e.ID),
		Type:            string(e.Type),
		PaymentID:       string(e.PaymentID),
		ContractID:      string(e.ContractID),
		InstallmentType: e.InstallmentType,
		Payload:         e.Payload,
		Processed:       e.Processed,
		RetryCount:      e.RetryCount,
		ErrorMessage:    e.ErrorMessage,
		CreatedAt:       e.CreatedAt.Format(time.RFC3339),
	}
	if dto.Payload == nil {
		dto.Payload = map[string]string{}
	}
	if e.ProcessedAt != nil {
		dto.ProcessedAt = e.ProcessedAt.Format(time.RFC3339)
	}
	return dto
}

func toRunSummaryDTO(s commission.RunSummary) RunSummaryDTO {
	return RunSummaryDTO{
		Events:    s.Events,
		Processed: s.Processed,
		Applied:   s.Applied,
		Retried:   s.Retried,
		Fatal:     s.Fatal,
		Deferred:  s.Deferred,
	}
}
