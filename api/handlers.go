/*
handlers.go - HTTP API handlers for the settlement engine

PURPOSE:
  Exposes the settlement core via REST API. Handles HTTP request/response,
  JSON serialization and validation, and delegates to the engines.

ENDPOINTS:
  Contracts:
    POST   /api/contracts                       Register a signed sale
    GET    /api/contracts/{id}                  Contract with ledger totals
    POST   /api/contracts/{id}/schedule         Generate installment schedule
    GET    /api/contracts/{id}/schedules        List installments
    POST   /api/contracts/{id}/payments         Apply a remittance
    GET    /api/contracts/{id}/payments         List postings
    GET    /api/contracts/{id}/commissions      List commissions
    POST   /api/contracts/{id}/commissions      Grant commission
    POST   /api/contracts/{id}/verification     Request re-verification

  Schemes:
    GET    /api/schemes                         List commission schemes
    POST   /api/schemes                         Create scheme from JSON

  Verification:
    POST   /api/verification/run                Run the pipeline now
    GET    /api/verification/status             Last run
    GET    /api/verification/failures           Events given up on

  Scenarios / Admin:
    GET    /api/scenarios                       List demo scenarios
    GET    /api/scenarios/current               Currently loaded scenario
    POST   /api/scenarios/load                  Load a demo scenario
    POST   /api/admin/reset                     Clear all data

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Store: TxStore with Reset
  - Engine: settlement.AllocationEngine
  - Granter, Pipeline: commission package
  - Scheduler: background verification, also the engine's Notifier

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input, invalid scheme, overpayment
  - 404: Contract, schedule or commission not found
  - 409: Duplicate transaction, grant or schedule; schedule has payments
  - 422: Missing or invalid financial template
  - 503: Contract lock not acquired in time
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/warp/settlement-engine/commission"
	"github.com/warp/settlement-engine/factory"
	"github.com/warp/settlement-engine/settlement"
)

// IdempotencyKeyHeader doubles as the remittance transaction ID.
const IdempotencyKeyHeader = "Idempotency-Key"

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is what the HTTP layer needs from persistence.
type Store interface {
	settlement.TxStore
	Reset(ctx context.Context) error
}

// Options configure the engines built by NewHandler. Zero values use the
// engine defaults.
type Options struct {
	Locker           settlement.Locker
	VerifySchedule   string
	MaxRetries       int
	RetryBackoff     time.Duration
	BatchSize        int
	Workers          int
	RequiredPayments *int
	CommissionPeriod settlement.PeriodType
	Logger           *slog.Logger
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store         Store
	Engine        *settlement.AllocationEngine
	Granter       *commission.Granter
	Pipeline      *commission.Pipeline
	Scheduler     *VerificationScheduler
	SchemeFactory *factory.SchemeFactory

	logger   *slog.Logger
	validate *validator.Validate

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler wires the engines around store. The scheduler is built but not
// started.
func NewHandler(store Store, opts Options) (*Handler, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	spec := opts.VerifySchedule
	if spec == "" {
		spec = "@every 30s"
	}

	engine := settlement.NewAllocationEngine(store, opts.Locker, logger)

	granter := commission.NewGranter(store, logger)
	if opts.RequiredPayments != nil {
		granter.RequiredPayments = *opts.RequiredPayments
	}
	if opts.CommissionPeriod != "" {
		granter.Period = opts.CommissionPeriod
	}

	pipeline := commission.NewPipeline(store, logger)
	if opts.MaxRetries > 0 {
		pipeline.MaxRetries = opts.MaxRetries
	}
	if opts.RetryBackoff > 0 {
		pipeline.RetryBackoff = opts.RetryBackoff
	}
	if opts.BatchSize > 0 {
		pipeline.BatchSize = opts.BatchSize
	}
	if opts.Workers > 0 {
		pipeline.Workers = opts.Workers
	}

	scheduler, err := NewVerificationScheduler(pipeline, spec, logger)
	if err != nil {
		return nil, err
	}
	engine.Notifier = scheduler

	return &Handler{
		Store:         store,
		Engine:        engine,
		Granter:       granter,
		Pipeline:      pipeline,
		Scheduler:     scheduler,
		SchemeFactory: factory.NewSchemeFactory(),
		logger:        logger.With("component", "api"),
		validate:      validator.New(),
	}, nil
}

// =============================================================================
// CONTRACT HANDLERS
// =============================================================================

// CreateContract registers a signed sale. An existing ID is replaced.
func (h *Handler) CreateContract(w http.ResponseWriter, r *http.Request) {
	var req CreateContractRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !req.SaleAmount.IsPositive() {
		writeError(w, http.StatusBadRequest, "sale_amount must be positive", nil)
		return
	}

	signedAt, _ := time.Parse(settlement.DateLayout, req.SignedAt)
	c := settlement.Contract{
		ID:          settlement.ContractID(req.ID),
		AdvisorID:   settlement.EmployeeID(req.AdvisorID),
		SaleType:    settlement.SaleType(req.SaleType),
		TermMonths:  req.TermMonths,
		SaleAmount:  req.SaleAmount,
		SignedAt:    signedAt,
		PeriodStart: parseOptionalDate(req.PeriodStart),
		PeriodEnd:   parseOptionalDate(req.PeriodEnd),
		CreatedAt:   time.Now().UTC(),
	}
	if c.ID == "" {
		c.ID = settlement.ContractID(uuid.NewString())
	}
	if !c.PeriodStart.IsZero() && !c.PeriodEnd.IsZero() && c.PeriodEnd.Before(c.PeriodStart) {
		writeError(w, http.StatusBadRequest, "period_end before period_start", nil)
		return
	}

	if err := h.Store.SaveContract(r.Context(), c); err != nil {
		h.writeDomainError(w, "Failed to save contract", err)
		return
	}
	writeJSON(w, http.StatusCreated, toContractDTO(c, nil))
}

// GetContract returns a contract with its ledger totals.
func (h *Handler) GetContract(w http.ResponseWriter, r *http.Request) {
	c, ok := h.loadContract(w, r)
	if !ok {
		return
	}
	schedules, err := h.Store.LoadSchedules(r.Context(), c.ID, 0)
	if err != nil {
		h.writeDomainError(w, "Failed to load schedules", err)
		return
	}
	writeJSON(w, http.StatusOK, toContractDTO(*c, schedules))
}

// =============================================================================
// SCHEDULE HANDLERS
// =============================================================================

// GenerateSchedule builds the installment plan from the posted financial
// template, replacing any schedule that has no payments yet.
func (h *Handler) GenerateSchedule(w http.ResponseWriter, r *http.Request) {
	c, ok := h.loadContract(w, r)
	if !ok {
		return
	}

	var tmpl *settlement.FinancialTemplate
	var req GenerateScheduleRequest
	present, ok := h.decodeOptional(w, r, &req)
	if !ok {
		return
	}
	if present {
		tmpl = &settlement.FinancialTemplate{
			DownPaymentPercent: req.DownPaymentPercent,
			InstallmentCount:   req.InstallmentCount,
			FirstDueDate:       parseOptionalDate(req.FirstDueDate),
		}
	}

	schedules, err := settlement.GenerateSchedule(*c, tmpl, time.Now())
	if err != nil {
		h.writeDomainError(w, "Failed to generate schedule", err)
		return
	}
	if err := settlement.ReplaceSchedule(r.Context(), h.Store, c.ID, schedules); err != nil {
		h.writeDomainError(w, "Failed to save schedule", err)
		return
	}

	stored, err := h.Store.LoadSchedules(r.Context(), c.ID, 0)
	if err != nil {
		h.writeDomainError(w, "Failed to load schedules", err)
		return
	}
	h.logger.Info("schedule generated", "contract_id", c.ID, "installments", len(stored))
	writeJSON(w, http.StatusCreated, toScheduleDTOs(stored))
}

// ListSchedules returns a contract's installments in allocation order.
func (h *Handler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	c, ok := h.loadContract(w, r)
	if !ok {
		return
	}
	schedules, err := h.Store.LoadSchedules(r.Context(), c.ID, 0)
	if err != nil {
		h.writeDomainError(w, "Failed to load schedules", err)
		return
	}
	writeJSON(w, http.StatusOK, toScheduleDTOs(schedules))
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// ApplyPayment allocates a remittance across the contract's installments.
func (h *Handler) ApplyPayment(w http.ResponseWriter, r *http.Request) {
	var req ApplyPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.TransactionID == "" {
		req.TransactionID = strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
	}

	result, err := h.Engine.ApplyPayment(r.Context(), settlement.PaymentRequest{
		ContractID:       settlement.ContractID(chi.URLParam(r, "id")),
		StartInstallment: req.StartInstallment,
		PaymentDate:      parseOptionalDate(req.PaymentDate),
		Amount:           req.Amount,
		Method:           req.Method,
		Reference:        req.Reference,
		Notes:            req.Notes,
		TransactionID:    settlement.TransactionID(req.TransactionID),
		CreatedBy:        req.CreatedBy,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to apply payment", err)
		return
	}
	writeJSON(w, http.StatusOK, toAllocationResultDTO(result))
}

// ListPayments returns the contract's postings.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	c, ok := h.loadContract(w, r)
	if !ok {
		return
	}
	payments, err := h.Store.PaymentsByContract(r.Context(), c.ID)
	if err != nil {
		h.writeDomainError(w, "Failed to load payments", err)
		return
	}
	dtos := make([]PaymentDTO, len(payments))
	for i, p := range payments {
		dtos[i] = toPaymentDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// COMMISSION HANDLERS
// =============================================================================

// ListCommissions returns the contract's commissions.
func (h *Handler) ListCommissions(w http.ResponseWriter, r *http.Request) {
	c, ok := h.loadContract(w, r)
	if !ok {
		return
	}
	commissions, err := h.Store.CommissionsByContract(r.Context(), c.ID)
	if err != nil {
		h.writeDomainError(w, "Failed to load commissions", err)
		return
	}
	dtos := make([]CommissionDTO, len(commissions))
	for i, cm := range commissions {
		dtos[i] = toCommissionDTO(cm)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GrantCommission resolves and records the commission for a contract.
func (h *Handler) GrantCommission(w http.ResponseWriter, r *http.Request) {
	var req GrantCommissionRequest
	if _, ok := h.decodeOptional(w, r, &req); !ok {
		return
	}

	c, err := h.Granter.Grant(r.Context(), commission.GrantInput{
		ContractID:             settlement.ContractID(chi.URLParam(r, "id")),
		EmployeeID:             settlement.EmployeeID(req.EmployeeID),
		DependencyType:         settlement.DependencyType(req.DependencyType),
		RequiredClientPayments: req.RequiredClientPayments,
		PeriodStart:            parseOptionalDate(req.PeriodStart),
		PeriodEnd:              parseOptionalDate(req.PeriodEnd),
	})
	if err != nil {
		h.writeDomainError(w, "Failed to grant commission", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCommissionDTO(c))
}

// RequestVerification enqueues a re-evaluation and wakes the scheduler.
func (h *Handler) RequestVerification(w http.ResponseWriter, r *http.Request) {
	var req VerificationRequest
	if _, ok := h.decodeOptional(w, r, &req); !ok {
		return
	}

	contractID := settlement.ContractID(chi.URLParam(r, "id"))
	ev, err := h.Pipeline.RequestVerification(r.Context(), contractID, req.RequestedBy)
	if err != nil {
		h.writeDomainError(w, "Failed to request verification", err)
		return
	}
	h.Scheduler.Notify(contractID)
	writeJSON(w, http.StatusAccepted, toEventDTO(ev))
}

// =============================================================================
// SCHEME HANDLERS
// =============================================================================

// ListSchemes returns all commission schemes with their rules.
func (h *Handler) ListSchemes(w http.ResponseWriter, r *http.Request) {
	schemes, err := h.Store.ListSchemes(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to list schemes", err)
		return
	}
	dtos := make([]factory.SchemeJSON, len(schemes))
	for i, s := range schemes {
		dtos[i] = factory.ToJSON(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateScheme parses a scheme through the factory and stores it.
func (h *Handler) CreateScheme(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read body", err)
		return
	}
	scheme, err := h.SchemeFactory.ParseScheme(string(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid scheme", err)
		return
	}
	saved, err := h.Store.SaveScheme(r.Context(), scheme)
	if err != nil {
		h.writeDomainError(w, "Failed to save scheme", err)
		return
	}
	h.logger.Info("commission scheme saved", "scheme_id", saved.ID, "name", saved.Name, "rules", len(saved.Rules))
	writeJSON(w, http.StatusCreated, factory.ToJSON(saved))
}

// =============================================================================
// VERIFICATION HANDLERS
// =============================================================================

// RunVerification processes pending payment events synchronously.
func (h *Handler) RunVerification(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Scheduler.RunNow(r.Context())
	if err != nil {
		h.writeDomainError(w, "Verification run failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toRunSummaryDTO(summary))
}

// VerificationStatus returns the last run, or null before the first.
func (h *Handler) VerificationStatus(w http.ResponseWriter, r *http.Request) {
	last := h.Scheduler.Last()
	if last == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	resp := map[string]any{
		"started_at":  last.StartedAt.Format(time.RFC3339),
		"duration_ms": last.Duration.Milliseconds(),
		"trigger":     last.Trigger,
		"summary":     toRunSummaryDTO(last.Summary),
	}
	if last.Err != nil {
		resp["error"] = last.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListFailedEvents returns events the pipeline gave up on.
func (h *Handler) ListFailedEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.Pipeline.FailedEvents(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to list failed events", err)
		return
	}
	dtos := make([]EventDTO, len(events))
	for i, e := range events {
		dtos[i] = toEventDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		h.writeDomainError(w, "Failed to reset database", err)
		return
	}
	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) loadContract(w http.ResponseWriter, r *http.Request) (*settlement.Contract, bool) {
	id := settlement.ContractID(chi.URLParam(r, "id"))
	c, err := h.Store.GetContract(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to load contract", err)
		return nil, false
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "Contract not found", nil)
		return nil, false
	}
	return c, true
}

// decode reads a required JSON body into dst and validates it.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return h.check(w, dst)
}

// decodeOptional accepts an empty body. It reports whether a body was read.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) (present bool, ok bool) {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
	if errors.Is(err, io.EOF) {
		return false, true
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false, false
	}
	return true, h.check(w, dst)
}

func (h *Handler) check(w http.ResponseWriter, dst any) bool {
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

// writeDomainError maps engine errors onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, settlement.ErrMissingFinancialTemplate),
		errors.Is(err, settlement.ErrInvalidFinancialTemplate):
		writeError(w, http.StatusUnprocessableEntity, message, err)
	case settlement.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case settlement.IsConflict(err):
		writeError(w, http.StatusConflict, message, err)
	case errors.Is(err, factory.ErrInvalidScheme), settlement.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	case settlement.IsRetryable(err):
		writeError(w, http.StatusServiceUnavailable, message, err)
	default:
		h.logger.Error(message, "error", err)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// parseOptionalDate parses a pre-validated date; empty yields zero time.
func parseOptionalDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(settlement.DateLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (h *Handler) setCurrentScenario(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.currentScenario = id
}

func (h *Handler) scenarioID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.currentScenario
}
