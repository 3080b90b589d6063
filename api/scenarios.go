/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	contracts, schedules, remittances and commissions. Each scenario shows
	one behavior of the settlement core end to end.

AVAILABLE SCENARIOS:

	partial-payments:      150 then 60 across three installments of 100
	fully-paid:            remittance against a settled contract stays unapplied
	volume-brackets:       fifth sale of the month lands in the 2% bracket
	payment-verification:  commission becomes payable after two client payments
	down-payment:          schedule with a 20% down payment as installment 0

HOW SCENARIOS WORK:
 1. Reset store (clear all data)
 2. Create the standard commission scheme via factory
 3. Create contracts and generate their schedules
 4. Grant commissions, apply remittances
 5. Run verification so the result is visible immediately

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "partial-payments"}

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: ResetDatabase
  - factory/presets.go: StandardScheme
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/commission"
	"github.com/warp/settlement-engine/factory"
	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "partial-payments",
		Name:        "Partial Payments",
		Description: "Three installments of 100; a remittance of 150 then one of 60 starting at installment 2",
	},
	{
		ID:          "fully-paid",
		Name:        "Fully Paid Contract",
		Description: "A remittance of 500 against a contract with nothing left to pay is returned unapplied",
	},
	{
		ID:          "volume-brackets",
		Name:        "Volume Brackets",
		Description: "Advisor with four sales this month; a 24-month financed sale resolves to 2%",
	},
	{
		ID:          "payment-verification",
		Name:        "Payment Verification",
		Description: "Commission requiring two client payments moves to fully verified and payable",
	},
	{
		ID:          "down-payment",
		Name:        "Down Payment",
		Description: "Financial template with a 20% down payment and 12 monthly installments",
	},
}

type scenarioLoader func(ctx context.Context, h *Handler) error

var scenarioLoaders = map[string]scenarioLoader{
	"partial-payments":     loadPartialPaymentsScenario,
	"fully-paid":           loadFullyPaidScenario,
	"volume-brackets":      loadVolumeBracketsScenario,
	"payment-verification": loadPaymentVerificationScenario,
	"down-payment":         loadDownPaymentScenario,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	id := h.scenarioID()
	for _, s := range scenarios {
		if s.ID == id {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and loads a scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		h.writeDomainError(w, "Failed to reset store", err)
		return
	}
	if err := load(ctx, h); err != nil {
		h.writeDomainError(w, "Failed to load scenario", err)
		return
	}
	h.setCurrentScenario(req.ScenarioID)
	h.logger.Info("scenario loaded", "scenario", req.ScenarioID)

	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "loaded",
		"scenario": req.ScenarioID,
	})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// scenarioEpoch anchors every scenario date.
var scenarioEpoch = settlement.Date(2025, time.January, 15)

func loadPartialPaymentsScenario(ctx context.Context, h *Handler) error {
	c, err := createScenarioContract(ctx, h, "contract-a", "advisor-ana", settlement.SaleFinanced, 3, 300, 0)
	if err != nil {
		return err
	}
	if _, err := h.Engine.ApplyPayment(ctx, settlement.PaymentRequest{
		ContractID:       c.ID,
		StartInstallment: 1,
		PaymentDate:      scenarioEpoch.AddDate(0, 1, 0),
		Amount:           decimal.NewFromInt(150),
		Reference:        "REM-0001",
		Notes:            "first remittance",
	}); err != nil {
		return err
	}
	_, err = h.Engine.ApplyPayment(ctx, settlement.PaymentRequest{
		ContractID:       c.ID,
		StartInstallment: 2,
		PaymentDate:      scenarioEpoch.AddDate(0, 2, 0),
		Amount:           decimal.NewFromInt(60),
		Reference:        "REM-0002",
	})
	return err
}

func loadFullyPaidScenario(ctx context.Context, h *Handler) error {
	c, err := createScenarioContract(ctx, h, "contract-c", "advisor-ana", settlement.SaleFinanced, 3, 300, 0)
	if err != nil {
		return err
	}
	if _, err := h.Engine.ApplyPayment(ctx, settlement.PaymentRequest{
		ContractID:  c.ID,
		PaymentDate: scenarioEpoch.AddDate(0, 1, 0),
		Amount:      decimal.NewFromInt(300),
		Reference:   "REM-PAYOFF",
	}); err != nil {
		return err
	}
	_, err = h.Engine.ApplyPayment(ctx, settlement.PaymentRequest{
		ContractID:  c.ID,
		PaymentDate: scenarioEpoch.AddDate(0, 2, 0),
		Amount:      decimal.NewFromInt(500),
		Reference:   "REM-EXTRA",
	})
	return err
}

func loadVolumeBracketsScenario(ctx context.Context, h *Handler) error {
	if err := saveStandardScheme(ctx, h); err != nil {
		return err
	}
	// Four earlier sales in the same month put the advisor in 4-5.
	for i := 1; i <= 4; i++ {
		id := settlement.ContractID(fmt.Sprintf("contract-d-%d", i))
		if err := h.Store.SaveContract(ctx, settlement.Contract{
			ID:         id,
			AdvisorID:  "advisor-bruno",
			SaleType:   settlement.SaleFinanced,
			TermMonths: 24,
			SaleAmount: decimal.NewFromInt(20000),
			SignedAt:   scenarioEpoch.AddDate(0, 0, -i),
			CreatedAt:  time.Now().UTC(),
		}); err != nil {
			return err
		}
	}
	c, err := createScenarioContract(ctx, h, "contract-d", "advisor-bruno", settlement.SaleFinanced, 24, 24000, 10)
	if err != nil {
		return err
	}
	_, err = h.Granter.Grant(ctx, commission.GrantInput{ContractID: c.ID})
	return err
}

func loadPaymentVerificationScenario(ctx context.Context, h *Handler) error {
	if err := saveStandardScheme(ctx, h); err != nil {
		return err
	}
	c, err := createScenarioContract(ctx, h, "contract-e", "advisor-carla", settlement.SaleCash, 3, 3000, 0)
	if err != nil {
		return err
	}
	required := 2
	if _, err := h.Granter.Grant(ctx, commission.GrantInput{
		ContractID:             c.ID,
		DependencyType:         settlement.DependencyClientPayments,
		RequiredClientPayments: &required,
	}); err != nil {
		return err
	}

	for i := 1; i <= 2; i++ {
		if _, err := h.Engine.ApplyPayment(ctx, settlement.PaymentRequest{
			ContractID:       c.ID,
			StartInstallment: i,
			PaymentDate:      scenarioEpoch.AddDate(0, i, 0),
			Amount:           decimal.NewFromInt(1000),
			Reference:        fmt.Sprintf("REM-E-%d", i),
		}); err != nil {
			return err
		}
	}
	_, err = h.Scheduler.RunNow(ctx)
	return err
}

func loadDownPaymentScenario(ctx context.Context, h *Handler) error {
	c, err := createScenarioContract(ctx, h, "contract-dp", "advisor-ana", settlement.SaleFinanced, 12, 12000, 20)
	if err != nil {
		return err
	}
	_, err = h.Engine.ApplyPayment(ctx, settlement.PaymentRequest{
		ContractID:  c.ID,
		PaymentDate: scenarioEpoch,
		Amount:      decimal.NewFromInt(2400),
		Method:      "cash",
		Notes:       "down payment at signing",
	})
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

// createScenarioContract saves a contract signed at scenarioEpoch with a
// six-month dependency window and generates its schedule.
func createScenarioContract(ctx context.Context, h *Handler, id, advisor string, saleType settlement.SaleType, term int, amount int64, downPercent int64) (settlement.Contract, error) {
	c := settlement.Contract{
		ID:          settlement.ContractID(id),
		AdvisorID:   settlement.EmployeeID(advisor),
		SaleType:    saleType,
		TermMonths:  term,
		SaleAmount:  decimal.NewFromInt(amount),
		SignedAt:    scenarioEpoch,
		PeriodStart: scenarioEpoch,
		PeriodEnd:   scenarioEpoch.AddDate(0, 6, 0),
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.Store.SaveContract(ctx, c); err != nil {
		return settlement.Contract{}, err
	}

	schedules, err := settlement.GenerateSchedule(c, &settlement.FinancialTemplate{
		DownPaymentPercent: decimal.NewFromInt(downPercent),
		InstallmentCount:   term,
	}, time.Now())
	if err != nil {
		return settlement.Contract{}, err
	}
	if err := settlement.ReplaceSchedule(ctx, h.Store, c.ID, schedules); err != nil {
		return settlement.Contract{}, err
	}
	return c, nil
}

func saveStandardScheme(ctx context.Context, h *Handler) error {
	scheme, err := h.SchemeFactory.ParseScheme(
		factory.StandardSchemeJSON("Standard 2025", "2025-01-01", 1.5))
	if err != nil {
		return err
	}
	_, err = h.Store.SaveScheme(ctx, scheme)
	return err
}
