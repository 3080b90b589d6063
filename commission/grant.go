package commission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// SALES COUNTER - collaborator lookup for bracket selection
// =============================================================================

// SalesCounter counts an employee's signed contracts within a period.
type SalesCounter interface {
	CountSales(ctx context.Context, employeeID settlement.EmployeeID, period settlement.Period) (int, error)
}

// StoreSalesCounter counts sales from the contract store.
type StoreSalesCounter struct {
	Store settlement.ContractStore
}

func (c StoreSalesCounter) CountSales(ctx context.Context, employeeID settlement.EmployeeID, period settlement.Period) (int, error) {
	return c.Store.CountSalesByAdvisor(ctx, employeeID, period.Start, period.End)
}

// =============================================================================
// GRANTER - one Commission per (contract, employee), fixed at signing
// =============================================================================

// DefaultRequiredPayments is the number of in-window client payments a
// payment-dependent commission waits for.
const DefaultRequiredPayments = 2

// GrantInput identifies the grant. Zero values fall back to the Granter's
// defaults and the contract's dependency window.
type GrantInput struct {
	ContractID             settlement.ContractID
	EmployeeID             settlement.EmployeeID
	DependencyType         settlement.DependencyType
	RequiredClientPayments *int
	PeriodStart            time.Time
	PeriodEnd              time.Time
}

type Granter struct {
	Store            settlement.TxStore
	Sales            SalesCounter
	Period           settlement.PeriodType
	RequiredPayments int
	Logger           *slog.Logger
	Now              func() time.Time
	NewID            func() string
}

func NewGranter(store settlement.TxStore, logger *slog.Logger) *Granter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Granter{
		Store:            store,
		Sales:            StoreSalesCounter{Store: store},
		Period:           settlement.PeriodMonth,
		RequiredPayments: DefaultRequiredPayments,
		Logger:           logger.With("component", "commission_grant"),
		Now:              time.Now,
		NewID:            uuid.NewString,
	}
}

// Grant resolves the rule for the contract's sale and records the
// commission. The amount is never recomputed afterwards.
func (g *Granter) Grant(ctx context.Context, in GrantInput) (settlement.Commission, error) {
	contract, err := g.Store.GetContract(ctx, in.ContractID)
	if err != nil {
		return settlement.Commission{}, fmt.Errorf("load contract: %w", err)
	}
	if contract == nil {
		return settlement.Commission{}, &settlement.NotFoundError{Kind: "contract", ID: string(in.ContractID), Err: settlement.ErrContractNotFound}
	}

	employee := in.EmployeeID
	if employee == "" {
		employee = contract.AdvisorID
	}

	period := g.Period.PeriodFor(contract.SignedAt)
	sales, err := g.Sales.CountSales(ctx, employee, period)
	if err != nil {
		return settlement.Commission{}, fmt.Errorf("count sales: %w", err)
	}

	schemes, err := g.Store.ListSchemes(ctx)
	if err != nil {
		return settlement.Commission{}, fmt.Errorf("load schemes: %w", err)
	}

	now := g.Now().UTC()
	c := settlement.Commission{
		ID:                        settlement.CommissionID(g.NewID()),
		ContractID:                contract.ID,
		EmployeeID:                employee,
		CommissionAmount:          decimal.Zero,
		SaleAmount:                contract.SaleAmount,
		Percentage:                decimal.Zero,
		PaymentDependencyType:     in.DependencyType,
		PaymentVerificationStatus: settlement.VerificationPending,
		RequiredClientPayments:    g.RequiredPayments,
		PeriodStart:               contract.PeriodStart,
		PeriodEnd:                 contract.PeriodEnd,
		CreatedAt:                 now,
		UpdatedAt:                 now,
	}
	if c.PaymentDependencyType == "" {
		c.PaymentDependencyType = settlement.DependencyClientPayments
	}
	if in.RequiredClientPayments != nil {
		c.RequiredClientPayments = *in.RequiredClientPayments
	}
	if !in.PeriodStart.IsZero() {
		c.PeriodStart = settlement.DateOf(in.PeriodStart)
	}
	if !in.PeriodEnd.IsZero() {
		c.PeriodEnd = settlement.DateOf(in.PeriodEnd)
	}

	match, err := Resolve(schemes, sales, contract.SaleType, contract.TermMonths, contract.SignedAt)
	switch {
	case errors.Is(err, ErrNoMatchingRule):
		g.Logger.Info("no commission rule matched",
			"contract_id", contract.ID, "employee_id", employee, "period_sales", sales, "period", period.String())
	case err != nil:
		return settlement.Commission{}, err
	default:
		ruleID, schemeID := match.Rule.ID, match.Scheme.ID
		c.RuleID = &ruleID
		c.SchemeID = &schemeID
		c.Percentage = match.Rule.Percentage
		c.CommissionAmount = Amount(contract.SaleAmount, match.Rule.Percentage)
	}

	if c.PaymentDependencyType == settlement.DependencyNone || c.RequiredClientPayments <= 0 {
		c.PaymentVerificationStatus = settlement.VerificationFully
		c.IsPayable = true
	}

	if err := g.Store.SaveCommission(ctx, c); err != nil {
		return settlement.Commission{}, err
	}

	g.Logger.Info("commission granted",
		"commission_id", c.ID,
		"contract_id", c.ContractID,
		"employee_id", c.EmployeeID,
		"percentage", c.Percentage.String(),
		"amount", c.CommissionAmount.String(),
		"status", c.PaymentVerificationStatus,
	)
	return c, nil
}

// Amount computes sale x percentage / 100 rounded to cents.
func Amount(sale, percentage decimal.Decimal) decimal.Decimal {
	return sale.Mul(percentage).Div(decimal.NewFromInt(100)).Round(2)
}
