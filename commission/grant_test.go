package commission_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/settlement-engine/commission"
	"github.com/warp/settlement-engine/factory"
	"github.com/warp/settlement-engine/settlement"
	"github.com/warp/settlement-engine/settlement/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedNow() time.Time { return settlement.Date(2025, time.March, 12).Add(9 * time.Hour) }

func seq(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func newTestStore(t *testing.T) *store.TxMemory {
	t.Helper()
	st := store.NewTxMemory()
	_, err := st.SaveScheme(context.Background(),
		factory.StandardScheme("Standard 2025", settlement.Date(2025, time.January, 1), 1.5))
	require.NoError(t, err)
	return st
}

func newTestGranter(st settlement.TxStore) *commission.Granter {
	g := commission.NewGranter(st, quietLogger())
	g.Now = fixedNow
	g.NewID = seq("cm")
	return g
}

func saveContract(t *testing.T, st settlement.Store, id, advisor string, saleType settlement.SaleType, term int, amount string, signed time.Time) settlement.Contract {
	t.Helper()
	c := settlement.Contract{
		ID:          settlement.ContractID(id),
		AdvisorID:   settlement.EmployeeID(advisor),
		SaleType:    saleType,
		TermMonths:  term,
		SaleAmount:  settlement.MustParseMoney(amount),
		SignedAt:    signed,
		PeriodStart: signed,
		PeriodEnd:   signed.AddDate(0, 6, 0),
	}
	require.NoError(t, st.SaveContract(context.Background(), c))
	return c
}

// =============================================================================
// GRANT
// =============================================================================

func TestGrant_VolumeBracketApplies(t *testing.T) {
	// GIVEN: an advisor with three earlier financed sales this month
	// WHEN: a fourth 24 month financed sale of 24000 is granted
	// THEN: the 4-5 bracket applies, 2% = 480, waiting for client payments

	st := newTestStore(t)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		saveContract(t, st, fmt.Sprintf("earlier-%d", i), "bruno", settlement.SaleFinanced, 24, "10000", signedAt.AddDate(0, 0, -i))
	}
	saveContract(t, st, "contract-d", "bruno", settlement.SaleFinanced, 24, "24000", signedAt)

	c, err := newTestGranter(st).Grant(ctx, commission.GrantInput{ContractID: "contract-d"})
	require.NoError(t, err)

	assert.Equal(t, settlement.CommissionID("cm-1"), c.ID)
	assert.Equal(t, settlement.EmployeeID("bruno"), c.EmployeeID)
	assert.Equal(t, "480", c.CommissionAmount.String())
	assert.True(t, c.Percentage.Equal(decimal.NewFromInt(2)))
	require.NotNil(t, c.RuleID)
	require.NotNil(t, c.SchemeID)
	assert.Equal(t, settlement.DependencyClientPayments, c.PaymentDependencyType)
	assert.Equal(t, settlement.VerificationPending, c.PaymentVerificationStatus)
	assert.Equal(t, commission.DefaultRequiredPayments, c.RequiredClientPayments)
	assert.False(t, c.IsPayable)
	assert.Equal(t, signedAt, c.PeriodStart)

	stored, err := st.GetCommission(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, c.CommissionAmount.String(), stored.CommissionAmount.String())
}

func TestGrant_NoDependencyIsPayableImmediately(t *testing.T) {
	st := newTestStore(t)
	saveContract(t, st, "c-cash", "ana", settlement.SaleCash, 0, "1000", signedAt)

	c, err := newTestGranter(st).Grant(context.Background(), commission.GrantInput{
		ContractID:     "c-cash",
		DependencyType: settlement.DependencyNone,
	})

	require.NoError(t, err)
	assert.Equal(t, settlement.VerificationFully, c.PaymentVerificationStatus)
	assert.True(t, c.IsPayable)
	assert.Equal(t, "15", c.CommissionAmount.String())
}

func TestGrant_ZeroRequiredPaymentsIsPayable(t *testing.T) {
	st := newTestStore(t)
	saveContract(t, st, "c1", "ana", settlement.SaleCash, 0, "1000", signedAt)
	zero := 0

	c, err := newTestGranter(st).Grant(context.Background(), commission.GrantInput{ContractID: "c1", RequiredClientPayments: &zero})

	require.NoError(t, err)
	assert.True(t, c.IsPayable)
}

func TestGrant_NoMatchingRuleRecordsZero(t *testing.T) {
	// GIVEN: a 48 month financed sale, outside every bracket
	// WHEN: granted
	// THEN: a zero commission is still recorded, without a rule reference

	st := newTestStore(t)
	saveContract(t, st, "c-long", "ana", settlement.SaleFinanced, 48, "50000", signedAt)

	c, err := newTestGranter(st).Grant(context.Background(), commission.GrantInput{ContractID: "c-long"})

	require.NoError(t, err)
	assert.True(t, c.CommissionAmount.IsZero())
	assert.Nil(t, c.RuleID)
	assert.Nil(t, c.SchemeID)
}

func TestGrant_OncePerContractAndEmployee(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	saveContract(t, st, "c1", "ana", settlement.SaleCash, 0, "1000", signedAt)
	g := newTestGranter(st)

	_, err := g.Grant(ctx, commission.GrantInput{ContractID: "c1"})
	require.NoError(t, err)

	_, err = g.Grant(ctx, commission.GrantInput{ContractID: "c1"})
	assert.ErrorIs(t, err, settlement.ErrCommissionExists)

	_, err = g.Grant(ctx, commission.GrantInput{ContractID: "c1", EmployeeID: "manager"})
	assert.NoError(t, err, "a different employee gets its own grant")
}

func TestGrant_ExplicitWindowOverridesContract(t *testing.T) {
	st := newTestStore(t)
	saveContract(t, st, "c1", "ana", settlement.SaleCash, 0, "1000", signedAt)
	end := signedAt.AddDate(0, 1, 0)

	c, err := newTestGranter(st).Grant(context.Background(), commission.GrantInput{
		ContractID: "c1",
		PeriodEnd:  end.Add(15 * time.Hour),
	})

	require.NoError(t, err)
	assert.Equal(t, signedAt, c.PeriodStart)
	assert.Equal(t, end, c.PeriodEnd, "window bounds are whole days")
}

func TestGrant_MissingContract(t *testing.T) {
	_, err := newTestGranter(newTestStore(t)).Grant(context.Background(), commission.GrantInput{ContractID: "ghost"})

	assert.True(t, settlement.IsNotFound(err))
	assert.ErrorIs(t, err, settlement.ErrContractNotFound)
}
