package fulfillment_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/codeshop/catalog"
	"github.com/warp/codeshop/fulfillment"
	"github.com/warp/codeshop/ledger"
	"github.com/warp/codeshop/ledger/store"
	"go.uber.org/zap"
)

func TestAdminIntents_RejectNonAdmin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const intruder ledger.UserID = 42

	_, err := h.engine.AdminAddStock(ctx, intruder, ledger.CategoryPUPG, "60", 100, []string{"X"})
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)
	_, err = h.engine.AdminResolve(ctx, intruder, ledger.KindTopup, "12345", ledger.DecisionApprove)
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)
	_, err = h.engine.AdminSetBalance(ctx, intruder, 7, 100)
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)
	err = h.engine.AdminSetPrice(ctx, intruder, ledger.CategoryPUPG, "60", 100)
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)
	_, err = h.engine.AdminListPending(ctx, intruder)
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)
	_, err = h.engine.AdminStats(ctx, intruder)
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)

	assert.Empty(t, h.ledger.Snapshot().Stock[ledger.CategoryPUPG])
}

func TestAdminIntents_UnsetAdminAuthorizesNobody(t *testing.T) {
	l, err := ledger.Open(context.Background(), store.NewMemory(), ledger.Options{})
	require.NoError(t, err)
	e := fulfillment.New(l, catalog.Default(), nil, zap.NewNop(), fulfillment.Options{})

	assert.False(t, e.IsAdmin(0))
	_, err = e.AdminStats(context.Background(), 0)
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)
}

func TestAdminResolve_UnknownRequest(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.AdminResolve(context.Background(), admin, ledger.KindReceipt, "99999", ledger.DecisionApprove)
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	_, err = h.engine.AdminResolve(context.Background(), admin, ledger.KindRegistration, "55", ledger.DecisionApprove)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestAdminSetBalance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.member(t, 7, 3000)

	prev, err := h.engine.AdminSetBalance(ctx, admin, 7, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), prev)
	assert.Equal(t, fulfillment.EventBalanceSet, h.notes.last(7).Event)

	_, err = h.engine.AdminSetBalance(ctx, admin, 7, -1)
	assert.ErrorIs(t, err, ledger.ErrValidation)
	_, err = h.engine.AdminSetBalance(ctx, admin, 99, 100)
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	bal, err := h.engine.GetBalance(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(500), bal)
}

func TestAdminStock_AddRemovePrice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.engine.AdminAddStock(ctx, admin, ledger.CategoryMLBBPH, "86", 900, []string{"A", " ", "B", "A"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Added)
	assert.Equal(t, []string{"A"}, res.Skipped)

	removed, err := h.engine.AdminRemoveCode(ctx, admin, ledger.CategoryMLBBPH, "86", "A")
	require.NoError(t, err)
	assert.True(t, removed)

	require.NoError(t, h.engine.AdminSetPrice(ctx, admin, ledger.CategoryMLBBPH, "86", 950))
	q, err := h.engine.Quote(ctx, ledger.CategoryMLBBPH, "86", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(950), q.UnitPrice)
}

func TestAdminStats_CountsSalesAndPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.member(t, 7, 5000)
	h.stock(t, ledger.CategoryMLBBBal, "1000", 2500, "AAA", "BBB")
	_, err := h.engine.CommitBalancePurchase(ctx, 7, ledger.CategoryMLBBBal, "1000", 1)
	require.NoError(t, err)
	_, err = h.engine.Register(ctx, 9, "eve")
	require.NoError(t, err)

	r, err := h.engine.AdminStats(ctx, admin)

	require.NoError(t, err)
	assert.Equal(t, int64(2500), r.SalesTotal)
	assert.Equal(t, 1, r.Purchases)
	assert.Equal(t, 1, r.CodesSold)
	assert.Equal(t, 1, r.Pending[ledger.KindRegistration])
	assert.Equal(t, int64(2500), r.OutstandingBalance)
}
