package fulfillment_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/codeshop/fulfillment"
	"github.com/warp/codeshop/ledger"
)

func TestPurchaseFlow_PayWithBalance(t *testing.T) {
	// GIVEN: An approved buyer with balance and a stocked tier
	h := newHarness(t)
	ctx := context.Background()
	h.member(t, 7, 5000)
	h.stock(t, ledger.CategoryMLBBBal, "1000", 2500, "AAA", "BBB")

	// WHEN: Walking the flow step by step
	s, cats, err := h.engine.StartPurchase(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, fulfillment.StageSelectingCategory, s.Stage)
	require.Len(t, cats, 1)

	s, tiers, err := h.engine.SelectCategory(ctx, 7, ledger.CategoryMLBBBal)
	require.NoError(t, err)
	assert.Equal(t, fulfillment.StageSelectingTier, s.Stage)
	require.Len(t, tiers, 1)

	s, q, err := h.engine.SelectTier(ctx, 7, "1000")
	require.NoError(t, err)
	assert.Equal(t, fulfillment.StageEnteringQuantity, s.Stage)
	assert.Equal(t, 2, q.Available)

	s, q, err = h.engine.EnterQuantity(ctx, 7, 2)
	require.NoError(t, err)
	assert.Equal(t, fulfillment.StageChoosingPayment, s.Stage)
	assert.Equal(t, int64(5000), q.Total)

	rec, err := h.engine.PayWithBalance(ctx, 7)

	// THEN: Codes delivered and the session is gone
	require.NoError(t, err)
	assert.Equal(t, []string{"AAA", "BBB"}, rec.Codes)
	_, active := h.engine.CurrentSession(7)
	assert.False(t, active)
}

func TestPurchaseFlow_PayWithReceipt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.member(t, 7, 0)
	h.stock(t, ledger.CategoryPUPG, "60", 1200, "P1")

	_, _, err := h.engine.StartPurchase(ctx, 7)
	require.NoError(t, err)
	_, _, err = h.engine.SelectCategory(ctx, 7, ledger.CategoryPUPG)
	require.NoError(t, err)
	_, _, err = h.engine.SelectTier(ctx, 7, "60")
	require.NoError(t, err)
	_, _, err = h.engine.EnterQuantity(ctx, 7, 1)
	require.NoError(t, err)

	s, payee, err := h.engine.PayWithReceipt(ctx, 7, ledger.PaymentWave)
	require.NoError(t, err)
	assert.Equal(t, fulfillment.StageAwaitingPhoto, s.Stage)
	assert.Equal(t, "09673585480", payee.Phone)

	_, err = h.engine.SubmitReceiptPhoto(ctx, 7, "")
	assert.ErrorIs(t, err, ledger.ErrValidation, "empty photo re-prompts")

	s, err = h.engine.SubmitReceiptPhoto(ctx, 7, "file-abc")
	require.NoError(t, err)
	assert.Equal(t, fulfillment.StageAwaitingReceiptID, s.Stage)

	_, err = h.engine.SubmitReceiptID(ctx, 7, "12")
	assert.ErrorIs(t, err, ledger.ErrValidation)
	cur, active := h.engine.CurrentSession(7)
	require.True(t, active, "malformed id keeps the session")
	assert.Equal(t, fulfillment.StageAwaitingReceiptID, cur.Stage)

	rec, err := h.engine.SubmitReceiptID(ctx, 7, "445566")
	require.NoError(t, err)
	assert.Equal(t, "file-abc", rec.PhotoRef)
	assert.Equal(t, ledger.PaymentWave, rec.Method)
	assert.Equal(t, int64(1200), rec.TotalPrice)
	_, active = h.engine.CurrentSession(7)
	assert.False(t, active)

	// No stock moves until approval
	assert.Len(t, h.ledger.Snapshot().Stock[ledger.CategoryPUPG]["60"], 1)
}

func TestPurchaseFlow_QuantityOutOfRangeStaysOnStep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.member(t, 7, 0)
	h.stock(t, ledger.CategoryPUPG, "60", 1200, "P1", "P2")

	_, _, _ = h.engine.StartPurchase(ctx, 7)
	_, _, _ = h.engine.SelectCategory(ctx, 7, ledger.CategoryPUPG)
	_, _, _ = h.engine.SelectTier(ctx, 7, "60")

	for _, qty := range []int{0, -1, 3} {
		_, _, err := h.engine.EnterQuantity(ctx, 7, qty)
		assert.ErrorIs(t, err, ledger.ErrValidation, "quantity %d", qty)
	}
	s, active := h.engine.CurrentSession(7)
	require.True(t, active)
	assert.Equal(t, fulfillment.StageEnteringQuantity, s.Stage)
	assert.Zero(t, s.Quantity)
}

func TestPurchaseFlow_InsufficientFundsKeepsSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.member(t, 7, 1000)
	h.stock(t, ledger.CategoryPUPG, "60", 1200, "P1")

	_, _, _ = h.engine.StartPurchase(ctx, 7)
	_, _, _ = h.engine.SelectCategory(ctx, 7, ledger.CategoryPUPG)
	_, _, _ = h.engine.SelectTier(ctx, 7, "60")
	_, _, _ = h.engine.EnterQuantity(ctx, 7, 1)

	_, err := h.engine.PayWithBalance(ctx, 7)
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	// The buyer can still switch to receipt payment
	s, _, err := h.engine.PayWithReceipt(ctx, 7, ledger.PaymentKPay)
	require.NoError(t, err)
	assert.Equal(t, fulfillment.StageAwaitingPhoto, s.Stage)
}

func TestPurchaseFlow_WrongStepAndNoSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.member(t, 7, 0)
	h.stock(t, ledger.CategoryPUPG, "60", 1200, "P1")

	_, _, err := h.engine.EnterQuantity(ctx, 7, 1)
	assert.ErrorIs(t, err, fulfillment.ErrNoSession)

	_, _, err = h.engine.StartPurchase(ctx, 7)
	require.NoError(t, err)
	_, err = h.engine.PayWithBalance(ctx, 7)
	assert.ErrorIs(t, err, fulfillment.ErrWrongStep)

	s, active := h.engine.CurrentSession(7)
	require.True(t, active)
	assert.Equal(t, fulfillment.StageSelectingCategory, s.Stage)

	assert.True(t, h.engine.CancelSession(7))
	assert.False(t, h.engine.CancelSession(7))
}

func TestStartPurchase_RequiresApprovalAndStock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, _, err := h.engine.StartPurchase(ctx, 7)
	assert.ErrorIs(t, err, ledger.ErrNotApproved)

	h.member(t, 7, 0)
	_, _, err = h.engine.StartPurchase(ctx, 7)
	assert.ErrorIs(t, err, ledger.ErrInsufficientStock)
}

func TestSessions_ExpireAfterTTL(t *testing.T) {
	// GIVEN: Two sessions, one idle past the 10 minute TTL
	h := newHarness(t)
	ctx := context.Background()
	h.member(t, 7, 0)
	h.member(t, 8, 0)
	h.stock(t, ledger.CategoryPUPG, "60", 1200, "P1")

	_, _, err := h.engine.StartPurchase(ctx, 7)
	require.NoError(t, err)
	h.clock.Advance(6 * time.Minute)
	_, _, err = h.engine.StartPurchase(ctx, 8)
	require.NoError(t, err)
	h.clock.Advance(6 * time.Minute)

	// WHEN: The sweeper runs
	n := h.engine.SweepSessions()

	// THEN: Only the idle session is gone
	assert.Equal(t, 1, n)
	_, active := h.engine.CurrentSession(7)
	assert.False(t, active)
	_, _, err = h.engine.SelectCategory(ctx, 7, ledger.CategoryPUPG)
	assert.ErrorIs(t, err, fulfillment.ErrNoSession)

	_, _, err = h.engine.SelectCategory(ctx, 8, ledger.CategoryPUPG)
	assert.NoError(t, err)
}
