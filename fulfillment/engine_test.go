package fulfillment_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/codeshop/catalog"
	"github.com/warp/codeshop/fulfillment"
	"github.com/warp/codeshop/ledger"
	"github.com/warp/codeshop/ledger/store"
	"go.uber.org/zap"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const admin ledger.UserID = 1000

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recorder struct {
	mu   sync.Mutex
	sent []fulfillment.Notification
	fail error
}

func (r *recorder) Notify(_ context.Context, n fulfillment.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return r.fail
}

func (r *recorder) to(user ledger.UserID) []fulfillment.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []fulfillment.Notification
	for _, n := range r.sent {
		if n.TargetUserID == user {
			out = append(out, n)
		}
	}
	return out
}

func (r *recorder) last(user ledger.UserID) fulfillment.Notification {
	sent := r.to(user)
	if len(sent) == 0 {
		return fulfillment.Notification{}
	}
	return sent[len(sent)-1]
}

type harness struct {
	engine *fulfillment.Engine
	ledger *ledger.Ledger
	notes  *recorder
	clock  *clock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := &clock{now: time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)}
	l, err := ledger.Open(context.Background(), store.NewMemory(), ledger.Options{Now: clk.Now, Seed: 7})
	require.NoError(t, err)
	notes := &recorder{}
	e := fulfillment.New(l, catalog.Default(), notes, zap.NewNop(), fulfillment.Options{
		AdminID:    admin,
		MinTopup:   1000,
		SessionTTL: 10 * time.Minute,
		Now:        clk.Now,
	})
	return &harness{engine: e, ledger: l, notes: notes, clock: clk}
}

// member registers and approves user, then credits balance via a top-up.
func (h *harness) member(t *testing.T, user ledger.UserID, balance int64) {
	t.Helper()
	ctx := context.Background()
	_, err := h.engine.Register(ctx, user, "buyer")
	require.NoError(t, err)
	_, err = h.engine.AdminResolve(ctx, admin, ledger.KindRegistration, user.String(), ledger.DecisionApprove)
	require.NoError(t, err)
	if balance > 0 {
		_, err = h.engine.AdminSetBalance(ctx, admin, user, balance)
		require.NoError(t, err)
	}
}

func (h *harness) stock(t *testing.T, cat ledger.Category, tier ledger.Tier, price int64, codes ...string) {
	t.Helper()
	_, err := h.engine.AdminAddStock(context.Background(), admin, cat, tier, price, codes)
	require.NoError(t, err)
}

// =============================================================================
// BALANCE PURCHASE
// =============================================================================

func TestCommitBalancePurchase_DrainsTierThenRefuses(t *testing.T) {
	// GIVEN: Balance 5000, MLBBbal/1000 holds two codes at 2500
	h := newHarness(t)
	ctx := context.Background()
	h.member(t, 7, 5000)
	h.stock(t, ledger.CategoryMLBBBal, "1000", 2500, "AAA", "BBB")

	// WHEN: Buying both
	rec, err := h.engine.CommitBalancePurchase(ctx, 7, ledger.CategoryMLBBBal, "1000", 2)

	// THEN: Codes delivered, balance 0, sales 5000
	require.NoError(t, err)
	assert.Equal(t, []string{"AAA", "BBB"}, rec.Codes)
	bal, err := h.engine.GetBalance(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal)
	assert.Equal(t, int64(5000), h.ledger.Snapshot().SalesTotal)

	note := h.notes.last(7)
	assert.Equal(t, fulfillment.EventPurchaseCompleted, note.Event)
	assert.Equal(t, []string{"AAA", "BBB"}, note.Codes)

	// AND: The next attempt on the empty tier fails without charging
	h.engine.AdminSetBalance(ctx, admin, 7, 2500)
	_, err = h.engine.CommitBalancePurchase(ctx, 7, ledger.CategoryMLBBBal, "1000", 1)
	assert.ErrorIs(t, err, ledger.ErrInsufficientStock)
	bal, _ = h.engine.GetBalance(ctx, 7)
	assert.Equal(t, int64(2500), bal)
}

func TestCommitBalancePurchase_OverflowingTotalIsRefused(t *testing.T) {
	// GIVEN: A buyer with no funds and a tier priced at the int64 maximum
	h := newHarness(t)
	ctx := context.Background()
	h.member(t, 7, 0)
	h.stock(t, ledger.CategoryMLBBBal, "1000", math.MaxInt64, "HUGE1", "HUGE2")

	// WHEN: Buying two, whose product wraps negative in int64
	_, err := h.engine.CommitBalancePurchase(ctx, 7, ledger.CategoryMLBBBal, "1000", 2)

	// THEN: Refused as invalid; nothing is credited, sold or dispensed
	assert.ErrorIs(t, err, ledger.ErrValidation)
	bal, err := h.engine.GetBalance(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal)
	st := h.ledger.Snapshot()
	assert.Equal(t, int64(0), st.SalesTotal)
	assert.Len(t, st.Stock[ledger.CategoryMLBBBal]["1000"], 2)

	// AND: Quoting and receipt submission refuse the same total
	_, err = h.engine.Quote(ctx, ledger.CategoryMLBBBal, "1000", 2)
	assert.ErrorIs(t, err, ledger.ErrValidation)
	_, err = h.engine.SubmitReceipt(ctx, fulfillment.ReceiptSubmission{
		UserID: 7, Category: ledger.CategoryMLBBBal, Tier: "1000", Quantity: 2, ReceiptID: "90909",
	})
	assert.ErrorIs(t, err, ledger.ErrValidation)
	assert.Empty(t, h.ledger.Snapshot().PurchaseReceipts)
}

func TestCommitBalancePurchase_InsufficientFunds(t *testing.T) {
	h := newHarness(t)
	h.member(t, 7, 2000)
	h.stock(t, ledger.CategoryPUPG, "60", 1200, "P1", "P2")

	_, err := h.engine.CommitBalancePurchase(context.Background(), 7, ledger.CategoryPUPG, "60", 2)

	var fe *ledger.InsufficientFundsError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, int64(2400), fe.Requested)
	assert.Len(t, h.ledger.Snapshot().Stock[ledger.CategoryPUPG]["60"], 2)
}

func TestCommitBalancePurchase_RequiresApproval(t *testing.T) {
	h := newHarness(t)
	h.stock(t, ledger.CategoryPUPG, "60", 0, "P1")

	_, err := h.engine.CommitBalancePurchase(context.Background(), 8, ledger.CategoryPUPG, "60", 1)
	assert.ErrorIs(t, err, ledger.ErrNotApproved)

	_, err = h.engine.GetBalance(context.Background(), 8)
	assert.ErrorIs(t, err, ledger.ErrNotApproved)
}

func TestNotificationFailureDoesNotRollBack(t *testing.T) {
	h := newHarness(t)
	h.member(t, 7, 5000)
	h.stock(t, ledger.CategoryMLBBBal, "1000", 2500, "AAA")
	h.notes.fail = errors.New("chat unreachable")

	rec, err := h.engine.CommitBalancePurchase(context.Background(), 7, ledger.CategoryMLBBBal, "1000", 1)

	require.NoError(t, err)
	assert.Equal(t, []string{"AAA"}, rec.Codes)
	assert.Equal(t, int64(2500), h.ledger.Snapshot().Accounts[7].Balance)
}

// =============================================================================
// RECEIPTS
// =============================================================================

func TestReceiptApproval_AfterStockDepletedStaysPending(t *testing.T) {
	// GIVEN: A receipt for the last PUPG/60 code
	h := newHarness(t)
	ctx := context.Background()
	h.member(t, 7, 0)
	h.member(t, 8, 5000)
	h.stock(t, ledger.CategoryPUPG, "60", 1200, "LAST")
	rec, err := h.engine.SubmitReceipt(ctx, fulfillment.ReceiptSubmission{
		UserID: 7, Category: ledger.CategoryPUPG, Tier: "60", Quantity: 1,
		Method: ledger.PaymentWave, PhotoRef: "photo-1", ReceiptID: "12345",
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, rec.Status)

	// Operator was asked with the photo and both buttons
	adminNote := h.notes.last(admin)
	assert.Equal(t, "photo-1", adminNote.PhotoRef)
	require.Len(t, adminNote.Actions, 2)
	assert.Equal(t, "12345", adminNote.Actions[0].RequestID)

	// AND: Another buyer takes the last code with balance
	_, err = h.engine.CommitBalancePurchase(ctx, 8, ledger.CategoryPUPG, "60", 1)
	require.NoError(t, err)

	// WHEN: The operator approves the receipt
	_, err = h.engine.AdminResolve(ctx, admin, ledger.KindReceipt, "12345", ledger.DecisionApprove)

	// THEN: Approval fails and the receipt is still pending
	assert.ErrorIs(t, err, ledger.ErrInsufficientStock)
	assert.Equal(t, ledger.StatusPending, h.ledger.Snapshot().PurchaseReceipts["12345"].Status)

	// AND: After restocking, the same approval succeeds once
	h.stock(t, ledger.CategoryPUPG, "60", 1200, "FRESH")
	res, err := h.engine.AdminResolve(ctx, admin, ledger.KindReceipt, "12345", ledger.DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, []string{"FRESH"}, res.Codes)
	assert.Equal(t, []string{"FRESH"}, h.notes.last(7).Codes)
	assert.Equal(t, int64(2400), h.ledger.Snapshot().SalesTotal)

	_, err = h.engine.AdminResolve(ctx, admin, ledger.KindReceipt, "12345", ledger.DecisionApprove)
	assert.ErrorIs(t, err, ledger.ErrAlreadyResolved)
}

func TestReceiptReject_NoInventoryChange(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.member(t, 7, 0)
	h.stock(t, ledger.CategoryPUPG, "60", 1200, "P1")
	_, err := h.engine.SubmitReceipt(ctx, fulfillment.ReceiptSubmission{
		UserID: 7, Category: ledger.CategoryPUPG, Tier: "60", Quantity: 1, ReceiptID: "54321",
	})
	require.NoError(t, err)

	_, err = h.engine.AdminResolve(ctx, admin, ledger.KindReceipt, "54321", ledger.DecisionReject)
	require.NoError(t, err)

	st := h.ledger.Snapshot()
	assert.Equal(t, ledger.StatusRejected, st.PurchaseReceipts["54321"].Status)
	assert.Equal(t, []string{"P1"}, st.Stock[ledger.CategoryPUPG]["60"])
	assert.Equal(t, int64(0), st.SalesTotal)
	assert.Equal(t, fulfillment.EventReceiptRejected, h.notes.last(7).Event)
}

func TestSubmitReceipt_GeneratesIDWhenEmpty(t *testing.T) {
	h := newHarness(t)
	h.member(t, 7, 0)

	rec, err := h.engine.SubmitReceipt(context.Background(), fulfillment.ReceiptSubmission{
		UserID: 7, Category: ledger.CategoryMLBBPH, Tier: "86", Quantity: 1,
	})

	require.NoError(t, err)
	assert.NoError(t, ledger.DefaultIDBounds.Validate(rec.ID))
}

// =============================================================================
// TOP-UPS
// =============================================================================

func TestTopup_ApproveCreditsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.member(t, 7, 0)

	_, err := h.engine.SubmitTopupDetails(ctx, fulfillment.TopupSubmission{
		UserID: 7, Amount: 10000, Method: ledger.PaymentKPay, TransactionID: "778899", PhotoRef: "ph",
	})
	require.NoError(t, err)

	res, err := h.engine.AdminResolve(ctx, admin, ledger.KindTopup, "778899", ledger.DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), res.Balance)
	assert.Equal(t, fulfillment.EventTopupApproved, h.notes.last(7).Event)

	_, err = h.engine.AdminResolve(ctx, admin, ledger.KindTopup, "778899", ledger.DecisionApprove)
	assert.ErrorIs(t, err, ledger.ErrAlreadyResolved)

	bal, err := h.engine.GetBalance(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), bal)
}

func TestReceiptApproval_ConcurrentApprovesDeliverOnce(t *testing.T) {
	// GIVEN: One pending receipt and enough stock to fill it several times
	h := newHarness(t)
	ctx := context.Background()
	h.member(t, 7, 0)
	h.stock(t, ledger.CategoryPUPG, "60", 10, "C1", "C2", "C3", "C4")
	_, err := h.engine.SubmitReceipt(ctx, fulfillment.ReceiptSubmission{
		UserID: 7, Category: ledger.CategoryPUPG, Tier: "60", Quantity: 1, ReceiptID: "556677",
	})
	require.NoError(t, err)

	// WHEN: Twenty operators approve it at the same time
	const workers = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		resolved int
		other    []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.AdminResolve(ctx, admin, ledger.KindReceipt, "556677", ledger.DecisionApprove)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ledger.ErrAlreadyResolved):
				resolved++
			default:
				other = append(other, err)
			}
		}()
	}
	wg.Wait()

	// THEN: Exactly one approval wins and one code is delivered
	assert.Empty(t, other)
	assert.Equal(t, 1, ok)
	assert.Equal(t, workers-1, resolved)

	hist, err := h.engine.GetHistory(ctx, 7)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "556677", hist[0].ReceiptID)

	st := h.ledger.Snapshot()
	assert.Equal(t, int64(10), st.SalesTotal)
	assert.Len(t, st.Stock[ledger.CategoryPUPG]["60"], 3)
	assert.Equal(t, ledger.StatusApproved, st.PurchaseReceipts["556677"].Status)
}

func TestTopup_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.member(t, 7, 0)

	_, err := h.engine.SubmitTopupDetails(ctx, fulfillment.TopupSubmission{
		UserID: 7, Amount: 500, Method: ledger.PaymentKPay, TransactionID: "11111",
	})
	assert.ErrorIs(t, err, ledger.ErrValidation, "below minimum")

	_, err = h.engine.SubmitTopupDetails(ctx, fulfillment.TopupSubmission{
		UserID: 7, Amount: 5000, Method: ledger.PaymentKPay, TransactionID: "12",
	})
	assert.ErrorIs(t, err, ledger.ErrValidation, "short id")

	_, err = h.engine.SubmitTopupDetails(ctx, fulfillment.TopupSubmission{
		UserID: 7, Amount: 5000, Method: ledger.PaymentKPay, TransactionID: "11111",
	})
	require.NoError(t, err)
	_, err = h.engine.SubmitReceipt(ctx, fulfillment.ReceiptSubmission{
		UserID: 7, Category: ledger.CategoryPUPG, Tier: "60", Quantity: 1, ReceiptID: "11111",
	})
	assert.ErrorIs(t, err, ledger.ErrDuplicateID)
}

// =============================================================================
// REGISTRATION
// =============================================================================

func TestRegister_TwiceFailsAlreadyPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.Register(ctx, 9, "eve")
	require.NoError(t, err)
	_, err = h.engine.Register(ctx, 9, "eve")
	assert.ErrorIs(t, err, ledger.ErrAlreadyPending)

	pending, err := h.engine.AdminListPending(ctx, admin)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	adminNote := h.notes.last(admin)
	assert.Equal(t, fulfillment.EventRegistrationRequested, adminNote.Event)
	assert.Equal(t, ledger.KindRegistration, adminNote.Actions[0].Kind)
}

func TestRegister_RejectRemovesEmptyShell(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.engine.Register(ctx, 9, "eve")
	require.NoError(t, err)

	_, err = h.engine.AdminResolve(ctx, admin, ledger.KindRegistration, "9", ledger.DecisionReject)
	require.NoError(t, err)

	_, err = h.ledger.Account(9)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	assert.Equal(t, fulfillment.EventRegistrationRejected, h.notes.last(9).Event)

	// The user may apply again
	_, err = h.engine.Register(ctx, 9, "eve")
	assert.NoError(t, err)
}

// =============================================================================
// CATALOG VIEWS
// =============================================================================

func TestListAvailableTiersAndQuote(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.stock(t, ledger.CategoryMLBBBal, "1000", 2500, "A")
	h.stock(t, ledger.CategoryMLBBBal, "86", 300, "B", "C")

	cats := h.engine.ListAvailableCategories(ctx)
	require.Len(t, cats, 1)
	assert.Equal(t, "Mobile Legends (Bal)", cats[0].Name)
	assert.Equal(t, 2, cats[0].Tiers)

	tiers, err := h.engine.ListAvailableTiers(ctx, ledger.CategoryMLBBBal)
	require.NoError(t, err)
	require.Len(t, tiers, 2)
	assert.Equal(t, ledger.Tier("86"), tiers[0].Tier)
	assert.Equal(t, "Coin", tiers[0].Unit)

	q, err := h.engine.Quote(ctx, ledger.CategoryMLBBBal, "86", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(600), q.Total)

	_, err = h.engine.Quote(ctx, ledger.CategoryMLBBBal, "86", 3)
	assert.ErrorIs(t, err, ledger.ErrValidation)
	_, err = h.engine.Quote(ctx, ledger.CategoryMLBBBal, "86", 0)
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestGetHistory_NewestFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.member(t, 7, 10000)
	h.stock(t, ledger.CategoryPUPG, "60", 1000, "P1", "P2")

	_, err := h.engine.CommitBalancePurchase(ctx, 7, ledger.CategoryPUPG, "60", 1)
	require.NoError(t, err)
	_, err = h.engine.CommitBalancePurchase(ctx, 7, ledger.CategoryPUPG, "60", 1)
	require.NoError(t, err)

	hist, err := h.engine.GetHistory(ctx, 7)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, []string{"P2"}, hist[0].Codes)
	assert.Equal(t, []string{"P1"}, hist[1].Codes)
}
