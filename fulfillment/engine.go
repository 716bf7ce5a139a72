/*
Package fulfillment coordinates purchases, top-ups, registrations and
admin decisions on top of the ledger.

PURPOSE:
  The Engine is the intent layer the front ends call. It validates an
  intent, runs the matching ledger Update, and once the change is
  durable, routes notifications to the buyer and the operator.

INTENTS:
  User:
    Register, GetBalance, GetHistory, ListAvailableCategories,
    ListAvailableTiers, Quote, CommitBalancePurchase, SubmitReceipt,
    SubmitTopupDetails, PaymentInfo
  Purchase flow (session.go):
    StartPurchase → SelectCategory → SelectTier → EnterQuantity →
    PayWithBalance | PayWithReceipt → SubmitReceiptPhoto → SubmitReceiptID
  Admin (admin.go):
    AdminResolve, AdminAddStock, AdminRemoveCode, AdminSetPrice,
    AdminSetBalance, AdminListPending, AdminStats

APPROVAL GATE:
  Balance, history, purchases and top-ups require an approved account.
  Unknown users get an account shell on first contact.

NOTIFICATIONS:
  Sent after the ledger flush returned. A failed delivery is logged and
  the committed change stands.

SEE ALSO:
  - ledger/ledger.go: Serialized, flush-on-commit state
  - notify.go: Notification model
*/
package fulfillment

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/codeshop/catalog"
	"github.com/warp/codeshop/ledger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/warp/codeshop/fulfillment"

// =============================================================================
// ENGINE
// =============================================================================

// Options configures the Engine.
type Options struct {
	// AdminID is the only user allowed to run admin intents.
	AdminID ledger.UserID

	// MinTopup is the smallest top-up amount accepted.
	MinTopup int64

	// SessionTTL discards purchase sessions idle for longer (default 30m).
	SessionTTL time.Duration

	// Now is the clock (default time.Now).
	Now func() time.Time
}

// Engine implements every storefront intent.
type Engine struct {
	ledger   *ledger.Ledger
	catalog  *catalog.Catalog
	notifier Notifier
	logger   *zap.Logger
	tracer   trace.Tracer
	opts     Options
	sessions *sessions
}

// New creates an Engine. notifier may be nil.
func New(l *ledger.Ledger, cat *catalog.Catalog, notifier Notifier, logger *zap.Logger, opts Options) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cat == nil {
		cat = catalog.Default()
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 30 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		ledger:   l,
		catalog:  cat,
		notifier: notifier,
		logger:   logger.Named("fulfillment"),
		tracer:   otel.Tracer(tracerName),
		opts:     opts,
		sessions: newSessions(opts.SessionTTL, opts.Now),
	}
}

// Catalog returns the catalog the engine quotes from.
func (e *Engine) Catalog() *catalog.Catalog { return e.catalog }

// AdminID returns the configured operator.
func (e *Engine) AdminID() ledger.UserID { return e.opts.AdminID }

func (e *Engine) now() time.Time { return e.opts.Now() }

func (e *Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "fulfillment."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// requireApproved fails unless the account exists and is approved. Unknown
// users get an account shell first.
func requireApproved(tx *ledger.Tx, user ledger.UserID) (ledger.Account, error) {
	acc, _, err := tx.GetOrCreate(user, "")
	if err != nil {
		return ledger.Account{}, err
	}
	if !acc.Approved {
		return acc, ledger.ErrNotApproved
	}
	return acc, nil
}

// =============================================================================
// REGISTRATION + ACCOUNT VIEWS
// =============================================================================

// Register queues the user for approval and asks the operator to decide.
func (e *Engine) Register(ctx context.Context, user ledger.UserID, displayName string) (reg ledger.PendingRegistration, err error) {
	ctx, span := e.startSpan(ctx, "Register", attribute.Int64("user.id", int64(user)))
	defer func() { endSpan(span, err) }()

	err = e.ledger.Update(ctx, func(tx *ledger.Tx) error {
		var err error
		reg, err = tx.CreatePendingRegistration(user, displayName)
		return err
	})
	if err != nil {
		return ledger.PendingRegistration{}, err
	}

	e.logger.Info("registration requested", zap.Int64("user", int64(user)), zap.String("name", displayName))
	e.notify(ctx, Notification{
		Event:        EventRegistrationRequested,
		TargetUserID: user,
		Text:         "Your registration was submitted. Please wait for admin approval.",
	})
	e.notify(ctx, Notification{
		Event:   EventRegistrationRequested,
		ToAdmin: true,
		Text:    fmt.Sprintf("New registration request\nUser: %s\nID: %d", displayOrID(displayName, user), user),
		Actions: resolveActions(ledger.KindRegistration, user.String()),
	})
	return reg, nil
}

// Touch records first contact with a user, creating an account shell.
func (e *Engine) Touch(ctx context.Context, user ledger.UserID, displayName string) (ledger.Account, error) {
	return e.ledger.GetOrCreate(ctx, user, displayName)
}

// GetBalance returns the balance of an approved account.
func (e *Engine) GetBalance(ctx context.Context, user ledger.UserID) (int64, error) {
	acc, err := e.approvedAccount(ctx, user)
	if err != nil {
		return 0, err
	}
	return acc.Balance, nil
}

// GetHistory returns the purchase history of an approved account, newest first.
func (e *Engine) GetHistory(ctx context.Context, user ledger.UserID) ([]ledger.FulfillmentRecord, error) {
	acc, err := e.approvedAccount(ctx, user)
	if err != nil {
		return nil, err
	}
	out := make([]ledger.FulfillmentRecord, 0, len(acc.History))
	for i := len(acc.History) - 1; i >= 0; i-- {
		out = append(out, acc.History[i])
	}
	return out, nil
}

func (e *Engine) approvedAccount(ctx context.Context, user ledger.UserID) (ledger.Account, error) {
	acc, err := e.ledger.GetOrCreate(ctx, user, "")
	if err != nil {
		return ledger.Account{}, err
	}
	if !acc.Approved {
		return acc, ledger.ErrNotApproved
	}
	return acc, nil
}

// =============================================================================
// CATALOG VIEWS
// =============================================================================

// CategoryView is a purchasable category.
type CategoryView struct {
	catalog.CategoryInfo
	Tiers int `json:"tiers"`
}

// TierView is a purchasable tier.
type TierView struct {
	Category ledger.Category `json:"category"`
	Tier     ledger.Tier     `json:"tier"`
	Unit     string          `json:"unit"`
	Price    int64           `json:"price"`
	Stock    int             `json:"stock"`
}

// ListAvailableCategories lists categories with at least one stocked tier.
func (e *Engine) ListAvailableCategories(_ context.Context) []CategoryView {
	var out []CategoryView
	_ = e.ledger.View(func(tx *ledger.Tx) error {
		for _, cat := range tx.AvailableCategories() {
			info, _ := e.catalog.Category(cat)
			out = append(out, CategoryView{CategoryInfo: info, Tiers: len(tx.AvailableTiers(cat))})
		}
		return nil
	})
	return out
}

// ListAvailableTiers lists stocked tiers of a category in numeric order.
func (e *Engine) ListAvailableTiers(_ context.Context, cat ledger.Category) ([]TierView, error) {
	if !cat.Valid() {
		return nil, &ledger.ValidationError{Field: "category", Message: "unknown category " + string(cat)}
	}
	var out []TierView
	_ = e.ledger.View(func(tx *ledger.Tx) error {
		for _, tier := range tx.AvailableTiers(cat) {
			out = append(out, TierView{
				Category: cat,
				Tier:     tier,
				Unit:     e.catalog.Unit(cat),
				Price:    tx.Price(cat, tier),
				Stock:    tx.StockCount(cat, tier),
			})
		}
		return nil
	})
	return out, nil
}

// Quote prices a purchase.
type Quote struct {
	Category  ledger.Category `json:"category"`
	Tier      ledger.Tier     `json:"tier"`
	Unit      string          `json:"unit"`
	Quantity  int             `json:"quantity"`
	UnitPrice int64           `json:"unitPrice"`
	Total     int64           `json:"total"`
	Available int             `json:"available"`
}

// Quote prices quantity codes of a tier. Quantity must be between 1 and
// the current stock.
func (e *Engine) Quote(_ context.Context, cat ledger.Category, tier ledger.Tier, quantity int) (Quote, error) {
	if !cat.Valid() {
		return Quote{}, &ledger.ValidationError{Field: "category", Message: "unknown category " + string(cat)}
	}
	var q Quote
	var totalErr error
	_ = e.ledger.View(func(tx *ledger.Tx) error {
		unit := tx.Price(cat, tier)
		q = Quote{
			Category:  cat,
			Tier:      tier,
			Unit:      e.catalog.Unit(cat),
			Quantity:  quantity,
			UnitPrice: unit,
			Available: tx.StockCount(cat, tier),
		}
		q.Total, totalErr = ledger.LineTotal(unit, quantity)
		return nil
	})
	if err := validateQuantity(cat, tier, quantity, q.Available); err != nil {
		return q, err
	}
	return q, totalErr
}

func validateQuantity(cat ledger.Category, tier ledger.Tier, quantity, available int) error {
	if available == 0 {
		return &ledger.InsufficientStockError{Category: cat, Tier: tier, Requested: quantity}
	}
	if quantity < 1 || quantity > available {
		return &ledger.ValidationError{
			Field:   "quantity",
			Message: fmt.Sprintf("must be between 1 and %d", available),
		}
	}
	return nil
}

// =============================================================================
// BALANCE PURCHASE
// =============================================================================

// CommitBalancePurchase buys quantity codes with stored balance. Stock and
// funds are re-checked at commit; on any failure nothing changes.
func (e *Engine) CommitBalancePurchase(ctx context.Context, user ledger.UserID, cat ledger.Category, tier ledger.Tier, quantity int) (rec ledger.FulfillmentRecord, err error) {
	ctx, span := e.startSpan(ctx, "CommitBalancePurchase",
		attribute.Int64("user.id", int64(user)),
		attribute.String("item.category", string(cat)),
		attribute.String("item.tier", string(tier)),
		attribute.Int("item.quantity", quantity),
	)
	defer func() { endSpan(span, err) }()

	var balance int64
	err = e.ledger.Update(ctx, func(tx *ledger.Tx) error {
		if _, err := requireApproved(tx, user); err != nil {
			return err
		}
		var err error
		rec, err = tx.Fulfill(ledger.FulfillInput{
			UserID:   user,
			Category: cat,
			Tier:     tier,
			Quantity: quantity,
			Kind:     ledger.FulfillmentBalance,
		})
		if err != nil {
			return err
		}
		acc, err := tx.Account(user)
		balance = acc.Balance
		return err
	})
	if err != nil {
		e.logger.Info("balance purchase refused",
			zap.Int64("user", int64(user)),
			zap.String("category", string(cat)),
			zap.String("tier", string(tier)),
			zap.Int("quantity", quantity),
			zap.Error(err),
		)
		return ledger.FulfillmentRecord{}, err
	}

	e.logger.Info("balance purchase completed",
		zap.Int64("user", int64(user)),
		zap.String("category", string(cat)),
		zap.String("tier", string(tier)),
		zap.Int("quantity", quantity),
		zap.Int64("total", rec.TotalPrice),
	)
	e.notify(ctx, Notification{
		Event:        EventPurchaseCompleted,
		TargetUserID: user,
		Text: fmt.Sprintf("Purchase successful!\n%s %s %s x%d\nPaid: %s\nRemaining balance: %s",
			e.catalog.DisplayName(cat), tier, e.catalog.Unit(cat), quantity,
			e.catalog.FormatPrice(rec.TotalPrice), e.catalog.FormatPrice(balance)),
		Codes: rec.Codes,
	})
	return rec, nil
}

// =============================================================================
// RECEIPT PURCHASE
// =============================================================================

// ReceiptSubmission is a purchase paid outside the system.
type ReceiptSubmission struct {
	UserID   ledger.UserID
	Category ledger.Category
	Tier     ledger.Tier
	Quantity int
	Method   ledger.PaymentMethod
	PhotoRef string

	// ReceiptID is the payment reference. Empty generates one.
	ReceiptID string
}

// SubmitReceipt records a pending purchase receipt and asks the operator
// to verify the payment. No stock or balance changes until approval.
func (e *Engine) SubmitReceipt(ctx context.Context, in ReceiptSubmission) (rec ledger.PurchaseReceipt, err error) {
	ctx, span := e.startSpan(ctx, "SubmitReceipt",
		attribute.Int64("user.id", int64(in.UserID)),
		attribute.String("item.category", string(in.Category)),
		attribute.String("item.tier", string(in.Tier)),
	)
	defer func() { endSpan(span, err) }()

	err = e.ledger.Update(ctx, func(tx *ledger.Tx) error {
		if _, err := requireApproved(tx, in.UserID); err != nil {
			return err
		}
		id := ledger.NormalizeRequestID(in.ReceiptID)
		if id == "" {
			var err error
			if id, err = tx.GenerateRequestID(); err != nil {
				return err
			}
		}
		var err error
		rec, err = tx.CreatePurchaseReceipt(ledger.ReceiptInput{
			ID:       id,
			UserID:   in.UserID,
			Category: in.Category,
			Tier:     in.Tier,
			Quantity: in.Quantity,
			Method:   in.Method,
			PhotoRef: in.PhotoRef,
		})
		return err
	})
	if err != nil {
		return ledger.PurchaseReceipt{}, err
	}

	e.logger.Info("receipt submitted",
		zap.String("receipt", rec.ID),
		zap.Int64("user", int64(rec.UserID)),
		zap.String("category", string(rec.Category)),
		zap.String("tier", string(rec.Tier)),
		zap.Int("quantity", rec.Quantity),
	)
	e.notify(ctx, Notification{
		Event:        EventReceiptSubmitted,
		TargetUserID: rec.UserID,
		Text:         fmt.Sprintf("Receipt %s submitted. Your codes will be sent after the payment is verified.", rec.ID),
	})
	e.notify(ctx, Notification{
		Event:    EventReceiptSubmitted,
		ToAdmin:  true,
		PhotoRef: rec.PhotoRef,
		Text: fmt.Sprintf("Purchase receipt\nReceipt ID: %s\nUser: %d\nItem: %s %s %s x%d\nTotal: %s\nMethod: %s",
			rec.ID, rec.UserID, e.catalog.DisplayName(rec.Category), rec.Tier, e.catalog.Unit(rec.Category),
			rec.Quantity, e.catalog.FormatPrice(rec.TotalPrice), orDash(string(rec.Method))),
		Actions: resolveActions(ledger.KindReceipt, rec.ID),
	})
	return rec, nil
}

// =============================================================================
// TOP-UP
// =============================================================================

// TopupSubmission is a balance top-up claim.
type TopupSubmission struct {
	UserID        ledger.UserID
	Amount        int64
	Method        ledger.PaymentMethod
	TransactionID string
	PhotoRef      string
}

// SubmitTopupDetails records a pending top-up and asks the operator to
// verify the transfer.
func (e *Engine) SubmitTopupDetails(ctx context.Context, in TopupSubmission) (req ledger.TopupRequest, err error) {
	ctx, span := e.startSpan(ctx, "SubmitTopupDetails",
		attribute.Int64("user.id", int64(in.UserID)),
		attribute.Int64("topup.amount", in.Amount),
	)
	defer func() { endSpan(span, err) }()

	if in.Amount < e.opts.MinTopup {
		return ledger.TopupRequest{}, &ledger.ValidationError{
			Field:   "amount",
			Message: "minimum top-up is " + e.catalog.FormatPrice(e.opts.MinTopup),
		}
	}

	err = e.ledger.Update(ctx, func(tx *ledger.Tx) error {
		if _, err := requireApproved(tx, in.UserID); err != nil {
			return err
		}
		var err error
		req, err = tx.CreateTopupRequest(ledger.TopupInput{
			ID:       in.TransactionID,
			UserID:   in.UserID,
			Amount:   in.Amount,
			Method:   in.Method,
			PhotoRef: in.PhotoRef,
		})
		return err
	})
	if err != nil {
		return ledger.TopupRequest{}, err
	}

	e.logger.Info("topup requested",
		zap.String("topup", req.ID),
		zap.Int64("user", int64(req.UserID)),
		zap.Int64("amount", req.Amount),
		zap.String("method", string(req.Method)),
	)
	e.notify(ctx, Notification{
		Event:        EventTopupRequested,
		TargetUserID: req.UserID,
		Text:         fmt.Sprintf("Top-up request %s for %s submitted. Please wait for admin approval.", req.ID, e.catalog.FormatPrice(req.Amount)),
	})
	e.notify(ctx, Notification{
		Event:    EventTopupRequested,
		ToAdmin:  true,
		PhotoRef: req.PhotoRef,
		Text: fmt.Sprintf("Top-up request\nTransaction ID: %s\nUser: %d\nAmount: %s\nMethod: %s",
			req.ID, req.UserID, e.catalog.FormatPrice(req.Amount), req.Method),
		Actions: resolveActions(ledger.KindTopup, req.ID),
	})
	return req, nil
}

// PaymentInfo returns where to send money for a method.
func (e *Engine) PaymentInfo(method ledger.PaymentMethod) (catalog.PaymentAccount, error) {
	pa, ok := e.catalog.PaymentAccount(method)
	if !ok {
		return catalog.PaymentAccount{}, &ledger.ValidationError{Field: "method", Message: "unknown payment method " + string(method)}
	}
	return pa, nil
}

func displayOrID(name string, id ledger.UserID) string {
	if name != "" {
		return name
	}
	return id.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
