/*
session.go - Per-user purchase state machine

PURPOSE:
  Tracks where each user is in the purchase flow. Sessions are
  ephemeral: they live in memory only and are discarded after a
  terminal step, on cancel, or once idle longer than the TTL.

STAGES:
  SelectingCategory ─▶ SelectingTier ─▶ EnteringQuantity ─▶ ChoosingPayment
                                                               │
                       ┌───────────────────────────────────────┤
                       ▼                                       ▼
                 PayWithBalance (terminal)        AwaitingPhoto ─▶ AwaitingReceiptID (terminal)

RULES:
  - A transition called from the wrong stage fails with ErrWrongStep
    and leaves the session as it was.
  - Invalid input (unknown tier, quantity out of 1..stock, bad receipt
    id) re-prompts: ValidationError, session unchanged.
  - PayWithBalance keeps the session on InsufficientFunds so the buyer
    can switch to receipt payment; any other failure ends it.
*/
package fulfillment

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/warp/codeshop/catalog"
	"github.com/warp/codeshop/ledger"
	"go.uber.org/zap"
)

// Stage is a step of the purchase flow.
type Stage string

const (
	StageSelectingCategory Stage = "selecting_category"
	StageSelectingTier     Stage = "selecting_tier"
	StageEnteringQuantity  Stage = "entering_quantity"
	StageChoosingPayment   Stage = "choosing_payment"
	StageAwaitingPhoto     Stage = "awaiting_photo"
	StageAwaitingReceiptID Stage = "awaiting_receipt_id"
)

var (
	// ErrNoSession is returned when a flow step arrives without an active purchase.
	ErrNoSession = &ledger.ValidationError{Field: "session", Message: "no purchase in progress"}

	// ErrWrongStep is returned when a flow step doesn't match the session stage.
	ErrWrongStep = &ledger.ValidationError{Field: "session", Message: "unexpected step for this purchase"}
)

// Session is a snapshot of one user's purchase in progress.
type Session struct {
	UserID    ledger.UserID        `json:"userId"`
	Stage     Stage                `json:"stage"`
	Category  ledger.Category      `json:"category,omitempty"`
	Tier      ledger.Tier          `json:"tier,omitempty"`
	Quantity  int                  `json:"quantity,omitempty"`
	Method    ledger.PaymentMethod `json:"method,omitempty"`
	PhotoRef  string               `json:"photoRef,omitempty"`
	UpdatedAt time.Time            `json:"updatedAt"`
}

// =============================================================================
// SESSION TABLE
// =============================================================================

type sessionEntry struct {
	mu   sync.Mutex
	s    Session
	done bool
}

type sessions struct {
	mu     sync.Mutex
	byUser map[ledger.UserID]*sessionEntry
	ttl    time.Duration
	now    func() time.Time
}

func newSessions(ttl time.Duration, now func() time.Time) *sessions {
	return &sessions{byUser: make(map[ledger.UserID]*sessionEntry), ttl: ttl, now: now}
}

func (ss *sessions) start(user ledger.UserID) Session {
	e := &sessionEntry{s: Session{UserID: user, Stage: StageSelectingCategory, UpdatedAt: ss.now()}}

	ss.mu.Lock()
	old := ss.byUser[user]
	ss.byUser[user] = e
	ss.mu.Unlock()

	if old != nil {
		old.mu.Lock()
		old.done = true
		old.mu.Unlock()
	}
	return e.s
}

// with runs fn on the user's live session under its lock. fn returns
// whether the session ended.
func (ss *sessions) with(user ledger.UserID, fn func(s *Session) (bool, error)) (Session, error) {
	ss.mu.Lock()
	e, ok := ss.byUser[user]
	ss.mu.Unlock()
	if !ok {
		return Session{}, ErrNoSession
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done || ss.expired(e.s) {
		ss.drop(user, e)
		return Session{}, ErrNoSession
	}

	working := e.s
	ended, err := fn(&working)
	if err == nil {
		working.UpdatedAt = ss.now()
		e.s = working
	}
	if ended {
		e.done = true
		ss.drop(user, e)
	}
	return working, err
}

func (ss *sessions) get(user ledger.UserID) (Session, bool) {
	ss.mu.Lock()
	e, ok := ss.byUser[user]
	ss.mu.Unlock()
	if !ok {
		return Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done || ss.expired(e.s) {
		return Session{}, false
	}
	return e.s, true
}

func (ss *sessions) cancel(user ledger.UserID) bool {
	ss.mu.Lock()
	e, ok := ss.byUser[user]
	delete(ss.byUser, user)
	ss.mu.Unlock()
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	alive := !e.done && !ss.expired(e.s)
	e.done = true
	return alive
}

// drop removes e if it is still the user's current entry.
func (ss *sessions) drop(user ledger.UserID, e *sessionEntry) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.byUser[user] == e {
		delete(ss.byUser, user)
	}
}

func (ss *sessions) expired(s Session) bool {
	return ss.now().Sub(s.UpdatedAt) > ss.ttl
}

// sweep drops expired sessions. Sessions busy in a transition are skipped.
func (ss *sessions) sweep() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	n := 0
	for user, e := range ss.byUser {
		if !e.mu.TryLock() {
			continue
		}
		if e.done || ss.expired(e.s) {
			e.done = true
			delete(ss.byUser, user)
			n++
		}
		e.mu.Unlock()
	}
	return n
}

func (ss *sessions) count() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return len(ss.byUser)
}

// =============================================================================
// FLOW INTENTS
// =============================================================================

// StartPurchase opens (or restarts) the user's purchase and returns the
// categories in stock.
func (e *Engine) StartPurchase(ctx context.Context, user ledger.UserID) (Session, []CategoryView, error) {
	if _, err := e.approvedAccount(ctx, user); err != nil {
		return Session{}, nil, err
	}
	cats := e.ListAvailableCategories(ctx)
	if len(cats) == 0 {
		return Session{}, nil, &ledger.InsufficientStockError{}
	}
	return e.sessions.start(user), cats, nil
}

// SelectCategory picks the product family and returns its stocked tiers.
func (e *Engine) SelectCategory(ctx context.Context, user ledger.UserID, cat ledger.Category) (Session, []TierView, error) {
	var tiers []TierView
	s, err := e.sessions.with(user, func(s *Session) (bool, error) {
		if s.Stage != StageSelectingCategory {
			return false, ErrWrongStep
		}
		var err error
		if tiers, err = e.ListAvailableTiers(ctx, cat); err != nil {
			return false, err
		}
		if len(tiers) == 0 {
			return false, &ledger.ValidationError{Field: "category", Message: "out of stock"}
		}
		s.Category = cat
		s.Stage = StageSelectingTier
		return false, nil
	})
	return s, tiers, err
}

// SelectTier picks the denomination and returns a one-unit quote.
func (e *Engine) SelectTier(ctx context.Context, user ledger.UserID, tier ledger.Tier) (Session, Quote, error) {
	var q Quote
	s, err := e.sessions.with(user, func(s *Session) (bool, error) {
		if s.Stage != StageSelectingTier {
			return false, ErrWrongStep
		}
		var err error
		q, err = e.Quote(ctx, s.Category, tier, 1)
		if err != nil {
			if errors.Is(err, ledger.ErrInsufficientStock) {
				return false, &ledger.ValidationError{Field: "tier", Message: "not available"}
			}
			return false, err
		}
		s.Tier = tier
		s.Stage = StageEnteringQuantity
		return false, nil
	})
	return s, q, err
}

// EnterQuantity sets how many codes to buy. Out-of-range input fails with
// a ValidationError and the user stays on this step.
func (e *Engine) EnterQuantity(ctx context.Context, user ledger.UserID, quantity int) (Session, Quote, error) {
	var q Quote
	s, err := e.sessions.with(user, func(s *Session) (bool, error) {
		if s.Stage != StageEnteringQuantity {
			return false, ErrWrongStep
		}
		var err error
		if q, err = e.Quote(ctx, s.Category, s.Tier, quantity); err != nil {
			return false, err
		}
		s.Quantity = quantity
		s.Stage = StageChoosingPayment
		return false, nil
	})
	return s, q, err
}

// PayWithBalance completes the purchase from stored balance.
func (e *Engine) PayWithBalance(ctx context.Context, user ledger.UserID) (ledger.FulfillmentRecord, error) {
	var rec ledger.FulfillmentRecord
	_, err := e.sessions.with(user, func(s *Session) (bool, error) {
		if s.Stage != StageChoosingPayment {
			return false, ErrWrongStep
		}
		var err error
		rec, err = e.CommitBalancePurchase(ctx, user, s.Category, s.Tier, s.Quantity)
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			return false, err
		}
		return true, err
	})
	return rec, err
}

// PayWithReceipt switches to external payment and returns the payee to
// transfer to.
func (e *Engine) PayWithReceipt(_ context.Context, user ledger.UserID, method ledger.PaymentMethod) (Session, catalog.PaymentAccount, error) {
	var pa catalog.PaymentAccount
	s, err := e.sessions.with(user, func(s *Session) (bool, error) {
		if s.Stage != StageChoosingPayment {
			return false, ErrWrongStep
		}
		var err error
		if pa, err = e.PaymentInfo(method); err != nil {
			return false, err
		}
		s.Method = method
		s.Stage = StageAwaitingPhoto
		return false, nil
	})
	return s, pa, err
}

// SubmitReceiptPhoto attaches the payment screenshot reference.
func (e *Engine) SubmitReceiptPhoto(_ context.Context, user ledger.UserID, photoRef string) (Session, error) {
	return e.sessions.with(user, func(s *Session) (bool, error) {
		if s.Stage != StageAwaitingPhoto {
			return false, ErrWrongStep
		}
		if photoRef == "" {
			return false, &ledger.ValidationError{Field: "photo", Message: "please send a photo of the receipt"}
		}
		s.PhotoRef = photoRef
		s.Stage = StageAwaitingReceiptID
		return false, nil
	})
}

// SubmitReceiptID files the receipt for approval and ends the session.
// An empty id asks the ledger to generate one. A malformed or already used
// id re-prompts.
func (e *Engine) SubmitReceiptID(ctx context.Context, user ledger.UserID, receiptID string) (ledger.PurchaseReceipt, error) {
	var rec ledger.PurchaseReceipt
	_, err := e.sessions.with(user, func(s *Session) (bool, error) {
		if s.Stage != StageAwaitingReceiptID {
			return false, ErrWrongStep
		}
		var err error
		rec, err = e.SubmitReceipt(ctx, ReceiptSubmission{
			UserID:    user,
			Category:  s.Category,
			Tier:      s.Tier,
			Quantity:  s.Quantity,
			Method:    s.Method,
			PhotoRef:  s.PhotoRef,
			ReceiptID: receiptID,
		})
		if errors.Is(err, ledger.ErrValidation) || errors.Is(err, ledger.ErrDuplicateID) {
			return false, err
		}
		return true, err
	})
	return rec, err
}

// CancelSession abandons the user's purchase. It reports whether one was active.
func (e *Engine) CancelSession(user ledger.UserID) bool {
	return e.sessions.cancel(user)
}

// CurrentSession returns the user's active purchase, if any.
func (e *Engine) CurrentSession(user ledger.UserID) (Session, bool) {
	return e.sessions.get(user)
}

// SweepSessions discards sessions idle longer than the TTL.
func (e *Engine) SweepSessions() int {
	n := e.sessions.sweep()
	if n > 0 {
		e.logger.Debug("expired purchase sessions", zap.Int("count", n), zap.Int("active", e.sessions.count()))
	}
	return n
}
