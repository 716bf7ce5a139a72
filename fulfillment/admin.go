/*
admin.go - Operator intents

PURPOSE:
  Everything only the configured operator may do: resolve pending
  requests, manage stock and prices, correct balances, and read the
  pending queue and sales report.

AUTHORIZATION:
  Every intent takes the caller's user id and fails closed with
  ErrUnauthorized unless it equals Options.AdminID. An unset AdminID
  (zero) authorizes nobody.

RESOLUTION EFFECTS (applied in the same ledger Update as the status change):
  receipt approve       re-check stock, dispense, history, sales total.
                        On shortfall: ErrInsufficientStock, receipt stays pending.
  receipt reject        status only
  topup approve         balance += amount
  topup reject          status only
  registration approve  account approved
  registration reject   pending entry dropped; an account shell with no
                        balance and no history is removed as well

SEE ALSO:
  - ledger/requests.go: Request lifecycle
  - ledger/fulfill.go: Dispense + sale booking
*/
package fulfillment

import (
	"context"
	"errors"
	"fmt"

	"github.com/warp/codeshop/ledger"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

func (e *Engine) authorize(caller ledger.UserID) error {
	if e.opts.AdminID == 0 || caller != e.opts.AdminID {
		e.logger.Warn("unauthorized admin intent", zap.Int64("caller", int64(caller)))
		return ledger.ErrUnauthorized
	}
	return nil
}

// IsAdmin reports whether user is the configured operator.
func (e *Engine) IsAdmin(user ledger.UserID) bool {
	return e.opts.AdminID != 0 && user == e.opts.AdminID
}

// =============================================================================
// RESOLVE
// =============================================================================

// Resolution describes an applied admin decision.
type Resolution struct {
	Kind      ledger.RequestKind `json:"kind"`
	RequestID string             `json:"requestId"`
	Decision  ledger.Decision    `json:"decision"`
	UserID    ledger.UserID      `json:"userId"`
	Codes     []string           `json:"codes,omitempty"`
	Balance   int64              `json:"balance,omitempty"`
	Amount    int64              `json:"amount,omitempty"`
}

// AdminResolve applies an approve/reject decision to a pending request.
// Resolving the same request twice fails with ErrAlreadyResolved.
func (e *Engine) AdminResolve(ctx context.Context, caller ledger.UserID, kind ledger.RequestKind, id string, d ledger.Decision) (res Resolution, err error) {
	ctx, span := e.startSpan(ctx, "AdminResolve",
		attribute.String("request.kind", string(kind)),
		attribute.String("request.id", id),
		attribute.String("request.decision", string(d)),
	)
	defer func() { endSpan(span, err) }()

	if err := e.authorize(caller); err != nil {
		return Resolution{}, err
	}
	if !d.Valid() {
		return Resolution{}, &ledger.ValidationError{Field: "decision", Message: "must be approve or reject"}
	}

	switch kind {
	case ledger.KindReceipt:
		res, err = e.resolveReceipt(ctx, id, d)
	case ledger.KindTopup:
		res, err = e.resolveTopup(ctx, id, d)
	case ledger.KindRegistration:
		res, err = e.resolveRegistration(ctx, id, d)
	default:
		return Resolution{}, &ledger.ValidationError{Field: "kind", Message: "must be registration, topup or receipt"}
	}
	if err != nil {
		e.logger.Info("admin resolution refused",
			zap.String("kind", string(kind)),
			zap.String("request", id),
			zap.String("decision", string(d)),
			zap.Error(err),
		)
		return Resolution{}, err
	}

	e.logger.Info("admin resolution applied",
		zap.String("kind", string(kind)),
		zap.String("request", res.RequestID),
		zap.String("decision", string(d)),
		zap.Int64("user", int64(res.UserID)),
	)
	return res, nil
}

func (e *Engine) resolveReceipt(ctx context.Context, id string, d ledger.Decision) (Resolution, error) {
	var rec ledger.PurchaseReceipt
	var fr ledger.FulfillmentRecord
	err := e.ledger.Update(ctx, func(tx *ledger.Tx) error {
		var err error
		if rec, err = tx.Receipt(id); err != nil {
			return err
		}
		if rec.Status != ledger.StatusPending {
			return ledger.ErrAlreadyResolved
		}
		if d == ledger.DecisionApprove {
			fr, err = tx.Fulfill(ledger.FulfillInput{
				UserID:    rec.UserID,
				Category:  rec.Category,
				Tier:      rec.Tier,
				Quantity:  rec.Quantity,
				Kind:      ledger.FulfillmentReceipt,
				UnitPrice: rec.UnitPrice,
				ReceiptID: rec.ID,
			})
			if err != nil {
				return err
			}
		}
		rec, err = tx.ResolveReceipt(id, d)
		return err
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientStock) {
			e.logger.Warn("receipt approval blocked by stock", zap.String("receipt", id), zap.Error(err))
		}
		return Resolution{}, err
	}

	res := Resolution{Kind: ledger.KindReceipt, RequestID: rec.ID, Decision: d, UserID: rec.UserID}
	item := fmt.Sprintf("%s %s %s x%d", e.catalog.DisplayName(rec.Category), rec.Tier, e.catalog.Unit(rec.Category), rec.Quantity)
	if d == ledger.DecisionApprove {
		res.Codes = fr.Codes
		res.Amount = fr.TotalPrice
		e.notify(ctx, Notification{
			Event:        EventReceiptApproved,
			TargetUserID: rec.UserID,
			Text:         fmt.Sprintf("Receipt %s approved!\n%s", rec.ID, item),
			Codes:        fr.Codes,
		})
	} else {
		e.notify(ctx, Notification{
			Event:        EventReceiptRejected,
			TargetUserID: rec.UserID,
			Text:         fmt.Sprintf("Receipt %s was rejected. Contact the admin if you believe this is a mistake.", rec.ID),
		})
	}
	return res, nil
}

func (e *Engine) resolveTopup(ctx context.Context, id string, d ledger.Decision) (Resolution, error) {
	var req ledger.TopupRequest
	var balance int64
	err := e.ledger.Update(ctx, func(tx *ledger.Tx) error {
		var err error
		if req, err = tx.ResolveTopup(id, d); err != nil {
			return err
		}
		if d == ledger.DecisionApprove {
			balance, err = tx.AdjustBalance(req.UserID, req.Amount)
		}
		return err
	})
	if err != nil {
		return Resolution{}, err
	}

	res := Resolution{Kind: ledger.KindTopup, RequestID: req.ID, Decision: d, UserID: req.UserID, Amount: req.Amount}
	if d == ledger.DecisionApprove {
		res.Balance = balance
		e.notify(ctx, Notification{
			Event:        EventTopupApproved,
			TargetUserID: req.UserID,
			Text: fmt.Sprintf("Top-up %s approved. %s added.\nNew balance: %s",
				req.ID, e.catalog.FormatPrice(req.Amount), e.catalog.FormatPrice(balance)),
		})
	} else {
		e.notify(ctx, Notification{
			Event:        EventTopupRejected,
			TargetUserID: req.UserID,
			Text:         fmt.Sprintf("Top-up %s was rejected.", req.ID),
		})
	}
	return res, nil
}

func (e *Engine) resolveRegistration(ctx context.Context, id string, d ledger.Decision) (Resolution, error) {
	user, err := ledger.ParseUserID(id)
	if err != nil {
		return Resolution{}, err
	}
	err = e.ledger.Update(ctx, func(tx *ledger.Tx) error {
		if _, err := tx.ResolveRegistration(user, d); err != nil {
			return err
		}
		if d == ledger.DecisionReject {
			_, err := tx.DiscardAccountShell(user)
			return err
		}
		return nil
	})
	if err != nil {
		return Resolution{}, err
	}

	if d == ledger.DecisionApprove {
		e.notify(ctx, Notification{
			Event:        EventRegistrationApproved,
			TargetUserID: user,
			Text:         "Your registration was approved. Welcome!",
		})
	} else {
		e.notify(ctx, Notification{
			Event:        EventRegistrationRejected,
			TargetUserID: user,
			Text:         "Your registration was rejected.",
		})
	}
	return Resolution{Kind: ledger.KindRegistration, RequestID: user.String(), Decision: d, UserID: user}, nil
}

// =============================================================================
// STOCK + PRICES
// =============================================================================

// AdminAddStock appends codes to a tier and sets its price.
func (e *Engine) AdminAddStock(ctx context.Context, caller ledger.UserID, cat ledger.Category, tier ledger.Tier, price int64, codes []string) (res ledger.AddCodesResult, err error) {
	ctx, span := e.startSpan(ctx, "AdminAddStock",
		attribute.String("item.category", string(cat)),
		attribute.String("item.tier", string(tier)),
		attribute.Int("codes", len(codes)),
	)
	defer func() { endSpan(span, err) }()

	if err := e.authorize(caller); err != nil {
		return ledger.AddCodesResult{}, err
	}
	err = e.ledger.Update(ctx, func(tx *ledger.Tx) error {
		var err error
		res, err = tx.AddCodes(cat, tier, price, codes)
		return err
	})
	if err != nil {
		return ledger.AddCodesResult{}, err
	}

	e.logger.Info("stock added",
		zap.String("category", string(cat)),
		zap.String("tier", string(tier)),
		zap.Int64("price", price),
		zap.Int("added", res.Added),
		zap.Int("skipped", len(res.Skipped)),
		zap.Int("stock", res.Stock),
	)
	return res, nil
}

// AdminRemoveCode deletes one stocked code and reports whether it existed.
func (e *Engine) AdminRemoveCode(ctx context.Context, caller ledger.UserID, cat ledger.Category, tier ledger.Tier, code string) (bool, error) {
	if err := e.authorize(caller); err != nil {
		return false, err
	}
	var removed bool
	err := e.ledger.Update(ctx, func(tx *ledger.Tx) error {
		var err error
		removed, err = tx.RemoveCode(cat, tier, code)
		return err
	})
	if err != nil {
		return false, err
	}
	if removed {
		e.logger.Info("code removed", zap.String("category", string(cat)), zap.String("tier", string(tier)))
	}
	return removed, nil
}

// AdminSetPrice sets a tier's unit price.
func (e *Engine) AdminSetPrice(ctx context.Context, caller ledger.UserID, cat ledger.Category, tier ledger.Tier, price int64) error {
	if err := e.authorize(caller); err != nil {
		return err
	}
	err := e.ledger.Update(ctx, func(tx *ledger.Tx) error {
		return tx.SetPrice(cat, tier, price)
	})
	if err != nil {
		return err
	}
	e.logger.Info("price set", zap.String("category", string(cat)), zap.String("tier", string(tier)), zap.Int64("price", price))
	return nil
}

// =============================================================================
// BALANCES + REPORTS
// =============================================================================

// AdminSetBalance sets an account's balance to an absolute value. The
// change is applied as a delta through the regular balance write path.
func (e *Engine) AdminSetBalance(ctx context.Context, caller ledger.UserID, user ledger.UserID, balance int64) (previous int64, err error) {
	ctx, span := e.startSpan(ctx, "AdminSetBalance", attribute.Int64("user.id", int64(user)))
	defer func() { endSpan(span, err) }()

	if err := e.authorize(caller); err != nil {
		return 0, err
	}
	if balance < 0 {
		return 0, &ledger.ValidationError{Field: "balance", Message: "must not be negative"}
	}
	err = e.ledger.Update(ctx, func(tx *ledger.Tx) error {
		acc, err := tx.Account(user)
		if err != nil {
			return err
		}
		previous = acc.Balance
		_, err = tx.AdjustBalance(user, balance-acc.Balance)
		return err
	})
	if err != nil {
		return 0, err
	}

	e.logger.Info("balance set", zap.Int64("user", int64(user)), zap.Int64("previous", previous), zap.Int64("balance", balance))
	e.notify(ctx, Notification{
		Event:        EventBalanceSet,
		TargetUserID: user,
		Text:         "Your balance was updated to " + e.catalog.FormatPrice(balance) + ".",
	})
	return previous, nil
}

// AdminListPending lists pending requests of the given kinds (all when
// none), oldest first.
func (e *Engine) AdminListPending(_ context.Context, caller ledger.UserID, kinds ...ledger.RequestKind) ([]ledger.Request, error) {
	if err := e.authorize(caller); err != nil {
		return nil, err
	}
	var out []ledger.Request
	err := e.ledger.View(func(tx *ledger.Tx) error {
		out = tx.PendingRequests(kinds...)
		return nil
	})
	return out, err
}

// AdminStats returns the sales report.
func (e *Engine) AdminStats(_ context.Context, caller ledger.UserID) (ledger.SalesReport, error) {
	if err := e.authorize(caller); err != nil {
		return ledger.SalesReport{}, err
	}
	var r ledger.SalesReport
	err := e.ledger.View(func(tx *ledger.Tx) error {
		r = tx.SalesReport()
		return nil
	})
	return r, err
}

// AdminAccount returns any account, approved or not.
func (e *Engine) AdminAccount(_ context.Context, caller ledger.UserID, user ledger.UserID) (ledger.Account, error) {
	if err := e.authorize(caller); err != nil {
		return ledger.Account{}, err
	}
	return e.ledger.Account(user)
}
