package fulfillment

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/warp/codeshop/ledger"
	"go.uber.org/zap"
)

// Event names what happened, so front ends can pick a template.
type Event string

const (
	EventRegistrationRequested Event = "registration.requested"
	EventRegistrationApproved  Event = "registration.approved"
	EventRegistrationRejected  Event = "registration.rejected"
	EventTopupRequested        Event = "topup.requested"
	EventTopupApproved         Event = "topup.approved"
	EventTopupRejected         Event = "topup.rejected"
	EventReceiptSubmitted      Event = "receipt.submitted"
	EventReceiptApproved       Event = "receipt.approved"
	EventReceiptRejected       Event = "receipt.rejected"
	EventPurchaseCompleted     Event = "purchase.completed"
	EventBalanceSet            Event = "balance.set"
)

// Action is an operator button attached to an admin notification.
type Action struct {
	Label     string             `json:"label"`
	Kind      ledger.RequestKind `json:"kind"`
	RequestID string             `json:"requestId"`
	Decision  ledger.Decision    `json:"decision"`
}

// Notification is handed to the messaging front end after a commit.
type Notification struct {
	ID           string        `json:"id"`
	Event        Event         `json:"event"`
	TargetUserID ledger.UserID `json:"targetUserId"`
	ToAdmin      bool          `json:"toAdmin"`
	Text         string        `json:"text"`
	Codes        []string      `json:"codes,omitempty"`
	PhotoRef     string        `json:"photoRef,omitempty"`
	Actions      []Action      `json:"actions,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
}

// Notifier delivers notifications. Delivery is best effort: errors are
// logged by the engine and never undo a committed change.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

func resolveActions(kind ledger.RequestKind, id string) []Action {
	return []Action{
		{Label: "Approve", Kind: kind, RequestID: id, Decision: ledger.DecisionApprove},
		{Label: "Reject", Kind: kind, RequestID: id, Decision: ledger.DecisionReject},
	}
}

// notify stamps and sends n. Failures are logged only.
func (e *Engine) notify(ctx context.Context, n Notification) {
	if e.notifier == nil {
		return
	}
	n.ID = uuid.NewString()
	n.CreatedAt = e.now().UTC()
	if n.ToAdmin {
		n.TargetUserID = e.opts.AdminID
	}
	if err := e.notifier.Notify(ctx, n); err != nil {
		e.logger.Warn("notification delivery failed",
			zap.String("event", string(n.Event)),
			zap.Int64("target", int64(n.TargetUserID)),
			zap.Error(err),
		)
	}
}
