/*
dto.go - Request and response bodies of the HTTP API

NAMING CONVENTION:
  - *Request: Request body types from clients
  - *Response / *DTO: Response types returned to clients

  Engine result types (ledger.Account, fulfillment.Quote, fulfillment.Session,
  ledger.SalesReport, ...) already carry JSON tags and are returned as is.

VALIDATION:
  Done by the engine, not by DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/codeshop/catalog"
	"github.com/warp/codeshop/fulfillment"
	"github.com/warp/codeshop/ledger"
)

// =============================================================================
// USER REQUESTS
// =============================================================================

type RegisterRequest struct {
	DisplayName string `json:"displayName"`
}

type PurchaseRequest struct {
	Category string `json:"category"`
	Tier     string `json:"tier"`
	Quantity int    `json:"quantity"`
}

type ReceiptRequest struct {
	Category  string `json:"category"`
	Tier      string `json:"tier"`
	Quantity  int    `json:"quantity"`
	Method    string `json:"method"`
	PhotoRef  string `json:"photoRef"`
	ReceiptID string `json:"receiptId"`
}

type TopupRequest struct {
	Amount        int64  `json:"amount"`
	Method        string `json:"method"`
	TransactionID string `json:"transactionId"`
	PhotoRef      string `json:"photoRef"`
}

// SessionStepRequest carries the input of one purchase flow step. Only the
// field the step reads needs to be set.
type SessionStepRequest struct {
	Category  string `json:"category,omitempty"`
	Tier      string `json:"tier,omitempty"`
	Quantity  int    `json:"quantity,omitempty"`
	Method    string `json:"method,omitempty"`
	PhotoRef  string `json:"photoRef,omitempty"`
	ReceiptID string `json:"receiptId,omitempty"`
}

// =============================================================================
// ADMIN REQUESTS
// =============================================================================

type AddStockRequest struct {
	Category string   `json:"category"`
	Tier     string   `json:"tier"`
	Price    int64    `json:"price"`
	Codes    []string `json:"codes"`
}

type SetPriceRequest struct {
	Price int64 `json:"price"`
}

type SetBalanceRequest struct {
	Balance int64 `json:"balance"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type CatalogResponse struct {
	Currency        string                   `json:"currency"`
	Categories      []catalog.CategoryInfo   `json:"categories"`
	PaymentAccounts []catalog.PaymentAccount `json:"paymentAccounts"`
}

type BalanceResponse struct {
	UserID    ledger.UserID `json:"userId"`
	Balance   int64         `json:"balance"`
	Formatted string        `json:"formatted"`
}

type SessionResponse struct {
	Session    fulfillment.Session        `json:"session"`
	Categories []fulfillment.CategoryView `json:"categories,omitempty"`
	Tiers      []fulfillment.TierView     `json:"tiers,omitempty"`
	Quote      *fulfillment.Quote         `json:"quote,omitempty"`
	Payee      *catalog.PaymentAccount    `json:"payee,omitempty"`
}

type SetBalanceResponse struct {
	UserID   ledger.UserID `json:"userId"`
	Previous int64         `json:"previous"`
	Balance  int64         `json:"balance"`
}

type RemoveCodeResponse struct {
	Removed bool `json:"removed"`
}

// PendingRequestDTO is one entry of the admin queue.
type PendingRequestDTO struct {
	Kind      ledger.RequestKind   `json:"kind"`
	ID        string               `json:"id"`
	UserID    ledger.UserID        `json:"userId"`
	Status    ledger.RequestStatus `json:"status"`
	CreatedAt time.Time            `json:"createdAt"`
	Detail    any                  `json:"detail"`
}

func toPendingDTOs(reqs []ledger.Request) []PendingRequestDTO {
	out := make([]PendingRequestDTO, len(reqs))
	for i, r := range reqs {
		out[i] = PendingRequestDTO{
			Kind:      r.RequestKind(),
			ID:        r.RequestID(),
			UserID:    r.Requester(),
			Status:    r.RequestStatus(),
			CreatedAt: r.Created(),
			Detail:    r,
		}
	}
	return out
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}
