/*
handlers.go - HTTP API handlers for the storefront

PURPOSE:
  Exposes the fulfillment engine's intents over REST for web front ends
  and operator tooling. Handles HTTP request/response and JSON, and
  delegates every decision to the engine.

ENDPOINTS:
  Catalog:
    GET    /api/catalog                            Categories, units, payees
    GET    /api/categories                         Categories in stock
    GET    /api/categories/{category}/tiers        Stocked tiers with prices
    GET    /api/quote?category=&tier=&quantity=    Price a purchase
    GET    /api/payment/{method}                   Payee for a method

  Users:
    POST   /api/users/{id}/register                Queue for approval
    GET    /api/users/{id}/balance                 Balance
    GET    /api/users/{id}/history                 Purchase history, newest first
    POST   /api/users/{id}/purchases               Buy with balance
    POST   /api/users/{id}/receipts                Submit an external payment receipt
    POST   /api/users/{id}/topups                  Submit a top-up claim

  Purchase session:
    POST   /api/users/{id}/session                 Start
    GET    /api/users/{id}/session                 Current state
    DELETE /api/users/{id}/session                 Cancel
    POST   /api/users/{id}/session/{step}          category | tier | quantity | pay | photo | receipt

  Admin (shared secret in X-Admin-Token, caller in X-Admin-ID):
    GET    /api/admin/pending?kind=
    POST   /api/admin/requests/{kind}/{id}/{decision}
    POST   /api/admin/stock
    DELETE /api/admin/stock/{category}/{tier}/{code}
    PUT    /api/admin/prices/{category}/{tier}
    PUT    /api/admin/users/{id}/balance
    GET    /api/admin/users/{id}
    GET    /api/admin/stats

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 403: Not the admin, or account not approved
  - 404: Account or request not found
  - 409: Insufficient funds/stock, duplicate id, already resolved
  - 500: Persistence and internal errors

SECURITY NOTE:
  User ids come from the path and the admin id from a header. Admin
  routes additionally require the configured shared secret and answer
  403 for everything when no secret is configured. The user routes still
  trust their caller and belong behind the front end, not on the public
  internet.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/warp/codeshop/catalog"
	"github.com/warp/codeshop/fulfillment"
	"github.com/warp/codeshop/ledger"
	"go.uber.org/zap"
)

// Admin route headers.
const (
	// HeaderAdminID names the caller of admin routes.
	HeaderAdminID = "X-Admin-ID"
	// HeaderAdminToken carries the shared admin secret.
	HeaderAdminToken = "X-Admin-Token"
)

const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *fulfillment.Engine
	logger *zap.Logger
}

// NewHandler creates a new handler over the engine.
func NewHandler(engine *fulfillment.Engine, logger *zap.Logger) *Handler {
	return &Handler{Engine: engine, logger: logger.Named("api")}
}

// =============================================================================
// CATALOG HANDLERS
// =============================================================================

// GetCatalog returns the static catalog.
func (h *Handler) GetCatalog(w http.ResponseWriter, r *http.Request) {
	cat := h.Engine.Catalog()
	writeJSON(w, http.StatusOK, CatalogResponse{
		Currency:        cat.Currency,
		Categories:      cat.Categories(),
		PaymentAccounts: cat.PaymentAccounts(),
	})
}

// ListCategories returns categories with stock.
func (h *Handler) ListCategories(w http.ResponseWriter, r *http.Request) {
	cats := h.Engine.ListAvailableCategories(r.Context())
	if cats == nil {
		cats = []fulfillment.CategoryView{}
	}
	writeJSON(w, http.StatusOK, cats)
}

// ListTiers returns the stocked tiers of a category.
func (h *Handler) ListTiers(w http.ResponseWriter, r *http.Request) {
	cat, err := catalog.ParseCategory(chi.URLParam(r, "category"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	tiers, err := h.Engine.ListAvailableTiers(r.Context(), cat)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if tiers == nil {
		tiers = []fulfillment.TierView{}
	}
	writeJSON(w, http.StatusOK, tiers)
}

// GetQuote prices a purchase from query parameters.
func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cat, err := catalog.ParseCategory(q.Get("category"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	qty, err := strconv.Atoi(q.Get("quantity"))
	if err != nil {
		h.writeEngineError(w, &ledger.ValidationError{Field: "quantity", Message: "must be a number"})
		return
	}
	quote, err := h.Engine.Quote(r.Context(), cat, ledger.Tier(q.Get("tier")), qty)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// GetPaymentInfo returns the payee for a method.
func (h *Handler) GetPaymentInfo(w http.ResponseWriter, r *http.Request) {
	method, err := ledger.ParsePaymentMethod(chi.URLParam(r, "method"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	pa, err := h.Engine.PaymentInfo(method)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pa)
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// Register queues the user for approval.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	user, ok := h.userParam(w, r)
	if !ok {
		return
	}
	var req RegisterRequest
	if !h.decode(w, r, &req) {
		return
	}
	reg, err := h.Engine.Register(r.Context(), user, req.DisplayName)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, reg)
}

// GetBalance returns an approved user's balance.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	user, ok := h.userParam(w, r)
	if !ok {
		return
	}
	bal, err := h.Engine.GetBalance(r.Context(), user)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{UserID: user, Balance: bal, Formatted: h.Engine.Catalog().FormatPrice(bal)})
}

// GetHistory returns an approved user's purchases, newest first.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	user, ok := h.userParam(w, r)
	if !ok {
		return
	}
	hist, err := h.Engine.GetHistory(r.Context(), user)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

// CreatePurchase buys codes with balance.
func (h *Handler) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	user, ok := h.userParam(w, r)
	if !ok {
		return
	}
	var req PurchaseRequest
	if !h.decode(w, r, &req) {
		return
	}
	cat, err := catalog.ParseCategory(req.Category)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	rec, err := h.Engine.CommitBalancePurchase(r.Context(), user, cat, ledger.Tier(req.Tier), req.Quantity)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// CreateReceipt submits an externally paid purchase for approval.
func (h *Handler) CreateReceipt(w http.ResponseWriter, r *http.Request) {
	user, ok := h.userParam(w, r)
	if !ok {
		return
	}
	var req ReceiptRequest
	if !h.decode(w, r, &req) {
		return
	}
	cat, err := catalog.ParseCategory(req.Category)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	var method ledger.PaymentMethod
	if req.Method != "" {
		if method, err = ledger.ParsePaymentMethod(req.Method); err != nil {
			h.writeEngineError(w, err)
			return
		}
	}
	rec, err := h.Engine.SubmitReceipt(r.Context(), fulfillment.ReceiptSubmission{
		UserID:    user,
		Category:  cat,
		Tier:      ledger.Tier(req.Tier),
		Quantity:  req.Quantity,
		Method:    method,
		PhotoRef:  req.PhotoRef,
		ReceiptID: req.ReceiptID,
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// CreateTopup submits a top-up claim for approval.
func (h *Handler) CreateTopup(w http.ResponseWriter, r *http.Request) {
	user, ok := h.userParam(w, r)
	if !ok {
		return
	}
	var req TopupRequest
	if !h.decode(w, r, &req) {
		return
	}
	method, err := ledger.ParsePaymentMethod(req.Method)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	topup, err := h.Engine.SubmitTopupDetails(r.Context(), fulfillment.TopupSubmission{
		UserID:        user,
		Amount:        req.Amount,
		Method:        method,
		TransactionID: req.TransactionID,
		PhotoRef:      req.PhotoRef,
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, topup)
}

// =============================================================================
// SESSION HANDLERS
// =============================================================================

// StartSession opens a purchase session.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	user, ok := h.userParam(w, r)
	if !ok {
		return
	}
	s, cats, err := h.Engine.StartPurchase(r.Context(), user)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, SessionResponse{Session: s, Categories: cats})
}

// GetSession returns the active purchase session.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	user, ok := h.userParam(w, r)
	if !ok {
		return
	}
	s, active := h.Engine.CurrentSession(user)
	if !active {
		h.writeEngineError(w, fulfillment.ErrNoSession)
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{Session: s})
}

// CancelSession abandons the purchase session.
func (h *Handler) CancelSession(w http.ResponseWriter, r *http.Request) {
	user, ok := h.userParam(w, r)
	if !ok {
		return
	}
	if !h.Engine.CancelSession(user) {
		h.writeEngineError(w, fulfillment.ErrNoSession)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SessionStep advances the purchase session by one step.
func (h *Handler) SessionStep(w http.ResponseWriter, r *http.Request) {
	user, ok := h.userParam(w, r)
	if !ok {
		return
	}
	var req SessionStepRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx := r.Context()

	switch step := chi.URLParam(r, "step"); step {
	case "category":
		cat, err := catalog.ParseCategory(req.Category)
		if err != nil {
			h.writeEngineError(w, err)
			return
		}
		s, tiers, err := h.Engine.SelectCategory(ctx, user, cat)
		h.writeStep(w, err, SessionResponse{Session: s, Tiers: tiers})
	case "tier":
		s, q, err := h.Engine.SelectTier(ctx, user, ledger.Tier(req.Tier))
		h.writeStep(w, err, SessionResponse{Session: s, Quote: &q})
	case "quantity":
		s, q, err := h.Engine.EnterQuantity(ctx, user, req.Quantity)
		h.writeStep(w, err, SessionResponse{Session: s, Quote: &q})
	case "pay":
		h.sessionPay(ctx, w, user, req.Method)
	case "photo":
		s, err := h.Engine.SubmitReceiptPhoto(ctx, user, req.PhotoRef)
		h.writeStep(w, err, SessionResponse{Session: s})
	case "receipt":
		rec, err := h.Engine.SubmitReceiptID(ctx, user, req.ReceiptID)
		if err != nil {
			h.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, rec)
	default:
		writeError(w, http.StatusNotFound, "unknown session step "+step, "not_found", nil)
	}
}

func (h *Handler) sessionPay(ctx context.Context, w http.ResponseWriter, user ledger.UserID, method string) {
	if method == "balance" {
		rec, err := h.Engine.PayWithBalance(ctx, user)
		if err != nil {
			h.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, rec)
		return
	}
	m, err := ledger.ParsePaymentMethod(method)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	s, pa, err := h.Engine.PayWithReceipt(ctx, user, m)
	h.writeStep(w, err, SessionResponse{Session: s, Payee: &pa})
}

func (h *Handler) writeStep(w http.ResponseWriter, err error, resp SessionResponse) {
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// ListPending returns pending requests, optionally of one kind.
func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	var kinds []ledger.RequestKind
	if raw := r.URL.Query().Get("kind"); raw != "" {
		k, err := ledger.ParseRequestKind(raw)
		if err != nil {
			h.writeEngineError(w, err)
			return
		}
		kinds = append(kinds, k)
	}
	reqs, err := h.Engine.AdminListPending(r.Context(), adminCaller(r), kinds...)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPendingDTOs(reqs))
}

// ResolveRequest approves or rejects a pending request.
func (h *Handler) ResolveRequest(w http.ResponseWriter, r *http.Request) {
	kind, err := ledger.ParseRequestKind(chi.URLParam(r, "kind"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	d, err := ledger.ParseDecision(chi.URLParam(r, "decision"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	res, err := h.Engine.AdminResolve(r.Context(), adminCaller(r), kind, chi.URLParam(r, "id"), d)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// AddStock appends codes to a tier and sets its price.
func (h *Handler) AddStock(w http.ResponseWriter, r *http.Request) {
	var req AddStockRequest
	if !h.decode(w, r, &req) {
		return
	}
	cat, err := catalog.ParseCategory(req.Category)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	res, err := h.Engine.AdminAddStock(r.Context(), adminCaller(r), cat, ledger.Tier(req.Tier), req.Price, req.Codes)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RemoveCode deletes one stocked code.
func (h *Handler) RemoveCode(w http.ResponseWriter, r *http.Request) {
	cat, err := catalog.ParseCategory(chi.URLParam(r, "category"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	removed, err := h.Engine.AdminRemoveCode(r.Context(), adminCaller(r), cat,
		ledger.Tier(chi.URLParam(r, "tier")), chi.URLParam(r, "code"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RemoveCodeResponse{Removed: removed})
}

// SetPrice sets a tier's unit price.
func (h *Handler) SetPrice(w http.ResponseWriter, r *http.Request) {
	cat, err := catalog.ParseCategory(chi.URLParam(r, "category"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	var req SetPriceRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.Engine.AdminSetPrice(r.Context(), adminCaller(r), cat, ledger.Tier(chi.URLParam(r, "tier")), req.Price); err != nil {
		h.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetBalance sets an account balance to an absolute value.
func (h *Handler) SetBalance(w http.ResponseWriter, r *http.Request) {
	user, ok := h.userParam(w, r)
	if !ok {
		return
	}
	var req SetBalanceRequest
	if !h.decode(w, r, &req) {
		return
	}
	prev, err := h.Engine.AdminSetBalance(r.Context(), adminCaller(r), user, req.Balance)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SetBalanceResponse{UserID: user, Previous: prev, Balance: req.Balance})
}

// GetAccount returns any account.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	user, ok := h.userParam(w, r)
	if !ok {
		return
	}
	acc, err := h.Engine.AdminAccount(r.Context(), adminCaller(r), user)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// GetStats returns the sales report.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	report, err := h.Engine.AdminStats(r.Context(), adminCaller(r))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// =============================================================================
// HELPERS
// =============================================================================

type callerKey struct{}

// requireAdminToken rejects admin requests whose X-Admin-Token does not
// match secret. An empty secret disables the admin routes entirely.
func requireAdminToken(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				writeError(w, http.StatusForbidden, "admin API is disabled", "admin_disabled", nil)
				return
			}
			got := r.Header.Get(HeaderAdminToken)
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				writeError(w, http.StatusForbidden, "invalid admin token", "unauthorized", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// withAdminCaller reads X-Admin-ID into the request context. A missing or
// malformed header leaves caller 0, which the engine refuses.
func withAdminCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, _ := ledger.ParseUserID(r.Header.Get(HeaderAdminID))
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, caller)))
	})
}

func adminCaller(r *http.Request) ledger.UserID {
	caller, _ := r.Context().Value(callerKey{}).(ledger.UserID)
	return caller
}

func (h *Handler) userParam(w http.ResponseWriter, r *http.Request) (ledger.UserID, bool) {
	user, err := ledger.ParseUserID(chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, err)
		return 0, false
	}
	return user, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.writeEngineError(w, &ledger.ValidationError{Field: "body", Message: err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, code string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps engine errors to HTTP statuses.
func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
		writeError(w, status, "internal error", code, nil)
		return
	}
	writeError(w, status, err.Error(), code, nil)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, ledger.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, ledger.ErrNotApproved):
		return http.StatusForbidden, "not_approved"
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusConflict, "insufficient_funds"
	case errors.Is(err, ledger.ErrInsufficientStock):
		return http.StatusConflict, "insufficient_stock"
	case errors.Is(err, ledger.ErrDuplicateID):
		return http.StatusConflict, "duplicate_id"
	case errors.Is(err, ledger.ErrAlreadyResolved):
		return http.StatusConflict, "already_resolved"
	case errors.Is(err, ledger.ErrAlreadyPending):
		return http.StatusConflict, "already_pending"
	case errors.Is(err, ledger.ErrAlreadyApproved):
		return http.StatusConflict, "already_approved"
	case errors.Is(err, ledger.ErrPersistence):
		return http.StatusInternalServerError, "persistence"
	}
	return http.StatusInternalServerError, "internal"
}
