/*
Package ledger provides the storefront's order fulfillment and inventory ledger.

PURPOSE:
  This package owns every piece of durable storefront state: accounts and
  their balances, the pool of single-use activation codes, the pending
  request tables, and the running sales total. All of it lives in one
  document (State) that is mutated only through a Tx inside Ledger.Update.

KEY CONCEPTS IN THIS FILE (types.go):
  - Category / Tier: A product family and a denomination within it
  - Account: Balance, approval flag and purchase history of one user
  - FulfillmentRecord: One completed dispense, appended to history
  - TopupRequest / PurchaseReceipt / PendingRegistration: Request tables
  - State: The whole persisted document

DESIGN PRINCIPLES:
  1. One document: Every mutation flushes the full State through Store.Save
  2. Integer money: Balances and prices are minor currency units (int64)
  3. Type Safety: UserID, Category, Tier and RequestKind are distinct types
  4. Snapshot rollback: A failed Update never leaves partial state behind

USAGE:
  l, err := ledger.Open(ctx, store, ledger.Options{})
  err = l.Update(ctx, func(tx *ledger.Tx) error {
      _, err := tx.AdjustBalance(userID, 5000)
      return err
  })

SEE ALSO:
  - ledger.go: Ledger, Update/View and Tx
  - accounts.go, inventory.go, requests.go: Tx operations
  - store.go: Persistence interface
*/
package ledger

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// UserID is the stable identifier handed to us by the chat front end.
type UserID int64

func (id UserID) String() string { return strconv.FormatInt(int64(id), 10) }

// ParseUserID parses a decimal user id.
func ParseUserID(s string) (UserID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, &ValidationError{Field: "user_id", Message: "must be a number"}
	}
	return UserID(v), nil
}

// Category is a fixed product family.
type Category string

const (
	CategoryMLBBBal Category = "MLBBbal"
	CategoryMLBBPH  Category = "MLBBph"
	CategoryPUPG    Category = "PUPG"

	// legacyCategoryPUBG is the pre-rename key still found in old documents.
	legacyCategoryPUBG Category = "PUBG"
)

// Categories lists every product family in display order.
func Categories() []Category {
	return []Category{CategoryMLBBBal, CategoryMLBBPH, CategoryPUPG}
}

func (c Category) Valid() bool {
	switch c {
	case CategoryMLBBBal, CategoryMLBBPH, CategoryPUPG:
		return true
	}
	return false
}

// Tier is a free-form denomination label ("86", "1000", "Weekly Pass").
type Tier string

// ItemKey addresses one inventory queue.
type ItemKey struct {
	Category Category `json:"category"`
	Tier     Tier     `json:"tier"`
}

// =============================================================================
// ACCOUNTS
// =============================================================================

// Account is one user's balance, approval flag and purchase history.
// Balance is in minor currency units and is never negative.
type Account struct {
	ID          UserID              `json:"id"`
	DisplayName string              `json:"displayName,omitempty"`
	Balance     int64               `json:"balance"`
	Approved    bool                `json:"approved"`
	History     []FulfillmentRecord `json:"history"`
	CreatedAt   time.Time           `json:"createdAt"`
}

func (a *Account) clone() *Account {
	c := *a
	c.History = make([]FulfillmentRecord, len(a.History))
	for i, rec := range a.History {
		c.History[i] = rec.clone()
	}
	return &c
}

// FulfillmentKind records how a dispense was paid for.
type FulfillmentKind string

const (
	FulfillmentBalance FulfillmentKind = "balance"
	FulfillmentReceipt FulfillmentKind = "receipt"
)

// FulfillmentRecord is one completed dispense. Append-only.
type FulfillmentRecord struct {
	ID         string          `json:"id"`
	Kind       FulfillmentKind `json:"type"`
	Category   Category        `json:"game"`
	Tier       Tier            `json:"amount"`
	Quantity   int             `json:"quantity"`
	Codes      []string        `json:"codes"`
	UnitPrice  int64           `json:"unitPrice"`
	TotalPrice int64           `json:"totalPrice"`
	ReceiptID  string          `json:"receiptId,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

func (r FulfillmentRecord) clone() FulfillmentRecord {
	r.Codes = append([]string(nil), r.Codes...)
	return r
}

// =============================================================================
// REQUESTS
// =============================================================================

// RequestKind tags the three request tables.
type RequestKind string

const (
	KindRegistration RequestKind = "registration"
	KindTopup        RequestKind = "topup"
	KindReceipt      RequestKind = "receipt"
)

func (k RequestKind) Valid() bool {
	switch k {
	case KindRegistration, KindTopup, KindReceipt:
		return true
	}
	return false
}

type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusApproved RequestStatus = "approved"
	StatusRejected RequestStatus = "rejected"
)

// Decision is an admin verdict on a pending request.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject
}

func (d Decision) status() RequestStatus {
	if d == DecisionApprove {
		return StatusApproved
	}
	return StatusRejected
}

// PaymentMethod is the external channel a top-up or receipt was paid through.
type PaymentMethod string

const (
	PaymentWave PaymentMethod = "Wave"
	PaymentKPay PaymentMethod = "KPay"
)

func (m PaymentMethod) Valid() bool {
	return m == PaymentWave || m == PaymentKPay
}

// ParsePaymentMethod matches a method name case-insensitively.
func ParsePaymentMethod(s string) (PaymentMethod, error) {
	s = strings.TrimSpace(s)
	for _, m := range []PaymentMethod{PaymentWave, PaymentKPay} {
		if strings.EqualFold(s, string(m)) {
			return m, nil
		}
	}
	return "", &ValidationError{Field: "method", Message: "must be Wave or KPay"}
}

// Request is implemented by the three request kinds so pending queues can
// be listed and routed uniformly.
type Request interface {
	RequestKind() RequestKind
	RequestID() string
	Requester() UserID
	RequestStatus() RequestStatus
	Created() time.Time
}

// PendingRegistration exists while a user waits for admin approval.
// Resolving it removes the entry.
type PendingRegistration struct {
	UserID      UserID        `json:"userId"`
	DisplayName string        `json:"username"`
	Status      RequestStatus `json:"status"`
	CreatedAt   time.Time     `json:"createdAt"`
}

func (r *PendingRegistration) RequestKind() RequestKind     { return KindRegistration }
func (r *PendingRegistration) RequestID() string            { return r.UserID.String() }
func (r *PendingRegistration) Requester() UserID            { return r.UserID }
func (r *PendingRegistration) RequestStatus() RequestStatus { return r.Status }
func (r *PendingRegistration) Created() time.Time           { return r.CreatedAt }

// TopupRequest asks the admin to credit Amount after checking the transfer.
type TopupRequest struct {
	ID         string        `json:"id"`
	UserID     UserID        `json:"userId"`
	Amount     int64         `json:"amount"`
	Method     PaymentMethod `json:"method"`
	PhotoRef   string        `json:"photoRef,omitempty"`
	Status     RequestStatus `json:"status"`
	CreatedAt  time.Time     `json:"createdAt"`
	ResolvedAt *time.Time    `json:"resolvedAt,omitempty"`
}

func (r *TopupRequest) RequestKind() RequestKind     { return KindTopup }
func (r *TopupRequest) RequestID() string            { return r.ID }
func (r *TopupRequest) Requester() UserID            { return r.UserID }
func (r *TopupRequest) RequestStatus() RequestStatus { return r.Status }
func (r *TopupRequest) Created() time.Time           { return r.CreatedAt }

// PurchaseReceipt is a purchase paid outside the system, waiting for the
// admin to confirm the payment before codes are dispensed.
type PurchaseReceipt struct {
	ID         string        `json:"id"`
	UserID     UserID        `json:"userId"`
	Category   Category      `json:"game"`
	Tier       Tier          `json:"amount"`
	Quantity   int           `json:"quantity"`
	UnitPrice  int64         `json:"unitPrice"`
	TotalPrice int64         `json:"totalPrice"`
	Method     PaymentMethod `json:"method,omitempty"`
	PhotoRef   string        `json:"photoRef,omitempty"`
	Status     RequestStatus `json:"status"`
	CreatedAt  time.Time     `json:"createdAt"`
	ResolvedAt *time.Time    `json:"resolvedAt,omitempty"`
}

func (r *PurchaseReceipt) RequestKind() RequestKind     { return KindReceipt }
func (r *PurchaseReceipt) RequestID() string            { return r.ID }
func (r *PurchaseReceipt) Requester() UserID            { return r.UserID }
func (r *PurchaseReceipt) RequestStatus() RequestStatus { return r.Status }
func (r *PurchaseReceipt) Created() time.Time           { return r.CreatedAt }

// =============================================================================
// STATE - The persisted document
// =============================================================================

// State is the complete ledger document. Field names are the persisted
// layout and must stay stable.
type State struct {
	Accounts             map[UserID]*Account              `json:"accounts"`
	Stock                map[Category]map[Tier][]string   `json:"stock"`
	Prices               map[Category]map[Tier]int64      `json:"prices"`
	TopupRequests        map[string]*TopupRequest         `json:"topupRequests"`
	PurchaseReceipts     map[string]*PurchaseReceipt      `json:"purchaseReceipts"`
	PendingRegistrations map[UserID]*PendingRegistration `json:"pendingRegistrations"`
	SalesTotal           int64                            `json:"salesTotal"`
}

// NewState returns an empty document.
func NewState() *State {
	s := &State{}
	s.normalize()
	return s
}

// normalize fills nil maps left by an older or partial document and
// renames legacy category keys.
func (s *State) normalize() {
	if s.Accounts == nil {
		s.Accounts = make(map[UserID]*Account)
	}
	if s.Stock == nil {
		s.Stock = make(map[Category]map[Tier][]string)
	}
	if s.Prices == nil {
		s.Prices = make(map[Category]map[Tier]int64)
	}
	if s.TopupRequests == nil {
		s.TopupRequests = make(map[string]*TopupRequest)
	}
	if s.PurchaseReceipts == nil {
		s.PurchaseReceipts = make(map[string]*PurchaseReceipt)
	}
	if s.PendingRegistrations == nil {
		s.PendingRegistrations = make(map[UserID]*PendingRegistration)
	}

	if legacy, ok := s.Stock[legacyCategoryPUBG]; ok {
		if s.Stock[CategoryPUPG] == nil {
			s.Stock[CategoryPUPG] = make(map[Tier][]string)
		}
		for tier, codes := range legacy {
			s.Stock[CategoryPUPG][tier] = append(s.Stock[CategoryPUPG][tier], codes...)
		}
		delete(s.Stock, legacyCategoryPUBG)
	}
	if legacy, ok := s.Prices[legacyCategoryPUBG]; ok {
		if s.Prices[CategoryPUPG] == nil {
			s.Prices[CategoryPUPG] = make(map[Tier]int64)
		}
		for tier, price := range legacy {
			if _, exists := s.Prices[CategoryPUPG][tier]; !exists {
				s.Prices[CategoryPUPG][tier] = price
			}
		}
		delete(s.Prices, legacyCategoryPUBG)
	}
}

// Clone returns a deep copy. Update mutates the copy and only swaps it in
// after a successful flush.
func (s *State) Clone() *State {
	c := &State{
		Accounts:             make(map[UserID]*Account, len(s.Accounts)),
		Stock:                make(map[Category]map[Tier][]string, len(s.Stock)),
		Prices:               make(map[Category]map[Tier]int64, len(s.Prices)),
		TopupRequests:        make(map[string]*TopupRequest, len(s.TopupRequests)),
		PurchaseReceipts:     make(map[string]*PurchaseReceipt, len(s.PurchaseReceipts)),
		PendingRegistrations: make(map[UserID]*PendingRegistration, len(s.PendingRegistrations)),
		SalesTotal:           s.SalesTotal,
	}
	for id, acc := range s.Accounts {
		c.Accounts[id] = acc.clone()
	}
	for cat, tiers := range s.Stock {
		m := make(map[Tier][]string, len(tiers))
		for tier, codes := range tiers {
			m[tier] = append([]string(nil), codes...)
		}
		c.Stock[cat] = m
	}
	for cat, tiers := range s.Prices {
		m := make(map[Tier]int64, len(tiers))
		for tier, price := range tiers {
			m[tier] = price
		}
		c.Prices[cat] = m
	}
	for id, r := range s.TopupRequests {
		cp := *r
		c.TopupRequests[id] = &cp
	}
	for id, r := range s.PurchaseReceipts {
		cp := *r
		c.PurchaseReceipts[id] = &cp
	}
	for id, r := range s.PendingRegistrations {
		cp := *r
		c.PendingRegistrations[id] = &cp
	}
	return c
}

// sortRequests orders requests oldest first, then by id.
func sortRequests(reqs []Request) {
	sort.SliceStable(reqs, func(i, j int) bool {
		if !reqs[i].Created().Equal(reqs[j].Created()) {
			return reqs[i].Created().Before(reqs[j].Created())
		}
		return reqs[i].RequestID() < reqs[j].RequestID()
	})
}
