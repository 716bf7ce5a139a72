/*
requests.go - Request ledger operations

PURPOSE:
  Three independent request tables with one lifecycle:

    created (pending) ──▶ approved | rejected   (terminal)

  Registrations are keyed by user. Top-ups and purchase receipts share a
  single id space: an id used in one table can never be reused in
  either.

KEY RULES:
  - Resolved top-ups and receipts stay in their tables with a terminal
    status so a second resolution reports ErrAlreadyResolved and the id
    stays reserved.
  - A resolved registration is removed; the account's approved flag is
    the lasting record.
  - Resolving only flips status. Side effects (credit, dispense) are the
    caller's job inside the same Update.

SEE ALSO:
  - ids.go: Request id validation and generation
  - fulfillment/admin.go: Applies admin decisions
*/
package ledger

import "strings"

// =============================================================================
// CREATE
// =============================================================================

// CreatePendingRegistration queues the user for admin approval. It fails
// with ErrAlreadyApproved or ErrAlreadyPending.
func (tx *Tx) CreatePendingRegistration(id UserID, displayName string) (PendingRegistration, error) {
	if acc, ok := tx.state.Accounts[id]; ok && acc.Approved {
		return PendingRegistration{}, ErrAlreadyApproved
	}
	if _, ok := tx.state.PendingRegistrations[id]; ok {
		return PendingRegistration{}, ErrAlreadyPending
	}
	if _, _, err := tx.GetOrCreate(id, displayName); err != nil {
		return PendingRegistration{}, err
	}
	if err := tx.write(); err != nil {
		return PendingRegistration{}, err
	}
	reg := &PendingRegistration{
		UserID:      id,
		DisplayName: displayName,
		Status:      StatusPending,
		CreatedAt:   tx.now,
	}
	tx.state.PendingRegistrations[id] = reg
	return *reg, nil
}

// TopupInput describes a new top-up request.
type TopupInput struct {
	ID       string
	UserID   UserID
	Amount   int64
	Method   PaymentMethod
	PhotoRef string
}

// CreateTopupRequest records a pending top-up. The id must be unused in
// both the top-up and the receipt table.
func (tx *Tx) CreateTopupRequest(in TopupInput) (TopupRequest, error) {
	in.ID = NormalizeRequestID(in.ID)
	if err := tx.bounds.Validate(in.ID); err != nil {
		return TopupRequest{}, err
	}
	if in.Amount <= 0 {
		return TopupRequest{}, &ValidationError{Field: "amount", Message: "must be positive"}
	}
	if !in.Method.Valid() {
		return TopupRequest{}, &ValidationError{Field: "method", Message: "unknown payment method " + string(in.Method)}
	}
	if err := tx.checkUnused(in.ID); err != nil {
		return TopupRequest{}, err
	}
	if !tx.HasAccount(in.UserID) {
		return TopupRequest{}, notFound("account", in.UserID.String())
	}
	if err := tx.write(); err != nil {
		return TopupRequest{}, err
	}
	req := &TopupRequest{
		ID:        in.ID,
		UserID:    in.UserID,
		Amount:    in.Amount,
		Method:    in.Method,
		PhotoRef:  in.PhotoRef,
		Status:    StatusPending,
		CreatedAt: tx.now,
	}
	tx.state.TopupRequests[in.ID] = req
	return *req, nil
}

// ReceiptInput describes a new purchase receipt.
type ReceiptInput struct {
	ID       string
	UserID   UserID
	Category Category
	Tier     Tier
	Quantity int
	Method   PaymentMethod
	PhotoRef string
}

// CreatePurchaseReceipt records a pending receipt purchase at the current
// unit price. No stock or balance is touched.
func (tx *Tx) CreatePurchaseReceipt(in ReceiptInput) (PurchaseReceipt, error) {
	in.ID = NormalizeRequestID(in.ID)
	if err := tx.bounds.Validate(in.ID); err != nil {
		return PurchaseReceipt{}, err
	}
	if err := validateItem(in.Category, in.Tier); err != nil {
		return PurchaseReceipt{}, err
	}
	if in.Quantity < 1 {
		return PurchaseReceipt{}, &ValidationError{Field: "quantity", Message: "must be at least 1"}
	}
	if in.Method != "" && !in.Method.Valid() {
		return PurchaseReceipt{}, &ValidationError{Field: "method", Message: "unknown payment method " + string(in.Method)}
	}
	if err := tx.checkUnused(in.ID); err != nil {
		return PurchaseReceipt{}, err
	}
	if !tx.HasAccount(in.UserID) {
		return PurchaseReceipt{}, notFound("account", in.UserID.String())
	}
	unit := tx.Price(in.Category, in.Tier)
	total, err := LineTotal(unit, in.Quantity)
	if err != nil {
		return PurchaseReceipt{}, err
	}
	if err := tx.write(); err != nil {
		return PurchaseReceipt{}, err
	}
	rec := &PurchaseReceipt{
		ID:         in.ID,
		UserID:     in.UserID,
		Category:   in.Category,
		Tier:       in.Tier,
		Quantity:   in.Quantity,
		UnitPrice:  unit,
		TotalPrice: total,
		Method:     in.Method,
		PhotoRef:   in.PhotoRef,
		Status:     StatusPending,
		CreatedAt:  tx.now,
	}
	tx.state.PurchaseReceipts[in.ID] = rec
	return *rec, nil
}

func (tx *Tx) checkUnused(id string) error {
	if _, ok := tx.state.TopupRequests[id]; ok {
		return &DuplicateIDError{ID: id, Table: KindTopup}
	}
	if _, ok := tx.state.PurchaseReceipts[id]; ok {
		return &DuplicateIDError{ID: id, Table: KindReceipt}
	}
	return nil
}

// =============================================================================
// LOOKUP
// =============================================================================

// Topup returns a copy of the top-up request, or ErrNotFound.
func (tx *Tx) Topup(id string) (TopupRequest, error) {
	req, ok := tx.state.TopupRequests[NormalizeRequestID(id)]
	if !ok {
		return TopupRequest{}, notFound("topup request", id)
	}
	return *req, nil
}

// Receipt returns a copy of the purchase receipt, or ErrNotFound.
func (tx *Tx) Receipt(id string) (PurchaseReceipt, error) {
	rec, ok := tx.state.PurchaseReceipts[NormalizeRequestID(id)]
	if !ok {
		return PurchaseReceipt{}, notFound("purchase receipt", id)
	}
	return *rec, nil
}

// PendingRegistration returns the user's pending registration, or ErrNotFound.
func (tx *Tx) PendingRegistration(id UserID) (PendingRegistration, error) {
	reg, ok := tx.state.PendingRegistrations[id]
	if !ok {
		return PendingRegistration{}, notFound("pending registration", id.String())
	}
	return *reg, nil
}

// PendingRequests lists every pending request of the given kinds (all
// kinds when none are given), oldest first.
func (tx *Tx) PendingRequests(kinds ...RequestKind) []Request {
	want := func(k RequestKind) bool {
		if len(kinds) == 0 {
			return true
		}
		for _, w := range kinds {
			if w == k {
				return true
			}
		}
		return false
	}

	var out []Request
	if want(KindRegistration) {
		for _, r := range tx.state.PendingRegistrations {
			cp := *r
			out = append(out, &cp)
		}
	}
	if want(KindTopup) {
		for _, r := range tx.state.TopupRequests {
			if r.Status == StatusPending {
				cp := *r
				out = append(out, &cp)
			}
		}
	}
	if want(KindReceipt) {
		for _, r := range tx.state.PurchaseReceipts {
			if r.Status == StatusPending {
				cp := *r
				out = append(out, &cp)
			}
		}
	}
	sortRequests(out)
	return out
}

// =============================================================================
// RESOLVE
// =============================================================================

// ResolveTopup moves a pending top-up to its terminal status.
func (tx *Tx) ResolveTopup(id string, d Decision) (TopupRequest, error) {
	if !d.Valid() {
		return TopupRequest{}, &ValidationError{Field: "decision", Message: "must be approve or reject"}
	}
	req, ok := tx.state.TopupRequests[NormalizeRequestID(id)]
	if !ok {
		return TopupRequest{}, notFound("topup request", id)
	}
	if req.Status != StatusPending {
		return *req, ErrAlreadyResolved
	}
	if err := tx.write(); err != nil {
		return TopupRequest{}, err
	}
	now := tx.now
	req.Status = d.status()
	req.ResolvedAt = &now
	return *req, nil
}

// ResolveReceipt moves a pending receipt to its terminal status.
func (tx *Tx) ResolveReceipt(id string, d Decision) (PurchaseReceipt, error) {
	if !d.Valid() {
		return PurchaseReceipt{}, &ValidationError{Field: "decision", Message: "must be approve or reject"}
	}
	rec, ok := tx.state.PurchaseReceipts[NormalizeRequestID(id)]
	if !ok {
		return PurchaseReceipt{}, notFound("purchase receipt", id)
	}
	if rec.Status != StatusPending {
		return *rec, ErrAlreadyResolved
	}
	if err := tx.write(); err != nil {
		return PurchaseReceipt{}, err
	}
	now := tx.now
	rec.Status = d.status()
	rec.ResolvedAt = &now
	return *rec, nil
}

// ResolveRegistration approves or drops a pending registration. If there
// is none, an already approved account yields ErrAlreadyResolved and
// anything else ErrNotFound.
func (tx *Tx) ResolveRegistration(id UserID, d Decision) (PendingRegistration, error) {
	if !d.Valid() {
		return PendingRegistration{}, &ValidationError{Field: "decision", Message: "must be approve or reject"}
	}
	reg, ok := tx.state.PendingRegistrations[id]
	if !ok {
		if acc, exists := tx.state.Accounts[id]; exists && acc.Approved {
			return PendingRegistration{}, ErrAlreadyResolved
		}
		return PendingRegistration{}, notFound("pending registration", id.String())
	}
	out := *reg
	out.Status = d.status()

	if d == DecisionApprove {
		return out, tx.Approve(id)
	}
	if err := tx.write(); err != nil {
		return PendingRegistration{}, err
	}
	delete(tx.state.PendingRegistrations, id)
	return out, nil
}

// ParseRequestKind accepts the kind names used on the wire.
func ParseRequestKind(s string) (RequestKind, error) {
	k := RequestKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", &ValidationError{Field: "kind", Message: "must be registration, topup or receipt"}
	}
	return k, nil
}

// ParseDecision accepts approve/reject.
func ParseDecision(s string) (Decision, error) {
	d := Decision(strings.ToLower(strings.TrimSpace(s)))
	if !d.Valid() {
		return "", &ValidationError{Field: "decision", Message: "must be approve or reject"}
	}
	return d, nil
}
