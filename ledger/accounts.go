/*
accounts.go - Account registry operations

PURPOSE:
  Lazily created accounts with a non-negative balance, an approval flag
  and an append-only purchase history.

KEY RULES:
  - AdjustBalance is the only write path to Balance
  - History is only appended to, never edited
  - An account is only ever removed by DiscardAccountShell, and only
    when it has no balance, no history and was never approved

SEE ALSO:
  - requests.go: Pending registrations drive Approve
  - fulfill.go: Debits and history entries for purchases
*/
package ledger

import (
	"context"
	"fmt"
	"math"
)

// Account returns a copy of the account, or ErrNotFound.
func (tx *Tx) Account(id UserID) (Account, error) {
	acc, ok := tx.state.Accounts[id]
	if !ok {
		return Account{}, notFound("account", id.String())
	}
	return *acc.clone(), nil
}

// HasAccount reports whether the user has ever been seen.
func (tx *Tx) HasAccount(id UserID) bool {
	_, ok := tx.state.Accounts[id]
	return ok
}

// GetOrCreate returns the existing account or creates one with zero
// balance, approved=false and an empty history. created reports whether a
// new record was made.
func (tx *Tx) GetOrCreate(id UserID, displayName string) (acc Account, created bool, err error) {
	if existing, ok := tx.state.Accounts[id]; ok {
		if displayName != "" && existing.DisplayName != displayName && !tx.readOnly {
			tx.dirty = true
			existing.DisplayName = displayName
		}
		return *existing.clone(), false, nil
	}
	if err := tx.write(); err != nil {
		return Account{}, false, err
	}
	a := &Account{
		ID:          id,
		DisplayName: displayName,
		History:     []FulfillmentRecord{},
		CreatedAt:   tx.now,
	}
	tx.state.Accounts[id] = a
	return *a.clone(), true, nil
}

// Approve marks the account approved. It fails with ErrNotFound unless a
// pending registration exists for the user, and consumes that registration.
func (tx *Tx) Approve(id UserID) error {
	if _, ok := tx.state.PendingRegistrations[id]; !ok {
		return notFound("pending registration", id.String())
	}
	if err := tx.write(); err != nil {
		return err
	}
	acc, ok := tx.state.Accounts[id]
	if !ok {
		acc = &Account{ID: id, History: []FulfillmentRecord{}, CreatedAt: tx.now}
		tx.state.Accounts[id] = acc
	}
	acc.Approved = true
	delete(tx.state.PendingRegistrations, id)
	return nil
}

// AdjustBalance adds delta (which may be negative) and returns the new
// balance. It fails with InsufficientFundsError if the result would be
// negative.
func (tx *Tx) AdjustBalance(id UserID, delta int64) (int64, error) {
	acc, ok := tx.state.Accounts[id]
	if !ok {
		return 0, notFound("account", id.String())
	}
	if delta > 0 && acc.Balance > math.MaxInt64-delta {
		return acc.Balance, &ValidationError{Field: "balance", Message: "would overflow"}
	}
	if acc.Balance+delta < 0 {
		return acc.Balance, &InsufficientFundsError{
			UserID:    id,
			Available: acc.Balance,
			Requested: -delta,
		}
	}
	if delta == 0 {
		return acc.Balance, nil
	}
	if err := tx.write(); err != nil {
		return acc.Balance, err
	}
	acc.Balance += delta
	return acc.Balance, nil
}

// AppendHistory adds a record to the end of the user's history.
func (tx *Tx) AppendHistory(id UserID, rec FulfillmentRecord) error {
	acc, ok := tx.state.Accounts[id]
	if !ok {
		return notFound("account", id.String())
	}
	if err := tx.write(); err != nil {
		return err
	}
	acc.History = append(acc.History, rec.clone())
	return nil
}

// DiscardAccountShell removes an account that was never approved and holds
// nothing worth keeping. It reports whether the account was removed.
func (tx *Tx) DiscardAccountShell(id UserID) (bool, error) {
	acc, ok := tx.state.Accounts[id]
	if !ok {
		return false, nil
	}
	if acc.Approved || acc.Balance != 0 || len(acc.History) > 0 {
		return false, nil
	}
	if err := tx.write(); err != nil {
		return false, err
	}
	delete(tx.state.Accounts, id)
	return true, nil
}

// =============================================================================
// LEDGER SHORTCUTS
// =============================================================================

// GetOrCreate fetches or lazily creates an account and persists it
// immediately when new.
func (l *Ledger) GetOrCreate(ctx context.Context, id UserID, displayName string) (Account, error) {
	var acc Account
	err := l.Update(ctx, func(tx *Tx) error {
		var err error
		acc, _, err = tx.GetOrCreate(id, displayName)
		return err
	})
	if err != nil {
		return Account{}, fmt.Errorf("get or create account %s: %w", id, err)
	}
	return acc, nil
}

// Account returns a copy of the account, or ErrNotFound.
func (l *Ledger) Account(id UserID) (Account, error) {
	var acc Account
	err := l.View(func(tx *Tx) error {
		var err error
		acc, err = tx.Account(id)
		return err
	})
	return acc, err
}
