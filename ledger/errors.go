/*
errors.go - Centralized error types for the ledger

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers match with errors.Is against the sentinels; the structured
  errors carry the numbers a front end needs to word a hint.

ERROR CATEGORIES:
  1. Validation errors - Bad input, re-prompt without any state change
  2. Conflict errors - Stock, funds, duplicate ids, stale admin buttons
  3. Access errors - Non-admin callers, unapproved accounts
  4. Persistence errors - The document could not be flushed

USAGE:
  if errors.Is(err, ledger.ErrInsufficientStock) {
      var se *ledger.InsufficientStockError
      errors.As(err, &se) // se.Available, se.Requested
  }

SEE ALSO:
  - ledger.go: Wraps store failures in ErrPersistence
  - api/handlers.go: Maps these errors to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed user input. Nothing is mutated.
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientFunds is returned when a balance would go negative.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInsufficientStock is returned when a queue holds fewer codes than requested.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrDuplicateID is returned when a request id is already used in the
	// top-up or the receipt table.
	ErrDuplicateID = errors.New("duplicate request id")

	// ErrNotFound is returned when a referenced account or request doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyResolved is returned when a request was already approved or rejected.
	ErrAlreadyResolved = errors.New("request already resolved")

	// ErrAlreadyPending is returned when a user registers twice.
	ErrAlreadyPending = errors.New("registration already pending")

	// ErrAlreadyApproved is returned when an approved user registers again.
	ErrAlreadyApproved = errors.New("account already approved")

	// ErrNotApproved is returned when an unapproved account uses a gated intent.
	ErrNotApproved = errors.New("account not approved")

	// ErrUnauthorized is returned for admin intents from a non-admin caller.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrPersistence is returned when the document could not be flushed.
	// The in-memory state is left as it was before the operation.
	ErrPersistence = errors.New("persistence failed")

	// ErrReadOnly is returned when a mutating Tx method is called inside View.
	ErrReadOnly = errors.New("read-only transaction")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// InsufficientFundsError provides details about a balance shortage.
type InsufficientFundsError struct {
	UserID    UserID
	Available int64
	Requested int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: available %d, requested %d, shortfall %d",
		e.Available, e.Requested, e.Requested-e.Available)
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// InsufficientStockError provides details about a stock shortage.
type InsufficientStockError struct {
	Category  Category
	Tier      Tier
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s/%s: available %d, requested %d",
		e.Category, e.Tier, e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

// DuplicateIDError reports which table already holds the id.
type DuplicateIDError struct {
	ID    string
	Table RequestKind
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("request id %s already used by a %s request", e.ID, e.Table)
}

func (e *DuplicateIDError) Unwrap() error {
	return ErrDuplicateID
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsConflict returns true if the request is well-formed but conflicts with
// the current state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrDuplicateID) ||
		errors.Is(err, ErrAlreadyResolved) ||
		errors.Is(err, ErrAlreadyPending) ||
		errors.Is(err, ErrAlreadyApproved)
}

// IsForbidden returns true if the caller may not perform the operation.
func IsForbidden(err error) bool {
	return errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrNotApproved)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func notFound(what, id string) error {
	return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
}
