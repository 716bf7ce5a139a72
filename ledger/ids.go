package ledger

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// IDBounds limits the length of request ids (transaction references typed
// in from a payment app).
type IDBounds struct {
	Min int
	Max int
}

// DefaultIDBounds accepts 5 or 6 digit references.
var DefaultIDBounds = IDBounds{Min: 5, Max: 6}

func (b IDBounds) validate() error {
	if b.Min < 1 || b.Max < b.Min || b.Max > 18 {
		return fmt.Errorf("invalid request id bounds %d..%d", b.Min, b.Max)
	}
	return nil
}

// Validate checks that id is all digits and within the length bounds.
func (b IDBounds) Validate(id string) error {
	if id == "" {
		return &ValidationError{Field: "request_id", Message: "must not be empty"}
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return &ValidationError{Field: "request_id", Message: "must contain digits only"}
		}
	}
	if len(id) < b.Min || len(id) > b.Max {
		if b.Min == b.Max {
			return &ValidationError{Field: "request_id", Message: fmt.Sprintf("must be %d digits", b.Min)}
		}
		return &ValidationError{Field: "request_id", Message: fmt.Sprintf("must be %d to %d digits", b.Min, b.Max)}
	}
	return nil
}

// NormalizeRequestID trims whitespace around user-entered ids.
func NormalizeRequestID(id string) string {
	return strings.TrimSpace(id)
}

var errIDSpaceExhausted = errors.New("could not generate a free request id")

// GenerateRequestID returns a random id within the bounds that is not used
// by any top-up or receipt.
func (tx *Tx) GenerateRequestID() (string, error) {
	if tx.readOnly {
		return "", ErrReadOnly
	}
	lo := int64(math.Pow10(tx.bounds.Min - 1))
	hi := int64(math.Pow10(tx.bounds.Max)) - 1
	for attempt := 0; attempt < 1000; attempt++ {
		id := strconv.FormatInt(lo+tx.rnd.Int63n(hi-lo+1), 10)
		if !tx.requestIDTaken(id) {
			return id, nil
		}
	}
	return "", errIDSpaceExhausted
}

func (tx *Tx) requestIDTaken(id string) bool {
	if _, ok := tx.state.TopupRequests[id]; ok {
		return true
	}
	_, ok := tx.state.PurchaseReceipts[id]
	return ok
}
