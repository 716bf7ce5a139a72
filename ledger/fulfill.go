package ledger

import (
	"math"

	"github.com/google/uuid"
)

// FulfillInput describes one dispense.
type FulfillInput struct {
	UserID   UserID
	Category Category
	Tier     Tier
	Quantity int
	Kind     FulfillmentKind

	// UnitPrice is the agreed price for receipt purchases. Balance
	// purchases always pay the current tier price.
	UnitPrice int64

	// ReceiptID links a receipt purchase to its request.
	ReceiptID string
}

// Fulfill dispenses codes and books the sale: it checks stock, then funds
// (balance purchases only), pops the codes, debits the balance, appends a
// history record and adds the total to the sales total. This is the only
// place the sales total changes.
func (tx *Tx) Fulfill(in FulfillInput) (FulfillmentRecord, error) {
	if err := validateItem(in.Category, in.Tier); err != nil {
		return FulfillmentRecord{}, err
	}
	if in.Quantity < 1 {
		return FulfillmentRecord{}, &ValidationError{Field: "quantity", Message: "must be at least 1"}
	}
	acc, ok := tx.state.Accounts[in.UserID]
	if !ok {
		return FulfillmentRecord{}, notFound("account", in.UserID.String())
	}

	if have := tx.StockCount(in.Category, in.Tier); have < in.Quantity {
		return FulfillmentRecord{}, &InsufficientStockError{
			Category:  in.Category,
			Tier:      in.Tier,
			Available: have,
			Requested: in.Quantity,
		}
	}

	unit := in.UnitPrice
	if in.Kind == FulfillmentBalance {
		unit = tx.Price(in.Category, in.Tier)
	}
	total, err := LineTotal(unit, in.Quantity)
	if err != nil {
		return FulfillmentRecord{}, err
	}
	if tx.state.SalesTotal > math.MaxInt64-total {
		return FulfillmentRecord{}, &ValidationError{Field: "sales_total", Message: "would overflow"}
	}
	if in.Kind == FulfillmentBalance && acc.Balance < total {
		return FulfillmentRecord{}, &InsufficientFundsError{
			UserID:    in.UserID,
			Available: acc.Balance,
			Requested: total,
		}
	}

	codes, err := tx.ReserveAndDispense(in.Category, in.Tier, in.Quantity)
	if err != nil {
		return FulfillmentRecord{}, err
	}
	if in.Kind == FulfillmentBalance {
		if _, err := tx.AdjustBalance(in.UserID, -total); err != nil {
			return FulfillmentRecord{}, err
		}
	}

	rec := FulfillmentRecord{
		ID:         uuid.NewString(),
		Kind:       in.Kind,
		Category:   in.Category,
		Tier:       in.Tier,
		Quantity:   in.Quantity,
		Codes:      codes,
		UnitPrice:  unit,
		TotalPrice: total,
		ReceiptID:  in.ReceiptID,
		Timestamp:  tx.now,
	}
	if err := tx.AppendHistory(in.UserID, rec); err != nil {
		return FulfillmentRecord{}, err
	}
	tx.state.SalesTotal += total
	return rec, nil
}

// LineTotal returns unit * quantity, or a ValidationError when the product
// does not fit in an int64.
func LineTotal(unit int64, quantity int) (int64, error) {
	if unit < 0 {
		return 0, &ValidationError{Field: "price", Message: "must not be negative"}
	}
	if quantity > 0 && unit > math.MaxInt64/int64(quantity) {
		return 0, &ValidationError{Field: "quantity", Message: "total price is too large"}
	}
	return unit * int64(quantity), nil
}

// SalesTotal returns the running total of completed dispenses.
func (tx *Tx) SalesTotal() int64 {
	return tx.state.SalesTotal
}
