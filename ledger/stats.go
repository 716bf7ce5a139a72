package ledger

import (
	"github.com/shopspring/decimal"
)

// CategorySales aggregates completed dispenses for one category.
type CategorySales struct {
	Category  Category `json:"category"`
	Purchases int      `json:"purchases"`
	Codes     int      `json:"codes"`
	Revenue   int64    `json:"revenue"`
}

// SalesReport is the admin overview of the store.
type SalesReport struct {
	SalesTotal         int64               `json:"salesTotal"`
	Purchases          int                 `json:"purchases"`
	CodesSold          int                 `json:"codesSold"`
	AverageTicket      decimal.Decimal     `json:"averageTicket"`
	ByCategory         []CategorySales     `json:"byCategory"`
	Accounts           int                 `json:"accounts"`
	ApprovedAccounts   int                 `json:"approvedAccounts"`
	OutstandingBalance int64               `json:"outstandingBalance"`
	Pending            map[RequestKind]int `json:"pending"`
	Stock              []StockLevel        `json:"stock"`
}

// SalesReport summarizes sales, accounts, pending work and stock.
func (tx *Tx) SalesReport() SalesReport {
	r := SalesReport{
		SalesTotal:    tx.state.SalesTotal,
		AverageTicket: decimal.Zero,
		Pending:       make(map[RequestKind]int),
		Stock:         tx.StockSummary(),
	}

	byCat := make(map[Category]*CategorySales)
	for _, acc := range tx.state.Accounts {
		r.Accounts++
		if acc.Approved {
			r.ApprovedAccounts++
		}
		r.OutstandingBalance += acc.Balance
		for _, rec := range acc.History {
			r.Purchases++
			r.CodesSold += len(rec.Codes)
			cs, ok := byCat[rec.Category]
			if !ok {
				cs = &CategorySales{Category: rec.Category}
				byCat[rec.Category] = cs
			}
			cs.Purchases++
			cs.Codes += len(rec.Codes)
			cs.Revenue += rec.TotalPrice
		}
	}
	for _, cat := range Categories() {
		if cs, ok := byCat[cat]; ok {
			r.ByCategory = append(r.ByCategory, *cs)
		}
	}
	if r.Purchases > 0 {
		r.AverageTicket = decimal.NewFromInt(r.SalesTotal).
			Div(decimal.NewFromInt(int64(r.Purchases))).
			Round(2)
	}

	for _, req := range tx.PendingRequests() {
		r.Pending[req.RequestKind()]++
	}
	return r
}
