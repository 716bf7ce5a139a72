/*
inventory.go - Inventory pool operations

PURPOSE:
  One FIFO queue of single-use codes per (category, tier), plus the unit
  price of that tier. Codes are added at the tail and dispensed from the
  head.

CRITICAL INVARIANTS:
  1. UNIQUE: A code string appears in at most one queue, at most once.
     AddCodes skips (and reports) any code already stocked anywhere.
  2. ATOMIC DISPENSE: ReserveAndDispense either pops exactly N codes or
     pops none.
  3. NUMERIC ORDER: AvailableTiers sorts "86" before "1000". Labels that
     are not numbers sort after all numeric ones.

SEE ALSO:
  - fulfill.go: Dispense combined with payment
*/
package ledger

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// READS
// =============================================================================

// AvailableCategories lists categories that have at least one tier in stock.
func (tx *Tx) AvailableCategories() []Category {
	var out []Category
	for _, cat := range Categories() {
		if len(tx.AvailableTiers(cat)) > 0 {
			out = append(out, cat)
		}
	}
	return out
}

// AvailableTiers lists tiers of the category with at least one code,
// in ascending numeric order.
func (tx *Tx) AvailableTiers(cat Category) []Tier {
	var tiers []Tier
	for tier, codes := range tx.state.Stock[cat] {
		if len(codes) > 0 {
			tiers = append(tiers, tier)
		}
	}
	SortTiers(tiers)
	return tiers
}

// StockCount returns how many codes are queued for the tier.
func (tx *Tx) StockCount(cat Category, tier Tier) int {
	return len(tx.state.Stock[cat][tier])
}

// Price returns the unit price of the tier. An unpriced tier costs 0.
func (tx *Tx) Price(cat Category, tier Tier) int64 {
	return tx.state.Prices[cat][tier]
}

// StockLevel is one line of a stock summary.
type StockLevel struct {
	Category Category `json:"category"`
	Tier     Tier     `json:"tier"`
	Count    int      `json:"count"`
	Price    int64    `json:"price"`
}

// StockSummary lists every queue that has codes or a price, grouped by
// category and sorted by tier.
func (tx *Tx) StockSummary() []StockLevel {
	var out []StockLevel
	for _, cat := range Categories() {
		seen := make(map[Tier]bool)
		var tiers []Tier
		for tier := range tx.state.Stock[cat] {
			seen[tier] = true
			tiers = append(tiers, tier)
		}
		for tier := range tx.state.Prices[cat] {
			if !seen[tier] {
				tiers = append(tiers, tier)
			}
		}
		SortTiers(tiers)
		for _, tier := range tiers {
			out = append(out, StockLevel{
				Category: cat,
				Tier:     tier,
				Count:    len(tx.state.Stock[cat][tier]),
				Price:    tx.state.Prices[cat][tier],
			})
		}
	}
	return out
}

// =============================================================================
// WRITES
// =============================================================================

// AddCodesResult reports what AddCodes did.
type AddCodesResult struct {
	Added   int      `json:"added"`
	Skipped []string `json:"skipped,omitempty"`
	Stock   int      `json:"stock"`
}

// AddCodes appends codes to the tail of the tier's queue and sets its
// price. Blank entries are ignored; codes already stocked anywhere, or
// repeated within the batch, are skipped and reported.
func (tx *Tx) AddCodes(cat Category, tier Tier, price int64, codes []string) (AddCodesResult, error) {
	if err := validateItem(cat, tier); err != nil {
		return AddCodesResult{}, err
	}
	if price < 0 {
		return AddCodesResult{}, &ValidationError{Field: "price", Message: "must not be negative"}
	}
	if err := tx.write(); err != nil {
		return AddCodesResult{}, err
	}

	stocked := tx.stockedCodes()
	var res AddCodesResult
	for _, raw := range codes {
		code := strings.TrimSpace(raw)
		if code == "" {
			continue
		}
		if stocked[code] {
			res.Skipped = append(res.Skipped, code)
			continue
		}
		stocked[code] = true
		tx.queue(cat)[tier] = append(tx.queue(cat)[tier], code)
		res.Added++
	}
	tx.setPrice(cat, tier, price)
	res.Stock = tx.StockCount(cat, tier)
	return res, nil
}

// ReserveAndDispense pops quantity codes from the head of the queue.
// It fails with InsufficientStockError and pops nothing if the queue is short.
func (tx *Tx) ReserveAndDispense(cat Category, tier Tier, quantity int) ([]string, error) {
	if quantity < 1 {
		return nil, &ValidationError{Field: "quantity", Message: "must be at least 1"}
	}
	queue := tx.state.Stock[cat][tier]
	if len(queue) < quantity {
		return nil, &InsufficientStockError{
			Category:  cat,
			Tier:      tier,
			Available: len(queue),
			Requested: quantity,
		}
	}
	if err := tx.write(); err != nil {
		return nil, err
	}
	codes := append([]string(nil), queue[:quantity]...)
	tx.state.Stock[cat][tier] = append([]string(nil), queue[quantity:]...)
	return codes, nil
}

// RemoveCode deletes one code from the queue and reports whether it was there.
func (tx *Tx) RemoveCode(cat Category, tier Tier, code string) (bool, error) {
	queue := tx.state.Stock[cat][tier]
	for i, c := range queue {
		if c != code {
			continue
		}
		if err := tx.write(); err != nil {
			return false, err
		}
		tx.state.Stock[cat][tier] = append(queue[:i:i], queue[i+1:]...)
		return true, nil
	}
	return false, nil
}

// SetPrice sets the unit price of a tier without touching its stock.
func (tx *Tx) SetPrice(cat Category, tier Tier, price int64) error {
	if err := validateItem(cat, tier); err != nil {
		return err
	}
	if price < 0 {
		return &ValidationError{Field: "price", Message: "must not be negative"}
	}
	if err := tx.write(); err != nil {
		return err
	}
	tx.setPrice(cat, tier, price)
	return nil
}

func (tx *Tx) setPrice(cat Category, tier Tier, price int64) {
	if tx.state.Prices[cat] == nil {
		tx.state.Prices[cat] = make(map[Tier]int64)
	}
	tx.state.Prices[cat][tier] = price
}

func (tx *Tx) queue(cat Category) map[Tier][]string {
	if tx.state.Stock[cat] == nil {
		tx.state.Stock[cat] = make(map[Tier][]string)
	}
	return tx.state.Stock[cat]
}

func (tx *Tx) stockedCodes() map[string]bool {
	set := make(map[string]bool)
	for _, tiers := range tx.state.Stock {
		for _, codes := range tiers {
			for _, c := range codes {
				set[c] = true
			}
		}
	}
	return set
}

func validateItem(cat Category, tier Tier) error {
	if !cat.Valid() {
		return &ValidationError{Field: "category", Message: "unknown category " + string(cat)}
	}
	if strings.TrimSpace(string(tier)) == "" {
		return &ValidationError{Field: "tier", Message: "must not be empty"}
	}
	return nil
}

// =============================================================================
// TIER ORDERING
// =============================================================================

// SortTiers orders tiers by numeric value ascending. Thousands separators
// are ignored. Non-numeric labels sort after numeric ones, alphabetically.
func SortTiers(tiers []Tier) {
	sort.SliceStable(tiers, func(i, j int) bool {
		a, aok := tierValue(tiers[i])
		b, bok := tierValue(tiers[j])
		switch {
		case aok && bok:
			if !a.Equal(b) {
				return a.LessThan(b)
			}
			return tiers[i] < tiers[j]
		case aok != bok:
			return aok
		default:
			return tiers[i] < tiers[j]
		}
	})
}

func tierValue(t Tier) (decimal.Decimal, bool) {
	s := strings.ReplaceAll(strings.TrimSpace(string(t)), ",", "")
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}
