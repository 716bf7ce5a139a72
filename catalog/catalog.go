/*
Package catalog provides the storefront's product and payment catalog.

PURPOSE:
  Holds the display metadata the ledger doesn't care about: category
  display names and units, the currency label, and the payee accounts
  users transfer money to. Operators can override the built-in defaults
  with a JSON file without code changes.

JSON SCHEMA:
  {
    "currency": "MMK",
    "categories": [
      {"id": "MLBBbal", "name": "Mobile Legends (Bal)", "unit": "Coin"},
      {"id": "MLBBph",  "name": "Mobile Legends (PH)"},
      {"id": "PUPG",    "name": "PUPG Mobile", "unit": "UC"}
    ],
    "payment_accounts": [
      {"method": "Wave", "phone": "09673585480", "name": "Nine Nine"},
      {"method": "KPay", "phone": "09678786528", "name": "Ma May Phoo Wai"}
    ]
  }

KEY FEATURES:
  - Validates category ids against the ledger's fixed families
  - Defaults missing units ("Coin" for Mobile Legends, "UC" otherwise)
  - Accepts the legacy "PUBG" id as an alias of "PUPG"

USAGE:
  cat, err := catalog.Load("catalog.json")   // or catalog.Default()
  name := cat.DisplayName(ledger.CategoryPUPG)
  payee, ok := cat.PaymentAccount(ledger.PaymentWave)

SEE ALSO:
  - ledger/types.go: Category and PaymentMethod
  - fulfillment/engine.go: Uses the catalog for quotes and payment info
*/
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/codeshop/ledger"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// CatalogJSON is the JSON representation of a catalog.
type CatalogJSON struct {
	Currency        string               `json:"currency"`
	Categories      []CategoryJSON       `json:"categories"`
	PaymentAccounts []PaymentAccountJSON `json:"payment_accounts"`
}

// CategoryJSON describes one product family.
type CategoryJSON struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Unit string `json:"unit,omitempty"`
}

// PaymentAccountJSON describes where users send money for one method.
type PaymentAccountJSON struct {
	Method string `json:"method"`
	Phone  string `json:"phone"`
	Name   string `json:"name"`
}

// =============================================================================
// CATALOG
// =============================================================================

// CategoryInfo is the display metadata of a category.
type CategoryInfo struct {
	ID   ledger.Category `json:"id"`
	Name string          `json:"name"`
	Unit string          `json:"unit"`
}

// PaymentAccount is a payee for one payment method.
type PaymentAccount struct {
	Method ledger.PaymentMethod `json:"method"`
	Phone  string               `json:"phone"`
	Name   string               `json:"name"`
}

// Catalog is the resolved, validated catalog.
type Catalog struct {
	Currency        string
	categories      []CategoryInfo
	byID            map[ledger.Category]CategoryInfo
	paymentAccounts []PaymentAccount
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := FromJSON(CatalogJSON{
		Currency: "MMK",
		Categories: []CategoryJSON{
			{ID: string(ledger.CategoryMLBBBal), Name: "Mobile Legends (Bal)"},
			{ID: string(ledger.CategoryMLBBPH), Name: "Mobile Legends (PH)"},
			{ID: string(ledger.CategoryPUPG), Name: "PUPG Mobile"},
		},
		PaymentAccounts: []PaymentAccountJSON{
			{Method: string(ledger.PaymentWave), Phone: "09673585480", Name: "Nine Nine"},
			{Method: string(ledger.PaymentKPay), Phone: "09678786528", Name: "Ma May Phoo Wai"},
		},
	})
	if err != nil {
		panic(err)
	}
	return c
}

// Load reads a catalog file. An empty path returns Default().
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates catalog JSON.
func Parse(data []byte) (*Catalog, error) {
	var cj CatalogJSON
	if err := json.Unmarshal(data, &cj); err != nil {
		return nil, fmt.Errorf("invalid catalog JSON: %w", err)
	}
	return FromJSON(cj)
}

// FromJSON validates a decoded catalog. Categories missing from the JSON
// fall back to the category id as display name.
func FromJSON(cj CatalogJSON) (*Catalog, error) {
	c := &Catalog{
		Currency: strings.TrimSpace(cj.Currency),
		byID:     make(map[ledger.Category]CategoryInfo),
	}
	if c.Currency == "" {
		c.Currency = "MMK"
	}

	for _, raw := range cj.Categories {
		id, err := ParseCategory(raw.ID)
		if err != nil {
			return nil, err
		}
		if _, dup := c.byID[id]; dup {
			return nil, fmt.Errorf("category %s listed twice", id)
		}
		info := CategoryInfo{ID: id, Name: raw.Name, Unit: raw.Unit}
		if info.Name == "" {
			info.Name = string(id)
		}
		if info.Unit == "" {
			info.Unit = DefaultUnit(id)
		}
		c.byID[id] = info
	}
	for _, id := range ledger.Categories() {
		info, ok := c.byID[id]
		if !ok {
			info = CategoryInfo{ID: id, Name: string(id), Unit: DefaultUnit(id)}
			c.byID[id] = info
		}
		c.categories = append(c.categories, info)
	}

	seen := make(map[ledger.PaymentMethod]bool)
	for _, raw := range cj.PaymentAccounts {
		m := ledger.PaymentMethod(raw.Method)
		if !m.Valid() {
			return nil, fmt.Errorf("unknown payment method %q", raw.Method)
		}
		if seen[m] {
			return nil, fmt.Errorf("payment method %s listed twice", m)
		}
		if strings.TrimSpace(raw.Phone) == "" {
			return nil, fmt.Errorf("payment method %s has no phone", m)
		}
		seen[m] = true
		c.paymentAccounts = append(c.paymentAccounts, PaymentAccount{Method: m, Phone: raw.Phone, Name: raw.Name})
	}
	return c, nil
}

// =============================================================================
// LOOKUPS
// =============================================================================

// Categories lists every category in display order.
func (c *Catalog) Categories() []CategoryInfo {
	return append([]CategoryInfo(nil), c.categories...)
}

// Category returns the metadata for id.
func (c *Catalog) Category(id ledger.Category) (CategoryInfo, bool) {
	info, ok := c.byID[id]
	return info, ok
}

// DisplayName returns the human name of a category.
func (c *Catalog) DisplayName(id ledger.Category) string {
	if info, ok := c.byID[id]; ok {
		return info.Name
	}
	return string(id)
}

// Unit returns the in-game unit label of a category.
func (c *Catalog) Unit(id ledger.Category) string {
	if info, ok := c.byID[id]; ok {
		return info.Unit
	}
	return DefaultUnit(id)
}

// PaymentAccounts lists configured payees.
func (c *Catalog) PaymentAccounts() []PaymentAccount {
	return append([]PaymentAccount(nil), c.paymentAccounts...)
}

// PaymentAccount returns the payee for a method.
func (c *Catalog) PaymentAccount(m ledger.PaymentMethod) (PaymentAccount, bool) {
	for _, pa := range c.paymentAccounts {
		if pa.Method == m {
			return pa, true
		}
	}
	return PaymentAccount{}, false
}

// FormatPrice renders minor units with thousands separators and the
// currency label, e.g. "12,500 MMK".
func (c *Catalog) FormatPrice(amount int64) string {
	return groupThousands(decimal.NewFromInt(amount).StringFixed(0)) + " " + c.Currency
}

// =============================================================================
// HELPERS
// =============================================================================

// DefaultUnit is "Coin" for Mobile Legends families and "UC" otherwise.
func DefaultUnit(id ledger.Category) string {
	if strings.HasPrefix(strings.ToUpper(string(id)), "MLBB") {
		return "Coin"
	}
	return "UC"
}

// ParseCategory resolves user or config input to a category. Matching is
// case-insensitive and accepts the legacy "PUBG" spelling.
func ParseCategory(s string) (ledger.Category, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "PUBG") {
		return ledger.CategoryPUPG, nil
	}
	for _, cat := range ledger.Categories() {
		if strings.EqualFold(s, string(cat)) {
			return cat, nil
		}
	}
	return "", &ledger.ValidationError{Field: "category", Message: fmt.Sprintf("unknown category %q", s)}
}

func groupThousands(digits string) string {
	neg := strings.HasPrefix(digits, "-")
	if neg {
		digits = digits[1:]
	}
	var b strings.Builder
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}
