package telegram

import (
	"strconv"
	"strings"

	"github.com/warp/codeshop/catalog"
	"github.com/warp/codeshop/ledger"
)

// =============================================================================
// CALLBACK DATA
// =============================================================================
//
// Button payloads are colon separated and stay under Telegram's 64 byte limit:
//
//   menu:<register|balance|history|buy|topup|help>
//   cat:<category>
//   tier:<tier>
//   pay:<balance|Wave|KPay>
//   topup:<Wave|KPay>
//   cancel
//   resolve:<kind>:<id>:<decision>

const (
	cbMenu    = "menu"
	cbCat     = "cat"
	cbTier    = "tier"
	cbPay     = "pay"
	cbTopup   = "topup"
	cbCancel  = "cancel"
	cbResolve = "resolve"

	payBalance = "balance"
)

type callback struct {
	Action string
	Arg    string
}

func parseCallback(data string) callback {
	action, arg, _ := strings.Cut(data, ":")
	return callback{Action: action, Arg: arg}
}

func callbackData(action, arg string) string {
	if arg == "" {
		return action
	}
	return action + ":" + arg
}

func resolveData(kind ledger.RequestKind, id string, d ledger.Decision) string {
	return cbResolve + ":" + string(kind) + ":" + id + ":" + string(d)
}

// parseResolve reads the argument of a resolve callback.
func parseResolve(arg string) (ledger.RequestKind, string, ledger.Decision, error) {
	parts := strings.Split(arg, ":")
	if len(parts) != 3 {
		return "", "", "", &ledger.ValidationError{Field: "callback", Message: "malformed resolve action"}
	}
	kind, err := ledger.ParseRequestKind(parts[0])
	if err != nil {
		return "", "", "", err
	}
	d, err := ledger.ParseDecision(parts[2])
	if err != nil {
		return "", "", "", err
	}
	return kind, parts[1], d, nil
}

// =============================================================================
// COMMAND ARGUMENTS
// =============================================================================

// parseAmount accepts "5000" and "5,000".
func parseAmount(field, s string) (int64, error) {
	v, err := strconv.ParseInt(strings.ReplaceAll(strings.TrimSpace(s), ",", ""), 10, 64)
	if err != nil {
		return 0, &ledger.ValidationError{Field: field, Message: "must be a whole number"}
	}
	return v, nil
}

type addStockArgs struct {
	Category ledger.Category
	Tier     ledger.Tier
	Price    int64
	Codes    []string
}

// parseAddStock reads "<category> <tier> <price> <code> [code...]". Codes
// may be separated by spaces or newlines.
func parseAddStock(args string) (addStockArgs, error) {
	f := strings.Fields(args)
	if len(f) < 4 {
		return addStockArgs{}, &ledger.ValidationError{Field: "arguments", Message: "usage: /addstock <category> <tier> <price> <code> [code...]"}
	}
	cat, err := catalog.ParseCategory(f[0])
	if err != nil {
		return addStockArgs{}, err
	}
	price, err := parseAmount("price", f[2])
	if err != nil {
		return addStockArgs{}, err
	}
	return addStockArgs{Category: cat, Tier: ledger.Tier(f[1]), Price: price, Codes: f[3:]}, nil
}

// parseItem reads "<category> <tier> <value>".
func parseItem(args, usage string) (ledger.Category, ledger.Tier, string, error) {
	f := strings.Fields(args)
	if len(f) != 3 {
		return "", "", "", &ledger.ValidationError{Field: "arguments", Message: "usage: " + usage}
	}
	cat, err := catalog.ParseCategory(f[0])
	if err != nil {
		return "", "", "", err
	}
	return cat, ledger.Tier(f[1]), f[2], nil
}

// parseUserAmount reads "<user id> <amount>".
func parseUserAmount(args string) (ledger.UserID, int64, error) {
	f := strings.Fields(args)
	if len(f) != 2 {
		return 0, 0, &ledger.ValidationError{Field: "arguments", Message: "usage: /setbalance <user id> <amount>"}
	}
	user, err := ledger.ParseUserID(f[0])
	if err != nil {
		return 0, 0, err
	}
	amount, err := parseAmount("amount", f[1])
	if err != nil {
		return 0, 0, err
	}
	return user, amount, nil
}

// parseDecisionArgs reads "<kind> <id>" for /approve and /reject.
func parseDecisionArgs(args string) (ledger.RequestKind, string, error) {
	f := strings.Fields(args)
	if len(f) != 2 {
		return "", "", &ledger.ValidationError{Field: "arguments", Message: "usage: /approve|/reject <registration|topup|receipt> <id>"}
	}
	kind, err := ledger.ParseRequestKind(f[0])
	if err != nil {
		return "", "", err
	}
	return kind, f[1], nil
}

type topupCaption struct {
	Amount        int64
	Method        ledger.PaymentMethod
	TransactionID string
}

// parseTopupCaption reads a top-up photo caption: "<amount> <method> <txid>",
// or "<amount> <txid>" when the method was picked from the menu first.
func parseTopupCaption(caption string, picked ledger.PaymentMethod) (topupCaption, error) {
	f := strings.Fields(caption)
	usage := &ledger.ValidationError{Field: "caption", Message: "send the receipt photo with the caption: <amount> <Wave|KPay> <transaction id>"}

	var out topupCaption
	switch {
	case len(f) == 3:
		m, err := ledger.ParsePaymentMethod(f[1])
		if err != nil {
			return out, err
		}
		out.Method = m
		out.TransactionID = f[2]
	case len(f) == 2 && picked != "":
		out.Method = picked
		out.TransactionID = f[1]
	default:
		return out, usage
	}
	amount, err := parseAmount("amount", f[0])
	if err != nil {
		return out, err
	}
	out.Amount = amount
	return out, nil
}
