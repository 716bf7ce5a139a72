package telegram

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/warp/codeshop/catalog"
	"github.com/warp/codeshop/fulfillment"
	"github.com/warp/codeshop/ledger"
)

const (
	messageLimit = 4096
	captionLimit = 1024
	historyLimit = 10
)

const helpText = `Commands:
/register - open an account
/balance - show your balance
/history - your recent purchases
/buy - buy codes
/topup - add balance
/cancel - abandon the current purchase
/help - this message`

const adminHelpText = `Admin:
/addstock <category> <tier> <price> <code> [code...]
/removecode <category> <tier> <code>
/setprice <category> <tier> <price>
/setbalance <user id> <amount>
/approve <kind> <id>
/reject <kind> <id>
/pending [kind]
/stats
/user <user id>`

func mainMenu() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("📋 Register", callbackData(cbMenu, "register"))),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("💰 Balance", callbackData(cbMenu, "balance")),
			tgbotapi.NewInlineKeyboardButtonData("🧾 History", callbackData(cbMenu, "history")),
		),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("💳 Top up", callbackData(cbMenu, "topup"))),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🛒 Buy codes", callbackData(cbMenu, "buy"))),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("ℹ️ Help", callbackData(cbMenu, "help"))),
	)
}

func methodKeyboard(action string, withBalance bool) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	if withBalance {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("💰 Pay with balance", callbackData(action, payBalance))))
	}
	rows = append(rows,
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("📱 Wave", callbackData(action, string(ledger.PaymentWave))),
			tgbotapi.NewInlineKeyboardButtonData("📱 KPay", callbackData(action, string(ledger.PaymentKPay))),
		),
	)
	if action == cbPay {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("✖️ Cancel", cbCancel)))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func categoryKeyboard(cats []fulfillment.CategoryView) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(cats)+1)
	for _, c := range cats {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(c.Name, callbackData(cbCat, string(c.ID)))))
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("✖️ Cancel", cbCancel)))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func tierKeyboard(tiers []fulfillment.TierView, cat *catalog.Catalog) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(tiers)+1)
	for _, t := range tiers {
		label := fmt.Sprintf("%s %s - %s (%d left)", t.Tier, t.Unit, cat.FormatPrice(t.Price), t.Stock)
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, callbackData(cbTier, string(t.Tier)))))
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("✖️ Cancel", cbCancel)))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// actionKeyboard renders operator buttons, one request per row.
func actionKeyboard(actions []fulfillment.Action) *tgbotapi.InlineKeyboardMarkup {
	if len(actions) == 0 {
		return nil
	}
	var rows [][]tgbotapi.InlineKeyboardButton
	var row []tgbotapi.InlineKeyboardButton
	for i, a := range actions {
		if i > 0 && a.RequestID != actions[i-1].RequestID {
			rows = append(rows, row)
			row = nil
		}
		label := "✅ " + a.Label
		if a.Decision == ledger.DecisionReject {
			label = "❌ " + a.Label
		}
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(label, resolveData(a.Kind, a.RequestID, a.Decision)))
	}
	rows = append(rows, row)
	kb := tgbotapi.NewInlineKeyboardMarkup(rows...)
	return &kb
}

func paymentText(pa catalog.PaymentAccount, cat *catalog.Catalog, total int64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Pay with %s\nPhone: %s\nName: %s\n", pa.Method, pa.Phone, pa.Name)
	if total > 0 {
		fmt.Fprintf(&b, "Amount: %s\n", cat.FormatPrice(total))
	}
	return b.String()
}

func quoteText(q fulfillment.Quote, cat *catalog.Catalog) string {
	return fmt.Sprintf("%s %s %s x%d\nUnit price: %s\nTotal: %s",
		cat.DisplayName(q.Category), q.Tier, q.Unit, q.Quantity,
		cat.FormatPrice(q.UnitPrice), cat.FormatPrice(q.Total))
}

func historyText(hist []ledger.FulfillmentRecord, cat *catalog.Catalog) string {
	if len(hist) == 0 {
		return "No purchases yet."
	}
	var b strings.Builder
	b.WriteString("Recent purchases:\n")
	for i, rec := range hist {
		if i == historyLimit {
			break
		}
		fmt.Fprintf(&b, "\n%s  %s %s x%d  %s (%s)\n",
			rec.Timestamp.Format("2006-01-02 15:04"), cat.DisplayName(rec.Category), rec.Tier,
			rec.Quantity, cat.FormatPrice(rec.TotalPrice), rec.Kind)
		for _, code := range rec.Codes {
			b.WriteString("  " + code + "\n")
		}
	}
	return b.String()
}

func pendingText(reqs []ledger.Request) string {
	if len(reqs) == 0 {
		return "Nothing pending."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d pending:\n", len(reqs))
	for _, r := range reqs {
		fmt.Fprintf(&b, "%s %s  user %d  %s\n", r.RequestKind(), r.RequestID(), r.Requester(), r.Created().Format("2006-01-02 15:04"))
	}
	return b.String()
}

func statsText(r ledger.SalesReport, cat *catalog.Catalog) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Sales: %s\nPurchases: %d\nCodes sold: %d\nAverage ticket: %s %s\n",
		cat.FormatPrice(r.SalesTotal), r.Purchases, r.CodesSold, r.AverageTicket.StringFixed(0), cat.Currency)
	fmt.Fprintf(&b, "Accounts: %d (%d approved)\nOutstanding balance: %s\n",
		r.Accounts, r.ApprovedAccounts, cat.FormatPrice(r.OutstandingBalance))
	fmt.Fprintf(&b, "Pending: %d registration, %d topup, %d receipt\n",
		r.Pending[ledger.KindRegistration], r.Pending[ledger.KindTopup], r.Pending[ledger.KindReceipt])
	if len(r.Stock) > 0 {
		b.WriteString("\nStock:\n")
		for _, s := range r.Stock {
			fmt.Fprintf(&b, "%s %s: %d @ %s\n", s.Category, s.Tier, s.Count, cat.FormatPrice(s.Price))
		}
	}
	return b.String()
}

// errorText turns an engine error into a chat reply.
func errorText(err error, cat *catalog.Catalog) string {
	var (
		funds *ledger.InsufficientFundsError
		stock *ledger.InsufficientStockError
		dup   *ledger.DuplicateIDError
		verr  *ledger.ValidationError
	)
	switch {
	case errors.Is(err, fulfillment.ErrNoSession):
		return "No purchase in progress. Use /buy to start."
	case errors.Is(err, fulfillment.ErrWrongStep):
		return "Please use the buttons of your current purchase, or /cancel to start over."
	case errors.As(err, &funds):
		return fmt.Sprintf("Insufficient balance. You have %s but need %s. Top up with /topup or pay with Wave/KPay.",
			cat.FormatPrice(funds.Available), cat.FormatPrice(funds.Requested))
	case errors.As(err, &stock):
		if stock.Available == 0 {
			return "Sorry, this item is out of stock."
		}
		return fmt.Sprintf("Only %d codes left in stock.", stock.Available)
	case errors.As(err, &dup):
		return fmt.Sprintf("Transaction ID %s was already used.", dup.ID)
	case errors.As(err, &verr):
		return "❌ " + verr.Error()
	case errors.Is(err, ledger.ErrNotApproved):
		return "Your account is not approved yet. Use /register and wait for the admin."
	case errors.Is(err, ledger.ErrAlreadyPending):
		return "Your registration is already waiting for approval."
	case errors.Is(err, ledger.ErrAlreadyApproved):
		return "Your account is already approved."
	case errors.Is(err, ledger.ErrAlreadyResolved):
		return "This request was already resolved."
	case errors.Is(err, ledger.ErrNotFound):
		return "Not found."
	case errors.Is(err, ledger.ErrUnauthorized):
		return "This command is for the admin only."
	}
	return "Something went wrong. Please try again later."
}

// splitText cuts text into chunks of at most limit bytes, preferring line breaks.
func splitText(text string, limit int) []string {
	var out []string
	for len(text) > limit {
		cut := strings.LastIndexByte(text[:limit], '\n')
		if cut <= 0 {
			cut = runeBoundary(text, limit)
		}
		out = append(out, text[:cut])
		text = strings.TrimLeft(text[cut:], "\n")
	}
	return append(out, text)
}

func truncate(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	return text[:runeBoundary(text, limit-3)] + "..."
}

// runeBoundary backs n off to the start of a UTF-8 sequence.
func runeBoundary(text string, n int) int {
	for n > 0 && !utf8.RuneStart(text[n]) {
		n--
	}
	return n
}

func displayName(u *tgbotapi.User) string {
	if u == nil {
		return ""
	}
	if u.UserName != "" {
		return "@" + u.UserName
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}
