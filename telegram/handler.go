package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/warp/codeshop/catalog"
	"github.com/warp/codeshop/fulfillment"
	"github.com/warp/codeshop/ledger"
	"go.uber.org/zap"
)

// Handler routes Telegram updates to the fulfillment engine.
type Handler struct {
	api    Sender
	engine *fulfillment.Engine
	logger *zap.Logger

	mu          sync.Mutex
	topupMethod map[ledger.UserID]ledger.PaymentMethod
}

func NewHandler(api Sender, engine *fulfillment.Engine, logger *zap.Logger) *Handler {
	return &Handler{
		api:         api,
		engine:      engine,
		logger:      logger.Named("telegram"),
		topupMethod: make(map[ledger.UserID]ledger.PaymentMethod),
	}
}

// Run consumes updates until ctx is done or the channel closes.
func (h *Handler) Run(ctx context.Context, updates <-chan tgbotapi.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			h.HandleUpdate(ctx, upd)
		}
	}
}

// HandleUpdate processes one update. Only private chats are served.
func (h *Handler) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	if upd.CallbackQuery != nil {
		h.handleCallback(ctx, upd.CallbackQuery)
		return
	}

	msg := upd.Message
	if msg == nil || msg.From == nil || msg.Chat == nil || !msg.Chat.IsPrivate() {
		return
	}
	user := ledger.UserID(msg.From.ID)
	if _, err := h.engine.Touch(ctx, user, displayName(msg.From)); err != nil {
		h.logger.Error("failed to record user", zap.Int64("user", int64(user)), zap.Error(err))
		h.replyErr(msg.Chat.ID, err)
		return
	}

	switch {
	case msg.IsCommand():
		h.handleCommand(ctx, msg, user)
	case len(msg.Photo) > 0:
		h.handlePhoto(ctx, msg, user)
	default:
		h.handleText(ctx, msg, user)
	}
}

func (h *Handler) cat() *catalog.Catalog { return h.engine.Catalog() }

// =============================================================================
// COMMANDS
// =============================================================================

func (h *Handler) handleCommand(ctx context.Context, msg *tgbotapi.Message, user ledger.UserID) {
	chatID := msg.Chat.ID
	args := msg.CommandArguments()

	switch msg.Command() {
	case "start":
		h.reply(chatID, fmt.Sprintf("Welcome, %s!\nBuy game codes with your balance or a Wave/KPay transfer.", displayName(msg.From)), mainMenu())
	case "help":
		text := helpText
		if h.engine.IsAdmin(user) {
			text += "\n\n" + adminHelpText
		}
		h.reply(chatID, text)
	case "register":
		h.register(ctx, chatID, user, displayName(msg.From))
	case "balance":
		h.balance(ctx, chatID, user)
	case "history":
		h.history(ctx, chatID, user)
	case "buy":
		h.startPurchase(ctx, chatID, user)
	case "topup":
		h.reply(chatID, "Choose how you will transfer the money:", methodKeyboard(cbTopup, false))
	case "cancel":
		if h.engine.CancelSession(user) {
			h.reply(chatID, "Purchase cancelled.", mainMenu())
		} else {
			h.reply(chatID, "Nothing to cancel.")
		}
	case "skip":
		h.submitReceiptID(ctx, chatID, user, "")

	case "approve", "reject":
		h.adminDecision(ctx, chatID, user, msg.Command(), args)
	case "addstock":
		h.adminAddStock(ctx, chatID, user, args)
	case "removecode":
		h.adminRemoveCode(ctx, chatID, user, args)
	case "setprice":
		h.adminSetPrice(ctx, chatID, user, args)
	case "setbalance":
		h.adminSetBalance(ctx, chatID, user, args)
	case "pending":
		h.adminPending(ctx, chatID, user, args)
	case "stats":
		h.adminStats(ctx, chatID, user)
	case "user":
		h.adminUser(ctx, chatID, user, args)
	default:
		h.reply(chatID, "Unknown command.\n\n"+helpText)
	}
}

func (h *Handler) register(ctx context.Context, chatID int64, user ledger.UserID, name string) {
	if _, err := h.engine.Register(ctx, user, name); err != nil {
		h.replyErr(chatID, err)
	}
}

func (h *Handler) balance(ctx context.Context, chatID int64, user ledger.UserID) {
	bal, err := h.engine.GetBalance(ctx, user)
	if err != nil {
		h.replyErr(chatID, err)
		return
	}
	h.reply(chatID, "Your balance: "+h.cat().FormatPrice(bal))
}

func (h *Handler) history(ctx context.Context, chatID int64, user ledger.UserID) {
	hist, err := h.engine.GetHistory(ctx, user)
	if err != nil {
		h.replyErr(chatID, err)
		return
	}
	h.sendLong(chatID, historyText(hist, h.cat()))
}

// =============================================================================
// PURCHASE FLOW
// =============================================================================

func (h *Handler) startPurchase(ctx context.Context, chatID int64, user ledger.UserID) {
	_, cats, err := h.engine.StartPurchase(ctx, user)
	if err != nil {
		h.replyErr(chatID, err)
		return
	}
	h.reply(chatID, "Choose a game:", categoryKeyboard(cats))
}

func (h *Handler) handleText(ctx context.Context, msg *tgbotapi.Message, user ledger.UserID) {
	chatID := msg.Chat.ID
	text := strings.TrimSpace(msg.Text)

	s, ok := h.engine.CurrentSession(user)
	if !ok {
		h.reply(chatID, "Use the menu below.", mainMenu())
		return
	}

	switch s.Stage {
	case fulfillment.StageEnteringQuantity:
		qty, _ := strconv.Atoi(text)
		_, q, err := h.engine.EnterQuantity(ctx, user, qty)
		if err != nil {
			h.replyErr(chatID, err)
			return
		}
		h.reply(chatID, quoteText(q, h.cat())+"\n\nHow would you like to pay?", methodKeyboard(cbPay, true))
	case fulfillment.StageAwaitingPhoto:
		h.reply(chatID, "Please send a photo of your payment receipt, or /cancel.")
	case fulfillment.StageAwaitingReceiptID:
		h.submitReceiptID(ctx, chatID, user, text)
	default:
		h.reply(chatID, "Please use the buttons above, or /cancel to start over.")
	}
}

func (h *Handler) handlePhoto(ctx context.Context, msg *tgbotapi.Message, user ledger.UserID) {
	chatID := msg.Chat.ID
	ref := msg.Photo[len(msg.Photo)-1].FileID

	if s, ok := h.engine.CurrentSession(user); ok && s.Stage == fulfillment.StageAwaitingPhoto {
		if _, err := h.engine.SubmitReceiptPhoto(ctx, user, ref); err != nil {
			h.replyErr(chatID, err)
			return
		}
		h.reply(chatID, "Now send the transaction ID of your payment, or /skip to have one assigned.")
		return
	}

	// Outside a purchase a photo is a top-up claim.
	tc, err := parseTopupCaption(msg.Caption, h.pickedTopupMethod(user))
	if err != nil {
		h.replyErr(chatID, err)
		return
	}
	_, err = h.engine.SubmitTopupDetails(ctx, fulfillment.TopupSubmission{
		UserID:        user,
		Amount:        tc.Amount,
		Method:        tc.Method,
		TransactionID: tc.TransactionID,
		PhotoRef:      ref,
	})
	if err != nil {
		h.replyErr(chatID, err)
		return
	}
	h.forgetTopupMethod(user)
}

func (h *Handler) submitReceiptID(ctx context.Context, chatID int64, user ledger.UserID, id string) {
	if _, err := h.engine.SubmitReceiptID(ctx, user, id); err != nil {
		h.replyErr(chatID, err)
	}
}

// =============================================================================
// CALLBACKS
// =============================================================================

func (h *Handler) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	defer h.api.Request(tgbotapi.NewCallback(q.ID, ""))
	if q.From == nil || q.Message == nil || q.Message.Chat == nil {
		return
	}
	user := ledger.UserID(q.From.ID)
	chatID := q.Message.Chat.ID
	cb := parseCallback(q.Data)

	switch cb.Action {
	case cbMenu:
		h.handleMenu(ctx, chatID, user, q.From, cb.Arg)

	case cbCat:
		cat, err := catalog.ParseCategory(cb.Arg)
		if err != nil {
			h.replyErr(chatID, err)
			return
		}
		_, tiers, err := h.engine.SelectCategory(ctx, user, cat)
		if err != nil {
			h.replyErr(chatID, err)
			return
		}
		kb := tierKeyboard(tiers, h.cat())
		h.edit(chatID, q.Message.MessageID, h.cat().DisplayName(cat)+": choose an amount", &kb)

	case cbTier:
		_, quote, err := h.engine.SelectTier(ctx, user, ledger.Tier(cb.Arg))
		if err != nil {
			h.replyErr(chatID, err)
			return
		}
		h.edit(chatID, q.Message.MessageID, fmt.Sprintf("%s %s %s at %s each.\nHow many codes? (1-%d)",
			h.cat().DisplayName(quote.Category), quote.Tier, quote.Unit, h.cat().FormatPrice(quote.UnitPrice), quote.Available), nil)

	case cbPay:
		h.handlePay(ctx, chatID, user, cb.Arg)

	case cbTopup:
		method, err := ledger.ParsePaymentMethod(cb.Arg)
		if err != nil {
			h.replyErr(chatID, err)
			return
		}
		pa, err := h.engine.PaymentInfo(method)
		if err != nil {
			h.replyErr(chatID, err)
			return
		}
		h.rememberTopupMethod(user, method)
		h.reply(chatID, paymentText(pa, h.cat(), 0)+"\nAfter transferring, send the receipt photo with the caption: <amount> <transaction id>")

	case cbCancel:
		h.engine.CancelSession(user)
		h.edit(chatID, q.Message.MessageID, "Purchase cancelled.", nil)

	case cbResolve:
		h.handleResolve(ctx, chatID, q.Message.MessageID, user, cb.Arg)

	default:
		h.logger.Debug("unknown callback", zap.String("data", q.Data))
	}
}

func (h *Handler) handleMenu(ctx context.Context, chatID int64, user ledger.UserID, from *tgbotapi.User, item string) {
	switch item {
	case "register":
		h.register(ctx, chatID, user, displayName(from))
	case "balance":
		h.balance(ctx, chatID, user)
	case "history":
		h.history(ctx, chatID, user)
	case "buy":
		h.startPurchase(ctx, chatID, user)
	case "topup":
		h.reply(chatID, "Choose how you will transfer the money:", methodKeyboard(cbTopup, false))
	default:
		h.reply(chatID, helpText)
	}
}

func (h *Handler) handlePay(ctx context.Context, chatID int64, user ledger.UserID, arg string) {
	if arg == payBalance {
		// Success is announced by the purchase notification.
		if _, err := h.engine.PayWithBalance(ctx, user); err != nil {
			h.replyErr(chatID, err)
		}
		return
	}

	method, err := ledger.ParsePaymentMethod(arg)
	if err != nil {
		h.replyErr(chatID, err)
		return
	}
	s, pa, err := h.engine.PayWithReceipt(ctx, user, method)
	if err != nil {
		h.replyErr(chatID, err)
		return
	}
	q, err := h.engine.Quote(ctx, s.Category, s.Tier, s.Quantity)
	if err != nil {
		h.replyErr(chatID, err)
		return
	}
	h.reply(chatID, paymentText(pa, h.cat(), q.Total)+"\nAfter transferring, send a photo of the receipt.")
}

// =============================================================================
// ADMIN
// =============================================================================

func (h *Handler) handleResolve(ctx context.Context, chatID int64, messageID int, user ledger.UserID, arg string) {
	kind, id, d, err := parseResolve(arg)
	if err != nil {
		h.replyErr(chatID, err)
		return
	}
	res, err := h.engine.AdminResolve(ctx, user, kind, id, d)
	if err != nil && !errors.Is(err, ledger.ErrAlreadyResolved) {
		h.replyErr(chatID, err)
		return
	}
	h.clearButtons(chatID, messageID)
	if err != nil {
		h.replyErr(chatID, err)
		return
	}
	h.reply(chatID, resolutionText(res, h.cat()))
}

func (h *Handler) adminDecision(ctx context.Context, chatID int64, user ledger.UserID, verb, args string) {
	kind, id, err := parseDecisionArgs(args)
	if err != nil {
		h.replyErr(chatID, err)
		return
	}
	d := ledger.DecisionApprove
	if verb == "reject" {
		d = ledger.DecisionReject
	}
	res, err := h.engine.AdminResolve(ctx, user, kind, id, d)
	if err != nil {
		h.replyErr(chatID, err)
		return
	}
	h.reply(chatID, resolutionText(res, h.cat()))
}

func (h *Handler) adminAddStock(ctx context.Context, chatID int64, user ledger.UserID, args string) {
	a, err := parseAddStock(args)
	if err != nil {
		h.replyErr(chatID, err)
		return
	}
	res, err := h.engine.AdminAddStock(ctx, user, a.Category, a.Tier, a.Price, a.Codes)
	if err != nil {
		h.replyErr(chatID, err)
		return
	}
	text := fmt.Sprintf("Added %d codes to %s %s at %s. In stock: %d.",
		res.Added, h.cat().DisplayName(a.Category), a.Tier, h.cat().FormatPrice(a.Price), res.Stock)
	if len(res.Skipped) > 0 {
		text += fmt.Sprintf("\nSkipped %d duplicates:\n%s", len(res.Skipped), strings.Join(res.Skipped, "\n"))
	}
	h.sendLong(chatID, text)
}

func (h *Handler) adminRemoveCode(ctx context.Context, chatID int64, user ledger.UserID, args string) {
	cat, tier, code, err := parseItem(args, "/removecode <category> <tier> <code>")
	if err != nil {
		h.replyErr(chatID, err)
		return
	}
	removed, err := h.engine.AdminRemoveCode(ctx, user, cat, tier, code)
	if err != nil {
		h.replyErr(chatID, err)
		return
	}
	if removed {
		h.reply(chatID, "Code removed.")
	} else {
		h.reply(chatID, "Code not found in that tier.")
	}
}

func (h *Handler) adminSetPrice(ctx context.Context, chatID int64, user ledger.UserID, args string) {
	cat, tier, raw, err := parseItem(args, "/setprice <category> <tier> <price>")
	if err != nil {
		h.replyErr(chatID, err)
		return
	}
	price, err := parseAmount("price", raw)
	if err != nil {
		h.replyErr(chatID, err)
		return
	}
	if err := h.engine.AdminSetPrice(ctx, user, cat, tier, price); err != nil {
		h.replyErr(chatID, err)
		return
	}
	h.reply(chatID, fmt.Sprintf("%s %s now costs %s.", h.cat().DisplayName(cat), tier, h.cat().FormatPrice(price)))
}

func (h *Handler) adminSetBalance(ctx context.Context, chatID int64, user ledger.UserID, args string) {
	target, amount, err := parseUserAmount(args)
	if err != nil {
		h.replyErr(chatID, err)
		return
	}
	prev, err := h.engine.AdminSetBalance(ctx, user, target, amount)
	if err != nil {
		h.replyErr(chatID, err)
		return
	}
	h.reply(chatID, fmt.Sprintf("Balance of %d: %s -> %s", target, h.cat().FormatPrice(prev), h.cat().FormatPrice(amount)))
}

func (h *Handler) adminPending(ctx context.Context, chatID int64, user ledger.UserID, args string) {
	var kinds []ledger.RequestKind
	if arg := strings.TrimSpace(args); arg != "" {
		k, err := ledger.ParseRequestKind(arg)
		if err != nil {
			h.replyErr(chatID, err)
			return
		}
		kinds = append(kinds, k)
	}
	reqs, err := h.engine.AdminListPending(ctx, user, kinds...)
	if err != nil {
		h.replyErr(chatID, err)
		return
	}
	h.sendLong(chatID, pendingText(reqs))
}

func (h *Handler) adminStats(ctx context.Context, chatID int64, user ledger.UserID) {
	r, err := h.engine.AdminStats(ctx, user)
	if err != nil {
		h.replyErr(chatID, err)
		return
	}
	h.sendLong(chatID, statsText(r, h.cat()))
}

func (h *Handler) adminUser(ctx context.Context, chatID int64, user ledger.UserID, args string) {
	target, err := ledger.ParseUserID(strings.TrimSpace(args))
	if err != nil {
		h.replyErr(chatID, err)
		return
	}
	acc, err := h.engine.AdminAccount(ctx, user, target)
	if err != nil {
		h.replyErr(chatID, err)
		return
	}
	h.reply(chatID, fmt.Sprintf("User %d %s\nApproved: %t\nBalance: %s\nPurchases: %d",
		acc.ID, acc.DisplayName, acc.Approved, h.cat().FormatPrice(acc.Balance), len(acc.History)))
}

func resolutionText(res fulfillment.Resolution, cat *catalog.Catalog) string {
	verdict := "✅ approved"
	if res.Decision == ledger.DecisionReject {
		verdict = "❌ rejected"
	}
	text := fmt.Sprintf("%s %s %s (user %d)", res.Kind, res.RequestID, verdict, res.UserID)
	switch {
	case res.Kind == ledger.KindTopup && res.Decision == ledger.DecisionApprove:
		text += fmt.Sprintf("\nCredited %s, balance now %s", cat.FormatPrice(res.Amount), cat.FormatPrice(res.Balance))
	case res.Kind == ledger.KindReceipt && res.Decision == ledger.DecisionApprove:
		text += fmt.Sprintf("\nDelivered %d codes, %s", len(res.Codes), cat.FormatPrice(res.Amount))
	}
	return text
}

// =============================================================================
// TOP-UP METHOD MEMORY
// =============================================================================

func (h *Handler) rememberTopupMethod(user ledger.UserID, m ledger.PaymentMethod) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.topupMethod[user] = m
}

func (h *Handler) pickedTopupMethod(user ledger.UserID) ledger.PaymentMethod {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.topupMethod[user]
}

func (h *Handler) forgetTopupMethod(user ledger.UserID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.topupMethod, user)
}

// =============================================================================
// SENDING
// =============================================================================

func (h *Handler) reply(chatID int64, text string, kb ...tgbotapi.InlineKeyboardMarkup) {
	msg := tgbotapi.NewMessage(chatID, text)
	if len(kb) > 0 {
		msg.ReplyMarkup = kb[0]
	}
	if _, err := h.api.Send(msg); err != nil {
		h.logger.Warn("send failed", zap.Int64("chat", chatID), zap.Error(err))
	}
}

func (h *Handler) sendLong(chatID int64, text string) {
	for _, part := range splitText(text, messageLimit) {
		h.reply(chatID, part)
	}
}

func (h *Handler) replyErr(chatID int64, err error) {
	if !ledger.IsClientError(err) && !ledger.IsConflict(err) && !ledger.IsForbidden(err) && !ledger.IsNotFound(err) {
		h.logger.Error("intent failed", zap.Int64("chat", chatID), zap.Error(err))
	}
	h.reply(chatID, errorText(err, h.cat()))
}

func (h *Handler) edit(chatID int64, messageID int, text string, kb *tgbotapi.InlineKeyboardMarkup) {
	var c tgbotapi.Chattable
	if kb != nil {
		c = tgbotapi.NewEditMessageTextAndMarkup(chatID, messageID, text, *kb)
	} else {
		c = tgbotapi.NewEditMessageText(chatID, messageID, text)
	}
	if _, err := h.api.Send(c); err != nil {
		h.logger.Warn("edit failed", zap.Int64("chat", chatID), zap.Error(err))
	}
}

func (h *Handler) clearButtons(chatID int64, messageID int) {
	empty := tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{}}
	if _, err := h.api.Request(tgbotapi.NewEditMessageReplyMarkup(chatID, messageID, empty)); err != nil {
		h.logger.Warn("clear buttons failed", zap.Int64("chat", chatID), zap.Error(err))
	}
}
