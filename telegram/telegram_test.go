package telegram

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/codeshop/catalog"
	"github.com/warp/codeshop/fulfillment"
	"github.com/warp/codeshop/ledger"
	"github.com/warp/codeshop/ledger/store"
	"go.uber.org/zap"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const (
	adminChat int64 = 1000
	buyerChat int64 = 7
)

type fakeBot struct {
	mu   sync.Mutex
	sent []tgbotapi.Chattable
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, nil
}

func (f *fakeBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

// texts returns every message, edit and caption sent to chatID.
func (f *fakeBot) texts(chatID int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.sent {
		switch m := c.(type) {
		case tgbotapi.MessageConfig:
			if m.ChatID == chatID {
				out = append(out, m.Text)
			}
		case tgbotapi.EditMessageTextConfig:
			if m.ChatID == chatID {
				out = append(out, m.Text)
			}
		case tgbotapi.PhotoConfig:
			if m.ChatID == chatID {
				out = append(out, m.Caption)
			}
		}
	}
	return out
}

func (f *fakeBot) last(chatID int64) string {
	t := f.texts(chatID)
	if len(t) == 0 {
		return ""
	}
	return t[len(t)-1]
}

type chatHarness struct {
	bot     *fakeBot
	handler *Handler
	engine  *fulfillment.Engine
}

func newChatHarness(t *testing.T) *chatHarness {
	t.Helper()
	l, err := ledger.Open(context.Background(), store.NewMemory(), ledger.Options{Seed: 3})
	require.NoError(t, err)
	bot := &fakeBot{}
	e := fulfillment.New(l, catalog.Default(), NewNotifier(bot, zap.NewNop()), zap.NewNop(), fulfillment.Options{
		AdminID:  ledger.UserID(adminChat),
		MinTopup: 1000,
	})
	return &chatHarness{bot: bot, handler: NewHandler(bot, e, zap.NewNop()), engine: e}
}

func (c *chatHarness) text(from int64, text string) {
	msg := &tgbotapi.Message{
		MessageID: 1,
		From:      &tgbotapi.User{ID: from, UserName: "u" + ledger.UserID(from).String()},
		Chat:      &tgbotapi.Chat{ID: from, Type: "private"},
		Text:      text,
		Date:      int(time.Now().Unix()),
	}
	if strings.HasPrefix(text, "/") {
		cmd, _, _ := strings.Cut(text, " ")
		msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd)}}
	}
	c.handler.HandleUpdate(context.Background(), tgbotapi.Update{Message: msg})
}

func (c *chatHarness) photo(from int64, fileID, caption string) {
	c.handler.HandleUpdate(context.Background(), tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: 2,
		From:      &tgbotapi.User{ID: from},
		Chat:      &tgbotapi.Chat{ID: from, Type: "private"},
		Photo:     []tgbotapi.PhotoSize{{FileID: fileID + "-small"}, {FileID: fileID}},
		Caption:   caption,
	}})
}

func (c *chatHarness) press(from int64, data string) {
	c.handler.HandleUpdate(context.Background(), tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:   "cb",
		From: &tgbotapi.User{ID: from},
		Message: &tgbotapi.Message{
			MessageID: 3,
			Chat:      &tgbotapi.Chat{ID: from, Type: "private"},
		},
		Data: data,
	}})
}

// =============================================================================
// CHAT FLOWS
// =============================================================================

func TestChat_RegisterApproveAndBuyWithBalance(t *testing.T) {
	c := newChatHarness(t)

	// GIVEN: The admin stocks a tier
	c.text(adminChat, "/addstock mlbbbal 1000 2,500 AAA BBB")
	assert.Contains(t, c.bot.last(adminChat), "Added 2 codes")

	// AND: A buyer registers and the admin approves from the button
	c.text(buyerChat, "/register")
	assert.Contains(t, c.bot.last(buyerChat), "wait for admin approval")
	assert.Contains(t, c.bot.last(adminChat), "New registration request")
	c.press(adminChat, resolveData(ledger.KindRegistration, "7", ledger.DecisionApprove))
	assert.Contains(t, c.bot.last(buyerChat), "approved")

	c.text(adminChat, "/setbalance 7 5000")
	assert.Contains(t, c.bot.last(buyerChat), "5,000 MMK")

	// WHEN: The buyer walks the purchase flow
	c.text(buyerChat, "/buy")
	assert.Equal(t, "Choose a game:", c.bot.last(buyerChat))
	c.press(buyerChat, "cat:MLBBbal")
	c.press(buyerChat, "tier:1000")
	assert.Contains(t, c.bot.last(buyerChat), "How many codes? (1-2)")
	c.text(buyerChat, "5")
	assert.Contains(t, c.bot.last(buyerChat), "between 1 and 2")
	c.text(buyerChat, "2")
	assert.Contains(t, c.bot.last(buyerChat), "Total: 5,000 MMK")
	c.press(buyerChat, "pay:balance")

	// THEN: The codes arrive in chat
	got := c.bot.last(buyerChat)
	assert.Contains(t, got, "Purchase successful!")
	assert.Contains(t, got, "AAA\nBBB")

	c.text(buyerChat, "/balance")
	assert.Equal(t, "Your balance: 0 MMK", c.bot.last(buyerChat))
}

func TestChat_ReceiptPurchaseAndAdminPhoto(t *testing.T) {
	c := newChatHarness(t)
	c.text(adminChat, "/addstock PUBG 60 1200 P1")
	c.text(buyerChat, "/register")
	c.text(adminChat, "/approve registration 7")

	c.text(buyerChat, "/buy")
	c.press(buyerChat, "cat:PUPG")
	c.press(buyerChat, "tier:60")
	c.text(buyerChat, "1")
	c.press(buyerChat, "pay:Wave")
	assert.Contains(t, c.bot.last(buyerChat), "09673585480")

	c.photo(buyerChat, "file-1", "")
	assert.Contains(t, c.bot.last(buyerChat), "transaction ID")
	c.text(buyerChat, "887766")
	assert.Contains(t, c.bot.last(buyerChat), "Receipt 887766 submitted")

	// The admin got the photo with decision buttons
	var photo tgbotapi.PhotoConfig
	for _, s := range c.bot.sent {
		if p, ok := s.(tgbotapi.PhotoConfig); ok && p.ChatID == adminChat {
			photo = p
		}
	}
	assert.Equal(t, tgbotapi.FileID("file-1"), photo.File)
	kb, ok := photo.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	require.True(t, ok)
	require.Len(t, kb.InlineKeyboard, 1)
	require.NotNil(t, kb.InlineKeyboard[0][0].CallbackData)
	assert.Equal(t, "resolve:receipt:887766:approve", *kb.InlineKeyboard[0][0].CallbackData)

	c.press(adminChat, *kb.InlineKeyboard[0][0].CallbackData)
	assert.Contains(t, c.bot.last(buyerChat), "P1")
	assert.Contains(t, c.bot.last(adminChat), "receipt 887766 ✅ approved")

	// A second press reports the earlier decision
	c.press(adminChat, *kb.InlineKeyboard[0][0].CallbackData)
	assert.Equal(t, "This request was already resolved.", c.bot.last(adminChat))
}

func TestChat_TopupFromPhotoCaption(t *testing.T) {
	c := newChatHarness(t)
	c.text(buyerChat, "/register")
	c.text(adminChat, "/approve registration 7")

	c.press(buyerChat, "topup:KPay")
	assert.Contains(t, c.bot.last(buyerChat), "09678786528")
	c.photo(buyerChat, "slip", "10,000 556677")
	assert.Contains(t, c.bot.last(buyerChat), "Top-up request 556677")

	c.text(adminChat, "/approve topup 556677")
	assert.Contains(t, c.bot.last(buyerChat), "New balance: 10,000 MMK")
}

func TestChat_AdminCommandsRefuseOthers(t *testing.T) {
	c := newChatHarness(t)

	c.text(buyerChat, "/addstock PUPG 60 100 X")
	assert.Equal(t, "This command is for the admin only.", c.bot.last(buyerChat))

	c.text(buyerChat, "/balance")
	assert.Contains(t, c.bot.last(buyerChat), "not approved")
}

// =============================================================================
// PARSING
// =============================================================================

func TestParseResolve(t *testing.T) {
	cb := parseCallback(resolveData(ledger.KindTopup, "12345", ledger.DecisionReject))
	require.Equal(t, cbResolve, cb.Action)

	kind, id, d, err := parseResolve(cb.Arg)
	require.NoError(t, err)
	assert.Equal(t, ledger.KindTopup, kind)
	assert.Equal(t, "12345", id)
	assert.Equal(t, ledger.DecisionReject, d)

	_, _, _, err = parseResolve("topup:12345")
	assert.ErrorIs(t, err, ledger.ErrValidation)
	_, _, _, err = parseResolve("refund:1:approve")
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestParseTopupCaption(t *testing.T) {
	tests := []struct {
		name    string
		caption string
		picked  ledger.PaymentMethod
		want    topupCaption
		wantErr bool
	}{
		{"full", "5000 wave 123456", "", topupCaption{5000, ledger.PaymentWave, "123456"}, false},
		{"picked method", "5,000 123456", ledger.PaymentKPay, topupCaption{5000, ledger.PaymentKPay, "123456"}, false},
		{"no method", "5000 123456", "", topupCaption{}, true},
		{"bad amount", "lots KPay 123456", "", topupCaption{}, true},
		{"bad method", "5000 cash 123456", "", topupCaption{}, true},
		{"empty", "", ledger.PaymentWave, topupCaption{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTopupCaption(tt.caption, tt.picked)
			if tt.wantErr {
				assert.ErrorIs(t, err, ledger.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseAddStock(t *testing.T) {
	a, err := parseAddStock("pubg 60 1,200\nCODE-1\nCODE-2")
	require.NoError(t, err)
	assert.Equal(t, ledger.CategoryPUPG, a.Category)
	assert.Equal(t, ledger.Tier("60"), a.Tier)
	assert.Equal(t, int64(1200), a.Price)
	assert.Equal(t, []string{"CODE-1", "CODE-2"}, a.Codes)

	_, err = parseAddStock("PUPG 60 1200")
	assert.ErrorIs(t, err, ledger.ErrValidation)
	_, err = parseAddStock("FIFA 60 1200 X")
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestSplitText(t *testing.T) {
	text := strings.Repeat("code-0123456789\n", 10)

	parts := splitText(text, 40)

	for _, p := range parts {
		assert.LessOrEqual(t, len(p), 40)
	}
	assert.Equal(t, strings.ReplaceAll(text, "\n", ""), strings.ReplaceAll(strings.Join(parts, ""), "\n", ""))
	assert.Equal(t, "éé...", truncate("ééééé", 8))
}

func TestNotifier_SkipsUnsetTargetAndSplitsLongCodes(t *testing.T) {
	bot := &fakeBot{}
	n := NewNotifier(bot, zap.NewNop())

	require.NoError(t, n.Notify(context.Background(), fulfillment.Notification{Text: "nobody"}))
	assert.Empty(t, bot.sent)

	codes := make([]string, 400)
	for i := range codes {
		codes[i] = "CODE-ABCDEFGHIJKLMNOP"
	}
	require.NoError(t, n.Notify(context.Background(), fulfillment.Notification{TargetUserID: 7, Text: "Done", Codes: codes}))
	assert.Greater(t, len(bot.sent), 1)
	assert.Equal(t, 400, strings.Count(strings.Join(bot.texts(7), "\n"), "CODE-ABCDEFGHIJKLMNOP"))
}
