/*
Package telegram is the chat front end of the storefront.

PURPOSE:
  Turns Telegram updates into engine intents (handler.go) and engine
  notifications into chat messages (this file). It holds no state of its
  own beyond the top-up method a user picked from the menu.

DELIVERY RULES:
  - A notification with a PhotoRef is sent as a photo by Telegram file id,
    with the text as caption.
  - Codes are appended to the text, one per line.
  - Operator actions become inline buttons "resolve:<kind>:<id>:<decision>".
  - Long texts are split on line breaks; buttons go on the last part.

SEE ALSO:
  - fulfillment/notify.go: Notification model
  - parse.go: Callback data layout
*/
package telegram

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/warp/codeshop/fulfillment"
	"go.uber.org/zap"
)

// Sender is the part of *tgbotapi.BotAPI the front end uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Notifier delivers engine notifications as Telegram messages.
type Notifier struct {
	api    Sender
	logger *zap.Logger
}

func NewNotifier(api Sender, logger *zap.Logger) *Notifier {
	return &Notifier{api: api, logger: logger.Named("telegram")}
}

// Notify implements fulfillment.Notifier.
func (n *Notifier) Notify(_ context.Context, note fulfillment.Notification) error {
	if note.TargetUserID == 0 {
		return nil
	}
	chatID := int64(note.TargetUserID)
	text := renderNotification(note)
	kb := actionKeyboard(note.Actions)

	if note.PhotoRef != "" {
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileID(note.PhotoRef))
		photo.Caption = truncate(text, captionLimit)
		if kb != nil {
			photo.ReplyMarkup = *kb
		}
		if _, err := n.api.Send(photo); err != nil {
			return fmt.Errorf("telegram photo to %d: %w", chatID, err)
		}
		return nil
	}

	parts := splitText(text, messageLimit)
	for i, part := range parts {
		msg := tgbotapi.NewMessage(chatID, part)
		if kb != nil && i == len(parts)-1 {
			msg.ReplyMarkup = *kb
		}
		if _, err := n.api.Send(msg); err != nil {
			return fmt.Errorf("telegram message to %d: %w", chatID, err)
		}
	}
	n.logger.Debug("delivered", zap.String("event", string(note.Event)), zap.Int64("chat", chatID), zap.Int("parts", len(parts)))
	return nil
}

func renderNotification(note fulfillment.Notification) string {
	if len(note.Codes) == 0 {
		return note.Text
	}
	var b strings.Builder
	b.WriteString(note.Text)
	b.WriteString("\n\nYour codes:\n")
	for _, code := range note.Codes {
		b.WriteString(code)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
