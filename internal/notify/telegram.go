package notify

import (
	"context"
	"fmt"
	"log"

	tgbotapi "github.com/OvyFlash/telegram-bot-api"

	"claim-intake-server/internal/db"
)

type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram posts a short lead alert to the owner's chat.
type Telegram struct {
	ChatID int64
	bot    telegramSender
}

func NewTelegram(token string, chatID int64) (*Telegram, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram token is empty")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot: %w", err)
	}
	log.Printf("notify: telegram authorized as %s", bot.Self.UserName)
	return &Telegram{ChatID: chatID, bot: bot}, nil
}

// NotifyLead sends the rendered lead without the transcript; the full text
// goes by email.
func (t *Telegram) NotifyLead(ctx context.Context, lead db.Lead, transcript []db.Message) error {
	body, err := Render(lead, nil)
	if err != nil {
		return fmt.Errorf("render lead alert: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(t.ChatID, body)
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("send telegram alert: %w", err)
	}
	return nil
}
