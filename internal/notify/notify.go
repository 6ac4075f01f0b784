// Package notify delivers operator alerts for conditions that need a
// human: stuck events past the escalation age, stale unfinished work found
// during retention sweeps.
package notify

import (
	"log"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/stellarlinkco/gitclaw/internal/config"
)

// sender is the subset of tgbotapi.BotAPI we use, split out for tests.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type Notifier struct {
	bot    sender
	chatID int64
}

// NewNotifier builds a Telegram-backed notifier. When no token is
// configured it returns a notifier that only logs, so callers never need
// a nil check.
func NewNotifier(cfg config.NotifyConfig) *Notifier {
	if cfg.TelegramToken == "" || cfg.TelegramChatID == 0 {
		return &Notifier{}
	}
	bot, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		log.Printf("[notify] telegram init failed, alerts will be log-only: %v", err)
		return &Notifier{}
	}
	return &Notifier{bot: bot, chatID: cfg.TelegramChatID}
}

func (n *Notifier) Alert(msg string) {
	log.Printf("[notify] ALERT: %s", msg)
	if n.bot == nil {
		return
	}
	if _, err := n.bot.Send(tgbotapi.NewMessage(n.chatID, msg)); err != nil {
		log.Printf("[notify] telegram send failed: %v", err)
	}
}
