// Package telegram is the default Notifier adapter, backed by
// go-telegram-bot-api. It is the single concrete implementation cmd/sentinel
// wires in by default for the outbound message interface.
package telegram

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Notifier sends alert text to one fixed chat via a Telegram bot.
type Notifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// New builds a Notifier from a bot token and destination chat ID.
func New(token string, chatID int64) (*Notifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot: %w", err)
	}
	return &Notifier{bot: bot, chatID: chatID}, nil
}

// Send dispatches text to the configured chat. The context is not passed to
// the underlying client, so cancellation does not interrupt a send; the call
// itself is fire-and-forget per the outbound-interface contract — failures
// are the caller's to log, never retried here.
func (n *Notifier) Send(ctx context.Context, text string) error {
	msg := tgbotapi.NewMessage(n.chatID, text)
	_, err := n.bot.Send(msg)
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

// DryRunNotifier satisfies upstream.Notifier without making network calls,
// used when --dry-run is passed; it discards every message.
type DryRunNotifier struct{}

// Send is a no-op.
func (DryRunNotifier) Send(ctx context.Context, text string) error {
	return nil
}
