package alert

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramChannel delivers alerts to a fixed set of chats. Delivery is
// one-way: the bot never polls for updates.
type TelegramChannel struct {
	token   string
	chatIDs []int64
	logger  *slog.Logger
	bot     *tgbotapi.BotAPI
}

// NewTelegramChannel creates a Telegram alert channel. The bot connection is
// established in Start.
func NewTelegramChannel(token string, chatIDs []int64, logger *slog.Logger) *TelegramChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:   token,
		chatIDs: chatIDs,
		logger:  logger.With("component", "alert", "channel", "telegram"),
	}
}

func (t *TelegramChannel) Name() string { return "telegram" }

// Start connects to the Telegram API, retrying with exponential backoff until
// it succeeds or the context is canceled.
func (t *TelegramChannel) Start(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		bot, err := tgbotapi.NewBotAPI(t.token)
		if err == nil {
			t.bot = bot
			t.logger.Info("telegram alert channel ready", "user", bot.Self.UserName, "chats", len(t.chatIDs))
			return nil
		}

		t.logger.Warn("telegram init failed, retrying", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return fmt.Errorf("telegram init: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Notify sends the alert to every configured chat. A partial failure delivers
// to the remaining chats and reports the first error.
func (t *TelegramChannel) Notify(ctx context.Context, a Alert) error {
	if t.bot == nil {
		return fmt.Errorf("telegram channel not started")
	}
	if len(t.chatIDs) == 0 {
		return fmt.Errorf("telegram channel has no chat_ids configured")
	}

	var firstErr error
	for _, chatID := range t.chatIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := tgbotapi.NewMessage(chatID, a.Text())
		if _, err := t.bot.Send(msg); err != nil {
			t.logger.Error("failed to send telegram alert", "chat_id", chatID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
