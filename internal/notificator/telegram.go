package notificator

import (
	"context"
	"fmt"

	"github.com/go-telegram/bot"
	tgModels "github.com/go-telegram/bot/models"

	"github.com/blockspeak/orchestrator/pkg/logger"
)

// TelegramNotificator posts alerts to one operator chat.
type TelegramNotificator struct {
	logger *logger.Logger
	bot    *bot.Bot
	chatID string
}

func NewTelegramNotificator(logger *logger.Logger, token, chatID string, opts ...bot.Option) (*TelegramNotificator, error) {
	provider := &TelegramNotificator{
		logger: logger,
		chatID: chatID,
	}
	opts = append([]bot.Option{
		bot.WithSkipGetMe(),
		bot.WithDefaultHandler(provider.handler),
	}, opts...)

	b, err := bot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	provider.bot = b

	return provider, nil
}

// Start polls for updates until ctx ends, so operators can discover the chat id with /start.
func (t *TelegramNotificator) Start(ctx context.Context) {
	t.bot.Start(ctx)
}

func (t *TelegramNotificator) Name() string {
	return "telegram"
}

func (t *TelegramNotificator) Send(ctx context.Context, message string) error {
	if t.chatID == "" {
		return fmt.Errorf("TELEGRAM_CHAT_ID is not set")
	}
	params := &bot.SendMessageParams{
		ChatID: t.chatID,
		Text:   message,
	}
	if _, err := t.bot.SendMessage(ctx, params); err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	return nil
}

func (t *TelegramNotificator) handler(ctx context.Context, b *bot.Bot, update *tgModels.Update) {
	if update.Message == nil || update.Message.From == nil {
		return
	}
	t.logger.Debug("Telegram update", "username", update.Message.From.Username, "text", update.Message.Text)
	if update.Message.Text != "/start" {
		return
	}

	chatID := fmt.Sprint(update.Message.Chat.ID)
	t.logger.Info("Telegram chat registered for alerts", "chat_id", chatID, "username", update.Message.From.Username)
	_, err := b.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: update.Message.Chat.ID,
		Text:   "BlockSpeak alerts chat id: " + chatID + ". Set TELEGRAM_CHAT_ID to receive operator alerts.",
	})
	if err != nil {
		t.logger.Error("Failed to answer /start", "error", err)
	}
}
