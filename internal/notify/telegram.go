package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/socialpulse/socialpulse/internal/models"
)

// Telegram messages are capped at 4096 characters.
const telegramMaxRunes = 4096

// Telegram posts run summaries to a chat through the Bot API.
type Telegram struct {
	token    string
	chatID   int64
	endpoint string
	client   tgbotapi.HTTPClient

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

// TelegramOption configures a Telegram notifier.
type TelegramOption func(*Telegram)

// WithTelegramEndpoint overrides the Bot API endpoint format ("…/bot%s/%s").
func WithTelegramEndpoint(endpoint string) TelegramOption {
	return func(t *Telegram) { t.endpoint = endpoint }
}

// WithTelegramClient sets the HTTP client used for Bot API calls.
func WithTelegramClient(c tgbotapi.HTTPClient) TelegramOption {
	return func(t *Telegram) { t.client = c }
}

// NewTelegram returns a notifier for chatID. The bot is connected on first use.
func NewTelegram(token string, chatID int64, opts ...TelegramOption) (*Telegram, error) {
	token = strings.TrimSpace(token)
	if token == "" || chatID == 0 {
		return nil, fmt.Errorf("telegram notifier needs a bot token and chat id")
	}
	t := &Telegram{token: token, chatID: chatID, endpoint: tgbotapi.APIEndpoint}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) connect() (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}
	var (
		bot *tgbotapi.BotAPI
		err error
	)
	if t.client != nil {
		bot, err = tgbotapi.NewBotAPIWithClient(t.token, t.endpoint, t.client)
	} else {
		bot, err = tgbotapi.NewBotAPIWithAPIEndpoint(t.token, t.endpoint)
	}
	if err != nil {
		return nil, fmt.Errorf("connect telegram bot: %w", err)
	}
	t.bot = bot
	return bot, nil
}

func (t *Telegram) NotifyRun(_ context.Context, summary *models.RunSummary) error {
	bot, err := t.connect()
	if err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(t.chatID, truncate(Format(summary), telegramMaxRunes))
	msg.DisableWebPagePreview = true
	if _, err := bot.Send(msg); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}
