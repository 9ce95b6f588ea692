package adapters

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/socialpulse/socialpulse/internal/errors"
	"github.com/socialpulse/socialpulse/internal/models"
	"github.com/socialpulse/socialpulse/internal/platform"
)

// TelegramAdapter reads member counts of a public channel or group.
// The stored credential is a bot token that can see the chat.
type TelegramAdapter struct {
	platform.Base
	client   *platform.RotatingClient
	endpoint string
}

func NewTelegram(accountID, accountURL string, opts Options) *TelegramAdapter {
	return &TelegramAdapter{
		Base:     platform.Base{Name: Telegram, AccountID: accountID, AccountURL: accountURL},
		client:   opts.Client,
		endpoint: opts.Endpoints.Telegram + "/bot%s/%s",
	}
}

func (a *TelegramAdapter) IsAvailable(ctx context.Context) bool {
	return platform.Probe(ctx, a.client, strings.TrimSuffix(a.endpoint, "/bot%s/%s")+"/")
}

// ctxClient binds every tgbotapi request to the fetch context.
type ctxClient struct {
	ctx  context.Context
	base platform.Doer
}

func (c ctxClient) Do(req *http.Request) (*http.Response, error) {
	return c.base.Do(req.WithContext(c.ctx))
}

func (a *TelegramAdapter) chatConfig() tgbotapi.ChatConfig {
	id := identity(&a.Base)
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return tgbotapi.ChatConfig{ChatID: n}
	}
	if !strings.HasPrefix(id, "@") {
		id = "@" + id
	}
	return tgbotapi.ChatConfig{SuperGroupUsername: id}
}

func (a *TelegramAdapter) FetchMetrics(ctx context.Context) (*models.MetricsSnapshot, error) {
	token, err := requireToken(ctx, &a.Base, "fetch")
	if err != nil {
		return nil, err
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, a.endpoint, ctxClient{ctx: ctx, base: a.client})
	if err != nil {
		return nil, classifyTelegram("getMe", err)
	}

	cfg := a.chatConfig()
	chat, err := bot.GetChat(tgbotapi.ChatInfoConfig{ChatConfig: cfg})
	if err != nil {
		return nil, classifyTelegram("getChat", err)
	}
	members, err := bot.GetChatMembersCount(tgbotapi.ChatMemberCountConfig{ChatConfig: cfg})
	if err != nil {
		return nil, classifyTelegram("getChatMemberCount", err)
	}

	snap := a.NewSnapshot()
	snap.Followers = models.Int64(int64(members))
	snap.SetExtra("chat_id", chat.ID)
	snap.SetExtra("chat_type", chat.Type)
	snap.SetExtra("title", chat.Title)
	if chat.UserName != "" {
		snap.SetExtra("username", chat.UserName)
	}
	return snap, nil
}

func classifyTelegram(op string, err error) error {
	var tgErr *tgbotapi.Error
	if !errors.As(err, &tgErr) {
		return platform.ClassifyTransport(Telegram, op, err)
	}
	detail := fmt.Errorf("telegram %d: %s", tgErr.Code, tgErr.Message)
	switch {
	case tgErr.Code == http.StatusTooManyRequests || tgErr.RetryAfter > 0:
		return &errors.RateLimitError{
			Platform:   Telegram,
			RetryAfter: time.Duration(tgErr.RetryAfter) * time.Second,
			Message:    tgErr.Message,
		}
	case tgErr.Code == http.StatusUnauthorized, tgErr.Code == http.StatusForbidden:
		return errors.AuthExpired(Telegram, op, detail)
	case tgErr.Code == http.StatusBadRequest && strings.Contains(strings.ToLower(tgErr.Message), "chat not found"):
		return errors.Unavailable(Telegram, op, detail)
	case tgErr.Code >= 500:
		return errors.Transient(Telegram, op, detail)
	default:
		return errors.Malformed(Telegram, op, detail)
	}
}
