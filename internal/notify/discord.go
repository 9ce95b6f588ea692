package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/socialpulse/socialpulse/internal/models"
)

// Discord content is capped at 2000 characters.
const discordMaxRunes = 2000

// Discord executes a channel webhook for every reported run.
type Discord struct {
	session   *discordgo.Session
	webhookID string
	token     string
	username  string
}

// ParseWebhookURL splits https://discord.com/api/webhooks/{id}/{token}.
func ParseWebhookURL(raw string) (id, token string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("parse webhook url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", fmt.Errorf("webhook url %q has no /webhooks/{id}/{token} path", raw)
}

// NewDiscord returns a webhook notifier. client may be nil.
func NewDiscord(webhookURL, username string, client *http.Client) (*Discord, error) {
	id, token, err := ParseWebhookURL(webhookURL)
	if err != nil {
		return nil, err
	}
	session, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	if client != nil {
		session.Client = client
	}
	if username == "" {
		username = "socialpulse"
	}
	return &Discord{session: session, webhookID: id, token: token, username: username}, nil
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) NotifyRun(ctx context.Context, summary *models.RunSummary) error {
	content := truncate(Format(summary), discordMaxRunes)
	params := &discordgo.WebhookParams{
		Content:  content,
		Username: d.username,
	}
	if _, err := d.session.WebhookExecute(d.webhookID, d.token, false, params, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("execute discord webhook: %w", err)
	}
	return nil
}
