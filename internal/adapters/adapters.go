// Package adapters holds the concrete platform adapters and wires them into a registry.
package adapters

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/socialpulse/socialpulse/internal/errors"
	"github.com/socialpulse/socialpulse/internal/logging"
	"github.com/socialpulse/socialpulse/internal/platform"
)

// Endpoints overrides platform base URLs. Empty fields use production hosts.
type Endpoints struct {
	Bluesky   string `yaml:"bluesky"`
	Instagram string `yaml:"instagram"`
	YouTube   string `yaml:"youtube"`
	TikTok    string `yaml:"tiktok"`
	Telegram  string `yaml:"telegram"`
	Threads   string `yaml:"threads"`
}

// Options is shared by every adapter the package registers.
type Options struct {
	// Client carries every plain HTTP call. Nil builds a RotatingClient.
	Client *platform.RotatingClient
	// SampleSize is how many recent posts feed like/comment totals.
	SampleSize int
	Endpoints  Endpoints
	// YouTubeAPIKey is used for channels without a stored OAuth token.
	YouTubeAPIKey string
	// ThreadsHeadless enables the chromedp fallback for Threads profiles.
	ThreadsHeadless bool
	ChromePath      string
	Logger          *logging.Logger
}

const defaultSampleSize = 20

func (o *Options) normalize() {
	if o.Client == nil {
		o.Client = platform.NewRotatingClient(platform.ClientOptions{Timeout: 30 * time.Second})
	}
	if o.SampleSize <= 0 {
		o.SampleSize = defaultSampleSize
	}
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
	e := &o.Endpoints
	e.Bluesky = orDefault(e.Bluesky, "https://public.api.bsky.app")
	e.Instagram = orDefault(e.Instagram, "https://graph.instagram.com/v21.0")
	e.YouTube = orDefault(e.YouTube, "https://youtube.googleapis.com/")
	e.TikTok = orDefault(e.TikTok, "https://open.tiktokapis.com/v2")
	e.Telegram = orDefault(e.Telegram, "https://api.telegram.org")
	e.Threads = orDefault(e.Threads, "https://www.threads.net")
}

// Platform keys.
const (
	Bluesky   = "bluesky"
	Mastodon  = "mastodon"
	Instagram = "instagram"
	YouTube   = "youtube"
	TikTok    = "tiktok"
	Telegram  = "telegram"
	Threads   = "threads"
)

// Register adds every built-in adapter to reg.
func Register(reg *platform.Registry, opts Options) {
	opts.normalize()
	reg.Register(Bluesky, func(id, u string) (platform.Adapter, error) { return NewBluesky(id, u, opts), nil })
	reg.Register(Mastodon, func(id, u string) (platform.Adapter, error) { return NewMastodon(id, u, opts) })
	reg.Register(Instagram, func(id, u string) (platform.Adapter, error) { return NewInstagram(id, u, opts), nil })
	reg.Register(YouTube, func(id, u string) (platform.Adapter, error) { return NewYouTube(id, u, opts), nil })
	reg.Register(TikTok, func(id, u string) (platform.Adapter, error) { return NewTikTok(id, u, opts), nil })
	reg.Register(Telegram, func(id, u string) (platform.Adapter, error) { return NewTelegram(id, u, opts), nil })
	reg.Register(Threads, func(id, u string) (platform.Adapter, error) { return NewThreads(id, u, opts), nil })
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimRight(v, "/") + suffixSlash(def)
}

// suffixSlash keeps a trailing slash on defaults that need one.
func suffixSlash(def string) string {
	if strings.HasSuffix(def, "/") {
		return "/"
	}
	return ""
}

// identity returns the bound account's external ID, falling back to the
// last path segment of the account URL.
func identity(b *platform.Base) string {
	if acc := b.Account(); acc != nil && acc.ExternalID != "" {
		return acc.ExternalID
	}
	u, err := url.Parse(b.AccountURL)
	if err != nil {
		return ""
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	return parts[len(parts)-1]
}

func bearer(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h
}

// requireToken resolves the bound token or fails with MissingCredential.
func requireToken(ctx context.Context, b *platform.Base, op string) (string, error) {
	token, ok := b.Token(ctx)
	if !ok || token == "" {
		return "", errors.MissingCredential(b.Name, op)
	}
	return token, nil
}

// hasCredential reports whether the bound account carries a stored credential.
// It does not resolve the token.
func hasCredential(b *platform.Base) bool {
	acc := b.Account()
	return acc != nil && acc.HasCredential()
}

// parseCount reads counts like "1,234", "12.5K" or "3M".
func parseCount(s string) (int64, bool) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if s == "" {
		return 0, false
	}
	mult := 1.0
	switch s[len(s)-1] {
	case 'K', 'k':
		mult = 1e3
	case 'M', 'm':
		mult = 1e6
	case 'B', 'b':
		mult = 1e9
	}
	if mult != 1 {
		s = s[:len(s)-1]
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return int64(f*mult + 0.5), true
}
