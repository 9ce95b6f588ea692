package credentials

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/socialpulse/socialpulse/internal/errors"
	"github.com/socialpulse/socialpulse/internal/platform"
)

// ErrRefreshUnsupported is returned by strategies that cannot mint new tokens.
var ErrRefreshUnsupported = errors.New("token refresh not supported")

// ErrNoRefreshToken is returned when a refresh needs a refresh token and none is stored.
var ErrNoRefreshToken = errors.New("no refresh token stored")

// Tokens is the decrypted credential handed to a Strategy.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	IssuedAt     time.Time
	Scope        string
}

// Grant is a freshly issued credential. An empty RefreshToken keeps the stored one.
// A zero ExpiresIn means the new token does not expire.
type Grant struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
	Scope        string
}

// Strategy is the per-platform refresh policy.
type Strategy interface {
	// Buffer is how long before expiry a refresh is attempted.
	Buffer() time.Duration
	// CanRefresh is the precondition for Refresh. When it fails the current token is kept.
	CanRefresh(t Tokens, now time.Time) bool
	Refresh(ctx context.Context, t Tokens) (*Grant, error)
	// Revoke invalidates the credential remotely. Strategies without a revoke endpoint return nil.
	Revoke(ctx context.Context, t Tokens) error
}

// StaticStrategy is used for tokens that cannot be refreshed (bot tokens, app passwords).
// Once such a token is past expiry it is unusable.
type StaticStrategy struct{}

func (StaticStrategy) Buffer() time.Duration { return 0 }

func (StaticStrategy) CanRefresh(Tokens, time.Time) bool { return true }

func (StaticStrategy) Refresh(context.Context, Tokens) (*Grant, error) {
	return nil, ErrRefreshUnsupported
}

func (StaticStrategy) Revoke(context.Context, Tokens) error { return nil }

// tokenResponse covers the token endpoints of Instagram and TikTok.
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in"`
	Scope            string `json:"scope"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (r *tokenResponse) grant(platformName string) (*Grant, error) {
	if r.Error != "" && r.Error != "ok" {
		return nil, errors.AuthExpired(platformName, "refresh", fmt.Errorf("%s: %s", r.Error, r.ErrorDescription))
	}
	if r.AccessToken == "" {
		return nil, errors.Malformed(platformName, "refresh", fmt.Errorf("response missing access_token"))
	}
	return &Grant{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		ExpiresIn:    time.Duration(r.ExpiresIn) * time.Second,
		Scope:        r.Scope,
	}, nil
}

// InstagramStrategy refreshes long-lived Instagram tokens. Instagram only
// refreshes tokens that are at least a day old, and they live for 60 days,
// so the refresh window opens a week before expiry.
type InstagramStrategy struct {
	Client  platform.Doer
	BaseURL string
	Window  time.Duration
	MinAge  time.Duration
}

// NewInstagramStrategy returns the strategy with production defaults.
func NewInstagramStrategy(client platform.Doer) *InstagramStrategy {
	return &InstagramStrategy{
		Client:  client,
		BaseURL: "https://graph.instagram.com",
		Window:  7 * 24 * time.Hour,
		MinAge:  24 * time.Hour,
	}
}

func (s *InstagramStrategy) Buffer() time.Duration { return s.Window }

func (s *InstagramStrategy) CanRefresh(t Tokens, now time.Time) bool {
	if t.IssuedAt.IsZero() {
		return true
	}
	return now.Sub(t.IssuedAt) >= s.MinAge
}

func (s *InstagramStrategy) Refresh(ctx context.Context, t Tokens) (*Grant, error) {
	q := url.Values{}
	q.Set("grant_type", "ig_refresh_token")
	q.Set("access_token", t.AccessToken)
	var resp tokenResponse
	if _, err := platform.GetJSON(ctx, s.client(), "instagram", "refresh", s.BaseURL+"/refresh_access_token?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	g, err := resp.grant("instagram")
	if err != nil {
		return nil, err
	}
	if g.Scope == "" {
		g.Scope = t.Scope
	}
	return g, nil
}

// Revoke drops the app's permissions for the token's user.
func (s *InstagramStrategy) Revoke(ctx context.Context, t Tokens) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.BaseURL+"/me/permissions?access_token="+url.QueryEscape(t.AccessToken), nil)
	if err != nil {
		return err
	}
	resp, err := s.client().Do(req)
	if err != nil {
		return platform.ClassifyTransport("instagram", "revoke", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return platform.ClassifyStatus("instagram", "revoke", resp, nil)
	}
	return nil
}

func (s *InstagramStrategy) client() platform.Doer {
	if s.Client == nil {
		return http.DefaultClient
	}
	return s.Client
}

// OAuth2Strategy refreshes standard OAuth2 refresh-token grants through x/oauth2.
type OAuth2Strategy struct {
	Config    *oauth2.Config
	RevokeURL string
	// HTTPClient is injected into the oauth2 context. Nil uses the default client.
	HTTPClient *http.Client
	Window     time.Duration
	Platform   string
}

// NewGoogleStrategy returns an OAuth2Strategy for Google (YouTube) accounts.
func NewGoogleStrategy(clientID, clientSecret string, client *http.Client) *OAuth2Strategy {
	return &OAuth2Strategy{
		Config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{"https://www.googleapis.com/auth/youtube.readonly"},
		},
		RevokeURL:  "https://oauth2.googleapis.com/revoke",
		HTTPClient: client,
		Window:     5 * time.Minute,
		Platform:   "youtube",
	}
}

func (s *OAuth2Strategy) Buffer() time.Duration { return s.Window }

func (s *OAuth2Strategy) CanRefresh(t Tokens, _ time.Time) bool {
	return t.RefreshToken != ""
}

func (s *OAuth2Strategy) Refresh(ctx context.Context, t Tokens) (*Grant, error) {
	if t.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}
	ctx = s.context(ctx)
	// An already-expired token forces the token source to hit the endpoint.
	src := s.Config.TokenSource(ctx, &oauth2.Token{
		RefreshToken: t.RefreshToken,
		Expiry:       time.Unix(1, 0),
	})
	tok, err := src.Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return nil, platform.ClassifyStatus(s.Platform, "refresh", re.Response, re.Body)
		}
		return nil, platform.ClassifyTransport(s.Platform, "refresh", err)
	}
	g := &Grant{AccessToken: tok.AccessToken, Scope: t.Scope}
	if tok.RefreshToken != t.RefreshToken {
		g.RefreshToken = tok.RefreshToken
	}
	if !tok.Expiry.IsZero() {
		g.ExpiresIn = time.Until(tok.Expiry)
	}
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		g.Scope = scope
	}
	return g, nil
}

func (s *OAuth2Strategy) Revoke(ctx context.Context, t Tokens) error {
	if s.RevokeURL == "" {
		return nil
	}
	token := t.RefreshToken
	if token == "" {
		token = t.AccessToken
	}
	client := s.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	_, err := platform.PostForm(ctx, client, s.Platform, "revoke", s.RevokeURL, url.Values{"token": {token}}, nil)
	return err
}

func (s *OAuth2Strategy) context(ctx context.Context) context.Context {
	if s.HTTPClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, s.HTTPClient)
}

// TikTokStrategy refreshes TikTok Login Kit tokens.
type TikTokStrategy struct {
	ClientKey    string
	ClientSecret string
	Client       platform.Doer
	BaseURL      string
	Window       time.Duration
}

// NewTikTokStrategy returns the strategy with production defaults.
func NewTikTokStrategy(clientKey, clientSecret string, client platform.Doer) *TikTokStrategy {
	return &TikTokStrategy{
		ClientKey:    clientKey,
		ClientSecret: clientSecret,
		Client:       client,
		BaseURL:      "https://open.tiktokapis.com/v2",
		Window:       30 * time.Minute,
	}
}

func (s *TikTokStrategy) Buffer() time.Duration { return s.Window }

func (s *TikTokStrategy) CanRefresh(t Tokens, _ time.Time) bool {
	return t.RefreshToken != "" && s.ClientKey != ""
}

func (s *TikTokStrategy) Refresh(ctx context.Context, t Tokens) (*Grant, error) {
	if t.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}
	form := url.Values{}
	form.Set("client_key", s.ClientKey)
	form.Set("client_secret", s.ClientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", t.RefreshToken)

	var resp tokenResponse
	if _, err := platform.PostForm(ctx, s.client(), "tiktok", "refresh", strings.TrimRight(s.BaseURL, "/")+"/oauth/token/", form, &resp); err != nil {
		return nil, err
	}
	return resp.grant("tiktok")
}

func (s *TikTokStrategy) Revoke(ctx context.Context, t Tokens) error {
	form := url.Values{}
	form.Set("client_key", s.ClientKey)
	form.Set("client_secret", s.ClientSecret)
	form.Set("token", t.AccessToken)
	_, err := platform.PostForm(ctx, s.client(), "tiktok", "revoke", strings.TrimRight(s.BaseURL, "/")+"/oauth/revoke/", form, nil)
	return err
}

func (s *TikTokStrategy) client() platform.Doer {
	if s.Client == nil {
		return http.DefaultClient
	}
	return s.Client
}
