package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Config represents the complete application configuration.
type Config struct {
	Version     string            `yaml:"version"`
	Server      ServerConfig      `yaml:"server"`
	API         APIConfig         `yaml:"api"`
	Database    DatabaseConfig    `yaml:"database"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Collector   CollectorConfig   `yaml:"collector"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Platforms   PlatformsConfig   `yaml:"platforms"`
	Notify      NotifyConfig      `yaml:"notify"`
}

// ServerConfig contains server-related configuration.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	HTTPPort        int           `yaml:"http_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
	TLS             TLSConfig     `yaml:"tls"`
}

// TLSConfig contains TLS configuration.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	MinVersion string `yaml:"min_version"` // "1.2" or "1.3"
}

// APIConfig contains API-related configuration.
type APIConfig struct {
	Enabled   bool            `yaml:"enabled"`
	BasePath  string          `yaml:"base_path"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	CORS      CORSConfig      `yaml:"cors"`
}

// Auth types.
const (
	AuthAPIKey = "api_key"
	AuthJWT    = "jwt"
)

// AuthConfig contains authentication configuration.
type AuthConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Type       string   `yaml:"type"` // "api_key" or "jwt"
	Secret     string   `yaml:"secret"`
	APIKeys    []string `yaml:"api_keys"`
	HeaderName string   `yaml:"header_name"`
	Issuer     string   `yaml:"issuer"`
}

// RateLimitConfig contains rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// CORSConfig contains CORS configuration.
type CORSConfig struct {
	Enabled bool     `yaml:"enabled"`
	Origins []string `yaml:"origins"`
	Methods []string `yaml:"methods"`
}

// DatabaseConfig selects the persistence backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// CredentialsConfig holds the token cipher key and OAuth app credentials
// used by refresh strategies.
type CredentialsConfig struct {
	// EncryptionKey is base64 of 32 bytes. Empty generates an ephemeral key.
	EncryptionKey string           `yaml:"encryption_key"`
	Google        OAuthApp         `yaml:"google"`
	TikTok        OAuthApp         `yaml:"tiktok"`
	Instagram     InstagramRefresh `yaml:"instagram"`
}

// OAuthApp is a client registration with a platform.
type OAuthApp struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// Configured reports whether both halves are set.
func (o OAuthApp) Configured() bool {
	return o.ClientID != "" && o.ClientSecret != ""
}

// InstagramRefresh tunes the long-lived token refresh.
type InstagramRefresh struct {
	RefreshWindow time.Duration `yaml:"refresh_window"`
	MinTokenAge   time.Duration `yaml:"min_token_age"`
}

// CollectorConfig contains collector configuration.
type CollectorConfig struct {
	// Timeout bounds every external call an adapter makes.
	Timeout       time.Duration `yaml:"timeout"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	// SampleSize is the number of recent posts summed into likes/comments.
	SampleSize int    `yaml:"sample_size"`
	UTLS       bool   `yaml:"utls"`
	UserAgent  string `yaml:"user_agent"`
}

// ScheduleConfig contains job cadences.
type ScheduleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	CollectInterval time.Duration `yaml:"collect_interval"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	RunOnStart      bool          `yaml:"run_on_start"`
	// Platforms adds a dedicated collect:<platform> job per entry.
	Platforms map[string]time.Duration `yaml:"platforms"`
}

// PlatformJobs returns per-platform cadences sorted by platform key.
func (s ScheduleConfig) PlatformJobs() []PlatformJob {
	jobs := make([]PlatformJob, 0, len(s.Platforms))
	for p, d := range s.Platforms {
		jobs = append(jobs, PlatformJob{Platform: strings.ToLower(strings.TrimSpace(p)), Interval: d})
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Platform < jobs[j].Platform })
	return jobs
}

// PlatformJob is one entry of ScheduleConfig.Platforms.
type PlatformJob struct {
	Platform string
	Interval time.Duration
}

// PlatformsConfig holds adapter settings.
type PlatformsConfig struct {
	Endpoints     EndpointsConfig `yaml:"endpoints"`
	YouTubeAPIKey string          `yaml:"youtube_api_key"`
	Threads       ThreadsConfig   `yaml:"threads"`
}

// EndpointsConfig overrides platform base URLs.
type EndpointsConfig struct {
	Bluesky   string `yaml:"bluesky"`
	Instagram string `yaml:"instagram"`
	YouTube   string `yaml:"youtube"`
	TikTok    string `yaml:"tiktok"`
	Telegram  string `yaml:"telegram"`
	Threads   string `yaml:"threads"`
}

// ThreadsConfig controls the headless browser fallback.
type ThreadsConfig struct {
	Headless   bool   `yaml:"headless"`
	ChromePath string `yaml:"chrome_path"`
}

// NotifyConfig lists where partial and failed runs are reported.
type NotifyConfig struct {
	Telegram TelegramNotifyConfig `yaml:"telegram"`
	Discord  DiscordNotifyConfig  `yaml:"discord"`
}

// TelegramNotifyConfig contains Telegram bot notification settings.
type TelegramNotifyConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

// DiscordNotifyConfig contains Discord webhook notification settings.
type DiscordNotifyConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	Username   string `yaml:"username"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("version is required")
	}

	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	if err := c.API.Validate(); err != nil {
		return fmt.Errorf("api: %w", err)
	}

	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := c.Collector.Validate(); err != nil {
		return fmt.Errorf("collector: %w", err)
	}

	if err := c.Schedule.Validate(); err != nil {
		return fmt.Errorf("schedule: %w", err)
	}

	if err := c.Platforms.Validate(); err != nil {
		return fmt.Errorf("platforms: %w", err)
	}

	if err := c.Notify.Validate(); err != nil {
		return fmt.Errorf("notify: %w", err)
	}

	return nil
}

// Validate validates server configuration.
func (s *ServerConfig) Validate() error {
	if s.Host == "" {
		return fmt.Errorf("host is required")
	}
	if s.HTTPPort <= 0 || s.HTTPPort > 65535 {
		return fmt.Errorf("http_port must be between 1 and 65535")
	}
	if s.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = 30 * time.Second
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if s.LogFormat == "" {
		s.LogFormat = "json"
	}
	if s.TLS.Enabled {
		if s.TLS.CertFile == "" {
			return fmt.Errorf("tls cert_file is required when TLS is enabled")
		}
		if s.TLS.KeyFile == "" {
			return fmt.Errorf("tls key_file is required when TLS is enabled")
		}
		if s.TLS.MinVersion != "" && s.TLS.MinVersion != "1.2" && s.TLS.MinVersion != "1.3" {
			return fmt.Errorf("tls min_version must be either \"1.2\" or \"1.3\"")
		}
		if s.TLS.MinVersion == "" {
			s.TLS.MinVersion = "1.3"
		}
	}
	return nil
}

// Validate validates API configuration.
func (a *APIConfig) Validate() error {
	if a.BasePath == "" {
		a.BasePath = "/api/v1"
	}
	if !strings.HasPrefix(a.BasePath, "/") {
		return fmt.Errorf("base_path must start with /")
	}
	if a.RateLimit.RequestsPerMinute < 0 || a.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	if !a.Auth.Enabled {
		return nil
	}
	if a.Auth.Type == "" {
		a.Auth.Type = AuthAPIKey
	}
	if a.Auth.HeaderName == "" {
		a.Auth.HeaderName = "X-API-Key"
	}
	switch a.Auth.Type {
	case AuthAPIKey:
		if len(a.Auth.APIKeys) == 0 {
			return fmt.Errorf("auth: at least one api key is required")
		}
	case AuthJWT:
		if len(a.Auth.Secret) < 32 {
			return fmt.Errorf("auth: jwt secret must be at least 32 bytes")
		}
	default:
		return fmt.Errorf("auth: unknown type %q", a.Auth.Type)
	}
	return nil
}

// Validate validates database configuration.
func (d *DatabaseConfig) Validate() error {
	switch strings.ToLower(d.Driver) {
	case "", "sqlite", "sqlite3":
		d.Driver = "sqlite"
		if d.Path == "" {
			d.Path = "data/socialpulse.db"
		}
	case "postgres", "postgresql":
		d.Driver = "postgres"
		if d.DSN == "" {
			return fmt.Errorf("dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported driver %q", d.Driver)
	}
	return nil
}

// Validate validates collector configuration.
func (c *CollectorConfig) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("retry_attempts must be at least 1")
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry_delay must not be negative")
	}
	if c.BackoffFactor < 1 {
		return fmt.Errorf("backoff_factor must be at least 1")
	}
	if c.SampleSize < 0 {
		return fmt.Errorf("sample_size must not be negative")
	}
	return nil
}

// Validate validates schedule configuration.
func (s *ScheduleConfig) Validate() error {
	if s.CollectInterval <= 0 {
		return fmt.Errorf("collect_interval must be positive")
	}
	if s.RefreshInterval <= 0 {
		return fmt.Errorf("refresh_interval must be positive")
	}
	for p, d := range s.Platforms {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("platforms: empty platform key")
		}
		if d <= 0 {
			return fmt.Errorf("platforms.%s: interval must be positive", p)
		}
	}
	return nil
}

// Validate validates endpoint overrides.
func (p *PlatformsConfig) Validate() error {
	e := p.Endpoints
	for name, raw := range map[string]string{
		"bluesky": e.Bluesky, "instagram": e.Instagram, "youtube": e.YouTube,
		"tiktok": e.TikTok, "telegram": e.Telegram, "threads": e.Threads,
	} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("endpoints.%s: invalid URL %q", name, raw)
		}
	}
	return nil
}

// Validate validates notification configuration.
func (n *NotifyConfig) Validate() error {
	if n.Telegram.Enabled {
		if n.Telegram.BotToken == "" {
			return fmt.Errorf("telegram: bot_token is required when enabled")
		}
		if n.Telegram.ChatID == 0 {
			return fmt.Errorf("telegram: chat_id is required when enabled")
		}
	}
	if n.Discord.Enabled && n.Discord.WebhookURL == "" {
		return fmt.Errorf("discord: webhook_url is required when enabled")
	}
	return nil
}
