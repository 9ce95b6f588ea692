package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/socialpulse/socialpulse/internal/adapters"
	"github.com/socialpulse/socialpulse/internal/collector"
	"github.com/socialpulse/socialpulse/internal/config"
	"github.com/socialpulse/socialpulse/internal/credentials"
	"github.com/socialpulse/socialpulse/internal/errors"
	"github.com/socialpulse/socialpulse/internal/logging"
	"github.com/socialpulse/socialpulse/internal/metrics"
	"github.com/socialpulse/socialpulse/internal/notify"
	"github.com/socialpulse/socialpulse/internal/platform"
	"github.com/socialpulse/socialpulse/internal/retry"
	"github.com/socialpulse/socialpulse/internal/store"
	"github.com/socialpulse/socialpulse/internal/vault"
)

func defaultConfigPath() string {
	if p := os.Getenv(config.EnvConfigPath); p != "" {
		return p
	}
	return "config.yaml"
}

// loadConfig reads --config, falling back to defaults when the file is
// absent. --db overrides the database path.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(globalFlags.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	applyFlags(cfg)
	return cfg, nil
}

func applyFlags(cfg *config.Config) {
	if globalFlags.DBPath != "" {
		cfg.Database.Driver = "sqlite"
		cfg.Database.Path = globalFlags.DBPath
	}
	if globalFlags.Verbose {
		cfg.Server.LogLevel = string(logging.LevelDebug)
	}
}

// newLogger writes JSON logs to stderr so stdout stays clean for tables and --json.
func newLogger(cfg *config.Config) *logging.Logger {
	return logging.NewLogger(
		logging.WithOutput(os.Stderr),
		logging.WithLevel(logging.ParseLevel(cfg.Server.LogLevel)),
		logging.WithService("socialpulse"),
	)
}

func openStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*store.SQLStore, error) {
	st, err := store.Open(ctx, store.Options{
		Driver: cfg.Database.Driver,
		DSN:    cfg.Database.DSN,
		Path:   cfg.Database.Path,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Database.Driver, err)
	}
	return st, nil
}

// app is everything a collection pass needs, built from one configuration.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	metrics   *metrics.Metrics
	store     store.Store
	client    *platform.RotatingClient
	cipher    *vault.Cipher
	creds     *credentials.Store
	registry  *platform.Registry
	notifier  *notify.Multi
	collector *collector.Orchestrator
}

func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*app, error) {
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a, err := buildApp(cfg, logger, st)
	if err != nil {
		st.Close()
		return nil, err
	}
	return a, nil
}

// buildApp wires an app around an already open store.
func buildApp(cfg *config.Config, logger *logging.Logger, st store.Store) (*app, error) {
	cipher, _, err := vault.Load(cfg.Credentials.EncryptionKey, logger)
	if err != nil {
		// Invalid key material must stop the process: guessing would strand every stored token.
		return nil, fmt.Errorf("credential encryption key: %w", err)
	}

	m := metrics.NewMetrics("socialpulse")
	client := platform.NewRotatingClient(platform.ClientOptions{
		Timeout:   cfg.Collector.Timeout,
		UTLS:      cfg.Collector.UTLS,
		UserAgent: cfg.Collector.UserAgent,
	})

	creds := credentials.New(st, cipher, credentialOptions(cfg, logger, m, client)...)

	registry := platform.NewRegistry()
	adapters.Register(registry, adapters.Options{
		Client:          client,
		SampleSize:      cfg.Collector.SampleSize,
		Endpoints:       adapters.Endpoints(cfg.Platforms.Endpoints),
		YouTubeAPIKey:   cfg.Platforms.YouTubeAPIKey,
		ThreadsHeadless: cfg.Platforms.Threads.Headless,
		ChromePath:      cfg.Platforms.Threads.ChromePath,
		Logger:          logger,
	})

	notifier, err := buildNotifier(cfg, logger, m, client)
	if err != nil {
		return nil, err
	}

	policy := retry.DefaultPolicy()
	policy.MaxAttempts = cfg.Collector.RetryAttempts
	policy.InitialDelay = cfg.Collector.RetryDelay
	policy.BackoffFactor = cfg.Collector.BackoffFactor

	opts := []collector.Option{
		collector.WithMetrics(m),
		collector.WithLogger(logger.With("component", "collector")),
	}
	if notifier.Len() > 0 {
		opts = append(opts, collector.WithNotifier(notifier))
	}
	orch := collector.New(st, registry, creds, collector.Config{
		Timeout: cfg.Collector.Timeout,
		Retry:   policy,
	}, opts...)

	return &app{
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		store:     st,
		client:    client,
		cipher:    cipher,
		creds:     creds,
		registry:  registry,
		notifier:  notifier,
		collector: orch,
	}, nil
}

func credentialOptions(cfg *config.Config, logger *logging.Logger, m *metrics.Metrics, client *platform.RotatingClient) []credentials.Option {
	ig := credentials.NewInstagramStrategy(client)
	if w := cfg.Credentials.Instagram.RefreshWindow; w > 0 {
		ig.Window = w
	}
	if age := cfg.Credentials.Instagram.MinTokenAge; age > 0 {
		ig.MinAge = age
	}

	opts := []credentials.Option{
		credentials.WithLogger(logger.With("component", "credentials")),
		credentials.WithMetrics(m),
		credentials.WithStrategy(adapters.Instagram, ig),
	}
	if g := cfg.Credentials.Google; g.Configured() {
		opts = append(opts, credentials.WithStrategy(adapters.YouTube,
			credentials.NewGoogleStrategy(g.ClientID, g.ClientSecret, client.HTTPClient())))
	}
	if tt := cfg.Credentials.TikTok; tt.Configured() {
		opts = append(opts, credentials.WithStrategy(adapters.TikTok,
			credentials.NewTikTokStrategy(tt.ClientID, tt.ClientSecret, client)))
	}
	return opts
}

func buildNotifier(cfg *config.Config, logger *logging.Logger, m *metrics.Metrics, client *platform.RotatingClient) (*notify.Multi, error) {
	var channels []notify.Channel
	if tg := cfg.Notify.Telegram; tg.Enabled {
		ch, err := notify.NewTelegram(tg.BotToken, tg.ChatID, notify.WithTelegramClient(client.HTTPClient()))
		if err != nil {
			return nil, fmt.Errorf("telegram notifier: %w", err)
		}
		channels = append(channels, ch)
	}
	if d := cfg.Notify.Discord; d.Enabled {
		ch, err := notify.NewDiscord(d.WebhookURL, d.Username, client.HTTPClient())
		if err != nil {
			return nil, fmt.Errorf("discord notifier: %w", err)
		}
		channels = append(channels, ch)
	}
	return notify.NewMulti(m, logger.With("component", "notify"), channels...), nil
}

// requirePlatform rejects filters no adapter can serve.
func (a *app) requirePlatform(key string) error {
	if key == "" || a.registry.Has(key) {
		return nil
	}
	return &errors.UnsupportedPlatformError{Key: key, Known: a.registry.Keys()}
}

// Shutdown closes the store. It satisfies api.Shutdownable.
func (a *app) Shutdown(context.Context) error {
	return a.store.Close()
}

func printJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
