package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socialpulse/socialpulse/internal/errors"
)

const sampleYAML = `
version: "1"
server:
  host: "0.0.0.0"
  http_port: 9000
  log_level: debug
api:
  enabled: true
  auth:
    enabled: true
    type: api_key
    api_keys: ["${TEST_SP_API_KEY}"]
database:
  path: /tmp/socialpulse-test.db
credentials:
  encryption_key: "${TEST_SP_KEY}"
  google:
    client_id: gid
    client_secret: gsecret
collector:
  timeout: 10s
  retry_attempts: 4
  retry_delay: 500ms
  backoff_factor: 3
schedule:
  collect_interval: 2h
  refresh_interval: 30m
  platforms:
    Instagram: 12h
    bluesky: 1h
platforms:
  endpoints:
    bluesky: https://bsky.example
notify:
  discord:
    enabled: true
    webhook_url: https://discord.com/api/webhooks/1/abc
`

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "missing version", mutate: func(c *Config) { c.Version = "" }, wantErr: "version is required"},
		{name: "bad port", mutate: func(c *Config) { c.Server.HTTPPort = 70000 }, wantErr: "server: http_port"},
		{name: "tls without cert", mutate: func(c *Config) { c.Server.TLS.Enabled = true }, wantErr: "cert_file"},
		{name: "api key auth without keys", mutate: func(c *Config) { c.API.Auth.Enabled = true }, wantErr: "at least one api key"},
		{name: "short jwt secret", mutate: func(c *Config) {
			c.API.Auth = AuthConfig{Enabled: true, Type: AuthJWT, Secret: "short"}
		}, wantErr: "jwt secret"},
		{name: "unknown auth type", mutate: func(c *Config) {
			c.API.Auth = AuthConfig{Enabled: true, Type: "basic"}
		}, wantErr: "unknown type"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Database.Driver = "postgres" }, wantErr: "dsn is required"},
		{name: "unknown driver", mutate: func(c *Config) { c.Database.Driver = "mysql" }, wantErr: "unsupported driver"},
		{name: "zero timeout", mutate: func(c *Config) { c.Collector.Timeout = 0 }, wantErr: "collector: timeout"},
		{name: "zero attempts", mutate: func(c *Config) { c.Collector.RetryAttempts = 0 }, wantErr: "retry_attempts"},
		{name: "shrinking backoff", mutate: func(c *Config) { c.Collector.BackoffFactor = 0.5 }, wantErr: "backoff_factor"},
		{name: "zero collect interval", mutate: func(c *Config) { c.Schedule.CollectInterval = 0 }, wantErr: "collect_interval"},
		{name: "bad platform interval", mutate: func(c *Config) {
			c.Schedule.Platforms = map[string]time.Duration{"bluesky": 0}
		}, wantErr: "platforms.bluesky"},
		{name: "bad endpoint", mutate: func(c *Config) { c.Platforms.Endpoints.YouTube = "not a url" }, wantErr: "endpoints.youtube"},
		{name: "telegram without chat", mutate: func(c *Config) {
			c.Notify.Telegram = TelegramNotifyConfig{Enabled: true, BotToken: "t"}
		}, wantErr: "chat_id"},
		{name: "discord without webhook", mutate: func(c *Config) { c.Notify.Discord.Enabled = true }, wantErr: "webhook_url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Defaults()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateFillsDefaults(t *testing.T) {
	c := Defaults()
	c.Server.ShutdownTimeout = 0
	c.API.BasePath = ""
	c.API.Auth = AuthConfig{Enabled: true, APIKeys: []string{"k"}}
	c.Database = DatabaseConfig{}
	require.NoError(t, c.Validate())

	assert.Equal(t, 30*time.Second, c.Server.ShutdownTimeout)
	assert.Equal(t, "/api/v1", c.API.BasePath)
	assert.Equal(t, AuthAPIKey, c.API.Auth.Type)
	assert.Equal(t, "X-API-Key", c.API.Auth.HeaderName)
	assert.Equal(t, "sqlite", c.Database.Driver)
	assert.Equal(t, "data/socialpulse.db", c.Database.Path)
}

func TestParse(t *testing.T) {
	t.Setenv("TEST_SP_API_KEY", "key-123")
	t.Setenv("TEST_SP_KEY", "")

	c, err := Parse(substituteEnvVars([]byte(sampleYAML)))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", c.Server.Host)
	assert.Equal(t, 9000, c.Server.HTTPPort)
	assert.Equal(t, 30*time.Second, c.Server.ShutdownTimeout, "default kept")
	assert.Equal(t, []string{"key-123"}, c.API.Auth.APIKeys)
	assert.Equal(t, "/tmp/socialpulse-test.db", c.Database.Path)
	assert.True(t, c.Credentials.Google.Configured())
	assert.False(t, c.Credentials.TikTok.Configured())
	assert.Equal(t, 7*24*time.Hour, c.Credentials.Instagram.RefreshWindow)
	assert.Equal(t, 10*time.Second, c.Collector.Timeout)
	assert.Equal(t, 4, c.Collector.RetryAttempts)
	assert.Equal(t, 500*time.Millisecond, c.Collector.RetryDelay)
	assert.Equal(t, 3.0, c.Collector.BackoffFactor)
	assert.Equal(t, 20, c.Collector.SampleSize, "default kept")
	assert.Equal(t, "https://bsky.example", c.Platforms.Endpoints.Bluesky)
	assert.True(t, c.Notify.Discord.Enabled)

	assert.Equal(t, []PlatformJob{
		{Platform: "bluesky", Interval: time.Hour},
		{Platform: "instagram", Interval: 12 * time.Hour},
	}, c.Schedule.PlatformJobs())
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("server: [unterminated"))
	var parseErr *errors.ErrConfigParse
	assert.ErrorAs(t, err, &parseErr)
}

func TestParse_InvalidConfig(t *testing.T) {
	_, err := Parse([]byte("collector:\n  retry_attempts: 0\n"))
	var valErr *errors.ErrConfigValidation
	require.ErrorAs(t, err, &valErr)
	assert.Contains(t, err.Error(), "retry_attempts")
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("TEST_SP_API_KEY", "key-123")
	t.Setenv("TEST_SP_KEY", "file-key")
	t.Setenv(EnvDBPath, "/var/lib/sp.db")
	t.Setenv(EnvEncryptionKey, "env-key")
	t.Setenv(EnvLogLevel, "warn")

	path := writeConfig(t, t.TempDir(), sampleYAML)
	l := NewLoader(path)
	c, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/sp.db", c.Database.Path)
	assert.Equal(t, "env-key", c.Credentials.EncryptionKey)
	assert.Equal(t, "warn", c.Server.LogLevel)
	assert.Same(t, c, l.Get())
	assert.Equal(t, path, l.Path())
}

func TestLoadDSNSwitchesToPostgres(t *testing.T) {
	t.Setenv(EnvDBDSN, "postgres://u:p@localhost/sp?sslmode=disable")
	c, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "postgres", c.Database.Driver)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := NewLoader(filepath.Join(t.TempDir(), "nope.yaml")).Load()
	var notFound *errors.ErrConfigNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestLoadFromEnv_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv(EnvConfigPath, filepath.Join(t.TempDir(), "absent.yaml"))
	c, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, Defaults().Schedule, c.Schedule)
}

func TestLoadFromEnv_InvalidFileFails(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "version: \"\"\n")
	t.Setenv(EnvConfigPath, path)
	_, err := LoadFromEnv()
	assert.Error(t, err)
}

func TestReloadCallsOnChange(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "schedule:\n  collect_interval: 1h\n")
	l := NewLoader(path)
	_, err := l.Load()
	require.NoError(t, err)

	var got atomic.Value
	l.SetOnChange(func(c *Config) { got.Store(c.Schedule.CollectInterval) })
	require.NoError(t, os.WriteFile(path, []byte("schedule:\n  collect_interval: 3h\n"), 0o600))
	_, err = l.Reload()
	require.NoError(t, err)
	assert.Equal(t, 3*time.Hour, got.Load())
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "schedule:\n  collect_interval: 1h\n")
	l := NewLoader(path)
	_, err := l.Load()
	require.NoError(t, err)

	changes := make(chan time.Duration, 4)
	l.SetOnChange(func(c *Config) { changes <- c.Schedule.CollectInterval })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, l.Watch(ctx))

	// Push the mtime forward so the change is visible on coarse filesystems.
	require.NoError(t, os.WriteFile(path, []byte("schedule:\n  collect_interval: 2h\n"), 0o600))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	select {
	case d := <-changes:
		assert.Equal(t, 2*time.Hour, d)
	case <-time.After(3 * time.Second):
		t.Fatal("config change not observed")
	}
}

func TestWatchKeepsPreviousConfigOnInvalidFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "schedule:\n  collect_interval: 1h\n")
	l := NewLoader(path)
	before, err := l.Load()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("schedule:\n  collect_interval: -1h\n"), 0o600))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))
	l.checkFileChange()
	assert.Same(t, before, l.Get())
}

func TestMustLoad_Panic(t *testing.T) {
	assert.Panics(t, func() { MustLoad(filepath.Join(t.TempDir(), "nope.yaml")) })
}
