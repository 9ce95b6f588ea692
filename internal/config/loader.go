package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/socialpulse/socialpulse/internal/errors"
	"github.com/socialpulse/socialpulse/internal/logging"
)

// Environment variables read on top of the file.
const (
	EnvConfigPath    = "SOCIALPULSE_CONFIG_PATH"
	EnvDBPath        = "SOCIALPULSE_DB_PATH"
	EnvDBDSN         = "SOCIALPULSE_DB_DSN"
	EnvEncryptionKey = "SOCIALPULSE_ENCRYPTION_KEY"
	EnvLogLevel      = "SOCIALPULSE_LOG_LEVEL"
)

// reloadDebounce coalesces the burst of events editors emit on save.
const reloadDebounce = 200 * time.Millisecond

// Loader handles configuration loading and hot-reloading
type Loader struct {
	path     string
	mu       sync.RWMutex
	config   *Config
	lastMod  time.Time
	onChange func(*Config)
	logger   *logging.Logger
}

// NewLoader creates a new configuration loader
func NewLoader(path string) *Loader {
	return &Loader{
		path:   path,
		logger: logging.Nop(),
	}
}

// SetLogger sets where reload failures are reported.
func (l *Loader) SetLogger(logger *logging.Logger) {
	l.mu.Lock()
	l.logger = logger
	l.mu.Unlock()
}

// Path returns the watched file.
func (l *Loader) Path() string {
	return l.path
}

// Load reads the configuration from the file
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	info, err := os.Stat(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &errors.ErrConfigNotFound{Path: l.path}
		}
		return nil, err
	}

	content, err := os.ReadFile(l.path)
	if err != nil {
		return nil, &errors.ErrFileRead{Path: l.path, Err: err}
	}

	config, err := decode(substituteEnvVars(content))
	if err != nil {
		return nil, err
	}
	ApplyEnv(config)
	if err := config.Validate(); err != nil {
		return nil, &errors.ErrConfigValidation{Err: err}
	}

	l.config = config
	l.lastMod = info.ModTime()

	return config, nil
}

// Reload forces a reload of the configuration
func (l *Loader) Reload() (*Config, error) {
	config, err := l.Load()
	if err != nil {
		return nil, err
	}

	l.mu.RLock()
	onChange := l.onChange
	l.mu.RUnlock()

	if onChange != nil {
		onChange(config)
	}

	return config, nil
}

// Get returns the current configuration
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// SetOnChange sets a callback to be called when configuration changes
func (l *Loader) SetOnChange(fn func(*Config)) {
	l.mu.Lock()
	l.onChange = fn
	l.mu.Unlock()
}

// Watch reloads the file whenever it changes until ctx is done. The parent
// directory is watched so that atomic-rename saves are seen. An invalid new
// file is logged and the previous configuration stays in effect.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}
	target := filepath.Clean(l.path)

	go func() {
		defer watcher.Close()
		var (
			timer   *time.Timer
			pending <-chan time.Time
		)
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
					if timer != nil {
						timer.Stop()
					}
					timer = time.NewTimer(reloadDebounce)
					pending = timer.C
				}
			case <-pending:
				pending = nil
				l.checkFileChange()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.log().Warn("config watcher error", "path", l.path, "error", err.Error())
			}
		}
	}()

	return nil
}

func (l *Loader) log() *logging.Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.logger
}

func (l *Loader) checkFileChange() {
	info, err := os.Stat(l.path)
	if err != nil {
		return
	}

	l.mu.RLock()
	lastMod := l.lastMod
	l.mu.RUnlock()

	if !info.ModTime().After(lastMod) {
		return
	}
	if _, err := l.Reload(); err != nil {
		l.log().Error("config reload failed, keeping previous configuration", "path", l.path, "error", err.Error())
		return
	}
	l.log().Info("config reloaded", "path", l.path)
}

// LoadFromEnv loads configuration using path from environment variable or default.
// A missing file yields the defaults with environment overrides applied.
func LoadFromEnv() (*Config, error) {
	path := os.Getenv(EnvConfigPath)
	if path == "" {
		path = "config.yaml"
	}
	return LoadOrDefault(path)
}

// LoadOrDefault loads path, falling back to Defaults when it does not exist.
func LoadOrDefault(path string) (*Config, error) {
	config, err := NewLoader(path).Load()
	var notFound *errors.ErrConfigNotFound
	if errors.As(err, &notFound) {
		config = Defaults()
		ApplyEnv(config)
		if err := config.Validate(); err != nil {
			return nil, &errors.ErrConfigValidation{Err: err}
		}
		return config, nil
	}
	return config, err
}

// MustLoad loads configuration or panics on error
func MustLoad(path string) *Config {
	loader := NewLoader(path)
	config, err := loader.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return config
}

// Defaults returns the configuration used when no file overrides a value.
func Defaults() *Config {
	return &Config{
		Version: "1",
		Server: ServerConfig{
			Host:            "127.0.0.1",
			HTTPPort:        8320,
			ShutdownTimeout: 30 * time.Second,
			LogLevel:        "info",
			LogFormat:       "json",
		},
		API: APIConfig{
			Enabled:   true,
			BasePath:  "/api/v1",
			RateLimit: RateLimitConfig{RequestsPerMinute: 120, Burst: 20},
		},
		Database: DatabaseConfig{Driver: "sqlite", Path: "data/socialpulse.db"},
		Credentials: CredentialsConfig{
			Instagram: InstagramRefresh{RefreshWindow: 7 * 24 * time.Hour, MinTokenAge: 24 * time.Hour},
		},
		Collector: CollectorConfig{
			Timeout:       30 * time.Second,
			RetryAttempts: 3,
			RetryDelay:    time.Second,
			BackoffFactor: 2,
			SampleSize:    20,
		},
		Schedule: ScheduleConfig{
			Enabled:         true,
			CollectInterval: 6 * time.Hour,
			RefreshInterval: time.Hour,
			RunOnStart:      true,
		},
	}
}

// Parse parses configuration from byte slice
func Parse(data []byte) (*Config, error) {
	config, err := decode(data)
	if err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, &errors.ErrConfigValidation{Err: err}
	}

	return config, nil
}

// decode applies defaults, then the YAML document on top.
func decode(data []byte) (*Config, error) {
	config := Defaults()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, &errors.ErrConfigParse{Err: err}
	}
	return config, nil
}

// ApplyEnv overrides file values with SOCIALPULSE_* variables.
func ApplyEnv(c *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvDBPath)); v != "" {
		c.Database.Path = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDBDSN)); v != "" {
		c.Database.Driver = "postgres"
		c.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvEncryptionKey)); v != "" {
		c.Credentials.EncryptionKey = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		c.Server.LogLevel = v
	}
}

func substituteEnvVars(content []byte) []byte {
	return []byte(os.ExpandEnv(string(content)))
}
