package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/socialpulse/socialpulse/internal/api"
	"github.com/socialpulse/socialpulse/internal/config"
	"github.com/socialpulse/socialpulse/internal/errors"
	"github.com/socialpulse/socialpulse/internal/logging"
	"github.com/socialpulse/socialpulse/internal/models"
	"github.com/socialpulse/socialpulse/internal/scheduler"
)

// Scheduler job names.
const (
	jobCollect = "collect"
	jobRefresh = "refresh-credentials"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s", "server", "run"},
	Short:   "Start the scheduler and the HTTP API",
	Long: `Start SocialPulse in main mode.

This command schedules periodic collection and credential refresh, and
serves the HTTP API for triggering runs and managing accounts.

Example:
  socialpulse serve --config config.yaml --db ./data/socialpulse.db

The configuration file is watched; log level and job intervals are applied
without a restart.`,
	RunE: runServe,
}

var serveFlags struct {
	Host       string
	Port       int
	Timeout    time.Duration
	TLS        bool
	TLSCert    string
	TLSKey     string
	TLSVersion string
	NoSchedule bool
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.Host, "host", "", "Server host (overrides config)")
	serveCmd.Flags().IntVar(&serveFlags.Port, "port", 0, "Server port (overrides config)")
	serveCmd.Flags().DurationVar(&serveFlags.Timeout, "timeout", 0, "Shutdown timeout (overrides config)")
	serveCmd.Flags().BoolVar(&serveFlags.TLS, "tls", false, "Enable TLS/HTTPS")
	serveCmd.Flags().StringVar(&serveFlags.TLSCert, "cert", "", "TLS certificate file path")
	serveCmd.Flags().StringVar(&serveFlags.TLSKey, "key", "", "TLS key file path")
	serveCmd.Flags().StringVar(&serveFlags.TLSVersion, "tls-version", "", "Minimum TLS version (1.2 or 1.3)")
	serveCmd.Flags().BoolVar(&serveFlags.NoSchedule, "no-schedule", false, "Serve the API without scheduled jobs")

	RootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(globalFlags.Config)
	cfg, err := loader.Load()
	watch := true
	var notFound *errors.ErrConfigNotFound
	if errors.As(err, &notFound) {
		watch = false
		cfg, err = config.LoadOrDefault(globalFlags.Config)
	}
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	applyFlags(cfg)
	applyServeFlags(cfg)

	if cfg.Server.TLS.Enabled {
		if err := validateTLSConfig(cfg.Server.TLS); err != nil {
			return fmt.Errorf("TLS validation failed: %w", err)
		}
	}

	logger := newLogger(cfg)
	if !watch {
		logger.Warn("configuration file not found, using defaults", "path", globalFlags.Config)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	sched := scheduler.New(
		scheduler.WithLogger(logger.With("component", "scheduler")),
		scheduler.WithMetrics(a.metrics),
	)
	if cfg.Schedule.Enabled && !serveFlags.NoSchedule {
		if err := registerJobs(sched, a, cfg.Schedule); err != nil {
			a.Shutdown(ctx)
			return err
		}
	}

	server := api.NewServer(cfg.Server, cfg.API, a.store, a.collector, a.creds,
		api.WithMetrics(a.metrics),
		api.WithLogger(logger),
		api.WithPlatforms(a.registry),
	)

	if watch {
		loader.SetLogger(logger.With("component", "config"))
		loader.SetOnChange(func(next *config.Config) {
			applyFlags(next)
			applyConfigChange(logger, sched, next)
		})
		if err := loader.Watch(ctx); err != nil {
			logger.Warn("config watch disabled", "path", loader.Path(), "error", err.Error())
		}
	}

	if err := sched.Start(ctx); err != nil {
		a.Shutdown(ctx)
		return err
	}

	signals := api.SetupSignalHandler()
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Run()
	}()

	var runErr error
	select {
	case sig := <-signals:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}
	cancel()

	// Stop the API first so no new runs start, then wait for scheduled ones.
	if err := api.ShutdownAll(cfg.Server.ShutdownTimeout, server, api.ShutdownFunc(sched.Stop), a); err != nil {
		logger.Error("shutdown finished with errors", "error", err.Error())
		if runErr == nil {
			runErr = err
		}
	}
	logger.Info("graceful shutdown completed")
	return runErr
}

func applyServeFlags(cfg *config.Config) {
	if serveFlags.Host != "" {
		cfg.Server.Host = serveFlags.Host
	}
	if serveFlags.Port != 0 {
		cfg.Server.HTTPPort = serveFlags.Port
	}
	if serveFlags.Timeout > 0 {
		cfg.Server.ShutdownTimeout = serveFlags.Timeout
	}
	if serveFlags.TLS {
		cfg.Server.TLS.Enabled = true
	}
	if serveFlags.TLSCert != "" {
		cfg.Server.TLS.CertFile = serveFlags.TLSCert
	}
	if serveFlags.TLSKey != "" {
		cfg.Server.TLS.KeyFile = serveFlags.TLSKey
	}
	if serveFlags.TLSVersion != "" {
		cfg.Server.TLS.MinVersion = serveFlags.TLSVersion
	}
}

// registerJobs adds the collection, credential refresh and per-platform jobs.
// Platforms without a registered adapter are skipped with a warning.
func registerJobs(sched *scheduler.Scheduler, a *app, sc config.ScheduleConfig) error {
	if err := sched.Add(scheduler.Job{
		Name:       jobCollect,
		Interval:   sc.CollectInterval,
		RunOnStart: sc.RunOnStart,
		Handler:    collectHandler(a, ""),
	}); err != nil {
		return err
	}

	if err := sched.Add(scheduler.Job{
		Name:     jobRefresh,
		Interval: sc.RefreshInterval,
		Handler: func(ctx context.Context) error {
			res, err := a.creds.Sweep(ctx)
			a.logger.Info("credential sweep finished",
				"checked", res.Checked,
				"refreshed", res.Refreshed,
				"deferred", res.Deferred,
				"failed", res.Failed,
			)
			return err
		},
	}); err != nil {
		return err
	}

	for _, pj := range sc.PlatformJobs() {
		if !a.registry.Has(pj.Platform) {
			a.logger.Warn("no adapter for scheduled platform, job skipped", "platform", pj.Platform)
			continue
		}
		if err := sched.Add(scheduler.Job{
			Name:     platformJobName(pj.Platform),
			Interval: pj.Interval,
			Handler:  collectHandler(a, pj.Platform),
		}); err != nil {
			return err
		}
	}
	return nil
}

func platformJobName(platform string) string {
	return jobCollect + ":" + platform
}

func collectHandler(a *app, filter string) scheduler.Handler {
	return func(ctx context.Context) error {
		summary, err := a.collector.CollectAll(ctx, filter, models.TriggerScheduler)
		if err != nil {
			return err
		}
		if summary.Status == models.RunFailed {
			return fmt.Errorf("run %s failed: %d of %d accounts", summary.RunID, summary.Failed, summary.Processed+summary.Failed)
		}
		return nil
	}
}

// applyConfigChange pushes hot-reloadable settings into running components.
func applyConfigChange(logger *logging.Logger, sched *scheduler.Scheduler, next *config.Config) {
	logger.SetLevel(logging.ParseLevel(next.Server.LogLevel))

	intervals := map[string]time.Duration{
		jobCollect: next.Schedule.CollectInterval,
		jobRefresh: next.Schedule.RefreshInterval,
	}
	for _, pj := range next.Schedule.PlatformJobs() {
		intervals[platformJobName(pj.Platform)] = pj.Interval
	}
	for _, name := range sched.Jobs() {
		d, ok := intervals[name]
		if !ok {
			continue
		}
		if err := sched.SetInterval(name, d); err != nil {
			logger.Warn("interval not applied", "job", name, "error", err.Error())
		}
	}
}

// validateTLSConfig validates TLS configuration
func validateTLSConfig(tls config.TLSConfig) error {
	if tls.CertFile == "" {
		return fmt.Errorf("TLS certificate file is required when TLS is enabled")
	}
	if tls.KeyFile == "" {
		return fmt.Errorf("TLS key file is required when TLS is enabled")
	}
	if _, err := os.Stat(tls.CertFile); os.IsNotExist(err) {
		return fmt.Errorf("TLS certificate file does not exist: %s", tls.CertFile)
	}
	if _, err := os.Stat(tls.KeyFile); os.IsNotExist(err) {
		return fmt.Errorf("TLS key file does not exist: %s", tls.KeyFile)
	}
	if tls.MinVersion != "" && tls.MinVersion != "1.2" && tls.MinVersion != "1.3" {
		return fmt.Errorf("TLS min_version must be either \"1.2\" or \"1.3\", got: %s", tls.MinVersion)
	}
	return nil
}
