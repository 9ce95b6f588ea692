package cli

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/socialpulse/socialpulse/internal/config"
	"github.com/socialpulse/socialpulse/internal/errors"
	"github.com/socialpulse/socialpulse/internal/models"
	"github.com/socialpulse/socialpulse/internal/platform"
	"github.com/socialpulse/socialpulse/internal/vault"
)

// Check statuses.
const (
	statusOK   = "OK"
	statusWarn = "WARN"
	statusFail = "FAIL"
)

var doctorCategories = []string{"System", "Configuration", "Database", "Credentials", "Platforms", "Notifications"}

// doctorCmd represents the doctor command
var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose configuration, database and credentials",
	Long: `Perform a diagnostic of a SocialPulse installation.

This command checks:
- Configuration file and encryption key
- Database connectivity
- Stored credentials (decryptable, not expired)
- Accounts on platforms without an adapter
- Notification channels

With --probe every active account's platform is contacted once with a
side-effect free availability check.

Example:
  socialpulse doctor --probe`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

var doctorFlags struct {
	Probe bool
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorFlags.Probe, "probe", false, "Check platform reachability for every active account")
	RootCmd.AddCommand(doctorCmd)
}

// DoctorReport represents the complete diagnostic report
type DoctorReport struct {
	Timestamp       time.Time     `json:"timestamp"`
	Checks          []DoctorCheck `json:"checks"`
	Recommendations []string      `json:"recommendations"`
}

// DoctorCheck represents a single diagnostic check
type DoctorCheck struct {
	Category    string `json:"category"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Message     string `json:"message"`
	Severity    string `json:"severity,omitempty"`
	Remediation string `json:"remediation,omitempty"`
}

func (r *DoctorReport) add(c DoctorCheck) {
	r.Checks = append(r.Checks, c)
}

// Failed reports whether any check failed.
func (r *DoctorReport) Failed() bool {
	for _, c := range r.Checks {
		if c.Status == statusFail {
			return true
		}
	}
	return false
}

func runDoctor(cmd *cobra.Command, args []string) error {
	report := diagnose(commandContext(cmd))
	if err := outputDoctorReport(cmd.OutOrStdout(), report); err != nil {
		return err
	}
	if report.Failed() {
		return fmt.Errorf("doctor found critical issues")
	}
	return nil
}

func diagnose(ctx context.Context) *DoctorReport {
	report := &DoctorReport{Timestamp: time.Now().UTC()}
	report.add(DoctorCheck{
		Category: "System",
		Name:     "Runtime",
		Status:   statusOK,
		Message:  fmt.Sprintf("%s %s/%s (CPUs: %d), socialpulse %s", runtime.Version(), runtime.GOOS, runtime.GOARCH, runtime.NumCPU(), Version),
	})

	cfg, ok := checkConfig(report)
	if !ok {
		report.Recommendations = generateRecommendations(report.Checks)
		return report
	}
	keyOK := checkEncryptionKey(report, cfg)

	logger := newLogger(cfg)
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		report.add(DoctorCheck{
			Category:    "Database",
			Name:        "Connection",
			Status:      statusFail,
			Message:     err.Error(),
			Severity:    "high",
			Remediation: "Check database.driver, database.path or database.dsn",
		})
		report.Recommendations = generateRecommendations(report.Checks)
		return report
	}
	report.add(DoctorCheck{Category: "Database", Name: "Connection", Status: statusOK, Message: describeDatabase(cfg.Database)})

	if !keyOK {
		st.Close()
		report.Recommendations = generateRecommendations(report.Checks)
		return report
	}
	a, err := buildApp(cfg, logger, st)
	if err != nil {
		st.Close()
		report.add(DoctorCheck{Category: "Configuration", Name: "Components", Status: statusFail, Message: err.Error(), Severity: "high"})
		report.Recommendations = generateRecommendations(report.Checks)
		return report
	}
	defer a.Shutdown(context.Background())

	accounts, err := a.store.ListAccounts(ctx)
	if err != nil {
		report.add(DoctorCheck{Category: "Database", Name: "Accounts", Status: statusFail, Message: err.Error(), Severity: "high"})
	} else {
		checkAccounts(report, a, accounts)
		checkCredentials(report, a, accounts, time.Now())
		if doctorFlags.Probe {
			probeAccounts(ctx, report, a, accounts)
		}
	}
	checkSchedule(report, a, cfg.Schedule)
	checkNotifications(report, a)

	report.Recommendations = generateRecommendations(report.Checks)
	return report
}

func checkConfig(report *DoctorReport) (*config.Config, bool) {
	check := DoctorCheck{Category: "Configuration", Name: "Config File"}

	cfg, err := config.NewLoader(globalFlags.Config).Load()
	var notFound *errors.ErrConfigNotFound
	switch {
	case errors.As(err, &notFound):
		cfg, err = config.LoadOrDefault(globalFlags.Config)
		if err != nil {
			check.Status = statusFail
			check.Message = err.Error()
			check.Severity = "high"
			report.add(check)
			return nil, false
		}
		check.Status = statusWarn
		check.Message = fmt.Sprintf("Config file not found: %s, using defaults", globalFlags.Config)
		check.Severity = "low"
		check.Remediation = "Create config.yaml or pass --config"
	case err != nil:
		check.Status = statusFail
		check.Message = fmt.Sprintf("Config file invalid: %v", err)
		check.Severity = "high"
		check.Remediation = "Check config.yaml syntax and values"
		report.add(check)
		return nil, false
	default:
		check.Status = statusOK
		check.Message = fmt.Sprintf("Config file loaded: %s", globalFlags.Config)
	}
	report.add(check)
	applyFlags(cfg)
	return cfg, true
}

func checkEncryptionKey(report *DoctorReport, cfg *config.Config) bool {
	check := DoctorCheck{Category: "Credentials", Name: "Encryption Key"}
	material := strings.TrimSpace(cfg.Credentials.EncryptionKey)
	if material == "" {
		check.Status = statusWarn
		check.Message = "No encryption key configured; an ephemeral key is generated per process"
		check.Severity = "high"
		check.Remediation = "Run 'socialpulse keygen' and set credentials.encryption_key or " + config.EnvEncryptionKey
		report.add(check)
		return true
	}
	if _, err := vault.ParseKey(material); err != nil {
		check.Status = statusFail
		check.Message = err.Error()
		check.Severity = "high"
		check.Remediation = "The key must be base64 of exactly 32 bytes; generate one with 'socialpulse keygen'"
		report.add(check)
		return false
	}
	check.Status = statusOK
	check.Message = "Encryption key is valid"
	report.add(check)
	return true
}

func describeDatabase(db config.DatabaseConfig) string {
	if db.Driver == "postgres" {
		return "postgres (dsn configured)"
	}
	return fmt.Sprintf("%s at %s", db.Driver, db.Path)
}

func checkAccounts(report *DoctorReport, a *app, accounts []*models.Account) {
	active := 0
	for _, acc := range accounts {
		if acc.Active {
			active++
		}
		if !a.registry.Has(acc.Platform) {
			report.add(DoctorCheck{
				Category:    "Platforms",
				Name:        acc.ID,
				Status:      statusWarn,
				Message:     fmt.Sprintf("No adapter for platform %q; runs will record this account as failed", acc.Platform),
				Severity:    "medium",
				Remediation: fmt.Sprintf("Deactivate it with 'socialpulse accounts deactivate %s'", acc.ID),
			})
		}
	}

	check := DoctorCheck{
		Category: "Platforms",
		Name:     "Accounts",
		Status:   statusOK,
		Message:  fmt.Sprintf("%d accounts (%d active); adapters: %s", len(accounts), active, strings.Join(a.registry.Keys(), ", ")),
	}
	if active == 0 {
		check.Status = statusWarn
		check.Severity = "medium"
		check.Remediation = "Add an account with 'socialpulse accounts add <platform> <id-or-url>'"
	}
	report.add(check)
}

func checkCredentials(report *DoctorReport, a *app, accounts []*models.Account, now time.Time) {
	stored := 0
	for _, acc := range accounts {
		if !acc.HasCredential() {
			continue
		}
		stored++
		if _, err := a.cipher.Decrypt(acc.Credential.AccessToken); err != nil {
			report.add(DoctorCheck{
				Category:    "Credentials",
				Name:        acc.ID,
				Status:      statusFail,
				Message:     "Stored token cannot be decrypted with the configured key",
				Severity:    "high",
				Remediation: fmt.Sprintf("Restore the original key or store a new token with 'socialpulse token save %s'", acc.ID),
			})
			continue
		}
		cred := acc.Credential
		if !cred.NeverExpires() && !now.Before(cred.ExpiresAt) && cred.RefreshToken == "" {
			report.add(DoctorCheck{
				Category:    "Credentials",
				Name:        acc.ID,
				Status:      statusWarn,
				Message:     fmt.Sprintf("Token expired at %s and cannot be refreshed", formatTime(cred.ExpiresAt)),
				Severity:    "medium",
				Remediation: fmt.Sprintf("Store a new token with 'socialpulse token save %s'", acc.ID),
			})
		}
	}
	report.add(DoctorCheck{
		Category: "Credentials",
		Name:     "Stored Tokens",
		Status:   statusOK,
		Message:  fmt.Sprintf("%d accounts have a stored credential", stored),
	})
}

func probeAccounts(ctx context.Context, report *DoctorReport, a *app, accounts []*models.Account) {
	for _, acc := range accounts {
		if !acc.Active || !a.registry.Has(acc.Platform) {
			continue
		}
		report.add(probeAccount(ctx, a, acc))
	}
}

func probeAccount(ctx context.Context, a *app, acc *models.Account) DoctorCheck {
	check := DoctorCheck{Category: "Platforms", Name: "probe " + acc.Label()}
	adapter, err := a.registry.Create(acc.Platform, acc.ID, acc.URL)
	if err != nil {
		check.Status = statusFail
		check.Message = err.Error()
		check.Severity = "medium"
		return check
	}
	defer adapter.Close()
	adapter.Bind(platform.Binding{Account: acc, Tokens: a.creds.TokenSource(acc)})

	probeCtx, cancel := context.WithTimeout(ctx, a.cfg.Collector.Timeout)
	defer cancel()
	if adapter.IsAvailable(probeCtx) {
		check.Status = statusOK
		check.Message = "reachable"
		return check
	}
	check.Status = statusWarn
	check.Message = "platform did not answer the availability check"
	check.Severity = "medium"
	return check
}

func checkSchedule(report *DoctorReport, a *app, sc config.ScheduleConfig) {
	for _, pj := range sc.PlatformJobs() {
		if !a.registry.Has(pj.Platform) {
			report.add(DoctorCheck{
				Category:    "Configuration",
				Name:        "Schedule",
				Status:      statusWarn,
				Message:     fmt.Sprintf("schedule.platforms.%s has no adapter and is ignored", pj.Platform),
				Severity:    "low",
				Remediation: "Remove the entry or fix the platform key",
			})
		}
	}
}

func checkNotifications(report *DoctorReport, a *app) {
	check := DoctorCheck{Category: "Notifications", Name: "Channels", Status: statusOK}
	if n := a.notifier.Len(); n > 0 {
		check.Message = fmt.Sprintf("%d channel(s) notified on partial or failed runs", n)
	} else {
		check.Status = statusWarn
		check.Message = "No notification channel enabled"
		check.Severity = "low"
		check.Remediation = "Enable notify.telegram or notify.discord to hear about failed runs"
	}
	report.add(check)
}

func generateRecommendations(checks []DoctorCheck) []string {
	recommendations := []string{}

	failCount := 0
	warnCount := 0

	for _, check := range checks {
		if check.Status == statusFail {
			failCount++
		}
		if check.Status == statusWarn {
			warnCount++
		}
		if check.Status != statusOK && check.Remediation != "" {
			recommendations = append(recommendations, fmt.Sprintf("[%s] %s: %s", check.Category, check.Name, check.Remediation))
		}
	}

	if failCount == 0 && warnCount == 0 {
		recommendations = append(recommendations, "System is healthy. No recommendations needed.")
	} else if failCount > 0 {
		recommendations = append(recommendations, fmt.Sprintf("Found %d critical issue(s) and %d warning(s). Please address the critical issues first.", failCount, warnCount))
	}

	return recommendations
}

func outputDoctorReport(out io.Writer, report *DoctorReport) error {
	if globalFlags.JSON {
		return printJSON(out, report)
	}
	return outputDoctorReportTable(out, report)
}

func outputDoctorReportTable(out io.Writer, report *DoctorReport) error {
	fmt.Fprintln(out, "=== SocialPulse Doctor Report ===")
	fmt.Fprintf(out, "Generated: %s\n", report.Timestamp.Format(time.RFC3339))

	for _, category := range doctorCategories {
		var rows []DoctorCheck
		for _, check := range report.Checks {
			if check.Category == category {
				rows = append(rows, check)
			}
		}
		if len(rows) == 0 {
			continue
		}
		fmt.Fprintf(out, "\n--- %s ---\n", category)
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		for _, check := range rows {
			fmt.Fprintf(w, "%s %s:\t%s\n", statusIcon(check.Status), check.Name, check.Message)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(out, "\n--- Recommendations ---")
	for _, rec := range report.Recommendations {
		fmt.Fprintf(out, "• %s\n", rec)
	}
	return nil
}

func statusIcon(status string) string {
	switch status {
	case statusOK:
		return "✓"
	case statusFail:
		return "✗"
	default:
		return "!"
	}
}
