package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socialpulse/socialpulse/internal/config"
	"github.com/socialpulse/socialpulse/internal/errors"
	"github.com/socialpulse/socialpulse/internal/logging"
	"github.com/socialpulse/socialpulse/internal/models"
	"github.com/socialpulse/socialpulse/internal/scheduler"
	"github.com/socialpulse/socialpulse/internal/store"
	"github.com/socialpulse/socialpulse/internal/vault"
)

type cliEnv struct {
	dir    string
	config string
	db     string
	stdin  io.Reader
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	key, err := vault.GenerateKey()
	require.NoError(t, err)
	t.Setenv(config.EnvEncryptionKey, key)
	t.Setenv(config.EnvDBPath, "")
	t.Setenv(config.EnvDBDSN, "")
	t.Setenv(config.EnvLogLevel, "error")

	dir := t.TempDir()
	return &cliEnv{
		dir:    dir,
		config: filepath.Join(dir, "missing.yaml"),
		db:     filepath.Join(dir, "socialpulse.db"),
	}
}

func (e *cliEnv) writeConfig(t *testing.T, body string) {
	t.Helper()
	e.config = filepath.Join(e.dir, "config.yaml")
	require.NoError(t, os.WriteFile(e.config, []byte(body), 0o600))
}

// resetFlags restores every flag to its default so commands do not leak state between runs.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	InitCLI()
	resetFlags(RootCmd)

	var out bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetErr(io.Discard)
	stdin := e.stdin
	if stdin == nil {
		stdin = strings.NewReader("")
	}
	RootCmd.SetIn(stdin)
	e.stdin = nil

	full := append([]string{"--config", e.config, "--db", e.db}, args...)
	err := Execute(context.Background(), full)
	return out.String(), err
}

func (e *cliEnv) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := e.run(t, args...)
	require.NoError(t, err, "socialpulse %s", strings.Join(args, " "))
	return out
}

func decodeJSON(t *testing.T, raw string, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal([]byte(raw), v), raw)
}

func blueskyServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/xrpc/app.bsky.actor.getProfile":
			fmt.Fprint(w, `{"did":"did:plc:alice","handle":"alice.bsky.social","followersCount":120,"postsCount":7}`)
		case "/xrpc/app.bsky.feed.getAuthorFeed":
			fmt.Fprint(w, `{"feed":[{"post":{"author":{"did":"did:plc:alice"},"likeCount":4,"replyCount":1}}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRootCommand(t *testing.T) {
	InitCLI()
	assert.Equal(t, "socialpulse", RootCmd.Use)
	assert.Contains(t, RootCmd.Long, "SocialPulse")

	names := map[string]bool{}
	for _, c := range RootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "collect", "accounts", "token", "runs", "keygen", "api-token", "doctor", "version"} {
		assert.True(t, names[want], "missing command %s", want)
	}
	assert.Same(t, RootCmd, GetRootCommand())
}

func TestVersionCommandJSON(t *testing.T) {
	env := newCLIEnv(t)
	out := env.mustRun(t, "version", "--json")

	var info VersionInfo
	decodeJSON(t, out, &info)
	assert.Equal(t, Version, info.Version)
	assert.NotEmpty(t, info.GoVersion)
}

func TestGlobalFlagsDefaults(t *testing.T) {
	env := newCLIEnv(t)
	env.mustRun(t, "version")

	flags := GetGlobalFlags()
	assert.Equal(t, env.config, flags.Config)
	assert.Equal(t, env.db, flags.DBPath)
	assert.False(t, flags.Verbose)
	assert.False(t, flags.JSON)
}

func TestAccountsLifecycle(t *testing.T) {
	env := newCLIEnv(t)

	out := env.mustRun(t, "accounts", "list")
	assert.Contains(t, out, "No accounts")

	out = env.mustRun(t, "accounts", "add", "Bluesky", "alice.bsky.social", "--id", "acc-1", "--name", "Alice")
	assert.Contains(t, out, "Added account acc-1 (bluesky:alice.bsky.social)")

	out = env.mustRun(t, "accounts", "add", "youtube", "https://www.youtube.com/@channel", "--id", "acc-2", "--inactive", "--json")
	var added map[string]interface{}
	decodeJSON(t, out, &added)
	assert.Equal(t, "https://www.youtube.com/@channel", added["url"])
	assert.Equal(t, "", added["external_id"])
	assert.Equal(t, false, added["active"])

	out = env.mustRun(t, "accounts", "list")
	assert.Contains(t, out, "acc-1")
	assert.Contains(t, out, "https://www.youtube.com/@channel")

	env.mustRun(t, "accounts", "deactivate", "acc-1")
	env.mustRun(t, "accounts", "activate", "acc-2")

	out = env.mustRun(t, "accounts", "list", "--json")
	var rows []map[string]interface{}
	decodeJSON(t, out, &rows)
	require.Len(t, rows, 2)
	active := map[string]bool{}
	for _, r := range rows {
		active[r["id"].(string)] = r["active"].(bool)
		assert.Equal(t, false, r["has_credential"])
	}
	assert.Equal(t, map[string]bool{"acc-1": false, "acc-2": true}, active)

	env.mustRun(t, "accounts", "remove", "acc-2")
	_, err := env.run(t, "accounts", "remove", "acc-2")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestAccountsAddRejectsInvalidInput(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run(t, "accounts", "add", "myspace", "tom")
	var unsupported *errors.UnsupportedPlatformError
	require.True(t, errors.As(err, &unsupported))
	assert.Equal(t, "myspace", unsupported.Key)
	assert.Contains(t, unsupported.Known, "bluesky")

	_, err = env.run(t, "accounts", "add", "bluesky", "alice", "--id", "dup")
	require.NoError(t, err)
	_, err = env.run(t, "accounts", "add", "bluesky", "bob", "--id", "dup")
	assert.True(t, errors.Is(err, store.ErrConflict))

	_, err = env.run(t, "accounts", "add", "bluesky")
	assert.Error(t, err)
}

func TestTokenSaveAndRevoke(t *testing.T) {
	env := newCLIEnv(t)
	env.mustRun(t, "accounts", "add", "instagram", "17841400000", "--id", "ig-1")

	env.stdin = strings.NewReader("IGQVJ-secret-token\n")
	out := env.mustRun(t, "token", "save", "ig-1", "--access-token", "-", "--expires-in", "1440h", "--scope", "instagram_basic")
	assert.Contains(t, out, "Credential stored for ig-1")

	out = env.mustRun(t, "accounts", "list", "--json")
	assert.NotContains(t, out, "IGQVJ-secret-token")
	var rows []map[string]interface{}
	decodeJSON(t, out, &rows)
	require.Len(t, rows, 1)
	assert.Equal(t, true, rows[0]["has_credential"])
	assert.NotEmpty(t, rows[0]["credential_expires_at"])

	env.mustRun(t, "token", "revoke", "ig-1")
	out = env.mustRun(t, "accounts", "list", "--json")
	rows = nil
	decodeJSON(t, out, &rows)
	assert.Equal(t, false, rows[0]["has_credential"])
}

func TestTokenSaveErrors(t *testing.T) {
	env := newCLIEnv(t)
	env.mustRun(t, "accounts", "add", "telegram", "durov", "--id", "tg-1")

	_, err := env.run(t, "token", "save", "tg-1")
	assert.Error(t, err, "--access-token is required")

	env.stdin = strings.NewReader("\n")
	_, err = env.run(t, "token", "save", "tg-1", "--access-token", "-")
	assert.ErrorContains(t, err, "empty")

	_, err = env.run(t, "token", "save", "tg-1", "--access-token", "x", "--expires-in", "-1h")
	assert.ErrorContains(t, err, "negative")

	_, err = env.run(t, "token", "save", "nobody", "--access-token", "x")
	assert.True(t, errors.Is(err, store.ErrNotFound))

	_, err = env.run(t, "token", "revoke", "nobody")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestCollectAndRuns(t *testing.T) {
	env := newCLIEnv(t)
	srv := blueskyServer(t, http.StatusOK)
	env.writeConfig(t, fmt.Sprintf(`version: "1"
collector:
  retry_delay: 1ms
platforms:
  endpoints:
    bluesky: %s
`, srv.URL))

	out := env.mustRun(t, "runs")
	assert.Contains(t, out, "No collection runs yet")

	env.mustRun(t, "accounts", "add", "bluesky", "alice.bsky.social", "--id", "acc-1")

	out = env.mustRun(t, "collect", "--json")
	var summary models.RunSummary
	decodeJSON(t, out, &summary)
	assert.Equal(t, models.RunSuccess, summary.Status)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 0, summary.Failed)
	require.Len(t, summary.SuccessDetails, 1)
	assert.Equal(t, "acc-1", summary.SuccessDetails[0].AccountID)

	out = env.mustRun(t, "collect", "--platform", "bluesky")
	assert.Contains(t, out, "success (processed 1, failed 0)")
	assert.Contains(t, out, "acc-1")

	out = env.mustRun(t, "runs", "--json")
	var runs []models.CollectionRun
	decodeJSON(t, out, &runs)
	require.Len(t, runs, 2)
	assert.Equal(t, models.TriggerCLI, runs[0].Trigger)
	assert.Equal(t, "bluesky", runs[0].PlatformFilter, "newest first")

	out = env.mustRun(t, "runs", summary.RunID)
	assert.Contains(t, out, summary.RunID)
	assert.Contains(t, out, "success")

	_, err := env.run(t, "runs", "missing-run")
	assert.True(t, errors.Is(err, store.ErrNotFound))
	_, err = env.run(t, "runs", "--limit", "0")
	assert.Error(t, err)
}

func TestCollectFailedRunExitsNonZero(t *testing.T) {
	env := newCLIEnv(t)
	srv := blueskyServer(t, http.StatusNotFound)
	env.writeConfig(t, fmt.Sprintf(`version: "1"
collector:
  retry_attempts: 1
platforms:
  endpoints:
    bluesky: %s
`, srv.URL))
	env.mustRun(t, "accounts", "add", "bluesky", "ghost", "--id", "acc-1")

	out, err := env.run(t, "collect")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed")
	assert.Contains(t, out, "failed (processed 0, failed 1)")

	out = env.mustRun(t, "runs", "--json")
	var runs []models.CollectionRun
	decodeJSON(t, out, &runs)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunFailed, runs[0].Status)
	assert.Contains(t, runs[0].ErrorSummary, "bluesky:ghost")
}

func TestCollectRejectsUnknownPlatform(t *testing.T) {
	env := newCLIEnv(t)
	_, err := env.run(t, "collect", "--platform", "friendster")
	var unsupported *errors.UnsupportedPlatformError
	assert.True(t, errors.As(err, &unsupported))

	out, err := env.run(t, "runs", "--json")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out, "no run is recorded for a rejected filter")
}

func TestKeygen(t *testing.T) {
	env := newCLIEnv(t)
	out := env.mustRun(t, "keygen")
	key, err := vault.ParseKey(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Len(t, key, 32)

	out = env.mustRun(t, "keygen", "--json")
	var payload map[string]string
	decodeJSON(t, out, &payload)
	assert.NotEmpty(t, payload["encryption_key"])
}

func TestAPIToken(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run(t, "api-token")
	assert.ErrorContains(t, err, "jwt")

	env.writeConfig(t, `version: "1"
api:
  auth:
    enabled: true
    type: jwt
    secret: 0123456789abcdef0123456789abcdef
    issuer: socialpulse
`)
	out := env.mustRun(t, "api-token", "--subject", "dashboard", "--ttl", "1h")
	assert.Len(t, strings.Split(strings.TrimSpace(out), "."), 3)

	_, err = env.run(t, "api-token", "--ttl", "0s")
	assert.Error(t, err)
}

func TestDoctorReportsHealthyInstall(t *testing.T) {
	env := newCLIEnv(t)
	env.mustRun(t, "accounts", "add", "bluesky", "alice", "--id", "acc-1")

	out := env.mustRun(t, "doctor", "--json")
	var report DoctorReport
	decodeJSON(t, out, &report)
	assert.False(t, report.Failed())

	byName := map[string]DoctorCheck{}
	for _, c := range report.Checks {
		byName[c.Category+"/"+c.Name] = c
	}
	assert.Equal(t, statusOK, byName["Database/Connection"].Status)
	assert.Equal(t, statusOK, byName["Credentials/Encryption Key"].Status)
	assert.Equal(t, statusWarn, byName["Configuration/Config File"].Status)
	assert.Equal(t, statusWarn, byName["Notifications/Channels"].Status)
	assert.Contains(t, byName["Platforms/Accounts"].Message, "1 accounts (1 active)")

	out = env.mustRun(t, "doctor")
	assert.Contains(t, out, "SocialPulse Doctor Report")
	assert.Contains(t, out, "--- Database ---")
}

func TestDoctorFailsOnInvalidKey(t *testing.T) {
	env := newCLIEnv(t)
	t.Setenv(config.EnvEncryptionKey, "not-a-key")

	out, err := env.run(t, "doctor", "--json")
	require.Error(t, err)
	var report DoctorReport
	decodeJSON(t, out, &report)
	assert.True(t, report.Failed())
	assert.NotEmpty(t, report.Recommendations)
}

func TestDoctorFlagsUndecryptableTokens(t *testing.T) {
	env := newCLIEnv(t)
	env.mustRun(t, "accounts", "add", "telegram", "durov", "--id", "tg-1")
	env.mustRun(t, "token", "save", "tg-1", "--access-token", "bot-token")

	other, err := vault.GenerateKey()
	require.NoError(t, err)
	t.Setenv(config.EnvEncryptionKey, other)

	out, err := env.run(t, "doctor", "--json")
	require.Error(t, err)
	var report DoctorReport
	decodeJSON(t, out, &report)
	found := false
	for _, c := range report.Checks {
		if c.Category == "Credentials" && c.Name == "tg-1" {
			found = true
			assert.Equal(t, statusFail, c.Status)
		}
	}
	assert.True(t, found)
}

func testApp(t *testing.T, cfg *config.Config) *app {
	t.Helper()
	a, err := buildApp(cfg, logging.Nop(), store.NewMemoryStore())
	require.NoError(t, err)
	return a
}

func TestRegisterJobs(t *testing.T) {
	cfg := config.Defaults()
	cfg.Schedule.Platforms = map[string]time.Duration{"Bluesky": time.Hour, "myspace": time.Hour}
	a := testApp(t, cfg)

	sched := scheduler.New()
	require.NoError(t, registerJobs(sched, a, cfg.Schedule))
	assert.Equal(t, []string{"collect", "collect:bluesky", "refresh-credentials"}, sched.Jobs())

	stats, ok := sched.Stats(jobCollect)
	require.True(t, ok)
	assert.Equal(t, (6 * time.Hour).String(), stats.Interval)
}

func TestApplyConfigChange(t *testing.T) {
	cfg := config.Defaults()
	cfg.Schedule.Platforms = map[string]time.Duration{"bluesky": time.Hour}
	a := testApp(t, cfg)
	sched := scheduler.New()
	require.NoError(t, registerJobs(sched, a, cfg.Schedule))

	logger := logging.NewLogger(logging.WithOutput(io.Discard))
	next := config.Defaults()
	next.Server.LogLevel = "debug"
	next.Schedule.CollectInterval = 2 * time.Hour
	next.Schedule.Platforms = map[string]time.Duration{"bluesky": 15 * time.Minute}
	applyConfigChange(logger, sched, next)

	assert.Equal(t, logging.LevelDebug, logger.Level())
	stats, _ := sched.Stats(jobCollect)
	assert.Equal(t, "2h0m0s", stats.Interval)
	stats, _ = sched.Stats("collect:bluesky")
	assert.Equal(t, "15m0s", stats.Interval)
	stats, _ = sched.Stats(jobRefresh)
	assert.Equal(t, "1h0m0s", stats.Interval)
}

func TestCollectHandlerReportsFailedRuns(t *testing.T) {
	a := testApp(t, config.Defaults())
	ctx := context.Background()
	require.NoError(t, collectHandler(a, "")(ctx), "an empty run is not a failure")

	require.NoError(t, a.store.CreateAccount(ctx, &models.Account{ID: "x", Platform: "orkut", ExternalID: "x", Active: true}))
	assert.Error(t, collectHandler(a, "")(ctx))
}

func TestValidateTLSConfig(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "cert.pem")
	key := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(cert, []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(key, []byte("x"), 0o600))

	tests := []struct {
		name    string
		tls     config.TLSConfig
		wantErr bool
	}{
		{"valid", config.TLSConfig{Enabled: true, CertFile: cert, KeyFile: key, MinVersion: "1.2"}, false},
		{"missing cert", config.TLSConfig{Enabled: true, KeyFile: key}, true},
		{"missing key", config.TLSConfig{Enabled: true, CertFile: cert}, true},
		{"cert not on disk", config.TLSConfig{Enabled: true, CertFile: filepath.Join(dir, "nope"), KeyFile: key}, true},
		{"bad version", config.TLSConfig{Enabled: true, CertFile: cert, KeyFile: key, MinVersion: "1.1"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateTLSConfig(tt.tls)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGenerateRecommendations(t *testing.T) {
	recs := generateRecommendations([]DoctorCheck{{Status: statusOK}})
	assert.Equal(t, []string{"System is healthy. No recommendations needed."}, recs)

	recs = generateRecommendations([]DoctorCheck{
		{Category: "Credentials", Name: "Encryption Key", Status: statusFail, Remediation: "fix the key"},
		{Category: "Notifications", Name: "Channels", Status: statusWarn, Remediation: "enable one"},
	})
	require.Len(t, recs, 3)
	assert.Equal(t, "[Credentials] Encryption Key: fix the key", recs[0])
	assert.Contains(t, recs[2], "1 critical issue(s) and 1 warning(s)")
}

func TestReadSecret(t *testing.T) {
	s, err := readSecret(strings.NewReader("  token-value \nignored\n"))
	require.NoError(t, err)
	assert.Equal(t, "token-value", s)

	s, err = readSecret(strings.NewReader("no-newline"))
	require.NoError(t, err)
	assert.Equal(t, "no-newline", s)
}

func TestExecuteWithErrorCode(t *testing.T) {
	env := newCLIEnv(t)
	InitCLI()
	resetFlags(RootCmd)
	RootCmd.SetOut(io.Discard)
	RootCmd.SetErr(io.Discard)
	assert.Equal(t, 1, ExecuteWithErrorCode(context.Background(), []string{"--db", env.db, "no-such-command"}))
}
