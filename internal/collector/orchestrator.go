// Package collector runs collection passes over tracked accounts.
package collector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/socialpulse/socialpulse/internal/errors"
	"github.com/socialpulse/socialpulse/internal/logging"
	"github.com/socialpulse/socialpulse/internal/metrics"
	"github.com/socialpulse/socialpulse/internal/models"
	"github.com/socialpulse/socialpulse/internal/platform"
	"github.com/socialpulse/socialpulse/internal/retry"
	"github.com/socialpulse/socialpulse/internal/store"
)

// Credentials is the part of the credential store the orchestrator uses.
type Credentials interface {
	TokenSource(acc *models.Account) platform.TokenSource
	ForceRefresh(ctx context.Context, acc *models.Account) (string, bool)
}

// Notifier is told about runs that did not fully succeed.
type Notifier interface {
	NotifyRun(ctx context.Context, summary *models.RunSummary) error
}

// Config holds configuration for the orchestrator
type Config struct {
	// Timeout bounds every external call: the availability probe and each fetch attempt.
	Timeout time.Duration
	Retry   retry.Policy
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Timeout: 30 * time.Second,
		Retry:   retry.DefaultPolicy(),
	}
}

// Orchestrator runs one sequential pass across eligible accounts per call.
type Orchestrator struct {
	store    store.Store
	registry *platform.Registry
	creds    Credentials
	cfg      Config

	metrics  *metrics.Metrics
	logger   *logging.Logger
	notifier Notifier
	now      func() time.Time
	newID    func() string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics records run and attempt metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithNotifier sets where partial and failed runs are reported.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDGenerator replaces uuid generation for run and snapshot IDs.
func WithIDGenerator(gen func() string) Option {
	return func(o *Orchestrator) { o.newID = gen }
}

// New creates an orchestrator. creds may be nil when no adapter needs tokens.
func New(s store.Store, registry *platform.Registry, creds Credentials, cfg Config, opts ...Option) *Orchestrator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	o := &Orchestrator{
		store:    s,
		registry: registry,
		creds:    creds,
		cfg:      cfg,
		logger:   logging.Nop(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CollectAll runs one pass over active accounts whose platform matches filter
// (empty matches all). The returned error is non-nil only when the run record
// could not be created or finalized; every account failure lands in the summary.
func (o *Orchestrator) CollectAll(ctx context.Context, filter string, trigger models.RunTrigger) (summary *models.RunSummary, err error) {
	run := &models.CollectionRun{
		ID:             o.newID(),
		StartedAt:      o.now().UTC(),
		Status:         models.RunRunning,
		PlatformFilter: models.NormalizePlatform(filter),
		Trigger:        trigger,
	}
	ctx = logging.WithCorrelationID(ctx, run.ID)
	logger := o.logger.With("run_id", run.ID)

	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	logger.InfoWithContext(ctx, "collection run started", "platform_filter", run.PlatformFilter, "trigger", string(trigger))

	summary = &models.RunSummary{
		RunID:          run.ID,
		StartedAt:      run.StartedAt,
		SuccessDetails: []models.AccountResult{},
		ErrorDetails:   []models.AccountResult{},
	}

	var abort string
	defer func() {
		if r := recover(); r != nil {
			abort = fmt.Sprintf("run aborted: %v", r)
		}
		err = o.finalize(ctx, run, summary, abort)
	}()

	accounts, lerr := o.store.ListAccounts(ctx)
	if lerr != nil {
		abort = fmt.Sprintf("list accounts: %v", lerr)
		return summary, nil
	}

	for _, acc := range models.AccountSlice(accounts).Eligible(run.PlatformFilter) {
		if cerr := ctx.Err(); cerr != nil {
			abort = fmt.Sprintf("run canceled: %v", cerr)
			break
		}
		res, aerr := o.attempt(ctx, run.ID, acc)
		if aerr != nil {
			res.Kind = errors.KindOf(aerr)
			res.Message = aerr.Error()
			summary.ErrorDetails = append(summary.ErrorDetails, res)
			summary.Failed++
			logger.WarnWithContext(ctx, "account collection failed",
				"account_id", acc.ID, "platform", acc.Platform, "kind", res.Kind, "error", aerr)
			continue
		}
		summary.SuccessDetails = append(summary.SuccessDetails, res)
		summary.Processed++
	}
	return summary, nil
}

func (o *Orchestrator) finalize(ctx context.Context, run *models.CollectionRun, summary *models.RunSummary, abort string) error {
	finished := o.now().UTC()
	summary.FinishedAt = finished
	summary.Status = models.DeriveStatus(summary.Processed, summary.Failed, abort != "")

	lines := summary.ErrorLines()
	if abort != "" {
		lines = strings.TrimPrefix(lines+"\n"+abort, "\n")
	}

	run.FinishedAt = &finished
	run.Status = summary.Status
	run.Processed = summary.Processed
	run.Failed = summary.Failed
	run.ErrorSummary = lines

	// A canceled run still gets its final record.
	wctx := context.WithoutCancel(ctx)
	logger := o.logger.With("run_id", run.ID)
	o.metrics.RecordRun(string(run.Status), string(run.Trigger), finished.Sub(run.StartedAt).Seconds())
	logger.InfoWithContext(wctx, "collection run finished",
		"status", string(run.Status), "processed", run.Processed, "failed", run.Failed)

	ferr := o.store.FinishRun(wctx, run)
	if ferr != nil {
		logger.ErrorWithContext(wctx, "failed to finalize run record", "error", ferr)
		ferr = fmt.Errorf("finalize run %s: %w", run.ID, ferr)
	}

	if run.Status != models.RunSuccess && o.notifier != nil {
		if nerr := o.notifier.NotifyRun(wctx, summary); nerr != nil {
			logger.WarnWithContext(wctx, "run notification failed", "error", nerr)
		}
	}
	return ferr
}

// attempt collects one account. Panics are recovered into a failure.
func (o *Orchestrator) attempt(ctx context.Context, runID string, acc *models.Account) (res models.AccountResult, err error) {
	res = models.AccountResult{AccountID: acc.ID, Platform: acc.Platform, ExternalID: acc.ExternalID}
	if res.ExternalID == "" {
		res.ExternalID = acc.ID
	}
	start := o.now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("adapter panic: %v", r)
		}
		outcome, kind := "success", ""
		if err != nil {
			outcome, kind = "failure", errors.KindOf(err)
		}
		o.metrics.RecordAttempt(acc.Platform, outcome, kind, o.now().Sub(start).Seconds())
	}()

	adapter, err := o.registry.Create(acc.Platform, acc.ID, acc.URL)
	if err != nil {
		return res, err
	}
	defer func() {
		if cerr := adapter.Close(); cerr != nil {
			o.logger.WarnWithContext(ctx, "adapter close failed", "account_id", acc.ID, "error", cerr)
		}
	}()

	binding := platform.Binding{Account: acc}
	if o.creds != nil {
		binding.Tokens = o.creds.TokenSource(acc)
	}
	adapter.Bind(binding)

	pctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	available := adapter.IsAvailable(pctx)
	cancel()
	if !available {
		return res, errors.Unavailable(acc.Platform, "probe", nil)
	}

	snap, err := o.fetch(ctx, adapter, acc)
	// A token the platform rejected gets one forced refresh. When no token
	// could be resolved, the store has already tried.
	if errors.Is(err, errors.ErrAuthExpired) && !errors.Is(err, errors.ErrNoCredential) && o.creds != nil {
		if _, ok := o.creds.ForceRefresh(ctx, acc); ok {
			o.logger.InfoWithContext(ctx, "credential refreshed after rejection, retrying", "account_id", acc.ID)
			snap, err = o.fetch(ctx, adapter, acc)
		}
	}
	if err != nil {
		return res, err
	}

	if snap.ID == "" {
		snap.ID = o.newID()
	}
	snap.AccountID = acc.ID
	snap.RunID = runID
	if snap.CollectedAt.IsZero() {
		snap.CollectedAt = o.now().UTC()
	}
	if err := o.store.CreateSnapshot(ctx, snap); err != nil {
		return res, fmt.Errorf("persist snapshot: %w", err)
	}
	if snap.Followers != nil {
		o.metrics.SetFollowers(acc.ID, acc.Platform, *snap.Followers)
	}
	res.SnapshotID = snap.ID
	return res, nil
}

func (o *Orchestrator) fetch(ctx context.Context, adapter platform.Adapter, acc *models.Account) (*models.MetricsSnapshot, error) {
	policy := o.cfg.Retry
	userHook := policy.OnRetry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		o.metrics.RecordRetry(acc.Platform, errors.KindOf(err))
		o.logger.DebugWithContext(ctx, "retrying fetch",
			"account_id", acc.ID, "attempt", attempt, "delay", delay.String(), "error", err)
		if userHook != nil {
			userHook(attempt, delay, err)
		}
	}
	return retry.Do(ctx, policy, func(ctx context.Context) (*models.MetricsSnapshot, error) {
		cctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
		snap, err := adapter.FetchMetrics(cctx)
		if err != nil {
			return nil, err
		}
		if snap == nil {
			return nil, errors.Malformed(acc.Platform, "fetch", fmt.Errorf("adapter returned no snapshot"))
		}
		return snap, nil
	})
}
