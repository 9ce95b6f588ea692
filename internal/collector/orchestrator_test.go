package collector

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socialpulse/socialpulse/internal/credentials"
	"github.com/socialpulse/socialpulse/internal/errors"
	"github.com/socialpulse/socialpulse/internal/models"
	"github.com/socialpulse/socialpulse/internal/platform"
	"github.com/socialpulse/socialpulse/internal/retry"
	"github.com/socialpulse/socialpulse/internal/store"
	"github.com/socialpulse/socialpulse/internal/vault"
)

// script describes how a scriptedAdapter behaves.
type script struct {
	errs        []error
	unavailable bool
	panics      bool
	needsToken  bool
	rejectToken string
}

// scriptedAdapter returns errs in order, then a snapshot.
type scriptedAdapter struct {
	platform.Base
	script
	calls  *atomic.Int32
	closed *atomic.Int32
}

func (a *scriptedAdapter) IsAvailable(context.Context) bool { return !a.unavailable }

func (a *scriptedAdapter) FetchMetrics(ctx context.Context) (*models.MetricsSnapshot, error) {
	n := int(a.calls.Add(1))
	if a.panics {
		panic("selector exploded")
	}
	if a.needsToken {
		token, ok := a.Token(ctx)
		if !ok {
			return nil, errors.MissingCredential(a.Name, "fetch")
		}
		if token == a.rejectToken {
			return nil, errors.AuthExpired(a.Name, "fetch", fmt.Errorf("token rejected"))
		}
	}
	if n <= len(a.errs) {
		return nil, a.errs[n-1]
	}
	snap := a.NewSnapshot()
	snap.Followers = models.Int64(100)
	return snap, nil
}

func (a *scriptedAdapter) Close() error {
	a.closed.Add(1)
	return nil
}

type harness struct {
	store    *store.MemoryStore
	registry *platform.Registry
	calls    map[string]*atomic.Int32
	closed   atomic.Int32
	sleeps   []time.Duration
	mu       sync.Mutex
}

func newHarness() *harness {
	return &harness{
		store:    store.NewMemoryStore(),
		registry: platform.NewRegistry(),
		calls:    map[string]*atomic.Int32{},
	}
}

func (h *harness) register(key string, s script) {
	counter := &atomic.Int32{}
	h.calls[key] = counter
	h.registry.Register(key, func(accountID, accountURL string) (platform.Adapter, error) {
		return &scriptedAdapter{
			Base:   platform.Base{Name: key, AccountID: accountID, AccountURL: accountURL},
			script: s,
			calls:  counter,
			closed: &h.closed,
		}, nil
	})
}

func (h *harness) addAccount(t *testing.T, id, platformKey string, active bool) {
	t.Helper()
	require.NoError(t, h.store.CreateAccount(context.Background(), &models.Account{
		ID: id, Platform: platformKey, ExternalID: "ext-" + id, Active: active,
	}))
}

func (h *harness) policy() retry.Policy {
	return retry.Policy{
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		BackoffFactor: 2,
		Sleep: func(_ context.Context, d time.Duration) error {
			h.mu.Lock()
			h.sleeps = append(h.sleeps, d)
			h.mu.Unlock()
			return nil
		},
	}
}

func (h *harness) orchestrator(creds Credentials, opts ...Option) *Orchestrator {
	return New(h.store, h.registry, creds, Config{Timeout: time.Second, Retry: h.policy()}, opts...)
}

func TestCollectAllZeroAccounts(t *testing.T) {
	h := newHarness()
	sum, err := h.orchestrator(nil).CollectAll(context.Background(), "", models.TriggerCLI)
	require.NoError(t, err)
	assert.Equal(t, models.RunSuccess, sum.Status)
	assert.Zero(t, sum.Processed)
	assert.Zero(t, sum.Failed)
	assert.NotNil(t, sum.SuccessDetails)
	assert.NotNil(t, sum.ErrorDetails)

	run, err := h.store.GetRun(context.Background(), sum.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunSuccess, run.Status)
	require.NotNil(t, run.FinishedAt)
}

func TestCollectAllPlatformFilter(t *testing.T) {
	h := newHarness()
	h.register("alpha", script{})
	h.register("beta", script{})
	for _, id := range []string{"a1", "a2", "a3"} {
		h.addAccount(t, id, "alpha", true)
	}
	h.addAccount(t, "b1", "beta", true)
	h.addAccount(t, "b2", "beta", true)

	sum, err := h.orchestrator(nil).CollectAll(context.Background(), "ALPHA", models.TriggerAPI)
	require.NoError(t, err)
	assert.Equal(t, models.RunSuccess, sum.Status)
	assert.Equal(t, 3, sum.Processed)
	assert.Equal(t, int32(3), h.calls["alpha"].Load())
	assert.Equal(t, int32(0), h.calls["beta"].Load())

	for _, id := range []string{"b1", "b2"} {
		snaps, err := h.store.ListSnapshots(context.Background(), id, 0)
		require.NoError(t, err)
		assert.Empty(t, snaps)
	}
	snaps, err := h.store.ListSnapshots(context.Background(), "a2", 0)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, sum.RunID, snaps[0].RunID)

	run, err := h.store.GetRun(context.Background(), sum.RunID)
	require.NoError(t, err)
	assert.Equal(t, "alpha", run.PlatformFilter)
	assert.Equal(t, models.TriggerAPI, run.Trigger)
}

func TestCollectAllIsolatesFailures(t *testing.T) {
	h := newHarness()
	h.register("good", script{})
	h.register("down", script{unavailable: true})
	h.register("broken", script{panics: true})
	h.register("garbage", script{errs: []error{errors.Malformed("garbage", "fetch", nil)}})
	h.addAccount(t, "1", "good", true)
	h.addAccount(t, "2", "down", true)
	h.addAccount(t, "3", "broken", true)
	h.addAccount(t, "4", "garbage", true)
	h.addAccount(t, "5", "nowhere", true)
	h.addAccount(t, "6", "good", false)

	sum, err := h.orchestrator(nil).CollectAll(context.Background(), "", models.TriggerScheduler)
	require.NoError(t, err)
	assert.Equal(t, models.RunPartial, sum.Status)
	assert.Equal(t, 1, sum.Processed)
	assert.Equal(t, 4, sum.Failed)
	assert.Equal(t, 5, sum.Processed+sum.Failed)
	assert.Equal(t, int32(4), h.closed.Load(), "every created adapter is closed")

	kinds := map[string]string{}
	for _, d := range sum.ErrorDetails {
		kinds[d.AccountID] = d.Kind
	}
	assert.Equal(t, "unavailable", kinds["2"])
	assert.Equal(t, errors.KindUnknown, kinds["3"])
	assert.Equal(t, "malformed_response", kinds["4"])
	assert.Equal(t, "unsupported_platform", kinds["5"])
	assert.Equal(t, int32(1), h.calls["garbage"].Load(), "malformed responses are not retried")

	run, err := h.store.GetRun(context.Background(), sum.RunID)
	require.NoError(t, err)
	lines := strings.Split(run.ErrorSummary, "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "down:ext-2 — "), lines[0])
	assert.Contains(t, lines[1], "adapter panic")
}

func TestCollectAllRetriesTransient(t *testing.T) {
	h := newHarness()
	h.register("flaky", script{errs: []error{
		errors.Transient("flaky", "fetch", nil),
		errors.Transient("flaky", "fetch", nil),
	}})
	h.addAccount(t, "f1", "flaky", true)

	sum, err := h.orchestrator(nil).CollectAll(context.Background(), "", models.TriggerCLI)
	require.NoError(t, err)
	assert.Equal(t, models.RunSuccess, sum.Status)
	assert.Equal(t, int32(3), h.calls["flaky"].Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.sleeps)
}

func TestCollectAllExhaustedRetriesFail(t *testing.T) {
	h := newHarness()
	transient := errors.Transient("flaky", "fetch", fmt.Errorf("reset"))
	h.register("flaky", script{errs: []error{transient, transient, transient}})
	h.register("good", script{})
	h.addAccount(t, "a", "flaky", true)
	h.addAccount(t, "b", "good", true)

	sum, err := h.orchestrator(nil).CollectAll(context.Background(), "", models.TriggerCLI)
	require.NoError(t, err)
	assert.Equal(t, models.RunPartial, sum.Status)
	require.Len(t, sum.ErrorDetails, 1)
	assert.Equal(t, "transient", sum.ErrorDetails[0].Kind)
	assert.Equal(t, int32(3), h.calls["flaky"].Load())
}

func TestCollectAllAllFailedIsFailed(t *testing.T) {
	h := newHarness()
	h.register("down", script{unavailable: true})
	h.addAccount(t, "a", "down", true)
	h.addAccount(t, "b", "down", true)

	sum, err := h.orchestrator(nil).CollectAll(context.Background(), "", models.TriggerCLI)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, sum.Status)
	assert.Equal(t, 2, sum.Failed)
}

type failingRefresher struct {
	calls atomic.Int32
}

func (*failingRefresher) Buffer() time.Duration                            { return time.Hour }
func (*failingRefresher) CanRefresh(credentials.Tokens, time.Time) bool    { return true }
func (*failingRefresher) Revoke(context.Context, credentials.Tokens) error { return nil }
func (f *failingRefresher) Refresh(context.Context, credentials.Tokens) (*credentials.Grant, error) {
	f.calls.Add(1)
	return nil, errors.Transient("alpha", "refresh", fmt.Errorf("token endpoint down"))
}

func TestCollectAllExpiredCredentialFailingRefresh(t *testing.T) {
	h := newHarness()
	h.register("alpha", script{needsToken: true})
	h.register("beta", script{})
	h.addAccount(t, "x", "alpha", true)
	h.addAccount(t, "y", "beta", true)
	h.addAccount(t, "z", "beta", true)

	key, err := vault.GenerateKey()
	require.NoError(t, err)
	raw, err := vault.ParseKey(key)
	require.NoError(t, err)
	cipher, err := vault.NewCipher(raw)
	require.NoError(t, err)

	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	refresher := &failingRefresher{}
	creds := credentials.New(h.store, cipher, credentials.WithClock(clock), credentials.WithStrategy("alpha", refresher))
	require.NoError(t, creds.Save(context.Background(), "x", "old", "r", time.Minute, ""))
	now = now.Add(time.Hour)

	x, err := h.store.GetAccount(context.Background(), "x")
	require.NoError(t, err)
	_, ok := creds.ValidToken(context.Background(), x)
	assert.False(t, ok)
	require.Equal(t, int32(1), refresher.calls.Load())

	sum, err := h.orchestrator(creds).CollectAll(context.Background(), "", models.TriggerScheduler)
	require.NoError(t, err)
	assert.Equal(t, models.RunPartial, sum.Status)
	assert.Equal(t, 2, sum.Processed)
	require.Len(t, sum.ErrorDetails, 1)
	assert.Equal(t, "x", sum.ErrorDetails[0].AccountID)
	assert.Equal(t, "auth_expired", sum.ErrorDetails[0].Kind)
	assert.Equal(t, int32(1), h.calls["alpha"].Load(), "auth failures are not retried")
	assert.Equal(t, int32(2), refresher.calls.Load(), "one refresh per attempt")
}

// refreshingCreds hands out a stale token until ForceRefresh is called.
type refreshingCreds struct {
	missing   bool
	refreshed atomic.Int32
}

func (c *refreshingCreds) TokenSource(*models.Account) platform.TokenSource {
	return platform.TokenFunc(func(context.Context) (string, bool) {
		if c.missing {
			return "", false
		}
		if c.refreshed.Load() > 0 {
			return "fresh", true
		}
		return "stale", true
	})
}

func (c *refreshingCreds) ForceRefresh(context.Context, *models.Account) (string, bool) {
	c.refreshed.Add(1)
	return "fresh", true
}

func TestCollectAllRefreshesOnAuthExpired(t *testing.T) {
	h := newHarness()
	h.register("alpha", script{needsToken: true, rejectToken: "stale"})
	h.addAccount(t, "x", "alpha", true)
	creds := &refreshingCreds{}

	sum, err := h.orchestrator(creds).CollectAll(context.Background(), "", models.TriggerCLI)
	require.NoError(t, err)
	assert.Equal(t, models.RunSuccess, sum.Status)
	assert.Equal(t, int32(1), creds.refreshed.Load())
	assert.Equal(t, int32(2), h.calls["alpha"].Load())
}

func TestCollectAllMissingCredentialIsNotForceRefreshed(t *testing.T) {
	h := newHarness()
	h.register("alpha", script{needsToken: true})
	h.addAccount(t, "x", "alpha", true)
	creds := &refreshingCreds{missing: true}

	sum, err := h.orchestrator(creds).CollectAll(context.Background(), "", models.TriggerCLI)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, sum.Status)
	require.Len(t, sum.ErrorDetails, 1)
	assert.Equal(t, "auth_expired", sum.ErrorDetails[0].Kind)
	assert.Zero(t, creds.refreshed.Load())
	assert.Equal(t, int32(1), h.calls["alpha"].Load())
}

type brokenStore struct {
	*store.MemoryStore
	failCreateRun bool
	failList      bool
	failSnapshot  string
	failFinish    bool
}

func (b *brokenStore) CreateRun(ctx context.Context, run *models.CollectionRun) error {
	if b.failCreateRun {
		return fmt.Errorf("disk full")
	}
	return b.MemoryStore.CreateRun(ctx, run)
}

func (b *brokenStore) ListAccounts(ctx context.Context) ([]*models.Account, error) {
	if b.failList {
		return nil, fmt.Errorf("connection lost")
	}
	return b.MemoryStore.ListAccounts(ctx)
}

func (b *brokenStore) CreateSnapshot(ctx context.Context, snap *models.MetricsSnapshot) error {
	if snap.AccountID == b.failSnapshot {
		return fmt.Errorf("constraint violated")
	}
	return b.MemoryStore.CreateSnapshot(ctx, snap)
}

func (b *brokenStore) FinishRun(ctx context.Context, run *models.CollectionRun) error {
	if b.failFinish {
		return fmt.Errorf("read-only")
	}
	return b.MemoryStore.FinishRun(ctx, run)
}

func TestCollectAllPersistenceFailureIsAccountFailure(t *testing.T) {
	h := newHarness()
	h.register("good", script{})
	h.addAccount(t, "a", "good", true)
	h.addAccount(t, "b", "good", true)
	bs := &brokenStore{MemoryStore: h.store, failSnapshot: "a"}

	sum, err := New(bs, h.registry, nil, Config{Timeout: time.Second, Retry: h.policy()}).
		CollectAll(context.Background(), "", models.TriggerCLI)
	require.NoError(t, err)
	assert.Equal(t, models.RunPartial, sum.Status)
	require.Len(t, sum.ErrorDetails, 1)
	assert.Contains(t, sum.ErrorDetails[0].Message, "persist snapshot")
}

func TestCollectAllListFailureAborts(t *testing.T) {
	h := newHarness()
	bs := &brokenStore{MemoryStore: h.store, failList: true}

	sum, err := New(bs, h.registry, nil, DefaultConfig()).CollectAll(context.Background(), "", models.TriggerCLI)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, sum.Status)

	run, err := h.store.GetRun(context.Background(), sum.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, run.Status)
	assert.Contains(t, run.ErrorSummary, "connection lost")
}

func TestCollectAllCreateRunFailure(t *testing.T) {
	h := newHarness()
	bs := &brokenStore{MemoryStore: h.store, failCreateRun: true}
	sum, err := New(bs, h.registry, nil, DefaultConfig()).CollectAll(context.Background(), "", models.TriggerAPI)
	assert.Error(t, err)
	assert.Nil(t, sum)
}

func TestCollectAllFinishFailureReturnsSummary(t *testing.T) {
	h := newHarness()
	bs := &brokenStore{MemoryStore: h.store, failFinish: true}
	sum, err := New(bs, h.registry, nil, DefaultConfig()).CollectAll(context.Background(), "", models.TriggerAPI)
	assert.Error(t, err)
	require.NotNil(t, sum)
	assert.Equal(t, models.RunSuccess, sum.Status)
}

func TestCollectAllCanceledContext(t *testing.T) {
	h := newHarness()
	h.register("good", script{})
	h.addAccount(t, "a", "good", true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := h.orchestrator(nil).CollectAll(ctx, "", models.TriggerCLI)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, sum.Status)
	assert.Equal(t, 0, sum.Processed+sum.Failed)

	run, err := h.store.GetRun(context.Background(), sum.RunID)
	require.NoError(t, err)
	assert.Contains(t, run.ErrorSummary, "run canceled")
}

type recordingNotifier struct {
	got []*models.RunSummary
}

func (n *recordingNotifier) NotifyRun(_ context.Context, s *models.RunSummary) error {
	n.got = append(n.got, s)
	return fmt.Errorf("webhook down")
}

func TestCollectAllNotifiesOnlyNonSuccess(t *testing.T) {
	h := newHarness()
	h.register("good", script{})
	h.register("down", script{unavailable: true})
	h.addAccount(t, "a", "good", true)
	n := &recordingNotifier{}
	o := h.orchestrator(nil, WithNotifier(n))

	_, err := o.CollectAll(context.Background(), "", models.TriggerCLI)
	require.NoError(t, err)
	assert.Empty(t, n.got)

	h.addAccount(t, "b", "down", true)
	sum, err := o.CollectAll(context.Background(), "", models.TriggerCLI)
	require.NoError(t, err)
	require.Len(t, n.got, 1)
	assert.Equal(t, sum.RunID, n.got[0].RunID)
}
