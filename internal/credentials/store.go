// Package credentials keeps account tokens encrypted at rest and hands out
// usable plaintext tokens, refreshing them through per-platform strategies.
package credentials

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/socialpulse/socialpulse/internal/errors"
	"github.com/socialpulse/socialpulse/internal/logging"
	"github.com/socialpulse/socialpulse/internal/metrics"
	"github.com/socialpulse/socialpulse/internal/models"
	"github.com/socialpulse/socialpulse/internal/platform"
	"github.com/socialpulse/socialpulse/internal/store"
	"github.com/socialpulse/socialpulse/internal/vault"
)

// Outcome describes how a token lookup was resolved.
type Outcome string

const (
	OutcomeMissing   Outcome = "missing"
	OutcomeFresh     Outcome = "fresh"
	OutcomeRefreshed Outcome = "refreshed"
	OutcomeDeferred  Outcome = "deferred"
	OutcomeFailed    Outcome = "failed"
)

// Store is the credential lifecycle manager. It is safe for concurrent use.
type Store struct {
	accounts   store.AccountStore
	cipher     *vault.Cipher
	strategies map[string]Strategy
	fallback   Strategy
	now        func() time.Time
	logger     *logging.Logger
	metrics    *metrics.Metrics

	flights singleflight.Group
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMetrics records refresh outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithStrategy registers the refresh strategy for a platform key.
func WithStrategy(platformKey string, strategy Strategy) Option {
	return func(s *Store) { s.strategies[models.NormalizePlatform(platformKey)] = strategy }
}

// New returns a Store. Platforms without a registered strategy use StaticStrategy.
func New(accounts store.AccountStore, cipher *vault.Cipher, opts ...Option) *Store {
	s := &Store{
		accounts:   accounts,
		cipher:     cipher,
		strategies: make(map[string]Strategy),
		fallback:   StaticStrategy{},
		now:        time.Now,
		logger:     logging.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Strategy returns the refresh strategy used for a platform.
func (s *Store) Strategy(platformKey string) Strategy {
	if st, ok := s.strategies[models.NormalizePlatform(platformKey)]; ok {
		return st
	}
	return s.fallback
}

// Save encrypts and stores a credential in one write. ttl <= 0 stores a non-expiring token.
func (s *Store) Save(ctx context.Context, accountID, accessToken, refreshToken string, ttl time.Duration, scope string) error {
	if accessToken == "" {
		return fmt.Errorf("access token is required")
	}
	now := s.now().UTC()
	cred, err := s.seal(Grant{AccessToken: accessToken, RefreshToken: refreshToken, ExpiresIn: ttl, Scope: scope}, now)
	if err != nil {
		return err
	}
	if err := s.accounts.UpdateCredential(ctx, accountID, cred); err != nil {
		return fmt.Errorf("save credential for %s: %w", accountID, err)
	}
	return nil
}

// ValidToken returns a usable access token for acc, refreshing it when it is
// inside the platform's refresh window. False means no usable credential.
func (s *Store) ValidToken(ctx context.Context, acc *models.Account) (string, bool) {
	token, outcome := s.Resolve(ctx, acc, false)
	return token, outcome != OutcomeMissing && outcome != OutcomeFailed
}

// ForceRefresh refreshes regardless of expiry, for tokens the platform has rejected.
// A refresh precondition that does not hold counts as a failure here.
func (s *Store) ForceRefresh(ctx context.Context, acc *models.Account) (string, bool) {
	token, outcome := s.Resolve(ctx, acc, true)
	return token, outcome == OutcomeRefreshed
}

// Resolve is ValidToken with the outcome exposed.
// On a successful refresh acc.Credential is replaced with the persisted credential.
func (s *Store) Resolve(ctx context.Context, acc *models.Account, force bool) (string, Outcome) {
	if acc == nil || !acc.HasCredential() {
		return "", OutcomeMissing
	}
	logger := s.logger.With("account_id", acc.ID, "platform", acc.Platform)

	tokens, err := s.open(acc.Credential)
	if err != nil {
		logger.WarnWithContext(ctx, "stored credential is unreadable", "error", err)
		return "", OutcomeFailed
	}

	strategy := s.Strategy(acc.Platform)
	now := s.now()
	if !force && !acc.Credential.DueForRefresh(now, strategy.Buffer()) {
		return tokens.AccessToken, OutcomeFresh
	}
	if !strategy.CanRefresh(tokens, now) {
		if force {
			s.metrics.RecordCredentialRefresh(acc.Platform, string(OutcomeFailed))
			return "", OutcomeFailed
		}
		logger.DebugWithContext(ctx, "refresh precondition not met, keeping current token",
			"expires_at", acc.Credential.ExpiresAt)
		s.metrics.RecordCredentialRefresh(acc.Platform, string(OutcomeDeferred))
		return tokens.AccessToken, OutcomeDeferred
	}

	v, err, _ := s.flights.Do(acc.ID, func() (interface{}, error) {
		return s.refresh(ctx, acc, tokens, strategy)
	})
	if err != nil {
		logger.WarnWithContext(ctx, "token refresh failed", "error", err, "kind", errors.KindOf(err))
		s.metrics.RecordCredentialRefresh(acc.Platform, string(OutcomeFailed))
		return "", OutcomeFailed
	}
	res := v.(*refreshed)
	acc.Credential = res.cred
	s.metrics.RecordCredentialRefresh(acc.Platform, string(OutcomeRefreshed))
	logger.InfoWithContext(ctx, "token refreshed", "expires_at", res.cred.ExpiresAt)
	return res.token, OutcomeRefreshed
}

type refreshed struct {
	token string
	cred  *models.Credential
}

// refresh runs inside the account's flight. A caller holding a copy loaded
// before another caller persisted a new credential adopts that credential
// instead of spending the old refresh token again.
func (s *Store) refresh(ctx context.Context, acc *models.Account, tokens Tokens, strategy Strategy) (*refreshed, error) {
	if current, err := s.accounts.GetAccount(ctx, acc.ID); err == nil {
		if !current.HasCredential() {
			return nil, fmt.Errorf("credential for %s was revoked", acc.ID)
		}
		if current.Credential.AccessToken != acc.Credential.AccessToken {
			fresh, err := s.open(current.Credential)
			if err != nil {
				return nil, err
			}
			return &refreshed{token: fresh.AccessToken, cred: current.Credential}, nil
		}
	}

	grant, err := strategy.Refresh(ctx, tokens)
	if err != nil {
		return nil, err
	}
	if grant == nil || grant.AccessToken == "" {
		return nil, fmt.Errorf("refresh returned no access token")
	}
	if grant.RefreshToken == "" {
		grant.RefreshToken = tokens.RefreshToken
	}
	if grant.Scope == "" {
		grant.Scope = tokens.Scope
	}
	cred, err := s.seal(*grant, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if err := s.accounts.UpdateCredential(ctx, acc.ID, cred); err != nil {
		return nil, fmt.Errorf("persist refreshed credential: %w", err)
	}
	return &refreshed{token: grant.AccessToken, cred: cred}, nil
}

// Revoke revokes the credential remotely when possible and always erases it locally.
func (s *Store) Revoke(ctx context.Context, accountID string) error {
	acc, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	logger := s.logger.With("account_id", acc.ID, "platform", acc.Platform)
	if acc.HasCredential() {
		tokens, err := s.open(acc.Credential)
		if err != nil {
			logger.WarnWithContext(ctx, "skipping remote revoke of unreadable credential", "error", err)
		} else if err := s.Strategy(acc.Platform).Revoke(ctx, tokens); err != nil {
			logger.WarnWithContext(ctx, "remote revoke failed", "error", err)
		}
	}
	if err := s.accounts.UpdateCredential(ctx, accountID, nil); err != nil {
		return fmt.Errorf("erase credential for %s: %w", accountID, err)
	}
	logger.InfoWithContext(ctx, "credential revoked")
	return nil
}

// TokenSource binds ValidToken to one account for an adapter.
func (s *Store) TokenSource(acc *models.Account) platform.TokenSource {
	return platform.TokenFunc(func(ctx context.Context) (string, bool) {
		return s.ValidToken(ctx, acc)
	})
}

// SweepResult counts what a Sweep did.
type SweepResult struct {
	Checked   int
	Refreshed int
	Deferred  int
	Failed    int
}

// Sweep walks active accounts and refreshes every credential inside its refresh window.
func (s *Store) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	all, err := s.accounts.ListAccounts(ctx)
	if err != nil {
		return res, fmt.Errorf("list accounts: %w", err)
	}
	now := s.now()
	for _, acc := range models.AccountSlice(all).Eligible("") {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if !acc.HasCredential() || acc.Credential.NeverExpires() {
			continue
		}
		if !acc.Credential.DueForRefresh(now, s.Strategy(acc.Platform).Buffer()) {
			continue
		}
		res.Checked++
		switch _, outcome := s.Resolve(ctx, acc, false); outcome {
		case OutcomeRefreshed:
			res.Refreshed++
		case OutcomeDeferred:
			res.Deferred++
		case OutcomeFailed:
			res.Failed++
		}
	}
	return res, nil
}

func (s *Store) seal(g Grant, now time.Time) (*models.Credential, error) {
	access, err := s.cipher.Encrypt(g.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt access token: %w", err)
	}
	cred := &models.Credential{AccessToken: access, Scope: g.Scope, IssuedAt: now}
	if g.RefreshToken != "" {
		if cred.RefreshToken, err = s.cipher.Encrypt(g.RefreshToken); err != nil {
			return nil, fmt.Errorf("encrypt refresh token: %w", err)
		}
	}
	if g.ExpiresIn > 0 {
		cred.ExpiresAt = now.Add(g.ExpiresIn)
	}
	return cred, nil
}

func (s *Store) open(cred *models.Credential) (Tokens, error) {
	t := Tokens{ExpiresAt: cred.ExpiresAt, IssuedAt: cred.IssuedAt, Scope: cred.Scope}
	var err error
	if t.AccessToken, err = s.cipher.Decrypt(cred.AccessToken); err != nil {
		return t, err
	}
	if cred.RefreshToken != "" {
		if t.RefreshToken, err = s.cipher.Decrypt(cred.RefreshToken); err != nil {
			return t, err
		}
	}
	return t, nil
}
