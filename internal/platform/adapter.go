// Package platform defines the contract every social platform adapter implements
// and the registry the collector resolves adapters from.
package platform

import (
	"context"
	"sync"

	"github.com/socialpulse/socialpulse/internal/models"
)

// Adapter fetches metrics for one account on one platform.
type Adapter interface {
	// FetchMetrics returns a snapshot or a classified collection error.
	FetchMetrics(ctx context.Context) (*models.MetricsSnapshot, error)
	// IsAvailable is a cheap probe with no side effects. It never errors.
	IsAvailable(ctx context.Context) bool
	PlatformName() string
	// Bind hands the adapter its account and credential access before any fetch.
	Bind(b Binding)
	// Close releases sessions. Safe to call more than once.
	Close() error
}

// TokenSource yields a usable plaintext access token, or false when none exists.
type TokenSource interface {
	Token(ctx context.Context) (string, bool)
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, bool)

func (f TokenFunc) Token(ctx context.Context) (string, bool) {
	return f(ctx)
}

// StaticToken is a TokenSource that always returns the same value.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, bool) {
	return string(s), s != ""
}

// Binding is what the collector passes to Adapter.Bind.
type Binding struct {
	Account *models.Account
	Tokens  TokenSource
}

// Base supplies the optional parts of Adapter. Embed it and override as needed.
type Base struct {
	Name       string
	AccountID  string
	AccountURL string

	mu      sync.RWMutex
	binding Binding
}

func (b *Base) PlatformName() string {
	return b.Name
}

func (b *Base) Bind(binding Binding) {
	b.mu.Lock()
	b.binding = binding
	b.mu.Unlock()
}

// Account returns the bound account, if any.
func (b *Base) Account() *models.Account {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.binding.Account
}

// Token resolves the bound access token.
func (b *Base) Token(ctx context.Context) (string, bool) {
	b.mu.RLock()
	src := b.binding.Tokens
	b.mu.RUnlock()
	if src == nil {
		return "", false
	}
	return src.Token(ctx)
}

func (b *Base) Close() error {
	return nil
}

// NewSnapshot starts a snapshot for the bound account.
func (b *Base) NewSnapshot() *models.MetricsSnapshot {
	snap := &models.MetricsSnapshot{Extra: map[string]interface{}{}}
	if acc := b.Account(); acc != nil {
		snap.AccountID = acc.ID
	}
	return snap
}
