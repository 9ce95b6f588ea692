package store

import (
	"context"

	"github.com/socialpulse/socialpulse/internal/errors"
	"github.com/socialpulse/socialpulse/internal/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAccountInUse is returned when deleting an account that snapshots still reference.
	ErrAccountInUse = errors.New("account has metrics snapshots; deactivate it instead")
	// ErrConflict is returned when a unique key already exists.
	ErrConflict = errors.New("record already exists")
)

// AccountStore persists tracked accounts and their encrypted credentials.
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	ListAccounts(ctx context.Context) ([]*models.Account, error)
	CreateAccount(ctx context.Context, acc *models.Account) error
	UpdateAccount(ctx context.Context, acc *models.Account) error
	// UpdateCredential replaces every credential column in one statement. nil erases.
	UpdateCredential(ctx context.Context, accountID string, cred *models.Credential) error
	SetAccountActive(ctx context.Context, id string, active bool) error
	DeleteAccount(ctx context.Context, id string) error
}

// SnapshotStore persists metrics snapshots. Snapshots are append-only.
type SnapshotStore interface {
	CreateSnapshot(ctx context.Context, snap *models.MetricsSnapshot) error
	GetSnapshot(ctx context.Context, id string) (*models.MetricsSnapshot, error)
	// ListSnapshots returns the newest snapshots first. limit <= 0 means no limit.
	ListSnapshots(ctx context.Context, accountID string, limit int) ([]*models.MetricsSnapshot, error)
}

// RunStore persists collection run records.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.CollectionRun) error
	FinishRun(ctx context.Context, run *models.CollectionRun) error
	GetRun(ctx context.Context, id string) (*models.CollectionRun, error)
	// ListRuns returns the newest runs first. limit <= 0 means no limit.
	ListRuns(ctx context.Context, limit int) ([]*models.CollectionRun, error)
}

// Store is the full persistence boundary.
type Store interface {
	AccountStore
	SnapshotStore
	RunStore
	Close() error
}

func cloneAccount(acc *models.Account) *models.Account {
	if acc == nil {
		return nil
	}
	cp := *acc
	if acc.Credential != nil {
		cred := *acc.Credential
		cp.Credential = &cred
	}
	return &cp
}

func cloneSnapshot(s *models.MetricsSnapshot) *models.MetricsSnapshot {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Extra != nil {
		cp.Extra = make(map[string]interface{}, len(s.Extra))
		for k, v := range s.Extra {
			cp.Extra[k] = v
		}
	}
	return &cp
}

func cloneRun(r *models.CollectionRun) *models.CollectionRun {
	if r == nil {
		return nil
	}
	cp := *r
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}
