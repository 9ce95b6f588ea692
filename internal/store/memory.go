package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/socialpulse/socialpulse/internal/models"
)

// MemoryStore is an in-memory Store for tests and dry runs.
// It is thread-safe and hands out copies, never internal pointers.
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]*models.Account
	snapshots map[string]*models.MetricsSnapshot
	snapOrder []string
	runs      map[string]*models.CollectionRun
	runOrder  []string
	now       func() time.Time
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]*models.Account),
		snapshots: make(map[string]*models.MetricsSnapshot),
		runs:      make(map[string]*models.CollectionRun),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Account operations

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAccount(acc), nil
}

func (s *MemoryStore) ListAccounts(_ context.Context) ([]*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Account, 0, len(s.accounts))
	for _, acc := range s.accounts {
		out = append(out, cloneAccount(acc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) CreateAccount(_ context.Context, acc *models.Account) error {
	if err := acc.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[acc.ID]; ok {
		return ErrConflict
	}
	platform := models.NormalizePlatform(acc.Platform)
	for _, existing := range s.accounts {
		if existing.Platform == platform && existing.ExternalID == acc.ExternalID && acc.ExternalID != "" {
			return ErrConflict
		}
	}
	now := s.now()
	cp := cloneAccount(acc)
	cp.Platform = platform
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.accounts[acc.ID] = cp
	return nil
}

func (s *MemoryStore) UpdateAccount(_ context.Context, acc *models.Account) error {
	if err := acc.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.accounts[acc.ID]
	if !ok {
		return ErrNotFound
	}
	cp := cloneAccount(acc)
	cp.Platform = models.NormalizePlatform(acc.Platform)
	cp.Credential = existing.Credential
	cp.CreatedAt = existing.CreatedAt
	cp.UpdatedAt = s.now()
	s.accounts[acc.ID] = cp
	return nil
}

func (s *MemoryStore) UpdateCredential(_ context.Context, accountID string, cred *models.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[accountID]
	if !ok {
		return ErrNotFound
	}
	if cred == nil {
		acc.Credential = nil
	} else {
		cp := *cred
		acc.Credential = &cp
	}
	acc.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) SetAccountActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	acc.Active = active
	acc.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) DeleteAccount(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[id]; !ok {
		return ErrNotFound
	}
	for _, snap := range s.snapshots {
		if snap.AccountID == id {
			return ErrAccountInUse
		}
	}
	delete(s.accounts, id)
	return nil
}

// Snapshot operations

func (s *MemoryStore) CreateSnapshot(_ context.Context, snap *models.MetricsSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[snap.AccountID]; !ok {
		return ErrNotFound
	}
	if _, ok := s.snapshots[snap.ID]; ok {
		return ErrConflict
	}
	s.snapshots[snap.ID] = cloneSnapshot(snap)
	s.snapOrder = append(s.snapOrder, snap.ID)
	return nil
}

func (s *MemoryStore) GetSnapshot(_ context.Context, id string) (*models.MetricsSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSnapshot(snap), nil
}

func (s *MemoryStore) ListSnapshots(_ context.Context, accountID string, limit int) ([]*models.MetricsSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.MetricsSnapshot
	for i := len(s.snapOrder) - 1; i >= 0; i-- {
		snap := s.snapshots[s.snapOrder[i]]
		if accountID != "" && snap.AccountID != accountID {
			continue
		}
		out = append(out, cloneSnapshot(snap))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Run operations

func (s *MemoryStore) CreateRun(_ context.Context, run *models.CollectionRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; ok {
		return ErrConflict
	}
	s.runs[run.ID] = cloneRun(run)
	s.runOrder = append(s.runOrder, run.ID)
	return nil
}

func (s *MemoryStore) FinishRun(_ context.Context, run *models.CollectionRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; !ok {
		return ErrNotFound
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (*models.CollectionRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRun(run), nil
}

func (s *MemoryStore) ListRuns(_ context.Context, limit int) ([]*models.CollectionRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.CollectionRun
	for i := len(s.runOrder) - 1; i >= 0; i-- {
		out = append(out, cloneRun(s.runs[s.runOrder[i]]))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
