package platform

import (
	"sort"
	"sync"

	"github.com/socialpulse/socialpulse/internal/errors"
	"github.com/socialpulse/socialpulse/internal/models"
)

// Constructor builds an adapter bound to one account identity.
type Constructor func(accountID, accountURL string) (Adapter, error)

// Registry maps case-insensitive platform keys to adapter constructors.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]Constructor)}
}

// Register adds or replaces the constructor for key.
func (r *Registry) Register(key string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[models.NormalizePlatform(key)] = ctor
}

// Has reports whether key is registered.
func (r *Registry) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ctors[models.NormalizePlatform(key)]
	return ok
}

// Keys returns the registered keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.ctors))
	for k := range r.ctors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Create builds an adapter for key. Unknown keys return *errors.UnsupportedPlatformError.
func (r *Registry) Create(key, accountID, accountURL string) (Adapter, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[models.NormalizePlatform(key)]
	r.mu.RUnlock()
	if !ok {
		return nil, &errors.UnsupportedPlatformError{Key: key, Known: r.Keys()}
	}
	return ctor(accountID, accountURL)
}
