package bank

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/eklund-io/banksync-server/internal/domain"
)

// Factory creates an unconfigured Client for one bank.
type Factory func() Client

// Registry holds named bank integration factories. Integrations register
// at startup; lookups afterwards are read-only.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name. Panics on duplicate name.
func (r *Registry) Register(name string, factory Factory) {
	key := strings.ToLower(name)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[key]; ok {
		panic("duplicate bank integration: " + key)
	}
	r.factories[key] = factory
}

// New builds a fresh client for the named bank. Unknown names are a
// configuration error.
func (r *Registry) New(name string) (Client, error) {
	r.mu.RLock()
	factory, ok := r.factories[strings.ToLower(name)]
	r.mu.RUnlock()

	if !ok {
		return nil, &domain.ConfigError{
			Field:  "bank",
			Reason: fmt.Sprintf("unknown bank integration %q, registered: %s", name, strings.Join(r.Names(), ", ")),
		}
	}
	return factory(), nil
}

// Names returns the registered integration names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
