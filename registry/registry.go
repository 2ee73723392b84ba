// Package registry holds the named upstream adapters the gateway can
// route to, grounded on the teacher's providers.Registry: eager
// registration plus a lazy, memoized factory path, extended with
// per-sub-provider credential derivation so a decrypted API key never
// leaks across requests (spec.md §4.3).
package registry

import (
	"fmt"
	"sync"

	"github.com/ferro-labs/creditgw/adapter"
)

// Factory lazily constructs an Adapter on first demand. The result is
// memoized so the constructor runs at most once per name.
type Factory func() (adapter.Adapter, error)

// Derivable is implemented by adapters that can bind a decrypted API key
// and an advertised->upstream model mapping to produce a per-sub-provider
// credentialed adapter. Adapters that don't need per-tenant credentials
// (e.g. a single-key Bedrock integration) need not implement it.
type Derivable interface {
	WithCredential(apiKey string, modelMapping map[string]string) adapter.Adapter
}

// Registry is a name -> adapter lookup with lazy factory support.
type Registry struct {
	mu        sync.Mutex
	adapters  map[string]adapter.Adapter
	factories map[string]Factory
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		adapters:  make(map[string]adapter.Adapter),
		factories: make(map[string]Factory),
	}
}

// Register eagerly adds an adapter instance.
func (r *Registry) Register(a adapter.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// RegisterFactory adds a lazy constructor for name. The factory runs at
// most once; its result is cached for subsequent Get calls.
func (r *Registry) RegisterFactory(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Get resolves name to an adapter, instantiating and memoizing it from a
// registered factory if it has not been built yet.
func (r *Registry) Get(name string) (adapter.Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.adapters[name]; ok {
		return a, nil
	}
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("registry: no adapter registered for %q", name)
	}
	a, err := f()
	if err != nil {
		return nil, fmt.Errorf("registry: constructing adapter %q: %w", name, err)
	}
	r.adapters[name] = a
	return a, nil
}

// Names returns every registered or lazily-constructible adapter name.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]struct{}, len(r.adapters)+len(r.factories))
	for n := range r.adapters {
		seen[n] = struct{}{}
	}
	for n := range r.factories {
		seen[n] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	return names
}

// DeriveForSubProvider returns an adapter bound to a specific
// sub-provider's decrypted API key and model mapping. If the base
// adapter for providerName does not implement Derivable, the base
// adapter is returned unchanged (providers that hold a single static
// credential, e.g. bedrock, don't need per-tenant derivation).
func (r *Registry) DeriveForSubProvider(providerName, decryptedAPIKey string, modelMapping map[string]string) (adapter.Adapter, error) {
	base, err := r.Get(providerName)
	if err != nil {
		return nil, err
	}
	if d, ok := base.(Derivable); ok {
		return d.WithCredential(decryptedAPIKey, modelMapping), nil
	}
	return base, nil
}
