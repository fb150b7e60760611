package provider

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mattjoyce/codegate/internal/errs"
)

// Registry holds providers indexed by name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// NewDefaultRegistry returns a registry holding the built-in providers.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, p := range Builtins() {
		_ = r.Register(p)
	}
	return r
}

// Register adds p. Names are unique; the first registration wins.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[p.Name()]; exists {
		return fmt.Errorf("provider %q already registered", p.Name())
	}
	r.providers[p.Name()] = p
	return nil
}

// Get retrieves a provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	p, ok := r.providers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.New(errs.KindProviderNotFound, "unknown provider: %s. Available: %s", name, strings.Join(r.Names(), ", "))
	}
	return p, nil
}

// Names returns registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns every provider with its availability on this host.
func (r *Registry) List() []Info {
	names := r.Names()
	out := make([]Info, 0, len(names))
	for _, name := range names {
		r.mu.RLock()
		p := r.providers[name]
		r.mu.RUnlock()
		out = append(out, Info{Name: p.Name(), Binary: p.Binary(), Available: p.IsAvailable()})
	}
	return out
}

// LoadManifests discovers manifest providers under dir and registers them.
// Manifests that fail to load or collide with an existing name are skipped
// and returned as problems. An empty dir is a no-op.
func (r *Registry) LoadManifests(dir string) (loaded []string, problems []error, err error) {
	if strings.TrimSpace(dir) == "" {
		return nil, nil, nil
	}
	found, problems, err := Discover(dir)
	if err != nil {
		return nil, nil, err
	}
	for _, p := range found {
		if err := r.Register(p); err != nil {
			problems = append(problems, fmt.Errorf("%s: %w", p.Path(), err))
			continue
		}
		loaded = append(loaded, p.Name())
	}
	return loaded, problems, nil
}
