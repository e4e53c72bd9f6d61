package throttle

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Registry maps scope names to policies. Entries are policy sources resolved at
// lookup time, so a registered configuration object is the single source of truth.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]PolicySource
}

func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]PolicySource)}
}

// NewRegistryWith registers every policy, failing on the first invalid or conflicting one.
func NewRegistryWith(policies ...Policy) (*Registry, error) {
	r := NewRegistry()
	for _, p := range policies {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(p Policy) error {
	return r.RegisterSource(p)
}

// RegisterSource validates the source's policy eagerly. Registering an equal policy
// for a known scope is a no-op; a different one is a configuration error.
func (r *Registry) RegisterSource(src PolicySource) error {
	if src == nil {
		return &ConfigurationError{Field: "policy", Reason: "is required"}
	}
	p, err := r.Resolve(src)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sources[p.Scope]; ok {
		if existing.ThrottlePolicy() == p {
			return nil
		}
		return &ConfigurationError{Owner: p.Scope, Field: "scope", Reason: "is already registered with a different policy"}
	}
	r.sources[p.Scope] = src
	return nil
}

// Resolve returns the validated policy named by src.
func (r *Registry) Resolve(src PolicySource) (Policy, error) {
	p := src.ThrottlePolicy()
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Lookup reports the policy for scope. Sources that no longer validate are treated as absent.
func (r *Registry) Lookup(scope string) (Policy, bool) {
	r.mu.RLock()
	src, ok := r.sources[scope]
	r.mu.RUnlock()
	if !ok {
		return Policy{}, false
	}
	p, err := r.Resolve(src)
	if err != nil {
		return Policy{}, false
	}
	return p, true
}

// Policy is Lookup for callers that require a policy; an absent scope is ErrUnknownScope.
func (r *Registry) Policy(scope string) (Policy, error) {
	r.mu.RLock()
	src, ok := r.sources[scope]
	r.mu.RUnlock()
	if !ok {
		return Policy{}, fmt.Errorf("%w: %q", ErrUnknownScope, scope)
	}
	return r.Resolve(src)
}

// BaseWindow is the narrow lookup the sweeper needs.
func (r *Registry) BaseWindow(scope string) (time.Duration, bool) {
	p, ok := r.Lookup(scope)
	return p.BaseWindow, ok
}

func (r *Registry) Scopes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	scopes := make([]string, 0, len(r.sources))
	for scope := range r.sources {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)
	return scopes
}

// Policies returns every resolvable policy ordered by scope.
func (r *Registry) Policies() []Policy {
	var out []Policy
	for _, scope := range r.Scopes() {
		if p, ok := r.Lookup(scope); ok {
			out = append(out, p)
		}
	}
	return out
}
