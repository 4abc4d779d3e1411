package session

import (
	"errors"
	"sync"
)

// Registry holds the authenticated principal's role identifiers from the
// two independent role namespaces. It is populated exactly once per
// session by the bootstrap initializer and cleared on reset. An unloaded
// registry means "not yet knowable", not "no roles"; the navigation
// guard waits for initialization before treating its contents as
// authoritative.
type Registry struct {
	mu        sync.RWMutex
	primary   map[string]struct{}
	secondary map[string]struct{}
	loaded    bool
}

func NewRegistry() *Registry {
	return &Registry{
		primary:   map[string]struct{}{},
		secondary: map[string]struct{}{},
	}
}

var ErrAlreadyLoaded = errors.New("role registry already loaded")

// Populate installs the principal's roles. Calling it on a loaded
// registry is a programming error; reset first.
func (r *Registry) Populate(primary, secondary []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		return ErrAlreadyLoaded
	}
	for _, role := range primary {
		r.primary[role] = struct{}{}
	}
	for _, role := range secondary {
		r.secondary[role] = struct{}{}
	}
	r.loaded = true
	return nil
}

func (r *Registry) Loaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded
}

func (r *Registry) HasPrimary(role string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.primary[role]
	return ok
}

func (r *Registry) HasSecondary(role string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.secondary[role]
	return ok
}

// HasAnyPrimary reports whether the registry holds at least one of the
// given roles. An empty argument list is never satisfied.
func (r *Registry) HasAnyPrimary(roles []string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, role := range roles {
		if _, ok := r.primary[role]; ok {
			return true
		}
	}
	return false
}

func (r *Registry) HasAnySecondary(roles []string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, role := range roles {
		if _, ok := r.secondary[role]; ok {
			return true
		}
	}
	return false
}

// Reset clears the registry for logout / session teardown.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.primary = map[string]struct{}{}
	r.secondary = map[string]struct{}{}
	r.loaded = false
}
