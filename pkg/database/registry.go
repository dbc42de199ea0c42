package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Registry holds the named data sources and the active selection. It is
// shared by reference across handlers and job managers; Register and
// SetActive are the only mutations and both are sequenced outside
// transactions.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	sources map[string]*Store
	active  string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]*Store)}
}

// Register opens a store for the URL and adds it under name. The first
// registration becomes the active source.
func (r *Registry) Register(name, url string) (*Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sources[name]; exists {
		return nil, fmt.Errorf("data source %q already registered", name)
	}
	store, err := Open(name, url)
	if err != nil {
		return nil, err
	}
	r.sources[name] = store
	r.order = append(r.order, name)
	if r.active == "" {
		r.active = name
	}
	return store, nil
}

// Active returns the store for the active name, failing fast when the
// selection is missing or was never registered.
func (r *Registry) Active() (*Store, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	store, ok := r.sources[r.active]
	if !ok {
		return nil, fmt.Errorf("active data source %q: %w", r.active, ErrUnknownSource)
	}
	return store, nil
}

// ActiveName returns the active source's name.
func (r *Registry) ActiveName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// SetActive switches the active source. Subsequent Active calls observe the
// new handle.
func (r *Registry) SetActive(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sources[name]; !ok {
		return fmt.Errorf("data source %q: %w", name, ErrUnknownSource)
	}
	r.active = name
	return nil
}

// Get returns the named store.
func (r *Registry) Get(name string) (*Store, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	store, ok := r.sources[name]
	return store, ok
}

// Sources returns the registered names in registration order.
func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered sources.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// ConnectAll connects every registered source and ensures its schema.
// Failures are joined rather than aborting, so one unreachable secondary
// doesn't block startup; the caller decides whether the active source's
// failure is fatal.
func (r *Registry) ConnectAll(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	for _, name := range r.order {
		if err := r.sources[name].Connect(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CloseAll closes every registered source.
func (r *Registry) CloseAll() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	for _, name := range r.order {
		if err := r.sources[name].Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
