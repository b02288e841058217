// Package registry holds the configured providers keyed by name and picks the best
// available one.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"chatbridge/internal/config"
	"chatbridge/internal/providers"
	"chatbridge/pkg/logger"
	"chatbridge/pkg/strategy"
)

// ErrUnknownProvider indicates the requested provider is not registered.
var ErrUnknownProvider = errors.New("unknown provider")

// ErrDuplicateProvider indicates an attempt to register the same name twice.
var ErrDuplicateProvider = errors.New("provider already registered")

// ErrEmpty is returned by GetBestAvailable when nothing is registered.
var ErrEmpty = errors.New("no providers registered")

// Status is one provider's availability snapshot.
type Status struct {
	Name         string
	Available    bool
	Capabilities providers.Capabilities
	Err          error
}

// Registry maintains a mapping of names to providers, preserving registration order.
type Registry struct {
	mu       sync.RWMutex
	byName   map[string]providers.Provider
	order    []string
	resolver strategy.Resolver
}

// New constructs an empty registry. A nil resolver means local-first selection
// with the default fallback.
func New(resolver strategy.Resolver) *Registry {
	if resolver == nil {
		resolver = strategy.NewLocalFirstResolver(config.SelectionConfig{})
	}
	return &Registry{
		byName:   make(map[string]providers.Provider),
		resolver: resolver,
	}
}

// Register adds p under its own name.
func (r *Registry) Register(p providers.Provider) error {
	if p == nil {
		return errors.New("provider must not be nil")
	}
	name := p.Name()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, name)
	}
	r.byName[name] = p
	r.order = append(r.order, name)
	logger.Debug("Registered provider", "provider", name)
	return nil
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (providers.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byName[name]
	return ok
}

// Names lists registered providers in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) snapshot() []providers.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]providers.Provider, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// ListWithAvailability probes every provider concurrently. A probe that errors or
// panics is logged and reported as unavailable; it never fails the listing.
func (r *Registry) ListWithAvailability(ctx context.Context) []Status {
	provs := r.snapshot()
	results := make([]Status, len(provs))

	var g errgroup.Group
	for i, p := range provs {
		g.Go(func() error {
			results[i] = probe(ctx, p)
			return nil // graceful degradation, one bad provider must not hide the rest
		})
	}
	_ = g.Wait()
	return results
}

func probe(ctx context.Context, p providers.Provider) (st Status) {
	defer func() {
		if rec := recover(); rec != nil {
			st.Available = false
			st.Err = fmt.Errorf("availability probe panicked: %v", rec)
			logger.Error("Provider availability probe panicked", "provider", st.Name, "panic", rec)
		}
	}()

	st = Status{Name: p.Name(), Capabilities: p.Capabilities()}
	ok, err := p.IsAvailable(ctx)
	if err != nil {
		logger.Warn("Provider availability probe failed", "provider", st.Name, "error", err)
		st.Err = err
		return st
	}
	st.Available = ok
	return st
}

// GetBestAvailable probes all providers and returns the one the resolver picks.
// It returns a provider whenever at least one is registered, even if none is up.
func (r *Registry) GetBestAvailable(ctx context.Context) (providers.Provider, error) {
	statuses := r.ListWithAvailability(ctx)
	if len(statuses) == 0 {
		return nil, ErrEmpty
	}

	candidates := make([]strategy.Candidate, len(statuses))
	for i, st := range statuses {
		candidates[i] = strategy.Candidate{
			Name:                st.Name,
			Available:           st.Available,
			CostFree:            st.Capabilities.CostFree,
			RequiresAPIKey:      st.Capabilities.RequiresAPIKey,
			SupportsStreaming:   st.Capabilities.SupportsStreaming,
			SupportsNativeTools: st.Capabilities.SupportsNativeTools,
		}
	}

	name := r.resolver.Resolve(candidates)
	p, err := r.Get(name)
	if err != nil {
		logger.Warn("Resolver picked an unregistered provider", "strategy", r.resolver.Name(), "provider", name)
		return r.Get(statuses[0].Name)
	}
	logger.Debug("Selected provider", "strategy", r.resolver.Name(), "provider", name)
	return p, nil
}
