// Package registry holds the set of configured provider adapters, their
// merged model catalog, and their live health/circuit-breaker state.
// Grounded on internal/health/tracker.go (health cooldown state machine)
// generalized from a bare Tracker into the full registry spec §4.2
// describes: a provider is registered once and never removed by a
// health probe, only marked unhealthy; its catalog is refreshed at
// registration, on health change, and on a cadence.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/omen-gateway/omen/internal/circuitbreaker"
	"github.com/omen-gateway/omen/internal/events"
	"github.com/omen-gateway/omen/internal/health"
	"github.com/omen-gateway/omen/internal/omentypes"
	"github.com/omen-gateway/omen/internal/providers"
)

// Config controls the registry's background cadences.
type Config struct {
	// HealthProbeInterval is how often every registered adapter's
	// HealthProbe is called. Spec default: 30s.
	HealthProbeInterval time.Duration
	// CatalogRefreshInterval is the long-cadence ListModels refresh,
	// independent of health-triggered refreshes. Spec default: 10m.
	CatalogRefreshInterval time.Duration
}

// DefaultConfig returns the spec §4.2 defaults.
func DefaultConfig() Config {
	return Config{
		HealthProbeInterval:    30 * time.Second,
		CatalogRefreshInterval: 10 * time.Minute,
	}
}

// Entry is one registered provider: its adapter plus cached catalog.
type Entry struct {
	Adapter providers.Adapter
	models  []omentypes.ModelDescriptor
}

// Registry holds every configured provider adapter and the merged,
// deduplicated model catalog derived from them.
type Registry struct {
	cfg      Config
	health   *health.Tracker
	breakers *circuitbreaker.Registry
	bus      *events.Bus

	mu       sync.RWMutex
	adapters map[string]*Entry

	stop chan struct{}
	once sync.Once
}

// New constructs a registry. health and bus may be nil; a tracker and
// breaker registry are created with defaults if so.
func New(cfg Config, h *health.Tracker, bus *events.Bus) *Registry {
	if h == nil {
		h = health.NewTracker(health.DefaultConfig(), health.WithEventBus(bus))
	}
	return &Registry{
		cfg:      cfg,
		health:   h,
		breakers: circuitbreaker.NewRegistry(circuitbreaker.DefaultSettings()),
		bus:      bus,
		adapters: make(map[string]*Entry),
		stop:     make(chan struct{}),
	}
}

// Register adds an adapter to the registry and immediately pulls its
// catalog. A ProviderUnavailable error here marks the provider
// unhealthy rather than failing registration — the adapter stays
// registered and is retried by the health-probe loop.
func (r *Registry) Register(ctx context.Context, a providers.Adapter) {
	r.mu.Lock()
	r.adapters[a.ID()] = &Entry{Adapter: a}
	r.mu.Unlock()
	r.refreshCatalog(ctx, a.ID())
}

// Unregister removes an adapter entirely. Spec §4.2 only has health
// probes flip a cached flag, never remove a provider; explicit removal
// is an admin operation (deleting a provider from the config/CRUD
// surface), which is a different act than a failed health probe.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.adapters, id)
}

// Adapter returns the adapter registered under id, if any.
func (r *Registry) Adapter(id string) (providers.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.adapters[id]
	if !ok {
		return nil, false
	}
	return e.Adapter, true
}

// ProviderIDs returns every registered provider id.
func (r *Registry) ProviderIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Catalog returns the merged model catalog across every provider,
// deduplicated by (provider_id, model_id) — registering the same model
// twice (e.g. a config reload) replaces rather than duplicates the entry.
func (r *Registry) Catalog() []omentypes.ModelDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	out := make([]omentypes.ModelDescriptor, 0)
	for _, e := range r.adapters {
		for _, m := range e.models {
			key := m.ProviderID + "/" + m.ModelID
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QualifiedID() < out[j].QualifiedID() })
	return out
}

// ModelsFor returns the catalog entries belonging to one provider.
func (r *Registry) ModelsFor(providerID string) []omentypes.ModelDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.adapters[providerID]
	if !ok {
		return nil
	}
	cp := make([]omentypes.ModelDescriptor, len(e.models))
	copy(cp, e.models)
	return cp
}

// Resolve finds a model descriptor by its provider-qualified id
// ("provider/model") or, if providerID is empty, the first provider
// offering modelID.
func (r *Registry) Resolve(providerID, modelID string) (omentypes.ModelDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if providerID != "" {
		e, ok := r.adapters[providerID]
		if !ok {
			return omentypes.ModelDescriptor{}, false
		}
		for _, m := range e.models {
			if m.ModelID == modelID {
				return m, true
			}
		}
		return omentypes.ModelDescriptor{}, false
	}
	for _, e := range r.adapters {
		for _, m := range e.models {
			if m.ModelID == modelID {
				return m, true
			}
		}
	}
	return omentypes.ModelDescriptor{}, false
}

// HealthState reports a provider's current cached health classification.
func (r *Registry) HealthState(providerID string) omentypes.HealthState {
	if !r.health.IsAvailable(providerID) {
		return omentypes.HealthUnhealthy
	}
	stats := r.health.GetStats(providerID)
	switch stats.State {
	case health.StateHealthy:
		return omentypes.HealthHealthy
	case health.StateDegraded:
		return omentypes.HealthWarming
	default:
		return omentypes.HealthUnhealthy
	}
}

// Available reports whether a provider may currently receive traffic:
// the health tracker hasn't put it in cooldown, and its circuit breaker
// isn't open.
func (r *Registry) Available(providerID string) bool {
	return r.health.IsAvailable(providerID) && r.breakers.Allow(providerID)
}

// Health returns the registry's tracker, for direct stats access by the
// router's scorer and admin endpoints.
func (r *Registry) Health() *health.Tracker { return r.health }

// Breakers returns the registry's circuit-breaker registry.
func (r *Registry) Breakers() *circuitbreaker.Registry { return r.breakers }

// RecordOutcome feeds one request's outcome into both the health
// tracker and the circuit breaker for providerID. Call this once per
// completed (or failed) provider invocation.
func (r *Registry) RecordOutcome(providerID string, latencyMs float64, err error) {
	if err != nil {
		r.health.RecordError(providerID, err.Error())
		_ = r.breakers.Execute(providerID, func() error { return err })
		return
	}
	r.health.RecordSuccess(providerID, latencyMs)
	_ = r.breakers.Execute(providerID, func() error { return nil })
}

// refreshCatalog pulls ListModels from one adapter and swaps its cached
// entry. A failure here does not deregister the adapter.
func (r *Registry) refreshCatalog(ctx context.Context, providerID string) {
	r.mu.RLock()
	e, ok := r.adapters[providerID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	models, err := e.Adapter.ListModels(ctx)
	if err != nil {
		r.health.RecordError(providerID, fmt.Sprintf("catalog refresh: %v", err))
		return
	}
	r.mu.Lock()
	if cur, ok := r.adapters[providerID]; ok {
		cur.models = models
	}
	r.mu.Unlock()
}

// RefreshAllCatalogs pulls ListModels from every registered adapter.
func (r *Registry) RefreshAllCatalogs(ctx context.Context) {
	for _, id := range r.ProviderIDs() {
		r.refreshCatalog(ctx, id)
	}
}

// probeOnce runs HealthProbe against every registered adapter
// concurrently and records the outcome. On a state transition the
// catalog is refreshed, per spec §4.2 "catalog refresh... on health
// change".
func (r *Registry) probeOnce(ctx context.Context) {
	for _, id := range r.ProviderIDs() {
		id := id
		r.mu.RLock()
		e, ok := r.adapters[id]
		r.mu.RUnlock()
		if !ok {
			continue
		}
		go func() {
			before := r.health.GetStats(id).State
			res, err := e.Adapter.HealthProbe(ctx)
			if err != nil || !res.Healthy {
				msg := res.Details
				if err != nil {
					msg = err.Error()
				}
				r.health.RecordError(id, msg)
			} else {
				r.health.RecordSuccess(id, float64(res.LastLatencyMs))
			}
			after := r.health.GetStats(id).State
			if before != after {
				r.refreshCatalog(ctx, id)
			}
		}()
	}
}

// Start launches the health-probe and catalog-refresh background loops.
// Call Stop to terminate them.
func (r *Registry) Start(ctx context.Context) {
	probeInterval := r.cfg.HealthProbeInterval
	if probeInterval <= 0 {
		probeInterval = 30 * time.Second
	}
	catalogInterval := r.cfg.CatalogRefreshInterval
	if catalogInterval <= 0 {
		catalogInterval = 10 * time.Minute
	}
	go func() {
		t := time.NewTicker(probeInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				r.probeOnce(ctx)
			case <-r.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		t := time.NewTicker(catalogInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				r.RefreshAllCatalogs(ctx)
			case <-r.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop terminates the background loops. Safe to call multiple times.
func (r *Registry) Stop() {
	r.once.Do(func() { close(r.stop) })
}
