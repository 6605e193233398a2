// Package circuitbreaker wraps sony/gobreaker into a small per-provider
// registry, so the provider registry can stop sending traffic to a
// vendor that is failing without waiting on the health tracker's slower
// cooldown state machine. Grounded on vnmchuo-llm-gateway's
// internal/proxy/router.go, which keys one gobreaker.CircuitBreaker per
// provider name and checks its state before routing.
package circuitbreaker

import (
	"time"

	"github.com/sony/gobreaker"
)

// Settings configures every breaker minted by a Registry.
type Settings struct {
	// MaxRequests is how many requests are allowed through while the
	// breaker is half-open, probing for recovery.
	MaxRequests uint32
	// Interval is how often the closed-state failure counts reset.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// ConsecutiveFailures trips the breaker from closed to open.
	ConsecutiveFailures uint32
}

// DefaultSettings mirrors the thresholds the breaker this package
// replaces used against Temporal: three consecutive failures, 30s cooldown.
func DefaultSettings() Settings {
	return Settings{
		MaxRequests:         1,
		Interval:            5 * time.Second,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 3,
	}
}

// Registry lazily creates and holds one gobreaker.CircuitBreaker per
// provider id.
type Registry struct {
	settings Settings
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewRegistry constructs an empty breaker registry.
func NewRegistry(settings Settings) *Registry {
	return &Registry{
		settings: settings,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (r *Registry) get(providerID string) *gobreaker.CircuitBreaker {
	if cb, ok := r.breakers[providerID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        providerID,
		MaxRequests: r.settings.MaxRequests,
		Interval:    r.settings.Interval,
		Timeout:     r.settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.settings.ConsecutiveFailures
		},
	})
	r.breakers[providerID] = cb
	return cb
}

// Allow reports whether a request to providerID may proceed: the
// breaker is closed, or half-open and willing to admit a probe.
func (r *Registry) Allow(providerID string) bool {
	return r.get(providerID).State() != gobreaker.StateOpen
}

// Execute runs fn through the named provider's breaker, recording the
// outcome. Any error returned by fn trips the failure counter.
func (r *Registry) Execute(providerID string, fn func() error) error {
	_, err := r.get(providerID).Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}

// State returns the current breaker state for a provider, for admin
// visibility endpoints.
func (r *Registry) State(providerID string) string {
	return r.get(providerID).State().String()
}
