// Sitewarden - Multi-Tenant Website Change Monitoring Engine
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package breaker implements the Circuit Breaker Registry of
// SPEC_FULL.md §4.3: one gobreaker instance per host, tripping after 3
// consecutive qualifying failures and allowing a single probe request
// after an hour in the OPEN state.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/sitewarden/engine/internal/metrics"
)

// Config tunes every per-host breaker the registry creates.
type Config struct {
	FailureThreshold uint32
	OpenTimeout      time.Duration
	HalfOpenProbes   uint32
}

// DefaultConfig returns SPEC_FULL.md §4.3's defaults: trip after 3
// consecutive failures, stay OPEN for an hour, allow exactly 1 probe in
// HALF_OPEN.
func DefaultConfig() Config {
	return Config{FailureThreshold: 3, OpenTimeout: time.Hour, HalfOpenProbes: 1}
}

// Registry holds one circuit breaker per host, created lazily.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[any]
	onOpen   func(host string)
}

// NewRegistry builds an empty registry.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*gobreaker.CircuitBreaker[any])}
}

// SetOnOpen installs the one-shot callback invoked every time a host's
// breaker transitions into OPEN, per SPEC_FULL.md §4.4's "cooldown"
// event. Installed after construction, ordinarily by the Request
// Manager once it has a Notifier to hand the event to; nil (the
// default) means no cooldown event is emitted.
func (r *Registry) SetOnOpen(fn func(host string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onOpen = fn
}

func (r *Registry) notifyOpen(host string) {
	r.mu.Lock()
	fn := r.onOpen
	r.mu.Unlock()
	if fn != nil {
		fn(host)
	}
}

// State mirrors gobreaker.State with stable names independent of the
// library, so callers outside this package never import gobreaker
// directly.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func fromGobreakerState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}

func (s State) String() string {
	switch s {
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// forHost returns the breaker for host, creating it on first use.
func (r *Registry) forHost(host string) *gobreaker.CircuitBreaker[any] {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[host]; ok {
		return b
	}
	settings := gobreaker.Settings{
		Name:        host,
		MaxRequests: r.cfg.HalfOpenProbes,
		Timeout:     r.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerTransitions.WithLabelValues(name, fromGobreakerState(to).String()).Inc()
			metrics.BreakerState.WithLabelValues(name).Set(float64(fromGobreakerState(to)))
			if to == gobreaker.StateOpen {
				r.notifyOpen(name)
			}
		},
	}
	b := gobreaker.NewCircuitBreaker[any](settings)
	r.breakers[host] = b
	return b
}

// Execute runs fn through the breaker for host. A nil return from fn
// counts as success; any error counts as a failure toward the trip
// threshold.
func (r *Registry) Execute(ctx context.Context, host string, fn func(ctx context.Context) (any, error)) (any, error) {
	b := r.forHost(host)
	return b.Execute(func() (any, error) { return fn(ctx) })
}

// State reports the current state of host's breaker without executing
// anything. A host with no breaker yet is reported Closed.
func (r *Registry) State(host string) State {
	r.mu.Lock()
	b, ok := r.breakers[host]
	r.mu.Unlock()
	if !ok {
		return StateClosed
	}
	return fromGobreakerState(b.State())
}

// Snapshot reports the state of every host the registry has seen,
// keyed by host, for persistence into the store.
func (r *Registry) Snapshot() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]State, len(r.breakers))
	for host, b := range r.breakers {
		out[host] = fromGobreakerState(b.State())
	}
	return out
}
