// Package health runs the background auto-recovery sweep described in
// spec.md §4.5: periodically resolve stale open circuit breakers back to
// half-open, and let a provider climb back out of the unhealthy status
// once it shows signs of life. Grounded on the teacher's gateway.go
// StartDiscovery background-goroutine pattern (ticker + context
// cancellation) generalized from model discovery to health resolution.
package health

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ferro-labs/creditgw/provider"
	"github.com/ferro-labs/creditgw/subprovider"
)

// tickInterval is the auto-recovery sweep cadence.
const tickInterval = 10 * time.Second

// unhealthyRecoveryTimeout is how long a provider must sit unhealthy,
// with at least one recorded consecutive error, before the monitor will
// consider stepping it back down to degraded.
const unhealthyRecoveryTimeout = 2 * subprovider.OpenTimeout

// ProviderGroup pairs a provider with the sub-providers it owns, so the
// monitor can decide whether "a healthy sub-provider exists" without
// depending on however the caller stores that relationship.
type ProviderGroup struct {
	Provider     *provider.Provider
	SubProviders []*subprovider.State
}

// Source supplies the current set of providers (and their sub-providers)
// to sweep. Implemented by whatever owns the provider/sub-provider
// lifecycle (the orchestrator's bootstrap wiring); the monitor itself
// holds no provider state.
type Source func() []ProviderGroup

// Monitor runs the periodic auto-recovery sweep.
type Monitor struct {
	source Source
	log    *slog.Logger

	running int32
}

// New creates a Monitor reading providers/sub-providers from source. A nil
// log is permitted; the monitor then runs silently.
func New(source Source, log *slog.Logger) *Monitor {
	return &Monitor{source: source, log: log}
}

// Run blocks, ticking every 10s until ctx is cancelled. A tick that is
// still running when the next one fires is skipped rather than queued, so
// a slow sweep never builds up backlog.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.tick(now)
		}
	}
}

func (m *Monitor) tick(now time.Time) {
	if !atomic.CompareAndSwapInt32(&m.running, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&m.running, 0)

	for _, group := range m.source() {
		for _, sp := range group.SubProviders {
			sp.TickAutoRecovery(now)
		}
		m.maybeRecoverProvider(now, group)
	}
}

// maybeRecoverProvider steps an unhealthy provider back down to degraded
// once it has been unhealthy for at least unhealthyRecoveryTimeout and
// either needs no sub-providers or has at least one sub-provider whose
// circuit is no longer open.
func (m *Monitor) maybeRecoverProvider(now time.Time, group ProviderGroup) {
	p := group.Provider
	if p.HealthStatus() != provider.HealthUnhealthy {
		return
	}
	if p.ConsecutiveErrors() == 0 {
		return
	}
	if now.Sub(p.LastErrorAt()) < unhealthyRecoveryTimeout {
		return
	}
	if !group.Provider.NeedsSubProviders || hasRecoveredSubProvider(now, group.SubProviders) {
		p.MarkDegraded()
		if m.log != nil {
			m.log.Info("provider stepped down from unhealthy to degraded", "provider_id", p.ID)
		}
	}
}

func hasRecoveredSubProvider(now time.Time, subs []*subprovider.State) bool {
	if len(subs) == 0 {
		return false
	}
	for _, sp := range subs {
		if sp.CircuitStateNow(now) != subprovider.CircuitOpen {
			return true
		}
	}
	return false
}
