package health

import (
	"testing"
	"time"

	"github.com/ferro-labs/creditgw/provider"
	"github.com/ferro-labs/creditgw/subprovider"
)

func TestTickResolvesStaleOpenCircuitToHalfOpen(t *testing.T) {
	sp := subprovider.New("sp-1", subprovider.Limits{}, true, true)
	tripped := time.Now().Add(-subprovider.OpenTimeout - time.Second)
	sp.OpenCircuitBreaker(tripped)

	p := provider.New("openai", "OpenAI", "", 0, nil, nil, true)
	m := New(func() []ProviderGroup {
		return []ProviderGroup{{Provider: p, SubProviders: []*subprovider.State{sp}}}
	}, nil)

	m.tick(time.Now())

	if got := sp.CircuitStateNow(time.Now()); got != subprovider.CircuitHalfOpen {
		t.Fatalf("circuit state = %v, want half_open", got)
	}
}

func TestMaybeRecoverProviderRequiresTimeoutElapsed(t *testing.T) {
	p := provider.New("openai", "OpenAI", "", 0, nil, nil, true)
	for i := 0; i < 5; i++ {
		p.RecordError()
	}
	sp := subprovider.New("sp-1", subprovider.Limits{}, true, true)

	m := New(nil, nil)
	m.maybeRecoverProvider(time.Now(), ProviderGroup{Provider: p, SubProviders: []*subprovider.State{sp}})
	if p.HealthStatus() != provider.HealthUnhealthy {
		t.Fatalf("should not recover before unhealthyRecoveryTimeout has elapsed")
	}
}

func TestMaybeRecoverProviderStaysUnhealthyWithoutRecoveredSubProvider(t *testing.T) {
	p := provider.New("openai", "OpenAI", "", 0, nil, nil, true)
	for i := 0; i < 5; i++ {
		p.RecordError()
	}
	evalAt := time.Now().Add(10 * time.Hour)
	sp := subprovider.New("sp-1", subprovider.Limits{}, true, true)
	// Tripped a minute before the evaluation instant, so the circuit is
	// still genuinely open when the monitor looks at it.
	sp.OpenCircuitBreaker(evalAt.Add(-time.Minute))

	m := New(nil, nil)
	m.maybeRecoverProvider(evalAt, ProviderGroup{Provider: p, SubProviders: []*subprovider.State{sp}})
	if p.HealthStatus() != provider.HealthUnhealthy {
		t.Fatalf("provider should remain unhealthy: no sub-provider has a non-open circuit")
	}
}

func TestMaybeRecoverProviderNeedingNoSubProvidersRecoversOnTimeoutAlone(t *testing.T) {
	p := provider.New("bedrock", "Bedrock", "", 0, nil, nil, false)
	for i := 0; i < 5; i++ {
		p.RecordError()
	}

	m := New(nil, nil)
	m.maybeRecoverProvider(time.Now().Add(10*time.Hour), ProviderGroup{Provider: p})
	if p.HealthStatus() != provider.HealthDegraded {
		t.Fatalf("health = %v, want degraded (no sub-providers needed, timeout elapsed)", p.HealthStatus())
	}
}
