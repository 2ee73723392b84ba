// Package directory is the bootstrap-owned collaborator that backs
// orchestrator.CandidateSource/CredentialResolver/SubProviderStates/
// ProviderStates and screener's structurally identical interfaces
// (spec.md §3's provider/sub-provider registry, component C3). It holds
// the live *provider.Provider and *subprovider.State instances alongside
// each sub-provider's encrypted credential, and is the one place that
// reconciles "providers that need sub-providers" (openai, anthropic,
// google) against standalone providers that authenticate some other way
// (bedrock, via the AWS SDK's own credential chain) by giving the latter
// a single synthetic sub-provider record with effectively unlimited
// capacity (subprovider.Limits zero value, spec.md §5 "0 or absent means
// unlimited").
package directory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ferro-labs/creditgw/balancer"
	"github.com/ferro-labs/creditgw/health"
	"github.com/ferro-labs/creditgw/provider"
	"github.com/ferro-labs/creditgw/secret"
	"github.com/ferro-labs/creditgw/subprovider"
)

// standaloneSubProviderSuffix names the synthetic sub-provider record a
// standalone provider is given so it can flow through the sub-provider
// centric balancer unmodified.
const standaloneSubProviderSuffix = "-standalone"

// SubProviderRecord is one configured API key: which provider it
// authenticates against, its encrypted secret, any model-ID remapping,
// its verification flag (spec.md §4.4's images-capability gate), and its
// live fast-path state.
type SubProviderRecord struct {
	ID              string
	ProviderID      string
	EncryptedAPIKey secret.EncryptedSecret
	ModelMapping    map[string]string
	IsVerified      bool
	State           *subprovider.State
}

// Directory is the in-memory provider/sub-provider registry. It is safe
// for concurrent reads after bootstrap registration; Register* calls are
// expected to happen once during wiring, before traffic starts.
type Directory struct {
	mu      sync.RWMutex
	keyring secret.Keyring

	providers    map[string]*provider.Provider
	subProviders map[string]*SubProviderRecord
	// bySubOfProvider indexes real (non-synthetic) sub-provider IDs per
	// provider, used to decide whether a provider needs a synthetic
	// candidate at all.
	bySubOfProvider map[string][]string
}

// New creates an empty Directory. Providers and sub-providers are added
// with RegisterProvider and RegisterSubProvider during bootstrap wiring.
func New(keyring secret.Keyring) *Directory {
	return &Directory{
		keyring:         keyring,
		providers:       make(map[string]*provider.Provider),
		subProviders:    make(map[string]*SubProviderRecord),
		bySubOfProvider: make(map[string][]string),
	}
}

// RegisterProvider adds a provider family. If it does not need
// sub-providers (NeedsSubProviders=false), a synthetic sub-provider
// record is created alongside it so the balancer has a Candidate to
// select: limits are left at the zero value (unlimited), Enabled/HasKey
// are true, and its State tracks real health/circuit transitions from
// actual calls exactly like any other sub-provider.
func (d *Directory) RegisterProvider(p *provider.Provider) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.providers[p.ID] = p
	if !p.NeedsSubProviders {
		synID := p.ID + standaloneSubProviderSuffix
		if _, exists := d.subProviders[synID]; !exists {
			d.subProviders[synID] = &SubProviderRecord{
				ID:         synID,
				ProviderID: p.ID,
				IsVerified: true,
				State:      subprovider.New(synID, subprovider.Limits{}, true, true),
			}
		}
	}
}

// RegisterSubProvider adds a real, keyed sub-provider under an
// already-registered provider.
func (d *Directory) RegisterSubProvider(rec *SubProviderRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subProviders[rec.ID] = rec
	d.bySubOfProvider[rec.ProviderID] = append(d.bySubOfProvider[rec.ProviderID], rec.ID)
}

// CandidatesForModel implements orchestrator.CandidateSource and
// screener.CandidateSource: every sub-provider (real or synthetic)
// belonging to a provider that supports modelID.
func (d *Directory) CandidatesForModel(modelID string) []balancer.Candidate {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []balancer.Candidate
	for _, rec := range d.subProviders {
		p, ok := d.providers[rec.ProviderID]
		if !ok || !p.IsActive || !p.SupportsModel(modelID) {
			continue
		}
		out = append(out, balancer.Candidate{
			SubProviderID:        rec.ID,
			ProviderID:           rec.ProviderID,
			Snapshot:             rec.State.Snapshot(time.Now()),
			IsVerified:           rec.IsVerified,
			ProviderScore:        p.Score(),
			ProviderIsStandalone: !p.NeedsSubProviders,
		})
	}
	return out
}

// Get implements orchestrator.SubProviderStates and
// screener.SubProviderStates.
func (d *Directory) Get(subProviderID string) (*subprovider.State, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.subProviders[subProviderID]
	if !ok {
		return nil, false
	}
	return rec.State, true
}

// GetProvider implements orchestrator.ProviderStates.
func (d *Directory) GetProvider(providerID string) (*provider.Provider, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.providers[providerID]
	return p, ok
}

// Resolve implements orchestrator.CredentialResolver and
// screener.CredentialResolver: decrypts a sub-provider's API key on
// demand. The synthetic standalone sub-provider record has no
// EncryptedAPIKey (its provider's adapter authenticates out-of-band, e.g.
// via the AWS SDK's credential chain), so Resolve returns an empty key
// and nil mapping for it rather than erroring.
func (d *Directory) Resolve(subProviderID string) (string, map[string]string, error) {
	d.mu.RLock()
	rec, ok := d.subProviders[subProviderID]
	d.mu.RUnlock()
	if !ok {
		return "", nil, fmt.Errorf("directory: unknown sub-provider %q", subProviderID)
	}
	if len(rec.EncryptedAPIKey.Ciphertext) == 0 {
		return "", rec.ModelMapping, nil
	}
	plaintext, err := secret.Open(d.keyring, rec.EncryptedAPIKey)
	if err != nil {
		return "", nil, fmt.Errorf("directory: decrypt credential for %q: %w", subProviderID, err)
	}
	return string(plaintext), rec.ModelMapping, nil
}

// Groups implements health.Source: every provider paired with its live
// sub-provider states, for the health monitor's auto-recovery tick.
func (d *Directory) Groups() []health.ProviderGroup {
	d.mu.RLock()
	defer d.mu.RUnlock()

	groups := make([]health.ProviderGroup, 0, len(d.providers))
	for id, p := range d.providers {
		var subs []*subprovider.State
		for _, subID := range d.bySubOfProvider[id] {
			subs = append(subs, d.subProviders[subID].State)
		}
		if !p.NeedsSubProviders {
			if rec, ok := d.subProviders[id+standaloneSubProviderSuffix]; ok {
				subs = append(subs, rec.State)
			}
		}
		groups = append(groups, health.ProviderGroup{Provider: p, SubProviders: subs})
	}
	return groups
}

// AllProviders returns every registered provider, for admin listing and
// config reconciliation.
func (d *Directory) AllProviders() []*provider.Provider {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*provider.Provider, 0, len(d.providers))
	for _, p := range d.providers {
		out = append(out, p)
	}
	return out
}

// LoadFromStore hydrates the directory from persisted configuration:
// every ProviderConfig becomes a live provider.Provider (registered, with
// its synthetic sub-provider if it doesn't need real ones), and every
// SubProviderConfig becomes a live SubProviderRecord with a fresh
// subprovider.State (rolling windows and circuit state always start
// clean at boot; only the static limits and credential persist).
func (d *Directory) LoadFromStore(ctx context.Context, store *SQLStore) error {
	providers, err := store.AllProviders(ctx)
	if err != nil {
		return fmt.Errorf("directory: load providers: %w", err)
	}
	for _, c := range providers {
		d.RegisterProvider(provider.New(c.ID, c.Name, c.BaseURL, c.Timeout, c.SupportedModels, c.Features, c.NeedsSubProviders))
	}

	subProviders, err := store.AllSubProviders(ctx)
	if err != nil {
		return fmt.Errorf("directory: load sub-providers: %w", err)
	}
	for _, c := range subProviders {
		d.RegisterSubProvider(&SubProviderRecord{
			ID:              c.ID,
			ProviderID:      c.ProviderID,
			EncryptedAPIKey: c.EncryptedAPIKey,
			ModelMapping:    c.ModelMapping,
			IsVerified:      c.IsVerified,
			State:           subprovider.New(c.ID, c.Limits, c.Enabled, len(c.EncryptedAPIKey.Ciphertext) > 0),
		})
	}
	return nil
}

