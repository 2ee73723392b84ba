// Package balancer selects which sub-provider should serve a given request,
// generalizing the teacher's strategies.LoadBalance weighted cumulative-sum
// sampler (internal/strategies/loadbalance.go) from a single static weight
// per target to the six-component dynamic scorer required by spec.md §4.4.
package balancer

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/ferro-labs/creditgw/internal/metrics"
	"github.com/ferro-labs/creditgw/subprovider"
)

// ErrNoEligibleSubProvider is returned when no candidate survives the
// eligibility filter.
var ErrNoEligibleSubProvider = errors.New("balancer: no eligible sub-provider for this request")

// explorationProbability is the chance, per selection, that the balancer
// bypasses scoring entirely and picks uniformly among "new" sub-providers
// (spec.md §4.4 Step 3) so a freshly onboarded sub-provider gets traffic
// before it has accumulated enough history to score competitively.
const explorationProbability = 0.15

// Candidate is one sub-provider eligible, in principle, to serve a request.
// The caller (orchestrator) is responsible for resolving provider/model
// support before constructing the candidate list; Select only applies the
// request-shape eligibility rules spec.md §4.4 names explicitly.
type Candidate struct {
	SubProviderID string
	ProviderID    string
	Snapshot      subprovider.Snapshot
	// IsVerified reflects a sub-provider's metadata isVerified flag. Only
	// consulted for the openai provider under the images capability.
	IsVerified bool
	// ProviderScore is the owning provider's own 0.9/0.1/0.05 health-bucket
	// score (provider.Provider.Score), used as that provider's Step 6
	// cross-provider score when ProviderIsStandalone is true.
	ProviderScore float64
	// ProviderIsStandalone marks a provider that doesn't run real
	// sub-providers (NeedsSubProviders=false, e.g. bedrock): Step 6 scores
	// such a provider by its own health bucket rather than by the
	// synthetic sub-provider's composite score.
	ProviderIsStandalone bool
}

// Decision is the outcome of a successful Select call.
type Decision struct {
	SubProviderID string
	ProviderID    string
	Score         float64
}

// Balancer selects a sub-provider among candidates using the weighted
// scorer in score.go. It is stateless beyond its random source and the
// SelectionTracker passed to it; multiple Balancer values may safely share
// one tracker.
type Balancer struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// New creates a Balancer seeded from the current time.
func New() *Balancer {
	return &Balancer{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// NewWithSeed creates a Balancer with a deterministic random source, for
// tests that need reproducible selection.
func NewWithSeed(seed int64) *Balancer {
	return &Balancer{rnd: rand.New(rand.NewSource(seed))}
}

func (b *Balancer) float64() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rnd.Float64()
}

// Select picks one candidate to serve a request for capability against
// estimatedTokens, excluding any id in exclude (already-tried
// sub-providers during a retry loop, spec.md §4.5), and honoring
// requireHealthy by rejecting unhealthy sub-providers outright (when
// requireHealthy is false, an unhealthy sub-provider may still be picked,
// just at its fixed low score).
//
// Selection runs in two levels (spec.md §4.4 Step 6): first the best
// sub-provider is chosen within each eligible provider by the composite
// scorer, then one provider is chosen by its own cross-provider score —
// so a provider's odds of being picked never depend on how many
// sub-providers happen to be registered under it.
func (b *Balancer) Select(candidates []Candidate, capability string, estimatedTokens int64, exclude map[string]struct{}, requireHealthy bool, tracker *SelectionTracker) (Decision, error) {
	eligible := b.filterEligible(candidates, capability, estimatedTokens, exclude, requireHealthy)
	if len(eligible) == 0 {
		return Decision{}, ErrNoEligibleSubProvider
	}

	if newOnes := newCandidates(eligible); len(newOnes) > 0 && b.float64() < explorationProbability {
		pick := newOnes[int(b.float64()*float64(len(newOnes)))%len(newOnes)]
		if tracker != nil {
			tracker.recordSelection(pick.SubProviderID)
		}
		return Decision{SubProviderID: pick.SubProviderID, ProviderID: pick.ProviderID, Score: 0.6}, nil
	}

	providerOrder, groups := groupByProvider(eligible)
	picks := make(map[string]Decision, len(providerOrder))
	providerScores := make(map[string]float64, len(providerOrder))
	for _, providerID := range providerOrder {
		group := groups[providerID]
		pick := b.selectWithinProvider(group, estimatedTokens, tracker)
		picks[providerID] = pick
		providerScores[providerID] = clamp01(providerLevelScore(group, pick), 0.3, 0.7)
	}

	chosenProvider := b.weightedSampleFrom(providerOrder, providerScores)
	decision := picks[chosenProvider]
	if tracker != nil {
		tracker.recordSelection(decision.SubProviderID)
	}
	return decision, nil
}

// groupByProvider partitions candidates by ProviderID, preserving the
// order each provider is first seen in so weightedSampleFrom's cumulative
// scan is deterministic given a fixed rand source.
func groupByProvider(candidates []Candidate) ([]string, map[string][]Candidate) {
	groups := make(map[string][]Candidate)
	order := make([]string, 0)
	for _, c := range candidates {
		if _, seen := groups[c.ProviderID]; !seen {
			order = append(order, c.ProviderID)
		}
		groups[c.ProviderID] = append(groups[c.ProviderID], c)
	}
	return order, groups
}

// selectWithinProvider runs Steps 2/4/5/6 among one provider's own
// sub-providers: composite-score each, clamp to [0.3, 0.7], and draw a
// weighted sample.
func (b *Balancer) selectWithinProvider(group []Candidate, estimatedTokens int64, tracker *SelectionTracker) Decision {
	ids := make([]string, 0, len(group))
	scores := make(map[string]float64, len(group))
	byID := make(map[string]Candidate, len(group))
	for _, c := range group {
		raw := compositeScore(c.Snapshot, estimatedTokens, tracker, c.SubProviderID)
		scores[c.SubProviderID] = clamp01(raw, 0.3, 0.7)
		byID[c.SubProviderID] = c
		ids = append(ids, c.SubProviderID)
	}
	picked := b.weightedSampleFrom(ids, scores)
	chosen := byID[picked]
	return Decision{SubProviderID: chosen.SubProviderID, ProviderID: chosen.ProviderID, Score: scores[picked]}
}

// providerLevelScore implements spec.md §4.4 Step 6's cross-provider
// score: a standalone provider (no real sub-providers) is scored by its
// own health bucket; any other provider is scored by the sub-provider it
// already won internally.
func providerLevelScore(group []Candidate, pick Decision) float64 {
	if len(group) > 0 && group[0].ProviderIsStandalone {
		return group[0].ProviderScore
	}
	return pick.Score
}

// filterEligible applies spec.md §4.4 Step 1: enabled, credentialed,
// healthy when health is required, and within the sub-provider's own
// rate/token/concurrency limits — except that the images capability
// relaxes the concurrency check (image generation calls are long-lived
// and would otherwise starve the concurrency budget) and, for the openai
// provider specifically, requires the sub-provider's verified-account
// metadata before it is allowed to serve images at all.
func (b *Balancer) filterEligible(candidates []Candidate, capability string, estimatedTokens int64, exclude map[string]struct{}, requireHealthy bool) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if _, skip := exclude[c.SubProviderID]; skip {
			continue
		}
		if !c.Snapshot.Enabled || !c.Snapshot.HasKey {
			continue
		}
		if requireHealthy && !c.Snapshot.IsHealthy {
			continue
		}
		if capability == "images" && c.ProviderID == "openai" && !c.IsVerified {
			continue
		}
		if !rateAndTokenBudgetOK(c.Snapshot, estimatedTokens) {
			metrics.RateLimitRejections.WithLabelValues("sub_provider").Inc()
			continue
		}
		if capability != "images" && !concurrencyBudgetOK(c.Snapshot) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func rateAndTokenBudgetOK(s subprovider.Snapshot, estimatedTokens int64) bool {
	if s.Limits.MaxRequestsPerMinute > 0 && s.RequestsPerMinute+1 > s.Limits.MaxRequestsPerMinute {
		return false
	}
	if s.Limits.MaxTokensPerMinute > 0 && s.TokensPerMinute+estimatedTokens > s.Limits.MaxTokensPerMinute {
		return false
	}
	return true
}

func concurrencyBudgetOK(s subprovider.Snapshot) bool {
	if s.Limits.MaxConcurrentRequests <= 0 {
		return true
	}
	return s.CurrentConcurrentRequests+1 <= s.Limits.MaxConcurrentRequests
}

func newCandidates(candidates []Candidate) []Candidate {
	out := make([]Candidate, 0)
	for _, c := range candidates {
		if isNewSubProvider(c.Snapshot.SuccessCount + c.Snapshot.ErrorCount) {
			out = append(out, c)
		}
	}
	return out
}

// weightedSampleFrom performs a cumulative-sum weighted draw over scores,
// generalizing the teacher's strategies.LoadBalance.selectFromTargets from
// a single static weight field to an arbitrary per-candidate composite
// score. ids fixes iteration order so the cumulative scan is deterministic
// given a fixed rand draw; used for both the sub-provider-level and the
// provider-level draw.
func (b *Balancer) weightedSampleFrom(ids []string, scores map[string]float64) string {
	var total float64
	for _, id := range ids {
		total += scores[id]
	}
	if total <= 0 {
		return ids[0]
	}
	target := b.float64() * total
	var cumulative float64
	for _, id := range ids {
		cumulative += scores[id]
		if target < cumulative {
			return id
		}
	}
	return ids[len(ids)-1]
}
