package balancer

import (
	"testing"

	"github.com/ferro-labs/creditgw/subprovider"
)

func candidate(id, providerID string, total, success int64) Candidate {
	return Candidate{
		SubProviderID: id,
		ProviderID:    providerID,
		Snapshot: subprovider.Snapshot{
			Enabled:       true,
			HasKey:        true,
			IsHealthy:     true,
			IsAvailable:   true,
			CircuitState:  subprovider.CircuitClosed,
			SuccessCount:  success,
			ErrorCount:    total - success,
			TotalRequests: total,
			HealthScore:   0.9,
			AvgLatencyMS:  400,
			Limits:        subprovider.Limits{MaxConcurrentRequests: 10},
		},
	}
}

// TestSelectExcludesRetriedSubProviders covers the invariant that a
// sub-provider already tried in this request's retry loop is never chosen
// again regardless of how favorably it would otherwise score.
func TestSelectExcludesRetriedSubProviders(t *testing.T) {
	b := NewWithSeed(1)
	tracker := NewSelectionTracker()
	candidates := []Candidate{
		candidate("sp-a", "openai", 200, 200),
		candidate("sp-b", "openai", 200, 190),
	}
	exclude := map[string]struct{}{"sp-a": {}}

	for i := 0; i < 50; i++ {
		d, err := b.Select(candidates, "chat", 100, exclude, false, tracker)
		if err != nil {
			t.Fatal(err)
		}
		if d.SubProviderID == "sp-a" {
			t.Fatalf("excluded sub-provider sp-a was selected")
		}
	}
}

func TestSelectReturnsErrorWhenNoneEligible(t *testing.T) {
	b := New()
	disabled := candidate("sp-a", "openai", 10, 10)
	disabled.Snapshot.Enabled = false

	_, err := b.Select([]Candidate{disabled}, "chat", 10, nil, false, nil)
	if err != ErrNoEligibleSubProvider {
		t.Fatalf("err = %v, want ErrNoEligibleSubProvider", err)
	}
}

func TestSelectSkipsOpenCircuitWhenHealthRequired(t *testing.T) {
	b := NewWithSeed(2)
	open := candidate("sp-open", "openai", 50, 5)
	open.Snapshot.CircuitState = subprovider.CircuitOpen
	open.Snapshot.IsHealthy = false
	closed := candidate("sp-closed", "openai", 50, 50)
	closed.Snapshot.IsHealthy = true

	for i := 0; i < 20; i++ {
		d, err := b.Select([]Candidate{open, closed}, "chat", 10, nil, true, nil)
		if err != nil {
			t.Fatal(err)
		}
		if d.SubProviderID != "sp-closed" {
			t.Fatalf("selected %q, want sp-closed (open circuit must be skipped)", d.SubProviderID)
		}
	}
}

func TestSelectRejectsImagesFromUnverifiedOpenAISubProvider(t *testing.T) {
	b := New()
	unverified := candidate("sp-a", "openai", 10, 10)
	unverified.IsVerified = false

	_, err := b.Select([]Candidate{unverified}, "images", 10, nil, false, nil)
	if err != ErrNoEligibleSubProvider {
		t.Fatalf("err = %v, want ErrNoEligibleSubProvider for unverified openai images sub-provider", err)
	}
}

func TestSelectAllowsImagesFromVerifiedOpenAISubProvider(t *testing.T) {
	b := New()
	verified := candidate("sp-a", "openai", 10, 10)
	verified.IsVerified = true

	d, err := b.Select([]Candidate{verified}, "images", 10, nil, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	if d.SubProviderID != "sp-a" {
		t.Fatalf("got %q, want sp-a", d.SubProviderID)
	}
}

func TestSelectRelaxesConcurrencyLimitForImages(t *testing.T) {
	b := New()
	atCapacity := candidate("sp-a", "bedrock", 10, 10)
	atCapacity.Snapshot.Limits.MaxConcurrentRequests = 1
	atCapacity.Snapshot.CurrentConcurrentRequests = 1

	// chat would reject this candidate: already at its concurrency limit.
	if _, err := b.Select([]Candidate{atCapacity}, "chat", 10, nil, false, nil); err != ErrNoEligibleSubProvider {
		t.Fatalf("chat err = %v, want ErrNoEligibleSubProvider", err)
	}

	// images relaxes the concurrency check entirely.
	atCapacity.ProviderID = "bedrock"
	if _, err := b.Select([]Candidate{atCapacity}, "images", 10, nil, false, nil); err != nil {
		t.Fatalf("images err = %v, want nil (concurrency relaxed)", err)
	}
}

// TestSelectWeightedSamplingFavorsHealthierCandidateStatistically is a
// property check (not an exact assertion) that a consistently healthier
// candidate is picked noticeably more often than a consistently unhealthy
// one over many draws.
func TestSelectWeightedSamplingFavorsHealthierCandidateStatistically(t *testing.T) {
	b := NewWithSeed(42)
	good := candidate("sp-good", "openai", 500, 495)
	bad := candidate("sp-bad", "openai", 500, 100)
	bad.Snapshot.ConsecutiveErrors = 10

	tracker := NewSelectionTracker()
	counts := map[string]int{}
	for i := 0; i < 500; i++ {
		d, err := b.Select([]Candidate{good, bad}, "chat", 10, nil, false, tracker)
		if err != nil {
			t.Fatal(err)
		}
		counts[d.SubProviderID]++
	}
	if counts["sp-good"] <= counts["sp-bad"] {
		t.Fatalf("expected sp-good to be favored, got counts=%v", counts)
	}
}
