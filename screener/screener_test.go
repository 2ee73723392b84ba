package screener

import (
	"context"
	"errors"
	"testing"

	"github.com/ferro-labs/creditgw/adapter"
	"github.com/ferro-labs/creditgw/balancer"
	"github.com/ferro-labs/creditgw/registry"
	"github.com/ferro-labs/creditgw/subprovider"
)

type fakeCandidates struct {
	candidates []balancer.Candidate
}

func (f fakeCandidates) CandidatesForModel(modelID string) []balancer.Candidate {
	return f.candidates
}

type fakeCredentials struct{}

func (fakeCredentials) Resolve(subProviderID string) (string, map[string]string, error) {
	return "test-key", map[string]string{}, nil
}

type failingCredentials struct{}

func (failingCredentials) Resolve(subProviderID string) (string, map[string]string, error) {
	return "", nil, errors.New("decrypt failed")
}

type moderationAdapter struct {
	name   string
	scores map[string]float64
	err    error
}

func (m moderationAdapter) Name() string                    { return m.name }
func (m moderationAdapter) SupportsModel(model string) bool { return true }
func (m moderationAdapter) SupportsCapability(capability string) bool {
	return capability == "moderation"
}
func (m moderationAdapter) GetMappedModel(model string) string { return model }
func (m moderationAdapter) ModerateContent(ctx context.Context, input, model string) (*adapter.ModerationResult, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &adapter.ModerationResult{Scores: m.scores}, nil
}

func newScreener(t *testing.T, mod moderationAdapter) *Screener {
	reg := registry.New()
	reg.Register(mod)
	cands := fakeCandidates{candidates: []balancer.Candidate{
		{
			SubProviderID: "sp-mod",
			ProviderID:    mod.name,
			Snapshot: subprovider.Snapshot{
				Enabled: true, HasKey: true, IsHealthy: true, IsAvailable: true,
				CircuitState: subprovider.CircuitClosed,
				Limits:       subprovider.Limits{MaxConcurrentRequests: 10},
			},
		},
	}}
	return New(balancer.NewWithSeed(1), balancer.NewSelectionTracker(), reg, cands, fakeCredentials{})
}

func TestScreenShortCircuitsLuminaModels(t *testing.T) {
	s := newScreener(t, moderationAdapter{name: "openai", scores: map[string]float64{"sexual/minors": 1.0}})
	v, err := s.Screen(context.Background(), "anything", RequestContext{ModelID: "lumina-1"})
	if err != nil {
		t.Fatal(err)
	}
	if v.Blocked || v.RiskLevel != "none" {
		t.Fatalf("lumina model should bypass moderation entirely, got %+v", v)
	}
}

func TestScreenBlocksKnownRoleplayOriginForUnverifiedFreeUser(t *testing.T) {
	s := newScreener(t, moderationAdapter{name: "openai", scores: map[string]float64{}})
	v, err := s.Screen(context.Background(), "hello", RequestContext{
		ModelID: "gpt-4o-mini", Origin: "https://janitorai.com", Plan: "free",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !v.Blocked || v.RiskLevel != "medium" || v.Category != "blacklisted_origin" {
		t.Fatalf("expected origin blacklist block, got %+v", v)
	}
}

func TestScreenAllowsBlacklistedOriginForRPVerifiedUser(t *testing.T) {
	s := newScreener(t, moderationAdapter{name: "openai", scores: map[string]float64{}})
	v, err := s.Screen(context.Background(), "hello", RequestContext{
		ModelID: "gpt-4o-mini", Origin: "https://janitorai.com", Plan: "free", IsRPVerified: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if v.Blocked {
		t.Fatalf("RP-verified user should not be blocked by origin, got %+v", v)
	}
}

func TestScreenBlocksCriticalMinorScoreAndFlagsUserForDisable(t *testing.T) {
	s := newScreener(t, moderationAdapter{name: "openai", scores: map[string]float64{"sexual/minors": 0.9}})
	v, err := s.Screen(context.Background(), "content", RequestContext{ModelID: "gpt-4o-mini", Plan: "pro"})
	if err != nil {
		t.Fatal(err)
	}
	if !v.Blocked || v.RiskLevel != "critical" || !v.ShouldDisableUser {
		t.Fatalf("expected critical minor-score block with disable flag, got %+v", v)
	}
}

func TestScreenIgnoresMediumThresholdForRPVerifiedUser(t *testing.T) {
	s := newScreener(t, moderationAdapter{name: "openai", scores: map[string]float64{"violence": 0.95}})
	v, err := s.Screen(context.Background(), "content", RequestContext{
		ModelID: "gpt-4o-mini", Plan: "pro", IsRPVerified: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if v.Blocked {
		t.Fatalf("RP-verified users should not be blocked by medium-threshold categories, got %+v", v)
	}
}

func TestScreenBlocksMediumThresholdForUnverifiedFreeUser(t *testing.T) {
	s := newScreener(t, moderationAdapter{name: "openai", scores: map[string]float64{"violence": 0.95}})
	v, err := s.Screen(context.Background(), "content", RequestContext{ModelID: "gpt-4o-mini", Plan: "free"})
	if err != nil {
		t.Fatal(err)
	}
	if !v.Blocked || v.RiskLevel != "medium" || v.Category != "violence" {
		t.Fatalf("expected medium-threshold block, got %+v", v)
	}
}

func TestScreenSkipsMediumThresholdForPaidPlanChat(t *testing.T) {
	s := newScreener(t, moderationAdapter{name: "openai", scores: map[string]float64{"violence": 0.95}})
	v, err := s.Screen(context.Background(), "content", RequestContext{ModelID: "gpt-4o-mini", Plan: "pro"})
	if err != nil {
		t.Fatal(err)
	}
	if v.Blocked {
		t.Fatalf("paid-plan chat traffic should not be gated on the medium threshold, got %+v", v)
	}
}

// Two callers sending identical content must each get their own
// classification: the moderation scores are cached by content hash, but
// the plan gate is per request.
func TestScreenReclassifiesCachedScoresPerCaller(t *testing.T) {
	s := newScreener(t, moderationAdapter{name: "openai", scores: map[string]float64{"violence": 0.95}})

	free, err := s.Screen(context.Background(), "shared content", RequestContext{ModelID: "gpt-4o-mini", Plan: "free"})
	if err != nil {
		t.Fatal(err)
	}
	if !free.Blocked {
		t.Fatalf("free-plan caller should be blocked, got %+v", free)
	}

	paid, err := s.Screen(context.Background(), "shared content", RequestContext{ModelID: "gpt-4o-mini", Plan: "pro"})
	if err != nil {
		t.Fatal(err)
	}
	if paid.Blocked {
		t.Fatalf("paid-plan caller must not inherit the free-plan caller's block, got %+v", paid)
	}
}

func TestScreenUsesLowerThresholdForImageVariant(t *testing.T) {
	s := newScreener(t, moderationAdapter{name: "openai", scores: map[string]float64{"violence": 0.7}})
	v, err := s.Screen(context.Background(), "a prompt", RequestContext{ModelID: "dall-e-3", Plan: "pro", IsImageCall: true})
	if err != nil {
		t.Fatal(err)
	}
	if !v.Blocked || v.RiskLevel != "medium" {
		t.Fatalf("0.7 should cross the 0.65 image threshold, got %+v", v)
	}
}

func TestScreenFailsClosedForImagesWhenModerationUnavailable(t *testing.T) {
	s := newScreener(t, moderationAdapter{name: "openai", err: errors.New("upstream down")})
	v, err := s.Screen(context.Background(), "a prompt", RequestContext{ModelID: "dall-e-3", Plan: "pro", IsImageCall: true})
	if err != nil {
		t.Fatal(err)
	}
	if !v.Blocked || v.RiskLevel != "high" || v.Category != "moderation_unavailable" {
		t.Fatalf("expected fail-closed block for images, got %+v", v)
	}
}

func TestScreenReturnsErrorForNonImagesWhenModerationUnavailable(t *testing.T) {
	s := newScreener(t, moderationAdapter{name: "openai", err: errors.New("upstream down")})
	_, err := s.Screen(context.Background(), "hello", RequestContext{ModelID: "gpt-4o-mini", Plan: "pro"})
	if err == nil {
		t.Fatal("expected an error for a non-image request when moderation is unavailable")
	}
}

func TestScreenCachesModerationScoresByContentHash(t *testing.T) {
	calls := 0
	reg := registry.New()
	reg.Register(moderationAdapter{name: "openai", scores: map[string]float64{}})
	cands := fakeCandidates{candidates: []balancer.Candidate{{
		SubProviderID: "sp-mod", ProviderID: "openai",
		Snapshot: subprovider.Snapshot{
			Enabled: true, HasKey: true, IsHealthy: true, IsAvailable: true,
			Limits: subprovider.Limits{MaxConcurrentRequests: 10},
		},
	}}}
	countingCreds := countingResolver{calls: &calls}
	s := New(balancer.NewWithSeed(1), balancer.NewSelectionTracker(), reg, cands, countingCreds)

	rc := RequestContext{ModelID: "gpt-4o-mini", Plan: "pro"}
	if _, err := s.Screen(context.Background(), "same content", rc); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Screen(context.Background(), "same content", rc); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one moderation dispatch across two identical-content screens, got %d", calls)
	}
}

type countingResolver struct{ calls *int }

func (c countingResolver) Resolve(subProviderID string) (string, map[string]string, error) {
	*c.calls++
	return "key", map[string]string{}, nil
}

func TestScreenExcludesFailingSubProviderAndRetries(t *testing.T) {
	reg := registry.New()
	reg.Register(moderationAdapter{name: "bad", err: errors.New("down")})
	reg.Register(moderationAdapter{name: "good", scores: map[string]float64{}})
	cands := fakeCandidates{candidates: []balancer.Candidate{
		{SubProviderID: "sp-bad", ProviderID: "bad", Snapshot: subprovider.Snapshot{
			Enabled: true, HasKey: true, IsHealthy: true, IsAvailable: true,
			Limits: subprovider.Limits{MaxConcurrentRequests: 10},
		}},
		{SubProviderID: "sp-good", ProviderID: "good", Snapshot: subprovider.Snapshot{
			Enabled: true, HasKey: true, IsHealthy: true, IsAvailable: true,
			Limits: subprovider.Limits{MaxConcurrentRequests: 10},
		}},
	}}
	s := New(balancer.NewWithSeed(7), balancer.NewSelectionTracker(), reg, cands, fakeCredentials{})

	v, err := s.Screen(context.Background(), "hello", RequestContext{ModelID: "gpt-4o-mini", Plan: "pro"})
	if err != nil {
		t.Fatalf("expected retry onto the good sub-provider to succeed, got err=%v", err)
	}
	if v.Blocked {
		t.Fatalf("unexpected block: %+v", v)
	}
}
