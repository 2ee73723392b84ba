// Package screener implements the content safety gate described in
// spec.md §4.7: a cached moderation check that runs ahead of every chat
// and image request, short-circuiting well-known clients, blocking known
// roleplay-aggregator origins for unverified free-plan users, and
// classifying moderation scores into block/allow decisions. Grounded on
// the teacher's internal/cache.Memory for the verdict cache and on
// balancer.Balancer/registry.Registry for dispatching the moderation call
// itself, since content moderation is just another capability routed
// through the same selection and credential-derivation path as any other
// upstream call.
package screener

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ferro-labs/creditgw/adapter"
	"github.com/ferro-labs/creditgw/balancer"
	"github.com/ferro-labs/creditgw/registry"
	"github.com/ferro-labs/creditgw/secret"
)

// ModerationModel is the hard-coded upstream model spec.md §4.7 names for
// every moderation call, independent of whichever model the inbound
// request actually targets.
const ModerationModel = "omni-moderation-latest"

// maxModerationAttempts bounds the selection retry loop (spec.md §4.5,
// specialized to the moderation capability's own sub-provider pool).
const maxModerationAttempts = 5

// cacheTTL is the lifetime of a cached moderation score set, keyed by
// content hash.
const cacheTTL = 24 * time.Hour

const cacheCapacity = 50000

// minorScoreThreshold is the sexual/minors critical threshold; crossing
// it blocks the request and flags the user for disabling.
const minorScoreThreshold = 0.85

// mediumScoreThreshold gates every other moderation category for
// non-RP-verified users.
const mediumScoreThreshold = 0.85

// imageVariantThreshold is the lower bar applied to image-generation
// prompts, which are screened pre-generation rather than post-hoc.
const imageVariantThreshold = 0.65

// blockedOrigins is the hard-coded roleplay-aggregator denylist:
// free-plan, non-RP-verified traffic from any of these origins is
// blocked outright, without even reaching the moderation model.
var blockedOrigins = []string{
	"janitor", "spicychat", "crushon", "replika", "chub", "silly", "tavern",
}

// moderationCategories is the fixed scan list for the medium threshold,
// the standard OpenAI moderation taxonomy (not itself named verbatim by
// any one corpus file, but implied by the omni-moderation-latest model
// name and documented as a deliberate choice in DESIGN.md).
var moderationCategories = []string{
	"sexual", "sexual/minors",
	"violence", "violence/graphic",
	"hate", "hate/threatening",
	"self-harm", "self-harm/intent", "self-harm/instructions",
	"harassment", "harassment/threatening",
}

const minorCategoryKey = "sexual/minors"

// ErrModerationUnavailable is returned when every candidate sub-provider
// for the moderation capability is exhausted or unhealthy.
var ErrModerationUnavailable = errors.New("screener: moderation capability unavailable")

// Verdict is the outcome of a content screen.
type Verdict struct {
	Blocked           bool
	RiskLevel         string // "none", "medium", "high", "critical"
	Category          string
	ShouldDisableUser bool
	Scores            map[string]float64
	MaxScore          float64
}

// RequestContext carries the per-request signals the screen needs beyond
// the content itself.
type RequestContext struct {
	ModelID      string
	Origin       string
	Plan         string
	IsRPVerified bool
	IsImageCall  bool
}

// luminaModelPrefix marks models the screener trusts without a
// moderation round-trip, per spec.md §4.7 Step 1's lumina short-circuit.
const luminaModelPrefix = "lumina"

// CandidateSource resolves the sub-providers eligible to serve the
// moderation capability for a given model. The orchestrator's live
// provider/sub-provider store implements this; screener never needs to
// know how that store is shaped.
type CandidateSource interface {
	CandidatesForModel(modelID string) []balancer.Candidate
}

// CredentialResolver fetches the decrypted API key and model mapping a
// chosen sub-provider needs to serve a request. Decryption happens on
// demand here and the result is never cached by screener itself, per
// spec.md §4.3.
type CredentialResolver interface {
	Resolve(subProviderID string) (apiKey string, modelMapping map[string]string, err error)
}

// Screener runs the content safety pipeline.
type Screener struct {
	balancer    *balancer.Balancer
	tracker     *balancer.SelectionTracker
	registry    *registry.Registry
	candidates  CandidateSource
	credentials CredentialResolver
	cache       *moderationCache
}

// New constructs a Screener.
func New(b *balancer.Balancer, tracker *balancer.SelectionTracker, reg *registry.Registry, candidates CandidateSource, credentials CredentialResolver) *Screener {
	return &Screener{
		balancer:    b,
		tracker:     tracker,
		registry:    reg,
		candidates:  candidates,
		credentials: credentials,
		cache:       newModerationCache(cacheCapacity, cacheTTL),
	}
}

// Screen runs the full spec.md §4.7 pipeline against content and returns
// the resulting Verdict. The moderation round-trip is cached by content
// hash; the classification itself runs fresh every call because it
// depends on the caller's plan, verification, and capability context,
// not just the content.
func (s *Screener) Screen(ctx context.Context, content string, rc RequestContext) (Verdict, error) {
	if strings.HasPrefix(strings.ToLower(rc.ModelID), luminaModelPrefix) {
		return Verdict{RiskLevel: "none"}, nil
	}

	if isBlockedOrigin(rc) {
		return Verdict{Blocked: true, RiskLevel: "medium", Category: "blacklisted_origin"}, nil
	}

	key := cacheKey(content)
	scores, ok := s.cache.Get(key)
	if !ok {
		result, err := s.moderate(ctx, content)
		if err != nil {
			if rc.IsImageCall {
				// Image prompts fail closed: an unavailable moderation
				// capability blocks the request rather than letting it through.
				return Verdict{Blocked: true, RiskLevel: "high", Category: "moderation_unavailable"}, nil
			}
			return Verdict{}, err
		}
		scores = result.Scores
		s.cache.Set(key, scores)
	}

	return classify(scores, rc), nil
}

func isBlockedOrigin(rc RequestContext) bool {
	if rc.IsRPVerified || rc.Plan != "free" {
		return false
	}
	if rc.Origin == "" {
		return false
	}
	origin := strings.ToLower(rc.Origin)
	for _, blocked := range blockedOrigins {
		if strings.Contains(origin, blocked) {
			return true
		}
	}
	return false
}

func classify(scores map[string]float64, rc RequestContext) Verdict {
	v := Verdict{RiskLevel: "none", Scores: scores}

	threshold := mediumScoreThreshold
	if rc.IsImageCall {
		threshold = imageVariantThreshold
	}

	if minorScore := scores[minorCategoryKey]; minorScore >= minorScoreThreshold {
		v.Blocked = true
		v.RiskLevel = "critical"
		v.Category = minorCategoryKey
		v.ShouldDisableUser = true
		v.MaxScore = minorScore
		return v
	}

	if !rc.IsImageCall && (rc.IsRPVerified || rc.Plan != "free") {
		// The medium-threshold scan only applies to chat/responses traffic
		// from non-RP-verified users on the free plan; RP-verified and
		// paid-plan users skip it (the critical minor-score threshold above
		// still applies to everyone). The image variant has no such plan
		// gate and always screens at its own lower bar.
		return v
	}

	var worstCategory string
	var worstScore float64
	for _, category := range moderationCategories {
		if score := scores[category]; score > worstScore {
			worstScore = score
			worstCategory = category
		}
	}
	v.MaxScore = worstScore
	if worstScore >= threshold {
		v.Blocked = true
		v.RiskLevel = "medium"
		v.Category = worstCategory
	}
	return v
}

func cacheKey(content string) string {
	return "security:" + secret.Hash([]byte(content))
}

// moderate dispatches the moderation call through the same
// select-derive-invoke path every other capability uses, retrying up to
// maxModerationAttempts times against distinct sub-providers and without
// requiring health (spec.md §4.7 Step 4).
func (s *Screener) moderate(ctx context.Context, content string) (*adapter.ModerationResult, error) {
	excluded := make(map[string]struct{})
	var lastErr error

	for attempt := 0; attempt < maxModerationAttempts; attempt++ {
		pool := s.candidates.CandidatesForModel(ModerationModel)
		decision, err := s.balancer.Select(pool, "moderation", 0, excluded, false, s.tracker)
		if err != nil {
			if lastErr == nil {
				lastErr = err
			}
			break
		}

		apiKey, mapping, err := s.credentials.Resolve(decision.SubProviderID)
		if err != nil {
			lastErr = err
			excluded[decision.SubProviderID] = struct{}{}
			continue
		}

		ad, err := s.registry.DeriveForSubProvider(decision.ProviderID, apiKey, mapping)
		if err != nil {
			lastErr = err
			excluded[decision.SubProviderID] = struct{}{}
			continue
		}

		modAd, ok := ad.(adapter.ModerationAdapter)
		if !ok {
			lastErr = fmt.Errorf("screener: adapter %q does not support moderation", decision.ProviderID)
			excluded[decision.SubProviderID] = struct{}{}
			continue
		}

		result, err := modAd.ModerateContent(ctx, content, ModerationModel)
		if err != nil {
			lastErr = err
			excluded[decision.SubProviderID] = struct{}{}
			continue
		}
		return result, nil
	}

	if lastErr == nil {
		lastErr = ErrModerationUnavailable
	}
	return nil, lastErr
}
