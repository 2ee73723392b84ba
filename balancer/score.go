package balancer

import "github.com/ferro-labs/creditgw/subprovider"

// newRequestFloor is the total-request count below which a sub-provider is
// considered too young to have a trustworthy success/latency/health
// history (spec.md §4.4 Step 2 "new").
const newRequestFloor = 5

func clamp01(x, lo, hi float64) float64 {
	return min(hi, max(lo, x))
}

func isNewSubProvider(total int64) bool { return total < newRequestFloor }

// successRateScore floors to 0.7 for a new sub-provider rather than
// penalizing it for having no history yet.
func successRateScore(s subprovider.Snapshot) float64 {
	total := s.SuccessCount + s.ErrorCount
	if isNewSubProvider(total) {
		return 0.7
	}
	return clamp01(float64(s.SuccessCount)/float64(total), 0, 1)
}

// latencyScore decays linearly from 1.0 at 0ms to 0.0 at 8s average
// latency, flooring to 0.6 for a new sub-provider.
func latencyScore(s subprovider.Snapshot) float64 {
	total := s.SuccessCount + s.ErrorCount
	if isNewSubProvider(total) {
		return 0.6
	}
	return max(0, 1-s.AvgLatencyMS/8000)
}

// healthComponent reads the sub-provider's own rolling health score,
// flooring a new sub-provider to 0.7.
func healthComponent(s subprovider.Snapshot) float64 {
	total := s.SuccessCount + s.ErrorCount
	if isNewSubProvider(total) {
		return 0.7
	}
	return clamp01(s.HealthScore, 0, 1)
}

// availabilityScore is binary: the sub-provider's own isAvailable
// derivation already folds in enablement, health, rate limiting and
// credentialing.
func availabilityScore(s subprovider.Snapshot) float64 {
	if s.IsAvailable {
		return 1
	}
	return 0
}

func utilization(current, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(current) / float64(limit)
}

// capacityScore rewards headroom against whichever of the three limits
// (requests/min, tokens/min with the request's estimate, concurrency) is
// closest to being exhausted.
func capacityScore(s subprovider.Snapshot, estimatedTokens int64) float64 {
	rpmUtil := utilization(s.RequestsPerMinute, s.Limits.MaxRequestsPerMinute)
	tpmUtil := utilization(s.TokensPerMinute+estimatedTokens, s.Limits.MaxTokensPerMinute)
	concUtil := utilization(s.CurrentConcurrentRequests, s.Limits.MaxConcurrentRequests)
	worst := max(rpmUtil, max(tpmUtil, concUtil))
	return max(0, 1-worst)
}

// usageBalanceScore is the largest-weighted component: it spreads traffic
// toward sub-providers that have handled fewer than 50 requests lately,
// with a floor of 0.3 so a very busy sub-provider is disfavored but never
// fully excluded.
func usageBalanceScore(totalRequests int64) float64 {
	if totalRequests == 0 {
		return 0.9
	}
	return max(0.3, 1-float64(totalRequests)/50)
}

// consecutiveErrorPenalty is subtracted from the composite score on top of
// whatever the health component already reflects, so a sub-provider mid
// error-streak drops fast even before its rolling health score catches up.
func consecutiveErrorPenalty(consecutiveErrors int) float64 {
	return min(0.4, float64(consecutiveErrors)*0.1)
}

// usagePenalty is the Step 5 adjustment: once a sub-provider has handled
// more than 20 requests, shave a little more off its score proportional to
// how busy it has been, on top of the usageBalance component.
func usagePenalty(totalRequests int64) float64 {
	if totalRequests <= 20 {
		return 0
	}
	return min(0.2, float64(totalRequests)/200)
}

// component weights, spec.md §4.4 Step 2.
const (
	weightSuccessRate  = 0.20
	weightLatency      = 0.15
	weightHealth       = 0.15
	weightAvailability = 0.10
	weightCapacity     = 0.10
	weightUsageBalance = 0.30
)

// unhealthyScore is the fixed score assigned to a sub-provider the health
// predicate has already excluded from consideration (spec.md §4.4 Step 2).
const unhealthyScore = 0.05

// baseScore computes Step 2: the weighted six-component sum minus the
// consecutive-error penalty, clamped to [0.1, 1.0]. A sub-provider already
// classified unhealthy scores a fixed 0.05 regardless of its components.
func baseScore(snap subprovider.Snapshot, estimatedTokens int64) float64 {
	if !snap.IsHealthy {
		return unhealthyScore
	}
	sum := successRateScore(snap)*weightSuccessRate +
		latencyScore(snap)*weightLatency +
		healthComponent(snap)*weightHealth +
		availabilityScore(snap)*weightAvailability +
		capacityScore(snap, estimatedTokens)*weightCapacity +
		usageBalanceScore(snap.TotalRequests)*weightUsageBalance
	sum -= consecutiveErrorPenalty(snap.ConsecutiveErrors)
	return clamp01(sum, 0.1, 1.0)
}

// compositeScore runs Steps 2, 4 and 5: base score, then the tracker's
// avoidance bonus/penalty, then the usage penalty. The result still needs
// Step 6's clamp-and-normalize treatment, applied by the caller across the
// whole candidate set.
func compositeScore(snap subprovider.Snapshot, estimatedTokens int64, tracker *SelectionTracker, id string) float64 {
	score := baseScore(snap, estimatedTokens)
	if tracker != nil {
		score += tracker.avoidanceAdjustment(id)
	}
	score -= usagePenalty(snap.TotalRequests)
	return score
}
