package balancer

import (
	"testing"

	"github.com/ferro-labs/creditgw/subprovider"
)

func healthySnapshot(total, success int64) subprovider.Snapshot {
	return subprovider.Snapshot{
		Enabled:       true,
		HasKey:        true,
		IsHealthy:     true,
		IsAvailable:   true,
		CircuitState:  subprovider.CircuitClosed,
		SuccessCount:  success,
		ErrorCount:    total - success,
		HealthScore:   0.9,
		AvgLatencyMS:  500,
		TotalRequests: total,
		Limits:        subprovider.Limits{MaxConcurrentRequests: 10},
	}
}

func TestNewSubProviderFloorsScores(t *testing.T) {
	s := healthySnapshot(0, 0)
	if got := successRateScore(s); got != 0.7 {
		t.Fatalf("successRateScore = %v, want 0.7", got)
	}
	if got := latencyScore(s); got != 0.6 {
		t.Fatalf("latencyScore = %v, want 0.6", got)
	}
	if got := healthComponent(s); got != 0.7 {
		t.Fatalf("healthComponent = %v, want 0.7", got)
	}
}

func TestSuccessRateScoreReflectsHistory(t *testing.T) {
	s := healthySnapshot(20, 10)
	if got := successRateScore(s); got != 0.5 {
		t.Fatalf("successRateScore = %v, want 0.5", got)
	}
}

func TestAvailabilityScoreFollowsIsAvailable(t *testing.T) {
	available := healthySnapshot(10, 10)
	if got := availabilityScore(available); got != 1.0 {
		t.Fatalf("available = %v, want 1.0", got)
	}

	unavailable := available
	unavailable.IsAvailable = false
	if got := availabilityScore(unavailable); got != 0 {
		t.Fatalf("unavailable = %v, want 0", got)
	}
}

func TestUsageBalanceScoreDecaysWithTotalRequests(t *testing.T) {
	if got := usageBalanceScore(0); got != 0.9 {
		t.Fatalf("zero-traffic usage score = %v, want 0.9", got)
	}
	if got := usageBalanceScore(25); got != 0.5 {
		t.Fatalf("usage score at 25 requests = %v, want 0.5", got)
	}
	if got := usageBalanceScore(1000); got != 0.3 {
		t.Fatalf("usage score floors at 0.3, got %v", got)
	}
}

func TestConsecutiveErrorPenaltyCaps(t *testing.T) {
	if got := consecutiveErrorPenalty(100); got != 0.4 {
		t.Fatalf("penalty = %v, want capped at 0.4", got)
	}
	if got := consecutiveErrorPenalty(2); got != 0.2 {
		t.Fatalf("penalty = %v, want 0.2", got)
	}
}

func TestUsagePenaltyOnlyAppliesAboveTwenty(t *testing.T) {
	if got := usagePenalty(20); got != 0 {
		t.Fatalf("usagePenalty(20) = %v, want 0", got)
	}
	if got := usagePenalty(40); got != 0.2 {
		t.Fatalf("usagePenalty(40) = %v, want 0.2", got)
	}
	if got := usagePenalty(1000); got != 0.2 {
		t.Fatalf("usagePenalty caps at 0.2, got %v", got)
	}
}

func TestBaseScoreUnhealthyIsFixed(t *testing.T) {
	s := healthySnapshot(50, 50)
	s.IsHealthy = false
	if got := baseScore(s, 0); got != unhealthyScore {
		t.Fatalf("unhealthy base score = %v, want %v", got, unhealthyScore)
	}
}

func TestBaseScoreClampedToFloor(t *testing.T) {
	s := healthySnapshot(50, 0)
	s.ConsecutiveErrors = 50
	s.HealthScore = 0.3
	got := baseScore(s, 0)
	if got < 0.1 {
		t.Fatalf("base score = %v, want >= 0.1 floor", got)
	}
}

func TestCompositeScoreRewardsHealthierCandidate(t *testing.T) {
	good := healthySnapshot(100, 100)
	bad := healthySnapshot(100, 10)
	bad.ConsecutiveErrors = 5

	gs := compositeScore(good, 10, nil, "good")
	bs := compositeScore(bad, 10, nil, "bad")
	if gs <= bs {
		t.Fatalf("expected healthier candidate to score higher: good=%v bad=%v", gs, bs)
	}
}
