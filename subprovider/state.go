// Package subprovider implements the per-API-key fast-path state machine:
// rolling rate/token windows, concurrency reservation, rolling health, and
// the circuit breaker. Every mutation is serialized per sub-provider
// instance via an internal mutex — concurrent mutations on different
// sub-providers never contend (spec.md §5).
package subprovider

import (
	"sync"
	"time"

	"github.com/ferro-labs/creditgw/internal/metrics"
)

// circuitStateGauge is the value internal/metrics.CircuitBreakerState
// reports for each CircuitState.
var circuitStateGauge = map[CircuitState]float64{
	CircuitClosed:   0,
	CircuitOpen:     1,
	CircuitHalfOpen: 2,
}

func (s *State) reportCircuitLocked() {
	metrics.CircuitBreakerState.WithLabelValues(s.ID).Set(circuitStateGauge[s.circuitState])
}

// CircuitState is the circuit breaker's current state.
type CircuitState string

// CircuitState constants.
const (
	CircuitClosed   CircuitState = "closed"
	CircuitHalfOpen CircuitState = "half_open"
	CircuitOpen     CircuitState = "open"
)

// Circuit breaker constants, fixed by the spec.
const (
	FailureThreshold = 3
	OpenTimeout      = 120 * time.Second
)

// Limits holds the per-sub-provider capacity ceilings.
type Limits struct {
	MaxRequestsPerMinute  int64
	MaxRequestsPerHour    int64
	MaxTokensPerMinute    int64
	MaxConcurrentRequests int64
}

// ErrorType classifies a recorded failure; see adapter.ErrorType for the
// shared taxonomy used across the orchestrator and sub-provider.
type ErrorType string

// State is the fast-path, per-sub-provider mutable state block described
// in spec.md §3/§4.2. All exported methods are safe for concurrent use.
type State struct {
	mu sync.Mutex

	ID      string
	Enabled bool
	HasKey  bool // hasActiveApiKey
	Limits  Limits

	requestWindow rollingWindow
	tokenWindow   rollingWindow
	concurrent    int64

	circuitState  CircuitState
	lastTriggerAt time.Time

	successCount      int64
	errorCount        int64
	consecutiveErrors int
	avgLatencyMS      float64
	lastErrorType     ErrorType
	lastUsedAt        time.Time
	totalTokenUsage   int64
}

// New constructs a State in the closed, enabled state.
func New(id string, limits Limits, enabled, hasKey bool) *State {
	s := &State{
		ID:           id,
		Enabled:      enabled,
		HasKey:       hasKey,
		Limits:       limits,
		circuitState: CircuitClosed,
	}
	s.reportCircuitLocked()
	return s
}

// Snapshot is a read-only, internally-consistent copy of a State, used by
// the load balancer's scoring step and by tests.
type Snapshot struct {
	Enabled                   bool
	HasKey                    bool
	Limits                    Limits
	RequestsPerMinute         int64
	TokensPerMinute           int64
	CurrentConcurrentRequests int64
	CircuitState              CircuitState
	LastTriggerAt             time.Time
	SuccessCount              int64
	ErrorCount                int64
	ConsecutiveErrors         int
	AvgLatencyMS              float64
	HealthScore               float64
	IsHealthy                 bool
	IsAvailable               bool
	TotalRequests             int64
}

// Snapshot takes a consistent snapshot of the state at time now.
func (s *State) Snapshot(now time.Time) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(now)
}

func (s *State) snapshotLocked(now time.Time) Snapshot {
	health := s.healthScoreLocked()
	circuit := s.resolveCircuitLocked(now)
	isHealthy := health > 0.05 && (circuit == CircuitClosed || circuit == CircuitHalfOpen)
	rpm := s.requestWindow.sum(now)
	tpm := s.tokenWindow.sum(now)
	rateLimited := rpm >= s.Limits.MaxRequestsPerMinute && s.Limits.MaxRequestsPerMinute > 0
	concurrencyLimited := s.concurrent >= s.Limits.MaxConcurrentRequests && s.Limits.MaxConcurrentRequests > 0
	available := s.Enabled && isHealthy && !rateLimited && !concurrencyLimited && s.HasKey

	return Snapshot{
		Enabled:                   s.Enabled,
		HasKey:                    s.HasKey,
		Limits:                    s.Limits,
		RequestsPerMinute:         rpm,
		TokensPerMinute:           tpm,
		CurrentConcurrentRequests: s.concurrent,
		CircuitState:              circuit,
		LastTriggerAt:             s.lastTriggerAt,
		SuccessCount:              s.successCount,
		ErrorCount:                s.errorCount,
		ConsecutiveErrors:         s.consecutiveErrors,
		AvgLatencyMS:              s.avgLatencyMS,
		HealthScore:               health,
		IsHealthy:                 isHealthy,
		IsAvailable:               available,
		TotalRequests:             s.successCount + s.errorCount,
	}
}

// CanHandleRequest reports whether a reservation of estimatedTokens would
// currently succeed, without mutating state.
func (s *State) CanHandleRequest(now time.Time, estimatedTokens int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canHandleRequestLocked(now, estimatedTokens)
}

func (s *State) canHandleRequestLocked(now time.Time, estimatedTokens int64) bool {
	rpm := s.requestWindow.sum(now)
	tpm := s.tokenWindow.sum(now)

	if s.Limits.MaxRequestsPerMinute > 0 && rpm+1 > s.Limits.MaxRequestsPerMinute {
		return false
	}
	if s.Limits.MaxTokensPerMinute > 0 && tpm+estimatedTokens > s.Limits.MaxTokensPerMinute {
		return false
	}
	if s.Limits.MaxConcurrentRequests > 0 && s.concurrent+1 > s.Limits.MaxConcurrentRequests {
		return false
	}
	return true
}

// ReserveCapacity atomically checks CanHandleRequest and, on success,
// reserves the capacity: appends to both rolling windows and increments
// the concurrency counter. Returns whether the reservation succeeded.
func (s *State) ReserveCapacity(now time.Time, estimatedTokens int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.canHandleRequestLocked(now, estimatedTokens) {
		return false
	}
	s.requestWindow.add(now, 1)
	if estimatedTokens > 0 {
		s.tokenWindow.add(now, estimatedTokens)
	}
	s.concurrent++
	return true
}

// ReleaseCapacity decrements the in-flight concurrency counter, saturating
// at zero.
func (s *State) ReleaseCapacity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.concurrent > 0 {
		s.concurrent--
	}
}

// RecordSuccess records a successful call: updates counters, running
// latency average, resets the consecutive-error streak, and advances the
// circuit breaker.
func (s *State) RecordSuccess(now time.Time, latency time.Duration, tokensUsed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.successCount++
	s.totalTokenUsage += tokensUsed
	s.consecutiveErrors = 0
	s.lastUsedAt = now
	s.updateAvgLatencyLocked(latency)
	s.advanceCircuitOnSuccessLocked(now)
}

// RecordError records a failed call: updates counters, consecutive-error
// streak, optional latency, and advances the circuit breaker.
func (s *State) RecordError(now time.Time, errType ErrorType, latency *time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.errorCount++
	s.consecutiveErrors++
	s.lastErrorType = errType
	s.lastUsedAt = now
	if latency != nil {
		s.updateAvgLatencyLocked(*latency)
	}
	s.advanceCircuitOnErrorLocked(now)
}

func (s *State) updateAvgLatencyLocked(latency time.Duration) {
	n := s.successCount + s.errorCount
	if n <= 0 {
		n = 1
	}
	ms := float64(latency.Milliseconds())
	s.avgLatencyMS = (s.avgLatencyMS*float64(n-1) + ms) / float64(n)
}

// healthScoreLocked derives the [0,1] health score from recent outcomes.
func (s *State) healthScoreLocked() float64 {
	total := s.successCount + s.errorCount
	if total == 0 {
		return 0.8
	}
	successRate := float64(s.successCount) / float64(total)
	errorPenalty := min(0.05*float64(s.consecutiveErrors), 0.3)
	latencyPenalty := max(0.0, (s.avgLatencyMS-60_000)/120_000)
	score := successRate - errorPenalty - latencyPenalty
	return clamp(score, 0.3, 1.0)
}

// HealthScore returns the current derived health score.
func (s *State) HealthScore() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthScoreLocked()
}

// resolveCircuitLocked transitions open->half_open if OpenTimeout has
// elapsed, mirroring the health monitor's auto-recovery pass so reads are
// self-healing even between ticks.
func (s *State) resolveCircuitLocked(now time.Time) CircuitState {
	if s.circuitState == CircuitOpen && now.Sub(s.lastTriggerAt) > OpenTimeout {
		s.circuitState = CircuitHalfOpen
		s.reportCircuitLocked()
	}
	return s.circuitState
}

func (s *State) advanceCircuitOnSuccessLocked(now time.Time) {
	state := s.resolveCircuitLocked(now)
	if state == CircuitHalfOpen && s.consecutiveErrors == 0 {
		s.circuitState = CircuitClosed
		s.reportCircuitLocked()
	}
}

func (s *State) advanceCircuitOnErrorLocked(now time.Time) {
	state := s.resolveCircuitLocked(now)
	switch state {
	case CircuitClosed:
		if s.consecutiveErrors >= FailureThreshold {
			s.circuitState = CircuitOpen
			s.lastTriggerAt = now
			s.reportCircuitLocked()
		}
	case CircuitHalfOpen:
		if s.consecutiveErrors >= 2 {
			s.circuitState = CircuitOpen
			s.lastTriggerAt = now
			s.reportCircuitLocked()
		}
	}
}

// CircuitState returns the current (resolved) circuit state.
func (s *State) CircuitStateNow(now time.Time) CircuitState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveCircuitLocked(now)
}

// OpenCircuitBreaker forces the circuit into the open state.
func (s *State) OpenCircuitBreaker(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.circuitState = CircuitOpen
	s.lastTriggerAt = now
	s.reportCircuitLocked()
}

// CloseCircuitBreaker forces the circuit closed and zeros the
// consecutive-error streak.
func (s *State) CloseCircuitBreaker() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.circuitState = CircuitClosed
	s.consecutiveErrors = 0
	s.reportCircuitLocked()
}

// HalfOpenCircuitBreaker forces the circuit into the half-open state.
func (s *State) HalfOpenCircuitBreaker() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.circuitState = CircuitHalfOpen
	s.reportCircuitLocked()
}

// TickAutoRecovery transitions an open circuit to half-open once
// OpenTimeout has elapsed. Called by the health monitor on its 10s tick;
// harmless to call more often since it is idempotent.
func (s *State) TickAutoRecovery(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolveCircuitLocked(now)
}

// LastTriggerAt returns when the circuit last tripped open.
func (s *State) LastTriggerAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTriggerAt
}

// ConsecutiveErrors returns the current consecutive-error streak.
func (s *State) ConsecutiveErrors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveErrors
}

// Disable marks the sub-provider ineligible for future selection, used by
// the orchestrator's critical-error handler (spec.md §4.8 Step 5f) when a
// failure message matches a permanent-credential pattern or the
// consecutive-error streak reaches the circuit's failure threshold.
func (s *State) Disable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Enabled = false
}

// Enable re-admits a previously disabled sub-provider to selection.
func (s *State) Enable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Enabled = true
}

func clamp(x, lo, hi float64) float64 {
	return max(lo, min(x, hi))
}
