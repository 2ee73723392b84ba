// Package orchestrator implements the per-capability request pipeline
// (spec.md §4.8, component C8): validate, screen, authorize, record,
// retry-select-dispatch, and finalize. Grounded on the teacher's
// gateway.go Route method for the overall admit-then-dispatch shape and
// structured-logging style, generalized from a single static routing
// strategy to the full selection/reservation/credit-metering pipeline
// spec.md describes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/ferro-labs/creditgw/adapter"
	"github.com/ferro-labs/creditgw/balancer"
	"github.com/ferro-labs/creditgw/catalog"
	"github.com/ferro-labs/creditgw/discount"
	"github.com/ferro-labs/creditgw/internal/metrics"
	"github.com/ferro-labs/creditgw/ledger"
	"github.com/ferro-labs/creditgw/provider"
	"github.com/ferro-labs/creditgw/registry"
	"github.com/ferro-labs/creditgw/screener"
	"github.com/ferro-labs/creditgw/subprovider"
	"github.com/ferro-labs/creditgw/user"
)

// Retry loop bounds (spec.md §4.8 Step 5).
const (
	retryBoundChat  = 10
	retryBoundOther = 5
)

// CandidateSource resolves the sub-providers eligible to serve a model,
// mirroring screener.CandidateSource so both packages can share one
// bootstrap-time implementation.
type CandidateSource interface {
	CandidatesForModel(modelID string) []balancer.Candidate
}

// CredentialResolver decrypts a sub-provider's API key on demand. Never
// cached by the orchestrator itself (spec.md §6 persisted state note).
type CredentialResolver interface {
	Resolve(subProviderID string) (apiKey string, modelMapping map[string]string, err error)
}

// SubProviderStates resolves a sub-provider id to its live fast-path
// state block.
type SubProviderStates interface {
	Get(subProviderID string) (*subprovider.State, bool)
}

// ProviderStates resolves a provider id to its live aggregate metrics.
type ProviderStates interface {
	GetProvider(providerID string) (*provider.Provider, bool)
}

// DiscountLookup finds a user's live discount row for a given model, if
// any (spec.md §4.8 Step 1's plan-access fallback and S6).
type DiscountLookup interface {
	ActiveDiscountFor(ctx context.Context, userID, modelID string, now time.Time) (*discount.UserDiscount, error)
}

// UserDisabler disables a user's account and dispatches the external
// critical-violation alert (spec.md §4.7's "user is disabled ... alert is
// dispatched", both out-of-core collaborators).
type UserDisabler interface {
	DisableUser(ctx context.Context, userID, reason string) error
}

// Pipeline wires every collaborator the orchestrator needs. One Pipeline
// serves every capability; capability-specific entry points live in
// chat.go, embeddings.go, images.go, audio.go, and moderation.go.
type Pipeline struct {
	Catalog     catalog.Catalog
	Ledger      *ledger.Ledger
	Screener    *screener.Screener
	Balancer    *balancer.Balancer
	Tracker     *balancer.SelectionTracker
	Registry    *registry.Registry
	Candidates  CandidateSource
	Credentials CredentialResolver
	SubStates   SubProviderStates
	ProvStates  ProviderStates
	Discounts   DiscountLookup
	Disabler    UserDisabler
	Log         *slog.Logger
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Log != nil {
		return p.Log
	}
	return slog.Default()
}

// EstimateTokens approximates token count from character count via
// ceil(chars/4), used whenever upstream usage metadata is unavailable
// (spec.md §4.8 Step 6).
func EstimateTokens(chars int) int64 {
	if chars <= 0 {
		return 0
	}
	return int64(math.Ceil(float64(chars) / 4))
}

// AdmittedRequest is the outcome of a successful Admit call: everything
// Dispatch and Finalize need to complete the pipeline.
type AdmittedRequest struct {
	RequestID            string
	UserID               string
	Model                string
	Endpoint             string
	EstimatedInputTokens int64
	IsMasterAdmin        bool
	Discount             *catalog.Discount
}

// Admit runs spec.md §4.8 Steps 1-4: field/model/plan validation, content
// screening, credit/IP/enabled authorization, and ledger request-start
// recording. content is the concatenated user-visible text to screen;
// pass "" to skip screening (e.g. embeddings have no screenable prose).
func (p *Pipeline) Admit(ctx context.Context, capability, endpoint, modelID string, estimatedInputTokens int64, content string, isImageCall bool, u user.AuthenticatedUser, ci user.ClientInfo) (*AdmittedRequest, error) {
	if modelID == "" {
		return nil, errModelRequired
	}
	model, ok := p.Catalog.ByID(modelID)
	if !ok {
		return nil, errModelUnknown(modelID)
	}
	if !model.HasEndpoint(endpoint) {
		return nil, errEndpointNotSupported(modelID, endpoint)
	}

	var liveDiscount *discount.UserDiscount
	if !p.Catalog.HasAccess(modelID, u.Plan) {
		if p.Discounts != nil {
			d, err := p.Discounts.ActiveDiscountFor(ctx, u.ID, modelID, time.Now())
			if err == nil && d != nil && d.Multiplier > 1 {
				liveDiscount = d
			}
		}
		if liveDiscount == nil {
			return nil, errPlanDenied(modelID)
		}
	} else if p.Discounts != nil {
		if d, err := p.Discounts.ActiveDiscountFor(ctx, u.ID, modelID, time.Now()); err == nil && d != nil && d.Multiplier > 1 {
			liveDiscount = d
		}
	}

	if content != "" {
		verdict, err := p.Screener.Screen(ctx, content, screener.RequestContext{
			ModelID: modelID, Origin: ci.Origin, Plan: u.Plan, IsRPVerified: u.IsRPVerified, IsImageCall: isImageCall,
		})
		if err != nil {
			return nil, newGatewayError(502, "content screening unavailable")
		}
		if verdict.Blocked {
			if verdict.ShouldDisableUser && p.Disabler != nil {
				_ = p.Disabler.DisableUser(ctx, u.ID, "minor-safety violation: "+verdict.Category)
			}
			reason := "content policy violation"
			if isImageCall {
				reason = "Image prompt violates content policy"
			}
			return nil, errContentPolicy(reason)
		}
	}

	var catDiscount *catalog.Discount
	if liveDiscount != nil {
		catDiscount = &catalog.Discount{Multiplier: liveDiscount.Multiplier}
	}

	if !u.IsMasterAdmin {
		expected, err := p.Catalog.CalculateCredits(modelID, estimatedInputTokens, catDiscount)
		if err != nil {
			return nil, newGatewayError(500, "unable to price request")
		}
		if u.Credits < expected {
			return nil, errInsufficientCredits()
		}
		if !u.IPAllowed(ci.IP) {
			return nil, errIPNotWhitelisted()
		}
		if !u.Enabled {
			return nil, errAccountDisabled()
		}
	}

	row, err := p.Ledger.CreateRequest(ctx, ledger.ApiRequest{UserID: u.ID, Endpoint: endpoint, Model: modelID})
	if err != nil {
		return nil, newGatewayError(500, "unable to record request")
	}
	if err := p.Ledger.StartProcessing(ctx, row.ID); err != nil {
		return nil, newGatewayError(500, "unable to record request")
	}

	return &AdmittedRequest{
		RequestID:            row.ID,
		UserID:               u.ID,
		Model:                modelID,
		Endpoint:             endpoint,
		EstimatedInputTokens: estimatedInputTokens,
		IsMasterAdmin:        u.IsMasterAdmin,
		Discount:             catDiscount,
	}, nil
}

// Finalize runs spec.md §4.8 Step 6: compute total tokens and credits,
// debit atomically (unless master admin), and complete the ledger row.
func (p *Pipeline) Finalize(ctx context.Context, admitted *AdmittedRequest, providerID, subProviderID string, outputTokens, reasoningTokens, responseSize int64, httpStatus int) error {
	totalTokens := admitted.EstimatedInputTokens + outputTokens + reasoningTokens
	credits, err := p.Catalog.CalculateCredits(admitted.Model, totalTokens, admitted.Discount)
	if err != nil {
		return err
	}
	if !admitted.IsMasterAdmin {
		if _, err := p.Ledger.DeductCredits(ctx, admitted.UserID, credits); err != nil {
			p.logger().Error("credit debit failed during finalize", "request_id", admitted.RequestID, "error", err)
		}
	}

	status := "success"
	if httpStatus >= 400 {
		status = "error"
	}
	metrics.RequestsTotal.WithLabelValues(providerID, admitted.Model, status).Inc()
	metrics.TokensInput.WithLabelValues(providerID, admitted.Model).Add(float64(admitted.EstimatedInputTokens))
	metrics.TokensOutput.WithLabelValues(providerID, admitted.Model).Add(float64(outputTokens + reasoningTokens))

	_, err = p.Ledger.CompleteRequest(ctx, admitted.RequestID, totalTokens, credits, providerID, subProviderID, responseSize, httpStatus)
	return err
}

// FailAdmitted marks an already-admitted request's ledger row failed.
// Used when dispatch exhausts its retry budget after Admit succeeded.
func (p *Pipeline) FailAdmitted(ctx context.Context, admitted *AdmittedRequest, httpStatus int, reason string) {
	if _, err := p.Ledger.FailRequest(ctx, admitted.RequestID, httpStatus, reason); err != nil {
		p.logger().Error("failed to record request failure", "request_id", admitted.RequestID, "error", err)
	}
}

// dispatchAttempt is the outcome of selecting, reserving, and deriving an
// adapter for one retry-loop iteration.
type dispatchAttempt struct {
	adapter       adapter.Adapter
	providerID    string
	subProviderID string
	state         *subprovider.State
}

// selectAndReserve runs spec.md §4.8 Step 5 a-c for one attempt: select a
// candidate excluding already-tried ids, reserve its capacity, and derive
// a credentialed adapter. Returns (nil, "", nil) with excluded updated
// when this attempt could not produce a usable adapter but the loop
// should keep going.
func (p *Pipeline) selectAndReserve(modelID, capability string, estimatedTokens int64, excluded map[string]struct{}) (*dispatchAttempt, error) {
	candidates := p.Candidates.CandidatesForModel(modelID)
	decision, err := p.Balancer.Select(candidates, capability, estimatedTokens, excluded, true, p.Tracker)
	if err != nil {
		return nil, err
	}

	state, ok := p.SubStates.Get(decision.SubProviderID)
	if !ok {
		excluded[decision.SubProviderID] = struct{}{}
		return nil, fmt.Errorf("orchestrator: no live state for sub-provider %q", decision.SubProviderID)
	}
	if !state.ReserveCapacity(time.Now(), estimatedTokens) {
		excluded[decision.SubProviderID] = struct{}{}
		return nil, fmt.Errorf("orchestrator: sub-provider %q at capacity", decision.SubProviderID)
	}

	apiKey, mapping, err := p.Credentials.Resolve(decision.SubProviderID)
	if err != nil {
		state.ReleaseCapacity()
		excluded[decision.SubProviderID] = struct{}{}
		return nil, err
	}
	ad, err := p.Registry.DeriveForSubProvider(decision.ProviderID, apiKey, mapping)
	if err != nil {
		state.ReleaseCapacity()
		excluded[decision.SubProviderID] = struct{}{}
		return nil, err
	}
	if !ad.SupportsCapability(capability) {
		state.ReleaseCapacity()
		excluded[decision.SubProviderID] = struct{}{}
		return nil, fmt.Errorf("orchestrator: adapter %q does not support %q", decision.ProviderID, capability)
	}

	return &dispatchAttempt{adapter: ad, providerID: decision.ProviderID, subProviderID: decision.SubProviderID, state: state}, nil
}

// recordOutcome releases the attempt's reserved capacity and records the
// success/error outcome against both its sub-provider and provider
// aggregates, running the critical-error handler on failure (spec.md
// §4.8 Step 5e-f).
func (p *Pipeline) recordOutcome(attempt *dispatchAttempt, modelID string, latency time.Duration, estimatedTokens int64, callErr error) {
	attempt.state.ReleaseCapacity()
	now := time.Now()

	if callErr == nil {
		attempt.state.RecordSuccess(now, latency, estimatedTokens)
		if prov, ok := p.ProvStates.GetProvider(attempt.providerID); ok {
			prov.RecordSuccess(latency)
		}
		metrics.RequestDuration.WithLabelValues(attempt.providerID, modelID).Observe(latency.Seconds())
		return
	}

	httpStatus := 0
	if pe, ok := callErr.(*adapter.ProviderError); ok {
		httpStatus = pe.HTTPStatus
	}
	errType := adapter.Classify(httpStatus, callErr.Error())
	attempt.state.RecordError(now, subprovider.ErrorType(errType), &latency)
	if prov, ok := p.ProvStates.GetProvider(attempt.providerID); ok {
		prov.RecordError()
	}
	metrics.ProviderErrors.WithLabelValues(attempt.providerID, string(errType)).Inc()

	if adapter.IsCriticalError(callErr.Error()) || attempt.state.ConsecutiveErrors() >= subprovider.FailureThreshold {
		attempt.state.Disable()
		p.logger().Warn("sub-provider disabled by critical-error handler", "sub_provider_id", attempt.subProviderID, "error", strings.TrimSpace(callErr.Error()))
	}
}

// recordStreamFailure is recordOutcome's counterpart for an error on an
// already-established stream: the outcome is always stream_failure, never
// reclassified by message inspection (spec.md §4.8 "records stream_failure
// against the provider").
func (p *Pipeline) recordStreamFailure(attempt *dispatchAttempt, latency time.Duration, callErr error) {
	attempt.state.ReleaseCapacity()
	now := time.Now()
	lat := latency
	attempt.state.RecordError(now, subprovider.ErrorType(adapter.ErrStreamFailure), &lat)
	if prov, ok := p.ProvStates.GetProvider(attempt.providerID); ok {
		prov.RecordError()
	}
	metrics.ProviderErrors.WithLabelValues(attempt.providerID, string(adapter.ErrStreamFailure)).Inc()

	if (callErr != nil && adapter.IsCriticalError(callErr.Error())) || attempt.state.ConsecutiveErrors() >= subprovider.FailureThreshold {
		attempt.state.Disable()
		p.logger().Warn("sub-provider disabled by critical-error handler", "sub_provider_id", attempt.subProviderID, "error", errText(callErr))
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return strings.TrimSpace(err.Error())
}

// Dispatch runs spec.md §4.8 Step 5 for a non-streaming call: it selects,
// reserves, derives, and invokes invoke up to maxAttempts times,
// excluding each failed sub-provider before retrying, and returns the
// last error if every attempt is exhausted.
func Dispatch[T any](p *Pipeline, modelID, capability string, estimatedTokens int64, maxAttempts int, invoke func(ad adapter.Adapter) (T, error)) (result T, providerID, subProviderID string, err error) {
	excluded := make(map[string]struct{})
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		at, selErr := p.selectAndReserve(modelID, capability, estimatedTokens, excluded)
		if selErr != nil {
			lastErr = selErr
			if errors.Is(selErr, balancer.ErrNoEligibleSubProvider) {
				break
			}
			continue
		}

		start := time.Now()
		out, callErr := invoke(at.adapter)
		p.recordOutcome(at, modelID, time.Since(start), estimatedTokens, callErr)

		if callErr == nil {
			return out, at.providerID, at.subProviderID, nil
		}
		excluded[at.subProviderID] = struct{}{}
		lastErr = callErr
	}

	var zero T
	return zero, "", "", lastErr
}
