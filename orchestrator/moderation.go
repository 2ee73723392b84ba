package orchestrator

import (
	"context"

	"github.com/ferro-labs/creditgw/adapter"
	"github.com/ferro-labs/creditgw/user"
)

const moderationEndpointPath = "/v1/moderations"

// ModerateContent runs the admit -> dispatch -> finalize pipeline for a
// direct moderation call. The input is validated for length but is not
// itself run through the screener: a client calling /v1/moderations is
// asking for a classification, not submitting prose for gatekeeping.
func (p *Pipeline) ModerateContent(ctx context.Context, input, model string, u user.AuthenticatedUser, ci user.ClientInfo) (*adapter.ModerationResult, error) {
	if gErr := validateModerationInput(input); gErr != nil {
		return nil, gErr
	}

	estimated := EstimateTokens(len(input))
	admitted, err := p.Admit(ctx, "moderation", moderationEndpointPath, model, estimated, "", false, u, ci)
	if err != nil {
		return nil, err
	}

	result, providerID, subProviderID, dispatchErr := Dispatch(p, model, "moderation", estimated, retryBoundOther, func(ad adapter.Adapter) (*adapter.ModerationResult, error) {
		modAd, ok := ad.(adapter.ModerationAdapter)
		if !ok {
			return nil, errAdapterMissingCapability(ad.Name(), "moderation")
		}
		return modAd.ModerateContent(ctx, input, modAd.GetMappedModel(model))
	})
	if dispatchErr != nil {
		p.FailAdmitted(ctx, admitted, 502, dispatchErr.Error())
		return nil, newGatewayError(502, "all providers exhausted")
	}

	if err := p.Finalize(ctx, admitted, providerID, subProviderID, 0, 0, 0, 200); err != nil {
		p.logger().Error("finalize failed", "request_id", admitted.RequestID, "error", err)
	}
	return result, nil
}
