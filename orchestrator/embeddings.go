package orchestrator

import (
	"context"
	"strings"

	"github.com/ferro-labs/creditgw/adapter"
	"github.com/ferro-labs/creditgw/user"
)

const embeddingsEndpointPath = "/v1/embeddings"

// CreateEmbeddings runs the admit -> dispatch -> finalize pipeline for an
// embeddings call. Embedding input is not screenable prose (spec.md §4.8
// "pass '' to skip screening"), so only field validation and
// authorization apply.
func (p *Pipeline) CreateEmbeddings(ctx context.Context, req adapter.EmbeddingRequest, u user.AuthenticatedUser, ci user.ClientInfo) (*adapter.EmbeddingResponse, error) {
	if gErr := validateEmbeddingInputs(req.Input); gErr != nil {
		return nil, gErr
	}

	estimated := EstimateTokens(len(strings.Join(req.Input, "")))
	admitted, err := p.Admit(ctx, "embeddings", embeddingsEndpointPath, req.Model, estimated, "", false, u, ci)
	if err != nil {
		return nil, err
	}

	resp, providerID, subProviderID, dispatchErr := Dispatch(p, req.Model, "embeddings", estimated, retryBoundOther, func(ad adapter.Adapter) (*adapter.EmbeddingResponse, error) {
		embAd, ok := ad.(adapter.EmbeddingAdapter)
		if !ok {
			return nil, errAdapterMissingCapability(ad.Name(), "embeddings")
		}
		r := req
		r.Model = embAd.GetMappedModel(req.Model)
		return embAd.CreateEmbeddings(ctx, r)
	})
	if dispatchErr != nil {
		p.FailAdmitted(ctx, admitted, 502, dispatchErr.Error())
		return nil, newGatewayError(502, "all providers exhausted")
	}

	if err := p.Finalize(ctx, admitted, providerID, subProviderID, resp.Usage.TotalTokens-resp.Usage.PromptTokens, 0, int64(len(resp.Embeddings)), 200); err != nil {
		p.logger().Error("finalize failed", "request_id", admitted.RequestID, "error", err)
	}
	return resp, nil
}
