package orchestrator

import (
	"context"

	"github.com/ferro-labs/creditgw/adapter"
	"github.com/ferro-labs/creditgw/user"
)

const (
	imagesEndpointPath     = "/v1/images/generations"
	imagesEditEndpointPath = "/v1/images/edits"
)

// GenerateImages runs the admit -> dispatch -> finalize pipeline for an
// image generation call. The prompt is screened as isImageCall=true, so
// a minors-sexual verdict disables the user in addition to rejecting the
// request (spec.md S4).
func (p *Pipeline) GenerateImages(ctx context.Context, req adapter.ImageRequest, u user.AuthenticatedUser, ci user.ClientInfo) (*adapter.ImageResponse, error) {
	if gErr := validateImagePrompt(req.Prompt); gErr != nil {
		return nil, gErr
	}

	estimated := EstimateTokens(len(req.Prompt))
	admitted, err := p.Admit(ctx, "images", imagesEndpointPath, req.Model, estimated, req.Prompt, true, u, ci)
	if err != nil {
		return nil, err
	}

	resp, providerID, subProviderID, dispatchErr := Dispatch(p, req.Model, "images", estimated, retryBoundOther, func(ad adapter.Adapter) (*adapter.ImageResponse, error) {
		imgAd, ok := ad.(adapter.ImageAdapter)
		if !ok {
			return nil, errAdapterMissingCapability(ad.Name(), "images")
		}
		r := req
		r.Model = imgAd.GetMappedModel(req.Model)
		return imgAd.GenerateImages(ctx, r)
	})
	if dispatchErr != nil {
		p.FailAdmitted(ctx, admitted, 502, dispatchErr.Error())
		return nil, newGatewayError(502, "all providers exhausted")
	}

	if err := p.Finalize(ctx, admitted, providerID, subProviderID, 0, 0, int64(len(resp.Images)), 200); err != nil {
		p.logger().Error("finalize failed", "request_id", admitted.RequestID, "error", err)
	}
	return resp, nil
}

// EditImages is GenerateImages's counterpart for the edits endpoint: the
// prompt is screened the same way, and the source image rides along to
// the adapter untouched.
func (p *Pipeline) EditImages(ctx context.Context, req adapter.ImageRequest, u user.AuthenticatedUser, ci user.ClientInfo) (*adapter.ImageResponse, error) {
	if gErr := validateImagePrompt(req.Prompt); gErr != nil {
		return nil, gErr
	}
	if len(req.Image) == 0 {
		return nil, errContentPolicy("image is required")
	}

	estimated := EstimateTokens(len(req.Prompt))
	admitted, err := p.Admit(ctx, "images", imagesEditEndpointPath, req.Model, estimated, req.Prompt, true, u, ci)
	if err != nil {
		return nil, err
	}

	resp, providerID, subProviderID, dispatchErr := Dispatch(p, req.Model, "images", estimated, retryBoundOther, func(ad adapter.Adapter) (*adapter.ImageResponse, error) {
		imgAd, ok := ad.(adapter.ImageAdapter)
		if !ok {
			return nil, errAdapterMissingCapability(ad.Name(), "images")
		}
		r := req
		r.Model = imgAd.GetMappedModel(req.Model)
		return imgAd.EditImages(ctx, r)
	})
	if dispatchErr != nil {
		p.FailAdmitted(ctx, admitted, 502, dispatchErr.Error())
		return nil, newGatewayError(502, "all providers exhausted")
	}

	if err := p.Finalize(ctx, admitted, providerID, subProviderID, 0, 0, int64(len(resp.Images)), 200); err != nil {
		p.logger().Error("finalize failed", "request_id", admitted.RequestID, "error", err)
	}
	return resp, nil
}
