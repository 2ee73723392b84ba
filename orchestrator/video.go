package orchestrator

import (
	"context"

	"github.com/ferro-labs/creditgw/adapter"
	"github.com/ferro-labs/creditgw/user"
)

const videosEndpointPath = "/v1/videos"

// CreateVideo runs the admit -> dispatch -> finalize pipeline for a video
// generation job. Video is a fixed-cost, optional capability (spec.md §6);
// providers that do not implement adapter.VideoAdapter are excluded via
// errAdapterMissingCapability the same way images/audio are.
func (p *Pipeline) CreateVideo(ctx context.Context, req adapter.VideoRequest, u user.AuthenticatedUser, ci user.ClientInfo) (*adapter.VideoResponse, error) {
	estimated := EstimateTokens(len(req.Prompt))
	admitted, err := p.Admit(ctx, "video", videosEndpointPath, req.Model, estimated, req.Prompt, false, u, ci)
	if err != nil {
		return nil, err
	}

	resp, providerID, subProviderID, dispatchErr := Dispatch(p, req.Model, "video", estimated, retryBoundOther, func(ad adapter.Adapter) (*adapter.VideoResponse, error) {
		vidAd, ok := ad.(adapter.VideoAdapter)
		if !ok {
			return nil, errAdapterMissingCapability(ad.Name(), "video")
		}
		r := req
		r.Model = vidAd.GetMappedModel(req.Model)
		return vidAd.CreateVideo(ctx, r)
	})
	if dispatchErr != nil {
		p.FailAdmitted(ctx, admitted, 502, dispatchErr.Error())
		return nil, newGatewayError(502, "all providers exhausted")
	}

	if err := p.Finalize(ctx, admitted, providerID, subProviderID, 0, 0, int64(len(resp.URL)), 200); err != nil {
		p.logger().Error("finalize failed", "request_id", admitted.RequestID, "error", err)
	}
	return resp, nil
}

// RemixVideo re-admits as a fresh request (its own ledger row and credit
// charge) against an existing video job id.
func (p *Pipeline) RemixVideo(ctx context.Context, id string, req adapter.VideoRequest, u user.AuthenticatedUser, ci user.ClientInfo) (*adapter.VideoResponse, error) {
	estimated := EstimateTokens(len(req.Prompt))
	admitted, err := p.Admit(ctx, "video", videosEndpointPath, req.Model, estimated, req.Prompt, false, u, ci)
	if err != nil {
		return nil, err
	}

	resp, providerID, subProviderID, dispatchErr := Dispatch(p, req.Model, "video", estimated, retryBoundOther, func(ad adapter.Adapter) (*adapter.VideoResponse, error) {
		vidAd, ok := ad.(adapter.VideoAdapter)
		if !ok {
			return nil, errAdapterMissingCapability(ad.Name(), "video")
		}
		r := req
		r.Model = vidAd.GetMappedModel(req.Model)
		return vidAd.RemixVideo(ctx, id, r)
	})
	if dispatchErr != nil {
		p.FailAdmitted(ctx, admitted, 502, dispatchErr.Error())
		return nil, newGatewayError(502, "all providers exhausted")
	}

	if err := p.Finalize(ctx, admitted, providerID, subProviderID, 0, 0, int64(len(resp.URL)), 200); err != nil {
		p.logger().Error("finalize failed", "request_id", admitted.RequestID, "error", err)
	}
	return resp, nil
}

// videoStatusAdapter resolves any registered VideoAdapter for read-only,
// unmetered video job operations (status/download/list/delete). These do
// not run the credit pipeline: they inspect or manage an existing job
// rather than invoking the model, mirroring how the spec's adapter
// contract lists them as distinct, non-billable operations (spec.md §6).
func (p *Pipeline) videoStatusAdapter(modelID string) (adapter.VideoAdapter, error) {
	candidates := p.Candidates.CandidatesForModel(modelID)
	for _, c := range candidates {
		apiKey, mapping, err := p.Credentials.Resolve(c.SubProviderID)
		if err != nil {
			continue
		}
		ad, err := p.Registry.DeriveForSubProvider(c.ProviderID, apiKey, mapping)
		if err != nil || !ad.SupportsCapability("video") {
			continue
		}
		if vidAd, ok := ad.(adapter.VideoAdapter); ok {
			return vidAd, nil
		}
	}
	return nil, newGatewayError(502, "no video-capable provider available")
}

// GetVideoStatus reports the status of a previously created video job.
func (p *Pipeline) GetVideoStatus(ctx context.Context, modelID, id string) (*adapter.VideoResponse, error) {
	vidAd, err := p.videoStatusAdapter(modelID)
	if err != nil {
		return nil, err
	}
	return vidAd.GetVideoStatus(ctx, id)
}

// DownloadVideo fetches the rendered bytes of a completed video job.
func (p *Pipeline) DownloadVideo(ctx context.Context, modelID, id string) ([]byte, error) {
	vidAd, err := p.videoStatusAdapter(modelID)
	if err != nil {
		return nil, err
	}
	return vidAd.DownloadVideo(ctx, id)
}

// ListVideos enumerates video jobs known to the upstream adapter.
func (p *Pipeline) ListVideos(ctx context.Context, modelID string) ([]adapter.VideoResponse, error) {
	vidAd, err := p.videoStatusAdapter(modelID)
	if err != nil {
		return nil, err
	}
	return vidAd.ListVideos(ctx)
}

// DeleteVideo removes a video job from the upstream.
func (p *Pipeline) DeleteVideo(ctx context.Context, modelID, id string) error {
	vidAd, err := p.videoStatusAdapter(modelID)
	if err != nil {
		return err
	}
	return vidAd.DeleteVideo(ctx, id)
}
