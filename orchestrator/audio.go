package orchestrator

import (
	"context"

	"github.com/ferro-labs/creditgw/adapter"
	"github.com/ferro-labs/creditgw/user"
)

const (
	audioSpeechEndpointPath        = "/v1/audio/speech"
	audioTranscriptionEndpointPath = "/v1/audio/transcriptions"
)

// TextToSpeech runs the admit -> dispatch -> finalize pipeline for a
// text-to-speech call.
func (p *Pipeline) TextToSpeech(ctx context.Context, req adapter.AudioSpeechRequest, u user.AuthenticatedUser, ci user.ClientInfo) ([]byte, error) {
	estimated := EstimateTokens(len(req.Text))
	admitted, err := p.Admit(ctx, "audio", audioSpeechEndpointPath, req.Model, estimated, req.Text, false, u, ci)
	if err != nil {
		return nil, err
	}

	audio, providerID, subProviderID, dispatchErr := Dispatch(p, req.Model, "audio", estimated, retryBoundOther, func(ad adapter.Adapter) ([]byte, error) {
		audAd, ok := ad.(adapter.AudioAdapter)
		if !ok {
			return nil, errAdapterMissingCapability(ad.Name(), "audio")
		}
		r := req
		r.Model = audAd.GetMappedModel(req.Model)
		return audAd.TextToSpeech(ctx, r)
	})
	if dispatchErr != nil {
		p.FailAdmitted(ctx, admitted, 502, dispatchErr.Error())
		return nil, newGatewayError(502, "all providers exhausted")
	}

	if err := p.Finalize(ctx, admitted, providerID, subProviderID, 0, 0, int64(len(audio)), 200); err != nil {
		p.logger().Error("finalize failed", "request_id", admitted.RequestID, "error", err)
	}
	return audio, nil
}

// AudioTranscription runs the admit -> dispatch -> finalize pipeline for
// a speech-to-text call. The uploaded file is a binary blob, not
// screenable prose, so screening is skipped.
func (p *Pipeline) AudioTranscription(ctx context.Context, req adapter.AudioTranscriptionRequest, u user.AuthenticatedUser, ci user.ClientInfo) (*adapter.AudioTranscriptionResponse, error) {
	if gErr := validateAudioFile(req.FileName, req.FileData); gErr != nil {
		return nil, gErr
	}

	estimated := EstimateTokens(len(req.FileData) / 4)
	admitted, err := p.Admit(ctx, "audio", audioTranscriptionEndpointPath, req.Model, estimated, "", false, u, ci)
	if err != nil {
		return nil, err
	}

	resp, providerID, subProviderID, dispatchErr := Dispatch(p, req.Model, "audio", estimated, retryBoundOther, func(ad adapter.Adapter) (*adapter.AudioTranscriptionResponse, error) {
		audAd, ok := ad.(adapter.AudioAdapter)
		if !ok {
			return nil, errAdapterMissingCapability(ad.Name(), "audio")
		}
		r := req
		r.Model = audAd.GetMappedModel(req.Model)
		return audAd.AudioTranscription(ctx, r)
	})
	if dispatchErr != nil {
		p.FailAdmitted(ctx, admitted, 502, dispatchErr.Error())
		return nil, newGatewayError(502, "all providers exhausted")
	}

	if err := p.Finalize(ctx, admitted, providerID, subProviderID, resp.Usage.TotalTokens, 0, int64(len(resp.Text)), 200); err != nil {
		p.logger().Error("finalize failed", "request_id", admitted.RequestID, "error", err)
	}
	return resp, nil
}
