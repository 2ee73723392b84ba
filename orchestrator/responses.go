package orchestrator

import (
	"context"

	"github.com/ferro-labs/creditgw/adapter"
	"github.com/ferro-labs/creditgw/user"
)

const responsesEndpointPath = "/v1/responses"

// CreateResponse runs the admit -> dispatch -> finalize pipeline for a
// non-streaming /v1/responses call. It shares the chat/responses capability
// adapters advertise (spec.md §6 lists createResponse as its own adapter
// operation, but every adapter in this module serves it through the same
// ChatAdapter.ChatCompletion method as chat completions, wire-translated
// by stamping Object per endpoint) and the 10-attempt retry bound spec.md
// §4.8 Step 5 assigns to "chat and responses" jointly.
func (p *Pipeline) CreateResponse(ctx context.Context, req adapter.ChatRequest, u user.AuthenticatedUser, ci user.ClientInfo) (*adapter.ChatResponse, error) {
	if gErr := validateChatRequest(req); gErr != nil {
		return nil, gErr
	}

	estimated := EstimateTokens(countChatChars(req.Messages))
	admitted, err := p.Admit(ctx, "responses", responsesEndpointPath, req.Model, estimated, chatScreenContent(req), false, u, ci)
	if err != nil {
		return nil, err
	}

	resp, providerID, subProviderID, dispatchErr := Dispatch(p, req.Model, "responses", estimated, retryBoundChat, func(ad adapter.Adapter) (*adapter.ChatResponse, error) {
		chatAd, ok := ad.(adapter.ChatAdapter)
		if !ok {
			return nil, errAdapterMissingCapability(ad.Name(), "responses")
		}
		r := req
		r.Model = chatAd.GetMappedModel(req.Model)
		return chatAd.ChatCompletion(ctx, r)
	})
	if dispatchErr != nil {
		p.FailAdmitted(ctx, admitted, 502, dispatchErr.Error())
		return nil, newGatewayError(502, "all providers exhausted")
	}

	resp.Object = "response"
	if err := p.Finalize(ctx, admitted, providerID, subProviderID, resp.Usage.CompletionTokens, resp.Usage.ReasoningTokens, int64(len(resp.Content)), 200); err != nil {
		p.logger().Error("finalize failed", "request_id", admitted.RequestID, "error", err)
	}
	return resp, nil
}

// CreateResponseStream is the streaming counterpart of CreateResponse,
// sharing ChatStream's establish/Next/Close machinery with capability
// "responses" and a "response.completed" terminal event object instead of
// chat's "chat.completion.chunk" (spec.md §4.8 "emits a synthetic
// response.completed/chat.completion.chunk terminator").
func (p *Pipeline) CreateResponseStream(ctx context.Context, req adapter.ChatRequest, u user.AuthenticatedUser, ci user.ClientInfo) (*ChatStream, error) {
	if gErr := validateChatRequest(req); gErr != nil {
		return nil, gErr
	}
	estimated := EstimateTokens(countChatChars(req.Messages))
	admitted, err := p.Admit(ctx, "responses", responsesEndpointPath, req.Model, estimated, chatScreenContent(req), false, u, ci)
	if err != nil {
		return nil, err
	}
	return &ChatStream{pipeline: p, admitted: admitted, req: req, capability: "responses", terminalObject: "response.completed"}, nil
}
