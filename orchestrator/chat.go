package orchestrator

import (
	"context"

	"github.com/ferro-labs/creditgw/adapter"
	"github.com/ferro-labs/creditgw/user"
)

const chatEndpointPath = "/v1/chat/completions"

// countChatChars sums the character length of every message, the input
// the pipeline screens and uses for the pre-call token estimate.
func countChatChars(messages []adapter.Message) int {
	n := 0
	for _, m := range messages {
		n += len(m.Content)
	}
	return n
}

// ChatCompletion runs the full admit -> dispatch -> finalize pipeline for
// a non-streaming chat/responses call (spec.md §4.8, capability "chat").
func (p *Pipeline) ChatCompletion(ctx context.Context, req adapter.ChatRequest, u user.AuthenticatedUser, ci user.ClientInfo) (*adapter.ChatResponse, error) {
	if gErr := validateChatRequest(req); gErr != nil {
		return nil, gErr
	}

	estimated := EstimateTokens(countChatChars(req.Messages))
	admitted, err := p.Admit(ctx, "chat", chatEndpointPath, req.Model, estimated, chatScreenContent(req), false, u, ci)
	if err != nil {
		return nil, err
	}

	resp, providerID, subProviderID, dispatchErr := Dispatch(p, req.Model, "chat", estimated, retryBoundChat, func(ad adapter.Adapter) (*adapter.ChatResponse, error) {
		chatAd, ok := ad.(adapter.ChatAdapter)
		if !ok {
			return nil, errAdapterMissingCapability(ad.Name(), "chat")
		}
		r := req
		r.Model = chatAd.GetMappedModel(req.Model)
		return chatAd.ChatCompletion(ctx, r)
	})
	if dispatchErr != nil {
		p.FailAdmitted(ctx, admitted, 502, dispatchErr.Error())
		return nil, newGatewayError(502, "all providers exhausted")
	}

	resp.Object = "chat.completion"
	if err := p.Finalize(ctx, admitted, providerID, subProviderID, resp.Usage.CompletionTokens, resp.Usage.ReasoningTokens, int64(len(resp.Content)), 200); err != nil {
		p.logger().Error("finalize failed", "request_id", admitted.RequestID, "error", err)
	}
	return resp, nil
}

// chatScreenContent concatenates only user/assistant prose for content
// screening; system prompts are operator-authored and not screened.
func chatScreenContent(req adapter.ChatRequest) string {
	var out string
	for _, m := range req.Messages {
		if m.Role == "user" || m.Role == "assistant" {
			out += m.Content + "\n"
		}
	}
	return out
}
