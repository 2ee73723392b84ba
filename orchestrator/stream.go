package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ferro-labs/creditgw/adapter"
	"github.com/ferro-labs/creditgw/balancer"
	"github.com/ferro-labs/creditgw/user"
)

// ChatStream is the lazy per-request iterator for streaming chat/responses
// calls (spec.md §4.8 "Streaming subcase"). Selection and reservation are
// deferred to the first Next call so the retry loop can still run before
// any byte reaches the caller; once the upstream stream is established,
// an error surfaces directly and is never retried mid-stream.
type ChatStream struct {
	pipeline *Pipeline
	admitted *AdmittedRequest
	req      adapter.ChatRequest

	// capability and terminalObject default to the chat endpoint's values
	// ("chat", "chat.completion.chunk") when left zero so
	// ChatCompletionStream doesn't need to set them explicitly;
	// CreateResponseStream overrides both to the responses endpoint's.
	capability     string
	terminalObject string

	established   bool
	attempt       *dispatchAttempt
	upstream      <-chan adapter.StreamEvent
	establishedAt time.Time

	content   strings.Builder
	reasoning strings.Builder
	seq       int64

	finalizeOnce sync.Once
}

func (s *ChatStream) capabilityName() string {
	if s.capability != "" {
		return s.capability
	}
	return "chat"
}

func (s *ChatStream) terminalObjectType() string {
	if s.terminalObject != "" {
		return s.terminalObject
	}
	return "chat.completion.chunk"
}

// ChatCompletionStream admits the request (spec.md §4.8 Steps 1-4) and
// returns a ChatStream whose upstream connection is established lazily on
// the first Next call.
func (p *Pipeline) ChatCompletionStream(ctx context.Context, req adapter.ChatRequest, u user.AuthenticatedUser, ci user.ClientInfo) (*ChatStream, error) {
	if gErr := validateChatRequest(req); gErr != nil {
		return nil, gErr
	}
	estimated := EstimateTokens(countChatChars(req.Messages))
	admitted, err := p.Admit(ctx, "chat", chatEndpointPath, req.Model, estimated, chatScreenContent(req), false, u, ci)
	if err != nil {
		return nil, err
	}
	return &ChatStream{pipeline: p, admitted: admitted, req: req}, nil
}

func (s *ChatStream) establish(ctx context.Context) error {
	excluded := make(map[string]struct{})
	var lastErr error

	for i := 0; i < retryBoundChat; i++ {
		at, selErr := s.pipeline.selectAndReserve(s.req.Model, s.capabilityName(), s.admitted.EstimatedInputTokens, excluded)
		if selErr != nil {
			lastErr = selErr
			if errors.Is(selErr, balancer.ErrNoEligibleSubProvider) {
				break
			}
			continue
		}

		chatAd, ok := at.adapter.(adapter.ChatAdapter)
		if !ok {
			at.state.ReleaseCapacity()
			excluded[at.subProviderID] = struct{}{}
			lastErr = errAdapterMissingCapability(at.adapter.Name(), s.capabilityName())
			continue
		}

		r := s.req
		r.Model = chatAd.GetMappedModel(s.req.Model)
		ch, err := chatAd.ChatCompletionStream(ctx, r)
		if err != nil {
			s.pipeline.recordOutcome(at, s.admitted.Model, 0, s.admitted.EstimatedInputTokens, err)
			excluded[at.subProviderID] = struct{}{}
			lastErr = err
			continue
		}

		s.attempt = at
		s.upstream = ch
		s.establishedAt = time.Now()
		s.established = true
		return nil
	}

	s.pipeline.FailAdmitted(ctx, s.admitted, 502, "all providers exhausted establishing stream")
	if lastErr == nil {
		lastErr = newGatewayError(502, "all providers exhausted establishing stream")
	}
	return lastErr
}

// Next returns the stream's next event. ok is false once the synthetic
// terminator has been returned or an upstream error has surfaced;
// callers must stop calling Next once ok is false.
func (s *ChatStream) Next(ctx context.Context) (adapter.StreamEvent, bool, error) {
	if !s.established {
		if err := s.establish(ctx); err != nil {
			return adapter.StreamEvent{}, false, err
		}
	}

	ev, open := <-s.upstream
	if !open {
		term := adapter.StreamEvent{
			ID:           s.admitted.RequestID,
			Object:       s.terminalObjectType(),
			Sequence:     s.seq,
			Done:         true,
			FinishReason: "stop",
			Usage: &adapter.Usage{
				CompletionTokens: EstimateTokens(s.content.Len()),
				ReasoningTokens:  EstimateTokens(s.reasoning.Len()),
			},
		}
		s.finalizeSuccess(ctx)
		return term, false, nil
	}
	if ev.Err != nil {
		s.finalizeError(ctx, ev.Err)
		return ev, false, ev.Err
	}

	s.content.WriteString(ev.ContentDelta)
	s.reasoning.WriteString(ev.ReasoningDelta)
	ev.ID = s.admitted.RequestID
	ev.Sequence = s.seq
	s.seq++
	return ev, true, nil
}

// Close abandons the iterator before exhaustion (client disconnect,
// context cancellation): capacity is released and the ledger row is
// failed exactly once regardless of whether Next had been called.
func (s *ChatStream) Close(ctx context.Context) {
	if !s.established {
		s.finalizeOnce.Do(func() {
			s.pipeline.FailAdmitted(ctx, s.admitted, 499, "client disconnected before stream establishment")
		})
		return
	}
	s.finalizeError(ctx, fmt.Errorf("client disconnected"))
}

// finalizeSuccess runs the success half of spec.md §4.8 Step 6 for a
// stream: debit computed on accumulated deltas, complete the ledger row.
// Guarded by finalizeOnce so a duplicate call (e.g. Close racing the
// final Next) is a no-op (P9).
func (s *ChatStream) finalizeSuccess(ctx context.Context) {
	s.finalizeOnce.Do(func() {
		s.pipeline.recordOutcome(s.attempt, s.admitted.Model, time.Since(s.establishedAt), s.admitted.EstimatedInputTokens, nil)
		outputTokens := EstimateTokens(s.content.Len())
		reasoningTokens := EstimateTokens(s.reasoning.Len())
		if err := s.pipeline.Finalize(ctx, s.admitted, s.attempt.providerID, s.attempt.subProviderID, outputTokens, reasoningTokens, int64(s.content.Len()), 200); err != nil {
			s.pipeline.logger().Error("stream finalize failed", "request_id", s.admitted.RequestID, "error", err)
		}
	})
}

// finalizeError runs the failure half: record the stream failure against
// the sub-provider/provider (if a connection had been established) and
// fail the ledger row. No credits are ever debited on this path.
func (s *ChatStream) finalizeError(ctx context.Context, callErr error) {
	s.finalizeOnce.Do(func() {
		if s.attempt != nil {
			s.pipeline.recordStreamFailure(s.attempt, time.Since(s.establishedAt), callErr)
		}
		reason := "stream failure"
		if callErr != nil {
			reason = callErr.Error()
		}
		s.pipeline.FailAdmitted(ctx, s.admitted, 502, reason)
	})
}
