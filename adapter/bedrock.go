package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// BedrockAdapter serves Anthropic Claude, Amazon Titan, and Meta Llama
// models through the Bedrock runtime InvokeModel API, grounded on the
// teacher's providers/bedrock.go. Bedrock authenticates via the AWS SDK's
// own credential chain rather than a per-sub-provider API key, so this
// adapter does not implement registry.Derivable: one client serves every
// sub-provider that routes here (spec.md §4.3's "providers that hold a
// single static credential don't need per-tenant derivation").
type BedrockAdapter struct {
	client *bedrockruntime.Client
	region string
}

// NewBedrock constructs the Bedrock adapter for region, defaulting to
// us-east-1 when region is empty.
func NewBedrock(ctx context.Context, region string) (*BedrockAdapter, error) {
	if region == "" {
		region = "us-east-1"
	}
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("bedrock: load aws config: %w", err)
	}
	return &BedrockAdapter{client: bedrockruntime.NewFromConfig(cfg), region: region}, nil
}

func (b *BedrockAdapter) Name() string { return "bedrock" }

var bedrockModelPrefixes = []string{"anthropic.", "amazon.titan", "meta.llama"}

func (b *BedrockAdapter) SupportsModel(model string) bool {
	for _, prefix := range bedrockModelPrefixes {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

func (b *BedrockAdapter) SupportsCapability(capability string) bool {
	return capability == "chat" || capability == "responses"
}

func (b *BedrockAdapter) GetMappedModel(model string) string { return model }

type bedrockAnthropicRequest struct {
	AnthropicVersion string    `json:"anthropic_version"`
	MaxTokens        int       `json:"max_tokens"`
	Messages         []Message `json:"messages"`
	Temperature      *float64  `json:"temperature,omitempty"`
	TopP             *float64  `json:"top_p,omitempty"`
	System           string    `json:"system,omitempty"`
}

type bedrockAnthropicResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

type bedrockTitanRequest struct {
	InputText            string `json:"inputText"`
	TextGenerationConfig struct {
		MaxTokenCount int      `json:"maxTokenCount,omitempty"`
		Temperature   float64  `json:"temperature,omitempty"`
		TopP          *float64 `json:"topP,omitempty"`
	} `json:"textGenerationConfig"`
}

type bedrockTitanResponse struct {
	InputTextTokenCount int64 `json:"inputTextTokenCount"`
	Results             []struct {
		TokenCount       int64  `json:"tokenCount"`
		OutputText       string `json:"outputText"`
		CompletionReason string `json:"completionReason"`
	} `json:"results"`
}

type bedrockLlamaRequest struct {
	Prompt      string   `json:"prompt"`
	MaxGenLen   int      `json:"max_gen_len,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
}

type bedrockLlamaResponse struct {
	Generation           string `json:"generation"`
	PromptTokenCount     int64  `json:"prompt_token_count"`
	GenerationTokenCount int64  `json:"generation_token_count"`
	StopReason           string `json:"stop_reason"`
}

func (b *BedrockAdapter) ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	switch {
	case strings.HasPrefix(req.Model, "anthropic."):
		return b.completeAnthropic(ctx, req)
	case strings.HasPrefix(req.Model, "amazon.titan"):
		return b.completeTitan(ctx, req)
	case strings.HasPrefix(req.Model, "meta.llama"):
		return b.completeLlama(ctx, req)
	default:
		return nil, fmt.Errorf("bedrock: unsupported model prefix for %q", req.Model)
	}
}

func (b *BedrockAdapter) invoke(ctx context.Context, model string, body []byte) ([]byte, error) {
	out, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, sanitizeErr(fmt.Errorf("bedrock invoke: %w", err))
	}
	return out.Body, nil
}

func splitSystem(messages []Message) (string, []Message) {
	var system string
	var rest []Message
	for _, m := range messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}

func (b *BedrockAdapter) completeAnthropic(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	maxTokens := 1024
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	system, messages := splitSystem(req.Messages)

	body, err := json.Marshal(bedrockAnthropicRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		Messages:         messages,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		System:           system,
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock: marshal request: %w", err)
	}

	respBody, err := b.invoke(ctx, req.Model, body)
	if err != nil {
		return nil, err
	}
	var resp bedrockAnthropicResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("bedrock: unmarshal response: %w", err)
	}

	var sb strings.Builder
	for _, c := range resp.Content {
		if c.Type == "text" {
			sb.WriteString(c.Text)
		}
	}
	return &ChatResponse{
		ID:           resp.ID,
		Model:        req.Model,
		Content:      sb.String(),
		FinishReason: resp.StopReason,
		Usage: Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}

func (b *BedrockAdapter) completeTitan(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	var sb strings.Builder
	for _, m := range req.Messages {
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}

	titanReq := bedrockTitanRequest{InputText: sb.String()}
	if req.MaxTokens != nil {
		titanReq.TextGenerationConfig.MaxTokenCount = *req.MaxTokens
	}
	if req.Temperature != nil {
		titanReq.TextGenerationConfig.Temperature = *req.Temperature
	}
	titanReq.TextGenerationConfig.TopP = req.TopP

	body, err := json.Marshal(titanReq)
	if err != nil {
		return nil, fmt.Errorf("bedrock: marshal request: %w", err)
	}

	respBody, err := b.invoke(ctx, req.Model, body)
	if err != nil {
		return nil, err
	}
	var resp bedrockTitanResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("bedrock: unmarshal response: %w", err)
	}

	out := &ChatResponse{Model: req.Model, Usage: Usage{PromptTokens: resp.InputTextTokenCount}}
	if len(resp.Results) > 0 {
		out.Content = resp.Results[0].OutputText
		out.FinishReason = resp.Results[0].CompletionReason
		out.Usage.CompletionTokens = resp.Results[0].TokenCount
	}
	out.Usage.TotalTokens = out.Usage.PromptTokens + out.Usage.CompletionTokens
	return out, nil
}

func (b *BedrockAdapter) completeLlama(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	var sb strings.Builder
	sb.WriteString("<|begin_of_text|>")
	for _, m := range req.Messages {
		fmt.Fprintf(&sb, "<|start_header_id|>%s<|end_header_id|>\n\n%s<|eot_id|>\n", m.Role, m.Content)
	}
	sb.WriteString("<|start_header_id|>assistant<|end_header_id|>\n\n")

	llamaReq := bedrockLlamaRequest{Prompt: sb.String(), Temperature: req.Temperature, TopP: req.TopP}
	if req.MaxTokens != nil {
		llamaReq.MaxGenLen = *req.MaxTokens
	}

	body, err := json.Marshal(llamaReq)
	if err != nil {
		return nil, fmt.Errorf("bedrock: marshal request: %w", err)
	}

	respBody, err := b.invoke(ctx, req.Model, body)
	if err != nil {
		return nil, err
	}
	var resp bedrockLlamaResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("bedrock: unmarshal response: %w", err)
	}

	return &ChatResponse{
		Model:        req.Model,
		Content:      resp.Generation,
		FinishReason: resp.StopReason,
		Usage: Usage{
			PromptTokens:     resp.PromptTokenCount,
			CompletionTokens: resp.GenerationTokenCount,
			TotalTokens:      resp.PromptTokenCount + resp.GenerationTokenCount,
		},
	}, nil
}

// ChatCompletionStream streams Anthropic Claude models only, matching the
// teacher's scope-limited CompleteStream.
func (b *BedrockAdapter) ChatCompletionStream(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error) {
	if !strings.HasPrefix(req.Model, "anthropic.") {
		return nil, fmt.Errorf("bedrock: streaming is only supported for anthropic.claude-* models")
	}

	maxTokens := 1024
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	system, messages := splitSystem(req.Messages)

	body, err := json.Marshal(bedrockAnthropicRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		Messages:         messages,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		System:           system,
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock: marshal request: %w", err)
	}

	out, err := b.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(req.Model),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, sanitizeErr(fmt.Errorf("bedrock streaming invoke: %w", err))
	}

	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		stream := out.GetStream()
		defer stream.Close()

		var seq int64
		for event := range stream.Events() {
			chunk, ok := event.(*types.ResponseStreamMemberChunk)
			if !ok {
				continue
			}
			var delta struct {
				Type  string `json:"type"`
				Delta struct {
					Type string `json:"type"`
					Text string `json:"text"`
				} `json:"delta"`
			}
			if err := json.Unmarshal(chunk.Value.Bytes, &delta); err != nil {
				continue
			}
			if delta.Type == "content_block_delta" && delta.Delta.Type == "text_delta" {
				ch <- StreamEvent{Sequence: seq, ContentDelta: delta.Delta.Text}
				seq++
			}
		}
		if err := stream.Err(); err != nil {
			ch <- StreamEvent{Err: sanitizeErr(err)}
		}
	}()
	return ch, nil
}

var _ ChatAdapter = (*BedrockAdapter)(nil)
