// Package adapter defines the upstream adapter contract (spec.md §6): the
// capability operations the orchestrator invokes on a concrete vendor
// integration, the OpenAI-compatible wire types those operations accept
// and return, and the error taxonomy used to classify adapter failures.
package adapter

import (
	"context"
	"encoding/json"
)

// Message is a single chat turn, matching the OpenAI Chat Completions
// message shape closely enough for pass-through translation.
type Message struct {
	Role       string          `json:"role"`
	Content    string          `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Raw        json.RawMessage `json:"-"` // original content, for multimodal pass-through
}

// ToolCall is a function invocation returned by the model.
type ToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// Tool describes a function the model may call.
type Tool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

// ChatRequest is a normalized chat/responses completion request. Field
// tags follow the OpenAI wire names so an inbound payload decodes
// without translation.
type ChatRequest struct {
	Model       string      `json:"model"`
	Messages    []Message   `json:"messages"`
	Temperature *float64    `json:"temperature,omitempty"`
	TopP        *float64    `json:"top_p,omitempty"`
	MaxTokens   *int        `json:"max_tokens,omitempty"`
	Tools       []Tool      `json:"tools,omitempty"`
	ToolChoice  interface{} `json:"tool_choice,omitempty"`
	Stream      bool        `json:"stream,omitempty"`
	User        string      `json:"user,omitempty"`
}

// Usage carries token consumption for a single call.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	ReasoningTokens  int64 `json:"reasoning_tokens,omitempty"`
	TotalTokens      int64 `json:"total_tokens"`
}

// ChatResponse is a normalized chat/responses completion response. Object
// distinguishes the two wire shapes the orchestrator serves from this one
// normalized type ("chat.completion" vs "response"); adapters leave it
// empty and the orchestrator stamps it per endpoint.
type ChatResponse struct {
	ID           string `json:"id"`
	Object       string `json:"object"`
	Model        string `json:"model"`
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        Usage  `json:"usage"`
}

// StreamEvent is a single SSE event in a chat/responses stream. Object
// carries the per-endpoint event type ("chat.completion.chunk" or
// "response.completed") the orchestrator stamps onto the synthetic
// terminal event; adapters may leave it empty on pass-through deltas.
type StreamEvent struct {
	ID             string `json:"id"`
	Object         string `json:"object,omitempty"`
	Sequence       int64  `json:"sequence_number"`
	ContentDelta   string `json:"delta,omitempty"`
	ReasoningDelta string `json:"reasoning_delta,omitempty"`
	FinishReason   string `json:"finish_reason,omitempty"`
	Done           bool   `json:"done,omitempty"` // true on the synthetic terminal event
	Usage          *Usage `json:"usage,omitempty"`
	Err            error  `json:"-"`
}

// EmbeddingRequest mirrors the OpenAI /v1/embeddings request.
type EmbeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// EmbeddingResponse mirrors the OpenAI /v1/embeddings response.
type EmbeddingResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Usage      Usage       `json:"usage"`
}

// ModerationResult is the normalized output of a moderation call: a
// category -> score map plus the convenience Flagged accessor.
type ModerationResult struct {
	Scores  map[string]float64 `json:"category_scores"`
	Flagged bool               `json:"flagged"`
}

// ImageRequest covers both image generation and editing. Image/ImageName
// carry the source image for the edit operation and are empty on a plain
// generation; they arrive as multipart form data, not JSON.
type ImageRequest struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	N         int    `json:"n,omitempty"`
	Size      string `json:"size,omitempty"`
	Image     []byte `json:"-"`
	ImageName string `json:"-"`
}

// ImageResponse holds generated image results.
type ImageResponse struct {
	Images []ImageResult `json:"data"`
}

// ImageResult is one generated or edited image.
type ImageResult struct {
	URL     string `json:"url,omitempty"`
	B64JSON string `json:"b64_json,omitempty"`
}

// AudioSpeechRequest mirrors the OpenAI /v1/audio/speech request, whose
// wire name for the text field is "input".
type AudioSpeechRequest struct {
	Model string `json:"model"`
	Text  string `json:"input"`
	Voice string `json:"voice"`
}

// AudioTranscriptionRequest carries the /v1/audio/transcriptions upload;
// it arrives as multipart form data, not JSON.
type AudioTranscriptionRequest struct {
	Model    string
	FileName string
	FileData []byte
}

// AudioTranscriptionResponse holds a transcription result.
type AudioTranscriptionResponse struct {
	Text  string `json:"text"`
	Usage Usage  `json:"usage"`
}

// VideoRequest covers create/remix video operations.
type VideoRequest struct {
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
	Seconds int    `json:"seconds,omitempty"`
}

// VideoResponse reports on an async video job.
type VideoResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	URL    string `json:"url,omitempty"`
}

// Adapter is the capability-neutral base every upstream integration
// implements: model/capability introspection and mapping.
type Adapter interface {
	Name() string
	SupportsModel(model string) bool
	SupportsCapability(capability string) bool
	GetMappedModel(model string) string
}

// ChatAdapter serves chat completions and the responses endpoint.
type ChatAdapter interface {
	Adapter
	ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	ChatCompletionStream(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error)
}

// ModerationAdapter serves content moderation.
type ModerationAdapter interface {
	Adapter
	ModerateContent(ctx context.Context, input, model string) (*ModerationResult, error)
}

// EmbeddingAdapter serves embeddings.
type EmbeddingAdapter interface {
	Adapter
	CreateEmbeddings(ctx context.Context, req EmbeddingRequest) (*EmbeddingResponse, error)
}

// ImageAdapter serves image generation/editing.
type ImageAdapter interface {
	Adapter
	GenerateImages(ctx context.Context, req ImageRequest) (*ImageResponse, error)
	EditImages(ctx context.Context, req ImageRequest) (*ImageResponse, error)
}

// AudioAdapter serves text-to-speech and transcription.
type AudioAdapter interface {
	Adapter
	TextToSpeech(ctx context.Context, req AudioSpeechRequest) ([]byte, error)
	AudioTranscription(ctx context.Context, req AudioTranscriptionRequest) (*AudioTranscriptionResponse, error)
}

// VideoAdapter serves the optional video capability.
type VideoAdapter interface {
	Adapter
	CreateVideo(ctx context.Context, req VideoRequest) (*VideoResponse, error)
	GetVideoStatus(ctx context.Context, id string) (*VideoResponse, error)
	DownloadVideo(ctx context.Context, id string) ([]byte, error)
	ListVideos(ctx context.Context) ([]VideoResponse, error)
	DeleteVideo(ctx context.Context, id string) error
	RemixVideo(ctx context.Context, id string, req VideoRequest) (*VideoResponse, error)
}
