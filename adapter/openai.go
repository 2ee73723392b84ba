package adapter

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/ferro-labs/creditgw/internal/redact"
)

// OpenAIAdapter talks to the OpenAI API (or any OpenAI-compatible
// endpoint reachable at baseURL), grounded on the teacher's
// providers/openai.go client wiring but generalized onto the capability
// interfaces in types.go and onto per-sub-provider credential derivation
// instead of one process-wide key (spec.md §4.3's derived adapter).
type OpenAIAdapter struct {
	client       openai.Client
	baseURL      string
	modelMapping map[string]string
}

// NewOpenAI constructs the base OpenAI adapter. apiKey may be empty; a
// per-sub-provider key is bound later via WithCredential.
func NewOpenAI(apiKey, baseURL string) *OpenAIAdapter {
	return newOpenAI(apiKey, baseURL, nil)
}

func newOpenAI(apiKey, baseURL string, modelMapping map[string]string) *OpenAIAdapter {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIAdapter{
		client:       openai.NewClient(opts...),
		baseURL:      baseURL,
		modelMapping: modelMapping,
	}
}

// WithCredential implements registry.Derivable: it returns a new adapter
// bound to a decrypted, sub-provider-specific API key and model mapping,
// so no two tenants' requests ever share a client carrying the wrong key.
func (a *OpenAIAdapter) WithCredential(apiKey string, modelMapping map[string]string) Adapter {
	return newOpenAI(apiKey, a.baseURL, modelMapping)
}

func (a *OpenAIAdapter) Name() string { return "openai" }

var openAIModelPrefixes = []string{
	"gpt-", "chatgpt-", "dall-e-", "whisper-", "tts-", "text-embedding-",
	"o1", "o3", "o4", "omni-moderation-",
}

func (a *OpenAIAdapter) SupportsModel(model string) bool {
	for _, prefix := range openAIModelPrefixes {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

func (a *OpenAIAdapter) SupportsCapability(capability string) bool {
	switch capability {
	case "chat", "responses", "embeddings", "moderation", "images", "audio":
		return true
	default:
		return false
	}
}

// GetMappedModel resolves model through the sub-provider's advertised ->
// upstream mapping, falling back to the identity mapping (spec.md §3
// "empty means identity").
func (a *OpenAIAdapter) GetMappedModel(model string) string {
	if mapped, ok := a.modelMapping[model]; ok {
		return mapped
	}
	return model
}

func sanitizeErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s", redact.Sanitize(err.Error()))
}

func (a *OpenAIAdapter) ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	params := openai.ChatCompletionNewParams{
		Messages: buildOpenAIMessages(req.Messages),
		Model:    a.GetMappedModel(req.Model),
	}
	applyOpenAIParams(&params, req)

	completion, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, sanitizeErr(err)
	}

	resp := &ChatResponse{
		ID:    completion.ID,
		Model: completion.Model,
		Usage: Usage{
			PromptTokens:     completion.Usage.PromptTokens,
			CompletionTokens: completion.Usage.CompletionTokens,
			ReasoningTokens:  completion.Usage.CompletionTokensDetails.ReasoningTokens,
			TotalTokens:      completion.Usage.TotalTokens,
		},
	}
	if len(completion.Choices) > 0 {
		resp.Content = completion.Choices[0].Message.Content
		resp.FinishReason = completion.Choices[0].FinishReason
	}
	return resp, nil
}

func (a *OpenAIAdapter) ChatCompletionStream(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error) {
	params := openai.ChatCompletionNewParams{
		Messages: buildOpenAIMessages(req.Messages),
		Model:    a.GetMappedModel(req.Model),
	}
	applyOpenAIParams(&params, req)

	stream := a.client.Chat.Completions.NewStreaming(ctx, params)
	ch := make(chan StreamEvent)

	go func() {
		defer close(ch)
		var seq int64
		for stream.Next() {
			chunk := stream.Current()
			ev := StreamEvent{ID: chunk.ID, Sequence: seq}
			seq++
			if len(chunk.Choices) > 0 {
				ev.ContentDelta = chunk.Choices[0].Delta.Content
				ev.FinishReason = chunk.Choices[0].FinishReason
			}
			ch <- ev
		}
		if err := stream.Err(); err != nil {
			ch <- StreamEvent{Err: sanitizeErr(err)}
		}
	}()
	return ch, nil
}

func (a *OpenAIAdapter) ModerateContent(ctx context.Context, input, model string) (*ModerationResult, error) {
	result, err := a.client.Moderations.New(ctx, openai.ModerationNewParams{
		Model: a.GetMappedModel(model),
		Input: openai.ModerationNewParamsInputUnion{OfString: openai.String(input)},
	})
	if err != nil {
		return nil, sanitizeErr(err)
	}
	out := &ModerationResult{Scores: map[string]float64{}}
	if len(result.Results) == 0 {
		return out, nil
	}
	r := result.Results[0]
	out.Flagged = r.Flagged
	scores := r.CategoryScores
	out.Scores["sexual"] = scores.Sexual
	out.Scores["sexual/minors"] = scores.SexualMinors
	out.Scores["violence"] = scores.Violence
	out.Scores["violence/graphic"] = scores.ViolenceGraphic
	out.Scores["hate"] = scores.Hate
	out.Scores["hate/threatening"] = scores.HateThreatening
	out.Scores["self-harm"] = scores.SelfHarm
	out.Scores["self-harm/intent"] = scores.SelfHarmIntent
	out.Scores["self-harm/instructions"] = scores.SelfHarmInstructions
	out.Scores["harassment"] = scores.Harassment
	out.Scores["harassment/threatening"] = scores.HarassmentThreatening
	return out, nil
}

func (a *OpenAIAdapter) CreateEmbeddings(ctx context.Context, req EmbeddingRequest) (*EmbeddingResponse, error) {
	if len(req.Input) == 0 {
		return nil, fmt.Errorf("embeddings: input must not be empty")
	}
	result, err := a.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: a.GetMappedModel(req.Model),
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: req.Input},
	})
	if err != nil {
		return nil, sanitizeErr(err)
	}
	out := &EmbeddingResponse{
		Embeddings: make([][]float64, len(result.Data)),
		Usage: Usage{
			PromptTokens: result.Usage.PromptTokens,
			TotalTokens:  result.Usage.TotalTokens,
		},
	}
	for i, d := range result.Data {
		out.Embeddings[i] = d.Embedding
	}
	return out, nil
}

func (a *OpenAIAdapter) GenerateImages(ctx context.Context, req ImageRequest) (*ImageResponse, error) {
	params := openai.ImageGenerateParams{
		Prompt: req.Prompt,
		Model:  openai.ImageModel(a.GetMappedModel(req.Model)),
	}
	if req.N > 0 {
		params.N = openai.Int(int64(req.N))
	}
	if req.Size != "" {
		params.Size = openai.ImageGenerateParamsSize(req.Size)
	}
	result, err := a.client.Images.Generate(ctx, params)
	if err != nil {
		return nil, sanitizeErr(err)
	}
	return imagesFromResult(result), nil
}

func (a *OpenAIAdapter) EditImages(ctx context.Context, req ImageRequest) (*ImageResponse, error) {
	if len(req.Image) == 0 {
		return nil, fmt.Errorf("openai: EditImages requires a source image")
	}
	name := req.ImageName
	if name == "" {
		name = "image.png"
	}
	params := openai.ImageEditParams{
		Image:  openai.ImageEditParamsImageUnion{OfFile: openai.File(bytes.NewReader(req.Image), name, "image/png")},
		Prompt: req.Prompt,
		Model:  openai.ImageModel(a.GetMappedModel(req.Model)),
	}
	if req.N > 0 {
		params.N = openai.Int(int64(req.N))
	}
	if req.Size != "" {
		params.Size = openai.ImageEditParamsSize(req.Size)
	}
	result, err := a.client.Images.Edit(ctx, params)
	if err != nil {
		return nil, sanitizeErr(err)
	}
	return imagesFromResult(result), nil
}

func imagesFromResult(result *openai.ImagesResponse) *ImageResponse {
	out := &ImageResponse{Images: make([]ImageResult, len(result.Data))}
	for i, d := range result.Data {
		out.Images[i] = ImageResult{URL: d.URL, B64JSON: d.B64JSON}
	}
	return out
}

func (a *OpenAIAdapter) TextToSpeech(ctx context.Context, req AudioSpeechRequest) ([]byte, error) {
	resp, err := a.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Model: openai.SpeechModel(a.GetMappedModel(req.Model)),
		Input: req.Text,
		Voice: openai.AudioSpeechNewParamsVoice(req.Voice),
	})
	if err != nil {
		return nil, sanitizeErr(err)
	}
	defer resp.Body.Close()
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if readErr != nil {
			break
		}
	}
	return buf, nil
}

func (a *OpenAIAdapter) AudioTranscription(ctx context.Context, req AudioTranscriptionRequest) (*AudioTranscriptionResponse, error) {
	result, err := a.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		Model: openai.AudioModel(a.GetMappedModel(req.Model)),
		File:  openai.File(bytes.NewReader(req.FileData), req.FileName, "application/octet-stream"),
	})
	if err != nil {
		return nil, sanitizeErr(err)
	}
	return &AudioTranscriptionResponse{Text: result.Text}, nil
}

func buildOpenAIMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		case "tool":
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func applyOpenAIParams(params *openai.ChatCompletionNewParams, req ChatRequest) {
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openai.Float(*req.TopP)
	}
	if req.MaxTokens != nil {
		params.MaxCompletionTokens = openai.Int(int64(*req.MaxTokens))
	}
	if req.User != "" {
		params.User = openai.String(req.User)
	}
}
