package adapter

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MockAdapter is a deterministic, in-process stand-in for a real upstream
// used by orchestrator and scenario tests, grounded on the teacher's
// providers test doubles: no network calls, canned responses shaped by
// the request, and hooks to force specific failure classes so retry and
// circuit-breaker paths are exercisable without a live vendor.
type MockAdapter struct {
	NameValue    string
	Models       []string
	Capabilities []string
	ModelMapping map[string]string

	// failure holds the next-call-fails hook behind a pointer so it
	// survives WithCredential's shallow clone: every per-request derived
	// adapter shares the same backing cell, so SetFailNext set on the
	// registered base is consumed exactly once regardless of how many
	// credentialed clones the registry hands out across a retry loop.
	failure *mockFailure

	videos   map[string]VideoResponse
	videosMu *sync.Mutex
}

type mockFailure struct {
	mu  sync.Mutex
	err error
}

// NewMock constructs a MockAdapter supporting the given models across all
// capabilities.
func NewMock(name string, models ...string) *MockAdapter {
	return &MockAdapter{
		NameValue:    name,
		Models:       models,
		Capabilities: []string{"chat", "responses", "embeddings", "moderation", "images", "audio"},
		failure:      &mockFailure{},
	}
}

// SetFailNext arms err to be returned (and cleared) by the next capability
// call made against m or any adapter later derived from it via
// WithCredential.
func (m *MockAdapter) SetFailNext(err error) {
	m.failure.mu.Lock()
	defer m.failure.mu.Unlock()
	m.failure.err = err
}

// NewMockWithVideo is NewMock plus the "video" capability, used by tests
// that exercise the orchestrator's video operations.
func NewMockWithVideo(name string, models ...string) *MockAdapter {
	m := NewMock(name, models...)
	m.Capabilities = append(m.Capabilities, "video")
	m.videos = make(map[string]VideoResponse)
	m.videosMu = &sync.Mutex{}
	return m
}

func (m *MockAdapter) WithCredential(apiKey string, modelMapping map[string]string) Adapter {
	clone := *m
	clone.ModelMapping = modelMapping
	return &clone
}

func (m *MockAdapter) Name() string { return m.NameValue }

func (m *MockAdapter) SupportsModel(model string) bool {
	for _, candidate := range m.Models {
		if candidate == model {
			return true
		}
	}
	return false
}

func (m *MockAdapter) SupportsCapability(capability string) bool {
	for _, c := range m.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

func (m *MockAdapter) GetMappedModel(model string) string {
	if mapped, ok := m.ModelMapping[model]; ok {
		return mapped
	}
	return model
}

func (m *MockAdapter) takeFailure() error {
	m.failure.mu.Lock()
	defer m.failure.mu.Unlock()
	err := m.failure.err
	m.failure.err = nil
	return err
}

func (m *MockAdapter) ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	var sb strings.Builder
	for _, msg := range req.Messages {
		sb.WriteString(msg.Content)
	}
	return &ChatResponse{
		ID:           "mock-chat-1",
		Model:        m.GetMappedModel(req.Model),
		Content:      fmt.Sprintf("mock reply to %d chars", sb.Len()),
		FinishReason: "stop",
		Usage:        Usage{PromptTokens: int64(sb.Len()), CompletionTokens: 8, TotalTokens: int64(sb.Len()) + 8},
	}, nil
}

func (m *MockAdapter) ChatCompletionStream(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error) {
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	ch := make(chan StreamEvent, 3)
	ch <- StreamEvent{ID: "mock-stream-1", Sequence: 0, ContentDelta: "mock "}
	ch <- StreamEvent{ID: "mock-stream-1", Sequence: 1, ContentDelta: "reply"}
	ch <- StreamEvent{
		ID: "mock-stream-1", Sequence: 2, Done: true, FinishReason: "stop",
		Usage: &Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12},
	}
	close(ch)
	return ch, nil
}

func (m *MockAdapter) ModerateContent(ctx context.Context, input, model string) (*ModerationResult, error) {
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	flagged := strings.Contains(strings.ToLower(input), "blocked-test-token")
	score := 0.01
	if flagged {
		score = 0.99
	}
	return &ModerationResult{
		Scores:  map[string]float64{"sexual": score, "violence": 0.0, "hate": 0.0, "self-harm": 0.0},
		Flagged: flagged,
	}, nil
}

func (m *MockAdapter) CreateEmbeddings(ctx context.Context, req EmbeddingRequest) (*EmbeddingResponse, error) {
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	embeddings := make([][]float64, len(req.Input))
	for i, in := range req.Input {
		embeddings[i] = []float64{float64(len(in)), 0.5, 0.25}
	}
	return &EmbeddingResponse{Embeddings: embeddings, Usage: Usage{PromptTokens: int64(len(req.Input)), TotalTokens: int64(len(req.Input))}}, nil
}

func (m *MockAdapter) GenerateImages(ctx context.Context, req ImageRequest) (*ImageResponse, error) {
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	n := req.N
	if n <= 0 {
		n = 1
	}
	images := make([]ImageResult, n)
	for i := range images {
		images[i] = ImageResult{URL: fmt.Sprintf("mock://image/%d", i)}
	}
	return &ImageResponse{Images: images}, nil
}

func (m *MockAdapter) EditImages(ctx context.Context, req ImageRequest) (*ImageResponse, error) {
	return m.GenerateImages(ctx, req)
}

func (m *MockAdapter) TextToSpeech(ctx context.Context, req AudioSpeechRequest) ([]byte, error) {
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	return []byte("mock-audio-bytes"), nil
}

func (m *MockAdapter) AudioTranscription(ctx context.Context, req AudioTranscriptionRequest) (*AudioTranscriptionResponse, error) {
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	return &AudioTranscriptionResponse{Text: fmt.Sprintf("mock transcription of %s", req.FileName), Usage: Usage{PromptTokens: int64(len(req.FileData))}}, nil
}

func (m *MockAdapter) CreateVideo(ctx context.Context, req VideoRequest) (*VideoResponse, error) {
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	m.videosMu.Lock()
	defer m.videosMu.Unlock()
	id := fmt.Sprintf("mock-video-%d", len(m.videos)+1)
	v := VideoResponse{ID: id, Status: "completed", URL: "mock://video/" + id}
	m.videos[id] = v
	return &v, nil
}

func (m *MockAdapter) GetVideoStatus(ctx context.Context, id string) (*VideoResponse, error) {
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	m.videosMu.Lock()
	defer m.videosMu.Unlock()
	v, ok := m.videos[id]
	if !ok {
		return nil, fmt.Errorf("mock adapter: video %q not found", id)
	}
	return &v, nil
}

func (m *MockAdapter) DownloadVideo(ctx context.Context, id string) ([]byte, error) {
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	m.videosMu.Lock()
	defer m.videosMu.Unlock()
	if _, ok := m.videos[id]; !ok {
		return nil, fmt.Errorf("mock adapter: video %q not found", id)
	}
	return []byte("mock-video-bytes"), nil
}

func (m *MockAdapter) ListVideos(ctx context.Context) ([]VideoResponse, error) {
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	m.videosMu.Lock()
	defer m.videosMu.Unlock()
	out := make([]VideoResponse, 0, len(m.videos))
	for _, v := range m.videos {
		out = append(out, v)
	}
	return out, nil
}

func (m *MockAdapter) DeleteVideo(ctx context.Context, id string) error {
	if err := m.takeFailure(); err != nil {
		return err
	}
	m.videosMu.Lock()
	defer m.videosMu.Unlock()
	delete(m.videos, id)
	return nil
}

func (m *MockAdapter) RemixVideo(ctx context.Context, id string, req VideoRequest) (*VideoResponse, error) {
	if _, err := m.GetVideoStatus(ctx, id); err != nil {
		return nil, err
	}
	return m.CreateVideo(ctx, req)
}

var _ ChatAdapter = (*MockAdapter)(nil)
var _ ModerationAdapter = (*MockAdapter)(nil)
var _ EmbeddingAdapter = (*MockAdapter)(nil)
var _ ImageAdapter = (*MockAdapter)(nil)
var _ AudioAdapter = (*MockAdapter)(nil)
var _ VideoAdapter = (*MockAdapter)(nil)
