package registry

import (
	"context"
	"testing"

	"github.com/ferro-labs/creditgw/adapter"
)

type fakeAdapter struct {
	name   string
	models map[string]struct{}
	key    string
}

func (f *fakeAdapter) Name() string                     { return f.name }
func (f *fakeAdapter) SupportsModel(m string) bool      { _, ok := f.models[m]; return ok }
func (f *fakeAdapter) SupportsCapability(c string) bool { return c == "chat" }
func (f *fakeAdapter) GetMappedModel(m string) string   { return m }
func (f *fakeAdapter) ChatCompletion(ctx context.Context, req adapter.ChatRequest) (*adapter.ChatResponse, error) {
	return &adapter.ChatResponse{Model: req.Model}, nil
}
func (f *fakeAdapter) ChatCompletionStream(ctx context.Context, req adapter.ChatRequest) (<-chan adapter.StreamEvent, error) {
	return nil, nil
}

func (f *fakeAdapter) WithCredential(apiKey string, modelMapping map[string]string) adapter.Adapter {
	return &fakeAdapter{name: f.name, models: f.models, key: apiKey}
}

func TestRegisterAndGet(t *testing.T) {
	r := New()
	a := &fakeAdapter{name: "openai", models: map[string]struct{}{"gpt-4o-mini": {}}}
	r.Register(a)

	got, err := r.Get("openai")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name() != "openai" {
		t.Fatalf("got %q, want openai", got.Name())
	}
}

func TestLazyFactoryMemoized(t *testing.T) {
	r := New()
	calls := 0
	r.RegisterFactory("lazy", func() (adapter.Adapter, error) {
		calls++
		return &fakeAdapter{name: "lazy"}, nil
	})

	if _, err := r.Get("lazy"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Get("lazy"); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("factory called %d times, want 1", calls)
	}
}

func TestGetUnknownAdapter(t *testing.T) {
	r := New()
	if _, err := r.Get("nope"); err == nil {
		t.Fatal("expected error for unregistered adapter")
	}
}

func TestDeriveForSubProviderBindsCredential(t *testing.T) {
	r := New()
	r.Register(&fakeAdapter{name: "openai", models: map[string]struct{}{"gpt-4o-mini": {}}})

	derived, err := r.DeriveForSubProvider("openai", "sk-tenant-key", nil)
	if err != nil {
		t.Fatal(err)
	}
	fa, ok := derived.(*fakeAdapter)
	if !ok {
		t.Fatalf("unexpected adapter type %T", derived)
	}
	if fa.key != "sk-tenant-key" {
		t.Fatalf("derived adapter key = %q, want sk-tenant-key", fa.key)
	}
}

// staticKeyAdapter models a provider that holds one process-wide credential
// (e.g. bedrock via IAM) and does not implement Derivable.
type staticKeyAdapter struct{ name string }

func (s *staticKeyAdapter) Name() string                   { return s.name }
func (s *staticKeyAdapter) SupportsModel(string) bool      { return true }
func (s *staticKeyAdapter) SupportsCapability(string) bool { return true }
func (s *staticKeyAdapter) GetMappedModel(m string) string { return m }

func TestDeriveForSubProviderFallsBackWithoutDerivable(t *testing.T) {
	r := New()
	r.Register(&staticKeyAdapter{name: "bedrock"})

	got, err := r.DeriveForSubProvider("bedrock", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name() != "bedrock" {
		t.Fatalf("got %q, want bedrock", got.Name())
	}
}
