package orchestrator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ferro-labs/creditgw/adapter"
	"github.com/ferro-labs/creditgw/balancer"
	"github.com/ferro-labs/creditgw/catalog"
	"github.com/ferro-labs/creditgw/ledger"
	"github.com/ferro-labs/creditgw/orchestrator"
	"github.com/ferro-labs/creditgw/provider"
	"github.com/ferro-labs/creditgw/registry"
	"github.com/ferro-labs/creditgw/screener"
	"github.com/ferro-labs/creditgw/subprovider"
	"github.com/ferro-labs/creditgw/user"
)

// fakeDirectory is a minimal stand-in for the live directory.Directory,
// structurally satisfying orchestrator.CandidateSource, CredentialResolver,
// SubProviderStates, and ProviderStates (and screener.CandidateSource,
// which shares the same CandidatesForModel shape) from plain maps instead
// of a real bootstrap. CandidatesForModel ignores modelID and returns
// every registered sub-provider, which is enough for these tests since
// each one registers exactly the sub-providers it needs and the
// moderation capability is dispatched through the same pool.
type fakeDirectory struct {
	mu            sync.Mutex
	providers     map[string]*provider.Provider
	states        map[string]*subprovider.State
	subToProvider map[string]string
	keys          map[string]string
	mappings      map[string]map[string]string
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		providers:     make(map[string]*provider.Provider),
		states:        make(map[string]*subprovider.State),
		subToProvider: make(map[string]string),
		keys:          make(map[string]string),
		mappings:      make(map[string]map[string]string),
	}
}

func (f *fakeDirectory) addSubProvider(subID, providerID string, st *subprovider.State, apiKey string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[subID] = st
	f.subToProvider[subID] = providerID
	f.keys[subID] = apiKey
}

func (f *fakeDirectory) CandidatesForModel(modelID string) []balancer.Candidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]balancer.Candidate, 0, len(f.states))
	for subID, st := range f.states {
		providerID := f.subToProvider[subID]
		p := f.providers[providerID]
		out = append(out, balancer.Candidate{
			SubProviderID:        subID,
			ProviderID:           providerID,
			Snapshot:             st.Snapshot(time.Now()),
			IsVerified:           true,
			ProviderScore:        p.Score(),
			ProviderIsStandalone: !p.NeedsSubProviders,
		})
	}
	return out
}

func (f *fakeDirectory) Resolve(subProviderID string) (string, map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keys[subProviderID], f.mappings[subProviderID], nil
}

func (f *fakeDirectory) Get(subProviderID string) (*subprovider.State, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[subProviderID]
	return st, ok
}

func (f *fakeDirectory) GetProvider(providerID string) (*provider.Provider, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.providers[providerID]
	return p, ok
}

func generousLimits() subprovider.Limits {
	return subprovider.Limits{
		MaxRequestsPerMinute:  1000,
		MaxRequestsPerHour:    10000,
		MaxTokensPerMinute:    1_000_000,
		MaxConcurrentRequests: 100,
	}
}

// testHarness bundles a fully wired Pipeline with the fake collaborators
// backing it, so individual tests can reach in and seed credits, force
// adapter failures, or inspect the ledger directly.
type testHarness struct {
	pipeline *orchestrator.Pipeline
	dir      *fakeDirectory
	store    *ledger.MemStore
	reg      *registry.Registry
}

// newHarness builds a pipeline with one catalog model ("gpt-test",
// per-token cost, every plan, chat/responses endpoints) served by one
// provider ("openai") and one sub-provider ("sp-1") backed by mockAd.
func newHarness(t *testing.T, mockAd *adapter.MockAdapter) *testHarness {
	t.Helper()

	model, err := catalog.NewModel("gpt-test", "openai",
		[]string{"/v1/chat/completions", "/v1/responses"}, nil,
		catalog.CostPerToken, 0, 1.0, true, false)
	if err != nil {
		t.Fatalf("building catalog model: %v", err)
	}
	cat, err := catalog.New([]catalog.Model{model})
	if err != nil {
		t.Fatalf("building catalog: %v", err)
	}

	store := ledger.NewMemStore()
	led := ledger.New(store)

	reg := registry.New()
	reg.Register(mockAd)

	dir := newFakeDirectory()
	dir.providers["openai"] = provider.New("openai", "OpenAI", "https://api.openai.test", 30*time.Second, []string{"gpt-test"}, nil, true)
	dir.addSubProvider("sp-1", "openai", subprovider.New("sp-1", generousLimits(), true, true), "sk-test")

	b := balancer.NewWithSeed(1)
	tracker := balancer.NewSelectionTracker()
	scr := screener.New(b, tracker, reg, dir, dir)

	return &testHarness{
		pipeline: &orchestrator.Pipeline{
			Catalog:     cat,
			Ledger:      led,
			Screener:    scr,
			Balancer:    b,
			Tracker:     tracker,
			Registry:    reg,
			Candidates:  dir,
			Credentials: dir,
			SubStates:   dir,
			ProvStates:  dir,
		},
		dir:   dir,
		store: store,
		reg:   reg,
	}
}

func testUser(id string, credits int64) user.AuthenticatedUser {
	return user.AuthenticatedUser{ID: id, Plan: "free", Credits: credits, Enabled: true}
}

func chatReq(model, content string) adapter.ChatRequest {
	return adapter.ChatRequest{
		Model:    model,
		Messages: []adapter.Message{{Role: "user", Content: content}},
	}
}

// TestChatCompletionHappyPath covers S1: a successful chat call debits
// exactly the credits its final computed token count prices at, and the
// ledger row lands Completed with the serving provider/sub-provider
// recorded.
func TestChatCompletionHappyPath(t *testing.T) {
	h := newHarness(t, adapter.NewMock("openai", "gpt-test"))
	u := testUser("user-1", 1000)
	h.store.SeedCredits(u.ID, u.Credits)

	resp, err := h.pipeline.ChatCompletion(context.Background(), chatReq("gpt-test", "hello there"), u, user.ClientInfo{IP: "1.2.3.4"})
	if err != nil {
		t.Fatalf("ChatCompletion returned error: %v", err)
	}
	if resp.Object != "chat.completion" {
		t.Fatalf("resp.Object = %q, want chat.completion", resp.Object)
	}

	rows, err := h.store.FindMany(context.Background(), ledger.Filter{UserID: u.ID})
	if err != nil || len(rows) != 1 {
		t.Fatalf("FindMany = %v, %v; want exactly one row", rows, err)
	}
	row := rows[0]
	if row.Status != ledger.StatusCompleted {
		t.Fatalf("row.Status = %q, want completed", row.Status)
	}
	if row.ProviderID != "openai" || row.SubProviderID != "sp-1" {
		t.Fatalf("row provider/sub-provider = %q/%q, want openai/sp-1", row.ProviderID, row.SubProviderID)
	}

	wantCredits, err := h.pipeline.Catalog.CalculateCredits("gpt-test", row.TotalTokens, nil)
	if err != nil {
		t.Fatalf("CalculateCredits: %v", err)
	}
	if row.Credits != wantCredits {
		t.Fatalf("row.Credits = %d, want %d", row.Credits, wantCredits)
	}
	if got := h.store.Balance(u.ID); got != u.Credits-wantCredits {
		t.Fatalf("balance = %d, want %d", got, u.Credits-wantCredits)
	}
}

// TestChatCompletionRetriesOnFailure covers S2: when the first-selected
// sub-provider's adapter call errors, dispatch excludes it and retries
// against the next eligible candidate rather than failing the whole
// request. The model uses the "lumina" prefix so content screening
// short-circuits and the forced failure is consumed by the chat dispatch
// loop itself rather than the moderation round-trip.
func TestChatCompletionRetriesOnFailure(t *testing.T) {
	model, err := catalog.NewModel("lumina-retry", "openai", []string{"/v1/chat/completions"}, nil, catalog.CostPerToken, 0, 1.0, false, false)
	if err != nil {
		t.Fatalf("building model: %v", err)
	}
	cat, err := catalog.New([]catalog.Model{model})
	if err != nil {
		t.Fatalf("building catalog: %v", err)
	}

	mock := adapter.NewMock("openai", "lumina-retry")
	h := newHarness(t, mock)
	h.pipeline.Catalog = cat
	h.dir.addSubProvider("sp-2", "openai", subprovider.New("sp-2", generousLimits(), true, true), "sk-test-2")

	mock.SetFailNext(&adapter.ProviderError{HTTPStatus: 503, Message: "upstream overloaded"})

	u := testUser("user-2", 1000)
	h.store.SeedCredits(u.ID, u.Credits)

	resp, err := h.pipeline.ChatCompletion(context.Background(), chatReq("lumina-retry", "retry me"), u, user.ClientInfo{IP: "1.2.3.4"})
	if err != nil {
		t.Fatalf("ChatCompletion returned error: %v", err)
	}
	if resp == nil {
		t.Fatalf("resp is nil")
	}

	rows, _ := h.store.FindMany(context.Background(), ledger.Filter{UserID: u.ID})
	if len(rows) != 1 || rows[0].Status != ledger.StatusCompleted {
		t.Fatalf("rows = %+v, want one completed row", rows)
	}
}

// TestChatCompletionPlanDenied covers the plan-access authorization path:
// a model with a plan requirement the caller's plan doesn't satisfy is
// rejected before any adapter is touched, and no ledger row is created.
func TestChatCompletionPlanDenied(t *testing.T) {
	model, err := catalog.NewModel("gpt-pro", "openai", []string{"/v1/chat/completions"}, []string{"pro"}, catalog.CostPerToken, 0, 1.0, false, false)
	if err != nil {
		t.Fatalf("building model: %v", err)
	}
	cat, err := catalog.New([]catalog.Model{model})
	if err != nil {
		t.Fatalf("building catalog: %v", err)
	}

	h := newHarness(t, adapter.NewMock("openai", "gpt-pro"))
	h.pipeline.Catalog = cat

	u := testUser("user-3", 1000)
	h.store.SeedCredits(u.ID, u.Credits)

	_, err = h.pipeline.ChatCompletion(context.Background(), chatReq("gpt-pro", "hi"), u, user.ClientInfo{IP: "1.2.3.4"})
	gwErr, ok := err.(*orchestrator.GatewayError)
	if !ok {
		t.Fatalf("err = %v (%T), want *orchestrator.GatewayError", err, err)
	}
	if gwErr.HTTPStatus != 403 {
		t.Fatalf("HTTPStatus = %d, want 403", gwErr.HTTPStatus)
	}

	rows, _ := h.store.FindMany(context.Background(), ledger.Filter{UserID: u.ID})
	if len(rows) != 0 {
		t.Fatalf("rows = %+v, want none (admission failed before CreateRequest)", rows)
	}
}

// TestCreateResponseHappyPath covers the /v1/responses endpoint, which
// shares its adapter call with chat but stamps a distinct Object.
func TestCreateResponseHappyPath(t *testing.T) {
	h := newHarness(t, adapter.NewMock("openai", "gpt-test"))
	u := testUser("user-4", 1000)
	h.store.SeedCredits(u.ID, u.Credits)

	resp, err := h.pipeline.CreateResponse(context.Background(), chatReq("gpt-test", "hello"), u, user.ClientInfo{IP: "1.2.3.4"})
	if err != nil {
		t.Fatalf("CreateResponse returned error: %v", err)
	}
	if resp.Object != "response" {
		t.Fatalf("resp.Object = %q, want response", resp.Object)
	}
}

// TestVideoCreateAndStatusRoundTrip covers the video capability end to
// end: a created job's id can be looked up through GetVideoStatus against
// the same adapter instance.
func TestVideoCreateAndStatusRoundTrip(t *testing.T) {
	model, err := catalog.NewModel("video-test", "openai", []string{"/v1/videos"}, nil, catalog.CostFixed, 50, 0, false, false)
	if err != nil {
		t.Fatalf("building model: %v", err)
	}
	cat, err := catalog.New([]catalog.Model{model})
	if err != nil {
		t.Fatalf("building catalog: %v", err)
	}

	h := newHarness(t, adapter.NewMockWithVideo("openai", "video-test"))
	h.pipeline.Catalog = cat

	u := testUser("user-5", 1000)
	h.store.SeedCredits(u.ID, u.Credits)

	created, err := h.pipeline.CreateVideo(context.Background(), adapter.VideoRequest{Model: "video-test", Prompt: "a calm lake at dawn"}, u, user.ClientInfo{IP: "1.2.3.4"})
	if err != nil {
		t.Fatalf("CreateVideo returned error: %v", err)
	}
	if created.ID == "" {
		t.Fatalf("created.ID is empty")
	}

	status, err := h.pipeline.GetVideoStatus(context.Background(), "video-test", created.ID)
	if err != nil {
		t.Fatalf("GetVideoStatus returned error: %v", err)
	}
	if status.ID != created.ID {
		t.Fatalf("status.ID = %q, want %q", status.ID, created.ID)
	}

	if got := h.store.Balance(u.ID); got != u.Credits-50 {
		t.Fatalf("balance = %d, want %d", got, u.Credits-50)
	}
}

// TestEditImagesRoundTrip covers the edits endpoint: the source image is
// required, and a fixed-cost image model bills its base cost once.
func TestEditImagesRoundTrip(t *testing.T) {
	model, err := catalog.NewModel("lumina-img", "openai", []string{"/v1/images/generations", "/v1/images/edits"}, nil, catalog.CostFixed, 40, 0, false, false)
	if err != nil {
		t.Fatalf("building model: %v", err)
	}
	cat, err := catalog.New([]catalog.Model{model})
	if err != nil {
		t.Fatalf("building catalog: %v", err)
	}

	h := newHarness(t, adapter.NewMock("openai", "lumina-img"))
	h.pipeline.Catalog = cat

	u := testUser("user-7", 1000)
	h.store.SeedCredits(u.ID, u.Credits)

	req := adapter.ImageRequest{Model: "lumina-img", Prompt: "add a lighthouse"}
	if _, err := h.pipeline.EditImages(context.Background(), req, u, user.ClientInfo{IP: "1.2.3.4"}); err == nil {
		t.Fatal("expected rejection without a source image")
	}

	req.Image = []byte("png-bytes")
	req.ImageName = "shore.png"
	resp, err := h.pipeline.EditImages(context.Background(), req, u, user.ClientInfo{IP: "1.2.3.4"})
	if err != nil {
		t.Fatalf("EditImages returned error: %v", err)
	}
	if len(resp.Images) == 0 {
		t.Fatal("expected at least one edited image")
	}
	if got := h.store.Balance(u.ID); got != u.Credits-40 {
		t.Fatalf("balance = %d, want %d", got, u.Credits-40)
	}
}

// TestChatCompletionInsufficientCredits covers the credit-authorization
// gate: a caller whose balance is below the priced cost is rejected at
// admission time, before any adapter dispatch.
func TestChatCompletionInsufficientCredits(t *testing.T) {
	h := newHarness(t, adapter.NewMock("openai", "gpt-test"))
	u := testUser("user-6", 0)
	h.store.SeedCredits(u.ID, 0)

	_, err := h.pipeline.ChatCompletion(context.Background(), chatReq("gpt-test", "hi"), u, user.ClientInfo{IP: "1.2.3.4"})
	gwErr, ok := err.(*orchestrator.GatewayError)
	if !ok {
		t.Fatalf("err = %v (%T), want *orchestrator.GatewayError", err, err)
	}
	if gwErr.HTTPStatus != 402 {
		t.Fatalf("HTTPStatus = %d, want 402", gwErr.HTTPStatus)
	}
}
