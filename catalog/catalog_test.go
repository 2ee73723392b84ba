package catalog

import "testing"

func mustModel(t *testing.T, id, owner string, endpoints, plans []string, costType CostType, baseCost int64, mult float64) Model {
	t.Helper()
	m, err := NewModel(id, owner, endpoints, plans, costType, baseCost, mult, true, true)
	if err != nil {
		t.Fatalf("NewModel(%s): %v", id, err)
	}
	return m
}

func TestCalculateCreditsPerToken(t *testing.T) {
	m := mustModel(t, "gpt-4o-mini", "openai", []string{"/v1/chat/completions"}, nil, CostPerToken, 0, 0.25)
	c, err := New([]Model{m})
	if err != nil {
		t.Fatal(err)
	}

	// S1 scenario: 30 tokens total * 0.25 = 7.5 -> rounds to 8.
	got, err := c.CalculateCredits("gpt-4o-mini", 30, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != 8 {
		t.Fatalf("CalculateCredits = %d, want 8", got)
	}
}

func TestCalculateCreditsFixedIgnoresTokens(t *testing.T) {
	m := mustModel(t, "dall-e-3", "openai", []string{"/v1/images/generations"}, nil, CostFixed, 40, 0)
	c, err := New([]Model{m})
	if err != nil {
		t.Fatal(err)
	}

	for _, tokens := range []int64{0, 1, 1_000_000} {
		got, err := c.CalculateCredits("dall-e-3", tokens, nil)
		if err != nil {
			t.Fatal(err)
		}
		if got != 40 {
			t.Fatalf("CalculateCredits(tokens=%d) = %d, want 40", tokens, got)
		}
	}
}

func TestCalculateCreditsWithDiscount(t *testing.T) {
	m := mustModel(t, "claude-opus-4-5-20251101", "anthropic", []string{"/v1/chat/completions"}, []string{"basic", "pro"}, CostPerToken, 0, 1.0)
	c, err := New([]Model{m})
	if err != nil {
		t.Fatal(err)
	}

	without, err := c.CalculateCredits("claude-opus-4-5-20251101", 100, nil)
	if err != nil {
		t.Fatal(err)
	}
	withDiscount, err := c.CalculateCredits("claude-opus-4-5-20251101", 100, &Discount{Multiplier: 2.0})
	if err != nil {
		t.Fatal(err)
	}

	// P10: calculateCredits(m,t,d) with d>1 == round(calculateCredits(m,t)/d).
	want := roundHalfAwayFromZero(float64(without) / 2.0)
	if withDiscount != want {
		t.Fatalf("discounted credits = %d, want %d", withDiscount, want)
	}
}

func TestCalculateCreditsUnknownModel(t *testing.T) {
	c, err := New(nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.CalculateCredits("nope", 10, nil); err == nil {
		t.Fatal("expected error for unknown model")
	}
}

func TestHasAccessAndSupportsEndpoint(t *testing.T) {
	m := mustModel(t, "gpt-4o-mini", "openai", []string{"/v1/chat/completions"}, nil, CostPerToken, 0, 0.25)
	restricted := mustModel(t, "claude-opus-4-5-20251101", "anthropic", []string{"/v1/chat/completions"}, []string{"basic", "pro"}, CostPerToken, 0, 1.0)
	c, err := New([]Model{m, restricted})
	if err != nil {
		t.Fatal(err)
	}

	if !c.HasAccess("gpt-4o-mini", "free") {
		t.Fatal("expected free plan to access unrestricted model")
	}
	if c.HasAccess("claude-opus-4-5-20251101", "free") {
		t.Fatal("expected free plan to be denied restricted model")
	}
	if !c.HasAccess("claude-opus-4-5-20251101", "basic") {
		t.Fatal("expected basic plan to access restricted model")
	}
	if !c.SupportsEndpoint("gpt-4o-mini", "/v1/chat/completions") {
		t.Fatal("expected endpoint support")
	}
	if c.SupportsEndpoint("gpt-4o-mini", "/v1/images/generations") {
		t.Fatal("expected no endpoint support for images")
	}
}

func TestNewModelInvariants(t *testing.T) {
	if _, err := NewModel("", "x", []string{"/v1/chat/completions"}, nil, CostPerToken, 0, 1, false, false); err == nil {
		t.Fatal("expected error for empty id")
	}
	if _, err := NewModel("x", "x", nil, nil, CostPerToken, 0, 1, false, false); err == nil {
		t.Fatal("expected error for no endpoints")
	}
	if _, err := NewModel("x", "x", []string{"/v1/images/generations"}, nil, CostFixed, 0, 1, false, false); err == nil {
		t.Fatal("expected error for fixed cost with baseCost <= 0")
	}
}

func TestNewDuplicateIDRejected(t *testing.T) {
	m := mustModel(t, "dup", "x", []string{"/v1/chat/completions"}, nil, CostPerToken, 0, 1)
	if _, err := New([]Model{m, m}); err == nil {
		t.Fatal("expected error for duplicate model id")
	}
}
