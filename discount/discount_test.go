package discount

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/ferro-labs/creditgw/catalog"
)

type memRepo struct {
	mu    sync.Mutex
	rows  []UserDiscount
	fires int
}

func (m *memRepo) DeleteExpired(ctx context.Context, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.rows[:0]
	for _, r := range m.rows {
		if r.ExpiresAt.After(now) {
			kept = append(kept, r)
		}
	}
	m.rows = kept
	return nil
}

func (m *memRepo) DeleteActiveForUser(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.rows[:0]
	for _, r := range m.rows {
		if r.UserID != userID {
			kept = append(kept, r)
		}
	}
	m.rows = kept
	return nil
}

func (m *memRepo) Insert(ctx context.Context, d UserDiscount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, d)
	m.fires++
	return nil
}

func (m *memRepo) FindActiveByUserID(ctx context.Context, userID string, now time.Time) ([]UserDiscount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []UserDiscount
	for _, r := range m.rows {
		if r.UserID == userID && r.ExpiresAt.After(now) {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeUsers struct{ users []User }

func (f fakeUsers) AllUsers(ctx context.Context) ([]User, error) { return f.users, nil }

func testCatalog(t *testing.T) catalog.Catalog {
	m, err := catalog.NewModel("gpt-4o-mini", "openai", []string{"/v1/chat/completions"}, []string{"free", "basic", "pro"}, catalog.CostPerToken, 0, 0.25, true, true)
	if err != nil {
		t.Fatal(err)
	}
	restricted, err := catalog.NewModel("claude-opus-4-5-20251101", "anthropic", []string{"/v1/chat/completions"}, []string{"basic", "pro"}, catalog.CostPerToken, 0, 1.0, true, true)
	if err != nil {
		t.Fatal(err)
	}
	cat, err := catalog.New([]catalog.Model{m, restricted})
	if err != nil {
		t.Fatal(err)
	}
	return cat
}

// TestTickFiresExactlyOncePerCETDay is S5: at 18:02 CET with three users and
// no prior fire today, exactly one row per user exists afterward, and a
// second tick within the window is a no-op.
func TestTickFiresExactlyOncePerCETDay(t *testing.T) {
	repo := &memRepo{}
	users := fakeUsers{users: []User{{ID: "u1", Plan: "free"}, {ID: "u2", Plan: "pro"}, {ID: "u3", Plan: "free", IsRPVerified: true}}}
	s := New(repo, users, testCatalog(t), time.Minute, 24*time.Hour)

	// 18:02 CET == 17:02 UTC in winter (offset +1).
	now := time.Date(2026, 1, 15, 17, 2, 0, 0, time.UTC)

	if err := s.Tick(context.Background(), now); err != nil {
		t.Fatal(err)
	}
	if len(repo.rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(repo.rows))
	}
	seen := map[string]bool{}
	for _, r := range repo.rows {
		if seen[r.UserID] {
			t.Fatalf("duplicate discount row for user %s", r.UserID)
		}
		seen[r.UserID] = true
		if !r.ExpiresAt.Equal(r.CreatedAt.Add(24 * time.Hour)) {
			t.Fatalf("expiresAt != createdAt+24h for user %s", r.UserID)
		}
	}

	// Second tick within the same window: no-op.
	if err := s.Tick(context.Background(), now.Add(2*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if len(repo.rows) != 3 {
		t.Fatalf("second tick fired again: rows = %d, want 3", len(repo.rows))
	}
}

func TestTickIsNoOpOutsideFireWindow(t *testing.T) {
	repo := &memRepo{}
	users := fakeUsers{users: []User{{ID: "u1", Plan: "free"}}}
	s := New(repo, users, testCatalog(t), time.Minute, 24*time.Hour)

	now := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	if err := s.Tick(context.Background(), now); err != nil {
		t.Fatal(err)
	}
	if len(repo.rows) != 0 {
		t.Fatalf("rows = %d, want 0 outside fire window", len(repo.rows))
	}
}

// TestMultiplierDrawIsWithinDiscreteSet is part of P8.
func TestMultiplierDrawIsWithinDiscreteSet(t *testing.T) {
	s := New(&memRepo{}, fakeUsers{}, testCatalog(t), time.Minute, 24*time.Hour)
	for i := 0; i < 200; i++ {
		m := s.pickMultiplier()
		if m < 1.5 || m > 3.0 {
			t.Fatalf("multiplier %v out of range", m)
		}
		steps := (m - 1.5) / 0.1
		if math.Abs(steps-math.Round(steps)) > 1e-6 {
			t.Fatalf("multiplier %v is not on the 0.1 grid", m)
		}
	}
}

func TestEligibleListFallsBackToFullPoolWhenIntersectionEmpty(t *testing.T) {
	s := New(&memRepo{}, fakeUsers{}, testCatalog(t), time.Minute, 24*time.Hour)
	u := User{ID: "u1", Plan: "nonexistent-plan"}
	list := s.eligibleList(u)
	if len(list) != len(EligibleModels) {
		t.Fatalf("expected fallback to full pool, got %v", list)
	}
}

func TestEligibleListIntersectsPlanForNonVerifiedUser(t *testing.T) {
	s := New(&memRepo{}, fakeUsers{}, testCatalog(t), time.Minute, 24*time.Hour)
	u := User{ID: "u1", Plan: "free"}
	list := s.eligibleList(u)
	for _, m := range list {
		if m == "claude-opus-4-5-20251101" {
			t.Fatalf("free plan should not see a basic+ model in its intersection: %v", list)
		}
	}
}

func TestEligibleListIsFullPoolForRPVerifiedUser(t *testing.T) {
	s := New(&memRepo{}, fakeUsers{}, testCatalog(t), time.Minute, 24*time.Hour)
	u := User{ID: "u1", Plan: "free", IsRPVerified: true}
	list := s.eligibleList(u)
	if len(list) != len(EligibleModels) {
		t.Fatalf("RP-verified user should see the full pool, got %v", list)
	}
}
