package ledger

import (
	"context"
	"sync"
	"testing"
)

func TestCreateRequestGeneratesIDAndStartsPending(t *testing.T) {
	l := New(NewMemStore())
	r, err := l.CreateRequest(context.Background(), ApiRequest{UserID: "u1", Endpoint: "/v1/chat/completions", Model: "gpt-4o-mini"})
	if err != nil {
		t.Fatal(err)
	}
	if r.ID == "" {
		t.Fatal("expected a generated ID")
	}
	if r.Status != StatusPending {
		t.Fatalf("status = %v, want pending", r.Status)
	}
}

func TestCompleteRequestIsIdempotent(t *testing.T) {
	store := NewMemStore()
	l := New(store)
	r, err := l.CreateRequest(context.Background(), ApiRequest{UserID: "u1", Endpoint: "/v1/chat/completions"})
	if err != nil {
		t.Fatal(err)
	}

	first, err := l.CompleteRequest(context.Background(), r.ID, 100, 8, "openai", "sp-a", 200, 200)
	if err != nil {
		t.Fatal(err)
	}
	if !first {
		t.Fatal("expected the first completion to report completed=true")
	}

	second, err := l.CompleteRequest(context.Background(), r.ID, 999, 999, "openai", "sp-a", 200, 200)
	if err != nil {
		t.Fatal(err)
	}
	if second {
		t.Fatal("expected the second completion to be a no-op")
	}

	final, err := store.FindByID(context.Background(), r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.TotalTokens != 100 || final.Credits != 8 {
		t.Fatalf("retried completion must not overwrite settled numbers, got %+v", final)
	}
}

func TestFailRequestDoesNotOverrideACompletedRow(t *testing.T) {
	store := NewMemStore()
	l := New(store)
	r, _ := l.CreateRequest(context.Background(), ApiRequest{UserID: "u1"})
	if _, err := l.CompleteRequest(context.Background(), r.ID, 10, 1, "openai", "sp-a", 10, 200); err != nil {
		t.Fatal(err)
	}
	failed, err := l.FailRequest(context.Background(), r.ID, 500, "boom")
	if err != nil {
		t.Fatal(err)
	}
	if failed {
		t.Fatal("expected FailRequest to be a no-op on an already-completed row")
	}
}

// TestDeductCreditsNeverOverdrawsConcurrently is P3: across any
// interleaving of deductCredits, user.credits never goes negative and
// total debited equals the sum of successful debits.
func TestDeductCreditsNeverOverdrawsConcurrently(t *testing.T) {
	store := NewMemStore()
	store.SeedCredits("u1", 100)
	l := New(store)

	const workers = 50
	const perCall = 3

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.DeductCredits(context.Background(), "u1", perCall)
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	remaining := store.Balance("u1")
	if remaining < 0 {
		t.Fatalf("balance went negative: %d", remaining)
	}
	if remaining != 100-int64(successes*perCall) {
		t.Fatalf("remaining=%d does not match 100 - successes*perCall (successes=%d)", remaining, successes)
	}
}

func TestDeductCreditsRejectsInsufficientBalance(t *testing.T) {
	store := NewMemStore()
	store.SeedCredits("u1", 5)
	l := New(store)

	ok, err := l.DeductCredits(context.Background(), "u1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected insufficient balance to reject the debit")
	}
	if store.Balance("u1") != 5 {
		t.Fatalf("balance must be untouched on rejection, got %d", store.Balance("u1"))
	}
}

func TestResetCreditsSetsEveryListedUser(t *testing.T) {
	store := NewMemStore()
	l := New(store)
	if err := l.ResetCredits(context.Background(), []string{"u1", "u2"}, 500); err != nil {
		t.Fatal(err)
	}
	if store.Balance("u1") != 500 || store.Balance("u2") != 500 {
		t.Fatalf("expected both users reset to 500, got u1=%d u2=%d", store.Balance("u1"), store.Balance("u2"))
	}
}
