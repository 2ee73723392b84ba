package discount

import (
	"context"
	"time"
)

// Lookup adapts a Repository's per-user query into the per-model lookup
// the orchestrator and screener need at admission time (spec.md §4.8 Step
// 1's plan-access fallback): it finds the caller's live row for the
// specific model being requested, if any.
type Lookup struct {
	Repo Repository
}

// ActiveDiscountFor returns the caller's active discount for modelID, or
// nil if none of their active rows target that model.
func (l Lookup) ActiveDiscountFor(ctx context.Context, userID, modelID string, now time.Time) (*UserDiscount, error) {
	rows, err := l.Repo.FindActiveByUserID(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		if rows[i].ModelID == modelID {
			return &rows[i], nil
		}
	}
	return nil, nil
}
