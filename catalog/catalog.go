package catalog

import (
	"fmt"
	"math"
)

// Catalog is the immutable, in-memory registry of every routable model.
type Catalog struct {
	byID map[string]Model
}

// New builds a Catalog from a list of models, rejecting duplicate IDs.
func New(models []Model) (Catalog, error) {
	byID := make(map[string]Model, len(models))
	for _, m := range models {
		if _, exists := byID[m.ID]; exists {
			return Catalog{}, fmt.Errorf("catalog: duplicate model id %q", m.ID)
		}
		byID[m.ID] = m
	}
	return Catalog{byID: byID}, nil
}

// ByID looks up a model by its exact id.
func (c Catalog) ByID(id string) (Model, bool) {
	m, ok := c.byID[id]
	return m, ok
}

// All returns every model in the catalog. The returned slice is a fresh
// copy; mutating it does not affect the catalog.
func (c Catalog) All() []Model {
	out := make([]Model, 0, len(c.byID))
	for _, m := range c.byID {
		out = append(out, m)
	}
	return out
}

// HasAccess reports whether a plan may use modelID.
// Unknown models have no access.
func (c Catalog) HasAccess(modelID, plan string) bool {
	m, ok := c.byID[modelID]
	if !ok {
		return false
	}
	return m.HasPlanAccess(plan)
}

// SupportsEndpoint reports whether modelID serves the given API path.
func (c Catalog) SupportsEndpoint(modelID, path string) bool {
	m, ok := c.byID[modelID]
	if !ok {
		return false
	}
	return m.HasEndpoint(path)
}

// Discount is the live multiplier applied to a credit computation, mirroring
// one active row from the discount ledger. A nil Discount means no discount
// applies.
type Discount struct {
	Multiplier float64
}

// CalculateCredits computes the integer credit cost of serving tokens tokens
// of modelID, applying an optional live discount.
//
// per_token: credits = round(tokens * multiplier)
// fixed:     credits = baseCost (tokens ignored)
// A discount with multiplier > 1 divides the computed cost:
// credits = round(credits / discount.multiplier).
//
// Rounding is half-away-from-zero, per the credit formula invariant.
func (c Catalog) CalculateCredits(modelID string, tokens int64, discount *Discount) (int64, error) {
	m, ok := c.byID[modelID]
	if !ok {
		return 0, fmt.Errorf("catalog: unknown model %q", modelID)
	}

	var raw float64
	switch m.CostType {
	case CostFixed:
		raw = float64(m.BaseCost)
	case CostPerToken:
		raw = float64(tokens) * m.Multiplier
	default:
		return 0, fmt.Errorf("catalog: model %q has unknown cost_type %q", modelID, m.CostType)
	}

	credits := roundHalfAwayFromZero(raw)

	if discount != nil && discount.Multiplier > 1 {
		credits = roundHalfAwayFromZero(float64(credits) / discount.Multiplier)
	}

	return credits, nil
}

// roundHalfAwayFromZero rounds x to the nearest integer, rounding halves
// away from zero (1.5 -> 2, -1.5 -> -2), matching the credit formula spec.
func roundHalfAwayFromZero(x float64) int64 {
	if x >= 0 {
		return int64(math.Floor(x + 0.5))
	}
	return int64(math.Ceil(x - 0.5))
}
