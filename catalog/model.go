// Package catalog provides the static model registry: every model the
// gateway can route to, its owner, the endpoints it serves, plan access,
// cost shape, and capability flags.
//
// The catalog is immutable after [Load] returns and requires no
// synchronization — every lookup is a plain map read.
package catalog

import "fmt"

// CostType selects how a model's credit cost is computed.
type CostType string

// CostType constants recognized by Calculate.
const (
	CostPerToken CostType = "per_token"
	CostFixed    CostType = "fixed"
)

// Model is a single routable model and its routing/billing metadata.
type Model struct {
	ID                  string
	OwnedBy             string
	Endpoints           map[string]struct{}
	PlanRequirements    map[string]struct{}
	CostType            CostType
	BaseCost            int64
	Multiplier          float64
	SupportsStreaming   bool
	SupportsToolCalling bool
}

// HasEndpoint reports whether the model serves the given API path.
func (m Model) HasEndpoint(path string) bool {
	_, ok := m.Endpoints[path]
	return ok
}

// HasPlanAccess reports whether plan is explicitly granted access.
// An empty PlanRequirements set means every plan has access.
func (m Model) HasPlanAccess(plan string) bool {
	if len(m.PlanRequirements) == 0 {
		return true
	}
	_, ok := m.PlanRequirements[plan]
	return ok
}

// NewModel validates and constructs a Model, enforcing the catalog
// invariants from the data model: a non-empty ID, at least one endpoint,
// and a positive BaseCost for fixed-cost models.
func NewModel(id, ownedBy string, endpoints, planAccess []string, costType CostType, baseCost int64, multiplier float64, streaming, toolCalling bool) (Model, error) {
	if id == "" {
		return Model{}, fmt.Errorf("catalog: model id must not be empty")
	}
	if len(endpoints) == 0 {
		return Model{}, fmt.Errorf("catalog: model %q must declare at least one endpoint", id)
	}
	if costType == CostFixed && baseCost <= 0 {
		return Model{}, fmt.Errorf("catalog: model %q has cost_type=fixed but baseCost <= 0", id)
	}

	ep := make(map[string]struct{}, len(endpoints))
	for _, e := range endpoints {
		ep[e] = struct{}{}
	}
	plans := make(map[string]struct{}, len(planAccess))
	for _, p := range planAccess {
		plans[p] = struct{}{}
	}

	return Model{
		ID:                  id,
		OwnedBy:             ownedBy,
		Endpoints:           ep,
		PlanRequirements:    plans,
		CostType:            costType,
		BaseCost:            baseCost,
		Multiplier:          multiplier,
		SupportsStreaming:   streaming,
		SupportsToolCalling: toolCalling,
	}, nil
}
