package matrix

import (
	"context"

	"github.com/dpxrk/pactwise-approvals/pkg/condition"
	"github.com/dpxrk/pactwise-approvals/pkg/contracts"
)

// Resolution pairs the selected matrix with the first matching rule.
type Resolution struct {
	Matrix *contracts.ApprovalMatrix     `json:"matrix"`
	Rule   *contracts.ApprovalMatrixRule `json:"rule"`
}

// Resolver selects the applicable matrix and rule for an entity. It never
// mutates state and is safe to call speculatively.
type Resolver struct {
	store Store
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve walks the tenant's active matrices in priority order and returns
// the first active rule, by priority, whose conditions match the entity.
// Matrices whose rules all miss are skipped in favor of later candidates.
// Returns NoMatchingPolicyError when no matrix produces a match; callers
// decide whether policy absence means auto-approve or block.
func (r *Resolver) Resolve(ctx context.Context, tenantID string, appliesTo contracts.AppliesTo, entity map[string]any) (*Resolution, error) {
	matrices, err := r.store.ActiveMatrices(ctx, tenantID, appliesTo)
	if err != nil {
		return nil, err
	}

	for _, m := range matrices {
		rules, err := r.store.ActiveRules(ctx, tenantID, m.ID)
		if err != nil {
			return nil, err
		}
		for _, rule := range rules {
			if condition.Evaluate(rule.Conditions, entity) {
				return &Resolution{Matrix: m, Rule: rule}, nil
			}
		}
	}

	return nil, &contracts.NoMatchingPolicyError{TenantID: tenantID, AppliesTo: appliesTo}
}
