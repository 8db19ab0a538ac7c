package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/dpxrk/pactwise-approvals/pkg/contracts"
	"github.com/dpxrk/pactwise-approvals/pkg/matrix"
)

// SeedProfile declares a tenant's starting approval policy in YAML, applied
// once at startup. Useful for demo environments and fresh deployments.
type SeedProfile struct {
	Tenant   string       `yaml:"tenant"`
	Matrices []SeedMatrix `yaml:"matrices"`
}

// SeedMatrix declares one matrix and its rules.
type SeedMatrix struct {
	Name      string     `yaml:"name"`
	AppliesTo string     `yaml:"applies_to"`
	IsDefault bool       `yaml:"is_default,omitempty"`
	Priority  int        `yaml:"priority,omitempty"`
	Rules     []SeedRule `yaml:"rules"`
}

// SeedRule declares one rule with a flat condition list. Seed profiles do
// not support nested condition groups; author those through the API.
type SeedRule struct {
	Name               string          `yaml:"name"`
	Priority           int             `yaml:"priority,omitempty"`
	Logic              string          `yaml:"logic,omitempty"`
	Conditions         []SeedCondition `yaml:"conditions,omitempty"`
	Action             string          `yaml:"action"`
	ApprovalMode       string          `yaml:"approval_mode,omitempty"`
	ApprovalPercentage int             `yaml:"approval_percentage,omitempty"`
	SLAHours           int             `yaml:"sla_hours,omitempty"`
	Approvers          []SeedApprover  `yaml:"approvers,omitempty"`
}

// SeedCondition is one leaf condition.
type SeedCondition struct {
	Field    string `yaml:"field"`
	Operator string `yaml:"operator"`
	Value    any    `yaml:"value"`
}

// SeedApprover is one approver entry.
type SeedApprover struct {
	Type     string `yaml:"type"`
	Value    string `yaml:"value"`
	Order    int    `yaml:"order,omitempty"`
	Required bool   `yaml:"required,omitempty"`
}

// LoadSeedProfile parses a YAML seed profile from disk.
func LoadSeedProfile(path string) (*SeedProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed profile: %w", err)
	}
	var p SeedProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse seed profile: %w", err)
	}
	if p.Tenant == "" {
		return nil, fmt.Errorf("seed profile missing tenant")
	}
	return &p, nil
}

// Apply creates the profile's matrices and rules in the given store. Each
// matrix is created ACTIVE. Apply is not idempotent; it is intended for
// empty stores.
func (p *SeedProfile) Apply(ctx context.Context, store matrix.Store, clock func() time.Time) error {
	if clock == nil {
		clock = time.Now
	}
	for _, sm := range p.Matrices {
		now := clock()
		m := &contracts.ApprovalMatrix{
			ID:        uuid.New().String(),
			TenantID:  p.Tenant,
			Name:      sm.Name,
			AppliesTo: contracts.AppliesTo(sm.AppliesTo),
			Status:    contracts.MatrixActive,
			IsDefault: sm.IsDefault,
			Priority:  sm.Priority,
			CreatedBy: "seed",
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := store.CreateMatrix(ctx, m); err != nil {
			return fmt.Errorf("failed to seed matrix %q: %w", sm.Name, err)
		}
		for _, sr := range sm.Rules {
			rule := sr.toRule(m.ID, clock())
			if err := store.CreateRule(ctx, p.Tenant, rule); err != nil {
				return fmt.Errorf("failed to seed rule %q: %w", sr.Name, err)
			}
		}
	}
	return nil
}

func (sr *SeedRule) toRule(matrixID string, now time.Time) *contracts.ApprovalMatrixRule {
	logic := contracts.GroupLogic(sr.Logic)
	if logic == "" {
		logic = contracts.LogicAnd
	}
	group := contracts.ConditionGroup{Logic: logic}
	for _, sc := range sr.Conditions {
		group.Children = append(group.Children, contracts.ConditionNode{
			Leaf: &contracts.Condition{
				Field:    sc.Field,
				Operator: contracts.Operator(sc.Operator),
				Value:    sc.Value,
			},
		})
	}

	mode := contracts.ApprovalMode(sr.ApprovalMode)
	if mode == "" {
		mode = contracts.ModeAny
	}
	rule := &contracts.ApprovalMatrixRule{
		ID:                 uuid.New().String(),
		MatrixID:           matrixID,
		Name:               sr.Name,
		Priority:           sr.Priority,
		Conditions:         group,
		Action:             contracts.RuleAction(sr.Action),
		ApprovalMode:       mode,
		ApprovalPercentage: sr.ApprovalPercentage,
		SLAHours:           sr.SLAHours,
		IsActive:           true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	for _, sa := range sr.Approvers {
		rule.Approvers = append(rule.Approvers, contracts.Approver{
			Type:       contracts.ApproverType(sa.Type),
			Value:      sa.Value,
			Order:      sa.Order,
			IsRequired: sa.Required,
		})
	}
	return rule
}
