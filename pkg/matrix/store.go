// Package matrix stores approval matrices and their rules, and resolves the
// applicable matrix+rule for an entity under review.
package matrix

import (
	"context"
	"fmt"

	"github.com/dpxrk/pactwise-approvals/pkg/condition"
	"github.com/dpxrk/pactwise-approvals/pkg/contracts"
)

// Store persists tenant-scoped matrices and rules. Deleting a matrix
// cascades to its rules. At most one default matrix may exist per
// (tenant, applies_to); Create/Update enforce this invariant.
type Store interface {
	CreateMatrix(ctx context.Context, m *contracts.ApprovalMatrix) error
	GetMatrix(ctx context.Context, tenantID, id string) (*contracts.ApprovalMatrix, error)
	ListMatrices(ctx context.Context, tenantID string) ([]*contracts.ApprovalMatrix, error)
	UpdateMatrix(ctx context.Context, m *contracts.ApprovalMatrix) error
	DeleteMatrix(ctx context.Context, tenantID, id string) error
	SetStatus(ctx context.Context, tenantID, id string, status contracts.MatrixStatus) error

	// ActiveMatrices returns a tenant's active matrices covering the given
	// category (including applies_to="all"), ordered by priority ascending,
	// default-last on ties, then created_at ascending.
	ActiveMatrices(ctx context.Context, tenantID string, appliesTo contracts.AppliesTo) ([]*contracts.ApprovalMatrix, error)

	CreateRule(ctx context.Context, tenantID string, r *contracts.ApprovalMatrixRule) error
	GetRule(ctx context.Context, tenantID, id string) (*contracts.ApprovalMatrixRule, error)
	UpdateRule(ctx context.Context, tenantID string, r *contracts.ApprovalMatrixRule) error
	DeleteRule(ctx context.Context, tenantID, id string) error

	// ActiveRules returns a matrix's active rules ordered by priority ascending.
	ActiveRules(ctx context.Context, tenantID, matrixID string) ([]*contracts.ApprovalMatrixRule, error)
	ListRules(ctx context.Context, tenantID, matrixID string) ([]*contracts.ApprovalMatrixRule, error)
}

// ValidateMatrix checks a matrix definition at authoring time.
func ValidateMatrix(m *contracts.ApprovalMatrix) error {
	verr := &contracts.ValidationError{}
	if m.TenantID == "" {
		verr.Add("tenant_id", "tenant_id is required")
	}
	if m.Name == "" {
		verr.Add("name", "name is required")
	}
	valid := false
	for _, a := range contracts.KnownAppliesTo {
		if m.AppliesTo == a {
			valid = true
			break
		}
	}
	if !valid {
		verr.Add("applies_to", fmt.Sprintf("unknown applies_to %q", m.AppliesTo))
	}
	switch m.Status {
	case contracts.MatrixDraft, contracts.MatrixActive, contracts.MatrixInactive:
	default:
		verr.Add("status", fmt.Sprintf("unknown status %q", m.Status))
	}
	if verr.HasIssues() {
		return verr
	}
	return nil
}

// ValidateRule checks a rule definition at authoring time: known action and
// mode, percentage bounds when mode is PERCENTAGE, non-empty approvers
// unless the action decides on its own, and a well-formed condition tree.
func ValidateRule(r *contracts.ApprovalMatrixRule) error {
	verr := &contracts.ValidationError{}
	if r.Name == "" {
		verr.Add("name", "name is required")
	}

	switch r.Action {
	case contracts.ActionRequireApproval, contracts.ActionAutoApprove,
		contracts.ActionAutoReject, contracts.ActionEscalate, contracts.ActionNotifyOnly:
	default:
		verr.Add("action", fmt.Sprintf("unknown action %q", r.Action))
	}

	switch r.ApprovalMode {
	case contracts.ModeAny, contracts.ModeAll, contracts.ModeSequential:
		if r.ApprovalPercentage != 0 {
			verr.Add("approval_percentage", "approval_percentage only applies to PERCENTAGE mode")
		}
	case contracts.ModePercentage:
		if r.ApprovalPercentage < 1 || r.ApprovalPercentage > 100 {
			verr.Add("approval_percentage", "approval_percentage must be between 1 and 100")
		}
	default:
		verr.Add("approval_mode", fmt.Sprintf("unknown approval_mode %q", r.ApprovalMode))
	}

	autoDecided := r.Action == contracts.ActionAutoApprove || r.Action == contracts.ActionAutoReject
	if len(r.Approvers) == 0 && !autoDecided {
		verr.Add("approvers", "approvers must be non-empty unless action is AUTO_APPROVE or AUTO_REJECT")
	}
	for i, a := range r.Approvers {
		switch a.Type {
		case contracts.ApproverRole, contracts.ApproverUser, contracts.ApproverDepartment, contracts.ApproverDynamic:
		default:
			verr.Add(fmt.Sprintf("approvers[%d].type", i), fmt.Sprintf("unknown approver type %q", a.Type))
		}
		if a.Value == "" {
			verr.Add(fmt.Sprintf("approvers[%d].value", i), "value is required")
		}
	}

	if r.Escalation != nil {
		if r.Escalation.EscalateAfterHours <= 0 {
			verr.Add("escalation_rules.escalate_after_hours", "must be positive")
		}
		if r.Escalation.MaxEscalations <= 0 {
			verr.Add("escalation_rules.max_escalations", "must be positive")
		}
	}
	if r.SLAHours < 0 {
		verr.Add("sla_hours", "must not be negative")
	}

	if cerr := condition.Validate(r.Conditions); cerr != nil {
		verr.Issues = append(verr.Issues, cerr.Issues...)
	}

	if verr.HasIssues() {
		return verr
	}
	return nil
}
