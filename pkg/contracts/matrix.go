// Package contracts defines the shared data contracts of the approval
// routing engine: matrices, rules, condition trees, approvers, delegations,
// and routing records, plus the typed error taxonomy the service surfaces.
package contracts

import "time"

// AppliesTo scopes a matrix or delegation to an entity category.
type AppliesTo string

const (
	AppliesContracts         AppliesTo = "contracts"
	AppliesIntakeSubmissions AppliesTo = "intake_submissions"
	AppliesPurchaseOrders    AppliesTo = "purchase_orders"
	AppliesVendorOnboarding  AppliesTo = "vendor_onboarding"
	AppliesAmendments        AppliesTo = "amendments"
	AppliesRenewals          AppliesTo = "renewals"
	AppliesAll               AppliesTo = "all"
)

// Matches reports whether a matrix scoped to m covers the given category.
func (m AppliesTo) Matches(target AppliesTo) bool {
	return m == AppliesAll || m == target
}

// KnownAppliesTo lists every valid AppliesTo value.
var KnownAppliesTo = []AppliesTo{
	AppliesContracts, AppliesIntakeSubmissions, AppliesPurchaseOrders,
	AppliesVendorOnboarding, AppliesAmendments, AppliesRenewals, AppliesAll,
}

// MatrixStatus tracks the lifecycle of a matrix.
type MatrixStatus string

const (
	MatrixDraft    MatrixStatus = "DRAFT"
	MatrixActive   MatrixStatus = "ACTIVE"
	MatrixInactive MatrixStatus = "INACTIVE"
)

// ApprovalMatrix is a tenant-scoped, named, prioritized policy container.
// At most one default matrix may exist per (tenant, applies_to); the default
// sorts after equal-priority matrices and acts as a catch-all.
type ApprovalMatrix struct {
	ID          string       `json:"id"`
	TenantID    string       `json:"tenant_id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	AppliesTo   AppliesTo    `json:"applies_to"`
	Status      MatrixStatus `json:"status"`
	IsDefault   bool         `json:"is_default"`
	Priority    int          `json:"priority"`
	CreatedBy   string       `json:"created_by,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// RuleAction is what a matched rule does to the entity under review.
type RuleAction string

const (
	ActionRequireApproval RuleAction = "REQUIRE_APPROVAL"
	ActionAutoApprove     RuleAction = "AUTO_APPROVE"
	ActionAutoReject      RuleAction = "AUTO_REJECT"
	ActionEscalate        RuleAction = "ESCALATE"
	ActionNotifyOnly      RuleAction = "NOTIFY_ONLY"
)

// ApprovalMode defines how individual approver decisions aggregate into a
// rule-level outcome.
type ApprovalMode string

const (
	ModeAny        ApprovalMode = "ANY"
	ModeAll        ApprovalMode = "ALL"
	ModePercentage ApprovalMode = "PERCENTAGE"
	ModeSequential ApprovalMode = "SEQUENTIAL"
)

// EscalationRules configure the SLA-breach notification loop for a rule.
type EscalationRules struct {
	// EscalateAfterHours is the interval between repeat escalations of the
	// same overdue record.
	EscalateAfterHours int `json:"escalate_after_hours"`
	MaxEscalations     int `json:"max_escalations"`
}

// ApproverType classifies how an abstract approver entry is expanded.
type ApproverType string

const (
	ApproverRole       ApproverType = "role"
	ApproverUser       ApproverType = "user"
	ApproverDepartment ApproverType = "department"
	ApproverDynamic    ApproverType = "dynamic"
)

// Approver is an abstract approver entry owned by a rule. Value holds a role
// name, user id, department name, or registered dynamic expression name
// depending on Type.
type Approver struct {
	Type       ApproverType `json:"type"`
	Value      string       `json:"value"`
	Order      int          `json:"order"`
	IsRequired bool         `json:"is_required"`
}

// ApprovalMatrixRule is a single condition → action policy within a matrix.
// Rules are evaluated in ascending Priority order among active rules.
type ApprovalMatrixRule struct {
	ID                 string           `json:"id"`
	MatrixID           string           `json:"matrix_id"`
	Name               string           `json:"name"`
	Description        string           `json:"description,omitempty"`
	Priority           int              `json:"priority"`
	Conditions         ConditionGroup   `json:"conditions"`
	Action             RuleAction       `json:"action"`
	Approvers          []Approver       `json:"approvers,omitempty"`
	ApprovalMode       ApprovalMode     `json:"approval_mode"`
	ApprovalPercentage int              `json:"approval_percentage,omitempty"`
	Escalation         *EscalationRules `json:"escalation_rules,omitempty"`
	SLAHours           int              `json:"sla_hours,omitempty"`
	IsActive           bool             `json:"is_active"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// GroupLogic combines child results within a condition group.
type GroupLogic string

const (
	LogicAnd GroupLogic = "and"
	LogicOr  GroupLogic = "or"
)

// Operator compares an entity field against a rule-authored value.
type Operator string

const (
	OpEquals         Operator = "equals"
	OpNotEquals      Operator = "not_equals"
	OpGreaterThan    Operator = "greater_than"
	OpGreaterOrEqual Operator = "greater_or_equal"
	OpLessThan       Operator = "less_than"
	OpLessOrEqual    Operator = "less_or_equal"
	OpContains       Operator = "contains"
	// OpContainsCI is the case-insensitive variant of contains.
	OpContainsCI Operator = "contains_ci"
	OpStartsWith Operator = "starts_with"
	OpIn         Operator = "in"
	OpNotIn      Operator = "not_in"
)

// Condition is a leaf comparison against one entity field.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// ConditionNode is a tagged variant: exactly one of Group or Leaf is set.
// Authoring-time validation enforces the exactly-one invariant so that
// evaluation can treat the tree as well-formed.
type ConditionNode struct {
	Group *ConditionGroup `json:"group,omitempty"`
	Leaf  *Condition      `json:"condition,omitempty"`
}

// ConditionGroup is a recursive boolean expression over entity fields.
// An empty Children list always matches; this is the documented default
// policy, not a fallback.
type ConditionGroup struct {
	Logic    GroupLogic      `json:"logic"`
	Children []ConditionNode `json:"conditions"`
}
