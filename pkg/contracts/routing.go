package contracts

import "time"

// RoutingStatus is the state of one routing record. Records transition
// exactly once, PENDING → APPROVED or PENDING → REJECTED, and are never
// deleted; together they form the immutable approval audit trail.
type RoutingStatus string

const (
	RoutingPending  RoutingStatus = "PENDING"
	RoutingApproved RoutingStatus = "APPROVED"
	RoutingRejected RoutingStatus = "REJECTED"
)

// RuleOutcome is the aggregate outcome of one (entity, rule) invocation,
// derived from its routing records per the rule's approval mode.
type RuleOutcome string

const (
	OutcomePending  RuleOutcome = "PENDING"
	OutcomeApproved RuleOutcome = "APPROVED"
	OutcomeRejected RuleOutcome = "REJECTED"
)

// RoutingRecord is one pending/decided approval instance for one approver on
// one entity+rule invocation.
type RoutingRecord struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	MatrixID   string `json:"matrix_id"`
	RuleID     string `json:"rule_id"`

	// ApproverID is the concrete user expected to decide. Delegation is
	// resolved once at open time; DelegatedFrom records the original
	// approver when a substitution happened.
	ApproverID    string `json:"approver_id"`
	DelegatedFrom string `json:"delegated_from,omitempty"`
	Required      bool   `json:"required"`

	// Order and Actionable drive SEQUENTIAL mode: records activate one at a
	// time in approver order. In all other modes every record is actionable
	// from creation.
	Order      int  `json:"order"`
	Actionable bool `json:"actionable"`

	Status   RoutingStatus `json:"status"`
	Comments string        `json:"comments,omitempty"`

	DueAt           *time.Time `json:"due_at,omitempty"`
	DecisionAt      *time.Time `json:"decision_at,omitempty"`
	EscalationCount int        `json:"escalation_count"`
	LastEscalatedAt *time.Time `json:"last_escalated_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Decided reports whether the record has reached a terminal status.
func (r *RoutingRecord) Decided() bool {
	return r.Status != RoutingPending
}

// Overdue reports whether the record is pending past its due time.
func (r *RoutingRecord) Overdue(asOf time.Time) bool {
	return r.Status == RoutingPending && r.DueAt != nil && asOf.After(*r.DueAt)
}
