package contracts

import (
	"fmt"
	"strings"
)

// ValidationIssue describes one authoring-time defect in a matrix, rule, or
// delegation definition.
type ValidationIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports a malformed definition. It is raised at authoring
// time (save/update); evaluation assumes pre-validated rules and never
// raises it.
type ValidationError struct {
	Issues []ValidationIssue `json:"issues"`
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e.Issues))
	for _, iss := range e.Issues {
		parts = append(parts, fmt.Sprintf("%s: %s", iss.Field, iss.Message))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add appends an issue and returns the error for chaining.
func (e *ValidationError) Add(field, message string) *ValidationError {
	e.Issues = append(e.Issues, ValidationIssue{Field: field, Message: message})
	return e
}

// HasIssues reports whether any issue was recorded.
func (e *ValidationError) HasIssues() bool { return len(e.Issues) > 0 }

// UnresolvedApproverError means approver expansion yielded zero users for an
// entry. A rule that cannot find its approvers must not silently proceed.
type UnresolvedApproverError struct {
	Approver Approver `json:"approver"`
	Reason   string   `json:"reason"`
}

func (e *UnresolvedApproverError) Error() string {
	return fmt.Sprintf("unresolved approver %s=%q: %s", e.Approver.Type, e.Approver.Value, e.Reason)
}

// AlreadyDecidedError means a decision was submitted for a record that is no
// longer pending. The stored decision is unchanged.
type AlreadyDecidedError struct {
	RoutingID string        `json:"routing_id"`
	Status    RoutingStatus `json:"status"`
}

func (e *AlreadyDecidedError) Error() string {
	return fmt.Sprintf("routing record %s already decided (status=%s)", e.RoutingID, e.Status)
}

// NotAuthorizedError means the caller is not the record's approver of record.
type NotAuthorizedError struct {
	RoutingID string `json:"routing_id"`
	ActorID   string `json:"actor_id"`
}

func (e *NotAuthorizedError) Error() string {
	return fmt.Sprintf("actor %s is not the approver for routing record %s", e.ActorID, e.RoutingID)
}

// NotActionableError means the record exists and is pending but is not yet
// activated, i.e. a later step of a SEQUENTIAL rule whose predecessor has not
// approved. Distinct from AlreadyDecidedError so callers can tell a stale UI
// from an ordering violation.
type NotActionableError struct {
	RoutingID string `json:"routing_id"`
}

func (e *NotActionableError) Error() string {
	return fmt.Sprintf("routing record %s is not actionable yet", e.RoutingID)
}

// NoMatchingPolicyError means the resolver found no active matrix+rule for
// the entity. Severity is caller-defined: "no policy" may mean auto-approve
// or block depending on the consumer.
type NoMatchingPolicyError struct {
	TenantID  string    `json:"tenant_id"`
	AppliesTo AppliesTo `json:"applies_to"`
}

func (e *NoMatchingPolicyError) Error() string {
	return fmt.Sprintf("no matching approval policy for tenant %s (applies_to=%s)", e.TenantID, e.AppliesTo)
}

// NotFoundError reports a missing record by kind and id.
type NotFoundError struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}
