// Package delegation stores time-boxed approver delegations.
//
// The data model does not forbid overlapping delegations for the same
// (delegator, applies_to); when several cover the same instant the most
// recently created one wins, with the lexically greatest id as a final
// tiebreak, so resolution is deterministic.
package delegation

import (
	"context"
	"time"

	"github.com/dpxrk/pactwise-approvals/pkg/contracts"
)

// Store persists tenant-scoped delegations.
type Store interface {
	Create(ctx context.Context, d *contracts.Delegation) error
	Get(ctx context.Context, tenantID, id string) (*contracts.Delegation, error)
	List(ctx context.Context, tenantID string) ([]*contracts.Delegation, error)
	Deactivate(ctx context.Context, tenantID, id string) error

	// ActiveFor returns the winning active delegation where the given user is
	// the delegator, covering appliesTo at asOf, or nil when none applies.
	ActiveFor(ctx context.Context, tenantID, delegatorID string, appliesTo contracts.AppliesTo, asOf time.Time) (*contracts.Delegation, error)
}

// Validate checks a delegation definition at authoring time.
func Validate(d *contracts.Delegation) error {
	verr := &contracts.ValidationError{}
	if d.TenantID == "" {
		verr.Add("tenant_id", "tenant_id is required")
	}
	if d.DelegatorID == "" {
		verr.Add("delegator_id", "delegator_id is required")
	}
	if d.DelegateID == "" {
		verr.Add("delegate_id", "delegate_id is required")
	}
	if d.DelegatorID != "" && d.DelegatorID == d.DelegateID {
		verr.Add("delegate_id", "delegate must differ from delegator")
	}
	valid := false
	for _, a := range contracts.KnownAppliesTo {
		if d.AppliesTo == a {
			valid = true
			break
		}
	}
	if !valid {
		verr.Add("applies_to", "unknown applies_to")
	}
	if d.EndDate.Before(d.StartDate) {
		verr.Add("end_date", "end_date must not precede start_date")
	}
	if verr.HasIssues() {
		return verr
	}
	return nil
}

// pickWinner applies the deterministic overlap rule to candidates that
// already passed the Covers check.
func pickWinner(candidates []*contracts.Delegation) *contracts.Delegation {
	var winner *contracts.Delegation
	for _, d := range candidates {
		switch {
		case winner == nil:
			winner = d
		case d.CreatedAt.After(winner.CreatedAt):
			winner = d
		case d.CreatedAt.Equal(winner.CreatedAt) && d.ID > winner.ID:
			winner = d
		}
	}
	return winner
}
