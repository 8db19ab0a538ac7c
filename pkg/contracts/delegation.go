package contracts

import "time"

// Delegation is a time-boxed substitution of one approver identity for
// another, scoped to an entity category (or "all").
type Delegation struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	DelegatorID string    `json:"delegator_id"`
	DelegateID  string    `json:"delegate_id"`
	AppliesTo   AppliesTo `json:"applies_to"`
	StartDate   time.Time `json:"start_date"`
	EndDate     time.Time `json:"end_date"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
}

// Covers reports whether the delegation is active for the given category at
// the given instant. Boundaries are inclusive.
func (d *Delegation) Covers(appliesTo AppliesTo, asOf time.Time) bool {
	if !d.IsActive {
		return false
	}
	if !d.AppliesTo.Matches(appliesTo) {
		return false
	}
	return !asOf.Before(d.StartDate) && !asOf.After(d.EndDate)
}
