// Package approver expands a rule's abstract approver list into concrete
// user identities, applying active delegations.
package approver

import (
	"context"
	"fmt"
	"time"

	"github.com/dpxrk/pactwise-approvals/pkg/contracts"
	"github.com/dpxrk/pactwise-approvals/pkg/delegation"
	"github.com/dpxrk/pactwise-approvals/pkg/directory"
)

// Resolved is one concrete approver identity produced by expansion.
type Resolved struct {
	// UserID is the user expected to decide, after delegation substitution.
	UserID string
	// DelegatedFrom is the original approver when a delegation applied.
	DelegatedFrom string
	Order         int
	Required      bool
}

// DynamicFn evaluates a registered dynamic approver expression against the
// entity's field values and returns one user id. Pure: no lookups, no side
// effects.
type DynamicFn func(entity map[string]any) (string, error)

// FromField returns a DynamicFn that picks a user id out of an entity field,
// e.g. FromField("owner_id").
func FromField(field string) DynamicFn {
	return func(entity map[string]any) (string, error) {
		v, ok := entity[field]
		if !ok || v == nil {
			return "", fmt.Errorf("entity field %q is not set", field)
		}
		s, ok := v.(string)
		if !ok || s == "" {
			return "", fmt.Errorf("entity field %q is not a user id", field)
		}
		return s, nil
	}
}

// Resolver expands approver entries via the directory, consulting the
// delegation store for substitutions. Dynamic entries dispatch through an
// explicit function registry rather than an expression interpreter.
type Resolver struct {
	dir         directory.Directory
	delegations delegation.Store
	dynamic     map[string]DynamicFn
}

func NewResolver(dir directory.Directory, delegations delegation.Store) *Resolver {
	return &Resolver{
		dir:         dir,
		delegations: delegations,
		dynamic: map[string]DynamicFn{
			"owner_id":   FromField("owner_id"),
			"created_by": FromField("created_by"),
		},
	}
}

// RegisterDynamic adds a named dynamic approver expression. Registration is
// expected at wiring time, before the resolver is shared across requests.
func (r *Resolver) RegisterDynamic(name string, fn DynamicFn) {
	r.dynamic[name] = fn
}

// HasDynamic reports whether a dynamic expression name is registered; the
// authoring surface uses it to reject rules referencing unknown expressions.
func (r *Resolver) HasDynamic(name string) bool {
	_, ok := r.dynamic[name]
	return ok
}

// Expand resolves each approver entry in order, substitutes active
// delegations, and de-duplicates by resolved user while preserving
// first-seen order. A user required by any entry stays required. Expansion
// that yields zero users for an entry is a hard stop.
func (r *Resolver) Expand(ctx context.Context, tenantID string, appliesTo contracts.AppliesTo, approvers []contracts.Approver, entity map[string]any, asOf time.Time) ([]Resolved, error) {
	var out []Resolved
	seen := make(map[string]int) // userID → index in out

	for _, a := range approvers {
		users, err := r.expandEntry(ctx, tenantID, a, entity)
		if err != nil {
			return nil, err
		}
		if len(users) == 0 {
			return nil, &contracts.UnresolvedApproverError{Approver: a, Reason: "expansion yielded zero users"}
		}

		for _, userID := range users {
			resolved := Resolved{UserID: userID, Order: a.Order, Required: a.IsRequired}

			// Delegation is applied once: a delegate's own delegations are
			// not followed, so chains cannot cycle.
			d, err := r.delegations.ActiveFor(ctx, tenantID, userID, appliesTo, asOf)
			if err != nil {
				return nil, fmt.Errorf("delegation lookup for %s failed: %w", userID, err)
			}
			if d != nil {
				resolved.DelegatedFrom = userID
				resolved.UserID = d.DelegateID
			}

			if idx, dup := seen[resolved.UserID]; dup {
				if resolved.Required {
					out[idx].Required = true
				}
				continue
			}
			seen[resolved.UserID] = len(out)
			out = append(out, resolved)
		}
	}

	return out, nil
}

func (r *Resolver) expandEntry(ctx context.Context, tenantID string, a contracts.Approver, entity map[string]any) ([]string, error) {
	switch a.Type {
	case contracts.ApproverRole:
		users, err := r.dir.UsersByRole(ctx, tenantID, a.Value)
		if err != nil {
			return nil, fmt.Errorf("role lookup %q failed: %w", a.Value, err)
		}
		return users, nil

	case contracts.ApproverDepartment:
		users, err := r.dir.UsersByDepartment(ctx, tenantID, a.Value)
		if err != nil {
			return nil, fmt.Errorf("department lookup %q failed: %w", a.Value, err)
		}
		return users, nil

	case contracts.ApproverUser:
		exists, err := r.dir.UserExists(ctx, tenantID, a.Value)
		if err != nil {
			return nil, fmt.Errorf("user lookup %q failed: %w", a.Value, err)
		}
		if !exists {
			return nil, &contracts.UnresolvedApproverError{Approver: a, Reason: "user not found in directory"}
		}
		return []string{a.Value}, nil

	case contracts.ApproverDynamic:
		fn, ok := r.dynamic[a.Value]
		if !ok {
			return nil, &contracts.UnresolvedApproverError{Approver: a, Reason: "dynamic expression not registered"}
		}
		userID, err := fn(entity)
		if err != nil {
			return nil, &contracts.UnresolvedApproverError{Approver: a, Reason: err.Error()}
		}
		return []string{userID}, nil
	}

	return nil, &contracts.UnresolvedApproverError{Approver: a, Reason: fmt.Sprintf("unknown approver type %q", a.Type)}
}
