// Package auth carries the request principal: who is calling, for which
// tenant, with which roles. Authentication flows themselves (tokens, login)
// are out of scope; the middleware reads trusted gateway headers.
package auth

import "time"

// Tenant is a strict isolation boundary; every stored record is scoped to
// one tenant.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Status    string    `json:"status"` // ACTIVE, SUSPENDED
}

// Principal is any entity making a request.
type Principal interface {
	GetID() string
	GetTenantID() string
	GetRoles() []string
}

// BasePrincipal is a simple Principal implementation.
type BasePrincipal struct {
	ID       string
	TenantID string
	Roles    []string
}

func (b *BasePrincipal) GetID() string       { return b.ID }
func (b *BasePrincipal) GetTenantID() string { return b.TenantID }
func (b *BasePrincipal) GetRoles() []string  { return b.Roles }
