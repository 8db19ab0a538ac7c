// Package directory abstracts the tenant/user directory collaborator:
// role and department membership lookups used by approver expansion.
// Only current membership is supported; no "as of" queries.
package directory

import (
	"context"
	"sort"
	"sync"
)

// Directory resolves abstract approver references into user ids.
type Directory interface {
	UsersByRole(ctx context.Context, tenantID, role string) ([]string, error)
	UsersByDepartment(ctx context.Context, tenantID, department string) ([]string, error)
	UserExists(ctx context.Context, tenantID, userID string) (bool, error)
}

// User is a directory entry within a tenant.
type User struct {
	ID         string   `json:"id"`
	Email      string   `json:"email,omitempty"`
	Roles      []string `json:"roles,omitempty"`
	Department string   `json:"department,omitempty"`
}

// MemoryDirectory implements Directory in memory, for tests and single-node
// deployments. Thread-safe via RWMutex.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]map[string]*User // tenantID → userID → user
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{users: make(map[string]map[string]*User)}
}

// AddUser registers or replaces a user in a tenant.
func (d *MemoryDirectory) AddUser(tenantID string, u User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.users[tenantID] == nil {
		d.users[tenantID] = make(map[string]*User)
	}
	val := u
	d.users[tenantID][u.ID] = &val
}

func (d *MemoryDirectory) UsersByRole(ctx context.Context, tenantID, role string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []string
	for _, u := range d.users[tenantID] {
		for _, r := range u.Roles {
			if r == role {
				out = append(out, u.ID)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (d *MemoryDirectory) UsersByDepartment(ctx context.Context, tenantID, department string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []string
	for _, u := range d.users[tenantID] {
		if u.Department == department {
			out = append(out, u.ID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (d *MemoryDirectory) UserExists(ctx context.Context, tenantID, userID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.users[tenantID][userID]
	return ok, nil
}
