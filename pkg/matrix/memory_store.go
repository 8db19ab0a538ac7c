package matrix

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dpxrk/pactwise-approvals/pkg/contracts"
)

// MemoryStore implements Store in memory. Thread-safe via RWMutex.
type MemoryStore struct {
	mu       sync.RWMutex
	matrices map[string]*contracts.ApprovalMatrix
	rules    map[string]*contracts.ApprovalMatrixRule
	clock    func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		matrices: make(map[string]*contracts.ApprovalMatrix),
		rules:    make(map[string]*contracts.ApprovalMatrixRule),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) CreateMatrix(ctx context.Context, m *contracts.ApprovalMatrix) error {
	if err := ValidateMatrix(m); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.IsDefault {
		if err := s.checkDefaultLocked(m); err != nil {
			return err
		}
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	now := s.clock()
	m.CreatedAt = now
	m.UpdatedAt = now
	val := *m
	s.matrices[m.ID] = &val
	return nil
}

// checkDefaultLocked enforces at most one default matrix per (tenant, applies_to).
func (s *MemoryStore) checkDefaultLocked(m *contracts.ApprovalMatrix) error {
	for _, existing := range s.matrices {
		if existing.ID == m.ID {
			continue
		}
		if existing.TenantID == m.TenantID && existing.AppliesTo == m.AppliesTo && existing.IsDefault {
			verr := &contracts.ValidationError{}
			return verr.Add("is_default", "another default matrix already exists for this applies_to")
		}
	}
	return nil
}

func (s *MemoryStore) GetMatrix(ctx context.Context, tenantID, id string) (*contracts.ApprovalMatrix, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.matrices[id]
	if !ok || m.TenantID != tenantID {
		return nil, &contracts.NotFoundError{Kind: "matrix", ID: id}
	}
	val := *m
	return &val, nil
}

func (s *MemoryStore) ListMatrices(ctx context.Context, tenantID string) ([]*contracts.ApprovalMatrix, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*contracts.ApprovalMatrix
	for _, m := range s.matrices {
		if m.TenantID == tenantID {
			val := *m
			out = append(out, &val)
		}
	}
	sortMatrices(out)
	return out, nil
}

func (s *MemoryStore) UpdateMatrix(ctx context.Context, m *contracts.ApprovalMatrix) error {
	if err := ValidateMatrix(m); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.matrices[m.ID]
	if !ok || existing.TenantID != m.TenantID {
		return &contracts.NotFoundError{Kind: "matrix", ID: m.ID}
	}
	if m.IsDefault {
		if err := s.checkDefaultLocked(m); err != nil {
			return err
		}
	}
	m.CreatedAt = existing.CreatedAt
	m.UpdatedAt = s.clock()
	val := *m
	s.matrices[m.ID] = &val
	return nil
}

func (s *MemoryStore) DeleteMatrix(ctx context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matrices[id]
	if !ok || m.TenantID != tenantID {
		return &contracts.NotFoundError{Kind: "matrix", ID: id}
	}
	delete(s.matrices, id)
	// Cascade to rules.
	for rid, r := range s.rules {
		if r.MatrixID == id {
			delete(s.rules, rid)
		}
	}
	return nil
}

func (s *MemoryStore) SetStatus(ctx context.Context, tenantID, id string, status contracts.MatrixStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matrices[id]
	if !ok || m.TenantID != tenantID {
		return &contracts.NotFoundError{Kind: "matrix", ID: id}
	}
	m.Status = status
	m.UpdatedAt = s.clock()
	return nil
}

func (s *MemoryStore) ActiveMatrices(ctx context.Context, tenantID string, appliesTo contracts.AppliesTo) ([]*contracts.ApprovalMatrix, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*contracts.ApprovalMatrix
	for _, m := range s.matrices {
		if m.TenantID == tenantID && m.Status == contracts.MatrixActive && m.AppliesTo.Matches(appliesTo) {
			val := *m
			out = append(out, &val)
		}
	}
	sortMatrices(out)
	return out, nil
}

// sortMatrices orders by priority ascending, default-last on ties, then
// created_at ascending for determinism.
func sortMatrices(ms []*contracts.ApprovalMatrix) {
	sort.SliceStable(ms, func(i, j int) bool {
		a, b := ms[i], ms[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.IsDefault != b.IsDefault {
			return !a.IsDefault
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

func (s *MemoryStore) CreateRule(ctx context.Context, tenantID string, r *contracts.ApprovalMatrixRule) error {
	if err := ValidateRule(r); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matrices[r.MatrixID]
	if !ok || m.TenantID != tenantID {
		return &contracts.NotFoundError{Kind: "matrix", ID: r.MatrixID}
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	now := s.clock()
	r.CreatedAt = now
	r.UpdatedAt = now
	val := *r
	s.rules[r.ID] = &val
	return nil
}

func (s *MemoryStore) GetRule(ctx context.Context, tenantID, id string) (*contracts.ApprovalMatrixRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, &contracts.NotFoundError{Kind: "rule", ID: id}
	}
	m, ok := s.matrices[r.MatrixID]
	if !ok || m.TenantID != tenantID {
		return nil, &contracts.NotFoundError{Kind: "rule", ID: id}
	}
	val := *r
	return &val, nil
}

func (s *MemoryStore) UpdateRule(ctx context.Context, tenantID string, r *contracts.ApprovalMatrixRule) error {
	if err := ValidateRule(r); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.rules[r.ID]
	if !ok {
		return &contracts.NotFoundError{Kind: "rule", ID: r.ID}
	}
	m, ok := s.matrices[existing.MatrixID]
	if !ok || m.TenantID != tenantID {
		return &contracts.NotFoundError{Kind: "rule", ID: r.ID}
	}
	r.MatrixID = existing.MatrixID
	r.CreatedAt = existing.CreatedAt
	r.UpdatedAt = s.clock()
	val := *r
	s.rules[r.ID] = &val
	return nil
}

func (s *MemoryStore) DeleteRule(ctx context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return &contracts.NotFoundError{Kind: "rule", ID: id}
	}
	m, ok := s.matrices[r.MatrixID]
	if !ok || m.TenantID != tenantID {
		return &contracts.NotFoundError{Kind: "rule", ID: id}
	}
	delete(s.rules, id)
	return nil
}

func (s *MemoryStore) ActiveRules(ctx context.Context, tenantID, matrixID string) ([]*contracts.ApprovalMatrixRule, error) {
	rules, err := s.ListRules(ctx, tenantID, matrixID)
	if err != nil {
		return nil, err
	}
	out := rules[:0]
	for _, r := range rules {
		if r.IsActive {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListRules(ctx context.Context, tenantID, matrixID string) ([]*contracts.ApprovalMatrixRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.matrices[matrixID]
	if !ok || m.TenantID != tenantID {
		return nil, &contracts.NotFoundError{Kind: "matrix", ID: matrixID}
	}
	var out []*contracts.ApprovalMatrixRule
	for _, r := range s.rules {
		if r.MatrixID == matrixID {
			val := *r
			out = append(out, &val)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
