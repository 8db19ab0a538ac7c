package delegation

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
	mu          sync.RWMutex
	delegations map[string]*contracts.Delegation
	clock       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		delegations: make(map[string]*contracts.Delegation),
		clock:       time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Create(ctx context.Context, d *contracts.Delegation) error {
	if err := Validate(d); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	d.CreatedAt = s.clock()
	val := *d
	s.delegations[d.ID] = &val
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, tenantID, id string) (*contracts.Delegation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.delegations[id]
	if !ok || d.TenantID != tenantID {
		return nil, &contracts.NotFoundError{Kind: "delegation", ID: id}
	}
	val := *d
	return &val, nil
}

func (s *MemoryStore) List(ctx context.Context, tenantID string) ([]*contracts.Delegation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*contracts.Delegation
	for _, d := range s.delegations {
		if d.TenantID == tenantID {
			val := *d
			out = append(out, &val)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Deactivate(ctx context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.delegations[id]
	if !ok || d.TenantID != tenantID {
		return &contracts.NotFoundError{Kind: "delegation", ID: id}
	}
	d.IsActive = false
	return nil
}

func (s *MemoryStore) ActiveFor(ctx context.Context, tenantID, delegatorID string, appliesTo contracts.AppliesTo, asOf time.Time) (*contracts.Delegation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var candidates []*contracts.Delegation
	for _, d := range s.delegations {
		if d.TenantID == tenantID && d.DelegatorID == delegatorID && d.Covers(appliesTo, asOf) {
			candidates = append(candidates, d)
		}
	}
	winner := pickWinner(candidates)
	if winner == nil {
		return nil, nil
	}
	val := *winner
	return &val, nil
}
