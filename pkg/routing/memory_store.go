package routing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dpxrk/pactwise-approvals/pkg/contracts"
)

// MemoryStore implements Store in memory. Conditional updates run under the
// store lock, giving the same first-writer-wins behavior as the SQL
// backends within one process.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*contracts.RoutingRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*contracts.RoutingRecord)}
}

func (s *MemoryStore) CreateRecords(ctx context.Context, records []*contracts.RoutingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		for _, existing := range s.records {
			if existing.Status == contracts.RoutingPending &&
				existing.TenantID == r.TenantID &&
				existing.EntityType == r.EntityType &&
				existing.EntityID == r.EntityID &&
				existing.RuleID == r.RuleID {
				return ErrDuplicateInvocation
			}
		}
	}
	for _, r := range records {
		val := *r
		s.records[r.ID] = &val
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, tenantID, id string) (*contracts.RoutingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok || r.TenantID != tenantID {
		return nil, &contracts.NotFoundError{Kind: "routing record", ID: id}
	}
	val := *r
	return &val, nil
}

func (s *MemoryStore) ListInvocation(ctx context.Context, tenantID, entityType, entityID, ruleID string) ([]*contracts.RoutingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*contracts.RoutingRecord
	for _, r := range s.records {
		if r.TenantID == tenantID && r.EntityType == entityType && r.EntityID == entityID && r.RuleID == ruleID {
			val := *r
			out = append(out, &val)
		}
	}
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) ListByEntity(ctx context.Context, tenantID, entityType, entityID string) ([]*contracts.RoutingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*contracts.RoutingRecord
	for _, r := range s.records {
		if r.TenantID == tenantID && r.EntityType == entityType && r.EntityID == entityID {
			val := *r
			out = append(out, &val)
		}
	}
	sortRecords(out)
	return out, nil
}

func sortRecords(records []*contracts.RoutingRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Order != records[j].Order {
			return records[i].Order < records[j].Order
		}
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return records[i].ID < records[j].ID
	})
}

func (s *MemoryStore) Decide(ctx context.Context, tenantID, id string, status contracts.RoutingStatus, comments string, decidedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok || r.TenantID != tenantID {
		return false, &contracts.NotFoundError{Kind: "routing record", ID: id}
	}
	if r.Status != contracts.RoutingPending || !r.Actionable {
		return false, nil
	}
	r.Status = status
	r.Comments = comments
	at := decidedAt
	r.DecisionAt = &at
	return true, nil
}

func (s *MemoryStore) SetActionable(ctx context.Context, tenantID, id string, actionable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok || r.TenantID != tenantID {
		return &contracts.NotFoundError{Kind: "routing record", ID: id}
	}
	r.Actionable = actionable
	return nil
}

func (s *MemoryStore) PendingPastDue(ctx context.Context, asOf time.Time) ([]*contracts.RoutingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*contracts.RoutingRecord
	for _, r := range s.records {
		if r.Overdue(asOf) {
			val := *r
			out = append(out, &val)
		}
	}
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) MarkEscalated(ctx context.Context, tenantID, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok || r.TenantID != tenantID {
		return false, &contracts.NotFoundError{Kind: "routing record", ID: id}
	}
	if r.Status != contracts.RoutingPending {
		return false, nil
	}
	r.EscalationCount++
	t := at
	r.LastEscalatedAt = &t
	return true, nil
}
