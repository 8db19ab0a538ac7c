package matrix

import (
	"context"
	"errors"
	"testing"

	"github.com/dpxrk/pactwise-approvals/pkg/contracts"
)

func condGreaterThan(field string, value any) contracts.ConditionGroup {
	return contracts.ConditionGroup{
		Logic: contracts.LogicAnd,
		Children: []contracts.ConditionNode{
			{Leaf: &contracts.Condition{Field: field, Operator: contracts.OpGreaterThan, Value: value}},
		},
	}
}

func setupResolver(t *testing.T) (*Resolver, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore().WithClock(testClock())
	return NewResolver(store), store
}

func TestResolveFirstMatchingRuleWins(t *testing.T) {
	ctx := context.Background()
	resolver, store := setupResolver(t)

	m := testMatrix("contract policy")
	if err := store.CreateMatrix(ctx, m); err != nil {
		t.Fatal(err)
	}

	high := testRule(m.ID, "over 100k")
	high.Priority = 1
	high.Conditions = condGreaterThan("value", 100000)

	catchAll := testRule(m.ID, "everything else")
	catchAll.Priority = 10

	for _, r := range []*contracts.ApprovalMatrixRule{catchAll, high} {
		if err := store.CreateRule(ctx, testTenant, r); err != nil {
			t.Fatal(err)
		}
	}

	res, err := resolver.Resolve(ctx, testTenant, contracts.AppliesContracts,
		map[string]any{"value": 150000.0})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Rule.ID != high.ID {
		t.Errorf("expected %q, got %q", high.Name, res.Rule.Name)
	}

	res, err = resolver.Resolve(ctx, testTenant, contracts.AppliesContracts,
		map[string]any{"value": 500.0})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Rule.ID != catchAll.ID {
		t.Errorf("small entity must fall through to %q, got %q", catchAll.Name, res.Rule.Name)
	}
}

func TestResolveMatrixPriorityAndDefaultLast(t *testing.T) {
	ctx := context.Background()
	resolver, store := setupResolver(t)

	def := testMatrix("tenant default")
	def.AppliesTo = contracts.AppliesAll
	def.IsDefault = true
	def.Priority = 5

	specific := testMatrix("contracts policy")
	specific.Priority = 5

	for _, m := range []*contracts.ApprovalMatrix{def, specific} {
		if err := store.CreateMatrix(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	for _, m := range []*contracts.ApprovalMatrix{def, specific} {
		r := testRule(m.ID, "catch all for "+m.Name)
		if err := store.CreateRule(ctx, testTenant, r); err != nil {
			t.Fatal(err)
		}
	}

	res, err := resolver.Resolve(ctx, testTenant, contracts.AppliesContracts, map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Matrix.ID != specific.ID {
		t.Errorf("specific matrix must beat the default on priority ties, got %q", res.Matrix.Name)
	}
}

func TestResolveSkipsNonMatchingMatrix(t *testing.T) {
	ctx := context.Background()
	resolver, store := setupResolver(t)

	narrow := testMatrix("narrow")
	narrow.Priority = 1
	broad := testMatrix("broad")
	broad.Priority = 2
	for _, m := range []*contracts.ApprovalMatrix{narrow, broad} {
		if err := store.CreateMatrix(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	miss := testRule(narrow.ID, "only huge deals")
	miss.Conditions = condGreaterThan("value", 10000000)
	hit := testRule(broad.ID, "catch all")
	for _, pair := range []struct {
		r *contracts.ApprovalMatrixRule
	}{{miss}, {hit}} {
		if err := store.CreateRule(ctx, testTenant, pair.r); err != nil {
			t.Fatal(err)
		}
	}

	res, err := resolver.Resolve(ctx, testTenant, contracts.AppliesContracts,
		map[string]any{"value": 50000.0})
	if err != nil {
		t.Fatal(err)
	}
	if res.Matrix.ID != broad.ID {
		t.Errorf("resolver must fall through to a later matrix, got %q", res.Matrix.Name)
	}
}

func TestResolveNoMatchingPolicy(t *testing.T) {
	ctx := context.Background()
	resolver, store := setupResolver(t)

	// Matrix exists but no rule matches.
	m := testMatrix("selective")
	if err := store.CreateMatrix(ctx, m); err != nil {
		t.Fatal(err)
	}
	r := testRule(m.ID, "only huge deals")
	r.Conditions = condGreaterThan("value", 10000000)
	if err := store.CreateRule(ctx, testTenant, r); err != nil {
		t.Fatal(err)
	}

	_, err := resolver.Resolve(ctx, testTenant, contracts.AppliesContracts,
		map[string]any{"value": 100.0})
	var nmp *contracts.NoMatchingPolicyError
	if !errors.As(err, &nmp) {
		t.Fatalf("expected NoMatchingPolicyError, got %v", err)
	}
	if nmp.TenantID != testTenant || nmp.AppliesTo != contracts.AppliesContracts {
		t.Errorf("error must carry tenant and category: %+v", nmp)
	}

	// A tenant with no matrices at all gets the same error.
	_, err = resolver.Resolve(ctx, "tenant-empty", contracts.AppliesContracts, map[string]any{})
	if !errors.As(err, &nmp) {
		t.Fatalf("expected NoMatchingPolicyError for empty tenant, got %v", err)
	}
}

func TestResolveIgnoresInactive(t *testing.T) {
	ctx := context.Background()
	resolver, store := setupResolver(t)

	m := testMatrix("live")
	if err := store.CreateMatrix(ctx, m); err != nil {
		t.Fatal(err)
	}
	inactive := testRule(m.ID, "switched off")
	inactive.Priority = 1
	inactive.IsActive = false
	fallback := testRule(m.ID, "still on")
	fallback.Priority = 2
	for _, r := range []*contracts.ApprovalMatrixRule{inactive, fallback} {
		if err := store.CreateRule(ctx, testTenant, r); err != nil {
			t.Fatal(err)
		}
	}

	res, err := resolver.Resolve(ctx, testTenant, contracts.AppliesContracts, map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Rule.ID != fallback.ID {
		t.Errorf("inactive rules must not match, got %q", res.Rule.Name)
	}
}
