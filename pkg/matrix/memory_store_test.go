package matrix

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dpxrk/pactwise-approvals/pkg/contracts"
)

const testTenant = "tenant-1"

func testClock() func() time.Time {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

func testMatrix(name string) *contracts.ApprovalMatrix {
	return &contracts.ApprovalMatrix{
		TenantID:  testTenant,
		Name:      name,
		AppliesTo: contracts.AppliesContracts,
		Status:    contracts.MatrixActive,
	}
}

func testRule(matrixID, name string) *contracts.ApprovalMatrixRule {
	return &contracts.ApprovalMatrixRule{
		MatrixID:     matrixID,
		Name:         name,
		Action:       contracts.ActionRequireApproval,
		ApprovalMode: contracts.ModeAny,
		Approvers: []contracts.Approver{
			{Type: contracts.ApproverRole, Value: "finance_head"},
		},
		IsActive: true,
	}
}

func TestMatrixCRUD(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore().WithClock(testClock())

	m := testMatrix("contract approvals")
	if err := store.CreateMatrix(ctx, m); err != nil {
		t.Fatalf("CreateMatrix: %v", err)
	}
	if m.ID == "" {
		t.Fatal("CreateMatrix must assign an id")
	}

	got, err := store.GetMatrix(ctx, testTenant, m.ID)
	if err != nil {
		t.Fatalf("GetMatrix: %v", err)
	}
	if got.Name != "contract approvals" {
		t.Errorf("got name %q", got.Name)
	}

	got.Description = "updated"
	if err := store.UpdateMatrix(ctx, got); err != nil {
		t.Fatalf("UpdateMatrix: %v", err)
	}
	got2, _ := store.GetMatrix(ctx, testTenant, m.ID)
	if got2.Description != "updated" {
		t.Error("update not persisted")
	}
	if !got2.UpdatedAt.After(got2.CreatedAt) {
		t.Error("UpdatedAt must advance past CreatedAt")
	}

	if err := store.DeleteMatrix(ctx, testTenant, m.ID); err != nil {
		t.Fatalf("DeleteMatrix: %v", err)
	}
	var nf *contracts.NotFoundError
	if _, err := store.GetMatrix(ctx, testTenant, m.ID); !errors.As(err, &nf) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
}

func TestMatrixTenantIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	m := testMatrix("isolated")
	if err := store.CreateMatrix(ctx, m); err != nil {
		t.Fatal(err)
	}

	var nf *contracts.NotFoundError
	if _, err := store.GetMatrix(ctx, "tenant-2", m.ID); !errors.As(err, &nf) {
		t.Errorf("cross-tenant get must fail with NotFoundError, got %v", err)
	}
	if err := store.DeleteMatrix(ctx, "tenant-2", m.ID); !errors.As(err, &nf) {
		t.Errorf("cross-tenant delete must fail with NotFoundError, got %v", err)
	}
}

func TestMatrixValidation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	m := testMatrix("bad")
	m.AppliesTo = "invoices" // unknown category
	var verr *contracts.ValidationError
	if err := store.CreateMatrix(ctx, m); !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestSingleDefaultPerAppliesTo(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	first := testMatrix("default one")
	first.IsDefault = true
	if err := store.CreateMatrix(ctx, first); err != nil {
		t.Fatal(err)
	}

	second := testMatrix("default two")
	second.IsDefault = true
	var verr *contracts.ValidationError
	if err := store.CreateMatrix(ctx, second); !errors.As(err, &verr) {
		t.Fatalf("second default for same applies_to must be rejected, got %v", err)
	}

	// A default for a different category is fine.
	other := testMatrix("default po")
	other.AppliesTo = contracts.AppliesPurchaseOrders
	other.IsDefault = true
	if err := store.CreateMatrix(ctx, other); err != nil {
		t.Fatalf("default for different applies_to rejected: %v", err)
	}
}

func TestActiveMatricesOrdering(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore().WithClock(testClock())

	def := testMatrix("tenant default")
	def.AppliesTo = contracts.AppliesAll
	def.IsDefault = true
	def.Priority = 10

	specific := testMatrix("contracts specific")
	specific.Priority = 10

	early := testMatrix("highest priority")
	early.Priority = 1

	inactive := testMatrix("inactive")
	inactive.Priority = 0
	inactive.Status = contracts.MatrixInactive

	draft := testMatrix("draft")
	draft.Priority = 0
	draft.Status = contracts.MatrixDraft

	for _, m := range []*contracts.ApprovalMatrix{def, specific, early, inactive, draft} {
		if err := store.CreateMatrix(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	active, err := store.ActiveMatrices(ctx, testTenant, contracts.AppliesContracts)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 3 {
		t.Fatalf("expected 3 active matrices, got %d", len(active))
	}
	if active[0].ID != early.ID {
		t.Errorf("lowest priority value must come first, got %q", active[0].Name)
	}
	// Priority tie between default (applies_to=all) and specific: default last.
	if active[1].ID != specific.ID || active[2].ID != def.ID {
		t.Errorf("default matrix must sort after non-default on priority ties: %q, %q",
			active[1].Name, active[2].Name)
	}
}

func TestRuleLifecycleAndCascade(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore().WithClock(testClock())

	m := testMatrix("with rules")
	if err := store.CreateMatrix(ctx, m); err != nil {
		t.Fatal(err)
	}

	high := testRule(m.ID, "high value")
	high.Priority = 1
	low := testRule(m.ID, "low value")
	low.Priority = 5
	disabled := testRule(m.ID, "disabled")
	disabled.Priority = 2
	disabled.IsActive = false

	for _, r := range []*contracts.ApprovalMatrixRule{low, high, disabled} {
		if err := store.CreateRule(ctx, testTenant, r); err != nil {
			t.Fatalf("CreateRule %q: %v", r.Name, err)
		}
	}

	active, err := store.ActiveRules(ctx, testTenant, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active rules, got %d", len(active))
	}
	if active[0].ID != high.ID {
		t.Errorf("rules must order by priority ascending, got %q first", active[0].Name)
	}

	all, _ := store.ListRules(ctx, testTenant, m.ID)
	if len(all) != 3 {
		t.Fatalf("expected 3 rules, got %d", len(all))
	}

	if err := store.DeleteMatrix(ctx, testTenant, m.ID); err != nil {
		t.Fatal(err)
	}
	var nf *contracts.NotFoundError
	if _, err := store.GetRule(ctx, testTenant, high.ID); !errors.As(err, &nf) {
		t.Errorf("matrix delete must cascade to rules, got %v", err)
	}
}

func TestRuleValidation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := testMatrix("validation")
	if err := store.CreateMatrix(ctx, m); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name   string
		mutate func(*contracts.ApprovalMatrixRule)
	}{
		{"unknown action", func(r *contracts.ApprovalMatrixRule) { r.Action = "DELEGATE" }},
		{"unknown mode", func(r *contracts.ApprovalMatrixRule) { r.ApprovalMode = "QUORUM" }},
		{"percentage out of range", func(r *contracts.ApprovalMatrixRule) {
			r.ApprovalMode = contracts.ModePercentage
			r.ApprovalPercentage = 150
		}},
		{"percentage on any mode", func(r *contracts.ApprovalMatrixRule) { r.ApprovalPercentage = 50 }},
		{"no approvers", func(r *contracts.ApprovalMatrixRule) { r.Approvers = nil }},
		{"bad escalation", func(r *contracts.ApprovalMatrixRule) {
			r.Escalation = &contracts.EscalationRules{EscalateAfterHours: 0, MaxEscalations: 3}
		}},
		{"bad condition", func(r *contracts.ApprovalMatrixRule) {
			r.Conditions = contracts.ConditionGroup{
				Logic:    contracts.LogicAnd,
				Children: []contracts.ConditionNode{{}},
			}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := testRule(m.ID, "candidate")
			tc.mutate(r)
			var verr *contracts.ValidationError
			if err := store.CreateRule(ctx, testTenant, r); !errors.As(err, &verr) {
				t.Errorf("expected ValidationError, got %v", err)
			}
		})
	}

	// AUTO_APPROVE needs no approvers.
	auto := testRule(m.ID, "auto approve small")
	auto.Action = contracts.ActionAutoApprove
	auto.Approvers = nil
	if err := store.CreateRule(ctx, testTenant, auto); err != nil {
		t.Errorf("AUTO_APPROVE without approvers must be valid: %v", err)
	}
}
