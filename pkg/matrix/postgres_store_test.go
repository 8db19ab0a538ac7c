package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpxrk/pactwise-approvals/pkg/contracts"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return NewPostgresStore(db).WithClock(func() time.Time { return fixed }), mock
}

func TestPostgresCreateMatrix(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO approval_matrices")).
		WithArgs(sqlmock.AnyArg(), "tenant-1", "contract approvals", "", "contracts",
			"ACTIVE", false, 0, "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	m := &contracts.ApprovalMatrix{
		TenantID:  "tenant-1",
		Name:      "contract approvals",
		AppliesTo: contracts.AppliesContracts,
		Status:    contracts.MatrixActive,
	}
	err := store.CreateMatrix(context.Background(), m)
	assert.NoError(t, err)
	assert.NotEmpty(t, m.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateMatrixDefaultConflict(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO approval_matrices")).
		WillReturnError(&pq.Error{Code: "23505"})

	m := &contracts.ApprovalMatrix{
		TenantID:  "tenant-1",
		Name:      "second default",
		AppliesTo: contracts.AppliesContracts,
		Status:    contracts.MatrixActive,
		IsDefault: true,
	}
	err := store.CreateMatrix(context.Background(), m)
	var verr *contracts.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "is_default", verr.Issues[0].Field)
}

func TestPostgresGetMatrixNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT "+matrixColumns+" FROM approval_matrices WHERE id = $1 AND tenant_id = $2")).
		WithArgs("missing", "tenant-1").
		WillReturnRows(sqlmock.NewRows([]string{}))

	_, err := store.GetMatrix(context.Background(), "tenant-1", "missing")
	var nf *contracts.NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestPostgresActiveMatrices(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	cols := []string{"id", "tenant_id", "name", "description", "applies_to", "status",
		"is_default", "priority", "created_by", "created_at", "updated_at"}
	rows := sqlmock.NewRows(cols).
		AddRow("m1", "tenant-1", "specific", "", "contracts", "ACTIVE", false, 1, "", now, now).
		AddRow("m2", "tenant-1", "default", "", "all", "ACTIVE", true, 5, "", now, now)

	mock.ExpectQuery(regexp.QuoteMeta("FROM approval_matrices")).
		WithArgs("tenant-1", "ACTIVE", "contracts", "all").
		WillReturnRows(rows)

	matrices, err := store.ActiveMatrices(context.Background(), "tenant-1", contracts.AppliesContracts)
	require.NoError(t, err)
	require.Len(t, matrices, 2)
	assert.Equal(t, "m1", matrices[0].ID)
	assert.True(t, matrices[1].IsDefault)
}

func TestPostgresRuleRoundTrip(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	// CreateRule verifies the owning matrix first.
	matrixCols := []string{"id", "tenant_id", "name", "description", "applies_to", "status",
		"is_default", "priority", "created_by", "created_at", "updated_at"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM approval_matrices WHERE id = $1 AND tenant_id = $2")).
		WithArgs("m1", "tenant-1").
		WillReturnRows(sqlmock.NewRows(matrixCols).
			AddRow("m1", "tenant-1", "policy", "", "contracts", "ACTIVE", false, 0, "", now, now))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO approval_matrix_rules")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rule := &contracts.ApprovalMatrixRule{
		MatrixID: "m1",
		Name:     "over 100k",
		Conditions: contracts.ConditionGroup{
			Logic: contracts.LogicAnd,
			Children: []contracts.ConditionNode{
				{Leaf: &contracts.Condition{Field: "value", Operator: contracts.OpGreaterThan, Value: 100000}},
			},
		},
		Action:       contracts.ActionRequireApproval,
		ApprovalMode: contracts.ModeAll,
		Approvers: []contracts.Approver{
			{Type: contracts.ApproverRole, Value: "finance_head", IsRequired: true},
		},
		Escalation: &contracts.EscalationRules{EscalateAfterHours: 24, MaxEscalations: 3},
		SLAHours:   48,
		IsActive:   true,
	}
	require.NoError(t, store.CreateRule(context.Background(), "tenant-1", rule))

	// GetRule unmarshals the stored JSONB columns back into the struct.
	conditions, _ := json.Marshal(rule.Conditions)
	approvers, _ := json.Marshal(rule.Approvers)
	escalation, _ := json.Marshal(rule.Escalation)

	ruleCols := []string{"id", "matrix_id", "name", "description", "priority", "conditions",
		"action", "approvers", "approval_mode", "approval_percentage", "escalation_rules",
		"sla_hours", "is_active", "created_at", "updated_at"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM approval_matrix_rules r")).
		WithArgs(rule.ID, "tenant-1").
		WillReturnRows(sqlmock.NewRows(ruleCols).
			AddRow(rule.ID, "m1", "over 100k", "", 0, conditions, "REQUIRE_APPROVAL",
				approvers, "ALL", 0, escalation, 48, true, now, now))

	got, err := store.GetRule(context.Background(), "tenant-1", rule.ID)
	require.NoError(t, err)
	assert.Equal(t, "over 100k", got.Name)
	require.Len(t, got.Approvers, 1)
	assert.True(t, got.Approvers[0].IsRequired)
	require.NotNil(t, got.Escalation)
	assert.Equal(t, 24, got.Escalation.EscalateAfterHours)
	require.Len(t, got.Conditions.Children, 1)
	assert.Equal(t, contracts.OpGreaterThan, got.Conditions.Children[0].Leaf.Operator)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDeleteMatrixNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM approval_matrices")).
		WithArgs("missing", "tenant-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.DeleteMatrix(context.Background(), "tenant-1", "missing")
	var nf *contracts.NotFoundError
	assert.True(t, errors.As(err, &nf))
}
