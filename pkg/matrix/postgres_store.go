package matrix

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/dpxrk/pactwise-approvals/pkg/contracts"
)

// PostgresStore implements Store using PostgreSQL. Conditions, approvers and
// escalation rules are stored as JSONB; the at-most-one-default invariant is
// enforced by a partial unique index.
type PostgresStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *PostgresStore) WithClock(clock func() time.Time) *PostgresStore {
	s.clock = clock
	return s
}

// Migrate creates the matrix and rule tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS approval_matrices (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			applies_to TEXT NOT NULL,
			status TEXT NOT NULL,
			is_default BOOLEAN NOT NULL DEFAULT FALSE,
			priority INTEGER NOT NULL DEFAULT 0,
			created_by TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS approval_matrices_default_idx
			ON approval_matrices (tenant_id, applies_to) WHERE is_default`,
		`CREATE INDEX IF NOT EXISTS approval_matrices_tenant_idx
			ON approval_matrices (tenant_id, status)`,
		`CREATE TABLE IF NOT EXISTS approval_matrix_rules (
			id TEXT PRIMARY KEY,
			matrix_id TEXT NOT NULL REFERENCES approval_matrices(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 0,
			conditions JSONB NOT NULL,
			action TEXT NOT NULL,
			approvers JSONB NOT NULL,
			approval_mode TEXT NOT NULL,
			approval_percentage INTEGER NOT NULL DEFAULT 0,
			escalation_rules JSONB,
			sla_hours INTEGER NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS approval_matrix_rules_matrix_idx
			ON approval_matrix_rules (matrix_id, priority)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("matrix migration failed: %w", err)
		}
	}
	return nil
}

const matrixColumns = `id, tenant_id, name, description, applies_to, status, is_default, priority, created_by, created_at, updated_at`

func (s *PostgresStore) CreateMatrix(ctx context.Context, m *contracts.ApprovalMatrix) error {
	if err := ValidateMatrix(m); err != nil {
		return err
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	now := s.clock()
	m.CreatedAt = now
	m.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approval_matrices (`+matrixColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		m.ID, m.TenantID, m.Name, m.Description, m.AppliesTo, m.Status,
		m.IsDefault, m.Priority, m.CreatedBy, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return mapDefaultConflict(err)
	}
	return nil
}

// mapDefaultConflict converts the partial-unique-index violation into the
// validation error the authoring surface expects.
func mapDefaultConflict(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		verr := &contracts.ValidationError{}
		return verr.Add("is_default", "another default matrix already exists for this applies_to")
	}
	return fmt.Errorf("failed to persist matrix: %w", err)
}

func (s *PostgresStore) GetMatrix(ctx context.Context, tenantID, id string) (*contracts.ApprovalMatrix, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+matrixColumns+` FROM approval_matrices WHERE id = $1 AND tenant_id = $2`,
		id, tenantID)
	m, err := scanMatrix(row)
	if err == sql.ErrNoRows {
		return nil, &contracts.NotFoundError{Kind: "matrix", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get matrix: %w", err)
	}
	return m, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMatrix(row rowScanner) (*contracts.ApprovalMatrix, error) {
	var m contracts.ApprovalMatrix
	err := row.Scan(&m.ID, &m.TenantID, &m.Name, &m.Description, &m.AppliesTo,
		&m.Status, &m.IsDefault, &m.Priority, &m.CreatedBy, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) ListMatrices(ctx context.Context, tenantID string) ([]*contracts.ApprovalMatrix, error) {
	return s.queryMatrices(ctx,
		`SELECT `+matrixColumns+` FROM approval_matrices
		 WHERE tenant_id = $1
		 ORDER BY priority ASC, is_default ASC, created_at ASC`,
		tenantID)
}

func (s *PostgresStore) queryMatrices(ctx context.Context, query string, args ...any) ([]*contracts.ApprovalMatrix, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list matrices: %w", err)
	}
	defer rows.Close()

	var out []*contracts.ApprovalMatrix
	for rows.Next() {
		m, err := scanMatrix(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan matrix: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateMatrix(ctx context.Context, m *contracts.ApprovalMatrix) error {
	if err := ValidateMatrix(m); err != nil {
		return err
	}
	m.UpdatedAt = s.clock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE approval_matrices
		 SET name = $3, description = $4, applies_to = $5, status = $6,
		     is_default = $7, priority = $8, updated_at = $9
		 WHERE id = $1 AND tenant_id = $2`,
		m.ID, m.TenantID, m.Name, m.Description, m.AppliesTo, m.Status,
		m.IsDefault, m.Priority, m.UpdatedAt)
	if err != nil {
		return mapDefaultConflict(err)
	}
	return requireRow(res, "matrix", m.ID)
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &contracts.NotFoundError{Kind: kind, ID: id}
	}
	return nil
}

func (s *PostgresStore) DeleteMatrix(ctx context.Context, tenantID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM approval_matrices WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete matrix: %w", err)
	}
	return requireRow(res, "matrix", id)
}

func (s *PostgresStore) SetStatus(ctx context.Context, tenantID, id string, status contracts.MatrixStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approval_matrices SET status = $3, updated_at = $4 WHERE id = $1 AND tenant_id = $2`,
		id, tenantID, status, s.clock())
	if err != nil {
		return fmt.Errorf("failed to set matrix status: %w", err)
	}
	return requireRow(res, "matrix", id)
}

func (s *PostgresStore) ActiveMatrices(ctx context.Context, tenantID string, appliesTo contracts.AppliesTo) ([]*contracts.ApprovalMatrix, error) {
	return s.queryMatrices(ctx,
		`SELECT `+matrixColumns+` FROM approval_matrices
		 WHERE tenant_id = $1 AND status = $2 AND (applies_to = $3 OR applies_to = $4)
		 ORDER BY priority ASC, is_default ASC, created_at ASC`,
		tenantID, contracts.MatrixActive, appliesTo, contracts.AppliesAll)
}

const ruleColumns = `id, matrix_id, name, description, priority, conditions, action, approvers, approval_mode, approval_percentage, escalation_rules, sla_hours, is_active, created_at, updated_at`

func (s *PostgresStore) CreateRule(ctx context.Context, tenantID string, r *contracts.ApprovalMatrixRule) error {
	if err := ValidateRule(r); err != nil {
		return err
	}
	if _, err := s.GetMatrix(ctx, tenantID, r.MatrixID); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	now := s.clock()
	r.CreatedAt = now
	r.UpdatedAt = now

	conditions, approvers, escalation, err := marshalRuleJSON(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO approval_matrix_rules (`+ruleColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		r.ID, r.MatrixID, r.Name, r.Description, r.Priority, conditions, r.Action,
		approvers, r.ApprovalMode, r.ApprovalPercentage, escalation, r.SLAHours,
		r.IsActive, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to persist rule: %w", err)
	}
	return nil
}

func marshalRuleJSON(r *contracts.ApprovalMatrixRule) (conditions, approvers []byte, escalation any, err error) {
	conditions, err = json.Marshal(r.Conditions)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal conditions: %w", err)
	}
	approvers, err = json.Marshal(r.Approvers)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal approvers: %w", err)
	}
	if r.Escalation != nil {
		raw, merr := json.Marshal(r.Escalation)
		if merr != nil {
			return nil, nil, nil, fmt.Errorf("failed to marshal escalation rules: %w", merr)
		}
		escalation = raw
	}
	return conditions, approvers, escalation, nil
}

func scanRule(row rowScanner) (*contracts.ApprovalMatrixRule, error) {
	var (
		r          contracts.ApprovalMatrixRule
		conditions []byte
		approvers  []byte
		escalation []byte
	)
	err := row.Scan(&r.ID, &r.MatrixID, &r.Name, &r.Description, &r.Priority,
		&conditions, &r.Action, &approvers, &r.ApprovalMode, &r.ApprovalPercentage,
		&escalation, &r.SLAHours, &r.IsActive, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(conditions, &r.Conditions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conditions: %w", err)
	}
	if err := json.Unmarshal(approvers, &r.Approvers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal approvers: %w", err)
	}
	if len(escalation) > 0 {
		r.Escalation = &contracts.EscalationRules{}
		if err := json.Unmarshal(escalation, r.Escalation); err != nil {
			return nil, fmt.Errorf("failed to unmarshal escalation rules: %w", err)
		}
	}
	return &r, nil
}

func (s *PostgresStore) GetRule(ctx context.Context, tenantID, id string) (*contracts.ApprovalMatrixRule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT r.`+ruleQualified(`r`)+`
		 FROM approval_matrix_rules r
		 JOIN approval_matrices m ON m.id = r.matrix_id
		 WHERE r.id = $1 AND m.tenant_id = $2`,
		id, tenantID)
	r, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, &contracts.NotFoundError{Kind: "rule", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return r, nil
}

// ruleQualified renders ruleColumns with a table alias for joined queries.
func ruleQualified(alias string) string {
	return `id, ` + alias + `.matrix_id, ` + alias + `.name, ` + alias + `.description, ` + alias + `.priority, ` +
		alias + `.conditions, ` + alias + `.action, ` + alias + `.approvers, ` + alias + `.approval_mode, ` +
		alias + `.approval_percentage, ` + alias + `.escalation_rules, ` + alias + `.sla_hours, ` +
		alias + `.is_active, ` + alias + `.created_at, ` + alias + `.updated_at`
}

func (s *PostgresStore) UpdateRule(ctx context.Context, tenantID string, r *contracts.ApprovalMatrixRule) error {
	if err := ValidateRule(r); err != nil {
		return err
	}
	existing, err := s.GetRule(ctx, tenantID, r.ID)
	if err != nil {
		return err
	}
	r.MatrixID = existing.MatrixID
	r.CreatedAt = existing.CreatedAt
	r.UpdatedAt = s.clock()

	conditions, approvers, escalation, err := marshalRuleJSON(r)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE approval_matrix_rules
		 SET name = $2, description = $3, priority = $4, conditions = $5, action = $6,
		     approvers = $7, approval_mode = $8, approval_percentage = $9,
		     escalation_rules = $10, sla_hours = $11, is_active = $12, updated_at = $13
		 WHERE id = $1`,
		r.ID, r.Name, r.Description, r.Priority, conditions, r.Action, approvers,
		r.ApprovalMode, r.ApprovalPercentage, escalation, r.SLAHours, r.IsActive, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	return requireRow(res, "rule", r.ID)
}

func (s *PostgresStore) DeleteRule(ctx context.Context, tenantID, id string) error {
	if _, err := s.GetRule(ctx, tenantID, id); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM approval_matrix_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	return requireRow(res, "rule", id)
}

func (s *PostgresStore) ActiveRules(ctx context.Context, tenantID, matrixID string) ([]*contracts.ApprovalMatrixRule, error) {
	return s.queryRules(ctx,
		`SELECT r.`+ruleQualified(`r`)+`
		 FROM approval_matrix_rules r
		 JOIN approval_matrices m ON m.id = r.matrix_id
		 WHERE r.matrix_id = $1 AND m.tenant_id = $2 AND r.is_active
		 ORDER BY r.priority ASC, r.created_at ASC`,
		matrixID, tenantID)
}

func (s *PostgresStore) ListRules(ctx context.Context, tenantID, matrixID string) ([]*contracts.ApprovalMatrixRule, error) {
	return s.queryRules(ctx,
		`SELECT r.`+ruleQualified(`r`)+`
		 FROM approval_matrix_rules r
		 JOIN approval_matrices m ON m.id = r.matrix_id
		 WHERE r.matrix_id = $1 AND m.tenant_id = $2
		 ORDER BY r.priority ASC, r.created_at ASC`,
		matrixID, tenantID)
}

func (s *PostgresStore) queryRules(ctx context.Context, query string, args ...any) ([]*contracts.ApprovalMatrixRule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var out []*contracts.ApprovalMatrixRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
