package routing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/dpxrk/pactwise-approvals/pkg/contracts"
)

// PostgresStore implements Store using PostgreSQL. Pending transitions are
// conditional updates ("... WHERE status = 'PENDING'"), so concurrent
// writers serialize at the database without in-process locks.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the routing history table.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS approval_routing_history (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			matrix_id TEXT NOT NULL,
			rule_id TEXT NOT NULL,
			approver_id TEXT NOT NULL,
			delegated_from TEXT NOT NULL DEFAULT '',
			required BOOLEAN NOT NULL DEFAULT FALSE,
			approver_order INTEGER NOT NULL DEFAULT 0,
			actionable BOOLEAN NOT NULL DEFAULT TRUE,
			status TEXT NOT NULL,
			comments TEXT NOT NULL DEFAULT '',
			due_at TIMESTAMPTZ,
			decision_at TIMESTAMPTZ,
			escalation_count INTEGER NOT NULL DEFAULT 0,
			last_escalated_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS routing_history_invocation_idx
			ON approval_routing_history (tenant_id, entity_type, entity_id, rule_id)`,
		`CREATE INDEX IF NOT EXISTS routing_history_due_idx
			ON approval_routing_history (due_at) WHERE status = 'PENDING'`,
		`CREATE UNIQUE INDEX IF NOT EXISTS routing_history_pending_key
			ON approval_routing_history (tenant_id, entity_type, entity_id, rule_id, approver_id)
			WHERE status = 'PENDING'`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("routing migration failed: %w", err)
		}
	}
	return nil
}

const routingColumns = `id, tenant_id, entity_type, entity_id, matrix_id, rule_id, approver_id, delegated_from, required, approver_order, actionable, status, comments, due_at, decision_at, escalation_count, last_escalated_at, created_at`

// CreateRecords inserts one invocation's records in a single transaction:
// either every record becomes visible or none does.
func (s *PostgresStore) CreateRecords(ctx context.Context, records []*contracts.RoutingRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, r := range records {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO approval_routing_history (`+routingColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
			r.ID, r.TenantID, r.EntityType, r.EntityID, r.MatrixID, r.RuleID,
			r.ApproverID, r.DelegatedFrom, r.Required, r.Order, r.Actionable,
			r.Status, r.Comments, r.DueAt, r.DecisionAt, r.EscalationCount,
			r.LastEscalatedAt, r.CreatedAt)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				return ErrDuplicateInvocation
			}
			return fmt.Errorf("failed to insert routing record: %w", err)
		}
	}
	return tx.Commit()
}

func scanRecord(row interface{ Scan(...any) error }) (*contracts.RoutingRecord, error) {
	var r contracts.RoutingRecord
	err := row.Scan(&r.ID, &r.TenantID, &r.EntityType, &r.EntityID, &r.MatrixID,
		&r.RuleID, &r.ApproverID, &r.DelegatedFrom, &r.Required, &r.Order,
		&r.Actionable, &r.Status, &r.Comments, &r.DueAt, &r.DecisionAt,
		&r.EscalationCount, &r.LastEscalatedAt, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) Get(ctx context.Context, tenantID, id string) (*contracts.RoutingRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+routingColumns+` FROM approval_routing_history WHERE id = $1 AND tenant_id = $2`,
		id, tenantID)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, &contracts.NotFoundError{Kind: "routing record", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get routing record: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ListInvocation(ctx context.Context, tenantID, entityType, entityID, ruleID string) ([]*contracts.RoutingRecord, error) {
	return s.query(ctx,
		`SELECT `+routingColumns+` FROM approval_routing_history
		 WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3 AND rule_id = $4
		 ORDER BY approver_order ASC, created_at ASC, id ASC`,
		tenantID, entityType, entityID, ruleID)
}

func (s *PostgresStore) ListByEntity(ctx context.Context, tenantID, entityType, entityID string) ([]*contracts.RoutingRecord, error) {
	return s.query(ctx,
		`SELECT `+routingColumns+` FROM approval_routing_history
		 WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3
		 ORDER BY approver_order ASC, created_at ASC, id ASC`,
		tenantID, entityType, entityID)
}

func (s *PostgresStore) query(ctx context.Context, query string, args ...any) ([]*contracts.RoutingRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list routing records: %w", err)
	}
	defer rows.Close()

	var out []*contracts.RoutingRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan routing record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Decide(ctx context.Context, tenantID, id string, status contracts.RoutingStatus, comments string, decidedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approval_routing_history
		 SET status = $3, comments = $4, decision_at = $5
		 WHERE id = $1 AND tenant_id = $2 AND status = $6 AND actionable`,
		id, tenantID, status, comments, decidedAt, contracts.RoutingPending)
	if err != nil {
		return false, fmt.Errorf("failed to decide routing record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresStore) SetActionable(ctx context.Context, tenantID, id string, actionable bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approval_routing_history SET actionable = $3 WHERE id = $1 AND tenant_id = $2`,
		id, tenantID, actionable)
	if err != nil {
		return fmt.Errorf("failed to set actionable: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &contracts.NotFoundError{Kind: "routing record", ID: id}
	}
	return nil
}

func (s *PostgresStore) PendingPastDue(ctx context.Context, asOf time.Time) ([]*contracts.RoutingRecord, error) {
	return s.query(ctx,
		`SELECT `+routingColumns+` FROM approval_routing_history
		 WHERE status = $1 AND due_at IS NOT NULL AND due_at < $2
		 ORDER BY due_at ASC, id ASC`,
		contracts.RoutingPending, asOf)
}

func (s *PostgresStore) MarkEscalated(ctx context.Context, tenantID, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approval_routing_history
		 SET escalation_count = escalation_count + 1, last_escalated_at = $3
		 WHERE id = $1 AND tenant_id = $2 AND status = $4`,
		id, tenantID, at, contracts.RoutingPending)
	if err != nil {
		return false, fmt.Errorf("failed to mark escalation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
