package routing

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dpxrk/pactwise-approvals/pkg/contracts"
)

// SQLiteStore implements Store on SQLite for single-node deployments. It
// migrates its own schema and keeps the same conditional-update semantics
// as the Postgres backend.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLiteStore opens (or creates) a SQLite database at path and returns
// a migrated store.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	return NewSQLiteStore(db)
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS approval_routing_history (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		matrix_id TEXT NOT NULL,
		rule_id TEXT NOT NULL,
		approver_id TEXT NOT NULL,
		delegated_from TEXT NOT NULL DEFAULT '',
		required INTEGER NOT NULL DEFAULT 0,
		approver_order INTEGER NOT NULL DEFAULT 0,
		actionable INTEGER NOT NULL DEFAULT 1,
		status TEXT NOT NULL,
		comments TEXT NOT NULL DEFAULT '',
		due_at DATETIME,
		decision_at DATETIME,
		escalation_count INTEGER NOT NULL DEFAULT 0,
		last_escalated_at DATETIME,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS routing_history_invocation_idx
		ON approval_routing_history (tenant_id, entity_type, entity_id, rule_id);
	CREATE UNIQUE INDEX IF NOT EXISTS routing_history_pending_key
		ON approval_routing_history (tenant_id, entity_type, entity_id, rule_id, approver_id)
		WHERE status = 'PENDING';`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("sqlite routing migration failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateRecords(ctx context.Context, records []*contracts.RoutingRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, r := range records {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO approval_routing_history (`+routingColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.TenantID, r.EntityType, r.EntityID, r.MatrixID, r.RuleID,
			r.ApproverID, r.DelegatedFrom, r.Required, r.Order, r.Actionable,
			r.Status, r.Comments, r.DueAt, r.DecisionAt, r.EscalationCount,
			r.LastEscalatedAt, r.CreatedAt)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return ErrDuplicateInvocation
			}
			return fmt.Errorf("failed to insert routing record: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Get(ctx context.Context, tenantID, id string) (*contracts.RoutingRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+routingColumns+` FROM approval_routing_history WHERE id = ? AND tenant_id = ?`,
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

func (s *SQLiteStore) ListInvocation(ctx context.Context, tenantID, entityType, entityID, ruleID string) ([]*contracts.RoutingRecord, error) {
	return s.query(ctx,
		`SELECT `+routingColumns+` FROM approval_routing_history
		 WHERE tenant_id = ? AND entity_type = ? AND entity_id = ? AND rule_id = ?
		 ORDER BY approver_order ASC, created_at ASC, id ASC`,
		tenantID, entityType, entityID, ruleID)
}

func (s *SQLiteStore) ListByEntity(ctx context.Context, tenantID, entityType, entityID string) ([]*contracts.RoutingRecord, error) {
	return s.query(ctx,
		`SELECT `+routingColumns+` FROM approval_routing_history
		 WHERE tenant_id = ? AND entity_type = ? AND entity_id = ?
		 ORDER BY approver_order ASC, created_at ASC, id ASC`,
		tenantID, entityType, entityID)
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]*contracts.RoutingRecord, error) {
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

func (s *SQLiteStore) Decide(ctx context.Context, tenantID, id string, status contracts.RoutingStatus, comments string, decidedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approval_routing_history
		 SET status = ?, comments = ?, decision_at = ?
		 WHERE id = ? AND tenant_id = ? AND status = ? AND actionable = 1`,
		status, comments, decidedAt, id, tenantID, contracts.RoutingPending)
	if err != nil {
		return false, fmt.Errorf("failed to decide routing record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) SetActionable(ctx context.Context, tenantID, id string, actionable bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approval_routing_history SET actionable = ? WHERE id = ? AND tenant_id = ?`,
		actionable, id, tenantID)
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

func (s *SQLiteStore) PendingPastDue(ctx context.Context, asOf time.Time) ([]*contracts.RoutingRecord, error) {
	return s.query(ctx,
		`SELECT `+routingColumns+` FROM approval_routing_history
		 WHERE status = ? AND due_at IS NOT NULL AND due_at < ?
		 ORDER BY due_at ASC, id ASC`,
		contracts.RoutingPending, asOf)
}

func (s *SQLiteStore) MarkEscalated(ctx context.Context, tenantID, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approval_routing_history
		 SET escalation_count = escalation_count + 1, last_escalated_at = ?
		 WHERE id = ? AND tenant_id = ? AND status = ?`,
		at, id, tenantID, contracts.RoutingPending)
	if err != nil {
		return false, fmt.Errorf("failed to mark escalation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }
