package delegation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/dpxrk/pactwise-approvals/pkg/contracts"
)

// PostgresStore implements Store using PostgreSQL.
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

// Migrate creates the delegations table.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS approval_delegations (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			delegator_id TEXT NOT NULL,
			delegate_id TEXT NOT NULL,
			applies_to TEXT NOT NULL,
			start_date TIMESTAMPTZ NOT NULL,
			end_date TIMESTAMPTZ NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("delegation migration failed: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS approval_delegations_delegator_idx
			ON approval_delegations (tenant_id, delegator_id, is_active)`)
	if err != nil {
		return fmt.Errorf("delegation migration failed: %w", err)
	}
	return nil
}

const delegationColumns = `id, tenant_id, delegator_id, delegate_id, applies_to, start_date, end_date, is_active, created_at`

func (s *PostgresStore) Create(ctx context.Context, d *contracts.Delegation) error {
	if err := Validate(d); err != nil {
		return err
	}
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	d.CreatedAt = s.clock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approval_delegations (`+delegationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, d.TenantID, d.DelegatorID, d.DelegateID, d.AppliesTo,
		d.StartDate, d.EndDate, d.IsActive, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to persist delegation: %w", err)
	}
	return nil
}

func scanDelegation(row interface{ Scan(...any) error }) (*contracts.Delegation, error) {
	var d contracts.Delegation
	err := row.Scan(&d.ID, &d.TenantID, &d.DelegatorID, &d.DelegateID, &d.AppliesTo,
		&d.StartDate, &d.EndDate, &d.IsActive, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PostgresStore) Get(ctx context.Context, tenantID, id string) (*contracts.Delegation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+delegationColumns+` FROM approval_delegations WHERE id = $1 AND tenant_id = $2`,
		id, tenantID)
	d, err := scanDelegation(row)
	if err == sql.ErrNoRows {
		return nil, &contracts.NotFoundError{Kind: "delegation", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delegation: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) List(ctx context.Context, tenantID string) ([]*contracts.Delegation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+delegationColumns+` FROM approval_delegations
		 WHERE tenant_id = $1 ORDER BY created_at ASC`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list delegations: %w", err)
	}
	defer rows.Close()

	var out []*contracts.Delegation
	for rows.Next() {
		d, err := scanDelegation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delegation: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Deactivate(ctx context.Context, tenantID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approval_delegations SET is_active = FALSE WHERE id = $1 AND tenant_id = $2`,
		id, tenantID)
	if err != nil {
		return fmt.Errorf("failed to deactivate delegation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &contracts.NotFoundError{Kind: "delegation", ID: id}
	}
	return nil
}

func (s *PostgresStore) ActiveFor(ctx context.Context, tenantID, delegatorID string, appliesTo contracts.AppliesTo, asOf time.Time) (*contracts.Delegation, error) {
	// The overlap rule (most recently created wins, id tiebreak) is encoded
	// in the ORDER BY so only one row is fetched.
	row := s.db.QueryRowContext(ctx,
		`SELECT `+delegationColumns+` FROM approval_delegations
		 WHERE tenant_id = $1 AND delegator_id = $2 AND is_active
		   AND (applies_to = $3 OR applies_to = $4)
		   AND start_date <= $5 AND end_date >= $5
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		tenantID, delegatorID, appliesTo, contracts.AppliesAll, asOf)
	d, err := scanDelegation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up active delegation: %w", err)
	}
	return d, nil
}
