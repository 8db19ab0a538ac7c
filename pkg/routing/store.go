// Package routing creates and advances approval routing records: the
// pending → approved/rejected state machine, per-mode outcome aggregation,
// and the SLA escalation sweep.
package routing

import (
	"context"
	"errors"
	"time"

	"github.com/dpxrk/pactwise-approvals/pkg/contracts"
)

// ErrDuplicateInvocation is returned by CreateRecords when pending records
// already exist for the same (tenant, entity, rule) key. The SQL backends
// surface it from a partial unique index over PENDING rows, the memory
// backend from a check under its lock, so concurrent opens serialize at the
// datastore rather than at an in-process lock.
var ErrDuplicateInvocation = errors.New("pending routing records already exist for this invocation")

// Store persists routing records. Mutations are conditional updates so that
// concurrent decisions on the same record serialize at the datastore: the
// first wins, the second observes zero affected rows. Records are never
// deleted.
type Store interface {
	// CreateRecords persists one invocation's records all-or-nothing. It
	// fails with ErrDuplicateInvocation when the invocation key already has
	// pending records.
	CreateRecords(ctx context.Context, records []*contracts.RoutingRecord) error

	Get(ctx context.Context, tenantID, id string) (*contracts.RoutingRecord, error)

	// ListInvocation returns every record of one (entity, rule) invocation,
	// ordered by approver order then creation time.
	ListInvocation(ctx context.Context, tenantID, entityType, entityID, ruleID string) ([]*contracts.RoutingRecord, error)

	// ListByEntity returns every record for an entity across rules.
	ListByEntity(ctx context.Context, tenantID, entityType, entityID string) ([]*contracts.RoutingRecord, error)

	// Decide transitions a record out of PENDING. It only matches records
	// that are still pending and actionable; false means the conditional
	// update matched nothing.
	Decide(ctx context.Context, tenantID, id string, status contracts.RoutingStatus, comments string, decidedAt time.Time) (bool, error)

	// SetActionable activates or deactivates a pending record (SEQUENTIAL
	// step handover).
	SetActionable(ctx context.Context, tenantID, id string, actionable bool) error

	// PendingPastDue returns pending records whose due_at has passed.
	PendingPastDue(ctx context.Context, asOf time.Time) ([]*contracts.RoutingRecord, error)

	// MarkEscalated increments a record's escalation counter, only while the
	// record is still pending; false means the record left PENDING between
	// the sweep's read and this write, and no escalation must be emitted.
	MarkEscalated(ctx context.Context, tenantID, id string, at time.Time) (bool, error)
}
