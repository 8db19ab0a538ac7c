package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dpxrk/pactwise-approvals/pkg/approver"
	"github.com/dpxrk/pactwise-approvals/pkg/audit"
	"github.com/dpxrk/pactwise-approvals/pkg/contracts"
	"github.com/dpxrk/pactwise-approvals/pkg/matrix"
	"github.com/dpxrk/pactwise-approvals/pkg/notify"
)

// Decision is an approver's verdict on one routing record.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// OpenResult is what Open produced: the invocation's records (existing ones
// on idempotent replay) and the rule outcome so far. Auto-deciding actions
// produce an outcome with no records.
type OpenResult struct {
	Records []*contracts.RoutingRecord `json:"records"`
	Outcome contracts.RuleOutcome      `json:"outcome"`
	// Replayed is true when pending records already existed for this
	// (entity, rule) and no new ones were created.
	Replayed bool `json:"replayed"`
}

// DecideResult is the effect of one decision submission.
type DecideResult struct {
	Record  *contracts.RoutingRecord `json:"record"`
	Outcome contracts.RuleOutcome    `json:"outcome"`
}

// Escalated describes one escalation emitted by a sweep.
type Escalated struct {
	Record *contracts.RoutingRecord `json:"record"`
	Count  int                      `json:"count"`
}

// Engine opens and advances routing records. All reads are stateless; the
// two mutating operations (Open, Decide) rely on the store's conditional
// updates for cross-process safety rather than in-process locks.
type Engine struct {
	store     Store
	matrices  matrix.Store
	approvers *approver.Resolver
	notifier  notify.Notifier
	auditor   audit.Logger
	logger    *slog.Logger
	clock     func() time.Time
}

func NewEngine(store Store, matrices matrix.Store, approvers *approver.Resolver, notifier notify.Notifier, auditor audit.Logger) *Engine {
	if notifier == nil {
		notifier = notify.NewSlogNotifier(nil)
	}
	if auditor == nil {
		auditor = audit.Nop{}
	}
	return &Engine{
		store:     store,
		matrices:  matrices,
		approvers: approvers,
		notifier:  notifier,
		auditor:   auditor,
		logger:    slog.Default().With("component", "routing"),
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Open creates one pending record per expanded approver for a matched rule.
// The idempotency key is (entity_id, rule_id): re-invoking while records
// exist for the key, pending or settled, returns the existing set and its
// outcome instead of routing again. A settled invocation stays settled; a
// new review cycle needs a new entity id (an amendment, a renewal). The
// store's unique pending index backs the key, so two concurrent opens that
// both pass the read below still serialize at the insert.
func (e *Engine) Open(ctx context.Context, tenantID, entityType, entityID string, res *matrix.Resolution, entity map[string]any, asOf time.Time) (*OpenResult, error) {
	rule := res.Rule

	existing, err := e.store.ListInvocation(ctx, tenantID, entityType, entityID, rule.ID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return &OpenResult{
			Records:  existing,
			Outcome:  Aggregate(rule.ApprovalMode, rule.ApprovalPercentage, existing),
			Replayed: true,
		}, nil
	}

	switch rule.Action {
	case contracts.ActionAutoApprove:
		return &OpenResult{Outcome: contracts.OutcomeApproved}, nil
	case contracts.ActionAutoReject:
		return &OpenResult{Outcome: contracts.OutcomeRejected}, nil
	case contracts.ActionNotifyOnly:
		_ = e.notifier.Notify(ctx, notify.Event{
			Type:       notify.EventNotifyOnly,
			TenantID:   tenantID,
			EntityType: entityType,
			EntityID:   entityID,
			RuleID:     rule.ID,
			At:         asOf,
		})
		return &OpenResult{Outcome: contracts.OutcomeApproved}, nil
	}

	resolved, err := e.approvers.Expand(ctx, tenantID, res.Matrix.AppliesTo, rule.Approvers, entity, asOf)
	if err != nil {
		return nil, err
	}

	sequential := rule.ApprovalMode == contracts.ModeSequential
	records := make([]*contracts.RoutingRecord, 0, len(resolved))
	for i, ra := range resolved {
		rec := &contracts.RoutingRecord{
			ID:            uuid.New().String(),
			TenantID:      tenantID,
			EntityType:    entityType,
			EntityID:      entityID,
			MatrixID:      res.Matrix.ID,
			RuleID:        rule.ID,
			ApproverID:    ra.UserID,
			DelegatedFrom: ra.DelegatedFrom,
			Required:      ra.Required,
			Order:         ra.Order,
			Actionable:    !sequential || i == 0,
			Status:        contracts.RoutingPending,
			CreatedAt:     asOf,
		}
		if rule.SLAHours > 0 {
			due := asOf.Add(time.Duration(rule.SLAHours) * time.Hour)
			rec.DueAt = &due
		}
		records = append(records, rec)
	}

	// All-or-nothing: a partial invocation must never be observable.
	if err := e.store.CreateRecords(ctx, records); err != nil {
		if errors.Is(err, ErrDuplicateInvocation) {
			// Lost the race against a concurrent open: the other caller's
			// set is the invocation. Return it as a replay.
			winners, lerr := e.store.ListInvocation(ctx, tenantID, entityType, entityID, rule.ID)
			if lerr != nil {
				return nil, lerr
			}
			return &OpenResult{
				Records:  winners,
				Outcome:  Aggregate(rule.ApprovalMode, rule.ApprovalPercentage, winners),
				Replayed: true,
			}, nil
		}
		return nil, fmt.Errorf("failed to create routing records: %w", err)
	}

	for _, rec := range records {
		if !rec.Actionable {
			continue
		}
		_ = e.notifier.Notify(ctx, notify.Event{
			Type:       notify.EventDecisionRequested,
			TenantID:   tenantID,
			Record:     rec,
			EntityType: entityType,
			EntityID:   entityID,
			RuleID:     rule.ID,
			At:         asOf,
		})
	}
	if rule.Action == contracts.ActionEscalate {
		// An ESCALATE rule routes like REQUIRE_APPROVAL but flags the
		// request as escalated from the start.
		for _, rec := range records {
			_ = e.notifier.Notify(ctx, notify.Event{
				Type:       notify.EventEscalated,
				TenantID:   tenantID,
				Record:     rec,
				EntityType: entityType,
				EntityID:   entityID,
				RuleID:     rule.ID,
				At:         asOf,
			})
		}
	}

	_ = e.auditor.Record(ctx, audit.EventRouting, "routing.open", entityID, map[string]any{
		"rule_id": rule.ID, "matrix_id": res.Matrix.ID, "records": len(records),
	})
	e.logger.InfoContext(ctx, "routing opened",
		"tenant_id", tenantID, "entity_id", entityID, "rule_id", rule.ID, "records", len(records))

	return &OpenResult{Records: records, Outcome: contracts.OutcomePending}, nil
}

// Decide transitions exactly one record. The caller must be the record's
// approver of record; delegation was resolved once at open time and is not
// re-resolved here, keeping the audit trail stable. Concurrent decisions on
// the same record serialize at the store: the loser gets
// AlreadyDecidedError and the stored decision is unchanged.
func (e *Engine) Decide(ctx context.Context, tenantID, routingID, actorID string, decision Decision, comments string, asOf time.Time) (*DecideResult, error) {
	rec, err := e.store.Get(ctx, tenantID, routingID)
	if err != nil {
		return nil, err
	}

	if rec.ApproverID != actorID {
		return nil, &contracts.NotAuthorizedError{RoutingID: routingID, ActorID: actorID}
	}
	if rec.Decided() {
		return nil, &contracts.AlreadyDecidedError{RoutingID: routingID, Status: rec.Status}
	}
	if !rec.Actionable {
		return nil, &contracts.NotActionableError{RoutingID: routingID}
	}

	status := contracts.RoutingApproved
	if decision == DecisionReject {
		status = contracts.RoutingRejected
	}

	ok, err := e.store.Decide(ctx, tenantID, routingID, status, comments, asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to record decision: %w", err)
	}
	if !ok {
		// Lost the race: someone decided between our read and write.
		current, gerr := e.store.Get(ctx, tenantID, routingID)
		if gerr != nil {
			return nil, gerr
		}
		return nil, &contracts.AlreadyDecidedError{RoutingID: routingID, Status: current.Status}
	}

	rec.Status = status
	rec.Comments = comments
	rec.DecisionAt = &asOf

	rule, err := e.matrices.GetRule(ctx, tenantID, rec.RuleID)
	if err != nil {
		return nil, fmt.Errorf("failed to load rule for aggregation: %w", err)
	}
	all, err := e.store.ListInvocation(ctx, tenantID, rec.EntityType, rec.EntityID, rec.RuleID)
	if err != nil {
		return nil, err
	}
	outcome := Aggregate(rule.ApprovalMode, rule.ApprovalPercentage, all)

	if rule.ApprovalMode == contracts.ModeSequential && status == contracts.RoutingApproved && outcome == contracts.OutcomePending {
		if err := e.activateNext(ctx, tenantID, all, asOf); err != nil {
			return nil, err
		}
	}

	_ = e.notifier.Notify(ctx, notify.Event{
		Type:       notify.EventDecided,
		TenantID:   tenantID,
		Record:     rec,
		EntityType: rec.EntityType,
		EntityID:   rec.EntityID,
		RuleID:     rec.RuleID,
		Outcome:    outcome,
		At:         asOf,
	})
	_ = e.auditor.Record(ctx, audit.EventDecision, "routing.decide", routingID, map[string]any{
		"decision": string(decision), "outcome": string(outcome), "entity_id": rec.EntityID,
	})
	e.logger.InfoContext(ctx, "decision recorded",
		"tenant_id", tenantID, "routing_id", routingID, "status", string(status), "outcome", string(outcome))

	return &DecideResult{Record: rec, Outcome: outcome}, nil
}

// activateNext flips the next pending record of a SEQUENTIAL invocation to
// actionable and emits its decision request.
func (e *Engine) activateNext(ctx context.Context, tenantID string, records []*contracts.RoutingRecord, asOf time.Time) error {
	pending := make([]*contracts.RoutingRecord, 0, len(records))
	for _, r := range records {
		if r.Status == contracts.RoutingPending && !r.Actionable {
			pending = append(pending, r)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].Order < pending[j].Order })

	next := pending[0]
	if err := e.store.SetActionable(ctx, tenantID, next.ID, true); err != nil {
		return fmt.Errorf("failed to activate next approver: %w", err)
	}
	next.Actionable = true
	_ = e.notifier.Notify(ctx, notify.Event{
		Type:       notify.EventDecisionRequested,
		TenantID:   tenantID,
		Record:     next,
		EntityType: next.EntityType,
		EntityID:   next.EntityID,
		RuleID:     next.RuleID,
		At:         asOf,
	})
	return nil
}

// CheckEscalation sweeps pending records past their due time and emits one
// escalation notification per eligible record. Escalation is informational:
// it never approves or rejects. The conditional MarkEscalated makes the
// sweep safe to run concurrently with Decide: a record that leaves PENDING
// between the read and the write is not escalated.
func (e *Engine) CheckEscalation(ctx context.Context, asOf time.Time) ([]Escalated, error) {
	overdue, err := e.store.PendingPastDue(ctx, asOf)
	if err != nil {
		return nil, err
	}

	rules := make(map[string]*contracts.ApprovalMatrixRule)
	var out []Escalated

	for _, rec := range overdue {
		rule, ok := rules[rec.RuleID]
		if !ok {
			rule, err = e.matrices.GetRule(ctx, rec.TenantID, rec.RuleID)
			if err != nil {
				e.logger.WarnContext(ctx, "skipping escalation for unknown rule",
					"rule_id", rec.RuleID, "routing_id", rec.ID, "error", err)
				continue
			}
			rules[rec.RuleID] = rule
		}
		esc := rule.Escalation
		if esc == nil || rec.EscalationCount >= esc.MaxEscalations {
			continue
		}
		if rec.LastEscalatedAt != nil {
			next := rec.LastEscalatedAt.Add(time.Duration(esc.EscalateAfterHours) * time.Hour)
			if asOf.Before(next) {
				continue
			}
		}

		ok, err := e.store.MarkEscalated(ctx, rec.TenantID, rec.ID, asOf)
		if err != nil {
			return out, fmt.Errorf("failed to mark escalation: %w", err)
		}
		if !ok {
			// Decided since the sweep read it; do not escalate.
			continue
		}
		count := rec.EscalationCount + 1

		_ = e.notifier.Notify(ctx, notify.Event{
			Type:            notify.EventEscalated,
			TenantID:        rec.TenantID,
			Record:          rec,
			EntityType:      rec.EntityType,
			EntityID:        rec.EntityID,
			RuleID:          rec.RuleID,
			EscalationCount: count,
			At:              asOf,
		})
		_ = e.auditor.Record(ctx, audit.EventEscalation, "routing.escalate", rec.ID, map[string]any{
			"escalation_count": count, "entity_id": rec.EntityID,
		})
		out = append(out, Escalated{Record: rec, Count: count})
	}

	return out, nil
}

// Outcome recomputes the aggregate outcome for one (entity, rule)
// invocation. Read-only.
func (e *Engine) Outcome(ctx context.Context, tenantID, entityType, entityID, ruleID string) (contracts.RuleOutcome, error) {
	rule, err := e.matrices.GetRule(ctx, tenantID, ruleID)
	if err != nil {
		return "", err
	}
	records, err := e.store.ListInvocation(ctx, tenantID, entityType, entityID, ruleID)
	if err != nil {
		return "", err
	}
	return Aggregate(rule.ApprovalMode, rule.ApprovalPercentage, records), nil
}
