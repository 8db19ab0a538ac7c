// Package notify defines the notification collaborator the routing engine
// emits decision-request and escalation events to. Delivery and retry are
// the notification service's responsibility, not this package's.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dpxrk/pactwise-approvals/pkg/contracts"
)

// EventType classifies a routing notification.
type EventType string

const (
	EventDecisionRequested EventType = "DECISION_REQUESTED"
	EventDecided           EventType = "DECIDED"
	EventEscalated         EventType = "ESCALATED"
	EventNotifyOnly        EventType = "NOTIFY_ONLY"
)

// Event is one routing notification.
type Event struct {
	Type            EventType                `json:"type"`
	TenantID        string                   `json:"tenant_id"`
	Record          *contracts.RoutingRecord `json:"record,omitempty"`
	EntityType      string                   `json:"entity_type,omitempty"`
	EntityID        string                   `json:"entity_id,omitempty"`
	RuleID          string                   `json:"rule_id,omitempty"`
	Outcome         contracts.RuleOutcome    `json:"outcome,omitempty"`
	EscalationCount int                      `json:"escalation_count,omitempty"`
	At              time.Time                `json:"at"`
}

// Notifier receives routing events.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// SlogNotifier logs events as structured records; the stand-in sink for
// deployments without a notification service wired.
type SlogNotifier struct {
	logger *slog.Logger
}

func NewSlogNotifier(logger *slog.Logger) *SlogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogNotifier{logger: logger.With("component", "notify")}
}

func (n *SlogNotifier) Notify(ctx context.Context, ev Event) error {
	attrs := []any{
		"type", string(ev.Type),
		"tenant_id", ev.TenantID,
		"entity_type", ev.EntityType,
		"entity_id", ev.EntityID,
		"rule_id", ev.RuleID,
	}
	if ev.Record != nil {
		attrs = append(attrs, "routing_id", ev.Record.ID, "approver_id", ev.Record.ApproverID)
	}
	if ev.Outcome != "" {
		attrs = append(attrs, "outcome", string(ev.Outcome))
	}
	n.logger.InfoContext(ctx, "routing notification", attrs...)
	return nil
}

// Recorder captures events for tests. Thread-safe.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Notify(ctx context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ByType filters recorded events.
func (r *Recorder) ByType(t EventType) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
