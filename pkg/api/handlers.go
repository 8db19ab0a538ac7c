package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dpxrk/pactwise-approvals/pkg/audit"
	"github.com/dpxrk/pactwise-approvals/pkg/auth"
	"github.com/dpxrk/pactwise-approvals/pkg/contracts"
	"github.com/dpxrk/pactwise-approvals/pkg/delegation"
	"github.com/dpxrk/pactwise-approvals/pkg/matrix"
	"github.com/dpxrk/pactwise-approvals/pkg/routing"
)

const maxBodyBytes = 1 << 20 // 1 MB

// Metrics receives domain-level counters from the handlers. Satisfied by
// observability.Provider; nil disables recording.
type Metrics interface {
	RecordResolution(ctx context.Context, matched bool)
	RecordDecision(ctx context.Context, decision string)
}

// Handlers wires the approval service's stores and engine to HTTP.
type Handlers struct {
	matrices    matrix.Store
	resolver    *matrix.Resolver
	delegations delegation.Store
	routings    routing.Store
	engine      *routing.Engine
	auditor     audit.Logger
	metrics     Metrics
	logger      *slog.Logger
	clock       func() time.Time
}

func NewHandlers(matrices matrix.Store, delegations delegation.Store, routings routing.Store, engine *routing.Engine, auditor audit.Logger) *Handlers {
	if auditor == nil {
		auditor = audit.Nop{}
	}
	return &Handlers{
		matrices:    matrices,
		resolver:    matrix.NewResolver(matrices),
		delegations: delegations,
		routings:    routings,
		engine:      engine,
		auditor:     auditor,
		logger:      slog.Default().With("component", "api"),
		clock:       time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (h *Handlers) WithClock(clock func() time.Time) *Handlers {
	h.clock = clock
	return h
}

// WithMetrics attaches a domain metrics sink.
func (h *Handlers) WithMetrics(m Metrics) *Handlers {
	h.metrics = m
	return h
}

func (h *Handlers) recordResolution(ctx context.Context, matched bool) {
	if h.metrics != nil {
		h.metrics.RecordResolution(ctx, matched)
	}
}

func (h *Handlers) recordDecision(ctx context.Context, decision string) {
	if h.metrics != nil {
		h.metrics.RecordDecision(ctx, decision)
	}
}

// Routes registers every endpoint on the given mux.
func (h *Handlers) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/readiness", h.handleHealth)
	mux.HandleFunc("/v1/matrices", h.handleMatrices)
	mux.HandleFunc("/v1/matrices/", h.handleMatrixSubtree)
	mux.HandleFunc("/v1/rules/", h.handleRule)
	mux.HandleFunc("/v1/delegations", h.handleDelegations)
	mux.HandleFunc("/v1/delegations/", h.handleDelegationByID)
	mux.HandleFunc("/v1/resolve", h.handleResolve)
	mux.HandleFunc("/v1/routing", h.handleRoutingList)
	mux.HandleFunc("/v1/routing/", h.handleRoutingSubtree)
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- matrices ---

func (h *Handlers) handleMatrices(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodPost:
		var m contracts.ApprovalMatrix
		if !h.decode(w, r, &m) {
			return
		}
		now := h.clock()
		m.ID = uuid.New().String()
		m.TenantID = tenantID
		m.CreatedAt = now
		m.UpdatedAt = now
		if m.Status == "" {
			m.Status = contracts.MatrixDraft
		}
		if p, err := auth.GetPrincipal(r.Context()); err == nil {
			m.CreatedBy = p.GetID()
		}
		if err := h.matrices.CreateMatrix(r.Context(), &m); err != nil {
			WriteDomainError(w, err)
			return
		}
		_ = h.auditor.Record(r.Context(), audit.EventAuthoring, "matrix.create", m.ID, nil)
		writeJSON(w, http.StatusCreated, &m)
	case http.MethodGet:
		matrices, err := h.matrices.ListMatrices(r.Context(), tenantID)
		if err != nil {
			WriteDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"matrices": matrices})
	default:
		WriteMethodNotAllowed(w)
	}
}

func (h *Handlers) handleMatrixSubtree(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/matrices/")
	parts := strings.Split(rest, "/")
	id := parts[0]
	if id == "" {
		WriteNotFound(w, "matrix id required")
		return
	}

	if len(parts) == 1 {
		h.handleMatrixByID(w, r, tenantID, id)
		return
	}
	switch parts[1] {
	case "activate":
		h.setMatrixStatus(w, r, tenantID, id, contracts.MatrixActive)
	case "deactivate":
		h.setMatrixStatus(w, r, tenantID, id, contracts.MatrixInactive)
	case "rules":
		h.handleMatrixRules(w, r, tenantID, id)
	default:
		WriteNotFound(w, "unknown matrix resource")
	}
}

func (h *Handlers) handleMatrixByID(w http.ResponseWriter, r *http.Request, tenantID, id string) {
	switch r.Method {
	case http.MethodGet:
		m, err := h.matrices.GetMatrix(r.Context(), tenantID, id)
		if err != nil {
			WriteDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, m)
	case http.MethodPut:
		var m contracts.ApprovalMatrix
		if !h.decode(w, r, &m) {
			return
		}
		m.ID = id
		m.TenantID = tenantID
		m.UpdatedAt = h.clock()
		if err := h.matrices.UpdateMatrix(r.Context(), &m); err != nil {
			WriteDomainError(w, err)
			return
		}
		_ = h.auditor.Record(r.Context(), audit.EventAuthoring, "matrix.update", id, nil)
		writeJSON(w, http.StatusOK, &m)
	case http.MethodDelete:
		if err := h.matrices.DeleteMatrix(r.Context(), tenantID, id); err != nil {
			WriteDomainError(w, err)
			return
		}
		_ = h.auditor.Record(r.Context(), audit.EventAuthoring, "matrix.delete", id, nil)
		w.WriteHeader(http.StatusNoContent)
	default:
		WriteMethodNotAllowed(w)
	}
}

func (h *Handlers) setMatrixStatus(w http.ResponseWriter, r *http.Request, tenantID, id string, status contracts.MatrixStatus) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	if err := h.matrices.SetStatus(r.Context(), tenantID, id, status); err != nil {
		WriteDomainError(w, err)
		return
	}
	_ = h.auditor.Record(r.Context(), audit.EventAuthoring, "matrix.status", id,
		map[string]any{"status": status})
	m, err := h.matrices.GetMatrix(r.Context(), tenantID, id)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handlers) handleMatrixRules(w http.ResponseWriter, r *http.Request, tenantID, matrixID string) {
	switch r.Method {
	case http.MethodPost:
		var rule contracts.ApprovalMatrixRule
		if !h.decode(w, r, &rule) {
			return
		}
		now := h.clock()
		rule.ID = uuid.New().String()
		rule.MatrixID = matrixID
		rule.CreatedAt = now
		rule.UpdatedAt = now
		if err := h.matrices.CreateRule(r.Context(), tenantID, &rule); err != nil {
			WriteDomainError(w, err)
			return
		}
		_ = h.auditor.Record(r.Context(), audit.EventAuthoring, "rule.create", rule.ID,
			map[string]any{"matrix_id": matrixID})
		writeJSON(w, http.StatusCreated, &rule)
	case http.MethodGet:
		rules, err := h.matrices.ListRules(r.Context(), tenantID, matrixID)
		if err != nil {
			WriteDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
	default:
		WriteMethodNotAllowed(w)
	}
}

// --- rules ---

func (h *Handlers) handleRule(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/rules/")
	if id == "" || strings.Contains(id, "/") {
		WriteNotFound(w, "rule id required")
		return
	}
	switch r.Method {
	case http.MethodGet:
		rule, err := h.matrices.GetRule(r.Context(), tenantID, id)
		if err != nil {
			WriteDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rule)
	case http.MethodPut:
		var rule contracts.ApprovalMatrixRule
		if !h.decode(w, r, &rule) {
			return
		}
		rule.ID = id
		rule.UpdatedAt = h.clock()
		if err := h.matrices.UpdateRule(r.Context(), tenantID, &rule); err != nil {
			WriteDomainError(w, err)
			return
		}
		_ = h.auditor.Record(r.Context(), audit.EventAuthoring, "rule.update", id, nil)
		writeJSON(w, http.StatusOK, &rule)
	case http.MethodDelete:
		if err := h.matrices.DeleteRule(r.Context(), tenantID, id); err != nil {
			WriteDomainError(w, err)
			return
		}
		_ = h.auditor.Record(r.Context(), audit.EventAuthoring, "rule.delete", id, nil)
		w.WriteHeader(http.StatusNoContent)
	default:
		WriteMethodNotAllowed(w)
	}
}

// --- delegations ---

func (h *Handlers) handleDelegations(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodPost:
		var d contracts.Delegation
		if !h.decode(w, r, &d) {
			return
		}
		d.ID = uuid.New().String()
		d.TenantID = tenantID
		d.IsActive = true
		d.CreatedAt = h.clock()
		if err := h.delegations.Create(r.Context(), &d); err != nil {
			WriteDomainError(w, err)
			return
		}
		_ = h.auditor.Record(r.Context(), audit.EventAuthoring, "delegation.create", d.ID,
			map[string]any{"delegator_id": d.DelegatorID, "delegate_id": d.DelegateID})
		writeJSON(w, http.StatusCreated, &d)
	case http.MethodGet:
		delegations, err := h.delegations.List(r.Context(), tenantID)
		if err != nil {
			WriteDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"delegations": delegations})
	default:
		WriteMethodNotAllowed(w)
	}
}

func (h *Handlers) handleDelegationByID(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/delegations/")
	if id == "" || strings.Contains(id, "/") {
		WriteNotFound(w, "delegation id required")
		return
	}
	if r.Method != http.MethodDelete {
		WriteMethodNotAllowed(w)
		return
	}
	if err := h.delegations.Deactivate(r.Context(), tenantID, id); err != nil {
		WriteDomainError(w, err)
		return
	}
	_ = h.auditor.Record(r.Context(), audit.EventAuthoring, "delegation.deactivate", id, nil)
	w.WriteHeader(http.StatusNoContent)
}

// --- resolution and routing ---

type resolveRequest struct {
	AppliesTo contracts.AppliesTo `json:"applies_to"`
	Entity    map[string]any      `json:"entity"`
}

func (h *Handlers) handleResolve(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	var req resolveRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.AppliesTo == "" {
		WriteBadRequest(w, "applies_to is required")
		return
	}
	res, err := h.resolver.Resolve(r.Context(), tenantID, req.AppliesTo, req.Entity)
	h.recordResolution(r.Context(), err == nil)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matrix": res.Matrix, "rule": res.Rule})
}

type openRequest struct {
	EntityType string              `json:"entity_type"`
	EntityID   string              `json:"entity_id"`
	AppliesTo  contracts.AppliesTo `json:"applies_to,omitempty"`
	Entity     map[string]any      `json:"entity"`
}

type decideRequest struct {
	Decision string `json:"decision"`
	Comments string `json:"comments,omitempty"`
}

func (h *Handlers) handleRoutingSubtree(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/routing/")

	if rest == "open" {
		h.handleRoutingOpen(w, r, tenantID)
		return
	}

	parts := strings.Split(rest, "/")
	id := parts[0]
	if id == "" {
		WriteNotFound(w, "routing id required")
		return
	}
	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			WriteMethodNotAllowed(w)
			return
		}
		record, err := h.routings.Get(r.Context(), tenantID, id)
		if err != nil {
			WriteDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, record)
		return
	}
	if parts[1] == "decide" {
		h.handleRoutingDecide(w, r, tenantID, id)
		return
	}
	WriteNotFound(w, "unknown routing resource")
}

func (h *Handlers) handleRoutingOpen(w http.ResponseWriter, r *http.Request, tenantID string) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	var req openRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.EntityType == "" || req.EntityID == "" {
		WriteBadRequest(w, "entity_type and entity_id are required")
		return
	}
	appliesTo := req.AppliesTo
	if appliesTo == "" {
		appliesTo = contracts.AppliesTo(req.EntityType)
	}
	res, err := h.resolver.Resolve(r.Context(), tenantID, appliesTo, req.Entity)
	h.recordResolution(r.Context(), err == nil)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	result, err := h.engine.Open(r.Context(), tenantID, req.EntityType, req.EntityID, res, req.Entity, h.clock())
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (h *Handlers) handleRoutingDecide(w http.ResponseWriter, r *http.Request, tenantID, routingID string) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	p, err := auth.GetPrincipal(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}
	var req decideRequest
	if !h.decode(w, r, &req) {
		return
	}
	decision := routing.Decision(req.Decision)
	if decision != routing.DecisionApprove && decision != routing.DecisionReject {
		WriteBadRequest(w, "decision must be \"approve\" or \"reject\"")
		return
	}
	result, err := h.engine.Decide(r.Context(), tenantID, routingID, p.GetID(), decision, req.Comments, h.clock())
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	h.recordDecision(r.Context(), req.Decision)
	writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) handleRoutingList(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	entityType, entityID := q.Get("entity_type"), q.Get("entity_id")
	if entityType == "" || entityID == "" {
		WriteBadRequest(w, "entity_type and entity_id query parameters are required")
		return
	}
	if ruleID := q.Get("rule_id"); ruleID != "" {
		records, err := h.routings.ListInvocation(r.Context(), tenantID, entityType, entityID, ruleID)
		if err != nil {
			WriteDomainError(w, err)
			return
		}
		outcome, err := h.engine.Outcome(r.Context(), tenantID, entityType, entityID, ruleID)
		if err != nil {
			WriteDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"records": records, "outcome": outcome})
		return
	}
	records, err := h.routings.ListByEntity(r.Context(), tenantID, entityType, entityID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

// --- helpers ---

func (h *Handlers) tenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID, err := auth.GetTenantID(r.Context())
	if err != nil || tenantID == "" {
		WriteUnauthorized(w, "tenant context required")
		return "", false
	}
	return tenantID, true
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteBadRequest(w, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
