package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpxrk/pactwise-approvals/pkg/approver"
	"github.com/dpxrk/pactwise-approvals/pkg/contracts"
	"github.com/dpxrk/pactwise-approvals/pkg/delegation"
	"github.com/dpxrk/pactwise-approvals/pkg/directory"
	"github.com/dpxrk/pactwise-approvals/pkg/matrix"
	"github.com/dpxrk/pactwise-approvals/pkg/notify"
	"github.com/dpxrk/pactwise-approvals/pkg/routing"
)

var apiTime = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

// newTestServer wires memory stores behind the full handler plus the
// principal middleware, mirroring the production chain minus rate limiting.
func newTestServer(t *testing.T) http.Handler {
	t.Helper()

	matrices := matrix.NewMemoryStore().WithClock(func() time.Time { return apiTime })
	delegations := delegation.NewMemoryStore()
	routings := routing.NewMemoryStore()

	dir := directory.NewMemoryDirectory()
	dir.AddUser("tenant-1", directory.User{ID: "alice", Roles: []string{"finance_head"}})
	dir.AddUser("tenant-1", directory.User{ID: "bob", Roles: []string{"finance_head"}})

	engine := routing.NewEngine(routings, matrices, approver.NewResolver(dir, delegations), notify.NewRecorder(), nil).
		WithClock(func() time.Time { return apiTime })

	h := NewHandlers(matrices, delegations, routings, engine, nil).
		WithClock(func() time.Time { return apiTime })
	mux := http.NewServeMux()
	h.Routes(mux)
	return PrincipalMiddleware(mux)
}

func doJSON(t *testing.T, srv http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTenantID, "tenant-1")
	req.Header.Set(HeaderActorID, "alice")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), "body: %s", rec.Body.String())
}

// createActivePolicy authors a matrix with one high-value rule and
// activates it, returning the matrix and rule ids.
func createActivePolicy(t *testing.T, srv http.Handler) (string, string) {
	t.Helper()

	rec := doJSON(t, srv, http.MethodPost, "/v1/matrices", &contracts.ApprovalMatrix{
		Name:      "contract approvals",
		AppliesTo: contracts.AppliesContracts,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var m contracts.ApprovalMatrix
	decodeBody(t, rec, &m)
	assert.Equal(t, contracts.MatrixDraft, m.Status, "created matrices start as drafts")
	assert.Equal(t, "alice", m.CreatedBy)

	rec = doJSON(t, srv, http.MethodPost, "/v1/matrices/"+m.ID+"/rules", &contracts.ApprovalMatrixRule{
		Name: "high value contracts",
		Conditions: contracts.ConditionGroup{
			Logic: contracts.LogicAnd,
			Children: []contracts.ConditionNode{
				{Leaf: &contracts.Condition{Field: "value", Operator: contracts.OpGreaterThan, Value: 100000.0}},
			},
		},
		Action:       contracts.ActionRequireApproval,
		ApprovalMode: contracts.ModeAny,
		Approvers:    []contracts.Approver{{Type: contracts.ApproverRole, Value: "finance_head"}},
		IsActive:     true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var rule contracts.ApprovalMatrixRule
	decodeBody(t, rec, &rule)

	rec = doJSON(t, srv, http.MethodPost, "/v1/matrices/"+m.ID+"/activate", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var activated contracts.ApprovalMatrix
	decodeBody(t, rec, &activated)
	assert.Equal(t, contracts.MatrixActive, activated.Status)

	return m.ID, rule.ID
}

func TestApprovalLifecycle(t *testing.T) {
	srv := newTestServer(t)
	_, ruleID := createActivePolicy(t, srv)

	// Resolve alone is a dry run: it reports the match without routing.
	rec := doJSON(t, srv, http.MethodPost, "/v1/resolve", map[string]any{
		"applies_to": "contracts",
		"entity":     map[string]any{"value": 150000},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resolved struct {
		Rule contracts.ApprovalMatrixRule `json:"rule"`
	}
	decodeBody(t, rec, &resolved)
	assert.Equal(t, ruleID, resolved.Rule.ID)

	// Open routes to both finance heads.
	rec = doJSON(t, srv, http.MethodPost, "/v1/routing/open", map[string]any{
		"entity_type": "contracts",
		"entity_id":   "contract-1",
		"entity":      map[string]any{"value": 150000},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var opened routing.OpenResult
	decodeBody(t, rec, &opened)
	require.Len(t, opened.Records, 2)
	assert.Equal(t, contracts.OutcomePending, opened.Outcome)

	// A retried open replays the pending set with 200.
	rec = doJSON(t, srv, http.MethodPost, "/v1/routing/open", map[string]any{
		"entity_type": "contracts",
		"entity_id":   "contract-1",
		"entity":      map[string]any{"value": 150000},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var replayed routing.OpenResult
	decodeBody(t, rec, &replayed)
	assert.True(t, replayed.Replayed)

	// Alice approves her record; ANY mode settles the rule.
	var target *contracts.RoutingRecord
	for _, r := range opened.Records {
		if r.ApproverID == "alice" {
			target = r
		}
	}
	require.NotNil(t, target)
	rec = doJSON(t, srv, http.MethodPost, "/v1/routing/"+target.ID+"/decide", map[string]any{
		"decision": "approve",
		"comments": "within budget",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var decided routing.DecideResult
	decodeBody(t, rec, &decided)
	assert.Equal(t, contracts.OutcomeApproved, decided.Outcome)

	// The invocation view reports the aggregate outcome.
	rec = doJSON(t, srv, http.MethodGet,
		"/v1/routing?entity_type=contracts&entity_id=contract-1&rule_id="+ruleID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Outcome contracts.RuleOutcome `json:"outcome"`
	}
	decodeBody(t, rec, &listing)
	assert.Equal(t, contracts.OutcomeApproved, listing.Outcome)
}

func TestDecideErrorMapping(t *testing.T) {
	srv := newTestServer(t)
	createActivePolicy(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/v1/routing/open", map[string]any{
		"entity_type": "contracts",
		"entity_id":   "contract-2",
		"entity":      map[string]any{"value": 200000},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var opened routing.OpenResult
	decodeBody(t, rec, &opened)
	var aliceRec, bobRec *contracts.RoutingRecord
	for _, r := range opened.Records {
		if r.ApproverID == "alice" {
			aliceRec = r
		} else {
			bobRec = r
		}
	}
	require.NotNil(t, aliceRec)
	require.NotNil(t, bobRec)

	// Acting on someone else's record is forbidden.
	rec = doJSON(t, srv, http.MethodPost, "/v1/routing/"+bobRec.ID+"/decide",
		map[string]any{"decision": "approve"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// An unknown verdict is a bad request.
	rec = doJSON(t, srv, http.MethodPost, "/v1/routing/"+aliceRec.ID+"/decide",
		map[string]any{"decision": "maybe"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// A second decision conflicts.
	rec = doJSON(t, srv, http.MethodPost, "/v1/routing/"+aliceRec.ID+"/decide",
		map[string]any{"decision": "approve"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, srv, http.MethodPost, "/v1/routing/"+aliceRec.ID+"/decide",
		map[string]any{"decision": "reject"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	var problem ProblemDetail
	decodeBody(t, rec, &problem)
	assert.Equal(t, http.StatusConflict, problem.Status)
	assert.NotEmpty(t, problem.Detail)
}

func TestOpenWithoutPolicyIsNotFound(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/routing/open", map[string]any{
		"entity_type": "contracts",
		"entity_id":   "contract-1",
		"entity":      map[string]any{"value": 150000},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOpenUnresolvedApproverIsUnprocessable(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/matrices", &contracts.ApprovalMatrix{
		Name:      "orphan role",
		AppliesTo: contracts.AppliesContracts,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var m contracts.ApprovalMatrix
	decodeBody(t, rec, &m)

	rec = doJSON(t, srv, http.MethodPost, "/v1/matrices/"+m.ID+"/rules", &contracts.ApprovalMatrixRule{
		Name:         "nobody holds this role",
		Action:       contracts.ActionRequireApproval,
		ApprovalMode: contracts.ModeAny,
		Approvers:    []contracts.Approver{{Type: contracts.ApproverRole, Value: "cfo"}},
		IsActive:     true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = doJSON(t, srv, http.MethodPost, "/v1/matrices/"+m.ID+"/activate", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/v1/routing/open", map[string]any{
		"entity_type": "contracts",
		"entity_id":   "contract-1",
		"entity":      map[string]any{},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestMatrixValidationProblem(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/matrices", &contracts.ApprovalMatrix{
		Name:      "bad scope",
		AppliesTo: contracts.AppliesTo("invoices"),
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var problem ProblemDetail
	decodeBody(t, rec, &problem)
	require.NotEmpty(t, problem.Issues)
	assert.Equal(t, "applies_to", problem.Issues[0].Field)
}

func TestDelegationEndpoints(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/delegations", &contracts.Delegation{
		DelegatorID: "alice",
		DelegateID:  "bob",
		AppliesTo:   contracts.AppliesContracts,
		StartDate:   apiTime,
		EndDate:     apiTime.AddDate(0, 0, 14),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var d contracts.Delegation
	decodeBody(t, rec, &d)
	assert.True(t, d.IsActive)
	assert.Equal(t, "tenant-1", d.TenantID)

	rec = doJSON(t, srv, http.MethodDelete, "/v1/delegations/"+d.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// Self-delegation is rejected at create time.
	rec = doJSON(t, srv, http.MethodPost, "/v1/delegations", &contracts.Delegation{
		DelegatorID: "alice",
		DelegateID:  "alice",
		AppliesTo:   contracts.AppliesContracts,
		StartDate:   apiTime,
		EndDate:     apiTime.AddDate(0, 0, 14),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTenantHeaderRequired(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/matrices", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	// Health stays public.
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTenantIsolationOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	matrixID, _ := createActivePolicy(t, srv)

	req := httptest.NewRequest(http.MethodGet, "/v1/matrices/"+matrixID, nil)
	req.Header.Set(HeaderTenantID, "tenant-2")
	req.Header.Set(HeaderActorID, "mallory")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodDelete, "/v1/matrices", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/v1/routing/open", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
