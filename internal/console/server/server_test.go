package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/audit"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/console/handler"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/console/service"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/domain"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/infra/auth"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/quarantine"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/repository/postgres"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type fakeUsers struct{ user *domain.User }

func (f *fakeUsers) GetUserByUsername(_ context.Context, username string) (*domain.User, error) {
	if f.user == nil || f.user.Username != username {
		return nil, domain.ErrNotFound
	}
	return f.user, nil
}

type fakeLifecycle struct{ calls []string }

func (f *fakeLifecycle) Register(_ context.Context, a *domain.Agent) error {
	a.ID = "agent-new"
	f.calls = append(f.calls, "register")
	return nil
}
func (f *fakeLifecycle) Validate(_ context.Context, id string) error {
	f.calls = append(f.calls, "validate:"+id)
	return nil
}
func (f *fakeLifecycle) Allocate(_ context.Context, id string) error {
	f.calls = append(f.calls, "allocate:"+id)
	return nil
}
func (f *fakeLifecycle) ReportStartup(_ context.Context, id string, ok bool, _ string) error {
	f.calls = append(f.calls, "startup:"+id)
	return nil
}
func (f *fakeLifecycle) Drain(_ context.Context, id string) error   { return nil }
func (f *fakeLifecycle) Stop(_ context.Context, id, _ string) error { return nil }
func (f *fakeLifecycle) Restart(_ context.Context, id string) error { return nil }
func (f *fakeLifecycle) Retire(_ context.Context, id string) error {
	// Терминальный переход разрешен только из stopped
	return &domain.StateTransitionError{Entity: "agent", From: "healthy", To: "retired"}
}
func (f *fakeLifecycle) Heartbeat(_ context.Context, id string) error { return nil }
func (f *fakeLifecycle) ConfigureTimers(_ context.Context, id string, _ *domain.TimerOverrides) error {
	f.calls = append(f.calls, "timers:"+id)
	return nil
}
func (f *fakeLifecycle) Transition(_ context.Context, id string, to domain.AgentState, _ string) error {
	f.calls = append(f.calls, "transition:"+id+"->"+string(to))
	return nil
}

type fakeAgentReader struct{}

func (fakeAgentReader) GetAgent(_ context.Context, id string) (*domain.Agent, error) {
	if id == "agent-known" {
		return &domain.Agent{ID: id, State: domain.AgentDraining}, nil
	}
	return nil, domain.ErrNotFound
}
func (fakeAgentReader) ListAgents(_ context.Context) ([]*domain.Agent, error) { return nil, nil }
func (fakeAgentReader) ListAgentsByState(_ context.Context, _ domain.AgentState) ([]*domain.Agent, error) {
	return nil, nil
}

type fakeRouter struct{ submitted *domain.RunRequest }

func (f *fakeRouter) Submit(_ context.Context, req domain.RunRequest) (*domain.Run, bool, error) {
	f.submitted = &req
	return &domain.Run{ID: "run-1", State: domain.RunPending, ActorID: req.ActorID}, false, nil
}

type fakeRunOps struct{ cancelled string }

func (f *fakeRunOps) Cancel(_ context.Context, runID, actorID string) error {
	f.cancelled = runID + " by " + actorID
	return nil
}
func (f *fakeRunOps) Resume(_ context.Context, _ string, _ json.RawMessage) error { return nil }
func (f *fakeRunOps) ConfigureSLA(_ context.Context, _ string, _ *domain.SLASpec) error {
	return nil
}

type fakeRunReader struct{}

func (fakeRunReader) GetRun(_ context.Context, _ string) (*domain.Run, error) {
	return nil, domain.ErrNotFound
}
func (fakeRunReader) ListRunsByState(_ context.Context, _ domain.RunState, _ int) ([]*domain.Run, error) {
	return nil, nil
}

type fakeRedriver struct{}

func (fakeRedriver) Redrive(_ context.Context, _, _ string) error { return nil }

type fakeDecider struct {
	approvalID string
	status     domain.ApprovalStatus
	reviewer   string
}

func (f *fakeDecider) HandleDecision(_ context.Context, id string, status domain.ApprovalStatus, reviewerID, _ *string) error {
	f.approvalID, f.status = id, status
	if reviewerID != nil {
		f.reviewer = *reviewerID
	}
	return nil
}

type fakeApprovalReader struct{}

func (fakeApprovalReader) GetApproval(_ context.Context, _ string) (*domain.ApprovalRequest, error) {
	return nil, domain.ErrNotFound
}
func (fakeApprovalReader) ListPendingApprovals(_ context.Context, _ int) ([]*domain.ApprovalRequest, error) {
	return nil, nil
}

type fakeRuleRepo struct {
	rules map[string]*domain.RoutingRule
}

func (f *fakeRuleRepo) GetRoutingRule(_ context.Context, id string) (*domain.RoutingRule, error) {
	r, ok := f.rules[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return r, nil
}
func (f *fakeRuleRepo) ListRoutingRules(_ context.Context) ([]*domain.RoutingRule, error) {
	return nil, nil
}
func (f *fakeRuleRepo) CreateRoutingRule(_ context.Context, rule *domain.RoutingRule) error {
	f.rules[rule.ID] = rule
	return nil
}
func (f *fakeRuleRepo) UpdateRoutingRule(_ context.Context, rule *domain.RoutingRule) error {
	f.rules[rule.ID] = rule
	return nil
}
func (f *fakeRuleRepo) DeleteRoutingRule(_ context.Context, id string) error {
	delete(f.rules, id)
	return nil
}

type fakeTriage struct {
	reenabled string
	evidence  []string
}

func (f *fakeTriage) Isolate(_ context.Context, _ string, _ domain.QuarantineTrigger, _, _ string, _ domain.Severity) error {
	return nil
}
func (f *fakeTriage) AttachEvidence(_ context.Context, _ string, attachments []string) error {
	f.evidence = append(f.evidence, attachments...)
	return nil
}
func (f *fakeTriage) UpdateChecklist(_ context.Context, _ string, _ domain.ReenableChecklist) error {
	return nil
}
func (f *fakeTriage) Reenable(_ context.Context, id, operator string, _ bool) error {
	if f.reenabled != "" {
		return quarantine.ErrNotActive
	}
	if id == "q-incomplete" {
		return quarantine.ErrChecklistIncomplete
	}
	f.reenabled = id + " by " + operator
	return nil
}
func (f *fakeTriage) RollbackCanary(_ context.Context, _, _ string) error { return nil }

type fakeQuarantineReader struct{}

func (fakeQuarantineReader) GetQuarantine(_ context.Context, _ string) (*domain.QuarantineRecord, error) {
	return nil, domain.ErrNotFound
}
func (fakeQuarantineReader) ListQuarantines(_ context.Context, _ bool, _ int) ([]*domain.QuarantineRecord, error) {
	return nil, nil
}

type fakeAudit struct{}

func (fakeAudit) QueryAudit(_ context.Context, _ postgres.AuditFilter) ([]audit.Entry, error) {
	return nil, nil
}

type fakeStats struct{}

func (fakeStats) DashboardStats(_ context.Context) (*domain.GlobalStats, error) {
	return &domain.GlobalStats{PendingApprovals: 2, GeneratedAt: time.Now()}, nil
}

type consoleFixture struct {
	srv     *ConsoleServer
	lc      *fakeLifecycle
	rt      *fakeRouter
	decider *fakeDecider
	triage  *fakeTriage
}

func newConsoleFixture(t *testing.T) *consoleFixture {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	validator := auth.NewRS256Validator(&key.PublicKey)

	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)
	users := &fakeUsers{user: &domain.User{
		ID:           "op-1",
		Username:     "operator",
		PasswordHash: string(hash),
		Scopes:       map[string]bool{"operator": true},
	}}
	authSvc := service.NewAuthService(users, validator, key, time.Hour)

	lc := &fakeLifecycle{}
	rt := &fakeRouter{}
	decider := &fakeDecider{}
	triage := &fakeTriage{}
	logger := zap.NewNop()

	srv := NewConsoleServer(logger, authSvc, Handlers{
		Auth:        handler.NewAuthHandler(authSvc),
		Transitions: handler.NewTransitionHandler(lc, fakeAgentReader{}),
		Agents:      handler.NewAgentHandler(lc, fakeAgentReader{}),
		Runs:        handler.NewRunHandler(rt, &fakeRunOps{}, fakeRunReader{}, fakeRedriver{}),
		Approvals:   handler.NewApprovalHandler(decider, fakeApprovalReader{}),
		Rules:       handler.NewRuleHandler(service.NewRuleService(&fakeRuleRepo{rules: map[string]*domain.RoutingRule{}}, nil, logger)),
		Quarantine:  handler.NewQuarantineHandler(triage, fakeQuarantineReader{}),
		Audit:       handler.NewAuditHandler(fakeAudit{}),
		Dashboard:   handler.NewDashboardHandler(fakeStats{}),
	})
	return &consoleFixture{srv: srv, lc: lc, rt: rt, decider: decider, triage: triage}
}

func (f *consoleFixture) login(t *testing.T) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/auth/token",
		`{"username":"operator","password":"secret"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp domain.TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.AccessToken)
	return resp.AccessToken
}

func (f *consoleFixture) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func TestConsole_AuthPerimeter(t *testing.T) {
	f := newConsoleFixture(t)

	// Без токена защищенный периметр закрыт
	rec := f.do(t, http.MethodGet, "/v1/agents", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Health открыт всем
	rec = f.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	// Неверный пароль не выдает токен и не уточняет причину
	rec = f.do(t, http.MethodPost, "/auth/token",
		`{"username":"operator","password":"wrong"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token := f.login(t)
	rec = f.do(t, http.MethodGet, "/v1/agents", "", token)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String(), "empty list must be [], not null")
}

func TestConsole_SubmitRunUsesOperatorIdentity(t *testing.T) {
	f := newConsoleFixture(t)
	token := f.login(t)

	rec := f.do(t, http.MethodPost, "/v1/runs",
		`{"work_def_id":"wd-1","capability":"billing.charge","work_type":"billing"}`, token)
	require.Equal(t, http.StatusCreated, rec.Code)

	// ActorID не пришел в запросе — берется из токена
	require.NotNil(t, f.rt.submitted)
	assert.Equal(t, "op-1", f.rt.submitted.ActorID)
}

func TestConsole_DecisionCarriesReviewerFromToken(t *testing.T) {
	f := newConsoleFixture(t)
	token := f.login(t)

	rec := f.do(t, http.MethodPost, "/v1/approvals/appr-1/decide",
		`{"approved":true,"comment":"looks fine"}`, token)
	require.Equal(t, http.StatusNoContent, rec.Code)

	assert.Equal(t, "appr-1", f.decider.approvalID)
	assert.Equal(t, domain.ApprovalApproved, f.decider.status)
	assert.Equal(t, "op-1", f.decider.reviewer)
}

func TestConsole_ErrorMapping(t *testing.T) {
	f := newConsoleFixture(t)
	token := f.login(t)

	// Неизвестный ран — 404
	rec := f.do(t, http.MethodGet, "/v1/runs/missing", "", token)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Нелегальный FSM-переход — 409
	rec = f.do(t, http.MethodPost, "/v1/agents/agent-1/retire", "", token)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Неполный чеклист — 422
	rec = f.do(t, http.MethodPost, "/v1/quarantines/q-incomplete/reenable", `{}`, token)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// Успешный re-enable, повторный — 409
	rec = f.do(t, http.MethodPost, "/v1/quarantines/q-1/reenable", `{"canary":true}`, token)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "q-1 by op-1", f.triage.reenabled)

	rec = f.do(t, http.MethodPost, "/v1/quarantines/q-1/reenable", `{}`, token)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestConsole_AgentLifecycleRoutes(t *testing.T) {
	f := newConsoleFixture(t)
	token := f.login(t)

	rec := f.do(t, http.MethodPost, "/v1/agents",
		`{"name":"worker-1","type":"worker","capabilities":["billing.charge"]}`, token)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/agents/agent-new/validate", "", token)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodPost, "/v1/agents/agent-new/allocate", "", token)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodPost, "/v1/agents/agent-new/startup", `{"ok":true}`, token)
	require.Equal(t, http.StatusNoContent, rec.Code)

	assert.Equal(t, []string{"register", "validate:agent-new", "allocate:agent-new", "startup:agent-new"}, f.lc.calls)
}

func TestConsole_TransitionEndpoint(t *testing.T) {
	f := newConsoleFixture(t)
	token := f.login(t)

	// Без entity_id или event — 400
	rec := f.do(t, http.MethodPost, "/v1/transitions", `{"event":"draining"}`, token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/transitions",
		`{"entity_id":"agent-known","event":"draining"}`, token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, f.lc.calls, "transition:agent-known->draining")

	var resp struct {
		EntityID string `json:"entity_id"`
		State    string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "agent-known", resp.EntityID)
	assert.Equal(t, "draining", resp.State)
}

func TestConsole_EvidenceAndTimers(t *testing.T) {
	f := newConsoleFixture(t)
	token := f.login(t)

	// Пустой список вложений — 400
	rec := f.do(t, http.MethodPost, "/v1/quarantines/q-1/evidence", `{"attachments":[]}`, token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/quarantines/q-1/evidence",
		`{"attachments":["s3://bucket/trace.json"]}`, token)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"s3://bucket/trace.json"}, f.triage.evidence)

	// Пустое тело сбрасывает переопределения таймеров
	rec = f.do(t, http.MethodPut, "/v1/agents/agent-known/timers", "", token)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Contains(t, f.lc.calls, "timers:agent-known")
}
