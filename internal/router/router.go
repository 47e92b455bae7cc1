package router

/*
Router связывает запрос на работу с агентом.

Алгоритм: правило (из кэша, по приоритету) → фильтр кандидатов (healthy,
свободный слот, способности, регион, бюджет, не в изоляции) → HITL-гейт,
если правило или риск-анализ его требуют → стратегия выбора → Assign.
Каждое решение аудируется: правило, список кандидатов, выбранный агент.

Гейт реализован как заявка на подтверждение: ран стоит в pending и не
держит слот, дедлайн гейта и ступени эскалации — персистентные таймеры.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/audit"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/domain"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/events"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/infra"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/timer"
	"go.uber.org/zap"
)

// AgentPool — источник кандидатов (реализуется postgres.Repo).
type AgentPool interface {
	ListAgentsByState(ctx context.Context, state domain.AgentState) ([]*domain.Agent, error)
}

// RunOps — операции Run Controller'а, которые дергает роутер.
type RunOps interface {
	Prepare(ctx context.Context, req domain.RunRequest) (*domain.Run, bool, error)
	Assign(ctx context.Context, runID, agentID string) error
	Dispatch(ctx context.Context, runID string) error
	Fail(ctx context.Context, runID string, serr *domain.StructuredError) error
}

// RunReader — чтение документов ранов (реализуется хранилищем).
type RunReader interface {
	GetRun(ctx context.Context, id string) (*domain.Run, error)
	ListRunsByState(ctx context.Context, state domain.RunState, limit int) ([]*domain.Run, error)
}

// ApprovalStore — персистентность HITL-заявок.
type ApprovalStore interface {
	CreateApproval(ctx context.Context, a *domain.ApprovalRequest) error
	UpdateApprovalStatus(ctx context.Context, id string, status domain.ApprovalStatus, reviewerID, comment *string) (string, error)
	ListPendingApprovals(ctx context.Context, limit int) ([]*domain.ApprovalRequest, error)
}

// IsolationFilter сообщает, изолирован ли агент. Привязывается после сборки
// (Quarantine Manager): изоляция должна убирать агента из пула мгновенно,
// не дожидаясь, пока CAS-переход доедет до Postgres.
type IsolationFilter interface {
	IsQuarantined(agentID string) bool
}

type Router struct {
	pool      AgentPool
	runs      RunOps
	reader    RunReader
	approvals ApprovalStore
	rules     *RuleCache
	risk      *RiskAnalyzer
	sel       *selector
	timers    timer.Scheduler
	trail     audit.Recorder
	bus       events.Bus
	rdb       *redis.Client // nil в тестах и single-node режиме
	logger    *zap.Logger

	filter IsolationFilter

	approvalTimeout time.Duration
}

func New(pool AgentPool, runOps RunOps, reader RunReader, approvals ApprovalStore,
	rules *RuleCache, timers timer.Scheduler, trail audit.Recorder, bus events.Bus,
	rdb *redis.Client, logger *zap.Logger) *Router {
	return &Router{
		pool:            pool,
		runs:            runOps,
		reader:          reader,
		approvals:       approvals,
		rules:           rules,
		risk:            NewRiskAnalyzer(logger),
		sel:             newSelector(),
		timers:          timers,
		trail:           trail,
		bus:             bus,
		rdb:             rdb,
		logger:          logger.Named("router"),
		approvalTimeout: 15 * time.Minute,
	}
}

// BindIsolationFilter подключает Quarantine Manager после сборки.
func (r *Router) BindIsolationFilter(f IsolationFilter) { r.filter = f }

// SetApprovalTimeout задает дефолтный дедлайн HITL-гейта (для ранов без SLA).
func (r *Router) SetApprovalTimeout(d time.Duration) {
	if d > 0 {
		r.approvalTimeout = d
	}
}

// RegisterTimerHandlers привязывает реакции роутера к движку таймеров.
// Перекрывает обработчик retry-таймера контроллера: по истечении бэкоффа
// ран не просто анонсируется, а сразу маршрутизируется заново.
func (r *Router) RegisterTimerHandlers(eng *timer.Engine) {
	eng.Register(domain.TimerRetry, func(ctx context.Context, t *domain.Timer) error {
		return r.Replace(ctx, t.EntityID)
	})
	eng.Register(domain.TimerApproval, r.gateExpired)
	eng.Register(domain.TimerEscalation, r.escalationStep)
}

// Submit — главный вход роутера: запрос превращается в ран и либо
// назначается агенту, либо встает на HITL-гейт, либо эскалируется.
// Второй результат — признак попадания в идемпотентный кэш.
func (r *Router) Submit(ctx context.Context, req domain.RunRequest) (*domain.Run, bool, error) {
	run, cached, err := r.runs.Prepare(ctx, req)
	if err != nil {
		return nil, false, err
	}
	if cached {
		return run, true, nil
	}

	rule := r.rules.Match(req.WorkType, req.Labels)
	if rule == nil {
		r.recordDecision(run.ID, "", nil, "", "no matching routing rule")
		if err := r.runs.Fail(ctx, run.ID, domain.Permanent("no_matching_rule",
			fmt.Sprintf("no routing rule matches work type %q", req.WorkType))); err != nil {
			return nil, false, err
		}
		return r.refresh(ctx, run)
	}

	if required, reason := r.risk.Required(rule, req.Input); required {
		if err := r.openGate(ctx, run, rule, reason); err != nil {
			return nil, false, err
		}
		return r.refresh(ctx, run)
	}

	if err := r.place(ctx, run, rule); err != nil {
		return nil, false, err
	}
	return r.refresh(ctx, run)
}

// Replace заново маршрутизирует существующий pending-ран: после бэкоффа,
// после потери владельца или по освобождению мощности.
func (r *Router) Replace(ctx context.Context, runID string) error {
	run, err := r.reader.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.State != domain.RunPending {
		return nil // Уже пристроен или завершен другим путем
	}

	rule := r.rules.Match(run.WorkType, run.Labels)
	if rule == nil {
		return r.runs.Fail(ctx, run.ID, domain.Permanent("no_matching_rule",
			fmt.Sprintf("no routing rule matches work type %q", run.WorkType)))
	}
	return r.place(ctx, run, rule)
}

// RouteBacklog пристраивает pending-раны, для которых раньше не нашлось
// кандидатов. Раны с ненулевой попыткой ждут своего retry-таймера, раны
// под открытым гейтом ждут решения оператора.
func (r *Router) RouteBacklog(ctx context.Context, limit int) error {
	pending, err := r.reader.ListRunsByState(ctx, domain.RunPending, limit)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	gated := make(map[string]bool)
	open, err := r.approvals.ListPendingApprovals(ctx, 1000)
	if err != nil {
		return err
	}
	for _, a := range open {
		gated[a.RunID] = true
	}

	for _, run := range pending {
		if run.Attempt > 0 || gated[run.ID] {
			continue
		}
		if err := r.Replace(ctx, run.ID); err != nil {
			r.logger.Error("backlog routing failed", zap.String("run_id", run.ID), zap.Error(err))
		}
	}
	return nil
}

// HandleDecision фиксирует решение оператора по HITL-заявке.
// Повторное решение по той же заявке отбивается атомарно (ErrAlreadyProcessed).
func (r *Router) HandleDecision(ctx context.Context, approvalID string, status domain.ApprovalStatus, reviewerID, comment *string) error {
	if status != domain.ApprovalApproved && status != domain.ApprovalRejected {
		return domain.ErrInvalidApprovalTransition
	}

	runID, err := r.approvals.UpdateApprovalStatus(ctx, approvalID, status, reviewerID, comment)
	if err != nil {
		return err
	}

	// Гейт закрыт — его дедлайн и лестница эскалации больше не нужны
	_ = r.timers.CancelForEntity(ctx, runID)

	r.trail.Record(audit.Entry{
		ID:       uuid.New().String(),
		Kind:     audit.KindApproval,
		EntityID: runID,
		ActorID:  strValue(reviewerID),
		Reason:   strValue(comment),
		Status:   string(status),
	})
	r.notifyDecision(ctx, runID, status)

	if status == domain.ApprovalRejected {
		return r.runs.Fail(ctx, runID, domain.Permanent("approval_rejected",
			"route rejected by "+strValue(reviewerID)))
	}
	return r.Replace(ctx, runID)
}

// AwaitDecision блокирует вызывающего до решения по гейту рана или таймаута.
// Пробуждение приходит по персональному Redis-каналу рана.
func (r *Router) AwaitDecision(ctx context.Context, runID string, timeout time.Duration) (domain.ApprovalStatus, error) {
	if r.rdb == nil {
		return "", errors.New("router: decision channel requires redis")
	}

	pubsub := r.rdb.Subscribe(ctx, infra.ApprovalDecisionChan(runID))
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return "", err
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(timeout):
		return "", fmt.Errorf("router: no decision for run %s within %v", runID, timeout)
	case msg := <-pubsub.Channel():
		return domain.ApprovalStatus(msg.Payload), nil
	}
}

// place: кандидаты → стратегия → Assign → Dispatch. Агент, отказавший
// по мощности, выбывает, выбор повторяется по оставшимся.
func (r *Router) place(ctx context.Context, run *domain.Run, rule *domain.RoutingRule) error {
	candidates, err := r.eligible(ctx, rule)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		r.recordDecision(run.ID, rule.ID, nil, "", domain.ErrNoCandidates.Error())
		return r.escalate(ctx, run, rule, domain.ErrNoCandidates.Error())
	}

	ids := agentIDs(candidates)
	for len(candidates) > 0 {
		chosen := r.sel.Pick(rule, candidates)

		err := r.runs.Assign(ctx, run.ID, chosen.ID)
		switch {
		case err == nil:
			// Ран пристроен — его лестница эскалации больше не нужна.
			// Гасим ступени поштучно: SLA-таймер рана должен пережить размещение
			r.cancelEscalation(ctx, run.ID, rule)
			r.recordDecision(run.ID, rule.ID, ids, chosen.ID, "")
			return r.runs.Dispatch(ctx, run.ID)
		case errors.Is(err, domain.ErrCapacity):
			// Слот увели между чтением и резервом — пробуем следующего
			candidates = without(candidates, chosen.ID)
		case errors.Is(err, domain.ErrLeaseDenied):
			// Скоуп занят другим раном: смена агента не поможет,
			// ран остается pending до освобождения скоупа
			r.recordDecision(run.ID, rule.ID, ids, "", "lease denied for scope")
			return nil
		default:
			return err
		}
	}

	r.recordDecision(run.ID, rule.ID, ids, "", "all candidates exhausted capacity")
	return r.escalate(ctx, run, rule, "all candidates exhausted capacity")
}

// eligible фильтрует пул по селекторам правила.
func (r *Router) eligible(ctx context.Context, rule *domain.RoutingRule) ([]*domain.Agent, error) {
	agents, err := r.pool.ListAgentsByState(ctx, domain.AgentHealthy)
	if err != nil {
		return nil, err
	}

	out := make([]*domain.Agent, 0, len(agents))
	for _, a := range agents {
		if !a.State.AcceptsAssignments() || a.Capacity.Free() <= 0 {
			continue
		}
		if rule.Region != "" && a.Region != rule.Region {
			continue
		}
		if rule.CostBudget > 0 && a.CostPerRun > rule.CostBudget {
			continue
		}
		if !hasAll(a, rule.RequiredCapabilities) {
			continue
		}
		// Изоляция действует мгновенно, даже если CAS-переход агента
		// в quarantined еще не доехал до хранилища
		if r.filter != nil && r.filter.IsQuarantined(a.ID) {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// openGate ставит ран на HITL-гейт: заявка + дедлайн + лестница эскалации.
func (r *Router) openGate(ctx context.Context, run *domain.Run, rule *domain.RoutingRule, reason string) error {
	timeout := rule.ApprovalTimeout
	if timeout <= 0 {
		timeout = r.approvalTimeout
	}
	now := time.Now()

	approval := &domain.ApprovalRequest{
		ID:         uuid.New().String(),
		RunID:      run.ID,
		Capability: run.Capability,
		Reason:     reason,
		Status:     domain.ApprovalPending,
		ExpiresAt:  now.Add(timeout),
	}
	if err := r.approvals.CreateApproval(ctx, approval); err != nil {
		return err
	}

	if err := r.timers.Schedule(ctx, &domain.Timer{
		ID:       "approval:" + run.ID,
		EntityID: run.ID,
		Kind:     domain.TimerApproval,
		Deadline: approval.ExpiresAt,
		Action:   approval.ID,
	}); err != nil {
		return err
	}
	if err := r.scheduleEscalation(ctx, run, rule, now); err != nil {
		return err
	}

	r.trail.Record(audit.Entry{
		ID:       uuid.New().String(),
		Kind:     audit.KindApproval,
		EntityID: run.ID,
		Reason:   reason,
		Status:   string(domain.ApprovalPending),
		Details:  map[string]interface{}{"approval_id": approval.ID, "rule_id": rule.ID},
	})
	payload, _ := json.Marshal(approval)
	_ = r.bus.Publish(ctx, domain.Event{
		Type:     domain.EventApprovalNeeded,
		EntityID: run.ID,
		Payload:  payload,
	})

	r.logger.Info("route gated for approval",
		zap.String("run_id", run.ID),
		zap.String("rule_id", rule.ID),
		zap.String("reason", reason))
	return nil
}

// escalate применяет лестницу эскалации правила. Без лестницы ран остается
// pending и будет пристроен циклом RouteBacklog, когда появится мощность.
func (r *Router) escalate(ctx context.Context, run *domain.Run, rule *domain.RoutingRule, reason string) error {
	if len(rule.Escalation) == 0 {
		r.logger.Warn("no candidates, run stays pending",
			zap.String("run_id", run.ID), zap.String("rule_id", rule.ID))
		return nil
	}
	return r.scheduleEscalation(ctx, run, rule, time.Now())
}

func (r *Router) scheduleEscalation(ctx context.Context, run *domain.Run, rule *domain.RoutingRule, from time.Time) error {
	for i, step := range rule.Escalation {
		t := &domain.Timer{
			ID:       fmt.Sprintf("esc:%s:%d", run.ID, i),
			EntityID: run.ID,
			Kind:     domain.TimerEscalation,
			Deadline: from.Add(step.After),
			Action:   step.Action + "|" + step.Target,
		}
		if err := r.timers.Schedule(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) cancelEscalation(ctx context.Context, runID string, rule *domain.RoutingRule) {
	for i := range rule.Escalation {
		if err := r.timers.Cancel(ctx, fmt.Sprintf("esc:%s:%d", runID, i)); err != nil {
			r.logger.Warn("failed to cancel escalation step",
				zap.String("run_id", runID), zap.Error(err))
		}
	}
}

// gateExpired — дедлайн HITL-гейта истек без решения: заявка помечается
// EXPIRED, ран завершается без повторов.
func (r *Router) gateExpired(ctx context.Context, t *domain.Timer) error {
	approvalID := t.Action
	runID, err := r.approvals.UpdateApprovalStatus(ctx, approvalID, domain.ApprovalExpired, nil, nil)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyProcessed) {
			return nil // Решение успело прийти раньше дедлайна
		}
		return err
	}

	r.trail.Record(audit.Entry{
		ID:       uuid.New().String(),
		Kind:     audit.KindApproval,
		EntityID: runID,
		Reason:   "approval gate deadline exceeded",
		Status:   string(domain.ApprovalExpired),
	})
	r.notifyDecision(ctx, runID, domain.ApprovalExpired)

	return r.runs.Fail(ctx, runID, domain.Permanent("approval_timeout",
		"no operator decision before gate deadline"))
}

// escalationStep — ступень лестницы: notify и escalate-role исчерпываются
// событием и аудитом, timeout завершает ран.
func (r *Router) escalationStep(ctx context.Context, t *domain.Timer) error {
	action, target, _ := strings.Cut(t.Action, "|")

	run, err := r.reader.GetRun(ctx, t.EntityID)
	if err != nil {
		return err
	}
	if run.State != domain.RunPending {
		return nil // Ран уже пристроен, ждет или завершен — лестница неактуальна
	}

	r.trail.Record(audit.Entry{
		ID:       uuid.New().String(),
		Kind:     audit.KindRoute,
		EntityID: run.ID,
		Reason:   "escalation step: " + action,
		Status:   "APPLIED",
		Details:  map[string]interface{}{"action": action, "target": target},
	})
	payload, _ := json.Marshal(map[string]string{"action": action, "target": target})
	_ = r.bus.Publish(ctx, domain.Event{
		Type:     domain.EventEscalation,
		EntityID: run.ID,
		Payload:  payload,
	})

	if action == "timeout" {
		return r.runs.Fail(ctx, run.ID, domain.Permanent("routing_timeout",
			"escalation ladder exhausted without placement"))
	}
	return nil
}

func (r *Router) notifyDecision(ctx context.Context, runID string, status domain.ApprovalStatus) {
	if r.rdb == nil {
		return
	}
	if err := r.rdb.Publish(ctx, infra.ApprovalDecisionChan(runID), string(status)).Err(); err != nil {
		r.logger.Warn("decision wakeup delivery failed",
			zap.String("run_id", runID), zap.Error(err))
	}
}

// recordDecision — аудируемый след решения: правило, кандидаты, выбранный.
func (r *Router) recordDecision(runID, ruleID string, candidates []string, chosenID, reason string) {
	status := "APPLIED"
	if chosenID == "" {
		status = "REJECTED"
	}
	r.trail.Record(audit.Entry{
		ID:       uuid.New().String(),
		Kind:     audit.KindRoute,
		EntityID: runID,
		Reason:   reason,
		Status:   status,
		Details: map[string]interface{}{
			"rule_id":    ruleID,
			"candidates": candidates,
			"chosen_id":  chosenID,
		},
	})
}

func (r *Router) refresh(ctx context.Context, run *domain.Run) (*domain.Run, bool, error) {
	fresh, err := r.reader.GetRun(ctx, run.ID)
	if err != nil {
		return nil, false, err
	}
	return fresh, false, nil
}

func hasAll(a *domain.Agent, caps []string) bool {
	for _, c := range caps {
		if !a.HasCapability(c) {
			return false
		}
	}
	return true
}

func agentIDs(agents []*domain.Agent) []string {
	ids := make([]string, len(agents))
	for i, a := range agents {
		ids[i] = a.ID
	}
	return ids
}

func without(agents []*domain.Agent, id string) []*domain.Agent {
	out := agents[:0]
	for _, a := range agents {
		if a.ID != id {
			out = append(out, a)
		}
	}
	return out
}

func strValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
