package runs

/*
Run Controller — единственный писатель документов ранов.

Конкурентная дисциплина в два слоя:
 - страйп-локи по ID рана сериализуют мутации одного рана внутри процесса;
 - CAS-версия документа отсекает гонки между процессами.
Слот агента резервируется условным UPDATE до перехода pending -> running
и возвращается в пул на каждом выходе из running (терминал, ожидание, повтор).

Аренда скоупа (ключ идемпотентности + опциональный mutex) держится только
пока ран реально исполняется: ожидание не держит ни слот, ни аренду.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/audit"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/domain"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/events"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/lease"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/timer"
	"go.uber.org/zap"
)

const lockStripes = 64

// Store — персистентность ранов и счетчиков слотов (реализуется postgres.Repo).
type Store interface {
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, id string) (*domain.Run, error)
	UpdateRunCAS(ctx context.Context, run *domain.Run) error
	FindSucceededByIdempotencyKey(ctx context.Context, key string) (*domain.Run, error)
	ListActiveRunsByAgent(ctx context.Context, agentID string) ([]*domain.Run, error)
	ListRunsByState(ctx context.Context, state domain.RunState, limit int) ([]*domain.Run, error)
	ExpiredWaits(ctx context.Context, now time.Time, limit int) ([]*domain.Run, error)

	ReserveCapacity(ctx context.Context, agentID string) (bool, error)
	ReleaseCapacity(ctx context.Context, agentID string) error
}

// DrainNotifier — обратная связь с Lifecycle Controller'ом: последний ран
// drain-агента завершился.
type DrainNotifier interface {
	DrainComplete(ctx context.Context, agentID string) error
}

// Compensator запускает откат саги для рана с планом компенсаций.
type Compensator interface {
	Compensate(ctx context.Context, runID string) error
}

// Isolator — вход в карантинный воркфлоу. Policy-отказ исполнителя означает
// нарушение политики безопасности: агент-нарушитель изолируется, ран не повторяется.
type Isolator interface {
	Isolate(ctx context.Context, agentID string, trigger domain.QuarantineTrigger, ruleID, description string, severity domain.Severity) error
}

type Options struct {
	Backoff     domain.BackoffSpec
	LeaseTTL    time.Duration
	MaxAttempts int
}

type Controller struct {
	store    Store
	executor Provider
	leases   lease.Manager
	timers   timer.Scheduler
	bus      events.Bus
	trail    audit.Recorder
	logger   *zap.Logger

	notifier    DrainNotifier
	compensator Compensator
	isolator    Isolator

	backoff     domain.BackoffSpec
	leaseTTL    time.Duration
	maxAttempts int

	stripes [lockStripes]sync.Mutex
	rndMu   sync.Mutex
	rnd     *rand.Rand
}

func NewController(store Store, executor Provider, leases lease.Manager, timers timer.Scheduler, bus events.Bus, trail audit.Recorder, logger *zap.Logger, opts Options) *Controller {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 30 * time.Second
	}
	return &Controller{
		store:       store,
		executor:    executor,
		leases:      leases,
		timers:      timers,
		bus:         bus,
		trail:       trail,
		logger:      logger.Named("runs"),
		backoff:     opts.Backoff,
		leaseTTL:    opts.LeaseTTL,
		maxAttempts: opts.MaxAttempts,
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// BindDrainNotifier подключает Lifecycle Controller после сборки.
func (c *Controller) BindDrainNotifier(n DrainNotifier) { c.notifier = n }

// BindCompensator подключает Saga Coordinator после сборки.
func (c *Controller) BindCompensator(comp Compensator) { c.compensator = comp }

// BindIsolator подключает Quarantine Manager после сборки.
func (c *Controller) BindIsolator(i Isolator) { c.isolator = i }

// RegisterTimerHandlers привязывает реакции контроллера к движку таймеров.
func (c *Controller) RegisterTimerHandlers(eng *timer.Engine) {
	eng.Register(domain.TimerSLA, c.HandleSLABreach)
	eng.Register(domain.TimerWait, func(ctx context.Context, t *domain.Timer) error {
		return c.WaitTimedOut(ctx, t.EntityID)
	})
	eng.Register(domain.TimerRetry, func(ctx context.Context, t *domain.Timer) error {
		// Пауза повтора истекла: ран уже стоит в pending, сообщаем роутеру
		_ = c.bus.Publish(ctx, domain.Event{
			Type:     domain.EventRunTransition,
			EntityID: t.EntityID,
			Payload:  json.RawMessage(`{"from":"pending","to":"pending","reason":"retry due"}`),
		})
		return nil
	})
}

// Prepare превращает запрос в документ рана. Для идемпотентных запросов
// сначала ищется закэшированный результат: повторный запрос с тем же ключом
// не исполняется заново.
func (c *Controller) Prepare(ctx context.Context, req domain.RunRequest) (*domain.Run, bool, error) {
	key := lease.IdempotencyKey(req.WorkDefID, req.ActorID, req.Input)

	if req.Idempotent {
		cached, err := c.store.FindSucceededByIdempotencyKey(ctx, key)
		if err != nil {
			return nil, false, err
		}
		if cached != nil {
			c.logger.Info("idempotency cache hit",
				zap.String("run_id", cached.ID),
				zap.String("key", key))
			return cached, true, nil
		}
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = c.maxAttempts
	}
	mutexScope := ""
	if req.MutexScope != "" {
		mutexScope = lease.MutexScope(req.MutexScope)
	}

	run := &domain.Run{
		ID:             uuid.New().String(),
		WorkDefID:      req.WorkDefID,
		ActorID:        req.ActorID,
		IdempotencyKey: key,
		MutexScope:     mutexScope,
		Capability:     req.Capability,
		WorkType:       req.WorkType,
		Input:          req.Input,
		Labels:         req.Labels,
		Priority:       req.Priority,
		State:          domain.RunPending,
		MaxAttempts:    maxAttempts,
		Idempotent:     req.Idempotent,
		SLA:            req.SLA,
		Plan:           req.Plan,
		QueuedAt:       time.Now(),
	}
	if err := c.store.CreateRun(ctx, run); err != nil {
		return nil, false, err
	}
	return run, false, nil
}

// Assign связывает pending-ран с агентом: аренда скоупов, резерв слота,
// переход в running. Любой отказ откатывает уже взятые ресурсы.
func (c *Controller) Assign(ctx context.Context, runID, agentID string) error {
	unlock := c.lock(runID)
	defer unlock()

	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if err := run.State.CanTransition(domain.RunRunning); err != nil {
		return err
	}

	// Аренда ключа идемпотентности: ровно один ран с этим ключом исполняется
	granted, err := c.leases.Acquire(ctx, run.IdempotencyKey, run.ID, c.leaseTTL)
	if err != nil {
		return err
	}
	if !granted {
		c.recordLeaseDenied(run, run.IdempotencyKey)
		return domain.ErrLeaseDenied
	}

	// Опциональный mutex-скоуп поверх
	if run.MutexScope != "" {
		granted, err = c.leases.Acquire(ctx, run.MutexScope, run.ID, c.leaseTTL)
		if err != nil || !granted {
			_ = c.leases.Release(ctx, run.IdempotencyKey, run.ID)
			if err != nil {
				return err
			}
			c.recordLeaseDenied(run, run.MutexScope)
			return domain.ErrLeaseDenied
		}
	}

	// Слот агента: условный UPDATE, проигравший не займет последний слот
	reserved, err := c.store.ReserveCapacity(ctx, agentID)
	if err != nil || !reserved {
		c.releaseLeases(ctx, run)
		if err != nil {
			return err
		}
		return domain.ErrCapacity
	}

	now := time.Now()
	run.AgentID = agentID
	run.Attempt++
	run.StartedAt = &now
	if err := c.transition(ctx, run, domain.RunRunning, "assigned to agent "+agentID); err != nil {
		_ = c.store.ReleaseCapacity(ctx, agentID)
		c.releaseLeases(ctx, run)
		return err
	}

	if run.SLA != nil && run.SLA.TargetMs > 0 {
		return c.timers.Schedule(ctx, &domain.Timer{
			ID:       "sla:" + run.ID,
			EntityID: run.ID,
			Kind:     domain.TimerSLA,
			Deadline: now.Add(time.Duration(run.SLA.TargetMs) * time.Millisecond),
			Action:   string(run.SLA.BreachAction),
		})
	}
	return nil
}

// Dispatch исполняет running-ран через реестр исполнителей и превращает
// исход в переход: успех, приостановка или отказ.
func (c *Controller) Dispatch(ctx context.Context, runID string) error {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.State != domain.RunRunning {
		return &domain.StateTransitionError{Entity: "run", From: string(run.State), To: string(domain.RunRunning)}
	}

	result, err := c.executor.Call(ctx, run.Capability, run.Input)

	var susp *Suspension
	switch {
	case err == nil:
		return c.Succeed(ctx, runID, result)
	case errors.As(err, &susp):
		return c.Suspend(ctx, runID, susp)
	default:
		return c.Fail(ctx, runID, domain.Classify(err))
	}
}

// Suspend — кооперативная приостановка: персистентная запись ожидания
// с дедлайном вместо заблокированного потока. Слот и аренды возвращаются.
func (c *Controller) Suspend(ctx context.Context, runID string, susp *Suspension) error {
	unlock := c.lock(runID)
	defer unlock()

	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	kind := domain.WaitKind(susp.Kind)
	target := domain.RunWaitingIO
	if kind == domain.WaitHITL {
		target = domain.RunWaitingHITL
	}
	if err := run.State.CanTransition(target); err != nil {
		return err
	}

	timeoutAt := time.Now().Add(susp.Timeout)
	run.Wait = &domain.WaitCondition{
		Kind:        kind,
		TimeoutAt:   timeoutAt,
		ResumeToken: susp.ResumeToken,
	}
	if len(susp.Checkpoint) > 0 {
		run.Checkpoint = susp.Checkpoint
	}

	if err := c.transition(ctx, run, target, "suspended: "+susp.Kind); err != nil {
		return err
	}

	// Ожидание не держит ни слот воркера, ни аренду
	_ = c.store.ReleaseCapacity(ctx, run.AgentID)
	c.releaseLeases(ctx, run)

	return c.timers.Schedule(ctx, &domain.Timer{
		ID:       "wait:" + run.ID,
		EntityID: run.ID,
		Kind:     domain.TimerWait,
		Deadline: timeoutAt,
	})
}

// Resume будит приостановленный ран: внешнее событие пришло вовремя.
// Событие после дедлайна ран не спасает: ожидание гасится так же,
// как по таймеру, даже если сам таймер еще не успел сработать.
func (c *Controller) Resume(ctx context.Context, runID string, payload json.RawMessage) error {
	unlock := c.lock(runID)
	defer unlock()

	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if !run.State.IsWaiting() {
		return &domain.StateTransitionError{Entity: "run", From: string(run.State), To: string(domain.RunRunning)}
	}
	if run.Wait != nil && time.Now().After(run.Wait.TimeoutAt) {
		if err := c.expireWait(ctx, run); err != nil {
			return err
		}
		return domain.ErrWaitExpired
	}

	// Скоупы и слот берутся заново, как при первом назначении
	granted, err := c.leases.Acquire(ctx, run.IdempotencyKey, run.ID, c.leaseTTL)
	if err != nil {
		return err
	}
	if !granted {
		c.recordLeaseDenied(run, run.IdempotencyKey)
		return domain.ErrLeaseDenied
	}
	if run.MutexScope != "" {
		granted, err = c.leases.Acquire(ctx, run.MutexScope, run.ID, c.leaseTTL)
		if err != nil || !granted {
			_ = c.leases.Release(ctx, run.IdempotencyKey, run.ID)
			if err != nil {
				return err
			}
			return domain.ErrLeaseDenied
		}
	}

	reserved, err := c.store.ReserveCapacity(ctx, run.AgentID)
	if err != nil || !reserved {
		c.releaseLeases(ctx, run)
		if err != nil {
			return err
		}
		return domain.ErrCapacity
	}

	if len(payload) > 0 {
		run.Checkpoint = payload
	}
	run.Wait = nil
	if err := c.transition(ctx, run, domain.RunRunning, "resumed"); err != nil {
		_ = c.store.ReleaseCapacity(ctx, run.AgentID)
		c.releaseLeases(ctx, run)
		return err
	}
	return c.timers.Cancel(ctx, "wait:"+run.ID)
}

// WaitTimedOut — дедлайн ожидания прошел, внешнее событие так и не пришло.
// Просроченный I/O классифицируется как transient, просроченный апрув — как permanent.
func (c *Controller) WaitTimedOut(ctx context.Context, runID string) error {
	unlock := c.lock(runID)
	defer unlock()

	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if !run.State.IsWaiting() {
		return nil // Успел проснуться — таймер пережил гонку
	}
	return c.expireWait(ctx, run)
}

// expireWait гасит просроченное ожидание. Вызывается только под страйп-локом.
func (c *Controller) expireWait(ctx context.Context, run *domain.Run) error {
	kind := domain.WaitIO
	if run.Wait != nil {
		kind = run.Wait.Kind
	}
	if kind.Retriable() {
		run.Error = domain.Transient("wait_timeout", "external event did not arrive in time")
	} else {
		run.Error = domain.Permanent("approval_timeout", "human approval did not arrive in time")
	}

	now := time.Now()
	run.CompletedAt = &now
	if err := c.transition(ctx, run, domain.RunFailed, "wait deadline exceeded"); err != nil {
		return err
	}
	c.settle(ctx, run)
	return nil
}

// Succeed — терминальный успех. Результат кэшируется по ключу идемпотентности.
func (c *Controller) Succeed(ctx context.Context, runID string, result []byte) error {
	unlock := c.lock(runID)
	defer unlock()

	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if err := run.State.CanTransition(domain.RunSucceeded); err != nil {
		return err
	}

	now := time.Now()
	run.Result = result
	run.CompletedAt = &now
	if err := c.transition(ctx, run, domain.RunSucceeded, ""); err != nil {
		return err
	}
	c.settle(ctx, run)
	return nil
}

// Fail обрабатывает отказ исполнения по таксономии:
// transient с оставшимися попытками — повтор с бэкоффом;
// policy — изоляция агента-нарушителя, без повторов;
// есть завершенные прямые шаги саги — компенсация;
// иначе — терминальный failed.
func (c *Controller) Fail(ctx context.Context, runID string, serr *domain.StructuredError) error {
	offender, err := c.fail(ctx, runID, serr)
	if err != nil {
		return err
	}
	// Изоляция идет после отпускания страйпа: карантинный воркфлоу
	// дергает lifecycle и разбор in-flight ранов, которым нужны те же локи
	if offender != "" && c.isolator != nil {
		return c.isolator.Isolate(ctx, offender, domain.TriggerPolicy,
			serr.Code, serr.Message, domain.SeverityCritical)
	}
	return nil
}

// fail выполняет переход под страйп-локом и возвращает агента-нарушителя,
// если отказ имеет категорию policy.
func (c *Controller) fail(ctx context.Context, runID string, serr *domain.StructuredError) (string, error) {
	unlock := c.lock(runID)
	defer unlock()

	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	if run.State.IsTerminal() {
		return "", nil
	}

	offender := ""
	if serr.Category == domain.ErrPolicy {
		offender = run.AgentID
	}

	// Повтор: только retriable-ошибки и только пока есть бюджет попыток
	if serr.Retriable && run.Attempt < run.MaxAttempts {
		agentID := run.AgentID
		run.AgentID = ""
		run.Error = serr
		if err := c.transition(ctx, run, domain.RunPending, "retry scheduled: "+serr.Code); err != nil {
			return "", err
		}
		if agentID != "" {
			_ = c.store.ReleaseCapacity(ctx, agentID)
		}
		c.releaseLeases(ctx, run)

		c.rndMu.Lock()
		delay := domain.BackoffDelay(run.Attempt-1, c.backoff, c.rnd)
		c.rndMu.Unlock()
		return "", c.timers.Schedule(ctx, &domain.Timer{
			ID:       "retry:" + run.ID,
			EntityID: run.ID,
			Kind:     domain.TimerRetry,
			Deadline: time.Now().Add(delay),
		})
	}

	run.Error = serr

	// Сага: есть что откатывать — идем в compensating, а не сразу в failed
	if run.HasCompensations() && anyStepCompleted(run.Plan) && run.State.CanTransition(domain.RunCompensating) == nil {
		if err := c.transition(ctx, run, domain.RunCompensating, "failure with completed saga steps: "+serr.Code); err != nil {
			return "", err
		}
		c.settle(ctx, run)
		if c.compensator != nil {
			return offender, c.compensator.Compensate(ctx, run.ID)
		}
		return offender, nil
	}

	now := time.Now()
	run.CompletedAt = &now
	if err := c.transition(ctx, run, domain.RunFailed, serr.Code); err != nil {
		return "", err
	}
	c.settle(ctx, run)
	return offender, nil
}

// Cancel — ручная отмена. Во время компенсации запрещена: откат должен
// дойти до конца, иначе система останется в полусостоянии.
func (c *Controller) Cancel(ctx context.Context, runID, actorID string) error {
	unlock := c.lock(runID)
	defer unlock()

	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.State == domain.RunCompensating {
		return domain.ErrCancelForbidden
	}
	if run.State.IsTerminal() {
		return nil
	}

	run.Error = domain.Permanent("cancelled", "cancelled by "+actorID)
	now := time.Now()
	run.CompletedAt = &now
	if err := c.transition(ctx, run, domain.RunFailed, "cancelled by "+actorID); err != nil {
		return err
	}
	c.settle(ctx, run)
	return nil
}

// HandleAgentDeath разбирает in-flight раны умершего владельца.
// Политика трехходовая: идемпотентный ран с чекпоинтом продолжается с него,
// идемпотентный без чекпоинта стартует заново, неидемпотентный остается
// orphaned до ручного разбора.
func (c *Controller) HandleAgentDeath(ctx context.Context, agentID string) error {
	active, err := c.store.ListActiveRunsByAgent(ctx, agentID)
	if err != nil {
		return err
	}

	for _, run := range active {
		if err := c.orphanRun(ctx, run.ID); err != nil {
			c.logger.Error("failed to orphan run",
				zap.String("run_id", run.ID),
				zap.String("agent_id", agentID),
				zap.Error(err))
		}
	}
	return nil
}

func (c *Controller) orphanRun(ctx context.Context, runID string) error {
	unlock := c.lock(runID)
	defer unlock()

	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.State.IsTerminal() {
		return nil
	}
	if run.State == domain.RunCompensating {
		// Откат продолжит координатор, владелец ему не нужен
		return nil
	}

	agentID := run.AgentID
	run.Error = domain.Orphaned("agent died mid-run")
	if err := c.transition(ctx, run, domain.RunOrphaned, "owner lost"); err != nil {
		return err
	}
	if agentID != "" && run.PreviousState == domain.RunRunning {
		_ = c.store.ReleaseCapacity(ctx, agentID)
	}
	c.releaseLeases(ctx, run)
	_ = c.timers.CancelForEntity(ctx, run.ID)

	if !run.Idempotent {
		c.logger.Warn("non-idempotent orphaned run requires manual triage",
			zap.String("run_id", run.ID))
		return nil
	}

	// Реассайн: orphaned -> pending. Чекпоинт сохраняется, если был.
	reason := "reassign: restart from scratch"
	if len(run.Checkpoint) > 0 {
		reason = "reassign: resume from checkpoint"
	}
	run.AgentID = ""
	run.Error = nil
	run.Wait = nil
	return c.transition(ctx, run, domain.RunPending, reason)
}

// HandleSLABreach — сработал SLA-таймер. Exactly-once обеспечен движком
// таймеров (дедуп по эпохе), здесь только диспетчеризация действия.
func (c *Controller) HandleSLABreach(ctx context.Context, t *domain.Timer) error {
	action, fired, err := c.markBreach(ctx, t)
	if err != nil || !fired {
		return err
	}
	// Cancel берет страйп сам, поэтому вызывается вне markBreach
	if action == domain.BreachCancel {
		return c.Cancel(ctx, t.EntityID, "sla-engine")
	}
	return nil
}

func (c *Controller) markBreach(ctx context.Context, t *domain.Timer) (domain.BreachAction, bool, error) {
	unlock := c.lock(t.EntityID)
	defer unlock()

	run, err := c.store.GetRun(ctx, t.EntityID)
	if err != nil {
		return "", false, err
	}
	if run.State.IsTerminal() {
		return "", false, nil // Успел завершиться — нарушения нет
	}

	now := time.Now()
	run.SLABreachedAt = &now
	run.SLABreachCount++
	if err := c.store.UpdateRunCAS(ctx, run); err != nil {
		return "", false, err
	}

	action := domain.BreachAction(t.Action)
	c.trail.Record(audit.Entry{
		ID:       uuid.New().String(),
		Kind:     audit.KindSLABreach,
		EntityID: run.ID,
		Reason:   string(action),
		Status:   "APPLIED",
		Details:  map[string]interface{}{"breach_count": run.SLABreachCount, "epoch": t.Epoch},
	})

	payload, _ := json.Marshal(map[string]interface{}{
		"action":       string(action),
		"breach_count": run.SLABreachCount,
	})
	_ = c.bus.Publish(ctx, domain.Event{
		Type:     domain.EventSLABreach,
		EntityID: run.ID,
		Payload:  payload,
	})

	if action == domain.BreachQueueApproval {
		_ = c.bus.Publish(ctx, domain.Event{
			Type:     domain.EventApprovalNeeded,
			EntityID: run.ID,
			Payload:  payload,
		})
	}
	// notify / escalate / open-remediation исчерпываются событием и аудитом
	return action, true, nil
}

// ActiveRunCount — сколько ранов агента еще in-flight (для drain).
func (c *Controller) ActiveRunCount(ctx context.Context, agentID string) (int, error) {
	active, err := c.store.ListActiveRunsByAgent(ctx, agentID)
	if err != nil {
		return 0, err
	}
	return len(active), nil
}

// ConfigureSLA меняет декларативный SLA рана на лету. Для running-рана
// дедлайн пересчитывается от фактического старта; nil снимает SLA-таймер.
func (c *Controller) ConfigureSLA(ctx context.Context, runID string, spec *domain.SLASpec) error {
	unlock := c.lock(runID)
	defer unlock()

	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.State.IsTerminal() {
		return domain.ErrAlreadyProcessed
	}

	run.SLA = spec
	if err := c.store.UpdateRunCAS(ctx, run); err != nil {
		return err
	}

	if err := c.timers.Cancel(ctx, "sla:"+run.ID); err != nil {
		return err
	}
	if spec != nil && spec.TargetMs > 0 && run.State == domain.RunRunning && run.StartedAt != nil {
		return c.timers.Schedule(ctx, &domain.Timer{
			ID:       "sla:" + run.ID,
			EntityID: run.ID,
			Kind:     domain.TimerSLA,
			Deadline: run.StartedAt.Add(time.Duration(spec.TargetMs) * time.Millisecond),
			Action:   string(spec.BreachAction),
		})
	}
	return nil
}

// SweepExpiredWaits — страховочный обход: ловит ожидания, чей таймер
// потерялся (например, умерла нода между записью и взводом).
func (c *Controller) SweepExpiredWaits(ctx context.Context, limit int) error {
	expired, err := c.store.ExpiredWaits(ctx, time.Now(), limit)
	if err != nil {
		return err
	}
	for _, run := range expired {
		if err := c.WaitTimedOut(ctx, run.ID); err != nil {
			c.logger.Error("failed to time out expired wait",
				zap.String("run_id", run.ID), zap.Error(err))
		}
	}
	return nil
}

// transition применяет переход к уже загруженному документу и пишет CAS.
// Вызывается только под страйп-локом рана.
func (c *Controller) transition(ctx context.Context, run *domain.Run, to domain.RunState, reason string) error {
	from := run.State
	if err := from.CanTransition(to); err != nil {
		c.record(run.ID, from, to, reason, "REJECTED")
		return err
	}
	run.PreviousState = from
	run.State = to

	if err := c.store.UpdateRunCAS(ctx, run); err != nil {
		return err
	}

	c.logger.Info("run transition",
		zap.String("run_id", run.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason))
	c.record(run.ID, from, to, reason, "APPLIED")

	payload, _ := json.Marshal(domain.TransitionPayload{From: string(from), To: string(to), Reason: reason})
	_ = c.bus.Publish(ctx, domain.Event{
		Type:     domain.EventRunTransition,
		EntityID: run.ID,
		ActorID:  run.ActorID,
		Payload:  payload,
	})
	return nil
}

// settle освобождает ресурсы терминального (или ушедшего в компенсацию) рана
// и будит drain-агента, если это был его последний ран.
// Слот возвращается только если ран уходил именно из running: ожидание
// вернуло слот еще при приостановке.
func (c *Controller) settle(ctx context.Context, run *domain.Run) {
	if run.AgentID != "" && run.PreviousState == domain.RunRunning {
		_ = c.store.ReleaseCapacity(ctx, run.AgentID)
	}
	c.releaseLeases(ctx, run)
	_ = c.timers.CancelForEntity(ctx, run.ID)

	if c.notifier != nil && run.AgentID != "" {
		n, err := c.ActiveRunCount(ctx, run.AgentID)
		if err == nil && n == 0 {
			_ = c.notifier.DrainComplete(ctx, run.AgentID)
		}
	}
}

func (c *Controller) releaseLeases(ctx context.Context, run *domain.Run) {
	_ = c.leases.Release(ctx, run.IdempotencyKey, run.ID)
	if run.MutexScope != "" {
		_ = c.leases.Release(ctx, run.MutexScope, run.ID)
	}
}

func (c *Controller) recordLeaseDenied(run *domain.Run, scope string) {
	c.trail.Record(audit.Entry{
		ID:       uuid.New().String(),
		Kind:     audit.KindLease,
		EntityID: run.ID,
		Reason:   scope,
		Status:   "REJECTED",
	})
}

func (c *Controller) record(runID string, from, to domain.RunState, reason, status string) {
	c.trail.Record(audit.Entry{
		ID:        uuid.New().String(),
		Kind:      audit.KindTransition,
		EntityID:  runID,
		FromState: string(from),
		ToState:   string(to),
		Reason:    reason,
		Status:    status,
	})
}

func (c *Controller) lock(runID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(runID))
	m := &c.stripes[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}

func anyStepCompleted(plan *domain.CompensationPlan) bool {
	for _, s := range plan.Steps {
		if s.Completed {
			return true
		}
	}
	return false
}
