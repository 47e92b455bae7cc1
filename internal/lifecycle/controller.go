package lifecycle

/*
Lifecycle Controller — единственный писатель документов агентов.

Каждая операция — это цикл «прочитал → проверил переход по таблице →
CAS-запись». Конкурирующие мутации отсекаются версией документа:
проигравший перечитывает агента и повторяет попытку. Побочные эффекты
(таймеры, события, аудит) выполняются только после успешной записи.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/audit"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/domain"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/events"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/timer"
	"go.uber.org/zap"
)

const casRetries = 3

// AgentStore — персистентность агентов (реализуется postgres.Repo).
type AgentStore interface {
	CreateAgent(ctx context.Context, a *domain.Agent) error
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
	ListAgents(ctx context.Context) ([]*domain.Agent, error)
	ListAgentsByState(ctx context.Context, state domain.AgentState) ([]*domain.Agent, error)
	UpdateAgentCAS(ctx context.Context, a *domain.Agent) error
	RecordHeartbeat(ctx context.Context, agentID string, at time.Time) error
	StaleAgents(ctx context.Context, cutoff time.Time) ([]*domain.Agent, error)
}

// Isolator — вход в карантинный воркфлоу. Контроллер не знает про evidence
// и чеклисты: он только просит изолировать агента.
type Isolator interface {
	Isolate(ctx context.Context, agentID string, trigger domain.QuarantineTrigger, ruleID, description string, severity domain.Severity) error
}

// RunReaper — обратная связь с Run Controller'ом: при смерти или
// принудительной остановке агента его in-flight раны требуют разбора.
type RunReaper interface {
	HandleAgentDeath(ctx context.Context, agentID string) error
	ActiveRunCount(ctx context.Context, agentID string) (int, error)
}

// probeArmer взводит health-пробы агента. Реализуется ProbeRunner'ом,
// подключается поздно: раннер сам держит ссылку на контроллер.
type probeArmer interface {
	Track(ctx context.Context, agentID string) error
}

type Controller struct {
	store   AgentStore
	timers  timer.Scheduler
	bus     events.Bus
	trail   audit.Recorder
	reaper  RunReaper
	isolate Isolator
	probes  probeArmer
	logger  *zap.Logger

	backoff         domain.BackoffSpec
	startupTimeout  time.Duration
	startupRetries  int
	drainTimeout    time.Duration
	heartbeatWindow time.Duration

	rndMu sync.Mutex
	rnd   *rand.Rand
}

type Options struct {
	Backoff         domain.BackoffSpec
	StartupTimeout  time.Duration
	StartupRetries  int
	DrainTimeout    time.Duration
	HeartbeatWindow time.Duration
}

func NewController(store AgentStore, timers timer.Scheduler, bus events.Bus, trail audit.Recorder, logger *zap.Logger, opts Options) *Controller {
	return &Controller{
		store:           store,
		timers:          timers,
		bus:             bus,
		trail:           trail,
		logger:          logger.Named("lifecycle"),
		backoff:         opts.Backoff,
		startupTimeout:  opts.StartupTimeout,
		startupRetries:  opts.StartupRetries,
		drainTimeout:    opts.DrainTimeout,
		heartbeatWindow: opts.HeartbeatWindow,
		rnd:             rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// BindReaper подключает Run Controller после сборки (разрыв цикла зависимостей).
func (c *Controller) BindReaper(r RunReaper) { c.reaper = r }

// BindIsolator подключает Quarantine Manager после сборки.
func (c *Controller) BindIsolator(i Isolator) { c.isolate = i }

// BindProbes подключает раннер health-проб после сборки.
func (c *Controller) BindProbes(p probeArmer) { c.probes = p }

// RegisterTimerHandlers привязывает реакции контроллера к движку таймеров.
func (c *Controller) RegisterTimerHandlers(eng *timer.Engine) {
	eng.Register(domain.TimerBackoff, func(ctx context.Context, t *domain.Timer) error {
		return c.RetryAfterBackoff(ctx, t.EntityID)
	})
	eng.Register(domain.TimerStartup, func(ctx context.Context, t *domain.Timer) error {
		return c.StartupTimedOut(ctx, t.EntityID)
	})
	eng.Register(domain.TimerDrain, func(ctx context.Context, t *domain.Timer) error {
		return c.DrainTimedOut(ctx, t.EntityID)
	})
}

// Register заявляет нового агента (state = registered).
func (c *Controller) Register(ctx context.Context, a *domain.Agent) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Capacity.MaxConcurrentRuns <= 0 {
		a.Capacity.MaxConcurrentRuns = 1
	}
	a.State = domain.AgentRegistered
	a.StateChangedAt = time.Now()

	if err := c.store.CreateAgent(ctx, a); err != nil {
		return err
	}
	c.logger.Info("agent registered", zap.String("agent_id", a.ID), zap.String("type", a.Type))
	c.record(a.ID, "", domain.AgentRegistered, "registration accepted", "APPLIED")
	c.publish(ctx, a.ID, "", domain.AgentRegistered, "registration accepted")
	return nil
}

// Validate — манифест агента проверен, ресурсы можно резервировать.
func (c *Controller) Validate(ctx context.Context, agentID string) error {
	return c.Transition(ctx, agentID, domain.AgentScheduled, "manifest validated")
}

// Allocate — ресурсы выданы, агент запускается. Взводится startup timeout:
// не стал healthy вовремя — уйдет в EscalateFailure.
func (c *Controller) Allocate(ctx context.Context, agentID string) error {
	if err := c.Transition(ctx, agentID, domain.AgentStarting, "resources allocated"); err != nil {
		return err
	}
	return c.timers.Schedule(ctx, &domain.Timer{
		ID:       "startup:" + agentID,
		EntityID: agentID,
		Kind:     domain.TimerStartup,
		Deadline: time.Now().Add(c.startupTimeout),
	})
}

// ReportStartup — агент отчитался о запуске. Успех снимает startup timeout
// и обнуляет серию отказов; отказ уходит в startupFailed.
func (c *Controller) ReportStartup(ctx context.Context, agentID string, ok bool, reason string) error {
	if !ok {
		return c.startupFailed(ctx, agentID, "startup failed: "+reason)
	}
	err := c.mutate(ctx, agentID, "startup complete", func(a *domain.Agent) error {
		if err := c.applyTransition(a, domain.AgentHealthy); err != nil {
			return err
		}
		a.Failures.ConsecutiveFailures = 0
		a.Failures.BackoffFactor = 0
		a.Failures.BackoffUntil = nil
		a.Health.LastHeartbeat = time.Now()
		// Healthy начинает с зеленых проб: Passing гасится только серией
		// отказов, а не нулевым значением свежего документа
		a.Health.Liveness = domain.ProbeResult{Passing: true}
		a.Health.Readiness = domain.ProbeResult{Passing: true}
		return nil
	})
	if err != nil {
		return err
	}
	if err := c.timers.Cancel(ctx, "startup:"+agentID); err != nil {
		return err
	}
	if c.probes != nil {
		return c.probes.Track(ctx, agentID)
	}
	return nil
}

// StartupTimedOut — обработчик startup-таймера.
func (c *Controller) StartupTimedOut(ctx context.Context, agentID string) error {
	a, err := c.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if a.State != domain.AgentStarting {
		return nil // Успел стать healthy — таймер пережил гонку, игнорируем
	}
	return c.startupFailed(ctx, agentID, "startup timeout exceeded")
}

// startupFailed возвращает агента в registered на повторную попытку запуска.
// Серия отказов копится; когда она выбрала лимит StartupRetries — дальше
// обычная эскалация через backoff.
func (c *Controller) startupFailed(ctx context.Context, agentID, reason string) error {
	a, err := c.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if a.Failures.ConsecutiveFailures >= c.startupRetries {
		return c.EscalateFailure(ctx, agentID, reason)
	}

	err = c.mutate(ctx, agentID, reason, func(a *domain.Agent) error {
		if err := c.applyTransition(a, domain.AgentRegistered); err != nil {
			return err
		}
		a.Failures.ConsecutiveFailures++
		a.Failures.TotalFailures++
		return nil
	})
	if err != nil {
		return err
	}
	return c.timers.Cancel(ctx, "startup:"+agentID)
}

// Degrade — readiness упал или error-rate превысил порог. Новые назначения
// прекращаются, текущие раны продолжаются.
func (c *Controller) Degrade(ctx context.Context, agentID, reason string) error {
	return c.Transition(ctx, agentID, domain.AgentDegraded, reason)
}

// Recover — пробы снова зеленые, агент возвращается в строй.
func (c *Controller) Recover(ctx context.Context, agentID string) error {
	return c.mutate(ctx, agentID, "probes recovered", func(a *domain.Agent) error {
		if err := c.applyTransition(a, domain.AgentHealthy); err != nil {
			return err
		}
		a.Failures.ConsecutiveFailures = 0
		return nil
	})
}

// EscalateFailure — очередной отказ агента. Пока накопленный фактор бэкоффа
// не превысил предел — пауза с экспоненциальной задержкой; после предела
// повторные попытки бессмысленны, агент уходит на ручной разбор.
func (c *Controller) EscalateFailure(ctx context.Context, agentID, reason string) error {
	var delay time.Duration
	var quarantine bool

	err := c.mutate(ctx, agentID, reason, func(a *domain.Agent) error {
		a.Failures.ConsecutiveFailures++
		a.Failures.TotalFailures++

		bo := c.backoff
		if a.Timers != nil && a.Timers.Backoff != nil {
			bo = *a.Timers.Backoff
		}

		attempt := a.Failures.ConsecutiveFailures - 1
		factor := bo.Factor(attempt)
		if factor > bo.MaxFactor {
			quarantine = true
			return nil // Переход сделает Isolator, документ здесь не трогаем
		}

		if err := c.applyTransition(a, domain.AgentBackoff); err != nil {
			return err
		}
		c.rndMu.Lock()
		delay = domain.BackoffDelay(attempt, bo, c.rnd)
		c.rndMu.Unlock()

		a.Failures.BackoffFactor = factor
		until := time.Now().Add(delay)
		a.Failures.BackoffUntil = &until
		return nil
	})
	if err != nil {
		return err
	}

	if quarantine {
		if c.isolate == nil {
			return fmt.Errorf("lifecycle: isolator is not bound, agent %s left as-is", agentID)
		}
		return c.isolate.Isolate(ctx, agentID, domain.TriggerFailureRate, "backoff-ceiling",
			"backoff factor ceiling exceeded: "+reason, domain.SeverityHigh)
	}

	return c.timers.Schedule(ctx, &domain.Timer{
		ID:       "backoff:" + agentID,
		EntityID: agentID,
		Kind:     domain.TimerBackoff,
		Deadline: time.Now().Add(delay),
	})
}

// RetryAfterBackoff — пауза закончилась, агент снова пробует регистрацию.
func (c *Controller) RetryAfterBackoff(ctx context.Context, agentID string) error {
	return c.mutate(ctx, agentID, "backoff window elapsed", func(a *domain.Agent) error {
		if err := c.applyTransition(a, domain.AgentRegistered); err != nil {
			return err
		}
		a.Failures.BackoffUntil = nil
		return nil
	})
}

// Drain — плавный вывод из эксплуатации: агент дорабатывает in-flight раны.
// Если активных ранов нет — сразу stopped.
func (c *Controller) Drain(ctx context.Context, agentID string) error {
	if err := c.Transition(ctx, agentID, domain.AgentDraining, "drain requested"); err != nil {
		return err
	}

	if c.reaper != nil {
		n, err := c.reaper.ActiveRunCount(ctx, agentID)
		if err == nil && n == 0 {
			return c.DrainComplete(ctx, agentID)
		}
	}
	return c.timers.Schedule(ctx, &domain.Timer{
		ID:       "drain:" + agentID,
		EntityID: agentID,
		Kind:     domain.TimerDrain,
		Deadline: time.Now().Add(c.drainTimeout),
	})
}

// DrainComplete — последний ран агента завершился. Вызывается Run Controller'ом.
func (c *Controller) DrainComplete(ctx context.Context, agentID string) error {
	a, err := c.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if a.State != domain.AgentDraining {
		return nil
	}
	if err := c.Transition(ctx, agentID, domain.AgentStopped, "drain complete"); err != nil {
		return err
	}
	return c.timers.Cancel(ctx, "drain:"+agentID)
}

// DrainTimedOut — drain не уложился в окно: агент останавливается жестко,
// недоработанные раны уходят в разбор как при смерти владельца.
func (c *Controller) DrainTimedOut(ctx context.Context, agentID string) error {
	a, err := c.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if a.State != domain.AgentDraining {
		return nil
	}
	if err := c.Transition(ctx, agentID, domain.AgentStopped, "drain timeout, forced stop"); err != nil {
		return err
	}
	if c.reaper != nil {
		return c.reaper.HandleAgentDeath(ctx, agentID)
	}
	return nil
}

// Stop — ручная остановка без drain.
func (c *Controller) Stop(ctx context.Context, agentID, reason string) error {
	if err := c.Transition(ctx, agentID, domain.AgentStopped, reason); err != nil {
		return err
	}
	if c.reaper != nil {
		return c.reaper.HandleAgentDeath(ctx, agentID)
	}
	return nil
}

// Restart — остановленный агент снова входит в цикл с регистрации.
func (c *Controller) Restart(ctx context.Context, agentID string) error {
	return c.mutate(ctx, agentID, "restart requested", func(a *domain.Agent) error {
		if err := c.applyTransition(a, domain.AgentRegistered); err != nil {
			return err
		}
		a.Failures = domain.FailureMetrics{}
		return nil
	})
}

// Retire — логическое удаление. Только из stopped, обратной дороги нет.
func (c *Controller) Retire(ctx context.Context, agentID string) error {
	return c.Transition(ctx, agentID, domain.AgentRetired, "retired")
}

// MarkQuarantined выполняет FSM-переход в карантин. Вызывается Quarantine
// Manager'ом ПОСЛЕ синхронного сбора evidence.
func (c *Controller) MarkQuarantined(ctx context.Context, agentID, quarantineID, reason string) error {
	return c.mutate(ctx, agentID, reason, func(a *domain.Agent) error {
		if err := c.applyTransition(a, domain.AgentQuarantined); err != nil {
			return err
		}
		a.QuarantineID = &quarantineID
		return nil
	})
}

// MarkReenabled возвращает агента из карантина в registered.
func (c *Controller) MarkReenabled(ctx context.Context, agentID, operator string) error {
	return c.mutate(ctx, agentID, "re-enabled by "+operator, func(a *domain.Agent) error {
		if err := c.applyTransition(a, domain.AgentRegistered); err != nil {
			return err
		}
		a.QuarantineID = nil
		a.Failures = domain.FailureMetrics{}
		return nil
	})
}

// Heartbeat фиксирует живость агента. Не меняет версию документа.
func (c *Controller) Heartbeat(ctx context.Context, agentID string) error {
	return c.store.RecordHeartbeat(ctx, agentID, time.Now())
}

// CheckHeartbeats находит агентов с потерянным heartbeat и запускает для них
// пайплайн смерти владельца: деградация + разбор in-flight ранов.
func (c *Controller) CheckHeartbeats(ctx context.Context) error {
	cutoff := time.Now().Add(-c.heartbeatWindow)
	stale, err := c.store.StaleAgents(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, a := range stale {
		c.logger.Warn("agent heartbeat lost",
			zap.String("agent_id", a.ID),
			zap.Time("last_heartbeat", a.Health.LastHeartbeat))

		if a.State == domain.AgentHealthy {
			if err := c.Degrade(ctx, a.ID, "heartbeat lost"); err != nil {
				c.logger.Error("failed to degrade stale agent", zap.String("agent_id", a.ID), zap.Error(err))
				continue
			}
		}
		if c.reaper != nil {
			if err := c.reaper.HandleAgentDeath(ctx, a.ID); err != nil {
				c.logger.Error("failed to reap runs of dead agent", zap.String("agent_id", a.ID), zap.Error(err))
			}
		}
	}
	return nil
}

// ConfigureTimers задает переопределения проб и бэкоффа для агента.
// nil сбрасывает переопределения на значения движка.
func (c *Controller) ConfigureTimers(ctx context.Context, agentID string, overrides *domain.TimerOverrides) error {
	return c.mutate(ctx, agentID, "timer parameters reconfigured", func(a *domain.Agent) error {
		a.Timers = overrides
		return nil
	})
}

// Transition — универсальный переход без дополнительных мутаций документа.
func (c *Controller) Transition(ctx context.Context, agentID string, to domain.AgentState, reason string) error {
	return c.mutate(ctx, agentID, reason, func(a *domain.Agent) error {
		return c.applyTransition(a, to)
	})
}

// mutate читает агента, применяет fn и пишет через CAS. Конфликт версий —
// это проигранная гонка с другим контроллером: перечитываем и повторяем.
func (c *Controller) mutate(ctx context.Context, agentID, reason string, fn func(a *domain.Agent) error) error {
	for i := 0; i < casRetries; i++ {
		a, err := c.store.GetAgent(ctx, agentID)
		if err != nil {
			return err
		}
		from := a.State

		if err := fn(a); err != nil {
			var tErr *domain.StateTransitionError
			if errors.As(err, &tErr) {
				c.record(agentID, from, domain.AgentState(tErr.To), tErr.Error(), "REJECTED")
			}
			return err
		}
		if a.State == from {
			// fn не менял состояние (например, только счетчики)
			if err := c.store.UpdateAgentCAS(ctx, a); err != nil {
				if errors.Is(err, domain.ErrVersionConflict) {
					continue
				}
				return err
			}
			return nil
		}

		if err := c.store.UpdateAgentCAS(ctx, a); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				continue
			}
			return err
		}

		c.logger.Info("agent transition",
			zap.String("agent_id", agentID),
			zap.String("from", string(from)),
			zap.String("to", string(a.State)))
		c.record(agentID, from, a.State, reason, "APPLIED")
		c.publish(ctx, agentID, from, a.State, reason)
		return nil
	}
	return domain.ErrVersionConflict
}

// applyTransition валидирует и применяет переход к документу в памяти.
func (c *Controller) applyTransition(a *domain.Agent, to domain.AgentState) error {
	if err := a.State.CanTransition(to); err != nil {
		return err
	}
	a.PreviousState = a.State
	a.State = to
	a.StateChangedAt = time.Now()
	return nil
}

func (c *Controller) record(agentID string, from, to domain.AgentState, reason, status string) {
	c.trail.Record(audit.Entry{
		ID:        uuid.New().String(),
		Kind:      audit.KindTransition,
		EntityID:  agentID,
		FromState: string(from),
		ToState:   string(to),
		Reason:    reason,
		Status:    status,
	})
}

func (c *Controller) publish(ctx context.Context, agentID string, from, to domain.AgentState, reason string) {
	payload, _ := json.Marshal(domain.TransitionPayload{
		From: string(from), To: string(to), Reason: reason,
	})
	// Шина best-effort: недоставка не откатывает уже совершенный переход
	_ = c.bus.Publish(ctx, domain.Event{
		Type:     domain.EventAgentTransition,
		EntityID: agentID,
		Payload:  payload,
	})
}
