package lifecycle

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/domain"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/timer"
	"go.uber.org/zap"
)

const (
	probeLiveness  = "liveness"
	probeReadiness = "readiness"
)

// Checker выполняет фактическую проверку агента. Раннер не знает транспорта:
// HTTP, gRPC или exec — решает реализация.
type Checker interface {
	Liveness(ctx context.Context, a *domain.Agent) error
	Readiness(ctx context.Context, a *domain.Agent) error
}

// ProbeRunner водит health-пробы через персистентные таймеры: срабатывание
// выполняет проверку, обновляет счетчики в документе агента и перевзводит
// таймер на следующий интервал. Пробы живут, пока агент healthy или degraded;
// в остальных состояниях таймер не перевзводится и цикл гаснет сам.
type ProbeRunner struct {
	ctrl    *Controller
	timers  timer.Scheduler
	checker Checker
	spec    domain.ProbeSpec
	logger  *zap.Logger
}

func NewProbeRunner(ctrl *Controller, timers timer.Scheduler, checker Checker, spec domain.ProbeSpec, logger *zap.Logger) *ProbeRunner {
	if spec.Interval <= 0 {
		spec.Interval = 15 * time.Second
	}
	if spec.Timeout <= 0 {
		spec.Timeout = 5 * time.Second
	}
	if spec.SuccessThreshold <= 0 {
		spec.SuccessThreshold = 1
	}
	if spec.FailureThreshold <= 0 {
		spec.FailureThreshold = 3
	}
	return &ProbeRunner{
		ctrl:    ctrl,
		timers:  timers,
		checker: checker,
		spec:    spec,
		logger:  logger.Named("probes"),
	}
}

// RegisterTimerHandlers привязывает раннер к движку таймеров.
func (p *ProbeRunner) RegisterTimerHandlers(eng *timer.Engine) {
	eng.Register(domain.TimerProbe, func(ctx context.Context, t *domain.Timer) error {
		return p.fire(ctx, t.EntityID, t.Action)
	})
}

// Track взводит обе пробы агента с начальной задержкой. Вызывается
// контроллером, когда агент становится healthy.
func (p *ProbeRunner) Track(ctx context.Context, agentID string) error {
	deadline := time.Now().Add(p.spec.InitialDelay)
	for _, kind := range []string{probeLiveness, probeReadiness} {
		err := p.timers.Schedule(ctx, &domain.Timer{
			ID:       probeTimerID(kind, agentID),
			EntityID: agentID,
			Kind:     domain.TimerProbe,
			Deadline: deadline,
			Action:   kind,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Untrack снимает пробы принудительно (retire, ручная остановка).
func (p *ProbeRunner) Untrack(ctx context.Context, agentID string) error {
	for _, kind := range []string{probeLiveness, probeReadiness} {
		if err := p.timers.Cancel(ctx, probeTimerID(kind, agentID)); err != nil {
			return err
		}
	}
	return nil
}

func probeTimerID(kind, agentID string) string {
	return "probe:" + kind + ":" + agentID
}

// specFor — эффективные параметры проб: переопределения агента поверх
// значений движка, незаполненные поля наследуются.
func (p *ProbeRunner) specFor(a *domain.Agent) domain.ProbeSpec {
	if a == nil || a.Timers == nil || a.Timers.Probe == nil {
		return p.spec
	}
	s := *a.Timers.Probe
	if s.Interval <= 0 {
		s.Interval = p.spec.Interval
	}
	if s.Timeout <= 0 {
		s.Timeout = p.spec.Timeout
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = p.spec.SuccessThreshold
	}
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = p.spec.FailureThreshold
	}
	return s
}

// fire — одно срабатывание пробы: проверка, счетчики, реакция, перевзвод.
func (p *ProbeRunner) fire(ctx context.Context, agentID, kind string) error {
	a, err := p.ctrl.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if !probeEligible(a.State) {
		// Агент ушел из рабочих состояний — цикл проб гаснет без перевзвода
		return nil
	}

	spec := p.specFor(a)

	checkErr := p.check(ctx, a, kind, spec.Timeout)
	if checkErr != nil {
		p.logger.Warn("probe failed",
			zap.String("agent_id", agentID),
			zap.String("probe", kind),
			zap.Error(checkErr))
	}

	var snapshot domain.HealthSnapshot
	err = p.ctrl.mutate(ctx, agentID, kind+" probe", func(a *domain.Agent) error {
		result := p.result(a, kind)
		p.apply(result, checkErr == nil, spec)
		snapshot = a.Health
		return nil
	})
	if err != nil {
		return err
	}

	if done, err := p.react(ctx, agentID, kind, snapshot, checkErr, spec); done || err != nil {
		return err
	}

	return p.timers.Schedule(ctx, &domain.Timer{
		ID:       probeTimerID(kind, agentID),
		EntityID: agentID,
		Kind:     domain.TimerProbe,
		Deadline: time.Now().Add(spec.Interval),
		Action:   kind,
	})
}

func (p *ProbeRunner) check(ctx context.Context, a *domain.Agent, kind string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if kind == probeLiveness {
		return p.checker.Liveness(ctx, a)
	}
	return p.checker.Readiness(ctx, a)
}

func (p *ProbeRunner) result(a *domain.Agent, kind string) *domain.ProbeResult {
	if kind == probeLiveness {
		return &a.Health.Liveness
	}
	return &a.Health.Readiness
}

// apply обновляет счетчики пробы. Passing переключается только после серии:
// SuccessThreshold подряд успехов или FailureThreshold подряд отказов.
func (p *ProbeRunner) apply(r *domain.ProbeResult, ok bool, spec domain.ProbeSpec) {
	r.LastChecked = time.Now()
	if ok {
		r.ConsecutiveSuccess++
		r.ConsecutiveFailures = 0
		if r.ConsecutiveSuccess >= spec.SuccessThreshold {
			r.Passing = true
		}
		return
	}
	r.ConsecutiveFailures++
	r.ConsecutiveSuccess = 0
	if r.ConsecutiveFailures >= spec.FailureThreshold {
		r.Passing = false
	}
}

// react переводит счетчики в действия. Возвращает done=true, когда цикл проб
// этого вида продолжать не нужно (агент ушел в пайплайн рестарта).
func (p *ProbeRunner) react(ctx context.Context, agentID, kind string, h domain.HealthSnapshot, checkErr error, spec domain.ProbeSpec) (bool, error) {
	a, err := p.ctrl.store.GetAgent(ctx, agentID)
	if err != nil {
		return true, err
	}

	switch kind {
	case probeLiveness:
		if !h.Liveness.Passing && h.Liveness.ConsecutiveFailures >= spec.FailureThreshold {
			// Потеря liveness — процесс мертв. Пайплайн рестарта: degraded ->
			// backoff -> registered, с карантином при пробитом потолке.
			reason := fmt.Sprintf("liveness probe failed: %v", checkErr)
			if a.State == domain.AgentHealthy {
				if err := p.ctrl.Degrade(ctx, agentID, reason); err != nil {
					return true, err
				}
			}
			if err := p.ctrl.EscalateFailure(ctx, agentID, reason); err != nil {
				return true, err
			}
			return true, p.Untrack(ctx, agentID)
		}
	case probeReadiness:
		if !h.Readiness.Passing && a.State == domain.AgentHealthy {
			// Readiness упал: новые назначения прекращаются, текущие раны
			// продолжаются, пробы работают дальше ради восстановления.
			return false, p.ctrl.Degrade(ctx, agentID, fmt.Sprintf("readiness probe failed: %v", checkErr))
		}
	}

	if a.State == domain.AgentDegraded && h.Liveness.Passing && h.Readiness.Passing {
		return false, p.ctrl.Recover(ctx, agentID)
	}
	return false, nil
}

func probeEligible(s domain.AgentState) bool {
	return s == domain.AgentHealthy || s == domain.AgentDegraded
}

// HTTPChecker опрашивает health-эндпоинты агента по URL из меток.
// Агент без метки probe_url считается проходящим: его живость
// покрывает heartbeat.
type HTTPChecker struct {
	client *http.Client
}

func NewHTTPChecker(timeout time.Duration) *HTTPChecker {
	return &HTTPChecker{client: &http.Client{Timeout: timeout}}
}

func (c *HTTPChecker) Liveness(ctx context.Context, a *domain.Agent) error {
	return c.get(ctx, a, "/healthz")
}

func (c *HTTPChecker) Readiness(ctx context.Context, a *domain.Agent) error {
	return c.get(ctx, a, "/readyz")
}

func (c *HTTPChecker) get(ctx context.Context, a *domain.Agent, path string) error {
	base, ok := a.Labels["probe_url"]
	if !ok || base == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("probe endpoint returned %d", resp.StatusCode)
	}
	return nil
}
