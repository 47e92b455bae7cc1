package domain

import (
	"time"
)

// AgentState — состояние агента в жизненном цикле Control Plane.
type AgentState string

const (
	AgentRegistered  AgentState = "registered"  // Заявлен, ждет валидации
	AgentScheduled   AgentState = "scheduled"   // Ресурсы зарезервированы
	AgentStarting    AgentState = "starting"    // Идет запуск (startup timeout)
	AgentHealthy     AgentState = "healthy"     // Полный доступ, принимает назначения
	AgentDegraded    AgentState = "degraded"    // Readiness упал или error-rate превышен
	AgentBackoff     AgentState = "backoff"     // Пауза перед повторной регистрацией
	AgentDraining    AgentState = "draining"    // Дорабатывает in-flight раны, новых не берет
	AgentQuarantined AgentState = "quarantined" // Изоляция, требует ручного разбора (HITL)
	AgentStopped     AgentState = "stopped"     // Остановлен вручную или после drain
	AgentRetired     AgentState = "retired"     // Терминальное. Логическое удаление
)

// IsTerminal — retired единственное терминальное состояние агента.
func (s AgentState) IsTerminal() bool { return s == AgentRetired }

// AcceptsAssignments отвечает на главный вопрос роутера: можно ли давать работу.
// Инвариант: backoff, quarantined и draining никогда не получают новые раны.
func (s AgentState) AcceptsAssignments() bool { return s == AgentHealthy }

// agentTransitions — таблица разрешенных переходов. Единственный источник правды,
// все контроллеры валидируют переходы только через нее.
var agentTransitions = map[AgentState][]AgentState{
	// Из пустого состояния (агент еще не существует)
	AgentState(""):   {AgentRegistered},
	AgentRegistered:  {AgentScheduled, AgentQuarantined},
	AgentScheduled:   {AgentStarting, AgentQuarantined},
	AgentStarting:    {AgentHealthy, AgentRegistered, AgentBackoff, AgentQuarantined},
	AgentHealthy:     {AgentDegraded, AgentDraining, AgentStopped, AgentQuarantined},
	AgentDegraded:    {AgentHealthy, AgentBackoff, AgentStopped, AgentQuarantined},
	AgentBackoff:     {AgentRegistered, AgentQuarantined},
	AgentDraining:    {AgentStopped, AgentQuarantined},
	AgentQuarantined: {AgentRegistered, AgentStopped},
	// Карантин доступен из любого нетерминального состояния: триггер может
	// сработать и по уже остановленному агенту (разбор записи обязателен)
	AgentStopped: {AgentRegistered, AgentRetired, AgentQuarantined},
	// retired — выхода нет
}

// CanTransition проверяет правила конечного автомата агента.
func (s AgentState) CanTransition(next AgentState) error {
	allowed, ok := agentTransitions[s]
	if !ok {
		return &StateTransitionError{Entity: "agent", From: string(s), To: string(next)}
	}
	for _, a := range allowed {
		if a == next {
			return nil
		}
	}
	return &StateTransitionError{Entity: "agent", From: string(s), To: string(next)}
}

// ProbeResult — снимок одной пробы (liveness или readiness).
type ProbeResult struct {
	Passing             bool      `json:"passing"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	ConsecutiveSuccess  int       `json:"consecutive_success"`
	LastChecked         time.Time `json:"last_checked"`
}

// HealthSnapshot хранится прямо в документе агента, чтобы роутер
// принимал решение без похода в Timer Service.
type HealthSnapshot struct {
	Liveness      ProbeResult `json:"liveness"`
	Readiness     ProbeResult `json:"readiness"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
}

// FailureMetrics — счетчики отказов и состояние бэкоффа.
type FailureMetrics struct {
	ConsecutiveFailures int `json:"consecutive_failures"`
	TotalFailures       int `json:"total_failures"`

	// BackoffFactor — накопленный multiplier^attempt. Когда он превышает
	// engine.backoff.max_factor, агент уходит в карантин, а не в очередной backoff.
	BackoffFactor float64    `json:"backoff_factor"`
	BackoffUntil  *time.Time `json:"backoff_until,omitempty"`
}

// Capacity — счетчик слотов. Агент хранит количество, а не список ранов:
// обратная ссылка живет в ране (run.agent_id), цикла ссылок нет.
type Capacity struct {
	MaxConcurrentRuns int `json:"max_concurrent_runs"`
	CurrentRuns       int `json:"current_runs"`
}

// Free — сколько слотов свободно прямо сейчас.
func (c Capacity) Free() int { return c.MaxConcurrentRuns - c.CurrentRuns }

// Agent — документ агента. Мутируется исключительно Lifecycle Controller'ом,
// конкурентные правки отсекаются оптимистичной версией (CAS).
type Agent struct {
	ID   string `json:"id"`   // UUID
	Name string `json:"name"` // Человекочитаемое имя
	Type string `json:"type"` // Тип из реестра (определяет executor'ы)

	State          AgentState `json:"state"`
	PreviousState  AgentState `json:"previous_state"`
	StateChangedAt time.Time  `json:"state_changed_at"`

	Health   HealthSnapshot `json:"health"`
	Failures FailureMetrics `json:"failures"`
	Capacity Capacity       `json:"capacity"`

	// Декларация возможностей и меток для селекторов роутера
	Capabilities []string          `json:"capabilities"`
	Labels       map[string]string `json:"labels,omitempty"`

	// Ограничение размещения данных (data residency), сверяется с правилом
	Region string `json:"region,omitempty"`

	// Стоимость слота для cost-minimizing стратегии
	CostPerRun float64 `json:"cost_per_run,omitempty"`

	// Ссылка на активную запись карантина (если есть)
	QuarantineID *string `json:"quarantine_id,omitempty"`

	// Переопределения проб и бэкоффа для этого агента (PUT /v1/agents/{id}/timers)
	Timers *TimerOverrides `json:"timers,omitempty"`

	Version   int64     `json:"version"` // Оптимистичная блокировка
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TimeInState — сколько агент находится в текущем состоянии.
func (a *Agent) TimeInState(now time.Time) time.Duration {
	return now.Sub(a.StateChangedAt)
}

// HasCapability линейный поиск: списки способностей короткие.
func (a *Agent) HasCapability(cap string) bool {
	for _, c := range a.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}
