package domain

import "time"

// TimerKind — назначение таймера.
type TimerKind string

const (
	TimerSLA        TimerKind = "sla"
	TimerBackoff    TimerKind = "backoff"
	TimerProbe      TimerKind = "probe"
	TimerEscalation TimerKind = "escalation-step"
	TimerWait       TimerKind = "wait"     // Дедлайн waiting_io / waiting_hitl
	TimerStartup    TimerKind = "startup"  // Агент не стал healthy за отведенное время
	TimerDrain      TimerKind = "drain"    // Drain не завершился за drain_timeout
	TimerApproval   TimerKind = "approval" // Просроченный HITL-гейт
	TimerRetry      TimerKind = "retry"    // Повтор рана после бэкоффа
)

// BreachAction — что делать при срабатывании SLA-таймера.
type BreachAction string

const (
	BreachNotify        BreachAction = "notify"
	BreachEscalate      BreachAction = "escalate"
	BreachCancel        BreachAction = "cancel"
	BreachRemediation   BreachAction = "open-remediation"
	BreachQueueApproval BreachAction = "queue-human-approval"
)

// Timer — персистентная запись дедлайна. Инвариант: сработавший таймер
// порождает ровно одно действие даже при повторной доставке —
// дедупликация по паре (id, epoch).
type Timer struct {
	ID       string    `json:"id"`
	EntityID string    `json:"entity_id"` // Агент или ран
	Kind     TimerKind `json:"kind"`
	Deadline time.Time `json:"deadline"`

	// Epoch растет при каждом перевзводе таймера той же сущности.
	// Ключ дедупликации действия: (ID, Epoch).
	Epoch int64 `json:"epoch"`

	// Action — полезная нагрузка для диспетчера (например, breach action)
	Action string `json:"action,omitempty"`

	Fired     bool      `json:"fired"`
	CreatedAt time.Time `json:"created_at"`
}

// ProbeSpec — параметры health-пробы, один в один как объявлено.
type ProbeSpec struct {
	InitialDelay     time.Duration `json:"initial_delay"`
	Interval         time.Duration `json:"interval"`
	Timeout          time.Duration `json:"timeout"`
	SuccessThreshold int           `json:"success_threshold"`
	FailureThreshold int           `json:"failure_threshold"`
}

// TimerOverrides — декларативные переопределения параметров таймеров
// для конкретного агента. nil-поле означает значение движка из конфигурации.
type TimerOverrides struct {
	Probe   *ProbeSpec   `json:"probe,omitempty"`
	Backoff *BackoffSpec `json:"backoff,omitempty"`
}
