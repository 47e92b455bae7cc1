package audit

import "time"

// Kind — что именно фиксируем в аудите.
type Kind string

const (
	KindTransition Kind = "TRANSITION" // Смена состояния агента/рана
	KindRoute      Kind = "ROUTE"      // Решение роутера
	KindSagaStep   Kind = "SAGA_STEP"  // Компенсация шага
	KindSLABreach  Kind = "SLA_BREACH" // Срабатывание SLA
	KindQuarantine Kind = "QUARANTINE" // Изоляция/возврат агента
	KindLease      Kind = "LEASE"      // Отказ в аренде (след конфликтов)
	KindApproval   Kind = "APPROVAL"   // Решение HITL
)

// Entry — одна запись аудиторского следа оркестратора.
type Entry struct {
	ID       string `json:"id"`       // UUID записи
	TraceID  string `json:"trace_id"` // Сквозной ID запроса
	Kind     Kind   `json:"kind"`
	EntityID string `json:"entity_id"` // Агент или ран
	ActorID  string `json:"actor_id"`  // Кто инициировал (человек/система)

	// Контекст
	FromState string `json:"from_state,omitempty"`
	ToState   string `json:"to_state,omitempty"`
	Reason    string `json:"reason,omitempty"`

	// Результат
	Status     string                 `json:"status"` // "APPLIED", "REJECTED", "FAILED"
	Details    map[string]interface{} `json:"details,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	DurationMs int64                  `json:"duration_ms"`
}
