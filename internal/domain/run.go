package domain

import (
	"encoding/json"
	"time"
)

// RunState — состояние рана (единицы работы).
type RunState string

const (
	RunPending      RunState = "pending"      // Создан роутером, ждет слот
	RunRunning      RunState = "running"      // Исполняется на агенте
	RunWaitingIO    RunState = "waiting_io"   // Ожидает внешний I/O callback
	RunWaitingHITL  RunState = "waiting_hitl" // Ожидает решение человека
	RunSucceeded    RunState = "succeeded"    // Терминальное
	RunFailed       RunState = "failed"       // Терминальное (после компенсации или non-retriable)
	RunCompensating RunState = "compensating" // Идет откат (saga)
	RunCompensated  RunState = "compensated"  // Терминальное, откат завершен
	RunOrphaned     RunState = "orphaned"     // Терминальное, владелец потерян
)

// IsTerminal — терминальные состояния рана.
func (s RunState) IsTerminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCompensated, RunOrphaned:
		return true
	}
	return false
}

// IsWaiting — ран приостановлен и НЕ держит слот воркера.
func (s RunState) IsWaiting() bool {
	return s == RunWaitingIO || s == RunWaitingHITL
}

// IsActive — ран привязан к живому агенту (учитывается при потере владельца).
func (s RunState) IsActive() bool {
	switch s {
	case RunPending, RunRunning, RunWaitingIO, RunWaitingHITL, RunCompensating:
		return true
	}
	return false
}

// runTransitions — таблица переходов рана (§ Run Controller).
// failed -> compensating оставлен для ручного перезапуска компенсаций.
// orphaned -> pending — политика восстановления (reassign) для идемпотентных ранов.
var runTransitions = map[RunState][]RunState{
	RunState(""):    {RunPending},
	RunPending:      {RunRunning, RunFailed, RunOrphaned},
	RunRunning:      {RunWaitingIO, RunWaitingHITL, RunSucceeded, RunFailed, RunCompensating, RunPending, RunOrphaned},
	RunWaitingIO:    {RunRunning, RunFailed, RunOrphaned},
	RunWaitingHITL:  {RunRunning, RunFailed, RunOrphaned},
	RunCompensating: {RunCompensated, RunFailed},
	RunFailed:       {RunCompensating},
	RunOrphaned:     {RunPending},
}

// CanTransition проверяет правила конечного автомата рана.
func (s RunState) CanTransition(next RunState) error {
	allowed, ok := runTransitions[s]
	if !ok {
		return &StateTransitionError{Entity: "run", From: string(s), To: string(next)}
	}
	for _, a := range allowed {
		if a == next {
			return nil
		}
	}
	return &StateTransitionError{Entity: "run", From: string(s), To: string(next)}
}

// WaitKind — причина приостановки рана.
type WaitKind string

const (
	WaitIO         WaitKind = "io"
	WaitHITL       WaitKind = "human-approval"
	WaitDependency WaitKind = "dependency"
	WaitRateLimit  WaitKind = "rate-limit"
)

// Retriable определяет классификацию таймаута ожидания:
// просроченный I/O или rate-limit можно повторить, просроченный апрув — нет.
func (k WaitKind) Retriable() bool {
	return k == WaitIO || k == WaitRateLimit || k == WaitDependency
}

// WaitCondition — персистентная запись ожидания. Приостановка — это не
// заблокированный поток, а документ с дедлайном: переживает рестарт процесса.
type WaitCondition struct {
	Kind      WaitKind  `json:"kind"`
	TimeoutAt time.Time `json:"timeout_at"`
	// Контекст для восстановления (курсор ввода, id заявки на апрув и т.п.)
	ResumeToken string `json:"resume_token,omitempty"`
	ApprovalID  string `json:"approval_id,omitempty"`
}

// CompensationStatus — агрегатный статус плана компенсаций.
type CompensationStatus string

const (
	CompensationNone       CompensationStatus = ""
	CompensationPending    CompensationStatus = "pending"
	CompensationComplete   CompensationStatus = "complete"
	CompensationIncomplete CompensationStatus = "incomplete" // Требует ручного вмешательства
)

// CompensationStepStatus — статус одного шага отката.
type CompensationStepStatus string

const (
	StepPending     CompensationStepStatus = "pending"
	StepCompensated CompensationStepStatus = "compensated"
	StepFailed      CompensationStepStatus = "failed"
	StepSkipped     CompensationStepStatus = "skipped" // Прямой шаг не выполнялся — откатывать нечего
)

// CompensationStep — один шаг саги: прямое действие + компенсация.
type CompensationStep struct {
	Name       string                 `json:"name"`
	Capability string                 `json:"capability"` // Какой handler откатывает
	Input      json.RawMessage        `json:"input,omitempty"`
	Completed  bool                   `json:"completed"` // Прямой шаг завершился
	Status     CompensationStepStatus `json:"status"`
	Attempts   int                    `json:"attempts"`
	StartedAt  *time.Time             `json:"started_at,omitempty"`
	FinishedAt *time.Time             `json:"finished_at,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// CompensationPlan — упорядоченный список шагов. Координатор идет
// строго в обратном порядке завершения.
type CompensationPlan struct {
	Steps  []CompensationStep `json:"steps"`
	Status CompensationStatus `json:"status"`
}

// SLASpec — декларативные цели рана.
type SLASpec struct {
	TargetMs     int64        `json:"target_ms"`
	BreachAction BreachAction `json:"breach_action"`
}

// Run — документ единицы работы. Создается роутером, мутируется Run Controller'ом
// и Saga Coordinator'ом. Ссылка на агента — внешний ключ, не указатель.
type Run struct {
	ID        string `json:"id"` // UUID
	WorkDefID string `json:"work_def_id"`
	AgentID   string `json:"agent_id"`
	ActorID   string `json:"actor_id"` // Кто инициировал (для идемпотентности)

	// Идемпотентность: детерминированный ключ (work_def, actor, hash входа)
	IdempotencyKey string `json:"idempotency_key"`
	// MutexScope — опциональный именованный скоуп взаимного исключения
	MutexScope string `json:"mutex_scope,omitempty"`

	Capability string            `json:"capability"` // Какой handler исполняет
	WorkType   string            `json:"work_type"`  // Тип работы для матчинга правил роутера
	Input      json.RawMessage   `json:"input,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
	Priority   int               `json:"priority"`

	State         RunState `json:"state"`
	PreviousState RunState `json:"previous_state"`

	Attempt     int `json:"attempt"`
	MaxAttempts int `json:"max_attempts"`

	Wait *WaitCondition    `json:"wait,omitempty"`
	Plan *CompensationPlan `json:"plan,omitempty"`
	SLA  *SLASpec          `json:"sla,omitempty"`

	// Idempotent объявляет, что side effects рана безопасно повторять.
	// Вместе с Checkpoint управляет судьбой осиротевшего рана.
	Idempotent bool            `json:"idempotent"`
	Checkpoint json.RawMessage `json:"checkpoint,omitempty"`

	Result json.RawMessage  `json:"result,omitempty"`
	Error  *StructuredError `json:"error,omitempty"`

	SLABreachedAt  *time.Time `json:"sla_breached_at,omitempty"`
	SLABreachCount int        `json:"sla_breach_count"`

	QueuedAt    time.Time  `json:"queued_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Version   int64     `json:"version"` // CAS
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasCompensations — есть что откатывать.
func (r *Run) HasCompensations() bool {
	return r.Plan != nil && len(r.Plan.Steps) > 0
}
