package domain

import (
	"encoding/json"
	"time"
)

// QuarantineTrigger — категория причины изоляции.
type QuarantineTrigger string

const (
	TriggerSecurity      QuarantineTrigger = "security_violation"
	TriggerPolicy        QuarantineTrigger = "policy_violation"
	TriggerAnomaly       QuarantineTrigger = "anomaly_score"
	TriggerResourceAbuse QuarantineTrigger = "resource_abuse"
	TriggerFailureRate   QuarantineTrigger = "repeated_failures"
	TriggerManual        QuarantineTrigger = "manual"
)

// Severity карантинного события.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// EvidenceBundle собирается СИНХРОННО до изоляции: потом состояние агента
// уже затерто переходом, а логи уехали из горячего буфера.
type EvidenceBundle struct {
	AgentSnapshot  json.RawMessage `json:"agent_snapshot"`          // Документ агента на момент триггера
	RecentEvents   json.RawMessage `json:"recent_events,omitempty"` // Хвост аудита
	Metrics        json.RawMessage `json:"metrics,omitempty"`       // Срез метрик
	SecurityEvents json.RawMessage `json:"security_events,omitempty"`
	Attachments    []string        `json:"attachments,omitempty"` // Ссылки на внешние артефакты
}

// ReenableChecklist — чеклист возврата в строй. Все пункты обязательны.
type ReenableChecklist struct {
	RootCauseIdentified bool `json:"root_cause_identified"`
	RemediationApplied  bool `json:"remediation_applied"`
	TestsPassed         bool `json:"tests_passed"`
	ApprovalsGathered   bool `json:"approvals_gathered"`
}

// Complete — агент можно возвращать в registered.
func (c ReenableChecklist) Complete() bool {
	return c.RootCauseIdentified && c.RemediationApplied && c.TestsPassed && c.ApprovalsGathered
}

// QuarantineRecord создается при срабатывании правила, мутируется только
// через triage-воркфлоу и закрывается только явным re-enable.
type QuarantineRecord struct {
	ID      string            `json:"id"`
	AgentID string            `json:"agent_id"`
	Trigger QuarantineTrigger `json:"trigger"`
	RuleID  string            `json:"rule_id"`
	// Description — человекочитаемое описание правила, всегда присутствует в событии
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`

	Evidence  EvidenceBundle    `json:"evidence"`
	Checklist ReenableChecklist `json:"checklist"`

	// Canary: после re-enable агент может работать в ограниченном режиме
	// с расширенным окном наблюдения и автооткатом.
	CanaryUntil *time.Time `json:"canary_until,omitempty"`

	// Cooldown: окно подавления повторного срабатывания того же правила
	// сразу после возврата в строй (см. DESIGN.md, Open Question).
	SuppressRuleUntil *time.Time `json:"suppress_rule_until,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ReenabledAt *time.Time `json:"reenabled_at,omitempty"`
	ReenabledBy string     `json:"reenabled_by,omitempty"`
}

// Active — запись еще держит агента в изоляции.
func (q *QuarantineRecord) Active() bool { return q.ReenabledAt == nil }
