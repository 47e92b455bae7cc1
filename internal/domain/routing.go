package domain

import (
	"encoding/json"
	"time"
)

// SelectionStrategy — как выбрать агента среди подходящих кандидатов.
type SelectionStrategy string

const (
	StrategyPriority    SelectionStrategy = "priority"     // По приоритету агента (label)
	StrategyLeastLoaded SelectionStrategy = "least-loaded" // Максимум свободных слотов
	StrategyCostMin     SelectionStrategy = "cost-min"     // Минимальная цена слота
	StrategyRoundRobin  SelectionStrategy = "round-robin"
)

// EscalationStep — ступень лестницы эскалации при отсутствии кандидатов
// или просроченном HITL-гейте.
type EscalationStep struct {
	After  time.Duration `json:"after"`
	Action string        `json:"action"` // notify | escalate-role | timeout
	Target string        `json:"target,omitempty"`
}

// RiskCondition — динамический триггер HITL: если числовое поле payload
// превышает порог, маршрут требует ручного подтверждения даже без гейта.
type RiskCondition struct {
	RiskField string  `json:"risk_field"`
	Threshold float64 `json:"threshold"`
}

// RoutingRule — декларативное правило маршрутизации. Read-only вход роутера.
type RoutingRule struct {
	ID string `json:"id"`

	// Матчинг: тип работы и/или метки запроса
	MatchWorkType string            `json:"match_work_type,omitempty"` // "*" — любой
	MatchLabels   map[string]string `json:"match_labels,omitempty"`

	// Селекторы кандидатов
	RequiredCapabilities []string `json:"required_capabilities"`
	Region               string   `json:"region,omitempty"`      // Data residency
	CostBudget           float64  `json:"cost_budget,omitempty"` // 0 — без бюджета

	Strategy SelectionStrategy `json:"strategy"`

	// HITL-гейт: блокируем назначение до решения человека
	RequireApproval bool           `json:"require_approval"`
	ApprovalTimeout time.Duration  `json:"approval_timeout,omitempty"`
	Risk            *RiskCondition `json:"risk,omitempty"`

	Escalation []EscalationStep `json:"escalation,omitempty"`

	Priority  int       `json:"priority"` // Порядок перебора правил
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Matches проверяет предикат правила против запроса.
func (r *RoutingRule) Matches(workType string, labels map[string]string) bool {
	if r.MatchWorkType != "" && r.MatchWorkType != "*" && r.MatchWorkType != workType {
		return false
	}
	for k, v := range r.MatchLabels {
		if labels[k] != v {
			return false
		}
	}
	return true
}

// RouteDecision — аудируемая запись решения роутера: правило,
// список кандидатов и выбранный агент.
type RouteDecision struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	RuleID     string    `json:"rule_id"`
	Candidates []string  `json:"candidates"`
	ChosenID   string    `json:"chosen_id,omitempty"`
	Reason     string    `json:"reason,omitempty"` // Почему пусто/эскалация
	DecidedAt  time.Time `json:"decided_at"`
}

// RunRequest — запрос на создание рана (вход роутера).
type RunRequest struct {
	WorkDefID  string            `json:"work_def_id"`
	ActorID    string            `json:"actor_id"`
	Capability string            `json:"capability"`
	WorkType   string            `json:"work_type"`
	Labels     map[string]string `json:"labels,omitempty"`
	Input      json.RawMessage   `json:"input,omitempty"`
	Priority   int               `json:"priority"`

	MaxAttempts int    `json:"max_attempts,omitempty"`
	MutexScope  string `json:"mutex_scope,omitempty"`
	Idempotent  bool   `json:"idempotent"`

	SLA  *SLASpec          `json:"sla,omitempty"`
	Plan *CompensationPlan `json:"plan,omitempty"`
}
