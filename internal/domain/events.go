package domain

import (
	"encoding/json"
	"time"
)

// EventType — типы событий, уходящих во внешнюю шину.
type EventType string

const (
	EventAgentTransition EventType = "agent.transition"
	EventRunTransition   EventType = "run.transition"
	EventSLABreach       EventType = "sla.breach"
	EventQuarantine      EventType = "quarantine.triggered"
	EventQuarantineLift  EventType = "quarantine.lifted"
	EventApprovalNeeded  EventType = "approval.requested"
	EventEscalation      EventType = "routing.escalation"
)

// Event — конверт события для шины. Потребители — внешний Event Bus
// и observability-коллабораторы, формат менять аккуратно.
type Event struct {
	ID       string          `json:"id"`
	Type     EventType       `json:"type"`
	EntityID string          `json:"entity_id"`
	ActorID  string          `json:"actor_id,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	At       time.Time       `json:"at"`
}

// TransitionPayload — тело события смены состояния.
type TransitionPayload struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}
