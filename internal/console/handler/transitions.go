package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/domain"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/infra/auth"
)

// AgentTransitioner — универсальный переход агента (реализуется lifecycle.Controller).
type AgentTransitioner interface {
	Transition(ctx context.Context, agentID string, to domain.AgentState, reason string) error
}

type TransitionHandler struct {
	ctrl   AgentTransitioner
	reader AgentReader
}

func NewTransitionHandler(ctrl AgentTransitioner, reader AgentReader) *TransitionHandler {
	return &TransitionHandler{ctrl: ctrl, reader: reader}
}

type transitionRequest struct {
	EntityID string `json:"entity_id"`
	Event    string `json:"event"` // Целевое состояние FSM
	ActorID  string `json:"actor_id"`
	Reason   string `json:"reason"`
}

type transitionResponse struct {
	EntityID string            `json:"entity_id"`
	State    domain.AgentState `json:"state"`
}

// Apply — управляемая смена состояния. Нелегальное событие отвечает 409
// с типизированной ошибкой, успех возвращает новое состояние.
// POST /v1/transitions {"entity_id":"...","event":"draining","reason":"..."}
func (h *TransitionHandler) Apply(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.EntityID == "" || req.Event == "" {
		http.Error(w, "entity_id and event are required", http.StatusBadRequest)
		return
	}
	if req.ActorID == "" {
		req.ActorID = auth.UserID(r.Context())
	}
	if req.Reason == "" {
		req.Reason = "transition requested by " + req.ActorID
	}

	if err := h.ctrl.Transition(r.Context(), req.EntityID, domain.AgentState(req.Event), req.Reason); err != nil {
		writeError(w, err)
		return
	}

	a, err := h.reader.GetAgent(r.Context(), req.EntityID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transitionResponse{EntityID: a.ID, State: a.State})
}
