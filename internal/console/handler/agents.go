package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/domain"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/infra/auth"
)

// AgentLifecycle — операции жизненного цикла (реализуется lifecycle.Controller).
type AgentLifecycle interface {
	Register(ctx context.Context, a *domain.Agent) error
	Validate(ctx context.Context, agentID string) error
	Allocate(ctx context.Context, agentID string) error
	ReportStartup(ctx context.Context, agentID string, ok bool, reason string) error
	Drain(ctx context.Context, agentID string) error
	Stop(ctx context.Context, agentID, reason string) error
	Restart(ctx context.Context, agentID string) error
	Retire(ctx context.Context, agentID string) error
	Heartbeat(ctx context.Context, agentID string) error
	ConfigureTimers(ctx context.Context, agentID string, overrides *domain.TimerOverrides) error
}

// AgentReader — чтение документов агентов (реализуется postgres.Repo).
type AgentReader interface {
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
	ListAgents(ctx context.Context) ([]*domain.Agent, error)
	ListAgentsByState(ctx context.Context, state domain.AgentState) ([]*domain.Agent, error)
}

type AgentHandler struct {
	lifecycle AgentLifecycle
	reader    AgentReader
}

func NewAgentHandler(lc AgentLifecycle, reader AgentReader) *AgentHandler {
	return &AgentHandler{lifecycle: lc, reader: reader}
}

// List возвращает агентов, опционально отфильтрованных по состоянию.
// GET /v1/agents?state=healthy
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	var (
		agents []*domain.Agent
		err    error
	)
	if state := r.URL.Query().Get("state"); state != "" {
		agents, err = h.reader.ListAgentsByState(r.Context(), domain.AgentState(state))
	} else {
		agents, err = h.reader.ListAgents(r.Context())
	}
	if err != nil {
		writeError(w, err)
		return
	}
	// Фронт получает пустой массив, а не null
	if agents == nil {
		agents = []*domain.Agent{}
	}
	writeJSON(w, http.StatusOK, agents)
}

func (h *AgentHandler) Get(w http.ResponseWriter, r *http.Request) {
	a, err := h.reader.GetAgent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// Register заявляет нового агента (state = registered).
// POST /v1/agents
func (h *AgentHandler) Register(w http.ResponseWriter, r *http.Request) {
	var a domain.Agent
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.lifecycle.Register(r.Context(), &a); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *AgentHandler) Validate(w http.ResponseWriter, r *http.Request) {
	h.simple(w, r, h.lifecycle.Validate)
}

func (h *AgentHandler) Allocate(w http.ResponseWriter, r *http.Request) {
	h.simple(w, r, h.lifecycle.Allocate)
}

// ReportStartup — отчет агента о запуске.
// POST /v1/agents/{id}/startup {"ok": false, "reason": "config missing"}
func (h *AgentHandler) ReportStartup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OK     bool   `json:"ok"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.lifecycle.ReportStartup(r.Context(), chi.URLParam(r, "id"), req.OK, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AgentHandler) Drain(w http.ResponseWriter, r *http.Request) {
	h.simple(w, r, h.lifecycle.Drain)
}

// Stop — жесткая остановка без drain, причина уходит в аудит.
func (h *AgentHandler) Stop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "stopped by " + auth.UserID(r.Context())
	}
	if err := h.lifecycle.Stop(r.Context(), chi.URLParam(r, "id"), req.Reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AgentHandler) Restart(w http.ResponseWriter, r *http.Request) {
	h.simple(w, r, h.lifecycle.Restart)
}

func (h *AgentHandler) Retire(w http.ResponseWriter, r *http.Request) {
	h.simple(w, r, h.lifecycle.Retire)
}

func (h *AgentHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	h.simple(w, r, h.lifecycle.Heartbeat)
}

// ConfigureTimers — декларативные переопределения проб и бэкоффа агента.
// Пустое тело сбрасывает переопределения на значения движка.
// PUT /v1/agents/{id}/timers {"probe":{"interval":5000000000},"backoff":{...}}
func (h *AgentHandler) ConfigureTimers(w http.ResponseWriter, r *http.Request) {
	var overrides *domain.TimerOverrides
	if err := json.NewDecoder(r.Body).Decode(&overrides); err != nil && err != io.EOF {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.lifecycle.ConfigureTimers(r.Context(), chi.URLParam(r, "id"), overrides); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AgentHandler) simple(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, agentID string) error) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "agent id is required", http.StatusBadRequest)
		return
	}
	if err := op(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
