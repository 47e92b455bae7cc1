package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/domain"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/infra/auth"
)

// RunRouter принимает новую работу (реализуется router.Router).
type RunRouter interface {
	Submit(ctx context.Context, req domain.RunRequest) (*domain.Run, bool, error)
}

// RunOps — ручные операции над раном (реализуется runs.Controller).
type RunOps interface {
	Cancel(ctx context.Context, runID, actorID string) error
	Resume(ctx context.Context, runID string, payload json.RawMessage) error
	ConfigureSLA(ctx context.Context, runID string, spec *domain.SLASpec) error
}

// RunReader — чтение документов ранов (реализуется postgres.Repo).
type RunReader interface {
	GetRun(ctx context.Context, id string) (*domain.Run, error)
	ListRunsByState(ctx context.Context, state domain.RunState, limit int) ([]*domain.Run, error)
}

// Redriver перезапускает застрявший откат саги (реализуется saga.Coordinator).
type Redriver interface {
	Redrive(ctx context.Context, runID, operator string) error
}

type RunHandler struct {
	router   RunRouter
	ops      RunOps
	reader   RunReader
	redriver Redriver
}

func NewRunHandler(router RunRouter, ops RunOps, reader RunReader, redriver Redriver) *RunHandler {
	return &RunHandler{router: router, ops: ops, reader: reader, redriver: redriver}
}

type submitResponse struct {
	Run    *domain.Run `json:"run"`
	Cached bool        `json:"cached"`
}

// Submit — прием работы. Идемпотентный повтор возвращает закэшированный
// результат со статусом 200 вместо 201.
// POST /v1/runs
func (h *RunHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req domain.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ActorID == "" {
		req.ActorID = auth.UserID(r.Context())
	}

	run, cached, err := h.router.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusCreated
	if cached {
		status = http.StatusOK
	}
	writeJSON(w, status, submitResponse{Run: run, Cached: cached})
}

func (h *RunHandler) Get(w http.ResponseWriter, r *http.Request) {
	run, err := h.reader.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// List — раны в заданном состоянии (очередь pending, разбор orphaned).
// GET /v1/runs?state=orphaned&limit=50
func (h *RunHandler) List(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if state == "" {
		http.Error(w, "state query parameter is required", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	list, err := h.reader.ListRunsByState(r.Context(), domain.RunState(state), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*domain.Run{}
	}
	writeJSON(w, http.StatusOK, list)
}

// Cancel — ручная отмена. Во время компенсации вернет 409.
func (h *RunHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.ops.Cancel(r.Context(), chi.URLParam(r, "id"), auth.UserID(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Resume будит приостановленный ран: внешнее событие или решение человека.
// POST /v1/runs/{id}/resume — тело целиком уходит раном как чекпоинт.
func (h *RunHandler) Resume(w http.ResponseWriter, r *http.Request) {
	var payload json.RawMessage
	_ = json.NewDecoder(r.Body).Decode(&payload)

	if err := h.ops.Resume(r.Context(), chi.URLParam(r, "id"), payload); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ConfigureSLA меняет SLA рана на лету; null снимает SLA-таймер.
// PUT /v1/runs/{id}/sla {"target_ms":60000,"breach_action":"escalate"}
func (h *RunHandler) ConfigureSLA(w http.ResponseWriter, r *http.Request) {
	var spec *domain.SLASpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil && err != io.EOF {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.ops.ConfigureSLA(r.Context(), chi.URLParam(r, "id"), spec); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Compensate — ручной перезапуск застрявшего отката (failed -> compensating).
func (h *RunHandler) Compensate(w http.ResponseWriter, r *http.Request) {
	if err := h.redriver.Redrive(r.Context(), chi.URLParam(r, "id"), auth.UserID(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
