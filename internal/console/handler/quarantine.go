package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/domain"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/infra/auth"
)

// QuarantineTriage — воркфлоу разбора (реализуется quarantine.Manager).
type QuarantineTriage interface {
	Isolate(ctx context.Context, agentID string, trigger domain.QuarantineTrigger, ruleID, description string, severity domain.Severity) error
	AttachEvidence(ctx context.Context, quarantineID string, attachments []string) error
	UpdateChecklist(ctx context.Context, quarantineID string, checklist domain.ReenableChecklist) error
	Reenable(ctx context.Context, quarantineID, operator string, canary bool) error
	RollbackCanary(ctx context.Context, agentID, reason string) error
}

// QuarantineReader — чтение записей карантина (реализуется postgres.Repo).
type QuarantineReader interface {
	GetQuarantine(ctx context.Context, id string) (*domain.QuarantineRecord, error)
	ListQuarantines(ctx context.Context, onlyActive bool, limit int) ([]*domain.QuarantineRecord, error)
}

type QuarantineHandler struct {
	triage QuarantineTriage
	reader QuarantineReader
}

func NewQuarantineHandler(triage QuarantineTriage, reader QuarantineReader) *QuarantineHandler {
	return &QuarantineHandler{triage: triage, reader: reader}
}

// List — записи карантина. По умолчанию только активные.
// GET /v1/quarantines?active=false&limit=50
func (h *QuarantineHandler) List(w http.ResponseWriter, r *http.Request) {
	onlyActive := r.URL.Query().Get("active") != "false"
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	list, err := h.reader.ListQuarantines(r.Context(), onlyActive, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*domain.QuarantineRecord{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *QuarantineHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.reader.GetQuarantine(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type isolateRequest struct {
	AgentID     string          `json:"agent_id"`
	Description string          `json:"description"`
	Severity    domain.Severity `json:"severity"`
}

// Isolate — ручная изоляция агента оператором.
// POST /v1/quarantines
func (h *QuarantineHandler) Isolate(w http.ResponseWriter, r *http.Request) {
	var req isolateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == "" {
		http.Error(w, "agent_id is required", http.StatusBadRequest)
		return
	}
	if req.Severity == "" {
		req.Severity = domain.SeverityHigh
	}
	if req.Description == "" {
		req.Description = "manual isolation by " + auth.UserID(r.Context())
	}

	err := h.triage.Isolate(r.Context(), req.AgentID, domain.TriggerManual, "manual", req.Description, req.Severity)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

type evidenceRequest struct {
	Attachments []string `json:"attachments"`
}

// AttachEvidence — ссылки на внешние артефакты расследования.
// POST /v1/quarantines/{id}/evidence {"attachments":["s3://..."]}
func (h *QuarantineHandler) AttachEvidence(w http.ResponseWriter, r *http.Request) {
	var req evidenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Attachments) == 0 {
		http.Error(w, "attachments are required", http.StatusBadRequest)
		return
	}
	if err := h.triage.AttachEvidence(r.Context(), chi.URLParam(r, "id"), req.Attachments); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateChecklist — прогресс triage-воркфлоу.
// PUT /v1/quarantines/{id}/checklist
func (h *QuarantineHandler) UpdateChecklist(w http.ResponseWriter, r *http.Request) {
	var checklist domain.ReenableChecklist
	if err := json.NewDecoder(r.Body).Decode(&checklist); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.triage.UpdateChecklist(r.Context(), chi.URLParam(r, "id"), checklist); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type reenableRequest struct {
	Canary bool `json:"canary"`
}

// Reenable возвращает агента в строй. Неполный чеклист — 422.
// POST /v1/quarantines/{id}/reenable
func (h *QuarantineHandler) Reenable(w http.ResponseWriter, r *http.Request) {
	var req reenableRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	operator := auth.UserID(r.Context())
	if operator == "" {
		http.Error(w, "operator identity is required", http.StatusForbidden)
		return
	}

	if err := h.triage.Reenable(r.Context(), chi.URLParam(r, "id"), operator, req.Canary); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type rollbackRequest struct {
	Reason string `json:"reason"`
}

// RollbackCanary — ручной откат агента из canary-окна обратно в изоляцию.
// POST /v1/agents/{id}/rollback-canary
func (h *QuarantineHandler) RollbackCanary(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "manual rollback by " + auth.UserID(r.Context())
	}

	if err := h.triage.RollbackCanary(r.Context(), chi.URLParam(r, "id"), req.Reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
