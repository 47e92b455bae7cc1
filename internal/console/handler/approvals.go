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

// ApprovalDecider закрывает HITL-гейт (реализуется router.Router).
type ApprovalDecider interface {
	HandleDecision(ctx context.Context, approvalID string, status domain.ApprovalStatus, reviewerID, comment *string) error
}

// ApprovalReader — очередь и детали заявок (реализуется postgres.Repo).
type ApprovalReader interface {
	GetApproval(ctx context.Context, id string) (*domain.ApprovalRequest, error)
	ListPendingApprovals(ctx context.Context, limit int) ([]*domain.ApprovalRequest, error)
}

type ApprovalHandler struct {
	decider ApprovalDecider
	reader  ApprovalReader
}

func NewApprovalHandler(decider ApprovalDecider, reader ApprovalReader) *ApprovalHandler {
	return &ApprovalHandler{decider: decider, reader: reader}
}

// List — очередь ревьюера, самые старые сверху.
// GET /v1/approvals?limit=50
func (h *ApprovalHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	list, err := h.reader.ListPendingApprovals(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*domain.ApprovalRequest{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *ApprovalHandler) Get(w http.ResponseWriter, r *http.Request) {
	a, err := h.reader.GetApproval(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type decideRequest struct {
	Approved bool   `json:"approved"`
	Comment  string `json:"comment"`
}

// Decide фиксирует решение оператора. Повторное решение по той же заявке
// вернет 409 — CAS по статусу PENDING в базе.
// POST /v1/approvals/{id}/decide
func (h *ApprovalHandler) Decide(w http.ResponseWriter, r *http.Request) {
	var req decideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	reviewerID := auth.UserID(r.Context())
	if reviewerID == "" {
		http.Error(w, "reviewer identity is required", http.StatusForbidden)
		return
	}

	status := domain.ApprovalRejected
	if req.Approved {
		status = domain.ApprovalApproved
	}
	var comment *string
	if req.Comment != "" {
		comment = &req.Comment
	}

	if err := h.decider.HandleDecision(r.Context(), chi.URLParam(r, "id"), status, &reviewerID, comment); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
