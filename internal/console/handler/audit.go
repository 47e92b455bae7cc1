package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/audit"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/repository/postgres"
)

// AuditSource — выборка следа (реализуется postgres.Repo).
type AuditSource interface {
	QueryAudit(ctx context.Context, f postgres.AuditFilter) ([]audit.Entry, error)
}

type AuditHandler struct {
	source AuditSource
}

func NewAuditHandler(source AuditSource) *AuditHandler {
	return &AuditHandler{source: source}
}

// Query возвращает записи следа, свежие сверху.
// GET /v1/audit?entity_id=...&kind=TRANSITION&since=2026-08-23T00:00:00Z&limit=50
func (h *AuditHandler) Query(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := postgres.AuditFilter{
		EntityID: q.Get("entity_id"),
		Kind:     audit.Kind(q.Get("kind")),
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			http.Error(w, "since must be RFC3339", http.StatusBadRequest)
			return
		}
		filter.Since = t
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))

	entries, err := h.source.QueryAudit(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
