package handler

import (
	"context"
	"net/http"

	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/domain"
)

// StatsSource — агрегаты для дашборда (реализуется postgres.Repo).
type StatsSource interface {
	DashboardStats(ctx context.Context) (*domain.GlobalStats, error)
}

type DashboardHandler struct {
	source StatsSource
}

func NewDashboardHandler(source StatsSource) *DashboardHandler {
	return &DashboardHandler{source: source}
}

func (h *DashboardHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.source.DashboardStats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
