package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/domain"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/quarantine"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError переводит доменные ошибки в HTTP-статусы: конфликт конечного
// автомата — это 409, а не 500.
func writeError(w http.ResponseWriter, err error) {
	var tErr *domain.StateTransitionError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &tErr),
		errors.Is(err, domain.ErrAlreadyProcessed),
		errors.Is(err, domain.ErrInvalidApprovalTransition),
		errors.Is(err, domain.ErrVersionConflict),
		errors.Is(err, domain.ErrCancelForbidden),
		errors.Is(err, quarantine.ErrNotActive):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, quarantine.ErrChecklistIncomplete):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
