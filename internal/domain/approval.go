package domain

import (
	"errors"
	"time"
)

// Статусы State Machine заявки на подтверждение (HITL)
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
	ApprovalExpired  ApprovalStatus = "EXPIRED" // Гейт просрочен, сработала эскалация
)

var (
	ErrInvalidApprovalTransition = errors.New("invalid approval status transition")
	ErrAlreadyProcessed          = errors.New("approval request already processed")
)

// ApprovalRequest — заявка HITL-гейта. Пока она PENDING, ран стоит
// в waiting_hitl и не держит слот воркера.
type ApprovalRequest struct {
	ID         string         `json:"id"`
	RunID      string         `json:"run_id"`
	AgentID    string         `json:"agent_id"` // Кандидат, ждущий подтверждения
	Capability string         `json:"capability"`
	Reason     string         `json:"reason"` // Правило/риск-триггер, породивший гейт
	Status     ApprovalStatus `json:"status"`

	ReviewerID *string `json:"reviewer_id,omitempty"`
	Comment    *string `json:"comment,omitempty"`

	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CanTransitionTo проверяет правила конечного автомата заявки.
func (a *ApprovalRequest) CanTransitionTo(next ApprovalStatus) error {
	if a.Status != ApprovalPending {
		return ErrAlreadyProcessed
	}
	if next == ApprovalPending {
		return ErrInvalidApprovalTransition
	}
	return nil
}
