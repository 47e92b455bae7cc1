package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/domain"
)

const approvalColumns = `id, run_id, agent_id, capability, reason, status,
	reviewer_id, comment, expires_at, created_at, updated_at`

// CreateApproval регистрирует заявку HITL-гейта (status = PENDING).
func (r *Repo) CreateApproval(ctx context.Context, a *domain.ApprovalRequest) error {
	query := `
		INSERT INTO approvals (id, run_id, agent_id, capability, reason, status,
			expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'PENDING', $6, NOW(), NOW())`

	_, err := r.pool.Exec(ctx, query,
		a.ID, a.RunID, a.AgentID, a.Capability, a.Reason, a.ExpiresAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to create approval request: %w", err)
	}
	return nil
}

// GetApproval возвращает заявку по ID.
func (r *Repo) GetApproval(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = $1`, id)
	a, err := scanApproval(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: failed to get approval: %w", err)
	}
	return a, nil
}

// UpdateApprovalStatus атомарно закрывает заявку: условие status = 'PENDING'
// гарантирует, что два ревьюера не решат одну заявку дважды.
// Возвращает run_id закрытой заявки для пробуждения рана.
func (r *Repo) UpdateApprovalStatus(ctx context.Context, id string, status domain.ApprovalStatus, reviewerID, comment *string) (string, error) {
	query := `
		UPDATE approvals
		SET status = $1, reviewer_id = $2, comment = $3, updated_at = NOW()
		WHERE id = $4 AND status = 'PENDING'
		RETURNING run_id`

	var runID string
	err := r.pool.QueryRow(ctx, query, status, reviewerID, comment, id).Scan(&runID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrAlreadyProcessed
		}
		return "", fmt.Errorf("postgres: failed to update approval status: %w", err)
	}
	return runID, nil
}

// ListPendingApprovals — очередь ревьюера, самые старые сверху.
func (r *Repo) ListPendingApprovals(ctx context.Context, limit int) ([]*domain.ApprovalRequest, error) {
	return r.queryApprovals(ctx, `
		SELECT `+approvalColumns+` FROM approvals
		WHERE status = 'PENDING' ORDER BY created_at LIMIT $1`, limit)
}

// OverdueApprovals — просроченные PENDING-заявки для эскалации гейта.
func (r *Repo) OverdueApprovals(ctx context.Context, now time.Time, limit int) ([]*domain.ApprovalRequest, error) {
	return r.queryApprovals(ctx, `
		SELECT `+approvalColumns+` FROM approvals
		WHERE status = 'PENDING' AND expires_at <= $1
		ORDER BY expires_at LIMIT $2`, now, limit)
}

func (r *Repo) queryApprovals(ctx context.Context, query string, args ...interface{}) ([]*domain.ApprovalRequest, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query approvals: %w", err)
	}
	defer rows.Close()

	results := make([]*domain.ApprovalRequest, 0)
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan approval: %w", err)
		}
		results = append(results, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}

func scanApproval(row rowScanner) (*domain.ApprovalRequest, error) {
	var a domain.ApprovalRequest
	err := row.Scan(
		&a.ID, &a.RunID, &a.AgentID, &a.Capability, &a.Reason, &a.Status,
		&a.ReviewerID, &a.Comment, &a.ExpiresAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
