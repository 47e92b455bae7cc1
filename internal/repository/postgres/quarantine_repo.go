package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/domain"
)

const quarantineColumns = `id, agent_id, trigger_kind, rule_id, description, severity,
	evidence, checklist, canary_until, suppress_rule_until, created_at, reenabled_at, COALESCE(reenabled_by, '')`

// CreateQuarantine сохраняет запись изоляции вместе с собранным evidence.
func (r *Repo) CreateQuarantine(ctx context.Context, q *domain.QuarantineRecord) error {
	evidence, _ := json.Marshal(q.Evidence)
	checklist, _ := json.Marshal(q.Checklist)

	query := `
		INSERT INTO quarantines (id, agent_id, trigger_kind, rule_id, description, severity,
			evidence, checklist, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`

	_, err := r.pool.Exec(ctx, query,
		q.ID, q.AgentID, q.Trigger, q.RuleID, q.Description, q.Severity, evidence, checklist)
	if err != nil {
		return fmt.Errorf("postgres: failed to create quarantine record: %w", err)
	}
	return nil
}

// GetQuarantine возвращает запись по ID.
func (r *Repo) GetQuarantine(ctx context.Context, id string) (*domain.QuarantineRecord, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+quarantineColumns+` FROM quarantines WHERE id = $1`, id)
	q, err := scanQuarantine(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: failed to get quarantine record: %w", err)
	}
	return q, nil
}

// ActiveQuarantineByAgent — открытая запись изоляции агента (если есть).
func (r *Repo) ActiveQuarantineByAgent(ctx context.Context, agentID string) (*domain.QuarantineRecord, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+quarantineColumns+` FROM quarantines
		WHERE agent_id = $1 AND reenabled_at IS NULL
		ORDER BY created_at DESC LIMIT 1`, agentID)
	q, err := scanQuarantine(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: failed to get active quarantine: %w", err)
	}
	return q, nil
}

// LastQuarantineByRule — последняя запись пары (агент, правило):
// по ней проверяется окно подавления после re-enable.
func (r *Repo) LastQuarantineByRule(ctx context.Context, agentID, ruleID string) (*domain.QuarantineRecord, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+quarantineColumns+` FROM quarantines
		WHERE agent_id = $1 AND rule_id = $2
		ORDER BY created_at DESC LIMIT 1`, agentID, ruleID)
	q, err := scanQuarantine(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: failed to get last quarantine by rule: %w", err)
	}
	return q, nil
}

// UpdateQuarantine сохраняет прогресс triage: чеклист, re-enable, canary, cooldown.
func (r *Repo) UpdateQuarantine(ctx context.Context, q *domain.QuarantineRecord) error {
	checklist, _ := json.Marshal(q.Checklist)

	ct, err := r.pool.Exec(ctx, `
		UPDATE quarantines
		SET checklist = $1, canary_until = $2, suppress_rule_until = $3,
		    reenabled_at = $4, reenabled_by = $5
		WHERE id = $6`,
		checklist, q.CanaryUntil, q.SuppressRuleUntil, q.ReenabledAt, q.ReenabledBy, q.ID)
	if err != nil {
		return fmt.Errorf("postgres: failed to update quarantine record: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListQuarantines — записи для консоли triage, свежие сверху.
func (r *Repo) ListQuarantines(ctx context.Context, onlyActive bool, limit int) ([]*domain.QuarantineRecord, error) {
	query := `SELECT ` + quarantineColumns + ` FROM quarantines`
	if onlyActive {
		query += ` WHERE reenabled_at IS NULL`
	}
	query += ` ORDER BY created_at DESC LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query quarantines: %w", err)
	}
	defer rows.Close()

	results := make([]*domain.QuarantineRecord, 0)
	for rows.Next() {
		q, err := scanQuarantine(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan quarantine: %w", err)
		}
		results = append(results, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}

// CanaryAgents — ID агентов в canary-режиме (прогрев кэша менеджера).
func (r *Repo) CanaryAgents(ctx context.Context, now time.Time) ([]string, error) {
	return r.queryIDs(ctx, `
		SELECT agent_id FROM quarantines
		WHERE reenabled_at IS NOT NULL AND canary_until > $1`, now)
}

func scanQuarantine(row rowScanner) (*domain.QuarantineRecord, error) {
	var q domain.QuarantineRecord
	var evidence, checklist []byte

	err := row.Scan(
		&q.ID, &q.AgentID, &q.Trigger, &q.RuleID, &q.Description, &q.Severity,
		&evidence, &checklist, &q.CanaryUntil, &q.SuppressRuleUntil,
		&q.CreatedAt, &q.ReenabledAt, &q.ReenabledBy,
	)
	if err != nil {
		return nil, err
	}

	_ = json.Unmarshal(evidence, &q.Evidence)
	_ = json.Unmarshal(checklist, &q.Checklist)
	return &q, nil
}
