package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/domain"
)

/*
Правила маршрутизации читаются роутером на каждый запрос, а меняются
операторами редко, поэтому предикаты и селекторы лежат одним JSONB-документом:
колонки нужны только для сортировки (priority) и адресации (id).
*/

// CreateRoutingRule сохраняет новое правило.
func (r *Repo) CreateRoutingRule(ctx context.Context, rule *domain.RoutingRule) error {
	doc, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("postgres: failed to marshal routing rule: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO routing_rules (id, priority, doc, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())`, rule.ID, rule.Priority, doc)
	if err != nil {
		return fmt.Errorf("postgres: failed to create routing rule: %w", err)
	}
	return nil
}

// GetRoutingRule возвращает правило по ID.
func (r *Repo) GetRoutingRule(ctx context.Context, id string) (*domain.RoutingRule, error) {
	var doc []byte
	err := r.pool.QueryRow(ctx, `SELECT doc FROM routing_rules WHERE id = $1`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: failed to get routing rule: %w", err)
	}
	var rule domain.RoutingRule
	if err := json.Unmarshal(doc, &rule); err != nil {
		return nil, fmt.Errorf("postgres: corrupted routing rule document: %w", err)
	}
	return &rule, nil
}

// ListRoutingRules — все правила в порядке перебора роутером.
func (r *Repo) ListRoutingRules(ctx context.Context) ([]*domain.RoutingRule, error) {
	rows, err := r.pool.Query(ctx, `SELECT doc FROM routing_rules ORDER BY priority DESC, created_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query routing rules: %w", err)
	}
	defer rows.Close()

	results := make([]*domain.RoutingRule, 0)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan routing rule: %w", err)
		}
		var rule domain.RoutingRule
		if err := json.Unmarshal(doc, &rule); err != nil {
			return nil, fmt.Errorf("postgres: corrupted routing rule document: %w", err)
		}
		results = append(results, &rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}

// UpdateRoutingRule перезаписывает документ правила целиком.
func (r *Repo) UpdateRoutingRule(ctx context.Context, rule *domain.RoutingRule) error {
	doc, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("postgres: failed to marshal routing rule: %w", err)
	}
	ct, err := r.pool.Exec(ctx, `
		UPDATE routing_rules SET priority = $1, doc = $2, updated_at = NOW()
		WHERE id = $3`, rule.Priority, doc, rule.ID)
	if err != nil {
		return fmt.Errorf("postgres: failed to update routing rule: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DeleteRoutingRule удаляет правило.
func (r *Repo) DeleteRoutingRule(ctx context.Context, id string) error {
	ct, err := r.pool.Exec(ctx, `DELETE FROM routing_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to delete routing rule: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
