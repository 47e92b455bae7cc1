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

/*
Агенты хранятся одной строкой на документ: FSM-поля и счетчик слотов — колонки
(по ним идут атомарные условные UPDATE), снапшоты health/failures и метки — JSONB.
Ран ссылается на агента по agent_id; агент хранит только счетчик current_runs —
обратного списка ранов нет, цикл ссылок исключен на уровне схемы.
*/

const agentColumns = `id, name, type, state, previous_state, state_changed_at,
	health, failures, max_runs, current_runs, capabilities, labels, region,
	cost_per_run, quarantine_id, timers, version, created_at, updated_at`

// CreateAgent регистрирует нового агента (state = registered, version = 1).
func (r *Repo) CreateAgent(ctx context.Context, a *domain.Agent) error {
	health, _ := json.Marshal(a.Health)
	failures, _ := json.Marshal(a.Failures)
	caps, _ := json.Marshal(a.Capabilities)
	labels, _ := json.Marshal(a.Labels)

	query := `
		INSERT INTO agents (id, name, type, state, previous_state, state_changed_at,
			health, failures, max_runs, current_runs, capabilities, labels, region,
			cost_per_run, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), $6, $7, $8, 0, $9, $10, $11, $12, 1, NOW(), NOW())`

	_, err := r.pool.Exec(ctx, query,
		a.ID, a.Name, a.Type, a.State, a.PreviousState,
		health, failures, a.Capacity.MaxConcurrentRuns, caps, labels, a.Region, a.CostPerRun)
	if err != nil {
		return fmt.Errorf("postgres: failed to create agent: %w", err)
	}
	return nil
}

// GetAgent возвращает документ агента по ID.
func (r *Repo) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	a, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: failed to get agent: %w", err)
	}
	return a, nil
}

// ListAgents возвращает всех агентов (таблица в консоли небольшая).
func (r *Repo) ListAgents(ctx context.Context) ([]*domain.Agent, error) {
	return r.queryAgents(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY created_at`)
}

// ListAgentsByState — выборка кандидатов для роутера и фоновых контроллеров.
func (r *Repo) ListAgentsByState(ctx context.Context, state domain.AgentState) ([]*domain.Agent, error) {
	return r.queryAgents(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE state = $1 ORDER BY created_at`, state)
}

// UpdateAgentCAS сохраняет документ с оптимистичной блокировкой: строка
// обновляется только при совпадении версии, иначе ErrVersionConflict.
func (r *Repo) UpdateAgentCAS(ctx context.Context, a *domain.Agent) error {
	health, _ := json.Marshal(a.Health)
	failures, _ := json.Marshal(a.Failures)
	caps, _ := json.Marshal(a.Capabilities)
	labels, _ := json.Marshal(a.Labels)

	timers, _ := json.Marshal(a.Timers)

	query := `
		UPDATE agents
		SET name = $1, state = $2, previous_state = $3, state_changed_at = $4,
		    health = $5, failures = $6, max_runs = $7, capabilities = $8,
		    labels = $9, region = $10, cost_per_run = $11, quarantine_id = $12,
		    timers = $13, version = version + 1, updated_at = NOW()
		WHERE id = $14 AND version = $15
		RETURNING version`

	var newVersion int64
	err := r.pool.QueryRow(ctx, query,
		a.Name, a.State, a.PreviousState, a.StateChangedAt,
		health, failures, a.Capacity.MaxConcurrentRuns, caps,
		labels, a.Region, a.CostPerRun, a.QuarantineID, timers,
		a.ID, a.Version).Scan(&newVersion)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Либо агента нет, либо версия устарела — для CAS это одно и то же
			return domain.ErrVersionConflict
		}
		return fmt.Errorf("postgres: failed to update agent: %w", err)
	}
	a.Version = newVersion
	return nil
}

// ReserveCapacity атомарно занимает один слот. Условие в WHERE — и есть CAS:
// конкурирующие роутеры не смогут занять последний слот дважды.
func (r *Repo) ReserveCapacity(ctx context.Context, agentID string) (bool, error) {
	ct, err := r.pool.Exec(ctx, `
		UPDATE agents
		SET current_runs = current_runs + 1, updated_at = NOW()
		WHERE id = $1 AND state = 'healthy' AND current_runs < max_runs`, agentID)
	if err != nil {
		return false, fmt.Errorf("postgres: failed to reserve capacity: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// ReleaseCapacity возвращает слот в пул (suspend, терминальные состояния).
func (r *Repo) ReleaseCapacity(ctx context.Context, agentID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE agents
		SET current_runs = GREATEST(current_runs - 1, 0), updated_at = NOW()
		WHERE id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("postgres: failed to release capacity: %w", err)
	}
	return nil
}

// RecordHeartbeat обновляет отметку живости без инкремента версии:
// heartbeat не конкурирует с переходами состояний.
func (r *Repo) RecordHeartbeat(ctx context.Context, agentID string, at time.Time) error {
	ct, err := r.pool.Exec(ctx, `
		UPDATE agents
		SET health = jsonb_set(health, '{last_heartbeat}', to_jsonb($1::timestamptz)),
		    updated_at = NOW()
		WHERE id = $2`, at, agentID)
	if err != nil {
		return fmt.Errorf("postgres: failed to record heartbeat: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// StaleAgents возвращает активных агентов без heartbeat после cutoff —
// кандидаты на пайплайн AgentDied.
func (r *Repo) StaleAgents(ctx context.Context, cutoff time.Time) ([]*domain.Agent, error) {
	return r.queryAgents(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE state IN ('healthy', 'degraded', 'draining')
		  AND (health->>'last_heartbeat')::timestamptz < $1`, cutoff)
}

// GetQuarantineAgents возвращает ID изолированных агентов для прогрева L1/L2 кэша.
func (r *Repo) GetQuarantineAgents(ctx context.Context) ([]string, error) {
	return r.queryIDs(ctx, `SELECT id FROM agents WHERE state = 'quarantined'`)
}

func (r *Repo) queryAgents(ctx context.Context, query string, args ...interface{}) ([]*domain.Agent, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query agents: %w", err)
	}
	defer rows.Close()

	// Пустой слайс, чтобы в JSON был [] вместо null
	results := make([]*domain.Agent, 0)
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan agent: %w", err)
		}
		results = append(results, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}

func (r *Repo) queryIDs(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query ids: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan id error: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return ids, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row rowScanner) (*domain.Agent, error) {
	var a domain.Agent
	var health, failures, caps, labels, timers []byte

	err := row.Scan(
		&a.ID, &a.Name, &a.Type, &a.State, &a.PreviousState, &a.StateChangedAt,
		&health, &failures, &a.Capacity.MaxConcurrentRuns, &a.Capacity.CurrentRuns,
		&caps, &labels, &a.Region, &a.CostPerRun, &a.QuarantineID, &timers,
		&a.Version, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	_ = json.Unmarshal(health, &a.Health)
	_ = json.Unmarshal(failures, &a.Failures)
	_ = json.Unmarshal(caps, &a.Capabilities)
	if len(labels) > 0 {
		_ = json.Unmarshal(labels, &a.Labels)
	}
	if len(timers) > 0 {
		_ = json.Unmarshal(timers, &a.Timers)
	}
	return &a, nil
}
