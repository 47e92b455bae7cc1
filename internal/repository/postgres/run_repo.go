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

const runColumns = `id, work_def_id, agent_id, actor_id, idempotency_key, mutex_scope,
	capability, work_type, input, labels, priority, state, previous_state, attempt, max_attempts,
	wait, plan, sla, idempotent, checkpoint, result, error, sla_breached_at,
	sla_breach_count, queued_at, started_at, completed_at, version, created_at, updated_at`

// CreateRun сохраняет новый ран (state = pending, version = 1).
func (r *Repo) CreateRun(ctx context.Context, run *domain.Run) error {
	labels, _ := json.Marshal(run.Labels)
	wait := marshalNullable(run.Wait)
	plan := marshalNullable(run.Plan)
	sla := marshalNullable(run.SLA)
	serr := marshalNullable(run.Error)

	query := `
		INSERT INTO runs (id, work_def_id, agent_id, actor_id, idempotency_key, mutex_scope,
			capability, work_type, input, labels, priority, state, previous_state, attempt, max_attempts,
			wait, plan, sla, idempotent, checkpoint, result, error, sla_breach_count,
			queued_at, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22, 0, $23, 1, NOW(), NOW())`

	_, err := r.pool.Exec(ctx, query,
		run.ID, run.WorkDefID, run.AgentID, run.ActorID, run.IdempotencyKey, run.MutexScope,
		run.Capability, run.WorkType, []byte(run.Input), labels, run.Priority, run.State, run.PreviousState,
		run.Attempt, run.MaxAttempts, wait, plan, sla, run.Idempotent,
		[]byte(run.Checkpoint), []byte(run.Result), serr, run.QueuedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to create run: %w", err)
	}
	return nil
}

// GetRun возвращает документ рана по ID.
func (r *Repo) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: failed to get run: %w", err)
	}
	return run, nil
}

// UpdateRunCAS — оптимистичная запись документа рана (см. UpdateAgentCAS).
func (r *Repo) UpdateRunCAS(ctx context.Context, run *domain.Run) error {
	labels, _ := json.Marshal(run.Labels)
	wait := marshalNullable(run.Wait)
	plan := marshalNullable(run.Plan)
	sla := marshalNullable(run.SLA)
	serr := marshalNullable(run.Error)

	query := `
		UPDATE runs
		SET agent_id = $1, state = $2, previous_state = $3, attempt = $4,
		    wait = $5, plan = $6, sla = $7, labels = $8, checkpoint = $9, result = $10,
		    error = $11, sla_breached_at = $12, sla_breach_count = $13,
		    started_at = $14, completed_at = $15,
		    version = version + 1, updated_at = NOW()
		WHERE id = $16 AND version = $17
		RETURNING version`

	var newVersion int64
	err := r.pool.QueryRow(ctx, query,
		run.AgentID, run.State, run.PreviousState, run.Attempt,
		wait, plan, sla, labels, []byte(run.Checkpoint), []byte(run.Result),
		serr, run.SLABreachedAt, run.SLABreachCount,
		run.StartedAt, run.CompletedAt,
		run.ID, run.Version).Scan(&newVersion)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrVersionConflict
		}
		return fmt.Errorf("postgres: failed to update run: %w", err)
	}
	run.Version = newVersion
	return nil
}

// FindSucceededByIdempotencyKey ищет завершенный ран с тем же ключом:
// проверка идемпотентности ДО создания нового рана.
func (r *Repo) FindSucceededByIdempotencyKey(ctx context.Context, key string) (*domain.Run, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE idempotency_key = $1 AND state = 'succeeded'
		ORDER BY completed_at DESC LIMIT 1`, key)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // Кэша нет — исполняем заново
		}
		return nil, fmt.Errorf("postgres: idempotency lookup failed: %w", err)
	}
	return run, nil
}

// ListActiveRunsByAgent — in-flight раны агента (drain, orphan-разбор).
func (r *Repo) ListActiveRunsByAgent(ctx context.Context, agentID string) ([]*domain.Run, error) {
	return r.queryRuns(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE agent_id = $1
		  AND state IN ('pending', 'running', 'waiting_io', 'waiting_hitl', 'compensating')
		ORDER BY queued_at`, agentID)
}

// ListRunsByState — выборка для фоновых циклов контроллера.
func (r *Repo) ListRunsByState(ctx context.Context, state domain.RunState, limit int) ([]*domain.Run, error) {
	return r.queryRuns(ctx, `
		SELECT `+runColumns+` FROM runs WHERE state = $1
		ORDER BY priority DESC, queued_at LIMIT $2`, state, limit)
}

// ExpiredWaits возвращает раны в состоянии ожидания с просроченным дедлайном.
func (r *Repo) ExpiredWaits(ctx context.Context, now time.Time, limit int) ([]*domain.Run, error) {
	return r.queryRuns(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE state IN ('waiting_io', 'waiting_hitl')
		  AND (wait->>'timeout_at')::timestamptz < $1
		ORDER BY (wait->>'timeout_at')::timestamptz LIMIT $2`, now, limit)
}

func (r *Repo) queryRuns(ctx context.Context, query string, args ...interface{}) ([]*domain.Run, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query runs: %w", err)
	}
	defer rows.Close()

	results := make([]*domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan run: %w", err)
		}
		results = append(results, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}

func scanRun(row rowScanner) (*domain.Run, error) {
	var run domain.Run
	var labels, wait, plan, sla, checkpoint, result, serr, input []byte

	err := row.Scan(
		&run.ID, &run.WorkDefID, &run.AgentID, &run.ActorID, &run.IdempotencyKey, &run.MutexScope,
		&run.Capability, &run.WorkType, &input, &labels, &run.Priority, &run.State, &run.PreviousState,
		&run.Attempt, &run.MaxAttempts, &wait, &plan, &sla, &run.Idempotent,
		&checkpoint, &result, &serr, &run.SLABreachedAt, &run.SLABreachCount,
		&run.QueuedAt, &run.StartedAt, &run.CompletedAt, &run.Version, &run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Input = input
	run.Checkpoint = checkpoint
	run.Result = result
	if len(labels) > 0 {
		_ = json.Unmarshal(labels, &run.Labels)
	}
	unmarshalNullable(wait, &run.Wait)
	unmarshalNullable(plan, &run.Plan)
	unmarshalNullable(sla, &run.SLA)
	unmarshalNullable(serr, &run.Error)
	return &run, nil
}

// marshalNullable превращает nil-указатель в SQL NULL, а не в строку "null".
func marshalNullable(v interface{}) []byte {
	switch x := v.(type) {
	case *domain.WaitCondition:
		if x == nil {
			return nil
		}
	case *domain.CompensationPlan:
		if x == nil {
			return nil
		}
	case *domain.SLASpec:
		if x == nil {
			return nil
		}
	case *domain.StructuredError:
		if x == nil {
			return nil
		}
	}
	data, _ := json.Marshal(v)
	return data
}

func unmarshalNullable[T any](data []byte, dst **T) {
	if len(data) == 0 {
		return
	}
	var v T
	if err := json.Unmarshal(data, &v); err == nil {
		*dst = &v
	}
}
