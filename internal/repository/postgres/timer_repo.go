package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/domain"
)

const timerColumns = `id, entity_id, kind, deadline, epoch, action, fired, created_at`

// UpsertTimer взводит или перевзводит таймер. Перевзвод по тому же ID
// поднимает epoch — старая доставка перестает проходить дедупликацию.
func (r *Repo) UpsertTimer(ctx context.Context, t *domain.Timer) (int64, error) {
	query := `
		INSERT INTO timers (id, entity_id, kind, deadline, epoch, action, fired, created_at)
		VALUES ($1, $2, $3, $4, 1, $5, FALSE, NOW())
		ON CONFLICT (id) DO UPDATE
		SET deadline = EXCLUDED.deadline, action = EXCLUDED.action,
		    fired = FALSE, epoch = timers.epoch + 1
		RETURNING epoch`

	var epoch int64
	err := r.pool.QueryRow(ctx, query,
		t.ID, t.EntityID, t.Kind, t.Deadline, t.Action).Scan(&epoch)
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to upsert timer: %w", err)
	}
	t.Epoch = epoch
	t.Fired = false
	return epoch, nil
}

// GetTimer возвращает таймер по ID.
func (r *Repo) GetTimer(ctx context.Context, id string) (*domain.Timer, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+timerColumns+` FROM timers WHERE id = $1`, id)
	t, err := scanTimer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: failed to get timer: %w", err)
	}
	return t, nil
}

// DueTimers — невыстрелившие таймеры с прошедшим дедлайном.
func (r *Repo) DueTimers(ctx context.Context, now time.Time, limit int) ([]*domain.Timer, error) {
	return r.queryTimers(ctx, `
		SELECT `+timerColumns+` FROM timers
		WHERE fired = FALSE AND deadline <= $1
		ORDER BY deadline LIMIT $2`, now, limit)
}

// PendingTimers — все взведенные таймеры: перезагрузка расписания при старте,
// чтобы дедлайны пережили рестарт процесса.
func (r *Repo) PendingTimers(ctx context.Context) ([]*domain.Timer, error) {
	return r.queryTimers(ctx, `
		SELECT `+timerColumns+` FROM timers WHERE fired = FALSE ORDER BY deadline`)
}

// MarkTimerFired помечает таймер выстрелившим строго в своей эпохе:
// перевзведенный таймер эта отметка не трогает.
func (r *Repo) MarkTimerFired(ctx context.Context, id string, epoch int64) (bool, error) {
	ct, err := r.pool.Exec(ctx, `
		UPDATE timers SET fired = TRUE
		WHERE id = $1 AND epoch = $2 AND fired = FALSE`, id, epoch)
	if err != nil {
		return false, fmt.Errorf("postgres: failed to mark timer fired: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// CancelTimer снимает таймер (откат назначения, терминальный переход).
func (r *Repo) CancelTimer(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM timers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to cancel timer: %w", err)
	}
	return nil
}

// CancelTimersForEntity снимает все таймеры сущности (терминальный переход рана).
func (r *Repo) CancelTimersForEntity(ctx context.Context, entityID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM timers WHERE entity_id = $1`, entityID)
	if err != nil {
		return fmt.Errorf("postgres: failed to cancel entity timers: %w", err)
	}
	return nil
}

func (r *Repo) queryTimers(ctx context.Context, query string, args ...interface{}) ([]*domain.Timer, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query timers: %w", err)
	}
	defer rows.Close()

	results := make([]*domain.Timer, 0)
	for rows.Next() {
		t, err := scanTimer(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan timer: %w", err)
		}
		results = append(results, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}

func scanTimer(row rowScanner) (*domain.Timer, error) {
	var t domain.Timer
	err := row.Scan(&t.ID, &t.EntityID, &t.Kind, &t.Deadline, &t.Epoch, &t.Action, &t.Fired, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
