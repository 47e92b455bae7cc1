package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/audit"
)

// WriteBatch сохраняет пачку записей аудита одним INSERT — вызывается
// батчинг-воркером следа, не контроллерами напрямую.
func (r *Repo) WriteBatch(ctx context.Context, entries []audit.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	query := `INSERT INTO audit_log (id, trace_id, kind, entity_id, actor_id,
		from_state, to_state, reason, status, details, error, duration_ms, created_at) VALUES `
	args := make([]interface{}, 0, len(entries)*13)

	for i, e := range entries {
		base := i * 13
		query += fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10, base+11, base+12, base+13)
		if i < len(entries)-1 {
			query += ", "
		}

		details, _ := json.Marshal(e.Details)
		args = append(args, e.ID, e.TraceID, e.Kind, e.EntityID, e.ActorID,
			e.FromState, e.ToState, e.Reason, e.Status, details, e.Error, e.DurationMs, e.Timestamp)
	}

	if _, err := r.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("postgres: failed to write audit batch: %w", err)
	}
	return nil
}

// AuditFilter — параметры выборки следа для консоли.
type AuditFilter struct {
	EntityID string
	Kind     audit.Kind
	Since    time.Time
	Limit    int
}

// QueryAudit возвращает записи следа, свежие сверху.
func (r *Repo) QueryAudit(ctx context.Context, f AuditFilter) ([]audit.Entry, error) {
	query := `SELECT id, trace_id, kind, entity_id, actor_id, from_state, to_state,
		reason, status, details, error, duration_ms, created_at FROM audit_log WHERE 1=1`
	args := make([]interface{}, 0, 4)

	if f.EntityID != "" {
		args = append(args, f.EntityID)
		query += fmt.Sprintf(" AND entity_id = $%d", len(args))
	}
	if f.Kind != "" {
		args = append(args, f.Kind)
		query += fmt.Sprintf(" AND kind = $%d", len(args))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query audit log: %w", err)
	}
	defer rows.Close()

	results := make([]audit.Entry, 0)
	for rows.Next() {
		var e audit.Entry
		var details []byte
		err := rows.Scan(&e.ID, &e.TraceID, &e.Kind, &e.EntityID, &e.ActorID,
			&e.FromState, &e.ToState, &e.Reason, &e.Status, &details, &e.Error,
			&e.DurationMs, &e.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan audit entry: %w", err)
		}
		if len(details) > 0 {
			_ = json.Unmarshal(details, &e.Details)
		}
		results = append(results, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}

// RecentEntries — хвост следа сущности (evidence при изоляции агента).
func (r *Repo) RecentEntries(ctx context.Context, entityID string, limit int) ([]audit.Entry, error) {
	return r.QueryAudit(ctx, AuditFilter{EntityID: entityID, Limit: limit})
}
