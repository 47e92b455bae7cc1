package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/domain"
)

// DashboardStats — агрегаты для дашборда консоли одним заходом в Postgres.
func (r *Repo) DashboardStats(ctx context.Context) (*domain.GlobalStats, error) {
	stats := &domain.GlobalStats{
		AgentsByState: make(map[string]int),
		RunsByState:   make(map[string]int),
		GeneratedAt:   time.Now(),
	}

	rows, err := r.pool.Query(ctx, `SELECT state, COUNT(*) FROM agents GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to count agents by state: %w", err)
	}
	if err := scanStateCounts(rows, stats.AgentsByState); err != nil {
		return nil, err
	}

	rows, err = r.pool.Query(ctx, `SELECT state, COUNT(*) FROM runs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to count runs by state: %w", err)
	}
	if err := scanStateCounts(rows, stats.RunsByState); err != nil {
		return nil, err
	}

	err = r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM approvals WHERE status = 'PENDING'`).Scan(&stats.PendingApprovals)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to count pending approvals: %w", err)
	}

	err = r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM quarantines WHERE reenabled_at IS NULL`).Scan(&stats.ActiveQuarantines)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to count active quarantines: %w", err)
	}

	err = r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM audit_log
		WHERE kind = $1 AND created_at >= NOW() - INTERVAL '24 hours'`,
		"SLA_BREACH").Scan(&stats.SLABreaches24h)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to count sla breaches: %w", err)
	}

	return stats, nil
}

func scanStateCounts(rows pgx.Rows, into map[string]int) error {
	defer rows.Close()
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return fmt.Errorf("postgres: failed to scan state count: %w", err)
		}
		into[state] = n
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return nil
}
