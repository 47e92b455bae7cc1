package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/infra"
)

// Repo — общий репозиторий оркестратора поверх pgxpool.
// Методы разнесены по файлам по доменам (agents, runs, timers, ...).
type Repo struct {
	pool *pgxpool.Pool
}

// NewRepo создает пул соединений по конфигурации и проверяет его Ping'ом.
func NewRepo(ctx context.Context, cfg infra.DatabaseConfig) (*Repo, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: invalid connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	pc.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: database unreachable: %w", err)
	}

	return &Repo{pool: pool}, nil
}

// Close освобождает пул при остановке сервиса.
func (r *Repo) Close() { r.pool.Close() }

// Ping проверяет доступность базы (healthcheck).
func (r *Repo) Ping(ctx context.Context) error { return r.pool.Ping(ctx) }
