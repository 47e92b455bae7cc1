package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/spaceai-orchestrator-prototype/internal/domain"
)

// GetUserByUsername возвращает оператора для проверки пароля при логине.
func (r *Repo) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	var u domain.User
	var scopes []byte

	err := r.pool.QueryRow(ctx, `
		SELECT id, email, username, password_hash, role, scopes, created_at, updated_at
		FROM users WHERE username = $1`, username).Scan(
		&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.Role, &scopes, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: failed to get user: %w", err)
	}

	_ = json.Unmarshal(scopes, &u.Scopes)
	return &u, nil
}
