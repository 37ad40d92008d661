package repos

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"rootsense/api/internal/models"
)

type UsersRepo struct {
	pool *pgxpool.Pool
}

func NewUsersRepo(pool *pgxpool.Pool) *UsersRepo {
	return &UsersRepo{pool: pool}
}

// UpsertFromToken records the verified identity on first sight and refreshes
// profile fields on every request that carries a token.
func (r *UsersRepo) UpsertFromToken(ctx context.Context, subject string, email string, name string, department string) (models.User, error) {
	var user models.User
	now := time.Now().UTC()
	err := r.pool.QueryRow(ctx, `
		INSERT INTO users (user_id, email, name, department, created_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			email = COALESCE(NULLIF(EXCLUDED.email, ''), users.email),
			name = COALESCE(NULLIF(EXCLUDED.name, ''), users.name),
			department = COALESCE(NULLIF(EXCLUDED.department, ''), users.department),
			last_seen_at = EXCLUDED.last_seen_at
		RETURNING user_id, email, name, department, created_at, last_seen_at
	`, subject, strings.TrimSpace(email), strings.TrimSpace(name), strings.TrimSpace(department), now).
		Scan(&user.UserID, &user.Email, &user.Name, &user.Department, &user.CreatedAt, &user.LastSeenAt)
	return user, err
}

func (r *UsersRepo) GetByID(ctx context.Context, userID string) (models.User, error) {
	var user models.User
	err := r.pool.QueryRow(ctx, `
		SELECT user_id, email, name, department, created_at, last_seen_at
		FROM users
		WHERE user_id = $1
	`, userID).
		Scan(&user.UserID, &user.Email, &user.Name, &user.Department, &user.CreatedAt, &user.LastSeenAt)
	return user, err
}
