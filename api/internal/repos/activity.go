package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"rootsense/api/internal/models"
)

type ActivityRepo struct {
	pool *pgxpool.Pool
}

func NewActivityRepo(pool *pgxpool.Pool) *ActivityRepo {
	return &ActivityRepo{pool: pool}
}

// Insert materializes one feed row. The consumer keys rows by the outbox
// event id so redelivered Kafka messages stay idempotent.
func (r *ActivityRepo) Insert(ctx context.Context, item models.ActivityItem) error {
	if item.ActivityID == uuid.Nil {
		item.ActivityID = uuid.New()
	}
	if item.OccurredAt.IsZero() {
		item.OccurredAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO activity_items (activity_id, event_type, description, actor, department, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (activity_id) DO NOTHING
	`, item.ActivityID, item.EventType, item.Description, item.Actor, item.Department, item.Payload, item.OccurredAt)
	return err
}

func (r *ActivityRepo) ListRecent(ctx context.Context, limit int) ([]models.ActivityItem, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx, `
		SELECT activity_id, event_type, description, actor, department, payload, occurred_at
		FROM activity_items
		ORDER BY occurred_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []models.ActivityItem
	for rows.Next() {
		var item models.ActivityItem
		if err := rows.Scan(&item.ActivityID, &item.EventType, &item.Description, &item.Actor, &item.Department, &item.Payload, &item.OccurredAt); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
