package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"rootsense/api/internal/models"
	"rootsense/shared/events"
	"rootsense/shared/logx"
)

const treeColumns = "id, tree_id, location, species, health, green_coverage, leaf_density, water_needs, recommendation, image_url, confidence, reported_by, department, created_at"

// undefinedTable is the SQLSTATE raised while the schema is still being
// provisioned. List treats it as a degraded read, not an outage.
const undefinedTable = "42P01"

type TreesRepo struct {
	pool   *pgxpool.Pool
	outbox *OutboxRepo
	log    logx.Logger
}

func NewTreesRepo(pool *pgxpool.Pool, outbox *OutboxRepo, log logx.Logger) *TreesRepo {
	return &TreesRepo{pool: pool, outbox: outbox, log: log}
}

// List returns every tree, newest first. When the trees relation does not
// exist yet the result degrades to an empty list with a warning so browsing
// stays available during provisioning.
func (r *TreesRepo) List(ctx context.Context) ([]models.Tree, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+treeColumns+`
		FROM trees
		ORDER BY created_at DESC
	`)
	if err != nil {
		if isUndefinedTable(err) {
			r.log.Warn(ctx, "trees_schema_unavailable", "trees relation missing, serving empty list")
			return []models.Tree{}, nil
		}
		return nil, err
	}
	defer rows.Close()

	trees := make([]models.Tree, 0, 32)
	for rows.Next() {
		var tree models.Tree
		if err := scanTree(rows, &tree); err != nil {
			return nil, err
		}
		trees = append(trees, tree)
	}
	return trees, rows.Err()
}

func (r *TreesRepo) GetByTreeID(ctx context.Context, treeID string) (models.Tree, error) {
	var tree models.Tree
	err := scanTree(r.pool.QueryRow(ctx, `
		SELECT `+treeColumns+`
		FROM trees
		WHERE tree_id = $1
	`, treeID), &tree)
	return tree, err
}

func (r *TreesRepo) Insert(ctx context.Context, tree models.Tree) (models.Tree, error) {
	return insertTree(ctx, r.pool, tree)
}

// InsertWithActivity writes the tree row and its activity event in one
// transaction so the feed can never report a save that did not land.
func (r *TreesRepo) InsertWithActivity(ctx context.Context, tree models.Tree, payload []byte) (models.Tree, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Tree{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	tree, err = insertTree(ctx, tx, tree)
	if err != nil {
		return models.Tree{}, err
	}

	_, err = r.outbox.Insert(ctx, tx, models.OutboxEvent{
		AggregateType: "tree",
		AggregateID:   tree.ID,
		Topic:         events.TopicActivityEvents,
		Payload:       payload,
	})
	if err != nil {
		return models.Tree{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Tree{}, err
	}
	return tree, nil
}

func (r *TreesRepo) CountByDepartment(ctx context.Context) (map[string]int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT department, count(*)
		FROM trees
		WHERE department <> ''
		GROUP BY department
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var department string
		var n int
		if err := rows.Scan(&department, &n); err != nil {
			return nil, err
		}
		counts[department] = n
	}
	return counts, rows.Err()
}

// ImageURLs lists every stored image URL. The blob sweep uses it to tell
// live objects from orphans.
func (r *TreesRepo) ImageURLs(ctx context.Context) (map[string]bool, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT image_url FROM trees WHERE image_url <> ''
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	urls := map[string]bool{}
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		urls[u] = true
	}
	return urls, rows.Err()
}

func insertTree(ctx context.Context, db DBTX, tree models.Tree) (models.Tree, error) {
	if tree.ID == uuid.Nil {
		tree.ID = uuid.New()
	}
	if tree.CreatedAt.IsZero() {
		tree.CreatedAt = time.Now().UTC()
	}
	err := scanTree(db.QueryRow(ctx, `
		INSERT INTO trees (id, tree_id, location, species, health, green_coverage, leaf_density, water_needs, recommendation, image_url, confidence, reported_by, department, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING `+treeColumns+`
	`, tree.ID, tree.TreeID, tree.Location, tree.Species, tree.Health, tree.GreenCoverage, tree.LeafDensity, tree.WaterNeeds, tree.Recommendation, tree.ImageURL, tree.Confidence, tree.ReportedBy, tree.Department, tree.CreatedAt), &tree)
	return tree, err
}

func scanTree(row pgx.Row, tree *models.Tree) error {
	return row.Scan(
		&tree.ID, &tree.TreeID, &tree.Location, &tree.Species, &tree.Health,
		&tree.GreenCoverage, &tree.LeafDensity, &tree.WaterNeeds, &tree.Recommendation,
		&tree.ImageURL, &tree.Confidence, &tree.ReportedBy, &tree.Department, &tree.CreatedAt,
	)
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == undefinedTable
}
