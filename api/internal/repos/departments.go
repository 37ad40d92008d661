package repos

import (
	"context"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"

	"rootsense/api/internal/models"
	"rootsense/shared/workflow"
)

// Scoring weights for the department leaderboard.
const (
	pointsPerTree          = 50
	pointsPerIssueReported = 10
	pointsPerIssueResolved = 30
)

type DepartmentsRepo struct {
	pool *pgxpool.Pool
}

func NewDepartmentsRepo(pool *pgxpool.Pool) *DepartmentsRepo {
	return &DepartmentsRepo{pool: pool}
}

// Leaderboard aggregates per-department contributions from trees and issues.
// Scores are always computed from the rows, never stored.
func (r *DepartmentsRepo) Leaderboard(ctx context.Context, limit int) ([]models.DepartmentScore, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx, `
		WITH tree_counts AS (
			SELECT department, count(*) AS trees_added
			FROM trees
			WHERE department <> ''
			GROUP BY department
		), issue_counts AS (
			SELECT department,
				count(*) AS issues_reported,
				count(*) FILTER (WHERE status = $1) AS issues_resolved
			FROM issues
			WHERE department <> ''
			GROUP BY department
		)
		SELECT COALESCE(t.department, i.department) AS department,
			COALESCE(t.trees_added, 0),
			COALESCE(i.issues_reported, 0),
			COALESCE(i.issues_resolved, 0)
		FROM tree_counts t
		FULL OUTER JOIN issue_counts i ON t.department = i.department
	`, workflow.IssueStatusResolved)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scores []models.DepartmentScore
	for rows.Next() {
		var s models.DepartmentScore
		if err := rows.Scan(&s.Department, &s.TreesAdded, &s.IssuesReported, &s.IssuesResolved); err != nil {
			return nil, err
		}
		s.Points = s.TreesAdded*pointsPerTree + s.IssuesReported*pointsPerIssueReported + s.IssuesResolved*pointsPerIssueResolved
		scores = append(scores, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Points != scores[j].Points {
			return scores[i].Points > scores[j].Points
		}
		return scores[i].Department < scores[j].Department
	})
	if len(scores) > limit {
		scores = scores[:limit]
	}
	for i := range scores {
		scores[i].Rank = i + 1
	}
	return scores, nil
}
