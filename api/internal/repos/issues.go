package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"rootsense/api/internal/models"
	"rootsense/shared/events"
	"rootsense/shared/workflow"
)

var ErrInvalidIssueTransition = errors.New("invalid issue transition")

const issueColumns = "issue_id, title, description, type, priority, status, location, reported_by, department, created_at, updated_at, resolved_at"

type IssuesRepo struct {
	pool   *pgxpool.Pool
	outbox *OutboxRepo
}

func NewIssuesRepo(pool *pgxpool.Pool, outbox *OutboxRepo) *IssuesRepo {
	return &IssuesRepo{pool: pool, outbox: outbox}
}

// Create writes the issue and its reported event in one transaction.
func (r *IssuesRepo) Create(ctx context.Context, issue models.Issue, activityPayload []byte) (models.Issue, error) {
	if issue.IssueID == uuid.Nil {
		issue.IssueID = uuid.New()
	}
	if issue.Status == "" {
		issue.Status = workflow.IssueStatusOpen
	}
	now := time.Now().UTC()
	if issue.CreatedAt.IsZero() {
		issue.CreatedAt = now
	}
	issue.UpdatedAt = issue.CreatedAt

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Issue{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	err = scanIssue(tx.QueryRow(ctx, `
		INSERT INTO issues (issue_id, title, description, type, priority, status, location, reported_by, department, created_at, updated_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING `+issueColumns+`
	`, issue.IssueID, issue.Title, issue.Description, issue.Type, issue.Priority, issue.Status, issue.Location, issue.ReportedBy, issue.Department, issue.CreatedAt, issue.UpdatedAt, issue.ResolvedAt), &issue)
	if err != nil {
		return models.Issue{}, err
	}

	if _, err = appendIssueEvent(ctx, tx, models.IssueEvent{
		IssueID:    issue.IssueID,
		EventType:  workflow.IssueEventReported,
		ToStatus:   &issue.Status,
		OccurredAt: issue.CreatedAt,
	}); err != nil {
		return models.Issue{}, err
	}

	if _, err = r.outbox.Insert(ctx, tx, models.OutboxEvent{
		AggregateType: "issue",
		AggregateID:   issue.IssueID,
		Topic:         events.TopicActivityEvents,
		Payload:       activityPayload,
	}); err != nil {
		return models.Issue{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Issue{}, err
	}
	return issue, nil
}

func (r *IssuesRepo) GetByID(ctx context.Context, issueID uuid.UUID) (models.Issue, error) {
	var issue models.Issue
	err := scanIssue(r.pool.QueryRow(ctx, `
		SELECT `+issueColumns+`
		FROM issues
		WHERE issue_id = $1
	`, issueID), &issue)
	return issue, err
}

// List returns issues newest first. Empty status or type match everything.
func (r *IssuesRepo) List(ctx context.Context, status string, issueType string, limit int, offset int) ([]models.Issue, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+issueColumns+`
		FROM issues
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR type = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, status, issueType, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var issues []models.Issue
	for rows.Next() {
		var issue models.Issue
		if err := scanIssue(rows, &issue); err != nil {
			return nil, err
		}
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

// Transition moves an issue to toStatus under FOR UPDATE, appends the status
// event, and enqueues the activity payload. A no-op transition commits
// without side effects and reports changed=false.
func (r *IssuesRepo) Transition(ctx context.Context, issueID uuid.UUID, toStatus string, actor string, activityPayload []byte) (models.Issue, bool, error) {
	toStatus = workflow.NormalizeIssueStatus(toStatus)

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Issue{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var issue models.Issue
	err = scanIssue(tx.QueryRow(ctx, `
		SELECT `+issueColumns+`
		FROM issues
		WHERE issue_id = $1
		FOR UPDATE
	`, issueID), &issue)
	if err != nil {
		return models.Issue{}, false, err
	}

	if issue.Status == toStatus {
		if err = tx.Commit(ctx); err != nil {
			return models.Issue{}, false, err
		}
		return issue, false, nil
	}
	if !workflow.CanTransition(issue.Status, toStatus) {
		err = ErrInvalidIssueTransition
		return models.Issue{}, false, err
	}
	eventType := workflow.EventTypeForTransition(issue.Status, toStatus)

	now := time.Now().UTC()
	var resolvedAt *time.Time
	if toStatus == workflow.IssueStatusResolved {
		resolvedAt = &now
	}
	_, err = tx.Exec(ctx, `
		UPDATE issues
		SET status = $2, updated_at = $3, resolved_at = COALESCE($4, resolved_at)
		WHERE issue_id = $1
	`, issueID, toStatus, now, resolvedAt)
	if err != nil {
		return models.Issue{}, false, err
	}

	fromStatus := issue.Status
	issue.Status = toStatus
	issue.UpdatedAt = now
	if resolvedAt != nil {
		issue.ResolvedAt = resolvedAt
	}

	if _, err = appendIssueEvent(ctx, tx, models.IssueEvent{
		IssueID:     issueID,
		EventType:   eventType,
		FromStatus:  &fromStatus,
		ToStatus:    &toStatus,
		OccurredAt:  now,
		ActorUserID: &actor,
	}); err != nil {
		return models.Issue{}, false, err
	}

	if len(activityPayload) > 0 {
		if _, err = r.outbox.Insert(ctx, tx, models.OutboxEvent{
			AggregateType: "issue",
			AggregateID:   issueID,
			Topic:         events.TopicActivityEvents,
			Payload:       activityPayload,
		}); err != nil {
			return models.Issue{}, false, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Issue{}, false, err
	}
	return issue, true, nil
}

func (r *IssuesRepo) CountsByDepartment(ctx context.Context) (reported map[string]int, resolved map[string]int, err error) {
	rows, err := r.pool.Query(ctx, `
		SELECT department,
			count(*),
			count(*) FILTER (WHERE status = $1)
		FROM issues
		WHERE department <> ''
		GROUP BY department
	`, workflow.IssueStatusResolved)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	reported = map[string]int{}
	resolved = map[string]int{}
	for rows.Next() {
		var department string
		var total, done int
		if err := rows.Scan(&department, &total, &done); err != nil {
			return nil, nil, err
		}
		reported[department] = total
		resolved[department] = done
	}
	return reported, resolved, rows.Err()
}

func appendIssueEvent(ctx context.Context, db DBTX, event models.IssueEvent) (models.IssueEvent, error) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	err := db.QueryRow(ctx, `
		INSERT INTO issue_events (issue_id, event_type, from_status, to_status, occurred_at, actor_user_id, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING event_id, issue_id, event_type, from_status, to_status, occurred_at, actor_user_id, payload
	`, event.IssueID, event.EventType, event.FromStatus, event.ToStatus, event.OccurredAt, event.ActorUserID, event.Payload).
		Scan(&event.EventID, &event.IssueID, &event.EventType, &event.FromStatus, &event.ToStatus, &event.OccurredAt, &event.ActorUserID, &event.Payload)
	return event, err
}

func scanIssue(row pgx.Row, issue *models.Issue) error {
	return row.Scan(
		&issue.IssueID, &issue.Title, &issue.Description, &issue.Type, &issue.Priority,
		&issue.Status, &issue.Location, &issue.ReportedBy, &issue.Department,
		&issue.CreatedAt, &issue.UpdatedAt, &issue.ResolvedAt,
	)
}
