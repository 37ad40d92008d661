package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Tree struct {
	ID             uuid.UUID `json:"id"`
	TreeID         string    `json:"tree_id"`
	Location       string    `json:"location"`
	Species        string    `json:"species"`
	Health         string    `json:"health"`
	GreenCoverage  float64   `json:"green_coverage"`
	LeafDensity    float64   `json:"leaf_density"`
	WaterNeeds     string    `json:"water_needs"`
	Recommendation string    `json:"recommendation"`
	ImageURL       string    `json:"image_url"`
	Confidence     float64   `json:"confidence"`
	ReportedBy     string    `json:"reported_by"`
	Department     string    `json:"department"`
	CreatedAt      time.Time `json:"created_at"`
}

type Issue struct {
	IssueID     uuid.UUID  `json:"issue_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Type        string     `json:"type"`
	Priority    string     `json:"priority"`
	Status      string     `json:"status"`
	Location    string     `json:"location"`
	ReportedBy  string     `json:"reported_by"`
	Department  string     `json:"department"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

type IssueEvent struct {
	EventID     int64           `json:"event_id"`
	IssueID     uuid.UUID       `json:"issue_id"`
	EventType   string          `json:"event_type"`
	FromStatus  *string         `json:"from_status,omitempty"`
	ToStatus    *string         `json:"to_status,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
	ActorUserID *string         `json:"actor_user_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// DepartmentScore is a leaderboard row, computed from trees and resolved
// issues rather than stored.
type DepartmentScore struct {
	Department     string `json:"department"`
	TreesAdded     int    `json:"trees_added"`
	IssuesReported int    `json:"issues_reported"`
	IssuesResolved int    `json:"issues_resolved"`
	Points         int    `json:"points"`
	Rank           int    `json:"rank"`
}

type ImpactStats struct {
	WaterSavedLiters float64 `json:"water_saved_liters"`
	CO2ReducedKg     float64 `json:"co2_reduced_kg"`
	EnergySavedKWh   float64 `json:"energy_saved_kwh"`
	WasteRecycledKg  float64 `json:"waste_recycled_kg"`
	IssuesResolved   int     `json:"issues_resolved"`
	TreesTracked     int     `json:"trees_tracked"`
}

type ActivityItem struct {
	ActivityID  uuid.UUID       `json:"activity_id"`
	EventType   string          `json:"event_type"`
	Description string          `json:"description"`
	Actor       string          `json:"actor"`
	Department  string          `json:"department"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

type OutboxEvent struct {
	EventID       uuid.UUID       `json:"event_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   uuid.UUID       `json:"aggregate_id"`
	Topic         string          `json:"topic"`
	Payload       json.RawMessage `json:"payload"`
	Status        string          `json:"status"`
	Attempts      int             `json:"attempts"`
	NextRetryAt   *time.Time      `json:"next_retry_at,omitempty"`
	LockedAt      *time.Time      `json:"locked_at,omitempty"`
	LockedBy      *string         `json:"locked_by,omitempty"`
	LastError     *string         `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	PublishedAt   *time.Time      `json:"published_at,omitempty"`
}

type User struct {
	UserID     string    `json:"user_id"`
	Email      string    `json:"email"`
	Name       string    `json:"name"`
	Department string    `json:"department"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

type AuditLog struct {
	AuditID    int64     `json:"audit_id"`
	RequestID  string    `json:"request_id"`
	Subject    string    `json:"subject"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	StatusCode int       `json:"status_code"`
	DurationMS int64     `json:"duration_ms"`
	ClientIP   string    `json:"client_ip"`
	UserAgent  string    `json:"user_agent"`
	OccurredAt time.Time `json:"occurred_at"`
}
