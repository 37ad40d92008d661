package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Envelope struct {
	EventID       uuid.UUID       `json:"event_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   uuid.UUID       `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
}

const (
	TopicActivityEvents = "activity.events"
)

const (
	EventTreeAdded     = "tree_added"
	EventIssueReported = "issue_reported"
	EventIssueStarted  = "issue_started"
	EventIssueResolved = "issue_resolved"
)

// Payload shapes carried on activity.events. The consumer materializes these
// into the activity feed and the health-trend series.

type TreeAddedPayload struct {
	TreeID        string  `json:"tree_id"`
	Location      string  `json:"location"`
	Species       string  `json:"species"`
	Health        string  `json:"health"`
	GreenCoverage float64 `json:"green_coverage"`
	LeafDensity   float64 `json:"leaf_density"`
	ReportedBy    string  `json:"reported_by"`
	Department    string  `json:"department"`
}

type IssuePayload struct {
	IssueID    uuid.UUID `json:"issue_id"`
	Title      string    `json:"title"`
	Type       string    `json:"type"`
	Priority   string    `json:"priority"`
	Status     string    `json:"status"`
	Location   string    `json:"location"`
	ReportedBy string    `json:"reported_by"`
	Department string    `json:"department"`
}
