package workflow

import "strings"

const (
	IssueStatusOpen       = "open"
	IssueStatusInProgress = "in_progress"
	IssueStatusResolved   = "resolved"
)

const (
	IssueEventReported = "issue_reported"
	IssueEventStarted  = "issue_started"
	IssueEventResolved = "issue_resolved"
)

var issueTransitions = map[string]map[string]string{
	IssueStatusOpen: {
		IssueStatusInProgress: IssueEventStarted,
		IssueStatusResolved:   IssueEventResolved,
	},
	IssueStatusInProgress: {
		IssueStatusResolved: IssueEventResolved,
	},
}

func NormalizeIssueStatus(status string) string {
	s := strings.ToLower(strings.TrimSpace(status))
	return strings.ReplaceAll(s, " ", "_")
}

func CanTransition(fromStatus string, toStatus string) bool {
	fromStatus = NormalizeIssueStatus(fromStatus)
	toStatus = NormalizeIssueStatus(toStatus)
	if fromStatus == toStatus {
		return true
	}
	next := issueTransitions[fromStatus]
	if next == nil {
		return false
	}
	_, ok := next[toStatus]
	return ok
}

func EventTypeForTransition(fromStatus string, toStatus string) string {
	fromStatus = NormalizeIssueStatus(fromStatus)
	toStatus = NormalizeIssueStatus(toStatus)
	if fromStatus == toStatus {
		return ""
	}
	next := issueTransitions[fromStatus]
	if next == nil {
		return ""
	}
	return next[toStatus]
}

func AllIssueStatuses() []string {
	return []string{
		IssueStatusOpen,
		IssueStatusInProgress,
		IssueStatusResolved,
	}
}
