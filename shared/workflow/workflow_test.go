package workflow

import "testing"

func TestCanTransition(t *testing.T) {
	if !CanTransition(IssueStatusOpen, IssueStatusInProgress) {
		t.Fatalf("expected open -> in_progress to be allowed")
	}
	if !CanTransition(IssueStatusOpen, IssueStatusResolved) {
		t.Fatalf("expected open -> resolved to be allowed")
	}
	if CanTransition(IssueStatusResolved, IssueStatusOpen) {
		t.Fatalf("expected resolved -> open to be blocked")
	}
}

func TestNormalizeIssueStatus(t *testing.T) {
	if got := NormalizeIssueStatus(" In Progress "); got != IssueStatusInProgress {
		t.Fatalf("unexpected normalized status: %q", got)
	}
}

func TestEventTypeForTransition(t *testing.T) {
	ev := EventTypeForTransition(IssueStatusOpen, IssueStatusInProgress)
	if ev != IssueEventStarted {
		t.Fatalf("unexpected event type: %q", ev)
	}
	if ev := EventTypeForTransition(IssueStatusOpen, IssueStatusOpen); ev != "" {
		t.Fatalf("expected empty event for no-op transition, got %q", ev)
	}
}
