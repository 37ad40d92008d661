package treeview

import (
	"testing"

	"rootsense/api/internal/models"
	"rootsense/shared/clients/vision"
)

func sampleTrees() []models.Tree {
	return []models.Tree{
		{TreeID: "T-100", Location: "Library Lawn", Species: "Neem", Health: vision.HealthHealthy},
		{TreeID: "T-101", Location: "Central Garden", Species: "Banyan", Health: vision.HealthModerate},
		{TreeID: "T-102", Location: "Sports Complex", Species: "Gulmohar", Health: vision.HealthCritical},
		{TreeID: "T-103", Location: "Library Lawn", Species: "Peepal", Health: vision.HealthHealthy},
	}
}

func TestFilterByQuery(t *testing.T) {
	got := Filter(sampleTrees(), "library", "")
	if len(got) != 2 {
		t.Fatalf("expected 2 trees, got %d", len(got))
	}
	for _, tree := range got {
		if tree.Location != "Library Lawn" {
			t.Fatalf("unexpected tree: %#v", tree)
		}
	}
}

func TestFilterQueryMatchesAnyField(t *testing.T) {
	if got := Filter(sampleTrees(), "t-102", ""); len(got) != 1 || got[0].TreeID != "T-102" {
		t.Fatalf("expected match on tree id, got %#v", got)
	}
	if got := Filter(sampleTrees(), "BANYAN", ""); len(got) != 1 || got[0].Species != "Banyan" {
		t.Fatalf("expected match on species, got %#v", got)
	}
}

func TestFilterByHealth(t *testing.T) {
	got := Filter(sampleTrees(), "", vision.HealthHealthy)
	if len(got) != 2 {
		t.Fatalf("expected 2 healthy trees, got %d", len(got))
	}

	if got := Filter(sampleTrees(), "", "all"); len(got) != 4 {
		t.Fatalf("expected all trees with 'all' filter, got %d", len(got))
	}
}

func TestFilterCombines(t *testing.T) {
	got := Filter(sampleTrees(), "library", vision.HealthHealthy)
	if len(got) != 2 {
		t.Fatalf("expected 2 trees, got %d", len(got))
	}
	got = Filter(sampleTrees(), "library", vision.HealthCritical)
	if len(got) != 0 {
		t.Fatalf("expected no trees, got %d", len(got))
	}
}

func TestFilterIsIdempotent(t *testing.T) {
	once := Filter(sampleTrees(), "library", vision.HealthHealthy)
	twice := Filter(once, "library", vision.HealthHealthy)
	if len(once) != len(twice) {
		t.Fatalf("filter not idempotent: %d then %d", len(once), len(twice))
	}
}

func TestSummarizeCountsWholeList(t *testing.T) {
	stats := Summarize(sampleTrees())
	if stats.Total != 4 || stats.Healthy != 2 || stats.Moderate != 1 || stats.Critical != 1 {
		t.Fatalf("unexpected stats: %#v", stats)
	}
	if stats.Healthy+stats.Moderate+stats.Critical != stats.Total {
		t.Fatalf("health bands do not add up: %#v", stats)
	}
}

func TestSummarizeIgnoresFilter(t *testing.T) {
	trees := sampleTrees()
	filtered := Filter(trees, "library", vision.HealthHealthy)
	if len(filtered) == len(trees) {
		t.Fatalf("filter should narrow the list")
	}
	// Cards are always computed over the unfiltered list.
	stats := Summarize(trees)
	if stats.Total != len(trees) {
		t.Fatalf("expected stats over unfiltered list, got %#v", stats)
	}
}

func TestSummarizeEmpty(t *testing.T) {
	stats := Summarize(nil)
	if stats.Total != 0 || stats.Healthy != 0 || stats.Moderate != 0 || stats.Critical != 0 {
		t.Fatalf("unexpected stats: %#v", stats)
	}
}
