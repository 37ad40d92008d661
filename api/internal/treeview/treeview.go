// Package treeview holds the pure projections behind the tree browser:
// filtering and the summary cards. No I/O happens here; handlers fetch the
// list once and project it.
package treeview

import (
	"strings"

	"rootsense/api/internal/models"
	"rootsense/shared/clients/vision"
)

const HealthFilterAll = "all"

type Stats struct {
	Total    int `json:"total"`
	Healthy  int `json:"healthy"`
	Moderate int `json:"moderate"`
	Critical int `json:"critical"`
}

// Filter narrows trees by a case-insensitive substring match of query
// against tree id, location, and species (any field may match) combined
// with an exact health filter. An empty query matches everything, as does
// health "all" or "".
func Filter(trees []models.Tree, query string, health string) []models.Tree {
	query = strings.ToLower(strings.TrimSpace(query))
	health = strings.TrimSpace(health)
	matchAllHealth := health == "" || strings.EqualFold(health, HealthFilterAll)

	out := make([]models.Tree, 0, len(trees))
	for _, tree := range trees {
		if query != "" && !matchesQuery(tree, query) {
			continue
		}
		if !matchAllHealth && tree.Health != health {
			continue
		}
		out = append(out, tree)
	}
	return out
}

func matchesQuery(tree models.Tree, loweredQuery string) bool {
	return strings.Contains(strings.ToLower(tree.TreeID), loweredQuery) ||
		strings.Contains(strings.ToLower(tree.Location), loweredQuery) ||
		strings.Contains(strings.ToLower(tree.Species), loweredQuery)
}

// Summarize counts health bands over the full list. Callers pass the
// unfiltered list; the cards describe the whole campus, not the current
// search.
func Summarize(trees []models.Tree) Stats {
	stats := Stats{Total: len(trees)}
	for _, tree := range trees {
		switch tree.Health {
		case vision.HealthHealthy:
			stats.Healthy++
		case vision.HealthModerate:
			stats.Moderate++
		case vision.HealthCritical:
			stats.Critical++
		}
	}
	return stats
}
