// Package classify derives a civic issue's type and priority from its free
// text. Keyword matching is deliberate: reports are short, the vocabulary is
// campus-specific, and a wrong guess is cheap since staff can re-triage.
package classify

import "strings"

const (
	PriorityHigh   = "High"
	PriorityMedium = "Medium"
	PriorityLow    = "Low"
)

const TypeGeneral = "General"

// Keyword tables ordered by specificity. Irrigation is checked before Water
// so "sprinkler leak" lands on the narrower type.
var typeKeywords = []struct {
	issueType string
	keywords  []string
}{
	{"Irrigation", []string{"irrigation", "sprinkler", "drip", "watering"}},
	{"Water", []string{"water", "leak", "tap", "pipe", "flood", "overflow", "cooler"}},
	{"Tree Care", []string{"tree", "branch", "leaf", "root", "trunk", "bark"}},
	{"Waste", []string{"garbage", "waste", "trash", "bin", "dump", "litter", "e-waste"}},
	{"Pollution", []string{"smoke", "dust", "pollution", "air quality", "burning"}},
	{"Lighting", []string{"light", "lamp", "solar", "bulb", "street light"}},
	{"Vegetation", []string{"grass", "weed", "plant", "shrub", "garden", "lawn"}},
	{"Drainage", []string{"drain", "clog", "stagnant", "rainwater", "sewer"}},
}

var priorityKeywords = []struct {
	priority string
	keywords []string
}{
	{PriorityHigh, []string{"urgent", "emergency", "critical", "dangerous", "hazard", "safety", "broken", "severe", "flooding"}},
	{PriorityMedium, []string{"needs", "should", "required", "attention", "maintenance"}},
	{PriorityLow, []string{"minor", "small", "could", "eventually", "when possible"}},
}

// IssueType picks the first type whose keywords appear in the text, falling
// back to General.
func IssueType(text string) string {
	text = strings.ToLower(text)
	for _, entry := range typeKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(text, kw) {
				return entry.issueType
			}
		}
	}
	return TypeGeneral
}

// Priority scans urgency bands high to low; unmatched text defaults to
// Medium so nothing silently sinks to the bottom of the queue.
func Priority(text string) string {
	text = strings.ToLower(text)
	for _, entry := range priorityKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(text, kw) {
				return entry.priority
			}
		}
	}
	return PriorityMedium
}
