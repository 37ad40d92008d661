package upload

import "strings"

const unknownLocation = "Unknown Location"

// Campus zones selectable in the upload form, keyed by the short codes the
// clients send.
var campusZones = map[string]string{
	"block-a":  "Block A, Engineering Building",
	"library":  "Library Lawn",
	"sports":   "Sports Complex",
	"garden":   "Central Garden",
	"hostel-a": "Hostel A Entrance",
	"admin":    "Admin Block",
	"canteen":  "Canteen Area",
	"other":    "Other",
}

// ResolveLocation maps a zone code to its display name. Free-text values
// pass through untouched; a blank input becomes Unknown Location.
func ResolveLocation(raw string) string {
	raw = strings.TrimSpace(raw)
	if name, ok := campusZones[strings.ToLower(raw)]; ok {
		return name
	}
	if raw != "" {
		return raw
	}
	return unknownLocation
}
