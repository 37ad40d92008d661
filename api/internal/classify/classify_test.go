package classify

import "testing"

func TestIssueType(t *testing.T) {
	cases := []struct {
		text string
		want string
	}{
		{"Broken sprinkler flooding the lawn near gate 2", "Irrigation"},
		{"Water cooler leaking on the second floor", "Water"},
		{"Fallen branch blocking the path", "Tree Care"},
		{"Overflowing garbage bin behind the canteen", "Waste"},
		{"Heavy dust and smoke near the parking lot", "Pollution"},
		{"Street light not working", "Lighting"},
		{"Weeds taking over the central garden", "Vegetation"},
		{"Clogged drain with stagnant water smell", "Drainage"},
		{"Something odd happened", TypeGeneral},
	}
	for _, tc := range cases {
		if got := IssueType(tc.text); got != tc.want {
			t.Fatalf("%q: expected %s, got %s", tc.text, tc.want, got)
		}
	}
}

func TestIssueTypePrefersNarrowerMatch(t *testing.T) {
	// "sprinkler leak" mentions both irrigation and water vocabulary.
	if got := IssueType("sprinkler leak near hostel"); got != "Irrigation" {
		t.Fatalf("expected Irrigation, got %s", got)
	}
}

func TestPriority(t *testing.T) {
	if got := Priority("URGENT: dangerous hazard at the gate"); got != PriorityHigh {
		t.Fatalf("expected High, got %s", got)
	}
	if got := Priority("needs maintenance attention"); got != PriorityMedium {
		t.Fatalf("expected Medium, got %s", got)
	}
	if got := Priority("minor cosmetic damage, fix when possible"); got != PriorityLow {
		t.Fatalf("expected Low, got %s", got)
	}
	if got := Priority("tree looks different"); got != PriorityMedium {
		t.Fatalf("expected Medium default, got %s", got)
	}
}
