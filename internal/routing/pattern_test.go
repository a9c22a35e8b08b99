package routing

import "testing"

func TestMatches(t *testing.T) {
	cases := []struct {
		value, pattern string
		want           bool
	}{
		{"health.patient.registered", "*", true},
		{"health.patient.registered", "health.patient.registered", true},
		{"", "", true},
		{"x", "", false},
		{"health.patient.registered", "health.patient.*", true},
		{"health.patient.registered", "health.*.registered", true},
		{"order.created", "health.*", false},
		{"order.created", "order.*", true},
		{"a.b.c", "a.b.c.d", false},
		{"smile.health-service", "smile.*-service", true},
		{"a.b", "a.#", false}, // '#' is literal, not a multi-segment wildcard
	}
	for _, tc := range cases {
		if got := Matches(tc.value, tc.pattern); got != tc.want {
			t.Errorf("Matches(%q, %q) = %v, want %v", tc.value, tc.pattern, got, tc.want)
		}
	}
}

func TestMatchesEscapesRegexMetacharacters(t *testing.T) {
	if !Matches("a.b(c)", "a.b(c)") {
		t.Error("literal pattern with regex metacharacters should match itself")
	}
	if Matches("axbc", "a.b*") {
		t.Error("'.' in pattern should be literal, not regex any-char, outside of '*' expansion")
	}
}
