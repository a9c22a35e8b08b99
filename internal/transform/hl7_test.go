package transform

import "testing"

func TestParseFieldRef(t *testing.T) {
	seg, num, ok := parseFieldRef("MSH-9")
	if !ok || seg != "MSH" || num != 9 {
		t.Fatalf("parseFieldRef(MSH-9) = (%q, %d, %v)", seg, num, ok)
	}
	if _, _, ok := parseFieldRef("nodash"); ok {
		t.Error("expected ref without '-' to fail")
	}
}

func TestEvalHL7ConditionEquals(t *testing.T) {
	ctx := map[string]interface{}{"data": map[string]interface{}{"status": "ACTIVE"}}
	if !evalHL7Condition("$.data.status == 'ACTIVE'", ctx) {
		t.Error("expected equals condition to match")
	}
	if evalHL7Condition("$.data.status == 'INACTIVE'", ctx) {
		t.Error("expected equals condition to not match")
	}
}

func TestBuildSegmentsSkipsFalseCondition(t *testing.T) {
	rule := &Rule{
		Segments: []*Segment{
			{Segment: "ZOR", Condition: "$.data.flag == 'yes'", Fields: []*SegmentField{{Field: "ZOR-1", Value: "x"}}},
		},
	}
	ctx := map[string]interface{}{"data": map[string]interface{}{"flag": "no"}}
	segs, errs := buildSegments(rule, ctx)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(segs) != 0 {
		t.Fatalf("expected segment to be skipped, got %d segments", len(segs))
	}
}

func TestBuildSegmentsRepeatableOverItemSource(t *testing.T) {
	rule := &Rule{
		Segments: []*Segment{
			{
				Segment:    "OBX",
				Repeatable: true,
				ItemSource: "$.data.observations",
				Fields: []*SegmentField{
					{Field: "OBX-3", Source: "$.code"},
					{Field: "OBX-5", Source: "$.value"},
				},
			},
		},
	}
	ctx := map[string]interface{}{
		"data": map[string]interface{}{
			"observations": []interface{}{
				map[string]interface{}{"code": "HR", "value": "72"},
				map[string]interface{}{"code": "BP", "value": "120/80"},
			},
		},
	}
	segs, errs := buildSegments(rule, ctx)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(segs) != 2 {
		t.Fatalf("expected 2 OBX segments, got %d", len(segs))
	}
}

func TestSerializeHL7FillsFieldGapsAndHandlesMSH(t *testing.T) {
	segments := []hl7Segment{
		{name: "MSH", fields: []hl7Field{{number: 9, value: "ADT^A01"}, {number: 10, value: "MSG001"}}},
		{name: "PID", fields: []hl7Field{{number: 3, value: "12345"}}},
	}
	out := serializeHL7(segments, HL7Delimiters{})

	lines := splitCRLines(out)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), out)
	}
	if lines[0] != "MSH|^~\\&|||||||ADT^A01|MSG001" {
		t.Errorf("MSH line = %q", lines[0])
	}
	if lines[1] != "PID|||12345" {
		// parts = [PID, "", "", 12345] joined by "|" -> 3 separators
		t.Errorf("PID line = %q", lines[1])
	}
}

func splitCRLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\r' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	lines = append(lines, s[start:])
	return lines
}
