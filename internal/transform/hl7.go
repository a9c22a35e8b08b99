package transform

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/smile-health/interop-pipeline/internal/pathutil"
)

// hl7Field is one resolved "SEG-N" field value, keyed by its 1-based field
// number so serialization can fill numbering gaps with empty fields.
type hl7Field struct {
	number int
	value  string
}

// hl7Segment is a built segment: its name plus the resolved fields to place
// after it, in field-number order.
type hl7Segment struct {
	name   string
	fields []hl7Field
}

// buildSegments walks the rule's segments in order, skips any whose
// condition is false, expands repeatable segments
// over an item source array, and resolve each field's value.
func buildSegments(rule *Rule, ctx map[string]interface{}) ([]hl7Segment, []MappingError) {
	var built []hl7Segment
	var errs []MappingError

	for _, seg := range rule.Segments {
		if seg.Condition != "" && !evalHL7Condition(seg.Condition, ctx) {
			continue
		}

		if seg.Repeatable && seg.ItemSource != "" {
			raw, ok := pathutil.Get(ctx, strings.TrimPrefix(seg.ItemSource, "$."))
			if !ok {
				continue
			}
			items, ok := raw.([]interface{})
			if !ok {
				continue
			}
			for _, item := range items {
				itemMap, _ := item.(map[string]interface{})
				s, fieldErrs := buildOneSegment(seg, rule, itemMap)
				built = append(built, s)
				errs = append(errs, fieldErrs...)
			}
			continue
		}

		s, fieldErrs := buildOneSegment(seg, rule, ctx)
		built = append(built, s)
		errs = append(errs, fieldErrs...)
	}

	return built, errs
}

func buildOneSegment(seg *Segment, rule *Rule, ctx map[string]interface{}) (hl7Segment, []MappingError) {
	var errs []MappingError
	out := hl7Segment{name: seg.Segment}

	for _, f := range seg.Fields {
		_, number, ok := parseFieldRef(f.Field)
		if !ok {
			continue
		}

		var value interface{}
		var found bool
		if f.Value != nil {
			value, found = f.Value, true
		} else if strings.HasPrefix(f.Source, "$.") {
			value, found = pathutil.Get(ctx, strings.TrimPrefix(f.Source, "$."))
		}
		if !found {
			value = nil
		}

		if len(f.Transforms) > 0 && value != nil {
			transformed, err := applyTransforms(value, f.Transforms, rule, f.Field)
			if err != nil {
				errs = append(errs, MappingError{Target: f.Field, Reason: err.Error()})
				continue
			}
			value = transformed
		}

		if value == nil && f.DefaultValue != nil {
			value = f.DefaultValue
		}
		if value == nil {
			continue
		}

		out.fields = append(out.fields, hl7Field{number: number, value: fmt.Sprint(value)})
	}

	return out, errs
}

// parseFieldRef splits "MSH-9" into ("MSH", 9).
func parseFieldRef(ref string) (segment string, number int, ok bool) {
	idx := strings.IndexByte(ref, '-')
	if idx < 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(ref[idx+1:])
	if err != nil {
		return "", 0, false
	}
	return ref[:idx], n, true
}

// evalHL7Condition evaluates a "$.path op 'literal'" expression against
// the event context. Supported operators are ==/eq, !=/ne and contains,
// compared on the value's string form; any other operator is false.
func evalHL7Condition(expr string, ctx map[string]interface{}) bool {
	fields := strings.Fields(expr)
	if len(fields) != 3 {
		return false
	}
	path, op, literal := fields[0], fields[1], strings.Trim(fields[2], "'\"")
	if !strings.HasPrefix(path, "$.") {
		return false
	}
	actual, ok := pathutil.Get(ctx, strings.TrimPrefix(path, "$."))
	if !ok {
		return false
	}
	actualStr := fmt.Sprint(actual)

	switch op {
	case "==", "eq":
		return actualStr == literal
	case "!=", "ne":
		return actualStr != literal
	case "contains":
		return strings.Contains(actualStr, literal)
	default:
		return false
	}
}

// serializeHL7 renders built segments as a pipe-delimited HL7 v2 message:
// segments joined by \r, fields filling numbering gaps with empty strings,
// MSH-1/MSH-2 positional (delimiter char, encoding characters).
func serializeHL7(segments []hl7Segment, delims HL7Delimiters) string {
	d := delims.withDefaults()
	var lines []string

	for _, seg := range segments {
		if seg.name == "MSH" {
			lines = append(lines, serializeMSH(seg, d))
			continue
		}

		maxField := 0
		byNumber := map[int]string{}
		for _, f := range seg.fields {
			byNumber[f.number] = f.value
			if f.number > maxField {
				maxField = f.number
			}
		}

		parts := make([]string, maxField+1)
		parts[0] = seg.name
		for i := 1; i <= maxField; i++ {
			parts[i] = byNumber[i]
		}
		lines = append(lines, strings.Join(parts, d.Field))
	}

	return strings.Join(lines, "\r")
}

// serializeMSH handles MSH specially: field 1 is the field delimiter itself
// (positional, not written as a separated field) and field 2 is the
// encoding-characters string (component/repetition/escape/subcomponent).
func serializeMSH(seg hl7Segment, d HL7Delimiters) string {
	encodingChars := d.Component + d.Repetition + d.Escape + d.Subcomponent

	maxField := 2
	byNumber := map[int]string{2: encodingChars}
	for _, f := range seg.fields {
		if f.number <= 2 {
			continue // positional, not overridable via field assignment
		}
		byNumber[f.number] = f.value
		if f.number > maxField {
			maxField = f.number
		}
	}

	var b strings.Builder
	b.WriteString("MSH")
	b.WriteString(d.Field)
	b.WriteString(encodingChars)
	for i := 3; i <= maxField; i++ {
		b.WriteString(d.Field)
		b.WriteString(byNumber[i])
	}
	return b.String()
}
