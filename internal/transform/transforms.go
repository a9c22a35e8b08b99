package transform

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// mappingError records a built-in transform failure (a toNumber coercion
// failure) against its target.
type mappingError struct {
	Target string
	Reason string
}

func (e *mappingError) Error() string {
	return fmt.Sprintf("transform: target %s: %s", e.Target, e.Reason)
}

// transformFn is a built-in transform. It returns the transformed value and
// an error only for hard failures (toNumber on non-numeric input); unknown
// names never reach here (applyTransforms passes them through).
type transformFn func(value interface{}) (interface{}, error)

var builtins = map[string]transformFn{
	"trim":              trim,
	"toLowerCase":       toLowerCase,
	"toUpperCase":       toUpperCase,
	"toTitleCase":       toTitleCase,
	"toNumber":          toNumber,
	"formatDateISO8601": formatDateISO8601,
	"formatDateHL7":     formatDateHL7,
	"incrementIndex":    incrementIndex,
	"escapeHL7":         escapeHL7,
}

// applyTransforms runs value through the named transform chain in order.
// Names are resolved first against the rule's local transformFunctions
// (lookup table or pipeline), then the built-in registry; an unrecognized
// name passes the value through unchanged.
func applyTransforms(value interface{}, names []string, rule *Rule, target string) (interface{}, error) {
	for _, name := range names {
		var err error
		value, err = applyOne(value, name, rule, target)
		if err != nil {
			return nil, err
		}
	}
	return value, nil
}

func applyOne(value interface{}, name string, rule *Rule, target string) (interface{}, error) {
	if prefix, arg, ok := splitPrefixed(name); ok {
		switch prefix {
		case "addPrefix":
			return addPrefix(value, arg), nil
		case "addSuffix":
			return addSuffix(value, arg), nil
		}
	}

	if local, ok := rule.TransformFunctions[name]; ok {
		return applyLocal(value, local)
	}

	if fn, ok := builtins[name]; ok {
		v, err := fn(value)
		if err != nil {
			return nil, &mappingError{Target: target, Reason: err.Error()}
		}
		return v, nil
	}

	return value, nil
}

// splitPrefixed splits "addPrefix:S" style names into ("addPrefix", "S").
func splitPrefixed(name string) (prefix, arg string, ok bool) {
	idx := strings.IndexByte(name, ':')
	if idx < 0 {
		return "", "", false
	}
	return name[:idx], name[idx+1:], true
}

// applyLocal resolves a rule-local transformFunctions entry: an object is a
// direct value lookup table, an array is an ordered built-in pipeline.
func applyLocal(value interface{}, local interface{}) (interface{}, error) {
	switch l := local.(type) {
	case map[string]interface{}:
		key := fmt.Sprint(value)
		if mapped, ok := l[key]; ok {
			return mapped, nil
		}
		return value, nil
	case []interface{}:
		cur := value
		for _, step := range l {
			name, ok := step.(string)
			if !ok {
				continue
			}
			if fn, ok := builtins[name]; ok {
				v, err := fn(cur)
				if err != nil {
					return nil, err
				}
				cur = v
			}
		}
		return cur, nil
	default:
		return value, nil
	}
}

func trim(v interface{}) (interface{}, error) {
	s, ok := v.(string)
	if !ok {
		return v, nil
	}
	return strings.TrimSpace(s), nil
}

func toLowerCase(v interface{}) (interface{}, error) {
	s, ok := v.(string)
	if !ok {
		return v, nil
	}
	return strings.ToLower(s), nil
}

func toUpperCase(v interface{}) (interface{}, error) {
	s, ok := v.(string)
	if !ok {
		return v, nil
	}
	return strings.ToUpper(s), nil
}

func toTitleCase(v interface{}) (interface{}, error) {
	s, ok := v.(string)
	if !ok {
		return v, nil
	}
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		r := []rune(w)
		if len(r) > 0 {
			r[0] = unicode.ToUpper(r[0])
		}
		words[i] = string(r)
	}
	return strings.Join(words, " "), nil
}

func toNumber(v interface{}) (interface{}, error) {
	switch n := v.(type) {
	case float64, float32, int, int64:
		return n, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return nil, fmt.Errorf("toNumber: %q is not numeric", n)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("toNumber: value is not numeric")
	}
}

func formatDateISO8601(v interface{}) (interface{}, error) {
	t, ok := parseTime(v)
	if !ok {
		return v, nil
	}
	return t.UTC().Format(time.RFC3339), nil
}

func formatDateHL7(v interface{}) (interface{}, error) {
	t, ok := parseTime(v)
	if !ok {
		return v, nil
	}
	return t.UTC().Format("20060102150405"), nil
}

func parseTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range []string{time.RFC3339, time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

func addPrefix(v interface{}, prefix string) interface{} {
	return prefix + fmt.Sprint(v)
}

func addSuffix(v interface{}, suffix string) interface{} {
	return fmt.Sprint(v) + suffix
}

// incrementIndex adds 1 to a numeric value, used to turn a zero-based
// source-array index into a one-based HL7/FHIR ordinal.
func incrementIndex(v interface{}) (interface{}, error) {
	switch n := v.(type) {
	case int:
		return n + 1, nil
	case int64:
		return n + 1, nil
	case float64:
		return n + 1, nil
	default:
		return v, nil
	}
}

// escapeHL7 escapes HL7 v2 delimiter characters per the standard escape
// sequences, so field content containing them round-trips safely through
// pipe-delimited serialization.
func escapeHL7(v interface{}) (interface{}, error) {
	s, ok := v.(string)
	if !ok {
		return v, nil
	}
	replacer := strings.NewReplacer(
		"\\", "\\E\\",
		"|", "\\F\\",
		"^", "\\S\\",
		"&", "\\T\\",
		"~", "\\R\\",
	)
	return replacer.Replace(s), nil
}
