package routing

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/smile-health/interop-pipeline/internal/pathutil"
)

// Condition is a content predicate evaluated against a CloudEvent's map
// representation.
type Condition struct {
	Field    string      `yaml:"field" json:"field"`
	Operator string      `yaml:"operator" json:"operator"`
	Value    interface{} `yaml:"value" json:"value"`
}

// Operators supported by Condition.Evaluate.
const (
	OpEquals      = "equals"
	OpNotEquals   = "notEquals"
	OpContains    = "contains"
	OpGreaterThan = "greaterThan"
	OpLessThan    = "lessThan"
	OpRegex       = "regex"
)

// Evaluate resolves c.Field against event (a map as produced by
// cloudevent.Event.AsMap) and applies c.Operator. Any field-resolution
// failure (missing intermediate node) makes the predicate false.
func (c *Condition) Evaluate(event map[string]interface{}) bool {
	actual, ok := pathutil.Get(event, c.Field)
	if !ok {
		return false
	}

	switch c.Operator {
	case OpEquals:
		return equalValues(actual, c.Value)
	case OpNotEquals:
		return !equalValues(actual, c.Value)
	case OpGreaterThan:
		a, aok := toFloat(actual)
		b, bok := toFloat(c.Value)
		if !aok || !bok {
			return false
		}
		return a > b
	case OpLessThan:
		a, aok := toFloat(actual)
		b, bok := toFloat(c.Value)
		if !aok || !bok {
			return false
		}
		return a < b
	case OpContains:
		return containsValue(actual, c.Value)
	case OpRegex:
		pattern, ok := c.Value.(string)
		if !ok {
			return false
		}
		s, ok := actual.(string)
		if !ok {
			return false
		}
		re, err := regexp.Compile("^" + pattern + "$")
		if err != nil {
			return false
		}
		return re.MatchString(s)
	default:
		return false
	}
}

func equalValues(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func containsValue(haystack, needle interface{}) bool {
	switch h := haystack.(type) {
	case string:
		s, ok := needle.(string)
		if !ok {
			return false
		}
		return strings.Contains(h, s)
	case []interface{}:
		for _, item := range h {
			if equalValues(item, needle) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
