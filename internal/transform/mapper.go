package transform

import (
	"strings"

	"github.com/smile-health/interop-pipeline/internal/pathutil"
)

// MappingError accumulates per-field failures without aborting the whole
// run, so a caller can decide (via continueOnError) whether to treat them
// as fatal or as warnings.
type MappingError struct {
	Target string `json:"target"`
	Reason string `json:"reason"`
}

// resolveSource resolves a mapping's input: a literal `value` wins, a
// "$."-prefixed source is a path into ctx, anything else is undefined.
func resolveSource(mapping *Mapping, ctx map[string]interface{}) (interface{}, bool) {
	if mapping.Value != nil {
		return mapping.Value, true
	}
	if strings.HasPrefix(mapping.Source, "$.") {
		return pathutil.Get(ctx, strings.TrimPrefix(mapping.Source, "$."))
	}
	return nil, false
}

// applyMappings runs mappings against ctx in order, writing into out and
// collecting any required-field or transform failures as MappingErrors.
func applyMappings(mappings []*Mapping, ctx map[string]interface{}, rule *Rule, out map[string]interface{}) []MappingError {
	var errs []MappingError
	for _, m := range mappings {
		value, found := resolveSource(m, ctx)
		if !found {
			value = nil
		}

		if chain := m.transformChain(); len(chain) > 0 && value != nil {
			transformed, err := applyTransforms(value, chain, rule, m.Target)
			if err != nil {
				errs = append(errs, MappingError{Target: m.Target, Reason: err.Error()})
				continue
			}
			value = transformed
		}

		if value == nil && m.DefaultValue != nil {
			value = m.DefaultValue
		}

		if value == nil && m.Required {
			errs = append(errs, MappingError{Target: m.Target, Reason: "required field missing"})
			continue
		}

		if value == nil {
			continue
		}

		pathutil.Set(out, m.Target, value)
	}
	return errs
}
