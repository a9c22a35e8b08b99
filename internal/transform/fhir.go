package transform

import (
	"strings"

	"github.com/smile-health/interop-pipeline/internal/pathutil"
)

// applyItemMappings implements the fhir-r4 `itemMappings` extension: iterate
// a source array and apply per-item field mappings against each element,
// assembling the results into the `contained` array on out.
func applyItemMappings(im *ItemMapping, ctx map[string]interface{}, rule *Rule, out map[string]interface{}) []MappingError {
	if im == nil {
		return nil
	}

	arrayPath := strings.TrimPrefix(im.SourceArray, "$.")
	raw, ok := pathutil.Get(ctx, arrayPath)
	if !ok {
		return nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil
	}

	var errs []MappingError
	contained := make([]interface{}, 0, len(items))
	for i, item := range items {
		itemMap, _ := item.(map[string]interface{})
		entry := make(map[string]interface{})
		for _, m := range im.ItemMappings {
			value, found := resolveItemSource(m, i, itemMap)
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
			pathutil.Set(entry, m.Target, value)
		}
		contained = append(contained, entry)
	}

	out["contained"] = contained
	return errs
}

// resolveItemSource resolves a mapping's source within the context of one
// source-array item: "index" yields the (zero-based) loop index, a literal
// `value` wins, "$.x" resolves relative to the item.
func resolveItemSource(m *Mapping, index int, item map[string]interface{}) (interface{}, bool) {
	if m.Source == "index" {
		return index, true
	}
	if m.Value != nil {
		return m.Value, true
	}
	if strings.HasPrefix(m.Source, "$.") {
		return pathutil.Get(item, strings.TrimPrefix(m.Source, "$."))
	}
	return nil, false
}
