package transform

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/smile-health/interop-pipeline/internal/cloudevent"
)

// Result is the outcome of applying a Rule to a CloudEvent: the produced
// payload plus any mapping errors, validation warnings, and provenance.
type Result struct {
	Success  bool
	Data     interface{}
	Errors   []MappingError
	Warnings []ValidationError
	Metadata ResultMetadata
}

// ResultMetadata is the transformation's provenance record.
type ResultMetadata struct {
	EventID          string
	EventType        string
	RuleName         string
	TargetFormat     TargetFormat
	TransformedAt    time.Time
	ValidationRun    bool
	ValidationPassed bool
}

// ruleCacheTTL is the refresh window for the in-memory rule cache.
const ruleCacheTTL = 300 * time.Second

// customRulesDir is the optional subdirectory of an Engine's rules
// directory holding site-specific overrides.
const customRulesDir = "custom"

// Engine holds loaded Transformation Rules and applies them to events.
type Engine struct {
	dir    string
	schema *schemaCache

	mu       sync.RWMutex
	rules    []*Rule
	byName   map[string]*Rule
	loadedAt time.Time
}

// NewEngine constructs an Engine that reads one JSON file per rule from dir
// (plus dir/custom if present) on first use, and refreshes every
// ruleCacheTTL.
func NewEngine(dir string) *Engine {
	return &Engine{dir: dir, schema: newSchemaCache()}
}

// Reload forces an immediate re-read of the rules directory, bypassing the
// TTL. Each *.json file in dir holds one Rule; dir/custom, if present, is
// read the same way, and its rules are placed before (and so take
// precedence in both RuleForEventType's first-match order and RuleByName
// over) the base set.
func (e *Engine) Reload() error {
	rules, err := loadRuleFiles(e.dir)
	if err != nil {
		return err
	}

	customDir := filepath.Join(e.dir, customRulesDir)
	if info, statErr := os.Stat(customDir); statErr == nil && info.IsDir() {
		customRules, err := loadRuleFiles(customDir)
		if err != nil {
			return err
		}
		rules = append(customRules, rules...)
	}

	byName := make(map[string]*Rule, len(rules))
	for _, r := range rules {
		if _, seen := byName[r.Name]; !seen {
			byName[r.Name] = r
		}
	}

	e.mu.Lock()
	e.rules = rules
	e.byName = byName
	e.loadedAt = time.Now()
	e.mu.Unlock()
	return nil
}

// loadRuleFiles reads every *.json file directly inside dir as a single
// Rule document.
func loadRuleFiles(dir string) ([]*Rule, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("transform: read rules dir %s: %w", dir, err)
	}

	var rules []*Rule
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("transform: read rule file %s: %w", path, err)
		}
		var rule Rule
		if err := json.Unmarshal(data, &rule); err != nil {
			return nil, fmt.Errorf("transform: parse rule file %s: %w", path, err)
		}
		rules = append(rules, &rule)
	}
	return rules, nil
}

func (e *Engine) ensureFresh() {
	e.mu.RLock()
	stale := time.Since(e.loadedAt) > ruleCacheTTL
	e.mu.RUnlock()
	if stale {
		_ = e.Reload()
	}
}

// RuleByName looks up a rule by name; a caller-named rule must exist and
// be enabled.
func (e *Engine) RuleByName(name string) (*Rule, error) {
	e.ensureFresh()
	e.mu.RLock()
	defer e.mu.RUnlock()

	r, ok := e.byName[name]
	if !ok || !r.Enabled {
		return nil, fmt.Errorf("transform: rule %q not found or disabled", name)
	}
	return r, nil
}

// RuleForEventType selects the enabled rule whose eventType equals
// eventType; the first match in insertion order wins if more than one is
// enabled.
func (e *Engine) RuleForEventType(eventType string) (*Rule, error) {
	e.ensureFresh()
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, r := range e.rules {
		if r.Enabled && r.EventType == eventType {
			return r, nil
		}
	}
	return nil, fmt.Errorf("transform: no enabled rule for event type %q", eventType)
}

// Apply runs rule against event, producing a Result. If the rule carries
// an outputSchema, the payload
// is validated; continueOnError controls whether validation failures mark
// the result unsuccessful (false) or are attached as warnings (true).
func (e *Engine) Apply(rule *Rule, event *cloudevent.Event, continueOnError bool) Result {
	meta := ResultMetadata{
		EventID:       event.ID,
		EventType:     event.Type,
		RuleName:      rule.Name,
		TargetFormat:  rule.Target,
		TransformedAt: time.Now(),
	}

	ctx := event.AsMap()

	var data interface{}
	var mappingErrs []MappingError

	switch rule.Target {
	case FormatHL7V2:
		segments, errs := buildSegments(rule, ctx)
		mappingErrs = errs
		if rule.OutputType == "hl7-delimited" {
			data = serializeHL7(segments, rule.Delimiters)
		} else {
			data = segmentsToMap(segments)
		}
	case FormatFHIRR4:
		out := make(map[string]interface{})
		mappingErrs = applyMappings(rule.Mappings, ctx, rule, out)
		if rule.ItemMappings != nil {
			mappingErrs = append(mappingErrs, applyItemMappings(rule.ItemMappings, ctx, rule, out)...)
		}
		data = out
	default: // custom-json
		out := make(map[string]interface{})
		mappingErrs = applyMappings(rule.Mappings, ctx, rule, out)
		data = out
	}

	result := Result{
		Success:  len(mappingErrs) == 0,
		Data:     data,
		Errors:   mappingErrs,
		Metadata: meta,
	}

	if rule.OutputSchema != "" {
		violations, err := e.schema.validate(rule.OutputSchema, data)
		result.Metadata.ValidationRun = true
		if err != nil {
			result.Success = false
			result.Errors = append(result.Errors, MappingError{Target: "outputSchema", Reason: err.Error()})
		} else if len(violations) > 0 {
			if continueOnError {
				result.Warnings = violations
				result.Metadata.ValidationPassed = false
			} else {
				result.Success = false
				result.Warnings = violations
				result.Metadata.ValidationPassed = false
			}
		} else {
			result.Metadata.ValidationPassed = true
		}
	}

	return result
}

// segmentsToMap renders built segments as a plain map keyed by segment name,
// used when a rule omits outputType: hl7-delimited and just wants the
// structured intermediate form.
func segmentsToMap(segments []hl7Segment) map[string]interface{} {
	out := make(map[string]interface{})
	var order []string
	grouped := map[string][]map[string]string{}
	for _, seg := range segments {
		fields := make(map[string]string, len(seg.fields))
		for _, f := range seg.fields {
			fields[fmt.Sprintf("%d", f.number)] = f.value
		}
		if _, ok := grouped[seg.name]; !ok {
			order = append(order, seg.name)
		}
		grouped[seg.name] = append(grouped[seg.name], fields)
	}
	for _, name := range order {
		entries := grouped[name]
		if len(entries) == 1 {
			out[name] = entries[0]
		} else {
			anySlice := make([]interface{}, len(entries))
			for i, e := range entries {
				anySlice[i] = e
			}
			out[name] = anySlice
		}
	}
	return out
}
