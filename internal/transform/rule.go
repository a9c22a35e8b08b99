// Package transform implements the transformation engine: a declarative
// field-mapping DSL that turns a CloudEvent into a custom-json, fhir-r4, or
// hl7-v2 payload. The target format tag selects a code path rather than
// runtime reflection; source/target paths resolve through the shared
// internal/pathutil walker.
package transform

// TargetFormat names the output shape a Rule produces.
type TargetFormat string

const (
	FormatCustomJSON TargetFormat = "custom-json"
	FormatHL7V2      TargetFormat = "hl7-v2"
	FormatFHIRR4     TargetFormat = "fhir-r4"
)

// Mapping is one field-mapping step: resolve a source, run it through zero
// or more named transforms, fall back to a default, and write it at target.
type Mapping struct {
	Source       string      `yaml:"source" json:"source"`
	Target       string      `yaml:"target" json:"target"`
	Transform    string      `yaml:"transform,omitempty" json:"transform,omitempty"`
	Transforms   []string    `yaml:"transforms,omitempty" json:"transforms,omitempty"`
	DefaultValue interface{} `yaml:"defaultValue,omitempty" json:"defaultValue,omitempty"`
	Required     bool        `yaml:"required,omitempty" json:"required,omitempty"`
	Value        interface{} `yaml:"value,omitempty" json:"value,omitempty"`
}

// transformChain returns Transform as a one-element chain when Transforms
// wasn't supplied, so callers have a single ordered list to walk.
func (m *Mapping) transformChain() []string {
	if len(m.Transforms) > 0 {
		return m.Transforms
	}
	if m.Transform != "" {
		return []string{m.Transform}
	}
	return nil
}

// ItemMapping describes how to build a FHIR `contained` array entry from one
// element of a source array.
type ItemMapping struct {
	SourceArray  string     `yaml:"sourceArray" json:"sourceArray"`
	ItemMappings []*Mapping `yaml:"itemMappings" json:"itemMappings"`
}

// SegmentField is one HL7 field assignment within a Segment.
type SegmentField struct {
	Field        string      `yaml:"field" json:"field"` // e.g. "MSH-9"
	Source       string      `yaml:"source,omitempty" json:"source,omitempty"`
	Value        interface{} `yaml:"value,omitempty" json:"value,omitempty"`
	Transforms   []string    `yaml:"transforms,omitempty" json:"transforms,omitempty"`
	DefaultValue interface{} `yaml:"defaultValue,omitempty" json:"defaultValue,omitempty"`
}

// Segment is one HL7 segment template (e.g. MSH, PID, OBX).
type Segment struct {
	Segment    string          `yaml:"segment" json:"segment"`
	Condition  string          `yaml:"condition,omitempty" json:"condition,omitempty"`
	Repeatable bool            `yaml:"repeatable,omitempty" json:"repeatable,omitempty"`
	ItemSource string          `yaml:"itemSource,omitempty" json:"itemSource,omitempty"`
	Fields     []*SegmentField `yaml:"fields" json:"fields"`
}

// HL7Delimiters names the wire-level separators used when serializing to
// pipe-delimited text. Zero values default to the standard HL7 v2 set.
type HL7Delimiters struct {
	Field       string `yaml:"field" json:"field"`
	Component   string `yaml:"component" json:"component"`
	Repetition  string `yaml:"repetition" json:"repetition"`
	Escape      string `yaml:"escape" json:"escape"`
	Subcomponent string `yaml:"subcomponent" json:"subcomponent"`
}

func (d HL7Delimiters) withDefaults() HL7Delimiters {
	if d.Field == "" {
		d.Field = "|"
	}
	if d.Component == "" {
		d.Component = "^"
	}
	if d.Repetition == "" {
		d.Repetition = "~"
	}
	if d.Escape == "" {
		d.Escape = "\\"
	}
	if d.Subcomponent == "" {
		d.Subcomponent = "&"
	}
	return d
}

// Rule is one declarative transformation program.
type Rule struct {
	Name      string       `yaml:"name" json:"name"`
	EventType string       `yaml:"eventType" json:"eventType"`
	Target    TargetFormat `yaml:"targetFormat" json:"targetFormat"`
	Enabled   bool         `yaml:"enabled" json:"enabled"`
	Mappings  []*Mapping   `yaml:"mappings,omitempty" json:"mappings,omitempty"`

	// TransformFunctions declares rule-local named transforms: either a
	// lookup table (map[string]string, "value in -> value out") or an
	// ordered pipeline of built-in transform names.
	TransformFunctions map[string]interface{} `yaml:"transformFunctions,omitempty" json:"transformFunctions,omitempty"`

	// fhir-r4 only.
	ItemMappings *ItemMapping `yaml:"itemMappings,omitempty" json:"itemMappings,omitempty"`

	// hl7-v2 only.
	Segments   []*Segment    `yaml:"segments,omitempty" json:"segments,omitempty"`
	OutputType string        `yaml:"outputType,omitempty" json:"outputType,omitempty"`
	Delimiters HL7Delimiters `yaml:"delimiters,omitempty" json:"delimiters,omitempty"`

	// OutputSchema is a filesystem path to a JSON Schema document the
	// transformed payload is validated against, if set.
	OutputSchema string `yaml:"outputSchema,omitempty" json:"outputSchema,omitempty"`
}
