package transform

import (
	"testing"

	"github.com/smile-health/interop-pipeline/internal/cloudevent"
)

func TestEngineApplyCustomJSON(t *testing.T) {
	rule := &Rule{
		Name:      "health-registered-json",
		EventType: "health.patient.registered",
		Target:    FormatCustomJSON,
		Enabled:   true,
		Mappings: []*Mapping{
			{Source: "$.data.patientId", Target: "patient.id", Required: true},
			{Value: "registered", Target: "status"},
		},
	}
	event := cloudevent.New("health.patient.registered", "smile.health-service", map[string]interface{}{
		"patientId": "P-1",
	})

	e := NewEngine("")
	result := e.Apply(rule, event, false)
	if !result.Success {
		t.Fatalf("expected success, got errors %#v", result.Errors)
	}
	data, ok := result.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("expected map data, got %T", result.Data)
	}
	patient, _ := data["patient"].(map[string]interface{})
	if patient["id"] != "P-1" || data["status"] != "registered" {
		t.Errorf("unexpected data: %#v", data)
	}
	if result.Metadata.RuleName != "health-registered-json" {
		t.Errorf("metadata.RuleName = %v", result.Metadata.RuleName)
	}
}

func TestEngineApplyCustomJSONRequiredFieldFails(t *testing.T) {
	rule := &Rule{
		Name:   "r",
		Target: FormatCustomJSON,
		Mappings: []*Mapping{
			{Source: "$.data.missing", Target: "x", Required: true},
		},
	}
	event := cloudevent.New("orders.created", "smile.orders-service", map[string]interface{}{})
	e := NewEngine("")
	result := e.Apply(rule, event, false)
	if result.Success {
		t.Fatal("expected failure when a required field is missing")
	}
	if len(result.Errors) != 1 {
		t.Fatalf("expected one mapping error, got %#v", result.Errors)
	}
}

func TestEngineApplyHL7Delimited(t *testing.T) {
	rule := &Rule{
		Name:       "orders-adt",
		Target:     FormatHL7V2,
		OutputType: "hl7-delimited",
		Segments: []*Segment{
			{Segment: "MSH", Fields: []*SegmentField{{Field: "MSH-9", Value: "ADT^A01"}}},
			{Segment: "PID", Fields: []*SegmentField{{Field: "PID-3", Source: "$.data.patientId"}}},
		},
	}
	event := cloudevent.New("orders.created", "smile.orders-service", map[string]interface{}{"patientId": "P-9"})
	e := NewEngine("")
	result := e.Apply(rule, event, false)
	if !result.Success {
		t.Fatalf("expected success, got %#v", result.Errors)
	}
	s, ok := result.Data.(string)
	if !ok {
		t.Fatalf("expected string HL7 payload, got %T", result.Data)
	}
	if s == "" {
		t.Error("expected non-empty HL7 payload")
	}
}

func TestEngineRuleByNameRejectsDisabled(t *testing.T) {
	e := &Engine{
		rules:  []*Rule{{Name: "r1", Enabled: false}},
		byName: map[string]*Rule{"r1": {Name: "r1", Enabled: false}},
		schema: newSchemaCache(),
	}
	if _, err := e.RuleByName("r1"); err == nil {
		t.Fatal("expected disabled rule lookup to fail")
	}
}

func TestEngineRuleForEventTypeFirstMatchWins(t *testing.T) {
	e := &Engine{
		rules: []*Rule{
			{Name: "a", EventType: "orders.created", Enabled: true},
			{Name: "b", EventType: "orders.created", Enabled: true},
		},
		schema: newSchemaCache(),
	}
	r, err := e.RuleForEventType("orders.created")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Name != "a" {
		t.Errorf("expected first enabled match %q, got %q", "a", r.Name)
	}
}
