package transform

import (
	"reflect"
	"testing"
)

func TestApplyMappingsResolvesSourceAndWritesTarget(t *testing.T) {
	ctx := map[string]interface{}{
		"data": map[string]interface{}{"patientId": "  p-1  "},
	}
	rule := &Rule{}
	mappings := []*Mapping{
		{Source: "$.data.patientId", Target: "patient.id", Transforms: []string{"trim"}},
	}
	out := make(map[string]interface{})
	errs := applyMappings(mappings, ctx, rule, out)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}

	want := map[string]interface{}{"patient": map[string]interface{}{"id": "p-1"}}
	if !reflect.DeepEqual(out, want) {
		t.Errorf("out = %#v, want %#v", out, want)
	}
}

func TestApplyMappingsLiteralValueWins(t *testing.T) {
	rule := &Rule{}
	mappings := []*Mapping{{Value: "fixed", Source: "$.ignored", Target: "x"}}
	out := make(map[string]interface{})
	applyMappings(mappings, map[string]interface{}{"ignored": "nope"}, rule, out)
	if out["x"] != "fixed" {
		t.Errorf("x = %v, want fixed", out["x"])
	}
}

func TestApplyMappingsDefaultValue(t *testing.T) {
	rule := &Rule{}
	mappings := []*Mapping{{Source: "$.missing", Target: "x", DefaultValue: "fallback"}}
	out := make(map[string]interface{})
	applyMappings(mappings, map[string]interface{}{}, rule, out)
	if out["x"] != "fallback" {
		t.Errorf("x = %v, want fallback", out["x"])
	}
}

func TestApplyMappingsRequiredFieldMissingRecordsError(t *testing.T) {
	rule := &Rule{}
	mappings := []*Mapping{{Source: "$.missing", Target: "x", Required: true}}
	out := make(map[string]interface{})
	errs := applyMappings(mappings, map[string]interface{}{}, rule, out)
	if len(errs) != 1 || errs[0].Target != "x" {
		t.Fatalf("expected one required-field error for x, got %#v", errs)
	}
	if _, ok := out["x"]; ok {
		t.Error("expected x to be absent from output when required field is missing")
	}
}

func TestApplyMappingsToNumberFailureRecordsError(t *testing.T) {
	ctx := map[string]interface{}{"data": map[string]interface{}{"score": "not-numeric"}}
	rule := &Rule{}
	mappings := []*Mapping{{Source: "$.data.score", Target: "score", Transform: "toNumber"}}
	out := make(map[string]interface{})
	errs := applyMappings(mappings, ctx, rule, out)
	if len(errs) != 1 {
		t.Fatalf("expected toNumber failure to record a mapping error, got %#v", errs)
	}
}

func TestApplyMappingsArrayIndexTarget(t *testing.T) {
	rule := &Rule{}
	mappings := []*Mapping{
		{Value: "http://loinc.org", Target: "code.coding[0].system"},
		{Value: "1234-5", Target: "code.coding[0].code"},
	}
	out := make(map[string]interface{})
	applyMappings(mappings, map[string]interface{}{}, rule, out)

	code, _ := out["code"].(map[string]interface{})
	coding, _ := code["coding"].([]interface{})
	if len(coding) != 1 {
		t.Fatalf("expected one coding entry, got %#v", coding)
	}
	entry, _ := coding[0].(map[string]interface{})
	if entry["system"] != "http://loinc.org" || entry["code"] != "1234-5" {
		t.Errorf("coding[0] = %#v", entry)
	}
}
