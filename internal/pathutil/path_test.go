package pathutil

import (
	"reflect"
	"testing"
)

func TestGet(t *testing.T) {
	root := map[string]interface{}{
		"data": map[string]interface{}{
			"eventData": map[string]interface{}{
				"priority": "urgent",
			},
			"items": []interface{}{
				map[string]interface{}{"name": "first"},
				map[string]interface{}{"name": "second"},
			},
		},
	}

	cases := []struct {
		path string
		want interface{}
		ok   bool
	}{
		{"data.eventData.priority", "urgent", true},
		{"data.items[0].name", "first", true},
		{"data.items[1].name", "second", true},
		{"data.items[2].name", nil, false},
		{"data.missing.field", nil, false},
		{"data.eventData.priority.sub", nil, false},
	}
	for _, tc := range cases {
		got, ok := Get(root, tc.path)
		if ok != tc.ok || (ok && got != tc.want) {
			t.Errorf("Get(%q) = (%v, %v), want (%v, %v)", tc.path, got, ok, tc.want, tc.ok)
		}
	}
}

func TestSetCreatesIntermediateObjectsAndArrays(t *testing.T) {
	root := map[string]interface{}{}
	Set(root, "patientId", "P1")
	Set(root, "code.coding[0].system", "http://loinc.org")
	Set(root, "code.coding[0].code", "1234")
	Set(root, "code.coding[1].code", "5678")

	if root["patientId"] != "P1" {
		t.Errorf("patientId = %v, want P1", root["patientId"])
	}

	code, ok := root["code"].(map[string]interface{})
	if !ok {
		t.Fatalf("code is not a map: %T", root["code"])
	}
	coding, ok := code["coding"].([]interface{})
	if !ok || len(coding) != 2 {
		t.Fatalf("coding = %#v, want 2-element slice", code["coding"])
	}
	first, _ := coding[0].(map[string]interface{})
	if first["system"] != "http://loinc.org" || first["code"] != "1234" {
		t.Errorf("coding[0] = %#v", first)
	}
	second, _ := coding[1].(map[string]interface{})
	if second["code"] != "5678" {
		t.Errorf("coding[1] = %#v", second)
	}
}

func TestSetOverwritesExistingValue(t *testing.T) {
	root := map[string]interface{}{"a": map[string]interface{}{"b": "old"}}
	Set(root, "a.b", "new")
	if !reflect.DeepEqual(root, map[string]interface{}{"a": map[string]interface{}{"b": "new"}}) {
		t.Errorf("Set did not overwrite: %#v", root)
	}
}
