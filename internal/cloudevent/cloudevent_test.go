package cloudevent

import (
	"testing"
)

func TestParseJSONAndValidate(t *testing.T) {
	payload := []byte(`{
		"specversion":"1.0",
		"type":"health.patient.registered",
		"source":"smile.health-service",
		"id":"e1",
		"correlationid":"corr-1",
		"data":{"patient":{"id":"P12345"}}
	}`)

	evt, err := ParseJSON(payload)
	if err != nil {
		t.Fatalf("ParseJSON returned error: %v", err)
	}
	if err := evt.Validate(); err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if evt.Type != "health.patient.registered" {
		t.Errorf("Type = %q, want health.patient.registered", evt.Type)
	}
	corr, ok := evt.Extension("correlationid")
	if !ok || corr != "corr-1" {
		t.Errorf("Extension(correlationid) = %v, %v; want corr-1, true", corr, ok)
	}
}

func TestValidateMissingRequiredFields(t *testing.T) {
	cases := []struct {
		name string
		evt  *Event
	}{
		{"missing specversion", &Event{Type: "t", Source: "s", ID: "1"}},
		{"wrong specversion", &Event{SpecVersion: "0.3", Type: "t", Source: "s", ID: "1"}},
		{"missing type", &Event{SpecVersion: "1.0", Source: "s", ID: "1"}},
		{"missing source", &Event{SpecVersion: "1.0", Type: "t", ID: "1"}},
		{"missing id", &Event{SpecVersion: "1.0", Type: "t", Source: "s"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.evt.Validate(); err == nil {
				t.Errorf("Validate() = nil, want error")
			}
		})
	}
}

func TestParseJSONMalformed(t *testing.T) {
	_, err := ParseJSON([]byte("{ invalid json"))
	if err == nil {
		t.Fatal("ParseJSON() = nil error, want malformed json error")
	}
}

func TestToJSONRoundTrip(t *testing.T) {
	evt := New("order.created", "smile.orders-service", map[string]interface{}{
		"orderId": "O1",
	})
	evt.Extensions = map[string]interface{}{"correlationid": "abc"}

	raw, err := evt.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON() error: %v", err)
	}

	parsed, err := ParseJSON(raw)
	if err != nil {
		t.Fatalf("ParseJSON(ToJSON()) error: %v", err)
	}
	if parsed.ID != evt.ID || parsed.Type != evt.Type {
		t.Errorf("round trip mismatch: got %+v, want %+v", parsed, evt)
	}
	corr, _ := parsed.Extension("correlationid")
	if corr != "abc" {
		t.Errorf("Extension(correlationid) = %v, want abc", corr)
	}
}

func TestAsMapIncludesData(t *testing.T) {
	evt := New("health.vitals.recorded", "smile.health-service", map[string]interface{}{
		"heartRate": 72,
	})
	m := evt.AsMap()
	data, ok := m["data"].(map[string]interface{})
	if !ok {
		t.Fatalf("AsMap()[data] is not a map: %T", m["data"])
	}
	if data["heartRate"] != 72 {
		t.Errorf("data[heartRate] = %v, want 72", data["heartRate"])
	}
}
