package routing

import (
	"testing"

	"github.com/smile-health/interop-pipeline/internal/cloudevent"
)

func TestEngineMatchSelectsHighestPriority(t *testing.T) {
	routes := []*Route{
		{Name: "low", Enabled: true, Source: "*", Type: "health.*", Priority: 1,
			Destination: Destination{Type: "queue", Queue: "low.queue"}},
		{Name: "high", Enabled: true, Source: "*", Type: "health.*", Priority: 10,
			Destination: Destination{Type: "queue", Queue: "high.queue"}},
	}
	e := NewEngine(routes)

	evt := cloudevent.New("health.patient.registered", "smile.health-service", nil)
	result := e.Match(evt)
	if !result.Matched || result.Route.Name != "high" {
		t.Fatalf("expected high-priority route to win, got %#v", result)
	}
}

func TestEngineMatchSkipsDisabledRoutes(t *testing.T) {
	routes := []*Route{
		{Name: "disabled", Enabled: false, Source: "*", Type: "*", Priority: 10},
		{Name: "fallback", Enabled: true, Source: "*", Type: "*", Priority: 1},
	}
	e := NewEngine(routes)

	evt := cloudevent.New("orders.created", "smile.orders-service", nil)
	result := e.Match(evt)
	if !result.Matched || result.Route.Name != "fallback" {
		t.Fatalf("expected disabled route to be skipped, got %#v", result)
	}
}

func TestEngineMatchHonorsCondition(t *testing.T) {
	routes := []*Route{
		{Name: "urgent-only", Enabled: true, Source: "*", Type: "*", Priority: 5,
			Condition: &Condition{Field: "data.priority", Operator: OpEquals, Value: "urgent"}},
	}
	e := NewEngine(routes)

	urgent := cloudevent.New("health.patient.registered", "smile.health-service",
		map[string]interface{}{"priority": "urgent"})
	if result := e.Match(urgent); !result.Matched {
		t.Fatal("expected urgent event to match condition")
	}

	routine := cloudevent.New("health.patient.registered", "smile.health-service",
		map[string]interface{}{"priority": "routine"})
	result := e.Match(routine)
	if result.Matched {
		t.Fatal("expected routine event to fail condition and not match")
	}
	if result.Reason == "" {
		t.Error("expected a non-empty reason on no-match")
	}
}

func TestEngineMatchNoRoutes(t *testing.T) {
	e := NewEngine(nil)
	result := e.Match(cloudevent.New("orders.created", "smile.orders-service", nil))
	if result.Matched {
		t.Fatal("expected no match against an empty route set")
	}
}

func TestEngineReplaceResorts(t *testing.T) {
	e := NewEngine([]*Route{{Name: "a", Enabled: true, Source: "*", Type: "*", Priority: 1}})
	e.Replace([]*Route{
		{Name: "b", Enabled: true, Source: "*", Type: "*", Priority: 3},
		{Name: "c", Enabled: true, Source: "*", Type: "*", Priority: 7},
	})
	routes := e.Routes()
	if len(routes) != 2 || routes[0].Name != "c" || routes[1].Name != "b" {
		t.Fatalf("expected [c, b] after Replace, got %#v", routes)
	}
}
