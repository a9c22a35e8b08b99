package routing

import (
	"github.com/smile-health/interop-pipeline/internal/cloudevent"
)

// Strategy names the routing strategy a Route was authored for. It does not
// change match semantics (source/type/condition do); it documents intent
// and is surfaced in diagnostics.
type Strategy string

const (
	StrategyType     Strategy = "type"
	StrategySource   Strategy = "source"
	StrategyContent  Strategy = "content"
	StrategyHybrid   Strategy = "hybrid"
	StrategyDefault  Strategy = "default"
	StrategyFallback Strategy = "fallback"
)

// Destination describes where a matched event is sent.
type Destination struct {
	Type       string            `yaml:"type" json:"type"` // http | queue | gateway
	Method     string            `yaml:"method,omitempty" json:"method,omitempty"`
	Endpoint   string            `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Timeout    int               `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Headers    map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Exchange   string            `yaml:"exchange,omitempty" json:"exchange,omitempty"`
	Queue      string            `yaml:"queue,omitempty" json:"queue,omitempty"`
	RoutingKey string            `yaml:"routingKey,omitempty" json:"routingKey,omitempty"`
}

// RetryPolicy holds a route's destination retry settings as read from the
// routing file. Route-destination delivery in cmd/interop makes a single
// attempt and does not read it.
type RetryPolicy struct {
	Enabled     bool `yaml:"enabled" json:"enabled"`
	MaxAttempts int  `yaml:"maxAttempts,omitempty" json:"maxAttempts,omitempty"`
	BackoffMs   int  `yaml:"backoffMs,omitempty" json:"backoffMs,omitempty"`
}

// TransformRef holds a route's transformation settings as read from the
// routing file (distinct from the per-client transformation chain in the
// multi-client fan-out). Route-destination delivery in cmd/interop does not
// read it and sends the raw, untransformed event.
type TransformRef struct {
	Enabled bool                   `yaml:"enabled" json:"enabled"`
	Type    string                 `yaml:"type,omitempty" json:"type,omitempty"`
	Config  map[string]interface{} `yaml:"config,omitempty" json:"config,omitempty"`
}

// Route is a declarative routing rule.
type Route struct {
	Name        string        `yaml:"name" json:"name"`
	Description string        `yaml:"description,omitempty" json:"description,omitempty"`
	Enabled     bool          `yaml:"enabled" json:"enabled"`
	Source      string        `yaml:"source" json:"source"`
	Type        string        `yaml:"type" json:"type"`
	Strategy    Strategy      `yaml:"strategy" json:"strategy"`
	Priority    int           `yaml:"priority" json:"priority"`
	Condition   *Condition    `yaml:"condition,omitempty" json:"condition,omitempty"`
	Destination Destination   `yaml:"destination" json:"destination"`
	Transform   *TransformRef `yaml:"transform,omitempty" json:"transform,omitempty"`
	Retry       *RetryPolicy  `yaml:"retry,omitempty" json:"retry,omitempty"`
}

// Match reports whether route matches event: enabled, source
// pattern, type pattern, and, if present, the content condition.
func (r *Route) Match(event *cloudevent.Event) bool {
	if !r.Enabled {
		return false
	}
	if !Matches(event.Source, r.Source) {
		return false
	}
	if !Matches(event.Type, r.Type) {
		return false
	}
	if r.Condition != nil {
		if !r.Condition.Evaluate(event.AsMap()) {
			return false
		}
	}
	return true
}
