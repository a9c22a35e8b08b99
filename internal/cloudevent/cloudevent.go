// Package cloudevent implements the CloudEvents 1.0 envelope used as the
// unit of exchange across the pipeline. Events are immutable once
// constructed: routing and transformation read them, never mutate them.
package cloudevent

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SpecVersion is the only CloudEvents spec version this pipeline accepts.
const SpecVersion = "1.0"

// Event is a CloudEvents 1.0 structured-mode envelope.
type Event struct {
	SpecVersion     string                 `json:"specversion"`
	Type            string                 `json:"type"`
	Source          string                 `json:"source"`
	ID              string                 `json:"id"`
	Time            *time.Time             `json:"time,omitempty"`
	Subject         string                 `json:"subject,omitempty"`
	DataContentType string                 `json:"datacontenttype,omitempty"`
	Data            map[string]interface{} `json:"data,omitempty"`

	// Extensions holds CloudEvents extension attributes (e.g. "correlationid")
	// that don't have a dedicated struct field. They round-trip through
	// ParseJSON/ToJSON alongside the core attributes.
	Extensions map[string]interface{} `json:"-"`
}

// New constructs a valid Event with a freshly generated UUID as its ID.
func New(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		SpecVersion: SpecVersion,
		Type:        eventType,
		Source:      source,
		ID:          uuid.New().String(),
		Data:        data,
	}
}

// Extension returns a named extension attribute, or nil if absent.
func (e *Event) Extension(name string) (interface{}, bool) {
	if e.Extensions == nil {
		return nil, false
	}
	v, ok := e.Extensions[name]
	return v, ok
}

// Error describes why a CloudEvent failed validation. It is permanent: the
// consumer never retries a message that fails validation.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("cloudevent: invalid %s: %s", e.Field, e.Message)
}

// Validate checks the required CloudEvents 1.0 attributes. Any failure is
// permanent (malformed message): specversion must equal "1.0", and
// type/source/id must be non-empty.
func (e *Event) Validate() error {
	if e == nil {
		return &Error{Field: "event", Message: "nil event"}
	}
	if e.SpecVersion == "" {
		return &Error{Field: "specversion", Message: "missing"}
	}
	if e.SpecVersion != SpecVersion {
		return &Error{Field: "specversion", Message: fmt.Sprintf("unsupported version %q", e.SpecVersion)}
	}
	if e.Type == "" {
		return &Error{Field: "type", Message: "missing"}
	}
	if e.Source == "" {
		return &Error{Field: "source", Message: "missing"}
	}
	if e.ID == "" {
		return &Error{Field: "id", Message: "missing"}
	}
	return nil
}

// rawEvent mirrors Event's JSON shape but lets us capture unknown top-level
// keys as extension attributes.
type rawEvent struct {
	SpecVersion     string                 `json:"specversion"`
	Type            string                 `json:"type"`
	Source          string                 `json:"source"`
	ID              string                 `json:"id"`
	Time            *time.Time             `json:"time,omitempty"`
	Subject         string                 `json:"subject,omitempty"`
	DataContentType string                 `json:"datacontenttype,omitempty"`
	Data            map[string]interface{} `json:"data,omitempty"`
}

var coreAttributes = map[string]bool{
	"specversion": true, "type": true, "source": true, "id": true,
	"time": true, "subject": true, "datacontenttype": true, "data": true,
}

// ParseJSON decodes a CloudEvents structured-mode JSON payload. It does not
// validate the result; callers run Validate() separately so malformed and
// invalid failures can be distinguished and counted.
func ParseJSON(payload []byte) (*Event, error) {
	var generic map[string]interface{}
	if err := json.Unmarshal(payload, &generic); err != nil {
		return nil, fmt.Errorf("cloudevent: malformed json: %w", err)
	}

	var raw rawEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("cloudevent: malformed json: %w", err)
	}

	ext := make(map[string]interface{})
	for k, v := range generic {
		if !coreAttributes[k] {
			ext[k] = v
		}
	}

	return &Event{
		SpecVersion:     raw.SpecVersion,
		Type:            raw.Type,
		Source:          raw.Source,
		ID:              raw.ID,
		Time:            raw.Time,
		Subject:         raw.Subject,
		DataContentType: raw.DataContentType,
		Data:            raw.Data,
		Extensions:      ext,
	}, nil
}

// ToJSON serializes the event back to CloudEvents structured-mode JSON,
// including any extension attributes at the top level.
func (e *Event) ToJSON() ([]byte, error) {
	out := map[string]interface{}{
		"specversion": e.SpecVersion,
		"type":        e.Type,
		"source":      e.Source,
		"id":          e.ID,
	}
	if e.Time != nil {
		out["time"] = e.Time.Format(time.RFC3339)
	}
	if e.Subject != "" {
		out["subject"] = e.Subject
	}
	if e.DataContentType != "" {
		out["datacontenttype"] = e.DataContentType
	}
	if e.Data != nil {
		out["data"] = e.Data
	}
	for k, v := range e.Extensions {
		out[k] = v
	}
	return json.Marshal(out)
}

// AsMap renders the event as a generic nested map, the shape dot-path field
// accessors (routing conditions, transform mappings) walk over.
func (e *Event) AsMap() map[string]interface{} {
	m := map[string]interface{}{
		"specversion": e.SpecVersion,
		"type":        e.Type,
		"source":      e.Source,
		"id":          e.ID,
		"subject":     e.Subject,
		"data":        e.Data,
	}
	if e.Time != nil {
		m["time"] = e.Time.Format(time.RFC3339)
	}
	for k, v := range e.Extensions {
		m[k] = v
	}
	return m
}
