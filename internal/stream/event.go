package stream

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// Event is a single decoded upstream stream event.
type Event struct {
	// Type is the JSON "type" (or "event_type") field, falling back to the
	// SSE "event:" name.
	Type string
	// Name is the SSE "event:" name, empty for NDJSON and WebSocket frames.
	Name string
	Raw  json.RawMessage
}

// Get reads a field from the event payload by gjson path.
func (e *Event) Get(path string) gjson.Result {
	return gjson.GetBytes(e.Raw, path)
}

// NewEvent wraps a JSON payload, deriving Type from the payload.
func NewEvent(name string, raw []byte) *Event {
	ev := &Event{Name: name, Raw: json.RawMessage(raw)}
	ev.Type = gjson.GetBytes(raw, "type").String()
	if ev.Type == "" {
		ev.Type = gjson.GetBytes(raw, "event_type").String()
	}
	if ev.Type == "" {
		ev.Type = name
	}
	return ev
}
