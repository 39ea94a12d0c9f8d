package protocol

import (
	"fmt"
	"net/url"
)

// TypeForm marks an event value as URL-encoded form data. Values of every
// other type tag pass through undecoded.
const TypeForm = "form"

// EventPayload is the payload shape of an EventClient message.
type EventPayload struct {
	// Event is the application-level event name (e.g. "save", "inc").
	Event string

	// Value is the raw event value as delivered by the serializer.
	Value any

	// Type is the client-declared encoding tag ("form", "click", ...).
	Type string
}

// ParseEventPayload extracts an EventPayload from a decoded message payload.
func ParseEventPayload(payload any) (*EventPayload, error) {
	m, ok := payload.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("protocol: event payload must be an object, got %T", payload)
	}
	name, ok := m["event"].(string)
	if !ok || name == "" {
		return nil, fmt.Errorf("protocol: event payload missing event name")
	}
	p := &EventPayload{Event: name, Value: m["value"]}
	if typ, ok := m["type"].(string); ok {
		p.Type = typ
	}
	return p, nil
}

// DecodeValue interprets the event value according to its type tag.
// Form values decode into a map of key to string (or []string for repeated
// keys); all other tags return the value unchanged.
func (p *EventPayload) DecodeValue() (any, error) {
	if p.Type != TypeForm {
		return p.Value, nil
	}

	raw, ok := p.Value.(string)
	if !ok {
		return nil, fmt.Errorf("protocol: form event value must be a string, got %T", p.Value)
	}

	values, err := url.ParseQuery(raw)
	if err != nil {
		return nil, fmt.Errorf("protocol: decode form value: %w", err)
	}

	decoded := make(map[string]any, len(values))
	for k, vs := range values {
		if len(vs) == 1 {
			decoded[k] = vs[0]
		} else {
			decoded[k] = vs
		}
	}
	return decoded, nil
}
