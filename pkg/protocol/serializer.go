package protocol

import (
	"encoding/json"
	"fmt"
)

// Serializer encodes logical messages for the wire and back.
type Serializer interface {
	Encode(msg *Message) ([]byte, error)
	Decode(data []byte) (*Message, error)
}

// JSONSerializer is the default serializer: one JSON object per message.
type JSONSerializer struct{}

// Encode marshals the message to JSON.
func (JSONSerializer) Encode(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode message: %w", err)
	}
	return data, nil
}

// Decode unmarshals a JSON message. The payload becomes generic JSON values
// (map[string]any, []any, string, float64, bool, nil).
func (JSONSerializer) Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("protocol: decode message: %w", err)
	}
	if msg.Topic == "" || msg.Event == "" {
		return nil, fmt.Errorf("protocol: decode message: missing topic or event")
	}
	return &msg, nil
}
