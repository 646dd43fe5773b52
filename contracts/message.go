package contracts

import (
	"encoding/json"
	"fmt"

	"github.com/glimte/rmqbus/internal/jsoncodec"
)

// Message is the logical message carried by the broker: an event or command
// name plus its JSON payload.
type Message struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds a message with the payload serialized as JSON.
func NewMessage(name string, payload interface{}) (Message, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return Message{Name: name, Payload: raw}, nil
	}
	data, err := jsoncodec.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to encode payload of %s: %w", name, err)
	}
	return Message{Name: name, Payload: data}, nil
}

// NewEventMessage builds a message from a typed event.
func NewEventMessage(event Event) (Message, error) {
	return NewMessage(event.EventName(), event)
}

// DecodePayload unmarshals the payload into v.
func (m Message) DecodePayload(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("message %s has no payload", m.Name)
	}
	return jsoncodec.Unmarshal(m.Payload, v)
}
