// Package message defines the publish unit exchanged between publishers,
// the delivery router, and per-connection retry queues.
package message

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Message is a single published event. It is immutable once constructed;
// EventID correlates acknowledgments and de-duplicates retries.
type Message struct {
	// EventID is unique per message, generated at send time.
	EventID string `json:"eventId"`
	// Event is the client-visible event name chosen by the publisher.
	Event string `json:"event"`
	// Data is the opaque application payload.
	Data json.RawMessage `json:"data"`
	// Tags are the capability tags a recipient must hold to receive this
	// message. Empty means every group member is eligible.
	Tags []string `json:"tags,omitempty"`
}

// New constructs a Message with a fresh EventID.
func New(event string, data json.RawMessage, tags []string) Message {
	return Message{
		EventID: uuid.NewString(),
		Event:   event,
		Data:    data,
		Tags:    tags,
	}
}

// Envelope is the wire payload delivered to recipients: the event ID for
// acknowledgment correlation plus the application data.
type Envelope struct {
	EventID string          `json:"eventId"`
	Data    json.RawMessage `json:"data"`
}

// Acknowledgment correlates to exactly one in-flight message on one
// recipient connection.
type Acknowledgment struct {
	EventID string `json:"eventId"`
}

// Encode marshals the delivery envelope for a message.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(Envelope{EventID: m.EventID, Data: m.Data})
}
