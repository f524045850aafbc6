// Package broker implements the in-memory pub/sub core: topics with bounded
// history rings, subscribers with bounded queues and drop-oldest
// backpressure, and the process-wide topic registry with its shutdown latch.
package broker

import (
	"time"

	"github.com/google/uuid"
)

// Message is an immutable published record. The id comes from the
// publisher; the timestamp is assigned by the server at publish time.
type Message struct {
	ID        string
	Payload   map[string]any
	Timestamp time.Time
}

// NewMessage validates the publisher-supplied id and stamps the message
// with the server clock. The payload is stored as-is and never inspected.
func NewMessage(id string, payload map[string]any) (*Message, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrInvalidMessageID
	}
	return &Message{
		ID:        id,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}, nil
}
