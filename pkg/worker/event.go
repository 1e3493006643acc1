package worker

import "encoding/json"

const (
	// AttemptMetadataKey carries the 1-based delivery count across requeues.
	AttemptMetadataKey = "delivery_attempt"
	// EventTypeMetadataKey names the message kind, used in logs.
	EventTypeMetadataKey = "event_type"
	// RequestIDMetadataKey correlates a message with the webhook call that
	// produced it.
	RequestIDMetadataKey = "request_id"
)

// Event represents a message received by the worker.
type Event struct {
	// ID is the transport message id (watermill UUID or river job id).
	ID string `json:"id"`
	// Type is the message kind, taken from metadata when present.
	Type string `json:"type"`
	// Topic is the name of the topic the message was received on.
	Topic string `json:"topic"`
	// Metadata contains message-broker-specific metadata.
	Metadata map[string]string `json:"metadata"`
	// Payload is the message body, unmodified.
	Payload json.RawMessage `json:"payload"`
	// Attempt is the 1-based delivery count.
	Attempt int `json:"attempt"`
}

// RequestID returns the correlated request id, if any.
func (e *Event) RequestID() string {
	if e == nil {
		return ""
	}
	return e.Metadata[RequestIDMetadataKey]
}
