package worker

import (
	"strconv"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Codec is an interface for decoding messages from a message broker into an Event.
type Codec interface {
	// Decode transforms a Watermill message into an Event.
	Decode(topic string, msg *message.Message) (*Event, error)
}

// DefaultCodec passes the payload through untouched and reads the delivery
// attempt from metadata. Payload validation belongs to the handler, so a
// malformed body still reaches the dead-letter path.
type DefaultCodec struct{}

// Decode copies a Watermill message into an Event.
func (DefaultCodec) Decode(topic string, msg *message.Message) (*Event, error) {
	metadata := make(map[string]string, len(msg.Metadata))
	for key, value := range msg.Metadata {
		metadata[key] = value
	}

	attempt := 1
	if raw := msg.Metadata.Get(AttemptMetadataKey); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			attempt = n
		}
	}

	return &Event{
		ID:       msg.UUID,
		Type:     msg.Metadata.Get(EventTypeMetadataKey),
		Topic:    topic,
		Metadata: metadata,
		Payload:  append([]byte(nil), msg.Payload...),
		Attempt:  attempt,
	}, nil
}
