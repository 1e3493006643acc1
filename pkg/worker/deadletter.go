package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/aaronbmoore/hobbes-processor/pkg/pipeline"
)

// DeadLetterRecord is the body written to the dead-letter destination.
type DeadLetterRecord struct {
	OriginalMessage json.RawMessage `json:"original_message"`
	Error           string          `json:"error"`
	ErrorType       string          `json:"error_type"`
	Attempts        int             `json:"attempts"`
	Timestamp       string          `json:"timestamp"`
}

// NewDeadLetterRecord captures evt and the error that exhausted it. Payloads
// that are not valid JSON are embedded as a JSON string.
func NewDeadLetterRecord(evt *Event, err error, now time.Time) DeadLetterRecord {
	record := DeadLetterRecord{
		ErrorType: pipeline.ErrorType(err),
		Attempts:  1,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
	if err != nil {
		record.Error = err.Error()
	}
	if evt == nil {
		record.OriginalMessage = json.RawMessage("null")
		return record
	}
	if evt.Attempt > 0 {
		record.Attempts = evt.Attempt
	}
	if len(evt.Payload) > 0 && json.Valid(evt.Payload) {
		record.OriginalMessage = append(json.RawMessage(nil), evt.Payload...)
	} else {
		quoted, _ := json.Marshal(string(evt.Payload))
		record.OriginalMessage = quoted
	}
	return record
}

// DeadLetterer stores messages that will not be retried.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, evt *Event, err error) error
}

// Requeuer hands a message back to its topic for another attempt.
type Requeuer interface {
	Requeue(ctx context.Context, evt *Event) error
}

// PublisherDeadLetterer publishes dead-letter records on a fixed topic.
type PublisherDeadLetterer struct {
	Publisher message.Publisher
	Topic     string
	Now       func() time.Time
}

// DeadLetter publishes the record for evt and err.
func (d PublisherDeadLetterer) DeadLetter(ctx context.Context, evt *Event, err error) error {
	if d.Publisher == nil || d.Topic == "" {
		return errors.New("dead-letter publisher is not configured")
	}
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	body, marshalErr := json.Marshal(NewDeadLetterRecord(evt, err, now()))
	if marshalErr != nil {
		return marshalErr
	}
	msg := message.NewMessage(watermill.NewUUID(), body)
	msg.SetContext(ctx)
	if evt != nil {
		msg.Metadata.Set("source_topic", evt.Topic)
		if reqID := evt.RequestID(); reqID != "" {
			msg.Metadata.Set(RequestIDMetadataKey, reqID)
		}
	}
	return d.Publisher.Publish(d.Topic, msg)
}

// PublisherRequeuer republishes the original payload on its source topic with
// the delivery attempt advanced by one.
type PublisherRequeuer struct {
	Publisher message.Publisher
}

// Requeue publishes a fresh copy of evt.
func (r PublisherRequeuer) Requeue(ctx context.Context, evt *Event) error {
	if r.Publisher == nil {
		return errors.New("requeue publisher is not configured")
	}
	msg := message.NewMessage(watermill.NewUUID(), append([]byte(nil), evt.Payload...))
	msg.SetContext(ctx)
	for key, value := range evt.Metadata {
		msg.Metadata.Set(key, value)
	}
	attempt := evt.Attempt
	if attempt < 1 {
		attempt = 1
	}
	msg.Metadata.Set(AttemptMetadataKey, strconv.Itoa(attempt+1))
	return r.Publisher.Publish(evt.Topic, msg)
}
