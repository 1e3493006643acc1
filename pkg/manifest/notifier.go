package manifest

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/aaronbmoore/hobbes-processor/pkg/pipeline"
	"github.com/aaronbmoore/hobbes-processor/pkg/worker"
)

// ManifestCreatedEvent is the event type carried by manifest notifications.
const ManifestCreatedEvent = "manifest_created"

// TopicNotifier publishes manifest notifications as {"bucket","key"} messages.
type TopicNotifier struct {
	Publisher message.Publisher
	Topic     string
}

func (n TopicNotifier) Notify(ctx context.Context, note pipeline.ManifestNotification) error {
	raw, err := json.Marshal(note)
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), raw)
	msg.Metadata.Set(worker.EventTypeMetadataKey, ManifestCreatedEvent)
	msg.SetContext(ctx)
	return n.Publisher.Publish(n.Topic, msg)
}
