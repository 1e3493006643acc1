package worker

import (
	"context"
	"strconv"

	"github.com/ThreeDotsLabs/watermill/message"
)

// MiddlewareFromWatermill adapts a Watermill handler middleware, such as
// middleware.Recoverer, to the worker's handler chain.
func MiddlewareFromWatermill(m message.HandlerMiddleware) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, evt *Event) error {
			msg := message.NewMessage(evt.ID, message.Payload(evt.Payload))
			msg.SetContext(ctx)
			for key, value := range evt.Metadata {
				msg.Metadata.Set(key, value)
			}
			msg.Metadata.Set(AttemptMetadataKey, strconv.Itoa(evt.Attempt))
			wrapped := m(func(in *message.Message) ([]*message.Message, error) {
				return nil, next(in.Context(), evt)
			})
			_, err := wrapped(msg)
			return err
		}
	}
}
