package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Worker is a message-processing worker that subscribes to topics, decodes
// messages, and dispatches them to handlers. Failed messages are settled by
// the retry policy: requeued with an advanced attempt counter, nacked, or
// written to the dead-letter destination before being acknowledged.
type Worker struct {
	subscriber  message.Subscriber
	codec       Codec
	retry       RetryPolicy
	logger      Logger
	concurrency int
	topics      []string

	topicHandlers map[string]Handler
	middleware    []Middleware
	deadLetter    DeadLetterer
	requeue       Requeuer
	listeners     []Listener
	allowedTopics map[string]struct{}
}

// New creates a new Worker with the given options.
func New(opts ...Option) *Worker {
	w := &Worker{
		codec:         DefaultCodec{},
		retry:         NoRetry{},
		logger:        stdLogger{},
		concurrency:   1,
		topicHandlers: make(map[string]Handler),
		allowedTopics: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// HandleTopic registers a handler for a specific topic.
func (w *Worker) HandleTopic(topic string, h Handler) {
	if h == nil || topic == "" {
		return
	}
	if len(w.allowedTopics) > 0 {
		if _, ok := w.allowedTopics[topic]; !ok {
			w.logger.Printf("handler topic not subscribed: %s", topic)
			return
		}
	}
	w.topicHandlers[topic] = h
	w.topics = append(w.topics, topic)
}

// Run starts the worker, subscribing to topics and processing messages.
// It blocks until the context is canceled.
func (w *Worker) Run(ctx context.Context) error {
	if w.subscriber == nil {
		return errors.New("subscriber is required")
	}
	if len(w.topics) == 0 {
		return errors.New("at least one topic is required")
	}

	topics := unique(w.topics)
	w.notifyStart(ctx)
	defer w.notifyExit(ctx)
	sem := make(chan struct{}, w.concurrency)

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, topic := range topics {
		msgs, err := w.subscriber.Subscribe(ctx, topic)
		if err != nil {
			w.notifyError(ctx, nil, err)
			return err
		}
		wg.Add(1)
		go func(topic string, ch <-chan *message.Message) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-ch:
					if !ok {
						return
					}
					sem <- struct{}{}
					wg.Add(1)
					go func(msg *message.Message) {
						defer wg.Done()
						defer func() { <-sem }()
						w.handleMessage(ctx, topic, msg)
					}(msg)
				}
			}
		}(topic, msgs)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

// Close gracefully shuts down the worker and its subscriber.
func (w *Worker) Close() error {
	if w.subscriber == nil {
		return nil
	}
	return w.subscriber.Close()
}

func (w *Worker) handleMessage(ctx context.Context, topic string, msg *message.Message) {
	evt, err := w.codec.Decode(topic, msg)
	if err != nil {
		w.logger.Printf("decode failed: %v", err)
		w.notifyError(ctx, nil, err)
		msg.Nack()
		return
	}

	err = w.Dispatch(ctx, evt)
	if err == nil {
		msg.Ack()
		return
	}

	decision := w.retry.OnError(ctx, evt, err)
	switch {
	case decision.DeadLetter:
		if dlErr := w.sendToDeadLetter(ctx, evt, err); dlErr != nil {
			msg.Nack()
			return
		}
		msg.Ack()
	case decision.Retry && w.requeue != nil:
		if rqErr := w.requeue.Requeue(ctx, evt); rqErr != nil {
			w.logger.Printf("requeue failed topic=%s id=%s: %v", evt.Topic, evt.ID, rqErr)
			w.notifyError(ctx, evt, rqErr)
			msg.Nack()
			return
		}
		w.logger.Printf("requeued topic=%s id=%s attempt=%d", evt.Topic, evt.ID, evt.Attempt+1)
		msg.Ack()
	case decision.Retry || decision.Nack:
		msg.Nack()
	default:
		msg.Ack()
	}
}

// Dispatch routes evt to its handler through the middleware chain and
// listeners. It returns the handler's error unchanged.
func (w *Worker) Dispatch(ctx context.Context, evt *Event) error {
	if reqID := evt.RequestID(); reqID != "" {
		w.logger.Printf("request_id=%s topic=%s type=%s attempt=%d", reqID, evt.Topic, evt.Type, evt.Attempt)
	}

	w.notifyMessageStart(ctx, evt)

	handler := w.topicHandlers[evt.Topic]
	if handler == nil {
		w.logger.Printf("no handler for topic=%s type=%s", evt.Topic, evt.Type)
		w.notifyMessageFinish(ctx, evt, nil)
		return nil
	}

	err := w.wrap(handler)(ctx, evt)
	w.notifyMessageFinish(ctx, evt, err)
	if err != nil {
		w.notifyError(ctx, evt, err)
	}
	return err
}

func (w *Worker) sendToDeadLetter(ctx context.Context, evt *Event, cause error) error {
	if w.deadLetter == nil {
		w.logger.Printf("dropping message topic=%s id=%s attempts=%d: no dead-letter destination: %v", evt.Topic, evt.ID, evt.Attempt, cause)
		return nil
	}
	if err := w.deadLetter.DeadLetter(ctx, evt, cause); err != nil {
		w.logger.Printf("dead-letter write failed topic=%s id=%s: %v", evt.Topic, evt.ID, err)
		w.notifyError(ctx, evt, err)
		return err
	}
	w.logger.Printf("dead-lettered topic=%s id=%s attempts=%d: %v", evt.Topic, evt.ID, evt.Attempt, cause)
	w.notifyDeadLetter(ctx, evt, cause)
	return nil
}

func (w *Worker) wrap(h Handler) Handler {
	wrapped := h
	for i := len(w.middleware) - 1; i >= 0; i-- {
		wrapped = w.middleware[i](wrapped)
	}
	return wrapped
}

func unique(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}

func (w *Worker) notifyStart(ctx context.Context) {
	for _, listener := range w.listeners {
		if listener.OnStart != nil {
			listener.OnStart(ctx)
		}
	}
}

func (w *Worker) notifyExit(ctx context.Context) {
	for _, listener := range w.listeners {
		if listener.OnExit != nil {
			listener.OnExit(ctx)
		}
	}
}

func (w *Worker) notifyMessageStart(ctx context.Context, evt *Event) {
	for _, listener := range w.listeners {
		if listener.OnMessageStart != nil {
			listener.OnMessageStart(ctx, evt)
		}
	}
}

func (w *Worker) notifyMessageFinish(ctx context.Context, evt *Event, err error) {
	for _, listener := range w.listeners {
		if listener.OnMessageFinish != nil {
			listener.OnMessageFinish(ctx, evt, err)
		}
	}
}

func (w *Worker) notifyError(ctx context.Context, evt *Event, err error) {
	for _, listener := range w.listeners {
		if listener.OnError != nil {
			listener.OnError(ctx, evt, err)
		}
	}
}

func (w *Worker) notifyDeadLetter(ctx context.Context, evt *Event, err error) {
	for _, listener := range w.listeners {
		if listener.OnDeadLetter != nil {
			listener.OnDeadLetter(ctx, evt, err)
		}
	}
}
