package internal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aaronbmoore/hobbes-processor/pkg/pipeline"
	"github.com/aaronbmoore/hobbes-processor/pkg/retry"

	"github.com/ThreeDotsLabs/watermill"
	wmamaqp "github.com/ThreeDotsLabs/watermill-amqp/pkg/amqp"
	wmhttp "github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	wmkafka "github.com/ThreeDotsLabs/watermill-kafka/pkg/kafka"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/pkg/nats"
	wmsql "github.com/ThreeDotsLabs/watermill-sql/pkg/sql"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	stan "github.com/nats-io/stan.go"
)

// Metadata keys set on every published message. The worker reads
// MetadataEventType to route messages by type.
const (
	MetadataProvider  = "provider"
	MetadataEvent     = "event"
	MetadataEventType = "event_type"
	MetadataRequestID = "request_id"
)

// Publisher sends events to one or more configured brokers.
type Publisher interface {
	Publish(ctx context.Context, topic string, event Event) error
	PublishForDrivers(ctx context.Context, topic string, event Event, drivers []string) error
	Close() error
}

type watermillPublisher struct {
	publisher message.Publisher
	closeFn   func() error
}

type PublisherFactory func(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error)

var publisherFactories = map[string]PublisherFactory{
	"gochannel": buildGoChannelPublisher,
}

// buildPolicy bounds how long startup waits for a broker to come up.
var buildPolicy = retry.Policy{MaxAttempts: 10, BaseDelay: 2 * time.Second, MaxDelay: 2 * time.Second}

// PublisherOption configures NewPublisher.
type PublisherOption func(*publisherMux)

// WithPublishMetrics counts failed sends per driver.
func WithPublishMetrics(m *Metrics) PublisherOption {
	return func(p *publisherMux) {
		p.metrics = m
	}
}

func RegisterPublisherDriver(name string, factory PublisherFactory) {
	if name == "" || factory == nil {
		return
	}
	publisherFactories[strings.ToLower(name)] = factory
}

// NewPublisher builds a publisher for every configured driver. Drivers that
// cannot be built within the startup budget are skipped; it fails only when
// none are left.
func NewPublisher(cfg WatermillConfig, opts ...PublisherOption) (Publisher, error) {
	logger := watermill.NewStdLogger(false, false)

	drivers := cfg.Drivers
	if len(drivers) == 0 && cfg.Driver != "" {
		drivers = []string{cfg.Driver}
	}
	if len(drivers) == 0 {
		drivers = []string{"gochannel"}
	}

	pubs := make(map[string]Publisher, len(drivers))
	builtDrivers := make([]string, 0, len(drivers))
	for _, driver := range drivers {
		pub, err := retryPublisherBuild(func() (Publisher, error) {
			return newSinglePublisher(cfg, driver)
		})
		if err != nil {
			logger.Error("publisher init failed, skipping driver", err, watermill.LogFields{
				"driver": driver,
			})
			continue
		}
		key := strings.ToLower(driver)
		pubs[key] = pub
		builtDrivers = append(builtDrivers, key)
	}
	if len(pubs) == 0 {
		return nil, errors.New("no publishers available")
	}
	mux := &publisherMux{publishers: pubs, defaultDrivers: builtDrivers}
	for _, opt := range opts {
		opt(mux)
	}
	return mux, nil
}

func newSinglePublisher(cfg WatermillConfig, driver string) (Publisher, error) {
	logger := watermill.NewStdLogger(false, false)

	switch strings.ToLower(driver) {
	case "http":
		targetMode := strings.ToLower(cfg.HTTP.Mode)
		if targetMode != "topic_url" && targetMode != "base_url" {
			return nil, fmt.Errorf("unsupported http mode: %s", cfg.HTTP.Mode)
		}
		if targetMode == "base_url" && cfg.HTTP.BaseURL == "" {
			return nil, fmt.Errorf("http base_url is required for base_url mode")
		}
		pub, err := wmhttp.NewPublisher(wmhttp.PublisherConfig{
			MarshalMessageFunc: func(topic string, msg *message.Message) (*http.Request, error) {
				target, err := httpTargetURL(cfg.HTTP, topic)
				if err != nil {
					return nil, err
				}
				return wmhttp.DefaultMarshalMessageFunc(target, msg)
			},
		}, logger)
		if err != nil {
			return nil, err
		}
		return &watermillPublisher{publisher: pub}, nil
	case "kafka":
		if len(cfg.Kafka.Brokers) == 0 {
			return nil, fmt.Errorf("kafka brokers are required")
		}
		pub, err := retryPublisher(func() (message.Publisher, error) {
			return wmkafka.NewPublisher(cfg.Kafka.Brokers, wmkafka.DefaultMarshaler{}, nil, logger)
		})
		if err != nil {
			return nil, err
		}
		return &watermillPublisher{publisher: pub}, nil
	case "nats":
		if cfg.NATS.ClusterID == "" || cfg.NATS.ClientID == "" {
			return nil, fmt.Errorf("nats cluster_id and client_id are required")
		}
		natsCfg := wmnats.StreamingPublisherConfig{
			ClusterID: cfg.NATS.ClusterID,
			ClientID:  cfg.NATS.ClientID,
			Marshaler: wmnats.GobMarshaler{},
		}
		if cfg.NATS.URL != "" {
			natsCfg.StanOptions = append(natsCfg.StanOptions, stan.NatsURL(cfg.NATS.URL))
		}
		pub, err := wmnats.NewStreamingPublisher(natsCfg, logger)
		if err != nil {
			return nil, err
		}
		return &watermillPublisher{publisher: pub}, nil
	case "amqp":
		if cfg.AMQP.URL == "" {
			return nil, fmt.Errorf("amqp url is required")
		}
		amqpCfg, err := amqpConfigFromMode(cfg.AMQP.URL, cfg.AMQP.Mode)
		if err != nil {
			return nil, err
		}
		pub, err := wmamaqp.NewPublisher(amqpCfg, logger)
		if err != nil {
			return nil, err
		}
		return &watermillPublisher{publisher: pub}, nil
	case "sql":
		if cfg.SQL.Driver == "" || cfg.SQL.DSN == "" {
			return nil, fmt.Errorf("sql driver and dsn are required")
		}
		schemaAdapter, err := sqlSchemaAdapter(cfg.SQL.Dialect)
		if err != nil {
			return nil, err
		}
		db, err := sql.Open(cfg.SQL.Driver, cfg.SQL.DSN)
		if err != nil {
			return nil, err
		}
		autoInit := cfg.SQL.AutoInitializeSchema || cfg.SQL.InitializeSchema
		pub, err := wmsql.NewPublisher(db, wmsql.PublisherConfig{
			SchemaAdapter:        schemaAdapter,
			AutoInitializeSchema: autoInit,
		}, logger)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return &watermillPublisher{
			publisher: pub,
			closeFn:   db.Close,
		}, nil
	case "riverqueue":
		return newRiverQueuePublisher(cfg.RiverQueue)
	default:
		if factory, ok := publisherFactories[strings.ToLower(driver)]; ok {
			pub, closeFn, err := factory(cfg, logger)
			if err != nil {
				return nil, err
			}
			return &watermillPublisher{publisher: pub, closeFn: closeFn}, nil
		}
		return nil, retry.Permanent(fmt.Errorf("unsupported watermill driver: %s", driver))
	}
}

func retryPublisher(build func() (message.Publisher, error)) (message.Publisher, error) {
	var pub message.Publisher
	_, err := buildPolicy.Do(context.Background(), func(context.Context) error {
		built, err := build()
		if err != nil {
			return err
		}
		pub = built
		return nil
	})
	return pub, err
}

func retryPublisherBuild(build func() (Publisher, error)) (Publisher, error) {
	var pub Publisher
	_, err := buildPolicy.Do(context.Background(), func(context.Context) error {
		built, err := build()
		if err != nil {
			return err
		}
		pub = built
		return nil
	})
	return pub, err
}

func (w *watermillPublisher) Publish(ctx context.Context, topic string, event Event) error {
	payload := event.RawPayload
	if len(payload) == 0 {
		encoded, err := json.Marshal(event)
		if err != nil {
			return err
		}
		payload = encoded
	}

	id := event.ID
	if id == "" {
		id = watermill.NewUUID()
	}
	msg := message.NewMessage(id, payload)
	for key, value := range eventMetadata(event) {
		msg.Metadata.Set(key, value)
	}
	msg.SetContext(ctx)
	return w.publisher.Publish(topic, msg)
}

func eventMetadata(event Event) map[string]string {
	out := make(map[string]string, len(event.Metadata)+4)
	for key, value := range event.Metadata {
		out[key] = value
	}
	if event.Provider != "" {
		out[MetadataProvider] = event.Provider
	}
	if event.Name != "" {
		out[MetadataEvent] = event.Name
		out[MetadataEventType] = event.Name
	}
	if event.RequestID != "" {
		out[MetadataRequestID] = event.RequestID
	}
	return out
}

func (w *watermillPublisher) Close() error {
	if w.publisher == nil {
		return nil
	}
	err := w.publisher.Close()
	if w.closeFn != nil {
		return errors.Join(err, w.closeFn())
	}
	return err
}

func (w *watermillPublisher) PublishForDrivers(ctx context.Context, topic string, event Event, drivers []string) error {
	return w.Publish(ctx, topic, event)
}

type publisherMux struct {
	publishers     map[string]Publisher
	defaultDrivers []string
	metrics        *Metrics
}

func (m *publisherMux) Publish(ctx context.Context, topic string, event Event) error {
	return m.PublishForDrivers(ctx, topic, event, nil)
}

func (m *publisherMux) PublishForDrivers(ctx context.Context, topic string, event Event, drivers []string) error {
	targets := drivers
	if len(targets) == 0 {
		targets = m.defaultDrivers
	}

	var err error
	for _, driver := range targets {
		pub, ok := m.publishers[strings.ToLower(driver)]
		if !ok {
			err = errors.Join(err, fmt.Errorf("unknown driver %s", driver))
			continue
		}
		if publishErr := pub.Publish(ctx, topic, event); publishErr != nil {
			m.metrics.IncPublishError(driver)
			err = errors.Join(err, fmt.Errorf("%s: %w", driver, publishErr))
		}
	}
	return err
}

func (m *publisherMux) Close() error {
	var err error
	for _, pub := range m.publishers {
		err = errors.Join(err, pub.Close())
	}
	return err
}

// retryingPublisher retries whole sends and reports exhaustion as a
// pipeline.TransportError.
type retryingPublisher struct {
	next   Publisher
	policy retry.Policy
}

// NewRetryingPublisher wraps next so each send is attempted cfg.Attempts
// times with exponential backoff starting at cfg.DelayMS.
func NewRetryingPublisher(next Publisher, cfg PublishRetryConfig) Publisher {
	return &retryingPublisher{
		next: next,
		policy: retry.Policy{
			MaxAttempts: cfg.Attempts,
			BaseDelay:   time.Duration(cfg.DelayMS) * time.Millisecond,
		},
	}
}

func (r *retryingPublisher) Publish(ctx context.Context, topic string, event Event) error {
	return r.PublishForDrivers(ctx, topic, event, nil)
}

func (r *retryingPublisher) PublishForDrivers(ctx context.Context, topic string, event Event, drivers []string) error {
	attempts, err := r.policy.Do(ctx, func(ctx context.Context) error {
		return r.next.PublishForDrivers(ctx, topic, event, drivers)
	})
	if err != nil {
		return &pipeline.TransportError{Topic: topic, Attempts: attempts, Err: err}
	}
	return nil
}

func (r *retryingPublisher) Close() error {
	return r.next.Close()
}

// messagePublisher exposes a Publisher as a watermill message.Publisher so
// the worker's dead-letter and requeue writers share the configured drivers.
type messagePublisher struct {
	pub Publisher
}

// AsMessagePublisher adapts pub to message.Publisher. Message metadata and
// ids are carried over unchanged.
func AsMessagePublisher(pub Publisher) message.Publisher {
	return &messagePublisher{pub: pub}
}

func (m *messagePublisher) Publish(topic string, msgs ...*message.Message) error {
	var err error
	for _, msg := range msgs {
		ctx := msg.Context()
		event := Event{
			ID:         msg.UUID,
			Name:       msg.Metadata.Get(MetadataEventType),
			Provider:   msg.Metadata.Get(MetadataProvider),
			RequestID:  msg.Metadata.Get(MetadataRequestID),
			Metadata:   map[string]string(msg.Metadata),
			RawPayload: msg.Payload,
		}
		if publishErr := m.pub.Publish(ctx, topic, event); publishErr != nil {
			err = errors.Join(err, publishErr)
		}
	}
	return err
}

// Close leaves the wrapped publisher open; its owner closes it.
func (m *messagePublisher) Close() error {
	return nil
}

func buildGoChannelPublisher(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
	pub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            cfg.GoChannel.OutputChannelBuffer,
			Persistent:                     cfg.GoChannel.Persistent,
			BlockPublishUntilSubscriberAck: cfg.GoChannel.BlockPublishUntilSubscriberAck,
		},
		logger,
	)
	return pub, nil, nil
}

func amqpConfigFromMode(url, mode string) (wmamaqp.Config, error) {
	switch strings.ToLower(mode) {
	case "", "durable_queue":
		return wmamaqp.NewDurableQueueConfig(url), nil
	case "nondurable_queue":
		return wmamaqp.NewNonDurableQueueConfig(url), nil
	case "durable_pubsub":
		return wmamaqp.NewDurablePubSubConfig(url, nil), nil
	case "nondurable_pubsub":
		return wmamaqp.NewNonDurablePubSubConfig(url, nil), nil
	default:
		return wmamaqp.Config{}, fmt.Errorf("unsupported amqp mode: %s", mode)
	}
}

func sqlSchemaAdapter(dialect string) (wmsql.SchemaAdapter, error) {
	switch strings.ToLower(dialect) {
	case "postgres", "postgresql":
		return wmsql.DefaultPostgreSQLSchema{}, nil
	case "mysql":
		return wmsql.DefaultMySQLSchema{}, nil
	default:
		return nil, fmt.Errorf("unsupported sql dialect: %s", dialect)
	}
}

func httpTargetURL(cfg HTTPConfig, topic string) (string, error) {
	switch strings.ToLower(cfg.Mode) {
	case "topic_url":
		if topic == "" {
			return "", fmt.Errorf("http topic url is empty")
		}
		return topic, nil
	case "base_url":
		if cfg.BaseURL == "" {
			return "", fmt.Errorf("http base_url is empty")
		}
		if topic == "" {
			return strings.TrimRight(cfg.BaseURL, "/"), nil
		}
		return strings.TrimRight(cfg.BaseURL, "/") + "/" + strings.TrimLeft(topic, "/"), nil
	default:
		return "", fmt.Errorf("unsupported http mode: %s", cfg.Mode)
	}
}
