package internal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/aaronbmoore/hobbes-processor/pkg/retry"
)

// riverQueuePublisher inserts events as River jobs. Each topic is its own
// River queue; dead-letter topics have no consumer. The event's
// metadata is stored as the job metadata so the consumer sees the same keys a
// broker message would carry.
type riverQueuePublisher struct {
	db  *sql.DB
	cfg RiverQueueConfig
}

// newRiverQueuePublisher creates a new RiverQueue publisher.
func newRiverQueuePublisher(cfg RiverQueueConfig) (*riverQueuePublisher, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "postgres"
	}
	if cfg.DSN == "" {
		return nil, retry.Permanent(fmt.Errorf("riverqueue dsn is required"))
	}
	if cfg.Kind == "" {
		cfg.Kind = "hobbes_commit"
	}
	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	return &riverQueuePublisher{db: db, cfg: cfg}, nil
}

// Publish inserts a new job into the RiverQueue jobs table.
func (p *riverQueuePublisher) Publish(ctx context.Context, topic string, event Event) error {
	argsPayload := event.RawPayload
	if len(argsPayload) == 0 {
		encoded, err := json.Marshal(event)
		if err != nil {
			return err
		}
		argsPayload = encoded
	}

	metadata := eventMetadata(event)
	metadata["topic"] = topic
	metadataPayload, err := json.Marshal(metadata)
	if err != nil {
		return err
	}

	tags := p.cfg.Tags
	if tags == nil {
		tags = []string{}
	}
	queue := p.cfg.Queue
	if topic != "" {
		queue = topic
	}

	table := strings.TrimSpace(p.cfg.Table)
	if table == "" {
		table = "river_job"
	}

	query := fmt.Sprintf(
		`INSERT INTO %s (args, kind, max_attempts, metadata, priority, queue, scheduled_at, tags)
VALUES ($1, $2, $3, $4, $5, $6, now(), $7)`,
		table,
	)

	_, err = p.db.ExecContext(
		ctx,
		query,
		string(argsPayload),
		p.cfg.Kind,
		p.cfg.MaxAttempts,
		string(metadataPayload),
		p.cfg.Priority,
		queue,
		pq.Array(tags),
	)
	return err
}

// Close closes the underlying database connection.
func (p *riverQueuePublisher) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

// PublishForDrivers is a convenience method that calls Publish.
func (p *riverQueuePublisher) PublishForDrivers(ctx context.Context, topic string, event Event, drivers []string) error {
	return p.Publish(ctx, topic, event)
}
