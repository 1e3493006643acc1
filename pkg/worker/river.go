package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
)

// DefaultRiverJobKind is the job kind the riverqueue publisher inserts.
const DefaultRiverJobKind = "hobbes_commit"

var riverJobKind atomic.Value

// SetRiverJobKind sets the job kind River workers register for. It is
// process-wide because River reads the kind from the args type; call it
// before any RunRiver.
func SetRiverJobKind(kind string) {
	if kind != "" {
		riverJobKind.Store(kind)
	}
}

// RiverJobKind returns the kind set by SetRiverJobKind or the default.
func RiverJobKind() string {
	if kind, ok := riverJobKind.Load().(string); ok {
		return kind
	}
	return DefaultRiverJobKind
}

// RiverArgs is the decoded job body. The worker reads the raw encoded args so
// the payload reaches handlers byte for byte.
type RiverArgs map[string]interface{}

func (RiverArgs) Kind() string { return RiverJobKind() }

// RiverConfig selects the River queue a worker consumes.
type RiverConfig struct {
	DSN        string
	Queue      string
	Kind       string
	Topic      string
	MaxWorkers int
}

type riverConsumer struct {
	river.WorkerDefaults[RiverArgs]
	worker *Worker
	topic  string
}

func (c *riverConsumer) Work(ctx context.Context, job *river.Job[RiverArgs]) error {
	evt := &Event{
		ID:       strconv.FormatInt(job.ID, 10),
		Type:     job.Kind,
		Topic:    c.topic,
		Metadata: riverMetadata(job.Metadata),
		Payload:  append([]byte(nil), job.EncodedArgs...),
		Attempt:  job.Attempt,
	}
	return c.worker.settleJob(ctx, evt)
}

// settleJob maps the retry decision onto River semantics: a returned error
// schedules another attempt, nil completes the job.
func (w *Worker) settleJob(ctx context.Context, evt *Event) error {
	err := w.Dispatch(ctx, evt)
	if err == nil {
		return nil
	}
	decision := w.retry.OnError(ctx, evt, err)
	switch {
	case decision.DeadLetter:
		if dlErr := w.sendToDeadLetter(ctx, evt, err); dlErr != nil {
			return fmt.Errorf("dead-letter: %w", dlErr)
		}
		return nil
	case decision.Retry || decision.Nack:
		return err
	default:
		return nil
	}
}

// RunRiver consumes cfg.Queue until ctx is canceled, dispatching every job
// through w as if it had arrived on cfg.Topic.
func (w *Worker) RunRiver(ctx context.Context, cfg RiverConfig) error {
	if cfg.DSN == "" {
		return errors.New("riverqueue dsn is required")
	}
	if cfg.Queue == "" {
		cfg.Queue = river.QueueDefault
	}
	if cfg.Kind != "" && cfg.Kind != RiverJobKind() {
		return fmt.Errorf("river job kind %q does not match registered kind %q", cfg.Kind, RiverJobKind())
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = w.concurrency
	}

	dbPool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return fmt.Errorf("open river db: %w", err)
	}
	defer dbPool.Close()

	workers := river.NewWorkers()
	river.AddWorker(workers, &riverConsumer{worker: w, topic: cfg.Topic})

	client, err := river.NewClient(riverpgxv5.New(dbPool), &river.Config{
		Logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})),
		Queues: map[string]river.QueueConfig{
			cfg.Queue: {MaxWorkers: cfg.MaxWorkers},
		},
		Workers: workers,
	})
	if err != nil {
		return fmt.Errorf("river client: %w", err)
	}

	w.notifyStart(ctx)
	defer w.notifyExit(ctx)
	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("river start: %w", err)
	}

	<-ctx.Done()
	stopCtx, cancelStop := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelStop()
	if err := client.Stop(stopCtx); err != nil {
		w.logger.Printf("river stop: %v", err)
	}
	return nil
}

func riverMetadata(raw []byte) map[string]string {
	out := map[string]string{}
	if len(raw) == 0 {
		return out
	}
	var values map[string]interface{}
	if err := json.Unmarshal(raw, &values); err != nil {
		return out
	}
	for key, value := range values {
		switch v := value.(type) {
		case string:
			out[key] = v
		case nil:
		default:
			out[key] = fmt.Sprint(v)
		}
	}
	return out
}
