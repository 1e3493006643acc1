package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/spf13/cobra"

	"github.com/aaronbmoore/hobbes-processor/internal"
	"github.com/aaronbmoore/hobbes-processor/pkg/analysis"
	"github.com/aaronbmoore/hobbes-processor/pkg/auth"
	"github.com/aaronbmoore/hobbes-processor/pkg/codeanalysis"
	"github.com/aaronbmoore/hobbes-processor/pkg/embedding"
	"github.com/aaronbmoore/hobbes-processor/pkg/manifest"
	"github.com/aaronbmoore/hobbes-processor/pkg/objectstore"
	"github.com/aaronbmoore/hobbes-processor/pkg/pipeline"
	"github.com/aaronbmoore/hobbes-processor/pkg/retry"
	"github.com/aaronbmoore/hobbes-processor/pkg/scm"
	"github.com/aaronbmoore/hobbes-processor/pkg/vectorstore"
	"github.com/aaronbmoore/hobbes-processor/pkg/worker"
)

// stage describes one queue consumer.
type stage struct {
	name       string
	consumer   string
	topic      string
	deadLetter string
}

func newFileProcessorCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "file-processor",
		Short: "Store changed files and write the commit manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStandalone(cmd.Context(), *configPath, "file-processor", runFileProcessor)
		},
	}
}

func newAnalysisProcessorCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "analysis-processor",
		Short: "Embed, analyze and index the files of stored manifests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStandalone(cmd.Context(), *configPath, "analysis-processor", runAnalysisProcessor)
		},
	}
}

func runStandalone(parent context.Context, configPath, component string, run func(context.Context, *app, message.Subscriber) error) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, configPath, component)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.openPublisher(); err != nil {
		return err
	}
	return run(ctx, a, nil)
}

func runFileProcessor(ctx context.Context, a *app, sub message.Subscriber) error {
	store, err := a.openRepositories(ctx)
	if err != nil {
		return err
	}
	objects, err := a.openObjects(ctx)
	if err != nil {
		return err
	}

	builder, err := manifest.New(manifest.Options{
		Store:   store,
		Auth:    auth.NewResolver(a.cfg.Providers),
		Sources: scm.NewFactory(),
		Objects: objects,
		Notifier: manifest.TopicNotifier{
			Publisher: internal.AsMessagePublisher(a.publisher),
			Topic:     a.cfg.Topics.ManifestEvents,
		},
		Retry:    a.storeRetry(),
		Recorder: a.metrics,
		Logger:   internal.NewLogger("manifest"),
	})
	if err != nil {
		return err
	}

	return a.runWorker(ctx, stage{
		name:       pipeline.StageManifest,
		consumer:   "file-processor",
		topic:      a.cfg.Topics.FileProcessing,
		deadLetter: a.cfg.Topics.FileDeadLetter,
	}, sub, builder.Handle)
}

func runAnalysisProcessor(ctx context.Context, a *app, sub message.Subscriber) error {
	objects, err := a.openObjects(ctx)
	if err != nil {
		return err
	}
	vectors, err := vectorstore.Open(a.cfg.VectorStore)
	if err != nil {
		return fmt.Errorf("vector store: %w", err)
	}
	embedder, err := embedding.New(a.cfg.Embedding, a.secrets.Resolver(a.cfg.Embedding.APIKeySecret, a.cfg.Embedding.APIKey))
	if err != nil {
		return fmt.Errorf("embedding: %w", err)
	}
	analyzer, err := codeanalysis.New(a.cfg.Analysis, a.secrets.Resolver(a.cfg.Analysis.APIKeySecret, a.cfg.Analysis.APIKey))
	if err != nil {
		return fmt.Errorf("code analysis: %w", err)
	}

	fanOut, err := analysis.New(analysis.Options{
		Objects:         objects,
		Embedder:        embedder,
		Analyzer:        analyzer,
		Vectors:         vectors,
		Retry:           a.storeRetry(),
		Recorder:        a.metrics,
		Logger:          internal.NewLogger("analysis"),
		DebugEmbeddings: a.cfg.Worker.DebugEmbeddings,
	})
	if err != nil {
		return err
	}
	a.logger.Printf("analysis target status=%s", fanOut.TargetStatus())

	return a.runWorker(ctx, stage{
		name:       pipeline.StageAnalysis,
		consumer:   "analysis-processor",
		topic:      a.cfg.Topics.ManifestEvents,
		deadLetter: a.cfg.Topics.ManifestDeadLetter,
	}, sub, fanOut.Handle)
}

// openObjects opens the object store once per process so both processors of
// serve --with-processors share it, which the memory driver depends on.
func (a *app) openObjects(ctx context.Context) (objectstore.Store, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.objects != nil {
		return a.objects, nil
	}
	objects, err := objectstore.Open(ctx, a.cfg.ObjectStore)
	if err != nil {
		return nil, fmt.Errorf("object store: %w", err)
	}
	a.objects = objects
	return objects, nil
}

func (a *app) storeRetry() retry.Policy {
	return retry.Policy{
		MaxAttempts: a.cfg.Worker.StoreAttempts,
		BaseDelay:   time.Duration(a.cfg.Worker.StoreBaseDelayMS) * time.Millisecond,
	}
}

// runWorker consumes st.topic with the retry supervisor in front of handler.
// sub, when set, replaces the configured subscriber.
func (a *app) runWorker(ctx context.Context, st stage, sub message.Subscriber, handler worker.Handler) error {
	subCfg, err := worker.LoadSubscriberConfig(a.configPath)
	if err != nil {
		return fmt.Errorf("subscriber config: %w", err)
	}
	worker.ApplySubscriberDefaults(&subCfg, a.cfg.ServiceName+"-"+st.consumer)

	logger := internal.NewLogger(st.consumer)
	out := internal.AsMessagePublisher(a.publisher)
	opts := []worker.Option{
		worker.WithTopics(st.topic),
		worker.WithConcurrency(a.cfg.Worker.Concurrency),
		worker.WithRetry(worker.Supervisor{MaxAttempts: a.cfg.Worker.MaxRetries}),
		worker.WithDeadLetter(worker.PublisherDeadLetterer{Publisher: out, Topic: st.deadLetter}),
		worker.WithRequeue(worker.PublisherRequeuer{Publisher: out}),
		worker.WithMiddleware(worker.MiddlewareFromWatermill(middleware.Recoverer)),
		worker.WithLogger(logger),
		worker.WithListener(worker.Listener{
			OnError: func(ctx context.Context, evt *worker.Event, err error) {
				a.metrics.StageError(st.consumer, pipeline.ErrorType(err))
			},
			OnDeadLetter: func(ctx context.Context, evt *worker.Event, err error) {
				a.metrics.IncDeadLetter(st.name)
			},
		}),
	}

	var w *worker.Worker
	switch {
	case sub != nil:
		w = worker.New(append(opts, worker.WithSubscriber(sub))...)
	case subCfg.UsesRiver():
		w = worker.New(opts...)
		w.HandleTopic(st.topic, handler)
		logger.Printf("consuming river queue %s", st.topic)
		return w.RunRiver(ctx, worker.RiverConfig{
			DSN:        subCfg.River.DSN,
			Queue:      st.topic,
			Kind:       subCfg.River.Kind,
			Topic:      st.topic,
			MaxWorkers: subCfg.River.MaxWorkers,
		})
	default:
		w, err = worker.NewFromConfig(ctx, subCfg, opts...)
		if err != nil {
			return fmt.Errorf("worker: %w", err)
		}
		defer w.Close()
	}
	w.HandleTopic(st.topic, handler)
	logger.Printf("consuming %s dead_letter=%s max_retries=%d", st.topic, st.deadLetter, a.cfg.Worker.MaxRetries)
	return w.Run(ctx)
}
