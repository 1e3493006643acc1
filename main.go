package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/aaronbmoore/hobbes-processor/internal"
	"github.com/aaronbmoore/hobbes-processor/pkg/objectstore"
	"github.com/aaronbmoore/hobbes-processor/pkg/secrets"
	"github.com/aaronbmoore/hobbes-processor/pkg/storage/repositories"
	"github.com/aaronbmoore/hobbes-processor/pkg/worker"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:          "hobbes",
		Short:        "Commit ingestion pipeline: webhook intake, manifest building and analysis fan-out",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to config file")

	root.AddCommand(
		newServeCommand(&configPath),
		newFileProcessorCommand(&configPath),
		newAnalysisProcessorCommand(&configPath),
	)
	return root
}

// app holds what every subcommand shares.
type app struct {
	configPath string
	cfg        internal.Config
	logger     *log.Logger
	registry   *prometheus.Registry
	metrics    *internal.Metrics
	secrets    *secrets.Cache
	publisher  internal.Publisher
	objects    objectstore.Store

	mu      sync.Mutex
	closers []func() error
}

func newApp(ctx context.Context, configPath, component string) (*app, error) {
	logger := internal.NewLogger(component)
	cfg, err := internal.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	worker.SetRiverJobKind(cfg.Watermill.RiverQueue.Kind)

	registry := prometheus.NewRegistry()
	metrics, err := internal.NewMetrics(registry, cfg.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	source, err := secrets.Open(ctx, cfg.Secrets)
	if err != nil {
		return nil, fmt.Errorf("secrets: %w", err)
	}

	return &app{
		configPath: configPath,
		cfg:        cfg,
		logger:     logger,
		registry:   registry,
		metrics:    metrics,
		secrets:    secrets.NewCache(source),
	}, nil
}

// openPublisher builds the retrying publisher mux. It must run after any
// RegisterPublisherDriver call the command needs.
func (a *app) openPublisher() error {
	pub, err := internal.NewPublisher(a.cfg.Watermill, internal.WithPublishMetrics(a.metrics))
	if err != nil {
		return fmt.Errorf("publisher: %w", err)
	}
	a.publisher = internal.NewRetryingPublisher(pub, a.cfg.Watermill.PublishRetry)
	a.onClose(a.publisher.Close)
	return nil
}

func (a *app) openRepositories(ctx context.Context) (*repositories.Store, error) {
	dsn := a.cfg.Database.DSN
	if a.cfg.Database.DSNSecret != "" {
		resolved, err := a.secrets.Get(ctx, a.cfg.Database.DSNSecret)
		if err != nil {
			return nil, fmt.Errorf("database dsn secret: %w", err)
		}
		dsn = resolved
	}
	store, err := repositories.Open(repositories.Config{
		Driver:      a.cfg.Database.Driver,
		DSN:         dsn,
		AutoMigrate: a.cfg.Database.AutoMigrate,
	})
	if err != nil {
		return nil, fmt.Errorf("repository store: %w", err)
	}
	a.onClose(store.Close)
	return store, nil
}

func (a *app) onClose(fn func() error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closers = append(a.closers, fn)
}

func (a *app) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Printf("close: %v", err)
		}
	}
}
