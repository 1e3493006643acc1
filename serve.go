package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/aaronbmoore/hobbes-processor/internal"
	"github.com/aaronbmoore/hobbes-processor/webhook"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(configPath *string) *cobra.Command {
	var withProcessors bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Receive GitHub webhooks and enqueue commit messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *configPath, withProcessors)
		},
	}
	addServeFlags(cmd.Flags(), &withProcessors)
	return cmd
}

func addServeFlags(fs *pflag.FlagSet, withProcessors *bool) {
	fs.BoolVar(withProcessors, "with-processors", false,
		"Run both processors in this process; required for the gochannel driver")
}

func runServe(ctx context.Context, configPath string, withProcessors bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a, err := newApp(ctx, configPath, "server")
	if err != nil {
		return err
	}
	defer a.Close()

	var shared *gochannel.GoChannel
	if withProcessors && a.cfg.Watermill.Driver == "gochannel" && len(a.cfg.Watermill.Drivers) == 0 {
		shared = gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            a.cfg.Watermill.GoChannel.OutputChannelBuffer,
			Persistent:                     a.cfg.Watermill.GoChannel.Persistent,
			BlockPublishUntilSubscriberAck: a.cfg.Watermill.GoChannel.BlockPublishUntilSubscriberAck,
		}, watermill.NewStdLogger(false, false))
		internal.RegisterPublisherDriver("gochannel", func(internal.WatermillConfig, watermill.LoggerAdapter) (message.Publisher, func() error, error) {
			return shared, nil, nil
		})
	}

	if err := a.openPublisher(); err != nil {
		return err
	}
	store, err := a.openRepositories(ctx)
	if err != nil {
		return err
	}

	rules, err := internal.NewRuleEngine(internal.RulesConfig{
		Rules:  a.cfg.Rules,
		Strict: a.cfg.RulesStrict,
		Logger: a.logger,
	})
	if err != nil {
		return err
	}

	handler, err := webhook.NewGitHubHandler(webhook.GitHubOptions{
		PathPrefix:   a.cfg.Server.WebhookPath,
		Store:        store,
		Publisher:    a.publisher,
		Topic:        a.cfg.Topics.FileProcessing,
		Rules:        rules,
		Metrics:      a.metrics,
		MaxBodyBytes: a.cfg.Server.MaxBodyBytes,
		Logger:       internal.NewLogger("webhook"),
	})
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle(a.cfg.Server.WebhookPath, internal.NewRateLimitHandler(
		handler, a.cfg.Server.RateLimitRPS, a.cfg.Server.RateLimitBurst, 10*time.Minute))
	if a.cfg.Server.MetricsEnabled {
		mux.Handle(a.cfg.Server.MetricsPath, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	var wg sync.WaitGroup
	if withProcessors {
		var sub message.Subscriber
		if shared != nil {
			sub = shared
		}
		for _, run := range []func(context.Context, *app, message.Subscriber) error{runFileProcessor, runAnalysisProcessor} {
			wg.Add(1)
			go func(run func(context.Context, *app, message.Subscriber) error) {
				defer wg.Done()
				if err := run(ctx, a, sub); err != nil {
					a.logger.Printf("processor stopped: %v", err)
				}
			}(run)
		}
	}

	addr := ":" + strconv.Itoa(a.cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       time.Duration(a.cfg.Server.ReadTimeoutMS) * time.Millisecond,
		WriteTimeout:      time.Duration(a.cfg.Server.WriteTimeoutMS) * time.Millisecond,
		IdleTimeout:       time.Duration(a.cfg.Server.IdleTimeoutMS) * time.Millisecond,
		ReadHeaderTimeout: time.Duration(a.cfg.Server.ReadHeaderMS) * time.Millisecond,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Printf("listening on %s webhook=%s", addr, a.cfg.Server.WebhookPath)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Printf("shutdown: %v", err)
	}
	wg.Wait()
	return serveErr
}
