// Package main provides the genrelay service.
//
// genrelay accepts generation jobs over HTTP, submits them to the generation provider,
// ingests the provider's signed callbacks and streams job status to clients. Derivative
// views of a finished job are generated and vetted on demand.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/genrelay-io/genrelay/internal/api"
	"github.com/genrelay-io/genrelay/internal/api/middleware"
	"github.com/genrelay-io/genrelay/internal/attempts"
	"github.com/genrelay-io/genrelay/internal/broadcast"
	"github.com/genrelay-io/genrelay/internal/config"
	"github.com/genrelay-io/genrelay/internal/gateway"
	"github.com/genrelay-io/genrelay/internal/livestatus"
	"github.com/genrelay-io/genrelay/internal/objectstore"
	"github.com/genrelay-io/genrelay/internal/orchestration"
	"github.com/genrelay-io/genrelay/internal/sink"
	"github.com/genrelay-io/genrelay/internal/supervisor"
)

const (
	name = "genrelay"

	drainTimeout = 30 * time.Second
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("%s %s\n", name, api.Version)
		os.Exit(0)
	}

	if err := config.LoadDotEnv(""); err != nil {
		fmt.Fprintf(os.Stderr, "ignoring .env: %v\n", err)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))
	slog.SetDefault(logger)

	if err := run(serverConfig, logger); err != nil {
		logger.Error("genrelay exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("genrelay service stopped")
}

func run(serverConfig *api.ServerConfig, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("Starting genrelay service",
		slog.String("service", name),
		slog.String("version", api.Version),
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.Duration("read_timeout", serverConfig.ReadTimeout),
		slog.Duration("write_timeout", serverConfig.WriteTimeout),
		slog.String("log_level", serverConfig.LogLevel.String()),
	)

	store, err := openStore(logger)
	if err != nil {
		return err
	}

	defer func() { _ = store.Close() }()

	sinkConfig := sink.LoadConfig()

	eventSink, err := sink.New(sinkConfig, sink.NewLogSink(logger))
	if err != nil {
		return fmt.Errorf("failed to create event sink: %w", err)
	}

	defer func() { _ = eventSink.Close() }()

	logger.Info("Event sink initialized",
		slog.Bool("kafka", sinkConfig.Enabled()),
		slog.String("topic", sinkConfig.Topic),
	)

	statusLog := broadcast.NewLog(store, eventSink, logger)

	objectConfig := objectstore.LoadConfig()

	objects, err := objectstore.New(ctx, objectConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to create object store: %w", err)
	}

	fetcher := objectstore.NewHTTPFetcher(nil, objectConfig.FetchTimeout, objectConfig.MaxArtifactBytes)
	archiver := objectstore.NewArchiver(objects, fetcher, objectConfig.KeyPrefix, objectConfig.PutTimeout)

	providers, err := openProviders(ctx, logger)
	if err != nil {
		return err
	}

	defer func() { _ = providers.Close() }()

	gatewayConfig := gateway.LoadConfig()
	if err := gatewayConfig.Validate(); err != nil {
		return fmt.Errorf("invalid callback configuration: %w", err)
	}

	if !gatewayConfig.RequireSignature && gatewayConfig.Secret == "" {
		logger.Warn("Callback signature verification disabled",
			slog.String("note", "Set GENRELAY_CALLBACK_SECRET to verify provider callbacks"),
		)
	}

	sup := supervisor.New(ctx, supervisor.Deps{
		Jobs:      store,
		Announcer: statusLog,
		Sink:      eventSink,
		Logger:    logger,
	})

	defer func() {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), drainTimeout)
		defer drainCancel()

		if err := sup.Close(drainCtx); err != nil {
			logger.Warn("Background tasks did not drain", slog.String("error", err.Error()))
		}
	}()

	gw := gateway.New(gateway.Deps{
		Ledger:       store,
		Jobs:         store,
		Mappings:     store,
		Persister:    archiver,
		Announcer:    statusLog,
		Sink:         eventSink,
		Verifier:     gatewayConfig.Verifier(),
		Runner:       sup,
		Logger:       logger,
		AckWait:      gatewayConfig.AckWait,
		ApplyTimeout: gatewayConfig.ApplyTimeout,
	})

	policy := attempts.LoadPolicyFromEnv()

	controller := attempts.NewController(attempts.Deps{
		Synthesizer: providers.Generation,
		Fetcher:     fetcher,
		Persister:   archiver,
		Classifier:  providers.Vision,
		Variants:    store,
		Log:         statusLog,
		Policy:      policy,
		Logger:      logger,
	})

	orchestrationConfig := orchestration.LoadConfig()
	if err := orchestrationConfig.Validate(); err != nil {
		return fmt.Errorf("invalid orchestration configuration: %w", err)
	}

	streamConfig := livestatus.LoadConfig()
	if err := streamConfig.Validate(); err != nil {
		return fmt.Errorf("invalid stream configuration: %w", err)
	}

	svc := orchestration.NewService(orchestration.Deps{
		Store:      store,
		Provider:   providers.Generation,
		Variants:   controller,
		Fetcher:    fetcher,
		Extractor:  providers.Vision,
		Runner:     sup,
		Announcer:  statusLog,
		StatusLog:  statusLog,
		Reconciler: gw,
		Stream:     streamConfig,
		Config:     orchestrationConfig,
		Logger:     logger,
	})

	if err := svc.StartSweeper(); err != nil {
		return fmt.Errorf("failed to start stale job sweeper: %w", err)
	}

	logger.Info("Orchestration initialized",
		slog.Duration("job_deadline", orchestrationConfig.JobDeadline),
		slog.Duration("sweep_interval", orchestrationConfig.SweepInterval),
		slog.Int("max_attempts", policy.MaxAttempts),
		slog.String("exhaustion", string(policy.Exhaustion)),
	)

	limiterConfig := middleware.LoadConfig()
	rateLimiter := middleware.NewInMemoryRateLimiter(limiterConfig)

	logger.Info("Rate limiter initialized",
		slog.Int("global_rps", limiterConfig.GlobalRPS),
		slog.Int("caller_rps", limiterConfig.CallerRPS),
		slog.Int("anonymous_rps", limiterConfig.AnonymousRPS),
	)

	server := api.NewServer(serverConfig, api.Dependencies{
		Jobs:             svc,
		Callbacks:        gw,
		Health:           store,
		RateLimiter:      rateLimiter,
		MaxCallbackBytes: gatewayConfig.MaxBodyBytes,
		Logger:           logger,
	})

	return server.Start()
}
