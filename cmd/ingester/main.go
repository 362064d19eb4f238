// Package main provides the genrelay callback ingester.
//
// Providers that cannot reach the HTTP callback endpoint publish their signed callbacks
// to Kafka instead. The ingester consumes that topic and runs every message through the
// same gateway as the HTTP path, against the shared PostgreSQL store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/genrelay-io/genrelay/internal/broadcast"
	"github.com/genrelay-io/genrelay/internal/config"
	"github.com/genrelay-io/genrelay/internal/gateway"
	"github.com/genrelay-io/genrelay/internal/objectstore"
	"github.com/genrelay-io/genrelay/internal/sink"
	"github.com/genrelay-io/genrelay/internal/storage"
	"github.com/genrelay-io/genrelay/internal/supervisor"
)

const (
	name         = "genrelay-ingester"
	drainTimeout = 30 * time.Second
)

// Set at build time with -ldflags.
var version = "dev"

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("%s %s\n", name, version)
		os.Exit(0)
	}

	if err := config.LoadDotEnv(""); err != nil {
		fmt.Fprintf(os.Stderr, "ignoring .env: %v\n", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("GENRELAY_LOG_LEVEL", slog.LevelInfo),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Error("Ingester exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Ingester stopped")
}

func run(ctx context.Context, logger *slog.Logger) error {
	consumerConfig := gateway.LoadConsumerConfig()

	reader, err := gateway.NewKafkaReader(consumerConfig)
	if err != nil {
		return fmt.Errorf("invalid consumer configuration: %w", err)
	}

	storageConfig := storage.LoadConfig()

	conn, err := storage.NewConnection(storageConfig)
	if err != nil {
		_ = reader.Close()

		return fmt.Errorf("failed to connect to database: %w", err)
	}

	store, err := storage.NewPostgresStore(conn,
		storage.WithClaimLease(storageConfig.ClaimLease),
		storage.WithLogger(logger),
	)
	if err != nil {
		_ = reader.Close()
		_ = conn.Close()

		return fmt.Errorf("failed to create job store: %w", err)
	}

	defer func() { _ = store.Close() }()

	eventSink, err := sink.New(sink.LoadConfig(), sink.NewLogSink(logger))
	if err != nil {
		_ = reader.Close()

		return fmt.Errorf("failed to create event sink: %w", err)
	}

	defer func() { _ = eventSink.Close() }()

	objectConfig := objectstore.LoadConfig()

	objects, err := objectstore.New(ctx, objectConfig, logger)
	if err != nil {
		_ = reader.Close()

		return fmt.Errorf("failed to create object store: %w", err)
	}

	fetcher := objectstore.NewHTTPFetcher(nil, objectConfig.FetchTimeout, objectConfig.MaxArtifactBytes)

	gatewayConfig := gateway.LoadConfig()
	if err := gatewayConfig.Validate(); err != nil {
		_ = reader.Close()

		return fmt.Errorf("invalid callback configuration: %w", err)
	}

	statusLog := broadcast.NewLog(store, eventSink, logger)

	// Applies outlive a cancelled fetch loop; the drain below bounds them on shutdown.
	sup := supervisor.New(context.WithoutCancel(ctx), supervisor.Deps{
		Jobs:      store,
		Announcer: statusLog,
		Sink:      eventSink,
		Logger:    logger,
	})

	defer func() {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), drainTimeout)
		defer drainCancel()

		if err := sup.Close(drainCtx); err != nil {
			logger.Warn("Callback applies did not drain", slog.String("error", err.Error()))
		}
	}()

	// AckWait stays zero: an offset is committed only once its apply has finished.
	gw := gateway.New(gateway.Deps{
		Ledger:       store,
		Jobs:         store,
		Mappings:     store,
		Persister:    objectstore.NewArchiver(objects, fetcher, objectConfig.KeyPrefix, objectConfig.PutTimeout),
		Announcer:    statusLog,
		Sink:         eventSink,
		Verifier:     gatewayConfig.Verifier(),
		Runner:       sup,
		Logger:       logger,
		ApplyTimeout: gatewayConfig.ApplyTimeout,
	})

	logger.Info("Starting callback ingester",
		slog.String("service", name),
		slog.String("version", version),
		slog.String("source", consumerConfig.String()),
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
	)

	return gateway.NewConsumer(reader, gw, consumerConfig.Backoff, logger).Run(ctx)
}
