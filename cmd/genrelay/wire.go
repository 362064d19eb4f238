package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/genrelay-io/genrelay/internal/config"
	"github.com/genrelay-io/genrelay/internal/jobs"
	"github.com/genrelay-io/genrelay/internal/provider/generation"
	"github.com/genrelay-io/genrelay/internal/provider/vision"
	"github.com/genrelay-io/genrelay/internal/storage"
)

// openStore connects to PostgreSQL, or falls back to the in-memory store when
// GENRELAY_STORE is "memory". The memory store loses everything on restart and
// cannot be shared between instances.
func openStore(logger *slog.Logger) (jobs.Store, error) {
	storageConfig := storage.LoadConfig()

	if config.GetEnvStr("GENRELAY_STORE", "postgres") == "memory" {
		logger.Warn("Using in-memory store",
			slog.String("note", "State is lost on restart; use only for local development"),
		)

		return storage.NewMemoryStore(storageConfig.ClaimLease, nil), nil
	}

	conn, err := storage.NewConnection(storageConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store, err := storage.NewPostgresStore(conn,
		storage.WithClaimLease(storageConfig.ClaimLease),
		storage.WithLogger(logger),
	)
	if err != nil {
		_ = conn.Close()

		return nil, fmt.Errorf("failed to create job store: %w", err)
	}

	logger.Info("Job store initialized",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
		slog.Duration("ledger_claim_lease", storageConfig.ClaimLease),
	)

	return store, nil
}

// providerSet holds the external model clients.
type providerSet struct {
	Generation generation.Provider
	Vision     vision.Classifier

	closers []func() error
}

func (p *providerSet) Close() error {
	var errs []error

	for _, c := range p.closers {
		errs = append(errs, c())
	}

	return errors.Join(errs...)
}

// openProviders builds the generation client and the Gemini classifier. With
// GENRELAY_FAKE_PROVIDERS=true both are replaced by in-process fakes so the service
// starts without credentials. Primary jobs then only progress on hand-posted callbacks.
func openProviders(ctx context.Context, logger *slog.Logger) (*providerSet, error) {
	if config.GetEnvBool("GENRELAY_FAKE_PROVIDERS", false) {
		logger.Warn("Using fake generation and vision providers")

		return &providerSet{
			Generation: &generation.MockProvider{},
			Vision:     &vision.MockClassifier{},
		}, nil
	}

	generationConfig := generation.LoadConfig()

	client, err := generation.NewClient(generationConfig, nil, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create generation client: %w", err)
	}

	visionConfig := vision.LoadConfig()

	classifier, err := vision.NewGeminiClassifier(ctx, visionConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vision classifier: %w", err)
	}

	logger.Info("Providers initialized",
		slog.String("generation_model", generationConfig.Model),
		slog.Float64("generation_rps", generationConfig.RPS),
		slog.String("vision_model", visionConfig.Model),
	)

	return &providerSet{
		Generation: client,
		Vision:     classifier,
		closers:    []func() error{classifier.Close},
	}, nil
}
