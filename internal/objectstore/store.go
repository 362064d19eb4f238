// Package objectstore persists generated artifacts and hands back durable URLs.
//
// Provider-hosted artifact URLs are short-lived, so every artifact that ends up on a job or a
// variant is copied into storage we control first. Two backends exist: S3 (or any
// S3-compatible service) for deployments, and the local filesystem for development.
package objectstore

import (
	"context"
	"log/slog"
)

// Store writes objects and returns the URL they can be read back from.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// New builds the Store selected by cfg.Backend.
func New(ctx context.Context, cfg *Config, logger *slog.Logger) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Backend {
	case BackendS3:
		store, err := NewS3Store(ctx, cfg)
		if err != nil {
			return nil, err
		}

		logger.Info("Object store initialized",
			slog.String("backend", BackendS3),
			slog.String("bucket", cfg.Bucket),
			slog.String("endpoint", cfg.Endpoint),
		)

		return store, nil
	default:
		store, err := NewFSStore(cfg.FSRoot, cfg.PublicBaseURL)
		if err != nil {
			return nil, err
		}

		logger.Info("Object store initialized",
			slog.String("backend", BackendFS),
			slog.String("root", store.Root()),
		)

		return store, nil
	}
}

// MockStore is a function-field Store for tests.
type MockStore struct {
	PutFunc func(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// Put implements Store.
func (m *MockStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if m.PutFunc != nil {
		return m.PutFunc(ctx, key, data, contentType)
	}

	return "mock://" + key, nil
}
