package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/lib/pq" // PostgreSQL driver
)

const connectTimeout = 10 * time.Second

// MigrationRunner executes migrator commands.
type MigrationRunner interface {
	Up() error
	Down() error
	Status() error
	Version() error
	Drop() error
	Close() error
}

// SchemaState is the applied schema version compared with what this binary carries.
type SchemaState struct {
	Current int
	Latest  int
	Dirty   bool
}

// Pending returns how many embedded migrations have not been applied.
func (s SchemaState) Pending() int {
	if s.Current >= s.Latest {
		return 0
	}

	return s.Latest - s.Current
}

// Runner implements MigrationRunner on golang-migrate with the embedded source.
type Runner struct {
	config  *Config
	source  *MigrationSource
	migrate *migrate.Migrate
	db      *sql.DB
	logger  *slog.Logger
}

var _ MigrationRunner = (*Runner)(nil)

// NewMigrationRunner validates the embedded scripts, connects and prepares golang-migrate.
func NewMigrationRunner(cfg *Config, logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}

	source := NewMigrationSource(nil)
	if err := source.Validate(); err != nil {
		return nil, fmt.Errorf("embedded migration validation failed: %w", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: cfg.MigrationTable})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}

	src, err := iofs.New(source.FS(), ".")
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create embedded migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	m.Log = &migrateLogger{logger: logger}

	logger.Info("Migration runner initialized",
		slog.String("config", cfg.String()),
		slog.Int("embedded_version", source.LatestVersion()))

	return &Runner{config: cfg, source: source, migrate: m, db: db, logger: logger}, nil
}

// Up applies every pending migration.
func (r *Runner) Up() error {
	err := r.migrate.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		r.logger.Info("No new migrations to apply")

		return nil
	}

	if err != nil {
		return fmt.Errorf("migration up failed: %w", err)
	}

	r.logger.Info("All migrations applied")

	return nil
}

// Down rolls back the most recent migration.
func (r *Runner) Down() error {
	err := r.migrate.Steps(-1)
	if errors.Is(err, migrate.ErrNoChange) {
		r.logger.Info("No migrations to roll back")

		return nil
	}

	if err != nil {
		return fmt.Errorf("migration down failed: %w", err)
	}

	r.logger.Info("Last migration rolled back")

	return nil
}

// State reports the applied version against the embedded latest.
func (r *Runner) State() (SchemaState, error) {
	state := SchemaState{Latest: r.source.LatestVersion()}

	ver, dirty, err := r.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return state, nil
	}

	if err != nil {
		return state, fmt.Errorf("failed to get migration version: %w", err)
	}

	state.Current = int(ver) // #nosec G115 - schema versions are three digits
	state.Dirty = dirty

	return state, nil
}

// Status logs the schema state including pending migrations.
func (r *Runner) Status() error {
	state, err := r.State()
	if err != nil {
		return err
	}

	attrs := []any{
		slog.Int("current", state.Current),
		slog.Int("embedded", state.Latest),
		slog.Int("pending", state.Pending()),
		slog.Bool("dirty", state.Dirty),
	}

	switch {
	case state.Dirty:
		r.logger.Warn("Schema is dirty and needs manual intervention", attrs...)
	case state.Current > state.Latest:
		r.logger.Warn("Database schema is newer than this migrator", attrs...)
	case state.Pending() > 0:
		r.logger.Info("Migrations available", attrs...)
	default:
		r.logger.Info("Schema up to date", attrs...)
	}

	return nil
}

// Version logs the applied schema version.
func (r *Runner) Version() error {
	state, err := r.State()
	if err != nil {
		return err
	}

	r.logger.Info("Current schema version", slog.Int("version", state.Current), slog.Bool("dirty", state.Dirty))

	return nil
}

// Drop removes every table in the database.
func (r *Runner) Drop() error {
	r.logger.Warn("Dropping all tables")

	if err := r.migrate.Drop(); err != nil {
		return fmt.Errorf("drop operation failed: %w", err)
	}

	r.logger.Info("All tables dropped")

	return nil
}

// Close releases the migrate instance and the connection pool.
func (r *Runner) Close() error {
	var errs []error

	if r.migrate != nil {
		sourceErr, dbErr := r.migrate.Close()
		if sourceErr != nil {
			errs = append(errs, fmt.Errorf("source close error: %w", sourceErr))
		}

		if dbErr != nil {
			errs = append(errs, fmt.Errorf("database close error: %w", dbErr))
		}
	}

	if r.db != nil {
		if err := r.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("connection close error: %w", err))
		}
	}

	return errors.Join(errs...)
}

// migrateLogger adapts slog to migrate.Logger.
type migrateLogger struct {
	logger *slog.Logger
}

var _ migrate.Logger = (*migrateLogger)(nil)

func (l *migrateLogger) Printf(format string, v ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)), slog.String("component", "migrate"))
}

func (l *migrateLogger) Verbose() bool {
	return l.logger.Enabled(context.Background(), slog.LevelDebug)
}
