package main

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/genrelay-io/genrelay/internal/config"
	"github.com/genrelay-io/genrelay/internal/storage"
)

const defaultMigrationTable = "schema_migrations"

var (
	// ErrDatabaseURLRequired is returned when neither GENRELAY_DATABASE_URL nor DATABASE_URL is set.
	ErrDatabaseURLRequired = errors.New("DATABASE_URL cannot be empty")

	// ErrInvalidMigrationTable is returned for an empty or non-identifier tracking table name.
	ErrInvalidMigrationTable = errors.New("MIGRATION_TABLE must be a plain SQL identifier")

	migrationTableRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)
)

// Config holds the migrator settings.
type Config struct {
	// DatabaseURL is the PostgreSQL connection string.
	DatabaseURL string

	// MigrationTable tracks which schema versions have been applied.
	MigrationTable string
}

// LoadConfig reads the migrator settings. GENRELAY_DATABASE_URL wins over the
// DATABASE_URL the service itself reads, so a migration role can be configured separately.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DatabaseURL:    config.GetEnvStr("GENRELAY_DATABASE_URL", config.GetEnvStr("DATABASE_URL", "")),
		MigrationTable: config.GetEnvStr("MIGRATION_TABLE", defaultMigrationTable),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return ErrDatabaseURLRequired
	}

	if !migrationTableRegex.MatchString(c.MigrationTable) {
		return fmt.Errorf("%w: %q", ErrInvalidMigrationTable, c.MigrationTable)
	}

	return nil
}

// String renders the configuration with the database password masked.
func (c *Config) String() string {
	return fmt.Sprintf("Config{DatabaseURL: %s, MigrationTable: %s}",
		storage.NewConfig(c.DatabaseURL).MaskDatabaseURL(), c.MigrationTable)
}
