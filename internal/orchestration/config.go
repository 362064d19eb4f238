package orchestration

import (
	"errors"
	"time"

	"github.com/genrelay-io/genrelay/internal/config"
)

const (
	defaultJobDeadline        = 15 * time.Minute
	defaultSweepInterval      = time.Minute
	defaultSweepBatchSize     = 100
	defaultVariantLease       = 10 * time.Minute
	defaultStrictness         = 0.9
	defaultFallbackStrictness = 0.6
)

var (
	// ErrInvalidDeadline is returned for a non-positive job deadline or sweep interval.
	ErrInvalidDeadline = errors.New("job deadline and sweep interval must be positive")

	// ErrInvalidBatchSize is returned for a non-positive sweep batch size.
	ErrInvalidBatchSize = errors.New("sweep batch size must be positive")

	// ErrInvalidLease is returned for a non-positive variant lease.
	ErrInvalidLease = errors.New("variant lease must be positive")

	// ErrInvalidStrictness is returned when strictness is outside [0, 1] or the fallback
	// is not lower than the primary value.
	ErrInvalidStrictness = errors.New("fallback strictness must be lower than strictness, both within [0, 1]")
)

// Config holds orchestration settings.
type Config struct {
	// JobDeadline is how long a job may stay non-terminal before the sweeper times it out.
	JobDeadline    time.Duration
	SweepInterval  time.Duration
	SweepBatchSize int

	// VariantLease is how long a generating variant is protected from a second run.
	VariantLease time.Duration

	Strictness         float64
	FallbackStrictness float64
}

// DefaultConfig returns the standard settings.
func DefaultConfig() *Config {
	return &Config{
		JobDeadline:        defaultJobDeadline,
		SweepInterval:      defaultSweepInterval,
		SweepBatchSize:     defaultSweepBatchSize,
		VariantLease:       defaultVariantLease,
		Strictness:         defaultStrictness,
		FallbackStrictness: defaultFallbackStrictness,
	}
}

// LoadConfig loads orchestration configuration from environment variables.
func LoadConfig() *Config {
	return &Config{
		JobDeadline:        config.GetEnvDuration("GENRELAY_JOB_DEADLINE", defaultJobDeadline),
		SweepInterval:      config.GetEnvDuration("GENRELAY_SWEEP_INTERVAL", defaultSweepInterval),
		SweepBatchSize:     config.GetEnvInt("GENRELAY_SWEEP_BATCH_SIZE", defaultSweepBatchSize),
		VariantLease:       config.GetEnvDuration("GENRELAY_VARIANT_LEASE", defaultVariantLease),
		Strictness:         config.GetEnvFloat("GENRELAY_SUBMIT_STRICTNESS", defaultStrictness),
		FallbackStrictness: config.GetEnvFloat("GENRELAY_SUBMIT_FALLBACK_STRICTNESS", defaultFallbackStrictness),
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.JobDeadline <= 0 || c.SweepInterval <= 0 {
		return ErrInvalidDeadline
	}

	if c.SweepBatchSize <= 0 {
		return ErrInvalidBatchSize
	}

	if c.VariantLease <= 0 {
		return ErrInvalidLease
	}

	if c.Strictness < 0 || c.Strictness > 1 || c.FallbackStrictness < 0 || c.FallbackStrictness >= c.Strictness {
		return ErrInvalidStrictness
	}

	return nil
}
