package livestatus

import (
	"errors"
	"time"

	"github.com/genrelay-io/genrelay/internal/config"
)

const (
	defaultKeepaliveInterval = 15 * time.Second
	defaultReconcileInterval = 500 * time.Millisecond
	defaultGraceDelay        = 250 * time.Millisecond
)

// ErrInvalidInterval is returned for non-positive stream intervals.
var ErrInvalidInterval = errors.New("stream intervals must be positive")

// Config holds live status stream timing.
type Config struct {
	KeepaliveInterval time.Duration
	ReconcileInterval time.Duration
	GraceDelay        time.Duration
}

// DefaultConfig returns the standard stream timing.
func DefaultConfig() *Config {
	return &Config{
		KeepaliveInterval: defaultKeepaliveInterval,
		ReconcileInterval: defaultReconcileInterval,
		GraceDelay:        defaultGraceDelay,
	}
}

// LoadConfig loads stream configuration from environment variables.
func LoadConfig() *Config {
	return &Config{
		KeepaliveInterval: config.GetEnvDuration("GENRELAY_STREAM_KEEPALIVE_INTERVAL", defaultKeepaliveInterval),
		ReconcileInterval: config.GetEnvDuration("GENRELAY_STREAM_RECONCILE_INTERVAL", defaultReconcileInterval),
		GraceDelay:        config.GetEnvDuration("GENRELAY_STREAM_GRACE_DELAY", defaultGraceDelay),
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.KeepaliveInterval <= 0 || c.ReconcileInterval <= 0 || c.GraceDelay < 0 {
		return ErrInvalidInterval
	}

	return nil
}
