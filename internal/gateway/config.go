package gateway

import (
	"errors"
	"time"

	"github.com/genrelay-io/genrelay/internal/config"
)

const (
	defaultMaxSkew      = 5 * time.Minute
	defaultMaxBodyBytes = 1 << 20
	defaultAckWait      = time.Second
	defaultApplyTimeout = 2 * time.Minute
)

var (
	// ErrSecretRequired is returned when signatures are required but no secret is set.
	ErrSecretRequired = errors.New("callback secret is required when signatures are enforced")

	// ErrInvalidMaxBody is returned for a non-positive body limit.
	ErrInvalidMaxBody = errors.New("callback max body bytes must be positive")

	// ErrInvalidApplyTiming is returned for a negative ack wait or a non-positive apply timeout.
	ErrInvalidApplyTiming = errors.New("callback ack wait must not be negative and apply timeout must be positive")
)

// Config holds callback ingestion settings.
type Config struct {
	Secret           string
	RequireSignature bool
	MaxSkew          time.Duration
	MaxBodyBytes     int64

	// AckWait caps how long the HTTP endpoint waits for an apply before acknowledging.
	AckWait      time.Duration
	ApplyTimeout time.Duration
}

// LoadConfig loads gateway configuration from environment variables.
func LoadConfig() *Config {
	return &Config{
		Secret:           config.GetEnvStr("GENRELAY_CALLBACK_SECRET", ""),
		RequireSignature: config.GetEnvBool("GENRELAY_CALLBACK_REQUIRE_SIGNATURE", true),
		MaxSkew:          config.GetEnvDuration("GENRELAY_CALLBACK_MAX_SKEW", defaultMaxSkew),
		MaxBodyBytes:     config.GetEnvInt64("GENRELAY_CALLBACK_MAX_BODY_BYTES", defaultMaxBodyBytes),
		AckWait:          config.GetEnvDuration("GENRELAY_CALLBACK_ACK_WAIT", defaultAckWait),
		ApplyTimeout:     config.GetEnvDuration("GENRELAY_CALLBACK_APPLY_TIMEOUT", defaultApplyTimeout),
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.RequireSignature && c.Secret == "" {
		return ErrSecretRequired
	}

	if c.MaxBodyBytes <= 0 {
		return ErrInvalidMaxBody
	}

	if c.AckWait < 0 || c.ApplyTimeout <= 0 {
		return ErrInvalidApplyTiming
	}

	return nil
}

// Verifier builds the signature verifier for this configuration.
func (c *Config) Verifier() *Verifier {
	return NewVerifier(c.Secret, c.MaxSkew)
}
