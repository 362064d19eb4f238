package generation

import (
	"errors"
	"strings"
	"time"

	"github.com/genrelay-io/genrelay/internal/config"
)

const (
	defaultCallTimeout = 30 * time.Second
	defaultRPS         = 5.0
	defaultBurst       = 10
	defaultModel       = "default"
)

// ErrInvalidRateLimit is returned for a non-positive rate or burst.
var ErrInvalidRateLimit = errors.New("generation rate limit and burst must be positive")

// Config holds generation provider settings.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	CallbackURL string
	CallTimeout time.Duration
	RPS         float64
	Burst       int
}

// LoadConfig loads generation provider configuration from environment variables.
func LoadConfig() *Config {
	return &Config{
		BaseURL:     config.GetEnvStr("GENRELAY_GENERATION_BASE_URL", ""),
		APIKey:      config.GetEnvStr("GENRELAY_GENERATION_API_KEY", ""),
		Model:       config.GetEnvStr("GENRELAY_GENERATION_MODEL", defaultModel),
		CallbackURL: config.GetEnvStr("GENRELAY_GENERATION_CALLBACK_URL", ""),
		CallTimeout: config.GetEnvDuration("GENRELAY_GENERATION_CALL_TIMEOUT", defaultCallTimeout),
		RPS:         config.GetEnvFloat("GENRELAY_GENERATION_RPS", defaultRPS),
		Burst:       config.GetEnvInt("GENRELAY_GENERATION_BURST", defaultBurst),
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return ErrMissingBaseURL
	}

	if strings.TrimSpace(c.APIKey) == "" {
		return ErrMissingAPIKey
	}

	if c.RPS <= 0 || c.Burst <= 0 {
		return ErrInvalidRateLimit
	}

	return nil
}
