package middleware

import (
	"time"

	"github.com/genrelay-io/genrelay/internal/config"
)

// Config holds rate limiter configuration.
//
// Limits are requests per second for three tiers: global, per caller, and anonymous
// (requests without X-Caller-ID). A zero burst means 2 × rate.
type Config struct {
	GlobalRPS    int
	CallerRPS    int
	AnonymousRPS int

	GlobalBurst    int
	CallerBurst    int
	AnonymousBurst int

	CleanupInterval time.Duration
	IdleTimeout     time.Duration
	MaxCallers      int
}

// LoadConfig loads rate limiter configuration from environment variables.
func LoadConfig() *Config {
	return &Config{
		GlobalRPS:    config.GetEnvInt("GENRELAY_GLOBAL_RPS", defaultGlobalRPS),
		CallerRPS:    config.GetEnvInt("GENRELAY_CALLER_RPS", defaultCallerRPS),
		AnonymousRPS: config.GetEnvInt("GENRELAY_ANONYMOUS_RPS", defaultAnonymousRPS),

		GlobalBurst:    config.GetEnvInt("GENRELAY_GLOBAL_BURST", 0),
		CallerBurst:    config.GetEnvInt("GENRELAY_CALLER_BURST", 0),
		AnonymousBurst: config.GetEnvInt("GENRELAY_ANONYMOUS_BURST", 0),

		CleanupInterval: config.GetEnvDuration(
			"GENRELAY_RATE_LIMIT_CLEANUP_INTERVAL", rateLimiterCleanupInterval,
		),
		IdleTimeout: config.GetEnvDuration("GENRELAY_RATE_LIMIT_IDLE_TIMEOUT", rateLimiterIdleTimeout),
		MaxCallers:  config.GetEnvInt("GENRELAY_RATE_LIMIT_MAX_CALLERS", defaultMaxCallers),
	}
}
