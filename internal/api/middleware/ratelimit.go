package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	burstCapacityMultiplier    int     = 2
	defaultMaxCallers          int     = 10000
	defaultGlobalRPS           int     = 100
	defaultCallerRPS           int     = 20
	defaultAnonymousRPS        int     = 50
	thresholdMultiplier        float64 = 0.8
	thresholdPercentage        int     = 80
	rateLimiterCleanupInterval         = 5 * time.Minute
	rateLimiterIdleTimeout             = 1 * time.Hour
)

type (
	// RateLimiter decides whether a request may proceed.
	RateLimiter interface {
		// Allow reports whether a request from callerID is within limits.
		// callerID is empty for anonymous requests (probes, provider callbacks).
		Allow(callerID string) bool
	}

	// InMemoryRateLimiter implements RateLimiter with token buckets from golang.org/x/time/rate.
	//
	// Every request is charged against the global bucket and then against either its
	// caller's bucket or the shared anonymous bucket. Caller buckets idle longer than
	// IdleTimeout are dropped by a background cleanup loop.
	InMemoryRateLimiter struct {
		global        *rate.Limiter
		perCaller     map[string]*callerLimiter
		anonymous     *rate.Limiter
		mu            sync.RWMutex
		cleanupTicker *time.Ticker
		done          chan struct{}
		closeOnce     sync.Once

		callerRPS       int
		callerBurst     int
		cleanupInterval time.Duration
		idleTimeout     time.Duration
		maxCallers      int
	}

	callerLimiter struct {
		limiter    *rate.Limiter
		lastAccess time.Time
		mu         sync.Mutex
	}
)

// NewInMemoryRateLimiter creates a limiter and starts its cleanup loop. Call Close to stop it.
//
// Burst capacity defaults to 2 × rate unless overridden in config.
func NewInMemoryRateLimiter(config *Config) *InMemoryRateLimiter {
	globalBurst := computeBurstCapacity(config.GlobalRPS, config.GlobalBurst)
	callerBurst := computeBurstCapacity(config.CallerRPS, config.CallerBurst)
	anonymousBurst := computeBurstCapacity(config.AnonymousRPS, config.AnonymousBurst)

	rl := &InMemoryRateLimiter{
		global:          rate.NewLimiter(rate.Limit(config.GlobalRPS), globalBurst),
		perCaller:       make(map[string]*callerLimiter),
		anonymous:       rate.NewLimiter(rate.Limit(config.AnonymousRPS), anonymousBurst),
		done:            make(chan struct{}),
		callerRPS:       config.CallerRPS,
		callerBurst:     callerBurst,
		cleanupInterval: config.CleanupInterval,
		idleTimeout:     config.IdleTimeout,
		maxCallers:      config.MaxCallers,
	}

	rl.startCleanup()

	return rl
}

// computeBurstCapacity returns burstOverride when set, otherwise 2 × rate.
//
// Example:
//
//	computeBurstCapacity(100, 0)   // 200
//	computeBurstCapacity(100, 500) // 500
func computeBurstCapacity(rate, burstOverride int) int {
	if burstOverride > 0 {
		return burstOverride
	}

	return rate * burstCapacityMultiplier
}

// Allow implements RateLimiter.
func (rl *InMemoryRateLimiter) Allow(callerID string) bool {
	if !rl.global.Allow() {
		return false
	}

	if callerID == "" {
		return rl.anonymous.Allow()
	}

	rl.mu.RLock()
	cl, ok := rl.perCaller[callerID]
	rl.mu.RUnlock()

	if !ok {
		rl.mu.Lock()
		// Double-check after acquiring the write lock.
		if cl, ok = rl.perCaller[callerID]; !ok {
			cl = &callerLimiter{
				limiter:    rate.NewLimiter(rate.Limit(rl.callerRPS), rl.callerBurst),
				lastAccess: time.Now(),
			}

			rl.perCaller[callerID] = cl

			currentCount := len(rl.perCaller)
			threshold := int(float64(rl.maxCallers) * thresholdMultiplier)

			if rl.maxCallers > 0 && currentCount >= threshold {
				slog.Warn("rate limiter approaching max callers limit",
					slog.Int("current_callers", currentCount),
					slog.Int("max_callers", rl.maxCallers),
					slog.Int("threshold_percent", thresholdPercentage))
			}
		}

		rl.mu.Unlock()
	}

	cl.mu.Lock()
	cl.lastAccess = time.Now()
	cl.mu.Unlock()

	return cl.limiter.Allow()
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (rl *InMemoryRateLimiter) Close() error {
	rl.closeOnce.Do(func() {
		if rl.cleanupTicker != nil {
			rl.cleanupTicker.Stop()
		}

		close(rl.done)
	})

	return nil
}

func (rl *InMemoryRateLimiter) startCleanup() {
	cleanupInterval := rl.cleanupInterval
	if cleanupInterval == 0 {
		cleanupInterval = rateLimiterCleanupInterval
	}

	rl.cleanupTicker = time.NewTicker(cleanupInterval)

	go func() {
		for {
			select {
			case <-rl.cleanupTicker.C:
				rl.cleanup()
			case <-rl.done:
				return
			}
		}
	}()
}

// cleanup removes caller limiters that have not been used within the idle timeout.
func (rl *InMemoryRateLimiter) cleanup() {
	idleTimeout := rl.idleTimeout
	if idleTimeout == 0 {
		idleTimeout = rateLimiterIdleTimeout
	}

	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for callerID, cl := range rl.perCaller {
		cl.mu.Lock()
		lastAccess := cl.lastAccess
		cl.mu.Unlock()

		if now.Sub(lastAccess) > idleTimeout {
			delete(rl.perCaller, callerID)
		}
	}
}

// RateLimit returns a middleware that answers 429 with an RFC 7807 body once a limit is hit.
// Requests to an exempt path are neither checked nor charged.
//
// It must run after CallerIdentity so the caller's own bucket is charged.
func RateLimit(limiter RateLimiter, logger *slog.Logger, exempt ...string) func(http.Handler) http.Handler {
	exemptPaths := make(map[string]struct{}, len(exempt))
	for _, path := range exempt {
		exemptPaths[path] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := exemptPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)

				return
			}

			callerID := ""
			if callerCtx, ok := GetCallerContext(r.Context()); ok {
				callerID = callerCtx.CallerID
			}

			if !limiter.Allow(callerID) {
				correlationID := GetCorrelationID(r.Context())

				detail := "Rate limit exceeded. Please retry after some time."
				if err := writeRFC7807Error(w, r, http.StatusTooManyRequests, detail, correlationID); err != nil {
					logger.Error("failed to write response with RFC 7807 error format",
						slog.String("correlation_id", correlationID),
						slog.String("path", r.URL.Path),
						slog.String("detail", detail),
						slog.String("error", err.Error()),
					)
				}

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
