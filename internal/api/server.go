// Package api provides the HTTP API server for genrelay: job creation, job and variant
// polling, the live status stream, and the provider callback endpoint.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/genrelay-io/genrelay/internal/api/middleware"
	"github.com/genrelay-io/genrelay/internal/gateway"
	"github.com/genrelay-io/genrelay/internal/jobs"
	"github.com/genrelay-io/genrelay/internal/livestatus"
	"github.com/genrelay-io/genrelay/internal/orchestration"
)

type (
	// JobService is the application layer behind the jobs endpoints.
	JobService interface {
		CreateJob(ctx context.Context, req orchestration.CreateJobRequest) (*jobs.Job, bool, error)
		GetJob(ctx context.Context, callerID, jobID string) (*orchestration.JobSnapshot, error)
		OpenStream(ctx context.Context, callerID, jobID string, lastSeq int64) (*livestatus.Stream, error)
		RequestVariant(ctx context.Context, callerID, jobID string, view jobs.View) (*jobs.Variant, bool, error)
		GetVariant(ctx context.Context, callerID, jobID string, view jobs.View) (*jobs.Variant, error)
	}

	// CallbackIngester verifies and applies raw provider callbacks.
	CallbackIngester interface {
		Ingest(ctx context.Context, raw []byte, headers http.Header) (gateway.Result, error)
	}

	// HealthChecker reports whether the storage backend can serve requests.
	HealthChecker interface {
		HealthCheck(ctx context.Context) error
	}

	// Dependencies are the runtime collaborators of the Server.
	// A nil RateLimiter disables rate limiting; a nil Health makes /ready always succeed.
	Dependencies struct {
		Jobs             JobService
		Callbacks        CallbackIngester
		Health           HealthChecker
		RateLimiter      middleware.RateLimiter
		MaxCallbackBytes int64
		Logger           *slog.Logger
	}
)

// Server represents the HTTP API server.
type Server struct {
	httpServer       *http.Server
	logger           *slog.Logger
	config           *ServerConfig
	startTime        time.Time
	jobs             JobService
	callbacks        CallbackIngester
	health           HealthChecker
	rateLimiter      middleware.RateLimiter
	maxCallbackBytes int64
}

// NewServer creates a new HTTP server instance with structured logging and middleware stack.
//
// Dependencies are injected explicitly rather than being part of ServerConfig, keeping
// configuration (what) separate from collaborators (how).
func NewServer(cfg *ServerConfig, deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: cfg.LogLevel,
		}))
	}

	maxCallbackBytes := deps.MaxCallbackBytes
	if maxCallbackBytes <= 0 {
		maxCallbackBytes = cfg.MaxRequestSize
	}

	mux := http.NewServeMux()

	server := &Server{
		logger:           logger,
		config:           cfg,
		jobs:             deps.Jobs,
		callbacks:        deps.Callbacks,
		health:           deps.Health,
		rateLimiter:      deps.RateLimiter,
		maxCallbackBytes: maxCallbackBytes,
	}

	server.setupRoutes(mux)

	if deps.RateLimiter != nil {
		logger.Info("Rate limiting middleware enabled")
	} else {
		logger.Warn("RateLimiter not configured - rate limiting middleware disabled")
	}

	// Middleware executes in the order listed (top-to-bottom):
	//   1. CorrelationID - generate correlation ID for all responses
	//   2. Recovery - catch panics in all downstream middleware
	//   3. CallerIdentity - require X-Caller-ID outside public endpoints
	//   4. RateLimit - block requests before expensive operations (optional); provider
	//      callbacks are exempt, a 429 there would only trigger redelivery
	//   5. RequestLogger - log only legitimate requests (not rate-limited spam)
	//   6. CORS - lightweight header manipulation
	handler := middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithCallerIdentity(logger),
		middleware.WithRateLimit(deps.RateLimiter, logger, callbackPath),
		middleware.WithRequestLogger(logger),
		middleware.WithCORS(cfg.ToCORSConfig()),
	)

	// Request contexts derive from baseCtx, which is cancelled when shutdown begins so that
	// open live status streams return instead of holding their connections.
	baseCtx, cancelBase := context.WithCancel(context.Background())

	server.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return baseCtx },
	}
	server.httpServer.RegisterOnShutdown(cancelBase)

	return server
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server and blocks until shutdown.
// It handles graceful shutdown on SIGINT and SIGTERM signals.
func (s *Server) Start() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	s.startTime = time.Now()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("Starting genrelay API server",
			slog.String("address", s.config.Address()),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server failed to start",
				slog.String("address", s.config.Address()),
				slog.String("error", err.Error()),
			)

			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case sig := <-stop:
		s.logger.Info("Received shutdown signal",
			slog.String("signal", sig.String()),
		)

		return s.shutdown()
	}
}

// shutdown gracefully shuts down the server.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Initiating server shutdown",
		slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
	)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Server shutdown failed",
			slog.String("error", err.Error()),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// Close rate limiter to stop (InMemoryRateLimiter) background cleanup goroutines
	if s.rateLimiter != nil {
		s.logger.Info("Closing rate limiter")

		if limiter, ok := s.rateLimiter.(io.Closer); ok {
			if err := limiter.Close(); err != nil {
				s.logger.Error("Failed to close rate limiter", slog.String("error", err.Error()))
			} else {
				s.logger.Info("Rate limiter closed successfully")
			}
		}
	}

	s.logger.Info("Server shutdown completed successfully")

	return nil
}
