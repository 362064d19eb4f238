package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/genrelay-io/genrelay/internal/api/middleware"
)

const (
	healthCheckTimeout     = 2 * time.Second
	expectedURLParts       = 2
	contentTypeProblemJSON = "application/problem+json"
	serviceName            = "genrelay"
	callbackPath           = "/api/v1/callbacks/generation"
)

// Version is reported by /health and the X-Genrelay-Version header. Set at build time with
// -ldflags "-X github.com/genrelay-io/genrelay/internal/api.Version=...".
var Version = "dev" //nolint: gochecknoglobals

type (
	// HealthStatus represents the health check response structure.
	HealthStatus struct {
		Status      string `json:"status"`
		ServiceName string `json:"serviceName"`
		Version     string `json:"version"`
		Uptime      string `json:"uptime,omitempty"`
	}

	// Route represents an HTTP route configuration with a path and handler.
	// Used for declarative route registration with middleware bypass support.
	Route struct {
		Path    string           // The URL path for this route (e.g., "/ping", "GET /health")
		Handler http.HandlerFunc // The HTTP handler function for this route
	}
)

// setupRoutes sets up all HTTP routes for the API server.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	// Probes, plus the provider callback which authenticates with its own signature.
	s.registerPublicRoutes(
		mux,
		Route{"GET /ping", s.handlePing},                // K8s liveness probe
		Route{"GET /ready", s.handleReady},              // K8s readiness probe
		Route{"GET /health", s.handleHealth},            // Basic health check - status, uptime, version
		Route{"POST " + callbackPath, s.handleCallback}, // Provider webhook (HMAC signed)
		Route{"/", s.handleNotFound},                    // Catch-all handler for 404 responses
	)

	// Caller endpoints
	mux.HandleFunc("POST /api/v1/jobs", s.handleCreateJob)
	mux.HandleFunc("GET /api/v1/jobs/{jobID}", s.handleGetJob)
	mux.HandleFunc("GET /api/v1/jobs/{jobID}/events", s.handleJobEvents)
	mux.HandleFunc("POST /api/v1/jobs/{jobID}/variants", s.handleCreateVariant)
	mux.HandleFunc("GET /api/v1/jobs/{jobID}/variants/{view}", s.handleGetVariant)
}

// registerPublicRoutes registers HTTP routes that bypass caller identification.
// This is a convenience method that:
//  1. Registers the route handler with the HTTP mux
//  2. Registers the path as a public endpoint (bypasses the caller identity middleware)
//
// Security Warning: Never register caller-scoped endpoints as public routes.
//
// Example:
//
//	s.registerPublicRoutes(
//	    mux,
//	    Route{"GET /ping", s.handlePing},
//	    Route{"GET /health", s.handleHealth},
//	)
func (s *Server) registerPublicRoutes(mux *http.ServeMux, routes ...Route) {
	validHTTPMethods := map[string]bool{
		"GET":    true,
		"POST":   true,
		"PUT":    true,
		"PATCH":  true,
		"DELETE": true,
	}

	for _, route := range routes {
		mux.Handle(route.Path, route.Handler)

		// Go 1.22+ method-based routing uses "GET /path" format,
		// but r.URL.Path is just "/path" (no method prefix).
		path := route.Path

		parts := strings.Fields(path)
		if len(parts) == expectedURLParts && validHTTPMethods[parts[0]] {
			path = strings.TrimSpace(parts[1])
		}

		if path == "" {
			s.logger.Warn("Malformed route path detected, ignoring route", slog.String("path", route.Path))

			continue
		}

		middleware.RegisterPublicEndpoint(path)
	}
}

// handlePing responds to ping requests for basic server validation.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("X-Genrelay-Version", Version)
	w.WriteHeader(http.StatusOK)

	_, err := w.Write([]byte("pong"))
	if err != nil {
		s.logger.Error("Failed to write ping response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}
}

// handleReady responds to Kubernetes readiness probes with a storage health check.
//
// Response codes:
//   - 200 OK: storage is healthy and ready to accept traffic
//   - 503 Service Unavailable: storage is unhealthy or unreachable
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	status, body := http.StatusOK, "ready"

	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		if err := s.health.HealthCheck(ctx); err != nil {
			s.logger.Error("Storage health check failed",
				slog.String("correlation_id", correlationID),
				slog.String("error", err.Error()),
			)

			status, body = http.StatusServiceUnavailable, "storage unavailable"
		}
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)

	if _, err := w.Write([]byte(body)); err != nil {
		s.logger.Error("Failed to write ready response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}
}

// handleHealth returns detailed health status information.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var uptime string

	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime).Round(time.Second).String()
	}

	w.Header().Set("X-Genrelay-Version", Version)

	s.writeJSON(w, r, http.StatusOK, HealthStatus{
		Status:      "healthy",
		ServiceName: serviceName,
		Version:     Version,
		Uptime:      uptime,
	})
}

// handleNotFound returns RFC 7807 compliant 404 responses for unknown endpoints.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, s.logger, NotFound("The requested resource was not found"))
}

// writeJSON marshals body before writing headers, so an encoding failure can still become
// a 500 problem response.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	correlationID := middleware.GetCorrelationID(r.Context())

	data, err := json.Marshal(body)
	if err != nil {
		s.logger.Error("Failed to encode response",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("Failed to write response",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
}

// hasJSONContentType checks if Content-Type header starts with "application/json".
// This allows charset parameters (e.g., "application/json; charset=utf-8").
func hasJSONContentType(contentType string) bool {
	return strings.HasPrefix(strings.TrimSpace(contentType), "application/json")
}
