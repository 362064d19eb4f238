package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/genrelay-io/genrelay/internal/api/middleware"
	"github.com/genrelay-io/genrelay/internal/gateway"
)

// handleCallback receives provider webhooks.
//
// Endpoint: POST /api/v1/callbacks/generation
// Content-Type: application/json
//
// The raw body is handed to the gateway, which verifies the HMAC signature over the exact
// bytes received. Permanent rejections are answered before any state changes; everything
// else, duplicates and unknown tasks included, is acknowledged so the provider stops
// redelivering.
//
// Verification happens before the response; the apply itself runs in the background and the
// handler only waits GENRELAY_CALLBACK_ACK_WAIT for it. A slower apply is answered with
// outcome "accepted", and the request is never rate limited.
//
// Response codes:
//   - 200 OK: acknowledged; the body reports the outcome
//   - 400 Bad Request: missing or invalid required fields
//   - 401 Unauthorized: missing, invalid or stale signature
//   - 413 Payload Too Large: body exceeds GENRELAY_CALLBACK_MAX_BODY_BYTES
//   - 415 Unsupported Media Type: Content-Type is not application/json
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		WriteErrorResponse(w, r, s.logger, UnsupportedMediaType("Content-Type must be application/json"))

		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxCallbackBytes))
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			WriteErrorResponse(w, r, s.logger, PayloadTooLarge(
				fmt.Sprintf("Callback body exceeds maximum size of %d bytes", s.maxCallbackBytes),
			))

			return
		}

		WriteErrorResponse(w, r, s.logger, BadRequest("Failed to read callback body"))

		return
	}

	result, err := s.callbacks.Ingest(r.Context(), raw, r.Header)
	if err != nil {
		s.logger.Warn("Callback rejected",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, problemFromCallbackError(err))

		return
	}

	s.logger.Info("Callback processed",
		slog.String("correlation_id", correlationID),
		slog.String("event_id", result.EventID),
		slog.String("job_id", result.JobID),
		slog.String("outcome", string(result.Outcome)),
	)

	s.writeJSON(w, r, http.StatusOK, toCallbackResponse(result, correlationID))
}

func problemFromCallbackError(err error) *ProblemDetail {
	switch {
	case errors.Is(err, gateway.ErrMissingSignature):
		return Unauthorized("Callback signature is required")
	case errors.Is(err, gateway.ErrStaleSignature):
		return Unauthorized("Callback signature timestamp is outside the allowed window")
	case errors.Is(err, gateway.ErrInvalidSignature):
		return Unauthorized("Callback signature is invalid")
	}

	return BadRequest(err.Error())
}
