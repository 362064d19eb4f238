package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/genrelay-io/genrelay/internal/api/middleware"
	"github.com/genrelay-io/genrelay/internal/jobs"
	"github.com/genrelay-io/genrelay/internal/livestatus"
	"github.com/genrelay-io/genrelay/internal/orchestration"
)

// handleCreateJob accepts a generation request and queues it.
//
// Endpoint: POST /api/v1/jobs
// Content-Type: application/json
//
// The job id is "<caller>:<request_id>"; repeating a request id returns the existing job
// without submitting it again.
//
// Response codes:
//   - 202 Accepted: job queued (or already known)
//   - 400 Bad Request: malformed JSON or an invalid spec
//   - 401 Unauthorized: missing X-Caller-ID
//   - 413 Payload Too Large: body exceeds the configured limit
//   - 415 Unsupported Media Type: Content-Type is not application/json
//   - 500 Internal Server Error: storage failure
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	callerID, ok := s.callerID(w, r)
	if !ok {
		return
	}

	var body CreateJobBody
	if problem := s.decodeJSONBody(w, r, &body); problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	job, created, err := s.jobs.CreateJob(r.Context(), orchestration.CreateJobRequest{
		CallerID:  callerID,
		RequestID: body.RequestID,
		Spec:      body.Spec.toRequest(),
	})
	if err != nil {
		s.logServiceError(r, "Failed to create job", err)
		WriteErrorResponse(w, r, s.logger, problemFromServiceError(err))

		return
	}

	s.logger.Info("Job accepted",
		slog.String("correlation_id", correlationID),
		slog.String("job_id", job.ID),
		slog.Bool("created", created),
	)

	w.Header().Set("Location", jobPath(job.ID))
	s.writeJSON(w, r, http.StatusAccepted, CreateJobResponse{
		JobID:   job.ID,
		State:   string(job.State),
		Created: created,
	})
}

// handleGetJob returns a job snapshot with its variants.
//
// Endpoint: GET /api/v1/jobs/{jobID}
//
// Response codes:
//   - 200 OK: snapshot
//   - 400 Bad Request: malformed job id
//   - 404 Not Found: unknown job, or a job created by another caller
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	callerID, ok := s.callerID(w, r)
	if !ok {
		return
	}

	snap, err := s.jobs.GetJob(r.Context(), callerID, r.PathValue("jobID"))
	if err != nil {
		s.logServiceError(r, "Failed to get job", err)
		WriteErrorResponse(w, r, s.logger, problemFromServiceError(err))

		return
	}

	s.writeJSON(w, r, http.StatusOK, toJobResponse(snap))
}

// handleJobEvents streams a job's status as Server-Sent Events.
//
// Endpoint: GET /api/v1/jobs/{jobID}/events
//
// The stream replays the status log after the resume point and then follows it until the
// job's terminal event. Resume with the Last-Event-ID header (set by EventSource on
// reconnect) or the since query parameter; the header wins.
//
// Variant entries are part of the log, so a stream shows the variant updates logged before
// it closes. It does not wait for variant runs: a resume point past the terminal event
// replays what is logged and closes. Follow a running variant by polling
// GET /api/v1/jobs/{jobID}/variants/{view}.
//
// Response codes:
//   - 200 OK: text/event-stream
//   - 400 Bad Request: malformed resume point or job id
//   - 404 Not Found: unknown job, or a job created by another caller
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	callerID, ok := s.callerID(w, r)
	if !ok {
		return
	}

	lastSeq, err := resumePoint(r)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	jobID := r.PathValue("jobID")

	stream, err := s.jobs.OpenStream(r.Context(), callerID, jobID, lastSeq)
	if err != nil {
		s.logServiceError(r, "Failed to open status stream", err)
		WriteErrorResponse(w, r, s.logger, problemFromServiceError(err))

		return
	}

	out, err := livestatus.NewSSEWriter(w)
	if err != nil {
		// Headers are already out; nothing more can be said to the client.
		s.logger.Error("Failed to start status stream",
			slog.String("correlation_id", correlationID),
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)

		return
	}

	s.logger.Debug("Status stream opened",
		slog.String("correlation_id", correlationID),
		slog.String("job_id", jobID),
		slog.Int64("last_seq", lastSeq),
	)

	if err := stream.Run(r.Context(), out); err != nil {
		s.logger.Debug("Status stream ended with error",
			slog.String("correlation_id", correlationID),
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)

		return
	}

	s.logger.Debug("Status stream closed",
		slog.String("correlation_id", correlationID),
		slog.String("job_id", jobID),
		slog.Int64("last_seq", stream.LastSeq()),
	)
}

// handleCreateVariant starts generating a derivative view of a completed job.
//
// Endpoint: POST /api/v1/jobs/{jobID}/variants
// Content-Type: application/json
//
// Response codes:
//   - 200 OK: the view is already completed; the cached variant is returned
//   - 202 Accepted: generation started, or the request attached to a running one
//   - 400 Bad Request: malformed JSON or unknown view
//   - 404 Not Found: unknown job, or a job created by another caller
//   - 409 Conflict: the job has not completed yet
//   - 415 Unsupported Media Type: Content-Type is not application/json
func (s *Server) handleCreateVariant(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	callerID, ok := s.callerID(w, r)
	if !ok {
		return
	}

	var body CreateVariantBody
	if problem := s.decodeJSONBody(w, r, &body); problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	jobID := r.PathValue("jobID")
	view := jobs.View(strings.TrimSpace(body.View))

	variant, started, err := s.jobs.RequestVariant(r.Context(), callerID, jobID, view)
	if err != nil {
		s.logServiceError(r, "Failed to request variant", err)
		WriteErrorResponse(w, r, s.logger, problemFromServiceError(err))

		return
	}

	s.logger.Info("Variant requested",
		slog.String("correlation_id", correlationID),
		slog.String("job_id", jobID),
		slog.String("view", string(view)),
		slog.String("status", string(variant.Status)),
		slog.Bool("started", started),
	)

	status := http.StatusAccepted
	if variant.Status == jobs.VariantStatusCompleted {
		status = http.StatusOK
	}

	w.Header().Set("Location", jobPath(jobID)+"/variants/"+url.PathEscape(string(view)))
	s.writeJSON(w, r, status, toVariantResponse(variant))
}

// handleGetVariant returns the current state of one view.
//
// Endpoint: GET /api/v1/jobs/{jobID}/variants/{view}
//
// Response codes:
//   - 200 OK: variant
//   - 400 Bad Request: unknown view or malformed job id
//   - 404 Not Found: no such job, or the view was never requested
func (s *Server) handleGetVariant(w http.ResponseWriter, r *http.Request) {
	callerID, ok := s.callerID(w, r)
	if !ok {
		return
	}

	variant, err := s.jobs.GetVariant(r.Context(), callerID, r.PathValue("jobID"), jobs.View(r.PathValue("view")))
	if err != nil {
		s.logServiceError(r, "Failed to get variant", err)
		WriteErrorResponse(w, r, s.logger, problemFromServiceError(err))

		return
	}

	s.writeJSON(w, r, http.StatusOK, toVariantResponse(variant))
}

// callerID returns the caller attached by the identity middleware, answering 401 when
// there is none.
func (s *Server) callerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	callerCtx, ok := middleware.GetCallerContext(r.Context())
	if !ok || callerCtx.CallerID == "" {
		WriteErrorResponse(w, r, s.logger, Unauthorized(middleware.CallerIDHeader+" header is required"))

		return "", false
	}

	return callerCtx.CallerID, true
}

// decodeJSONBody validates the request envelope and decodes one JSON document into dst.
//
// Validation order:
//   - Content-Type check
//   - Request size check (fail fast for known oversized requests)
//   - Empty body check (better UX than a JSON decode error)
//   - JSON parsing, bounded by MaxRequestSize
func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) *ProblemDetail {
	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		return UnsupportedMediaType("Content-Type must be application/json")
	}

	if r.ContentLength > s.config.MaxRequestSize {
		return PayloadTooLarge(
			fmt.Sprintf("Request body exceeds maximum size of %d bytes", s.config.MaxRequestSize),
		)
	}

	if r.ContentLength == 0 {
		return BadRequest("Request body cannot be empty")
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return PayloadTooLarge(
				fmt.Sprintf("Request body exceeds maximum size of %d bytes", s.config.MaxRequestSize),
			)
		}

		return BadRequest("Invalid JSON: " + err.Error())
	}

	return nil
}

// logServiceError logs unexpected service failures. Client errors are not logged: the
// request logger already records their status.
func (s *Server) logServiceError(r *http.Request, msg string, err error) {
	if problemFromServiceError(err).Status < http.StatusInternalServerError {
		return
	}

	s.logger.Error(msg,
		slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
}

// resumePoint reads the stream resume sequence from Last-Event-ID or ?since=.
func resumePoint(r *http.Request) (int64, error) {
	raw := r.Header.Get("Last-Event-ID")
	source := "Last-Event-ID"

	if raw == "" {
		raw = r.URL.Query().Get("since")
		source = "since"
	}

	if raw == "" {
		return 0, nil
	}

	seq, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer, got %q", source, raw)
	}

	return seq, nil
}

func jobPath(jobID string) string {
	return "/api/v1/jobs/" + url.PathEscape(jobID)
}
