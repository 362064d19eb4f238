package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
)

// Recovery turns a handler panic into a 500 problem response.
//
// http.ErrAbortHandler is re-raised so net/http can drop the connection quietly. A panic
// after the response has started, as in an event stream, cannot be reported in the body and
// is only logged.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := &startedWriter{ResponseWriter: w}

			defer func() {
				rec := recover()
				if rec == nil {
					return
				}

				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}

				correlationID := GetCorrelationID(r.Context())
				callerID := ""

				if callerCtx, ok := GetCallerContext(r.Context()); ok {
					callerID = callerCtx.CallerID
				}

				logger.Error("Handler panic recovered",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("caller_id", callerID),
					slog.String("correlation_id", correlationID),
					slog.Bool("response_started", rw.started),
					slog.Any("panic", rec),
					slog.String("stack_trace", string(debug.Stack())),
				)

				if rw.started {
					return
				}

				detail := "An unexpected error occurred while processing the request"
				if err := writeRFC7807Error(w, r, http.StatusInternalServerError, detail, correlationID); err != nil {
					logger.Error("Failed to encode error response",
						slog.String("error", err.Error()),
						slog.String("correlation_id", correlationID),
					)
				}
			}()

			next.ServeHTTP(rw, r)
		})
	}
}

// startedWriter records whether the status line has gone out.
type startedWriter struct {
	http.ResponseWriter

	started bool
}

func (w *startedWriter) WriteHeader(code int) {
	w.started = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *startedWriter) Write(b []byte) (int, error) {
	w.started = true

	return w.ResponseWriter.Write(b)
}

func (w *startedWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
