package middleware

import (
	"context"
	"net/http"
	"regexp"

	"github.com/google/uuid"
)

// CorrelationIDHeader carries the request's correlation id in both directions.
const CorrelationIDHeader = "X-Correlation-ID"

// A client-supplied id is reused only if it is short and log-safe.
var validCorrelationID = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

type correlationIDKey struct{}

// CorrelationID tags each request with an id that ends up in every log line, problem body
// and sink event it produces. A well-formed X-Correlation-ID from the client is kept, so a
// provider or front door can trace a callback or job request end to end.
func CorrelationID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID := r.Header.Get(CorrelationIDHeader)
			if !validCorrelationID.MatchString(correlationID) {
				correlationID = uuid.NewString()
			}

			w.Header().Set(CorrelationIDHeader, correlationID)

			next.ServeHTTP(w, r.WithContext(WithCorrelationIDContext(r.Context(), correlationID)))
		})
	}
}

// WithCorrelationIDContext returns a copy of ctx carrying correlationID.
func WithCorrelationIDContext(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, correlationID)
}

// GetCorrelationID returns the request's correlation id, or "unknown" outside a request.
func GetCorrelationID(ctx context.Context) string {
	if correlationID, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return correlationID
	}

	return "unknown"
}
