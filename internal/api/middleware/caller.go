package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// CallerIDHeader carries the requester identity set by the fronting gateway.
const CallerIDHeader = "X-Caller-ID"

const maxCallerIDLength = 128

// anonymousEndpoints lists paths served without a caller identity: probes and the
// provider callback, which authenticates with its own signature.
var (
	anonymousEndpoints   = map[string]bool{} //nolint: gochecknoglobals
	anonymousEndpointsMu sync.RWMutex        //nolint: gochecknoglobals
)

// RegisterPublicEndpoint exempts path from caller identification.
// Only probes and signed machine-to-machine endpoints belong here.
//
// Example:
//
//	middleware.RegisterPublicEndpoint("/ping")
//	middleware.RegisterPublicEndpoint("/api/v1/callbacks/generation")
func RegisterPublicEndpoint(path string) {
	anonymousEndpointsMu.Lock()
	defer anonymousEndpointsMu.Unlock()

	anonymousEndpoints[path] = true
}

func isPublicEndpoint(path string) bool {
	anonymousEndpointsMu.RLock()
	defer anonymousEndpointsMu.RUnlock()

	return anonymousEndpoints[path]
}

// callerContextKey is the context key for the caller identity.
type callerContextKey struct{}

// CallerContext is the identity of the requester, attached by CallerIdentity.
type CallerContext struct {
	// CallerID prefixes every job id the caller creates (u1 in u1:req42).
	CallerID string

	// IdentifiedAt is when the middleware accepted the identity.
	IdentifiedAt time.Time
}

// GetCallerContext returns the caller identity, or false for anonymous requests.
func GetCallerContext(ctx context.Context) (CallerContext, bool) {
	callerCtx, ok := ctx.Value(callerContextKey{}).(CallerContext)

	return callerCtx, ok
}

// SetCallerContext returns a copy of ctx carrying callerCtx.
func SetCallerContext(ctx context.Context, callerCtx CallerContext) context.Context {
	return context.WithValue(ctx, callerContextKey{}, callerCtx)
}

// CallerIdentity reads X-Caller-ID and attaches it to the request context.
//
// Public endpoints pass through untouched. Elsewhere a missing or malformed identity is
// answered with 401. The identity itself is trusted: it is asserted by the API gateway in
// front of the service.
func CallerIdentity(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// CORS preflights never carry custom headers.
			if r.Method == http.MethodOptions || isPublicEndpoint(r.URL.Path) {
				next.ServeHTTP(w, r)

				return
			}

			callerID := strings.TrimSpace(r.Header.Get(CallerIDHeader))
			if detail, ok := validateCallerID(callerID); !ok {
				correlationID := GetCorrelationID(r.Context())

				logger.Warn("Rejected request without valid caller identity",
					slog.String("correlation_id", correlationID),
					slog.String("path", r.URL.Path),
					slog.String("reason", detail),
				)

				if err := writeRFC7807Error(w, r, http.StatusUnauthorized, detail, correlationID); err != nil {
					logger.Error("failed to write response with RFC 7807 error format",
						slog.String("correlation_id", correlationID),
						slog.String("error", err.Error()),
					)
				}

				return
			}

			ctx := SetCallerContext(r.Context(), CallerContext{CallerID: callerID, IdentifiedAt: time.Now()})

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func validateCallerID(callerID string) (string, bool) {
	switch {
	case callerID == "":
		return "Missing " + CallerIDHeader + " header", false
	case len(callerID) > maxCallerIDLength:
		return CallerIDHeader + " is too long", false
	case strings.Contains(callerID, ":"):
		return CallerIDHeader + " must not contain ':'", false
	}

	return "", true
}
