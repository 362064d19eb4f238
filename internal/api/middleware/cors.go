package middleware

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
)

// exposedHeaders are readable by browser clients: the correlation id for support requests
// and the service version.
var exposedHeaders = strings.Join([]string{CorrelationIDHeader, "X-Genrelay-Version"}, ", ")

// CORSConfig is satisfied by api.CORSConfig.
type CORSConfig interface {
	GetAllowedOrigins() []string
	GetAllowedMethods() []string
	GetAllowedHeaders() []string
	GetMaxAge() int
}

// CORS lets browser clients create jobs and follow their event streams from another origin.
// Preflight requests are answered here with 204 and never reach a handler.
func CORS(config CORSConfig) func(http.Handler) http.Handler {
	origins := config.GetAllowedOrigins()
	wildcard := slices.Contains(origins, "*")
	methods := strings.Join(config.GetAllowedMethods(), ", ")
	headers := strings.Join(config.GetAllowedHeaders(), ", ")

	maxAge := ""
	if config.GetMaxAge() > 0 {
		maxAge = strconv.Itoa(config.GetMaxAge())
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()

			switch origin := r.Header.Get("Origin"); {
			case wildcard:
				h.Set("Access-Control-Allow-Origin", "*")
			case origin != "" && slices.Contains(origins, origin):
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}

			h.Set("Access-Control-Expose-Headers", exposedHeaders)

			if r.Method != http.MethodOptions {
				next.ServeHTTP(w, r)

				return
			}

			if methods != "" {
				h.Set("Access-Control-Allow-Methods", methods)
			}

			if headers != "" {
				h.Set("Access-Control-Allow-Headers", headers)
			}

			if maxAge != "" {
				h.Set("Access-Control-Max-Age", maxAge)
			}

			w.WriteHeader(http.StatusNoContent)
		})
	}
}
