package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

type testCORSConfig struct {
	origins []string
}

func (c testCORSConfig) GetAllowedOrigins() []string { return c.origins }
func (c testCORSConfig) GetAllowedMethods() []string { return []string{"GET", "POST", "OPTIONS"} }
func (c testCORSConfig) GetAllowedHeaders() []string { return []string{"Content-Type", "X-Caller-ID"} }
func (c testCORSConfig) GetMaxAge() int { return 600 }

func TestCORS(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name        string
		origins     []string
		origin      string
		method      string
		wantOrigin  string
		wantVary    bool
		wantStatus  int
		wantHandled bool
	}{
		{
			name: "wildcard", origins: []string{"*"}, origin: "https://app.test",
			method: http.MethodGet, wantOrigin: "*", wantStatus: http.StatusOK, wantHandled: true,
		},
		{
			name: "listed origin", origins: []string{"https://app.test"}, origin: "https://app.test",
			method: http.MethodGet, wantOrigin: "https://app.test", wantVary: true,
			wantStatus: http.StatusOK, wantHandled: true,
		},
		{
			name: "unlisted origin", origins: []string{"https://app.test"}, origin: "https://evil.test",
			method: http.MethodGet, wantStatus: http.StatusOK, wantHandled: true,
		},
		{
			name: "preflight", origins: []string{"https://app.test"}, origin: "https://app.test",
			method: http.MethodOptions, wantOrigin: "https://app.test", wantVary: true,
			wantStatus: http.StatusNoContent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handled := false

			handler := CORS(testCORSConfig{origins: tt.origins})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				handled = true
			}))

			req := httptest.NewRequest(tt.method, "/api/v1/jobs", nil)
			req.Header.Set("Origin", tt.origin)

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}

			if handled != tt.wantHandled {
				t.Errorf("expected handler reached = %v, got %v", tt.wantHandled, handled)
			}

			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("expected allow origin %q, got %q", tt.wantOrigin, got)
			}

			if got := rec.Header().Get("Vary") == "Origin"; got != tt.wantVary {
				t.Errorf("expected Vary: Origin = %v, got %v", tt.wantVary, got)
			}

			if got := rec.Header().Get("Access-Control-Expose-Headers"); got != exposedHeaders {
				t.Errorf("expected exposed headers %q, got %q", exposedHeaders, got)
			}

			preflightHeaders := rec.Header().Get("Access-Control-Max-Age") != ""
			if preflightHeaders != (tt.method == http.MethodOptions) {
				t.Errorf("preflight headers present = %v for method %s", preflightHeaders, tt.method)
			}
		})
	}
}
