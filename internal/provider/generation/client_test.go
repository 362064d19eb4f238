package generation

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, timeout time.Duration) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(&Config{
		BaseURL:     server.URL + "/",
		APIKey:      "secret",
		Model:       "m1",
		CallbackURL: "https://genrelay.test/api/v1/callbacks/generation",
		CallTimeout: timeout,
		RPS:         1000,
		Burst:       1000,
	}, server.Client(), nil)
	require.NoError(t, err)

	return client
}

func TestClient_Submit(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var got SubmitRequest

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/tasks", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		_ = json.NewEncoder(w).Encode(map[string]string{"task_id": "t-1"})
	}, time.Second)

	result, err := client.Submit(t.Context(), SubmitRequest{RequestID: "u1:req42", Prompt: "a chair", Strictness: 1})
	require.NoError(t, err)
	assert.Equal(t, "t-1", result.TaskID)
	assert.Equal(t, "m1", got.Model)
	assert.Equal(t, "https://genrelay.test/api/v1/callbacks/generation", got.CallbackURL)

	_, err = client.Submit(t.Context(), SubmitRequest{RequestID: "x"})
	assert.ErrorIs(t, err, ErrPermanent)
}

func TestClient_Status(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/tasks/t-1":
			_ = json.NewEncoder(w).Encode(TaskStatus{
				State: TaskStateCompleted, Progress: 100, ArtifactURLs: []string{"u1", "u2"},
			})
		case "/v1/tasks/t-odd":
			_, _ = w.Write([]byte(`{"status":"exploded"}`))
		default:
			http.NotFound(w, r)
		}
	}, time.Second)

	status, err := client.Status(t.Context(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, "t-1", status.TaskID)
	assert.True(t, status.State.IsTerminal())
	assert.Equal(t, []string{"u1", "u2"}, status.ArtifactURLs)

	_, err = client.Status(t.Context(), "t-odd")
	assert.ErrorIs(t, err, ErrTransient)

	_, err = client.Status(t.Context(), "t-missing")
	assert.ErrorIs(t, err, ErrPermanent)
	assert.False(t, IsRetryable(err))
}

func TestClient_ErrorClassification(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    error
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			want: ErrTransient,
		},
		{
			name: "throttled",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
			},
			want: ErrTransient,
		},
		{
			name: "gateway timeout",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusGatewayTimeout)
			},
			want: ErrTimeout,
		},
		{
			name: "rejected",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusUnprocessableEntity)
				_, _ = w.Write([]byte(`{"code":"content_policy","message":"blocked"}`))
			},
			want: ErrPermanent,
		},
		{
			name: "malformed",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{not json`))
			},
			want: ErrTransient,
		},
		{
			name: "slow",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(time.Second):
				}
			},
			want: ErrTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, tt.handler, 50*time.Millisecond)

			_, err := client.Synthesize(t.Context(), SynthesizeRequest{Prompt: "a chair", View: "side"})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var providerErr *ProviderError
			require.ErrorAs(t, err, &providerErr)
			assert.Equal(t, "Synthesize", providerErr.Op)
		})
	}
}

func TestClient_RejectedMessage(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"content_policy","message":"blocked"}`))
	}, time.Second)

	_, err := client.Synthesize(t.Context(), SynthesizeRequest{Prompt: "a chair", View: "side"})

	var providerErr *ProviderError
	require.ErrorAs(t, err, &providerErr)
	assert.Equal(t, http.StatusBadRequest, providerErr.StatusCode)
	assert.Equal(t, "content_policy: blocked", providerErr.Message)
}

func TestClient_Synthesize(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var calls atomic.Int32

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)

		var req SynthesizeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, int64(1234), req.Seed)
		assert.Equal(t, "side", req.View)

		_ = json.NewEncoder(w).Encode(Artifact{URL: "https://provider.test/side.png", ContentType: "image/png"})
	}, time.Second)

	artifact, err := client.Synthesize(t.Context(), SynthesizeRequest{Prompt: "a chair", View: "side", Seed: 1234})
	require.NoError(t, err)
	assert.Equal(t, "https://provider.test/side.png", artifact.URL)
	assert.Equal(t, int32(1), calls.Load())
}

func TestConfig_Validate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := &Config{BaseURL: "https://p", APIKey: "k", RPS: 1, Burst: 1}
	require.NoError(t, cfg.Validate())

	assert.ErrorIs(t, (&Config{APIKey: "k", RPS: 1, Burst: 1}).Validate(), ErrMissingBaseURL)
	assert.ErrorIs(t, (&Config{BaseURL: "https://p", RPS: 1, Burst: 1}).Validate(), ErrMissingAPIKey)
	assert.ErrorIs(t, (&Config{BaseURL: "https://p", APIKey: "k"}).Validate(), ErrInvalidRateLimit)
}
