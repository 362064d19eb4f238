package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/genrelay-io/genrelay/internal/attempts"
	"github.com/genrelay-io/genrelay/internal/broadcast"
	"github.com/genrelay-io/genrelay/internal/config"
	"github.com/genrelay-io/genrelay/internal/gateway"
	"github.com/genrelay-io/genrelay/internal/livestatus"
	"github.com/genrelay-io/genrelay/internal/orchestration"
	"github.com/genrelay-io/genrelay/internal/provider/generation"
	"github.com/genrelay-io/genrelay/internal/provider/vision"
	"github.com/genrelay-io/genrelay/internal/storage"
	"github.com/genrelay-io/genrelay/internal/supervisor"
)

type bytesPersisterFunc func(ctx context.Context, jobID, name string, data []byte, contentType string) (string, error)

func (f bytesPersisterFunc) PersistBytes(
	ctx context.Context,
	jobID, name string,
	data []byte,
	contentType string,
) (string, error) {
	return f(ctx, jobID, name, data, contentType)
}

type fetcherFunc func(ctx context.Context, url string) ([]byte, string, error)

func (f fetcherFunc) Fetch(ctx context.Context, url string) ([]byte, string, error) { return f(ctx, url) }

// TestJobLifecycleIntegration drives one job through the HTTP surface against PostgreSQL:
// create, provider callbacks, snapshot, stream replay and a derivative view.
func TestJobLifecycleIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)

	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	store, err := storage.NewPostgresStore(&storage.Connection{DB: testDB.Connection})
	require.NoError(t, err)

	statusLog := broadcast.NewLog(store, nil, nil)
	verifier := gateway.NewVerifier("callback-secret", 5*time.Minute)

	gw := gateway.New(gateway.Deps{
		Ledger:    store,
		Jobs:      store,
		Mappings:  store,
		Announcer: statusLog,
		Verifier:  verifier,
		Persister: persisterFunc(func(_ context.Context, jobID, name, _ string) (string, error) {
			return "https://cdn.test/" + jobID + "/" + name + ".png", nil
		}),
	})

	sup := supervisor.New(ctx, supervisor.Deps{Jobs: store, Announcer: statusLog})
	t.Cleanup(func() { _ = sup.Close(context.Background()) })

	provider := &generation.MockProvider{}
	classifier := &vision.MockClassifier{}
	fetcher := fetcherFunc(func(context.Context, string) ([]byte, string, error) {
		return []byte("png"), "image/png", nil
	})

	controller := attempts.NewController(attempts.Deps{
		Synthesizer: provider,
		Fetcher:     fetcher,
		Persister: bytesPersisterFunc(func(_ context.Context, jobID, name string, _ []byte, _ string) (string, error) {
			return "https://cdn.test/" + jobID + "/" + name + ".png", nil
		}),
		Classifier: classifier,
		Variants:   store,
		Log:        statusLog,
		Policy:     attempts.DefaultPolicy(),
	})

	svc := orchestration.NewService(orchestration.Deps{
		Store:     store,
		Provider:  provider,
		Variants:  controller,
		Fetcher:   fetcher,
		Extractor: classifier,
		Runner:    sup,
		Announcer: statusLog,
		StatusLog: statusLog,
		Stream: &livestatus.Config{
			KeepaliveInterval: time.Hour,
			ReconcileInterval: 20 * time.Millisecond,
		},
	})

	srv := newTestServer(t, Dependencies{Jobs: svc, Callbacks: gw, Health: store})

	rec := do(t, srv, http.MethodGet, "/ready", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/v1/jobs", "u1", `{"request_id":"req42","spec":{"prompt":"oak chair"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, sup.Wait(waitCtx))

	callback := func(body string) {
		t.Helper()

		ts := strconv.FormatInt(time.Now().Unix(), 10)
		req := newRequest(t, http.MethodPost, callbackPath, body)
		req.Header.Del("X-Caller-ID")
		req.Header.Set(gateway.HeaderTimestamp, ts)
		req.Header.Set(gateway.HeaderSignature, verifier.Sign(ts, []byte(body)))

		res := serve(srv, req)
		require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	}

	// Submission maps the default mock task id.
	callback(`{"event_id":"e1","type":"progress","external_task_id":"task-u1:req42","status":"generating","progress":30}`)
	callback(`{"event_id":"e2","type":"progress","external_task_id":"task-u1:req42","status":"processing","progress":80}`)
	callback(`{"event_id":"e2","type":"progress","external_task_id":"task-u1:req42","status":"processing","progress":80}`)
	callback(`{"event_id":"e3","type":"completed","external_task_id":"task-u1:req42",` +
		`"artifact_urls":["https://provider.test/out.png"]}`)

	rec = do(t, srv, http.MethodGet, "/api/v1/jobs/u1:req42", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var job JobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, "completed", job.State)
	assert.Equal(t, []string{"https://cdn.test/u1:req42/primary-0.png"}, job.Artifacts)
	assert.Equal(t, int64(3), job.LastSeq, "the duplicate delivery appends nothing")

	rec = do(t, srv, http.MethodGet, "/api/v1/jobs/u1:req42/events", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, strings.Count(rec.Body.String(), "event: completed\n"))
	assert.Contains(t, rec.Body.String(), "id: 3\n")

	rec = do(t, srv, http.MethodPost, "/api/v1/jobs/u1:req42/variants", "u1", `{"view":"side"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.NoError(t, sup.Wait(waitCtx))

	rec = do(t, srv, http.MethodGet, "/api/v1/jobs/u1:req42/variants/side", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var variant VariantResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &variant))
	assert.Equal(t, "completed", variant.Status)
	assert.Equal(t, 1, variant.Tries)
	assert.Equal(t, "https://cdn.test/u1:req42/side-attempt-1.png", variant.ArtifactURL)

	rec = do(t, srv, http.MethodPost, "/api/v1/jobs/u1:req42/variants", "u1", `{"view":"side"}`)
	assert.Equal(t, http.StatusOK, rec.Code, "a completed view is served from cache")

	rec = do(t, srv, http.MethodGet, "/api/v1/jobs/u1:req42", "u2", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type persisterFunc func(ctx context.Context, jobID, name, sourceURL string) (string, error)

func (f persisterFunc) PersistURL(ctx context.Context, jobID, name, sourceURL string) (string, error) {
	return f(ctx, jobID, name, sourceURL)
}
