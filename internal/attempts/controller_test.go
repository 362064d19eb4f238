package attempts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genrelay-io/genrelay/internal/broadcast"
	"github.com/genrelay-io/genrelay/internal/jobs"
	"github.com/genrelay-io/genrelay/internal/provider/generation"
	"github.com/genrelay-io/genrelay/internal/provider/vision"
	"github.com/genrelay-io/genrelay/internal/storage"
)

const testJobID = "u1:req42"

type scores struct {
	confidence float64
	similarity float64
}

// harness wires a controller against in-memory collaborators. Attempt n synthesizes
// https://provider.test/<view>-<n>.png and the classifier scores it from script[n-1].
type harness struct {
	t          *testing.T
	store      *storage.MemoryStore
	controller *Controller

	mu         sync.Mutex
	synthCalls []generation.SynthesizeRequest
	persisted  []string
	script     []scores
	synthErr   map[int]error
}

func newHarness(t *testing.T, policy *Policy, script ...scores) *harness {
	t.Helper()

	store := storage.NewMemoryStore(time.Minute, nil)

	_, err := store.CreateJob(t.Context(), &jobs.Job{ID: testJobID, CallerID: "u1", State: jobs.JobStateCompleted})
	require.NoError(t, err)

	h := &harness{t: t, store: store, script: script, synthErr: map[int]error{}}

	provider := &generation.MockProvider{
		SynthesizeFunc: func(_ context.Context, req generation.SynthesizeRequest) (*generation.Artifact, error) {
			h.mu.Lock()
			defer h.mu.Unlock()

			h.synthCalls = append(h.synthCalls, req)
			n := len(h.synthCalls)

			if err := h.synthErr[n]; err != nil {
				return nil, err
			}

			return &generation.Artifact{
				URL:         fmt.Sprintf("https://provider.test/%s-%d.png", req.View, n),
				ContentType: "image/png",
			}, nil
		},
	}

	classifier := &vision.MockClassifier{
		ClassifyViewFunc: func(_ context.Context, img vision.Image, expected string) (*vision.ViewResult, error) {
			return &vision.ViewResult{View: expected, Confidence: h.scoreFor(img).confidence}, nil
		},
		CompareTokensFunc: func(_ context.Context, img vision.Image, _ vision.Tokens) (float64, error) {
			return h.scoreFor(img).similarity, nil
		},
	}

	h.controller = NewController(Deps{
		Synthesizer: provider,
		Fetcher:     fetcherFunc(func(_ context.Context, url string) ([]byte, string, error) { return []byte(url), "", nil }),
		Persister:   persisterFunc(h.persist),
		Classifier:  classifier,
		Variants:    store,
		Log:         broadcast.NewLog(store, nil, nil),
		Policy:      policy,
	})

	return h
}

// scoreFor maps the fetched bytes (the provider URL) back to the attempt number.
func (h *harness) scoreFor(img vision.Image) scores {
	name := strings.TrimSuffix(string(img.Data), ".png")

	var n int

	_, err := fmt.Sscanf(name[strings.LastIndex(name, "-")+1:], "%d", &n)
	require.NoError(h.t, err)
	require.LessOrEqual(h.t, n, len(h.script), "no scripted score for attempt %d", n)

	return h.script[n-1]
}

func (h *harness) persist(_ context.Context, jobID, name string, _ []byte, _ string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.persisted = append(h.persisted, name)

	return "https://cdn.test/" + jobID + "/" + name + ".png", nil
}

func (h *harness) request(view jobs.View) Request {
	return Request{
		JobID:     testJobID,
		Spec:      jobs.Spec{Prompt: "oak chair", Width: 512, Height: 512},
		View:      view,
		Reference: vision.Tokens{Palette: []string{"oak"}},
	}
}

type fetcherFunc func(ctx context.Context, url string) ([]byte, string, error)

func (f fetcherFunc) Fetch(ctx context.Context, url string) ([]byte, string, error) { return f(ctx, url) }

type persisterFunc func(ctx context.Context, jobID, name string, data []byte, contentType string) (string, error)

func (f persisterFunc) PersistBytes(ctx context.Context, jobID, name string, data []byte, ct string) (string, error) {
	return f(ctx, jobID, name, data, ct)
}

func TestRunAttempts_AcceptsThirdAttempt(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	h := newHarness(t, DefaultPolicy(),
		scores{confidence: 0.6, similarity: 0.9},
		scores{confidence: 0.9, similarity: 0.65},
		scores{confidence: 0.9, similarity: 0.8},
	)

	outcome, err := h.controller.RunAttempts(t.Context(), h.request(jobs.ViewSide))
	require.NoError(t, err)

	assert.Equal(t, 3, outcome.AttemptsUsed)
	assert.False(t, outcome.Degraded)
	assert.InDelta(t, 0.9, outcome.ViewConfidence, 1e-9)
	assert.InDelta(t, 0.8, outcome.SimilarityScore, 1e-9)
	assert.Equal(t, "https://cdn.test/u1:req42/side-attempt-3.png", outcome.ArtifactURL)
	assert.Equal(t, []string{"side-attempt-1", "side-attempt-2", "side-attempt-3"}, h.persisted)

	variant, err := h.store.GetVariant(t.Context(), testJobID, jobs.ViewSide)
	require.NoError(t, err)
	assert.Equal(t, jobs.VariantStatusCompleted, variant.Status)
	assert.Equal(t, 3, variant.Tries)
	assert.Equal(t, outcome.ArtifactURL, variant.ArtifactURL)

	// Strength escalates, negatives join from the second attempt, the seed never changes.
	require.Len(t, h.synthCalls, 3)
	assert.InDelta(t, 0.55, h.synthCalls[0].Strength, 1e-9)
	assert.InDelta(t, 0.70, h.synthCalls[1].Strength, 1e-9)
	assert.InDelta(t, 0.85, h.synthCalls[2].Strength, 1e-9)
	assert.Empty(t, h.synthCalls[0].NegativePrompt)
	assert.Contains(t, h.synthCalls[1].NegativePrompt, "wrong camera angle")

	for _, call := range h.synthCalls {
		assert.Equal(t, h.synthCalls[0].Seed, call.Seed)
	}

	events, err := h.store.ReadStatusSince(t.Context(), testJobID, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 4)

	for i, ev := range events[:3] {
		assert.Equal(t, jobs.StatusKindVariant, ev.Kind)
		assert.Equal(t, jobs.VariantStatusGenerating, ev.Variant.Status)
		assert.Equal(t, i+1, ev.Variant.Tries)
	}

	assert.Equal(t, jobs.VariantStatusCompleted, events[3].Variant.Status)
}

func TestRunAttempts_NeverExceedsBudget(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	h := newHarness(t, DefaultPolicy(),
		scores{confidence: 0.1, similarity: 0.1},
		scores{confidence: 0.2, similarity: 0.2},
		scores{confidence: 0.3, similarity: 0.3},
	)

	_, err := h.controller.RunAttempts(t.Context(), h.request(jobs.ViewBack))
	require.ErrorIs(t, err, ErrBudgetExhausted)

	assert.Len(t, h.synthCalls, 3)

	variant, err := h.store.GetVariant(t.Context(), testJobID, jobs.ViewBack)
	require.NoError(t, err)
	assert.Equal(t, jobs.VariantStatusFailed, variant.Status)
	assert.Equal(t, 3, variant.Tries)
	require.NotNil(t, variant.Error)
	assert.Equal(t, jobs.ErrorCodeRejected, variant.Error.Code)
}

func TestRunAttempts_RequestBudgetOverride(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	h := newHarness(t, DefaultPolicy(), scores{}, scores{})

	req := h.request(jobs.ViewTop)
	req.MaxAttempts = 2

	_, err := h.controller.RunAttempts(t.Context(), req)
	require.ErrorIs(t, err, ErrBudgetExhausted)
	assert.Len(t, h.synthCalls, 2)
}

func TestRunAttempts_AcceptDegraded(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	policy := DefaultPolicy()
	policy.Exhaustion = ExhaustionAcceptDegraded

	h := newHarness(t, policy,
		scores{confidence: 0.5, similarity: 0.9},
		scores{confidence: 0.78, similarity: 0.68},
		scores{confidence: 0.9, similarity: 0.3},
	)

	outcome, err := h.controller.RunAttempts(t.Context(), h.request(jobs.ViewSide))
	require.NoError(t, err)

	assert.True(t, outcome.Degraded)
	assert.Equal(t, 3, outcome.AttemptsUsed)
	assert.Equal(t, "https://cdn.test/u1:req42/side-attempt-2.png", outcome.ArtifactURL)

	variant, err := h.store.GetVariant(t.Context(), testJobID, jobs.ViewSide)
	require.NoError(t, err)
	assert.Equal(t, jobs.VariantStatusCompleted, variant.Status)
	assert.True(t, variant.Degraded)
}

func TestRunAttempts_ProviderErrorConsumesAttempt(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	h := newHarness(t, DefaultPolicy(),
		scores{},
		scores{confidence: 0.95, similarity: 0.95},
	)
	h.synthErr[1] = generation.ErrTransient

	outcome, err := h.controller.RunAttempts(t.Context(), h.request(jobs.ViewSide))
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.AttemptsUsed)
	assert.Len(t, h.synthCalls, 2)
}

func TestRunAttempts_ProviderErrorOnFinalAttemptFails(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	policy := DefaultPolicy()
	policy.Exhaustion = ExhaustionAcceptDegraded

	h := newHarness(t, policy, scores{confidence: 0.5, similarity: 0.5}, scores{confidence: 0.5, similarity: 0.5})
	h.synthErr[3] = fmt.Errorf("%w: upstream 503", generation.ErrTransient)

	_, err := h.controller.RunAttempts(t.Context(), h.request(jobs.ViewSide))
	require.ErrorIs(t, err, ErrAttemptFailed)
	require.ErrorIs(t, err, generation.ErrTransient)

	variant, err := h.store.GetVariant(t.Context(), testJobID, jobs.ViewSide)
	require.NoError(t, err)
	assert.Equal(t, jobs.VariantStatusFailed, variant.Status)
	require.NotNil(t, variant.Error)
	assert.Equal(t, jobs.ErrorCodeProvider, variant.Error.Code)
}

func TestRunAttempts_ClassifierErrorConsumesAttempt(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	h := newHarness(t, DefaultPolicy(), scores{confidence: 1, similarity: 1})

	calls := 0
	h.controller.classifier = &vision.MockClassifier{
		ClassifyViewFunc: func(_ context.Context, _ vision.Image, expected string) (*vision.ViewResult, error) {
			calls++
			if calls == 1 {
				return nil, vision.ErrInvalidResponse
			}

			return &vision.ViewResult{View: expected, Confidence: 1}, nil
		},
	}

	outcome, err := h.controller.RunAttempts(t.Context(), h.request(jobs.ViewSide))
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.AttemptsUsed)
}

func TestRunAttempts_InvalidRequest(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	h := newHarness(t, DefaultPolicy())

	tests := []struct {
		name string
		req  Request
	}{
		{name: "missing job", req: Request{View: jobs.ViewSide, Spec: jobs.Spec{Prompt: "chair"}}},
		{name: "unknown view", req: Request{JobID: testJobID, View: "underside", Spec: jobs.Spec{Prompt: "chair"}}},
		{name: "blank prompt", req: Request{JobID: testJobID, View: jobs.ViewSide, Spec: jobs.Spec{Prompt: "  "}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.controller.RunAttempts(t.Context(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}

	assert.Empty(t, h.synthCalls)
}

func TestRunAttempts_CanceledContext(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	h := newHarness(t, DefaultPolicy(), scores{})

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := h.controller.RunAttempts(ctx, h.request(jobs.ViewSide))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, h.synthCalls)
}
