package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genrelay-io/genrelay/internal/jobs"
)

// runStoreContract exercises behavior every jobs.Store implementation must share.
func runStoreContract(ctx context.Context, t *testing.T, store jobs.Store) {
	t.Helper()

	t.Run("CreateJob_Idempotent", testCreateJobIdempotent(ctx, store))
	t.Run("Ledger_ClaimOnce", testLedgerClaimOnce(ctx, store))
	t.Run("Ledger_ConcurrentClaims", testLedgerConcurrentClaims(ctx, store))
	t.Run("Ledger_MarkUnknown", testLedgerMarkUnknown(ctx, store))
	t.Run("Submission_MapsTask", testSubmissionMapsTask(ctx, store))
	t.Run("Transition_ProgressAndCompletion", testTransitionProgressAndCompletion(ctx, store))
	t.Run("Transition_TerminalImmutable", testTransitionTerminalImmutable(ctx, store))
	t.Run("Transition_ConcurrentSequence", testTransitionConcurrentSequence(ctx, store))
	t.Run("StatusLog_ReadSince", testStatusLogReadSince(ctx, store))
	t.Run("Variant_ClaimCompareAndSet", testVariantClaimCompareAndSet(ctx, store))
	t.Run("Variant_CompletedNotOverwritten", testVariantCompletedNotOverwritten(ctx, store))
	t.Run("DesignTokens_FirstWriterWins", testDesignTokensFirstWriterWins(ctx, store))
	t.Run("ListStaleJobs", testListStaleJobs(ctx, store))
}

func newTestJob(ctx context.Context, t *testing.T, store jobs.Store) *jobs.Job {
	t.Helper()

	jobID, err := jobs.NewJobID("u1", uuid.NewString())
	require.NoError(t, err)

	job := &jobs.Job{
		ID:       jobID,
		CallerID: "u1",
		Spec: jobs.Spec{
			Prompt:      "a ceramic teapot",
			Style:       "studio",
			Constraints: []string{"white background"},
		},
	}

	created, err := store.CreateJob(ctx, job)
	require.NoError(t, err)
	require.True(t, created)

	return job
}

func submitTestJob(ctx context.Context, t *testing.T, store jobs.Store, jobID string) string {
	t.Helper()

	taskID := "task-" + uuid.NewString()

	applied, err := store.RecordSubmission(ctx, jobID, taskID)
	require.NoError(t, err)
	require.True(t, applied)

	return taskID
}

func progressTo(p int) *int { return &p }

func testCreateJobIdempotent(ctx context.Context, store jobs.Store) func(*testing.T) {
	return func(t *testing.T) {
		job := newTestJob(ctx, t, store)

		again := &jobs.Job{ID: job.ID, CallerID: "u1", Spec: jobs.Spec{Prompt: "different"}}
		created, err := store.CreateJob(ctx, again)
		require.NoError(t, err)
		assert.False(t, created)

		stored, err := store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, jobs.JobStateQueued, stored.State)
		assert.Equal(t, "a ceramic teapot", stored.Spec.Prompt)
		assert.Equal(t, []string{"white background"}, stored.Spec.Constraints)
		assert.Equal(t, int64(0), stored.LastSeq)

		_, err = store.GetJob(ctx, "u1:missing")
		assert.ErrorIs(t, err, jobs.ErrJobNotFound)
	}
}

func testLedgerClaimOnce(ctx context.Context, store jobs.Store) func(*testing.T) {
	return func(t *testing.T) {
		eventID := "evt-" + uuid.NewString()
		payload := []byte(`{"type":"progress"}`)

		outcome, err := store.Claim(ctx, eventID, payload)
		require.NoError(t, err)
		assert.Equal(t, jobs.ClaimClaimed, outcome)

		outcome, err = store.Claim(ctx, eventID, payload)
		require.NoError(t, err)
		assert.Equal(t, jobs.ClaimInFlight, outcome)

		require.NoError(t, store.MarkProcessed(ctx, eventID))
		require.NoError(t, store.MarkProcessed(ctx, eventID))

		outcome, err = store.Claim(ctx, eventID, payload)
		require.NoError(t, err)
		assert.Equal(t, jobs.ClaimAlreadyProcessed, outcome)
	}
}

func testLedgerConcurrentClaims(ctx context.Context, store jobs.Store) func(*testing.T) {
	return func(t *testing.T) {
		const workers = 8

		eventID := "evt-" + uuid.NewString()

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			claimed int
		)

		for range workers {
			wg.Add(1)

			go func() {
				defer wg.Done()

				outcome, err := store.Claim(ctx, eventID, []byte(`{}`))
				assert.NoError(t, err)

				if outcome == jobs.ClaimClaimed {
					mu.Lock()
					claimed++
					mu.Unlock()
				}
			}()
		}

		wg.Wait()
		assert.Equal(t, 1, claimed)
	}
}

func testLedgerMarkUnknown(ctx context.Context, store jobs.Store) func(*testing.T) {
	return func(t *testing.T) {
		err := store.MarkProcessed(ctx, "evt-never-claimed-"+uuid.NewString())
		assert.ErrorIs(t, err, jobs.ErrEventNotClaimed)
	}
}

func testSubmissionMapsTask(ctx context.Context, store jobs.Store) func(*testing.T) {
	return func(t *testing.T) {
		job := newTestJob(ctx, t, store)
		taskID := "task-" + uuid.NewString()

		applied, err := store.RecordSubmission(ctx, job.ID, taskID)
		require.NoError(t, err)
		assert.True(t, applied)

		events, err := store.ReadStatusSince(ctx, job.ID, 0, 0)
		require.NoError(t, err)
		assert.Empty(t, events, "submission appends no status entry")

		applied, err = store.RecordSubmission(ctx, job.ID, taskID)
		require.NoError(t, err)
		assert.False(t, applied, "same task twice is a no-op")

		resolved, err := store.ResolveTask(ctx, taskID)
		require.NoError(t, err)
		assert.Equal(t, job.ID, resolved)

		_, err = store.ResolveTask(ctx, "task-unknown")
		assert.ErrorIs(t, err, jobs.ErrTaskNotMapped)

		other := newTestJob(ctx, t, store)
		_, err = store.RecordSubmission(ctx, other.ID, taskID)
		assert.ErrorIs(t, err, jobs.ErrTaskAlreadyMapped)

		stored, err := store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, taskID, stored.ProviderTaskID)
		assert.Equal(t, jobs.JobStateSubmitted, stored.State)
	}
}

func testTransitionProgressAndCompletion(ctx context.Context, store jobs.Store) func(*testing.T) {
	return func(t *testing.T) {
		job := newTestJob(ctx, t, store)
		submitTestJob(ctx, t, store, job.ID)

		ev, applied, err := store.ApplyTransition(ctx, jobs.Transition{
			JobID: job.ID, To: jobs.JobStateGenerating, Progress: progressTo(40),
		})
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, int64(1), ev.Seq)
		assert.Equal(t, 40, ev.Progress)

		_, applied, err = store.ApplyTransition(ctx, jobs.Transition{
			JobID: job.ID, To: jobs.JobStateGenerating, Progress: progressTo(30),
		})
		require.NoError(t, err)
		assert.False(t, applied, "lower progress is a no-op")

		urls := []string{"https://cdn.example/a.png", "https://cdn.example/b.png"}

		ev, applied, err = store.ApplyTransition(ctx, jobs.Transition{
			JobID: job.ID, To: jobs.JobStateCompleted, Artifacts: urls,
		})
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, int64(2), ev.Seq)
		assert.Equal(t, jobs.StatusKindCompleted, ev.Kind)
		assert.Equal(t, urls, ev.Artifacts)

		stored, err := store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, jobs.JobStateCompleted, stored.State)
		assert.Equal(t, urls, stored.ResultArtifacts)
		assert.Equal(t, jobs.MaxProgress, stored.Progress)
		assert.Equal(t, int64(2), stored.LastSeq)
	}
}

func testTransitionTerminalImmutable(ctx context.Context, store jobs.Store) func(*testing.T) {
	return func(t *testing.T) {
		job := newTestJob(ctx, t, store)
		submitTestJob(ctx, t, store, job.ID)

		_, applied, err := store.ApplyTransition(ctx, jobs.Transition{
			JobID: job.ID,
			To:    jobs.JobStateFailed,
			Error: &jobs.JobError{Code: jobs.ErrorCodeProvider, Message: "content filtered"},
		})
		require.NoError(t, err)
		require.True(t, applied)

		_, applied, err = store.ApplyTransition(ctx, jobs.Transition{JobID: job.ID, To: jobs.JobStateFailed})
		require.NoError(t, err)
		assert.False(t, applied)

		_, _, err = store.ApplyTransition(ctx, jobs.Transition{JobID: job.ID, To: jobs.JobStateCompleted})
		assert.ErrorIs(t, err, jobs.ErrTerminalStateImmutable)

		events, err := store.ReadStatusSince(ctx, job.ID, 0, 0)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, jobs.StatusKindFailed, events[0].Kind)
		require.NotNil(t, events[0].Error)
		assert.Equal(t, "content filtered", events[0].Error.Message)

		_, _, err = store.ApplyTransition(ctx, jobs.Transition{JobID: "u1:missing", To: jobs.JobStateFailed})
		assert.ErrorIs(t, err, jobs.ErrJobNotFound)
	}
}

func testTransitionConcurrentSequence(ctx context.Context, store jobs.Store) func(*testing.T) {
	return func(t *testing.T) {
		const writers = 10

		job := newTestJob(ctx, t, store)
		submitTestJob(ctx, t, store, job.ID)

		var wg sync.WaitGroup

		for i := 1; i <= writers; i++ {
			wg.Add(1)

			go func(p int) {
				defer wg.Done()

				_, _, err := store.ApplyTransition(ctx, jobs.Transition{
					JobID: job.ID, To: jobs.JobStateGenerating, Progress: progressTo(p * 5),
				})
				assert.NoError(t, err)

				_, err = store.AppendStatus(ctx, jobs.NewVariantEvent(&jobs.Variant{
					JobID: job.ID, View: jobs.ViewSide, Status: jobs.VariantStatusGenerating, Tries: p,
				}))
				assert.NoError(t, err)
			}(i)
		}

		wg.Wait()

		events, err := store.ReadStatusSince(ctx, job.ID, 0, 0)
		require.NoError(t, err)

		lastProgress := 0

		for i, ev := range events {
			assert.Equal(t, int64(i+1), ev.Seq, "sequence must be dense")

			if ev.Kind == jobs.StatusKindProgress && ev.State == jobs.JobStateGenerating {
				assert.GreaterOrEqual(t, ev.Progress, lastProgress, "progress must not decrease")
				lastProgress = ev.Progress
			}
		}
	}
}

func testStatusLogReadSince(ctx context.Context, store jobs.Store) func(*testing.T) {
	return func(t *testing.T) {
		job := newTestJob(ctx, t, store)

		for i := range 5 {
			ev, err := store.AppendStatus(ctx, jobs.StatusEvent{
				JobID:   job.ID,
				Kind:    jobs.StatusKindProgress,
				Message: fmt.Sprintf("step %d", i),
			})
			require.NoError(t, err)
			assert.Equal(t, int64(i+1), ev.Seq)
		}

		events, err := store.ReadStatusSince(ctx, job.ID, 2, 0)
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, int64(3), events[0].Seq)
		assert.Equal(t, "step 2", events[0].Message)

		events, err = store.ReadStatusSince(ctx, job.ID, 0, 2)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, int64(2), events[1].Seq)

		events, err = store.ReadStatusSince(ctx, job.ID, 5, 0)
		require.NoError(t, err)
		assert.Empty(t, events)

		_, err = store.AppendStatus(ctx, jobs.StatusEvent{JobID: job.ID, Kind: "bogus"})
		require.Error(t, err)

		_, err = store.AppendStatus(ctx, jobs.StatusEvent{JobID: "u1:missing", Kind: jobs.StatusKindProgress})
		assert.ErrorIs(t, err, jobs.ErrJobNotFound)
	}
}

func testVariantClaimCompareAndSet(ctx context.Context, store jobs.Store) func(*testing.T) {
	return func(t *testing.T) {
		job := newTestJob(ctx, t, store)

		v, claimed, err := store.ClaimVariant(ctx, job.ID, jobs.ViewSide, time.Hour)
		require.NoError(t, err)
		assert.True(t, claimed)
		assert.Equal(t, jobs.VariantStatusGenerating, v.Status)

		v, claimed, err = store.ClaimVariant(ctx, job.ID, jobs.ViewSide, time.Hour)
		require.NoError(t, err)
		assert.False(t, claimed, "a live run is attached to, not restarted")
		assert.Equal(t, jobs.VariantStatusGenerating, v.Status)

		require.NoError(t, store.UpsertVariant(ctx, &jobs.Variant{
			JobID: job.ID, View: jobs.ViewSide, Status: jobs.VariantStatusFailed, Tries: 3,
			Error: &jobs.JobError{Code: jobs.ErrorCodeRejected, Message: "low similarity"},
		}))

		v, claimed, err = store.ClaimVariant(ctx, job.ID, jobs.ViewSide, time.Hour)
		require.NoError(t, err)
		assert.True(t, claimed, "a failed variant may be retried")
		assert.Equal(t, 0, v.Tries)
		assert.Nil(t, v.Error)

		_, _, err = store.ClaimVariant(ctx, "u1:missing", jobs.ViewSide, time.Hour)
		assert.ErrorIs(t, err, jobs.ErrJobNotFound)

		_, err = store.GetVariant(ctx, job.ID, jobs.ViewBack)
		assert.ErrorIs(t, err, jobs.ErrVariantNotFound)
	}
}

func testVariantCompletedNotOverwritten(ctx context.Context, store jobs.Store) func(*testing.T) {
	return func(t *testing.T) {
		job := newTestJob(ctx, t, store)

		completed := &jobs.Variant{
			JobID: job.ID, View: jobs.ViewBack, Status: jobs.VariantStatusCompleted,
			ArtifactURL: "https://cdn.example/back.png", Tries: 2, ViewConfidence: 0.92, SimilarityScore: 0.81,
		}
		require.NoError(t, store.UpsertVariant(ctx, completed))

		require.NoError(t, store.UpsertVariant(ctx, &jobs.Variant{
			JobID: job.ID, View: jobs.ViewBack, Status: jobs.VariantStatusFailed, Tries: 3,
		}))

		v, err := store.GetVariant(ctx, job.ID, jobs.ViewBack)
		require.NoError(t, err)
		assert.Equal(t, jobs.VariantStatusCompleted, v.Status)
		assert.Equal(t, "https://cdn.example/back.png", v.ArtifactURL)
		assert.InDelta(t, 0.92, v.ViewConfidence, 1e-9)

		_, claimed, err := store.ClaimVariant(ctx, job.ID, jobs.ViewBack, time.Hour)
		require.NoError(t, err)
		assert.False(t, claimed)

		variants, err := store.ListVariants(ctx, job.ID)
		require.NoError(t, err)
		assert.Len(t, variants, 1)
	}
}

func testDesignTokensFirstWriterWins(ctx context.Context, store jobs.Store) func(*testing.T) {
	return func(t *testing.T) {
		job := newTestJob(ctx, t, store)

		_, err := store.GetDesignTokens(ctx, job.ID)
		assert.ErrorIs(t, err, jobs.ErrDesignTokensNotFound)

		first, err := store.PutDesignTokens(ctx, &jobs.DesignTokens{
			JobID: job.ID, Palette: []string{"ivory"}, Materials: []string{"porcelain"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"ivory"}, first.Palette)

		second, err := store.PutDesignTokens(ctx, &jobs.DesignTokens{
			JobID: job.ID, Palette: []string{"crimson"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"ivory"}, second.Palette)
		assert.Equal(t, []string{"porcelain"}, second.Materials)
	}
}

func testListStaleJobs(ctx context.Context, store jobs.Store) func(*testing.T) {
	return func(t *testing.T) {
		stuck := newTestJob(ctx, t, store)
		done := newTestJob(ctx, t, store)
		submitTestJob(ctx, t, store, done.ID)

		_, _, err := store.ApplyTransition(ctx, jobs.Transition{JobID: done.ID, To: jobs.JobStateCompleted})
		require.NoError(t, err)

		stale, err := store.ListStaleJobs(ctx, time.Now().Add(time.Hour), 1000)
		require.NoError(t, err)

		ids := make(map[string]bool, len(stale))
		for _, j := range stale {
			ids[j.ID] = true
			assert.False(t, j.State.IsTerminal())
		}

		assert.True(t, ids[stuck.ID])
		assert.False(t, ids[done.ID])

		stale, err = store.ListStaleJobs(ctx, time.Now().Add(-time.Hour), 1000)
		require.NoError(t, err)
		assert.Empty(t, stale)
	}
}
