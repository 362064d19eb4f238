package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genrelay-io/genrelay/internal/jobs"
	"github.com/genrelay-io/genrelay/internal/sink"
	"github.com/genrelay-io/genrelay/internal/storage"
)

type captureSink struct {
	mu     sync.Mutex
	events []sink.Event
}

func (c *captureSink) Publish(_ context.Context, ev sink.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.events = append(c.events, ev)

	return nil
}

func (c *captureSink) Close() error { return nil }

func (c *captureSink) snapshot() []sink.Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]sink.Event(nil), c.events...)
}

func newSupervisor(t *testing.T) (*Supervisor, *storage.MemoryStore, *captureSink) {
	t.Helper()

	store := storage.NewMemoryStore(time.Minute, nil)

	_, err := store.CreateJob(t.Context(), &jobs.Job{ID: "u1:req42", CallerID: "u1"})
	require.NoError(t, err)

	captured := &captureSink{}
	sup := New(t.Context(), Deps{Jobs: store, Sink: captured})

	t.Cleanup(func() { _ = sup.Close(context.Background()) })

	return sup, store, captured
}

func waitIdle(t *testing.T, sup *Supervisor) {
	t.Helper()

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()

	require.NoError(t, sup.Wait(ctx))
}

func TestSupervisor_ErrorFailsJob(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	sup, store, captured := newSupervisor(t)

	require.NoError(t, sup.Go("u1:req42", "submit", func(context.Context) error {
		return errors.New("provider unreachable")
	}))
	waitIdle(t, sup)

	job, err := store.GetJob(t.Context(), "u1:req42")
	require.NoError(t, err)
	assert.Equal(t, jobs.JobStateFailed, job.State)
	require.NotNil(t, job.Error)
	assert.Equal(t, jobs.ErrorCodeInternal, job.Error.Code)
	assert.Contains(t, job.Error.Message, "provider unreachable")

	events := captured.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, sink.KindTaskFailed, events[0].Kind)
	assert.Equal(t, "submit", events[0].Attrs["task"])
}

func TestSupervisor_JobErrorCodeIsKept(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	sup, store, _ := newSupervisor(t)

	require.NoError(t, sup.Go("u1:req42", "submit", func(context.Context) error {
		return &jobs.JobError{Code: jobs.ErrorCodeSubmission, Message: "rejected"}
	}))
	waitIdle(t, sup)

	job, err := store.GetJob(t.Context(), "u1:req42")
	require.NoError(t, err)
	require.NotNil(t, job.Error)
	assert.Equal(t, jobs.ErrorCodeSubmission, job.Error.Code)
}

func TestSupervisor_RecoversPanic(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	sup, store, captured := newSupervisor(t)

	require.NoError(t, sup.Go("u1:req42", "variant side", func(context.Context) error {
		panic("boom")
	}))
	waitIdle(t, sup)

	job, err := store.GetJob(t.Context(), "u1:req42")
	require.NoError(t, err)
	assert.Equal(t, jobs.JobStateFailed, job.State)
	assert.Contains(t, job.Error.Message, "boom")
	assert.Len(t, captured.snapshot(), 1)
}

func TestSupervisor_TerminalJobIsLeftAlone(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	sup, store, captured := newSupervisor(t)

	_, _, err := store.ApplyTransition(t.Context(), jobs.Transition{
		JobID: "u1:req42", To: jobs.JobStateTimeout,
	})
	require.NoError(t, err)

	require.NoError(t, sup.Go("u1:req42", "variant side", func(context.Context) error {
		return errors.New("late failure")
	}))
	waitIdle(t, sup)

	job, err := store.GetJob(t.Context(), "u1:req42")
	require.NoError(t, err)
	assert.Equal(t, jobs.JobStateTimeout, job.State)
	assert.Len(t, captured.snapshot(), 1)
}

func TestSupervisor_SuccessRecordsNothing(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	sup, store, captured := newSupervisor(t)

	require.NoError(t, sup.Go("u1:req42", "noop", func(context.Context) error { return nil }))
	waitIdle(t, sup)

	job, err := store.GetJob(t.Context(), "u1:req42")
	require.NoError(t, err)
	assert.Equal(t, jobs.JobStateQueued, job.State)
	assert.Empty(t, captured.snapshot())
}

func TestSupervisor_CloseCancelsTasks(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	sup, store, captured := newSupervisor(t)
	started := make(chan struct{})

	require.NoError(t, sup.Go("u1:req42", "stream", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()

		return ctx.Err()
	}))

	<-started

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()

	require.NoError(t, sup.Close(ctx))

	job, err := store.GetJob(t.Context(), "u1:req42")
	require.NoError(t, err)
	assert.Equal(t, jobs.JobStateQueued, job.State, "shutdown is not a job failure")
	assert.Empty(t, captured.snapshot())

	assert.ErrorIs(t, sup.Go("u1:req42", "late", func(context.Context) error { return nil }), ErrClosed)
}
