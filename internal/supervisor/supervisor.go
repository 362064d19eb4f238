// Package supervisor runs background work that must outlive the request that started it.
//
// A task that returns an error or panics is recorded on the job it belongs to (state failed,
// code internal_error unless the error carries its own jobs.JobError) and published to the
// observability sink. Nothing a task does can crash the process.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/genrelay-io/genrelay/internal/jobs"
	"github.com/genrelay-io/genrelay/internal/sink"
)

// ErrClosed is returned by Go after Close.
var ErrClosed = errors.New("supervisor closed")

// ErrPanic wraps a recovered panic value.
var ErrPanic = errors.New("task panicked")

// Task is a unit of background work.
type Task func(ctx context.Context) error

// Transitioner records a failed task on its job.
type Transitioner interface {
	ApplyTransition(ctx context.Context, t jobs.Transition) (jobs.StatusEvent, bool, error)
}

// Announcer fans out a status entry appended by ApplyTransition.
type Announcer interface {
	Announce(ctx context.Context, ev jobs.StatusEvent)
}

// Supervisor owns the lifetime of background tasks.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	jobs      Transitioner
	announcer Announcer
	sink      sink.Sink
	logger    *slog.Logger

	// recordTimeout bounds failure bookkeeping, which runs on a fresh context so it
	// still happens while shutting down.
	recordTimeout time.Duration

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Deps are the collaborators of a Supervisor. Jobs, Announcer and Sink are optional.
type Deps struct {
	Jobs      Transitioner
	Announcer Announcer
	Sink      sink.Sink
	Logger    *slog.Logger
}

// New creates a Supervisor. Cancelling parent cancels every running task.
func New(parent context.Context, d Deps) *Supervisor {
	if d.Sink == nil {
		d.Sink = sink.Nop{}
	}

	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(parent)

	return &Supervisor{
		ctx:           ctx,
		cancel:        cancel,
		jobs:          d.Jobs,
		announcer:     d.Announcer,
		sink:          d.Sink,
		logger:        d.Logger,
		recordTimeout: 5 * time.Second,
	}
}

// Go starts task in the background. jobID may be empty for tasks that belong to no job.
func (s *Supervisor) Go(jobID, name string, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("%w: cannot start %s", ErrClosed, name)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		err := s.run(task)
		if err == nil {
			return
		}

		if errors.Is(err, context.Canceled) && s.ctx.Err() != nil {
			s.logger.Info("Background task stopped by shutdown",
				slog.String("task", name),
				slog.String("job_id", jobID))

			return
		}

		s.fail(jobID, name, err)
	}()

	return nil
}

func (s *Supervisor) run(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)

			s.logger.Error("Background task panic",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	return task(s.ctx)
}

func (s *Supervisor) fail(jobID, name string, err error) {
	s.logger.Error("Background task failed",
		slog.String("task", name),
		slog.String("job_id", jobID),
		slog.String("error", err.Error()))

	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.recordTimeout)
	defer cancel()

	if jobID != "" && s.jobs != nil {
		var jobErr *jobs.JobError
		if !errors.As(err, &jobErr) {
			jobErr = jobs.NewJobError(jobs.ErrorCodeInternal, err)
		}

		ev, applied, terr := s.jobs.ApplyTransition(ctx, jobs.Transition{
			JobID:   jobID,
			To:      jobs.JobStateFailed,
			Message: name + " failed",
			Error:   jobErr,
		})

		switch {
		case terr != nil && !errors.Is(terr, jobs.ErrTerminalStateImmutable):
			s.logger.Error("Failed to record task failure on job",
				slog.String("job_id", jobID),
				slog.String("error", terr.Error()))
		case applied && s.announcer != nil:
			s.announcer.Announce(ctx, ev)
		}
	}

	perr := s.sink.Publish(ctx, sink.Event{
		Kind:    sink.KindTaskFailed,
		JobID:   jobID,
		Message: name + " failed",
		Attrs:   map[string]string{"task": name, "error": err.Error()},
		At:      time.Now().UTC(),
	})
	if perr != nil {
		s.logger.Warn("Failed to publish task failure",
			slog.String("job_id", jobID),
			slog.String("error", perr.Error()))
	}
}

// Close stops accepting tasks, cancels the running ones and waits for them until ctx expires.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()

	return s.Wait(ctx)
}

// Wait blocks until every started task returned or ctx expires.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})

	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for background tasks: %w", ctx.Err())
	}
}
