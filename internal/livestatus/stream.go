// Package livestatus serves one job's status as a live stream.
//
// A Stream replays the job's status log from the subscriber's last seen sequence number and
// keeps tailing it. Every reconcile tick it also polls the generation provider; when the
// provider reports a terminal result the log does not have yet (a lost callback), the stream
// pushes that result through the gateway's apply path and picks it up from the log. Only log
// entries are emitted, in sequence order, so every subscriber sees the same history.
package livestatus

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/genrelay-io/genrelay/internal/gateway"
	"github.com/genrelay-io/genrelay/internal/jobs"
	"github.com/genrelay-io/genrelay/internal/provider/generation"
)

// reconcileTimestamp marks callbacks synthesized from a provider poll. It makes the derived
// event id stable, so repeated polls of the same result dedupe in the ledger.
const reconcileTimestamp = "reconcile"

// State is the lifecycle of a Stream.
type State int32

// Stream states.
const (
	StateOpen State = iota
	StateStreaming
	StateClosing
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}

	return "unknown"
}

// LogReader reads a job's status log.
type LogReader interface {
	ReadSince(ctx context.Context, jobID string, lastSeq int64) ([]jobs.StatusEvent, error)
}

// JobReader loads job snapshots.
type JobReader interface {
	GetJob(ctx context.Context, jobID string) (*jobs.Job, error)
}

// StatusPoller asks the provider for a task's status.
type StatusPoller interface {
	Status(ctx context.Context, taskID string) (*generation.TaskStatus, error)
}

// Reconciler applies synthesized callbacks.
type Reconciler interface {
	Apply(ctx context.Context, ev gateway.CallbackEvent) (gateway.Result, error)
}

// Deps are the collaborators of a Stream.
type Deps struct {
	Log        LogReader
	Jobs       JobReader
	Poller     StatusPoller
	Reconciler Reconciler
	Config     *Config
	Logger     *slog.Logger
	Now        func() time.Time
}

// Stream is one subscriber's view of one job.
type Stream struct {
	jobID   string
	lastSeq int64
	state   atomic.Int32

	log        LogReader
	jobs       JobReader
	poller     StatusPoller
	reconciler Reconciler
	cfg        *Config
	logger     *slog.Logger
	now        func() time.Time
}

// NewStream creates a stream for jobID that resumes after lastSeq.
func NewStream(jobID string, lastSeq int64, d Deps) *Stream {
	if d.Config == nil {
		d.Config = DefaultConfig()
	}

	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	if d.Now == nil {
		d.Now = time.Now
	}

	if lastSeq < 0 {
		lastSeq = 0
	}

	return &Stream{
		jobID:      jobID,
		lastSeq:    lastSeq,
		log:        d.Log,
		jobs:       d.Jobs,
		poller:     d.Poller,
		reconciler: d.Reconciler,
		cfg:        d.Config,
		logger:     d.Logger.With(slog.String("job_id", jobID)),
		now:        d.Now,
	}
}

// State returns the current state.
func (s *Stream) State() State {
	return State(s.state.Load())
}

// LastSeq returns the sequence number of the last emitted log entry.
func (s *Stream) LastSeq() int64 {
	return s.lastSeq
}

// Run streams until the job reaches a terminal state, ctx is cancelled, or emitting fails.
// It must be called once.
func (s *Stream) Run(ctx context.Context, out Emitter) error {
	defer s.setState(StateClosed)

	err := out.Emit(Event{Name: "connected", Data: map[string]any{
		"job_id": s.jobID,
		"ts":     s.now().UTC(),
	}})
	if err != nil {
		return err
	}

	s.setState(StateStreaming)

	keepalive := time.NewTicker(s.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	reconcile := time.NewTicker(s.cfg.ReconcileInterval)
	defer reconcile.Stop()

	// Replay right away instead of waiting for the first tick.
	done, err := s.tick(ctx, out)

	for err == nil && !done {
		select {
		case <-ctx.Done():
			return nil
		case <-keepalive.C:
			err = out.Emit(Event{Name: "ping", Data: map[string]any{"ts": s.now().UTC()}})
		case <-reconcile.C:
			done, err = s.tick(ctx, out)
		}
	}

	if ctx.Err() != nil {
		return nil
	}

	if err != nil {
		return err
	}

	s.setState(StateClosing)

	grace := time.NewTimer(s.cfg.GraceDelay)
	defer grace.Stop()

	select {
	case <-ctx.Done():
	case <-grace.C:
	}

	return nil
}

// tick runs one reconcile round and reports whether the stream is finished.
func (s *Stream) tick(ctx context.Context, out Emitter) (bool, error) {
	if s.State() != StateStreaming && s.State() != StateOpen {
		return true, nil
	}

	var (
		entries []jobs.StatusEvent
		job     *jobs.Job
		polled  *generation.TaskStatus
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error

		entries, err = s.log.ReadSince(gctx, s.jobID, s.lastSeq)

		return err
	})

	g.Go(func() error {
		var err error

		job, err = s.jobs.GetJob(gctx, s.jobID)
		if err != nil {
			return err
		}

		polled = s.poll(gctx, job)

		return nil
	})

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return true, nil
		}

		// Transient read failures are retried on the next tick.
		s.logger.Warn("Stream reconcile read failed", slog.String("error", err.Error()))

		return false, nil
	}

	done, err := s.emit(out, entries)
	if err != nil || done {
		return done, err
	}

	if polled != nil {
		if !s.reconcile(ctx, job, polled) {
			return false, nil
		}

		entries, err = s.log.ReadSince(ctx, s.jobID, s.lastSeq)
		if err != nil {
			s.logger.Warn("Stream re-read after reconcile failed", slog.String("error", err.Error()))
			return false, nil
		}

		return s.emit(out, entries)
	}

	// A subscriber that resumed after the terminal entry has nothing left to wait for.
	// Variant runs may still be going; their later entries are read by polling the variant.
	if job.State.IsTerminal() && s.lastSeq >= job.LastSeq {
		return true, nil
	}

	return false, nil
}

// poll asks the provider about a submitted, still-active job. It returns a terminal status
// only; everything else (including poll failures) returns nil.
func (s *Stream) poll(ctx context.Context, job *jobs.Job) *generation.TaskStatus {
	if s.poller == nil || job.ProviderTaskID == "" || job.State.IsTerminal() {
		return nil
	}

	status, err := s.poller.Status(ctx, job.ProviderTaskID)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Debug("Provider status poll failed", slog.String("error", err.Error()))
		}

		return nil
	}

	if !status.State.IsTerminal() {
		return nil
	}

	return status
}

// reconcile pushes a terminal provider status through the gateway. It reports whether the
// log may have changed.
func (s *Stream) reconcile(ctx context.Context, job *jobs.Job, status *generation.TaskStatus) bool {
	if s.reconciler == nil {
		return false
	}

	ev := gateway.CallbackEvent{
		ExternalTaskID: job.ProviderTaskID,
		Timestamp:      reconcileTimestamp,
		Message:        "reconciled from provider status",
	}

	switch status.State {
	case generation.TaskStateCompleted:
		ev.Type = gateway.EventKindCompleted
		ev.ArtifactURLs = status.ArtifactURLs
	case generation.TaskStateFailed:
		ev.Type = gateway.EventKindFailed
		if status.Error != nil {
			ev.Error = &gateway.CallbackError{Code: status.Error.Code, Message: status.Error.Message}
		}
	case generation.TaskStatePending, generation.TaskStateRunning, generation.TaskStateProcessing:
		return false
	}

	result, err := s.reconciler.Apply(ctx, ev)
	if err != nil {
		if errors.Is(err, gateway.ErrInvalidPayload) {
			s.logger.Warn("Provider status could not be reconciled",
				slog.String("provider_state", string(status.State)),
				slog.String("error", err.Error()),
			)
		}

		return false
	}

	s.logger.Info("Reconciled job from provider status",
		slog.String("provider_state", string(status.State)),
		slog.String("outcome", string(result.Outcome)),
	)

	return true
}

// emit writes entries in order and reports whether a terminal entry went out.
func (s *Stream) emit(out Emitter, entries []jobs.StatusEvent) (bool, error) {
	for _, entry := range entries {
		if entry.Seq <= s.lastSeq {
			continue
		}

		if err := out.Emit(toEvent(entry)); err != nil {
			return false, err
		}

		s.lastSeq = entry.Seq

		if entry.Kind.IsTerminal() {
			return true, nil
		}
	}

	return false, nil
}

func (s *Stream) setState(st State) {
	s.state.Store(int32(st))
}

func toEvent(entry jobs.StatusEvent) Event {
	ev := Event{ID: strconv.FormatInt(entry.Seq, 10), Name: string(entry.Kind)}

	switch entry.Kind {
	case jobs.StatusKindProgress:
		ev.Data = progressPayload{State: entry.State, Progress: entry.Progress, Message: entry.Message}
	case jobs.StatusKindCompleted:
		ev.Data = completedPayload{Artifacts: entry.Artifacts}
	case jobs.StatusKindFailed:
		ev.Data = failedPayload{Error: toErrorPayload(entry.Error)}
	case jobs.StatusKindVariant:
		ev.Data = toVariantPayload(entry.Variant)
	}

	return ev
}
