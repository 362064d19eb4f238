// Package gateway ingests provider callbacks and turns them into job transitions.
//
// Ingest never fails toward the transport except for permanent rejections (bad signature,
// invalid payload), which happen before any state is touched. Duplicate deliveries are
// absorbed by the idempotency ledger; out-of-order ones by the job state machine. Apply is the
// shared path for verified callbacks and for transitions synthesized by reconciliation.
//
// Applying an event runs detached from the caller's context and under its own deadline, so a
// provider that hangs up mid-request cannot leave a claimed event half applied.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/genrelay-io/genrelay/internal/jobs"
	"github.com/genrelay-io/genrelay/internal/sink"
	"github.com/genrelay-io/genrelay/internal/supervisor"
)

// Outcome describes what an ingested event did.
type Outcome string

// Ingestion outcomes.
const (
	OutcomeApplied   Outcome = "applied"
	OutcomeNoop      Outcome = "noop"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeInFlight  Outcome = "in_flight"
	OutcomeUnmapped  Outcome = "unmapped"
	OutcomeFailed    Outcome = "failed"

	// OutcomeAccepted means the event is still being applied in the background.
	OutcomeAccepted Outcome = "accepted"
)

// Result is the outcome of one ingested event.
type Result struct {
	EventID string
	JobID   string
	Outcome Outcome
	Event   *jobs.StatusEvent
}

// ArtifactPersister copies provider-hosted artifacts to durable storage.
type ArtifactPersister interface {
	PersistURL(ctx context.Context, jobID, name, sourceURL string) (string, error)
}

// Announcer fans out status entries that a job transition already appended.
type Announcer interface {
	Announce(ctx context.Context, ev jobs.StatusEvent)
}

// Runner starts supervised background work.
type Runner interface {
	Go(jobID, name string, task supervisor.Task) error
}

// Gateway is the event ingestion gateway.
type Gateway struct {
	ledger    jobs.Ledger
	jobs      jobs.JobStore
	mappings  jobs.TaskMappings
	persister ArtifactPersister
	announcer Announcer
	sink      sink.Sink
	verifier  *Verifier
	runner    Runner
	logger    *slog.Logger

	ackWait      time.Duration
	applyTimeout time.Duration
}

// Deps are the collaborators of a Gateway.
type Deps struct {
	Ledger    jobs.Ledger
	Jobs      jobs.JobStore
	Mappings  jobs.TaskMappings
	Persister ArtifactPersister
	Announcer Announcer
	Sink      sink.Sink
	Verifier  *Verifier
	Runner    Runner
	Logger    *slog.Logger

	// AckWait is how long Ingest waits for the apply before answering OutcomeAccepted.
	// Zero waits for the apply to finish.
	AckWait time.Duration

	// ApplyTimeout bounds one apply. Non-positive uses the default.
	ApplyTimeout time.Duration
}

// New creates a Gateway. Sink, Announcer, Runner and Logger are optional; without a Runner
// every apply runs inline.
func New(d Deps) *Gateway {
	if d.Sink == nil {
		d.Sink = sink.Nop{}
	}

	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	if d.ApplyTimeout <= 0 {
		d.ApplyTimeout = defaultApplyTimeout
	}

	return &Gateway{
		ledger:       d.Ledger,
		jobs:         d.Jobs,
		mappings:     d.Mappings,
		persister:    d.Persister,
		announcer:    d.Announcer,
		sink:         d.Sink,
		verifier:     d.Verifier,
		runner:       d.Runner,
		logger:       d.Logger,
		ackWait:      max(d.AckWait, 0),
		applyTimeout: d.ApplyTimeout,
	}
}

// Ingest verifies, parses and applies a raw callback. The only errors are permanent
// rejections: ErrInvalidSignature (and its siblings) or ErrInvalidPayload.
func (g *Gateway) Ingest(ctx context.Context, raw []byte, headers http.Header) (Result, error) {
	if err := g.verifier.Verify(headers, raw); err != nil {
		g.reject(ctx, "callback signature rejected", err)
		return Result{}, err
	}

	ev, err := ParseCallback(raw)
	if err != nil {
		g.reject(ctx, "callback payload rejected", err)
		return Result{}, err
	}

	return g.dispatch(ctx, ev, raw), nil
}

// Apply runs a callback that needs no signature check, such as a transition synthesized from
// a provider poll. Only validation errors are returned.
func (g *Gateway) Apply(ctx context.Context, ev CallbackEvent) (Result, error) {
	if err := ev.Validate(); err != nil {
		return Result{}, err
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	applyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.applyTimeout)
	defer cancel()

	return g.apply(applyCtx, &ev, payload), nil
}

// dispatch hands the apply to the runner and waits up to ackWait for its result. A slower
// apply keeps going in the background and the event is reported as accepted.
func (g *Gateway) dispatch(ctx context.Context, ev *CallbackEvent, payload []byte) Result {
	eventID := DeriveEventID(ev)
	done := make(chan Result, 1)

	task := func(taskCtx context.Context) error {
		result := Result{EventID: eventID, Outcome: OutcomeFailed}
		defer func() { done <- result }()

		applyCtx, cancel := context.WithTimeout(taskCtx, g.applyTimeout)
		defer cancel()

		result = g.apply(applyCtx, ev, payload)

		return nil
	}

	if g.runner == nil {
		_ = task(context.WithoutCancel(ctx))

		return <-done
	}

	if err := g.runner.Go("", "apply callback "+eventID, task); err != nil {
		g.logger.Warn("Applying callback inline", slog.String("event_id", eventID), slog.String("error", err.Error()))

		_ = task(context.WithoutCancel(ctx))

		return <-done
	}

	if g.ackWait == 0 {
		return <-done
	}

	timer := time.NewTimer(g.ackWait)
	defer timer.Stop()

	select {
	case result := <-done:
		return result
	case <-timer.C:
	case <-ctx.Done():
	}

	g.logger.Info("Callback accepted, apply continues in background",
		slog.String("event_id", eventID),
		slog.String("external_task_id", ev.ExternalTaskID),
	)

	return Result{EventID: eventID, Outcome: OutcomeAccepted}
}

func (g *Gateway) apply(ctx context.Context, ev *CallbackEvent, payload []byte) Result {
	result := Result{EventID: DeriveEventID(ev)}
	logger := g.logger.With(
		slog.String("event_id", result.EventID),
		slog.String("external_task_id", ev.ExternalTaskID),
		slog.String("type", string(ev.Type)),
	)

	outcome, err := g.ledger.Claim(ctx, result.EventID, payload)
	if err != nil {
		logger.Error("Failed to claim callback event", slog.String("error", err.Error()))

		result.Outcome = OutcomeFailed

		return result
	}

	switch outcome {
	case jobs.ClaimAlreadyProcessed:
		logger.Debug("Duplicate callback event ignored")

		result.Outcome = OutcomeDuplicate

		return result
	case jobs.ClaimInFlight:
		logger.Debug("Callback event already being processed")

		result.Outcome = OutcomeInFlight

		return result
	case jobs.ClaimClaimed:
	}

	jobID, err := g.mappings.ResolveTask(ctx, ev.ExternalTaskID)
	if err != nil {
		if !errors.Is(err, jobs.ErrTaskNotMapped) {
			logger.Error("Failed to resolve provider task", slog.String("error", err.Error()))

			result.Outcome = OutcomeFailed

			return result
		}

		logger.Warn("Callback for unknown provider task dropped")
		g.publish(ctx, sink.Event{
			Kind:    sink.KindUnmappedTask,
			Message: "callback for unknown provider task dropped",
			Attrs: map[string]string{
				"event_id":         result.EventID,
				"external_task_id": ev.ExternalTaskID,
				"type":             string(ev.Type),
			},
		})

		result.Outcome = OutcomeUnmapped
		g.markProcessed(ctx, logger, result.EventID)

		return result
	}

	result.JobID = jobID
	logger = logger.With(slog.String("job_id", jobID))

	status, applied, err := g.transition(ctx, jobID, ev)

	switch {
	case err == nil && applied:
		result.Outcome = OutcomeApplied
		result.Event = &status

		if g.announcer != nil {
			g.announcer.Announce(ctx, status)
		}

		logger.Info("Callback applied",
			slog.String("state", string(status.State)),
			slog.Int64("seq", status.Seq),
		)
	case err == nil, isStateMachineRejection(err):
		result.Outcome = OutcomeNoop

		if err != nil {
			logger.Info("Callback ignored by job state machine", slog.String("reason", err.Error()))
		}
	default:
		// Leave the claim unprocessed so a redelivery can retry once the lease expires.
		logger.Error("Failed to apply callback", slog.String("error", err.Error()))

		result.Outcome = OutcomeFailed

		return result
	}

	g.markProcessed(ctx, logger, result.EventID)

	return result
}

func (g *Gateway) transition(ctx context.Context, jobID string, ev *CallbackEvent) (jobs.StatusEvent, bool, error) {
	t := jobs.Transition{JobID: jobID, Progress: ev.Progress, Message: ev.Message}

	switch ev.Type {
	case EventKindProgress:
		t.To = jobs.JobStateGenerating
		if ev.Status == string(jobs.JobStateProcessing) {
			t.To = jobs.JobStateProcessing
		}
	case EventKindCompleted:
		job, err := g.jobs.GetJob(ctx, jobID)
		if err != nil {
			return jobs.StatusEvent{}, false, err
		}

		// Skip the artifact copy for a job that is already done.
		if job.State.IsTerminal() {
			return jobs.StatusEvent{}, false, nil
		}

		t.To = jobs.JobStateCompleted
		t.Artifacts = g.persistArtifacts(ctx, jobID, ev.ArtifactURLs)
	case EventKindFailed:
		t.To = jobs.JobStateFailed
		t.Error = &jobs.JobError{Code: jobs.ErrorCodeProvider, Message: "generation failed"}

		if ev.Error != nil {
			if ev.Error.Code != "" {
				t.Error.Code = ev.Error.Code
			}

			if ev.Error.Message != "" {
				t.Error.Message = ev.Error.Message
			}
		}
	}

	return g.jobs.ApplyTransition(ctx, t)
}

// persistArtifacts copies each artifact to durable storage. An artifact that cannot be copied
// keeps its provider URL and the failure goes to the sink.
func (g *Gateway) persistArtifacts(ctx context.Context, jobID string, urls []string) []string {
	out := make([]string, len(urls))

	for i, src := range urls {
		out[i] = src

		if g.persister == nil {
			continue
		}

		durable, err := g.persister.PersistURL(ctx, jobID, fmt.Sprintf("primary-%d", i), src)
		if err != nil {
			g.logger.Warn("Failed to persist artifact, keeping provider URL",
				slog.String("job_id", jobID),
				slog.String("source_url", src),
				slog.String("error", err.Error()),
			)
			g.publish(ctx, sink.Event{
				Kind:    sink.KindPersistFailed,
				JobID:   jobID,
				Message: "artifact persist failed",
				Attrs:   map[string]string{"source_url": src, "error": err.Error()},
			})

			continue
		}

		out[i] = durable
	}

	return out
}

func (g *Gateway) markProcessed(ctx context.Context, logger *slog.Logger, eventID string) {
	if err := g.ledger.MarkProcessed(ctx, eventID); err != nil {
		logger.Error("Failed to mark callback event processed", slog.String("error", err.Error()))
	}
}

func (g *Gateway) reject(ctx context.Context, msg string, err error) {
	g.logger.Warn(msg, slog.String("error", err.Error()))
	g.publish(ctx, sink.Event{
		Kind:    sink.KindRejectedPayload,
		Message: msg,
		Attrs:   map[string]string{"error": err.Error()},
	})
}

func (g *Gateway) publish(ctx context.Context, ev sink.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	if err := g.sink.Publish(ctx, ev); err != nil {
		g.logger.Warn("Failed to publish sink event",
			slog.String("sink_kind", string(ev.Kind)),
			slog.String("error", err.Error()),
		)
	}
}

func isStateMachineRejection(err error) bool {
	return errors.Is(err, jobs.ErrTerminalStateImmutable) ||
		errors.Is(err, jobs.ErrInvalidTransition) ||
		errors.Is(err, jobs.ErrBackwardTransition)
}
