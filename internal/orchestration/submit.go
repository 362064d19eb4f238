package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/genrelay-io/genrelay/internal/jobs"
	"github.com/genrelay-io/genrelay/internal/provider/generation"
)

// submitPrimary submits a queued job to the provider and records the task mapping.
//
// A transient failure is retried once at the fallback strictness. When the last try times
// out the job moves to timeout; any other failure moves it to failed with
// ErrorCodeSubmission.
func (s *Service) submitPrimary(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job for submission: %w", err)
	}

	if job.State != jobs.JobStateQueued {
		return nil
	}

	logger := s.logger.With(slog.String("job_id", jobID))
	strictness := []float64{s.cfg.Strictness, s.cfg.FallbackStrictness}

	var lastErr error

	for i, st := range strictness {
		result, err := s.provider.Submit(ctx, generation.SubmitRequest{
			RequestID:   jobID,
			Prompt:      job.Spec.Prompt,
			Style:       job.Spec.Style,
			Constraints: job.Spec.Constraints,
			Width:       job.Spec.Width,
			Height:      job.Spec.Height,
			Strictness:  st,
		})
		if err == nil {
			return s.recordSubmission(ctx, logger, jobID, result.TaskID)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		lastErr = err

		if !generation.IsRetryable(err) || i == len(strictness)-1 {
			break
		}

		logger.Warn("Submission failed, retrying at fallback strictness",
			slog.Float64("strictness", strictness[i+1]),
			slog.String("error", err.Error()))
	}

	to, code := jobs.JobStateFailed, jobs.ErrorCodeSubmission
	if generation.IsTimeout(lastErr) {
		to, code = jobs.JobStateTimeout, jobs.ErrorCodeTimeout
	}

	logger.Error("Submission failed",
		slog.String("state", string(to)),
		slog.String("error", lastErr.Error()))

	if _, err := s.transition(ctx, jobs.Transition{
		JobID:   jobID,
		To:      to,
		Message: "submission failed",
		Error:   jobs.NewJobError(code, lastErr),
	}); err != nil && !isStateMachineRejection(err) {
		return fmt.Errorf("record submission failure: %w", err)
	}

	return nil
}

func (s *Service) recordSubmission(ctx context.Context, logger *slog.Logger, jobID, taskID string) error {
	applied, err := s.store.RecordSubmission(ctx, jobID, taskID)
	if err != nil {
		if isStateMachineRejection(err) {
			// The job reached a terminal state (sweeper) while the provider was answering.
			logger.Warn("Submission arrived for a job that already left queued",
				slog.String("provider_task_id", taskID))

			return nil
		}

		return &jobs.JobError{Code: jobs.ErrorCodeSubmission, Message: "record submission: " + err.Error()}
	}

	logger.Info("Job submitted",
		slog.String("provider_task_id", taskID),
		slog.Bool("applied", applied))

	return nil
}

func isStateMachineRejection(err error) bool {
	return errors.Is(err, jobs.ErrTerminalStateImmutable) ||
		errors.Is(err, jobs.ErrBackwardTransition) ||
		errors.Is(err, jobs.ErrInvalidTransition)
}
