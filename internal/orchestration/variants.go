package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/genrelay-io/genrelay/internal/attempts"
	"github.com/genrelay-io/genrelay/internal/jobs"
	"github.com/genrelay-io/genrelay/internal/provider/vision"
)

// ErrNoPrimaryArtifact is returned when a completed job carries no artifact to derive from.
var ErrNoPrimaryArtifact = errors.New("job has no primary artifact")

// RequestVariant starts generating view for a completed job.
//
// Concurrent requests for the same view attach to one run: only the request that wins
// ClaimVariant starts the attempt loop. started reports whether this call started it; a
// completed variant is returned as is.
func (s *Service) RequestVariant(
	ctx context.Context,
	callerID, jobID string,
	view jobs.View,
) (variant *jobs.Variant, started bool, err error) {
	if !view.IsValid() {
		return nil, false, fmt.Errorf("%w: unknown view %q", ErrInvalidRequest, view)
	}

	job, err := s.ownedJob(ctx, callerID, jobID)
	if err != nil {
		return nil, false, err
	}

	if job.State != jobs.JobStateCompleted {
		return nil, false, fmt.Errorf("%w: %s is %s", ErrJobNotCompleted, jobID, job.State)
	}

	variant, claimed, err := s.store.ClaimVariant(ctx, jobID, view, s.cfg.VariantLease)
	if err != nil {
		return nil, false, fmt.Errorf("claim variant %s/%s: %w", jobID, view, err)
	}

	if !claimed {
		return variant, false, nil
	}

	if err := s.runner.Go(jobID, "variant "+string(view), func(ctx context.Context) error {
		return s.runVariant(ctx, job, view)
	}); err != nil {
		return nil, false, fmt.Errorf("start variant %s/%s: %w", jobID, view, err)
	}

	return variant, true, nil
}

// GetVariant returns the current variant row for polling.
func (s *Service) GetVariant(ctx context.Context, callerID, jobID string, view jobs.View) (*jobs.Variant, error) {
	if !view.IsValid() {
		return nil, fmt.Errorf("%w: unknown view %q", ErrInvalidRequest, view)
	}

	if _, err := s.ownedJob(ctx, callerID, jobID); err != nil {
		return nil, err
	}

	variant, err := s.store.GetVariant(ctx, jobID, view)
	if err != nil {
		return nil, fmt.Errorf("get variant %s/%s: %w", jobID, view, err)
	}

	return variant, nil
}

// runVariant is the supervised body of a variant run. Rejections and provider failures are
// recorded on the variant by the controller and are not task failures.
func (s *Service) runVariant(ctx context.Context, job *jobs.Job, view jobs.View) error {
	logger := s.logger.With(slog.String("job_id", job.ID), slog.String("view", string(view)))

	tokens, err := s.designTokens(ctx, job)
	if err != nil {
		s.failVariant(ctx, logger, job.ID, view, err)

		return fmt.Errorf("design tokens for %s: %w", job.ID, err)
	}

	outcome, err := s.variants.RunAttempts(ctx, attempts.Request{
		JobID: job.ID,
		Spec:  job.Spec,
		View:  view,
		Reference: vision.Tokens{
			Palette:      tokens.Palette,
			Materials:    tokens.Materials,
			Construction: tokens.Construction,
		},
		ReferenceURL: job.ResultArtifacts[0],
	})

	switch {
	case err == nil:
		logger.Info("Variant completed",
			slog.Int("attempts", outcome.AttemptsUsed),
			slog.Bool("degraded", outcome.Degraded))

		return nil
	case errors.Is(err, attempts.ErrBudgetExhausted), errors.Is(err, attempts.ErrAttemptFailed):
		logger.Warn("Variant failed", slog.String("error", err.Error()))

		return nil
	default:
		s.failVariant(ctx, logger, job.ID, view, err)

		return fmt.Errorf("variant %s/%s: %w", job.ID, view, err)
	}
}

// designTokens returns the job's reference tokens, extracting them from the first result
// artifact on first use. Concurrent extractions race benignly: the first stored set wins.
func (s *Service) designTokens(ctx context.Context, job *jobs.Job) (*jobs.DesignTokens, error) {
	tokens, err := s.store.GetDesignTokens(ctx, job.ID)
	if err == nil {
		return tokens, nil
	}

	if !errors.Is(err, jobs.ErrDesignTokensNotFound) {
		return nil, err
	}

	if len(job.ResultArtifacts) == 0 {
		return nil, ErrNoPrimaryArtifact
	}

	data, contentType, err := s.fetcher.Fetch(ctx, job.ResultArtifacts[0])
	if err != nil {
		return nil, fmt.Errorf("fetch primary artifact: %w", err)
	}

	extracted, err := s.extractor.ExtractTokens(ctx, vision.Image{Data: data, MIMEType: contentType})
	if err != nil {
		return nil, fmt.Errorf("extract design tokens: %w", err)
	}

	return s.store.PutDesignTokens(ctx, &jobs.DesignTokens{
		JobID:        job.ID,
		Palette:      extracted.Palette,
		Materials:    extracted.Materials,
		Construction: extracted.Construction,
	})
}

func (s *Service) failVariant(ctx context.Context, logger *slog.Logger, jobID string, view jobs.View, cause error) {
	variant := &jobs.Variant{
		JobID:     jobID,
		View:      view,
		Status:    jobs.VariantStatusFailed,
		Error:     jobs.NewJobError(jobs.ErrorCodeInternal, cause),
		UpdatedAt: s.now().UTC(),
	}

	if err := s.store.UpsertVariant(ctx, variant); err != nil {
		logger.Error("Failed to store variant failure", slog.String("error", err.Error()))

		return
	}

	ev, err := s.store.AppendStatus(ctx, jobs.NewVariantEvent(variant))
	if err != nil {
		logger.Warn("Failed to append variant failure", slog.String("error", err.Error()))

		return
	}

	if s.announcer != nil {
		s.announcer.Announce(ctx, ev)
	}
}
