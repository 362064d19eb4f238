package orchestration

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/genrelay-io/genrelay/internal/jobs"
)

// Sweep moves jobs that stayed non-terminal past the deadline to timeout and returns how
// many it moved. A job that finished concurrently is skipped by the state machine.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().Add(-s.cfg.JobDeadline)

	stale, err := s.store.ListStaleJobs(ctx, cutoff, s.cfg.SweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale jobs: %w", err)
	}

	swept := 0

	for _, job := range stale {
		applied, err := s.transition(ctx, jobs.Transition{
			JobID:   job.ID,
			To:      jobs.JobStateTimeout,
			Message: "deadline exceeded",
			Error: &jobs.JobError{
				Code:    jobs.ErrorCodeTimeout,
				Message: fmt.Sprintf("no terminal update within %s", s.cfg.JobDeadline),
			},
		})
		if err != nil {
			if isStateMachineRejection(err) {
				continue
			}

			return swept, fmt.Errorf("time out job %s: %w", job.ID, err)
		}

		if applied {
			swept++

			s.logger.Warn("Job timed out",
				slog.String("job_id", job.ID),
				slog.String("state", string(job.State)),
				slog.Time("updated_at", job.UpdatedAt))
		}
	}

	return swept, nil
}

// RunSweeper sweeps every SweepInterval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("Stale job sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// StartSweeper runs the sweeper as a supervised task.
func (s *Service) StartSweeper() error {
	return s.runner.Go("", "sweeper", s.RunSweeper)
}
