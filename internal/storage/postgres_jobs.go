package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/genrelay-io/genrelay/internal/jobs"
)

// CreateJob implements jobs.JobStore. An existing job_id is left untouched.
func (s *PostgresStore) CreateJob(ctx context.Context, job *jobs.Job) (bool, error) {
	if job == nil || job.ID == "" {
		return false, fmt.Errorf("%w: job id is required", ErrJobStoreFailed)
	}

	specRaw, err := encodeSpec(job.Spec)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrJobStoreFailed, err)
	}

	state := job.State
	if state == "" {
		state = jobs.JobStateQueued
	}

	err = s.conn.QueryRowContext(ctx, `
		INSERT INTO jobs (job_id, caller_id, state, spec)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (job_id) DO NOTHING
		RETURNING created_at, updated_at`,
		job.ID, job.CallerID, string(state), string(specRaw),
	).Scan(&job.CreatedAt, &job.UpdatedAt)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, s.jobError("create job", job.ID, err)
	}

	job.State = state

	s.logger.Info("job created",
		slog.String("job_id", job.ID),
		slog.String("caller_id", job.CallerID),
	)

	return true, nil
}

// GetJob implements jobs.JobStore.
func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*jobs.Job, error) {
	job, err := scanJob(s.conn.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", jobs.ErrJobNotFound, jobID)
	}

	if err != nil {
		return nil, s.jobError("get job", jobID, err)
	}

	return job, nil
}

// RecordSubmission implements jobs.JobStore.
//
// The task mapping, the job's provider_task_id and the submitted state commit together.
// Recording the same (job, task) pair twice is a no-op.
func (s *PostgresStore) RecordSubmission(
	ctx context.Context,
	jobID, providerTaskID string,
) (bool, error) {
	if providerTaskID == "" {
		return false, fmt.Errorf("%w: provider task id is required", ErrJobStoreFailed)
	}

	var applied bool

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		job, err := lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}

		if job.ProviderTaskID == providerTaskID {
			return nil
		}

		next, _, ok, err := jobs.PlanTransition(*job, jobs.Transition{
			JobID: jobID,
			To:    jobs.JobStateSubmitted,
		}, s.now())
		if err != nil || !ok {
			return err
		}

		result, err := tx.ExecContext(ctx, `
			INSERT INTO task_mapping (provider_task_id, job_id)
			VALUES ($1, $2)
			ON CONFLICT (provider_task_id) DO NOTHING`, providerTaskID, jobID)
		if err != nil {
			return err
		}

		if n, _ := result.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", jobs.ErrTaskAlreadyMapped, providerTaskID)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET state = $2, provider_task_id = $3, updated_at = $4
			WHERE job_id = $1`,
			jobID, string(next.State), providerTaskID, next.UpdatedAt,
		); err != nil {
			return err
		}

		applied = true

		return nil
	})
	if err != nil {
		return false, s.jobError("record submission", jobID, err)
	}

	return applied, nil
}

// ApplyTransition implements jobs.JobStore.
func (s *PostgresStore) ApplyTransition(ctx context.Context, t jobs.Transition) (jobs.StatusEvent, bool, error) {
	var (
		event   jobs.StatusEvent
		applied bool
	)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		job, err := lockJob(ctx, tx, t.JobID)
		if err != nil {
			return err
		}

		next, ev, ok, err := jobs.PlanTransition(*job, t, s.now())
		if err != nil || !ok {
			return err
		}

		if event, err = persistTransition(ctx, tx, &next, ev); err != nil {
			return err
		}

		applied = true

		return nil
	})
	if err != nil {
		return jobs.StatusEvent{}, false, s.jobError("apply transition", t.JobID, err)
	}

	if applied {
		s.logger.Debug("job transitioned",
			slog.String("job_id", t.JobID),
			slog.String("state", string(event.State)),
			slog.Int("progress", event.Progress),
			slog.Int64("seq", event.Seq),
		)
	}

	return event, applied, nil
}

// ListStaleJobs implements jobs.JobStore.
func (s *PostgresStore) ListStaleJobs(ctx context.Context, before time.Time, limit int) ([]*jobs.Job, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE state NOT IN ('completed', 'failed', 'timeout')
		  AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, s.jobError("list stale jobs", "", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var stale []*jobs.Job

	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, s.jobError("scan stale job", "", err)
		}

		stale = append(stale, job)
	}

	if err := rows.Err(); err != nil {
		return nil, s.jobError("list stale jobs", "", err)
	}

	return stale, nil
}

// ResolveTask implements jobs.TaskMappings.
func (s *PostgresStore) ResolveTask(ctx context.Context, providerTaskID string) (string, error) {
	var jobID string

	err := s.conn.QueryRowContext(ctx,
		`SELECT job_id FROM task_mapping WHERE provider_task_id = $1`, providerTaskID,
	).Scan(&jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", jobs.ErrTaskNotMapped, providerTaskID)
	}

	if err != nil {
		return "", s.jobError("resolve task", providerTaskID, err)
	}

	return jobID, nil
}

func lockJob(ctx context.Context, tx *sql.Tx, jobID string) (*jobs.Job, error) {
	job, err := scanJob(tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_id = $1 FOR UPDATE`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", jobs.ErrJobNotFound, jobID)
	}

	return job, err
}

// persistTransition writes the planned job row, takes the next sequence number, and appends ev.
// The caller must hold the row lock.
func persistTransition(
	ctx context.Context,
	tx *sql.Tx,
	next *jobs.Job,
	ev jobs.StatusEvent,
) (jobs.StatusEvent, error) {
	artifacts, err := encodeArtifacts(next.ResultArtifacts)
	if err != nil {
		return ev, err
	}

	errRaw, err := encodeError(next.Error)
	if err != nil {
		return ev, err
	}

	err = tx.QueryRowContext(ctx, `
		UPDATE jobs
		SET state = $2,
		    provider_task_id = NULLIF($3, ''),
		    progress = $4,
		    result_artifacts = $5,
		    error = $6,
		    last_seq = last_seq + 1,
		    updated_at = $7
		WHERE job_id = $1
		RETURNING last_seq`,
		next.ID, string(next.State), next.ProviderTaskID, next.Progress,
		string(artifacts), errRaw, next.UpdatedAt,
	).Scan(&ev.Seq)
	if err != nil {
		return ev, err
	}

	return ev, insertStatus(ctx, tx, ev)
}

func insertStatus(ctx context.Context, tx *sql.Tx, ev jobs.StatusEvent) error {
	payload, err := encodeStatus(ev)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO status_events (job_id, seq, kind, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		ev.JobID, ev.Seq, string(ev.Kind), string(payload), ev.CreatedAt)

	return err
}

// jobError keeps domain sentinels visible to errors.Is and maps database guard
// violations back onto them.
func (s *PostgresStore) jobError(op, id string, err error) error {
	switch {
	case errors.Is(err, jobs.ErrJobNotFound),
		errors.Is(err, jobs.ErrTaskAlreadyMapped),
		errors.Is(err, jobs.ErrTerminalStateImmutable),
		errors.Is(err, jobs.ErrInvalidTransition),
		errors.Is(err, jobs.ErrBackwardTransition),
		errors.Is(err, jobs.ErrUnknownState),
		errors.Is(err, jobs.ErrInvalidProgress):
		return err
	}

	switch pqCode(err) {
	case pqForeignKeyViolation:
		return fmt.Errorf("%w: %s", jobs.ErrJobNotFound, id)
	case pqCheckViolation:
		return fmt.Errorf("%w: %s: %w", jobs.ErrTerminalStateImmutable, id, err)
	}

	if isDatabaseConnectionError(err) {
		s.logger.Error("database connection lost",
			slog.String("operation", op),
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
	}

	return fmt.Errorf("%w: %s %s: %w", ErrJobStoreFailed, op, id, err)
}
