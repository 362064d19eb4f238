package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/genrelay-io/genrelay/internal/jobs"
)

// AppendStatus implements jobs.StatusLog.
//
// The UPDATE on jobs.last_seq takes the job row lock, so appends for one job serialize with
// each other and with ApplyTransition. updated_at is left alone: variant entries do not
// count as job progress for the stale-job sweep.
func (s *PostgresStore) AppendStatus(ctx context.Context, ev jobs.StatusEvent) (jobs.StatusEvent, error) {
	if !ev.Kind.IsValid() {
		return ev, fmt.Errorf("%w: unknown status kind %q", ErrJobStoreFailed, ev.Kind)
	}

	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now()
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`UPDATE jobs SET last_seq = last_seq + 1 WHERE job_id = $1 RETURNING last_seq`, ev.JobID,
		).Scan(&ev.Seq)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", jobs.ErrJobNotFound, ev.JobID)
		}

		if err != nil {
			return err
		}

		return insertStatus(ctx, tx, ev)
	})
	if err != nil {
		return ev, s.jobError("append status", ev.JobID, err)
	}

	return ev, nil
}

// ReadStatusSince implements jobs.StatusLog.
func (s *PostgresStore) ReadStatusSince(
	ctx context.Context,
	jobID string,
	lastSeq int64,
	limit int,
) ([]jobs.StatusEvent, error) {
	var limitArg sql.NullInt64
	if limit > 0 {
		limitArg = sql.NullInt64{Int64: int64(limit), Valid: true}
	}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT job_id, seq, kind, payload, created_at
		FROM status_events
		WHERE job_id = $1 AND seq > $2
		ORDER BY seq
		LIMIT $3`, jobID, lastSeq, limitArg)
	if err != nil {
		return nil, s.jobError("read status", jobID, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var events []jobs.StatusEvent

	for rows.Next() {
		var (
			ev      jobs.StatusEvent
			kind    string
			payload []byte
		)

		if err := rows.Scan(&ev.JobID, &ev.Seq, &kind, &payload, &ev.CreatedAt); err != nil {
			return nil, s.jobError("scan status", jobID, err)
		}

		ev.Kind = jobs.StatusKind(kind)

		if err := decodeStatus(&ev, payload); err != nil {
			return nil, s.jobError("decode status", jobID, err)
		}

		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, s.jobError("read status", jobID, err)
	}

	return events, nil
}

// PutDesignTokens implements jobs.DesignTokenStore. The first writer wins.
func (s *PostgresStore) PutDesignTokens(ctx context.Context, tokens *jobs.DesignTokens) (*jobs.DesignTokens, error) {
	raw, err := encodeTokens(tokens)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrJobStoreFailed, err)
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO design_tokens (job_id, tokens)
		VALUES ($1, $2)
		ON CONFLICT (job_id) DO NOTHING`, tokens.JobID, string(raw))
	if err != nil {
		return nil, s.jobError("put design tokens", tokens.JobID, err)
	}

	return s.GetDesignTokens(ctx, tokens.JobID)
}

// GetDesignTokens implements jobs.DesignTokenStore.
func (s *PostgresStore) GetDesignTokens(ctx context.Context, jobID string) (*jobs.DesignTokens, error) {
	var (
		raw    []byte
		stored = jobs.DesignTokens{JobID: jobID}
	)

	err := s.conn.QueryRowContext(ctx,
		`SELECT tokens, created_at FROM design_tokens WHERE job_id = $1`, jobID,
	).Scan(&raw, &stored.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", jobs.ErrDesignTokensNotFound, jobID)
	}

	if err != nil {
		return nil, s.jobError("get design tokens", jobID, err)
	}

	r, err := decodeTokens(raw)
	if err != nil {
		return nil, s.jobError("decode design tokens", jobID, err)
	}

	stored.Palette = r.Palette
	stored.Materials = r.Materials
	stored.Construction = r.Construction

	return &stored, nil
}
