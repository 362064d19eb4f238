package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/genrelay-io/genrelay/internal/jobs"
)

const variantColumns = `job_id, variant_type, status, artifact_url, tries,
	view_confidence, similarity_score, degraded, error, updated_at`

// ClaimVariant implements jobs.VariantStore.
//
// The claim is a compare-and-set on status: only pending, failed, or lease-expired
// generating rows are reset to generating. Concurrent claimers of the same (job, view)
// see exactly one claimed=true.
func (s *PostgresStore) ClaimVariant(
	ctx context.Context,
	jobID string,
	view jobs.View,
	lease time.Duration,
) (*jobs.Variant, bool, error) {
	v, err := scanVariant(s.conn.QueryRowContext(ctx, `
		INSERT INTO variants (job_id, variant_type, status)
		VALUES ($1, $2, 'generating')
		ON CONFLICT (job_id, variant_type) DO UPDATE
			SET status = 'generating',
			    artifact_url = NULL,
			    tries = 0,
			    view_confidence = 0,
			    similarity_score = 0,
			    degraded = FALSE,
			    error = NULL,
			    updated_at = NOW()
			WHERE variants.status IN ('pending', 'failed')
			   OR (variants.status = 'generating' AND variants.updated_at < NOW() - make_interval(secs => $3))
		RETURNING `+variantColumns,
		jobID, string(view), lease.Seconds()))

	switch {
	case err == nil:
		return v, true, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, false, s.jobError("claim variant", jobID, err)
	}

	current, err := s.GetVariant(ctx, jobID, view)
	if err != nil {
		return nil, false, err
	}

	return current, false, nil
}

// UpsertVariant implements jobs.VariantStore.
// A completed row is never overwritten by a non-completed one.
func (s *PostgresStore) UpsertVariant(ctx context.Context, v *jobs.Variant) error {
	errRaw, err := encodeError(v.Error)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrJobStoreFailed, err)
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO variants (job_id, variant_type, status, artifact_url, tries,
		                      view_confidence, similarity_score, degraded, error, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (job_id, variant_type) DO UPDATE
			SET status = EXCLUDED.status,
			    artifact_url = EXCLUDED.artifact_url,
			    tries = EXCLUDED.tries,
			    view_confidence = EXCLUDED.view_confidence,
			    similarity_score = EXCLUDED.similarity_score,
			    degraded = EXCLUDED.degraded,
			    error = EXCLUDED.error,
			    updated_at = NOW()
			WHERE variants.status <> 'completed' OR EXCLUDED.status = 'completed'`,
		v.JobID, string(v.View), string(v.Status), v.ArtifactURL, v.Tries,
		v.ViewConfidence, v.SimilarityScore, v.Degraded, errRaw,
	)
	if err != nil {
		return s.jobError("upsert variant", v.JobID, err)
	}

	return nil
}

// GetVariant implements jobs.VariantStore.
func (s *PostgresStore) GetVariant(ctx context.Context, jobID string, view jobs.View) (*jobs.Variant, error) {
	v, err := scanVariant(s.conn.QueryRowContext(ctx,
		`SELECT `+variantColumns+` FROM variants WHERE job_id = $1 AND variant_type = $2`,
		jobID, string(view)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", jobs.ErrVariantNotFound, jobID, view)
	}

	if err != nil {
		return nil, s.jobError("get variant", jobID, err)
	}

	return v, nil
}

// ListVariants implements jobs.VariantStore.
func (s *PostgresStore) ListVariants(ctx context.Context, jobID string) ([]*jobs.Variant, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+variantColumns+` FROM variants WHERE job_id = $1 ORDER BY variant_type`, jobID)
	if err != nil {
		return nil, s.jobError("list variants", jobID, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var variants []*jobs.Variant

	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, s.jobError("scan variant", jobID, err)
		}

		variants = append(variants, v)
	}

	if err := rows.Err(); err != nil {
		return nil, s.jobError("list variants", jobID, err)
	}

	return variants, nil
}

func scanVariant(row rowScanner) (*jobs.Variant, error) {
	var (
		v           jobs.Variant
		view        string
		status      string
		artifactURL sql.NullString
		errRaw      []byte
	)

	err := row.Scan(
		&v.JobID, &view, &status, &artifactURL, &v.Tries,
		&v.ViewConfidence, &v.SimilarityScore, &v.Degraded, &errRaw, &v.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	v.View = jobs.View(view)
	v.Status = jobs.VariantStatus(status)
	v.ArtifactURL = artifactURL.String

	if v.Error, err = decodeError(errRaw); err != nil {
		return nil, err
	}

	return &v, nil
}
