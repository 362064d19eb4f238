package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/genrelay-io/genrelay/internal/jobs"
)

// Claim implements jobs.Ledger.
//
// A single INSERT ... ON CONFLICT either creates the ledger row or, for an unprocessed row
// whose claim is older than the lease, refreshes claimed_at. Either way the statement returns
// the row and the caller owns the event. When nothing is returned the row exists and is either
// processed or held by a live claim.
func (s *PostgresStore) Claim(ctx context.Context, eventID string, payload []byte) (jobs.ClaimOutcome, error) {
	const claimQuery = `
		INSERT INTO idempotency_ledger (event_id, payload)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO UPDATE
			SET claimed_at = NOW()
			WHERE NOT idempotency_ledger.processed
			  AND idempotency_ledger.claimed_at < NOW() - make_interval(secs => $3)
		RETURNING event_id`

	var claimed string

	err := s.conn.QueryRowContext(ctx, claimQuery, eventID, nullJSON(payload), s.claimLease.Seconds()).Scan(&claimed)
	if err == nil {
		return jobs.ClaimClaimed, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return jobs.ClaimInFlight, s.ledgerError("claim", eventID, err)
	}

	var processed bool

	err = s.conn.QueryRowContext(ctx,
		`SELECT processed FROM idempotency_ledger WHERE event_id = $1`, eventID,
	).Scan(&processed)
	if err != nil {
		return jobs.ClaimInFlight, s.ledgerError("claim lookup", eventID, err)
	}

	if processed {
		return jobs.ClaimAlreadyProcessed, nil
	}

	return jobs.ClaimInFlight, nil
}

// MarkProcessed implements jobs.Ledger. Marking an already processed event is a no-op.
func (s *PostgresStore) MarkProcessed(ctx context.Context, eventID string) error {
	result, err := s.conn.ExecContext(ctx, `
		UPDATE idempotency_ledger
		SET processed = TRUE, processed_at = NOW()
		WHERE event_id = $1 AND NOT processed`, eventID)
	if err != nil {
		return s.ledgerError("mark processed", eventID, err)
	}

	if n, _ := result.RowsAffected(); n == 1 {
		return nil
	}

	var exists bool

	err = s.conn.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM idempotency_ledger WHERE event_id = $1)`, eventID,
	).Scan(&exists)
	if err != nil {
		return s.ledgerError("mark processed lookup", eventID, err)
	}

	if !exists {
		return fmt.Errorf("%w: %s", jobs.ErrEventNotClaimed, eventID)
	}

	return nil
}

func (s *PostgresStore) ledgerError(op, eventID string, err error) error {
	if isDatabaseConnectionError(err) {
		s.logger.Error("database connection lost",
			slog.String("operation", op),
			slog.String("event_id", eventID),
			slog.String("error", err.Error()),
		)
	}

	return fmt.Errorf("%w: %s %s: %w", ErrLedgerFailed, op, eventID, err)
}
