package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/genrelay-io/genrelay/internal/config"
	"github.com/genrelay-io/genrelay/internal/jobs"
)

// PostgreSQL error codes the store reacts to.
const (
	pqForeignKeyViolation = "23503"
	pqCheckViolation      = "23514"
)

var (
	// ErrJobStoreFailed is returned when a job store operation fails.
	ErrJobStoreFailed = errors.New("job store operation failed")

	// ErrLedgerFailed is returned when an idempotency ledger operation fails.
	ErrLedgerFailed = errors.New("idempotency ledger operation failed")

	// PostgresStore implements every persistence interface of the pipeline.
	_ jobs.Store = (*PostgresStore)(nil)
)

const jobColumns = `job_id, caller_id, state, provider_task_id, progress,
	result_artifacts, error, spec, last_seq, created_at, updated_at`

type (
	// PostgresStore implements jobs.Store with a PostgreSQL backend.
	//
	//   - Ledger claims are single INSERT ... ON CONFLICT statements keyed by event_id.
	//   - Job transitions lock the row with SELECT ... FOR UPDATE, plan the change with
	//     jobs.PlanTransition, and append the status entry in the same transaction.
	//   - Status sequence numbers come from jobs.last_seq, so they are dense per job.
	//   - Variants are upserted by (job_id, variant_type).
	PostgresStore struct {
		conn       *Connection
		logger     *slog.Logger
		claimLease time.Duration
		now        func() time.Time
	}

	// PostgresStoreOption configures optional PostgresStore behavior.
	PostgresStoreOption func(*PostgresStore)

	rowScanner interface {
		Scan(dest ...any) error
	}
)

// WithClaimLease sets how long an unprocessed ledger claim blocks other claimers.
func WithClaimLease(lease time.Duration) PostgresStoreOption {
	return func(s *PostgresStore) {
		if lease > 0 {
			s.claimLease = lease
		}
	}
}

// WithLogger replaces the store's logger.
func WithLogger(logger *slog.Logger) PostgresStoreOption {
	return func(s *PostgresStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock replaces the clock used for transition timestamps.
func WithClock(now func() time.Time) PostgresStoreOption {
	return func(s *PostgresStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewPostgresStore creates a PostgreSQL-backed store.
// Returns ErrNoDatabaseConnection if conn is nil.
//
// Example:
//
//	store, err := storage.NewPostgresStore(conn,
//	    storage.WithClaimLease(cfg.ClaimLease))
func NewPostgresStore(conn *Connection, opts ...PostgresStoreOption) (*PostgresStore, error) {
	if conn == nil || conn.DB == nil {
		return nil, ErrNoDatabaseConnection
	}

	store := &PostgresStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("GENRELAY_LOG_LEVEL", slog.LevelInfo),
		})),
		claimLease: defaultClaimLease,
		now:        func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(store)
	}

	return store, nil
}

// HealthCheck verifies the database connection is healthy and ready to serve requests.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

// Close is a no-op. The connection is owned by the caller.
func (s *PostgresStore) Close() error {
	return nil
}

// withTx runs fn inside a transaction and commits when fn returns nil.
func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		_ = tx.Rollback() // Safe to call even after commit
	}()

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}

func scanJob(row rowScanner) (*jobs.Job, error) {
	var (
		job       jobs.Job
		taskID    sql.NullString
		artifacts []byte
		errRaw    []byte
		specRaw   []byte
		state     string
	)

	err := row.Scan(
		&job.ID, &job.CallerID, &state, &taskID, &job.Progress,
		&artifacts, &errRaw, &specRaw, &job.LastSeq, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.State = jobs.JobState(state)
	job.ProviderTaskID = taskID.String

	if job.ResultArtifacts, err = decodeArtifacts(artifacts); err != nil {
		return nil, err
	}

	if job.Error, err = decodeError(errRaw); err != nil {
		return nil, err
	}

	if job.Spec, err = decodeSpec(specRaw); err != nil {
		return nil, err
	}

	return &job, nil
}

// nullJSON maps an empty payload to SQL NULL.
func nullJSON(raw []byte) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}

	return sql.NullString{String: string(raw), Valid: true}
}

func pqCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}

	return ""
}

// isDatabaseConnectionError checks if an error indicates database connection failure.
// Uses PostgreSQL error codes (Class 08) and standard database/sql errors.
func isDatabaseConnectionError(err error) bool {
	if err == nil {
		return false
	}

	if code := pqCode(err); code != "" {
		return strings.HasPrefix(code, "08")
	}

	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn)
}
