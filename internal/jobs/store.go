package jobs

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by store implementations.
var (
	// ErrJobNotFound indicates no job exists for the given id.
	ErrJobNotFound = errors.New("job not found")

	// ErrTaskNotMapped indicates no job is mapped to the given provider task id.
	ErrTaskNotMapped = errors.New("provider task not mapped")

	// ErrTaskAlreadyMapped indicates the provider task id already belongs to another job.
	ErrTaskAlreadyMapped = errors.New("provider task already mapped")

	// ErrVariantNotFound indicates no variant exists for the given job and view.
	ErrVariantNotFound = errors.New("variant not found")

	// ErrDesignTokensNotFound indicates no design tokens were stored for the job.
	ErrDesignTokensNotFound = errors.New("design tokens not found")

	// ErrEventNotClaimed indicates MarkProcessed was called for an event id never claimed.
	ErrEventNotClaimed = errors.New("event not claimed")
)

// ClaimOutcome is the result of claiming an event id in the idempotency ledger.
type ClaimOutcome int

const (
	// ClaimClaimed means the caller owns the event and must process it.
	ClaimClaimed ClaimOutcome = iota
	// ClaimAlreadyProcessed means the event's effects already committed.
	ClaimAlreadyProcessed
	// ClaimInFlight means another worker holds a live claim on the event.
	ClaimInFlight
)

// String returns a log-friendly name for the outcome.
func (o ClaimOutcome) String() string {
	switch o {
	case ClaimClaimed:
		return "claimed"
	case ClaimAlreadyProcessed:
		return "already_processed"
	case ClaimInFlight:
		return "in_flight"
	}

	return "unknown"
}

// Ledger records external event ids so at-least-once delivery produces at-most-once effects.
//
// Claim must be linearizable per event id: two concurrent claims for the same id never
// both return ClaimClaimed while the first claim's lease is live. A claim whose holder
// never marked it processed may be re-claimed once its lease expires.
type Ledger interface {
	Claim(ctx context.Context, eventID string, payload []byte) (ClaimOutcome, error)
	MarkProcessed(ctx context.Context, eventID string) error
}

// JobStore persists jobs. Every visible state change of a job also appends the matching
// status entry inside the same transaction, so the job row and its log never disagree.
type JobStore interface {
	// CreateJob inserts a queued job. Creating an existing id is not an error:
	// created is false and the stored job is left untouched.
	CreateJob(ctx context.Context, job *Job) (created bool, err error)

	// GetJob returns ErrJobNotFound when the id is unknown.
	GetJob(ctx context.Context, jobID string) (*Job, error)

	// RecordSubmission writes the task mapping and moves the job to submitted. Submission is
	// internal bookkeeping: it appends no status entry, so the first provider update a
	// subscriber sees carries sequence number 1.
	RecordSubmission(ctx context.Context, jobID, providerTaskID string) (applied bool, err error)

	// ApplyTransition locks the job, plans the transition with PlanTransition, and on
	// success persists the job and appends the status entry with the next sequence number.
	ApplyTransition(ctx context.Context, t Transition) (event StatusEvent, applied bool, err error)

	// ListStaleJobs returns non-terminal jobs not updated since before, oldest first.
	ListStaleJobs(ctx context.Context, before time.Time, limit int) ([]*Job, error)
}

// TaskMappings resolves provider task ids back to job ids.
type TaskMappings interface {
	// ResolveTask returns ErrTaskNotMapped when no mapping exists.
	ResolveTask(ctx context.Context, providerTaskID string) (jobID string, err error)
}

// VariantStore persists one variant per (job, view).
type VariantStore interface {
	// ClaimVariant moves a pending or failed variant (or a missing one) to generating and
	// reports claimed=true. A generating variant whose last update is older than lease may
	// be claimed again. Otherwise the current variant is returned with claimed=false.
	ClaimVariant(ctx context.Context, jobID string, view View, lease time.Duration) (*Variant, bool, error)

	// UpsertVariant writes the variant keyed by (job, view).
	UpsertVariant(ctx context.Context, v *Variant) error

	GetVariant(ctx context.Context, jobID string, view View) (*Variant, error)
	ListVariants(ctx context.Context, jobID string) ([]*Variant, error)
}

// DesignTokenStore persists the reference tokens of a job.
type DesignTokenStore interface {
	// PutDesignTokens stores tokens if none exist yet and returns whatever is stored.
	// The first writer wins; later writers receive the first writer's tokens.
	PutDesignTokens(ctx context.Context, tokens *DesignTokens) (*DesignTokens, error)

	// GetDesignTokens returns ErrDesignTokensNotFound when nothing was stored.
	GetDesignTokens(ctx context.Context, jobID string) (*DesignTokens, error)
}

// StatusLog is the append-only per-job event history behind the live status stream.
type StatusLog interface {
	// AppendStatus assigns the next sequence number for ev.JobID and stores ev.
	AppendStatus(ctx context.Context, ev StatusEvent) (StatusEvent, error)

	// ReadStatusSince returns entries with Seq > lastSeq in ascending order.
	// A limit of zero or less means no limit.
	ReadStatusSince(ctx context.Context, jobID string, lastSeq int64, limit int) ([]StatusEvent, error)
}

// Store aggregates every persistence concern of the pipeline.
type Store interface {
	Ledger
	JobStore
	TaskMappings
	VariantStore
	DesignTokenStore
	StatusLog

	HealthCheck(ctx context.Context) error
	Close() error
}
