// Package jobs provides the domain model for asynchronous generation jobs.
//
// Types here carry no JSON tags. The API layer and the storage layer map to and from
// them, keeping the wire and schema formats independent of the domain.
package jobs

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobIDSeparator separates the caller identity from the request id inside a job id.
const JobIDSeparator = ":"

// Progress bounds.
const (
	MinProgress = 0
	MaxProgress = 100
)

var (
	// ErrInvalidJobID indicates a job id that does not embed a caller identity.
	ErrInvalidJobID = errors.New("invalid job id")

	// ErrInvalidProgress indicates a progress value outside 0-100.
	ErrInvalidProgress = errors.New("progress must be between 0 and 100")
)

type (
	// JobState is the lifecycle state of a Job.
	JobState string

	// VariantStatus is the lifecycle state of a Variant.
	VariantStatus string

	// View names a derivative artifact of the primary generation (an alternate angle).
	View string

	// Job is one user-initiated generation request and its durable audit trail.
	// A Job is never deleted, only transitioned.
	Job struct {
		ID              string
		CallerID        string
		State           JobState
		ProviderTaskID  string
		Progress        int
		ResultArtifacts []string
		Error           *JobError
		Spec            Spec
		LastSeq         int64
		CreatedAt       time.Time
		UpdatedAt       time.Time
	}

	// JobError is the structured cause stored on a failed or timed out Job or Variant.
	JobError struct {
		Code    string
		Message string
	}

	// Spec is the persisted generation request. It replaces any per-request
	// in-process state, so every instance can resume work from the Job row alone.
	Spec struct {
		Prompt      string
		Style       string
		Constraints []string
		Width       int
		Height      int
	}

	// Variant is a derivative artifact tied to a Job and a View.
	// Exactly one Variant exists per (job, view); it is always upserted.
	Variant struct {
		JobID           string
		View            View
		Status          VariantStatus
		ArtifactURL     string
		Tries           int
		ViewConfidence  float64
		SimilarityScore float64
		Degraded        bool
		Error           *JobError
		UpdatedAt       time.Time
	}

	// DesignTokens describe the generated subject: the ground truth every derivative view
	// is scored against. Immutable once stored against a Job.
	DesignTokens struct {
		JobID        string
		Palette      []string
		Materials    []string
		Construction []string
		CreatedAt    time.Time
	}

	// TaskMapping links a provider task id to the internal job id. Immutable once written.
	TaskMapping struct {
		ProviderTaskID string
		JobID          string
		CreatedAt      time.Time
	}
)

// Job states.
const (
	JobStateQueued     JobState = "queued"
	JobStateSubmitted  JobState = "submitted"
	JobStateGenerating JobState = "generating"
	JobStateProcessing JobState = "processing"
	JobStateCompleted  JobState = "completed"
	JobStateFailed     JobState = "failed"
	JobStateTimeout    JobState = "timeout"
)

// Variant statuses.
const (
	VariantStatusPending    VariantStatus = "pending"
	VariantStatusGenerating VariantStatus = "generating"
	VariantStatusCompleted  VariantStatus = "completed"
	VariantStatusFailed     VariantStatus = "failed"
)

// Known views.
const (
	ViewFront        View = "front"
	ViewSide         View = "side"
	ViewBack         View = "back"
	ViewTop          View = "top"
	ViewThreeQuarter View = "three_quarter"
)

// Error codes stored on JobError.
const (
	ErrorCodeProvider   = "provider_error"
	ErrorCodeTimeout    = "timeout"
	ErrorCodeRejected   = "validation_rejected"
	ErrorCodeInternal   = "internal_error"
	ErrorCodeSubmission = "submission_failed"
)

// IsValid reports whether s is a known job state.
func (s JobState) IsValid() bool {
	switch s {
	case JobStateQueued, JobStateSubmitted, JobStateGenerating, JobStateProcessing,
		JobStateCompleted, JobStateFailed, JobStateTimeout:
		return true
	}

	return false
}

// IsTerminal reports whether no further transitions are allowed from s.
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed || s == JobStateTimeout
}

// IsActive reports whether progress updates are meaningful in s.
func (s JobState) IsActive() bool {
	return s == JobStateGenerating || s == JobStateProcessing
}

// String returns the string representation of the job state.
func (s JobState) String() string {
	return string(s)
}

// IsValid reports whether s is a known variant status.
func (s VariantStatus) IsValid() bool {
	switch s {
	case VariantStatusPending, VariantStatusGenerating, VariantStatusCompleted, VariantStatusFailed:
		return true
	}

	return false
}

// IsTerminal reports whether the variant run has finished.
func (s VariantStatus) IsTerminal() bool {
	return s == VariantStatusCompleted || s == VariantStatusFailed
}

// KnownViews returns every view the service can generate, in a stable order.
func KnownViews() []View {
	return []View{ViewFront, ViewSide, ViewBack, ViewTop, ViewThreeQuarter}
}

// IsValid reports whether v is a known view.
func (v View) IsValid() bool {
	for _, known := range KnownViews() {
		if v == known {
			return true
		}
	}

	return false
}

// String returns the string representation of the view.
func (v View) String() string {
	return string(v)
}

// Error implements the error interface so a JobError can travel as an error value.
func (e *JobError) Error() string {
	if e == nil {
		return ""
	}

	return e.Code + ": " + e.Message
}

// NewJobError builds a JobError from a code and an underlying error.
func NewJobError(code string, err error) *JobError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}

	return &JobError{Code: code, Message: msg}
}

// NewJobID builds a job id that embeds the caller identity.
//
// Example:
//
//	NewJobID("u1", "req42") // "u1:req42"
func NewJobID(callerID, requestID string) (string, error) {
	callerID = strings.TrimSpace(callerID)
	requestID = strings.TrimSpace(requestID)

	if callerID == "" || requestID == "" {
		return "", fmt.Errorf("%w: caller and request id are required", ErrInvalidJobID)
	}

	if strings.Contains(callerID, JobIDSeparator) {
		return "", fmt.Errorf("%w: caller id must not contain %q", ErrInvalidJobID, JobIDSeparator)
	}

	return callerID + JobIDSeparator + requestID, nil
}

// CallerFromJobID extracts the caller identity embedded in a job id.
func CallerFromJobID(jobID string) (string, error) {
	caller, rest, found := strings.Cut(jobID, JobIDSeparator)
	if !found || caller == "" || rest == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidJobID, jobID)
	}

	return caller, nil
}

// OwnedBy reports whether callerID created the job.
func (j *Job) OwnedBy(callerID string) bool {
	owner, err := CallerFromJobID(j.ID)
	if err != nil {
		return false
	}

	return owner == callerID
}

// ValidateProgress checks that p lies within 0-100.
func ValidateProgress(p int) error {
	if p < MinProgress || p > MaxProgress {
		return fmt.Errorf("%w: got %d", ErrInvalidProgress, p)
	}

	return nil
}
