package jobs

import "time"

// StatusKind is the closed set of entries written to a job's status log.
type StatusKind string

// Status kinds. Timeout is reported as StatusKindFailed with ErrorCodeTimeout.
const (
	StatusKindProgress  StatusKind = "progress"
	StatusKindCompleted StatusKind = "completed"
	StatusKindFailed    StatusKind = "failed"
	StatusKindVariant   StatusKind = "variant"
)

// IsValid reports whether k is a known status kind.
func (k StatusKind) IsValid() bool {
	switch k {
	case StatusKindProgress, StatusKindCompleted, StatusKindFailed, StatusKindVariant:
		return true
	}

	return false
}

// IsTerminal reports whether a stream ends after emitting an entry of this kind.
func (k StatusKind) IsTerminal() bool {
	return k == StatusKindCompleted || k == StatusKindFailed
}

// String returns the string representation of the status kind.
func (k StatusKind) String() string {
	return string(k)
}

type (
	// StatusEvent is one entry of a job's append-only status log.
	//
	// Seq is assigned by the store at append time. Within a job, sequence numbers
	// start at 1 and increase by exactly one per entry.
	StatusEvent struct {
		JobID     string
		Seq       int64
		Kind      StatusKind
		State     JobState
		Progress  int
		Message   string
		Artifacts []string
		Error     *JobError
		Variant   *VariantUpdate
		CreatedAt time.Time
	}

	// VariantUpdate is the payload of a StatusKindVariant entry.
	VariantUpdate struct {
		View            View
		Status          VariantStatus
		Tries           int
		ArtifactURL     string
		ViewConfidence  float64
		SimilarityScore float64
		Degraded        bool
		Error           *JobError
	}
)

// StatusKindForState maps a job state to the status kind announced when the job enters it.
func StatusKindForState(s JobState) StatusKind {
	switch s {
	case JobStateCompleted:
		return StatusKindCompleted
	case JobStateFailed, JobStateTimeout:
		return StatusKindFailed
	case JobStateQueued, JobStateSubmitted, JobStateGenerating, JobStateProcessing:
		return StatusKindProgress
	}

	return StatusKindProgress
}

// NewVariantEvent builds the status entry announcing a variant change.
func NewVariantEvent(v *Variant) StatusEvent {
	return StatusEvent{
		JobID: v.JobID,
		Kind:  StatusKindVariant,
		Variant: &VariantUpdate{
			View:            v.View,
			Status:          v.Status,
			Tries:           v.Tries,
			ArtifactURL:     v.ArtifactURL,
			ViewConfidence:  v.ViewConfidence,
			SimilarityScore: v.SimilarityScore,
			Degraded:        v.Degraded,
			Error:           v.Error,
		},
	}
}
