package jobs

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Sentinel errors for job state transition validation.
var (
	// ErrInvalidTransition indicates a transition the job state machine does not allow.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrTerminalStateImmutable indicates an attempt to leave a terminal state.
	ErrTerminalStateImmutable = errors.New("terminal state is immutable")

	// ErrBackwardTransition indicates an attempt to move a job back to an earlier state.
	ErrBackwardTransition = errors.New("cannot transition backwards")

	// ErrUnknownState indicates a state outside the closed JobState set.
	ErrUnknownState = errors.New("unknown job state")
)

// stateRank orders the non-terminal states. Terminal states share the highest rank.
var stateRank = map[JobState]int{ //nolint:gochecknoglobals
	JobStateQueued:     0,
	JobStateSubmitted:  1,
	JobStateGenerating: 2,
	JobStateProcessing: 3,
	JobStateCompleted:  4,
	JobStateFailed:     4,
	JobStateTimeout:    4,
}

// Transition is a requested change to a job. Progress is nil when the request carries none.
type Transition struct {
	JobID     string
	To        JobState
	Progress  *int
	Message   string
	Artifacts []string
	Error     *JobError
}

// ValidateJobTransition validates a job state change.
//
// Valid transitions:
//   - queued → {submitted, failed, timeout}
//   - submitted → {generating, processing, completed, failed, timeout}
//   - generating → {generating, processing, completed, failed, timeout}
//   - processing → {processing, completed, failed, timeout}
//   - completed/failed/timeout → same state (idempotent)
//
// Invalid transitions:
//   - Terminal states cannot transition to different states
//   - Any move to an earlier non-terminal state (processing → generating)
func ValidateJobTransition(from, to JobState) error {
	if !from.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownState, from)
	}

	if !to.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownState, to)
	}

	if from.IsTerminal() {
		if from != to {
			return fmt.Errorf("%w: %s → %s", ErrTerminalStateImmutable, from, to)
		}

		return nil
	}

	if to.IsTerminal() {
		if from == JobStateQueued && to == JobStateCompleted {
			return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
		}

		return nil
	}

	if stateRank[to] < stateRank[from] {
		return fmt.Errorf("%w: %s → %s", ErrBackwardTransition, from, to)
	}

	switch from {
	case JobStateQueued:
		if to != JobStateSubmitted {
			return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
		}
	case JobStateSubmitted:
		if to == JobStateSubmitted {
			return fmt.Errorf("%w: job already submitted", ErrInvalidTransition)
		}
	case JobStateGenerating, JobStateProcessing:
		// Active states may repeat to carry progress updates.
	case JobStateCompleted, JobStateFailed, JobStateTimeout:
		// Handled above.
	}

	return nil
}

// PlanTransition computes the effect of applying t to job.
//
// It returns the updated job and the status entry to append, or applied=false when the
// transition is a no-op. No-ops are:
//   - a repeated terminal state
//   - an active-state update whose progress does not exceed the current progress
//   - a late active-state update arriving after the job moved further ahead
//
// The returned entry has no Seq; the store assigns it inside the same transaction that
// persists the job. PlanTransition never mutates job.
func PlanTransition(job Job, t Transition, now time.Time) (next Job, event StatusEvent, applied bool, err error) {
	if t.Progress != nil {
		if err := ValidateProgress(*t.Progress); err != nil {
			return job, StatusEvent{}, false, err
		}
	}

	if job.State.IsTerminal() && job.State == t.To {
		return job, StatusEvent{}, false, nil
	}

	// Out-of-order active updates collapse onto the furthest state reached.
	to := t.To
	if job.State.IsActive() && to.IsActive() && stateRank[to] < stateRank[job.State] {
		to = job.State
	}

	if err := ValidateJobTransition(job.State, to); err != nil {
		return job, StatusEvent{}, false, err
	}

	next = job
	next.State = to
	next.UpdatedAt = now
	next.ResultArtifacts = slices.Clone(job.ResultArtifacts)

	progress := job.Progress
	if t.Progress != nil && *t.Progress > progress {
		progress = *t.Progress
	}

	switch to {
	case JobStateGenerating, JobStateProcessing:
		if to == job.State && progress <= job.Progress {
			return job, StatusEvent{}, false, nil
		}
	case JobStateCompleted:
		progress = MaxProgress
		next.ResultArtifacts = slices.Clone(t.Artifacts)
		next.Error = nil
	case JobStateFailed, JobStateTimeout:
		next.Error = t.Error
		if next.Error == nil {
			next.Error = defaultError(to)
		}
	case JobStateQueued, JobStateSubmitted:
	}

	next.Progress = progress

	event = StatusEvent{
		JobID:     job.ID,
		Kind:      StatusKindForState(to),
		State:     to,
		Progress:  progress,
		Message:   t.Message,
		Artifacts: slices.Clone(next.ResultArtifacts),
		Error:     next.Error,
		CreatedAt: now,
	}

	return next, event, true, nil
}

func defaultError(s JobState) *JobError {
	if s == JobStateTimeout {
		return &JobError{Code: ErrorCodeTimeout, Message: "job exceeded its deadline"}
	}

	return &JobError{Code: ErrorCodeProvider, Message: "generation failed"}
}
