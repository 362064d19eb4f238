package api

import (
	"time"

	"github.com/genrelay-io/genrelay/internal/gateway"
	"github.com/genrelay-io/genrelay/internal/jobs"
	"github.com/genrelay-io/genrelay/internal/orchestration"
)

// Wire types of the jobs API. They are kept apart from the jobs domain model, which carries
// no JSON tags.
type (
	// SpecBody is the generation request.
	SpecBody struct {
		Prompt      string   `json:"prompt"`
		Style       string   `json:"style,omitempty"`
		Constraints []string `json:"constraints,omitempty"`
		Width       int      `json:"width,omitempty"`
		Height      int      `json:"height,omitempty"`
	}

	// CreateJobBody is the body of POST /api/v1/jobs.
	CreateJobBody struct {
		RequestID string   `json:"request_id,omitempty"` //nolint: tagliatelle
		Spec      SpecBody `json:"spec"`
	}

	// CreateJobResponse acknowledges an accepted job.
	CreateJobResponse struct {
		JobID   string `json:"job_id"` //nolint: tagliatelle
		State   string `json:"state"`
		Created bool   `json:"created"`
	}

	// ErrorBody is the structured cause of a failed job or variant.
	ErrorBody struct {
		Code    string `json:"code"`
		Message string `json:"message,omitempty"`
	}

	// JobResponse is the job snapshot returned by GET /api/v1/jobs/{jobID}.
	JobResponse struct {
		JobID          string            `json:"job_id"`                     //nolint: tagliatelle
		State          string            `json:"state"`                      //nolint: tagliatelle
		Progress       int               `json:"progress"`                   //nolint: tagliatelle
		ProviderTaskID string            `json:"provider_task_id,omitempty"` //nolint: tagliatelle
		Artifacts      []string          `json:"artifacts"`
		Error          *ErrorBody        `json:"error,omitempty"`
		Spec           SpecBody          `json:"spec"`
		Variants       []VariantResponse `json:"variants"`
		LastSeq        int64             `json:"last_seq"`   //nolint: tagliatelle
		CreatedAt      time.Time         `json:"created_at"` //nolint: tagliatelle
		UpdatedAt      time.Time         `json:"updated_at"` //nolint: tagliatelle
	}

	// CreateVariantBody is the body of POST /api/v1/jobs/{jobID}/variants.
	CreateVariantBody struct {
		View string `json:"view"`
	}

	// VariantResponse describes one derivative view.
	VariantResponse struct {
		JobID           string     `json:"job_id"` //nolint: tagliatelle
		View            string     `json:"view"`
		Status          string     `json:"status"`
		ArtifactURL     string     `json:"artifact_url,omitempty"`     //nolint: tagliatelle
		Tries           int        `json:"tries"`                      //nolint: tagliatelle
		ViewConfidence  float64    `json:"view_confidence,omitempty"`  //nolint: tagliatelle
		SimilarityScore float64    `json:"similarity_score,omitempty"` //nolint: tagliatelle
		Degraded        bool       `json:"degraded,omitempty"`
		Error           *ErrorBody `json:"error,omitempty"`
		UpdatedAt       time.Time  `json:"updated_at"` //nolint: tagliatelle
	}

	// CallbackResponse acknowledges a provider callback.
	CallbackResponse struct {
		EventID       string `json:"event_id"` //nolint: tagliatelle
		Outcome       string `json:"outcome"`
		JobID         string `json:"job_id,omitempty"`         //nolint: tagliatelle
		CorrelationID string `json:"correlation_id,omitempty"` //nolint: tagliatelle
	}
)

func (b SpecBody) toRequest() orchestration.SpecRequest {
	return orchestration.SpecRequest{
		Prompt:      b.Prompt,
		Style:       b.Style,
		Constraints: b.Constraints,
		Width:       b.Width,
		Height:      b.Height,
	}
}

func toErrorBody(e *jobs.JobError) *ErrorBody {
	if e == nil {
		return nil
	}

	return &ErrorBody{Code: e.Code, Message: e.Message}
}

// toJobResponse maps a snapshot to the wire. A timed out job is reported as failed with
// error code "timeout", matching what the live stream shows.
func toJobResponse(snap *orchestration.JobSnapshot) JobResponse {
	job := snap.Job

	state := string(job.State)
	errBody := toErrorBody(job.Error)

	if job.State == jobs.JobStateTimeout {
		state = string(jobs.JobStateFailed)

		if errBody == nil {
			errBody = &ErrorBody{Code: jobs.ErrorCodeTimeout}
		}
	}

	artifacts := job.ResultArtifacts
	if artifacts == nil {
		artifacts = []string{}
	}

	variants := make([]VariantResponse, 0, len(snap.Variants))
	for _, v := range snap.Variants {
		variants = append(variants, toVariantResponse(v))
	}

	return JobResponse{
		JobID:          job.ID,
		State:          state,
		Progress:       job.Progress,
		ProviderTaskID: job.ProviderTaskID,
		Artifacts:      artifacts,
		Error:          errBody,
		Spec: SpecBody{
			Prompt:      job.Spec.Prompt,
			Style:       job.Spec.Style,
			Constraints: job.Spec.Constraints,
			Width:       job.Spec.Width,
			Height:      job.Spec.Height,
		},
		Variants:  variants,
		LastSeq:   job.LastSeq,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	}
}

func toVariantResponse(v *jobs.Variant) VariantResponse {
	return VariantResponse{
		JobID:           v.JobID,
		View:            string(v.View),
		Status:          string(v.Status),
		ArtifactURL:     v.ArtifactURL,
		Tries:           v.Tries,
		ViewConfidence:  v.ViewConfidence,
		SimilarityScore: v.SimilarityScore,
		Degraded:        v.Degraded,
		Error:           toErrorBody(v.Error),
		UpdatedAt:       v.UpdatedAt,
	}
}

func toCallbackResponse(result gateway.Result, correlationID string) CallbackResponse {
	return CallbackResponse{
		EventID:       result.EventID,
		Outcome:       string(result.Outcome),
		JobID:         result.JobID,
		CorrelationID: correlationID,
	}
}
