package livestatus

import "github.com/genrelay-io/genrelay/internal/jobs"

type progressPayload struct {
	State    jobs.JobState `json:"state"`
	Progress int           `json:"progress"`
	Message  string        `json:"message,omitempty"`
}

type completedPayload struct {
	Artifacts []string `json:"artifacts"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type failedPayload struct {
	Error errorPayload `json:"error"`
}

type variantPayload struct {
	View            jobs.View          `json:"view"`
	Status          jobs.VariantStatus `json:"status"`
	Tries           int                `json:"tries"`
	ArtifactURL     string             `json:"artifact_url,omitempty"`
	ViewConfidence  float64            `json:"view_confidence,omitempty"`
	SimilarityScore float64            `json:"similarity_score,omitempty"`
	Degraded        bool               `json:"degraded,omitempty"`
	Error           *errorPayload      `json:"error,omitempty"`
}

// toErrorPayload surfaces timeout as a failure with code "timeout"; the job error already
// carries that code, so only a missing error needs filling in.
func toErrorPayload(e *jobs.JobError) errorPayload {
	if e == nil {
		return errorPayload{Code: jobs.ErrorCodeInternal, Message: "job failed"}
	}

	return errorPayload{Code: e.Code, Message: e.Message}
}

func toVariantPayload(v *jobs.VariantUpdate) variantPayload {
	if v == nil {
		return variantPayload{}
	}

	p := variantPayload{
		View:            v.View,
		Status:          v.Status,
		Tries:           v.Tries,
		ArtifactURL:     v.ArtifactURL,
		ViewConfidence:  v.ViewConfidence,
		SimilarityScore: v.SimilarityScore,
		Degraded:        v.Degraded,
	}

	if v.Error != nil {
		e := toErrorPayload(v.Error)
		p.Error = &e
	}

	return p
}
