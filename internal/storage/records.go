package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/genrelay-io/genrelay/internal/jobs"
)

// JSONB column shapes. Domain types carry no tags, so the schema format lives here.
type (
	specRecord struct {
		Prompt      string   `json:"prompt"`
		Style       string   `json:"style,omitempty"`
		Constraints []string `json:"constraints,omitempty"`
		Width       int      `json:"width,omitempty"`
		Height      int      `json:"height,omitempty"`
	}

	errorRecord struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}

	tokensRecord struct {
		Palette      []string `json:"palette"`
		Materials    []string `json:"materials"`
		Construction []string `json:"construction"`
	}

	variantRecord struct {
		View            string       `json:"view"`
		Status          string       `json:"status"`
		Tries           int          `json:"tries"`
		ArtifactURL     string       `json:"artifact_url,omitempty"`
		ViewConfidence  float64      `json:"view_confidence"`
		SimilarityScore float64      `json:"similarity_score"`
		Degraded        bool         `json:"degraded,omitempty"`
		Error           *errorRecord `json:"error,omitempty"`
	}

	statusRecord struct {
		State     string         `json:"state,omitempty"`
		Progress  int            `json:"progress"`
		Message   string         `json:"message,omitempty"`
		Artifacts []string       `json:"artifacts,omitempty"`
		Error     *errorRecord   `json:"error,omitempty"`
		Variant   *variantRecord `json:"variant,omitempty"`
	}
)

func encodeSpec(s jobs.Spec) ([]byte, error) {
	return json.Marshal(specRecord{
		Prompt:      s.Prompt,
		Style:       s.Style,
		Constraints: s.Constraints,
		Width:       s.Width,
		Height:      s.Height,
	})
}

func decodeSpec(raw []byte) (jobs.Spec, error) {
	var r specRecord
	if err := json.Unmarshal(raw, &r); err != nil {
		return jobs.Spec{}, fmt.Errorf("decode spec: %w", err)
	}

	return jobs.Spec{
		Prompt:      r.Prompt,
		Style:       r.Style,
		Constraints: r.Constraints,
		Width:       r.Width,
		Height:      r.Height,
	}, nil
}

func toErrorRecord(e *jobs.JobError) *errorRecord {
	if e == nil {
		return nil
	}

	return &errorRecord{Code: e.Code, Message: e.Message}
}

func fromErrorRecord(r *errorRecord) *jobs.JobError {
	if r == nil {
		return nil
	}

	return &jobs.JobError{Code: r.Code, Message: r.Message}
}

// encodeError maps a nil error to SQL NULL.
func encodeError(e *jobs.JobError) (sql.NullString, error) {
	if e == nil {
		return sql.NullString{}, nil
	}

	raw, err := json.Marshal(toErrorRecord(e))
	if err != nil {
		return sql.NullString{}, err
	}

	return sql.NullString{String: string(raw), Valid: true}, nil
}

func decodeError(raw []byte) (*jobs.JobError, error) {
	if len(raw) == 0 {
		return nil, nil //nolint:nilnil
	}

	var r errorRecord
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode error: %w", err)
	}

	return fromErrorRecord(&r), nil
}

func encodeArtifacts(urls []string) ([]byte, error) {
	if urls == nil {
		urls = []string{}
	}

	return json.Marshal(urls)
}

func decodeArtifacts(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var urls []string
	if err := json.Unmarshal(raw, &urls); err != nil {
		return nil, fmt.Errorf("decode artifacts: %w", err)
	}

	if len(urls) == 0 {
		return nil, nil
	}

	return urls, nil
}

func encodeTokens(t *jobs.DesignTokens) ([]byte, error) {
	return json.Marshal(tokensRecord{
		Palette:      t.Palette,
		Materials:    t.Materials,
		Construction: t.Construction,
	})
}

func decodeTokens(raw []byte) (tokensRecord, error) {
	var r tokensRecord
	if err := json.Unmarshal(raw, &r); err != nil {
		return r, fmt.Errorf("decode design tokens: %w", err)
	}

	return r, nil
}

func encodeStatus(ev jobs.StatusEvent) ([]byte, error) {
	r := statusRecord{
		State:     string(ev.State),
		Progress:  ev.Progress,
		Message:   ev.Message,
		Artifacts: ev.Artifacts,
		Error:     toErrorRecord(ev.Error),
	}

	if v := ev.Variant; v != nil {
		r.Variant = &variantRecord{
			View:            string(v.View),
			Status:          string(v.Status),
			Tries:           v.Tries,
			ArtifactURL:     v.ArtifactURL,
			ViewConfidence:  v.ViewConfidence,
			SimilarityScore: v.SimilarityScore,
			Degraded:        v.Degraded,
			Error:           toErrorRecord(v.Error),
		}
	}

	return json.Marshal(r)
}

func decodeStatus(ev *jobs.StatusEvent, raw []byte) error {
	var r statusRecord
	if err := json.Unmarshal(raw, &r); err != nil {
		return fmt.Errorf("decode status event: %w", err)
	}

	ev.State = jobs.JobState(r.State)
	ev.Progress = r.Progress
	ev.Message = r.Message
	ev.Artifacts = r.Artifacts
	ev.Error = fromErrorRecord(r.Error)

	if v := r.Variant; v != nil {
		ev.Variant = &jobs.VariantUpdate{
			View:            jobs.View(v.View),
			Status:          jobs.VariantStatus(v.Status),
			Tries:           v.Tries,
			ArtifactURL:     v.ArtifactURL,
			ViewConfidence:  v.ViewConfidence,
			SimilarityScore: v.SimilarityScore,
			Degraded:        v.Degraded,
			Error:           fromErrorRecord(v.Error),
		}
	}

	return nil
}
