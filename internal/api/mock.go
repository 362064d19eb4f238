package api

import (
	"context"
	"net/http"

	"github.com/genrelay-io/genrelay/internal/gateway"
	"github.com/genrelay-io/genrelay/internal/jobs"
	"github.com/genrelay-io/genrelay/internal/livestatus"
	"github.com/genrelay-io/genrelay/internal/orchestration"
)

// MockJobService is a JobService for handler tests. Unset functions return
// jobs.ErrJobNotFound.
type MockJobService struct {
	CreateJobFunc      func(ctx context.Context, req orchestration.CreateJobRequest) (*jobs.Job, bool, error)
	GetJobFunc         func(ctx context.Context, callerID, jobID string) (*orchestration.JobSnapshot, error)
	OpenStreamFunc     func(ctx context.Context, callerID, jobID string, lastSeq int64) (*livestatus.Stream, error)
	RequestVariantFunc func(ctx context.Context, callerID, jobID string, view jobs.View) (*jobs.Variant, bool, error)
	GetVariantFunc     func(ctx context.Context, callerID, jobID string, view jobs.View) (*jobs.Variant, error)
}

// CreateJob implements JobService.
func (m *MockJobService) CreateJob(
	ctx context.Context,
	req orchestration.CreateJobRequest,
) (*jobs.Job, bool, error) {
	if m.CreateJobFunc != nil {
		return m.CreateJobFunc(ctx, req)
	}

	return nil, false, jobs.ErrJobNotFound
}

// GetJob implements JobService.
func (m *MockJobService) GetJob(ctx context.Context, callerID, jobID string) (*orchestration.JobSnapshot, error) {
	if m.GetJobFunc != nil {
		return m.GetJobFunc(ctx, callerID, jobID)
	}

	return nil, jobs.ErrJobNotFound
}

// OpenStream implements JobService.
func (m *MockJobService) OpenStream(
	ctx context.Context,
	callerID, jobID string,
	lastSeq int64,
) (*livestatus.Stream, error) {
	if m.OpenStreamFunc != nil {
		return m.OpenStreamFunc(ctx, callerID, jobID, lastSeq)
	}

	return nil, jobs.ErrJobNotFound
}

// RequestVariant implements JobService.
func (m *MockJobService) RequestVariant(
	ctx context.Context,
	callerID, jobID string,
	view jobs.View,
) (*jobs.Variant, bool, error) {
	if m.RequestVariantFunc != nil {
		return m.RequestVariantFunc(ctx, callerID, jobID, view)
	}

	return nil, false, jobs.ErrJobNotFound
}

// GetVariant implements JobService.
func (m *MockJobService) GetVariant(ctx context.Context, callerID, jobID string, view jobs.View) (*jobs.Variant, error) {
	if m.GetVariantFunc != nil {
		return m.GetVariantFunc(ctx, callerID, jobID, view)
	}

	return nil, jobs.ErrVariantNotFound
}

// MockCallbackIngester is a CallbackIngester for handler tests.
type MockCallbackIngester struct {
	IngestFunc func(ctx context.Context, raw []byte, headers http.Header) (gateway.Result, error)
}

// Ingest implements CallbackIngester.
func (m *MockCallbackIngester) Ingest(ctx context.Context, raw []byte, headers http.Header) (gateway.Result, error) {
	if m.IngestFunc != nil {
		return m.IngestFunc(ctx, raw, headers)
	}

	return gateway.Result{Outcome: gateway.OutcomeNoop}, nil
}
