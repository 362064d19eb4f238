package generation

import "context"

// MockProvider is a function-field Provider for tests.
type MockProvider struct {
	SubmitFunc     func(ctx context.Context, req SubmitRequest) (*SubmitResult, error)
	StatusFunc     func(ctx context.Context, taskID string) (*TaskStatus, error)
	SynthesizeFunc func(ctx context.Context, req SynthesizeRequest) (*Artifact, error)
}

// Submit implements Provider.
func (m *MockProvider) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if m.SubmitFunc != nil {
		return m.SubmitFunc(ctx, req)
	}

	return &SubmitResult{TaskID: "task-" + req.RequestID}, nil
}

// Status implements Provider.
func (m *MockProvider) Status(ctx context.Context, taskID string) (*TaskStatus, error) {
	if m.StatusFunc != nil {
		return m.StatusFunc(ctx, taskID)
	}

	return &TaskStatus{TaskID: taskID, State: TaskStateRunning}, nil
}

// Synthesize implements Provider.
func (m *MockProvider) Synthesize(ctx context.Context, req SynthesizeRequest) (*Artifact, error) {
	if m.SynthesizeFunc != nil {
		return m.SynthesizeFunc(ctx, req)
	}

	return &Artifact{URL: "https://provider.test/" + req.View + ".png", ContentType: "image/png"}, nil
}
