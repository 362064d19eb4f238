// Package generation is the HTTP client for the external generation provider.
//
// Primary generations are asynchronous: Submit returns a provider task id and progress arrives
// through signed callbacks, with Status as the polling fallback. Derivative views use the
// synchronous Synthesize call. Every call waits on a shared quota limiter and carries its own
// timeout.
package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const maxErrorBody = 4 << 10

// TaskState is the provider-side state of a submitted task.
type TaskState string

// Provider task states.
const (
	TaskStatePending    TaskState = "pending"
	TaskStateRunning    TaskState = "running"
	TaskStateProcessing TaskState = "processing"
	TaskStateCompleted  TaskState = "completed"
	TaskStateFailed     TaskState = "failed"
)

// IsValid reports whether s is a known task state.
func (s TaskState) IsValid() bool {
	switch s {
	case TaskStatePending, TaskStateRunning, TaskStateProcessing, TaskStateCompleted, TaskStateFailed:
		return true
	}

	return false
}

// IsTerminal reports whether the provider is done with the task.
func (s TaskState) IsTerminal() bool {
	return s == TaskStateCompleted || s == TaskStateFailed
}

// Provider is the generation provider contract.
type Provider interface {
	Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error)
	Status(ctx context.Context, taskID string) (*TaskStatus, error)
	Synthesize(ctx context.Context, req SynthesizeRequest) (*Artifact, error)
}

// SubmitRequest starts an asynchronous primary generation.
type SubmitRequest struct {
	RequestID      string   `json:"request_id"`
	Prompt         string   `json:"prompt"`
	NegativePrompt string   `json:"negative_prompt,omitempty"`
	Style          string   `json:"style,omitempty"`
	Constraints    []string `json:"constraints,omitempty"`
	Width          int      `json:"width,omitempty"`
	Height         int      `json:"height,omitempty"`
	Strictness     float64  `json:"strictness"`
	CallbackURL    string   `json:"callback_url,omitempty"`
	Model          string   `json:"model,omitempty"`
}

// SubmitResult is the provider's acceptance of a task.
type SubmitResult struct {
	TaskID string `json:"task_id"`
}

// TaskError is the provider's failure description.
type TaskError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TaskStatus is a polled task snapshot.
type TaskStatus struct {
	TaskID       string     `json:"task_id"`
	State        TaskState  `json:"status"`
	Progress     int        `json:"progress"`
	ArtifactURLs []string   `json:"artifact_urls,omitempty"`
	Error        *TaskError `json:"error,omitempty"`
}

// SynthesizeRequest renders one derivative view synchronously.
type SynthesizeRequest struct {
	Prompt         string   `json:"prompt"`
	NegativePrompt string   `json:"negative_prompt,omitempty"`
	Constraints    []string `json:"constraints,omitempty"`
	View           string   `json:"view"`
	ReferenceURL   string   `json:"reference_url,omitempty"`
	Seed           int64    `json:"seed"`
	Strength       float64  `json:"strength"`
	Width          int      `json:"width,omitempty"`
	Height         int      `json:"height,omitempty"`
	Model          string   `json:"model,omitempty"`
}

// Artifact is a synthesized image hosted by the provider.
type Artifact struct {
	URL         string `json:"artifact_url"`
	ContentType string `json:"content_type,omitempty"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Client performs HTTP calls to the generation provider.
type Client struct {
	baseURL     string
	apiKey      string
	model       string
	callbackURL string
	callTimeout time.Duration
	httpClient  *http.Client
	limiter     *rate.Limiter
	logger      *slog.Logger
}

// NewClient constructs a client. A nil httpClient gets a default one; per-call deadlines come
// from cfg.CallTimeout either way.
func NewClient(cfg *Config, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if httpClient == nil {
		httpClient = &http.Client{}
	}

	if logger == nil {
		logger = slog.Default()
	}

	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}

	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      strings.TrimSpace(cfg.APIKey),
		model:       cfg.Model,
		callbackURL: cfg.CallbackURL,
		callTimeout: timeout,
		httpClient:  httpClient,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		logger:      logger,
	}, nil
}

// Submit implements Provider.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, &ProviderError{Op: "Submit", Provider: ProviderName, Message: ErrPromptRequired.Error(), Err: ErrPermanent}
	}

	if req.CallbackURL == "" {
		req.CallbackURL = c.callbackURL
	}

	if req.Model == "" {
		req.Model = c.model
	}

	var result SubmitResult
	if err := c.do(ctx, "Submit", http.MethodPost, "/v1/tasks", req, &result); err != nil {
		return nil, err
	}

	if result.TaskID == "" {
		return nil, &ProviderError{Op: "Submit", Provider: ProviderName, Message: "response without task_id", Err: ErrTransient}
	}

	return &result, nil
}

// Status implements Provider.
func (c *Client) Status(ctx context.Context, taskID string) (*TaskStatus, error) {
	var status TaskStatus
	if err := c.do(ctx, "Status", http.MethodGet, "/v1/tasks/"+url.PathEscape(taskID), nil, &status); err != nil {
		return nil, err
	}

	if !status.State.IsValid() {
		return nil, &ProviderError{
			Op: "Status", Provider: ProviderName,
			Message: fmt.Sprintf("unknown task status %q", status.State), Err: ErrTransient,
		}
	}

	if status.TaskID == "" {
		status.TaskID = taskID
	}

	return &status, nil
}

// Synthesize implements Provider.
func (c *Client) Synthesize(ctx context.Context, req SynthesizeRequest) (*Artifact, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, &ProviderError{Op: "Synthesize", Provider: ProviderName, Message: ErrPromptRequired.Error(), Err: ErrPermanent}
	}

	if req.Model == "" {
		req.Model = c.model
	}

	var artifact Artifact
	if err := c.do(ctx, "Synthesize", http.MethodPost, "/v1/synthesize", req, &artifact); err != nil {
		return nil, err
	}

	if artifact.URL == "" {
		return nil, &ProviderError{Op: "Synthesize", Provider: ProviderName, Message: "response without artifact_url", Err: ErrTransient}
	}

	return &artifact, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return classifyTransportError(op, err)
	}

	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &ProviderError{Op: op, Provider: ProviderName, Message: "encode request", Err: ErrPermanent}
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &ProviderError{Op: op, Provider: ProviderName, Message: err.Error(), Err: ErrPermanent}
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("Generation provider call failed",
			slog.String("op", op),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("error", err.Error()),
		)

		return classifyTransportError(op, err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		message := strings.TrimSpace(string(raw))

		var apiErr errorResponse
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Message != "" {
			message = apiErr.Message
			if apiErr.Code != "" {
				message = apiErr.Code + ": " + apiErr.Message
			}
		}

		return classifyStatus(op, resp.StatusCode, message)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return classifyTransportError(op, ctx.Err())
		}

		return &ProviderError{Op: op, Provider: ProviderName, Message: "malformed response: " + err.Error(), Err: ErrTransient}
	}

	return nil
}

var _ Provider = (*Client)(nil)
