// Package orchestration is the application layer of the pipeline.
//
// Service creates jobs and hands their primary submission to the supervisor, starts
// derivative view generation, opens live status streams and times out stuck jobs. All state
// it needs lives in the store; any instance can pick up any job.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/genrelay-io/genrelay/internal/attempts"
	"github.com/genrelay-io/genrelay/internal/jobs"
	"github.com/genrelay-io/genrelay/internal/livestatus"
	"github.com/genrelay-io/genrelay/internal/provider/generation"
	"github.com/genrelay-io/genrelay/internal/provider/vision"
	"github.com/genrelay-io/genrelay/internal/supervisor"
)

var (
	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNotOwner is returned when a caller touches a job created by another caller.
	ErrNotOwner = errors.New("job belongs to another caller")

	// ErrJobNotCompleted is returned when a variant is requested before the primary artifact exists.
	ErrJobNotCompleted = errors.New("job has not completed")
)

var validate = validator.New(validator.WithRequiredStructEnabled()) //nolint:gochecknoglobals

// SpecRequest is the generation request as submitted by a client.
type SpecRequest struct {
	Prompt      string   `validate:"required,max=4000"`
	Style       string   `validate:"max=200"`
	Constraints []string `validate:"max=32,dive,required,max=500"`
	Width       int      `validate:"omitempty,min=64,max=4096"`
	Height      int      `validate:"omitempty,min=64,max=4096"`
}

// CreateJobRequest creates a job. RequestID defaults to a random UUID.
type CreateJobRequest struct {
	CallerID  string      `validate:"required,max=128,excludes=:"`
	RequestID string      `validate:"omitempty,max=128"`
	Spec      SpecRequest `validate:"required"`
}

// JobSnapshot is a job together with its variants.
type JobSnapshot struct {
	Job      *jobs.Job
	Variants []*jobs.Variant
}

// VariantRunner runs the attempt loop for one view.
type VariantRunner interface {
	RunAttempts(ctx context.Context, req attempts.Request) (*attempts.Outcome, error)
}

// Submitter submits primary generations to the provider.
type Submitter interface {
	Submit(ctx context.Context, req generation.SubmitRequest) (*generation.SubmitResult, error)
}

// Fetcher downloads artifacts.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (data []byte, contentType string, err error)
}

// TokenExtractor extracts design tokens from an image.
type TokenExtractor interface {
	ExtractTokens(ctx context.Context, img vision.Image) (*vision.Tokens, error)
}

// Runner starts supervised background tasks.
type Runner interface {
	Go(jobID, name string, task supervisor.Task) error
}

// Announcer fans out status entries appended by job transitions.
type Announcer interface {
	Announce(ctx context.Context, ev jobs.StatusEvent)
}

// Deps are the collaborators of a Service.
type Deps struct {
	Store      jobs.Store
	Provider   generation.Provider
	Variants   VariantRunner
	Fetcher    Fetcher
	Extractor  TokenExtractor
	Runner     Runner
	Announcer  Announcer
	StatusLog  livestatus.LogReader
	Reconciler livestatus.Reconciler
	Stream     *livestatus.Config
	Config     *Config
	Logger     *slog.Logger
	Now        func() time.Time
}

// Service orchestrates jobs.
type Service struct {
	store      jobs.Store
	provider   generation.Provider
	variants   VariantRunner
	fetcher    Fetcher
	extractor  TokenExtractor
	runner     Runner
	announcer  Announcer
	statusLog  livestatus.LogReader
	reconciler livestatus.Reconciler
	streamCfg  *livestatus.Config
	cfg        *Config
	logger     *slog.Logger
	now        func() time.Time
}

// NewService creates a Service.
func NewService(d Deps) *Service {
	if d.Config == nil {
		d.Config = DefaultConfig()
	}

	if d.Stream == nil {
		d.Stream = livestatus.DefaultConfig()
	}

	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	if d.Now == nil {
		d.Now = time.Now
	}

	return &Service{
		store:      d.Store,
		provider:   d.Provider,
		variants:   d.Variants,
		fetcher:    d.Fetcher,
		extractor:  d.Extractor,
		runner:     d.Runner,
		announcer:  d.Announcer,
		statusLog:  d.StatusLog,
		reconciler: d.Reconciler,
		streamCfg:  d.Stream,
		cfg:        d.Config,
		logger:     d.Logger,
		now:        d.Now,
	}
}

// CreateJob stores a queued job and starts its primary submission in the background.
//
// Creating a job that already exists is idempotent: the stored job is returned with
// created=false and nothing is submitted again.
func (s *Service) CreateJob(ctx context.Context, req CreateJobRequest) (job *jobs.Job, created bool, err error) {
	req.CallerID = strings.TrimSpace(req.CallerID)
	req.RequestID = strings.TrimSpace(req.RequestID)

	if err := validate.Struct(req); err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	jobID, err := jobs.NewJobID(req.CallerID, req.RequestID)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	job = &jobs.Job{
		ID:       jobID,
		CallerID: req.CallerID,
		State:    jobs.JobStateQueued,
		Spec: jobs.Spec{
			Prompt:      req.Spec.Prompt,
			Style:       req.Spec.Style,
			Constraints: req.Spec.Constraints,
			Width:       req.Spec.Width,
			Height:      req.Spec.Height,
		},
	}

	created, err = s.store.CreateJob(ctx, job)
	if err != nil {
		return nil, false, fmt.Errorf("create job %s: %w", jobID, err)
	}

	if !created {
		existing, err := s.store.GetJob(ctx, jobID)
		if err != nil {
			return nil, false, fmt.Errorf("load existing job %s: %w", jobID, err)
		}

		return existing, false, nil
	}

	s.logger.Info("Job created",
		slog.String("job_id", jobID),
		slog.String("caller_id", req.CallerID))

	if err := s.runner.Go(jobID, "submit", func(ctx context.Context) error {
		return s.submitPrimary(ctx, jobID)
	}); err != nil {
		// The sweeper times the job out if nothing ever submits it.
		s.logger.Error("Failed to start submission",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()))
	}

	return job, true, nil
}

// GetJob returns the job and its variants.
func (s *Service) GetJob(ctx context.Context, callerID, jobID string) (*JobSnapshot, error) {
	job, err := s.ownedJob(ctx, callerID, jobID)
	if err != nil {
		return nil, err
	}

	variants, err := s.store.ListVariants(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list variants for %s: %w", jobID, err)
	}

	return &JobSnapshot{Job: job, Variants: variants}, nil
}

// OpenStream creates a live status stream resuming after lastSeq.
func (s *Service) OpenStream(ctx context.Context, callerID, jobID string, lastSeq int64) (*livestatus.Stream, error) {
	if _, err := s.ownedJob(ctx, callerID, jobID); err != nil {
		return nil, err
	}

	return livestatus.NewStream(jobID, lastSeq, livestatus.Deps{
		Log:        s.statusLog,
		Jobs:       s.store,
		Poller:     s.provider,
		Reconciler: s.reconciler,
		Config:     s.streamCfg,
		Logger:     s.logger,
	}), nil
}

// ownedJob loads a job and checks that callerID created it.
func (s *Service) ownedJob(ctx context.Context, callerID, jobID string) (*jobs.Job, error) {
	owner, err := jobs.CallerFromJobID(jobID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	if owner != callerID {
		return nil, fmt.Errorf("%w: %s", ErrNotOwner, jobID)
	}

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}

	return job, nil
}

// transition applies t and announces the resulting entry.
func (s *Service) transition(ctx context.Context, t jobs.Transition) (bool, error) {
	ev, applied, err := s.store.ApplyTransition(ctx, t)
	if err != nil {
		return false, err
	}

	if applied && s.announcer != nil {
		s.announcer.Announce(ctx, ev)
	}

	return applied, nil
}
