// Package attempts runs the bounded generate, persist, validate loop for derivative views.
//
// Each attempt synthesizes the view with an escalating strength, copies the result to durable
// storage, and checks it twice: the classifier must recognise the requested view and the
// design tokens must match the primary artifact. The first attempt that passes both checks is
// accepted. Provider failures and rejections each consume one attempt; what happens when the
// budget runs out is decided by the exhaustion policy.
package attempts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/genrelay-io/genrelay/internal/jobs"
	"github.com/genrelay-io/genrelay/internal/provider/generation"
	"github.com/genrelay-io/genrelay/internal/provider/vision"
)

var (
	// ErrBudgetExhausted is returned when every attempt was rejected under the fail policy.
	ErrBudgetExhausted = errors.New("attempt budget exhausted")

	// ErrAttemptFailed is returned when the final attempt hit a provider or storage error.
	ErrAttemptFailed = errors.New("final attempt failed")

	// ErrInvalidRequest is returned for requests missing a job, view or prompt.
	ErrInvalidRequest = errors.New("invalid attempt request")
)

// Synthesizer renders one view.
type Synthesizer interface {
	Synthesize(ctx context.Context, req generation.SynthesizeRequest) (*generation.Artifact, error)
}

// Fetcher downloads a provider-hosted artifact.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (data []byte, contentType string, err error)
}

// Persister stores artifact bytes durably.
type Persister interface {
	PersistBytes(ctx context.Context, jobID, name string, data []byte, contentType string) (string, error)
}

// Appender appends entries to a job's status log.
type Appender interface {
	Append(ctx context.Context, ev jobs.StatusEvent) (jobs.StatusEvent, error)
}

// Request describes one derivative view to produce.
type Request struct {
	JobID        string
	Spec         jobs.Spec
	View         jobs.View
	Reference    vision.Tokens
	ReferenceURL string

	// MaxAttempts overrides the policy budget when positive.
	MaxAttempts int
}

// Outcome is an accepted view.
type Outcome struct {
	ArtifactURL     string
	ViewConfidence  float64
	SimilarityScore float64
	AttemptsUsed    int
	Degraded        bool
}

// Deps are the collaborators of a Controller.
type Deps struct {
	Synthesizer Synthesizer
	Fetcher     Fetcher
	Persister   Persister
	Classifier  vision.Classifier
	Variants    jobs.VariantStore
	Log         Appender
	Policy      *Policy
	Logger      *slog.Logger
	Now         func() time.Time
}

// Controller is the generation attempt controller. It is safe for concurrent use across
// different (job, view) pairs; callers serialize runs for the same pair through
// jobs.VariantStore.ClaimVariant.
type Controller struct {
	synth      Synthesizer
	fetcher    Fetcher
	persister  Persister
	classifier vision.Classifier
	variants   jobs.VariantStore
	log        Appender
	policy     *Policy
	logger     *slog.Logger
	now        func() time.Time
}

// NewController creates a Controller.
func NewController(d Deps) *Controller {
	if d.Policy == nil {
		d.Policy = DefaultPolicy()
	}

	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	if d.Now == nil {
		d.Now = time.Now
	}

	return &Controller{
		synth:      d.Synthesizer,
		fetcher:    d.Fetcher,
		persister:  d.Persister,
		classifier: d.Classifier,
		variants:   d.Variants,
		log:        d.Log,
		policy:     d.Policy,
		logger:     d.Logger,
		now:        d.Now,
	}
}

// Policy returns the controller's policy.
func (c *Controller) Policy() *Policy {
	return c.policy
}

type candidate struct {
	url        string
	confidence float64
	similarity float64
}

// score orders rejected candidates for degraded acceptance: the one closest to passing
// its weaker check wins.
func (c candidate) score(viewThreshold, simThreshold float64) float64 {
	return min(c.confidence/maxFloat(viewThreshold), c.similarity/maxFloat(simThreshold))
}

func maxFloat(v float64) float64 {
	if v <= 0 {
		return 1
	}

	return v
}

// RunAttempts produces req.View for req.JobID. On success the variant is stored as completed
// and the outcome returned. Every state change of the variant is appended to the job's log.
func (c *Controller) RunAttempts(ctx context.Context, req Request) (*Outcome, error) {
	if req.JobID == "" || !req.View.IsValid() || strings.TrimSpace(req.Spec.Prompt) == "" {
		return nil, fmt.Errorf("%w: job %q view %q", ErrInvalidRequest, req.JobID, req.View)
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = c.policy.MaxAttempts
	}

	logger := c.logger.With(slog.String("job_id", req.JobID), slog.String("view", string(req.View)))
	viewThreshold := c.policy.ViewThreshold(req.View)
	simThreshold := c.policy.Thresholds.Similarity

	var best *candidate

	for n := 1; n <= maxAttempts; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		c.record(ctx, logger, &jobs.Variant{
			JobID: req.JobID, View: req.View, Status: jobs.VariantStatusGenerating, Tries: n,
		})

		cand, err := c.attempt(ctx, req, n)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			logger.Warn("Attempt failed",
				slog.Int("attempt", n),
				slog.Int("max_attempts", maxAttempts),
				slog.String("error", err.Error()),
			)

			if n == maxAttempts {
				// A provider failure on the last attempt is final even when an earlier
				// candidate could be accepted degraded.
				c.record(ctx, logger, &jobs.Variant{
					JobID: req.JobID, View: req.View, Status: jobs.VariantStatusFailed, Tries: n,
					Error: jobs.NewJobError(jobs.ErrorCodeProvider, err),
				})

				return nil, fmt.Errorf("%w: %w", ErrAttemptFailed, err)
			}

			continue
		}

		accepted := cand.confidence >= viewThreshold && cand.similarity >= simThreshold

		logger.Info("Attempt scored",
			slog.Int("attempt", n),
			slog.Float64("view_confidence", cand.confidence),
			slog.Float64("similarity_score", cand.similarity),
			slog.Bool("accepted", accepted),
		)

		if accepted {
			return c.accept(ctx, logger, req, cand, n, false), nil
		}

		if best == nil || cand.score(viewThreshold, simThreshold) > best.score(viewThreshold, simThreshold) {
			best = &cand
		}
	}

	if c.policy.Exhaustion == ExhaustionAcceptDegraded && best != nil {
		logger.Warn("Attempt budget exhausted, accepting best candidate as degraded")

		return c.accept(ctx, logger, req, *best, maxAttempts, true), nil
	}

	c.record(ctx, logger, &jobs.Variant{
		JobID: req.JobID, View: req.View, Status: jobs.VariantStatusFailed, Tries: maxAttempts,
		Error: &jobs.JobError{
			Code:    jobs.ErrorCodeRejected,
			Message: fmt.Sprintf("no attempt passed validation in %d tries", maxAttempts),
		},
	})

	return nil, fmt.Errorf("%w: %d attempts for %s", ErrBudgetExhausted, maxAttempts, req.View)
}

// attempt synthesizes, persists and scores attempt n.
func (c *Controller) attempt(ctx context.Context, req Request, n int) (candidate, error) {
	synthReq := generation.SynthesizeRequest{
		Prompt:       req.Spec.Prompt,
		Constraints:  slices.Clone(req.Spec.Constraints),
		View:         string(req.View),
		ReferenceURL: req.ReferenceURL,
		Seed:         c.policy.Seed(req.JobID, req.View),
		Strength:     c.policy.StrengthFor(n),
		Width:        req.Spec.Width,
		Height:       req.Spec.Height,
	}

	if req.Spec.Style != "" {
		synthReq.Prompt = req.Spec.Prompt + ", " + req.Spec.Style
	}

	if n >= 2 && len(c.policy.NegativeConstraints) > 0 {
		synthReq.NegativePrompt = strings.Join(c.policy.NegativeConstraints, ", ")
	}

	artifact, err := c.synth.Synthesize(ctx, synthReq)
	if err != nil {
		return candidate{}, err
	}

	data, contentType, err := c.fetcher.Fetch(ctx, artifact.URL)
	if err != nil {
		return candidate{}, err
	}

	if artifact.ContentType != "" {
		contentType = artifact.ContentType
	}

	url, err := c.persister.PersistBytes(ctx, req.JobID, fmt.Sprintf("%s-attempt-%d", req.View, n), data, contentType)
	if err != nil {
		return candidate{}, err
	}

	img := vision.Image{Data: data, MIMEType: contentType}
	cand := candidate{url: url}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		result, err := c.classifier.ClassifyView(gctx, img, string(req.View))
		if err != nil {
			return fmt.Errorf("classify view: %w", err)
		}

		cand.confidence = result.Confidence

		return nil
	})

	g.Go(func() error {
		score, err := c.classifier.CompareTokens(gctx, img, req.Reference)
		if err != nil {
			return fmt.Errorf("compare tokens: %w", err)
		}

		cand.similarity = score

		return nil
	})

	if err := g.Wait(); err != nil {
		return candidate{}, err
	}

	return cand, nil
}

func (c *Controller) accept(
	ctx context.Context,
	logger *slog.Logger,
	req Request,
	cand candidate,
	tries int,
	degraded bool,
) *Outcome {
	c.record(ctx, logger, &jobs.Variant{
		JobID:           req.JobID,
		View:            req.View,
		Status:          jobs.VariantStatusCompleted,
		ArtifactURL:     cand.url,
		Tries:           tries,
		ViewConfidence:  cand.confidence,
		SimilarityScore: cand.similarity,
		Degraded:        degraded,
	})

	return &Outcome{
		ArtifactURL:     cand.url,
		ViewConfidence:  cand.confidence,
		SimilarityScore: cand.similarity,
		AttemptsUsed:    tries,
		Degraded:        degraded,
	}
}

// record upserts the variant and announces it. Failures are logged: the variant row is
// best-effort progress reporting, the outcome is what the caller acts on.
func (c *Controller) record(ctx context.Context, logger *slog.Logger, v *jobs.Variant) {
	v.UpdatedAt = c.now().UTC()

	if err := c.variants.UpsertVariant(ctx, v); err != nil {
		logger.Error("Failed to store variant",
			slog.String("status", string(v.Status)),
			slog.String("error", err.Error()),
		)

		return
	}

	if c.log == nil {
		return
	}

	if _, err := c.log.Append(ctx, jobs.NewVariantEvent(v)); err != nil {
		logger.Warn("Failed to append variant status", slog.String("error", err.Error()))
	}
}
