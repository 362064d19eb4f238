package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/genrelay-io/genrelay/internal/jobs"
)

// MemoryStore implements jobs.Store in process memory.
//
// It mirrors the PostgreSQL semantics (ledger claims, row-locked transitions, dense sequence
// numbers, variant compare-and-set) under a single mutex. Values are copied on the way in
// and out so callers cannot mutate stored state.
type MemoryStore struct {
	mutex sync.RWMutex

	jobs     map[string]*jobs.Job
	ledger   map[string]*ledgerEntry
	mappings map[string]string
	variants map[variantKey]*jobs.Variant
	tokens   map[string]*jobs.DesignTokens
	statuses map[string][]jobs.StatusEvent

	claimLease time.Duration
	now        func() time.Time
}

type (
	ledgerEntry struct {
		processed bool
		payload   []byte
		claimedAt time.Time
	}

	variantKey struct {
		jobID string
		view  jobs.View
	}
)

var _ jobs.Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store. now may be nil.
func NewMemoryStore(claimLease time.Duration, now func() time.Time) *MemoryStore {
	if claimLease <= 0 {
		claimLease = defaultClaimLease
	}

	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &MemoryStore{
		jobs:       make(map[string]*jobs.Job),
		ledger:     make(map[string]*ledgerEntry),
		mappings:   make(map[string]string),
		variants:   make(map[variantKey]*jobs.Variant),
		tokens:     make(map[string]*jobs.DesignTokens),
		statuses:   make(map[string][]jobs.StatusEvent),
		claimLease: claimLease,
		now:        now,
	}
}

// Claim implements jobs.Ledger.
func (s *MemoryStore) Claim(_ context.Context, eventID string, payload []byte) (jobs.ClaimOutcome, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := s.now()

	entry, exists := s.ledger[eventID]
	switch {
	case !exists:
		s.ledger[eventID] = &ledgerEntry{payload: slices.Clone(payload), claimedAt: now}

		return jobs.ClaimClaimed, nil
	case entry.processed:
		return jobs.ClaimAlreadyProcessed, nil
	case now.Sub(entry.claimedAt) > s.claimLease:
		entry.claimedAt = now

		return jobs.ClaimClaimed, nil
	}

	return jobs.ClaimInFlight, nil
}

// MarkProcessed implements jobs.Ledger.
func (s *MemoryStore) MarkProcessed(_ context.Context, eventID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	entry, exists := s.ledger[eventID]
	if !exists {
		return fmt.Errorf("%w: %s", jobs.ErrEventNotClaimed, eventID)
	}

	entry.processed = true

	return nil
}

// CreateJob implements jobs.JobStore.
func (s *MemoryStore) CreateJob(_ context.Context, job *jobs.Job) (bool, error) {
	if job == nil || job.ID == "" {
		return false, fmt.Errorf("%w: job id is required", ErrJobStoreFailed)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return false, nil
	}

	now := s.now()
	if job.State == "" {
		job.State = jobs.JobStateQueued
	}

	job.CreatedAt = now
	job.UpdatedAt = now

	s.jobs[job.ID] = copyJob(job)

	return true, nil
}

// GetJob implements jobs.JobStore.
func (s *MemoryStore) GetJob(_ context.Context, jobID string) (*jobs.Job, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", jobs.ErrJobNotFound, jobID)
	}

	return copyJob(job), nil
}

// RecordSubmission implements jobs.JobStore.
func (s *MemoryStore) RecordSubmission(
	_ context.Context,
	jobID, providerTaskID string,
) (bool, error) {
	if providerTaskID == "" {
		return false, fmt.Errorf("%w: provider task id is required", ErrJobStoreFailed)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return false, fmt.Errorf("%w: %s", jobs.ErrJobNotFound, jobID)
	}

	if job.ProviderTaskID == providerTaskID {
		return false, nil
	}

	next, _, ok, err := jobs.PlanTransition(*job, jobs.Transition{
		JobID: jobID,
		To:    jobs.JobStateSubmitted,
	}, s.now())
	if err != nil || !ok {
		return false, err
	}

	if _, mapped := s.mappings[providerTaskID]; mapped {
		return false, fmt.Errorf("%w: %s", jobs.ErrTaskAlreadyMapped, providerTaskID)
	}

	s.mappings[providerTaskID] = jobID
	next.ProviderTaskID = providerTaskID
	s.jobs[jobID] = copyJob(&next)

	return true, nil
}

// ApplyTransition implements jobs.JobStore.
func (s *MemoryStore) ApplyTransition(_ context.Context, t jobs.Transition) (jobs.StatusEvent, bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	job, exists := s.jobs[t.JobID]
	if !exists {
		return jobs.StatusEvent{}, false, fmt.Errorf("%w: %s", jobs.ErrJobNotFound, t.JobID)
	}

	next, ev, ok, err := jobs.PlanTransition(*job, t, s.now())
	if err != nil || !ok {
		return jobs.StatusEvent{}, false, err
	}

	return s.commitLocked(&next, ev), true, nil
}

// ListStaleJobs implements jobs.JobStore.
func (s *MemoryStore) ListStaleJobs(_ context.Context, before time.Time, limit int) ([]*jobs.Job, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var stale []*jobs.Job

	for _, job := range s.jobs {
		if !job.State.IsTerminal() && job.UpdatedAt.Before(before) {
			stale = append(stale, copyJob(job))
		}
	}

	sort.Slice(stale, func(i, j int) bool {
		return stale[i].UpdatedAt.Before(stale[j].UpdatedAt)
	})

	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}

	return stale, nil
}

// ResolveTask implements jobs.TaskMappings.
func (s *MemoryStore) ResolveTask(_ context.Context, providerTaskID string) (string, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	jobID, exists := s.mappings[providerTaskID]
	if !exists {
		return "", fmt.Errorf("%w: %s", jobs.ErrTaskNotMapped, providerTaskID)
	}

	return jobID, nil
}

// ClaimVariant implements jobs.VariantStore.
func (s *MemoryStore) ClaimVariant(
	_ context.Context,
	jobID string,
	view jobs.View,
	lease time.Duration,
) (*jobs.Variant, bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.jobs[jobID]; !exists {
		return nil, false, fmt.Errorf("%w: %s", jobs.ErrJobNotFound, jobID)
	}

	now := s.now()
	key := variantKey{jobID: jobID, view: view}

	current, exists := s.variants[key]
	if exists {
		stale := current.Status == jobs.VariantStatusGenerating && now.Sub(current.UpdatedAt) > lease
		if current.Status != jobs.VariantStatusPending && current.Status != jobs.VariantStatusFailed && !stale {
			return copyVariant(current), false, nil
		}
	}

	claimed := &jobs.Variant{
		JobID:     jobID,
		View:      view,
		Status:    jobs.VariantStatusGenerating,
		UpdatedAt: now,
	}
	s.variants[key] = claimed

	return copyVariant(claimed), true, nil
}

// UpsertVariant implements jobs.VariantStore.
func (s *MemoryStore) UpsertVariant(_ context.Context, v *jobs.Variant) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.jobs[v.JobID]; !exists {
		return fmt.Errorf("%w: %s", jobs.ErrJobNotFound, v.JobID)
	}

	key := variantKey{jobID: v.JobID, view: v.View}
	if current, exists := s.variants[key]; exists &&
		current.Status == jobs.VariantStatusCompleted && v.Status != jobs.VariantStatusCompleted {
		return nil
	}

	stored := copyVariant(v)
	stored.UpdatedAt = s.now()
	s.variants[key] = stored

	return nil
}

// GetVariant implements jobs.VariantStore.
func (s *MemoryStore) GetVariant(_ context.Context, jobID string, view jobs.View) (*jobs.Variant, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	v, exists := s.variants[variantKey{jobID: jobID, view: view}]
	if !exists {
		return nil, fmt.Errorf("%w: %s/%s", jobs.ErrVariantNotFound, jobID, view)
	}

	return copyVariant(v), nil
}

// ListVariants implements jobs.VariantStore.
func (s *MemoryStore) ListVariants(_ context.Context, jobID string) ([]*jobs.Variant, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var variants []*jobs.Variant

	for key, v := range s.variants {
		if key.jobID == jobID {
			variants = append(variants, copyVariant(v))
		}
	}

	sort.Slice(variants, func(i, j int) bool {
		return variants[i].View < variants[j].View
	})

	return variants, nil
}

// PutDesignTokens implements jobs.DesignTokenStore.
func (s *MemoryStore) PutDesignTokens(_ context.Context, tokens *jobs.DesignTokens) (*jobs.DesignTokens, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.jobs[tokens.JobID]; !exists {
		return nil, fmt.Errorf("%w: %s", jobs.ErrJobNotFound, tokens.JobID)
	}

	if stored, exists := s.tokens[tokens.JobID]; exists {
		return copyTokens(stored), nil
	}

	stored := copyTokens(tokens)
	stored.CreatedAt = s.now()
	s.tokens[tokens.JobID] = stored

	return copyTokens(stored), nil
}

// GetDesignTokens implements jobs.DesignTokenStore.
func (s *MemoryStore) GetDesignTokens(_ context.Context, jobID string) (*jobs.DesignTokens, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	stored, exists := s.tokens[jobID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", jobs.ErrDesignTokensNotFound, jobID)
	}

	return copyTokens(stored), nil
}

// AppendStatus implements jobs.StatusLog.
func (s *MemoryStore) AppendStatus(_ context.Context, ev jobs.StatusEvent) (jobs.StatusEvent, error) {
	if !ev.Kind.IsValid() {
		return ev, fmt.Errorf("%w: unknown status kind %q", ErrJobStoreFailed, ev.Kind)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	job, exists := s.jobs[ev.JobID]
	if !exists {
		return ev, fmt.Errorf("%w: %s", jobs.ErrJobNotFound, ev.JobID)
	}

	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now()
	}

	job.LastSeq++
	ev.Seq = job.LastSeq
	s.statuses[ev.JobID] = append(s.statuses[ev.JobID], copyStatus(ev))

	return ev, nil
}

// ReadStatusSince implements jobs.StatusLog.
func (s *MemoryStore) ReadStatusSince(
	_ context.Context,
	jobID string,
	lastSeq int64,
	limit int,
) ([]jobs.StatusEvent, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var events []jobs.StatusEvent

	// Entries are stored in seq order starting at 1.
	log := s.statuses[jobID]
	start := max(lastSeq, 0)

	for i := start; i < int64(len(log)); i++ {
		events = append(events, copyStatus(log[i]))

		if limit > 0 && len(events) == limit {
			break
		}
	}

	return events, nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

// commitLocked stores next and appends ev with the next sequence number. Caller holds the lock.
func (s *MemoryStore) commitLocked(next *jobs.Job, ev jobs.StatusEvent) jobs.StatusEvent {
	next.LastSeq++
	ev.Seq = next.LastSeq

	s.jobs[next.ID] = copyJob(next)
	s.statuses[next.ID] = append(s.statuses[next.ID], copyStatus(ev))

	return ev
}

func copyJob(job *jobs.Job) *jobs.Job {
	c := *job
	c.ResultArtifacts = slices.Clone(job.ResultArtifacts)
	c.Spec.Constraints = slices.Clone(job.Spec.Constraints)

	if job.Error != nil {
		e := *job.Error
		c.Error = &e
	}

	return &c
}

func copyVariant(v *jobs.Variant) *jobs.Variant {
	c := *v

	if v.Error != nil {
		e := *v.Error
		c.Error = &e
	}

	return &c
}

func copyTokens(t *jobs.DesignTokens) *jobs.DesignTokens {
	c := *t
	c.Palette = slices.Clone(t.Palette)
	c.Materials = slices.Clone(t.Materials)
	c.Construction = slices.Clone(t.Construction)

	return &c
}

func copyStatus(ev jobs.StatusEvent) jobs.StatusEvent {
	ev.Artifacts = slices.Clone(ev.Artifacts)

	if ev.Variant != nil {
		v := *ev.Variant
		ev.Variant = &v
	}

	return ev
}
