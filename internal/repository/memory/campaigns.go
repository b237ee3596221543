package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/acme/voice-campaign-engine/internal/domain"
	"github.com/acme/voice-campaign-engine/internal/repository"
)

var (
	_ repository.CampaignRepository    = (*CampaignRepository)(nil)
	_ repository.ContactRepository     = (*ContactRepository)(nil)
	_ repository.CallAttemptRepository = (*CallAttemptRepository)(nil)
	_ repository.SequenceRepository    = (*SequenceRepository)(nil)
	_ repository.QueueRepository       = (*QueueRepository)(nil)
	_ repository.HealthRepository      = (*HealthRepository)(nil)
	_ repository.CallEventArchive      = (*EventArchive)(nil)
)

// CampaignRepository implements repository.CampaignRepository.
type CampaignRepository struct{ s *Store }

// Get returns a copy of the campaign.
func (r *CampaignRepository) Get(_ context.Context, id uuid.UUID) (*domain.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// ListDispatchable returns active campaigns without a paused reason.
func (r *CampaignRepository) ListDispatchable(_ context.Context, limit int) ([]*domain.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.Campaign
	for _, c := range r.s.campaigns {
		if c.Dispatchable() {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return r.s.inserted[out[i].ID] < r.s.inserted[out[j].ID] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PauseActive pauses active campaigns that carry no paused reason.
func (r *CampaignRepository) PauseActive(_ context.Context, reason domain.PausedReason) ([]domain.CampaignRef, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var refs []domain.CampaignRef
	for _, c := range r.s.campaigns {
		if !c.Dispatchable() {
			continue
		}
		if err := c.Pause(reason); err != nil {
			continue
		}
		c.UpdatedAt = time.Now().UTC()
		refs = append(refs, domain.CampaignRef{ID: c.ID, OrganizationID: c.OrganizationID})
	}
	return refs, nil
}

// ResumePaused resumes campaigns paused for reason.
func (r *CampaignRepository) ResumePaused(_ context.Context, reason domain.PausedReason) ([]domain.CampaignRef, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var refs []domain.CampaignRef
	for _, c := range r.s.campaigns {
		if err := c.Resume(reason); err != nil {
			continue
		}
		c.UpdatedAt = time.Now().UTC()
		refs = append(refs, domain.CampaignRef{ID: c.ID, OrganizationID: c.OrganizationID})
	}
	return refs, nil
}

// ContactRepository implements repository.ContactRepository.
type ContactRepository struct{ s *Store }

// Get returns a copy of the contact.
func (r *ContactRepository) Get(_ context.Context, id uuid.UUID) (*domain.Contact, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.contacts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// ClaimNextPending flips the oldest pending contact to calling.
func (r *ContactRepository) ClaimNextPending(_ context.Context, campaignID uuid.UUID) (*domain.Contact, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var oldest *domain.Contact
	for _, c := range r.s.contacts {
		if c.CampaignID != campaignID || c.CallStatus != domain.CallStatusPending {
			continue
		}
		if oldest == nil || r.s.inserted[c.ID] < r.s.inserted[oldest.ID] {
			oldest = c
		}
	}
	if oldest == nil {
		return nil, repository.ErrNotFound
	}
	oldest.CallStatus = domain.CallStatusCalling
	oldest.UpdatedAt = time.Now().UTC()
	cp := *oldest
	return &cp, nil
}

// Transition changes call status when the row is still in from.
func (r *ContactRepository) Transition(_ context.Context, id uuid.UUID, from, to domain.CallStatus) error {
	if err := domain.CheckCallTransition(from, to); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.contacts[id]
	if !ok {
		return repository.ErrNotFound
	}
	if c.CallStatus != from {
		return repository.ErrConflict
	}
	c.CallStatus = to
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// CountByStatus counts contacts of a campaign in status.
func (r *ContactRepository) CountByStatus(_ context.Context, campaignID uuid.UUID, status domain.CallStatus) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, c := range r.s.contacts {
		if c.CampaignID == campaignID && c.CallStatus == status {
			n++
		}
	}
	return n, nil
}

// CallAttemptRepository implements repository.CallAttemptRepository.
type CallAttemptRepository struct{ s *Store }

// Create stores a new attempt.
func (r *CallAttemptRepository) Create(_ context.Context, attempt *domain.CallAttempt) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.attempts[attempt.ID]; ok {
		return repository.ErrConflict
	}
	for _, a := range r.s.attempts {
		if attempt.ProviderCallID != "" && a.ProviderCallID == attempt.ProviderCallID {
			return repository.ErrConflict
		}
	}
	cp := *attempt
	r.s.touch(cp.ID)
	r.s.attempts[cp.ID] = &cp
	return nil
}

// GetByProviderCallID looks an attempt up by provider id.
func (r *CallAttemptRepository) GetByProviderCallID(_ context.Context, providerCallID string) (*domain.CallAttempt, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a := r.s.findByProvider(providerCallID)
	if a == nil {
		return nil, repository.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// RecordResult sets the outcome once.
func (r *CallAttemptRepository) RecordResult(_ context.Context, providerCallID string, outcome domain.CallOutcome, result domain.CallResult) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a := r.s.findByProvider(providerCallID)
	if a == nil {
		return false, repository.ErrNotFound
	}
	if a.Outcome != nil {
		return false, nil
	}
	o := outcome
	ended := result.EndedAt
	a.Outcome = &o
	a.Status = result.Status
	a.EndedReason = result.EndedReason
	a.Duration = result.Duration
	a.Cost = result.Cost
	a.Transcript = result.Transcript
	a.RecordingURL = result.RecordingURL
	a.Summary = result.Summary
	a.EndedAt = &ended
	return true, nil
}

// LatestForContact returns the most recently inserted attempt of the contact.
func (r *CallAttemptRepository) LatestForContact(_ context.Context, contactID uuid.UUID) (*domain.CallAttempt, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var latest *domain.CallAttempt
	for _, a := range r.s.attempts {
		if a.ContactID == contactID && (latest == nil || r.s.inserted[a.ID] > r.s.inserted[latest.ID]) {
			latest = a
		}
	}
	if latest == nil {
		return nil, repository.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

// NextRetryCandidate returns the oldest-ended retryable attempt.
func (r *CallAttemptRepository) NextRetryCandidate(_ context.Context, campaignID uuid.UUID, conditions []domain.CallOutcome, maxRetries int) (*domain.CallAttempt, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	policy := domain.RetryPolicy{RetryConditions: conditions}
	var best *domain.CallAttempt
	for _, a := range r.s.attempts {
		if a.CampaignID != campaignID || a.Outcome == nil || a.EndedAt == nil {
			continue
		}
		if !policy.Matches(*a.Outcome) || a.RetryCount >= maxRetries {
			continue
		}
		contact, ok := r.s.contacts[a.ContactID]
		if !ok || contact.CallStatus != domain.CallStatusFailed {
			continue
		}
		if !r.s.isLatestAttempt(a) {
			continue
		}
		if best == nil || a.EndedAt.Before(*best.EndedAt) {
			best = a
		}
	}
	if best == nil {
		return nil, repository.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

// ResetForRetry bumps the retry count and re-queues the contact atomically.
func (r *CallAttemptRepository) ResetForRetry(_ context.Context, attemptID uuid.UUID, expectedRetryCount int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.attempts[attemptID]
	if !ok {
		return repository.ErrNotFound
	}
	contact, ok := r.s.contacts[a.ContactID]
	if !ok {
		return repository.ErrNotFound
	}
	if a.RetryCount != expectedRetryCount || contact.CallStatus != domain.CallStatusFailed {
		return repository.ErrConflict
	}
	a.RetryCount++
	contact.CallStatus = domain.CallStatusPending
	contact.RetryCount = a.RetryCount
	contact.UpdatedAt = time.Now().UTC()
	return nil
}

// SaveAnalysis attaches the AI analysis to the attempt.
func (r *CallAttemptRepository) SaveAnalysis(_ context.Context, providerCallID string, analysis domain.AnalysisResult) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a := r.s.findByProvider(providerCallID)
	if a == nil {
		return repository.ErrNotFound
	}
	res := analysis
	a.Analysis = &res
	return nil
}

func (s *Store) findByProvider(providerCallID string) *domain.CallAttempt {
	for _, a := range s.attempts {
		if a.ProviderCallID == providerCallID {
			return a
		}
	}
	return nil
}

func (s *Store) isLatestAttempt(a *domain.CallAttempt) bool {
	for _, other := range s.attempts {
		if other.ContactID == a.ContactID && s.inserted[other.ID] > s.inserted[a.ID] {
			return false
		}
	}
	return true
}
