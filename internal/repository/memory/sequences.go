package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/acme/voice-campaign-engine/internal/domain"
	"github.com/acme/voice-campaign-engine/internal/repository"
)

// SequenceRepository implements repository.SequenceRepository.
type SequenceRepository struct{ s *Store }

// GetSequence returns a copy of the sequence.
func (r *SequenceRepository) GetSequence(_ context.Context, id uuid.UUID) (*domain.Sequence, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	seq, ok := r.s.sequences[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *seq
	return &cp, nil
}

// SetSequenceActive toggles a sequence.
func (r *SequenceRepository) SetSequenceActive(id uuid.UUID, active bool) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if seq, ok := r.s.sequences[id]; ok {
		seq.IsActive = active
	}
}

// ListSteps returns steps ordered by step order.
func (r *SequenceRepository) ListSteps(_ context.Context, sequenceID uuid.UUID) ([]domain.SequenceStep, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	steps := append([]domain.SequenceStep(nil), r.s.steps[sequenceID]...)
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepOrder < steps[j].StepOrder })
	return steps, nil
}

// DueProgress returns active rows whose next action is due.
func (r *SequenceRepository) DueProgress(_ context.Context, now time.Time, limit int) ([]domain.SequenceProgress, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.SequenceProgress
	for _, p := range r.s.progress {
		if p.Status == domain.ProgressActive && !p.NextActionAt.After(now) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextActionAt.Before(out[j].NextActionAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetProgress returns a copy of a progress row.
func (r *SequenceRepository) GetProgress(_ context.Context, id uuid.UUID) (*domain.SequenceProgress, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.progress[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// CreateProgress inserts a row, rejecting a second active enrollment.
func (r *SequenceRepository) CreateProgress(_ context.Context, progress *domain.SequenceProgress) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, p := range r.s.progress {
		if p.SequenceID == progress.SequenceID && p.ContactID == progress.ContactID && p.Status == domain.ProgressActive {
			return repository.ErrConflict
		}
	}
	cp := *progress
	r.s.touch(cp.ID)
	r.s.progress[cp.ID] = &cp
	return nil
}

// UpdateProgress applies a conditional update.
func (r *SequenceRepository) UpdateProgress(_ context.Context, u domain.ProgressUpdate) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.progress[u.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if p.Status != u.ExpectedStatus || !sameStep(p.CurrentStepID, u.ExpectedStepID) {
		return repository.ErrConflict
	}
	if err := domain.CheckProgressTransition(p.Status, u.Status); err != nil {
		return err
	}
	p.CurrentStepID = u.StepID
	p.Status = u.Status
	p.NextActionAt = u.NextActionAt
	p.CompletedAt = u.CompletedAt
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func sameStep(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// QueueRepository implements repository.QueueRepository.
type QueueRepository struct{ s *Store }

// Insert adds an item unless the call is already queued.
func (r *QueueRepository) Insert(_ context.Context, item *domain.QueueItem) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, it := range r.s.queue {
		if it.CallID == item.CallID {
			return repository.ErrAlreadyQueued
		}
	}
	cp := *item
	r.s.touch(cp.ID)
	r.s.queue[cp.ID] = &cp
	return nil
}

// Get returns a copy of the item.
func (r *QueueRepository) Get(_ context.Context, id uuid.UUID) (*domain.QueueItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	it, ok := r.s.queue[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *it
	return &cp, nil
}

// ClaimPending marks up to limit items processing.
func (r *QueueRepository) ClaimPending(_ context.Context, limit, maxAttempts int) ([]domain.QueueItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var candidates []*domain.QueueItem
	for _, it := range r.s.queue {
		if it.Status == domain.QueuePending && it.Attempts <= maxAttempts {
			candidates = append(candidates, it)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return r.s.inserted[candidates[i].ID] < r.s.inserted[candidates[j].ID]
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]domain.QueueItem, 0, len(candidates))
	for _, it := range candidates {
		it.Status = domain.QueueProcessing
		it.UpdatedAt = time.Now().UTC()
		out = append(out, *it)
	}
	return out, nil
}

// Claim marks one pending item processing.
func (r *QueueRepository) Claim(_ context.Context, id uuid.UUID) (*domain.QueueItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	it, ok := r.s.queue[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if it.Status != domain.QueuePending {
		return nil, repository.ErrConflict
	}
	it.Status = domain.QueueProcessing
	it.UpdatedAt = time.Now().UTC()
	cp := *it
	return &cp, nil
}

// Complete stores the result on a processing item.
func (r *QueueRepository) Complete(_ context.Context, id uuid.UUID, result domain.AnalysisResult) error {
	return r.move(id, domain.QueueProcessing, domain.QueueCompleted, func(it *domain.QueueItem) {
		res := result
		it.Result = &res
		it.LastError = ""
	})
}

// Fail records a scoring failure on a processing item.
func (r *QueueRepository) Fail(_ context.Context, id uuid.UUID, reason string, nextRetryAt time.Time) error {
	return r.move(id, domain.QueueProcessing, domain.QueueFailed, func(it *domain.QueueItem) {
		next := nextRetryAt
		it.Attempts++
		it.LastError = reason
		it.NextRetryAt = &next
	})
}

// Requeue moves a failed item back to pending.
func (r *QueueRepository) Requeue(_ context.Context, id uuid.UUID) error {
	return r.move(id, domain.QueueFailed, domain.QueuePending, func(it *domain.QueueItem) {
		it.NextRetryAt = nil
	})
}

func (r *QueueRepository) move(id uuid.UUID, from, to domain.QueueStatus, mutate func(*domain.QueueItem)) error {
	if err := domain.CheckQueueTransition(from, to); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	it, ok := r.s.queue[id]
	if !ok {
		return repository.ErrNotFound
	}
	if it.Status != from {
		return repository.ErrConflict
	}
	it.Status = to
	it.UpdatedAt = time.Now().UTC()
	mutate(it)
	return nil
}

// HealthRepository implements repository.HealthRepository.
type HealthRepository struct{ s *Store }

// Append adds a record to the log.
func (r *HealthRepository) Append(_ context.Context, record domain.HealthRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.health = append(r.s.health, record)
	return nil
}

// Latest returns the most recent record for the provider.
func (r *HealthRepository) Latest(_ context.Context, provider string) (*domain.HealthRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for i := len(r.s.health) - 1; i >= 0; i-- {
		if r.s.health[i].Provider == provider {
			rec := r.s.health[i]
			return &rec, nil
		}
	}
	return nil, repository.ErrNotFound
}

// EventArchive implements repository.CallEventArchive.
type EventArchive struct{ s *Store }

// Archive stores a raw webhook payload.
func (a *EventArchive) Archive(_ context.Context, providerCallID, eventType string, payload []byte, receivedAt time.Time) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	a.s.events = append(a.s.events, domain.ArchivedEvent{
		ProviderCallID: providerCallID,
		Type:           eventType,
		Payload:        append([]byte(nil), payload...),
		ReceivedAt:     receivedAt,
	})
	return nil
}

// History returns the events of a call, newest first.
func (a *EventArchive) History(_ context.Context, providerCallID string, limit int) ([]domain.ArchivedEvent, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	var out []domain.ArchivedEvent
	for i := len(a.s.events) - 1; i >= 0; i-- {
		if a.s.events[i].ProviderCallID != providerCallID {
			continue
		}
		out = append(out, a.s.events[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
