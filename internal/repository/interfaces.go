package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/voice-campaign-engine/internal/domain"
	apperrors "github.com/acme/voice-campaign-engine/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a conditional update lost its race or a unique
	// constraint was violated.
	ErrConflict = apperrors.ErrConflict
	// ErrAlreadyQueued indicates a queue item already exists for the call.
	ErrAlreadyQueued = apperrors.ErrAlreadyQueued
)

// CampaignRepository manages campaign persistence.
type CampaignRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	// ListDispatchable returns active campaigns without a paused reason.
	ListDispatchable(ctx context.Context, limit int) ([]*domain.Campaign, error)
	// PauseActive pauses every active campaign that has no paused reason and
	// returns the campaigns it changed.
	PauseActive(ctx context.Context, reason domain.PausedReason) ([]domain.CampaignRef, error)
	// ResumePaused resumes only campaigns paused for reason.
	ResumePaused(ctx context.Context, reason domain.PausedReason) ([]domain.CampaignRef, error)
}

// ContactRepository manages contacts and their dialing state.
type ContactRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Contact, error)
	// ClaimNextPending moves the oldest pending contact of a campaign to
	// calling and returns it. Rows locked by another claimer are skipped.
	// Returns ErrNotFound when nothing is pending.
	ClaimNextPending(ctx context.Context, campaignID uuid.UUID) (*domain.Contact, error)
	// Transition changes call status only when the row is still in from.
	Transition(ctx context.Context, id uuid.UUID, from, to domain.CallStatus) error
	CountByStatus(ctx context.Context, campaignID uuid.UUID, status domain.CallStatus) (int, error)
}

// CallAttemptRepository persists call attempts.
type CallAttemptRepository interface {
	Create(ctx context.Context, attempt *domain.CallAttempt) error
	GetByProviderCallID(ctx context.Context, providerCallID string) (*domain.CallAttempt, error)
	// RecordResult sets the outcome and result fields once. It returns false
	// when the outcome was already recorded.
	RecordResult(ctx context.Context, providerCallID string, outcome domain.CallOutcome, result domain.CallResult) (bool, error)
	// LatestForContact returns the most recently created attempt of a contact.
	LatestForContact(ctx context.Context, contactID uuid.UUID) (*domain.CallAttempt, error)
	// NextRetryCandidate returns the oldest-ended attempt of the campaign whose
	// outcome is in conditions, whose retry count is below maxRetries, which
	// is the latest attempt of its contact and whose contact is failed.
	NextRetryCandidate(ctx context.Context, campaignID uuid.UUID, conditions []domain.CallOutcome, maxRetries int) (*domain.CallAttempt, error)
	// ResetForRetry increments the attempt retry count and moves the contact
	// from failed to pending as one atomic change, conditional on the retry
	// count still being expectedRetryCount.
	ResetForRetry(ctx context.Context, attemptID uuid.UUID, expectedRetryCount int) error
	SaveAnalysis(ctx context.Context, providerCallID string, analysis domain.AnalysisResult) error
}

// SequenceRepository manages sequences, their steps and contact progress.
type SequenceRepository interface {
	GetSequence(ctx context.Context, id uuid.UUID) (*domain.Sequence, error)
	ListSteps(ctx context.Context, sequenceID uuid.UUID) ([]domain.SequenceStep, error)
	DueProgress(ctx context.Context, now time.Time, limit int) ([]domain.SequenceProgress, error)
	GetProgress(ctx context.Context, id uuid.UUID) (*domain.SequenceProgress, error)
	// CreateProgress inserts a progress row; ErrConflict when the contact is
	// already active in the sequence.
	CreateProgress(ctx context.Context, progress *domain.SequenceProgress) error
	// UpdateProgress applies a conditional update; ErrConflict when the row
	// no longer matches the expected step and status.
	UpdateProgress(ctx context.Context, update domain.ProgressUpdate) error
}

// QueueRepository manages the AI processing queue.
type QueueRepository interface {
	// Insert adds an item; ErrAlreadyQueued when the call id already exists.
	Insert(ctx context.Context, item *domain.QueueItem) error
	Get(ctx context.Context, id uuid.UUID) (*domain.QueueItem, error)
	// ClaimPending moves up to limit pending items with attempts <= maxAttempts
	// to processing, highest priority first and oldest first within a
	// priority.
	ClaimPending(ctx context.Context, limit, maxAttempts int) ([]domain.QueueItem, error)
	// Claim moves a single item from pending to processing.
	Claim(ctx context.Context, id uuid.UUID) (*domain.QueueItem, error)
	Complete(ctx context.Context, id uuid.UUID, result domain.AnalysisResult) error
	Fail(ctx context.Context, id uuid.UUID, reason string, nextRetryAt time.Time) error
	Requeue(ctx context.Context, id uuid.UUID) error
}

// HealthRepository is the append-only provider health log.
type HealthRepository interface {
	Append(ctx context.Context, record domain.HealthRecord) error
	Latest(ctx context.Context, provider string) (*domain.HealthRecord, error)
}

// CallEventArchive stores raw provider webhook payloads.
type CallEventArchive interface {
	Archive(ctx context.Context, providerCallID, eventType string, payload []byte, receivedAt time.Time) error
	// History returns up to limit events of a call, newest first.
	History(ctx context.Context, providerCallID string, limit int) ([]domain.ArchivedEvent, error)
}
