package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/acme/voice-campaign-engine/internal/domain"
	"github.com/acme/voice-campaign-engine/internal/queue"
	"github.com/acme/voice-campaign-engine/internal/repository"
	"github.com/acme/voice-campaign-engine/pkg/logger"
)

// minQueuedDuration is the shortest call worth analysing.
const minQueuedDuration = 30 * time.Second

// Settler frees the limiter slot of a finished call.
type Settler interface {
	Settle(ctx context.Context, attempt *domain.CallAttempt) error
}

// Enqueuer queues a finished call for analysis.
type Enqueuer interface {
	Enqueue(ctx context.Context, call domain.CallAttempt) (*domain.QueueItem, error)
}

// EventPublisher publishes lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, evt queue.Event) error
}

// Handler applies provider callbacks. Every step is keyed on the provider
// call id so redelivered callbacks change nothing.
type Handler struct {
	attempts repository.CallAttemptRepository
	contacts repository.ContactRepository
	archive  repository.CallEventArchive
	settler  Settler
	queue    Enqueuer
	events   EventPublisher
	logger   *logger.Logger
	now      func() time.Time
}

// NewHandler constructs a handler. archive and events may be nil.
func NewHandler(
	attempts repository.CallAttemptRepository,
	contacts repository.ContactRepository,
	archive repository.CallEventArchive,
	settler Settler,
	enqueuer Enqueuer,
	events EventPublisher,
	log *logger.Logger,
) *Handler {
	return &Handler{
		attempts: attempts,
		contacts: contacts,
		archive:  archive,
		settler:  settler,
		queue:    enqueuer,
		events:   events,
		logger:   log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source.
func (h *Handler) WithClock(now func() time.Time) *Handler {
	h.now = now
	return h
}

// Handle decodes and applies one callback body.
func (h *Handler) Handle(ctx context.Context, body []byte) error {
	evt, err := Parse(body)
	if err != nil {
		return err
	}

	ctx, span := otel.Tracer("outbound.webhook").Start(ctx, "webhook.handle")
	defer span.End()
	span.SetAttributes(attribute.String("webhook.type", evt.RawType), attribute.String("call.id", evt.Call.ID))

	log := h.logger.With(zap.String("call_id", evt.Call.ID), zap.String("type", evt.RawType))

	if h.archive != nil && evt.Call.ID != "" {
		if err := h.archive.Archive(ctx, evt.Call.ID, evt.RawType, body, h.now()); err != nil {
			log.Warn("webhook: archive failed", zap.Error(err))
		}
	}

	switch evt.Type {
	case EventStatusUpdate:
		log.Info("webhook: call status update", zap.String("status", evt.Status))
		return nil
	case EventCallEnded:
		if err := h.callEnded(ctx, log, evt); err != nil {
			span.RecordError(err)
			return err
		}
		return nil
	default:
		log.Info("webhook: ignoring unknown event")
		return nil
	}
}

func (h *Handler) callEnded(ctx context.Context, log *zap.Logger, evt Event) error {
	result := evt.Call.Result()
	if result.EndedAt.IsZero() {
		result.EndedAt = h.now()
	}
	outcome := domain.OutcomeFromEndedReason(result.EndedReason)

	recorded, err := h.attempts.RecordResult(ctx, result.ProviderCallID, outcome, result)
	if errors.Is(err, repository.ErrNotFound) {
		log.Warn("webhook: call not found")
		return nil
	}
	if err != nil {
		return fmt.Errorf("webhook: record result: %w", err)
	}

	attempt, err := h.attempts.GetByProviderCallID(ctx, result.ProviderCallID)
	if err != nil {
		return fmt.Errorf("webhook: load call: %w", err)
	}
	log = log.With(zap.String("campaign_id", attempt.CampaignID.String()), zap.String("contact_id", attempt.ContactID.String()))

	finalize := recorded
	if !recorded {
		// A redelivery finishes a finalize that failed after the outcome was stored.
		finalize, err = h.pendingFinalize(ctx, attempt)
		if err != nil {
			return err
		}
	}
	if finalize {
		if err := h.finalizeContact(ctx, log, attempt); err != nil {
			return err
		}
		log.Info("webhook: call settled", zap.String("outcome", string(*attempt.Outcome)), zap.Duration("duration", attempt.Duration))
	}

	if err := h.settler.Settle(ctx, attempt); err != nil {
		return err
	}

	if recorded && h.events != nil {
		err := h.events.Publish(ctx, queue.Event{
			Type:           queue.EventCallSettled,
			OrganizationID: attempt.OrganizationID,
			CampaignID:     attempt.CampaignID,
			ContactID:      attempt.ContactID,
			CallID:         attempt.ProviderCallID,
			Data:           map[string]any{"outcome": string(*attempt.Outcome), "duration_seconds": attempt.Duration.Seconds()},
			OccurredAt:     h.now(),
		})
		if err != nil {
			log.Warn("webhook: publish settlement failed", zap.Error(err))
		}
	}

	if attempt.Transcript == "" || attempt.Duration <= minQueuedDuration {
		return nil
	}
	if _, err := h.queue.Enqueue(ctx, *attempt); err != nil {
		if errors.Is(err, repository.ErrAlreadyQueued) {
			log.Debug("webhook: call already queued")
			return nil
		}
		return fmt.Errorf("webhook: enqueue analysis: %w", err)
	}
	return nil
}

func (h *Handler) finalizeContact(ctx context.Context, log *zap.Logger, attempt *domain.CallAttempt) error {
	to := domain.CallStatusFailed
	if *attempt.Outcome == domain.OutcomeConnected {
		to = domain.CallStatusCompleted
	}
	err := h.contacts.Transition(ctx, attempt.ContactID, domain.CallStatusCalling, to)
	switch {
	case errors.Is(err, repository.ErrConflict):
		log.Debug("webhook: contact already finalized")
	case err != nil:
		return fmt.Errorf("webhook: finalize contact: %w", err)
	}
	return nil
}

// pendingFinalize reports whether the contact is still calling on behalf of
// this attempt. A newer attempt owns the contact once it is retried.
func (h *Handler) pendingFinalize(ctx context.Context, attempt *domain.CallAttempt) (bool, error) {
	if attempt.Outcome == nil {
		return false, nil
	}
	contact, err := h.contacts.Get(ctx, attempt.ContactID)
	if err != nil {
		return false, fmt.Errorf("webhook: load contact: %w", err)
	}
	if contact.CallStatus != domain.CallStatusCalling {
		return false, nil
	}
	latest, err := h.attempts.LatestForContact(ctx, attempt.ContactID)
	if err != nil {
		return false, fmt.Errorf("webhook: latest attempt: %w", err)
	}
	return latest.ID == attempt.ID, nil
}
