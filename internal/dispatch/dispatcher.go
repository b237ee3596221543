// Package dispatch places one call for one contact and records the attempt.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/voice-campaign-engine/internal/config"
	"github.com/acme/voice-campaign-engine/internal/domain"
	"github.com/acme/voice-campaign-engine/internal/ratelimit"
	"github.com/acme/voice-campaign-engine/internal/repository"
	"github.com/acme/voice-campaign-engine/internal/telephony"
	apperrors "github.com/acme/voice-campaign-engine/pkg/errors"
	"github.com/acme/voice-campaign-engine/pkg/logger"
)

// Dispatcher turns a pending contact into a placed call.
type Dispatcher struct {
	contacts repository.ContactRepository
	attempts repository.CallAttemptRepository
	limiter  *ratelimit.Limiter
	provider telephony.Provider
	cfg      config.DispatchConfig
	logger   *logger.Logger
	now      func() time.Time
}

// New constructs a dispatcher.
func New(
	contacts repository.ContactRepository,
	attempts repository.CallAttemptRepository,
	limiter *ratelimit.Limiter,
	provider telephony.Provider,
	cfg config.DispatchConfig,
	log *logger.Logger,
) *Dispatcher {
	return &Dispatcher{
		contacts: contacts,
		attempts: attempts,
		limiter:  limiter,
		provider: provider,
		cfg:      cfg,
		logger:   log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// DispatchNext takes a limiter slot, claims the oldest pending contact of the
// campaign and calls it. It returns ErrNoPendingContact when the campaign has
// nothing to dial and an ErrQuotaExceeded error when the limiter refuses.
func (d *Dispatcher) DispatchNext(ctx context.Context, campaign *domain.Campaign) (*domain.CallAttempt, error) {
	if err := checkCampaignConfig(campaign); err != nil {
		return nil, err
	}

	attemptID := uuid.New()
	now := d.now()
	lease, err := d.acquire(ctx, campaign, attemptID, now)
	if err != nil {
		return nil, err
	}

	contact, err := d.contacts.ClaimNextPending(ctx, campaign.ID)
	if err != nil {
		d.cancel(ctx, lease)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNoPendingContact
		}
		return nil, fmt.Errorf("dispatch: claim contact: %w", err)
	}
	return d.place(ctx, campaign, contact, attemptID, now)
}

// DispatchContact calls one specific contact, used by sequence call steps.
// The contact must be pending; otherwise ErrConflict is returned.
func (d *Dispatcher) DispatchContact(ctx context.Context, campaign *domain.Campaign, contactID uuid.UUID) (*domain.CallAttempt, error) {
	if err := checkCampaignConfig(campaign); err != nil {
		return nil, err
	}

	attemptID := uuid.New()
	now := d.now()
	lease, err := d.acquire(ctx, campaign, attemptID, now)
	if err != nil {
		return nil, err
	}

	if err := d.contacts.Transition(ctx, contactID, domain.CallStatusPending, domain.CallStatusCalling); err != nil {
		d.cancel(ctx, lease)
		return nil, fmt.Errorf("dispatch: claim contact %s: %w", contactID, err)
	}
	contact, err := d.contacts.Get(ctx, contactID)
	if err != nil {
		d.cancel(ctx, lease)
		d.transition(ctx, contactID, domain.CallStatusCalling, domain.CallStatusPending)
		return nil, fmt.Errorf("dispatch: load contact %s: %w", contactID, err)
	}
	return d.place(ctx, campaign, contact, attemptID, now)
}

// Settle frees the limiter slot of a finished call. Calling it more than
// once is harmless.
func (d *Dispatcher) Settle(ctx context.Context, attempt *domain.CallAttempt) error {
	released, err := d.limiter.Release(ctx, attempt.CampaignID, attempt.ID.String())
	if err != nil {
		return fmt.Errorf("dispatch: settle: %w", err)
	}
	if released {
		d.logger.Debug("dispatch: slot released",
			zap.String("campaign_id", attempt.CampaignID.String()),
			zap.String("attempt_id", attempt.ID.String()),
		)
	}
	return nil
}

func (d *Dispatcher) acquire(ctx context.Context, campaign *domain.Campaign, attemptID uuid.UUID, now time.Time) (*ratelimit.Lease, error) {
	lease, reason, err := d.limiter.Acquire(ctx, campaign, attemptID.String(), now)
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	if !reason.Allowed() {
		return nil, fmt.Errorf("dispatch: %w: %s", apperrors.ErrQuotaExceeded, reason)
	}
	return lease, nil
}

func (d *Dispatcher) place(ctx context.Context, campaign *domain.Campaign, contact *domain.Contact, attemptID uuid.UUID, now time.Time) (*domain.CallAttempt, error) {
	tracer := otel.Tracer("outbound.dispatch")
	ctx, span := tracer.Start(ctx, "dispatch.place_call", trace.WithAttributes(
		attribute.String("campaign.id", campaign.ID.String()),
		attribute.String("contact.id", contact.ID.String()),
	))
	defer span.End()

	log := d.logger.WithContext(ctx).With(
		zap.String("campaign_id", campaign.ID.String()),
		zap.String("contact_id", contact.ID.String()),
	)

	number, err := NormalizeE164(contact.Phone, d.cfg.DefaultCountryCode)
	if err != nil {
		span.RecordError(err)
		d.releaseSlot(ctx, campaign.ID, attemptID)
		d.transition(ctx, contact.ID, domain.CallStatusCalling, domain.CallStatusFailed)
		log.Warn("dispatch: invalid phone number", zap.Error(err))
		return nil, err
	}

	placed, err := d.provider.PlaceCall(ctx, telephony.PlaceCallRequest{
		AssistantID:   campaign.Settings.AssistantID,
		PhoneNumberID: campaign.Settings.PhoneNumberID,
		Customer: telephony.Customer{
			Number:     number,
			Name:       contact.FullName(),
			ExternalID: contact.ID.String(),
		},
		Metadata: map[string]string{
			"campaignId":     campaign.ID.String(),
			"contactId":      contact.ID.String(),
			"organizationId": campaign.OrganizationID.String(),
			"attemptId":      attemptID.String(),
		},
	})
	if err != nil {
		dispatchErr := classify(err)
		span.RecordError(dispatchErr)
		d.releaseSlot(ctx, campaign.ID, attemptID)
		if dispatchErr.Configuration() {
			d.transition(ctx, contact.ID, domain.CallStatusCalling, domain.CallStatusPending)
		} else {
			d.transition(ctx, contact.ID, domain.CallStatusCalling, domain.CallStatusFailed)
		}
		log.Error("dispatch: place call failed",
			zap.String("kind", string(dispatchErr.Kind)),
			zap.Int("provider_status", dispatchErr.StatusCode),
			zap.Error(err),
		)
		return nil, dispatchErr
	}

	attempt := &domain.CallAttempt{
		ID:             attemptID,
		CampaignID:     campaign.ID,
		ContactID:      contact.ID,
		OrganizationID: campaign.OrganizationID,
		ProviderCallID: placed.ID,
		RetryCount:     contact.RetryCount,
		Status:         placed.Status,
		CreatedAt:      now,
	}
	if err := d.persist(ctx, attempt); err != nil {
		span.RecordError(err)
		// The call is live at the provider but untracked here: free the slot,
		// fail the contact and leave the call id for reconciliation.
		d.releaseSlot(ctx, campaign.ID, attemptID)
		d.transition(ctx, contact.ID, domain.CallStatusCalling, domain.CallStatusFailed)
		log.Error("dispatch: persist attempt failed, call needs reconciliation", zap.String("call_id", placed.ID), zap.Error(err))
		return nil, fmt.Errorf("dispatch: persist attempt %s: %w", placed.ID, err)
	}

	span.SetAttributes(attribute.String("call.id", placed.ID))
	log.Info("dispatch: call placed", zap.String("call_id", placed.ID), zap.Int("retry_count", attempt.RetryCount))
	return attempt, nil
}

// persist inserts the attempt, retrying once on a store error.
func (d *Dispatcher) persist(ctx context.Context, attempt *domain.CallAttempt) error {
	err := d.attempts.Create(ctx, attempt)
	if err == nil || errors.Is(err, repository.ErrConflict) || ctx.Err() != nil {
		return err
	}
	d.logger.Warn("dispatch: persist attempt failed, retrying", zap.String("call_id", attempt.ProviderCallID), zap.Error(err))
	return d.attempts.Create(ctx, attempt)
}

func (d *Dispatcher) cancel(ctx context.Context, lease *ratelimit.Lease) {
	if err := d.limiter.Cancel(ctx, lease); err != nil {
		d.logger.Warn("dispatch: cancel lease failed", zap.Error(err))
	}
}

func (d *Dispatcher) releaseSlot(ctx context.Context, campaignID, attemptID uuid.UUID) {
	if _, err := d.limiter.Release(ctx, campaignID, attemptID.String()); err != nil {
		d.logger.Warn("dispatch: release slot failed", zap.String("campaign_id", campaignID.String()), zap.Error(err))
	}
}

func (d *Dispatcher) transition(ctx context.Context, contactID uuid.UUID, from, to domain.CallStatus) {
	if err := d.contacts.Transition(ctx, contactID, from, to); err != nil {
		d.logger.Error("dispatch: contact transition failed",
			zap.String("contact_id", contactID.String()),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.Error(err),
		)
	}
}

func checkCampaignConfig(c *domain.Campaign) error {
	if c.Settings.AssistantID == "" || c.Settings.PhoneNumberID == "" {
		return &DispatchError{
			Kind: KindConfiguration,
			Err:  fmt.Errorf("%w: campaign %s has no assistant or phone number", apperrors.ErrConfiguration, c.ID),
		}
	}
	return nil
}
