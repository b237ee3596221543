// Package dispatch consumes call requests published by sequence call steps
// and places the calls through the dispatcher.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/voice-campaign-engine/internal/domain"
	"github.com/acme/voice-campaign-engine/internal/queue"
	"github.com/acme/voice-campaign-engine/internal/repository"
	apperrors "github.com/acme/voice-campaign-engine/pkg/errors"
	"github.com/acme/voice-campaign-engine/pkg/logger"
)

// MessageReader is the consumer side of a Kafka reader.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ContactDispatcher places a call for one named contact.
type ContactDispatcher interface {
	DispatchContact(ctx context.Context, campaign *domain.Campaign, contactID uuid.UUID) (*domain.CallAttempt, error)
}

// HealthGate reports the recorded provider health.
type HealthGate interface {
	Current(ctx context.Context) (domain.HealthStatus, error)
}

// Worker places the calls requested by sequences. A request that cannot be
// served now leaves the contact pending for the campaign scheduler.
type Worker struct {
	reader     MessageReader
	campaigns  repository.CampaignRepository
	dispatcher ContactDispatcher
	health     HealthGate
	logger     *logger.Logger
}

// New creates a worker reading from reader.
func New(reader MessageReader, campaigns repository.CampaignRepository, dispatcher ContactDispatcher, health HealthGate, log *logger.Logger) *Worker {
	return &Worker{reader: reader, campaigns: campaigns, dispatcher: dispatcher, health: health, logger: log}
}

// Run consumes until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	defer w.reader.Close()

	for {
		m, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("dispatch worker: fetch message", zap.Error(err))
			continue
		}

		if err := w.handle(ctx, m); err != nil {
			w.logger.Error("dispatch worker: process", zap.Error(err))
		}
		if err := w.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			w.logger.Error("dispatch worker: commit message", zap.Error(err))
		}
	}
}

func (w *Worker) handle(ctx context.Context, m kafka.Message) error {
	var req queue.DispatchRequest
	if err := json.Unmarshal(m.Value, &req); err != nil {
		return fmt.Errorf("unmarshal dispatch request: %w", err)
	}

	sctx, span := otel.Tracer("outbound.dispatchworker").Start(ctx, "dispatch.request", trace.WithAttributes(
		attribute.String("campaign.id", req.CampaignID.String()),
		attribute.String("contact.id", req.ContactID.String()),
		attribute.String("sequence.id", req.SequenceID.String()),
	))
	defer span.End()

	log := w.logger.With(
		zap.String("campaign_id", req.CampaignID.String()),
		zap.String("contact_id", req.ContactID.String()),
		zap.String("request_id", req.RequestID.String()),
	)

	if w.health != nil {
		status, err := w.health.Current(sctx)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("load provider health: %w", err)
		}
		if status == domain.HealthDown {
			log.Info("dispatch worker: provider down, leaving contact pending")
			return nil
		}
	}

	campaign, err := w.campaigns.Get(sctx, req.CampaignID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("load campaign: %w", err)
	}
	if !campaign.Dispatchable() {
		log.Info("dispatch worker: campaign not dispatchable", zap.String("status", string(campaign.Status)))
		return nil
	}

	attempt, err := w.dispatcher.DispatchContact(sctx, campaign, req.ContactID)
	switch {
	case err == nil:
		span.SetAttributes(attribute.String("call.id", attempt.ProviderCallID))
		log.Info("dispatch worker: call placed", zap.String("call_id", attempt.ProviderCallID))
		return nil
	case errors.Is(err, apperrors.ErrQuotaExceeded):
		log.Info("dispatch worker: rate limited, contact stays pending", zap.Error(err))
		return nil
	case errors.Is(err, repository.ErrConflict):
		log.Debug("dispatch worker: contact not pending", zap.Error(err))
		return nil
	default:
		span.RecordError(err)
		return err
	}
}
