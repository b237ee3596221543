// Package processing runs AI analysis over finished calls through a durable
// priority queue.
package processing

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
	"github.com/acme/voice-campaign-engine/internal/repository"
	"github.com/acme/voice-campaign-engine/internal/telemetry"
	"github.com/acme/voice-campaign-engine/pkg/logger"
)

// Analyzer scores one call in the context of its campaign.
type Analyzer interface {
	Analyze(ctx context.Context, call domain.CallAttempt, campaign *domain.Campaign) (domain.AnalysisResult, error)
}

// TranscriptSource fetches a call from the voice provider when the stored
// attempt has no transcript.
type TranscriptSource interface {
	GetCall(ctx context.Context, id string) (*domain.CallResult, error)
}

// Queue enqueues finished calls and processes them by priority.
type Queue struct {
	items     repository.QueueRepository
	attempts  repository.CallAttemptRepository
	campaigns repository.CampaignRepository
	analyzer  Analyzer
	calls     TranscriptSource
	cfg       config.ProcessingConfig
	logger    *logger.Logger
	reporter  telemetry.ErrorReporter
	now       func() time.Time
}

// NewQueue constructs a processing queue.
func NewQueue(
	items repository.QueueRepository,
	attempts repository.CallAttemptRepository,
	campaigns repository.CampaignRepository,
	analyzer Analyzer,
	calls TranscriptSource,
	cfg config.ProcessingConfig,
	log *logger.Logger,
	reporter telemetry.ErrorReporter,
) *Queue {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 5 * time.Minute
	}
	if cfg.FastPathThreshold <= 0 {
		cfg.FastPathThreshold = 8
	}
	if cfg.ScoreTimeout <= 0 {
		cfg.ScoreTimeout = 2 * time.Minute
	}
	if reporter == nil {
		reporter = telemetry.NopReporter{}
	}
	return &Queue{
		items:     items,
		attempts:  attempts,
		campaigns: campaigns,
		analyzer:  analyzer,
		calls:     calls,
		cfg:       cfg,
		logger:    log,
		reporter:  reporter,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// Enqueue adds a finished call. A call that is already queued returns
// repository.ErrAlreadyQueued, which callers treat as success. Items at or
// above the fast path threshold are processed before Enqueue returns.
func (q *Queue) Enqueue(ctx context.Context, call domain.CallAttempt) (*domain.QueueItem, error) {
	now := q.now()
	item := &domain.QueueItem{
		ID:             uuid.New(),
		CallID:         call.ProviderCallID,
		OrganizationID: call.OrganizationID,
		Priority:       Priority(call),
		Status:         domain.QueuePending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := q.items.Insert(ctx, item); err != nil {
		if errors.Is(err, repository.ErrAlreadyQueued) {
			return nil, err
		}
		return nil, fmt.Errorf("processing: enqueue call: %w", err)
	}

	log := q.logger.With(zap.String("item_id", item.ID.String()), zap.String("call_id", item.CallID), zap.Int("priority", item.Priority))
	log.Info("processing: call queued")

	if item.Priority >= q.cfg.FastPathThreshold {
		claimed, err := q.items.Claim(ctx, item.ID)
		switch {
		case errors.Is(err, repository.ErrConflict):
			log.Debug("processing: fast path item already claimed")
		case err != nil:
			log.Warn("processing: fast path claim failed", zap.Error(err))
		default:
			q.process(ctx, otel.Tracer("outbound.processing"), *claimed)
			if latest, err := q.items.Get(ctx, item.ID); err == nil {
				return latest, nil
			}
			return claimed, nil
		}
	}
	return item, nil
}

// Run polls until the context is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := q.Poll(ctx); err != nil && ctx.Err() == nil {
			q.logger.Error("processing poll failed", zap.Error(err))
			q.reporter.Report(err, map[string]string{"component": "processing"})
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll claims a batch of pending items and processes each one.
func (q *Queue) Poll(ctx context.Context) error {
	tracer := otel.Tracer("outbound.processing")
	pctx, span := tracer.Start(ctx, "processing.poll")
	defer span.End()

	items, err := q.items.ClaimPending(pctx, q.cfg.BatchSize, q.cfg.MaxAttempts)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("processing: claim pending: %w", err)
	}
	span.SetAttributes(attribute.Int("item.count", len(items)))

	for _, item := range items {
		q.process(pctx, tracer, item)
	}
	return nil
}

// Requeue moves a failed item back to pending.
func (q *Queue) Requeue(ctx context.Context, id uuid.UUID) error {
	if err := q.items.Requeue(ctx, id); err != nil {
		return fmt.Errorf("processing: requeue item: %w", err)
	}
	q.logger.Info("processing: item requeued", zap.String("item_id", id.String()))
	return nil
}

func (q *Queue) process(ctx context.Context, tracer trace.Tracer, item domain.QueueItem) {
	ictx, span := tracer.Start(ctx, "processing.item", trace.WithAttributes(
		attribute.String("item.id", item.ID.String()),
		attribute.String("call.id", item.CallID),
		attribute.Int("priority", item.Priority),
	))
	defer span.End()

	log := q.logger.With(zap.String("item_id", item.ID.String()), zap.String("call_id", item.CallID))

	result, err := q.score(ictx, item)
	if err != nil {
		span.RecordError(err)
		log.Warn("processing: scoring failed", zap.Error(err), zap.Int("attempts", item.Attempts+1))
		if ferr := q.items.Fail(ictx, item.ID, err.Error(), q.now().Add(q.cfg.RetryBackoff)); ferr != nil {
			log.Error("processing: mark failed", zap.Error(ferr))
			q.reporter.Report(ferr, map[string]string{"component": "processing", "item_id": item.ID.String()})
		}
		return
	}

	if err := q.items.Complete(ictx, item.ID, result); err != nil {
		span.RecordError(err)
		log.Error("processing: mark completed", zap.Error(err))
		q.reporter.Report(err, map[string]string{"component": "processing", "item_id": item.ID.String()})
		return
	}
	if err := q.attempts.SaveAnalysis(ictx, item.CallID, result); err != nil {
		log.Warn("processing: save analysis on call", zap.Error(err))
	}
	log.Info("processing: call analysed", zap.String("outcome", result.Outcome))
}

func (q *Queue) score(ctx context.Context, item domain.QueueItem) (domain.AnalysisResult, error) {
	attempt, err := q.attempts.GetByProviderCallID(ctx, item.CallID)
	if err != nil {
		return domain.AnalysisResult{}, fmt.Errorf("processing: load call: %w", err)
	}

	if attempt.Transcript == "" && q.calls != nil {
		remote, err := q.calls.GetCall(ctx, item.CallID)
		if err != nil {
			return domain.AnalysisResult{}, fmt.Errorf("processing: fetch transcript: %w", err)
		}
		attempt.Transcript = remote.Transcript
		if attempt.Summary == "" {
			attempt.Summary = remote.Summary
		}
	}

	campaign, err := q.campaigns.Get(ctx, attempt.CampaignID)
	if err != nil {
		return domain.AnalysisResult{}, fmt.Errorf("processing: load campaign: %w", err)
	}

	sctx, cancel := context.WithTimeout(ctx, q.cfg.ScoreTimeout)
	defer cancel()
	result, err := q.analyzer.Analyze(sctx, *attempt, campaign)
	if err != nil {
		return domain.AnalysisResult{}, fmt.Errorf("processing: analyze call: %w", err)
	}
	return result, nil
}
