package scheduler

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/voice-campaign-engine/internal/config"
	"github.com/acme/voice-campaign-engine/internal/dispatch"
	"github.com/acme/voice-campaign-engine/internal/domain"
	"github.com/acme/voice-campaign-engine/internal/ratelimit"
	"github.com/acme/voice-campaign-engine/internal/repository"
	"github.com/acme/voice-campaign-engine/internal/telemetry"
	apperrors "github.com/acme/voice-campaign-engine/pkg/errors"
	"github.com/acme/voice-campaign-engine/pkg/logger"
)

// HealthGate reports the recorded provider health.
type HealthGate interface {
	Current(ctx context.Context) (domain.HealthStatus, error)
}

// Dispatcher places the next call of a campaign.
type Dispatcher interface {
	DispatchNext(ctx context.Context, campaign *domain.Campaign) (*domain.CallAttempt, error)
}

// RetryApplier re-queues at most one retry-eligible contact of a campaign.
type RetryApplier interface {
	ApplyNext(ctx context.Context, campaign *domain.Campaign, now time.Time) (*domain.CallAttempt, error)
}

// Scheduler periodically dispatches calls for every dispatchable campaign.
type Scheduler struct {
	campaigns  repository.CampaignRepository
	limiter    *ratelimit.Limiter
	dispatcher Dispatcher
	retries    RetryApplier
	health     HealthGate
	cfg        config.SchedulerConfig
	logger     *logger.Logger
	reporter   telemetry.ErrorReporter
	now        func() time.Time
}

// New constructs a scheduler.
func New(
	campaigns repository.CampaignRepository,
	limiter *ratelimit.Limiter,
	dispatcher Dispatcher,
	retries RetryApplier,
	health HealthGate,
	cfg config.SchedulerConfig,
	log *logger.Logger,
	reporter telemetry.ErrorReporter,
) *Scheduler {
	if reporter == nil {
		reporter = telemetry.NopReporter{}
	}
	return &Scheduler{
		campaigns:  campaigns,
		limiter:    limiter,
		dispatcher: dispatcher,
		retries:    retries,
		health:     health,
		cfg:        cfg,
		logger:     log,
		reporter:   reporter,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Run executes the scheduling loop until cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.cfg.TickInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("scheduler tick failed", zap.Error(err))
			s.reporter.Report(err, map[string]string{"component": "scheduler"})
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs one scheduling pass. A provider that is down halts the whole
// pass; errors of a single campaign are logged and do not stop the others.
func (s *Scheduler) Tick(ctx context.Context) error {
	tracer := otel.Tracer("outbound.scheduler")
	sctx, span := tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	status, err := s.healthStatus(sctx)
	if err != nil {
		span.RecordError(err)
		return err
	}
	span.SetAttributes(attribute.String("provider.status", string(status)))
	if status == domain.HealthDown {
		s.logger.Info("scheduler: provider down, skipping tick")
		return nil
	}

	listCtx, cancel := s.storeContext(sctx)
	campaigns, err := s.campaigns.ListDispatchable(listCtx, s.campaignLimit())
	cancel()
	if err != nil {
		span.RecordError(err)
		return err
	}
	span.SetAttributes(attribute.Int("campaign.count", len(campaigns)))

	now := s.now()
	for _, campaign := range campaigns {
		s.processCampaign(sctx, tracer, campaign, now)
	}
	return nil
}

func (s *Scheduler) processCampaign(ctx context.Context, tracer trace.Tracer, campaign *domain.Campaign, now time.Time) {
	cctx, cspan := tracer.Start(ctx, "scheduler.campaign", trace.WithAttributes(
		attribute.String("campaign.id", campaign.ID.String()),
		attribute.Int("concurrency_limit", campaign.Settings.ConcurrencyLimit),
	))
	defer cspan.End()

	cctx, cancel := s.storeContext(cctx)
	defer cancel()

	log := s.logger.With(zap.String("campaign_id", campaign.ID.String()))

	s.dispatchNext(cctx, cspan, log, campaign, now)

	if _, err := s.retries.ApplyNext(cctx, campaign, now); err != nil {
		cspan.RecordError(err)
		log.Error("scheduler: retry scan failed", zap.Error(err))
		s.reporter.Report(err, map[string]string{"component": "scheduler", "campaign_id": campaign.ID.String()})
	}
}

func (s *Scheduler) dispatchNext(ctx context.Context, span trace.Span, log *zap.Logger, campaign *domain.Campaign, now time.Time) {
	ok, err := s.limiter.CanDispatch(ctx, campaign, now)
	if err != nil {
		span.RecordError(err)
		log.Error("scheduler: rate check failed", zap.Error(err))
		return
	}
	if !ok {
		log.Debug("scheduler: campaign rate limited")
		return
	}

	attempt, err := s.dispatcher.DispatchNext(ctx, campaign)
	switch {
	case err == nil:
		span.SetAttributes(attribute.String("call.id", attempt.ProviderCallID))
	case errors.Is(err, dispatch.ErrNoPendingContact):
		log.Debug("scheduler: no pending contacts")
	case errors.Is(err, apperrors.ErrQuotaExceeded):
		log.Debug("scheduler: slot taken by a concurrent dispatcher", zap.Error(err))
	default:
		span.RecordError(err)
		var dispatchErr *dispatch.DispatchError
		if errors.As(err, &dispatchErr) && dispatchErr.Configuration() {
			log.Error("scheduler: campaign misconfigured", zap.Error(err))
		} else {
			log.Warn("scheduler: dispatch failed", zap.Error(err))
		}
		s.reporter.Report(err, map[string]string{"component": "scheduler", "campaign_id": campaign.ID.String()})
	}
}

func (s *Scheduler) healthStatus(ctx context.Context) (domain.HealthStatus, error) {
	if s.health == nil {
		return domain.HealthHealthy, nil
	}
	hctx, cancel := s.storeContext(ctx)
	defer cancel()
	return s.health.Current(hctx)
}

func (s *Scheduler) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.cfg.StoreTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func (s *Scheduler) campaignLimit() int {
	if s.cfg.CampaignLimit <= 0 {
		return 200
	}
	return s.cfg.CampaignLimit
}
