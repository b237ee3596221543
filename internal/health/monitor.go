// Package health probes the voice provider and pauses or resumes campaigns
// when it goes down or recovers.
package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/acme/voice-campaign-engine/internal/config"
	"github.com/acme/voice-campaign-engine/internal/domain"
	"github.com/acme/voice-campaign-engine/internal/repository"
	"github.com/acme/voice-campaign-engine/internal/telemetry"
	"github.com/acme/voice-campaign-engine/pkg/logger"
)

// Prober performs one health request against the provider.
type Prober interface {
	Ping(ctx context.Context) error
}

// NotificationKind names an organization notification.
type NotificationKind string

const (
	NotificationCampaignsPaused  NotificationKind = "campaigns_paused"
	NotificationCampaignsResumed NotificationKind = "campaigns_resumed"
)

// Notification summarises an outage transition for one organization.
type Notification struct {
	Kind           NotificationKind `json:"kind"`
	OrganizationID uuid.UUID        `json:"organizationId"`
	Provider       string           `json:"provider"`
	CampaignIDs    []uuid.UUID      `json:"campaignIds"`
	Count          int              `json:"count"`
	At             time.Time        `json:"at"`
}

// Notifier delivers organization notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Monitor classifies provider health with hysteresis.
type Monitor struct {
	prober    Prober
	records   repository.HealthRepository
	campaigns repository.CampaignRepository
	notifier  Notifier
	cfg       config.HealthConfig
	provider  string
	logger    *logger.Logger
	reporter  telemetry.ErrorReporter

	// serialises probes from the loop and manual checks
	mu  sync.Mutex
	now func() time.Time
}

// NewMonitor constructs a monitor for the named provider.
func NewMonitor(
	prober Prober,
	records repository.HealthRepository,
	campaigns repository.CampaignRepository,
	notifier Notifier,
	cfg config.HealthConfig,
	provider string,
	log *logger.Logger,
	reporter telemetry.ErrorReporter,
) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.DegradedThreshold <= 0 {
		cfg.DegradedThreshold = 5 * time.Second
	}
	if cfg.DownThreshold <= 0 {
		cfg.DownThreshold = 3
	}
	if reporter == nil {
		reporter = telemetry.NopReporter{}
	}
	return &Monitor{
		prober:    prober,
		records:   records,
		campaigns: campaigns,
		notifier:  notifier,
		cfg:       cfg,
		provider:  provider,
		logger:    log,
		reporter:  reporter,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run probes on every interval until cancelled. Probe errors never stop the
// loop.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := m.CheckNow(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error("health check failed", zap.Error(err))
			m.reporter.Report(err, map[string]string{"component": "health"})
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Current returns the recorded status. Without any record the provider is
// assumed healthy.
func (m *Monitor) Current(ctx context.Context) (domain.HealthStatus, error) {
	rec, err := m.Latest(ctx)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return domain.HealthHealthy, nil
	}
	return rec.Status, nil
}

// Latest returns the most recent record or nil.
func (m *Monitor) Latest(ctx context.Context) (*domain.HealthRecord, error) {
	rec, err := m.records.Latest(ctx, m.provider)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("health: latest: %w", err)
	}
	return rec, nil
}

// CheckNow runs one probe synchronously, records it and applies any outage
// transition.
func (m *Monitor) CheckNow(ctx context.Context) (domain.HealthRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tracer := otel.Tracer("outbound.health")
	ctx, span := tracer.Start(ctx, "health.check")
	defer span.End()

	prev, err := m.Latest(ctx)
	if err != nil {
		span.RecordError(err)
		return domain.HealthRecord{}, err
	}
	previous := domain.HealthHealthy
	failures := 0
	if prev != nil {
		previous = prev.Status
		failures = prev.ConsecutiveFailures
	}

	elapsed, probeErr := m.probe(ctx)
	record := m.classify(elapsed, probeErr, failures)
	span.SetAttributes(
		attribute.String("provider.status", string(record.Status)),
		attribute.Int64("provider.response_ms", elapsed.Milliseconds()),
	)

	if err := m.records.Append(ctx, record); err != nil {
		span.RecordError(err)
		return record, fmt.Errorf("health: append record: %w", err)
	}

	log := m.logger.With(
		zap.String("provider", m.provider),
		zap.String("previous", string(previous)),
		zap.String("status", string(record.Status)),
		zap.Int("consecutive_failures", record.ConsecutiveFailures),
		zap.Duration("response_time", elapsed),
	)
	if probeErr != nil {
		log = log.With(zap.NamedError("probe_error", probeErr))
	}
	log.Info("health: provider checked")

	switch {
	case previous != domain.HealthHealthy && record.Status == domain.HealthHealthy:
		// Recovery may pass through degraded, so any return to healthy
		// resumes what an outage paused.
		err = m.resumeCampaigns(ctx)
	case previous != domain.HealthDown && record.Status == domain.HealthDown:
		err = m.pauseCampaigns(ctx)
	}
	if err != nil {
		span.RecordError(err)
		return record, err
	}
	return record, nil
}

func (m *Monitor) probe(ctx context.Context) (time.Duration, error) {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()
	start := time.Now()
	err := m.prober.Ping(pctx)
	return time.Since(start), err
}

func (m *Monitor) classify(elapsed time.Duration, probeErr error, previousFailures int) domain.HealthRecord {
	record := domain.HealthRecord{
		Provider:     m.provider,
		ResponseTime: elapsed,
		CheckedAt:    m.now(),
	}
	switch {
	case probeErr != nil:
		record.ConsecutiveFailures = previousFailures + 1
		record.Error = probeErr.Error()
		if record.ConsecutiveFailures >= m.cfg.DownThreshold {
			record.Status = domain.HealthDown
		} else {
			record.Status = domain.HealthDegraded
		}
	case elapsed >= m.cfg.DegradedThreshold:
		record.Status = domain.HealthDegraded
	default:
		record.Status = domain.HealthHealthy
	}
	return record
}

func (m *Monitor) pauseCampaigns(ctx context.Context) error {
	refs, err := m.campaigns.PauseActive(ctx, domain.PausedReasonProviderOutage)
	if err != nil {
		return fmt.Errorf("health: pause campaigns: %w", err)
	}
	m.logger.Warn("health: provider down, campaigns paused", zap.Int("count", len(refs)))
	m.notify(ctx, NotificationCampaignsPaused, refs)
	return nil
}

func (m *Monitor) resumeCampaigns(ctx context.Context) error {
	refs, err := m.campaigns.ResumePaused(ctx, domain.PausedReasonProviderOutage)
	if err != nil {
		return fmt.Errorf("health: resume campaigns: %w", err)
	}
	if len(refs) > 0 {
		m.logger.Info("health: provider recovered, campaigns resumed", zap.Int("count", len(refs)))
	}
	m.notify(ctx, NotificationCampaignsResumed, refs)
	return nil
}

func (m *Monitor) notify(ctx context.Context, kind NotificationKind, refs []domain.CampaignRef) {
	if m.notifier == nil {
		return
	}
	byOrg := make(map[uuid.UUID][]uuid.UUID)
	var order []uuid.UUID
	for _, ref := range refs {
		if _, ok := byOrg[ref.OrganizationID]; !ok {
			order = append(order, ref.OrganizationID)
		}
		byOrg[ref.OrganizationID] = append(byOrg[ref.OrganizationID], ref.ID)
	}
	for _, org := range order {
		ids := byOrg[org]
		n := Notification{Kind: kind, OrganizationID: org, Provider: m.provider, CampaignIDs: ids, Count: len(ids), At: m.now()}
		if err := m.notifier.Notify(ctx, n); err != nil {
			m.logger.Error("health: notify organization failed",
				zap.String("organization_id", org.String()),
				zap.String("kind", string(kind)),
				zap.Error(err),
			)
		}
	}
}
