// Package sequence advances contacts through multi-channel cadences.
package sequence

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

	"github.com/acme/voice-campaign-engine/internal/channels"
	"github.com/acme/voice-campaign-engine/internal/config"
	"github.com/acme/voice-campaign-engine/internal/domain"
	"github.com/acme/voice-campaign-engine/internal/queue"
	"github.com/acme/voice-campaign-engine/internal/repository"
	"github.com/acme/voice-campaign-engine/internal/telemetry"
	apperrors "github.com/acme/voice-campaign-engine/pkg/errors"
	"github.com/acme/voice-campaign-engine/pkg/logger"
)

// CallRequester hands a call step to the dispatch worker.
type CallRequester interface {
	RequestCall(ctx context.Context, req queue.DispatchRequest) error
}

// SMSSender delivers SMS steps.
type SMSSender interface {
	SendSMS(ctx context.Context, msg channels.SMS) error
}

// EmailSender delivers email steps.
type EmailSender interface {
	SendEmail(ctx context.Context, msg channels.Email) error
}

// EventPublisher publishes lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, evt queue.Event) error
}

// Engine moves due progress rows to their next step.
type Engine struct {
	sequences repository.SequenceRepository
	contacts  repository.ContactRepository
	calls     CallRequester
	sms       SMSSender
	email     EmailSender
	events    EventPublisher
	cfg       config.SequenceConfig
	logger    *logger.Logger
	reporter  telemetry.ErrorReporter
	now       func() time.Time
}

// NewEngine constructs an engine.
func NewEngine(
	sequences repository.SequenceRepository,
	contacts repository.ContactRepository,
	calls CallRequester,
	sms SMSSender,
	email EmailSender,
	events EventPublisher,
	cfg config.SequenceConfig,
	log *logger.Logger,
	reporter telemetry.ErrorReporter,
) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.InterStepDelay <= 0 {
		cfg.InterStepDelay = 30 * time.Second
	}
	if cfg.DefaultWaitHours <= 0 {
		cfg.DefaultWaitHours = 24
	}
	if reporter == nil {
		reporter = telemetry.NopReporter{}
	}
	return &Engine{
		sequences: sequences,
		contacts:  contacts,
		calls:     calls,
		sms:       sms,
		email:     email,
		events:    events,
		cfg:       cfg,
		logger:    log,
		reporter:  reporter,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Run ticks until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if err := e.Tick(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("sequence tick failed", zap.Error(err))
			e.reporter.Report(err, map[string]string{"component": "sequence"})
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick processes every due active row. A failing row does not stop the
// others.
func (e *Engine) Tick(ctx context.Context) error {
	tracer := otel.Tracer("outbound.sequence")
	sctx, span := tracer.Start(ctx, "sequence.tick")
	defer span.End()

	now := e.now()
	due, err := e.sequences.DueProgress(sctx, now, e.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("sequence: load due progress: %w", err)
	}
	span.SetAttributes(attribute.Int("progress.count", len(due)))

	for i := range due {
		progress := due[i]
		pctx, pspan := tracer.Start(sctx, "sequence.progress", trace.WithAttributes(
			attribute.String("progress.id", progress.ID.String()),
			attribute.String("contact.id", progress.ContactID.String()),
		))
		if err := e.process(pctx, &progress, now); err != nil {
			pspan.RecordError(err)
			e.logger.Error("sequence: progress failed",
				zap.String("progress_id", progress.ID.String()),
				zap.String("contact_id", progress.ContactID.String()),
				zap.Error(err))
			e.reporter.Report(err, map[string]string{"component": "sequence", "progress_id": progress.ID.String()})
		}
		pspan.End()
	}
	return nil
}

// plan is the conditional update a row receives after running a step.
type plan struct {
	stepID      *uuid.UUID
	status      domain.ProgressStatus
	nextAction  time.Time
	completedAt *time.Time
}

func (e *Engine) process(ctx context.Context, progress *domain.SequenceProgress, now time.Time) error {
	log := e.logger.With(zap.String("progress_id", progress.ID.String()), zap.String("contact_id", progress.ContactID.String()))

	seq, err := e.sequences.GetSequence(ctx, progress.SequenceID)
	if err != nil {
		return fmt.Errorf("sequence: load sequence: %w", err)
	}
	if !seq.IsActive {
		err := e.sequences.UpdateProgress(ctx, domain.ProgressUpdate{
			ID:             progress.ID,
			ExpectedStepID: progress.CurrentStepID,
			ExpectedStatus: progress.Status,
			StepID:         progress.CurrentStepID,
			Status:         domain.ProgressPaused,
			NextActionAt:   progress.NextActionAt,
			CompletedAt:    progress.CompletedAt,
		})
		if errors.Is(err, repository.ErrConflict) {
			return nil
		}
		if err == nil {
			log.Info("sequence: inactive sequence, progress paused")
		}
		return err
	}

	steps, err := e.sequences.ListSteps(ctx, seq.ID)
	if err != nil {
		return fmt.Errorf("sequence: list steps: %w", err)
	}
	if len(steps) == 0 {
		return e.complete(ctx, log, seq, progress, now)
	}
	if progress.CompletedAt != nil {
		// Every step ran; the trailing wait has now elapsed.
		return e.complete(ctx, log, seq, progress, *progress.CompletedAt)
	}

	idx := indexOf(steps, progress.CurrentStepID)
	if idx < 0 {
		idx = 0
	}
	step := steps[idx]
	next := e.advance(steps, idx, now)

	// The row moves before the step runs so a concurrent tick that loses the
	// update never repeats the step.
	err = e.sequences.UpdateProgress(ctx, domain.ProgressUpdate{
		ID:             progress.ID,
		ExpectedStepID: progress.CurrentStepID,
		ExpectedStatus: progress.Status,
		StepID:         next.stepID,
		Status:         next.status,
		NextActionAt:   next.nextAction,
		CompletedAt:    next.completedAt,
	})
	if errors.Is(err, repository.ErrConflict) {
		log.Debug("sequence: progress advanced concurrently")
		return nil
	}
	if err != nil {
		return fmt.Errorf("sequence: advance progress: %w", err)
	}

	if err := e.execute(ctx, seq, progress, step, now); err != nil {
		log.Warn("sequence: step delivery failed",
			zap.String("step_id", step.ID.String()),
			zap.String("step_type", string(step.Type)),
			zap.Error(err))
	}

	if next.status == domain.ProgressCompleted {
		e.publishCompleted(ctx, log, seq, progress, now)
	}
	return nil
}

func (e *Engine) complete(ctx context.Context, log *zap.Logger, seq *domain.Sequence, progress *domain.SequenceProgress, at time.Time) error {
	completed := at
	err := e.sequences.UpdateProgress(ctx, domain.ProgressUpdate{
		ID:             progress.ID,
		ExpectedStepID: progress.CurrentStepID,
		ExpectedStatus: progress.Status,
		StepID:         progress.CurrentStepID,
		Status:         domain.ProgressCompleted,
		NextActionAt:   at,
		CompletedAt:    &completed,
	})
	if errors.Is(err, repository.ErrConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("sequence: complete progress: %w", err)
	}
	e.publishCompleted(ctx, log, seq, progress, at)
	return nil
}

// advance computes where the row goes after steps[idx]. A wait step is never
// current after an advance; it only delays the step that follows it.
func (e *Engine) advance(steps []domain.SequenceStep, idx int, now time.Time) plan {
	if steps[idx].Type == domain.StepWait {
		return e.after(steps, idx+1, now.Add(e.waitDuration(steps[idx])))
	}

	nextIdx := idx + 1
	if nextIdx >= len(steps) {
		completed := now
		return plan{stepID: &steps[idx].ID, status: domain.ProgressCompleted, nextAction: now, completedAt: &completed}
	}
	if steps[nextIdx].Type == domain.StepWait {
		return e.after(steps, nextIdx+1, now.Add(e.waitDuration(steps[nextIdx])))
	}
	return plan{stepID: &steps[nextIdx].ID, status: domain.ProgressActive, nextAction: now.Add(e.cfg.InterStepDelay)}
}

func (e *Engine) after(steps []domain.SequenceStep, idx int, at time.Time) plan {
	if idx >= len(steps) {
		completed := at
		last := steps[len(steps)-1].ID
		return plan{stepID: &last, status: domain.ProgressActive, nextAction: at, completedAt: &completed}
	}
	return plan{stepID: &steps[idx].ID, status: domain.ProgressActive, nextAction: at}
}

func (e *Engine) waitDuration(step domain.SequenceStep) time.Duration {
	hours := e.cfg.DefaultWaitHours
	if step.Config.DurationHours != nil {
		hours = *step.Config.DurationHours
	}
	return time.Duration(hours) * time.Hour
}

func (e *Engine) execute(ctx context.Context, seq *domain.Sequence, progress *domain.SequenceProgress, step domain.SequenceStep, now time.Time) error {
	switch step.Type {
	case domain.StepWait:
		return nil
	case domain.StepCall:
		return e.calls.RequestCall(ctx, queue.DispatchRequest{
			RequestID:   uuid.New(),
			CampaignID:  seq.CampaignID,
			ContactID:   progress.ContactID,
			SequenceID:  seq.ID,
			StepID:      step.ID,
			RequestedAt: now,
		})
	}

	contact, err := e.contacts.Get(ctx, progress.ContactID)
	if err != nil {
		return fmt.Errorf("sequence: load contact: %w", err)
	}
	vars := Variables(contact)

	switch step.Type {
	case domain.StepSMS:
		return e.sms.SendSMS(ctx, channels.SMS{
			OrganizationID: seq.OrganizationID,
			To:             contact.Phone,
			Body:           Render(step.Config.Message, vars),
		})
	case domain.StepEmail:
		msg := channels.Email{OrganizationID: seq.OrganizationID, To: contact.Email, Variables: vars}
		if step.Config.TemplateID != "" {
			msg.TemplateID = step.Config.TemplateID
		} else {
			msg.Subject = Render(step.Config.Subject, vars)
			msg.HTML = Render(step.Config.HTML, vars)
		}
		return e.email.SendEmail(ctx, msg)
	}
	return fmt.Errorf("%w: unknown step type %q", apperrors.ErrValidation, step.Type)
}

func (e *Engine) publishCompleted(ctx context.Context, log *zap.Logger, seq *domain.Sequence, progress *domain.SequenceProgress, now time.Time) {
	if e.events == nil {
		return
	}
	err := e.events.Publish(ctx, queue.Event{
		Type:           queue.EventCampaignCompleted,
		OrganizationID: seq.OrganizationID,
		CampaignID:     seq.CampaignID,
		ContactID:      progress.ContactID,
		SequenceID:     seq.ID,
		OccurredAt:     now,
	})
	if err != nil {
		log.Warn("sequence: publish completion failed", zap.Error(err))
	}
}

// Enroll starts a contact at the first step of an active sequence.
func (e *Engine) Enroll(ctx context.Context, sequenceID, contactID uuid.UUID) (*domain.SequenceProgress, error) {
	seq, err := e.sequences.GetSequence(ctx, sequenceID)
	if err != nil {
		return nil, fmt.Errorf("sequence: load sequence: %w", err)
	}
	if !seq.IsActive {
		return nil, fmt.Errorf("%w: sequence %s is inactive", apperrors.ErrValidation, seq.ID)
	}
	steps, err := e.sequences.ListSteps(ctx, seq.ID)
	if err != nil {
		return nil, fmt.Errorf("sequence: list steps: %w", err)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: sequence %s has no steps", apperrors.ErrValidation, seq.ID)
	}

	now := e.now()
	first := steps[0].ID
	progress := &domain.SequenceProgress{
		ID:            uuid.New(),
		SequenceID:    seq.ID,
		ContactID:     contactID,
		CurrentStepID: &first,
		Status:        domain.ProgressActive,
		NextActionAt:  now,
		UpdatedAt:     now,
	}
	if err := e.sequences.CreateProgress(ctx, progress); err != nil {
		return nil, fmt.Errorf("sequence: enroll contact: %w", err)
	}
	return progress, nil
}

// Resume reactivates a paused row; it becomes due immediately.
func (e *Engine) Resume(ctx context.Context, progressID uuid.UUID) error {
	progress, err := e.sequences.GetProgress(ctx, progressID)
	if err != nil {
		return fmt.Errorf("sequence: load progress: %w", err)
	}
	if err := domain.CheckProgressTransition(progress.Status, domain.ProgressActive); err != nil || progress.Status != domain.ProgressPaused {
		return fmt.Errorf("%w: progress %s is %s", apperrors.ErrInvalidTransition, progress.ID, progress.Status)
	}
	err = e.sequences.UpdateProgress(ctx, domain.ProgressUpdate{
		ID:             progress.ID,
		ExpectedStepID: progress.CurrentStepID,
		ExpectedStatus: domain.ProgressPaused,
		StepID:         progress.CurrentStepID,
		Status:         domain.ProgressActive,
		NextActionAt:   e.now(),
		CompletedAt:    progress.CompletedAt,
	})
	if err != nil {
		return fmt.Errorf("sequence: resume progress: %w", err)
	}
	return nil
}

func indexOf(steps []domain.SequenceStep, id *uuid.UUID) int {
	if id == nil {
		return -1
	}
	for i, s := range steps {
		if s.ID == *id {
			return i
		}
	}
	return -1
}
