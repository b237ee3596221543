package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/voice-campaign-engine/internal/api/auth"
	"github.com/acme/voice-campaign-engine/internal/domain"
	"github.com/acme/voice-campaign-engine/pkg/logger"
)

// WebhookProcessor handles one raw provider callback.
type WebhookProcessor interface {
	Handle(ctx context.Context, body []byte) error
}

// ProviderHealth exposes the recorded provider health and manual checks.
type ProviderHealth interface {
	Latest(ctx context.Context) (*domain.HealthRecord, error)
	CheckNow(ctx context.Context) (domain.HealthRecord, error)
}

// QueueRequeuer moves failed processing items back to pending.
type QueueRequeuer interface {
	Requeue(ctx context.Context, id uuid.UUID) error
}

// EventHistory reads archived provider callbacks.
type EventHistory interface {
	History(ctx context.Context, providerCallID string, limit int) ([]domain.ArchivedEvent, error)
}

// SequenceEnroller enrolls contacts into sequences and resumes paused rows.
type SequenceEnroller interface {
	Enroll(ctx context.Context, sequenceID, contactID uuid.UUID) (*domain.SequenceProgress, error)
	Resume(ctx context.Context, progressID uuid.UUID) error
}

// Pinger is a backing store checked by the liveness route.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies are the collaborators behind the routes.
type Dependencies struct {
	Webhook   WebhookProcessor
	Health    ProviderHealth
	Queue     QueueRequeuer
	Events    EventHistory
	Sequences SequenceEnroller
	Auth      *auth.Verifier
	Probes    map[string]Pinger
	Logger    *logger.Logger
}

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	deps Dependencies
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(deps Dependencies) *HandlerSet {
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	return &HandlerSet{deps: deps}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.liveness)

	app.Post("/webhooks/provider", h.providerWebhook)
	app.Get("/health/provider", h.providerHealth)

	// Bearer auth is attached per route; a root group would also catch unknown paths.
	requireAuth := auth.Middleware(h.deps.Auth)
	app.Post("/health/provider/check", requireAuth, h.checkProvider)
	app.Post("/queue/:id/requeue", requireAuth, h.requeueItem)
	app.Get("/calls/:id/events", requireAuth, h.callEvents)
	if h.deps.Sequences != nil {
		app.Post("/sequences/:id/enrollments", requireAuth, h.enroll)
		app.Post("/sequences/progress/:id/resume", requireAuth, h.resumeProgress)
	}
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.deps.Logger.Error("request failed", zap.String("path", ctx.Path()), zap.Error(err))
	}

	return ctx.Status(code).JSON(fiber.Map{"error": message})
}

func (h *HandlerSet) liveness(ctx *fiber.Ctx) error {
	checkCtx, cancel := context.WithTimeout(ctx.UserContext(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)
	for name, probe := range h.deps.Probes {
		if err := probe.Ping(checkCtx); err != nil {
			errs[name] = err.Error()
		}
	}

	if len(errs) > 0 {
		return ctx.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "degraded", "errors": errs})
	}
	return ctx.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
}

func parseID(ctx *fiber.Ctx, what string) (uuid.UUID, error) {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return uuid.Nil, fiber.NewError(fiber.StatusBadRequest, "invalid "+what+" id")
	}
	return id, nil
}
