package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/acme/voice-campaign-engine/internal/domain"
)

type providerHealthResponse struct {
	Status              domain.HealthStatus `json:"status"`
	ResponseTimeMs      int64               `json:"response_time_ms"`
	LastChecked         *time.Time          `json:"last_checked"`
	ConsecutiveFailures int                 `json:"consecutive_failures"`
	Error               string              `json:"error,omitempty"`
}

func toHealthResponse(rec *domain.HealthRecord) providerHealthResponse {
	if rec == nil {
		return providerHealthResponse{Status: domain.HealthHealthy}
	}
	checked := rec.CheckedAt
	return providerHealthResponse{
		Status:              rec.Status,
		ResponseTimeMs:      rec.ResponseTime.Milliseconds(),
		LastChecked:         &checked,
		ConsecutiveFailures: rec.ConsecutiveFailures,
		Error:               rec.Error,
	}
}

func (h *HandlerSet) providerHealth(ctx *fiber.Ctx) error {
	rec, err := h.deps.Health.Latest(ctx.UserContext())
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(fiber.StatusOK).JSON(toHealthResponse(rec))
}

func (h *HandlerSet) checkProvider(ctx *fiber.Ctx) error {
	rec, err := h.deps.Health.CheckNow(ctx.UserContext())
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(fiber.StatusOK).JSON(toHealthResponse(&rec))
}
