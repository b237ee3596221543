package handlers

import (
	"github.com/gofiber/fiber/v2"
)

// providerWebhook acknowledges every callback it could read. Redeliveries
// are harmless because results are keyed on the provider call id.
func (h *HandlerSet) providerWebhook(ctx *fiber.Ctx) error {
	body := append([]byte(nil), ctx.Body()...)
	if err := h.deps.Webhook.Handle(ctx.UserContext(), body); err != nil {
		return translateError(err)
	}
	return ctx.Status(fiber.StatusOK).JSON(fiber.Map{"received": true})
}
