package handlers

import (
	"github.com/gofiber/fiber/v2"
)

func (h *HandlerSet) requeueItem(ctx *fiber.Ctx) error {
	id, err := parseID(ctx, "queue item")
	if err != nil {
		return err
	}
	if err := h.deps.Queue.Requeue(ctx.UserContext(), id); err != nil {
		return translateError(err)
	}
	return ctx.Status(fiber.StatusAccepted).JSON(fiber.Map{"id": id, "status": "pending"})
}
