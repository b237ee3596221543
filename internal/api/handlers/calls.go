package handlers

import (
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"
)

const maxHistory = 200

type callEventResponse struct {
	Type       string          `json:"type"`
	ReceivedAt time.Time       `json:"received_at"`
	Payload    json.RawMessage `json:"payload"`
}

func (h *HandlerSet) callEvents(ctx *fiber.Ctx) error {
	callID := ctx.Params("id")
	limit := ctx.QueryInt("limit", 50)
	if limit <= 0 || limit > maxHistory {
		limit = maxHistory
	}

	events, err := h.deps.Events.History(ctx.UserContext(), callID, limit)
	if err != nil {
		return translateError(err)
	}

	out := make([]callEventResponse, 0, len(events))
	for _, evt := range events {
		payload := json.RawMessage(evt.Payload)
		if !json.Valid(payload) {
			payload = nil
		}
		out = append(out, callEventResponse{Type: evt.Type, ReceivedAt: evt.ReceivedAt, Payload: payload})
	}
	return ctx.Status(fiber.StatusOK).JSON(fiber.Map{"call_id": callID, "events": out})
}
