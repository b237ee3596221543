package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/voice-campaign-engine/internal/domain"
)

type enrollRequest struct {
	ContactID string `json:"contact_id"`
}

type progressResponse struct {
	ID            uuid.UUID             `json:"id"`
	SequenceID    uuid.UUID             `json:"sequence_id"`
	ContactID     uuid.UUID             `json:"contact_id"`
	CurrentStepID *uuid.UUID            `json:"current_step_id"`
	Status        domain.ProgressStatus `json:"status"`
}

func (h *HandlerSet) enroll(ctx *fiber.Ctx) error {
	sequenceID, err := parseID(ctx, "sequence")
	if err != nil {
		return err
	}
	var req enrollRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	contactID, err := uuid.Parse(req.ContactID)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid contact id")
	}

	progress, err := h.deps.Sequences.Enroll(ctx.UserContext(), sequenceID, contactID)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(fiber.StatusCreated).JSON(progressResponse{
		ID:            progress.ID,
		SequenceID:    progress.SequenceID,
		ContactID:     progress.ContactID,
		CurrentStepID: progress.CurrentStepID,
		Status:        progress.Status,
	})
}

func (h *HandlerSet) resumeProgress(ctx *fiber.Ctx) error {
	id, err := parseID(ctx, "progress")
	if err != nil {
		return err
	}
	if err := h.deps.Sequences.Resume(ctx.UserContext(), id); err != nil {
		return translateError(err)
	}
	return ctx.Status(fiber.StatusAccepted).JSON(fiber.Map{"id": id, "status": domain.ProgressActive})
}
