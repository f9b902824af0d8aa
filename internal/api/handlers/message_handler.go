package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/scamguard/backend/internal/ingestion"
	"github.com/scamguard/backend/internal/middleware/validation"
	"github.com/scamguard/backend/internal/storage"
	apperrors "github.com/scamguard/backend/pkg/errors"
)

type MessageHandler struct {
	processor *ingestion.Processor
	store     storage.Recorder
}

func NewMessageHandler(processor *ingestion.Processor, store storage.Recorder) *MessageHandler {
	return &MessageHandler{
		processor: processor,
		store:     store,
	}
}

// Receive classifies an inbound bot message. A posting the classifier could
// not handle is still recorded and returned with its error text.
func (h *MessageHandler) Receive(c *fiber.Ctx) error {
	var msg ingestion.Message
	if err := validation.Bind(c, &msg); err != nil {
		return respondError(c, err)
	}

	interaction, err := h.processor.ProcessMessage(c.UserContext(), msg)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(interaction)
}

type blockRequest struct {
	Blocked *bool `json:"blocked" validate:"required"`
}

func (h *MessageHandler) SetBlocked(c *fiber.Ctx) error {
	phone := c.Params("phone")
	if len(phone) < 5 {
		return respondError(c, apperrors.NewValidationError("INVALID_PHONE", "phone number is too short"))
	}

	var req blockRequest
	if err := validation.Bind(c, &req); err != nil {
		return respondError(c, err)
	}

	if err := h.store.SetBlocked(c.UserContext(), phone, *req.Blocked); err != nil {
		return respondError(c, apperrors.NewInternalError("failed to update user").WithCause(err))
	}
	return c.JSON(fiber.Map{
		"phone_number": phone,
		"blocked":      *req.Blocked,
	})
}
